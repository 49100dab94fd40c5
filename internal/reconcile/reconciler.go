// Package reconcile pulls server deltas and merges them into the local store.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/watchlist-sync/internal/events"
	"github.com/MarcoPoloResearchLab/watchlist-sync/internal/library"
	"github.com/MarcoPoloResearchLab/watchlist-sync/internal/store"
	"github.com/MarcoPoloResearchLab/watchlist-sync/internal/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	errMissingStore  = errors.New("reconcile: store is required")
	errMissingSource = errors.New("reconcile: source is required")
)

// Source serves server deltas.
type Source interface {
	Changes(ctx context.Context, query transport.ChangesQuery) (transport.ChangeSet, error)
}

// Config wires a Reconciler.
type Config struct {
	Store     *store.Store
	Source    Source
	Publisher events.Publisher
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Reconciler keeps the cache converging on server state.
type Reconciler struct {
	store     *store.Store
	source    Source
	publisher events.Publisher
	clock     func() time.Time
	logger    *zap.Logger
	pulls     singleflight.Group
}

// New validates the configuration and constructs a Reconciler.
func New(cfg Config) (*Reconciler, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Source == nil {
		return nil, errMissingSource
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		store:     cfg.Store,
		source:    cfg.Source,
		publisher: cfg.Publisher,
		clock:     clock,
		logger:    logger,
	}, nil
}

// pullResult is what a shared pull hands to every caller that joined it.
type pullResult struct {
	report Report
	full   bool
}

// Pull fetches one collection since its cursor, or from zero when full is set, and merges it.
// Pulls of one collection never overlap: callers join the pull in flight, and a full pull that
// joined a delta runs again once the delta is done.
func (r *Reconciler) Pull(ctx context.Context, collection library.Collection, full bool) (Report, error) {
	for {
		result, err, shared := r.pulls.Do(string(collection), func() (any, error) {
			// A started pull finishes even if the caller that started it goes away.
			report, err := r.pull(context.WithoutCancel(ctx), collection, full)
			return pullResult{report: report, full: full}, err
		})
		if shared {
			r.logger.Debug("joined in-flight pull", zap.String("collection", string(collection)))
		}
		if err != nil {
			return Report{}, err
		}
		outcome := result.(pullResult)
		if full && !outcome.full {
			if err := ctx.Err(); err != nil {
				return Report{}, fmt.Errorf("%w: %v", library.ErrConnectivity, err)
			}
			continue
		}
		return outcome.report, nil
	}
}

// PullAll pulls every collection. The first failure stops the run.
func (r *Reconciler) PullAll(ctx context.Context, full bool) error {
	for _, collection := range library.Collections() {
		if _, err := r.Pull(ctx, collection, full); err != nil {
			return err
		}
	}
	return nil
}

// PullEntities fetches and merges specific entities. Cursors stay where they are because the
// answer is not a complete delta.
func (r *Reconciler) PullEntities(ctx context.Context, ids []library.CatalogID) (Report, error) {
	if len(ids) == 0 {
		return newReport(), nil
	}
	changes, err := r.source.Changes(ctx, transport.ChangesQuery{Collection: library.CollectionMovies, IDs: ids})
	if err != nil {
		return Report{}, err
	}
	return r.Apply(ctx, changes.Entities, changes.People)
}

// Apply merges records that arrived outside a pull, such as a confirmed write's server answer.
func (r *Reconciler) Apply(ctx context.Context, entities []library.Entity, people []library.Person) (Report, error) {
	var report Report
	err := r.store.Update(ctx, func(tx *store.Tx) error {
		merged, err := Merge(tx, entities, people)
		if err != nil {
			return err
		}
		report = merged
		return nil
	})
	if err != nil {
		return Report{}, err
	}
	r.Notify(report)
	return report, nil
}

// Notify publishes change events for a merge report.
func (r *Reconciler) Notify(report Report) {
	Publish(r.publisher, report)
}

// Publish sends the change events of a merge report. A nil publisher is ignored.
func Publish(publisher events.Publisher, report Report) {
	if publisher == nil {
		return
	}
	if changed := report.ChangedEntities(); len(changed) > 0 {
		publisher.Publish(events.Event{Kind: events.KindEntitiesChanged, CatalogIDs: changed})
	}
	if changed := report.ChangedPeople(); len(changed) > 0 {
		publisher.Publish(events.Event{Kind: events.KindPeopleChanged, People: changed})
	}
}

func (r *Reconciler) pull(ctx context.Context, collection library.Collection, full bool) (Report, error) {
	since := library.Timestamp(0)
	if !full {
		cursor, err := r.store.Cursor(ctx, collection)
		if err != nil {
			return Report{}, err
		}
		since = cursor
	}
	changes, err := r.source.Changes(ctx, transport.ChangesQuery{Collection: collection, Since: since})
	if err != nil {
		r.logger.Debug("pull failed",
			zap.String("collection", string(collection)),
			zap.Error(err),
		)
		return Report{}, err
	}

	var report Report
	err = r.store.Update(ctx, func(tx *store.Tx) error {
		merged, err := Merge(tx, changes.Entities, changes.People)
		if err != nil {
			return err
		}
		report = merged
		if changes.Timestamp > 0 {
			if err := tx.SetCursor(collection, changes.Timestamp); err != nil {
				return err
			}
		}
		return tx.SetPulledAt(collection, library.TimestampFromTime(r.clock()))
	})
	if err != nil {
		return Report{}, err
	}

	r.logger.Debug("pull merged",
		zap.String("collection", string(collection)),
		zap.Bool("full", full),
		zap.Int("entities", len(changes.Entities)),
		zap.Int("people", len(changes.People)),
		zap.Int64("cursor", int64(changes.Timestamp)),
	)
	r.Notify(report)
	return report, nil
}

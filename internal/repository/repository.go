// Package repository is the single entry point UI stores use to read and write the watchlist.
package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/watchlist-sync/internal/events"
	"github.com/MarcoPoloResearchLab/watchlist-sync/internal/library"
	"github.com/MarcoPoloResearchLab/watchlist-sync/internal/mutations"
	"github.com/MarcoPoloResearchLab/watchlist-sync/internal/reconcile"
	"github.com/MarcoPoloResearchLab/watchlist-sync/internal/store"
	"github.com/MarcoPoloResearchLab/watchlist-sync/internal/transport"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DefaultFreshnessWindow is how long a pulled collection is served without a background refresh.
const DefaultFreshnessWindow = 5 * time.Minute

var (
	errMissingStore      = errors.New("repository: store is required")
	errMissingCatalog    = errors.New("repository: catalog is required")
	errMissingReconciler = errors.New("repository: reconciler is required")
	errMissingProcessor  = errors.New("repository: processor is required")
)

// Catalog searches the backend's title catalog.
type Catalog interface {
	SearchCatalog(ctx context.Context, query string) ([]transport.CatalogMatch, error)
}

// Config wires a Repository.
type Config struct {
	Store           *store.Store
	Catalog         Catalog
	Reconciler      *reconcile.Reconciler
	Processor       *mutations.Processor
	Publisher       events.Publisher
	Clock           func() time.Time
	Logger          *zap.Logger
	FreshnessWindow time.Duration
}

// Repository serves reads from the local store and routes writes through the network or the queue.
type Repository struct {
	store      *store.Store
	catalog    Catalog
	reconciler *reconcile.Reconciler
	processor  *mutations.Processor
	publisher  events.Publisher
	clock      func() time.Time
	logger     *zap.Logger
	freshness  time.Duration

	syncs      singleflight.Group
	background conc.WaitGroup
	baseCtx    context.Context
	cancel     context.CancelFunc
}

// New validates the configuration and constructs a Repository.
func New(cfg Config) (*Repository, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Catalog == nil {
		return nil, errMissingCatalog
	}
	if cfg.Reconciler == nil {
		return nil, errMissingReconciler
	}
	if cfg.Processor == nil {
		return nil, errMissingProcessor
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	freshness := cfg.FreshnessWindow
	if freshness <= 0 {
		freshness = DefaultFreshnessWindow
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Repository{
		store:      cfg.Store,
		catalog:    cfg.Catalog,
		reconciler: cfg.Reconciler,
		processor:  cfg.Processor,
		publisher:  cfg.Publisher,
		clock:      clock,
		logger:     logger,
		freshness:  freshness,
		baseCtx:    baseCtx,
		cancel:     cancel,
	}, nil
}

// Close stops background refreshes and waits for them to finish.
func (r *Repository) Close() {
	r.cancel()
	r.background.Wait()
}

// GetEntities serves entities from the cache without waiting on the network. A stale cache starts a
// background pull, a full one when the cache is empty; subscribers hear about the result.
func (r *Repository) GetEntities(ctx context.Context, filter store.EntityFilter) ([]library.Entity, error) {
	if err := r.ensureFresh(ctx, library.CollectionMovies); err != nil {
		return nil, err
	}
	return r.store.Entities(ctx, filter)
}

// GetEntity serves one cached entity.
func (r *Repository) GetEntity(ctx context.Context, catalogID library.CatalogID) (library.Entity, error) {
	return r.store.Entity(ctx, catalogID)
}

// GetPeople serves cached people with the same freshness rules as GetEntities.
func (r *Repository) GetPeople(ctx context.Context) ([]library.Person, error) {
	if err := r.ensureFresh(ctx, library.CollectionPeople); err != nil {
		return nil, err
	}
	return r.store.People(ctx)
}

// SyncNow drains the queue and then pulls every collection from zero. Concurrent calls share a run.
func (r *Repository) SyncNow(ctx context.Context) error {
	_, err, shared := r.syncs.Do("sync", func() (any, error) {
		if _, err := r.processor.Drain(ctx); err != nil {
			return nil, err
		}
		return nil, r.reconciler.PullAll(ctx, true)
	})
	if shared {
		r.logger.Debug("joined in-flight sync")
	}
	return err
}

// Refresh pulls the deltas of every collection.
func (r *Repository) Refresh(ctx context.Context) error {
	return r.reconciler.PullAll(ctx, false)
}

// SearchCatalog looks titles up in the backend catalog. It needs connectivity.
func (r *Repository) SearchCatalog(ctx context.Context, query string) ([]transport.CatalogMatch, error) {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: search query is required", library.ErrValidation)
	}
	return r.catalog.SearchCatalog(ctx, trimmed)
}

func (r *Repository) ensureFresh(ctx context.Context, collection library.Collection) error {
	pulledAt, err := r.store.PulledAt(ctx, collection)
	if err != nil {
		return err
	}
	now := library.TimestampFromTime(r.clock())
	if pulledAt != 0 && now-pulledAt <= library.Timestamp(r.freshness.Milliseconds()) {
		return nil
	}
	empty, err := r.collectionEmpty(ctx, collection)
	if err != nil {
		return err
	}
	r.refreshInBackground(collection, empty)
	return nil
}

func (r *Repository) collectionEmpty(ctx context.Context, collection library.Collection) (bool, error) {
	if collection == library.CollectionPeople {
		people, err := r.store.People(ctx)
		return len(people) == 0, err
	}
	count, err := r.store.CountEntities(ctx)
	return count == 0, err
}

func (r *Repository) refreshInBackground(collection library.Collection, full bool) {
	if r.baseCtx.Err() != nil {
		return
	}
	r.background.Go(func() {
		if _, err := r.reconciler.Pull(r.baseCtx, collection, full); err != nil {
			if library.IsConnectivity(err) && full {
				r.logger.Info("serving empty cache while offline", zap.String("collection", string(collection)))
				return
			}
			r.logger.Debug("background refresh failed",
				zap.String("collection", string(collection)),
				zap.Bool("full", full),
				zap.Error(err),
			)
		}
	})
}

func (r *Repository) now() library.Timestamp {
	return library.TimestampFromTime(r.clock())
}

func (r *Repository) publish(event events.Event) {
	if r.publisher != nil {
		r.publisher.Publish(event)
	}
}

// Package mutations replays queued writes against the backend in FIFO order.
package mutations

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/watchlist-sync/internal/events"
	"github.com/MarcoPoloResearchLab/watchlist-sync/internal/library"
	"github.com/MarcoPoloResearchLab/watchlist-sync/internal/reconcile"
	"github.com/MarcoPoloResearchLab/watchlist-sync/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultMaxRetries is the number of connectivity failures after which a mutation fails.
	DefaultMaxRetries     = 3
	defaultBackoffBase    = 2 * time.Second
	defaultBackoffCeiling = 5 * time.Minute
	drainKey              = "drain"
)

var (
	errMissingStore   = errors.New("mutations: store is required")
	errMissingBackend = errors.New("mutations: backend is required")
)

// Config wires a Processor.
type Config struct {
	Store          *store.Store
	Backend        Backend
	Publisher      events.Publisher
	Clock          func() time.Time
	Logger         *zap.Logger
	MaxRetries     int
	BackoffBase    time.Duration
	BackoffCeiling time.Duration
}

// Processor drains the durable mutation queue.
type Processor struct {
	store          *store.Store
	backend        Backend
	publisher      events.Publisher
	clock          func() time.Time
	logger         *zap.Logger
	maxRetries     int
	backoffBase    time.Duration
	backoffCeiling time.Duration
	drains         singleflight.Group
	wake           chan struct{}
}

// DrainReport summarizes one drain run.
type DrainReport struct {
	Applied int `json:"applied"`
	Failed  int `json:"failed"`
	// Blocked is set when the head mutation waits for its next attempt, including right after a
	// connectivity failure deferred it.
	Blocked bool `json:"blocked,omitempty"`
	// NextAttemptAt is the head's next attempt when Blocked.
	NextAttemptAt library.Timestamp `json:"next_attempt_at,omitempty"`
}

// New validates the configuration and constructs a Processor.
func New(cfg Config) (*Processor, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Backend == nil {
		return nil, errMissingBackend
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	base := cfg.BackoffBase
	if base <= 0 {
		base = defaultBackoffBase
	}
	ceiling := cfg.BackoffCeiling
	if ceiling <= 0 {
		ceiling = defaultBackoffCeiling
	}
	if ceiling < base {
		ceiling = base
	}
	return &Processor{
		store:          cfg.Store,
		backend:        cfg.Backend,
		publisher:      cfg.Publisher,
		clock:          clock,
		logger:         logger,
		maxRetries:     maxRetries,
		backoffBase:    base,
		backoffCeiling: ceiling,
		wake:           make(chan struct{}, 1),
	}, nil
}

// Kick asks a running loop to drain soon. It never blocks.
func (p *Processor) Kick() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Wake exposes the kick channel to the loop that owns draining.
func (p *Processor) Wake() <-chan struct{} {
	return p.wake
}

// Send performs the server call of a mutation without touching the queue.
func (p *Processor) Send(ctx context.Context, mutation store.Mutation) (Confirmation, error) {
	return Execute(ctx, p.backend, mutation)
}

// Confirm applies a server confirmation in one transaction: the mutation, when given, leaves the
// queue and the authoritative records merge into the cache.
func (p *Processor) Confirm(ctx context.Context, mutationID string, confirmation Confirmation) (reconcile.Report, error) {
	var report reconcile.Report
	err := p.store.Update(ctx, func(tx *store.Tx) error {
		if mutationID != "" {
			if err := tx.DeleteMutation(mutationID); err != nil {
				return err
			}
		}
		for _, name := range confirmation.RemovedPeople {
			if err := tx.DeletePerson(name); err != nil {
				return err
			}
		}
		merged, err := reconcile.Merge(tx, confirmation.Entities, confirmation.People)
		if err != nil {
			return err
		}
		report = merged
		return nil
	})
	if err != nil {
		return reconcile.Report{}, err
	}
	if kept := report.KeptEntities(); len(kept) > 0 {
		p.logger.Info("conflict acknowledged",
			zap.String("mutation_id", mutationID),
			zap.Int("entities", len(kept)),
		)
		p.publish(events.Event{Kind: events.KindConflictAcknowledged, CatalogIDs: kept})
	}
	reconcile.Publish(p.publisher, report)
	if len(confirmation.RemovedPeople) > 0 {
		p.publish(events.Event{Kind: events.KindPeopleChanged, People: confirmation.RemovedPeople})
	}
	if mutationID != "" {
		p.publish(events.Event{Kind: events.KindQueueChanged})
	}
	return report, nil
}

// Drain replays mutations in (created_at, id) order until the queue is empty, the head waits for a
// retry, or a connectivity failure stops the run. Concurrent calls share one run.
func (p *Processor) Drain(ctx context.Context) (DrainReport, error) {
	result, err, _ := p.drains.Do(drainKey, func() (any, error) {
		return p.drain(ctx)
	})
	report, _ := result.(DrainReport)
	return report, err
}

func (p *Processor) drain(ctx context.Context) (DrainReport, error) {
	var report DrainReport
	for {
		if err := ctx.Err(); err != nil {
			return report, fmt.Errorf("%w: %v", library.ErrConnectivity, err)
		}
		mutation, ready, err := p.claimHead(ctx)
		if err != nil {
			return report, err
		}
		if mutation == nil {
			return report, nil
		}
		if !ready {
			report.Blocked = true
			report.NextAttemptAt = mutation.NextAttemptAt
			return report, nil
		}

		confirmation, sendErr := p.Send(ctx, *mutation)
		switch {
		case sendErr == nil:
			if _, err := p.Confirm(ctx, mutation.ID, confirmation); err != nil {
				return report, err
			}
			report.Applied++
			p.logger.Debug("mutation applied",
				zap.String("mutation_id", mutation.ID),
				zap.String("type", mutation.Type),
			)
		case library.IsConnectivity(sendErr):
			next, err := p.recordConnectivityFailure(ctx, *mutation, sendErr)
			if err != nil {
				return report, err
			}
			if next > 0 {
				report.Blocked = true
				report.NextAttemptAt = next
			}
			return report, sendErr
		case errors.Is(sendErr, library.ErrUnauthorized):
			if err := p.release(ctx, *mutation); err != nil {
				return report, err
			}
			return report, sendErr
		default:
			if err := p.fail(ctx, *mutation, sendErr, true); err != nil {
				return report, err
			}
			report.Failed++
		}
	}
}

// claimHead marks the oldest non-failed mutation as sending. It returns nil when the queue is
// drained and ready=false when the head still waits out its backoff.
func (p *Processor) claimHead(ctx context.Context) (*store.Mutation, bool, error) {
	var (
		claimed *store.Mutation
		ready   bool
	)
	now := library.TimestampFromTime(p.clock())
	err := p.store.Update(ctx, func(tx *store.Tx) error {
		head, ok, err := tx.NextMutation()
		if err != nil || !ok {
			return err
		}
		claimed = &head
		if head.State == store.MutationRetryWait && head.NextAttemptAt > now {
			return nil
		}
		ready = true
		head.State = store.MutationSending
		return tx.SaveMutation(head)
	})
	if err != nil {
		return nil, false, err
	}
	return claimed, ready, nil
}

// recordConnectivityFailure puts the mutation in retry-wait and returns its next attempt, or fails it
// and returns zero once retries are exhausted.
func (p *Processor) recordConnectivityFailure(ctx context.Context, mutation store.Mutation, cause error) (library.Timestamp, error) {
	mutation.RetryCount++
	mutation.LastError = cause.Error()
	if mutation.RetryCount >= p.maxRetries {
		p.logger.Warn("mutation exhausted retries",
			zap.String("mutation_id", mutation.ID),
			zap.String("type", mutation.Type),
			zap.Int("retry_count", mutation.RetryCount),
			zap.Error(cause),
		)
		return 0, p.fail(ctx, mutation, cause, false)
	}
	delay := p.Backoff(mutation.RetryCount)
	mutation.State = store.MutationRetryWait
	mutation.NextAttemptAt = library.TimestampFromTime(p.clock().Add(delay))
	p.logger.Info("mutation deferred",
		zap.String("mutation_id", mutation.ID),
		zap.String("type", mutation.Type),
		zap.Int("retry_count", mutation.RetryCount),
		zap.Duration("backoff", delay),
	)
	if err := p.store.Update(ctx, func(tx *store.Tx) error { return tx.SaveMutation(mutation) }); err != nil {
		return 0, err
	}
	p.publish(events.Event{Kind: events.KindQueueChanged})
	return mutation.NextAttemptAt, nil
}

func (p *Processor) release(ctx context.Context, mutation store.Mutation) error {
	mutation.State = store.MutationPending
	return p.store.Update(ctx, func(tx *store.Tx) error { return tx.SaveMutation(mutation) })
}

// fail marks a mutation failed. Definitive failures also roll the optimistic write back.
func (p *Processor) fail(ctx context.Context, mutation store.Mutation, cause error, rollback bool) error {
	mutation.State = store.MutationFailed
	mutation.LastError = cause.Error()
	mutation.NextAttemptAt = 0
	var undone rollbackResult
	err := p.store.Update(ctx, func(tx *store.Tx) error {
		if rollback {
			result, err := p.rollBack(tx, mutation, library.TimestampFromTime(p.clock()))
			if err != nil {
				return err
			}
			undone = result
			mutation.Snapshot = store.Snapshot{}
		}
		return tx.SaveMutation(mutation)
	})
	if err != nil {
		return err
	}
	if rollback {
		p.logger.Warn("mutation rejected",
			zap.String("mutation_id", mutation.ID),
			zap.String("type", mutation.Type),
			zap.Int("restored", undone.restored),
			zap.Error(cause),
		)
		p.publishSnapshot(undone.touched)
	}
	p.publish(events.Event{Kind: events.KindQueueChanged, Detail: mutation.LastError})
	return nil
}

// Backoff is the wait before attempt retryCount+1: base × 2^retryCount, capped at the ceiling.
func (p *Processor) Backoff(retryCount int) time.Duration {
	delay := p.backoffBase
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= p.backoffCeiling {
			return p.backoffCeiling
		}
	}
	return delay
}

// List returns every queued mutation, failed ones included.
func (p *Processor) List(ctx context.Context) ([]store.Mutation, error) {
	return p.store.Mutations(ctx)
}

// Retry puts a failed or waiting mutation back in line with a fresh retry budget. A mutation that was
// rolled back has its local effect applied again.
func (p *Processor) Retry(ctx context.Context, id string) error {
	var reapplied store.Snapshot
	err := p.store.Update(ctx, func(tx *store.Tx) error {
		mutation, err := tx.Mutation(id)
		if err != nil {
			return err
		}
		if mutation.State != store.MutationFailed && mutation.State != store.MutationRetryWait {
			return fmt.Errorf("%w: mutation %s is %s", library.ErrValidation, id, mutation.State)
		}
		if mutation.Snapshot.Empty() {
			payload, err := DecodePayload(mutation)
			if err != nil {
				return err
			}
			change, err := ApplyLocal(tx, Type(mutation.Type), payload, library.TimestampFromTime(p.clock()))
			if err != nil {
				p.logger.Info("retried mutation does not apply locally",
					zap.String("mutation_id", mutation.ID),
					zap.Error(err),
				)
			} else {
				mutation.Snapshot = change.Snapshot
				reapplied = change.Snapshot
			}
		}
		mutation.State = store.MutationPending
		mutation.RetryCount = 0
		mutation.NextAttemptAt = 0
		mutation.LastError = ""
		return tx.SaveMutation(mutation)
	})
	if err != nil {
		return err
	}
	p.publishSnapshot(reapplied)
	p.publish(events.Event{Kind: events.KindQueueChanged})
	p.Kick()
	return nil
}

// Discard drops a mutation and undoes its optimistic effect. Later queued mutations on the same
// records stay visible.
func (p *Processor) Discard(ctx context.Context, id string) error {
	var touched store.Snapshot
	err := p.store.Update(ctx, func(tx *store.Tx) error {
		mutation, err := tx.Mutation(id)
		if err != nil {
			return err
		}
		if mutation.State == store.MutationSending {
			return fmt.Errorf("%w: mutation %s is being sent", library.ErrValidation, id)
		}
		result, err := p.rollBack(tx, mutation, library.TimestampFromTime(p.clock()))
		if err != nil {
			return err
		}
		touched = result.touched
		return tx.DeleteMutation(id)
	})
	if err != nil {
		return err
	}
	p.logger.Info("mutation discarded", zap.String("mutation_id", id))
	p.publishSnapshot(touched)
	p.publish(events.Event{Kind: events.KindQueueChanged})
	return nil
}

func (p *Processor) publishSnapshot(snapshot store.Snapshot) {
	if len(snapshot.Entities) > 0 {
		ids := make([]library.CatalogID, 0, len(snapshot.Entities))
		for _, image := range snapshot.Entities {
			ids = append(ids, image.CatalogID)
		}
		p.publish(events.Event{Kind: events.KindEntitiesChanged, CatalogIDs: ids})
	}
	if len(snapshot.People) > 0 {
		names := make([]library.PersonName, 0, len(snapshot.People))
		for _, image := range snapshot.People {
			names = append(names, image.Name)
		}
		p.publish(events.Event{Kind: events.KindPeopleChanged, People: names})
	}
}

func (p *Processor) publish(event events.Event) {
	if p.publisher != nil {
		p.publisher.Publish(event)
	}
}

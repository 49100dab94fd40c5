// Package session owns the sync core for one signed-in user: it wires the components together and
// runs the background drain, refresh and realtime loops until Close.
package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/watchlist-sync/internal/events"
	"github.com/MarcoPoloResearchLab/watchlist-sync/internal/library"
	"github.com/MarcoPoloResearchLab/watchlist-sync/internal/mutations"
	"github.com/MarcoPoloResearchLab/watchlist-sync/internal/realtime"
	"github.com/MarcoPoloResearchLab/watchlist-sync/internal/reconcile"
	"github.com/MarcoPoloResearchLab/watchlist-sync/internal/repository"
	"github.com/MarcoPoloResearchLab/watchlist-sync/internal/store"
	"github.com/MarcoPoloResearchLab/watchlist-sync/internal/transport"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultSyncInterval = time.Minute

var (
	errMissingDatabase = errors.New("session: database is required")
	errMissingClient   = errors.New("session: client is required")
	errClosed          = errors.New("session: closed")
)

// Config wires a Session.
type Config struct {
	Database        *gorm.DB
	Client          *transport.Client
	Logger          *zap.Logger
	Clock           func() time.Time
	SyncInterval    time.Duration
	FreshnessWindow time.Duration
	MaxRetries      int
	BackoffBase     time.Duration
	BackoffCeiling  time.Duration
	PingInterval    time.Duration
	// Realtime enables the push listener.
	Realtime bool
}

// Status is a point-in-time view of the sync core for UI badges.
type Status struct {
	Online            bool      `json:"online"`
	RealtimeConnected bool      `json:"realtime_connected"`
	Pending           int       `json:"pending"`
	Failed            int       `json:"failed"`
	LastPullAt        time.Time `json:"last_pull_at,omitempty"`
	LastError         string    `json:"last_error,omitempty"`
}

// Session is the explicit owner of the sync core. It is built at login and closed at logout.
type Session struct {
	store      *store.Store
	dispatcher *events.Dispatcher
	reconciler *reconcile.Reconciler
	processor  *mutations.Processor
	repository *repository.Repository
	listener   *realtime.Listener
	logger     *zap.Logger
	clock      func() time.Time
	interval   time.Duration

	online    atomic.Bool
	started   atomic.Bool
	closed    atomic.Bool
	errMu     sync.Mutex
	lastError string

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup
	retry  *time.Timer
	timeMu sync.Mutex
}

// Open builds every component over an already migrated database.
func Open(cfg Config) (*Session, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Client == nil {
		return nil, errMissingClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	interval := cfg.SyncInterval
	if interval <= 0 {
		interval = defaultSyncInterval
	}

	st, err := store.New(store.Config{Database: cfg.Database, Logger: logger.Named("store")})
	if err != nil {
		return nil, err
	}
	dispatcher := events.NewDispatcher()
	reconciler, err := reconcile.New(reconcile.Config{
		Store:     st,
		Source:    cfg.Client,
		Publisher: dispatcher,
		Clock:     clock,
		Logger:    logger.Named("reconcile"),
	})
	if err != nil {
		return nil, err
	}
	processor, err := mutations.New(mutations.Config{
		Store:          st,
		Backend:        cfg.Client,
		Publisher:      dispatcher,
		Clock:          clock,
		Logger:         logger.Named("mutations"),
		MaxRetries:     cfg.MaxRetries,
		BackoffBase:    cfg.BackoffBase,
		BackoffCeiling: cfg.BackoffCeiling,
	})
	if err != nil {
		return nil, err
	}
	repo, err := repository.New(repository.Config{
		Store:           st,
		Catalog:         cfg.Client,
		Reconciler:      reconciler,
		Processor:       processor,
		Publisher:       dispatcher,
		Clock:           clock,
		Logger:          logger.Named("repository"),
		FreshnessWindow: cfg.FreshnessWindow,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	session := &Session{
		store:      st,
		dispatcher: dispatcher,
		reconciler: reconciler,
		processor:  processor,
		repository: repo,
		logger:     logger,
		clock:      clock,
		interval:   interval,
		ctx:        ctx,
		cancel:     cancel,
	}
	session.online.Store(true)

	if cfg.Realtime {
		listener, err := realtime.New(realtime.Config{
			Dialer:        cfg.Client,
			Puller:        reconciler,
			Logger:        logger.Named("realtime"),
			PingInterval:  cfg.PingInterval,
			OnStateChange: session.realtimeStateChanged,
		})
		if err != nil {
			cancel()
			return nil, err
		}
		session.listener = listener
	}
	return session, nil
}

// Start launches the background loops. Calling it twice is a no-op.
func (s *Session) Start() error {
	if s.closed.Load() {
		return errClosed
	}
	if !s.started.CompareAndSwap(false, true) {
		return nil
	}
	s.wg.Go(s.drainLoop)
	if s.listener != nil {
		s.wg.Go(s.realtimeLoop)
	}
	s.processor.Kick()
	s.logger.Info("session started", zap.Bool("realtime", s.listener != nil))
	return nil
}

// Close stops every loop and waits for them. The database handle stays open for its owner.
func (s *Session) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.cancel()
	s.timeMu.Lock()
	if s.retry != nil {
		s.retry.Stop()
	}
	s.timeMu.Unlock()
	s.wg.Wait()
	s.repository.Close()
	s.dispatcher.Close()
	s.logger.Info("session closed")
}

// Repository is the read/write entry point.
func (s *Session) Repository() *repository.Repository {
	return s.repository
}

// Mutations exposes queue inspection, retry and discard.
func (s *Session) Mutations() *mutations.Processor {
	return s.processor
}

// Subscribe streams change notifications until ctx ends or cleanup is called.
func (s *Session) Subscribe(ctx context.Context, kinds ...events.Kind) (<-chan events.Event, func()) {
	return s.dispatcher.Subscribe(ctx, kinds...)
}

// SetOnline records the platform's connectivity signal. Coming back online kicks a drain and a refresh.
func (s *Session) SetOnline(online bool) {
	previous := s.online.Swap(online)
	if previous == online {
		return
	}
	s.logger.Info("connectivity changed", zap.Bool("online", online))
	s.dispatcher.Publish(events.Event{Kind: events.KindStatusChanged})
	if online {
		s.Foreground()
	}
}

// Foreground is called when the app returns to the foreground.
func (s *Session) Foreground() {
	if !s.online.Load() || s.closed.Load() {
		return
	}
	s.processor.Kick()
	s.wg.Go(func() {
		if err := s.repository.Refresh(s.ctx); err != nil {
			s.recordError(err)
		}
	})
}

// Status reports connectivity, queue depth and the last pull time.
func (s *Session) Status(ctx context.Context) (Status, error) {
	queued, err := s.store.Mutations(ctx)
	if err != nil {
		return Status{}, err
	}
	status := Status{Online: s.online.Load()}
	if s.listener != nil {
		status.RealtimeConnected = s.listener.Connected()
	}
	for _, mutation := range queued {
		if mutation.State == store.MutationFailed {
			status.Failed++
		} else {
			status.Pending++
		}
	}
	pulledAt, err := s.store.PulledAt(ctx, library.CollectionMovies)
	if err != nil {
		return Status{}, err
	}
	if pulledAt > 0 {
		status.LastPullAt = pulledAt.Time()
	}
	s.errMu.Lock()
	status.LastError = s.lastError
	s.errMu.Unlock()
	return status, nil
}

func (s *Session) drainLoop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.drainOnce()
		case <-s.processor.Wake():
			s.drainOnce()
		}
	}
}

func (s *Session) drainOnce() {
	if !s.online.Load() {
		return
	}
	report, err := s.processor.Drain(s.ctx)
	if report.Blocked {
		s.scheduleRetry(report.NextAttemptAt.Time().Sub(s.clock()))
	}
	if err != nil {
		if s.ctx.Err() == nil {
			s.recordError(err)
		}
		return
	}
	if report.Applied > 0 || report.Failed > 0 {
		s.logger.Debug("queue drained",
			zap.Int("applied", report.Applied),
			zap.Int("failed", report.Failed),
		)
	}
	s.recordError(nil)
}

// scheduleRetry kicks the drain loop when the blocked head becomes due.
func (s *Session) scheduleRetry(delay time.Duration) {
	if delay < 0 {
		delay = 0
	}
	s.timeMu.Lock()
	defer s.timeMu.Unlock()
	if s.retry != nil {
		s.retry.Stop()
	}
	s.retry = time.AfterFunc(delay, s.processor.Kick)
}

func (s *Session) realtimeLoop() {
	if err := s.listener.Run(s.ctx); err != nil {
		s.logger.Warn("realtime listener stopped", zap.Error(err))
		s.recordError(err)
	}
}

func (s *Session) realtimeStateChanged(connected bool) {
	s.logger.Debug("realtime state changed", zap.Bool("connected", connected))
	s.dispatcher.Publish(events.Event{Kind: events.KindStatusChanged})
}

func (s *Session) recordError(err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	s.errMu.Lock()
	changed := s.lastError != message
	s.lastError = message
	s.errMu.Unlock()
	if changed {
		s.dispatcher.Publish(events.Event{Kind: events.KindStatusChanged, Detail: message})
	}
}

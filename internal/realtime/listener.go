// Package realtime keeps the push channel open and turns notifications into targeted pulls.
package realtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/watchlist-sync/internal/library"
	"github.com/MarcoPoloResearchLab/watchlist-sync/internal/reconcile"
	"github.com/MarcoPoloResearchLab/watchlist-sync/internal/transport"
	"github.com/avast/retry-go/v4"
	"go.uber.org/zap"
)

const (
	defaultPingInterval   = 30 * time.Second
	defaultBackoffBase    = time.Second
	defaultBackoffCeiling = time.Minute
)

// Push message types the listener acts on.
const (
	TypeMovieAdded    = "movieAdded"
	TypeMovieUpdated  = "movieUpdated"
	TypeMovieDeleted  = "movieDeleted"
	TypePersonUpdated = "personUpdated"
	TypePeopleUpdated = "peopleUpdated"
	TypeListUpdated   = "listUpdated"
)

var (
	errMissingDialer = errors.New("realtime: dialer is required")
	errMissingPuller = errors.New("realtime: puller is required")
)

// Dialer opens the push channel.
type Dialer interface {
	DialPush(ctx context.Context) (transport.PushConn, error)
}

// Puller fetches what a notification points at.
type Puller interface {
	Pull(ctx context.Context, collection library.Collection, full bool) (reconcile.Report, error)
	PullEntities(ctx context.Context, ids []library.CatalogID) (reconcile.Report, error)
}

// Config wires a Listener.
type Config struct {
	Dialer         Dialer
	Puller         Puller
	Logger         *zap.Logger
	PingInterval   time.Duration
	BackoffBase    time.Duration
	BackoffCeiling time.Duration
	// OnStateChange is called with true after each successful connect and false after each loss.
	OnStateChange func(connected bool)
}

// Listener owns one push connection at a time and reconnects with capped exponential backoff.
type Listener struct {
	dialer         Dialer
	puller         Puller
	logger         *zap.Logger
	pingInterval   time.Duration
	backoffBase    time.Duration
	backoffCeiling time.Duration
	onStateChange  func(bool)
	connected      atomic.Bool
}

// New validates the configuration and constructs a Listener.
func New(cfg Config) (*Listener, error) {
	if cfg.Dialer == nil {
		return nil, errMissingDialer
	}
	if cfg.Puller == nil {
		return nil, errMissingPuller
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	listener := &Listener{
		dialer:         cfg.Dialer,
		puller:         cfg.Puller,
		logger:         logger,
		pingInterval:   cfg.PingInterval,
		backoffBase:    cfg.BackoffBase,
		backoffCeiling: cfg.BackoffCeiling,
		onStateChange:  cfg.OnStateChange,
	}
	if listener.pingInterval <= 0 {
		listener.pingInterval = defaultPingInterval
	}
	if listener.backoffBase <= 0 {
		listener.backoffBase = defaultBackoffBase
	}
	if listener.backoffCeiling < listener.backoffBase {
		listener.backoffCeiling = defaultBackoffCeiling
	}
	return listener, nil
}

// Connected reports whether a push connection is currently open.
func (l *Listener) Connected() bool {
	return l.connected.Load()
}

// Run connects and serves until ctx is cancelled or the credential is rejected. Cancelling ctx is
// the disconnect signal; Run then returns nil.
func (l *Listener) Run(ctx context.Context) error {
	for {
		conn, err := l.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		l.setConnected(true)
		l.catchUp(ctx)
		serveErr := l.serve(ctx, conn)
		l.setConnected(false)
		if ctx.Err() != nil {
			return nil
		}
		l.logger.Info("realtime connection lost", zap.Error(serveErr))
	}
}

func (l *Listener) connect(ctx context.Context) (transport.PushConn, error) {
	var conn transport.PushConn
	err := retry.Do(
		func() error {
			opened, err := l.dialer.DialPush(ctx)
			if err != nil {
				if errors.Is(err, library.ErrUnauthorized) {
					return retry.Unrecoverable(err)
				}
				return err
			}
			conn = opened
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(0),
		retry.Delay(l.backoffBase),
		retry.MaxDelay(l.backoffCeiling),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(attempt uint, err error) {
			l.logger.Debug("realtime reconnect scheduled",
				zap.Uint("attempt", attempt+1),
				zap.Error(err),
			)
		}),
	)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// catchUp pulls the deltas that may have been missed while disconnected.
func (l *Listener) catchUp(ctx context.Context) {
	for _, collection := range library.Collections() {
		if _, err := l.puller.Pull(ctx, collection, false); err != nil {
			l.logger.Debug("realtime catch-up pull failed",
				zap.String("collection", string(collection)),
				zap.Error(err),
			)
		}
	}
}

func (l *Listener) serve(ctx context.Context, conn transport.PushConn) error {
	done := make(chan struct{})
	var closeOnce sync.Once
	closeConn := func() { closeOnce.Do(func() { _ = conn.Close() }) }
	defer closeConn()

	go func() {
		ticker := time.NewTicker(l.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				closeConn()
				return
			case <-done:
				return
			case <-ticker.C:
				if err := conn.Ping(); err != nil {
					l.logger.Debug("realtime ping failed", zap.Error(err))
				}
			}
		}
	}()
	defer close(done)

	for {
		message, err := conn.Next()
		if err != nil {
			return err
		}
		l.Handle(ctx, message)
	}
}

// Handle turns one push message into the pull it calls for.
func (l *Listener) Handle(ctx context.Context, message transport.PushMessage) {
	var err error
	switch message.Type {
	case TypeMovieAdded, TypeMovieUpdated, TypeMovieDeleted:
		if message.ImdbID == "" {
			_, err = l.puller.Pull(ctx, library.CollectionMovies, false)
			break
		}
		_, err = l.puller.PullEntities(ctx, []library.CatalogID{library.CatalogID(message.ImdbID)})
	case TypePersonUpdated, TypePeopleUpdated:
		_, err = l.puller.Pull(ctx, library.CollectionPeople, false)
	case TypeListUpdated:
		_, err = l.puller.Pull(ctx, library.CollectionMovies, false)
	default:
		l.logger.Debug("realtime message ignored",
			zap.String("type", message.Type),
			zap.ByteString("frame", message.Raw),
		)
		return
	}
	if err != nil {
		l.logger.Debug("realtime pull failed",
			zap.String("type", message.Type),
			zap.String("imdb_id", message.ImdbID),
			zap.Error(err),
		)
	}
}

func (l *Listener) setConnected(connected bool) {
	if l.connected.Swap(connected) == connected {
		return
	}
	if l.onStateChange != nil {
		l.onStateChange(connected)
	}
}

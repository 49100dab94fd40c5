package session

import (
	"context"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/watchlist-sync/internal/backendtest"
	"github.com/MarcoPoloResearchLab/watchlist-sync/internal/database"
	"github.com/MarcoPoloResearchLab/watchlist-sync/internal/events"
	"github.com/MarcoPoloResearchLab/watchlist-sync/internal/library"
	"github.com/MarcoPoloResearchLab/watchlist-sync/internal/transport"
	"go.uber.org/zap"
)

type staticToken string

func (s staticToken) Token(context.Context) (string, error) {
	return string(s), nil
}

func TestSessionReplaysWhenBackOnline(t *testing.T) {
	backend := backendtest.New(t)
	backend.AddCatalogTitle(backendtest.CatalogTitle{CatalogID: "tt1", Title: "One"})
	session := openSession(t, backend, false)
	ctx := context.Background()

	stream, cleanup := session.Subscribe(ctx, events.KindQueueChanged)
	defer cleanup()

	session.SetOnline(false)
	backend.SetOffline(true)
	result, err := session.Repository().AddEntity(ctx, "tt1", "Alex", "")
	if err != nil || result.State != library.WriteQueued {
		t.Fatalf("expected queued write, got %+v (%v)", result, err)
	}
	select {
	case <-stream:
	case <-time.After(time.Second):
		t.Fatal("expected a queue-changed event")
	}
	status, err := session.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Online || status.Pending != 1 {
		t.Fatalf("expected offline with one pending write, got %+v", status)
	}

	backend.SetOffline(false)
	session.SetOnline(true)
	waitFor(t, func() bool {
		current, err := session.Status(ctx)
		return err == nil && current.Pending == 0
	})
	if _, ok := backend.Movie("tt1"); !ok {
		t.Fatalf("server should have received the replayed write")
	}
}

func TestSessionAppliesRemoteChanges(t *testing.T) {
	backend := backendtest.New(t)
	session := openSession(t, backend, true)
	ctx := context.Background()

	waitFor(t, func() bool { return backend.Subscribers() == 1 })
	backend.SeedMovie(library.Entity{CatalogID: "tt77", MediaType: library.MediaMovie, Status: library.StatusToWatch})
	waitFor(t, func() bool {
		_, err := session.Repository().GetEntity(ctx, "tt77")
		return err == nil
	})
	status, err := session.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !status.RealtimeConnected {
		t.Fatalf("expected an open realtime connection, got %+v", status)
	}
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	backend := backendtest.New(t)
	session := openSession(t, backend, true)
	session.Close()
	session.Close()
	if err := session.Start(); err == nil {
		t.Fatalf("start after close should fail")
	}
}

func TestDeferredReplayRetriesOnBackoffNotInterval(t *testing.T) {
	backend := backendtest.New(t)
	backend.AddCatalogTitle(backendtest.CatalogTitle{CatalogID: "tt1", Title: "One"})
	session := openSessionWith(t, backend, func(cfg *Config) {
		cfg.SyncInterval = time.Hour
		cfg.BackoffBase = 20 * time.Millisecond
	})
	ctx := context.Background()

	backend.FailNext(http.StatusServiceUnavailable, "maintenance")
	backend.FailNext(http.StatusServiceUnavailable, "maintenance")
	result, err := session.Repository().AddEntity(ctx, "tt1", "Alex", "")
	if err != nil || result.State != library.WriteQueued {
		t.Fatalf("expected queued write, got %+v (%v)", result, err)
	}
	waitFor(t, func() bool {
		current, err := session.Status(ctx)
		return err == nil && current.Pending == 0 && current.Failed == 0
	})
	if _, ok := backend.Movie("tt1"); !ok {
		t.Fatalf("server should have received the retried write")
	}
}

func openSession(t *testing.T, backend *backendtest.Server, realtime bool) *Session {
	t.Helper()
	return openSessionWith(t, backend, func(cfg *Config) { cfg.Realtime = realtime })
}

func openSessionWith(t *testing.T, backend *backendtest.Server, configure func(*Config)) *Session {
	t.Helper()
	client, err := transport.NewClient(transport.Config{
		BaseURL:        backend.URL(),
		RequestTimeout: 2 * time.Second,
		Credentials:    staticToken(backend.Token()),
		Logger:         zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "session.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = database.Close(db) })
	cfg := Config{
		Database:     db,
		Client:       client,
		Logger:       zap.NewNop(),
		SyncInterval: 50 * time.Millisecond,
		BackoffBase:  10 * time.Millisecond,
	}
	configure(&cfg)
	session, err := Open(cfg)
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	if err := session.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(session.Close)
	return session
}

func waitFor(t *testing.T, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

package mutations

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/watchlist-sync/internal/backendtest"
	"github.com/MarcoPoloResearchLab/watchlist-sync/internal/database"
	"github.com/MarcoPoloResearchLab/watchlist-sync/internal/library"
	"github.com/MarcoPoloResearchLab/watchlist-sync/internal/store"
	"github.com/MarcoPoloResearchLab/watchlist-sync/internal/transport"
	"go.uber.org/zap"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type staticToken string

func (s staticToken) Token(context.Context) (string, error) {
	return string(s), nil
}

func TestDrainReplaysInOrder(t *testing.T) {
	env := newEnvironment(t)
	env.backend.AddCatalogTitle(backendtest.CatalogTitle{CatalogID: "tt0133093", Title: "The Matrix", Year: 1999})
	ctx := context.Background()

	watched := string(library.StatusWatched)
	first := env.enqueue(TypeAddEntity, Payload{
		CatalogID:      "tt0133093",
		Recommendation: &transport.AddRecommendationRequest{Person: "Alex", VoteType: string(library.VoteUp)},
	}, store.Snapshot{}, 10)
	second := env.enqueue(TypeUpdateEntity, Payload{
		CatalogID: "tt0133093",
		Movie:     &transport.UpdateMovieRequest{Status: &watched},
	}, store.Snapshot{}, 10)
	if first.ID >= second.ID {
		t.Fatalf("ids should be time ordered: %s then %s", first.ID, second.ID)
	}

	report, err := env.processor.Drain(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if report.Applied != 2 || report.Failed != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	requests := env.backend.Requests()
	expected := []string{"POST /movies/tt0133093/recommendations", "PUT /movies/tt0133093"}
	if !reflect.DeepEqual(requests, expected) {
		t.Fatalf("expected %v, got %v", expected, requests)
	}
	remaining, err := env.store.Mutations(ctx)
	if err != nil || len(remaining) != 0 {
		t.Fatalf("expected empty queue, got %v (%v)", remaining, err)
	}
	cached, err := env.store.Entity(ctx, "tt0133093")
	if err != nil {
		t.Fatalf("entity: %v", err)
	}
	server, _ := env.backend.Movie("tt0133093")
	if cached.Status != library.StatusWatched || cached.LastModified != server.LastModified {
		t.Fatalf("cache should hold the confirmed server copy, got %+v", cached)
	}
}

func TestConnectivityFailuresBackOffThenFail(t *testing.T) {
	env := newEnvironment(t)
	ctx := context.Background()
	env.enqueue(TypeRemoveVote, Payload{CatalogID: "tt1", Person: "Alex"}, store.Snapshot{}, 10)
	env.backend.SetOffline(true)

	deferred, err := env.processor.Drain(ctx)
	if !errors.Is(err, library.ErrConnectivity) {
		t.Fatalf("expected connectivity, got %v", err)
	}
	mutation := env.only()
	if mutation.State != store.MutationRetryWait || mutation.RetryCount != 1 {
		t.Fatalf("expected retry-wait after first failure, got %+v", mutation)
	}
	wantNext := library.TimestampFromTime(env.clock.Now().Add(2 * time.Second))
	if mutation.NextAttemptAt != wantNext {
		t.Fatalf("expected next attempt %d, got %d", wantNext, mutation.NextAttemptAt)
	}
	if !deferred.Blocked || deferred.NextAttemptAt != wantNext {
		t.Fatalf("the failed drain should report when to try again, got %+v", deferred)
	}

	report, err := env.processor.Drain(ctx)
	if err != nil || !report.Blocked {
		t.Fatalf("head in retry-wait should block the drain, got %+v (%v)", report, err)
	}

	env.clock.Advance(time.Minute)
	if _, err := env.processor.Drain(ctx); !errors.Is(err, library.ErrConnectivity) {
		t.Fatalf("expected connectivity, got %v", err)
	}
	env.clock.Advance(time.Minute)
	if _, err := env.processor.Drain(ctx); !errors.Is(err, library.ErrConnectivity) {
		t.Fatalf("expected connectivity, got %v", err)
	}
	mutation = env.only()
	if mutation.State != store.MutationFailed || mutation.RetryCount != DefaultMaxRetries {
		t.Fatalf("expected failed after %d attempts, got %+v", DefaultMaxRetries, mutation)
	}

	report, err = env.processor.Drain(ctx)
	if err != nil || report.Applied != 0 || report.Blocked {
		t.Fatalf("failed mutations must not be retried automatically, got %+v (%v)", report, err)
	}

	if err := env.processor.Retry(ctx, mutation.ID); err != nil {
		t.Fatalf("retry: %v", err)
	}
	mutation = env.only()
	if mutation.State != store.MutationPending || mutation.RetryCount != 0 || mutation.LastError != "" {
		t.Fatalf("retry should reset the mutation, got %+v", mutation)
	}
}

func TestDefinitiveFailureRestoresSnapshotAndContinues(t *testing.T) {
	env := newEnvironment(t)
	env.backend.AddCatalogTitle(backendtest.CatalogTitle{CatalogID: "tt2", Title: "Second"})
	ctx := context.Background()

	before := library.Entity{
		CatalogID:    "tt1",
		MediaType:    library.MediaMovie,
		Metadata:     library.Metadata{Title: "Local only"},
		Status:       library.StatusToWatch,
		Votes:        []library.Vote{},
		LastModified: 100,
	}
	optimistic := before.Clone()
	optimistic.Status = library.StatusWatched
	optimistic.LastModified = library.NextStamp(before.LastModified)
	watched := string(library.StatusWatched)

	if err := env.store.Update(ctx, func(tx *store.Tx) error { return tx.PutEntity(optimistic) }); err != nil {
		t.Fatalf("seed: %v", err)
	}
	env.enqueue(TypeUpdateEntity, Payload{CatalogID: "tt1", Movie: &transport.UpdateMovieRequest{Status: &watched}},
		store.Snapshot{Entities: []store.EntityImage{store.CaptureEntity(&before, optimistic)}}, 10)
	env.enqueue(TypeAddVote, Payload{
		CatalogID:      "tt2",
		Recommendation: &transport.AddRecommendationRequest{Person: "Sam", VoteType: string(library.VoteDown)},
	}, store.Snapshot{}, 11)

	report, err := env.processor.Drain(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if report.Failed != 1 || report.Applied != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	restored, err := env.store.Entity(ctx, "tt1")
	if err != nil {
		t.Fatalf("entity: %v", err)
	}
	if !reflect.DeepEqual(restored, before) {
		t.Fatalf("expected the pre-write image back\nwant %+v\ngot  %+v", before, restored)
	}
	failed, err := env.store.Mutations(ctx, store.MutationFailed)
	if err != nil || len(failed) != 1 || failed[0].LastError == "" {
		t.Fatalf("expected one failed mutation with an error, got %+v (%v)", failed, err)
	}

	if err := env.processor.Discard(ctx, failed[0].ID); err != nil {
		t.Fatalf("discard: %v", err)
	}
	if remaining, _ := env.store.Mutations(ctx); len(remaining) != 0 {
		t.Fatalf("expected empty queue after discard, got %+v", remaining)
	}
}

func TestDiscardRestoresOptimisticWrite(t *testing.T) {
	env := newEnvironment(t)
	ctx := context.Background()
	provisional := library.NewProvisionalEntity("tt9", library.MediaMovie)
	provisional, _ = library.WithVote(provisional, library.Vote{Person: "Alex", VoteType: library.VoteUp, DateRecommended: 5})
	provisional.LastModified = 1
	if err := env.store.Update(ctx, func(tx *store.Tx) error { return tx.PutEntity(provisional) }); err != nil {
		t.Fatalf("seed: %v", err)
	}
	mutation := env.enqueue(TypeAddEntity, Payload{
		CatalogID:      "tt9",
		Recommendation: &transport.AddRecommendationRequest{Person: "Alex", VoteType: string(library.VoteUp)},
	}, store.Snapshot{Entities: []store.EntityImage{store.CaptureEntity(nil, provisional)}}, 10)

	if err := env.processor.Discard(ctx, mutation.ID); err != nil {
		t.Fatalf("discard: %v", err)
	}
	if _, err := env.store.Entity(ctx, "tt9"); !errors.Is(err, library.ErrNotFound) {
		t.Fatalf("provisional entity should be gone, got %v", err)
	}
	if err := env.processor.Discard(ctx, mutation.ID); !errors.Is(err, library.ErrNotFound) {
		t.Fatalf("expected not found for a discarded mutation, got %v", err)
	}
}

func TestStackedRejectionsRestoreTheConfirmedState(t *testing.T) {
	env := newEnvironment(t)
	ctx := context.Background()
	confirmed := env.seedEntity("tt1", 1_700_000_001_000)

	env.queueLocal(TypeAddVote, votePayload("tt1", "Alex", library.VoteUp), 10)
	env.queueLocal(TypeAddVote, votePayload("tt1", "Bo", library.VoteUp), 11)
	stacked, err := env.store.Entity(ctx, "tt1")
	if err != nil || len(stacked.Votes) != 2 || stacked.LastModified != confirmed.LastModified+2 {
		t.Fatalf("expected both optimistic votes stacked, got %+v (%v)", stacked, err)
	}

	env.backend.FailNext(http.StatusUnprocessableEntity, "rejected")
	env.backend.FailNext(http.StatusUnprocessableEntity, "rejected")
	report, err := env.processor.Drain(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if report.Failed != 2 || report.Applied != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	restored, err := env.store.Entity(ctx, "tt1")
	if err != nil {
		t.Fatalf("entity: %v", err)
	}
	if !reflect.DeepEqual(restored, confirmed) {
		t.Fatalf("expected the confirmed copy back\nwant %+v\ngot  %+v", confirmed, restored)
	}
	for _, name := range []library.PersonName{"Alex", "Bo"} {
		if _, err := env.store.Person(ctx, name); !errors.Is(err, library.ErrNotFound) {
			t.Fatalf("person %s was only created by a rejected vote, got %v", name, err)
		}
	}

	failed, err := env.store.Mutations(ctx, store.MutationFailed)
	if err != nil || len(failed) != 2 {
		t.Fatalf("expected two failed mutations, got %+v (%v)", failed, err)
	}
	if err := env.processor.Retry(ctx, failed[0].ID); err != nil {
		t.Fatalf("retry: %v", err)
	}
	retried, err := env.store.Entity(ctx, "tt1")
	if err != nil {
		t.Fatalf("entity: %v", err)
	}
	if _, ok := retried.VoteBy("Alex"); !ok || len(retried.Votes) != 1 {
		t.Fatalf("retry should show the vote again, got %+v", retried.Votes)
	}
}

func TestDiscardFirstOfStackedWritesKeepsTheLaterOne(t *testing.T) {
	env := newEnvironment(t)
	ctx := context.Background()
	confirmed := env.seedEntity("tt1", 5_000)

	first := env.queueLocal(TypeAddVote, votePayload("tt1", "Alex", library.VoteUp), 10)
	second := env.queueLocal(TypeAddVote, votePayload("tt1", "Bo", library.VoteDown), 11)

	if err := env.processor.Discard(ctx, first.ID); err != nil {
		t.Fatalf("discard: %v", err)
	}
	current, err := env.store.Entity(ctx, "tt1")
	if err != nil {
		t.Fatalf("entity: %v", err)
	}
	if _, ok := current.VoteBy("Alex"); ok {
		t.Fatalf("discarded vote still cached: %+v", current.Votes)
	}
	vote, ok := current.VoteBy("Bo")
	if !ok || vote.VoteType != library.VoteDown || len(current.Votes) != 1 {
		t.Fatalf("queued vote should stay visible, got %+v", current.Votes)
	}
	if current.LastModified != confirmed.LastModified+1 {
		t.Fatalf("expected one local tick over the confirmed copy, got %d", current.LastModified)
	}

	remaining := env.only()
	if remaining.ID != second.ID || len(remaining.Snapshot.Entities) != 1 {
		t.Fatalf("expected the later mutation with a fresh snapshot, got %+v", remaining)
	}
	if before := remaining.Snapshot.Entities[0].Before; before == nil || len(before.Votes) != 0 {
		t.Fatalf("later snapshot should now point at the confirmed copy, got %+v", before)
	}

	if err := env.processor.Discard(ctx, second.ID); err != nil {
		t.Fatalf("discard: %v", err)
	}
	restored, err := env.store.Entity(ctx, "tt1")
	if err != nil {
		t.Fatalf("entity: %v", err)
	}
	if !reflect.DeepEqual(restored, confirmed) {
		t.Fatalf("expected the confirmed copy back\nwant %+v\ngot  %+v", confirmed, restored)
	}
}

func TestUnauthorizedLeavesMutationPending(t *testing.T) {
	env := newEnvironment(t)
	ctx := context.Background()
	env.enqueue(TypeRemoveVote, Payload{CatalogID: "tt1", Person: "Alex"}, store.Snapshot{}, 10)
	env.backend.FailNext(http.StatusUnauthorized, "expired")

	if _, err := env.processor.Drain(ctx); !errors.Is(err, library.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	mutation := env.only()
	if mutation.State != store.MutationPending || mutation.RetryCount != 0 {
		t.Fatalf("expected the mutation back in line untouched, got %+v", mutation)
	}
}

func TestBackoffDoublesUpToCeiling(t *testing.T) {
	processor := &Processor{backoffBase: time.Second, backoffCeiling: 10 * time.Second}
	cases := []struct {
		retryCount int
		expected   time.Duration
	}{
		{retryCount: 0, expected: time.Second},
		{retryCount: 1, expected: 2 * time.Second},
		{retryCount: 3, expected: 8 * time.Second},
		{retryCount: 4, expected: 10 * time.Second},
		{retryCount: 30, expected: 10 * time.Second},
	}
	for _, tc := range cases {
		if got := processor.Backoff(tc.retryCount); got != tc.expected {
			t.Fatalf("retry %d: expected %s, got %s", tc.retryCount, tc.expected, got)
		}
	}
}

type environment struct {
	t         *testing.T
	backend   *backendtest.Server
	store     *store.Store
	processor *Processor
	clock     *manualClock
}

func newEnvironment(t *testing.T) *environment {
	t.Helper()
	backend := backendtest.New(t)
	client, err := transport.NewClient(transport.Config{
		BaseURL:        backend.URL(),
		RequestTimeout: 2 * time.Second,
		Credentials:    staticToken(backend.Token()),
		Logger:         zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "queue.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = database.Close(db) })
	st, err := store.New(store.Config{Database: db, Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	clock := &manualClock{now: time.UnixMilli(1_000_000)}
	processor, err := New(Config{
		Store:       st,
		Backend:     client,
		Clock:       clock.Now,
		Logger:      zap.NewNop(),
		BackoffBase: time.Second,
	})
	if err != nil {
		t.Fatalf("processor: %v", err)
	}
	return &environment{t: t, backend: backend, store: st, processor: processor, clock: clock}
}

func (e *environment) enqueue(mutationType Type, payload Payload, snapshot store.Snapshot, createdAt library.Timestamp) store.Mutation {
	e.t.Helper()
	mutation, err := NewMutation(mutationType, payload, snapshot, createdAt)
	if err != nil {
		e.t.Fatalf("new mutation: %v", err)
	}
	if err := e.store.Update(context.Background(), func(tx *store.Tx) error { return tx.InsertMutation(mutation) }); err != nil {
		e.t.Fatalf("insert mutation: %v", err)
	}
	return mutation
}

func (e *environment) only() store.Mutation {
	e.t.Helper()
	mutations, err := e.store.Mutations(context.Background())
	if err != nil {
		e.t.Fatalf("mutations: %v", err)
	}
	if len(mutations) != 1 {
		e.t.Fatalf("expected one mutation, got %d", len(mutations))
	}
	return mutations[0]
}

func (e *environment) seedEntity(catalogID library.CatalogID, stamp library.Timestamp) library.Entity {
	e.t.Helper()
	entity := library.Entity{
		CatalogID:    catalogID,
		MediaType:    library.MediaMovie,
		Metadata:     library.Metadata{Title: "Seeded"},
		Status:       library.StatusToWatch,
		Votes:        []library.Vote{},
		LastModified: stamp,
	}
	if err := e.store.Update(context.Background(), func(tx *store.Tx) error { return tx.PutEntity(entity) }); err != nil {
		e.t.Fatalf("seed: %v", err)
	}
	return entity
}

// queueLocal applies a mutation to the cache and queues it in one transaction.
func (e *environment) queueLocal(mutationType Type, payload Payload, createdAt library.Timestamp) store.Mutation {
	e.t.Helper()
	var mutation store.Mutation
	err := e.store.Update(context.Background(), func(tx *store.Tx) error {
		change, err := ApplyLocal(tx, mutationType, payload, createdAt)
		if err != nil {
			return err
		}
		mutation, err = NewMutation(mutationType, payload, change.Snapshot, createdAt)
		if err != nil {
			return err
		}
		return tx.InsertMutation(mutation)
	})
	if err != nil {
		e.t.Fatalf("queue %s: %v", mutationType, err)
	}
	return mutation
}

func votePayload(catalogID library.CatalogID, person library.PersonName, voteType library.VoteType) Payload {
	return Payload{
		CatalogID: catalogID,
		Person:    person,
		Recommendation: &transport.AddRecommendationRequest{
			Person:          person.String(),
			VoteType:        string(voteType),
			DateRecommended: 20,
		},
	}
}

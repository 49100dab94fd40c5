package store

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/MarcoPoloResearchLab/watchlist-sync/internal/library"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestEntityRoundTripAndStatusFilter(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	rating := 8.5
	watched := sampleEntity("tt100", library.StatusWatched, 20)
	watched.Rating = &rating
	toWatch := sampleEntity("tt101", library.StatusToWatch, 10)

	mustUpdate(t, st, func(tx *Tx) error {
		if err := tx.PutEntity(watched); err != nil {
			return err
		}
		return tx.PutEntity(toWatch)
	})

	loaded, err := st.Entity(ctx, "tt100")
	if err != nil {
		t.Fatalf("load entity: %v", err)
	}
	if !reflect.DeepEqual(loaded, watched) {
		t.Fatalf("entity mismatch:\nwant %+v\ngot  %+v", watched, loaded)
	}

	filtered, err := st.Entities(ctx, EntityFilter{Statuses: []library.Status{library.StatusToWatch}})
	if err != nil {
		t.Fatalf("list entities: %v", err)
	}
	if len(filtered) != 1 || filtered[0].CatalogID != "tt101" {
		t.Fatalf("expected only tt101, got %+v", filtered)
	}

	if _, err := st.Entity(ctx, "tt999"); !errors.Is(err, library.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRestoreRollsBackCurrentImages(t *testing.T) {
	st := newTestStore(t)
	before := sampleEntity("tt200", library.StatusToWatch, 50)
	mustUpdate(t, st, func(tx *Tx) error { return tx.PutEntity(before) })

	optimistic, err := library.WithVote(before, library.Vote{Person: "Alex", VoteType: library.VoteUp, DateRecommended: 60})
	if err != nil {
		t.Fatalf("with vote: %v", err)
	}
	snapshot := Snapshot{Entities: []EntityImage{CaptureEntity(&before, optimistic)}}
	mustUpdate(t, st, func(tx *Tx) error { return tx.PutEntity(optimistic) })

	var restored int
	mustUpdate(t, st, func(tx *Tx) error {
		var err error
		restored, err = tx.Restore(snapshot)
		return err
	})
	if restored != 1 {
		t.Fatalf("expected one restored record, got %d", restored)
	}
	current, err := st.Entity(context.Background(), "tt200")
	if err != nil {
		t.Fatalf("load entity: %v", err)
	}
	if !reflect.DeepEqual(current, before) {
		t.Fatalf("rollback mismatch:\nwant %+v\ngot  %+v", before, current)
	}
}

func TestRestoreSkipsSupersededRecords(t *testing.T) {
	st := newTestStore(t)
	before := sampleEntity("tt300", library.StatusToWatch, 50)
	optimistic := before.Clone()
	optimistic.LastModified = 51
	snapshot := Snapshot{Entities: []EntityImage{CaptureEntity(&before, optimistic)}}

	server := sampleEntity("tt300", library.StatusWatched, 900)
	mustUpdate(t, st, func(tx *Tx) error { return tx.PutEntity(server) })

	mustUpdate(t, st, func(tx *Tx) error {
		restored, err := tx.Restore(snapshot)
		if err != nil {
			return err
		}
		if restored != 0 {
			t.Fatalf("expected superseded image to be skipped, restored %d", restored)
		}
		return nil
	})
	current, _ := st.Entity(context.Background(), "tt300")
	if current.Status != library.StatusWatched {
		t.Fatalf("server record should survive, got %s", current.Status)
	}
}

func TestRestoreDeletesProvisionalAndRecreatesRemovedPerson(t *testing.T) {
	st := newTestStore(t)
	provisional := library.NewProvisionalEntity("tt400", library.MediaMovie)
	provisional.LastModified = 1
	oldPerson := library.Person{Name: "Alex", LastModified: 7}
	newPerson := library.Person{Name: "Alexandra", LastModified: 8}

	snapshot := Snapshot{
		Entities: []EntityImage{CaptureEntity(nil, provisional)},
		People:   []PersonImage{CaptureRemovedPerson(oldPerson), CapturePerson(nil, newPerson)},
	}
	mustUpdate(t, st, func(tx *Tx) error {
		if err := tx.PutEntity(provisional); err != nil {
			return err
		}
		return tx.PutPerson(newPerson)
	})

	mustUpdate(t, st, func(tx *Tx) error {
		_, err := tx.Restore(snapshot)
		return err
	})

	ctx := context.Background()
	if _, err := st.Entity(ctx, "tt400"); !errors.Is(err, library.ErrNotFound) {
		t.Fatalf("provisional entity should be gone, got %v", err)
	}
	people, err := st.People(ctx)
	if err != nil {
		t.Fatalf("list people: %v", err)
	}
	if len(people) != 1 || !reflect.DeepEqual(people[0], oldPerson) {
		t.Fatalf("expected old person restored, got %+v", people)
	}
}

func TestMutationQueueOrderAndBacklog(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	mustUpdate(t, st, func(tx *Tx) error {
		for _, mutation := range []Mutation{
			{ID: "b", Type: "addVote", CreatedAt: 10},
			{ID: "a", Type: "addEntity", CreatedAt: 10},
			{ID: "c", Type: "removeVote", CreatedAt: 5, State: MutationFailed},
		} {
			if err := tx.InsertMutation(mutation); err != nil {
				return err
			}
		}
		return nil
	})

	all, err := st.Mutations(ctx)
	if err != nil {
		t.Fatalf("list mutations: %v", err)
	}
	gotOrder := []string{all[0].ID, all[1].ID, all[2].ID}
	if !reflect.DeepEqual(gotOrder, []string{"c", "a", "b"}) {
		t.Fatalf("unexpected order %v", gotOrder)
	}

	var next Mutation
	mustView(t, st, func(tx *Tx) error {
		var found bool
		var err error
		next, found, err = tx.NextMutation()
		if !found {
			t.Fatalf("expected a next mutation")
		}
		return err
	})
	if next.ID != "a" || next.State != MutationPending {
		t.Fatalf("expected head a in pending, got %+v", next)
	}

	mustUpdate(t, st, func(tx *Tx) error {
		if err := tx.DeleteMutation("a"); err != nil {
			return err
		}
		return tx.DeleteMutation("b")
	})
	backlog, err := st.HasBacklog(ctx)
	if err != nil {
		t.Fatalf("backlog: %v", err)
	}
	if backlog {
		t.Fatalf("failed mutations must not count as backlog")
	}
}

func TestMutationSnapshotPersists(t *testing.T) {
	st := newTestStore(t)
	before := sampleEntity("tt500", library.StatusToWatch, 3)
	mutation := Mutation{
		ID:        "m1",
		Type:      "updateEntity",
		Target:    "tt500",
		Payload:   []byte(`{"status":"watched"}`),
		CreatedAt: 1,
		Snapshot:  Snapshot{Entities: []EntityImage{{CatalogID: "tt500", Before: &before, After: 4}}},
	}
	mustUpdate(t, st, func(tx *Tx) error { return tx.InsertMutation(mutation) })

	loaded, err := st.Mutation(context.Background(), "m1")
	if err != nil {
		t.Fatalf("load mutation: %v", err)
	}
	if len(loaded.Snapshot.Entities) != 1 || !reflect.DeepEqual(*loaded.Snapshot.Entities[0].Before, before) {
		t.Fatalf("snapshot not persisted: %+v", loaded.Snapshot)
	}
	if string(loaded.Payload) != `{"status":"watched"}` {
		t.Fatalf("payload mismatch: %s", loaded.Payload)
	}
}

func TestCursorsAndClearCache(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	mustUpdate(t, st, func(tx *Tx) error {
		if err := tx.SetCursor(library.CollectionMovies, 1000); err != nil {
			return err
		}
		if err := tx.SetCursor(library.CollectionMovies, 2000); err != nil {
			return err
		}
		if err := tx.SetCursor(library.CollectionMovies, 1500); err != nil {
			return err
		}
		if err := tx.SetValue("device_id", "device-1"); err != nil {
			return err
		}
		if err := tx.PutEntity(sampleEntity("tt600", library.StatusToWatch, 1)); err != nil {
			return err
		}
		return tx.InsertMutation(Mutation{ID: "m1", Type: "addVote", CreatedAt: 1})
	})

	cursor, err := st.Cursor(ctx, library.CollectionMovies)
	if err != nil || cursor != 2000 {
		t.Fatalf("expected the cursor to stay at 2000, got %d (%v)", cursor, err)
	}

	if err := st.ClearCache(ctx); err != nil {
		t.Fatalf("clear cache: %v", err)
	}
	if count, _ := st.CountEntities(ctx); count != 0 {
		t.Fatalf("expected empty cache, got %d entities", count)
	}
	if cursor, _ := st.Cursor(ctx, library.CollectionMovies); cursor != 0 {
		t.Fatalf("expected cursor reset, got %d", cursor)
	}
	if value, found, _ := st.Value(ctx, "device_id"); !found || value != "device-1" {
		t.Fatalf("device id should survive a cache clear")
	}
	if mutations, _ := st.Mutations(ctx); len(mutations) != 1 {
		t.Fatalf("queue should survive a cache clear")
	}
}

func TestPendingTitles(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	title := library.PendingTitle{ID: "p1", Title: "Heat", Person: "Sam", CreatedAt: 5, NeedsResolution: true}
	mustUpdate(t, st, func(tx *Tx) error { return tx.InsertPendingTitle(title) })

	titles, err := st.PendingTitles(ctx)
	if err != nil {
		t.Fatalf("list titles: %v", err)
	}
	if len(titles) != 1 || !reflect.DeepEqual(titles[0], title) {
		t.Fatalf("unexpected titles %+v", titles)
	}

	err = st.Update(ctx, func(tx *Tx) error { return tx.DeletePendingTitle("missing") })
	if !errors.Is(err, library.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "store.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(Models()...); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	st, err := New(Config{Database: db, Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return st
}

func mustUpdate(t *testing.T, st *Store, fn func(tx *Tx) error) {
	t.Helper()
	if err := st.Update(context.Background(), fn); err != nil {
		t.Fatalf("update: %v", err)
	}
}

func mustView(t *testing.T, st *Store, fn func(tx *Tx) error) {
	t.Helper()
	if err := st.View(context.Background(), fn); err != nil {
		t.Fatalf("view: %v", err)
	}
}

func sampleEntity(id string, status library.Status, lastModified library.Timestamp) library.Entity {
	return library.Entity{
		CatalogID: library.CatalogID(id),
		MediaType: library.MediaMovie,
		Metadata: library.Metadata{
			Title:   "Title " + id,
			Year:    1999,
			Genres:  []string{"Drama"},
			Ratings: map[string]float64{"imdb": 7.5},
		},
		Status:       status,
		Votes:        []library.Vote{},
		LastModified: lastModified,
	}
}

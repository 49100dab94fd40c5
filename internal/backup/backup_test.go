package backup_test

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/watchlist-sync/internal/backendtest"
	"github.com/MarcoPoloResearchLab/watchlist-sync/internal/backup"
	"github.com/MarcoPoloResearchLab/watchlist-sync/internal/database"
	"github.com/MarcoPoloResearchLab/watchlist-sync/internal/library"
	"github.com/MarcoPoloResearchLab/watchlist-sync/internal/session"
	"github.com/MarcoPoloResearchLab/watchlist-sync/internal/transport"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

var fixedNow = time.Date(2026, time.October, 19, 9, 30, 0, 0, time.UTC)

type staticToken string

func (s staticToken) Token(context.Context) (string, error) {
	return string(s), nil
}

func TestExportThenImportIntoAnotherAccount(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()

	source := backendtest.New(t)
	rating := 8.0
	watchedAt := library.Timestamp(1_690_000_000_000)
	source.SeedPerson(library.Person{Name: "Alex", IsTrusted: true, Color: "#ff0000"})
	source.SeedPerson(library.Person{Name: "Bo"})
	source.SeedMovie(library.Entity{
		CatalogID: "tt0133093",
		MediaType: library.MediaMovie,
		Status:    library.StatusWatched,
		Rating:    &rating,
		WatchedAt: &watchedAt,
		Votes: []library.Vote{
			{CatalogID: "tt0133093", Person: "Alex", VoteType: library.VoteUp, DateRecommended: 1_680_000_000_000},
			{CatalogID: "tt0133093", Person: "Bo", VoteType: library.VoteDown, DateRecommended: 1_681_000_000_000},
		},
	})
	exporting := newService(t, fs, openDevice(t, source))
	if _, err := exporting.library.QueueTitleOffline(ctx, "Heat", "Alex"); err != nil {
		t.Fatalf("queue title: %v", err)
	}

	path, summary, err := exporting.service.Export(ctx, "backups/")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if path != filepath.Join("backups", "2026-10-19.json") {
		t.Fatalf("unexpected path %q", path)
	}
	if summary.Entities != 1 || summary.People != 2 || summary.PendingTitles != 1 {
		t.Fatalf("unexpected export summary %+v", summary)
	}
	raw, err := afero.ReadFile(fs, path)
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	var document backup.Document
	if err := json.Unmarshal(raw, &document); err != nil {
		t.Fatalf("decode export: %v", err)
	}
	if document.Version != backup.FormatVersion || len(document.Movies) != 2 {
		t.Fatalf("unexpected document %+v", document)
	}

	target := backendtest.New(t)
	target.AddCatalogTitle(backendtest.CatalogTitle{CatalogID: "tt0133093", Title: "The Matrix", Year: 1999})
	importing := newService(t, fs, openDevice(t, target))
	report, err := importing.service.Import(ctx, path)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if report.Entities != 1 || report.PendingTitles != 1 || report.People != 1 || len(report.Errors) != 0 {
		t.Fatalf("unexpected import summary %+v", report)
	}

	movie, ok := target.Movie("tt0133093")
	if !ok {
		t.Fatalf("movie should reach the target backend")
	}
	if movie.Status != library.StatusWatched || movie.Rating == nil || *movie.Rating != 8 {
		t.Fatalf("status and rating should be replayed, got %+v", movie)
	}
	if movie.WatchedAt == nil || *movie.WatchedAt != watchedAt {
		t.Fatalf("watched date should be replayed, got %v", movie.WatchedAt)
	}
	for _, expected := range []library.Vote{
		{Person: "Alex", VoteType: library.VoteUp, DateRecommended: 1_680_000_000_000},
		{Person: "Bo", VoteType: library.VoteDown, DateRecommended: 1_681_000_000_000},
	} {
		vote, voted := movie.VoteBy(expected.Person)
		if !voted {
			t.Fatalf("%s's vote should be replayed", expected.Person)
		}
		if vote.VoteType != expected.VoteType || vote.DateRecommended != expected.DateRecommended {
			t.Fatalf("%s's vote should keep its type and date, got %+v", expected.Person, vote)
		}
	}
	person, ok := target.Person("Alex")
	if !ok || !person.IsTrusted {
		t.Fatalf("trust should be replayed, got %+v", person)
	}
	pending, err := importing.library.ListPendingTitles(ctx)
	if err != nil {
		t.Fatalf("pending titles: %v", err)
	}
	if len(pending) != 1 || pending[0].Title != "Heat" || pending[0].Person != "Alex" {
		t.Fatalf("unexpected pending titles %+v", pending)
	}

	again, err := importing.service.Import(ctx, path)
	if err != nil {
		t.Fatalf("second import: %v", err)
	}
	if again.Entities != 0 || again.Skipped != 1 {
		t.Fatalf("cached titles should be skipped, got %+v", again)
	}
}

func TestImportRejectsUnknownVersion(t *testing.T) {
	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, "future.json", []byte(`{"version": 7, "movies": []}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	device := newService(t, fs, openDevice(t, backendtest.New(t)))
	_, err := device.service.Import(context.Background(), "future.json")
	if !errors.Is(err, library.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestImportReadsVersionTwoDocuments(t *testing.T) {
	fs := afero.NewMemMapFs()
	document := `{"version":2,"movies":[{"imdb_id":"tt0133093","status":"toWatch","recommendations":[
		{"person_name":"Alex","vote_type":true,"date_recommended":1680000000},
		{"person_name":"Bo","vote_type":false,"date_recommended":null},
		{"person_name":"Cy","vote_type":"downvote","date_recommended":1680000000}
	]}],"people":[]}`
	if err := afero.WriteFile(fs, "v2.json", []byte(document), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	backend := backendtest.New(t)
	backend.AddCatalogTitle(backendtest.CatalogTitle{CatalogID: "tt0133093", Title: "The Matrix", Year: 1999})
	device := newService(t, fs, openDevice(t, backend))

	report, err := device.service.Import(context.Background(), "v2.json")
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if report.Entities != 1 || len(report.Errors) != 0 {
		t.Fatalf("unexpected import summary %+v", report)
	}
	movie, ok := backend.Movie("tt0133093")
	if !ok {
		t.Fatalf("movie should reach the backend")
	}
	for person, expected := range map[library.PersonName]library.VoteType{
		"Alex": library.VoteUp,
		"Bo":   library.VoteDown,
		"Cy":   library.VoteDown,
	} {
		vote, voted := movie.VoteBy(person)
		if !voted || vote.VoteType != expected {
			t.Fatalf("%s should hold a %s, got %+v (voted=%v)", person, expected, vote, voted)
		}
	}
	if vote, _ := movie.VoteBy("Alex"); vote.DateRecommended != 1_680_000_000_000 {
		t.Fatalf("recommendation date should be kept, got %d", vote.DateRecommended)
	}
}

func TestRecommendationDecodesLegacyVoteTypes(t *testing.T) {
	cases := []struct {
		name     string
		raw      string
		person   string
		voteType library.VoteType
	}{
		{name: "missing vote type", raw: `{"person":"Alex"}`, person: "Alex", voteType: library.VoteUp},
		{name: "boolean false", raw: `{"person":"Alex","vote_type":false}`, person: "Alex", voteType: library.VoteDown},
		{name: "numeric one", raw: `{"person":"Alex","vote_type":1}`, person: "Alex", voteType: library.VoteUp},
		{name: "string yes", raw: `{"person":"Alex","vote_type":" Yes "}`, person: "Alex", voteType: library.VoteUp},
		{name: "string downvote", raw: `{"person":"Alex","vote_type":"downvote"}`, person: "Alex", voteType: library.VoteDown},
		{name: "person name alias", raw: `{"person_name":" Bo ","vote_type":"upvote"}`, person: "Bo", voteType: library.VoteUp},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var recommendation backup.Recommendation
			if err := json.Unmarshal([]byte(tc.raw), &recommendation); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if recommendation.Person != tc.person || recommendation.VoteType != tc.voteType {
				t.Fatalf("unexpected recommendation %+v", recommendation)
			}
		})
	}
}

func TestImportWhileOfflineQueuesAdds(t *testing.T) {
	fs := afero.NewMemMapFs()
	document := `{"version":1,"movies":[{"imdb_id":"tt0133093","recommendations":[{"person":"Alex"}],"status":"toWatch"}],"people":[]}`
	if err := afero.WriteFile(fs, "offline.json", []byte(document), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	backend := backendtest.New(t)
	device := newService(t, fs, openDevice(t, backend))
	backend.SetOffline(true)

	report, err := device.service.Import(context.Background(), "offline.json")
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if report.Queued != 1 || report.Entities != 0 {
		t.Fatalf("the add should be queued for replay, got %+v", report)
	}
}

func TestPruneKeepsRecentBackups(t *testing.T) {
	fs := afero.NewMemMapFs()
	for _, name := range []string{"2026-09-01.json", "2026-10-04.json", "2026-10-06.json", "2026-10-19.json", "notes.txt"} {
		if err := afero.WriteFile(fs, filepath.Join("backups", name), []byte("{}"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	device := newService(t, fs, openDevice(t, backendtest.New(t)))

	removed, err := device.service.Prune("backups", 14)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected two old backups removed, got %d", removed)
	}
	for name, expected := range map[string]bool{
		"2026-09-01.json": false,
		"2026-10-04.json": false,
		"2026-10-06.json": true,
		"2026-10-19.json": true,
		"notes.txt":       true,
	} {
		exists, _ := afero.Exists(fs, filepath.Join("backups", name))
		if exists != expected {
			t.Fatalf("%s exists=%v, want %v", name, exists, expected)
		}
	}

	if removed, err := device.service.Prune("missing", 14); err != nil || removed != 0 {
		t.Fatalf("a missing directory is not an error, got %d %v", removed, err)
	}
}

func TestDefaultFileName(t *testing.T) {
	if got := backup.DefaultFileName(fixedNow); got != "2026-10-19.json" {
		t.Fatalf("unexpected name %q", got)
	}
}

type device struct {
	service *backup.Service
	library backup.Library
}

func newService(t *testing.T, fs afero.Fs, lib backup.Library) device {
	t.Helper()
	service, err := backup.NewService(backup.Config{
		Filesystem: fs,
		Library:    lib,
		Clock:      func() time.Time { return fixedNow },
		Logger:     zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return device{service: service, library: lib}
}

func openDevice(t *testing.T, backend *backendtest.Server) backup.Library {
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
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "backup.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = database.Close(db) })
	sess, err := session.Open(session.Config{Database: db, Client: client, Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	t.Cleanup(sess.Close)
	if err := sess.Repository().SyncNow(context.Background()); err != nil {
		t.Fatalf("initial pull: %v", err)
	}
	return sess.Repository()
}

// Package backup exports the cached watchlist to a JSON file and imports such files back through
// the repository so imported titles reach the server like any other write.
package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/watchlist-sync/internal/library"
	"github.com/MarcoPoloResearchLab/watchlist-sync/internal/repository"
	"github.com/MarcoPoloResearchLab/watchlist-sync/internal/store"
	"github.com/MarcoPoloResearchLab/watchlist-sync/internal/transport"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// FormatVersion is the document version Export writes.
const FormatVersion = 1

// newestReadableVersion is the last document version Import understands. Version 2 documents name
// recommenders in person_name and may carry boolean vote types.
const newestReadableVersion = 2

var (
	errMissingFilesystem = errors.New("backup: filesystem is required")
	errMissingLibrary    = errors.New("backup: library is required")
)

// Library is the repository surface backups read from and write through.
type Library interface {
	GetEntities(ctx context.Context, filter store.EntityFilter) ([]library.Entity, error)
	GetEntity(ctx context.Context, catalogID library.CatalogID) (library.Entity, error)
	GetPeople(ctx context.Context) ([]library.Person, error)
	ListPendingTitles(ctx context.Context) ([]library.PendingTitle, error)
	AddRecommendations(ctx context.Context, catalogID library.CatalogID, recommenders []library.PersonName, options repository.AddOptions) (library.WriteResult, error)
	UpdateEntity(ctx context.Context, catalogID library.CatalogID, update library.EntityUpdate) (library.WriteResult, error)
	UpdatePerson(ctx context.Context, name library.PersonName, isTrusted bool) (library.WriteResult, error)
	QueueTitleOffline(ctx context.Context, title string, recommender library.PersonName) (string, error)
	Refresh(ctx context.Context) error
}

// Document is the export file layout.
type Document struct {
	Version    int                   `json:"version"`
	ExportedAt float64               `json:"exported_at"`
	Movies     []MovieRecord         `json:"movies"`
	People     []transport.PersonDTO `json:"people"`
}

// MovieRecord is a movie in wire form, optionally carrying only a title that still needs a catalog id.
// Its recommendations shadow the wire ones so older documents decode too.
type MovieRecord struct {
	transport.MovieDTO
	Recommendations []Recommendation `json:"recommendations"`
	Title           string           `json:"title,omitempty"`
	NeedsEnrichment bool             `json:"needs_enrichment,omitempty"`
}

// Recommendation is one vote in a backup document.
type Recommendation struct {
	Person          string           `json:"person"`
	DateRecommended float64          `json:"date_recommended"`
	VoteType        library.VoteType `json:"vote_type"`
}

// UnmarshalJSON accepts the person_name alias, null dates and vote types written as booleans, numbers
// or strings. A missing vote type is an upvote.
func (r *Recommendation) UnmarshalJSON(data []byte) error {
	var raw struct {
		Person          string          `json:"person"`
		PersonName      string          `json:"person_name"`
		DateRecommended *float64        `json:"date_recommended"`
		VoteType        json.RawMessage `json:"vote_type"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	voteType, err := decodeVoteType(raw.VoteType)
	if err != nil {
		return err
	}
	r.Person = strings.TrimSpace(raw.PersonName)
	if r.Person == "" {
		r.Person = strings.TrimSpace(raw.Person)
	}
	r.DateRecommended = 0
	if raw.DateRecommended != nil {
		r.DateRecommended = *raw.DateRecommended
	}
	r.VoteType = voteType
	return nil
}

func decodeVoteType(raw json.RawMessage) (library.VoteType, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return library.VoteUp, nil
	}
	var flag bool
	if err := json.Unmarshal(raw, &flag); err == nil {
		return voteTypeFromFlag(flag), nil
	}
	var number float64
	if err := json.Unmarshal(raw, &number); err == nil {
		return voteTypeFromFlag(number == 1), nil
	}
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return "", fmt.Errorf("%w: %s", library.ErrInvalidVoteType, raw)
	}
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "", string(library.VoteUp), "1", "true", "t", "yes":
		return library.VoteUp, nil
	default:
		return library.VoteDown, nil
	}
}

func voteTypeFromFlag(up bool) library.VoteType {
	if up {
		return library.VoteUp
	}
	return library.VoteDown
}

func recommendationsFromWire(wire []transport.RecommendationDTO) []Recommendation {
	recommendations := make([]Recommendation, 0, len(wire))
	for _, recommendation := range wire {
		voteType, err := library.ParseVoteType(recommendation.VoteType)
		if err != nil {
			voteType = library.VoteUp
		}
		recommendations = append(recommendations, Recommendation{
			Person:          recommendation.Person,
			DateRecommended: recommendation.DateRecommended,
			VoteType:        voteType,
		})
	}
	return recommendations
}

// Summary counts what an export or import did.
type Summary struct {
	Entities      int      `json:"entities"`
	Queued        int      `json:"queued"`
	People        int      `json:"people"`
	PendingTitles int      `json:"pending_titles"`
	Skipped       int      `json:"skipped"`
	Errors        []string `json:"errors,omitempty"`
}

// Config wires a Service.
type Config struct {
	Filesystem afero.Fs
	Library    Library
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Service reads and writes backup documents.
type Service struct {
	fs      afero.Fs
	library Library
	clock   func() time.Time
	logger  *zap.Logger
}

// NewService validates the configuration and constructs a Service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Filesystem == nil {
		return nil, errMissingFilesystem
	}
	if cfg.Library == nil {
		return nil, errMissingLibrary
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{fs: cfg.Filesystem, library: cfg.Library, clock: clock, logger: logger}, nil
}

// DefaultFileName names a backup after the UTC date it was taken.
func DefaultFileName(now time.Time) string {
	return now.UTC().Format("2006-01-02") + ".json"
}

// Export writes every cached entity, person and pending title to path. A directory path receives a
// dated file name. It returns the written path.
func (s *Service) Export(ctx context.Context, path string) (string, Summary, error) {
	entities, err := s.library.GetEntities(ctx, store.EntityFilter{})
	if err != nil {
		return "", Summary{}, err
	}
	people, err := s.library.GetPeople(ctx)
	if err != nil {
		return "", Summary{}, err
	}
	pending, err := s.library.ListPendingTitles(ctx)
	if err != nil {
		return "", Summary{}, err
	}

	document := Document{
		Version:    FormatVersion,
		ExportedAt: library.TimestampFromTime(s.clock()).Seconds(),
		Movies:     make([]MovieRecord, 0, len(entities)+len(pending)),
		People:     make([]transport.PersonDTO, 0, len(people)),
	}
	for _, entity := range entities {
		movie := transport.MovieFromEntity(entity)
		document.Movies = append(document.Movies, MovieRecord{
			MovieDTO:        movie,
			Recommendations: recommendationsFromWire(movie.Recommendations),
		})
	}
	for _, title := range pending {
		document.Movies = append(document.Movies, MovieRecord{
			MovieDTO: transport.MovieDTO{
				LastModified: title.CreatedAt.Seconds(),
				Status:       string(library.StatusToWatch),
			},
			Recommendations: []Recommendation{{Person: title.Person.String(), DateRecommended: title.CreatedAt.Seconds(), VoteType: library.VoteUp}},
			Title:           title.Title,
			NeedsEnrichment: true,
		})
	}
	for _, person := range people {
		document.People = append(document.People, transport.PersonFromLibrary(person))
	}

	target, err := s.resolveTarget(path)
	if err != nil {
		return "", Summary{}, err
	}
	encoded, err := json.MarshalIndent(document, "", "  ")
	if err != nil {
		return "", Summary{}, fmt.Errorf("backup: encode: %w", err)
	}
	if err := s.fs.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", Summary{}, fmt.Errorf("backup: create directory: %w", err)
	}
	if err := afero.WriteFile(s.fs, target, encoded, 0o644); err != nil {
		return "", Summary{}, fmt.Errorf("backup: write %s: %w", target, err)
	}
	summary := Summary{Entities: len(entities), People: len(people), PendingTitles: len(pending)}
	s.logger.Info("backup exported",
		zap.String("path", target),
		zap.Int("entities", summary.Entities),
		zap.Int("people", summary.People),
		zap.Int("pending_titles", summary.PendingTitles),
	)
	return target, summary, nil
}

// Import replays a backup document through the repository. Titles already cached are skipped;
// titles without a catalog id, or flagged for enrichment, become pending titles. Votes keep their
// type and date, and watched titles keep their watched date.
func (s *Service) Import(ctx context.Context, path string) (Summary, error) {
	raw, err := afero.ReadFile(s.fs, path)
	if err != nil {
		return Summary{}, fmt.Errorf("backup: read %s: %w", path, err)
	}
	var document Document
	if err := json.Unmarshal(raw, &document); err != nil {
		return Summary{}, fmt.Errorf("%w: backup %s is not valid json: %v", library.ErrValidation, path, err)
	}
	version := document.Version
	if version == 0 {
		version = FormatVersion
	}
	if version < FormatVersion || version > newestReadableVersion {
		return Summary{}, fmt.Errorf("%w: unsupported backup version %d", library.ErrValidation, document.Version)
	}

	var summary Summary
	for _, record := range document.Movies {
		if err := s.importMovie(ctx, record, &summary); err != nil {
			if library.IsConnectivity(err) || errors.Is(err, library.ErrUnauthorized) {
				return summary, err
			}
			summary.Errors = append(summary.Errors, err.Error())
		}
	}
	if err := s.importPeople(ctx, document.People, &summary); err != nil {
		return summary, err
	}
	s.logger.Info("backup imported",
		zap.String("path", path),
		zap.Int("entities", summary.Entities),
		zap.Int("queued", summary.Queued),
		zap.Int("pending_titles", summary.PendingTitles),
		zap.Int("skipped", summary.Skipped),
		zap.Int("errors", len(summary.Errors)),
	)
	return summary, nil
}

// Prune deletes dated backups in dir older than keepDays and returns how many it removed. Files that
// are not named after a date are left alone.
func (s *Service) Prune(dir string, keepDays int) (int, error) {
	if keepDays <= 0 {
		return 0, nil
	}
	entries, err := afero.ReadDir(s.fs, dir)
	if err != nil {
		if exists, existsErr := afero.DirExists(s.fs, dir); existsErr == nil && !exists {
			return 0, nil
		}
		return 0, fmt.Errorf("backup: list %s: %w", dir, err)
	}
	cutoff := s.clock().UTC().AddDate(0, 0, -keepDays)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		taken, err := time.Parse("2006-01-02", strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil || !taken.Before(cutoff) {
			continue
		}
		if err := s.fs.Remove(filepath.Join(dir, entry.Name())); err != nil {
			return removed, fmt.Errorf("backup: remove %s: %w", entry.Name(), err)
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info("old backups pruned", zap.String("dir", dir), zap.Int("removed", removed))
	}
	return removed, nil
}

// voteGroup is the recommenders that share one vote type and date, replayed as a single add.
type voteGroup struct {
	people  []library.PersonName
	options repository.AddOptions
}

func groupVotes(recommendations []Recommendation, mediaType library.MediaType) []voteGroup {
	type groupKey struct {
		voteType library.VoteType
		date     library.Timestamp
	}
	groups := make([]voteGroup, 0, 1)
	index := make(map[groupKey]int)
	seen := make(map[library.PersonName]bool, len(recommendations))
	for _, recommendation := range recommendations {
		name, err := library.NewPersonName(recommendation.Person)
		if err != nil || seen[name] {
			continue
		}
		seen[name] = true
		voteType, err := library.ParseVoteType(string(recommendation.VoteType))
		if err != nil {
			voteType = library.VoteUp
		}
		key := groupKey{voteType: voteType, date: library.TimestampFromSeconds(recommendation.DateRecommended)}
		position, ok := index[key]
		if !ok {
			position = len(groups)
			index[key] = position
			groups = append(groups, voteGroup{options: repository.AddOptions{
				MediaType:       mediaType,
				VoteType:        key.voteType,
				DateRecommended: key.date,
			}})
		}
		groups[position].people = append(groups[position].people, name)
	}
	return groups
}

func (s *Service) importMovie(ctx context.Context, record MovieRecord, summary *Summary) error {
	groups := groupVotes(record.Recommendations, library.MediaType(record.MediaType))

	catalogID, idErr := library.NewCatalogID(record.ImdbID)
	if idErr != nil || record.NeedsEnrichment {
		title := strings.TrimSpace(record.Title)
		if title == "" {
			title = transport.MetadataFromPayloads(library.ProviderPayloads{TMDB: record.TMDBData, OMDB: record.OMDBData}).Title
		}
		if title == "" || len(groups) == 0 {
			summary.Skipped++
			return fmt.Errorf("%w: entry %q has neither a usable title nor a recommender", library.ErrValidation, record.ImdbID)
		}
		if _, err := s.library.QueueTitleOffline(ctx, title, groups[0].people[0]); err != nil {
			return err
		}
		summary.PendingTitles++
		return nil
	}

	if _, err := s.library.GetEntity(ctx, catalogID); err == nil {
		summary.Skipped++
		return nil
	} else if !errors.Is(err, library.ErrNotFound) {
		return err
	}
	if len(groups) == 0 {
		summary.Skipped++
		return fmt.Errorf("%w: %s has no recommender", library.ErrValidation, catalogID)
	}

	for position, group := range groups {
		result, err := s.library.AddRecommendations(ctx, catalogID, group.people, group.options)
		if err != nil {
			return err
		}
		if position == 0 {
			s.count(result, summary)
		}
	}

	status, err := library.ParseStatus(record.Status)
	if err != nil {
		status = library.StatusToWatch
	}
	update := library.EntityUpdate{}
	if status != library.StatusToWatch {
		update.Status = &status
		update.CustomListID = record.CustomListID
	}
	if record.WatchHistory != nil {
		if record.WatchHistory.MyRating != nil {
			rating := *record.WatchHistory.MyRating
			update.Rating = &rating
		}
		if status == library.StatusWatched && record.WatchHistory.DateWatched != nil && *record.WatchHistory.DateWatched > 0 {
			watchedAt := library.TimestampFromSeconds(*record.WatchHistory.DateWatched)
			update.WatchedAt = &watchedAt
		}
	}
	if update.Empty() {
		return nil
	}
	if _, err := s.library.UpdateEntity(ctx, catalogID, update); err != nil {
		return err
	}
	return nil
}

func (s *Service) importPeople(ctx context.Context, people []transport.PersonDTO, summary *Summary) error {
	trusted := make([]library.PersonName, 0)
	for _, person := range people {
		if !person.IsTrusted {
			continue
		}
		if name, err := library.NewPersonName(person.Name); err == nil {
			trusted = append(trusted, name)
		}
	}
	if len(trusted) == 0 {
		return nil
	}
	if err := s.library.Refresh(ctx); err != nil && !library.IsConnectivity(err) {
		return err
	}
	known, err := s.library.GetPeople(ctx)
	if err != nil {
		return err
	}
	present := make(map[library.PersonName]library.Person, len(known))
	for _, person := range known {
		present[person.Name] = person
	}
	for _, name := range trusted {
		current, ok := present[name]
		if !ok || current.IsTrusted {
			continue
		}
		if _, err := s.library.UpdatePerson(ctx, name, true); err != nil {
			summary.Errors = append(summary.Errors, err.Error())
			continue
		}
		summary.People++
	}
	return nil
}

func (s *Service) count(result library.WriteResult, summary *Summary) {
	switch result.State {
	case library.WriteApplied:
		summary.Entities++
	case library.WriteQueued:
		summary.Queued++
	}
}

func (s *Service) resolveTarget(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultFileName(s.clock()), nil
	}
	info, err := s.fs.Stat(path)
	if err == nil && info.IsDir() {
		return filepath.Join(path, DefaultFileName(s.clock())), nil
	}
	if strings.HasSuffix(path, string(filepath.Separator)) {
		return filepath.Join(path, DefaultFileName(s.clock())), nil
	}
	return path, nil
}

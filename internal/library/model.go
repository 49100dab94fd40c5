package library

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidCatalogID indicates that a catalog identifier is empty or exceeds storage bounds.
	ErrInvalidCatalogID = errors.New("library: invalid catalog id")
	// ErrInvalidPersonName indicates that a person name is empty or exceeds storage bounds.
	ErrInvalidPersonName = errors.New("library: invalid person name")
	// ErrInvalidStatus indicates an unknown entity status value.
	ErrInvalidStatus = errors.New("library: invalid status")
	// ErrInvalidVoteType indicates an unknown vote type value.
	ErrInvalidVoteType = errors.New("library: invalid vote type")
	// ErrInvalidMediaType indicates an unknown media type value.
	ErrInvalidMediaType = errors.New("library: invalid media type")
	// ErrInvalidRating indicates a rating outside the 1.0 to 10.0 range.
	ErrInvalidRating = errors.New("library: invalid rating")
)

// CatalogID represents a validated external catalog identifier (for example an IMDb id).
type CatalogID string

// NewCatalogID validates raw input and returns a CatalogID.
func NewCatalogID(rawInput string) (CatalogID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidCatalogID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidCatalogID, maxIdentifierLength)
	}
	return CatalogID(trimmed), nil
}

// String returns the underlying string identifier.
func (id CatalogID) String() string {
	return string(id)
}

// PersonName represents a validated person name. Names are case-sensitive keys.
type PersonName string

// NewPersonName validates raw input and returns a PersonName.
func NewPersonName(rawInput string) (PersonName, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidPersonName)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidPersonName, maxIdentifierLength)
	}
	return PersonName(trimmed), nil
}

// String returns the underlying name.
func (name PersonName) String() string {
	return string(name)
}

// Timestamp is a unix timestamp in milliseconds.
type Timestamp int64

// TimestampFromTime converts a wall clock time into a Timestamp.
func TimestampFromTime(value time.Time) Timestamp {
	return Timestamp(value.UnixMilli())
}

// TimestampFromSeconds converts the float seconds used on the wire into a Timestamp.
func TimestampFromSeconds(seconds float64) Timestamp {
	return Timestamp(math.Round(seconds * 1000))
}

// Seconds returns the wire representation in float seconds.
func (ts Timestamp) Seconds() float64 {
	return float64(ts) / 1000
}

// Time returns the timestamp as a UTC time.
func (ts Timestamp) Time() time.Time {
	return time.UnixMilli(int64(ts)).UTC()
}

// Status enumerates the watch states of an entity.
type Status string

const (
	StatusToWatch Status = "toWatch"
	StatusWatched Status = "watched"
	StatusDeleted Status = "deleted"
	StatusCustom  Status = "custom"
)

// ParseStatus validates a raw status value.
func ParseStatus(raw string) (Status, error) {
	switch Status(strings.TrimSpace(raw)) {
	case StatusToWatch:
		return StatusToWatch, nil
	case StatusWatched:
		return StatusWatched, nil
	case StatusDeleted:
		return StatusDeleted, nil
	case StatusCustom:
		return StatusCustom, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
}

// VoteType enumerates recommendation polarity.
type VoteType string

const (
	VoteUp   VoteType = "upvote"
	VoteDown VoteType = "downvote"
)

// ParseVoteType validates a raw vote type value. Empty input defaults to an upvote.
func ParseVoteType(raw string) (VoteType, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", string(VoteUp):
		return VoteUp, nil
	case string(VoteDown):
		return VoteDown, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidVoteType, raw)
	}
}

// MediaType distinguishes movies from shows.
type MediaType string

const (
	MediaMovie MediaType = "movie"
	MediaTV    MediaType = "tv"
)

// ParseMediaType validates a raw media type value. Empty input defaults to a movie.
func ParseMediaType(raw string) (MediaType, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", string(MediaMovie):
		return MediaMovie, nil
	case string(MediaTV), "series", "show":
		return MediaTV, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMediaType, raw)
	}
}

// ValidateRating checks the 1.0 to 10.0 rating range.
func ValidateRating(rating float64) error {
	if rating < 1.0 || rating > 10.0 || math.IsNaN(rating) {
		return fmt.Errorf("%w: %v", ErrInvalidRating, rating)
	}
	return nil
}

// Metadata is the cached catalog snapshot of an entity.
type Metadata struct {
	Title      string             `json:"title"`
	PosterPath string             `json:"poster_path,omitempty"`
	Year       int                `json:"year,omitempty"`
	Genres     []string           `json:"genres,omitempty"`
	Ratings    map[string]float64 `json:"ratings,omitempty"`
}

// ProviderPayloads keeps the raw catalog payloads for reconstruction.
type ProviderPayloads struct {
	TMDB json.RawMessage `json:"tmdb_data,omitempty"`
	OMDB json.RawMessage `json:"omdb_data,omitempty"`
}

// Vote is a person's recommendation on an entity.
type Vote struct {
	CatalogID       CatalogID  `json:"catalog_id"`
	Person          PersonName `json:"person"`
	VoteType        VoteType   `json:"vote_type"`
	DateRecommended Timestamp  `json:"date_recommended"`
}

// Entity models a tracked movie or show.
type Entity struct {
	CatalogID    CatalogID        `json:"catalog_id"`
	MediaType    MediaType        `json:"media_type"`
	Metadata     Metadata         `json:"metadata"`
	Payloads     ProviderPayloads `json:"payloads"`
	Status       Status           `json:"status"`
	CustomListID string           `json:"custom_list_id,omitempty"`
	Rating       *float64         `json:"rating,omitempty"`
	WatchedAt    *Timestamp       `json:"watched_at,omitempty"`
	Votes        []Vote           `json:"votes"`
	LastModified Timestamp        `json:"last_modified"`
	Provisional  bool             `json:"provisional,omitempty"`
}

// AllowsVoteEdits reports whether recommenders may still be added or removed.
func (e Entity) AllowsVoteEdits() bool {
	return e.Status == StatusToWatch
}

// VoteBy returns the vote cast by the person, if any.
func (e Entity) VoteBy(person PersonName) (Vote, bool) {
	for _, vote := range e.Votes {
		if vote.Person == person {
			return vote, true
		}
	}
	return Vote{}, false
}

// Clone returns a deep copy so snapshots never share slices or pointers with live records.
func (e Entity) Clone() Entity {
	clone := e
	if e.Votes != nil {
		clone.Votes = append([]Vote(nil), e.Votes...)
	}
	if e.Metadata.Genres != nil {
		clone.Metadata.Genres = append([]string(nil), e.Metadata.Genres...)
	}
	if e.Metadata.Ratings != nil {
		clone.Metadata.Ratings = make(map[string]float64, len(e.Metadata.Ratings))
		for source, value := range e.Metadata.Ratings {
			clone.Metadata.Ratings[source] = value
		}
	}
	if e.Payloads.TMDB != nil {
		clone.Payloads.TMDB = append(json.RawMessage(nil), e.Payloads.TMDB...)
	}
	if e.Payloads.OMDB != nil {
		clone.Payloads.OMDB = append(json.RawMessage(nil), e.Payloads.OMDB...)
	}
	if e.Rating != nil {
		rating := *e.Rating
		clone.Rating = &rating
	}
	if e.WatchedAt != nil {
		watchedAt := *e.WatchedAt
		clone.WatchedAt = &watchedAt
	}
	return clone
}

// Person models a recommender.
type Person struct {
	Name         PersonName `json:"name"`
	IsTrusted    bool       `json:"is_trusted"`
	Color        string     `json:"color,omitempty"`
	Emoji        string     `json:"emoji,omitempty"`
	VoteCount    int        `json:"vote_count"`
	LastModified Timestamp  `json:"last_modified"`
}

// PendingTitle is an entity added offline by free-text title only.
type PendingTitle struct {
	ID              string     `json:"id"`
	Title           string     `json:"title"`
	Person          PersonName `json:"person"`
	CreatedAt       Timestamp  `json:"created_at"`
	NeedsResolution bool       `json:"needs_resolution"`
}

// Collection names a pull-able set of records.
type Collection string

const (
	CollectionMovies Collection = "movies"
	CollectionPeople Collection = "people"
)

// Collections lists every synchronized collection.
func Collections() []Collection {
	return []Collection{CollectionMovies, CollectionPeople}
}

package transport

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/watchlist-sync/internal/library"
)

// MovieDTO is the backend's movie representation.
type MovieDTO struct {
	ImdbID          string              `json:"imdb_id"`
	MediaType       string              `json:"media_type,omitempty"`
	TMDBData        json.RawMessage     `json:"tmdb_data,omitempty"`
	OMDBData        json.RawMessage     `json:"omdb_data,omitempty"`
	LastModified    float64             `json:"last_modified"`
	Status          string              `json:"status,omitempty"`
	CustomListID    string              `json:"custom_list_id,omitempty"`
	Recommendations []RecommendationDTO `json:"recommendations"`
	WatchHistory    *WatchHistoryDTO    `json:"watch_history,omitempty"`
}

// RecommendationDTO is one vote as the backend serializes it.
type RecommendationDTO struct {
	ImdbID          string  `json:"imdb_id"`
	Person          string  `json:"person"`
	DateRecommended float64 `json:"date_recommended"`
	VoteType        string  `json:"vote_type,omitempty"`
}

// WatchHistoryDTO carries the rating and watched date.
type WatchHistoryDTO struct {
	DateWatched *float64 `json:"date_watched,omitempty"`
	MyRating    *float64 `json:"my_rating,omitempty"`
}

// PersonDTO is the backend's person representation.
type PersonDTO struct {
	Name         string  `json:"name"`
	IsTrusted    bool    `json:"is_trusted"`
	Color        string  `json:"color,omitempty"`
	Emoji        string  `json:"emoji,omitempty"`
	MovieCount   int     `json:"movie_count"`
	LastModified float64 `json:"last_modified"`
}

// ChangesResponse is the body of GET /sync.
type ChangesResponse struct {
	Movies    []MovieDTO  `json:"movies"`
	People    []PersonDTO `json:"people"`
	Timestamp float64     `json:"timestamp"`
}

// RenamePersonResponse is the body of POST /people/{name}/rename.
type RenamePersonResponse struct {
	Person PersonDTO  `json:"person"`
	Movies []MovieDTO `json:"movies"`
}

// SearchResultDTO is one catalog search hit.
type SearchResultDTO struct {
	ImdbID    string       `json:"imdbId"`
	Title     string       `json:"title"`
	Year      flexibleYear `json:"year"`
	MediaType string       `json:"mediaType,omitempty"`
}

// errorBody is the backend's error envelope.
type errorBody struct {
	Detail any    `json:"detail"`
	Error  string `json:"error"`
}

// flexibleYear accepts a year encoded as a number, a string, or null.
type flexibleYear int

func (y *flexibleYear) UnmarshalJSON(data []byte) error {
	trimmed := strings.Trim(string(bytes.TrimSpace(data)), `"`)
	if trimmed == "" || trimmed == "null" {
		*y = 0
		return nil
	}
	if len(trimmed) > 4 {
		trimmed = trimmed[:4]
	}
	parsed, err := strconv.Atoi(trimmed)
	if err != nil {
		*y = 0
		return nil
	}
	*y = flexibleYear(parsed)
	return nil
}

func (y flexibleYear) MarshalJSON() ([]byte, error) {
	if y == 0 {
		return []byte("null"), nil
	}
	return []byte(strconv.Itoa(int(y))), nil
}

// Entity converts the wire movie into the library entity.
func (m MovieDTO) Entity() (library.Entity, error) {
	catalogID, err := library.NewCatalogID(m.ImdbID)
	if err != nil {
		return library.Entity{}, err
	}
	mediaType, err := library.ParseMediaType(m.MediaType)
	if err != nil {
		return library.Entity{}, err
	}
	status := library.StatusToWatch
	if m.Status != "" {
		if status, err = library.ParseStatus(m.Status); err != nil {
			return library.Entity{}, err
		}
	}

	entity := library.Entity{
		CatalogID: catalogID,
		MediaType: mediaType,
		Payloads: library.ProviderPayloads{
			TMDB: presentJSON(m.TMDBData),
			OMDB: presentJSON(m.OMDBData),
		},
		Status:       status,
		Votes:        make([]library.Vote, 0, len(m.Recommendations)),
		LastModified: library.TimestampFromSeconds(m.LastModified),
	}
	if status == library.StatusCustom {
		entity.CustomListID = m.CustomListID
	}
	entity.Metadata = MetadataFromPayloads(entity.Payloads)

	for _, recommendation := range m.Recommendations {
		person, err := library.NewPersonName(recommendation.Person)
		if err != nil {
			return library.Entity{}, fmt.Errorf("movie %s: %w", m.ImdbID, err)
		}
		voteType, err := library.ParseVoteType(recommendation.VoteType)
		if err != nil {
			return library.Entity{}, fmt.Errorf("movie %s: %w", m.ImdbID, err)
		}
		entity.Votes = append(entity.Votes, library.Vote{
			CatalogID:       catalogID,
			Person:          person,
			VoteType:        voteType,
			DateRecommended: library.TimestampFromSeconds(recommendation.DateRecommended),
		})
	}
	library.SortVotes(entity.Votes)

	if m.WatchHistory != nil {
		if m.WatchHistory.MyRating != nil {
			rating := *m.WatchHistory.MyRating
			entity.Rating = &rating
		}
		if m.WatchHistory.DateWatched != nil {
			watchedAt := library.TimestampFromSeconds(*m.WatchHistory.DateWatched)
			entity.WatchedAt = &watchedAt
		}
	}
	return entity, nil
}

// MovieFromEntity converts a library entity into its wire form.
func MovieFromEntity(entity library.Entity) MovieDTO {
	dto := MovieDTO{
		ImdbID:          entity.CatalogID.String(),
		MediaType:       string(entity.MediaType),
		TMDBData:        entity.Payloads.TMDB,
		OMDBData:        entity.Payloads.OMDB,
		LastModified:    entity.LastModified.Seconds(),
		Status:          string(entity.Status),
		CustomListID:    entity.CustomListID,
		Recommendations: make([]RecommendationDTO, 0, len(entity.Votes)),
	}
	for _, vote := range entity.Votes {
		dto.Recommendations = append(dto.Recommendations, RecommendationDTO{
			ImdbID:          entity.CatalogID.String(),
			Person:          vote.Person.String(),
			DateRecommended: vote.DateRecommended.Seconds(),
			VoteType:        string(vote.VoteType),
		})
	}
	if entity.Rating != nil || entity.WatchedAt != nil {
		history := &WatchHistoryDTO{}
		if entity.Rating != nil {
			rating := *entity.Rating
			history.MyRating = &rating
		}
		if entity.WatchedAt != nil {
			watched := entity.WatchedAt.Seconds()
			history.DateWatched = &watched
		}
		dto.WatchHistory = history
	}
	return dto
}

// Person converts the wire person into the library person.
func (p PersonDTO) Person() (library.Person, error) {
	name, err := library.NewPersonName(p.Name)
	if err != nil {
		return library.Person{}, err
	}
	return library.Person{
		Name:         name,
		IsTrusted:    p.IsTrusted,
		Color:        p.Color,
		Emoji:        p.Emoji,
		VoteCount:    p.MovieCount,
		LastModified: library.TimestampFromSeconds(p.LastModified),
	}, nil
}

// PersonFromLibrary converts a library person into its wire form.
func PersonFromLibrary(person library.Person) PersonDTO {
	return PersonDTO{
		Name:         person.Name.String(),
		IsTrusted:    person.IsTrusted,
		Color:        person.Color,
		Emoji:        person.Emoji,
		MovieCount:   person.VoteCount,
		LastModified: person.LastModified.Seconds(),
	}
}

func presentJSON(raw json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	return append(json.RawMessage(nil), trimmed...)
}

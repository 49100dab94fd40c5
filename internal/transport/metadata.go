package transport

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/watchlist-sync/internal/library"
)

type tmdbPayload struct {
	Title        string  `json:"title"`
	Name         string  `json:"name"`
	PosterPath   string  `json:"poster_path"`
	ReleaseDate  string  `json:"release_date"`
	FirstAirDate string  `json:"first_air_date"`
	VoteAverage  float64 `json:"vote_average"`
	Genres       []struct {
		Name string `json:"name"`
	} `json:"genres"`
}

type omdbPayload struct {
	Title      string `json:"Title"`
	Year       string `json:"Year"`
	Poster     string `json:"Poster"`
	Genre      string `json:"Genre"`
	ImdbRating string `json:"imdbRating"`
	Metascore  string `json:"Metascore"`
	Ratings    []struct {
		Source string `json:"Source"`
		Value  string `json:"Value"`
	} `json:"Ratings"`
}

// MetadataFromPayloads derives the cached metadata snapshot from raw provider payloads.
// TMDB wins for title, poster and genres; OMDb fills the gaps and contributes critic ratings.
func MetadataFromPayloads(payloads library.ProviderPayloads) library.Metadata {
	var metadata library.Metadata
	ratings := map[string]float64{}

	var tmdb tmdbPayload
	if len(payloads.TMDB) > 0 && json.Unmarshal(payloads.TMDB, &tmdb) == nil {
		metadata.Title = firstNonEmpty(tmdb.Title, tmdb.Name)
		metadata.PosterPath = tmdb.PosterPath
		metadata.Year = leadingYear(firstNonEmpty(tmdb.ReleaseDate, tmdb.FirstAirDate))
		for _, genre := range tmdb.Genres {
			if genre.Name != "" {
				metadata.Genres = append(metadata.Genres, genre.Name)
			}
		}
		if tmdb.VoteAverage > 0 {
			ratings["tmdb"] = tmdb.VoteAverage
		}
	}

	var omdb omdbPayload
	if len(payloads.OMDB) > 0 && json.Unmarshal(payloads.OMDB, &omdb) == nil {
		if metadata.Title == "" {
			metadata.Title = omdb.Title
		}
		if metadata.PosterPath == "" && omdb.Poster != "N/A" {
			metadata.PosterPath = omdb.Poster
		}
		if metadata.Year == 0 {
			metadata.Year = leadingYear(omdb.Year)
		}
		if len(metadata.Genres) == 0 && omdb.Genre != "" && omdb.Genre != "N/A" {
			for _, genre := range strings.Split(omdb.Genre, ",") {
				if trimmed := strings.TrimSpace(genre); trimmed != "" {
					metadata.Genres = append(metadata.Genres, trimmed)
				}
			}
		}
		if value, ok := parseScore(omdb.ImdbRating, 10); ok {
			ratings["imdb"] = value
		}
		if value, ok := parseScore(omdb.Metascore, 100); ok {
			ratings["metacritic"] = value
		}
		for _, rating := range omdb.Ratings {
			if rating.Source == "Rotten Tomatoes" {
				if value, ok := parseScore(rating.Value, 100); ok {
					ratings["rotten_tomatoes"] = value
				}
			}
		}
	}

	if len(ratings) > 0 {
		metadata.Ratings = ratings
	}
	return metadata
}

// parseScore accepts "7.8", "7.8/10", "91%" and "74/100" forms and rejects "N/A".
func parseScore(raw string, scale float64) (float64, bool) {
	value := strings.TrimSpace(raw)
	if value == "" || value == "N/A" {
		return 0, false
	}
	value = strings.TrimSuffix(value, "%")
	if index := strings.Index(value, "/"); index >= 0 {
		value = value[:index]
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil || parsed < 0 || parsed > scale {
		return 0, false
	}
	return parsed, true
}

func leadingYear(raw string) int {
	if len(raw) < 4 {
		return 0
	}
	year, err := strconv.Atoi(raw[:4])
	if err != nil {
		return 0
	}
	return year
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

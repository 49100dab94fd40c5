package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/watchlist-sync/internal/library"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultRequestTimeout = 15 * time.Second
	deviceHeader          = "X-Device-ID"
	maxErrorBody          = 4096
)

var (
	errMissingBaseURL     = errors.New("transport: base url is required")
	errMissingCredentials = errors.New("transport: credential source is required")
)

// CredentialSource supplies the opaque bearer credential for each request.
type CredentialSource interface {
	Token(ctx context.Context) (string, error)
}

// Config wires a backend Client.
type Config struct {
	BaseURL        string
	RequestTimeout time.Duration
	Credentials    CredentialSource
	DeviceID       string
	HTTPClient     *http.Client
	Dialer         *websocket.Dialer
	Logger         *zap.Logger
}

// Client is the request/response and push-channel client for the watchlist backend.
type Client struct {
	baseURL     *url.URL
	timeout     time.Duration
	credentials CredentialSource
	deviceID    string
	httpClient  *http.Client
	dialer      *websocket.Dialer
	logger      *zap.Logger
}

// NewClient validates the configuration and constructs a Client.
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errMissingBaseURL
	}
	baseURL, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("transport: parse base url: %w", err)
	}
	if cfg.Credentials == nil {
		return nil, errMissingCredentials
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: timeout, Proxy: http.ProxyFromEnvironment}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:     baseURL,
		timeout:     timeout,
		credentials: cfg.Credentials,
		deviceID:    cfg.DeviceID,
		httpClient:  httpClient,
		dialer:      dialer,
		logger:      logger,
	}, nil
}

// AddRecommendationRequest is the body of POST /movies/{id}/recommendations.
type AddRecommendationRequest struct {
	Person          string  `json:"person"`
	VoteType        string  `json:"vote_type"`
	DateRecommended float64 `json:"date_recommended,omitempty"`
	MediaType       string  `json:"media_type,omitempty"`
}

// BulkRecommendationRequest is the body of POST /movies/{id}/recommendations/bulk.
type BulkRecommendationRequest struct {
	People          []string `json:"people"`
	VoteType        string   `json:"vote_type"`
	DateRecommended float64  `json:"date_recommended,omitempty"`
	MediaType       string   `json:"media_type,omitempty"`
}

// UpdateMovieRequest is the body of PUT /movies/{id}.
type UpdateMovieRequest struct {
	Status           *string  `json:"status,omitempty"`
	CustomListID     *string  `json:"custom_list_id,omitempty"`
	MyRating         *float64 `json:"my_rating,omitempty"`
	DateWatched      *float64 `json:"date_watched,omitempty"`
	ClearDateWatched bool     `json:"clear_date_watched,omitempty"`
}

// UpdatePersonRequest is the body of PUT /people/{name}.
type UpdatePersonRequest struct {
	IsTrusted *bool   `json:"is_trusted,omitempty"`
	Color     *string `json:"color,omitempty"`
	Emoji     *string `json:"emoji,omitempty"`
}

// RenamePersonRequest is the body of POST /people/{name}/rename.
type RenamePersonRequest struct {
	NewName string `json:"new_name"`
}

// ChangesQuery bounds a pull.
type ChangesQuery struct {
	Collection library.Collection
	Since      library.Timestamp
	IDs        []library.CatalogID
}

// ChangeSet is a decoded pull.
type ChangeSet struct {
	Entities  []library.Entity
	People    []library.Person
	Timestamp library.Timestamp
}

// RenameResult is a decoded rename answer.
type RenameResult struct {
	Person   library.Person
	Entities []library.Entity
}

// CatalogMatch is one catalog search hit.
type CatalogMatch struct {
	CatalogID library.CatalogID
	Title     string
	Year      int
	MediaType library.MediaType
}

// AddRecommendation creates the entity if needed and records the vote.
func (c *Client) AddRecommendation(ctx context.Context, catalogID library.CatalogID, request AddRecommendationRequest) (library.Entity, error) {
	var movie MovieDTO
	if err := c.do(ctx, http.MethodPost, moviePath(catalogID, "recommendations"), nil, request, &movie); err != nil {
		return library.Entity{}, err
	}
	return decodeMovie(movie)
}

// AddRecommendationsBulk records several recommenders atomically.
func (c *Client) AddRecommendationsBulk(ctx context.Context, catalogID library.CatalogID, request BulkRecommendationRequest) (library.Entity, error) {
	var movie MovieDTO
	if err := c.do(ctx, http.MethodPost, moviePath(catalogID, "recommendations", "bulk"), nil, request, &movie); err != nil {
		return library.Entity{}, err
	}
	return decodeMovie(movie)
}

// RemoveRecommendation deletes a person's vote.
func (c *Client) RemoveRecommendation(ctx context.Context, catalogID library.CatalogID, person library.PersonName) (library.Entity, error) {
	var movie MovieDTO
	if err := c.do(ctx, http.MethodDelete, moviePath(catalogID, "recommendations", person.String()), nil, nil, &movie); err != nil {
		return library.Entity{}, err
	}
	return decodeMovie(movie)
}

// UpdateMovie changes status, custom list, rating or watched date.
func (c *Client) UpdateMovie(ctx context.Context, catalogID library.CatalogID, request UpdateMovieRequest) (library.Entity, error) {
	var movie MovieDTO
	if err := c.do(ctx, http.MethodPut, moviePath(catalogID), nil, request, &movie); err != nil {
		return library.Entity{}, err
	}
	return decodeMovie(movie)
}

// UpdatePerson changes trust flag, color or emoji.
func (c *Client) UpdatePerson(ctx context.Context, name library.PersonName, request UpdatePersonRequest) (library.Person, error) {
	var dto PersonDTO
	if err := c.do(ctx, http.MethodPut, "/people/"+url.PathEscape(name.String()), nil, request, &dto); err != nil {
		return library.Person{}, err
	}
	return decodePerson(dto)
}

// RenamePerson renames a person and migrates their votes server-side.
func (c *Client) RenamePerson(ctx context.Context, name library.PersonName, newName library.PersonName) (RenameResult, error) {
	var response RenamePersonResponse
	path := "/people/" + url.PathEscape(name.String()) + "/rename"
	if err := c.do(ctx, http.MethodPost, path, nil, RenamePersonRequest{NewName: newName.String()}, &response); err != nil {
		return RenameResult{}, err
	}
	person, err := decodePerson(response.Person)
	if err != nil {
		return RenameResult{}, err
	}
	entities, err := decodeMovies(response.Movies)
	if err != nil {
		return RenameResult{}, err
	}
	return RenameResult{Person: person, Entities: entities}, nil
}

// Changes pulls records modified after the query cursor.
func (c *Client) Changes(ctx context.Context, query ChangesQuery) (ChangeSet, error) {
	values := url.Values{}
	if query.Collection != "" {
		values.Set("collection", string(query.Collection))
	}
	values.Set("since", strconv.FormatFloat(query.Since.Seconds(), 'f', 3, 64))
	if len(query.IDs) > 0 {
		ids := make([]string, 0, len(query.IDs))
		for _, id := range query.IDs {
			ids = append(ids, id.String())
		}
		values.Set("ids", strings.Join(ids, ","))
	}

	var response ChangesResponse
	if err := c.do(ctx, http.MethodGet, "/sync", values, nil, &response); err != nil {
		return ChangeSet{}, err
	}
	entities, err := decodeMovies(response.Movies)
	if err != nil {
		return ChangeSet{}, err
	}
	people := make([]library.Person, 0, len(response.People))
	for _, dto := range response.People {
		person, err := decodePerson(dto)
		if err != nil {
			return ChangeSet{}, err
		}
		people = append(people, person)
	}
	return ChangeSet{
		Entities:  entities,
		People:    people,
		Timestamp: library.TimestampFromSeconds(response.Timestamp),
	}, nil
}

// SearchCatalog queries the backend's catalog proxy.
func (c *Client) SearchCatalog(ctx context.Context, query string) ([]CatalogMatch, error) {
	values := url.Values{}
	values.Set("q", query)
	var results []SearchResultDTO
	if err := c.do(ctx, http.MethodGet, "/external/tmdb/search", values, nil, &results); err != nil {
		return nil, err
	}
	matches := make([]CatalogMatch, 0, len(results))
	for _, result := range results {
		catalogID, err := library.NewCatalogID(result.ImdbID)
		if err != nil {
			continue
		}
		mediaType, err := library.ParseMediaType(result.MediaType)
		if err != nil {
			continue
		}
		matches = append(matches, CatalogMatch{
			CatalogID: catalogID,
			Title:     result.Title,
			Year:      int(result.Year),
			MediaType: mediaType,
		})
	}
	return matches, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	token, err := c.credentials.Token(ctx)
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%w: encode request: %v", library.ErrValidation, err)
		}
		reader = bytes.NewReader(encoded)
	}

	endpoint := c.baseURL.String() + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	request, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("%w: build request: %v", library.ErrValidation, err)
	}
	request.Header.Set("Accept", "application/json")
	request.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if c.deviceID != "" {
		request.Header.Set(deviceHeader, c.deviceID)
	}

	started := time.Now()
	response, err := c.httpClient.Do(request)
	if err != nil {
		classified := ClassifyError(err)
		c.logger.Debug("backend request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Duration("elapsed", time.Since(started)),
			zap.Error(classified))
		return classified
	}
	defer response.Body.Close()

	c.logger.Debug("backend request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", response.StatusCode),
		zap.Duration("elapsed", time.Since(started)))

	if response.StatusCode < 200 || response.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBody))
		return classifyStatus(response.StatusCode, errorDetail(raw))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return ClassifyError(fmt.Errorf("decode %s %s: %w", method, path, err))
	}
	return nil
}

func errorDetail(raw []byte) string {
	var envelope errorBody
	if json.Unmarshal(raw, &envelope) == nil {
		switch detail := envelope.Detail.(type) {
		case string:
			if detail != "" {
				return detail
			}
		case nil:
		default:
			if encoded, err := json.Marshal(detail); err == nil {
				return string(encoded)
			}
		}
		if envelope.Error != "" {
			return envelope.Error
		}
	}
	return strings.TrimSpace(string(raw))
}

func moviePath(catalogID library.CatalogID, segments ...string) string {
	path := "/movies/" + url.PathEscape(catalogID.String())
	for _, segment := range segments {
		path += "/" + url.PathEscape(segment)
	}
	return path
}

func decodeMovie(movie MovieDTO) (library.Entity, error) {
	entity, err := movie.Entity()
	if err != nil {
		return library.Entity{}, fmt.Errorf("%w: malformed movie: %v", library.ErrValidation, err)
	}
	return entity, nil
}

func decodeMovies(movies []MovieDTO) ([]library.Entity, error) {
	entities := make([]library.Entity, 0, len(movies))
	for _, movie := range movies {
		entity, err := decodeMovie(movie)
		if err != nil {
			return nil, err
		}
		entities = append(entities, entity)
	}
	return entities, nil
}

func decodePerson(dto PersonDTO) (library.Person, error) {
	person, err := dto.Person()
	if err != nil {
		return library.Person{}, fmt.Errorf("%w: malformed person: %v", library.ErrValidation, err)
	}
	return person, nil
}

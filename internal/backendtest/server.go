// Package backendtest runs an in-memory watchlist backend for tests.
package backendtest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/MarcoPoloResearchLab/watchlist-sync/internal/library"
	"github.com/MarcoPoloResearchLab/watchlist-sync/internal/transport"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	// DefaultToken is the bearer credential the fake backend accepts.
	DefaultToken = "test-token"
	clockStart   = library.Timestamp(1_700_000_000_000)
	clockStep    = library.Timestamp(1000)
	defaultColor = "#0a84ff"
)

// CatalogTitle is a searchable catalog entry.
type CatalogTitle struct {
	CatalogID library.CatalogID
	Title     string
	Year      int
	MediaType library.MediaType
}

type injectedFailure struct {
	status int
	detail string
}

// Server is an in-memory backend with a deterministic clock. Every accepted write advances the
// clock one step, so receipt order alone decides last-modified stamps.
type Server struct {
	mu       sync.Mutex
	clock    library.Timestamp
	movies   map[library.CatalogID]library.Entity
	people   map[library.PersonName]library.Person
	catalog  map[library.CatalogID]CatalogTitle
	failures []injectedFailure
	requests []string

	offline atomic.Bool
	token   string

	subscribersMu sync.Mutex
	subscribers   map[int64]*websocket.Conn
	nextID        int64
	upgrader      websocket.Upgrader

	httpServer *httptest.Server
}

// New starts a backend on a loopback listener and stops it when the test ends.
func New(t testing.TB) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	server := &Server{
		clock:       clockStart,
		movies:      map[library.CatalogID]library.Entity{},
		people:      map[library.PersonName]library.Person{},
		catalog:     map[library.CatalogID]CatalogTitle{},
		token:       DefaultToken,
		subscribers: map[int64]*websocket.Conn{},
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	server.httpServer = httptest.NewServer(server.routes())
	t.Cleanup(func() {
		server.closeSubscribers()
		server.httpServer.Close()
	})
	return server
}

// URL is the backend base URL.
func (s *Server) URL() string {
	return s.httpServer.URL
}

// Token is the accepted bearer credential.
func (s *Server) Token() string {
	return s.token
}

// SetOffline makes every request die at the connection level and drops realtime subscribers.
func (s *Server) SetOffline(offline bool) {
	s.offline.Store(offline)
	if offline {
		s.closeSubscribers()
	}
}

// FailNext makes the next request answer with the given status.
func (s *Server) FailNext(status int, detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, injectedFailure{status: status, detail: detail})
}

// AddCatalogTitle registers a title for search and movie metadata.
func (s *Server) AddCatalogTitle(title CatalogTitle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if title.MediaType == "" {
		title.MediaType = library.MediaMovie
	}
	s.catalog[title.CatalogID] = title
}

// SeedMovie stores a movie as if another client had written it, stamping it with the server clock.
func (s *Server) SeedMovie(entity library.Entity) library.Entity {
	s.mu.Lock()
	entity = entity.Clone()
	entity.LastModified = s.tick()
	entity.Provisional = false
	if entity.Votes == nil {
		entity.Votes = []library.Vote{}
	}
	s.movies[entity.CatalogID] = entity
	s.mu.Unlock()
	s.broadcast(transport.PushMessage{Type: "movieUpdated", ImdbID: entity.CatalogID.String()})
	return entity
}

// SeedPerson stores a person, stamping it with the server clock.
func (s *Server) SeedPerson(person library.Person) library.Person {
	s.mu.Lock()
	person.LastModified = s.tick()
	if person.Color == "" {
		person.Color = defaultColor
	}
	s.people[person.Name] = person
	s.mu.Unlock()
	s.broadcast(transport.PushMessage{Type: "peopleUpdated"})
	return person
}

// Movie returns the server copy of a movie.
func (s *Server) Movie(catalogID library.CatalogID) (library.Entity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	movie, ok := s.movies[catalogID]
	return movie.Clone(), ok
}

// Person returns the server copy of a person.
func (s *Server) Person(name library.PersonName) (library.Person, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	person, ok := s.people[name]
	return person, ok
}

// Requests lists "METHOD path" for every request that reached a handler.
func (s *Server) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

// Subscribers reports the number of open realtime connections.
func (s *Server) Subscribers() int {
	s.subscribersMu.Lock()
	defer s.subscribersMu.Unlock()
	return len(s.subscribers)
}

// Broadcast pushes a message to every realtime subscriber.
func (s *Server) Broadcast(message transport.PushMessage) {
	s.broadcast(message)
}

func (s *Server) routes() http.Handler {
	router := gin.New()
	router.Use(gin.Recovery(), s.connectivityMiddleware())

	router.GET("/ws/sync", s.handleRealtime)

	api := router.Group("/")
	api.Use(s.authMiddleware(), s.failureMiddleware())
	api.POST("/movies/:id/recommendations", s.handleAddRecommendation)
	api.POST("/movies/:id/recommendations/bulk", s.handleAddBulk)
	api.DELETE("/movies/:id/recommendations/:person", s.handleRemoveRecommendation)
	api.PUT("/movies/:id", s.handleUpdateMovie)
	api.PUT("/people/:name", s.handleUpdatePerson)
	api.POST("/people/:name/rename", s.handleRenamePerson)
	api.GET("/sync", s.handleChanges)
	api.GET("/external/tmdb/search", s.handleSearch)
	return router
}

func (s *Server) connectivityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.offline.Load() {
			c.Next()
			return
		}
		if conn, _, err := c.Writer.Hijack(); err == nil {
			_ = conn.Close()
		}
		c.Abort()
	}
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := strings.TrimSpace(c.GetHeader("Authorization"))
		if !strings.HasPrefix(header, "Bearer ") || strings.TrimPrefix(header, "Bearer ") != s.token {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "not authenticated"})
			return
		}
		c.Next()
	}
}

func (s *Server) failureMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		s.mu.Lock()
		s.requests = append(s.requests, c.Request.Method+" "+c.Request.URL.Path)
		var failure *injectedFailure
		if len(s.failures) > 0 {
			next := s.failures[0]
			s.failures = s.failures[1:]
			failure = &next
		}
		s.mu.Unlock()
		if failure != nil {
			c.AbortWithStatusJSON(failure.status, gin.H{"detail": failure.detail})
			return
		}
		c.Next()
	}
}

func (s *Server) handleRealtime(c *gin.Context) {
	if c.Query("token") != s.token {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "not authenticated"})
		return
	}
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	s.subscribersMu.Lock()
	s.nextID++
	id := s.nextID
	s.subscribers[id] = conn
	greeting, _ := json.Marshal(gin.H{"type": "connected"})
	writeErr := conn.WriteMessage(websocket.TextMessage, greeting)
	s.subscribersMu.Unlock()
	if writeErr != nil {
		s.dropSubscriber(id)
		return
	}

	go func() {
		defer s.dropSubscriber(id)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) broadcast(message transport.PushMessage) {
	if message.Timestamp == 0 {
		s.mu.Lock()
		message.Timestamp = s.clock.Seconds()
		s.mu.Unlock()
	}
	frame, err := json.Marshal(message)
	if err != nil {
		return
	}
	s.subscribersMu.Lock()
	defer s.subscribersMu.Unlock()
	for id, conn := range s.subscribers {
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			_ = conn.Close()
			delete(s.subscribers, id)
		}
	}
}

func (s *Server) dropSubscriber(id int64) {
	s.subscribersMu.Lock()
	defer s.subscribersMu.Unlock()
	if conn, ok := s.subscribers[id]; ok {
		_ = conn.Close()
		delete(s.subscribers, id)
	}
}

func (s *Server) closeSubscribers() {
	s.subscribersMu.Lock()
	defer s.subscribersMu.Unlock()
	for id, conn := range s.subscribers {
		_ = conn.Close()
		delete(s.subscribers, id)
	}
}

// tick must be called with mu held.
func (s *Server) tick() library.Timestamp {
	s.clock += clockStep
	return s.clock
}

// catalogPayload must be called with mu held.
func (s *Server) catalogPayload(catalogID library.CatalogID) (json.RawMessage, library.MediaType) {
	title, ok := s.catalog[catalogID]
	if !ok {
		return nil, ""
	}
	payload, _ := json.Marshal(map[string]any{
		"title":        title.Title,
		"release_date": strconv.Itoa(title.Year) + "-01-01",
	})
	return payload, title.MediaType
}

// recountPeople must be called with mu held.
func (s *Server) recountPeople() {
	counts := map[library.PersonName]int{}
	for _, movie := range s.movies {
		for _, vote := range movie.Votes {
			counts[vote.Person]++
		}
	}
	for name, person := range s.people {
		person.VoteCount = counts[name]
		s.people[name] = person
	}
}

// ensurePerson must be called with mu held.
func (s *Server) ensurePerson(name library.PersonName) bool {
	if _, ok := s.people[name]; ok {
		return false
	}
	s.people[name] = library.Person{Name: name, Color: defaultColor, LastModified: s.tick()}
	return true
}

func sortedMovies(movies map[library.CatalogID]library.Entity) []library.Entity {
	list := make([]library.Entity, 0, len(movies))
	for _, movie := range movies {
		list = append(list, movie)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CatalogID < list[j].CatalogID })
	return list
}

package backendtest

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/watchlist-sync/internal/library"
	"github.com/MarcoPoloResearchLab/watchlist-sync/internal/transport"
	"github.com/gin-gonic/gin"
)

func (s *Server) handleAddRecommendation(c *gin.Context) {
	var request transport.AddRecommendationRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": err.Error()})
		return
	}
	s.addVotes(c, []string{request.Person}, request.VoteType, request.DateRecommended, request.MediaType)
}

func (s *Server) handleAddBulk(c *gin.Context) {
	var request transport.BulkRecommendationRequest
	if err := c.ShouldBindJSON(&request); err != nil || len(request.People) == 0 {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": "people are required"})
		return
	}
	s.addVotes(c, request.People, request.VoteType, request.DateRecommended, request.MediaType)
}

func (s *Server) addVotes(c *gin.Context, rawPeople []string, rawVoteType string, dateRecommended float64, rawMediaType string) {
	catalogID, err := library.NewCatalogID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": err.Error()})
		return
	}
	voteType, err := library.ParseVoteType(rawVoteType)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": err.Error()})
		return
	}
	mediaType, err := library.ParseMediaType(rawMediaType)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": err.Error()})
		return
	}
	people := make([]library.PersonName, 0, len(rawPeople))
	for _, raw := range rawPeople {
		name, err := library.NewPersonName(raw)
		if err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": err.Error()})
			return
		}
		people = append(people, name)
	}

	s.mu.Lock()
	movie, exists := s.movies[catalogID]
	if !exists {
		payload, catalogMedia := s.catalogPayload(catalogID)
		if catalogMedia != "" && rawMediaType == "" {
			mediaType = catalogMedia
		}
		movie = library.Entity{
			CatalogID: catalogID,
			MediaType: mediaType,
			Payloads:  library.ProviderPayloads{TMDB: payload},
			Status:    library.StatusToWatch,
			Votes:     []library.Vote{},
		}
		movie.Metadata = transport.MetadataFromPayloads(movie.Payloads)
	}
	createdPeople := false
	stamp := s.tick()
	for _, person := range people {
		date := library.TimestampFromSeconds(dateRecommended)
		if date == 0 {
			date = stamp
		}
		next, err := library.WithVote(movie, library.Vote{Person: person, VoteType: voteType, DateRecommended: date})
		if err != nil {
			s.mu.Unlock()
			c.JSON(http.StatusConflict, gin.H{"detail": err.Error()})
			return
		}
		movie = next
		if s.ensurePerson(person) {
			createdPeople = true
		}
	}
	movie.LastModified = stamp
	s.movies[catalogID] = movie
	s.recountPeople()
	response := transport.MovieFromEntity(movie)
	s.mu.Unlock()

	s.broadcast(transport.PushMessage{Type: "movieUpdated", ImdbID: catalogID.String()})
	if createdPeople {
		s.broadcast(transport.PushMessage{Type: "peopleUpdated"})
	}
	c.JSON(http.StatusOK, response)
}

func (s *Server) handleRemoveRecommendation(c *gin.Context) {
	catalogID := library.CatalogID(c.Param("id"))
	person := library.PersonName(c.Param("person"))

	s.mu.Lock()
	movie, exists := s.movies[catalogID]
	if !exists {
		s.mu.Unlock()
		c.JSON(http.StatusNotFound, gin.H{"detail": "movie not found"})
		return
	}
	next, err := library.WithoutVote(movie, person)
	if err != nil {
		s.mu.Unlock()
		status := http.StatusConflict
		if errors.Is(err, library.ErrNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"detail": err.Error()})
		return
	}
	next.LastModified = s.tick()
	s.movies[catalogID] = next
	s.recountPeople()
	response := transport.MovieFromEntity(next)
	s.mu.Unlock()

	s.broadcast(transport.PushMessage{Type: "movieUpdated", ImdbID: catalogID.String()})
	c.JSON(http.StatusOK, response)
}

func (s *Server) handleUpdateMovie(c *gin.Context) {
	var request transport.UpdateMovieRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": err.Error()})
		return
	}
	catalogID := library.CatalogID(c.Param("id"))

	s.mu.Lock()
	movie, exists := s.movies[catalogID]
	if !exists {
		s.mu.Unlock()
		c.JSON(http.StatusNotFound, gin.H{"detail": "movie not found"})
		return
	}

	next := movie.Clone()
	if request.Status != nil {
		status, err := library.ParseStatus(*request.Status)
		if err != nil {
			s.mu.Unlock()
			c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": err.Error()})
			return
		}
		next.Status = status
		next.CustomListID = ""
		if status == library.StatusCustom && request.CustomListID != nil {
			next.CustomListID = *request.CustomListID
		}
	}
	if request.MyRating != nil {
		if err := library.ValidateRating(*request.MyRating); err != nil {
			s.mu.Unlock()
			c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": err.Error()})
			return
		}
		rating := *request.MyRating
		next.Rating = &rating
	}
	stamp := s.tick()
	switch {
	case request.ClearDateWatched:
		next.WatchedAt = nil
	case request.DateWatched != nil:
		watchedAt := library.TimestampFromSeconds(*request.DateWatched)
		next.WatchedAt = &watchedAt
	case next.Status == library.StatusWatched && next.WatchedAt == nil:
		watchedAt := stamp
		next.WatchedAt = &watchedAt
	}
	next.LastModified = stamp
	s.movies[catalogID] = next
	response := transport.MovieFromEntity(next)
	s.mu.Unlock()

	s.broadcast(transport.PushMessage{Type: "movieUpdated", ImdbID: catalogID.String()})
	c.JSON(http.StatusOK, response)
}

func (s *Server) handleUpdatePerson(c *gin.Context) {
	var request transport.UpdatePersonRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": err.Error()})
		return
	}
	name := library.PersonName(c.Param("name"))

	s.mu.Lock()
	person, exists := s.people[name]
	if !exists {
		s.mu.Unlock()
		c.JSON(http.StatusNotFound, gin.H{"detail": "person not found"})
		return
	}
	if request.IsTrusted != nil {
		person.IsTrusted = *request.IsTrusted
	}
	if request.Color != nil {
		person.Color = *request.Color
	}
	if request.Emoji != nil {
		person.Emoji = *request.Emoji
	}
	person.LastModified = s.tick()
	s.people[name] = person
	response := transport.PersonFromLibrary(person)
	s.mu.Unlock()

	s.broadcast(transport.PushMessage{Type: "personUpdated"})
	c.JSON(http.StatusOK, response)
}

func (s *Server) handleRenamePerson(c *gin.Context) {
	var request transport.RenamePersonRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": err.Error()})
		return
	}
	oldName := library.PersonName(c.Param("name"))
	newName, err := library.NewPersonName(request.NewName)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": err.Error()})
		return
	}

	s.mu.Lock()
	person, exists := s.people[oldName]
	if !exists {
		s.mu.Unlock()
		c.JSON(http.StatusNotFound, gin.H{"detail": "person not found"})
		return
	}
	if _, taken := s.people[newName]; taken {
		s.mu.Unlock()
		c.JSON(http.StatusConflict, gin.H{"detail": "person already exists"})
		return
	}
	stamp := s.tick()
	delete(s.people, oldName)
	person.Name = newName
	person.LastModified = stamp
	s.people[newName] = person

	changed := make([]transport.MovieDTO, 0)
	for _, movie := range sortedMovies(s.movies) {
		renamed, ok := library.RenameVotes(movie, oldName, newName)
		if !ok {
			continue
		}
		renamed.LastModified = stamp
		s.movies[movie.CatalogID] = renamed
		changed = append(changed, transport.MovieFromEntity(renamed))
	}
	s.recountPeople()
	response := transport.RenamePersonResponse{
		Person: transport.PersonFromLibrary(s.people[newName]),
		Movies: changed,
	}
	s.mu.Unlock()

	s.broadcast(transport.PushMessage{Type: "peopleUpdated"})
	s.broadcast(transport.PushMessage{Type: "listUpdated"})
	c.JSON(http.StatusOK, response)
}

func (s *Server) handleChanges(c *gin.Context) {
	since, err := strconv.ParseFloat(c.DefaultQuery("since", "0"), 64)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": "invalid since"})
		return
	}
	cursor := library.TimestampFromSeconds(since)
	collection := c.Query("collection")
	ids := map[library.CatalogID]bool{}
	for _, raw := range strings.Split(c.Query("ids"), ",") {
		if trimmed := strings.TrimSpace(raw); trimmed != "" {
			ids[library.CatalogID(trimmed)] = true
		}
	}

	s.mu.Lock()
	response := transport.ChangesResponse{
		Movies:    []transport.MovieDTO{},
		People:    []transport.PersonDTO{},
		Timestamp: s.clock.Seconds(),
	}
	if collection == "" || collection == string(library.CollectionMovies) {
		for _, movie := range sortedMovies(s.movies) {
			if len(ids) > 0 {
				if ids[movie.CatalogID] {
					response.Movies = append(response.Movies, transport.MovieFromEntity(movie))
				}
				continue
			}
			if movie.LastModified > cursor {
				response.Movies = append(response.Movies, transport.MovieFromEntity(movie))
			}
		}
	}
	if len(ids) == 0 && (collection == "" || collection == string(library.CollectionPeople)) {
		for _, person := range s.people {
			if person.LastModified > cursor {
				response.People = append(response.People, transport.PersonFromLibrary(person))
			}
		}
	}
	s.mu.Unlock()

	c.JSON(http.StatusOK, response)
}

func (s *Server) handleSearch(c *gin.Context) {
	query := strings.ToLower(strings.TrimSpace(c.Query("q")))
	if query == "" {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": "q is required"})
		return
	}
	s.mu.Lock()
	results := make([]transport.SearchResultDTO, 0)
	for _, title := range s.catalog {
		if strings.Contains(strings.ToLower(title.Title), query) {
			results = append(results, transport.SearchResultDTO{
				ImdbID:    title.CatalogID.String(),
				Title:     title.Title,
				MediaType: string(title.MediaType),
			})
		}
	}
	s.mu.Unlock()
	c.JSON(http.StatusOK, results)
}

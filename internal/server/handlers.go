package server

import (
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/watchlist-sync/internal/library"
	"github.com/MarcoPoloResearchLab/watchlist-sync/internal/repository"
	"github.com/MarcoPoloResearchLab/watchlist-sync/internal/store"
	"github.com/gin-gonic/gin"
)

type writeResultPayload struct {
	State      string          `json:"state"`
	MutationID string          `json:"mutation_id,omitempty"`
	Entity     *library.Entity `json:"entity,omitempty"`
	Person     *library.Person `json:"person,omitempty"`
}

type addEntityPayload struct {
	CatalogID    string   `json:"catalog_id"`
	Recommenders []string `json:"recommenders"`
	MediaType    string   `json:"media_type"`
}

type addVotePayload struct {
	Person   string `json:"person"`
	VoteType string `json:"vote_type"`
}

type updateEntityPayload struct {
	Status       *string  `json:"status"`
	CustomListID string   `json:"custom_list_id"`
	Rating       *float64 `json:"rating"`
}

type updatePersonPayload struct {
	IsTrusted *bool   `json:"is_trusted"`
	Color     *string `json:"color"`
	Emoji     *string `json:"emoji"`
}

type renamePersonPayload struct {
	NewName string `json:"new_name"`
}

type queueTitlePayload struct {
	Title  string `json:"title"`
	Person string `json:"person"`
}

type resolveTitlePayload struct {
	CatalogID string `json:"catalog_id"`
	MediaType string `json:"media_type"`
}

type onlinePayload struct {
	Online bool `json:"online"`
}

type backupPayload struct {
	Path string `json:"path"`
}

type searchResultPayload struct {
	CatalogID string `json:"catalog_id"`
	Title     string `json:"title"`
	Year      int    `json:"year,omitempty"`
	MediaType string `json:"media_type,omitempty"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleStatus(c *gin.Context) {
	status, err := h.session.Status(c.Request.Context())
	if err != nil {
		h.respondError(c, "status", err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *httpHandler) handleSetOnline(c *gin.Context) {
	var request onlinePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	h.session.SetOnline(request.Online)
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleSyncNow(c *gin.Context) {
	if err := h.session.Repository().SyncNow(c.Request.Context()); err != nil {
		h.respondError(c, "sync", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleRefresh(c *gin.Context) {
	if err := h.session.Repository().Refresh(c.Request.Context()); err != nil {
		h.respondError(c, "refresh", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleListEntities(c *gin.Context) {
	filter := store.EntityFilter{}
	for _, raw := range strings.Split(c.Query("status"), ",") {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		status, err := library.ParseStatus(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_status"})
			return
		}
		filter.Statuses = append(filter.Statuses, status)
	}
	entities, err := h.session.Repository().GetEntities(c.Request.Context(), filter)
	if err != nil {
		h.respondError(c, "list_entities", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entities": entities})
}

func (h *httpHandler) handleGetEntity(c *gin.Context) {
	entity, err := h.session.Repository().GetEntity(c.Request.Context(), library.CatalogID(c.Param("id")))
	if err != nil {
		h.respondError(c, "get_entity", err)
		return
	}
	c.JSON(http.StatusOK, entity)
}

func (h *httpHandler) handleAddEntity(c *gin.Context) {
	var request addEntityPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Recommenders) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	people := make([]library.PersonName, 0, len(request.Recommenders))
	for _, name := range request.Recommenders {
		people = append(people, library.PersonName(name))
	}
	result, err := h.session.Repository().AddEntityBulk(c.Request.Context(), library.CatalogID(request.CatalogID), people, library.MediaType(request.MediaType))
	h.respondWrite(c, "add_entity", result, err)
}

func (h *httpHandler) handleAddVote(c *gin.Context) {
	var request addVotePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	voteType, err := library.ParseVoteType(request.VoteType)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_vote_type"})
		return
	}
	result, err := h.session.Repository().AddVote(c.Request.Context(), library.CatalogID(c.Param("id")), library.PersonName(request.Person), voteType)
	h.respondWrite(c, "add_vote", result, err)
}

func (h *httpHandler) handleRemoveVote(c *gin.Context) {
	result, err := h.session.Repository().RemoveVote(c.Request.Context(), library.CatalogID(c.Param("id")), library.PersonName(c.Param("person")))
	h.respondWrite(c, "remove_vote", result, err)
}

func (h *httpHandler) handleUpdateEntity(c *gin.Context) {
	var request updateEntityPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	update := library.EntityUpdate{Rating: request.Rating, CustomListID: request.CustomListID}
	if request.Status != nil {
		status, err := library.ParseStatus(*request.Status)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_status"})
			return
		}
		update.Status = &status
	}
	result, err := h.session.Repository().UpdateEntity(c.Request.Context(), library.CatalogID(c.Param("id")), update)
	h.respondWrite(c, "update_entity", result, err)
}

func (h *httpHandler) handleListPeople(c *gin.Context) {
	people, err := h.session.Repository().GetPeople(c.Request.Context())
	if err != nil {
		h.respondError(c, "list_people", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"people": people})
}

func (h *httpHandler) handleUpdatePerson(c *gin.Context) {
	var request updatePersonPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	name := library.PersonName(c.Param("name"))
	repo := h.session.Repository()
	var (
		result library.WriteResult
		err    error
	)
	switch {
	case request.IsTrusted != nil && request.Color == nil && request.Emoji == nil:
		result, err = repo.UpdatePerson(c.Request.Context(), name, *request.IsTrusted)
	case request.IsTrusted == nil:
		result, err = repo.UpdatePersonDetails(c.Request.Context(), name, repository.PersonDetails{Color: request.Color, Emoji: request.Emoji})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "trust_and_details_are_separate_updates"})
		return
	}
	h.respondWrite(c, "update_person", result, err)
}

func (h *httpHandler) handleRenamePerson(c *gin.Context) {
	var request renamePersonPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	result, err := h.session.Repository().RenamePerson(c.Request.Context(), library.PersonName(c.Param("name")), library.PersonName(request.NewName))
	h.respondWrite(c, "rename_person", result, err)
}

func (h *httpHandler) handleSearch(c *gin.Context) {
	matches, err := h.session.Repository().SearchCatalog(c.Request.Context(), c.Query("q"))
	if err != nil {
		h.respondError(c, "search", err)
		return
	}
	results := make([]searchResultPayload, 0, len(matches))
	for _, match := range matches {
		results = append(results, searchResultPayload{
			CatalogID: match.CatalogID.String(),
			Title:     match.Title,
			Year:      match.Year,
			MediaType: string(match.MediaType),
		})
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

func (h *httpHandler) handleListTitles(c *gin.Context) {
	titles, err := h.session.Repository().ListPendingTitles(c.Request.Context())
	if err != nil {
		h.respondError(c, "list_titles", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"titles": titles})
}

func (h *httpHandler) handleQueueTitle(c *gin.Context) {
	var request queueTitlePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	id, err := h.session.Repository().QueueTitleOffline(c.Request.Context(), request.Title, library.PersonName(request.Person))
	if err != nil {
		h.respondError(c, "queue_title", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

func (h *httpHandler) handleResolveTitle(c *gin.Context) {
	var request resolveTitlePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	result, err := h.session.Repository().ResolvePendingTitle(c.Request.Context(), c.Param("id"), library.CatalogID(request.CatalogID), library.MediaType(request.MediaType))
	h.respondWrite(c, "resolve_title", result, err)
}

func (h *httpHandler) handleAutoResolveTitles(c *gin.Context) {
	resolved, err := h.session.Repository().AutoResolvePendingTitles(c.Request.Context())
	if err != nil {
		h.respondError(c, "auto_resolve_titles", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"resolved": resolved})
}

func (h *httpHandler) handleDiscardTitle(c *gin.Context) {
	if err := h.session.Repository().DiscardPendingTitle(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, "discard_title", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleListMutations(c *gin.Context) {
	pending, err := h.session.Mutations().List(c.Request.Context())
	if err != nil {
		h.respondError(c, "list_mutations", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"mutations": pending})
}

func (h *httpHandler) handleRetryMutation(c *gin.Context) {
	if err := h.session.Mutations().Retry(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, "retry_mutation", err)
		return
	}
	h.session.Foreground()
	c.Status(http.StatusAccepted)
}

func (h *httpHandler) handleDiscardMutation(c *gin.Context) {
	if err := h.session.Mutations().Discard(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, "discard_mutation", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleExport(c *gin.Context) {
	if h.backups == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "backups_disabled"})
		return
	}
	var request backupPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	path, summary, err := h.backups.Export(c.Request.Context(), request.Path)
	if err != nil {
		h.respondError(c, "export", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"path": path, "summary": summary})
}

func (h *httpHandler) handleImport(c *gin.Context) {
	if h.backups == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "backups_disabled"})
		return
	}
	var request backupPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Path) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	summary, err := h.backups.Import(c.Request.Context(), request.Path)
	if err != nil {
		h.respondError(c, "import", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"summary": summary})
}

// respondWrite answers 200 for applied writes, 202 for queued ones and an error body otherwise.
func (h *httpHandler) respondWrite(c *gin.Context, operation string, result library.WriteResult, err error) {
	if err != nil {
		h.respondError(c, operation, err)
		return
	}
	status := http.StatusOK
	if result.State == library.WriteQueued {
		status = http.StatusAccepted
	}
	c.JSON(status, writeResultPayload{
		State:      result.State.String(),
		MutationID: result.MutationID,
		Entity:     result.Entity,
		Person:     result.Person,
	})
}

// Package server exposes the sync core to local UI processes over HTTP.
package server

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/watchlist-sync/internal/backup"
	"github.com/MarcoPoloResearchLab/watchlist-sync/internal/library"
	"github.com/MarcoPoloResearchLab/watchlist-sync/internal/session"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	apiKeyHeader             = "X-API-Key"
	defaultHeartbeatInterval = 25 * time.Second
)

var (
	errMissingSession       = errors.New("session dependency required")
	errInvalidAuthorization = errors.New("api key missing or invalid")
)

// Dependencies wires the HTTP handler.
type Dependencies struct {
	Session *session.Session
	// Backups is optional; without it the backup routes answer 404.
	Backups           *backup.Service
	APIKey            string
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

// NewHTTPHandler builds the gin router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Session == nil {
		return nil, errMissingSession
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		session:   deps.Session,
		backups:   deps.Backups,
		apiKey:    strings.TrimSpace(deps.APIKey),
		heartbeat: heartbeat,
		logger:    logger,
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/status", handler.handleStatus)
	protected.GET("/events", handler.handleEventStream)
	protected.POST("/online", handler.handleSetOnline)
	protected.POST("/sync", handler.handleSyncNow)
	protected.POST("/refresh", handler.handleRefresh)

	protected.GET("/entities", handler.handleListEntities)
	protected.POST("/entities", handler.handleAddEntity)
	protected.GET("/entities/:id", handler.handleGetEntity)
	protected.PATCH("/entities/:id", handler.handleUpdateEntity)
	protected.POST("/entities/:id/votes", handler.handleAddVote)
	protected.DELETE("/entities/:id/votes/:person", handler.handleRemoveVote)

	protected.GET("/people", handler.handleListPeople)
	protected.PATCH("/people/:name", handler.handleUpdatePerson)
	protected.POST("/people/:name/rename", handler.handleRenamePerson)

	protected.GET("/search", handler.handleSearch)

	protected.GET("/titles", handler.handleListTitles)
	protected.POST("/titles", handler.handleQueueTitle)
	protected.POST("/titles/resolve", handler.handleAutoResolveTitles)
	protected.POST("/titles/:id/resolve", handler.handleResolveTitle)
	protected.DELETE("/titles/:id", handler.handleDiscardTitle)

	protected.GET("/mutations", handler.handleListMutations)
	protected.POST("/mutations/:id/retry", handler.handleRetryMutation)
	protected.DELETE("/mutations/:id", handler.handleDiscardMutation)

	protected.POST("/backups/export", handler.handleExport)
	protected.POST("/backups/import", handler.handleImport)

	return router, nil
}

type httpHandler struct {
	session   *session.Session
	backups   *backup.Service
	apiKey    string
	heartbeat time.Duration
	logger    *zap.Logger
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", apiKeyHeader, "Last-Event-ID"},
		MaxAge:       12 * time.Hour,
	}
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
		cfg.AllowCredentials = true
	}
	return cors.New(cfg)
}

// authorizeRequest accepts the key in X-API-Key, as a bearer token, or as an api_key query value for
// EventSource clients that cannot set headers.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	if h.apiKey == "" {
		c.Next()
		return
	}
	presented := strings.TrimSpace(c.GetHeader(apiKeyHeader))
	if presented == "" {
		if header := c.GetHeader("Authorization"); strings.HasPrefix(header, "Bearer ") {
			presented = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		}
	}
	if presented == "" {
		presented = strings.TrimSpace(c.Query("api_key"))
	}
	if presented == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(h.apiKey)) != 1 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	c.Next()
}

// respondError maps core error classes onto HTTP statuses.
func (h *httpHandler) respondError(c *gin.Context, operation string, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, library.ErrValidation):
		status, code = http.StatusUnprocessableEntity, "invalid_request"
	case errors.Is(err, library.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, library.ErrUnauthorized):
		status, code = http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, library.ErrConnectivity):
		status, code = http.StatusServiceUnavailable, "offline"
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("operation", operation), zap.Error(err))
	} else {
		h.logger.Debug("request rejected", zap.String("operation", operation), zap.String("reason", code), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": code, "detail": err.Error()})
}

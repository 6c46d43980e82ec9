package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/lifedash/backend/internal/auth"
	"github.com/lifedash/backend/internal/mal"
	"github.com/lifedash/backend/internal/provider"
	"go.uber.org/zap"
)

const userIDContextKey = "lifedash_user_id"

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingProviderRegistry = errors.New("provider registry dependency required")
	errMissingMALService       = errors.New("mal service dependency required")
)

// codeStatus maps stable service error codes onto HTTP statuses. Codes
// outside the map are treated as internal errors.
var codeStatus = map[string]int{
	mal.CodeServerNotConfigured: http.StatusInternalServerError,
	mal.CodeInvalidState:        http.StatusBadRequest,
	mal.CodeTokenExchangeFailed: http.StatusBadRequest,
	mal.CodeNoAccessToken:       http.StatusBadRequest,
	mal.CodeProfileFetchFailed:  http.StatusBadRequest,
	mal.CodeNotLinked:           http.StatusBadRequest,
	mal.CodeMissingAccessToken:  http.StatusBadRequest,
	mal.CodeHistoryFetchFailed:  http.StatusBadRequest,
	mal.CodeProfileReadFailed:   http.StatusBadRequest,
	mal.CodeRecentReadFailed:    http.StatusBadRequest,
	mal.CodeSeasonalFetchFailed: http.StatusBadRequest,
}

// Dependencies wires the HTTP layer to its collaborators.
type Dependencies struct {
	Sessions *auth.SessionValidator
	Registry *provider.Registry
	MAL      *mal.Service
	Logger   *zap.Logger
}

// NewHTTPHandler builds the gin router for the API surface.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sessions == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Registry == nil {
		return nil, errMissingProviderRegistry
	}
	if deps.MAL == nil {
		return nil, errMissingMALService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	handler := &httpHandler{
		sessions: deps.Sessions,
		registry: deps.Registry,
		mal:      deps.MAL,
		logger:   logger,
	}

	// The callback is reached by a browser redirect from the provider; it is
	// bound to the one-time state value rather than a session.
	router.GET("/api/mal/link/callback", handler.handleLinkCallback)

	protected := router.Group("/api")
	protected.Use(handler.authorizeRequest)
	protected.GET("/providers", handler.handleProviderList)
	protected.POST("/mal/link/start", handler.handleLinkStart)
	protected.POST("/mal/sync", handler.handleSync)
	protected.GET("/mal/profile", handler.handleProfile)
	protected.GET("/mal/recent", handler.handleRecent)
	protected.GET("/mal/seasonal", handler.handleSeasonal)

	return router, nil
}

type httpHandler struct {
	sessions *auth.SessionValidator
	registry *provider.Registry
	mal      *mal.Service
	logger   *zap.Logger
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) {
			h.logger.Info("session validation failed", zap.Error(err))
		} else if !errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, claims.UserID)
	c.Next()
}

func (h *httpHandler) handleProviderList(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"providers": h.registry.List()})
}

func (h *httpHandler) handleLinkStart(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	authURL, err := h.mal.StartLink(userID)
	if err != nil {
		h.respondServiceError(c, "link start failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": authURL})
}

func (h *httpHandler) handleLinkCallback(c *gin.Context) {
	code := strings.TrimSpace(c.Query("code"))
	state := strings.TrimSpace(c.Query("state"))
	if code == "" || state == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_code_or_state"})
		return
	}

	redirectURL, err := h.mal.CompleteLink(c.Request.Context(), code, state)
	if err != nil {
		h.respondServiceError(c, "link callback failed", err)
		return
	}
	c.Redirect(http.StatusFound, redirectURL)
}

func (h *httpHandler) handleSync(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	count, err := h.mal.Sync(c.Request.Context(), userID)
	if err != nil {
		var cooldown *mal.CooldownError
		if errors.As(err, &cooldown) {
			c.Header("Retry-After", strconv.FormatInt(cooldown.RetryAfterSec(), 10))
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":         mal.CodeTooManyRequests,
				"retryAfterSec": cooldown.RetryAfterSec(),
			})
			return
		}
		h.respondServiceError(c, "sync failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "count": count})
}

func (h *httpHandler) handleProfile(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	account, err := h.mal.Account(c.Request.Context(), userID)
	if err != nil {
		h.respondServiceError(c, "profile read failed", err)
		return
	}
	if account == nil {
		c.JSON(http.StatusOK, gin.H{"account": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": account})
}

func (h *httpHandler) handleRecent(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			limit = parsed
		}
	}

	items, err := h.mal.Recent(c.Request.Context(), userID, limit)
	if err != nil {
		h.respondServiceError(c, "recent read failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (h *httpHandler) handleSeasonal(c *gin.Context) {
	items, err := h.mal.Seasonal(c.Request.Context())
	if err != nil {
		h.respondServiceError(c, "seasonal fetch failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// respondServiceError translates a service error into {"error": code}; the
// wrapped cause stays in the server log.
func (h *httpHandler) respondServiceError(c *gin.Context, message string, err error) {
	var serviceErr *mal.ServiceError
	if errors.As(err, &serviceErr) {
		status, known := codeStatus[serviceErr.Code()]
		if !known {
			status = http.StatusInternalServerError
		}
		if status >= http.StatusInternalServerError {
			h.logger.Error(message, zap.String("code", serviceErr.Code()), zap.Error(err))
		} else {
			h.logger.Info(message, zap.String("code", serviceErr.Code()), zap.Error(err))
		}
		c.JSON(status, gin.H{"error": serviceErr.Code()})
		return
	}
	h.logger.Error(message, zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
}

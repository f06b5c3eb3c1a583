package bridge

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/TKKRTKY/brain-feed-reader/internal/auth"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	StoragePath = "/v1/storage"
	HealthPath  = "/healthz"

	grantContextKey = "brainfeed_bridge_grant"
)

var (
	errMissingDispatcher    = errors.New("dispatcher dependency required")
	errMissingTokenManager  = errors.New("token manager dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// TokenValidator checks a bearer token and returns the grant it carries.
type TokenValidator interface {
	ValidateToken(token string) (auth.Grant, error)
}

type HTTPDependencies struct {
	Dispatcher     *Dispatcher
	Tokens         TokenValidator
	AllowedOrigins []string
	Logger         *zap.Logger
}

// NewHTTPHandler serves POST /v1/storage behind bearer authentication and an open GET /healthz.
func NewHTTPHandler(deps HTTPDependencies) (http.Handler, error) {
	if deps.Dispatcher == nil {
		return nil, errMissingDispatcher
	}
	if deps.Tokens == nil {
		return nil, errMissingTokenManager
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	origins := deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: origins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		dispatcher: deps.Dispatcher,
		tokens:     deps.Tokens,
		logger:     logger,
	}

	router.GET(HealthPath, handler.handleHealth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST(StoragePath, handler.handleStorage)

	return router, nil
}

type httpHandler struct {
	dispatcher *Dispatcher
	tokens     TokenValidator
	logger     *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleStorage(c *gin.Context) {
	var request Request
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(string(request.Type)) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	grant := c.MustGet(grantContextKey).(auth.Grant)
	access := auth.AccessRead
	if request.Type.Writes() {
		access = auth.AccessWrite
	}
	if !grant.Allows(access, request.Table) {
		h.logger.Warn("bridge request forbidden",
			zap.String("subject", grant.Subject),
			zap.String("operation", string(request.Type)),
			zap.String("table", request.Table))
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	response := h.dispatcher.Dispatch(c.Request.Context(), request)
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	grant, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(grantContextKey, grant)
	c.Next()
}

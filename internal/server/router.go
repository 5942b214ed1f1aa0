package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/pactum/internal/auth"
	"github.com/MarcoPoloResearchLab/pactum/internal/contracts"
	"github.com/MarcoPoloResearchLab/pactum/internal/metrics"
	"github.com/MarcoPoloResearchLab/pactum/internal/rooms"
	"github.com/MarcoPoloResearchLab/pactum/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	callerContextKey   = "pactum_caller"
	tracingServiceName = "pactum-api"
)

var (
	errMissingContractsService = errors.New("contracts service dependency required")
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingProfileResolver  = errors.New("profile resolver dependency required")
	errMissingTicketIssuer     = errors.New("room ticket issuer dependency required")
	errMissingHub              = errors.New("room hub dependency required")
)

// SessionValidator authenticates the caller of a request.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// ProfileResolver maps session claims onto a canonical caller profile.
type ProfileResolver interface {
	Resolve(ctx context.Context, claims auth.SessionClaims) (users.Profile, error)
}

// TicketIssuer mints and checks realtime relay tickets.
type TicketIssuer interface {
	Issue(room, userID, displayName string) (string, time.Time, error)
	Validate(ticket, room string) (auth.RoomTicketClaims, error)
}

type Dependencies struct {
	Contracts      *contracts.Service
	Sessions       SessionValidator
	Profiles       ProfileResolver
	Tickets        TicketIssuer
	Hub            *rooms.Hub
	Realtime       *RealtimeDispatcher
	Metrics        *metrics.Metrics
	Logger         *zap.Logger
	AllowedOrigins []string
	// TracerProvider receives the request spans. The global provider is used when nil.
	TracerProvider trace.TracerProvider
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Contracts == nil {
		return nil, errMissingContractsService
	}
	if deps.Sessions == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Profiles == nil {
		return nil, errMissingProfileResolver
	}
	if deps.Tickets == nil {
		return nil, errMissingTicketIssuer
	}
	if deps.Hub == nil {
		return nil, errMissingHub
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}
	origins := deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	useJSONFieldNames()

	handler := &httpHandler{
		contracts: deps.Contracts,
		sessions:  deps.Sessions,
		profiles:  deps.Profiles,
		tickets:   deps.Tickets,
		hub:       deps.Hub,
		realtime:  realtime,
		metrics:   deps.Metrics,
		logger:    logger,
		origins:   origins,
	}
	handler.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     handler.allowOrigin,
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(tracingServiceName, tracingOptions(deps.TracerProvider)...))
	router.Use(handler.observeRequest)
	router.Use(cors.New(corsConfig(origins)))

	router.GET("/healthz", handler.handleHealth)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}
	router.GET("/rooms/:room/ws", handler.handleRoomSocket)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/contracts", handler.handleCreateContract)
	protected.GET("/contracts/:id", handler.handleGetContract)
	protected.PATCH("/contracts/:id", handler.handleUpdateContract)
	protected.POST("/contracts/:id/collaborators", handler.handleAddCollaborator)
	protected.GET("/contracts/:id/events", handler.handleListEvents)
	protected.GET("/contracts/:id/stream", handler.handleContractStream)
	protected.POST("/contracts/:id/snapshot", handler.handleCreateSnapshot)
	protected.GET("/contracts/:id/versions", handler.handleListVersions)
	protected.POST("/contracts/:id/approvals", handler.handleRequestApproval)
	protected.GET("/contracts/:id/approvals/summary", handler.handleApprovalSummary)
	protected.POST("/contracts/:id/room-ticket", handler.handleRoomTicket)
	protected.POST("/approvals/:id/decision", handler.handleDecision)

	return router, nil
}

type httpHandler struct {
	contracts *contracts.Service
	sessions  SessionValidator
	profiles  ProfileResolver
	tickets   TicketIssuer
	hub       *rooms.Hub
	realtime  *RealtimeDispatcher
	metrics   *metrics.Metrics
	logger    *zap.Logger
	origins   []string
	upgrader  websocket.Upgrader
}

// tracingOptions leaves health checks and metric scrapes untraced.
func tracingOptions(provider trace.TracerProvider) []otelgin.Option {
	options := []otelgin.Option{
		otelgin.WithFilter(func(request *http.Request) bool {
			return request.URL.Path != "/healthz" && request.URL.Path != "/metrics"
		}),
	}
	if provider != nil {
		options = append(options, otelgin.WithTracerProvider(provider))
	}
	return options
}

func corsConfig(origins []string) cors.Config {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) == 1 && origins[0] == "*" {
		config.AllowAllOrigins = true
		return config
	}
	config.AllowOrigins = origins
	config.AllowCredentials = true
	return config
}

func (h *httpHandler) allowOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.origins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (h *httpHandler) observeRequest(c *gin.Context) {
	started := time.Now()
	c.Next()
	route := c.FullPath()
	if route == "" {
		route = "unmatched"
	}
	h.metrics.ObserveHTTP(c.Request.Method, route, c.Writer.Status(), time.Since(started))
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "rooms": h.hub.RoomCount()})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("session validation failed", zap.Error(err))
		} else {
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		abortWithError(c, http.StatusUnauthorized, errorCodeUnauthorized, nil)
		return
	}
	profile, err := h.profiles.Resolve(c.Request.Context(), claims)
	if err != nil {
		if errors.Is(err, users.ErrInvalidIdentity) {
			h.logger.Warn("session identity rejected", zap.Error(err))
			abortWithError(c, http.StatusUnauthorized, errorCodeUnauthorized, nil)
			return
		}
		h.logger.Error("failed to resolve caller profile", zap.Error(err))
		abortWithError(c, http.StatusInternalServerError, errorCodeInternal, nil)
		return
	}
	c.Set(callerContextKey, profile)
	c.Next()
}

func callerFrom(c *gin.Context) (users.Profile, bool) {
	value, ok := c.Get(callerContextKey)
	if !ok {
		return users.Profile{}, false
	}
	profile, ok := value.(users.Profile)
	if !ok || profile.UserID == "" {
		return users.Profile{}, false
	}
	return profile, true
}

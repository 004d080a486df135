// Package httpapi is the HTTP edge: websocket sessions for rooms and the
// presence channel, the authenticated room API and the ops endpoints.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"roomcast/internal/auth"
	"roomcast/internal/metrics"
	"roomcast/internal/protocol"
	"roomcast/internal/session"
	"roomcast/internal/storage"
	"roomcast/internal/turn"
)

const userKey = "roomcast.user"

type Store interface {
	UpsertUser(ctx context.Context, u storage.User) error
	CreateRoom(ctx context.Context, r storage.Room) (storage.Room, error)
	GetRoomForUser(ctx context.Context, id uuid.UUID, userID int64) (storage.Room, error)
	ListRoomsForUser(ctx context.Context, userID int64) ([]storage.RoomListing, error)
	ListMessages(ctx context.Context, roomID uuid.UUID) ([]storage.Message, error)
	RoomUsageTotals(ctx context.Context, roomID uuid.UUID) (storage.UsageTotals, error)
}

// Turns is the part of the orchestrator the edge drives.
type Turns interface {
	HandleUserTurn(ctx context.Context, roomID uuid.UUID, user protocol.Sender, prompt string, opts turn.Options) error
	Stop(ctx context.Context, roomID uuid.UUID, user protocol.Sender) error
	CreateAnnotation(ctx context.Context, roomID uuid.UUID, user protocol.Sender, content string, structured map[string]any, annotations []storage.Annotation) (storage.Message, error)
	UpdateAnnotation(ctx context.Context, roomID, messageID uuid.UUID, content string, structured map[string]any) (storage.Message, error)
}

type Presence interface {
	UsersInRoom(ctx context.Context, roomID uuid.UUID) ([]storage.User, error)
}

// Health reports whether the bus connection is up.
type Health interface {
	Connected() bool
}

type Config struct {
	Store    Store
	Registry *session.Registry
	Turns    Turns
	Presence Presence
	Auth     *auth.Issuer
	Health   Health

	HealthPath  string
	MetricsPath string
	ReadTimeout time.Duration

	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

type Server struct {
	store       Store
	registry    *session.Registry
	turns       Turns
	presence    Presence
	auth        *auth.Issuer
	health      Health
	readTimeout time.Duration
	logger      zerolog.Logger
	metrics     *metrics.Metrics
}

func NewRouter(cfg Config) *gin.Engine {
	r, s := newEngine(cfg)

	ws := r.Group("/ws", s.authRequired())
	ws.GET("/rooms/:room_id", s.roomSocket)
	ws.GET("/presence", s.presenceSocket)

	api := r.Group("/api", s.authRequired())
	api.GET("/rooms", s.listRooms)
	api.POST("/rooms", s.createRoom)
	api.GET("/rooms/:room_id", s.getRoom)
	api.GET("/rooms/:room_id/messages", s.listMessages)
	api.GET("/rooms/:room_id/users", s.listUsers)
	api.POST("/rooms/:room_id/annotations", s.createAnnotation)
	api.PUT("/rooms/:room_id/annotations/:message_id", s.updateAnnotation)
	return r
}

// NewOpsRouter serves only the health and metrics endpoints. Worker-only
// processes use it.
func NewOpsRouter(cfg Config) *gin.Engine {
	r, _ := newEngine(cfg)
	return r
}

func newEngine(cfg Config) (*gin.Engine, *Server) {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Global()
	}
	if cfg.HealthPath == "" {
		cfg.HealthPath = "/healthz"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	s := &Server{
		store:       cfg.Store,
		registry:    cfg.Registry,
		turns:       cfg.Turns,
		presence:    cfg.Presence,
		auth:        cfg.Auth,
		health:      cfg.Health,
		readTimeout: cfg.ReadTimeout,
		logger:      cfg.Logger.With().Str("component", "httpapi").Logger(),
		metrics:     cfg.Metrics,
	}

	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Recovery(), s.requestLog())
	r.NoRoute(func(c *gin.Context) {
		fail(c, http.StatusNotFound, "not_found", "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		fail(c, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})

	r.GET(cfg.HealthPath, s.healthz)
	r.GET(cfg.MetricsPath, gin.WrapH(promhttp.Handler()))
	return r, s
}

func ok(c *gin.Context, status int, data any) {
	c.JSON(status, gin.H{"data": data})
}

func fail(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"code": code, "error": msg})
}

func (s *Server) healthz(c *gin.Context) {
	if s.health != nil && !s.health.Connected() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "bus": "disconnected"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "bus": "connected"})
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	}
}

// authRequired accepts a bearer token from the Authorization header or, for
// websocket handshakes, the token query parameter. The token's user is
// upserted so rows referencing it satisfy their foreign keys.
func (s *Server) authRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := strings.TrimSpace(strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer "))
		if token == "" {
			token = c.Query("token")
		}
		if token == "" {
			fail(c, http.StatusUnauthorized, "unauthorized", "missing token")
			return
		}
		claims, err := s.auth.Parse(token)
		if err != nil {
			fail(c, http.StatusUnauthorized, "unauthorized", err.Error())
			return
		}
		id, _ := claims.UserID()
		user := protocol.Sender{ID: id, Email: claims.Email, Name: claims.Name, Picture: claims.Picture}
		err = s.store.UpsertUser(c.Request.Context(), storage.User{ID: id, Email: user.Email, Name: user.Name, Picture: user.Picture})
		if err != nil {
			s.logger.Error().Err(err).Int64("user_id", id).Msg("upsert user")
			fail(c, http.StatusInternalServerError, "internal_error", "could not load user")
			return
		}
		c.Set(userKey, user)
		c.Next()
	}
}

func currentUser(c *gin.Context) protocol.Sender {
	v, _ := c.Get(userKey)
	u, _ := v.(protocol.Sender)
	return u
}

// visibleRoom resolves :room_id for the current user. Missing, malformed and
// unreadable rooms all answer 404.
func (s *Server) visibleRoom(c *gin.Context) (storage.Room, bool) {
	id, err := uuid.Parse(c.Param("room_id"))
	if err != nil {
		fail(c, http.StatusNotFound, "not_found", "room not found")
		return storage.Room{}, false
	}
	room, err := s.store.GetRoomForUser(c.Request.Context(), id, currentUser(c).ID)
	if errors.Is(err, storage.ErrNotFound) {
		fail(c, http.StatusNotFound, "not_found", "room not found")
		return storage.Room{}, false
	}
	if err != nil {
		s.logger.Error().Err(err).Str("room_id", id.String()).Msg("load room")
		fail(c, http.StatusInternalServerError, "internal_error", "could not load room")
		return storage.Room{}, false
	}
	return room, true
}

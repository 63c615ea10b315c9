package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"

	"github.com/pscheid92/minicom/internal/broadcast"
	"github.com/pscheid92/minicom/internal/consumer"
	"github.com/pscheid92/minicom/internal/domain"
	"github.com/pscheid92/minicom/internal/platform/config"
	"github.com/pscheid92/minicom/internal/platform/workerpool"
	"github.com/pscheid92/minicom/internal/websocket"
)

type identityProvider interface {
	Issue(id domain.Identity, ttl time.Duration) (string, error)
	Verify(token string) (domain.Identity, error)
	AuthenticateAdmin(password string) error
}

type chatService interface {
	History(ctx context.Context, email string) ([]domain.Message, error)
	Participants(ctx context.Context) ([]domain.Participant, error)
	MarkRead(ctx context.Context, email string) (int64, error)
	Post(ctx context.Context, email, content string) (domain.Message, broadcast.Report, error)
}

type behaviorFactory interface {
	For(role domain.Role) (consumer.Behavior, error)
}

// Deps are the collaborators the server wires into its handlers.
type Deps struct {
	Auth         identityProvider
	Chat         chatService
	Behaviors    behaviorFactory
	Dispatcher   *broadcast.Dispatcher
	Pool         *workerpool.Pool
	Sessions     *websocket.Tracker
	HealthChecks []HealthCheck
	Clock        clockwork.Clock
}

type Server struct {
	echo   *echo.Echo
	config *config.Config
	clock  clockwork.Clock

	auth       identityProvider
	chat       chatService
	behaviors  behaviorFactory
	dispatcher *broadcast.Dispatcher
	pool       *workerpool.Pool
	sessions   *websocket.Tracker

	limits       *ConnectionLimits
	upgrader     gorillaws.Upgrader
	healthChecks []HealthCheck
	startTime    time.Time
}

func NewServer(cfg *config.Config, deps Deps) *Server {
	clock := deps.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	sessions := deps.Sessions
	if sessions == nil {
		sessions = websocket.NewTracker()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	srv := &Server{
		echo:       e,
		config:     cfg,
		clock:      clock,
		auth:       deps.Auth,
		chat:       deps.Chat,
		behaviors:  deps.Behaviors,
		dispatcher: deps.Dispatcher,
		pool:       deps.Pool,
		sessions:   sessions,
		limits: NewConnectionLimits(clock,
			int64(cfg.MaxWebSocketConnections), cfg.MaxConnectionsPerIP,
			cfg.ConnectionRate, cfg.ConnectionBurst),
		upgrader: gorillaws.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     websocket.NewCheckOrigin(cfg.Origins(), cfg.IsDevelopment()),
		},
		healthChecks: deps.HealthChecks,
		startTime:    clock.Now(),
	}

	srv.registerRoutes()

	return srv
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	if err := s.echo.Start(":" + s.config.Port); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and closes every live chat session.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.sessions.CloseAll(ctx, consumer.ReasonShutdown); err != nil {
		slog.Warn("Not all sessions closed before deadline", "remaining", s.sessions.Len(), "error", err)
	}
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.echo }

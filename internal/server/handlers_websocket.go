package server

import (
	"context"
	"log/slog"
	"maps"

	gorillaws "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/pscheid92/minicom/internal/auth"
	"github.com/pscheid92/minicom/internal/consumer"
	"github.com/pscheid92/minicom/internal/domain"
	"github.com/pscheid92/minicom/internal/metrics"
	apperrors "github.com/pscheid92/minicom/internal/platform/errors"
	"github.com/pscheid92/minicom/internal/websocket"
)

// handleChatSocket upgrades the request and runs a chat session until the
// peer goes away. Identity problems are reported as close codes after the
// upgrade.
func (s *Server) handleChatSocket(c echo.Context) error {
	role, ok := domain.ParseRole(c.Param("role"))
	if !ok {
		return apperrors.NotFoundError("unknown chat role").WithContext("role", c.Param("role"))
	}

	ip := c.RealIP()
	if ok, reason := s.limits.Acquire(ip); !ok {
		metrics.WebSocketConnectionsRejected.WithLabelValues(string(reason)).Inc()
		return apperrors.RateLimitedError("connection limit exceeded").WithContext("reason", string(reason))
	}
	defer s.limits.Release(ip)

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader has already written the HTTP error.
		slog.DebugContext(c.Request().Context(), "WebSocket upgrade failed", "error", err)
		return nil
	}

	id, behavior, code, reason := s.admit(c, role)
	if code != 0 {
		metrics.WebSocketConnectionsRejected.WithLabelValues(reason).Inc()
		websocket.Reject(conn, code, reason)
		return nil
	}

	s.serveSession(c, conn, role, id, behavior, ip)
	return nil
}

// admit verifies the caller's token against the requested role. A non-zero
// code means the connection must be rejected with it.
func (s *Server) admit(c echo.Context, role domain.Role) (domain.Identity, consumer.Behavior, int, string) {
	id, err := s.auth.Verify(auth.TokenFromRequest(c.Request()))
	if err != nil {
		return domain.Identity{}, consumer.Behavior{}, consumer.CloseUnauthorized, consumer.ReasonUnauthorized
	}
	if id.Role != role {
		return domain.Identity{}, consumer.Behavior{}, consumer.CloseRejected, "forbidden"
	}
	behavior, err := s.behaviors.For(role)
	if err != nil {
		return domain.Identity{}, consumer.Behavior{}, consumer.CloseRejected, "forbidden"
	}
	return id, behavior, 0, ""
}

func (s *Server) serveSession(c echo.Context, conn *gorillaws.Conn, role domain.Role, id domain.Identity, behavior consumer.Behavior, ip string) {
	ctx := c.Request().Context()
	transport := websocket.NewConn(conn, s.clock)
	session := consumer.New(s.dispatcher, transport, behavior,
		consumer.WithPool(s.pool),
		consumer.WithClock(s.clock),
	)

	// The token stays out of the session scope.
	query := maps.Clone(c.QueryParams())
	query.Del("token")
	scope := consumer.Scope{
		Identity:   id,
		Params:     map[string]string{"role": string(role)},
		Query:      query,
		RemoteAddr: ip,
	}
	if err := session.Connect(ctx, scope); err != nil {
		slog.InfoContext(ctx, "Chat session rejected", "role", role, "error", err)
		<-transport.Done()
		return
	}

	s.sessions.Add(session)
	defer s.sessions.Remove(session)

	if err := transport.Serve(ctx, session); err != nil {
		slog.DebugContext(ctx, "WebSocket read ended", "connection_id", session.ID().String(), "error", err)
	}
	session.Disconnect(context.WithoutCancel(ctx), consumer.ReasonTransportClosed)
	<-transport.Done()
}

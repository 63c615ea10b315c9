package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/pscheid92/minicom/internal/auth"
	"github.com/pscheid92/minicom/internal/chat"
	"github.com/pscheid92/minicom/internal/domain"
	apperrors "github.com/pscheid92/minicom/internal/platform/errors"
)

// adminSubject is the token subject when the admin identifies without an email.
const adminSubject = "admin"

func (s *Server) registerAPIRoutes() {
	s.echo.POST("/api/identify", s.handleIdentify, newRateLimiter(identifyRatePerSecond, identifyBurst))

	admin := s.echo.Group("/api", s.requireAdmin)
	admin.GET("/participants", s.handleParticipants)
	admin.GET("/messages/:email", s.handleMessages)
	admin.POST("/send/:email", s.handleSend)
	admin.POST("/read/:email", s.handleMarkRead)
}

type identifyRequest struct {
	Email    string `json:"email" form:"email"`
	Password string `json:"password" form:"password"`
}

type identifyResponse struct {
	Token     string      `json:"token"`
	Email     string      `json:"email"`
	Role      domain.Role `json:"role"`
	ExpiresAt time.Time   `json:"expires_at"`
}

// handleIdentify hands out a user token for an email, or an admin token when
// the admin password is supplied.
func (s *Server) handleIdentify(c echo.Context) error {
	var req identifyRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.ValidationError("invalid request body")
	}

	id := domain.Identity{Subject: auth.NormalizeEmail(req.Email), Role: domain.RoleUser}
	if req.Password != "" {
		if err := s.auth.AuthenticateAdmin(req.Password); err != nil {
			return apperrors.UnauthorizedError("invalid admin credentials")
		}
		id.Role = domain.RoleAdmin
		if id.Subject == "" {
			id.Subject = adminSubject
		}
	}
	if id.Role == domain.RoleUser && !auth.ValidEmail(id.Subject) {
		return apperrors.ValidationError("a valid email is required").WithContext("email", req.Email)
	}

	ttl := s.config.TokenTTL
	token, err := s.auth.Issue(id, ttl)
	if err != nil {
		return apperrors.InternalError("failed to issue token", err)
	}

	response := identifyResponse{
		Token:     token,
		Email:     id.Subject,
		Role:      id.Role,
		ExpiresAt: s.clock.Now().Add(ttl).UTC(),
	}
	if err := c.JSON(http.StatusOK, response); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleParticipants(c echo.Context) error {
	participants, err := s.chat.Participants(c.Request().Context())
	if err != nil {
		return err
	}
	if err := c.JSON(http.StatusOK, map[string]any{"participants": participants}); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleMessages(c echo.Context) error {
	email, err := emailParam(c)
	if err != nil {
		return err
	}

	messages, err := s.chat.History(c.Request().Context(), email)
	if err != nil {
		return err
	}
	response := map[string]any{"email": email, "messages": messages}
	if err := c.JSON(http.StatusOK, response); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

type sendRequest struct {
	Message string `json:"message" form:"message"`
}

// handleSend stores an admin answer and pushes it to the visitor's room.
func (s *Server) handleSend(c echo.Context) error {
	email, err := emailParam(c)
	if err != nil {
		return err
	}
	var req sendRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.ValidationError("invalid request body")
	}

	ctx := c.Request().Context()
	msg, report, err := s.chat.Post(ctx, email, req.Message)
	switch {
	case errors.Is(err, chat.ErrEmptyMessage), errors.Is(err, chat.ErrMessageTooLong):
		return apperrors.ValidationError(err.Error()).WithContext("email", email)
	case err != nil:
		return err
	}
	slog.InfoContext(ctx, "Admin reply posted",
		"admin", requestSubject(c),
		"email", email,
		"message_id", msg.ID,
		"delivered", report.Delivered,
		"failed", len(report.Failures),
	)

	response := map[string]any{
		"message":   msg,
		"delivered": report.Delivered,
		"failed":    len(report.Failures),
	}
	if err := c.JSON(http.StatusCreated, response); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleMarkRead(c echo.Context) error {
	email, err := emailParam(c)
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	updated, err := s.chat.MarkRead(ctx, email)
	if err != nil {
		return err
	}
	slog.DebugContext(ctx, "Conversation marked read", "admin", requestSubject(c), "email", email, "updated", updated)
	if err := c.JSON(http.StatusOK, map[string]any{"email": email, "updated": updated}); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

// requestSubject is the subject of the identity requireAdmin attached.
func requestSubject(c echo.Context) string {
	if id, ok := auth.IdentityFrom(c.Request().Context()); ok {
		return id.Subject
	}
	return ""
}

func emailParam(c echo.Context) (string, error) {
	raw := c.Param("email")
	if unescaped, err := url.PathUnescape(raw); err == nil {
		raw = unescaped
	}
	email := auth.NormalizeEmail(raw)
	if !auth.ValidEmail(email) {
		return "", apperrors.ValidationError("invalid email").WithContext("email", raw)
	}
	return email, nil
}

package server

import (
	"github.com/labstack/echo/v4"

	"github.com/pscheid92/minicom/internal/auth"
	"github.com/pscheid92/minicom/internal/domain"
	"github.com/pscheid92/minicom/internal/platform/correlation"
	apperrors "github.com/pscheid92/minicom/internal/platform/errors"
)

const (
	correlationHeader = "X-Correlation-ID"
	// subjectKey matches the key the error middleware logs.
	subjectKey = "subject"
)

// correlationMiddleware reuses a caller-supplied correlation ID or mints one,
// and echoes it in the response.
func correlationMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Request().Header.Get(correlationHeader)
		if id == "" || len(id) > 64 {
			id = correlation.NewID()
		}
		ctx := correlation.WithID(c.Request().Context(), id)
		c.SetRequest(c.Request().WithContext(ctx))
		c.Response().Header().Set(correlationHeader, id)
		return next(c)
	}
}

// requireAdmin admits requests carrying a valid admin token.
func (s *Server) requireAdmin(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		token := auth.TokenFromRequest(c.Request())
		if token == "" {
			return apperrors.UnauthorizedError("missing token")
		}
		id, err := s.auth.Verify(token)
		if err != nil {
			return apperrors.UnauthorizedError("invalid token")
		}
		if id.Role != domain.RoleAdmin {
			return apperrors.ForbiddenError("admin role required").WithContext("role", string(id.Role))
		}

		c.Set(subjectKey, id.Subject)
		c.SetRequest(c.Request().WithContext(auth.WithIdentity(c.Request().Context(), id)))
		return next(c)
	}
}

package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pscheid92/minicom/internal/domain"
)

func TestConstructors_StatusMapping(t *testing.T) {
	tests := []struct {
		err    *Error
		typ    ErrorType
		status int
	}{
		{ValidationError("bad"), TypeValidation, http.StatusBadRequest},
		{UnauthorizedError("no token"), TypeUnauthorized, http.StatusUnauthorized},
		{ForbiddenError("admins only"), TypeForbidden, http.StatusForbidden},
		{NotFoundError("missing"), TypeNotFound, http.StatusNotFound},
		{ConflictError("exists"), TypeConflict, http.StatusConflict},
		{RateLimitedError("slow down"), TypeRateLimited, http.StatusTooManyRequests},
		{InternalError("boom", nil), TypeInternal, http.StatusInternalServerError},
		{ExternalError("postgres down", nil), TypeExternal, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(string(tt.typ), func(t *testing.T) {
			assert.Equal(t, tt.typ, tt.err.Type)
			assert.Equal(t, tt.status, tt.err.HTTPStatus())
			assert.NotNil(t, tt.err.Context)
		})
	}
}

func TestError_MessageIncludesCause(t *testing.T) {
	cause := fmt.Errorf("connection reset")
	err := InternalError("failed to save message", cause)

	assert.Contains(t, err.Error(), "internal")
	assert.Contains(t, err.Error(), "failed to save message")
	assert.Contains(t, err.Error(), "connection reset")
	assert.ErrorIs(t, err, cause)
}

func TestError_NoCause(t *testing.T) {
	assert.NotContains(t, InternalError("oops", nil).Error(), "<nil>")
}

func TestWithContext(t *testing.T) {
	err := ValidationError("invalid email").
		WithContext("field", "email").
		WithContext("max_length", 254)

	resp := err.ToResponse()
	assert.Equal(t, "invalid email", resp.Error)
	assert.Equal(t, TypeValidation, resp.Type)
	assert.Equal(t, "email", resp.Context["field"])
	assert.Equal(t, 254, resp.Context["max_length"])
}

func TestWithContext_NilMap(t *testing.T) {
	err := (&Error{Type: TypeValidation, Message: "x"}).WithContext("k", "v")
	assert.Equal(t, "v", err.Context["k"])
}

func TestAsStructuredError(t *testing.T) {
	assert.Nil(t, AsStructuredError(nil))

	original := NotFoundError("participant not found")
	assert.Same(t, original, AsStructuredError(fmt.Errorf("wrapped: %w", original)))

	tests := []struct {
		name string
		err  error
		typ  ErrorType
	}{
		{"unauthorized", fmt.Errorf("verify: %w", domain.ErrUnauthorized), TypeUnauthorized},
		{"forbidden", domain.ErrForbidden, TypeForbidden},
		{"invalid group", fmt.Errorf("%w: %q", domain.ErrInvalidGroupName, "a b"), TypeValidation},
		{"not found", domain.ErrNotFound, TypeNotFound},
		{"storage", fmt.Errorf("save: %w", domain.ErrStorage), TypeExternal},
		{"plain", errors.New("something else"), TypeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.typ, AsStructuredError(tt.err).Type)
		})
	}
}

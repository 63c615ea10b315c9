// Package auth issues and verifies identity tokens.
//
// Visitors identify with an email and receive a user token. The single support
// admin additionally proves the shared admin password, checked against a bcrypt
// hash. Tokens are HS256 JWTs carrying the email as sub and the role.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/minicom/internal/domain"
	"github.com/pscheid92/minicom/internal/metrics"
	"golang.org/x/crypto/bcrypt"
)

const issuer = "minicom"

// Claims are the JWT claims of an identity token.
type Claims struct {
	Role domain.Role `json:"role"`
	jwt.RegisteredClaims
}

// Provider signs and verifies identity tokens.
type Provider struct {
	secret    []byte
	adminHash []byte
	clock     clockwork.Clock
}

func NewProvider(secret, adminPasswordHash string, clock clockwork.Clock) *Provider {
	return &Provider{secret: []byte(secret), adminHash: []byte(adminPasswordHash), clock: clock}
}

// Issue signs a token for id that expires after ttl.
func (p *Provider) Issue(id domain.Identity, ttl time.Duration) (string, error) {
	if id.Subject == "" {
		return "", errors.New("empty subject")
	}
	if _, ok := domain.ParseRole(string(id.Role)); !ok {
		return "", fmt.Errorf("unknown role %q", id.Role)
	}

	now := p.clock.Now()
	claims := Claims{
		Role: id.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   id.Subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
}

// Verify checks signature, expiry and claims. Every failure wraps
// domain.ErrUnauthorized.
func (p *Provider) Verify(token string) (domain.Identity, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims,
		func(*jwt.Token) (any, error) { return p.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(p.clock.Now),
	)
	if err != nil {
		metrics.AuthAttemptsTotal.WithLabelValues("token", "rejected").Inc()
		return domain.Identity{}, fmt.Errorf("%w: %w", domain.ErrUnauthorized, err)
	}

	role, ok := domain.ParseRole(string(claims.Role))
	if !ok || claims.Subject == "" {
		metrics.AuthAttemptsTotal.WithLabelValues("token", "rejected").Inc()
		return domain.Identity{}, fmt.Errorf("%w: incomplete claims", domain.ErrUnauthorized)
	}

	metrics.AuthAttemptsTotal.WithLabelValues("token", "accepted").Inc()
	return domain.Identity{Subject: claims.Subject, Role: role}, nil
}

// AuthenticateAdmin compares password against the configured bcrypt hash.
func (p *Provider) AuthenticateAdmin(password string) error {
	if err := bcrypt.CompareHashAndPassword(p.adminHash, []byte(password)); err != nil {
		metrics.AuthAttemptsTotal.WithLabelValues("admin_password", "rejected").Inc()
		return fmt.Errorf("%w: invalid admin credentials", domain.ErrUnauthorized)
	}
	metrics.AuthAttemptsTotal.WithLabelValues("admin_password", "accepted").Inc()
	return nil
}

// NormalizeEmail trims and lowercases an email address.
func NormalizeEmail(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

// ValidEmail reports whether s is a bare address such as "a@x.com".
func ValidEmail(s string) bool {
	if s == "" || len(s) > 255 {
		return false
	}
	addr, err := mail.ParseAddress(s)
	return err == nil && addr.Address == s
}

// TokenFromRequest returns the bearer token from the Authorization header, or
// the "token" query parameter. Browsers cannot set headers on websocket
// upgrades, hence the fallback.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(tok)
		}
	}
	return r.URL.Query().Get("token")
}

type ctxKey int

const identityKey ctxKey = 1

// WithIdentity attaches a verified identity to ctx.
func WithIdentity(ctx context.Context, id domain.Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFrom returns the identity attached by WithIdentity.
func IdentityFrom(ctx context.Context) (domain.Identity, bool) {
	id, ok := ctx.Value(identityKey).(domain.Identity)
	return id, ok
}

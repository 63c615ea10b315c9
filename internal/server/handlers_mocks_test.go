package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/pscheid92/minicom/internal/auth"
	"github.com/pscheid92/minicom/internal/broadcast"
	"github.com/pscheid92/minicom/internal/chat"
	"github.com/pscheid92/minicom/internal/database"
	"github.com/pscheid92/minicom/internal/domain"
	"github.com/pscheid92/minicom/internal/platform/config"
	"github.com/pscheid92/minicom/internal/platform/workerpool"
)

const (
	testSecret        = "test-secret-that-is-long-enough-for-hs256"
	testAdminPassword = "correct horse"
)

type testEnv struct {
	srv        *Server
	auth       *auth.Provider
	store      *database.MemoryStore
	dispatcher *broadcast.Dispatcher
	clock      *clockwork.FakeClock
}

func newTestConfig() *config.Config {
	return &config.Config{
		AppEnv:                  "test",
		Port:                    "0",
		TokenTTL:                time.Hour,
		AllowedOrigins:          "http://localhost:8080",
		MaxWebSocketConnections: 100,
		MaxConnectionsPerIP:     100,
		ConnectionRate:          100,
		ConnectionBurst:         100,
		MailboxSize:             64,
		WorkerPoolSize:          4,
		ShutdownTimeout:         time.Second,
	}
}

type envOption func(cfg *config.Config, deps *Deps)

func withChat(svc chatService) envOption {
	return func(_ *config.Config, deps *Deps) { deps.Chat = svc }
}

func withHealthChecks(checks ...HealthCheck) envOption {
	return func(_ *config.Config, deps *Deps) { deps.HealthChecks = checks }
}

func withConfig(fn func(cfg *config.Config)) envOption {
	return func(cfg *config.Config, _ *Deps) { fn(cfg) }
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte(testAdminPassword), bcrypt.MinCost)
	require.NoError(t, err)

	clock := clockwork.NewFakeClock()
	provider := auth.NewProvider(testSecret, string(hash), clock)
	store := database.NewMemoryStore(clock)
	dispatcher := broadcast.NewDispatcher()
	pool := workerpool.New(4)
	t.Cleanup(func() { _ = pool.Close(context.Background()) })

	svc := chat.NewService(store, dispatcher)
	cfg := newTestConfig()
	deps := Deps{
		Auth:       provider,
		Chat:       svc,
		Behaviors:  chat.NewBehaviors(svc),
		Dispatcher: dispatcher,
		Pool:       pool,
		Clock:      clock,
	}
	for _, opt := range opts {
		opt(cfg, &deps)
	}

	return &testEnv{
		srv:        NewServer(cfg, deps),
		auth:       provider,
		store:      store,
		dispatcher: dispatcher,
		clock:      clock,
	}
}

func (e *testEnv) token(t *testing.T, subject string, role domain.Role) string {
	t.Helper()
	tok, err := e.auth.Issue(domain.Identity{Subject: subject, Role: role}, time.Hour)
	require.NoError(t, err)
	return tok
}

// do sends a request through the full middleware chain.
func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

// --- Mock implementations ---

type mockChatService struct {
	historyFn      func(ctx context.Context, email string) ([]domain.Message, error)
	participantsFn func(ctx context.Context) ([]domain.Participant, error)
	markReadFn     func(ctx context.Context, email string) (int64, error)
	postFn         func(ctx context.Context, email, content string) (domain.Message, broadcast.Report, error)
}

func (m *mockChatService) History(ctx context.Context, email string) ([]domain.Message, error) {
	if m.historyFn != nil {
		return m.historyFn(ctx, email)
	}
	return []domain.Message{}, nil
}

func (m *mockChatService) Participants(ctx context.Context) ([]domain.Participant, error) {
	if m.participantsFn != nil {
		return m.participantsFn(ctx)
	}
	return []domain.Participant{}, nil
}

func (m *mockChatService) MarkRead(ctx context.Context, email string) (int64, error) {
	if m.markReadFn != nil {
		return m.markReadFn(ctx, email)
	}
	return 0, nil
}

func (m *mockChatService) Post(ctx context.Context, email, content string) (domain.Message, broadcast.Report, error) {
	if m.postFn != nil {
		return m.postFn(ctx, email, content)
	}
	return domain.Message{}, broadcast.Report{}, errors.New("not implemented")
}

var errStoreDown = errors.New("connection refused")

func storageFailure() error {
	return errors.Join(domain.ErrStorage, errStoreDown)
}

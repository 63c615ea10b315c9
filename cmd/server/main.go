package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"

	"github.com/pscheid92/minicom/internal/auth"
	"github.com/pscheid92/minicom/internal/broadcast"
	"github.com/pscheid92/minicom/internal/chat"
	"github.com/pscheid92/minicom/internal/database"
	"github.com/pscheid92/minicom/internal/domain"
	"github.com/pscheid92/minicom/internal/platform/config"
	"github.com/pscheid92/minicom/internal/platform/logging"
	"github.com/pscheid92/minicom/internal/platform/retry"
	"github.com/pscheid92/minicom/internal/platform/version"
	"github.com/pscheid92/minicom/internal/platform/workerpool"
	"github.com/pscheid92/minicom/internal/redis"
	"github.com/pscheid92/minicom/internal/server"
	"github.com/pscheid92/minicom/internal/websocket"
)

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// slog is not configured yet
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

// setupStore returns the Postgres message repository, or an in-memory store
// when no DATABASE_URL is configured.
func setupStore(ctx context.Context, cfg *config.Config, clock clockwork.Clock) (domain.MessageStore, *pgxpool.Pool) {
	if cfg.DatabaseURL == "" {
		slog.Warn("DATABASE_URL not set, messages are kept in memory only")
		return database.NewMemoryStore(clock), nil
	}

	policy := retry.Startup(clock)
	policy.OnRetry = func(attempt int, err error, backoff time.Duration) {
		slog.Warn("Database not ready, retrying", "attempt", attempt, "backoff", backoff, "error", err)
	}
	pool, err := retry.Do(ctx, policy, retry.Transient, func(ctx context.Context) (*pgxpool.Pool, error) {
		return database.Connect(ctx, cfg.DatabaseURL)
	})
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}

	if err := database.RunMigrationsWithLock(ctx, pool); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}

	return database.NewMessageRepo(pool), pool
}

func setupRedis(ctx context.Context, cfg *config.Config, clock clockwork.Clock) *goredis.Client {
	if cfg.RedisURL == "" {
		slog.Info("REDIS_URL not set, running as a single instance")
		return nil
	}

	policy := retry.Startup(clock)
	policy.OnRetry = func(attempt int, err error, backoff time.Duration) {
		slog.Warn("Redis not ready, retrying", "attempt", attempt, "backoff", backoff, "error", err)
	}
	client, err := retry.Do(ctx, policy, retry.Transient, func(ctx context.Context) (*goredis.Client, error) {
		return redis.NewClient(ctx, cfg.RedisURL)
	})
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	return client
}

func healthChecks(store domain.MessageStore, redisClient *goredis.Client, relay *redis.Relay) []server.HealthCheck {
	checks := []server.HealthCheck{
		{Name: "store", Check: store.Ping},
	}
	if redisClient != nil {
		checks = append(checks,
			server.HealthCheck{Name: "redis", Check: func(ctx context.Context) error {
				return redisClient.Ping(ctx).Err()
			}},
			server.HealthCheck{Name: "relay", Check: func(context.Context) error {
				if !relay.Subscribed() {
					return errors.New("relay not subscribed")
				}
				return nil
			}},
		)
	}
	return checks
}

func runGracefulShutdown(cfg *config.Config, srv *server.Server, pool *workerpool.Pool, stopRelay context.CancelFunc) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}
		stopRelay()
		if err := pool.Close(shutdownCtx); err != nil {
			slog.Error("Worker pool shutdown error", "error", err)
		}

		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()
	ctx := context.Background()

	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port, "version", version.Get().Version)

	store, dbPool := setupStore(ctx, cfg, clock)
	if dbPool != nil {
		defer dbPool.Close()
	}

	dispatcher := broadcast.NewDispatcher(
		broadcast.WithMailboxSize(cfg.MailboxSize),
		broadcast.WithFailureHandler(func(f broadcast.DeliveryFailure) {
			slog.Debug("Delivery failed", "connection_id", f.ConnectionID.String(), "group", f.Group, "error", f.Reason)
		}),
	)

	relayCtx, stopRelay := context.WithCancel(ctx)
	defer stopRelay()

	var relay *redis.Relay
	redisClient := setupRedis(ctx, cfg, clock)
	if redisClient != nil {
		defer func() { _ = redisClient.Close() }()

		relay = redis.NewRelay(redisClient, uuid.NewString(), clock)
		outbound := broadcast.NewRelayQueue(relay, cfg.RelayQueueSize, cfg.RelayPublishTimeout)
		dispatcher.SetRelay(outbound)
		go outbound.Run(relayCtx)
		go func() {
			if err := relay.Run(relayCtx, dispatcher); err != nil {
				slog.Error("Relay stopped", "error", err)
			}
		}()
	}

	pool := workerpool.New(cfg.WorkerPoolSize)
	identity := auth.NewProvider(cfg.JWTSecret, cfg.AdminPasswordHash, clock)
	chatSvc := chat.NewService(store, dispatcher)

	srv := server.NewServer(cfg, server.Deps{
		Auth:         identity,
		Chat:         chatSvc,
		Behaviors:    chat.NewBehaviors(chatSvc),
		Dispatcher:   dispatcher,
		Pool:         pool,
		Sessions:     websocket.NewTracker(),
		HealthChecks: healthChecks(store, redisClient, relay),
		Clock:        clock,
	})

	done := runGracefulShutdown(cfg, srv, pool, stopRelay)

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}

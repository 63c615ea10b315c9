// Command migrate applies the embedded database migrations without starting
// the server, or reports the schema version with -status.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/url"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"

	"github.com/pscheid92/minicom/internal/database"
	"github.com/pscheid92/minicom/internal/platform/logging"
	"github.com/pscheid92/minicom/internal/platform/retry"
)

func main() {
	_ = godotenv.Load()

	var (
		databaseURL = flag.String("database", os.Getenv("DATABASE_URL"), "PostgreSQL URL (or set DATABASE_URL env)")
		status      = flag.Bool("status", false, "Only print the current and target schema version")
		timeout     = flag.Duration("timeout", 2*time.Minute, "Overall timeout")
		verbose     = flag.Bool("verbose", false, "Verbose logging")
	)
	flag.Parse()

	if *databaseURL == "" {
		log.Fatal("Database URL required (--database or DATABASE_URL env)")
	}

	level := "info"
	if *verbose {
		level = "debug"
	}
	logging.InitLogger(level, "text")

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	pool, err := retry.Do(ctx, retry.Startup(clockwork.NewRealClock()), retry.Transient, func(ctx context.Context) (*pgxpool.Pool, error) {
		return database.Connect(ctx, *databaseURL)
	})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pool.Close()
	slog.Info("Connected to database", "url", sanitizeURL(*databaseURL))

	if !*status {
		if err := database.RunMigrationsWithLock(ctx, pool); err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
	}

	current, target, err := database.MigrationStatus(ctx, pool)
	if err != nil {
		log.Fatalf("Failed to read schema version: %v", err)
	}
	slog.Info("Schema version", "current", current, "target", target, "up_to_date", int(current) == target)
}

// sanitizeURL hides the password in a connection URL.
func sanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	return u.Redacted()
}

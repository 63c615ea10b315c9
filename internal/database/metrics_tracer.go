package database

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/minicom/internal/metrics"
)

// MetricsTracer implements pgx.QueryTracer to collect database metrics.
type MetricsTracer struct {
	clock clockwork.Clock
}

var _ pgx.QueryTracer = (*MetricsTracer)(nil)

func NewMetricsTracer(clock clockwork.Clock) *MetricsTracer {
	return &MetricsTracer{clock: clock}
}

type queryContextKey struct{}

type queryContext struct {
	startTime time.Time
	queryName string
}

func (t *MetricsTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	return context.WithValue(ctx, queryContextKey{}, queryContext{
		startTime: t.clock.Now(),
		queryName: extractQueryName(data.SQL),
	})
}

func (t *MetricsTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	qctx, ok := ctx.Value(queryContextKey{}).(queryContext)
	if !ok {
		return
	}

	metrics.DBQueryDuration.WithLabelValues(qctx.queryName).Observe(t.clock.Since(qctx.startTime).Seconds())
	if data.Err != nil {
		metrics.DBErrorsTotal.WithLabelValues(qctx.queryName).Inc()
	}
}

// extractQueryName returns a low-cardinality label for a statement. Queries
// tagged with a leading "-- name: X" comment use X; anything else uses its
// lowercased first keyword.
func extractQueryName(sql string) string {
	sql = strings.TrimSpace(sql)
	if sql == "" {
		return "unknown"
	}

	if rest, ok := strings.CutPrefix(sql, "-- name:"); ok {
		name, _, _ := strings.Cut(strings.TrimSpace(rest), "\n")
		if fields := strings.Fields(name); len(fields) > 0 {
			return fields[0]
		}
	}

	first := strings.Fields(sql)[0]
	if len(first) > 20 {
		first = first[:20]
	}
	return strings.ToLower(first)
}

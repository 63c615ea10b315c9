package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pscheid92/minicom/internal/domain"
	"github.com/pscheid92/minicom/internal/metrics"
	"github.com/sony/gobreaker"
)

// messageColumns must match the Scan order in scanMessage.
const messageColumns = `id, participant_email, sender_type, content, created_at, is_read`

const (
	querySaveMessage = `-- name: SaveMessage
INSERT INTO messages (participant_email, sender_type, content)
VALUES ($1, $2, $3)
RETURNING ` + messageColumns

	queryHistory = `-- name: History
SELECT ` + messageColumns + `
FROM messages
WHERE participant_email = $1
ORDER BY created_at, id`

	queryParticipants = `-- name: Participants
SELECT participant_email,
       MAX(created_at),
       COUNT(*) FILTER (WHERE sender_type = 'user' AND NOT is_read)
FROM messages
GROUP BY participant_email
ORDER BY participant_email`

	queryMarkRead = `-- name: MarkRead
UPDATE messages
SET is_read = TRUE
WHERE participant_email = $1 AND sender_type = 'user' AND NOT is_read`
)

// querier is the subset of *pgxpool.Pool the repository needs.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

// BreakerSettings tunes the circuit breaker in front of PostgreSQL.
type BreakerSettings struct {
	MinRequests      uint32
	FailureRatio     float64
	Window           time.Duration
	OpenTimeout      time.Duration
	HalfOpenRequests uint32
}

// DefaultBreakerSettings trips at 60% failures over at least 5 requests in a
// 10s window and probes again after 30s.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		MinRequests:      5,
		FailureRatio:     0.6,
		Window:           10 * time.Second,
		OpenTimeout:      30 * time.Second,
		HalfOpenRequests: 1,
	}
}

// MessageRepo implements domain.MessageStore backed by PostgreSQL.
type MessageRepo struct {
	db querier
	cb *gobreaker.CircuitBreaker
}

var _ domain.MessageStore = (*MessageRepo)(nil)

func NewMessageRepo(db querier) *MessageRepo {
	return NewMessageRepoWithBreaker(db, DefaultBreakerSettings())
}

func NewMessageRepoWithBreaker(db querier, s BreakerSettings) *MessageRepo {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "postgres",
		MaxRequests: s.HalfOpenRequests,
		Interval:    s.Window,
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= s.MinRequests &&
				float64(counts.TotalFailures)/float64(counts.Requests) >= s.FailureRatio
		},
		IsSuccessful: func(err error) bool {
			// A caller giving up says nothing about database health.
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("Circuit breaker state changed", "component", name, "from", from.String(), "to", to.String())
			metrics.CircuitBreakerStateChanges.WithLabelValues(name, to.String()).Inc()
			metrics.CircuitBreakerState.WithLabelValues(name).Set(breakerStateToFloat(to))
		},
	})
	return &MessageRepo{db: db, cb: cb}
}

func breakerStateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

// State reports the breaker state for health checks.
func (r *MessageRepo) State() gobreaker.State {
	return r.cb.State()
}

func (r *MessageRepo) Save(ctx context.Context, email string, sender domain.SenderType, content string) (domain.Message, error) {
	return execute(r.cb, "save message", func() (domain.Message, error) {
		return scanMessage(r.db.QueryRow(ctx, querySaveMessage, email, string(sender), content))
	})
}

func (r *MessageRepo) History(ctx context.Context, email string) ([]domain.Message, error) {
	return execute(r.cb, "load history", func() ([]domain.Message, error) {
		rows, err := r.db.Query(ctx, queryHistory, email)
		if err != nil {
			return nil, err
		}
		msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Message, error) {
			return scanMessage(row)
		})
		if err != nil {
			return nil, err
		}
		if msgs == nil {
			msgs = []domain.Message{}
		}
		return msgs, nil
	})
}

func (r *MessageRepo) Participants(ctx context.Context) ([]domain.Participant, error) {
	return execute(r.cb, "list participants", func() ([]domain.Participant, error) {
		rows, err := r.db.Query(ctx, queryParticipants)
		if err != nil {
			return nil, err
		}
		out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Participant, error) {
			var p domain.Participant
			err := row.Scan(&p.Email, &p.LastMessageAt, &p.UnreadCount)
			p.LastMessageAt = p.LastMessageAt.UTC()
			return p, err
		})
		if err != nil {
			return nil, err
		}
		if out == nil {
			out = []domain.Participant{}
		}
		return out, nil
	})
}

func (r *MessageRepo) MarkRead(ctx context.Context, email string) (int64, error) {
	return execute(r.cb, "mark read", func() (int64, error) {
		tag, err := r.db.Exec(ctx, queryMarkRead, email)
		if err != nil {
			return 0, err
		}
		return tag.RowsAffected(), nil
	})
}

func (r *MessageRepo) Ping(ctx context.Context) error {
	_, err := execute(r.cb, "ping", func() (struct{}, error) {
		return struct{}{}, r.db.Ping(ctx)
	})
	return err
}

func scanMessage(row pgx.Row) (domain.Message, error) {
	var (
		m      domain.Message
		sender string
	)
	if err := row.Scan(&m.ID, &m.ParticipantEmail, &sender, &m.Content, &m.Timestamp, &m.IsRead); err != nil {
		return domain.Message{}, err
	}
	m.SenderType = domain.SenderType(sender)
	m.Timestamp = m.Timestamp.UTC()
	return m, nil
}

// execute runs fn through the breaker and wraps every failure as ErrStorage.
func execute[T any](cb *gobreaker.CircuitBreaker, op string, fn func() (T, error)) (T, error) {
	v, err := cb.Execute(func() (any, error) {
		res, err := fn()
		return res, err
	})
	if err != nil {
		var zero T
		return zero, fmt.Errorf("%w: %s: %w", domain.ErrStorage, op, err)
	}
	return v.(T), nil
}

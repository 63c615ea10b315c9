package broadcast

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/pscheid92/minicom/internal/domain"
	"github.com/pscheid92/minicom/internal/metrics"
)

const (
	DefaultRelayQueueSize      = 1024
	DefaultRelayPublishTimeout = 2 * time.Second
)

var ErrRelayQueueFull = errors.New("relay queue full")

type publication struct {
	ctx   context.Context
	group string
	ev    domain.Event
}

// RelayQueue is a Relay that hands publications to another Relay on a single
// goroutine, so Broadcast returns without waiting on the network. Publications
// leave in the order they were queued. A full queue drops the publication.
type RelayQueue struct {
	next    Relay
	timeout time.Duration
	queue   chan publication
}

var _ Relay = (*RelayQueue)(nil)

func NewRelayQueue(next Relay, size int, timeout time.Duration) *RelayQueue {
	if size < 1 {
		size = DefaultRelayQueueSize
	}
	if timeout <= 0 {
		timeout = DefaultRelayPublishTimeout
	}
	return &RelayQueue{next: next, timeout: timeout, queue: make(chan publication, size)}
}

// Publish queues ev without blocking. The caller's cancellation does not
// apply to the deferred publish; its values (correlation IDs) do.
func (q *RelayQueue) Publish(ctx context.Context, group string, ev domain.Event) error {
	select {
	case q.queue <- publication{ctx: context.WithoutCancel(ctx), group: group, ev: ev}:
		return nil
	default:
		metrics.RelayMessagesTotal.WithLabelValues("out", "dropped").Inc()
		return ErrRelayQueueFull
	}
}

// Len returns the number of queued publications.
func (q *RelayQueue) Len() int { return len(q.queue) }

// Run publishes queued events until ctx is cancelled. Each publish gets its
// own deadline so a stalled relay cannot hold the queue indefinitely.
func (q *RelayQueue) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			if n := len(q.queue); n > 0 {
				slog.Warn("Relay queue stopped with pending publications", "pending", n)
			}
			return
		case p := <-q.queue:
			q.publish(p)
		}
	}
}

func (q *RelayQueue) publish(p publication) {
	ctx, cancel := context.WithTimeout(p.ctx, q.timeout)
	defer cancel()

	if err := q.next.Publish(ctx, p.group, p.ev); err != nil {
		metrics.RelayMessagesTotal.WithLabelValues("out", "error").Inc()
		slog.WarnContext(ctx, "Relay publish failed", "group", p.group, "event_type", p.ev.Type, "error", err)
	}
}

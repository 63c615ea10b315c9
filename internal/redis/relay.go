package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/minicom/internal/broadcast"
	"github.com/pscheid92/minicom/internal/domain"
	"github.com/pscheid92/minicom/internal/metrics"
	goredis "github.com/redis/go-redis/v9"
)

const channelPrefix = "minicom:group:"

func groupChannel(group string) string {
	return channelPrefix + group
}

// relayMessage is the Pub/Sub payload. Origin lets an instance skip its own
// publications, which it already delivered locally.
type relayMessage struct {
	Origin string       `json:"origin"`
	Group  string       `json:"group"`
	Event  domain.Event `json:"event"`
	SentAt time.Time    `json:"sent_at"`
}

// LocalDeliverer performs local-only fan-out. *broadcast.Dispatcher implements it.
type LocalDeliverer interface {
	DeliverLocal(ctx context.Context, group string, ev domain.Event) broadcast.Report
}

// Relay carries group broadcasts between instances sharing one Redis.
type Relay struct {
	rdb    *goredis.Client
	nodeID string
	clock  clockwork.Clock

	ready     chan struct{}
	readyOnce sync.Once
	active    atomic.Bool
}

var _ broadcast.Relay = (*Relay)(nil)

func NewRelay(rdb *goredis.Client, nodeID string, clock clockwork.Clock) *Relay {
	return &Relay{rdb: rdb, nodeID: nodeID, clock: clock, ready: make(chan struct{})}
}

func (r *Relay) NodeID() string { return r.nodeID }

// Ready is closed once Run holds a confirmed subscription.
func (r *Relay) Ready() <-chan struct{} { return r.ready }

// Subscribed reports whether Run has subscribed and not yet returned.
func (r *Relay) Subscribed() bool {
	return r.active.Load()
}

// Publish sends ev to every other instance with members in group.
func (r *Relay) Publish(ctx context.Context, group string, ev domain.Event) error {
	data, err := json.Marshal(relayMessage{Origin: r.nodeID, Group: group, Event: ev, SentAt: r.clock.Now()})
	if err != nil {
		return fmt.Errorf("failed to marshal relay message: %w", err)
	}
	if err := r.rdb.Publish(ctx, groupChannel(group), data).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", group, err)
	}
	metrics.RelayMessagesTotal.WithLabelValues("out", "published").Inc()
	return nil
}

// Run subscribes to every group channel and hands foreign messages to local
// until ctx is cancelled. It returns an error only if the subscription cannot
// be established.
func (r *Relay) Run(ctx context.Context, local LocalDeliverer) error {
	sub := r.rdb.PSubscribe(ctx, channelPrefix+"*")
	defer func() { _ = sub.Close() }()

	// Receive blocks until Redis confirms the subscription.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to relay channels: %w", err)
	}

	r.active.Store(true)
	metrics.PubSubSubscriptionActive.Set(1)
	defer func() {
		r.active.Store(false)
		metrics.PubSubSubscriptionActive.Set(0)
	}()
	r.readyOnce.Do(func() { close(r.ready) })
	slog.Info("Relay subscribed", "node_id", r.nodeID, "pattern", channelPrefix+"*")

	ch := sub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.handle(ctx, local, msg.Channel, msg.Payload)
		case <-ctx.Done():
			return nil
		}
	}
}

func (r *Relay) handle(ctx context.Context, local LocalDeliverer, channel, payload string) {
	var msg relayMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		metrics.RelayMessagesTotal.WithLabelValues("in", "invalid").Inc()
		slog.Warn("Dropping malformed relay message", "channel", channel, "error", err)
		return
	}

	if msg.Origin == r.nodeID {
		metrics.RelayMessagesTotal.WithLabelValues("in", "own").Inc()
		return
	}

	group := strings.TrimPrefix(channel, channelPrefix)
	if msg.Group != group {
		metrics.RelayMessagesTotal.WithLabelValues("in", "invalid").Inc()
		slog.Warn("Relay message group does not match channel", "channel", channel, "group", msg.Group)
		return
	}

	start := r.clock.Now()
	report := local.DeliverLocal(ctx, group, msg.Event)
	metrics.PubSubMessageLatency.Observe(r.clock.Since(start).Seconds())
	metrics.RelayMessagesTotal.WithLabelValues("in", "delivered").Inc()

	slog.Debug("Relay message delivered",
		"group", group,
		"event_type", msg.Event.Type,
		"origin", msg.Origin,
		"delivered", report.Delivered,
		"failed", len(report.Failures),
	)
}

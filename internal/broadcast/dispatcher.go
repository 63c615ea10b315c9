package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pscheid92/minicom/internal/domain"
	"github.com/pscheid92/minicom/internal/metrics"
)

// DeliveryFailure describes one member that did not receive, or failed to
// handle, a group event. Failures are collected, never raised to the caller.
type DeliveryFailure struct {
	ConnectionID domain.ConnectionID
	Group        string
	EventType    string
	Reason       error
}

func (f DeliveryFailure) Error() string {
	return fmt.Sprintf("deliver %q to %s in group %q: %v", f.EventType, f.ConnectionID, f.Group, f.Reason)
}

func (f DeliveryFailure) Unwrap() error { return f.Reason }

// Report summarises a broadcast. Delivered counts members whose mailbox
// accepted the event; handler outcomes arrive later via the failure handler.
type Report struct {
	Delivered int
	Failures  []DeliveryFailure
}

// Relay carries broadcasts to other instances.
type Relay interface {
	Publish(ctx context.Context, group string, ev domain.Event) error
}

// Dispatcher owns the registry and the group table and fans group events out
// to member mailboxes.
type Dispatcher struct {
	registry    *Registry
	groups      *GroupTable
	relay       Relay
	onFailure   func(DeliveryFailure)
	mailboxSize int
}

type Option func(*Dispatcher)

func WithRelay(r Relay) Option {
	return func(d *Dispatcher) { d.relay = r }
}

// WithFailureHandler observes every delivery failure, including handler
// errors that happen after Broadcast has returned.
func WithFailureHandler(fn func(DeliveryFailure)) Option {
	return func(d *Dispatcher) { d.onFailure = fn }
}

func WithMailboxSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.mailboxSize = n
		}
	}
}

func NewDispatcher(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry:    NewRegistry(),
		groups:      NewGroupTable(),
		mailboxSize: DefaultMailboxSize,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dispatcher) Registry() *Registry { return d.registry }
func (d *Dispatcher) Groups() *GroupTable { return d.groups }
func (d *Dispatcher) MailboxSize() int    { return d.mailboxSize }
func (d *Dispatcher) SetRelay(r Relay)    { d.relay = r }

// Join adds id to group. Joining twice is a no-op.
func (d *Dispatcher) Join(group string, id domain.ConnectionID) error {
	if !ValidGroupName(group) {
		return fmt.Errorf("%w: %q", domain.ErrInvalidGroupName, group)
	}
	if d.groups.Join(group, id) {
		metrics.GroupMembershipChanges.WithLabelValues("join").Inc()
	}
	return nil
}

// Leave removes id from group. Leaving a group id is not in is a no-op.
func (d *Dispatcher) Leave(group string, id domain.ConnectionID) {
	if d.groups.Leave(group, id) {
		metrics.GroupMembershipChanges.WithLabelValues("leave").Inc()
	}
}

// Broadcast delivers ev to every local member of group and publishes it to
// the relay when one is configured.
func (d *Dispatcher) Broadcast(ctx context.Context, group string, ev domain.Event) Report {
	report := d.fanOut(group, ev)
	metrics.BroadcastsTotal.WithLabelValues("local").Inc()

	if d.relay != nil && ValidGroupName(group) {
		if err := d.relay.Publish(ctx, group, ev); err != nil {
			metrics.RelayMessagesTotal.WithLabelValues("out", "error").Inc()
			slog.WarnContext(ctx, "Relay publish failed", "group", group, "event_type", ev.Type, "error", err)
		}
	}
	return report
}

// DeliverLocal fans ev out to local members only. It is the entry point for
// events received from the relay.
func (d *Dispatcher) DeliverLocal(_ context.Context, group string, ev domain.Event) Report {
	metrics.BroadcastsTotal.WithLabelValues("remote").Inc()
	return d.fanOut(group, ev)
}

func (d *Dispatcher) fanOut(group string, ev domain.Event) Report {
	start := time.Now()
	defer func() { metrics.BroadcastDuration.Observe(time.Since(start).Seconds()) }()

	var report Report
	env := Envelope{Group: group, Event: ev}

	for _, id := range d.groups.Members(group) {
		err := d.registry.Deliver(id, env)
		if err == nil {
			report.Delivered++
			metrics.BroadcastDeliveries.WithLabelValues("delivered").Inc()
			continue
		}

		f := DeliveryFailure{ConnectionID: id, Group: group, EventType: ev.Type, Reason: err}
		report.Failures = append(report.Failures, f)
		metrics.BroadcastDeliveries.WithLabelValues(failureLabel(err)).Inc()
		d.ReportFailure(f)
	}
	return report
}

// ReportFailure passes f to the failure handler, or logs it when none is set.
func (d *Dispatcher) ReportFailure(f DeliveryFailure) {
	if d.onFailure != nil {
		d.onFailure(f)
		return
	}
	slog.Debug("Group delivery failed", "connection_id", f.ConnectionID, "group", f.Group, "event_type", f.EventType, "error", f.Reason)
}

func failureLabel(err error) string {
	switch {
	case errors.Is(err, domain.ErrUnknownConnection):
		return "unknown_connection"
	case errors.Is(err, domain.ErrSlowConsumer):
		return "slow_consumer"
	default:
		return "error"
	}
}

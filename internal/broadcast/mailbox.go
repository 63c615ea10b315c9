package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pscheid92/minicom/internal/domain"
	"github.com/pscheid92/minicom/internal/metrics"
)

// DefaultMailboxSize is the per-connection queue capacity used when none is configured.
const DefaultMailboxSize = 64

// HandlerFunc processes one envelope on the mailbox goroutine.
type HandlerFunc func(ctx context.Context, env Envelope) error

// Mailbox is a bounded FIFO queue with a single consumer goroutine. It holds
// queued envelopes until Open is called and disconnects its owner on overflow
// instead of blocking the sender.
type Mailbox struct {
	id      domain.ConnectionID
	queue   chan Envelope
	handler HandlerFunc

	isMember   func(group string) bool
	onOverflow func()
	onFailure  func(DeliveryFailure)

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	stopped bool

	gate         chan struct{}
	openOnce     sync.Once
	stopOnce     sync.Once
	overflowOnce sync.Once
	exited       chan struct{}
}

type MailboxOption func(*Mailbox)

// WithCapacity sets the queue size.
func WithCapacity(n int) MailboxOption {
	return func(m *Mailbox) {
		if n > 0 {
			m.queue = make(chan Envelope, n)
		}
	}
}

// WithMembership filters envelopes for groups the owner no longer belongs to.
func WithMembership(isMember func(group string) bool) MailboxOption {
	return func(m *Mailbox) { m.isMember = isMember }
}

// WithOverflow is called once, on its own goroutine, when the queue fills up.
func WithOverflow(fn func()) MailboxOption {
	return func(m *Mailbox) { m.onOverflow = fn }
}

// WithFailureReporter receives handler errors and recovered panics.
func WithFailureReporter(fn func(DeliveryFailure)) MailboxOption {
	return func(m *Mailbox) { m.onFailure = fn }
}

func NewMailbox(id domain.ConnectionID, handler HandlerFunc, opts ...MailboxOption) *Mailbox {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Mailbox{
		id:      id,
		queue:   make(chan Envelope, DefaultMailboxSize),
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
		gate:    make(chan struct{}),
		exited:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	go m.run()
	return m
}

// Deliver enqueues env without blocking.
func (m *Mailbox) Deliver(env Envelope) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.stopped {
		return fmt.Errorf("mailbox %s stopped: %w", m.id, domain.ErrUnknownConnection)
	}

	select {
	case m.queue <- env:
		return nil
	default:
	}

	m.overflowOnce.Do(func() {
		metrics.MailboxOverflowsTotal.Inc()
		slog.Warn("Mailbox overflow, disconnecting slow consumer", "connection_id", m.id, "capacity", cap(m.queue))
		if m.onOverflow != nil {
			go m.onOverflow()
		}
	})
	return fmt.Errorf("mailbox %s full: %w", m.id, domain.ErrSlowConsumer)
}

// Open releases queued envelopes to the handler.
func (m *Mailbox) Open() {
	m.openOnce.Do(func() { close(m.gate) })
}

// Stop rejects further deliveries and ends the consumer goroutine after the
// envelope in progress. It does not wait, so it is safe to call from a handler.
func (m *Mailbox) Stop() {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		m.stopped = true
		m.mu.Unlock()
		m.cancel()
	})
}

// Done is closed once the consumer goroutine has exited.
func (m *Mailbox) Done() <-chan struct{} {
	return m.exited
}

// Len returns the number of queued envelopes.
func (m *Mailbox) Len() int {
	return len(m.queue)
}

func (m *Mailbox) run() {
	defer close(m.exited)

	select {
	case <-m.gate:
	case <-m.ctx.Done():
		return
	}

	for {
		select {
		case <-m.ctx.Done():
			return
		case env := <-m.queue:
			if m.ctx.Err() != nil {
				return
			}
			m.dispatch(env)
		}
	}
}

func (m *Mailbox) dispatch(env Envelope) {
	if m.isMember != nil && !m.isMember(env.Group) {
		metrics.MailboxStaleDropped.Inc()
		return
	}

	err := m.invoke(env)
	if err == nil {
		return
	}
	metrics.HandlerFailuresTotal.WithLabelValues(handlerFailureKind(err)).Inc()
	m.report(DeliveryFailure{
		ConnectionID: m.id,
		Group:        env.Group,
		EventType:    env.Event.Type,
		Reason:       err,
	})
}

func (m *Mailbox) invoke(env Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	return m.handler(m.ctx, env)
}

func (m *Mailbox) report(f DeliveryFailure) {
	if m.onFailure != nil {
		m.onFailure(f)
		return
	}
	slog.Warn("Group event handler failed", "connection_id", f.ConnectionID, "group", f.Group, "event_type", f.EventType, "error", f.Reason)
}

// PanicError wraps a value recovered from a group handler.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string { return fmt.Sprintf("group handler panicked: %v", e.Value) }

func handlerFailureKind(err error) string {
	var pe *PanicError
	switch {
	case errors.As(err, &pe):
		return "panic"
	case errors.Is(err, domain.ErrUnknownEventType):
		return "unknown_type"
	default:
		return "error"
	}
}

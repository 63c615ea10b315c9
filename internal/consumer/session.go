package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/pscheid92/minicom/internal/broadcast"
	"github.com/pscheid92/minicom/internal/domain"
	"github.com/pscheid92/minicom/internal/metrics"
	"github.com/pscheid92/minicom/internal/platform/correlation"
	"github.com/pscheid92/minicom/internal/platform/logging"
	"github.com/pscheid92/minicom/internal/platform/workerpool"
)

// Session is the consumer instance for one connection.
type Session struct {
	id          domain.ConnectionID
	dispatcher  *broadcast.Dispatcher
	transport   Transport
	behavior    Behavior
	pool        *workerpool.Pool
	logger      *slog.Logger
	clock       clockwork.Clock
	mailboxSize int

	ctx    context.Context
	cancel context.CancelFunc
	closed chan struct{}

	mu         sync.RWMutex
	state      State
	groups     map[string]struct{}
	attrs      map[string]string
	scope      Scope
	mailbox    *broadcast.Mailbox
	registered bool
	openedAt   time.Time
}

type Option func(*Session)

// WithPool sets the worker pool used by Offload and Go.
func WithPool(p *workerpool.Pool) Option {
	return func(s *Session) { s.pool = p }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

func WithConnectionID(id domain.ConnectionID) Option {
	return func(s *Session) { s.id = id }
}

func WithClock(c clockwork.Clock) Option {
	return func(s *Session) { s.clock = c }
}

func WithMailboxSize(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.mailboxSize = n
		}
	}
}

func New(d *broadcast.Dispatcher, t Transport, b Behavior, opts ...Option) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:          domain.NewConnectionID(),
		dispatcher:  d,
		transport:   t,
		behavior:    b.clone(),
		clock:       clockwork.NewRealClock(),
		mailboxSize: d.MailboxSize(),
		ctx:         ctx,
		cancel:      cancel,
		closed:      make(chan struct{}),
		groups:      make(map[string]struct{}),
		attrs:       make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.WithConnection(s.id.String())
	}
	s.ctx = correlation.WithConnection(s.ctx, s.id.String())
	return s
}

func (s *Session) ID() domain.ConnectionID { return s.id }

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Done is closed when the session reaches StateClosed.
func (s *Session) Done() <-chan struct{} { return s.closed }

// Connect registers the session and runs OnConnect. It fails with
// domain.ErrConnectionRejected when registration fails, OnConnect returns an
// error, or OnConnect never accepts.
func (s *Session) Connect(ctx context.Context, scope Scope) error {
	s.mu.Lock()
	if s.state != StateCreated {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: connect in state %s", domain.ErrConnectionRejected, st)
	}
	s.state = StateConnecting
	s.scope = scope.clone()
	s.mailbox = broadcast.NewMailbox(s.id, s.handleGroupEvent,
		broadcast.WithCapacity(s.mailboxSize),
		broadcast.WithMembership(s.InGroup),
		broadcast.WithOverflow(func() { s.Disconnect(context.Background(), ReasonSlowConsumer) }),
		broadcast.WithFailureReporter(s.dispatcher.ReportFailure),
	)
	mb := s.mailbox
	s.mu.Unlock()

	if err := s.dispatcher.Registry().Register(s.id, mb); err != nil {
		mb.Stop()
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
		s.cancel()
		close(s.closed)
		_ = s.transport.Close(CloseRejected, ReasonRejected)
		metrics.SessionsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("%w: %w", domain.ErrConnectionRejected, err)
	}
	s.mu.Lock()
	s.registered = true
	s.mu.Unlock()

	ctx = correlation.WithConnection(ctx, s.id.String())
	err := s.runConnect(ctx)
	if err == nil && s.State() != StateOpen {
		err = errors.New("connection was not accepted")
	}
	if err != nil {
		metrics.SessionsTotal.WithLabelValues("rejected").Inc()
		s.logger.InfoContext(ctx, "Connection rejected", "error", err)
		s.Disconnect(ctx, ReasonRejected)
		return fmt.Errorf("%w: %w", domain.ErrConnectionRejected, err)
	}

	metrics.SessionsTotal.WithLabelValues("accepted").Inc()
	s.logger.DebugContext(ctx, "Session opened", "subject", s.scope.Identity.Subject)
	return nil
}

func (s *Session) runConnect(ctx context.Context) (err error) {
	if s.behavior.OnConnect == nil {
		return s.Accept()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("connect handler panicked: %v", r)
		}
	}()
	return s.behavior.OnConnect(ctx, s)
}

// Accept opens the session. Calling it again once open is a no-op.
func (s *Session) Accept() error {
	s.mu.Lock()
	switch s.state {
	case StateOpen:
		s.mu.Unlock()
		return nil
	case StateConnecting:
	default:
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("accept in state %s: %w", st, domain.ErrNotOpen)
	}
	s.state = StateOpen
	s.openedAt = s.clock.Now()
	mb := s.mailbox
	s.mu.Unlock()

	metrics.SessionsOpen.Inc()
	mb.Open()
	return nil
}

// Send writes ev to this session's own connection.
func (s *Session) Send(ctx context.Context, ev domain.Event) error {
	switch st := s.State(); st {
	case StateOpen:
	case StateCreated, StateConnecting:
		return fmt.Errorf("send %q: %w", ev.Type, domain.ErrNotAccepted)
	default:
		return fmt.Errorf("send %q in state %s: %w", ev.Type, st, domain.ErrNotOpen)
	}

	if err := s.transport.Send(ctx, ev); err != nil {
		if errors.Is(err, domain.ErrSlowConsumer) {
			go s.Disconnect(context.Background(), ReasonSlowConsumer)
		}
		return fmt.Errorf("send %q: %w", ev.Type, err)
	}
	return nil
}

// Receive routes an inbound client event to its handler. Unknown types and
// handler failures are answered with an error event; the session stays open.
// Only domain.ErrNotOpen means the caller should stop reading.
func (s *Session) Receive(ctx context.Context, ev domain.Event) error {
	if st := s.State(); st != StateOpen {
		return fmt.Errorf("receive %q in state %s: %w", ev.Type, st, domain.ErrNotOpen)
	}
	ctx = correlation.WithConnection(ctx, s.id.String())

	h, ok := s.behavior.Receive[ev.Type]
	if !ok {
		metrics.InboundEventsTotal.WithLabelValues("unknown_type").Inc()
		s.reply(ctx, ErrorEvent(CodeUnknownEventType, map[string]any{"event_type": ev.Type}))
		return fmt.Errorf("%w: %q", domain.ErrUnknownEventType, ev.Type)
	}

	if err := s.invoke(ctx, h, ev); err != nil {
		metrics.InboundEventsTotal.WithLabelValues("error").Inc()
		s.logger.WarnContext(ctx, "Event handler failed", "event_type", ev.Type, "error", err)
		code, msg := describe(err)
		s.reply(ctx, ErrorEvent(code, map[string]any{"error": msg}))
		return fmt.Errorf("handle %q: %w", ev.Type, err)
	}

	metrics.InboundEventsTotal.WithLabelValues("handled").Inc()
	return nil
}

// ReceiveRaw decodes a JSON frame and passes it to Receive.
func (s *Session) ReceiveRaw(ctx context.Context, data []byte) error {
	ev, err := domain.DecodeEvent(data)
	if err != nil {
		if st := s.State(); st != StateOpen {
			return fmt.Errorf("receive in state %s: %w", st, domain.ErrNotOpen)
		}
		metrics.InboundEventsTotal.WithLabelValues("invalid").Inc()
		s.reply(ctx, ErrorEvent(CodeInvalidEvent, map[string]any{"error": err.Error()}))
		return err
	}
	return s.Receive(ctx, ev)
}

func (s *Session) invoke(ctx context.Context, h HandlerFunc, ev domain.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.ErrorContext(ctx, "Event handler panicked", "event_type", ev.Type, "panic", r)
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h(ctx, s, ev)
}

func (s *Session) reply(ctx context.Context, ev domain.Event) {
	if err := s.Send(ctx, ev); err != nil {
		s.logger.DebugContext(ctx, "Failed to send error event", "error", err)
	}
}

func (s *Session) handleGroupEvent(ctx context.Context, env broadcast.Envelope) error {
	h, ok := s.behavior.Group[env.Event.Type]
	if !ok {
		return fmt.Errorf("%w: %q", domain.ErrUnknownEventType, env.Event.Type)
	}
	ctx = correlation.WithConnection(ctx, s.id.String())
	return h(ctx, s, env.Event)
}

// Join adds the session to group.
func (s *Session) Join(_ context.Context, group string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkMutable(); err != nil {
		return err
	}
	if err := s.dispatcher.Join(group, s.id); err != nil {
		return err
	}
	s.groups[group] = struct{}{}
	return nil
}

// Leave removes the session from group. Leaving a group it is not in is a no-op.
func (s *Session) Leave(_ context.Context, group string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.groups, group)
	s.dispatcher.Leave(group, s.id)
	return nil
}

// SwitchGroup leaves from and joins to as one step. Once it returns, events
// broadcast to from are no longer handled, including ones already queued.
// An empty from only joins.
func (s *Session) SwitchGroup(_ context.Context, from, to string) error {
	if !broadcast.ValidGroupName(to) {
		return fmt.Errorf("%w: %q", domain.ErrInvalidGroupName, to)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkMutable(); err != nil {
		return err
	}
	if from != "" && from != to {
		delete(s.groups, from)
		s.dispatcher.Leave(from, s.id)
	}
	if err := s.dispatcher.Join(to, s.id); err != nil {
		return err
	}
	s.groups[to] = struct{}{}
	return nil
}

func (s *Session) checkMutable() error {
	if s.state != StateConnecting && s.state != StateOpen {
		return fmt.Errorf("membership change in state %s: %w", s.state, domain.ErrNotOpen)
	}
	return nil
}

// InGroup reports whether the session currently belongs to group.
func (s *Session) InGroup(group string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.groups[group]
	return ok
}

// Groups returns the session's groups in sorted order.
func (s *Session) Groups() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.groups))
}

// Broadcast sends ev to every member of group, this session included if it
// is a member.
func (s *Session) Broadcast(ctx context.Context, group string, ev domain.Event) broadcast.Report {
	return s.dispatcher.Broadcast(ctx, group, ev)
}

// Offload runs fn on the worker pool and waits for its result.
func (s *Session) Offload(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	if s.pool == nil {
		return fn(ctx)
	}
	return s.pool.Do(ctx, fn)
}

// Go runs fn on the worker pool without waiting. Its context ends with the
// session and its error is logged.
func (s *Session) Go(fn func(ctx context.Context) error) {
	go func() {
		_, err := s.Offload(s.ctx, func(ctx context.Context) (any, error) {
			return nil, fn(ctx)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.WarnContext(s.ctx, "Background task failed", "error", err)
		}
	}()
}

// Offload is the typed form of Session.Offload.
func Offload[T any](ctx context.Context, s *Session, fn func(ctx context.Context) (T, error)) (T, error) {
	v, err := s.Offload(ctx, func(ctx context.Context) (any, error) {
		out, err := fn(ctx)
		return out, err
	})
	if err != nil {
		var zero T
		return zero, err
	}
	out, _ := v.(T)
	return out, nil
}

// Identity returns the verified identity from the connect scope.
func (s *Session) Identity() domain.Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scope.Identity
}

// Scope returns a copy of the connect scope.
func (s *Session) Scope() Scope {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scope.clone()
}

// SetAttr stores an application attribute. Attributes are frozen once the
// session is open.
func (s *Session) SetAttr(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnecting {
		return fmt.Errorf("set attribute %q in state %s: %w", key, s.state, domain.ErrNotOpen)
	}
	s.attrs[key] = value
	return nil
}

func (s *Session) Attr(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.attrs[key]
	return v, ok
}

// Attributes returns a copy of all attributes.
func (s *Session) Attributes() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.attrs)
}

// Disconnect closes the session: it leaves every group, runs OnDisconnect,
// unregisters, stops the mailbox and closes the transport. It is safe to call
// more than once and from any goroutine, including a handler.
func (s *Session) Disconnect(ctx context.Context, reason string) {
	s.mu.Lock()
	prev := s.state
	if prev == StateClosing || prev == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosing
	groups := s.groups
	s.groups = make(map[string]struct{})
	registered := s.registered
	mb := s.mailbox
	openedAt := s.openedAt
	s.mu.Unlock()

	ctx = correlation.WithConnection(ctx, s.id.String())

	for group := range groups {
		s.dispatcher.Leave(group, s.id)
	}

	if registered && s.behavior.OnDisconnect != nil {
		s.runDisconnect(ctx, reason)
	}

	if registered {
		if err := s.dispatcher.Registry().Unregister(s.id); err != nil && !errors.Is(err, domain.ErrNotFound) {
			s.logger.WarnContext(ctx, "Failed to unregister connection", "error", err)
		}
	}
	if mb != nil {
		mb.Stop()
	}
	if err := s.transport.Close(closeCode(reason), reason); err != nil {
		s.logger.DebugContext(ctx, "Transport close failed", "error", err)
	}

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
	s.cancel()
	close(s.closed)

	if prev == StateOpen {
		metrics.SessionsOpen.Dec()
		metrics.SessionDuration.Observe(s.clock.Since(openedAt).Seconds())
	}
	s.logger.DebugContext(ctx, "Session closed", "reason", reason, "groups_left", len(groups))
}

func (s *Session) runDisconnect(ctx context.Context, reason string) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.ErrorContext(ctx, "Disconnect handler panicked", "panic", r)
		}
	}()
	s.behavior.OnDisconnect(ctx, s, reason)
}

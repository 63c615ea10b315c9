package chat

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pscheid92/minicom/internal/broadcast"
	"github.com/pscheid92/minicom/internal/consumer"
	"github.com/pscheid92/minicom/internal/database"
	"github.com/pscheid92/minicom/internal/domain"
	"github.com/pscheid92/minicom/internal/platform/workerpool"
)

// flakyStore fails every call while fail is set.
type flakyStore struct {
	*database.MemoryStore
	fail atomic.Bool
}

func (f *flakyStore) down() error { return fmt.Errorf("%w: database down", domain.ErrStorage) }

func (f *flakyStore) Save(ctx context.Context, email string, sender domain.SenderType, content string) (domain.Message, error) {
	if f.fail.Load() {
		return domain.Message{}, f.down()
	}
	return f.MemoryStore.Save(ctx, email, sender, content)
}

func (f *flakyStore) History(ctx context.Context, email string) ([]domain.Message, error) {
	if f.fail.Load() {
		return nil, f.down()
	}
	return f.MemoryStore.History(ctx, email)
}

func (f *flakyStore) MarkRead(ctx context.Context, email string) (int64, error) {
	if f.fail.Load() {
		return 0, f.down()
	}
	return f.MemoryStore.MarkRead(ctx, email)
}

type recorder struct {
	mu     sync.Mutex
	sent   []domain.Event
	closed int
}

func (r *recorder) Send(_ context.Context, ev domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, ev)
	return nil
}

func (r *recorder) Close(code int, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = code
	return nil
}

func (r *recorder) ofType(t string) []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Event
	for _, ev := range r.sent {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type harness struct {
	dispatcher *broadcast.Dispatcher
	store      *flakyStore
	svc        *Service
	behaviors  *Behaviors
	pool       *workerpool.Pool
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	d := broadcast.NewDispatcher()
	store := &flakyStore{MemoryStore: database.NewMemoryStore(clockwork.NewFakeClock())}
	svc := NewService(store, d)
	pool := workerpool.New(4)
	t.Cleanup(func() { _ = pool.Close(context.Background()) })
	return &harness{dispatcher: d, store: store, svc: svc, behaviors: NewBehaviors(svc), pool: pool}
}

func (h *harness) connect(t *testing.T, id domain.Identity) (*consumer.Session, *recorder) {
	t.Helper()
	b, err := h.behaviors.For(id.Role)
	require.NoError(t, err)

	tr := &recorder{}
	s := consumer.New(h.dispatcher, tr, b, consumer.WithPool(h.pool))
	require.NoError(t, s.Connect(context.Background(), consumer.Scope{Identity: id}))
	t.Cleanup(func() { s.Disconnect(context.Background(), consumer.ReasonNormal) })
	return s, tr
}

func user(email string) domain.Identity {
	return domain.Identity{Subject: email, Role: domain.RoleUser}
}

var adminIdentity = domain.Identity{Subject: "support@minicom.test", Role: domain.RoleAdmin}

func messageOf(t *testing.T, ev domain.Event) domain.Message {
	t.Helper()
	msg, ok := ev.Get("message").(domain.Message)
	require.True(t, ok, "payload message is %T", ev.Get("message"))
	return msg
}

func waitFor(t *testing.T, r *recorder, eventType string, n int) []domain.Event {
	t.Helper()
	require.Eventually(t, func() bool { return len(r.ofType(eventType)) >= n }, time.Second, 5*time.Millisecond)
	return r.ofType(eventType)
}

func TestRoomFor(t *testing.T) {
	room := RoomFor("a+b@x.com")
	assert.True(t, strings.HasPrefix(room, "user_a-plus-b-at-x.com_"), room)
	assert.True(t, broadcast.ValidGroupName(room))
	assert.Equal(t, room, RoomFor("a+b@x.com"))

	long := RoomFor(strings.Repeat("x", 300) + "@x.com")
	assert.True(t, broadcast.ValidGroupName(long))
	assert.Len(t, long, broadcast.MaxGroupNameLength)
}

func TestRoomFor_DistinctAddressesGetDistinctRooms(t *testing.T) {
	pairs := [][2]string{
		{"a-b@x.com", "a!b@x.com"},
		{"jose@x.com", "josé@x.com"},
		{"a-at-b@c.io", "a@b-at-c.io"},
		{strings.Repeat("x", 120) + "1@x.com", strings.Repeat("x", 120) + "2@x.com"},
	}
	for _, p := range pairs {
		assert.NotEqual(t, RoomFor(p[0]), RoomFor(p[1]), "%s vs %s", p[0], p[1])
	}
}

func TestUser_LookalikeAddressesDoNotShareRoom(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	dash, dashTr := h.connect(t, user("a-b@x.com"))
	_, bangTr := h.connect(t, user("a!b@x.com"))

	require.NoError(t, dash.Receive(ctx, domain.NewEvent(EventMessage, map[string]any{"message": "private"})))

	waitFor(t, dashTr, EventMessage, 1)
	assert.Never(t, func() bool { return len(bangTr.ofType(EventMessage)) > 0 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestUser_ReceivesHistoryOnConnect(t *testing.T) {
	h := newHarness(t)
	_, err := h.store.Save(context.Background(), "a@x.com", domain.SenderUser, "earlier")
	require.NoError(t, err)

	s, tr := h.connect(t, user("a@x.com"))

	assert.Equal(t, []string{RoomFor("a@x.com")}, s.Groups())
	history := tr.ofType(EventHistory)
	require.Len(t, history, 1)
	msgs, ok := history[0].Get("messages").([]domain.Message)
	require.True(t, ok)
	require.Len(t, msgs, 1)
	assert.Equal(t, "earlier", msgs[0].Content)
}

func TestUser_HistoryFailureKeepsSessionOpen(t *testing.T) {
	h := newHarness(t)
	h.store.fail.Store(true)

	s, tr := h.connect(t, user("a@x.com"))

	assert.Equal(t, consumer.StateOpen, s.State())
	errs := tr.ofType("error")
	require.Len(t, errs, 1)
	assert.Equal(t, consumer.CodeStorageError, errs[0].String("code"))
}

func TestUser_MessageIsStoredAndEchoed(t *testing.T) {
	h := newHarness(t)
	s, tr := h.connect(t, user("a@x.com"))

	require.NoError(t, s.Receive(context.Background(), domain.NewEvent(EventMessage, map[string]any{"message": "  hi there  "})))

	got := messageOf(t, waitFor(t, tr, EventMessage, 1)[0])
	assert.Equal(t, "hi there", got.Content)
	assert.Equal(t, domain.SenderUser, got.SenderType)
	assert.Equal(t, "a@x.com", got.ParticipantEmail)

	stored, err := h.store.History(context.Background(), "a@x.com")
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestUser_BlankMessageIsIgnored(t *testing.T) {
	h := newHarness(t)
	s, tr := h.connect(t, user("a@x.com"))

	require.NoError(t, s.Receive(context.Background(), domain.NewEvent(EventMessage, map[string]any{"message": "   "})))
	require.NoError(t, s.Receive(context.Background(), domain.NewEvent(EventMessage, nil)))

	assert.Never(t, func() bool { return len(tr.ofType(EventMessage)) > 0 }, 50*time.Millisecond, 5*time.Millisecond)
	assert.Empty(t, tr.ofType("error"))
	stored, _ := h.store.History(context.Background(), "a@x.com")
	assert.Empty(t, stored)
}

func TestUser_TooLongMessageIsRejected(t *testing.T) {
	h := newHarness(t)
	s, tr := h.connect(t, user("a@x.com"))

	err := s.Receive(context.Background(), domain.NewEvent(EventMessage, map[string]any{"message": strings.Repeat("x", MaxMessageLength+1)}))
	assert.ErrorIs(t, err, ErrMessageTooLong)

	errs := tr.ofType("error")
	require.Len(t, errs, 1)
	assert.Equal(t, consumer.CodeInvalidEvent, errs[0].String("code"))
}

func TestUser_StorageFailureSendsErrorAndDoesNotBroadcast(t *testing.T) {
	h := newHarness(t)
	s, tr := h.connect(t, user("a@x.com"))
	_, adminTr := h.connect(t, adminIdentity)

	h.store.fail.Store(true)
	err := s.Receive(context.Background(), domain.NewEvent(EventMessage, map[string]any{"message": "hi"}))
	assert.ErrorIs(t, err, domain.ErrStorage)

	errs := tr.ofType("error")
	require.Len(t, errs, 1)
	assert.Equal(t, consumer.CodeStorageError, errs[0].String("code"))
	assert.Equal(t, "storage unavailable", errs[0].String("error"))
	assert.Never(t, func() bool {
		return len(tr.ofType(EventMessage)) > 0 || len(adminTr.ofType(EventMessage)) > 0
	}, 50*time.Millisecond, 5*time.Millisecond)
}

func TestUser_AdminEventsAreUnknown(t *testing.T) {
	h := newHarness(t)
	s, tr := h.connect(t, user("a@x.com"))

	err := s.Receive(context.Background(), domain.NewEvent("get_conversation", map[string]any{"email": "b@x.com"}))
	assert.ErrorIs(t, err, domain.ErrUnknownEventType)

	errs := tr.ofType("error")
	require.Len(t, errs, 1)
	assert.Equal(t, consumer.CodeUnknownEventType, errs[0].String("code"))
	assert.Equal(t, "get_conversation", errs[0].String("event_type"))
	assert.Equal(t, []string{RoomFor("a@x.com")}, s.Groups())
}

func TestAdmin_JoinsNothingOnConnect(t *testing.T) {
	h := newHarness(t)
	s, tr := h.connect(t, adminIdentity)

	assert.Empty(t, s.Groups())
	assert.Empty(t, tr.ofType(EventHistory))
	role, _ := s.Attr(AttrRole)
	assert.Equal(t, "admin", role)
}

func TestAdmin_ConnectRequiresAdminIdentity(t *testing.T) {
	h := newHarness(t)
	b, err := h.behaviors.For(domain.RoleAdmin)
	require.NoError(t, err)

	s := consumer.New(h.dispatcher, &recorder{}, b)
	err = s.Connect(context.Background(), consumer.Scope{Identity: user("a@x.com")})
	assert.ErrorIs(t, err, domain.ErrConnectionRejected)
	assert.Equal(t, consumer.StateClosed, s.State())
}

func TestBehaviors_UnknownRole(t *testing.T) {
	_, err := NewBehaviors(nil).For("root")
	assert.ErrorIs(t, err, domain.ErrForbidden)
}

func TestAdmin_GetConversationSwitchesRooms(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	userA, _ := h.connect(t, user("a@x.com"))
	userB, _ := h.connect(t, user("b@x.com"))
	admin, adminTr := h.connect(t, adminIdentity)

	require.NoError(t, userA.Receive(ctx, domain.NewEvent(EventMessage, map[string]any{"message": "from a"})))

	require.NoError(t, admin.Receive(ctx, domain.NewEvent("get_conversation", map[string]any{"email": "a@x.com"})))
	conv := adminTr.ofType(EventConversation)
	require.Len(t, conv, 1)
	assert.Equal(t, "a@x.com", conv[0].String("email"))
	msgs := conv[0].Get("messages").([]domain.Message)
	require.Len(t, msgs, 1)
	assert.Equal(t, "from a", msgs[0].Content)
	assert.Equal(t, []string{RoomFor("a@x.com")}, admin.Groups())

	require.NoError(t, admin.Receive(ctx, domain.NewEvent("get_conversation", map[string]any{"email": "b@x.com"})))
	assert.Equal(t, []string{RoomFor("b@x.com")}, admin.Groups())

	require.NoError(t, userA.Receive(ctx, domain.NewEvent(EventMessage, map[string]any{"message": "a again"})))
	require.NoError(t, userB.Receive(ctx, domain.NewEvent(EventMessage, map[string]any{"message": "from b"})))

	live := waitFor(t, adminTr, EventMessage, 1)
	assert.Never(t, func() bool { return len(adminTr.ofType(EventMessage)) > 1 }, 50*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, "from b", messageOf(t, live[0]).Content)
}

func TestAdmin_GetConversationRequiresEmail(t *testing.T) {
	h := newHarness(t)
	admin, tr := h.connect(t, adminIdentity)

	err := admin.Receive(context.Background(), domain.NewEvent("get_conversation", nil))
	assert.Error(t, err)

	errs := tr.ofType("error")
	require.Len(t, errs, 1)
	assert.Equal(t, consumer.CodeInvalidEvent, errs[0].String("code"))
	assert.Empty(t, admin.Groups())
}

func TestAdmin_MessageReachesUser(t *testing.T) {
	h := newHarness(t)
	_, userTr := h.connect(t, user("a+b@x.com"))
	admin, _ := h.connect(t, adminIdentity)

	require.NoError(t, admin.Receive(context.Background(), domain.NewEvent(EventMessage, map[string]any{
		"to":      "a+b@x.com",
		"message": "hello from support",
	})))

	got := messageOf(t, waitFor(t, userTr, EventMessage, 1)[0])
	assert.Equal(t, domain.SenderAdmin, got.SenderType)
	assert.Equal(t, "a+b@x.com", got.ParticipantEmail)
	assert.Equal(t, "hello from support", got.Content)
}

func TestAdmin_MessageTargetIsNormalized(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, userTr := h.connect(t, user("alice@x.com"))
	admin, adminTr := h.connect(t, adminIdentity)

	require.NoError(t, admin.Receive(ctx, domain.NewEvent(EventMessage, map[string]any{
		"to":      " Alice@X.com ",
		"message": "hi alice",
	})))

	got := messageOf(t, waitFor(t, userTr, EventMessage, 1)[0])
	assert.Equal(t, "alice@x.com", got.ParticipantEmail)

	participants, err := h.store.Participants(ctx)
	require.NoError(t, err)
	require.Len(t, participants, 1)
	assert.Equal(t, "alice@x.com", participants[0].Email)

	require.NoError(t, admin.Receive(ctx, domain.NewEvent("get_conversation", map[string]any{"email": "ALICE@x.com"})))
	conv := adminTr.ofType(EventConversation)
	require.Len(t, conv, 1)
	assert.Equal(t, "alice@x.com", conv[0].String("email"))
	assert.Len(t, conv[0].Get("messages").([]domain.Message), 1)
	assert.Equal(t, []string{RoomFor("alice@x.com")}, admin.Groups())
}

func TestAdmin_InvalidTargetIsRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	admin, tr := h.connect(t, adminIdentity)

	err := admin.Receive(ctx, domain.NewEvent(EventMessage, map[string]any{"to": "not-an-email", "message": "x"}))
	assert.Error(t, err)
	err = admin.Receive(ctx, domain.NewEvent("mark_read", map[string]any{"email": "Bob <bob@x.com>"}))
	assert.Error(t, err)

	errs := tr.ofType("error")
	require.Len(t, errs, 2)
	for _, e := range errs {
		assert.Equal(t, consumer.CodeInvalidEvent, e.String("code"))
	}
	participants, err := h.store.Participants(ctx)
	require.NoError(t, err)
	assert.Empty(t, participants)
}

func TestAdmin_MessageWithoutTargetIsIgnored(t *testing.T) {
	h := newHarness(t)
	admin, tr := h.connect(t, adminIdentity)

	require.NoError(t, admin.Receive(context.Background(), domain.NewEvent(EventMessage, map[string]any{"message": "lost"})))

	assert.Empty(t, tr.ofType("error"))
	participants, err := h.store.Participants(context.Background())
	require.NoError(t, err)
	assert.Empty(t, participants)
}

func TestAdmin_MarkRead(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	userA, userTr := h.connect(t, user("a@x.com"))
	admin, adminTr := h.connect(t, adminIdentity)

	for _, text := range []string{"one", "two"} {
		require.NoError(t, userA.Receive(ctx, domain.NewEvent(EventMessage, map[string]any{"message": text})))
	}
	waitFor(t, userTr, EventMessage, 2)

	require.NoError(t, admin.Receive(ctx, domain.NewEvent("mark_read", map[string]any{"email": "a@x.com"})))

	read := adminTr.ofType(EventRead)
	require.Len(t, read, 1)
	assert.Equal(t, "a@x.com", read[0].String("email"))
	assert.Equal(t, int64(2), read[0].Get("updated"))
}

func TestService_PostBroadcastsToRoom(t *testing.T) {
	h := newHarness(t)
	_, userTr := h.connect(t, user("a@x.com"))

	msg, report, err := h.svc.Post(context.Background(), "a@x.com", " reply ")
	require.NoError(t, err)
	assert.Equal(t, "reply", msg.Content)
	assert.Equal(t, 1, report.Delivered)
	assert.Empty(t, report.Failures)

	got := messageOf(t, waitFor(t, userTr, EventMessage, 1)[0])
	assert.Equal(t, msg.ID, got.ID)
}

func TestService_PostToOfflineVisitorStillStores(t *testing.T) {
	h := newHarness(t)

	_, report, err := h.svc.Post(context.Background(), "offline@x.com", "see you")
	require.NoError(t, err)
	assert.Zero(t, report.Delivered)

	stored, err := h.svc.History(context.Background(), "offline@x.com")
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestService_SaveValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.Save(ctx, "a@x.com", domain.SenderUser, "  ")
	assert.ErrorIs(t, err, ErrEmptyMessage)

	_, err = h.svc.Save(ctx, "a@x.com", domain.SenderUser, strings.Repeat("x", MaxMessageLength+1))
	assert.ErrorIs(t, err, ErrMessageTooLong)

	h.store.fail.Store(true)
	_, err = h.svc.Save(ctx, "a@x.com", domain.SenderUser, "hi")
	assert.ErrorIs(t, err, domain.ErrStorage)
}

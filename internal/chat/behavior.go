package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pscheid92/minicom/internal/auth"
	"github.com/pscheid92/minicom/internal/consumer"
	"github.com/pscheid92/minicom/internal/domain"
)

// Session attribute keys.
const (
	AttrEmail = "email"
	AttrRoom  = "room"
	AttrRole  = "role"
)

// Behaviors builds the per-role consumer behaviour. Handler tables differ by
// role, so an event meant for the other role is an unknown event type.
type Behaviors struct {
	svc *Service
}

func NewBehaviors(svc *Service) *Behaviors {
	return &Behaviors{svc: svc}
}

// For returns the behaviour for role.
func (b *Behaviors) For(role domain.Role) (consumer.Behavior, error) {
	switch role {
	case domain.RoleUser:
		return b.user(), nil
	case domain.RoleAdmin:
		return b.admin(), nil
	default:
		return consumer.Behavior{}, fmt.Errorf("%w: unknown role %q", domain.ErrForbidden, role)
	}
}

func (b *Behaviors) user() consumer.Behavior {
	return consumer.Behavior{
		OnConnect: b.userConnect,
		Receive: consumer.Handlers{
			EventMessage: b.userMessage,
		},
		Group: consumer.Handlers{
			EventChatMessage: relayChatMessage,
		},
		OnDisconnect: logDisconnect,
	}
}

func (b *Behaviors) admin() consumer.Behavior {
	return consumer.Behavior{
		OnConnect: adminConnect,
		Receive: consumer.Handlers{
			EventMessage:       b.adminMessage,
			"get_conversation": b.getConversation,
			"mark_read":        b.markRead,
		},
		Group: consumer.Handlers{
			EventChatMessage: relayChatMessage,
		},
		OnDisconnect: logDisconnect,
	}
}

// userConnect joins the visitor's own room, accepts, then sends the history.
func (b *Behaviors) userConnect(ctx context.Context, s *consumer.Session) error {
	id := s.Identity()
	if id.Role != domain.RoleUser || id.Subject == "" {
		return fmt.Errorf("%w: user connection without user identity", domain.ErrForbidden)
	}

	room := RoomFor(id.Subject)
	if err := s.SetAttr(AttrEmail, id.Subject); err != nil {
		return err
	}
	if err := s.SetAttr(AttrRoom, room); err != nil {
		return err
	}
	if err := s.SetAttr(AttrRole, string(domain.RoleUser)); err != nil {
		return err
	}
	if err := s.Join(ctx, room); err != nil {
		return err
	}
	if err := s.Accept(); err != nil {
		return err
	}

	history, err := consumer.Offload(ctx, s, func(ctx context.Context) ([]domain.Message, error) {
		return b.svc.History(ctx, id.Subject)
	})
	if err != nil {
		// The visitor can still chat; only the backlog is missing.
		slog.WarnContext(ctx, "Failed to load history on connect", "email", id.Subject, "error", err)
		return s.Send(ctx, consumer.ErrorEvent(consumer.CodeStorageError, map[string]any{"error": "storage unavailable"}))
	}
	return s.Send(ctx, domain.NewEvent(EventHistory, map[string]any{"messages": history}))
}

func adminConnect(ctx context.Context, s *consumer.Session) error {
	if !s.Identity().IsAdmin() {
		return fmt.Errorf("%w: admin connection without admin identity", domain.ErrForbidden)
	}
	if err := s.SetAttr(AttrEmail, s.Identity().Subject); err != nil {
		return err
	}
	if err := s.SetAttr(AttrRole, string(domain.RoleAdmin)); err != nil {
		return err
	}
	return s.Accept()
}

// userMessage stores the visitor's message and broadcasts it to their room,
// which echoes it back to every tab the visitor has open and to an admin
// viewing the conversation.
func (b *Behaviors) userMessage(ctx context.Context, s *consumer.Session, ev domain.Event) error {
	email, _ := s.Attr(AttrEmail)
	room, _ := s.Attr(AttrRoom)

	msg, err := b.save(ctx, s, email, domain.SenderUser, ev.String("message"))
	if err != nil || msg == nil {
		return err
	}
	s.Broadcast(ctx, room, ChatMessageEvent(*msg))
	return nil
}

// adminMessage stores an answer under the visitor's email and broadcasts it
// to their room.
func (b *Behaviors) adminMessage(ctx context.Context, s *consumer.Session, ev domain.Event) error {
	to := auth.NormalizeEmail(ev.String("to"))
	if to == "" {
		return nil
	}
	if !auth.ValidEmail(to) {
		return invalidEmail(to)
	}

	msg, err := b.save(ctx, s, to, domain.SenderAdmin, ev.String("message"))
	if err != nil || msg == nil {
		return err
	}
	s.Broadcast(ctx, RoomFor(to), ChatMessageEvent(*msg))
	return nil
}

// save returns a nil message without error for blank input, which is ignored.
func (b *Behaviors) save(ctx context.Context, s *consumer.Session, email string, sender domain.SenderType, text string) (*domain.Message, error) {
	msg, err := consumer.Offload(ctx, s, func(ctx context.Context) (domain.Message, error) {
		return b.svc.Save(ctx, email, sender, text)
	})
	switch {
	case errors.Is(err, ErrEmptyMessage):
		return nil, nil
	case errors.Is(err, ErrMessageTooLong):
		return nil, &consumer.EventError{Code: consumer.CodeInvalidEvent, Err: err}
	case err != nil:
		return nil, err
	}
	return &msg, nil
}

// getConversation moves the admin into the visitor's room, leaving the room
// viewed before, and sends the conversation so far.
func (b *Behaviors) getConversation(ctx context.Context, s *consumer.Session, ev domain.Event) error {
	email, err := requireEmail(ev)
	if err != nil {
		return err
	}

	if err := s.SwitchGroup(ctx, activeRoom(s), RoomFor(email)); err != nil {
		return err
	}

	history, err := consumer.Offload(ctx, s, func(ctx context.Context) ([]domain.Message, error) {
		return b.svc.History(ctx, email)
	})
	if err != nil {
		return err
	}
	return s.Send(ctx, domain.NewEvent(EventConversation, map[string]any{
		"email":    email,
		"messages": history,
	}))
}

func (b *Behaviors) markRead(ctx context.Context, s *consumer.Session, ev domain.Event) error {
	email, err := requireEmail(ev)
	if err != nil {
		return err
	}

	updated, err := consumer.Offload(ctx, s, func(ctx context.Context) (int64, error) {
		return b.svc.MarkRead(ctx, email)
	})
	if err != nil {
		return err
	}
	return s.Send(ctx, domain.NewEvent(EventRead, map[string]any{
		"email":   email,
		"updated": updated,
	}))
}

// relayChatMessage forwards a broadcast message to the client.
func relayChatMessage(ctx context.Context, s *consumer.Session, ev domain.Event) error {
	return s.Send(ctx, domain.NewEvent(EventMessage, map[string]any{"message": ev.Get("message")}))
}

func logDisconnect(ctx context.Context, s *consumer.Session, reason string) {
	email, _ := s.Attr(AttrEmail)
	role, _ := s.Attr(AttrRole)
	slog.DebugContext(ctx, "Chat session closed", "email", email, "role", role, "reason", reason)
}

// activeRoom is the one room an admin session belongs to, or "".
func activeRoom(s *consumer.Session) string {
	if groups := s.Groups(); len(groups) > 0 {
		return groups[0]
	}
	return ""
}

// requireEmail returns the event's email in the same normalized form user
// tokens carry.
func requireEmail(ev domain.Event) (string, error) {
	email := auth.NormalizeEmail(ev.String("email"))
	if email == "" {
		return "", &consumer.EventError{Code: consumer.CodeInvalidEvent, Err: errors.New("email is required")}
	}
	if !auth.ValidEmail(email) {
		return "", invalidEmail(email)
	}
	return email, nil
}

func invalidEmail(email string) error {
	return &consumer.EventError{Code: consumer.CodeInvalidEvent, Err: fmt.Errorf("invalid email %q", email)}
}

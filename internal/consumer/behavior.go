package consumer

import (
	"context"
	"maps"
	"net/url"

	"github.com/pscheid92/minicom/internal/domain"
)

// Transport is the outbound half of a connection.
type Transport interface {
	Send(ctx context.Context, ev domain.Event) error
	Close(code int, reason string) error
}

// HandlerFunc handles one event for one session.
type HandlerFunc func(ctx context.Context, s *Session, ev domain.Event) error

// Handlers maps event types to handlers.
type Handlers map[string]HandlerFunc

// Behavior is the application logic bound to a session. Handler tables are
// copied when the session is built and never change afterwards.
type Behavior struct {
	OnConnect    func(ctx context.Context, s *Session) error
	Receive      Handlers
	Group        Handlers
	OnDisconnect func(ctx context.Context, s *Session, reason string)
}

func (b Behavior) clone() Behavior {
	b.Receive = maps.Clone(b.Receive)
	b.Group = maps.Clone(b.Group)
	if b.Receive == nil {
		b.Receive = Handlers{}
	}
	if b.Group == nil {
		b.Group = Handlers{}
	}
	return b
}

// Scope is what the transport knows about the connection when it opens.
type Scope struct {
	Identity   domain.Identity
	Params     map[string]string
	Query      url.Values
	RemoteAddr string
}

func (sc Scope) clone() Scope {
	sc.Params = maps.Clone(sc.Params)
	if sc.Query != nil {
		q := make(url.Values, len(sc.Query))
		for k, v := range sc.Query {
			q[k] = append([]string(nil), v...)
		}
		sc.Query = q
	}
	return sc
}

// Param returns a path parameter.
func (sc Scope) Param(name string) string {
	return sc.Params[name]
}

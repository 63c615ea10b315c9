package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/pscheid92/minicom/internal/domain"
	"github.com/pscheid92/minicom/internal/metrics"
)

const (
	writeDeadline     = 5 * time.Second
	pingInterval      = 30 * time.Second
	pongDeadline      = 60 * time.Second
	messageBufferSize = 32
	maxMessageSize    = 64 << 10
)

// ErrConnClosed is returned by Send once the connection is closing.
var ErrConnClosed = errors.New("websocket connection closed")

// Receiver consumes inbound frames. *consumer.Session implements it.
type Receiver interface {
	ReceiveRaw(ctx context.Context, data []byte) error
}

type closeFrame struct {
	code   int
	reason string
}

// Conn is a consumer.Transport over a gorilla websocket connection.
type Conn struct {
	conn     *websocket.Conn
	clock    clockwork.Clock
	openedAt time.Time

	send    chan []byte
	closing chan closeFrame
	done    chan struct{}

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewConn takes ownership of conn and starts its writer.
func NewConn(conn *websocket.Conn, clock clockwork.Clock) *Conn {
	c := &Conn{
		conn:     conn,
		clock:    clock,
		openedAt: clock.Now(),
		send:     make(chan []byte, messageBufferSize),
		closing:  make(chan closeFrame, 1),
		done:     make(chan struct{}),
	}
	c.conn.SetReadLimit(maxMessageSize)
	c.configurePongHandler()

	metrics.WebSocketConnectionsCurrent.Inc()
	c.wg.Add(1)
	go c.run()
	return c
}

// Send queues ev for the writer. A full queue means the client is not
// keeping up and yields domain.ErrSlowConsumer.
func (c *Conn) Send(_ context.Context, ev domain.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode %q: %w", ev.Type, err)
	}

	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		return domain.ErrSlowConsumer
	}
}

// Close flushes queued frames, sends a close frame with code and reason and
// closes the connection. Later calls only wait for the first to finish.
func (c *Conn) Close(code int, reason string) error {
	c.closeOnce.Do(func() {
		c.closing <- closeFrame{code: code, reason: reason}
	})
	c.wg.Wait()
	return nil
}

// Done is closed once the writer has stopped and the connection is closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) run() {
	ticker := c.clock.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
		close(c.done)
		metrics.WebSocketConnectionsCurrent.Dec()
		metrics.WebSocketConnectionDuration.Observe(c.clock.Since(c.openedAt).Seconds())
		c.wg.Done()
	}()

	for {
		select {
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.Chan():
			c.updateWriteDeadline()
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				metrics.WebSocketPingFailures.Inc()
				return
			}
		case f := <-c.closing:
			// One deadline covers the flush and the close frame.
			c.updateWriteDeadline()
			c.flush()
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(f.code, f.reason))
			return
		}
	}
}

// flush writes whatever is still queued.
func (c *Conn) flush() {
	for {
		select {
		case msg := <-c.send:
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Conn) write(messageType int, data []byte) error {
	start := c.clock.Now()
	c.updateWriteDeadline()
	if err := c.conn.WriteMessage(messageType, data); err != nil {
		return err
	}
	metrics.WebSocketMessageSendDuration.Observe(c.clock.Since(start).Seconds())
	return nil
}

// Serve runs the read pump until the peer goes away, the connection is closed
// or r stops accepting frames. Only text frames are passed on.
func (c *Conn) Serve(ctx context.Context, r Receiver) error {
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return nil
			}
			select {
			case <-c.done:
				return nil
			default:
				return err
			}
		}
		c.updateReadDeadline()

		if messageType != websocket.TextMessage {
			continue
		}
		if err := r.ReceiveRaw(ctx, data); errors.Is(err, domain.ErrNotOpen) {
			return nil
		}
	}
}

func (c *Conn) configurePongHandler() {
	c.updateReadDeadline()
	c.conn.SetPongHandler(func(string) error {
		c.updateReadDeadline()
		return nil
	})
}

// Socket deadlines are wall-clock instants, so they use time.Now rather
// than the injected clock.
func (c *Conn) updateWriteDeadline() {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
}

func (c *Conn) updateReadDeadline() {
	_ = c.conn.SetReadDeadline(time.Now().Add(pongDeadline))
}

// Reject closes a freshly upgraded connection that will never get a session.
func Reject(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(writeDeadline)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = conn.Close()
}

package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("anonchat/signaling")

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	reconnectDelay = 2 * time.Second
	sendBuffer     = 64
)

// ErrClosed is returned by operations on a closed channel.
var ErrClosed = errors.New("signaling channel closed")

// ErrSendBufferFull is returned by Emit when the outbound queue is full,
// typically because the transport has been down for a while.
var ErrSendBufferFull = errors.New("signaling send buffer full")

// Frame is the wire envelope. Every message in both directions is a JSON
// object with an event name and an event-specific data object.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Handler processes the data payload of one inbound event. Handlers run
// sequentially on the read goroutine, so inbound ordering is preserved.
type Handler func(data json.RawMessage)

// Channel is a reconnecting duplex event channel to the matchmaking backend.
// Emit enqueues outbound frames; On registers at most one handler per event
// name. When the connection drops the channel redials until Close.
type Channel struct {
	url    string
	dialer *websocket.Dialer

	mu        sync.RWMutex
	handlers  map[string]Handler
	onConnect func(reconnected bool)
	onDrop    func()

	send chan []byte
	done chan struct{}

	closeOnce sync.Once
}

// New creates a channel for the given ws:// or wss:// URL. Nothing is dialed
// until Connect.
func New(url string) *Channel {
	return &Channel{
		url:      url,
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		handlers: make(map[string]Handler),
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
	}
}

// On registers the handler for an event name, replacing any previous handler
// for the same name. Registering the same event twice is therefore safe; only
// the latest handler sees deliveries. A nil handler unregisters.
func (c *Channel) On(event string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h == nil {
		delete(c.handlers, event)
		return
	}
	c.handlers[event] = h
}

// OnConnect registers a callback invoked after every successful dial. The
// argument is false for the first connection and true for reconnects.
func (c *Channel) OnConnect(fn func(reconnected bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnect = fn
}

// OnDisconnect registers a callback invoked each time an established
// connection is lost (not on failed redial attempts).
func (c *Channel) OnDisconnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDrop = fn
}

// Emit marshals the payload and queues a frame for sending. Frames queued
// while the transport is down are sent after reconnect, oldest first, until
// the buffer fills.
func (c *Channel) Emit(event string, payload any) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}
	frame, err := json.Marshal(Frame{Event: event, Data: data})
	if err != nil {
		return fmt.Errorf("marshal %s frame: %w", event, err)
	}

	select {
	case c.send <- frame:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Connect dials the backend, blocking until the first connection succeeds or
// ctx is done. After it returns, lost connections are redialed in the
// background until Close.
func (c *Channel) Connect(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	go c.run(conn)
	return nil
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.url, err)
	}
	return conn, nil
}

// run owns the connection lifecycle: serve the current connection until it
// fails, then redial with a fixed delay until Close.
func (c *Channel) run(conn *websocket.Conn) {
	reconnected := false
	for {
		c.notifyConnect(reconnected)
		c.serve(conn)
		select {
		case <-c.done:
			return
		default:
		}
		c.notifyDrop()
		log.Infow("connection lost, reconnecting", "url", c.url)

		for {
			select {
			case <-c.done:
				return
			case <-time.After(reconnectDelay):
			}
			next, err := c.dial(context.Background())
			if err != nil {
				log.Debugw("redial failed", "err", err)
				continue
			}
			conn = next
			break
		}
		reconnected = true
	}
}

// serve runs the read and write pumps for one connection and returns when
// either fails or the channel is closed.
func (c *Channel) serve(conn *websocket.Conn) {
	defer conn.Close()

	connDone := make(chan struct{})
	var once sync.Once
	stop := func() { once.Do(func() { close(connDone) }) }

	go c.writePump(conn, connDone, stop)
	c.readPump(conn, stop)

	<-connDone
}

func (c *Channel) readPump(conn *websocket.Conn, stop func()) {
	defer stop()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debugw("read failed", "err", err)
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(message, &frame); err != nil {
			log.Warnw("dropping malformed frame", "err", err)
			continue
		}

		c.mu.RLock()
		h := c.handlers[frame.Event]
		c.mu.RUnlock()
		if h == nil {
			log.Debugw("no handler for event", "event", frame.Event)
			continue
		}
		h(frame.Data)
	}
}

func (c *Channel) writePump(conn *websocket.Conn, connDone chan struct{}, stop func()) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		stop()
	}()

	for {
		select {
		case <-c.done:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-connDone:
			return
		case frame := <-c.send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Debugw("write failed", "err", err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Channel) notifyConnect(reconnected bool) {
	c.mu.RLock()
	fn := c.onConnect
	c.mu.RUnlock()
	if fn != nil {
		fn(reconnected)
	}
}

func (c *Channel) notifyDrop() {
	c.mu.RLock()
	fn := c.onDrop
	c.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

// Close stops the channel and its reconnect loop. Safe to call repeatedly.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

package signaling

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// testServer is a minimal in-process websocket endpoint that records inbound
// frames and can push frames to the most recent client connection.
type testServer struct {
	*httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    []*websocket.Conn
	received chan Frame
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{received: make(chan Frame, 16)}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := ts.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ts.mu.Lock()
		ts.conns = append(ts.conns, conn)
		ts.mu.Unlock()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var f Frame
			if err := json.Unmarshal(msg, &f); err != nil {
				continue
			}
			ts.received <- f
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func (ts *testServer) push(t *testing.T, event string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	frame, err := json.Marshal(Frame{Event: event, Data: data})
	if err != nil {
		t.Fatal(err)
	}
	ts.mu.Lock()
	conn := ts.conns[len(ts.conns)-1]
	ts.mu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("server push: %v", err)
	}
}

func (ts *testServer) dropAll() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for _, conn := range ts.conns {
		conn.Close()
	}
	ts.conns = nil
}

func dialTest(t *testing.T, ts *testServer) *Channel {
	t.Helper()
	c := New(ts.wsURL())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestEmitReachesServer(t *testing.T) {
	ts := newTestServer(t)
	c := dialTest(t, ts)

	if err := c.Emit("joinQueue", map[string]string{"userId": "u1"}); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	select {
	case f := <-ts.received:
		if f.Event != "joinQueue" {
			t.Fatalf("event = %q", f.Event)
		}
		var data map[string]string
		if err := json.Unmarshal(f.Data, &data); err != nil {
			t.Fatal(err)
		}
		if data["userId"] != "u1" {
			t.Fatalf("data = %v", data)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server never received frame")
	}
}

func TestOnReplacesHandler(t *testing.T) {
	ts := newTestServer(t)
	c := dialTest(t, ts)

	first := make(chan struct{}, 4)
	second := make(chan struct{}, 4)
	c.On("matchFound", func(json.RawMessage) { first <- struct{}{} })
	c.On("matchFound", func(json.RawMessage) { second <- struct{}{} })

	ts.push(t, "matchFound", map[string]string{"roomId": "r1"})

	select {
	case <-second:
	case <-time.After(5 * time.Second):
		t.Fatal("replacement handler never ran")
	}
	select {
	case <-first:
		t.Fatal("replaced handler still receiving")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMalformedFrameIsDropped(t *testing.T) {
	ts := newTestServer(t)
	c := dialTest(t, ts)

	got := make(chan struct{}, 1)
	c.On("message", func(json.RawMessage) { got <- struct{}{} })

	ts.mu.Lock()
	conn := ts.conns[len(ts.conns)-1]
	ts.mu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatal(err)
	}
	ts.push(t, "message", map[string]string{})

	// The valid frame after the garbage one must still be delivered.
	select {
	case <-got:
	case <-time.After(5 * time.Second):
		t.Fatal("handler not called after malformed frame")
	}
}

func TestReconnectAfterServerDrop(t *testing.T) {
	ts := newTestServer(t)
	c := New(ts.wsURL())

	reconnects := make(chan bool, 4)
	drops := make(chan struct{}, 4)
	c.OnConnect(func(reconnected bool) { reconnects <- reconnected })
	c.OnDisconnect(func() { drops <- struct{}{} })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	select {
	case r := <-reconnects:
		if r {
			t.Fatal("first connect reported as reconnect")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no initial connect callback")
	}

	ts.dropAll()

	select {
	case <-drops:
	case <-time.After(5 * time.Second):
		t.Fatal("no disconnect callback")
	}
	select {
	case r := <-reconnects:
		if !r {
			t.Fatal("redial reported as first connect")
		}
	case <-time.After(10 * time.Second):
		t.Fatal("never reconnected")
	}

	// The channel is usable again after the redial.
	if err := c.Emit("joinQueue", map[string]string{}); err != nil {
		t.Fatalf("Emit after reconnect: %v", err)
	}
	select {
	case f := <-ts.received:
		if f.Event != "joinQueue" {
			t.Fatalf("event = %q", f.Event)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("frame not delivered after reconnect")
	}
}

func TestEmitAfterCloseFails(t *testing.T) {
	ts := newTestServer(t)
	c := dialTest(t, ts)

	c.Close()
	c.Close()
	if err := c.Emit("joinQueue", map[string]string{}); err != ErrClosed {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}

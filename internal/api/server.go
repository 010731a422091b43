// Package api serves the local control surface: a loopback HTTP API that a
// UI or script drives the session through, plus an SSE event stream.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"anonchat-client/internal/chat"
	"anonchat-client/internal/session"
	"anonchat-client/internal/storage"
	"anonchat-client/internal/util"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("anonchat/api")

const debugEventCap = 256

// debugEvent is one session event with its arrival time, kept in a ring for
// /api/debug/events.
type debugEvent struct {
	At    time.Time     `json:"at"`
	Event session.Event `json:"event"`
}

// Controller is the slice of the session controller the API needs.
// *session.Controller satisfies it.
type Controller interface {
	Start() error
	Stop() error
	Next() error
	Close()
	Snapshot() session.Snapshot
	Subscribe() (<-chan session.Event, func())
	SendMessage(text string, kind chat.Kind) (chat.Message, error)
	SendVoiceMessage(ctx context.Context, filename string, blob io.Reader) (chat.Message, error)
	Typing() error
	SendFriendRequest() error
	RespondFriendRequest(accept bool) error
	Unfriend() error
	Friends() ([]storage.Friend, error)
}

// Server is the loopback HTTP server.
type Server struct {
	addr  string
	ctrl  Controller
	store *chat.Store
	debug *util.RingBuffer[debugEvent]

	srv       *http.Server
	stopDebug func()
}

// New builds the server. Debug event capture starts immediately when enabled;
// ListenAndServe starts the listener.
func New(addr string, ctrl Controller, store *chat.Store, debug bool) *Server {
	s := &Server{
		addr:  addr,
		ctrl:  ctrl,
		store: store,
	}
	if debug {
		s.debug = util.NewRingBuffer[debugEvent](debugEventCap)
		ch, cancel := ctrl.Subscribe()
		s.stopDebug = cancel
		go func() {
			for ev := range ch {
				s.debug.Push(debugEvent{At: time.Now(), Event: ev})
			}
		}()
	}

	mux := http.NewServeMux()
	s.register(mux)
	s.srv = &http.Server{
		Addr:    addr,
		Handler: localOnly(mux),
	}
	return s
}

// localOnly rejects non-loopback clients. The API has no auth; binding to
// 127.0.0.1 plus this check keeps it machine-local.
func localOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		ip := net.ParseIP(host)
		if ip == nil || !ip.IsLoopback() {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) register(mux *http.ServeMux) {
	// Session lifecycle.
	handlePost(mux, "/api/session/start", func(w http.ResponseWriter, _ *http.Request, _ struct{}) {
		if err := s.ctrl.Start(); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]string{"status": "searching"})
	})
	handlePost(mux, "/api/session/stop", func(w http.ResponseWriter, _ *http.Request, _ struct{}) {
		if err := s.ctrl.Stop(); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]string{"status": "idle"})
	})
	handlePost(mux, "/api/session/next", func(w http.ResponseWriter, _ *http.Request, _ struct{}) {
		if err := s.ctrl.Next(); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]string{"status": "searching"})
	})
	handleGet(mux, "/api/session", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, s.ctrl.Snapshot())
	})

	// Chat.
	handlePost(mux, "/api/chat/send", func(w http.ResponseWriter, _ *http.Request, req struct {
		Text string `json:"text"`
		Type string `json:"type"`
	}) {
		if req.Text == "" {
			http.Error(w, "missing text", http.StatusBadRequest)
			return
		}
		kind := chat.Kind(req.Type)
		if kind == "" {
			kind = chat.KindText
		}
		msg, err := s.ctrl.SendMessage(req.Text, kind)
		if err != nil {
			status := http.StatusInternalServerError
			if err == session.ErrNotConnected {
				status = http.StatusConflict
			}
			http.Error(w, err.Error(), status)
			return
		}
		writeJSON(w, msg)
	})
	handlePost(mux, "/api/chat/typing", func(w http.ResponseWriter, _ *http.Request, _ struct{}) {
		if err := s.ctrl.Typing(); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		writeJSON(w, map[string]string{"status": "ok"})
	})
	handleGet(mux, "/api/chat/messages", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, s.store.Messages())
	})

	// POST /api/chat/voice — multipart field "file" with the recorded blob.
	handlePostAction(mux, "/api/chat/voice", func(w http.ResponseWriter, r *http.Request) {
		file, header, err := r.FormFile("file")
		if err != nil {
			http.Error(w, "missing file field", http.StatusBadRequest)
			return
		}
		defer file.Close()
		msg, err := s.ctrl.SendVoiceMessage(r.Context(), header.Filename, file)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		writeJSON(w, msg)
	})

	// Friends.
	handlePost(mux, "/api/friends/request", func(w http.ResponseWriter, _ *http.Request, _ struct{}) {
		if err := s.ctrl.SendFriendRequest(); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		writeJSON(w, map[string]string{"status": "sent"})
	})
	handlePost(mux, "/api/friends/respond", func(w http.ResponseWriter, _ *http.Request, req struct {
		Accept bool `json:"accept"`
	}) {
		if err := s.ctrl.RespondFriendRequest(req.Accept); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		writeJSON(w, map[string]bool{"accept": req.Accept})
	})
	handlePost(mux, "/api/friends/unfriend", func(w http.ResponseWriter, _ *http.Request, _ struct{}) {
		if err := s.ctrl.Unfriend(); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		writeJSON(w, map[string]string{"status": "requested"})
	})
	handleGet(mux, "/api/friends", func(w http.ResponseWriter, _ *http.Request) {
		list, err := s.ctrl.Friends()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if list == nil {
			list = []storage.Friend{}
		}
		writeJSON(w, list)
	})

	// GET /api/events — SSE stream of session events. Each connection gets
	// its own subscription, cancelled on disconnect.
	handleGet(mux, "/api/events", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}
		sseHeaders(w)

		ch, cancel := s.ctrl.Subscribe()
		defer cancel()

		snap, _ := json.Marshal(s.ctrl.Snapshot())
		fmt.Fprintf(w, "event: connected\ndata: %s\n\n", snap)
		flusher.Flush()

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				data, err := json.Marshal(ev)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
				flusher.Flush()
			}
		}
	})

	// GET /api/debug/events — recent session events, newest last. 404 when
	// debug capture is off.
	handleGet(mux, "/api/debug/events", func(w http.ResponseWriter, _ *http.Request) {
		if s.debug == nil {
			http.Error(w, "debug capture disabled", http.StatusNotFound)
			return
		}
		writeJSON(w, s.debug.Snapshot())
	})
}

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// ListenAndServe blocks until the listener fails or Shutdown is called.
func (s *Server) ListenAndServe() error {
	log.Infow("local api listening", "addr", s.addr)
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the listener and the debug capture.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.stopDebug != nil {
		s.stopDebug()
		s.stopDebug = nil
	}
	return s.srv.Shutdown(ctx)
}

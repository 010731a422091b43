package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"anonchat-client/internal/call"
	"anonchat-client/internal/chat"
	"anonchat-client/internal/friends"
	"anonchat-client/internal/signaling"
	"anonchat-client/internal/storage"
)

type emittedFrame struct {
	event   string
	payload any
}

type fakeTransport struct {
	mu        sync.Mutex
	handlers  map[string]signaling.Handler
	emitted   []emittedFrame
	onConnect func(bool)
	onDrop    func()
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: make(map[string]signaling.Handler)}
}

func (f *fakeTransport) Emit(event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emitted = append(f.emitted, emittedFrame{event: event, payload: payload})
	return nil
}

func (f *fakeTransport) On(event string, h signaling.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[event] = h
}

func (f *fakeTransport) OnConnect(fn func(bool)) { f.onConnect = fn }
func (f *fakeTransport) OnDisconnect(fn func()) { f.onDrop = fn }

// inject delivers an inbound event the way the read pump would.
func (f *fakeTransport) inject(t *testing.T, event string, payload any) {
	t.Helper()
	f.mu.Lock()
	h := f.handlers[event]
	f.mu.Unlock()
	if h == nil {
		t.Fatalf("no handler registered for %q", event)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	h(raw)
}

func (f *fakeTransport) countOf(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.emitted {
		if e.event == event {
			n++
		}
	}
	return n
}

func (f *fakeTransport) lastOf(event string) (any, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.emitted) - 1; i >= 0; i-- {
		if f.emitted[i].event == event {
			return f.emitted[i].payload, true
		}
	}
	return nil, false
}

type fakeLink struct {
	mu      sync.Mutex
	room    string
	started bool
	closed  bool
	signals []call.Signal
}

func (l *fakeLink) Start() {
	l.mu.Lock()
	l.started = true
	l.mu.Unlock()
}

func (l *fakeLink) HandleSignal(sig call.Signal) {
	l.mu.Lock()
	l.signals = append(l.signals, sig)
	l.mu.Unlock()
}

func (l *fakeLink) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
}

func (l *fakeLink) signalCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.signals)
}

type fakeLedger struct {
	mu       sync.Mutex
	upserts  []storage.Friend
	removals []string
}

func (f *fakeLedger) Upsert(fr storage.Friend) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts = append(f.upserts, fr)
	return nil
}

func (f *fakeLedger) Remove(userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removals = append(f.removals, userID)
	return nil
}

func (f *fakeLedger) List() ([]storage.Friend, error) { return nil, nil }

type fakeUploader struct{ url string }

func (f *fakeUploader) Upload(_ context.Context, _ string, blob io.Reader) (string, error) {
	io.Copy(io.Discard, blob)
	return f.url, nil
}

type harness struct {
	transport *fakeTransport
	store     *chat.Store
	ledger    *fakeLedger
	ctrl      *Controller
	links     []*fakeLink
	linksMu   sync.Mutex
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		transport: newFakeTransport(),
		store:     chat.NewStore("en"),
		ledger:    &fakeLedger{},
	}
	h.ctrl = NewController(Deps{
		Transport: h.transport,
		Store:     h.store,
		Ledger:    h.ledger,
		Uploader:  &fakeUploader{url: "http://backend/uploads/v.webm"},
		Self:      Profile{ID: "me-1", DisplayName: "Me"},
	})
	h.ctrl.newLink = func(roomID string, _ bool) peerLink {
		l := &fakeLink{room: roomID}
		h.linksMu.Lock()
		h.links = append(h.links, l)
		h.linksMu.Unlock()
		return l
	}
	t.Cleanup(h.ctrl.Close)
	return h
}

func (h *harness) lastLink(t *testing.T) *fakeLink {
	t.Helper()
	h.linksMu.Lock()
	defer h.linksMu.Unlock()
	if len(h.links) == 0 {
		t.Fatal("no peer link created")
	}
	return h.links[len(h.links)-1]
}

func (h *harness) match(t *testing.T, roomID string, initiator, areFriends bool) {
	t.Helper()
	h.transport.inject(t, "matchFound", matchFoundPayload{
		RoomID:      roomID,
		Initiator:   initiator,
		PartnerID:   "p-sock-1",
		PartnerInfo: &Profile{ID: "partner-1", DisplayName: "Stranger"},
		AreFriends:  areFriends,
	})
}

func TestStartAndMatch(t *testing.T) {
	h := newHarness(t)

	if err := h.ctrl.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := h.ctrl.Snapshot().Status; got != StatusSearching {
		t.Fatalf("status = %q", got)
	}
	if n := h.transport.countOf("joinQueue"); n != 1 {
		t.Fatalf("joinQueue emissions = %d", n)
	}

	h.match(t, "r1", true, false)

	snap := h.ctrl.Snapshot()
	if snap.Status != StatusConnected || snap.RoomID != "r1" || !snap.Initiator {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap.PartnerInfo == nil || snap.PartnerInfo.ID != "partner-1" {
		t.Fatalf("partner info = %+v", snap.PartnerInfo)
	}
	if snap.Friend != friends.StateNone {
		t.Fatalf("friend state = %q", snap.Friend)
	}

	link := h.lastLink(t)
	link.mu.Lock()
	started, room := link.started, link.room
	link.mu.Unlock()
	if !started || room != "r1" {
		t.Fatalf("link started=%v room=%q", started, room)
	}
}

func TestMatchWithExistingFriend(t *testing.T) {
	h := newHarness(t)
	h.ctrl.Start()
	h.match(t, "r1", false, true)

	if got := h.ctrl.Snapshot().Friend; got != friends.StateAccepted {
		t.Fatalf("friend state = %q, want accepted", got)
	}
}

func TestPartnerDisconnectedRequeuesOnce(t *testing.T) {
	h := newHarness(t)
	h.ctrl.Start()
	h.match(t, "r1", false, false)
	h.ctrl.SendMessage("hello", chat.KindText)
	h.transport.inject(t, "friendRequestReceived", inboundFriendRequest{
		SenderID:   "p-sock-1",
		SenderInfo: Profile{ID: "partner-1"},
	})

	before := h.transport.countOf("joinQueue")
	h.transport.inject(t, "partnerDisconnected", struct{}{})

	snap := h.ctrl.Snapshot()
	if snap.Status != StatusSearching {
		t.Fatalf("status = %q", snap.Status)
	}
	if snap.RoomID != "" || snap.PartnerID != "" {
		t.Fatalf("room not cleared: %+v", snap)
	}
	if snap.Friend != friends.StateNone {
		t.Fatalf("friend state = %q, want none", snap.Friend)
	}
	if got := len(h.store.Messages()); got != 0 {
		t.Fatalf("messages not cleared: %d", got)
	}
	if after := h.transport.countOf("joinQueue"); after != before+1 {
		t.Fatalf("re-enqueue emissions = %d, want exactly one more than %d", after, before)
	}

	// A second partnerDisconnected while already searching is a no-op.
	h.transport.inject(t, "partnerDisconnected", struct{}{})
	if after := h.transport.countOf("joinQueue"); after != before+1 {
		t.Fatalf("duplicate re-enqueue after second event: %d", after)
	}
}

func TestSignalRoutingAndStaleRooms(t *testing.T) {
	h := newHarness(t)
	h.ctrl.Start()
	h.match(t, "r1", false, false)
	link := h.lastLink(t)

	h.transport.inject(t, "signal", signalPayload{RoomID: "r1", Signal: call.Signal{Type: call.SignalOffer, SDP: "sdp"}})
	if got := link.signalCount(); got != 1 {
		t.Fatalf("signals = %d", got)
	}

	// A signal for an old room must not reach the current link.
	h.transport.inject(t, "signal", signalPayload{RoomID: "r0", Signal: call.Signal{Type: call.SignalOffer, SDP: "old"}})
	if got := link.signalCount(); got != 1 {
		t.Fatalf("stale signal delivered: %d", got)
	}

	// Outbound signals for a stale room are swallowed.
	if err := h.ctrl.SendSignal("r0", call.Signal{Type: call.SignalOffer, SDP: "x"}); err != nil {
		t.Fatalf("SendSignal stale: %v", err)
	}
	if n := h.transport.countOf("signal"); n != 0 {
		t.Fatalf("stale outbound signal emitted: %d", n)
	}

	if err := h.ctrl.SendSignal("r1", call.Signal{Type: call.SignalAnswer, SDP: "y"}); err != nil {
		t.Fatalf("SendSignal: %v", err)
	}
	if n := h.transport.countOf("signal"); n != 1 {
		t.Fatalf("signal emissions = %d", n)
	}

	// The old link is closed when a new match arrives.
	h.match(t, "r2", true, false)
	link.mu.Lock()
	closed := link.closed
	link.mu.Unlock()
	if !closed {
		// Close runs on its own goroutine.
		time.Sleep(100 * time.Millisecond)
		link.mu.Lock()
		closed = link.closed
		link.mu.Unlock()
	}
	if !closed {
		t.Fatal("previous link not closed on new match")
	}
}

func TestSendMessage(t *testing.T) {
	h := newHarness(t)

	if _, err := h.ctrl.SendMessage("hi", chat.KindText); err != ErrNotConnected {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}

	h.ctrl.Start()
	h.match(t, "r1", false, false)

	msg, err := h.ctrl.SendMessage("hello", chat.KindText)
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if !msg.IsMe || msg.Text != "hello" {
		t.Fatalf("msg = %+v", msg)
	}
	if got := len(h.store.Messages()); got != 1 {
		t.Fatalf("store length = %d", got)
	}

	payload, ok := h.transport.lastOf("sendMessage")
	if !ok {
		t.Fatal("sendMessage not emitted")
	}
	p := payload.(sendMessagePayload)
	if p.RoomID != "r1" || p.Message != "hello" || p.Type != "text" || p.UserID != "me-1" {
		t.Fatalf("payload = %+v", p)
	}
	// Sending always clears the typing indicator first.
	if n := h.transport.countOf("stopTyping"); n != 1 {
		t.Fatalf("stopTyping emissions = %d", n)
	}
}

func TestInboundMessageStoredAsPartner(t *testing.T) {
	h := newHarness(t)
	h.ctrl.Start()
	h.match(t, "r1", false, false)

	h.transport.inject(t, "typing", map[string]string{"senderId": "p-sock-1"})
	if !h.ctrl.Snapshot().PartnerTyping {
		t.Fatal("partner typing not set")
	}

	h.transport.inject(t, "message", inboundMessagePayload{SenderID: "p-sock-1", Text: "yo", Type: "text"})

	msgs := h.store.Messages()
	if len(msgs) != 1 || msgs[0].IsMe || msgs[0].OriginalText != "yo" {
		t.Fatalf("messages = %+v", msgs)
	}
	// A message clears the typing indicator.
	if h.ctrl.Snapshot().PartnerTyping {
		t.Fatal("partner typing not cleared by message")
	}
}

func TestTypingAutoStops(t *testing.T) {
	h := newHarness(t)
	h.ctrl.Start()
	h.match(t, "r1", false, false)

	if err := h.ctrl.Typing(); err != nil {
		t.Fatalf("Typing: %v", err)
	}
	if n := h.transport.countOf("typing"); n != 1 {
		t.Fatalf("typing emissions = %d", n)
	}
	if n := h.transport.countOf("stopTyping"); n != 0 {
		t.Fatalf("premature stopTyping: %d", n)
	}

	deadline := time.Now().Add(5 * time.Second)
	for h.transport.countOf("stopTyping") == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if n := h.transport.countOf("stopTyping"); n != 1 {
		t.Fatalf("stopTyping emissions = %d, want 1", n)
	}
}

func TestFriendRequestDeclineThenMatchResets(t *testing.T) {
	h := newHarness(t)
	h.ctrl.Start()
	h.match(t, "r1", false, false)

	if err := h.ctrl.SendFriendRequest(); err != nil {
		t.Fatalf("SendFriendRequest: %v", err)
	}
	if got := h.ctrl.FriendState(); got != friends.StateSent {
		t.Fatalf("state = %q, want sent", got)
	}
	payload, _ := h.transport.lastOf("sendFriendRequest")
	fr := payload.(friendRequestPayload)
	if fr.RoomID != "r1" || fr.SenderInfo.ID != "me-1" {
		t.Fatalf("payload = %+v", fr)
	}

	h.transport.inject(t, "friendRequestDeclined", struct{}{})
	if got := h.ctrl.FriendState(); got != friends.StateDeclined {
		t.Fatalf("state = %q, want declined", got)
	}

	h.match(t, "r2", false, false)
	if got := h.ctrl.FriendState(); got != friends.StateNone {
		t.Fatalf("state after new match = %q, want none", got)
	}
}

func TestAcceptInboundRequestPersistsFriend(t *testing.T) {
	h := newHarness(t)
	h.ctrl.Start()
	h.match(t, "r1", false, false)

	h.transport.inject(t, "friendRequestReceived", inboundFriendRequest{
		SenderID:   "p-sock-1",
		SenderInfo: Profile{ID: "partner-1", DisplayName: "Stranger", AvatarURL: "http://x/p.png"},
	})
	if got := h.ctrl.FriendState(); got != friends.StateReceived {
		t.Fatalf("state = %q, want received", got)
	}

	if err := h.ctrl.RespondFriendRequest(true); err != nil {
		t.Fatalf("RespondFriendRequest: %v", err)
	}
	payload, _ := h.transport.lastOf("respondFriendRequest")
	rp := payload.(respondFriendRequestPayload)
	if !rp.Accept || rp.SenderID != "p-sock-1" || rp.TargetUserID != "partner-1" || rp.ResponderInfo.ID != "me-1" {
		t.Fatalf("payload = %+v", rp)
	}
	// Acceptance is server-confirmed.
	if got := h.ctrl.FriendState(); got != friends.StateReceived {
		t.Fatalf("state before confirmation = %q", got)
	}

	h.transport.inject(t, "friendRequestAccepted", friendAcceptedPayload{})
	if got := h.ctrl.FriendState(); got != friends.StateAccepted {
		t.Fatalf("state = %q, want accepted", got)
	}

	h.ledger.mu.Lock()
	defer h.ledger.mu.Unlock()
	if len(h.ledger.upserts) != 1 || h.ledger.upserts[0].UserID != "partner-1" {
		t.Fatalf("ledger upserts = %+v", h.ledger.upserts)
	}
}

func TestDeclineInboundRequestIsImmediate(t *testing.T) {
	h := newHarness(t)
	h.ctrl.Start()
	h.match(t, "r1", false, false)

	h.transport.inject(t, "friendRequestReceived", inboundFriendRequest{
		SenderID:   "p-sock-1",
		SenderInfo: Profile{ID: "partner-1"},
	})
	if err := h.ctrl.RespondFriendRequest(false); err != nil {
		t.Fatalf("RespondFriendRequest: %v", err)
	}
	if got := h.ctrl.FriendState(); got != friends.StateDeclined {
		t.Fatalf("state = %q, want declined", got)
	}
}

func TestUnfriendFlow(t *testing.T) {
	h := newHarness(t)
	h.ctrl.Start()
	h.match(t, "r1", false, true)

	if err := h.ctrl.Unfriend(); err != nil {
		t.Fatalf("Unfriend: %v", err)
	}
	payload, _ := h.transport.lastOf("unfriend")
	up := payload.(unfriendPayload)
	if up.RoomID != "r1" || up.UserID != "me-1" || up.TargetUserID != "partner-1" {
		t.Fatalf("payload = %+v", up)
	}

	h.transport.inject(t, "unfriendSuccess", struct{}{})
	if got := h.ctrl.FriendState(); got != friends.StateNone {
		t.Fatalf("state = %q, want none", got)
	}
	h.ledger.mu.Lock()
	defer h.ledger.mu.Unlock()
	if len(h.ledger.removals) != 1 || h.ledger.removals[0] != "partner-1" {
		t.Fatalf("removals = %v", h.ledger.removals)
	}
}

func TestReconnectWhileSearchingRequeues(t *testing.T) {
	h := newHarness(t)
	h.ctrl.Start()
	before := h.transport.countOf("joinQueue")

	h.transport.onConnect(true)
	if after := h.transport.countOf("joinQueue"); after != before+1 {
		t.Fatalf("joinQueue after reconnect = %d, want %d", after, before+1)
	}

	// First connect (not a reconnect) must not enqueue.
	h.transport.onConnect(false)
	if after := h.transport.countOf("joinQueue"); after != before+1 {
		t.Fatalf("joinQueue after initial connect callback = %d", after)
	}
}

func TestTransportDropWhileConnected(t *testing.T) {
	h := newHarness(t)
	h.ctrl.Start()
	h.match(t, "r1", false, false)

	h.transport.onDrop()
	snap := h.ctrl.Snapshot()
	if snap.Status != StatusDisconnected {
		t.Fatalf("status = %q, want disconnected", snap.Status)
	}
	if snap.RoomID != "" {
		t.Fatalf("room not cleared: %q", snap.RoomID)
	}

	// Drop while idle does nothing.
	h.ctrl.Stop()
	h.transport.onDrop()
	if got := h.ctrl.Snapshot().Status; got != StatusIdle {
		t.Fatalf("status = %q, want idle", got)
	}
}

func TestVoiceMessage(t *testing.T) {
	h := newHarness(t)
	h.ctrl.Start()
	h.match(t, "r1", false, false)

	msg, err := h.ctrl.SendVoiceMessage(context.Background(), "v.webm", strings.NewReader("blob"))
	if err != nil {
		t.Fatalf("SendVoiceMessage: %v", err)
	}
	if msg.Kind != chat.KindAudio || msg.Text != "http://backend/uploads/v.webm" {
		t.Fatalf("msg = %+v", msg)
	}
	payload, _ := h.transport.lastOf("sendMessage")
	p := payload.(sendMessagePayload)
	if p.Type != "audio" || p.Message != "http://backend/uploads/v.webm" {
		t.Fatalf("payload = %+v", p)
	}
}

func TestNextTearsDownAndRequeues(t *testing.T) {
	h := newHarness(t)
	h.ctrl.Start()
	h.match(t, "r1", false, false)
	h.ctrl.SendMessage("bye", chat.KindText)

	before := h.transport.countOf("joinQueue")
	if err := h.ctrl.Next(); err != nil {
		t.Fatalf("Next: %v", err)
	}

	snap := h.ctrl.Snapshot()
	if snap.Status != StatusSearching || snap.RoomID != "" {
		t.Fatalf("snapshot = %+v", snap)
	}
	if got := len(h.store.Messages()); got != 0 {
		t.Fatalf("messages not cleared: %d", got)
	}
	if after := h.transport.countOf("joinQueue"); after != before+1 {
		t.Fatalf("joinQueue = %d, want %d", after, before+1)
	}
}

func TestPublishConcurrentWithCancel(t *testing.T) {
	h := newHarness(t)
	done := make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
					h.ctrl.publish(Event{Type: "status", Status: StatusSearching})
				}
			}
		}()
	}

	// Subscribers come and go while events are being published. A publish
	// racing a cancel's close would panic here.
	for i := 0; i < 500; i++ {
		ch, cancel := h.ctrl.Subscribe()
		select {
		case <-ch:
		default:
		}
		cancel()
	}

	close(done)
	wg.Wait()
}

func TestFriendRequestRacesRoomTeardown(t *testing.T) {
	h := newHarness(t)
	h.ctrl.Start()

	for i := 0; i < 50; i++ {
		h.transport.inject(t, "matchFound", matchFoundPayload{
			RoomID:      fmt.Sprintf("r%d", i),
			PartnerID:   "p-sock-1",
			PartnerInfo: &Profile{ID: "partner-1"},
		})

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			h.ctrl.SendFriendRequest()
		}()
		go func() {
			defer wg.Done()
			h.transport.inject(t, "partnerDisconnected", struct{}{})
		}()
		wg.Wait()

		// Whatever the interleaving, teardown leaves the machine at None.
		// Sent with no active room would be a stuck state.
		if got := h.ctrl.FriendState(); got != friends.StateNone {
			t.Fatalf("iteration %d: friend state = %q after teardown", i, got)
		}
	}
}

func TestStopFromIdleIsNoOp(t *testing.T) {
	h := newHarness(t)

	if err := h.ctrl.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if n := h.transport.countOf("leaveQueue"); n != 0 {
		t.Fatalf("leaveQueue emitted from idle: %d", n)
	}

	h.ctrl.Start()
	h.ctrl.Stop()
	if n := h.transport.countOf("leaveQueue"); n != 1 {
		t.Fatalf("leaveQueue emissions = %d, want 1", n)
	}
	// Repeating Stop while idle adds nothing.
	h.ctrl.Stop()
	if n := h.transport.countOf("leaveQueue"); n != 1 {
		t.Fatalf("leaveQueue emissions after repeat = %d, want 1", n)
	}
}

func TestSubscribeReceivesStatusEvents(t *testing.T) {
	h := newHarness(t)
	ch, cancel := h.ctrl.Subscribe()
	defer cancel()

	h.ctrl.Start()

	select {
	case ev := <-ch:
		if ev.Type != "status" || ev.Status != StatusSearching {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no status event")
	}
}

// Package session drives the anonymous-chat lifecycle: queueing, matches,
// per-room WebRTC negotiation, chat, typing and the friend-request flow. It
// is the only component that touches the signaling channel in both
// directions.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"anonchat-client/internal/call"
	"anonchat-client/internal/chat"
	"anonchat-client/internal/friends"
	"anonchat-client/internal/storage"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("anonchat/session")

// typingIdle is how long after the last keystroke the stop-typing signal goes
// out.
const typingIdle = time.Second

// ErrNotConnected is returned by actions that need an active match.
var ErrNotConnected = errors.New("no active match")

// FriendLedger persists accepted friendships. *storage.DB satisfies it.
type FriendLedger interface {
	Upsert(f storage.Friend) error
	Remove(userID string) error
	List() ([]storage.Friend, error)
}

// Uploader sends a voice blob to the backend and returns its playable URL.
// *upload.Client satisfies it.
type Uploader interface {
	Upload(ctx context.Context, filename string, blob io.Reader) (string, error)
}

// Deps carries everything the controller is wired to. Ledger and Uploader
// may be nil; the corresponding features then report errors instead.
type Deps struct {
	Transport Transport
	Store     *chat.Store
	Ledger    FriendLedger
	Uploader  Uploader
	Self      Profile
	Media     call.MediaConfig
}

// Controller is the session state machine. All exported methods are safe for
// concurrent use; inbound events are serialized by the transport's read
// goroutine.
type Controller struct {
	deps    Deps
	friendM *friends.Machine

	mu            sync.Mutex
	status        Status
	roomID        string
	partnerID     string
	initiator     bool
	partnerInfo   *Profile
	partnerTyping bool
	link          peerLink
	typingTimer   *time.Timer
	pendingReq    *inboundFriendRequest

	listeners map[int]chan Event
	nextSub   int

	// newLink is swapped by tests to avoid real PeerConnections.
	newLink func(roomID string, initiator bool) peerLink
}

// NewController wires the controller to its transport. The transport is not
// connected here; call signaling.Channel.Connect after construction.
func NewController(deps Deps) *Controller {
	c := &Controller{
		deps:      deps,
		friendM:   friends.NewMachine(),
		status:    StatusIdle,
		listeners: make(map[int]chan Event),
	}
	c.newLink = func(roomID string, initiator bool) peerLink {
		return call.NewNegotiator(roomID, initiator, c, deps.Media)
	}

	t := deps.Transport
	t.On("matchFound", c.onMatchFound)
	t.On("partnerDisconnected", c.onPartnerDisconnected)
	t.On("signal", c.onSignal)
	t.On("message", c.onMessage)
	t.On("typing", c.onTyping)
	t.On("stopTyping", c.onStopTyping)
	t.On("friendRequestReceived", c.onFriendRequestReceived)
	t.On("friendRequestAccepted", c.onFriendRequestAccepted)
	t.On("friendRequestDeclined", c.onFriendRequestDeclined)
	t.On("unfriendSuccess", c.onUnfriendConfirmed)
	t.On("friendRemoved", c.onUnfriendConfirmed)
	t.OnConnect(c.onTransportConnect)
	t.OnDisconnect(c.onTransportDrop)

	return c
}

// ── Observability ──

// Subscribe returns a channel of session events and a cancel func.
func (c *Controller) Subscribe() (<-chan Event, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	ch := make(chan Event, 32)
	c.listeners[id] = ch
	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if l, ok := c.listeners[id]; ok {
			delete(c.listeners, id)
			close(l)
		}
	}
}

func (c *Controller) publish(ev Event) {
	// Deliver under the lock so a concurrent cancel or Close cannot close a
	// channel between the snapshot and the send. The sends never block.
	c.mu.Lock()
	for _, ch := range c.listeners {
		select {
		case ch <- ev:
		default:
		}
	}
	c.mu.Unlock()
}

func (c *Controller) publishStatus() {
	c.mu.Lock()
	s := c.status
	c.mu.Unlock()
	c.publish(Event{Type: "status", Status: s})
}

// Snapshot returns the current session state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		Status:        c.status,
		RoomID:        c.roomID,
		PartnerID:     c.partnerID,
		Initiator:     c.initiator,
		PartnerInfo:   c.partnerInfo,
		PartnerTyping: c.partnerTyping,
		Friend:        c.friendM.State(),
	}
}

// FriendState exposes the friend machine state.
func (c *Controller) FriendState() friends.State { return c.friendM.State() }

// Friends lists the persisted ledger.
func (c *Controller) Friends() ([]storage.Friend, error) {
	if c.deps.Ledger == nil {
		return nil, nil
	}
	return c.deps.Ledger.List()
}

// ── User actions ──

// Start enters the matchmaking queue. A no-op when already searching.
func (c *Controller) Start() error {
	c.mu.Lock()
	if c.status == StatusSearching {
		c.mu.Unlock()
		return nil
	}
	c.teardownRoomLocked()
	c.status = StatusSearching
	c.mu.Unlock()

	c.publishStatus()
	return c.deps.Transport.Emit("joinQueue", joinQueuePayload{UserID: c.deps.Self.ID})
}

// Stop leaves the queue or the current match and returns to Idle. A no-op
// when already idle.
func (c *Controller) Stop() error {
	c.mu.Lock()
	if c.status == StatusIdle {
		c.mu.Unlock()
		return nil
	}
	c.teardownRoomLocked()
	c.status = StatusIdle
	c.mu.Unlock()

	c.publishStatus()
	return c.deps.Transport.Emit("leaveQueue", struct{}{})
}

// Next abandons the current partner and searches again. The flow is the same
// as a partner disconnect, just user-initiated.
func (c *Controller) Next() error {
	c.mu.Lock()
	c.teardownRoomLocked()
	c.status = StatusSearching
	c.mu.Unlock()

	c.publishStatus()
	return c.deps.Transport.Emit("joinQueue", joinQueuePayload{UserID: c.deps.Self.ID})
}

// SendMessage appends a local message and sends it to the partner. Sending
// also clears any pending typing indicator.
func (c *Controller) SendMessage(text string, kind chat.Kind) (chat.Message, error) {
	c.mu.Lock()
	if c.status != StatusConnected || c.roomID == "" {
		c.mu.Unlock()
		return chat.Message{}, ErrNotConnected
	}
	roomID := c.roomID
	if c.typingTimer != nil {
		c.typingTimer.Stop()
		c.typingTimer = nil
	}
	c.mu.Unlock()

	// Clear typing on the partner's side before the message lands.
	c.deps.Transport.Emit("stopTyping", roomPayload{RoomID: roomID})

	msg := c.deps.Store.Append(chat.NewMessage(c.deps.Self.ID, text, kind, true))
	err := c.deps.Transport.Emit("sendMessage", sendMessagePayload{
		RoomID:  roomID,
		Message: text,
		Type:    string(kind),
		UserID:  c.deps.Self.ID,
	})
	if err != nil {
		return msg, err
	}
	c.publish(Event{Type: "message", Message: &msg})
	return msg, nil
}

// SendVoiceMessage uploads a recorded blob and sends its URL as an audio
// message.
func (c *Controller) SendVoiceMessage(ctx context.Context, filename string, blob io.Reader) (chat.Message, error) {
	if c.deps.Uploader == nil {
		return chat.Message{}, errors.New("uploads not configured")
	}
	c.mu.Lock()
	connected := c.status == StatusConnected && c.roomID != ""
	c.mu.Unlock()
	if !connected {
		return chat.Message{}, ErrNotConnected
	}

	url, err := c.deps.Uploader.Upload(ctx, filename, blob)
	if err != nil {
		return chat.Message{}, fmt.Errorf("voice message: %w", err)
	}
	return c.SendMessage(url, chat.KindAudio)
}

// Typing signals input activity. The stop-typing signal goes out
// automatically after one second of silence; each call pushes it back.
func (c *Controller) Typing() error {
	c.mu.Lock()
	if c.status != StatusConnected || c.roomID == "" {
		c.mu.Unlock()
		return ErrNotConnected
	}
	roomID := c.roomID
	if c.typingTimer != nil {
		c.typingTimer.Stop()
	}
	c.typingTimer = time.AfterFunc(typingIdle, func() {
		c.mu.Lock()
		stale := c.roomID != roomID
		c.typingTimer = nil
		c.mu.Unlock()
		if stale {
			return
		}
		c.deps.Transport.Emit("stopTyping", roomPayload{RoomID: roomID})
	})
	c.mu.Unlock()

	return c.deps.Transport.Emit("typing", roomPayload{RoomID: roomID})
}

// SendFriendRequest asks the current partner to become a friend.
func (c *Controller) SendFriendRequest() error {
	c.mu.Lock()
	if c.status != StatusConnected || c.roomID == "" {
		c.mu.Unlock()
		return ErrNotConnected
	}
	roomID := c.roomID
	// Mark while still holding c.mu so a concurrent room teardown cannot
	// interleave and leave the machine at Sent with no room.
	if err := c.friendM.MarkSent(); err != nil {
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	c.publishFriend()
	return c.deps.Transport.Emit("sendFriendRequest", friendRequestPayload{
		RoomID: roomID,
		SenderInfo: Profile{
			ID:          c.deps.Self.ID,
			DisplayName: c.deps.Self.DisplayName,
			AvatarURL:   c.deps.Self.AvatarURL,
		},
	})
}

// RespondFriendRequest accepts or declines the pending inbound request.
// Acceptance is confirmed by the server (friendRequestAccepted); a decline
// takes effect locally right away.
func (c *Controller) RespondFriendRequest(accept bool) error {
	c.mu.Lock()
	req := c.pendingReq
	roomID := c.roomID
	c.mu.Unlock()
	if req == nil || roomID == "" {
		return errors.New("no pending friend request")
	}

	if !accept {
		if err := c.friendM.MarkDeclined(); err != nil {
			return err
		}
		c.mu.Lock()
		c.pendingReq = nil
		c.mu.Unlock()
		c.publishFriend()
	}

	return c.deps.Transport.Emit("respondFriendRequest", respondFriendRequestPayload{
		RoomID:       roomID,
		Accept:       accept,
		SenderID:     req.SenderID,
		TargetUserID: req.SenderInfo.ID,
		ResponderInfo: Profile{
			ID:          c.deps.Self.ID,
			DisplayName: c.deps.Self.DisplayName,
		},
	})
}

// Unfriend removes the friendship with the current partner. The ledger entry
// is removed when the server confirms.
func (c *Controller) Unfriend() error {
	c.mu.Lock()
	roomID := c.roomID
	partner := c.partnerInfo
	c.mu.Unlock()
	if roomID == "" || partner == nil {
		return ErrNotConnected
	}
	if c.friendM.State() != friends.StateAccepted {
		return fmt.Errorf("not friends with current partner")
	}

	return c.deps.Transport.Emit("unfriend", unfriendPayload{
		RoomID:       roomID,
		UserID:       c.deps.Self.ID,
		TargetUserID: partner.ID,
	})
}

// Close tears down the active room. The transport is owned by the caller.
func (c *Controller) Close() {
	c.mu.Lock()
	c.teardownRoomLocked()
	c.status = StatusIdle
	listeners := c.listeners
	c.listeners = make(map[int]chan Event)
	c.mu.Unlock()
	for _, ch := range listeners {
		close(ch)
	}
}

// ── Inbound events ──

func (c *Controller) onMatchFound(data json.RawMessage) {
	var p matchFoundPayload
	if err := json.Unmarshal(data, &p); err != nil || p.RoomID == "" {
		log.Warnw("malformed matchFound dropped", "err", err)
		return
	}

	c.mu.Lock()
	c.teardownRoomLocked()
	c.status = StatusConnected
	c.roomID = p.RoomID
	c.partnerID = p.PartnerID
	c.initiator = p.Initiator
	c.partnerInfo = p.PartnerInfo
	c.friendM.ResetForMatch(p.AreFriends)
	link := c.newLink(p.RoomID, p.Initiator)
	c.link = link
	c.mu.Unlock()

	log.Infow("match found", "room", p.RoomID, "initiator", p.Initiator, "alreadyFriends", p.AreFriends)
	link.Start()
	c.publishStatus()
	c.publishFriend()
}

func (c *Controller) onPartnerDisconnected(json.RawMessage) {
	c.mu.Lock()
	if c.status != StatusConnected {
		c.mu.Unlock()
		return
	}
	c.teardownRoomLocked()
	c.status = StatusSearching
	c.mu.Unlock()

	log.Infow("partner disconnected, re-queueing")
	c.publishStatus()
	c.publishFriend()
	if err := c.deps.Transport.Emit("joinQueue", joinQueuePayload{UserID: c.deps.Self.ID}); err != nil {
		log.Warnw("re-enqueue failed", "err", err)
	}
}

func (c *Controller) onSignal(data json.RawMessage) {
	var p signalPayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Warnw("malformed signal dropped", "err", err)
		return
	}

	c.mu.Lock()
	link := c.link
	current := c.roomID
	c.mu.Unlock()

	if link == nil || (p.RoomID != "" && p.RoomID != current) {
		log.Debugw("signal for inactive room dropped", "room", p.RoomID, "current", current)
		return
	}
	link.HandleSignal(p.Signal)
}

// SendSignal implements call.Signaler for the active negotiator.
func (c *Controller) SendSignal(roomID string, sig call.Signal) error {
	c.mu.Lock()
	current := c.roomID
	c.mu.Unlock()
	if roomID != current {
		// The negotiation outlived its room; drop the stale result.
		return nil
	}
	return c.deps.Transport.Emit("signal", signalPayload{RoomID: roomID, Signal: sig})
}

func (c *Controller) onMessage(data json.RawMessage) {
	var p inboundMessagePayload
	if err := json.Unmarshal(data, &p); err != nil || p.Text == "" {
		log.Warnw("malformed message dropped", "err", err)
		return
	}

	c.mu.Lock()
	if c.status != StatusConnected {
		c.mu.Unlock()
		return
	}
	c.partnerTyping = false
	c.mu.Unlock()

	kind := chat.Kind(p.Type)
	if kind == "" {
		kind = chat.KindText
	}
	msg := c.deps.Store.Append(chat.NewMessage(p.SenderID, p.Text, kind, false))
	c.publish(Event{Type: "message", Message: &msg})
	c.publishTyping(false)
}

func (c *Controller) onTyping(json.RawMessage) {
	c.setPartnerTyping(true)
}

func (c *Controller) onStopTyping(json.RawMessage) {
	c.setPartnerTyping(false)
}

func (c *Controller) setPartnerTyping(v bool) {
	c.mu.Lock()
	if c.status != StatusConnected || c.partnerTyping == v {
		c.mu.Unlock()
		return
	}
	c.partnerTyping = v
	c.mu.Unlock()
	c.publishTyping(v)
}

func (c *Controller) publishTyping(v bool) {
	c.publish(Event{Type: "typing", Typing: &v})
}

func (c *Controller) publishFriend() {
	c.publish(Event{Type: "friend", Friend: c.friendM.State()})
}

func (c *Controller) onFriendRequestReceived(data json.RawMessage) {
	var p inboundFriendRequest
	if err := json.Unmarshal(data, &p); err != nil || p.SenderInfo.ID == "" {
		log.Warnw("malformed friend request dropped", "err", err)
		return
	}
	if err := c.friendM.MarkReceived(p.SenderInfo.ID); err != nil {
		log.Warnw("friend request ignored", "err", err)
		return
	}
	c.mu.Lock()
	c.pendingReq = &p
	// The request carries the partner's profile; keep it if matchFound
	// didn't.
	if c.partnerInfo == nil {
		info := p.SenderInfo
		c.partnerInfo = &info
	}
	c.mu.Unlock()
	c.publishFriend()
}

func (c *Controller) onFriendRequestAccepted(data json.RawMessage) {
	var p friendAcceptedPayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Warnw("malformed friend acceptance dropped", "err", err)
		return
	}
	if err := c.friendM.MarkAccepted(); err != nil {
		log.Warnw("friend acceptance ignored", "err", err)
		return
	}

	c.mu.Lock()
	c.pendingReq = nil
	partner := c.partnerInfo
	if p.ResponderInfo != nil && p.ResponderInfo.ID != c.deps.Self.ID {
		partner = p.ResponderInfo
		c.partnerInfo = p.ResponderInfo
	}
	c.mu.Unlock()

	if c.deps.Ledger != nil && partner != nil && partner.ID != "" {
		err := c.deps.Ledger.Upsert(storage.Friend{
			UserID:      partner.ID,
			Username:    partner.Username,
			DisplayName: partner.DisplayName,
			AvatarURL:   partner.AvatarURL,
			Bio:         partner.Bio,
		})
		if err != nil {
			log.Errorw("persist friend failed", "err", err)
		}
	}
	c.publishFriend()
}

func (c *Controller) onFriendRequestDeclined(json.RawMessage) {
	if err := c.friendM.MarkDeclined(); err != nil {
		log.Debugw("decline ignored", "err", err)
		return
	}
	c.publishFriend()
}

func (c *Controller) onUnfriendConfirmed(json.RawMessage) {
	c.friendM.Unfriended()
	c.mu.Lock()
	partner := c.partnerInfo
	c.mu.Unlock()
	if c.deps.Ledger != nil && partner != nil && partner.ID != "" {
		if err := c.deps.Ledger.Remove(partner.ID); err != nil {
			log.Errorw("remove friend failed", "err", err)
		}
	}
	c.publishFriend()
}

// ── Transport lifecycle ──

func (c *Controller) onTransportConnect(reconnected bool) {
	if !reconnected {
		return
	}
	c.mu.Lock()
	searching := c.status == StatusSearching
	c.mu.Unlock()
	if searching {
		log.Infow("reconnected while searching, re-queueing")
		if err := c.deps.Transport.Emit("joinQueue", joinQueuePayload{UserID: c.deps.Self.ID}); err != nil {
			log.Warnw("re-enqueue after reconnect failed", "err", err)
		}
	}
}

func (c *Controller) onTransportDrop() {
	c.mu.Lock()
	if c.status != StatusConnected {
		c.mu.Unlock()
		return
	}
	c.teardownRoomLocked()
	c.status = StatusDisconnected
	c.mu.Unlock()

	log.Warnw("transport lost during a match")
	c.publishStatus()
}

// teardownRoomLocked clears all per-room state. Callers hold c.mu.
func (c *Controller) teardownRoomLocked() {
	if c.link != nil {
		// Close without holding the lock; the negotiator never calls back
		// into the controller synchronously from Close.
		link := c.link
		c.link = nil
		go link.Close()
	}
	if c.typingTimer != nil {
		c.typingTimer.Stop()
		c.typingTimer = nil
	}
	c.roomID = ""
	c.partnerID = ""
	c.partnerInfo = nil
	c.partnerTyping = false
	c.pendingReq = nil
	c.friendM.ResetForMatch(false)
	c.deps.Store.Reset()
}

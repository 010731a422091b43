package session

import (
	"anonchat-client/internal/call"
	"anonchat-client/internal/chat"
	"anonchat-client/internal/friends"
	"anonchat-client/internal/signaling"
)

// Status is the session lifecycle state.
type Status string

const (
	StatusIdle         Status = "idle"
	StatusSearching    Status = "searching"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

// Profile identifies a user to the backend and to the partner.
type Profile struct {
	ID          string `json:"id"`
	Username    string `json:"username,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
	Bio         string `json:"bio,omitempty"`
}

// Transport is the slice of the signaling channel the controller uses. The
// concrete *signaling.Channel satisfies it.
type Transport interface {
	Emit(event string, payload any) error
	On(event string, h signaling.Handler)
	OnConnect(fn func(reconnected bool))
	OnDisconnect(fn func())
}

// peerLink is the per-room negotiation surface, satisfied by *call.Negotiator.
type peerLink interface {
	Start()
	HandleSignal(sig call.Signal)
	Close()
}

// Wire payloads. Field names follow the backend's JSON contract.

type joinQueuePayload struct {
	UserID string `json:"userId,omitempty"`
}

type matchFoundPayload struct {
	RoomID      string   `json:"roomId"`
	Initiator   bool     `json:"initiator"`
	PartnerID   string   `json:"partnerId,omitempty"`
	PartnerInfo *Profile `json:"partnerInfo,omitempty"`
	AreFriends  bool     `json:"areFriends,omitempty"`
}

type signalPayload struct {
	RoomID string      `json:"roomId"`
	Signal call.Signal `json:"signal"`
}

type sendMessagePayload struct {
	RoomID  string `json:"roomId"`
	Message string `json:"message"`
	Type    string `json:"type"`
	UserID  string `json:"userId"`
}

type inboundMessagePayload struct {
	SenderID  string `json:"senderId"`
	Text      string `json:"text"`
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

type roomPayload struct {
	RoomID string `json:"roomId"`
}

type friendRequestPayload struct {
	RoomID     string  `json:"roomId"`
	SenderInfo Profile `json:"senderInfo"`
}

type inboundFriendRequest struct {
	RoomID     string  `json:"roomId,omitempty"`
	SenderID   string  `json:"senderId,omitempty"`
	SenderInfo Profile `json:"senderInfo"`
}

type respondFriendRequestPayload struct {
	RoomID        string  `json:"roomId"`
	Accept        bool    `json:"accept"`
	SenderID      string  `json:"senderId"`
	TargetUserID  string  `json:"targetUserId"`
	ResponderInfo Profile `json:"responderInfo"`
}

type friendAcceptedPayload struct {
	ResponderInfo *Profile `json:"responderInfo,omitempty"`
}

type unfriendPayload struct {
	RoomID       string `json:"roomId"`
	UserID       string `json:"userId"`
	TargetUserID string `json:"targetUserId"`
}

// Event is one observable change, fanned out to subscribers (the local API
// turns these into SSE frames).
type Event struct {
	Type    string        `json:"type"` // status | message | typing | friend
	Status  Status        `json:"status,omitempty"`
	Message *chat.Message `json:"message,omitempty"`
	Typing  *bool         `json:"typing,omitempty"`
	Friend  friends.State `json:"friend,omitempty"`
}

// Snapshot is the controller state as served by the local API.
type Snapshot struct {
	Status        Status        `json:"status"`
	RoomID        string        `json:"roomId,omitempty"`
	PartnerID     string        `json:"partnerId,omitempty"`
	Initiator     bool          `json:"initiator"`
	PartnerInfo   *Profile      `json:"partnerInfo,omitempty"`
	PartnerTyping bool          `json:"partnerTyping"`
	Friend        friends.State `json:"friendState"`
}

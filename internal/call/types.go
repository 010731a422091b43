package call

import "github.com/pion/webrtc/v4"

// Signaler is the only surface the call package needs from the signaling
// layer. The session controller satisfies it; this keeps the package
// standalone (Pion plus stdlib only).
type Signaler interface {
	SendSignal(roomID string, sig Signal) error
}

// Signal is one unit of the SDP/ICE exchange, carried in the data of a
// "signal" frame. Type is offer, answer or candidate; SDP is set for the
// first two, Candidate for the last.
type Signal struct {
	Type      string                   `json:"type"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

const (
	SignalOffer     = "offer"
	SignalAnswer    = "answer"
	SignalCandidate = "candidate"
)

// Package call negotiates one WebRTC peer connection per matched room using
// Pion. It is deliberately standalone: coupling to the rest of the client is
// via the Signaler interface only.
package call

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

const (
	// offerGraceDelay gives the non-initiator time to finish wiring its
	// inbound handlers after matchFound before the offer lands.
	offerGraceDelay = time.Second

	// pliInterval is how often a keyframe is requested for inbound video.
	pliInterval = 3 * time.Second
)

// Negotiator owns the WebRTC negotiation for exactly one room. The server
// decides which side initiates; the initiator sends the offer after a grace
// delay once local media is ready. Inbound ICE candidates that arrive before
// the remote description are buffered and applied in arrival order, exactly
// once, when the description is set. A Negotiator is single-use: after Close
// it discards everything, so results of in-flight work for a stale room can
// never leak into the next match.
type Negotiator struct {
	roomID    string
	initiator bool
	sig       Signaler

	graceDelay time.Duration
	newPC      func() (*webrtc.PeerConnection, func(), error)
	applyCand  func(pc *webrtc.PeerConnection, cand webrtc.ICECandidateInit) error

	mu           sync.Mutex
	pc           *webrtc.PeerConnection
	stopMedia    func()
	ready        bool
	remoteSet    bool
	candidates   []webrtc.ICECandidateInit
	pendingOffer *webrtc.SessionDescription
	offerTimer   *time.Timer
	closed       bool

	packetsIn atomic.Uint64
	bytesIn   atomic.Uint64
}

// NewNegotiator creates a negotiator for the room. Nothing happens until
// Start.
func NewNegotiator(roomID string, initiator bool, sig Signaler, media MediaConfig) *Negotiator {
	return &Negotiator{
		roomID:     roomID,
		initiator:  initiator,
		sig:        sig,
		graceDelay: offerGraceDelay,
		newPC: func() (*webrtc.PeerConnection, func(), error) {
			return initMediaPC(roomID, media)
		},
		applyCand: func(pc *webrtc.PeerConnection, cand webrtc.ICECandidateInit) error {
			return pc.AddICECandidate(cand)
		},
	}
}

// RoomID returns the room this negotiator was created for.
func (n *Negotiator) RoomID() string { return n.roomID }

// Initiator reports whether this side sends the offer.
func (n *Negotiator) Initiator() bool { return n.initiator }

// InboundStats returns cumulative RTP packet and byte counts across all
// remote tracks.
func (n *Negotiator) InboundStats() (packets, bytes uint64) {
	return n.packetsIn.Load(), n.bytesIn.Load()
}

// Start acquires local media in the background. Once the peer connection is
// ready, a buffered pending offer (if any) is answered, or, on the initiator
// side, the offer is scheduled after the grace delay.
func (n *Negotiator) Start() {
	go n.setup()
}

func (n *Negotiator) setup() {
	pc, stopMedia, err := n.newPC()
	if err != nil {
		// Negotiation stalls here; the session stays up for text chat and
		// the user's next/stop is the recovery path.
		log.Errorw("peer connection setup failed", "room", n.roomID, "err", err)
		return
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		if stopMedia != nil {
			stopMedia()
		}
		pc.Close()
		return
	}
	n.pc = pc
	n.stopMedia = stopMedia
	n.ready = true
	pending := n.pendingOffer
	n.pendingOffer = nil
	n.mu.Unlock()

	n.wirePC(pc)

	switch {
	case pending != nil:
		// An offer arrived while media was being acquired. Only the latest
		// one was kept; answer it now.
		n.processOffer(*pending)
	case n.initiator:
		n.mu.Lock()
		n.offerTimer = time.AfterFunc(n.graceDelay, n.makeOffer)
		n.mu.Unlock()
	}
}

func (n *Negotiator) wirePC(pc *webrtc.PeerConnection) {
	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		n.mu.Lock()
		closed := n.closed
		n.mu.Unlock()
		if closed {
			return
		}
		init := cand.ToJSON()
		if err := n.sig.SendSignal(n.roomID, Signal{Type: SignalCandidate, Candidate: &init}); err != nil {
			log.Debugw("send candidate failed", "room", n.roomID, "err", err)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Infow("remote track", "room", n.roomID, "kind", track.Kind(), "codec", track.Codec().MimeType)
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			go n.pliLoop(pc, uint32(track.SSRC()))
		}
		go n.drainTrack(track)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Infow("connection state", "room", n.roomID, "state", state)
	})
}

// pliLoop periodically asks the sender for a keyframe so inbound video
// recovers from loss and late joins.
func (n *Negotiator) pliLoop(pc *webrtc.PeerConnection, ssrc uint32) {
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()
	for range ticker.C {
		n.mu.Lock()
		closed := n.closed
		n.mu.Unlock()
		if closed {
			return
		}
		err := pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}})
		if err != nil {
			return
		}
	}
}

func (n *Negotiator) drainTrack(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		size, _, err := track.Read(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debugw("remote track read ended", "room", n.roomID, "err", err)
			}
			return
		}
		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:size]); err != nil {
			continue
		}
		n.packetsIn.Add(1)
		n.bytesIn.Add(uint64(len(pkt.Payload)))
	}
}

// makeOffer runs on the initiator side after the grace delay.
func (n *Negotiator) makeOffer() {
	n.mu.Lock()
	if n.closed || n.remoteSet || n.pc == nil {
		n.mu.Unlock()
		return
	}
	pc := n.pc
	n.mu.Unlock()

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		log.Errorw("CreateOffer failed", "room", n.roomID, "err", err)
		return
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		log.Errorw("SetLocalDescription(offer) failed", "room", n.roomID, "err", err)
		return
	}

	n.mu.Lock()
	closed := n.closed
	n.mu.Unlock()
	if closed {
		return
	}
	if err := n.sig.SendSignal(n.roomID, Signal{Type: SignalOffer, SDP: offer.SDP}); err != nil {
		log.Errorw("send offer failed", "room", n.roomID, "err", err)
	}
}

// HandleSignal routes one inbound signal. Malformed payloads are logged and
// dropped with no state change.
func (n *Negotiator) HandleSignal(sig Signal) {
	switch sig.Type {
	case SignalOffer:
		if sig.SDP == "" {
			log.Warnw("offer without sdp dropped", "room", n.roomID)
			return
		}
		n.handleOffer(sig.SDP)
	case SignalAnswer:
		if sig.SDP == "" {
			log.Warnw("answer without sdp dropped", "room", n.roomID)
			return
		}
		n.handleAnswer(sig.SDP)
	case SignalCandidate:
		if sig.Candidate == nil {
			log.Warnw("candidate signal without candidate dropped", "room", n.roomID)
			return
		}
		n.handleCandidate(*sig.Candidate)
	default:
		log.Warnw("unknown signal type dropped", "room", n.roomID, "type", sig.Type)
	}
}

func (n *Negotiator) handleOffer(sdp string) {
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	if !n.ready {
		// Media not yet ready or skipped. Keep only the newest offer; it
		// will be processed exactly once when setup completes.
		n.pendingOffer = &desc
		n.mu.Unlock()
		return
	}
	n.mu.Unlock()

	n.processOffer(desc)
}

func (n *Negotiator) processOffer(desc webrtc.SessionDescription) {
	n.mu.Lock()
	if n.closed || n.pc == nil {
		n.mu.Unlock()
		return
	}
	pc := n.pc
	n.mu.Unlock()

	if err := pc.SetRemoteDescription(desc); err != nil {
		log.Errorw("SetRemoteDescription(offer) failed", "room", n.roomID, "err", err)
		return
	}
	n.drainCandidates(pc)

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		log.Errorw("CreateAnswer failed", "room", n.roomID, "err", err)
		return
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		log.Errorw("SetLocalDescription(answer) failed", "room", n.roomID, "err", err)
		return
	}

	n.mu.Lock()
	closed := n.closed
	n.mu.Unlock()
	if closed {
		return
	}
	if err := n.sig.SendSignal(n.roomID, Signal{Type: SignalAnswer, SDP: answer.SDP}); err != nil {
		log.Errorw("send answer failed", "room", n.roomID, "err", err)
	}
}

func (n *Negotiator) handleAnswer(sdp string) {
	n.mu.Lock()
	if n.closed || n.pc == nil {
		n.mu.Unlock()
		return
	}
	pc := n.pc
	n.mu.Unlock()

	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
	if err := pc.SetRemoteDescription(desc); err != nil {
		log.Errorw("SetRemoteDescription(answer) failed", "room", n.roomID, "err", err)
		return
	}
	n.drainCandidates(pc)
}

// drainCandidates flips the negotiator into apply-immediately mode and
// applies everything buffered so far, oldest first. Runs at most once.
func (n *Negotiator) drainCandidates(pc *webrtc.PeerConnection) {
	n.mu.Lock()
	if n.remoteSet {
		n.mu.Unlock()
		return
	}
	n.remoteSet = true
	buffered := n.candidates
	n.candidates = nil
	n.mu.Unlock()

	for _, cand := range buffered {
		if err := n.applyCand(pc, cand); err != nil {
			log.Warnw("buffered candidate rejected", "room", n.roomID, "err", err)
		}
	}
}

func (n *Negotiator) handleCandidate(cand webrtc.ICECandidateInit) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	if !n.remoteSet || n.pc == nil {
		n.candidates = append(n.candidates, cand)
		n.mu.Unlock()
		return
	}
	pc := n.pc
	n.mu.Unlock()

	if err := n.applyCand(pc, cand); err != nil {
		log.Warnw("candidate rejected", "room", n.roomID, "err", err)
	}
}

// Close tears the negotiation down: local tracks stopped, peer connection
// closed, buffers discarded. Safe to call any number of times.
func (n *Negotiator) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	pc := n.pc
	stopMedia := n.stopMedia
	timer := n.offerTimer
	n.pc = nil
	n.stopMedia = nil
	n.pendingOffer = nil
	n.candidates = nil
	n.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if stopMedia != nil {
		stopMedia()
	}
	if pc != nil {
		pc.Close()
	}
	log.Debugw("negotiator closed", "room", n.roomID)
}

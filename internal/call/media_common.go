package call

import (
	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"
)

var log = logging.Logger("anonchat/call")

// MediaConfig controls local capture. Zero width/height fall back to 640x480.
type MediaConfig struct {
	DisableVideo bool
	DisableAudio bool
	VideoWidth   int
	VideoHeight  int
}

func (c MediaConfig) width() int {
	if c.VideoWidth <= 0 {
		return 640
	}
	return c.VideoWidth
}

func (c MediaConfig) height() int {
	if c.VideoHeight <= 0 {
		return 480
	}
	return c.VideoHeight
}

// addRecvOnlyTransceivers adds recvonly transceivers for video and audio so
// CreateOffer/CreateAnswer always produces valid m-lines with ICE credentials.
func addRecvOnlyTransceivers(roomID string, pc *webrtc.PeerConnection) {
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		log.Errorw("AddTransceiver(video) failed", "room", roomID, "err", err)
	}
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		log.Errorw("AddTransceiver(audio) failed", "room", roomID, "err", err)
	}
}

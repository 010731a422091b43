//go:build linux

package call

import (
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// initMediaPC creates the PeerConnection with VP8+Opus codecs and attempts to
// capture local camera/mic via pion/mediadevices (V4L2 + malgo on Linux).
// Returns the PC and a cleanup func for local media (may be nil). Capture
// failure is not an error: the PC falls back to receive-only so the call can
// still show the partner.
func initMediaPC(roomID string, cfg MediaConfig) (*webrtc.PeerConnection, func(), error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, nil, err
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, nil, err
	}

	codecSelector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	mediaEngine := &webrtc.MediaEngine{}
	codecSelector.Populate(mediaEngine)

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, nil, err
	}

	// Generous ICE timeouts so a brief NAT hiccup does not immediately
	// terminate the call. The default disconnectedTimeout is 5 s, far too
	// short for paths that can have short outages during re-keying.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
	})
	if err != nil {
		return nil, nil, err
	}

	if cfg.DisableVideo && cfg.DisableAudio {
		log.Infow("local media disabled, receive-only", "room", roomID)
		addRecvOnlyTransceivers(roomID, pc)
		return pc, nil, nil
	}

	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		log.Warnw("no media devices found", "room", roomID)
	} else {
		for _, d := range devices {
			log.Debugw("media device", "room", roomID, "kind", d.Kind, "label", d.Label)
		}
	}

	// GetUserMedia fails as a unit if either track (video OR audio) can't be
	// opened. Try video+audio first, then video-only, then audio-only so that
	// a missing/busy microphone doesn't prevent the camera from working and
	// vice versa.
	type attempt struct {
		video bool
		audio bool
		label string
	}
	for _, a := range []attempt{
		{true, true, "video+audio"},
		{true, false, "video-only"},
		{false, true, "audio-only"},
	} {
		if (a.video && cfg.DisableVideo) || (a.audio && cfg.DisableAudio) {
			continue
		}

		constraints := mediadevices.MediaStreamConstraints{Codec: codecSelector}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Exclude MJPEG. Some cameras expose an MJPEG V4L2 node that
				// produces malformed JPEG frames, which poisons the VP8
				// encoder and causes SetRemoteDescription to fail.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				// Cap resolution. Higher resolutions increase VP8 encoding
				// latency enough to make the first keyframe visibly late.
				c.Width = prop.IntRanged{Max: cfg.width()}
				c.Height = prop.IntRanged{Max: cfg.height()}
			}
		}
		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Warnw("GetUserMedia failed", "room", roomID, "attempt", a.label, "err", err)
			continue
		}

		tracks := stream.GetTracks()
		for _, track := range tracks {
			track.OnEnded(func(err error) {
				if err != nil {
					log.Debugw("local track ended", "room", roomID, "err", err)
				}
			})
			if _, err := pc.AddTrack(track); err != nil {
				log.Errorw("AddTrack failed", "room", roomID, "err", err)
			}
		}

		log.Infow("local media captured", "room", roomID, "attempt", a.label, "tracks", len(tracks))
		closeFn := func() {
			for _, t := range tracks {
				t.Close()
			}
		}
		return pc, closeFn, nil
	}

	// All attempts failed. Fall back to receive-only so the call can still
	// receive remote media without local camera/mic.
	log.Warnw("all media capture attempts failed, receive-only", "room", roomID)
	addRecvOnlyTransceivers(roomID, pc)
	return pc, nil, nil
}

package webrtc

import (
	"fmt"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const DefaultSTUNServer = "stun:stun.l.google.com:19302"

// LinkConfig configures the PeerConnections built by LinkFactory.
type LinkConfig struct {
	ICEServers      []string
	PortMin         uint16
	PortMax         uint16
	IncludeLoopback bool
}

// LinkFactory builds one PionLink per session. Every link carries the local
// tracks given at construction; without local tracks each link receives
// audio and video only.
type LinkFactory struct {
	api    *webrtc.API
	config webrtc.Configuration
	tracks []webrtc.TrackLocal
	logger *zap.SugaredLogger
}

var _ ports.PeerLinkFactory = (*LinkFactory)(nil)

// NewLinkFactory creates a factory whose links share one pion API and carry
// the given local tracks.
func NewLinkFactory(cfg LinkConfig, tracks []webrtc.TrackLocal, logger *zap.SugaredLogger) (*LinkFactory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	settingEngine := webrtc.SettingEngine{
		LoggerFactory: NewZapLoggerFactory(logger),
	}
	if cfg.PortMin > 0 && cfg.PortMax > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.PortMin, cfg.PortMax); err != nil {
			return nil, fmt.Errorf("invalid port range %d-%d: %w", cfg.PortMin, cfg.PortMax, err)
		}
	}
	if cfg.IncludeLoopback {
		settingEngine.SetIncludeLoopbackCandidate(true)
	}

	servers := cfg.ICEServers
	if servers == nil {
		servers = []string{DefaultSTUNServer}
	}
	var iceServers []webrtc.ICEServer
	if len(servers) > 0 {
		iceServers = []webrtc.ICEServer{{URLs: servers}}
	}

	return &LinkFactory{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithSettingEngine(settingEngine),
		),
		config: webrtc.Configuration{
			ICEServers:   iceServers,
			SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
		},
		tracks: tracks,
		logger: logger,
	}, nil
}

// NewLink creates a peer connection for opponent.
func (f *LinkFactory) NewLink(opponent domain.ParticipantID) (ports.PeerLink, error) {
	logger := f.logger.With("opponent_id", opponent)

	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	if err := f.attachMedia(pc, logger); err != nil {
		pc.Close()
		return nil, err
	}

	logger.Debugw("peer connection created", "local_tracks", len(f.tracks))
	return newPionLink(opponent, pc, logger), nil
}

func (f *LinkFactory) attachMedia(pc *webrtc.PeerConnection, logger *zap.SugaredLogger) error {
	if len(f.tracks) == 0 {
		for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
			_, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionRecvonly,
			})
			if err != nil {
				return fmt.Errorf("failed to add %s transceiver: %w", kind, err)
			}
		}
		return nil
	}

	for _, track := range f.tracks {
		sender, err := pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("failed to add local track %s: %w", track.ID(), err)
		}
		go drainSenderRTCP(sender)
		logger.Debugw("local track added", "track_id", track.ID(), "kind", track.Kind())
	}
	return nil
}

func drainSenderRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

package webrtc

import (
	"fmt"
	"sync"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// PionLink implements ports.PeerLink on top of a pion PeerConnection.
type PionLink struct {
	opponent domain.ParticipantID
	pc       *webrtc.PeerConnection

	mu          sync.Mutex
	onCandidate func(domain.ICECandidate)
	onMedia     func(ports.MediaHandle)
	onState     func(domain.LinkState)
	media       *RemoteMedia

	logger *zap.SugaredLogger
}

func newPionLink(opponent domain.ParticipantID, pc *webrtc.PeerConnection, logger *zap.SugaredLogger) *PionLink {
	l := &PionLink{
		opponent: opponent,
		pc:       pc,
		logger:   logger,
	}
	pc.OnICECandidate(l.handleICECandidate)
	pc.OnTrack(l.handleTrack)
	pc.OnICEConnectionStateChange(l.handleICEConnectionState)
	pc.OnConnectionStateChange(l.handleConnectionState)
	return l
}

func (l *PionLink) CreateOffer() (domain.SessionDescription, error) {
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("failed to create offer: %w", err)
	}
	return fromPion(offer), nil
}

func (l *PionLink) CreateAnswer() (domain.SessionDescription, error) {
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("failed to create answer: %w", err)
	}
	return fromPion(answer), nil
}

func (l *PionLink) SetLocalDescription(desc domain.SessionDescription) error {
	if err := l.pc.SetLocalDescription(toPion(desc)); err != nil {
		return fmt.Errorf("failed to set local %s: %w", desc.Type, err)
	}
	return nil
}

func (l *PionLink) SetRemoteDescription(desc domain.SessionDescription) error {
	if err := l.pc.SetRemoteDescription(toPion(desc)); err != nil {
		return fmt.Errorf("failed to set remote %s: %w", desc.Type, err)
	}
	return nil
}

// AddRemoteCandidate applies a candidate received from the opponent.
func (l *PionLink) AddRemoteCandidate(cand domain.ICECandidate) error {
	err := l.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        cand.Candidate,
		SDPMid:           cand.SDPMid,
		SDPMLineIndex:    cand.SDPMLineIndex,
		UsernameFragment: cand.UsernameFragment,
	})
	if err != nil {
		return fmt.Errorf("failed to add remote candidate: %w", err)
	}
	return nil
}

// OnLocalCandidate registers fn for gathered candidates. Gathering completion
// is not reported.
func (l *PionLink) OnLocalCandidate(fn func(domain.ICECandidate)) {
	l.mu.Lock()
	l.onCandidate = fn
	l.mu.Unlock()
}

func (l *PionLink) OnRemoteMedia(fn func(ports.MediaHandle)) {
	l.mu.Lock()
	l.onMedia = fn
	l.mu.Unlock()
}

func (l *PionLink) OnStateChange(fn func(domain.LinkState)) {
	l.mu.Lock()
	l.onState = fn
	l.mu.Unlock()
}

// Close tears down the peer connection.
func (l *PionLink) Close() error {
	return l.pc.Close()
}

func (l *PionLink) handleICECandidate(c *webrtc.ICECandidate) {
	// nil marks the end of gathering.
	if c == nil {
		return
	}
	j := c.ToJSON()

	l.mu.Lock()
	fn := l.onCandidate
	l.mu.Unlock()
	if fn != nil {
		fn(domain.ICECandidate{
			Candidate:        j.Candidate,
			SDPMid:           j.SDPMid,
			SDPMLineIndex:    j.SDPMLineIndex,
			UsernameFragment: j.UsernameFragment,
		})
	}
}

func (l *PionLink) handleTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	l.logger.Infow("remote track started",
		"track_id", track.ID(),
		"stream_id", track.StreamID(),
		"codec", track.Codec().MimeType,
	)

	if track.Kind() == webrtc.RTPCodecTypeVideo {
		l.requestKeyframe(track)
	}
	go drainRTCP(receiver)

	l.mu.Lock()
	first := l.media == nil
	if first {
		l.media = newRemoteMedia(track.StreamID(), l.logger)
	}
	media := l.media
	fn := l.onMedia
	l.mu.Unlock()

	media.addTrack(track)
	if first && fn != nil {
		fn(media)
	}
}

func (l *PionLink) requestKeyframe(track *webrtc.TrackRemote) {
	err := l.pc.WriteRTCP([]rtcp.Packet{
		&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
	})
	if err != nil {
		l.logger.Warnw("failed to request keyframe", "track_id", track.ID(), "error", err)
	}
}

func (l *PionLink) handleICEConnectionState(state webrtc.ICEConnectionState) {
	l.logger.Debugw("ICE connection state changed", "ice_state", state)
	l.emitState(iceLinkState(state))
}

func (l *PionLink) handleConnectionState(state webrtc.PeerConnectionState) {
	l.logger.Debugw("peer connection state changed", "connection_state", state)
	l.emitState(peerConnectionLinkState(state))
}

func (l *PionLink) emitState(st domain.LinkState) {
	if st == "" {
		return
	}
	l.mu.Lock()
	fn := l.onState
	l.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}

// drainRTCP keeps interceptors running for a receiver until it stops.
func drainRTCP(receiver *webrtc.RTPReceiver) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := receiver.Read(buf); err != nil {
			return
		}
	}
}

func iceLinkState(state webrtc.ICEConnectionState) domain.LinkState {
	switch state {
	case webrtc.ICEConnectionStateNew:
		return domain.LinkNew
	case webrtc.ICEConnectionStateChecking:
		return domain.LinkChecking
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		return domain.LinkConnected
	case webrtc.ICEConnectionStateDisconnected:
		return domain.LinkDisconnected
	case webrtc.ICEConnectionStateFailed:
		return domain.LinkFailed
	case webrtc.ICEConnectionStateClosed:
		return domain.LinkClosed
	}
	return ""
}

func peerConnectionLinkState(state webrtc.PeerConnectionState) domain.LinkState {
	switch state {
	case webrtc.PeerConnectionStateNew:
		return domain.LinkNew
	case webrtc.PeerConnectionStateConnecting:
		return domain.LinkChecking
	case webrtc.PeerConnectionStateConnected:
		return domain.LinkConnected
	case webrtc.PeerConnectionStateDisconnected:
		return domain.LinkDisconnected
	case webrtc.PeerConnectionStateFailed:
		return domain.LinkFailed
	case webrtc.PeerConnectionStateClosed:
		return domain.LinkClosed
	}
	return ""
}

func fromPion(desc webrtc.SessionDescription) domain.SessionDescription {
	return domain.SessionDescription{Type: desc.Type.String(), SDP: desc.SDP}
}

func toPion(desc domain.SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(desc.Type), SDP: desc.SDP}
}

package webrtc

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// PacketSink receives every RTP packet read from a remote track.
type PacketSink func(kind webrtc.RTPCodecType, pkt *rtp.Packet)

// RemoteMedia is the media received over one link. Every remote track is
// drained continuously so pion's receive buffers never stall; packets go to
// the sinks registered with Forward.
type RemoteMedia struct {
	id string

	mu     sync.RWMutex
	tracks []*webrtc.TrackRemote
	sinks  []PacketSink

	packets atomic.Uint64
	logger  *zap.SugaredLogger
}

func newRemoteMedia(id string, logger *zap.SugaredLogger) *RemoteMedia {
	return &RemoteMedia{id: id, logger: logger}
}

// ID is the remote stream id.
func (m *RemoteMedia) ID() string { return m.id }

func (m *RemoteMedia) Tracks() []*webrtc.TrackRemote {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*webrtc.TrackRemote(nil), m.tracks...)
}

// Forward registers a sink for packets read from now on.
func (m *RemoteMedia) Forward(sink PacketSink) {
	m.mu.Lock()
	m.sinks = append(m.sinks, sink)
	m.mu.Unlock()
}

// Packets is the number of RTP packets read so far across all tracks.
func (m *RemoteMedia) Packets() uint64 { return m.packets.Load() }

func (m *RemoteMedia) addTrack(track *webrtc.TrackRemote) {
	m.mu.Lock()
	m.tracks = append(m.tracks, track)
	m.mu.Unlock()
	go m.drain(track)
}

func (m *RemoteMedia) drain(track *webrtc.TrackRemote) {
	kind := track.Kind()
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				m.logger.Debugw("remote track ended", "track_id", track.ID(), "kind", kind, "error", err)
			}
			return
		}
		m.packets.Add(1)

		m.mu.RLock()
		sinks := m.sinks
		m.mu.RUnlock()
		for _, sink := range sinks {
			sink(kind, pkt)
		}
	}
}

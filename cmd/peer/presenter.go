package main

import (
	"sync"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"
	webrtcinfra "rillcall/internal/infrastructure/webrtc"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// logPresenter stands in for a UI: it logs opponents that are waiting and the
// first packet of each remote track kind.
type logPresenter struct {
	self domain.ParticipantID
	log  *zap.SugaredLogger
}

var _ ports.Presenter = (*logPresenter)(nil)

func (p *logPresenter) OpponentAwaitingConnection(opponent domain.ParticipantID) {
	p.log.Infow("waiting for opponent", "participant_id", p.self, "opponent_id", opponent)
}

func (p *logPresenter) RemoteMediaReady(opponent domain.ParticipantID, media ports.MediaHandle) {
	p.log.Infow("remote media ready", "participant_id", p.self, "opponent_id", opponent, "stream_id", media.ID())

	remote, ok := media.(*webrtcinfra.RemoteMedia)
	if !ok {
		return
	}
	var mu sync.Mutex
	seen := make(map[webrtc.RTPCodecType]bool)
	remote.Forward(func(kind webrtc.RTPCodecType, pkt *rtp.Packet) {
		mu.Lock()
		first := !seen[kind]
		seen[kind] = true
		mu.Unlock()
		if first {
			p.log.Infow("receiving media",
				"participant_id", p.self,
				"opponent_id", opponent,
				"kind", kind.String(),
				"ssrc", pkt.SSRC,
				"payload_type", pkt.PayloadType,
			)
		}
	})
}

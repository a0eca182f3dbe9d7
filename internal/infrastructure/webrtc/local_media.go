package webrtc

import (
	"context"
	"fmt"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
)

const opusFrameDuration = 20 * time.Millisecond

// opusSilence is a single Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// LocalMedia is the local participant's outgoing audio and video, shared by
// every link.
type LocalMedia struct {
	Audio *webrtc.TrackLocalStaticSample
	Video *webrtc.TrackLocalStaticSample
}

// NewLocalMedia creates the audio and video tracks offered to every opponent.
func NewLocalMedia(streamID string) (*LocalMedia, error) {
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", streamID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create audio track: %w", err)
	}
	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		"video", streamID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create video track: %w", err)
	}
	return &LocalMedia{Audio: audio, Video: video}, nil
}

func (m *LocalMedia) Tracks() []webrtc.TrackLocal {
	return []webrtc.TrackLocal{m.Audio, m.Video}
}

// SendSilence writes Opus silence on the audio track until ctx is done, so
// remote sides see media without a capture device.
func (m *LocalMedia) SendSilence(ctx context.Context) error {
	ticker := time.NewTicker(opusFrameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := m.Audio.WriteSample(media.Sample{Data: opusSilence, Duration: opusFrameDuration}); err != nil {
				return fmt.Errorf("failed to write audio sample: %w", err)
			}
		}
	}
}

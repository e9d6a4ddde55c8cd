package media

import (
	"context"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"go.uber.org/zap"

	"github.com/peerdial/peerdial/internal/audio"
)

// SyntheticDevices is an audio-only capture backend that plays a continuous
// tone. Headless peers use it where no microphone exists; muting swaps the
// tone for silence so the RTP stream keeps its timing.
type SyntheticDevices struct {
	log  *zap.Logger
	tone []int16
}

// NewSynthetic builds the synthetic backend with a one-second tone loop.
func NewSynthetic(log *zap.Logger) *SyntheticDevices {
	return &SyntheticDevices{
		log:  log,
		tone: audio.GenerateSineWave(1, audio.ToneFrequency),
	}
}

// GetUserMedia returns a stream with one synthetic audio track. Video is
// not synthesized; a video call proceeds with audio only.
func (d *SyntheticDevices) GetUserMedia(_ context.Context, video bool) (*Stream, error) {
	if video {
		d.log.Info("synthetic capture has no camera, sending audio only")
	}
	track, err := newSyntheticAudioTrack(d.tone)
	if err != nil {
		return nil, err
	}
	return NewStream(track), nil
}

// syntheticAudioTrack feeds Opus-encoded tone frames into a static sample
// track at the wall-clock frame rate.
type syntheticAudioTrack struct {
	*BaseTrack
	rtp  *webrtc.TrackLocalStaticSample
	done chan struct{}
}

func newSyntheticAudioTrack(tone []int16) (*syntheticAudioTrack, error) {
	rtp, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeOpus,
			ClockRate: audio.SampleRate,
			Channels:  2,
		},
		"audio", "peerdial-synth",
	)
	if err != nil {
		return nil, fmt.Errorf("create synthetic audio track: %w", err)
	}
	enc, err := audio.NewEncoder()
	if err != nil {
		return nil, fmt.Errorf("create opus encoder: %w", err)
	}

	t := &syntheticAudioTrack{rtp: rtp, done: make(chan struct{})}
	t.BaseTrack = NewBaseTrack(KindAudio, func() { close(t.done) })
	go t.run(tone, enc)
	return t, nil
}

func (t *syntheticAudioTrack) RTPTrack() webrtc.TrackLocal { return t.rtp }

func (t *syntheticAudioTrack) run(tone []int16, enc *audio.Encoder) {
	silence := make([]int16, audio.FrameSamples)
	ticker := time.NewTicker(audio.FrameDuration)
	defer ticker.Stop()

	pos := 0
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
		}

		frame := silence
		if t.Enabled() {
			if pos+audio.FrameSamples > len(tone) {
				pos = 0
			}
			frame = tone[pos : pos+audio.FrameSamples]
			pos += audio.FrameSamples
		}

		pkt, err := enc.Encode(frame)
		if err != nil {
			continue
		}
		// WriteSample errors until the track is bound; the frames simply
		// fall on the floor, which is what an unconnected call wants.
		t.rtp.WriteSample(pionmedia.Sample{Data: pkt, Duration: audio.FrameDuration})
	}
}

//go:build linux

package media

import (
	"context"
	"fmt"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// CaptureDevices captures the real camera and microphone through
// pion/mediadevices (V4L2 and malgo on Linux).
type CaptureDevices struct {
	log      *zap.Logger
	selector *mediadevices.CodecSelector
}

// NewCapture prepares VP8 and Opus encoders for device capture.
func NewCapture(log *zap.Logger) (*CaptureDevices, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	return &CaptureDevices{
		log: log,
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

// ConfigureEngine registers the capture codecs on a peer connection's media
// engine. Pass this to the transport factory; the encoders chosen here must
// match what negotiation offers.
func (d *CaptureDevices) ConfigureEngine(me *webrtc.MediaEngine) error {
	d.selector.Populate(me)
	return nil
}

// GetUserMedia opens the microphone, and the camera when video is set.
// GetUserMedia in mediadevices fails as a unit when either device cannot be
// opened, so a busy camera falls back to audio only before giving up.
func (d *CaptureDevices) GetUserMedia(_ context.Context, video bool) (*Stream, error) {
	attempts := []bool{video, false}
	if !video {
		attempts = []bool{false}
	}

	var lastErr error
	for _, withVideo := range attempts {
		constraints := mediadevices.MediaStreamConstraints{
			Codec: d.selector,
			Audio: func(_ *mediadevices.MediaTrackConstraints) {},
		}
		if withVideo {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// MJPEG nodes on some cameras emit malformed frames that
				// poison the VP8 encoder. Raw formats only, capped at VGA.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				c.Width = prop.IntRanged{Max: 640}
				c.Height = prop.IntRanged{Max: 480}
			}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			d.log.Warn("capture attempt failed", zap.Bool("video", withVideo), zap.Error(err))
			lastErr = err
			continue
		}

		var tracks []Track
		for _, mdTrack := range stream.GetTracks() {
			tracks = append(tracks, newCaptureTrack(mdTrack, d.log))
		}
		d.log.Info("local media captured", zap.Int("tracks", len(tracks)), zap.Bool("video", withVideo))
		return NewStream(tracks...), nil
	}
	return nil, fmt.Errorf("%w: %v", ErrAccessDenied, lastErr)
}

// captureTrack wraps one mediadevices track. The enabled flag is advisory
// for capture tracks; the device keeps encoding while disabled.
type captureTrack struct {
	*BaseTrack
	md mediadevices.Track
}

func newCaptureTrack(md mediadevices.Track, log *zap.Logger) *captureTrack {
	kind := KindAudio
	if md.Kind() == webrtc.RTPCodecTypeVideo {
		kind = KindVideo
	}
	t := &captureTrack{md: md}
	t.BaseTrack = NewBaseTrack(kind, func() {
		if err := md.Close(); err != nil {
			log.Warn("close capture track", zap.String("kind", string(kind)), zap.Error(err))
		}
	})
	md.OnEnded(func(err error) {
		if err != nil {
			log.Warn("capture track ended", zap.String("kind", string(kind)), zap.Error(err))
		}
	})
	return t
}

func (t *captureTrack) RTPTrack() webrtc.TrackLocal { return t.md }

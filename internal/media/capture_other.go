//go:build !linux

package media

import (
	"context"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// CaptureDevices is only implemented on Linux. Other platforms run with the
// synthetic backend.
type CaptureDevices struct{}

func NewCapture(*zap.Logger) (*CaptureDevices, error) {
	return nil, ErrUnavailable
}

func (d *CaptureDevices) ConfigureEngine(*webrtc.MediaEngine) error { return nil }

func (d *CaptureDevices) GetUserMedia(context.Context, bool) (*Stream, error) {
	return nil, ErrUnavailable
}

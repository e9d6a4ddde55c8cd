package rtc

import (
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/peerdial/peerdial/internal/media"
	"github.com/peerdial/peerdial/internal/signal"
)

// PionConfig configures the pion-backed transport factory.
type PionConfig struct {
	// STUNServers are ICE server URLs; at least one is required for NAT
	// traversal outside loopback setups.
	STUNServers []string
	// ConfigureEngine registers codecs on the media engine. Nil means the
	// pion defaults (Opus, VP8, ...). Capture backends that bring their own
	// encoders (pion/mediadevices) install their codec selector here.
	ConfigureEngine func(*webrtc.MediaEngine) error
}

// PionFactory builds real WebRTC peer connections.
type PionFactory struct {
	cfg PionConfig
	log *zap.Logger
}

// NewPionFactory creates a transport factory from cfg.
func NewPionFactory(cfg PionConfig, logger *zap.Logger) *PionFactory {
	if len(cfg.STUNServers) == 0 {
		cfg.STUNServers = []string{
			"stun:stun.l.google.com:19302",
			"stun:stun1.l.google.com:19302",
		}
	}
	return &PionFactory{cfg: cfg, log: logger}
}

// NewTransport builds a PeerConnection with the configured codecs and the
// default interceptor registry (NACK, RTCP reports).
func (f *PionFactory) NewTransport() (Transport, error) {
	m := &webrtc.MediaEngine{}
	if f.cfg.ConfigureEngine != nil {
		if err := f.cfg.ConfigureEngine(m); err != nil {
			return nil, fmt.Errorf("configure media engine: %w", err)
		}
	} else if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(ir),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: f.cfg.STUNServers}},
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	return &pionTransport{pc: pc, log: f.log}, nil
}

type pionTransport struct {
	pc  *webrtc.PeerConnection
	log *zap.Logger
}

func (t *pionTransport) AddTrack(track media.Track) error {
	p, ok := track.(media.RTPProvider)
	if !ok {
		return fmt.Errorf("track %s cannot be bound to a peer connection", track.Kind())
	}
	if _, err := t.pc.AddTrack(p.RTPTrack()); err != nil {
		return fmt.Errorf("add %s track: %w", track.Kind(), err)
	}
	return nil
}

func (t *pionTransport) CreateOffer() (signal.SessionDescription, error) {
	desc, err := t.pc.CreateOffer(nil)
	if err != nil {
		return signal.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	return signal.SessionDescription{Type: desc.Type.String(), SDP: desc.SDP}, nil
}

func (t *pionTransport) CreateAnswer() (signal.SessionDescription, error) {
	desc, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return signal.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	return signal.SessionDescription{Type: desc.Type.String(), SDP: desc.SDP}, nil
}

func (t *pionTransport) SetLocalDescription(sd signal.SessionDescription) error {
	if err := t.pc.SetLocalDescription(toPion(sd)); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	return nil
}

func (t *pionTransport) SetRemoteDescription(sd signal.SessionDescription) error {
	if err := t.pc.SetRemoteDescription(toPion(sd)); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

func (t *pionTransport) HasRemoteDescription() bool {
	return t.pc.RemoteDescription() != nil
}

func (t *pionTransport) AddRemoteCandidate(c signal.Candidate) error {
	init := webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
	if err := t.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

func (t *pionTransport) OnLocalCandidate(fn func(signal.Candidate)) {
	t.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			// End-of-candidates marker; nothing to relay.
			return
		}
		j := c.ToJSON()
		fn(signal.Candidate{
			Candidate:        j.Candidate,
			SDPMid:           j.SDPMid,
			SDPMLineIndex:    j.SDPMLineIndex,
			UsernameFragment: j.UsernameFragment,
		})
	})
}

func (t *pionTransport) OnRemoteTrack(fn func(media.RemoteTrack)) {
	t.pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		kind := media.KindAudio
		if tr.Kind() == webrtc.RTPCodecTypeVideo {
			kind = media.KindVideo
		}
		t.log.Info("remote track",
			zap.String("kind", string(kind)),
			zap.String("codec", tr.Codec().MimeType),
		)
		fn(media.RemoteTrack{Kind: kind, Pion: tr})
	})
}

func (t *pionTransport) OnStateChange(fn func(State)) {
	t.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		fn(State(s.String()))
	})
}

func (t *pionTransport) Close() error {
	return t.pc.Close()
}

func toPion(sd signal.SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{
		Type: webrtc.NewSDPType(sd.Type),
		SDP:  sd.SDP,
	}
}

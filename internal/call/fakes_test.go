package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/peerdial/peerdial/internal/media"
	"github.com/peerdial/peerdial/internal/rtc"
	"github.com/peerdial/peerdial/internal/signal"
)

// fakeTrack counts how many times it was stopped so tests can assert media
// is released exactly once.
type fakeTrack struct {
	*media.BaseTrack
	stops atomic.Int32
}

func newFakeTrack(kind media.Kind) *fakeTrack {
	t := &fakeTrack{}
	t.BaseTrack = media.NewBaseTrack(kind, func() { t.stops.Add(1) })
	return t
}

// fakeDevices hands out streams of fake tracks and remembers them so tests
// can inspect track state after teardown.
type fakeDevices struct {
	mu      sync.Mutex
	deny    bool
	streams []*fakeStream
}

type fakeStream struct {
	stream *media.Stream
	audio  *fakeTrack
	video  *fakeTrack
}

func (d *fakeDevices) GetUserMedia(_ context.Context, video bool) (*media.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.deny {
		return nil, media.ErrAccessDenied
	}
	fs := &fakeStream{audio: newFakeTrack(media.KindAudio)}
	tracks := []media.Track{fs.audio}
	if video {
		fs.video = newFakeTrack(media.KindVideo)
		tracks = append(tracks, fs.video)
	}
	fs.stream = media.NewStream(tracks...)
	d.streams = append(d.streams, fs)
	return fs.stream, nil
}

func (d *fakeDevices) lastStream() *fakeStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.streams) == 0 {
		return nil
	}
	return d.streams[len(d.streams)-1]
}

// fakeFactory pairs transports in creation order: the first and second
// transports become peers, the third and fourth, and so on. An unpaired
// transport simply never connects.
type fakeFactory struct {
	mu      sync.Mutex
	pending *fakeTransport
	created []*fakeTransport
}

func (f *fakeFactory) NewTransport() (rtc.Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTransport{}
	if f.pending != nil {
		t.peer = f.pending
		f.pending.peer = t
		f.pending = nil
	} else {
		f.pending = t
	}
	f.created = append(f.created, t)
	return t, nil
}

func (f *fakeFactory) transports() []*fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeTransport(nil), f.created...)
}

// fakeTransport negotiates against its paired peer entirely in memory.
// SetLocalDescription trickles two synthetic candidates; once both peers
// hold a local and a remote description each reports connecting then
// connected and surfaces one remote audio track.
type fakeTransport struct {
	mu     sync.Mutex
	peer   *fakeTransport
	closed bool

	localSet        bool
	remoteSet       bool
	setRemoteCalls  atomic.Int32
	remoteCands     []signal.Candidate
	candBeforeDesc  bool
	connectedSignal bool

	onLocalCandidate func(signal.Candidate)
	onRemoteTrack    func(media.RemoteTrack)
	onStateChange    func(rtc.State)
}

func (t *fakeTransport) AddTrack(media.Track) error { return nil }

func (t *fakeTransport) CreateOffer() (signal.SessionDescription, error) {
	return signal.SessionDescription{Type: "offer", SDP: "v=0 fake offer"}, nil
}

func (t *fakeTransport) CreateAnswer() (signal.SessionDescription, error) {
	return signal.SessionDescription{Type: "answer", SDP: "v=0 fake answer"}, nil
}

func (t *fakeTransport) SetLocalDescription(signal.SessionDescription) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return rtc.ErrClosed
	}
	t.localSet = true
	emit := t.onLocalCandidate
	t.mu.Unlock()

	if emit != nil {
		for i := 0; i < 2; i++ {
			mid := "0"
			idx := uint16(0)
			emit(signal.Candidate{
				Candidate:     fmt.Sprintf("candidate:%d 1 udp 2122260223 192.0.2.%d 5000 typ host", i, i+1),
				SDPMid:        &mid,
				SDPMLineIndex: &idx,
			})
		}
	}
	t.maybeConnect()
	return nil
}

func (t *fakeTransport) SetRemoteDescription(signal.SessionDescription) error {
	t.setRemoteCalls.Add(1)
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return rtc.ErrClosed
	}
	t.remoteSet = true
	t.mu.Unlock()
	t.maybeConnect()
	return nil
}

func (t *fakeTransport) HasRemoteDescription() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remoteSet
}

func (t *fakeTransport) AddRemoteCandidate(c signal.Candidate) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return rtc.ErrClosed
	}
	if !t.remoteSet {
		t.candBeforeDesc = true
		return errors.New("remote description not set")
	}
	t.remoteCands = append(t.remoteCands, c)
	return nil
}

func (t *fakeTransport) OnLocalCandidate(fn func(signal.Candidate)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onLocalCandidate = fn
}

func (t *fakeTransport) OnRemoteTrack(fn func(media.RemoteTrack)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onRemoteTrack = fn
}

func (t *fakeTransport) OnStateChange(fn func(rtc.State)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onStateChange = fn
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

// maybeConnect fires the connected sequence on both peers once each side
// holds both descriptions. Runs at most once per transport.
func (t *fakeTransport) maybeConnect() {
	t.mu.Lock()
	peer := t.peer
	t.mu.Unlock()
	if peer == nil {
		return
	}
	for _, side := range []*fakeTransport{t, peer} {
		side.mu.Lock()
		ready := side.localSet && side.remoteSet && !side.closed
		side.mu.Unlock()
		if !ready {
			return
		}
	}
	for _, side := range []*fakeTransport{t, peer} {
		side.mu.Lock()
		fire := !side.connectedSignal
		side.connectedSignal = true
		onState := side.onStateChange
		onTrack := side.onRemoteTrack
		side.mu.Unlock()
		if !fire {
			continue
		}
		if onState != nil {
			onState(rtc.StateConnecting)
			onState(rtc.StateConnected)
		}
		if onTrack != nil {
			onTrack(media.RemoteTrack{Kind: media.KindAudio})
		}
	}
}

// fail injects a transport failure state change, as pion would report after
// losing its candidate pair.
func (t *fakeTransport) fail() {
	t.mu.Lock()
	fn := t.onStateChange
	t.mu.Unlock()
	if fn != nil {
		fn(rtc.StateFailed)
	}
}

func (t *fakeTransport) remoteCandidates() []signal.Candidate {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]signal.Candidate(nil), t.remoteCands...)
}

func (t *fakeTransport) sawCandidateBeforeDescription() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.candBeforeDesc
}

// flakyMailbox wraps a mailbox, fails the next n UpdateCall invocations,
// and remembers the last created call id so tests can inspect records even
// when the dial they belong to failed.
type flakyMailbox struct {
	signal.Mailbox
	failUpdates atomic.Int32

	mu      sync.Mutex
	created []string
}

func (f *flakyMailbox) CreateCall(ctx context.Context, rec signal.CallRecord) (string, error) {
	id, err := f.Mailbox.CreateCall(ctx, rec)
	if err == nil {
		f.mu.Lock()
		f.created = append(f.created, id)
		f.mu.Unlock()
	}
	return id, err
}

func (f *flakyMailbox) UpdateCall(ctx context.Context, id string, p signal.CallPatch) error {
	if f.failUpdates.Load() > 0 {
		f.failUpdates.Add(-1)
		return errors.New("injected update failure")
	}
	return f.Mailbox.UpdateCall(ctx, id, p)
}

func (f *flakyMailbox) lastCreated() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.created) == 0 {
		return ""
	}
	return f.created[len(f.created)-1]
}

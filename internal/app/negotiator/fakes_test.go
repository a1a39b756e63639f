package negotiator

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/studyhall/internal/core"
	"github.com/dkeye/studyhall/internal/domain"
)

// fakeGateway hands out fakePCs that "connect" once they hold a remote
// description and at least one remote candidate. The SDP carries the
// peer's stream id so remote tracks can be matched to local media.
type fakeGateway struct {
	mu         sync.Mutex
	next       int
	pcs        []*fakePC
	denyMedia  bool
	candidates int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{candidates: 2}
}

func (g *fakeGateway) CaptureLocalMedia(ctx context.Context, c core.MediaConstraints) (core.LocalMedia, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.denyMedia {
		return nil, fmt.Errorf("open camera: %w", domain.ErrMediaAccessDenied)
	}
	g.next++
	return newFakeMedia(fmt.Sprintf("stream-%d", g.next))
}

func (g *fakeGateway) NewPeerConnection([]webrtc.ICEServer) (core.PeerConnection, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	pc := &fakePC{id: fmt.Sprintf("pc-%d", g.next), candidates: g.candidates}
	g.pcs = append(g.pcs, pc)
	return pc, nil
}

func (g *fakeGateway) pc(i int) *fakePC {
	g.mu.Lock()
	defer g.mu.Unlock()
	if i >= len(g.pcs) {
		return nil
	}
	return g.pcs[i]
}

// slowGateway holds NewPeerConnection until release is closed.
type slowGateway struct {
	*fakeGateway
	entered chan struct{}
	release chan struct{}
}

func newSlowGateway() *slowGateway {
	return &slowGateway{
		fakeGateway: newFakeGateway(),
		entered:     make(chan struct{}, 1),
		release:     make(chan struct{}),
	}
}

func (g *slowGateway) NewPeerConnection(servers []webrtc.ICEServer) (core.PeerConnection, error) {
	g.entered <- struct{}{}
	<-g.release
	return g.fakeGateway.NewPeerConnection(servers)
}

// stallingStore holds SubscribeDocument until release is closed and counts
// released subscriptions.
type stallingStore struct {
	core.SignalStore
	release  chan struct{}
	released atomic.Int32
}

func (s *stallingStore) SubscribeDocument(ctx context.Context, id domain.SessionID, fn core.DocumentHandler) (core.Unsubscribe, error) {
	<-s.release
	unsub, err := s.SignalStore.SubscribeDocument(ctx, id, fn)
	if err != nil {
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			s.released.Add(1)
			unsub()
		})
	}, nil
}

type fakeMedia struct {
	id     string
	tracks []webrtc.TrackLocal

	mu    sync.Mutex
	stops int
}

func newFakeMedia(streamID string) (*fakeMedia, error) {
	video, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", streamID)
	if err != nil {
		return nil, err
	}
	audio, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", streamID)
	if err != nil {
		return nil, err
	}
	return &fakeMedia{id: streamID, tracks: []webrtc.TrackLocal{video, audio}}, nil
}

func (m *fakeMedia) StreamID() string            { return m.id }
func (m *fakeMedia) Tracks() []webrtc.TrackLocal { return m.tracks }
func (m *fakeMedia) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops++
}

func (m *fakeMedia) stopCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stops
}

type fakeRemoteTrack struct {
	id, streamID string
	kind         webrtc.RTPCodecType
}

func (t *fakeRemoteTrack) ID() string                       { return t.id }
func (t *fakeRemoteTrack) StreamID() string                 { return t.streamID }
func (t *fakeRemoteTrack) Kind() webrtc.RTPCodecType        { return t.kind }
func (t *fakeRemoteTrack) Codec() webrtc.RTPCodecParameters { return webrtc.RTPCodecParameters{} }
func (t *fakeRemoteTrack) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	return nil, nil, io.EOF
}

type fakePC struct {
	id         string
	candidates int

	mu             sync.Mutex
	streamID       string
	local          *webrtc.SessionDescription
	remote         *webrtc.SessionDescription
	setRemoteCalls int
	added          []webrtc.ICECandidateInit
	connected      bool
	closed         bool

	onICE   func(webrtc.ICECandidateInit)
	onTrack func(core.RemoteTrack)
	onState func(webrtc.PeerConnectionState)
}

var _ core.PeerConnection = (*fakePC)(nil)

func (p *fakePC) AddLocalTrack(track webrtc.TrackLocal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.streamID = track.StreamID()
	return nil
}

func (p *fakePC) sdp() string {
	return fmt.Sprintf("v=0 pc=%s stream=%s", p.id, p.streamID)
}

func (p *fakePC) CreateOffer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return webrtc.SessionDescription{}, io.ErrClosedPipe
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: p.sdp()}, nil
}

func (p *fakePC) CreateAnswer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil || p.remote.Type != webrtc.SDPTypeOffer {
		return webrtc.SessionDescription{}, fmt.Errorf("answer without remote offer: %w", domain.ErrInvalidState)
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: p.sdp()}, nil
}

func (p *fakePC) SetLocalDescription(sd webrtc.SessionDescription) error {
	p.mu.Lock()
	p.local = &sd
	onICE := p.onICE
	n := p.candidates
	id := p.id
	p.mu.Unlock()

	if onICE != nil {
		go func() {
			for i := 0; i < n; i++ {
				onICE(webrtc.ICECandidateInit{
					Candidate: fmt.Sprintf("candidate:%s%d 1 udp 2130706431 127.0.0.1 %d typ host", id, i, 50000+i),
				})
			}
		}()
	}
	return nil
}

func (p *fakePC) SetRemoteDescription(sd webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setRemoteCalls++
	if p.remote != nil {
		return fmt.Errorf("remote %s already set", p.remote.Type)
	}
	if sd.Type == webrtc.SDPTypeAnswer && p.local == nil {
		return fmt.Errorf("answer before local offer")
	}
	p.remote = &sd
	p.maybeConnectLocked()
	return nil
}

func (p *fakePC) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return fmt.Errorf("remote description not set")
	}
	p.added = append(p.added, c)
	p.maybeConnectLocked()
	return nil
}

func (p *fakePC) maybeConnectLocked() {
	if p.connected || p.closed || p.remote == nil || len(p.added) == 0 {
		return
	}
	p.connected = true
	peerStream := sdpField(p.remote.SDP, "stream")
	onTrack, onState := p.onTrack, p.onState
	go func() {
		if onTrack != nil {
			onTrack(&fakeRemoteTrack{id: "video", streamID: peerStream, kind: webrtc.RTPCodecTypeVideo})
		}
		if onState != nil {
			onState(webrtc.PeerConnectionStateConnected)
		}
	}()
}

func sdpField(sdp, key string) string {
	for _, f := range strings.Fields(sdp) {
		if v, ok := strings.CutPrefix(f, key+"="); ok {
			return v
		}
	}
	return ""
}

func (p *fakePC) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onICE = fn
}

func (p *fakePC) OnTrack(fn func(core.RemoteTrack)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTrack = fn
}

func (p *fakePC) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onState = fn
}

// fireState simulates a transport level state change.
func (p *fakePC) fireState(s webrtc.PeerConnectionState) {
	p.mu.Lock()
	fn := p.onState
	p.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (p *fakePC) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePC) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePC) addedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.added)
}

func (p *fakePC) remoteCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.setRemoteCalls
}

// recorder drains Events into a buffered channel for the test.
type recorder struct {
	events chan Event
	stop   chan struct{}
	done   chan struct{}
}

func record(n *Negotiator) *recorder {
	r := &recorder{events: make(chan Event, 256), stop: make(chan struct{}), done: make(chan struct{})}
	go func() {
		defer close(r.done)
		for {
			select {
			case ev := <-n.Events():
				r.events <- ev
			case <-r.stop:
				return
			}
		}
	}()
	return r
}

func (r *recorder) close() {
	close(r.stop)
	<-r.done
}

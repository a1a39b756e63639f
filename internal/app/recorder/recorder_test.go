package recorder

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/studyhall/internal/testutil"
)

type fakeTrack struct {
	id      string
	codec   webrtc.RTPCodecParameters
	packets chan *rtp.Packet
}

func newFakeTrack(id string) *fakeTrack {
	return &fakeTrack{
		id:      id,
		codec:   webrtc.RTPCodecParameters{RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}},
		packets: make(chan *rtp.Packet),
	}
}

func (t *fakeTrack) ID() string                       { return t.id }
func (t *fakeTrack) StreamID() string                 { return "stream" }
func (t *fakeTrack) Kind() webrtc.RTPCodecType        { return webrtc.RTPCodecTypeVideo }
func (t *fakeTrack) Codec() webrtc.RTPCodecParameters { return t.codec }
func (t *fakeTrack) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	p, ok := <-t.packets
	if !ok {
		return nil, nil, io.EOF
	}
	return p, nil, nil
}

func (t *fakeTrack) send(seq uint16) {
	t.packets <- &rtp.Packet{Header: rtp.Header{SequenceNumber: seq}}
}

type fakeWriter struct {
	mu      sync.Mutex
	seqs    []uint16
	closed  int
	failing bool
}

func (w *fakeWriter) WriteRTP(p *rtp.Packet) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failing {
		return errors.New("disk full")
	}
	w.seqs = append(w.seqs, p.SequenceNumber)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed++
	return nil
}

func (w *fakeWriter) snapshot() ([]uint16, int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]uint16(nil), w.seqs...), w.closed
}

func factoryFor(w *fakeWriter, bases *[]string) WriterFactory {
	return func(base string, _ webrtc.RTPCodecParameters) (RTPWriter, error) {
		if bases != nil {
			*bases = append(*bases, base)
		}
		return w, nil
	}
}

func record(t *testing.T, m *Manager, track *fakeTrack) *Relay {
	t.Helper()
	r, err := m.Record(context.Background(), "s", track)
	if err != nil {
		t.Fatalf("record %s: %v", track.id, err)
	}
	return r
}

func waitDone(t *testing.T, r *Relay) {
	t.Helper()
	testutil.RequireClosed(t, r.Done(), time.Second, "relay %s done", r.Src.ID())
}

func (m *Manager) registered(trackID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.relays[trackID]
	return ok
}

func TestRecord_WritesUntilTrackEnds(t *testing.T) {
	w := &fakeWriter{}
	var bases []string
	m := NewManager("/rec", factoryFor(w, &bases))
	track := newFakeTrack("v1")

	relay, err := m.Record(context.Background(), "room/42", track)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	for seq := uint16(1); seq <= 3; seq++ {
		track.send(seq)
	}
	close(track.packets)
	waitDone(t, relay)
	testutil.Eventually(t, time.Second, func() bool { return !m.registered("v1") }, "finished relay forgotten")

	seqs, closed := w.snapshot()
	if len(seqs) != 3 || seqs[0] != 1 || seqs[2] != 3 {
		t.Errorf("written = %v, want [1 2 3]", seqs)
	}
	if closed != 1 {
		t.Errorf("writer closed %d times, want 1", closed)
	}
	if want := filepath.Join("/rec", "room_42-video-v1"); len(bases) != 1 || bases[0] != want {
		t.Errorf("file base = %v, want %s", bases, want)
	}
}

func TestRecord_WriteErrorDropsSink(t *testing.T) {
	w := &fakeWriter{failing: true}
	m := NewManager(t.TempDir(), factoryFor(w, nil))
	track := newFakeTrack("a1")
	relay := record(t, m, track)

	track.send(1)
	track.send(2)
	close(track.packets)
	waitDone(t, relay)

	seqs, closed := w.snapshot()
	if len(seqs) != 0 || closed != 1 {
		t.Errorf("seqs=%v closed=%d, want none written and one close", seqs, closed)
	}
}

func TestRecord_ReplacedRelayIsWaitedFor(t *testing.T) {
	first, second := &fakeWriter{}, &fakeWriter{}
	writers := []*fakeWriter{first, second}
	m := NewManager(t.TempDir(), func(string, webrtc.RTPCodecParameters) (RTPWriter, error) {
		w := writers[0]
		writers = writers[1:]
		return w, nil
	})

	oldTrack := newFakeTrack("v1")
	old := record(t, m, oldTrack)
	newTrack := newFakeTrack("v1")
	record(t, m, newTrack)
	if !m.registered("v1") {
		t.Fatalf("replacement relay not registered")
	}

	// unblock the pending read so the old loop sees the cancel
	oldTrack.send(1)
	m.StopAll()
	close(newTrack.packets)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	testutil.RequireClosed(t, old.Done(), time.Second, "replaced relay done")
	for i, w := range []*fakeWriter{first, second} {
		if _, closed := w.snapshot(); closed != 1 {
			t.Errorf("writer %d closed %d times, want 1", i, closed)
		}
	}
	if old.AddSink("late", NewSink(&fakeWriter{})) {
		t.Errorf("sink accepted by finished relay")
	}
}

func TestFileWriter(t *testing.T) {
	dir := t.TempDir()

	vp8 := webrtc.RTPCodecParameters{RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}}
	w, err := FileWriter(filepath.Join(dir, "video"), vp8)
	if err != nil {
		t.Fatalf("ivf writer: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close ivf: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "video.ivf")); err != nil {
		t.Errorf("ivf file: %v", err)
	}

	opus := webrtc.RTPCodecParameters{RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}}
	w, err = FileWriter(filepath.Join(dir, "audio"), opus)
	if err != nil {
		t.Fatalf("ogg writer: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close ogg: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "audio.ogg")); err != nil {
		t.Errorf("ogg file: %v", err)
	}

	h264 := webrtc.RTPCodecParameters{RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264}}
	if _, err := FileWriter(filepath.Join(dir, "x"), h264); !errors.Is(err, ErrUnsupportedCodec) {
		t.Errorf("h264: got %v, want ErrUnsupportedCodec", err)
	}
}

func TestStopAll_WaitsForFiles(t *testing.T) {
	w := &fakeWriter{}
	m := NewManager(t.TempDir(), factoryFor(w, nil))
	track := newFakeTrack("t-wait")
	record(t, m, track)
	m.StopAll()
	if m.registered("t-wait") {
		t.Fatalf("relay still registered after StopAll")
	}
	// the loop is parked in ReadRTP until the track ends
	close(track.packets)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if _, closes := w.snapshot(); closes != 1 {
		t.Fatalf("writer closed %d times, want 1", closes)
	}
}

package recorder

import (
	"sync/atomic"

	"github.com/pion/rtp"
)

type SinkState int32

const (
	SinkStateOk SinkState = iota
	SinkStateDelete
)

// RTPWriter is what a sink writes packets to. ivfwriter and oggwriter
// satisfy it.
type RTPWriter interface {
	WriteRTP(packet *rtp.Packet) error
	Close() error
}

// Sink is a single destination of a relayed remote track.
type Sink struct {
	Writer RTPWriter
	state  atomic.Int32 // Zero by default (SinkStateOk)
}

func NewSink(w RTPWriter) *Sink {
	return &Sink{Writer: w}
}

func (s *Sink) GetState() SinkState {
	return SinkState(s.state.Load())
}

func (s *Sink) MarkDelete() {
	s.state.Store(int32(SinkStateDelete))
}

package recorder

import (
	"context"
	"maps"
	"sync"

	"github.com/pion/rtp"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/dkeye/studyhall/internal/core"
)

// Relay reads one remote track and forwards its packets to every sink.
type Relay struct {
	Src core.RemoteTrack

	mu       sync.RWMutex
	sinks    map[string]*Sink
	finished bool

	cancel context.CancelFunc
	done   chan struct{}
}

func NewRelay(src core.RemoteTrack, cancel context.CancelFunc) *Relay {
	return &Relay{
		Src:    src,
		sinks:  make(map[string]*Sink),
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// loop reads RTP packets from the source track until it ends or ctx is done.
// Sinks are closed on the way out.
func (r *Relay) loop(ctx context.Context, logger *zerolog.Logger) {
	defer close(r.done)
	defer r.closeAll(logger)
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("relay ctx done, closing sinks")
			return
		default:
		}
		pkt, _, err := r.Src.ReadRTP()
		if err != nil {
			logger.Info().Err(err).Msg("relay read RTP ended, stopping")
			return
		}
		r.forward(pkt, logger)
	}
}

func (r *Relay) forward(pkt *rtp.Packet, logger *zerolog.Logger) {
	snapshot := make(map[string]*Sink, len(r.sinks))
	r.mu.RLock()
	maps.Copy(snapshot, r.sinks)
	r.mu.RUnlock()

	dirty := make([]string, 0, len(snapshot))
	for name, s := range snapshot {
		switch s.GetState() {
		case SinkStateDelete:
			dirty = append(dirty, name)
		case SinkStateOk:
			if err := s.Writer.WriteRTP(pkt); err != nil {
				logger.Error().
					Err(err).
					Str("sink", name).
					Msg("relay write RTP error, marking sink as delete")
				s.MarkDelete()
				dirty = append(dirty, name)
			}
		}
	}

	// Cleanup is done outside the RLock.
	if len(dirty) > 0 {
		r.cleanupDeleted(dirty, logger)
	}
}

func (r *Relay) cleanupDeleted(dirty []string, logger *zerolog.Logger) {
	r.mu.Lock()
	removed := make([]*Sink, 0, len(dirty))
	for _, name := range dirty {
		if s, ok := r.sinks[name]; ok {
			removed = append(removed, s)
			delete(r.sinks, name)
		}
	}
	r.mu.Unlock()
	for _, s := range removed {
		if err := s.Writer.Close(); err != nil {
			logger.Warn().Err(err).Msg("sink close error")
		}
	}
}

func (r *Relay) closeAll(logger *zerolog.Logger) {
	r.mu.Lock()
	sinks := r.sinks
	r.sinks = make(map[string]*Sink)
	r.finished = true
	r.mu.Unlock()

	var err error
	for _, s := range sinks {
		s.MarkDelete()
		err = multierr.Append(err, s.Writer.Close())
	}
	if err != nil {
		logger.Warn().Err(err).Msg("sink close errors")
	}
}

// AddSink attaches s under name. It reports false once the relay has
// finished; the caller then still owns s.
func (r *Relay) AddSink(name string, s *Sink) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return false
	}
	r.sinks[name] = s
	return true
}

// Done is closed once the loop has exited and every sink is closed.
func (r *Relay) Done() <-chan struct{} { return r.done }

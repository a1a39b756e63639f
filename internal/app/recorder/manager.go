// Package recorder taps remote tracks of a study session and writes them to
// disk. Each remote track gets a Relay that fans packets out to sinks.
package recorder

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/studyhall/internal/core"
	"github.com/dkeye/studyhall/internal/domain"
)

const fileSink = "file"

type Manager struct {
	dir       string
	newWriter WriterFactory

	mu      sync.RWMutex
	relays  map[string]*Relay
	stopped []*Relay
}

// NewManager records into dir. A nil factory means FileWriter.
func NewManager(dir string, newWriter WriterFactory) *Manager {
	if newWriter == nil {
		newWriter = FileWriter
	}
	return &Manager{
		dir:       dir,
		newWriter: newWriter,
		relays:    make(map[string]*Relay),
	}
}

// Record starts a relay for track and attaches a file sink to it. The relay
// leaves the manager once the track ends.
func (m *Manager) Record(ctx context.Context, session domain.SessionID, track core.RemoteTrack) (*Relay, error) {
	logger := log.With().
		Str("module", "recorder").
		Str("session", string(session)).
		Str("track_id", track.ID()).
		Str("kind", track.Kind().String()).
		Logger()

	base := fileBase(m.dir, string(session), track.Kind().String(), track.ID())
	w, err := m.newWriter(base, track.Codec())
	if err != nil {
		return nil, fmt.Errorf("record track %s: %w", track.ID(), err)
	}

	relayCtx, cancel := context.WithCancel(ctx)
	relay := NewRelay(track, cancel)
	relay.AddSink(fileSink, NewSink(w))

	m.mu.Lock()
	if old, ok := m.relays[track.ID()]; ok {
		logger.Info().Msg("replacing existing relay for track")
		old.cancel()
		m.stopped = append(m.stopped, old)
	}
	m.relays[track.ID()] = relay
	m.mu.Unlock()

	logger.Info().Str("file", base).Msg("starting relay loop")
	go func() {
		relay.loop(relayCtx, &logger)
		m.forget(track.ID(), relay)
	}()
	return relay, nil
}

func (m *Manager) forget(trackID string, relay *Relay) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.relays[trackID] == relay {
		delete(m.relays, trackID)
	}
}

// StopAll stops every relay.
func (m *Manager) StopAll() {
	m.mu.Lock()
	relays := m.relays
	m.relays = make(map[string]*Relay)
	m.stopped = append(m.stopped, slices.Collect(maps.Values(relays))...)
	m.mu.Unlock()
	for _, r := range relays {
		r.cancel()
	}
}

// Wait blocks until every relay stopped by StopAll has closed its files.
// A relay only notices the stop once its track read returns.
func (m *Manager) Wait(ctx context.Context) error {
	m.mu.Lock()
	stopped := m.stopped
	m.stopped = nil
	m.mu.Unlock()
	for _, r := range stopped {
		select {
		case <-r.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

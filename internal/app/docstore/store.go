// Package docstore is an in-process session document store with change
// subscriptions. It backs the relay server by default and lets two
// negotiators in one process exchange offers without any network.
package docstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/studyhall/internal/core"
	"github.com/dkeye/studyhall/internal/domain"
)

// Compile-time interface check.
var _ core.SignalStore = (*Store)(nil)

var ErrClosed = fmt.Errorf("docstore closed: %w", domain.ErrTransportFailure)

type logKey struct {
	id  domain.SessionID
	log domain.CandidateLog
}

// Store is a threadsafe in-memory SignalStore.
// Pushes into subscriptions happen under mu so every subscriber observes
// the same order as the writers.
type Store struct {
	mu      sync.RWMutex
	closed  bool
	docs    map[domain.SessionID]domain.Session
	logs    map[logKey][]domain.Candidate
	docSubs map[domain.SessionID]map[*subscription[domain.Session]]struct{}
	logSubs map[logKey]map[*subscription[domain.Candidate]]struct{}
}

func New() *Store {
	return &Store{
		docs:    make(map[domain.SessionID]domain.Session),
		logs:    make(map[logKey][]domain.Candidate),
		docSubs: make(map[domain.SessionID]map[*subscription[domain.Session]]struct{}),
		logSubs: make(map[logKey]map[*subscription[domain.Candidate]]struct{}),
	}
}

func (s *Store) WriteDocument(ctx context.Context, id domain.SessionID, doc domain.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.putLocked(id, doc.Clone())
	log.Debug().Str("module", "app.docstore").Str("session", string(id)).Msg("document written")
	return nil
}

func (s *Store) CreateDocument(ctx context.Context, id domain.SessionID, doc domain.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.docs[id]; ok {
		return fmt.Errorf("create %q: %w", id, domain.ErrSessionExists)
	}
	s.putLocked(id, doc.Clone())
	log.Debug().Str("module", "app.docstore").Str("session", string(id)).Msg("document created")
	return nil
}

func (s *Store) MergeDocument(ctx context.Context, id domain.SessionID, patch domain.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.putLocked(id, s.docs[id].Merge(patch.Clone()))
	log.Debug().Str("module", "app.docstore").Str("session", string(id)).Msg("document merged")
	return nil
}

func (s *Store) putLocked(id domain.SessionID, doc domain.Session) {
	s.docs[id] = doc
	for sub := range s.docSubs[id] {
		sub.push(doc.Clone())
	}
}

func (s *Store) ReadDocument(ctx context.Context, id domain.SessionID) (domain.Session, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.Session{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return domain.Session{}, false, ErrClosed
	}
	doc, ok := s.docs[id]
	return doc.Clone(), ok, nil
}

func (s *Store) SubscribeDocument(ctx context.Context, id domain.SessionID, fn core.DocumentHandler) (core.Unsubscribe, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub := newSubscription(func(doc domain.Session) { fn(doc) })

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sub.stop()
		return nil, ErrClosed
	}
	if doc, ok := s.docs[id]; ok {
		sub.push(doc.Clone())
	}
	subs, ok := s.docSubs[id]
	if !ok {
		subs = make(map[*subscription[domain.Session]]struct{})
		s.docSubs[id] = subs
	}
	subs[sub] = struct{}{}
	s.mu.Unlock()

	unsub := func() {
		s.mu.Lock()
		delete(s.docSubs[id], sub)
		if len(s.docSubs[id]) == 0 {
			delete(s.docSubs, id)
		}
		s.mu.Unlock()
		sub.stop()
	}
	return bindContext(ctx, unsub), nil
}

func (s *Store) AppendCandidate(ctx context.Context, id domain.SessionID, lg domain.CandidateLog, c domain.Candidate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := logKey{id: id, log: lg}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.logs[key] = append(s.logs[key], c)
	for sub := range s.logSubs[key] {
		sub.push(c)
	}
	log.Debug().Str("module", "app.docstore").Str("session", string(id)).Str("log", string(lg)).Int("len", len(s.logs[key])).Msg("candidate appended")
	return nil
}

func (s *Store) ReadCandidates(ctx context.Context, id domain.SessionID, lg domain.CandidateLog) ([]domain.Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	entries := s.logs[logKey{id: id, log: lg}]
	out := make([]domain.Candidate, len(entries))
	copy(out, entries)
	return out, nil
}

func (s *Store) SubscribeCandidates(ctx context.Context, id domain.SessionID, lg domain.CandidateLog, fn core.CandidateHandler) (core.Unsubscribe, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := logKey{id: id, log: lg}
	sub := newSubscription(func(c domain.Candidate) { fn(c) })

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sub.stop()
		return nil, ErrClosed
	}
	for _, c := range s.logs[key] {
		sub.push(c)
	}
	subs, ok := s.logSubs[key]
	if !ok {
		subs = make(map[*subscription[domain.Candidate]]struct{})
		s.logSubs[key] = subs
	}
	subs[sub] = struct{}{}
	s.mu.Unlock()

	unsub := func() {
		s.mu.Lock()
		delete(s.logSubs[key], sub)
		if len(s.logSubs[key]) == 0 {
			delete(s.logSubs, key)
		}
		s.mu.Unlock()
		sub.stop()
	}
	return bindContext(ctx, unsub), nil
}

// Sessions lists the ids of all stored documents.
func (s *Store) Sessions() []domain.SessionID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.SessionID, 0, len(s.docs))
	for id := range s.docs {
		out = append(out, id)
	}
	return out
}

// Close stops every subscription. Later calls fail with ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for _, subs := range s.docSubs {
		for sub := range subs {
			sub.stop()
		}
	}
	for _, subs := range s.logSubs {
		for sub := range subs {
			sub.stop()
		}
	}
	s.docSubs = nil
	s.logSubs = nil
	log.Info().Str("module", "app.docstore").Msg("closed")
	return nil
}

// bindContext ties unsub to ctx and makes it idempotent.
func bindContext(ctx context.Context, unsub func()) core.Unsubscribe {
	var once sync.Once
	release := func() { once.Do(unsub) }
	stop := context.AfterFunc(ctx, release)
	return func() {
		stop()
		release()
	}
}

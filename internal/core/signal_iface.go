package core

import (
	"context"
	"errors"

	"github.com/dkeye/studyhall/internal/domain"
)

// Frame is a raw encoded signaling message.
type Frame []byte

// ClientID identifies one relay client (browser tab or CLI process).
type ClientID string

// ErrBackpressure is returned by TrySend when the send queue is full.
var ErrBackpressure = errors.New("backpressure")

// SignalConnection abstracts for a system messaging transport
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// Unsubscribe releases a subscription. Calling it more than once is a no-op.
type Unsubscribe func()

// DocumentHandler receives the full current session document.
type DocumentHandler func(domain.Session)

// CandidateHandler receives one newly appended candidate.
type CandidateHandler func(domain.Candidate)

// SignalStore is the document store used as a relay for handshake messages.
// Handlers of one subscription are called sequentially, in change order.
type SignalStore interface {
	// WriteDocument creates or replaces the session document.
	WriteDocument(ctx context.Context, id domain.SessionID, doc domain.Session) error
	// CreateDocument writes doc only if no document exists yet.
	// It returns domain.ErrSessionExists otherwise.
	CreateDocument(ctx context.Context, id domain.SessionID, doc domain.Session) error
	// MergeDocument creates the document or sets the non-nil fields of patch.
	MergeDocument(ctx context.Context, id domain.SessionID, patch domain.Session) error
	// ReadDocument reads the document once. found is false when absent.
	ReadDocument(ctx context.Context, id domain.SessionID) (doc domain.Session, found bool, err error)
	// SubscribeDocument calls fn with the current document (when it exists)
	// and again after every change.
	SubscribeDocument(ctx context.Context, id domain.SessionID, fn DocumentHandler) (Unsubscribe, error)

	// AppendCandidate appends c to the given log of the session.
	AppendCandidate(ctx context.Context, id domain.SessionID, log domain.CandidateLog, c domain.Candidate) error
	// ReadCandidates returns the whole log in append order.
	ReadCandidates(ctx context.Context, id domain.SessionID, log domain.CandidateLog) ([]domain.Candidate, error)
	// SubscribeCandidates replays the existing log once, then delivers
	// every later append.
	SubscribeCandidates(ctx context.Context, id domain.SessionID, log domain.CandidateLog, fn CandidateHandler) (Unsubscribe, error)
}

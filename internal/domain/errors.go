package domain

import "errors"

var (
	ErrMediaAccessDenied = errors.New("media access denied")
	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionExists     = errors.New("session already exists")
	ErrSessionOccupied   = errors.New("session already answered")
	ErrInvalidState      = errors.New("invalid state")
	ErrTransportFailure  = errors.New("signaling transport failure")
	ErrConnectionFailed  = errors.New("peer connection failed")
)

// ErrorKind classifies an error for the UI layer.
type ErrorKind string

const (
	KindUnknown           ErrorKind = "Unknown"
	KindMediaAccessDenied ErrorKind = "MediaAccessDenied"
	KindSessionNotFound   ErrorKind = "SessionNotFound"
	KindSessionExists     ErrorKind = "SessionExists"
	KindSessionOccupied   ErrorKind = "SessionOccupied"
	KindInvalidState      ErrorKind = "InvalidState"
	KindTransportFailure  ErrorKind = "TransportFailure"
	KindConnectionFailed  ErrorKind = "ConnectionFailed"
)

var kinds = []struct {
	err  error
	kind ErrorKind
}{
	{ErrMediaAccessDenied, KindMediaAccessDenied},
	{ErrSessionNotFound, KindSessionNotFound},
	{ErrSessionExists, KindSessionExists},
	{ErrSessionOccupied, KindSessionOccupied},
	{ErrInvalidState, KindInvalidState},
	{ErrTransportFailure, KindTransportFailure},
	{ErrConnectionFailed, KindConnectionFailed},
}

// KindOf returns the first matching kind in the wrap chain of err.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindUnknown
}

// ErrorOf is the inverse of KindOf: the sentinel of k, or nil.
func ErrorOf(k ErrorKind) error {
	for _, e := range kinds {
		if e.kind == k {
			return e.err
		}
	}
	return nil
}

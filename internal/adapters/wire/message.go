// Package wire is the JSON protocol between the relay server and remote
// store clients. Every frame is one Message tagged by Type.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/dkeye/studyhall/internal/domain"
)

// Requests. Each carries an ID echoed by its ack or error.
const (
	TypeCreate       = "create"
	TypeWrite        = "write"
	TypeMerge        = "merge"
	TypeRead         = "read"
	TypeAppend       = "append"
	TypeReadLog      = "read_log"
	TypeSubscribeDoc = "subscribe_doc"
	TypeSubscribeLog = "subscribe_log"
	TypeUnsubscribe  = "unsubscribe"
	TypePing         = "ping"
)

// Responses and pushes.
const (
	TypeAck        = "ack"
	TypeError      = "error"
	TypePong       = "pong"
	TypeDocChanged = "doc_changed"
	TypeEntryAdded = "entry_added"
)

type Message struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`

	Session domain.SessionID    `json:"session,omitempty"`
	Log     domain.CandidateLog `json:"log,omitempty"`
	// Sub is chosen by the client so pushes can arrive before the ack.
	Sub string `json:"sub,omitempty"`

	Doc       *domain.Session    `json:"doc,omitempty"`
	Found     bool               `json:"found,omitempty"`
	Candidate *domain.Candidate  `json:"candidate,omitempty"`
	Entries   []domain.Candidate `json:"entries,omitempty"`

	Error string           `json:"error,omitempty"`
	Kind  domain.ErrorKind `json:"kind,omitempty"`
}

func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if m.Type == "" {
		return Message{}, fmt.Errorf("decode message: missing type")
	}
	return m, nil
}

// ErrorReply builds the error response to req.
func ErrorReply(id string, err error) Message {
	return Message{Type: TypeError, ID: id, Error: err.Error(), Kind: domain.KindOf(err)}
}

// Err turns an error response back into an error that matches the domain
// sentinel of its kind.
func (m Message) Err() error {
	if m.Type != TypeError {
		return nil
	}
	if sentinel := domain.ErrorOf(m.Kind); sentinel != nil {
		return fmt.Errorf("relay: %s: %w", m.Error, sentinel)
	}
	return fmt.Errorf("relay: %s: %w", m.Error, domain.ErrTransportFailure)
}

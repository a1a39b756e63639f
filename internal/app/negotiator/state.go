package negotiator

import (
	"time"

	"github.com/dkeye/studyhall/internal/core"
	"github.com/dkeye/studyhall/internal/domain"
)

type State int

const (
	Idle State = iota
	CapturingMedia
	CreatingOffer
	AwaitingOffer
	Connecting
	Connected
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case CapturingMedia:
		return "CapturingMedia"
	case CreatingOffer:
		return "CreatingOffer"
	case AwaitingOffer:
		return "AwaitingOffer"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Failed:
		return "Failed"
	}
	return "Unknown"
}

type EventKind int

const (
	EventState EventKind = iota
	EventLocalMedia
	EventRemoteMedia
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventState:
		return "state"
	case EventLocalMedia:
		return "local_media"
	case EventRemoteMedia:
		return "remote_media"
	case EventError:
		return "error"
	}
	return "unknown"
}

// Event is what the UI layer observes through Negotiator.Events.
type Event struct {
	Kind    EventKind
	Session domain.SessionID
	At      time.Time

	// EventState
	State State
	// EventLocalMedia
	Media core.LocalMedia
	// EventRemoteMedia
	Track core.RemoteTrack
	// EventError
	Err     error
	ErrKind domain.ErrorKind
}

package app

import "github.com/dkeye/studyhall/internal/core"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropFrame
	Disconnect
)

// Policy decides what happens to a client whose send queue is full.
type Policy interface {
	OnBackPressure(client core.ClientID, frame core.Frame) BackpressureAction
}

// SimplePolicy disconnects slow clients; they resync on reconnect.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(core.ClientID, core.Frame) BackpressureAction {
	return Disconnect
}

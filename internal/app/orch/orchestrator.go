// Package orch runs the relay server side of the session store: it binds
// connected clients, gates their writes and fans store changes out to them.
package orch

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/studyhall/internal/app"
	"github.com/dkeye/studyhall/internal/core"
	"github.com/dkeye/studyhall/internal/domain"
)

var (
	ErrUnknownClient      = errors.New("unknown client")
	ErrSubscriptionExists = fmt.Errorf("subscription id in use: %w", domain.ErrInvalidState)
	ErrRateLimited        = fmt.Errorf("append rate limit exceeded: %w", domain.ErrTransportFailure)
)

// Limiter throttles candidate appends per client.
type Limiter interface {
	Allow(client core.ClientID) bool
	Forget(client core.ClientID)
}

type Orchestrator struct {
	Registry *app.Registry
	Store    core.SignalStore
	Policy   app.Policy
	Limiter  Limiter
}

// Connect binds a client for the lifetime of the returned context.
func (o *Orchestrator) Connect(ctx context.Context, id core.ClientID, conn core.SignalConnection) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	o.Registry.Bind(ctx, id, conn, cancel)
	return ctx
}

// Disconnect releases every subscription of the client.
func (o *Orchestrator) Disconnect(id core.ClientID) {
	o.Registry.Unbind(id)
	if o.Limiter != nil {
		o.Limiter.Forget(id)
	}
}

// Deliver queues a frame for a client, applying the backpressure policy.
func (o *Orchestrator) Deliver(id core.ClientID, frame core.Frame) {
	conn, ok := o.Registry.Conn(id)
	if !ok {
		return
	}
	err := conn.TrySend(frame)
	if err == nil {
		return
	}
	if !errors.Is(err, core.ErrBackpressure) || o.Policy == nil {
		log.Debug().Err(err).Str("module", "app.orch").Str("client", string(id)).Msg("deliver failed")
		return
	}
	switch o.Policy.OnBackPressure(id, frame) {
	case app.Disconnect:
		log.Warn().Str("module", "app.orch").Str("client", string(id)).Msg("slow client, disconnecting")
		o.Kick(id)
	case app.DropFrame:
		log.Warn().Str("module", "app.orch").Str("client", string(id)).Msg("slow client, frame dropped")
	case app.NoAction:
	}
}

// Kick closes a client's connection; its pumps then disconnect it.
func (o *Orchestrator) Kick(id core.ClientID) {
	conn, ok := o.Registry.Conn(id)
	o.Registry.Cancel(id)
	if ok {
		conn.Close()
	}
}

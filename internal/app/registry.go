package app

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/studyhall/internal/core"
)

type clientEntry struct {
	Conn   core.SignalConnection
	Ctx    context.Context
	Cancel context.CancelFunc
	subs   map[string]core.Unsubscribe
}

// Registry tracks the relay clients connected to this server and the store
// subscriptions each of them holds.
type Registry struct {
	mu      sync.RWMutex
	clients map[core.ClientID]*clientEntry
}

func NewRegistry() *Registry {
	return &Registry{
		clients: make(map[core.ClientID]*clientEntry),
	}
}

// Bind registers a connected client. ctx lives as long as the connection and
// bounds its subscriptions.
func (r *Registry) Bind(ctx context.Context, id core.ClientID, conn core.SignalConnection, cancel context.CancelFunc) {
	r.mu.Lock()
	old, replaced := r.clients[id]
	r.clients[id] = &clientEntry{Conn: conn, Ctx: ctx, Cancel: cancel, subs: make(map[string]core.Unsubscribe)}
	r.mu.Unlock()
	if replaced {
		release(old)
	}
	log.Info().Str("module", "app.registry").Str("client", string(id)).Msg("bound client")
}

func (r *Registry) Conn(id core.ClientID) (core.SignalConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.clients[id]; ok {
		return e.Conn, true
	}
	return nil, false
}

// Context returns the connection context of a client.
func (r *Registry) Context(id core.ClientID) (context.Context, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.clients[id]; ok {
		return e.Ctx, true
	}
	return nil, false
}

// AddSubscription records unsub under sub. It reports false when the client
// is gone or sub is taken; the caller must release unsub itself then.
func (r *Registry) AddSubscription(id core.ClientID, sub string, unsub core.Unsubscribe) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.clients[id]
	if !ok {
		return false
	}
	if _, taken := e.subs[sub]; taken {
		return false
	}
	e.subs[sub] = unsub
	return true
}

// HasSubscription reports whether the client holds sub.
func (r *Registry) HasSubscription(id core.ClientID, sub string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.clients[id]
	if !ok {
		return false
	}
	_, ok = e.subs[sub]
	return ok
}

// RemoveSubscription releases one subscription of a client.
func (r *Registry) RemoveSubscription(id core.ClientID, sub string) bool {
	r.mu.Lock()
	e, ok := r.clients[id]
	var unsub core.Unsubscribe
	if ok {
		unsub, ok = e.subs[sub]
		delete(e.subs, sub)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	unsub()
	return true
}

// Unbind forgets a client and releases all of its subscriptions.
func (r *Registry) Unbind(id core.ClientID) {
	r.mu.Lock()
	e, ok := r.clients[id]
	delete(r.clients, id)
	r.mu.Unlock()
	if !ok {
		return
	}
	release(e)
	log.Info().Str("module", "app.registry").Str("client", string(id)).Msg("unbind client")
}

func release(e *clientEntry) {
	for _, unsub := range e.subs {
		unsub()
	}
	if e.Cancel != nil {
		e.Cancel()
	}
}

// Cancel ends the connection context of a client; its pumps then unbind it.
func (r *Registry) Cancel(id core.ClientID) bool {
	r.mu.RLock()
	e, ok := r.clients[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "app.registry").Str("client", string(id)).Msg("canceled client")
	return true
}

// Count is the number of connected clients.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Subscriptions is the number of live subscriptions of a client.
func (r *Registry) Subscriptions(id core.ClientID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.clients[id]; ok {
		return len(e.subs)
	}
	return 0
}

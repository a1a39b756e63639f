package orch

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/studyhall/internal/core"
	"github.com/dkeye/studyhall/internal/domain"
)

// SubscribeDocument subscribes client to a session document under the
// client-chosen id sub. The subscription ends with Unsubscribe or when the
// client disconnects.
func (o *Orchestrator) SubscribeDocument(client core.ClientID, sub string, id domain.SessionID, push core.DocumentHandler) error {
	if err := validate(id); err != nil {
		return err
	}
	return o.subscribe(client, sub, func(ctx context.Context) (core.Unsubscribe, error) {
		return o.Store.SubscribeDocument(ctx, id, push)
	})
}

// SubscribeLog subscribes client to a candidate log, replaying its backlog.
func (o *Orchestrator) SubscribeLog(client core.ClientID, sub string, id domain.SessionID, lg domain.CandidateLog, push core.CandidateHandler) error {
	if err := validate(id); err != nil {
		return err
	}
	return o.subscribe(client, sub, func(ctx context.Context) (core.Unsubscribe, error) {
		return o.Store.SubscribeCandidates(ctx, id, lg, push)
	})
}

func (o *Orchestrator) subscribe(client core.ClientID, sub string, open func(context.Context) (core.Unsubscribe, error)) error {
	ctx, ok := o.Registry.Context(client)
	if !ok {
		return ErrUnknownClient
	}
	if o.Registry.HasSubscription(client, sub) {
		return ErrSubscriptionExists
	}
	unsub, err := open(ctx)
	if err != nil {
		return err
	}
	if !o.Registry.AddSubscription(client, sub, unsub) {
		unsub()
		return ErrSubscriptionExists
	}
	log.Debug().Str("module", "app.orch").Str("client", string(client)).Str("sub", sub).Msg("subscribed")
	return nil
}

// Unsubscribe releases one subscription. Unknown ids are ignored.
func (o *Orchestrator) Unsubscribe(client core.ClientID, sub string) bool {
	return o.Registry.RemoveSubscription(client, sub)
}

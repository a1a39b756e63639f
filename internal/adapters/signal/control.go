package signal

import (
	"github.com/dkeye/studyhall/internal/adapters/wire"
	"github.com/dkeye/studyhall/internal/core"
)

func (ctl *SignalWSController) handlePing(cid core.ClientID, req wire.Message) {
	ctl.send(cid, wire.Message{Type: wire.TypePong, ID: req.ID})
}

func (ctl *SignalWSController) handleUnsubscribe(cid core.ClientID, req wire.Message) {
	// unknown ids are acked: the subscription may have ended with a reconnect
	ctl.Orch.Unsubscribe(cid, req.Sub)
	ctl.reply(cid, req, nil)
}

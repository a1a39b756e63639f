package signal

import (
	"context"
	"fmt"

	"github.com/dkeye/studyhall/internal/adapters/wire"
	"github.com/dkeye/studyhall/internal/core"
	"github.com/dkeye/studyhall/internal/domain"
)

var errMissingDoc = fmt.Errorf("missing doc: %w", domain.ErrInvalidState)

func (ctl *SignalWSController) handleCreate(ctx context.Context, cid core.ClientID, req wire.Message) {
	if req.Doc == nil {
		ctl.reply(cid, req, errMissingDoc)
		return
	}
	ctl.reply(cid, req, ctl.Orch.Create(ctx, req.Session, *req.Doc))
}

func (ctl *SignalWSController) handleWrite(ctx context.Context, cid core.ClientID, req wire.Message) {
	if req.Doc == nil {
		ctl.reply(cid, req, errMissingDoc)
		return
	}
	ctl.reply(cid, req, ctl.Orch.Write(ctx, req.Session, *req.Doc))
}

func (ctl *SignalWSController) handleMerge(ctx context.Context, cid core.ClientID, req wire.Message) {
	if req.Doc == nil {
		ctl.reply(cid, req, errMissingDoc)
		return
	}
	ctl.reply(cid, req, ctl.Orch.Merge(ctx, req.Session, *req.Doc))
}

func (ctl *SignalWSController) handleRead(ctx context.Context, cid core.ClientID, req wire.Message) {
	doc, found, err := ctl.Orch.Read(ctx, req.Session)
	if err != nil {
		ctl.reply(cid, req, err)
		return
	}
	resp := wire.Message{Type: wire.TypeAck, ID: req.ID, Found: found}
	if found {
		resp.Doc = &doc
	}
	ctl.send(cid, resp)
}

func (ctl *SignalWSController) handleSubscribeDoc(cid core.ClientID, req wire.Message) {
	sub, session := req.Sub, req.Session
	err := ctl.Orch.SubscribeDocument(cid, sub, session, func(doc domain.Session) {
		ctl.send(cid, wire.Message{Type: wire.TypeDocChanged, Sub: sub, Session: session, Doc: &doc})
	})
	ctl.reply(cid, req, err)
}

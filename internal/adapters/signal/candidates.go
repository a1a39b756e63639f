package signal

import (
	"context"
	"fmt"

	"github.com/dkeye/studyhall/internal/adapters/wire"
	"github.com/dkeye/studyhall/internal/core"
	"github.com/dkeye/studyhall/internal/domain"
)

func parseLog(req wire.Message) (domain.CandidateLog, error) {
	lg, ok := domain.ParseCandidateLog(string(req.Log))
	if !ok {
		return "", fmt.Errorf("unknown candidate log %q: %w", req.Log, domain.ErrInvalidState)
	}
	return lg, nil
}

func (ctl *SignalWSController) handleAppend(ctx context.Context, cid core.ClientID, req wire.Message) {
	lg, err := parseLog(req)
	if err != nil {
		ctl.reply(cid, req, err)
		return
	}
	if req.Candidate == nil {
		ctl.reply(cid, req, fmt.Errorf("missing candidate: %w", domain.ErrInvalidState))
		return
	}
	ctl.reply(cid, req, ctl.Orch.Append(ctx, cid, req.Session, lg, *req.Candidate))
}

func (ctl *SignalWSController) handleReadLog(ctx context.Context, cid core.ClientID, req wire.Message) {
	lg, err := parseLog(req)
	if err != nil {
		ctl.reply(cid, req, err)
		return
	}
	entries, err := ctl.Orch.ReadLog(ctx, req.Session, lg)
	if err != nil {
		ctl.reply(cid, req, err)
		return
	}
	ctl.send(cid, wire.Message{Type: wire.TypeAck, ID: req.ID, Entries: entries})
}

func (ctl *SignalWSController) handleSubscribeLog(cid core.ClientID, req wire.Message) {
	lg, err := parseLog(req)
	if err != nil {
		ctl.reply(cid, req, err)
		return
	}
	sub, session := req.Sub, req.Session
	err = ctl.Orch.SubscribeLog(cid, sub, session, lg, func(c domain.Candidate) {
		ctl.send(cid, wire.Message{Type: wire.TypeEntryAdded, Sub: sub, Session: session, Log: lg, Candidate: &c})
	})
	ctl.reply(cid, req, err)
}

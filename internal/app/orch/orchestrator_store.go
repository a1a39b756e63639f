package orch

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/studyhall/internal/core"
	"github.com/dkeye/studyhall/internal/domain"
)

func validate(id domain.SessionID) error {
	if err := id.Validate(); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrInvalidState, err)
	}
	return nil
}

func (o *Orchestrator) Create(ctx context.Context, id domain.SessionID, doc domain.Session) error {
	if err := validate(id); err != nil {
		return err
	}
	return o.Store.CreateDocument(ctx, id, doc)
}

func (o *Orchestrator) Write(ctx context.Context, id domain.SessionID, doc domain.Session) error {
	if err := validate(id); err != nil {
		return err
	}
	return o.Store.WriteDocument(ctx, id, doc)
}

func (o *Orchestrator) Merge(ctx context.Context, id domain.SessionID, patch domain.Session) error {
	if err := validate(id); err != nil {
		return err
	}
	return o.Store.MergeDocument(ctx, id, patch)
}

func (o *Orchestrator) Read(ctx context.Context, id domain.SessionID) (domain.Session, bool, error) {
	if err := validate(id); err != nil {
		return domain.Session{}, false, err
	}
	return o.Store.ReadDocument(ctx, id)
}

func (o *Orchestrator) ReadLog(ctx context.Context, id domain.SessionID, lg domain.CandidateLog) ([]domain.Candidate, error) {
	if err := validate(id); err != nil {
		return nil, err
	}
	return o.Store.ReadCandidates(ctx, id, lg)
}

// Append adds a candidate on behalf of client, subject to the rate limit.
func (o *Orchestrator) Append(ctx context.Context, client core.ClientID, id domain.SessionID, lg domain.CandidateLog, c domain.Candidate) error {
	if err := validate(id); err != nil {
		return err
	}
	if o.Limiter != nil && !o.Limiter.Allow(client) {
		log.Warn().Str("module", "app.orch").Str("client", string(client)).Str("session", string(id)).Msg("append rate limited")
		return ErrRateLimited
	}
	return o.Store.AppendCandidate(ctx, id, lg, c)
}

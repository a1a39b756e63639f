package remote

import (
	"context"

	"github.com/dkeye/studyhall/internal/adapters/wire"
	"github.com/dkeye/studyhall/internal/core"
	"github.com/dkeye/studyhall/internal/domain"
)

func (c *Client) CreateDocument(ctx context.Context, id domain.SessionID, doc domain.Session) error {
	_, err := c.request(ctx, wire.Message{Type: wire.TypeCreate, Session: id, Doc: &doc})
	return err
}

func (c *Client) WriteDocument(ctx context.Context, id domain.SessionID, doc domain.Session) error {
	_, err := c.request(ctx, wire.Message{Type: wire.TypeWrite, Session: id, Doc: &doc})
	return err
}

func (c *Client) MergeDocument(ctx context.Context, id domain.SessionID, patch domain.Session) error {
	_, err := c.request(ctx, wire.Message{Type: wire.TypeMerge, Session: id, Doc: &patch})
	return err
}

func (c *Client) ReadDocument(ctx context.Context, id domain.SessionID) (domain.Session, bool, error) {
	resp, err := c.request(ctx, wire.Message{Type: wire.TypeRead, Session: id})
	if err != nil {
		return domain.Session{}, false, err
	}
	if !resp.Found || resp.Doc == nil {
		return domain.Session{}, false, nil
	}
	return *resp.Doc, true, nil
}

func (c *Client) SubscribeDocument(ctx context.Context, id domain.SessionID, fn core.DocumentHandler) (core.Unsubscribe, error) {
	return c.subscribe(ctx, wire.Message{Type: wire.TypeSubscribeDoc, Session: id}, func(m wire.Message) {
		if m.Doc != nil {
			fn(*m.Doc)
		}
	})
}

func (c *Client) AppendCandidate(ctx context.Context, id domain.SessionID, lg domain.CandidateLog, cand domain.Candidate) error {
	_, err := c.request(ctx, wire.Message{Type: wire.TypeAppend, Session: id, Log: lg, Candidate: &cand})
	return err
}

func (c *Client) ReadCandidates(ctx context.Context, id domain.SessionID, lg domain.CandidateLog) ([]domain.Candidate, error) {
	resp, err := c.request(ctx, wire.Message{Type: wire.TypeReadLog, Session: id, Log: lg})
	if err != nil {
		return nil, err
	}
	if resp.Entries == nil {
		return []domain.Candidate{}, nil
	}
	return resp.Entries, nil
}

func (c *Client) SubscribeCandidates(ctx context.Context, id domain.SessionID, lg domain.CandidateLog, fn core.CandidateHandler) (core.Unsubscribe, error) {
	return c.subscribe(ctx, wire.Message{Type: wire.TypeSubscribeLog, Session: id, Log: lg}, func(m wire.Message) {
		if m.Candidate != nil {
			fn(*m.Candidate)
		}
	})
}

package mongo

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/dkeye/studyhall/internal/core"
	"github.com/dkeye/studyhall/internal/domain"
)

type changeEvent struct {
	FullDocument *sessionRecord `bson:"fullDocument"`
}

// follower turns successive snapshots of a record into handler calls.
// Snapshots may skip states; logs only grow and documents are compared, so
// nothing is delivered twice.
type follower interface {
	observe(rec *sessionRecord)
}

type documentFollower struct {
	fn        core.DocumentHandler
	delivered bool
	last      domain.Session
}

func (f *documentFollower) observe(rec *sessionRecord) {
	if !rec.exists() {
		return
	}
	doc := rec.session()
	if f.delivered && sameSession(f.last, doc) {
		return
	}
	f.delivered, f.last = true, doc
	f.fn(doc.Clone())
}

type logFollower struct {
	fn   core.CandidateHandler
	log  domain.CandidateLog
	seen int
}

func (f *logFollower) observe(rec *sessionRecord) {
	entries := rec.candidates(f.log)
	for ; f.seen < len(entries); f.seen++ {
		f.fn(entries[f.seen])
	}
}

func (s *Store) SubscribeDocument(ctx context.Context, id domain.SessionID, fn core.DocumentHandler) (core.Unsubscribe, error) {
	return s.follow(ctx, id, &documentFollower{fn: fn})
}

func (s *Store) SubscribeCandidates(ctx context.Context, id domain.SessionID, lg domain.CandidateLog, fn core.CandidateHandler) (core.Unsubscribe, error) {
	return s.follow(ctx, id, &logFollower{fn: fn, log: lg})
}

// follow opens a change stream on the record, then reads the current state,
// so no change between the two is lost. The stream is reopened after errors
// until the subscription ends.
func (s *Store) follow(ctx context.Context, id domain.SessionID, f follower) (core.Unsubscribe, error) {
	if err := s.live(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	watchCtx, cancel := context.WithCancel(s.cancelCtx)
	stop := context.AfterFunc(ctx, cancel)

	cs, err := s.watch(ctx, id)
	if err != nil {
		stop()
		cancel()
		return nil, err
	}

	logger := s.logger.With().Str("session", string(id)).Logger()
	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		for {
			err := s.drain(watchCtx, id, cs, f)
			if watchCtx.Err() != nil {
				return
			}
			logger.Warn().Err(err).Msg("change stream failed, reopening")
			select {
			case <-watchCtx.Done():
				return
			case <-time.After(s.retryDelay):
			}
			if cs, err = s.watch(watchCtx, id); err != nil {
				logger.Warn().Err(err).Msg("reopen change stream")
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			stop()
			cancel()
		})
	}, nil
}

func (s *Store) watch(ctx context.Context, id domain.SessionID) (*mongo.ChangeStream, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.D{{Key: "documentKey._id", Value: string(id)}}}},
	}
	cs, err := s.coll.Watch(ctx, pipeline, options.ChangeStream().SetFullDocument(options.UpdateLookup))
	if err != nil {
		return nil, storeError(errors.Wrapf(err, "watch session %s", id))
	}
	return cs, nil
}

// drain delivers the current state, then every change, until the stream
// fails or ctx ends. A nil cs is reported as a failure.
func (s *Store) drain(ctx context.Context, id domain.SessionID, cs *mongo.ChangeStream, f follower) error {
	if cs == nil {
		return errors.New("no change stream")
	}
	defer cs.Close(context.Background())

	rec, err := s.find(ctx, id)
	if err != nil {
		return err
	}
	f.observe(rec)

	for cs.Next(ctx) {
		var ev changeEvent
		if err := cs.Decode(&ev); err != nil {
			return errors.Wrap(err, "decode change event")
		}
		if ev.FullDocument != nil {
			f.observe(ev.FullDocument)
		}
	}
	return cs.Err()
}

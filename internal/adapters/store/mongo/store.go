// Package mongo is a core.SignalStore on MongoDB. Every session is one
// record in the sessions collection; subscriptions follow change streams,
// which need a replica set.
package mongo

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/multierr"

	"github.com/dkeye/studyhall/internal/core"
	"github.com/dkeye/studyhall/internal/domain"
)

// Compile-time interface check.
var _ core.SignalStore = (*Store)(nil)

const sessionsCollName = "sessions"

var ErrClosed = fmt.Errorf("mongo store closed: %w", domain.ErrTransportFailure)

type Store struct {
	client     *mongo.Client
	ownsClient bool
	coll       *mongo.Collection
	logger     zerolog.Logger

	cancelCtx  context.Context
	cancelFunc func()
	workers    sync.WaitGroup

	// retryDelay is the pause before a failed change stream is reopened.
	retryDelay time.Duration
	now        func() time.Time
}

// Connect dials uri and returns a store on the given database.
func Connect(ctx context.Context, uri, database string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, storeError(errors.Wrap(err, "connect"))
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, storeError(multierr.Combine(errors.Wrap(err, "ping"), client.Disconnect(context.Background())))
	}
	s := New(client, database)
	s.ownsClient = true
	return s, nil
}

// New returns a store on an existing client. Close does not disconnect it.
func New(client *mongo.Client, database string) *Store {
	cancelCtx, cancelFunc := context.WithCancel(context.Background())
	return &Store{
		client:     client,
		coll:       client.Database(database).Collection(sessionsCollName),
		logger:     log.With().Str("module", "store.mongo").Str("db", database).Logger(),
		cancelCtx:  cancelCtx,
		cancelFunc: cancelFunc,
		retryDelay: time.Second,
		now:        time.Now,
	}
}

// Close stops every subscription and waits for their change streams.
func (s *Store) Close() error {
	s.cancelFunc()
	s.workers.Wait()
	if s.ownsClient {
		return storeError(s.client.Disconnect(context.Background()))
	}
	return nil
}

// storeError classifies a driver error. nil stays nil.
func storeError(err error) error {
	if err == nil {
		return nil
	}
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: %w", domain.ErrSessionExists, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %w", domain.ErrTransportFailure, err)
}

func (s *Store) live() error {
	if s.cancelCtx.Err() != nil {
		return ErrClosed
	}
	return nil
}

func (s *Store) CreateDocument(ctx context.Context, id domain.SessionID, doc domain.Session) error {
	if err := s.live(); err != nil {
		return err
	}
	_, err := s.coll.UpdateOne(ctx, createFilter(id), mergeUpdate(doc, s.now()), options.Update().SetUpsert(true))
	if err != nil {
		return storeError(errors.Wrapf(err, "create session %s", id))
	}
	s.logger.Debug().Str("session", string(id)).Msg("session created")
	return nil
}

func (s *Store) WriteDocument(ctx context.Context, id domain.SessionID, doc domain.Session) error {
	if err := s.live(); err != nil {
		return err
	}
	_, err := s.coll.UpdateOne(ctx, idFilter(id), replaceUpdate(doc, s.now()), options.Update().SetUpsert(true))
	return storeError(errors.Wrapf(err, "write session %s", id))
}

func (s *Store) MergeDocument(ctx context.Context, id domain.SessionID, patch domain.Session) error {
	if err := s.live(); err != nil {
		return err
	}
	_, err := s.coll.UpdateOne(ctx, idFilter(id), mergeUpdate(patch, s.now()), options.Update().SetUpsert(true))
	return storeError(errors.Wrapf(err, "merge session %s", id))
}

func (s *Store) find(ctx context.Context, id domain.SessionID, fields ...string) (*sessionRecord, error) {
	projection := bson.D{}
	for _, f := range fields {
		projection = append(projection, bson.E{Key: f, Value: 1})
	}
	var rec sessionRecord
	err := s.coll.FindOne(ctx, idFilter(id), options.FindOne().SetProjection(projection)).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, storeError(errors.Wrapf(err, "read session %s", id))
	}
	return &rec, nil
}

func (s *Store) ReadDocument(ctx context.Context, id domain.SessionID) (domain.Session, bool, error) {
	if err := s.live(); err != nil {
		return domain.Session{}, false, err
	}
	rec, err := s.find(ctx, id, sessionOfferField, sessionAnswerField, sessionUpdatedAtField)
	if err != nil || !rec.exists() {
		return domain.Session{}, false, err
	}
	return rec.session(), true, nil
}

func (s *Store) AppendCandidate(ctx context.Context, id domain.SessionID, lg domain.CandidateLog, c domain.Candidate) error {
	if err := s.live(); err != nil {
		return err
	}
	_, err := s.coll.UpdateOne(ctx, idFilter(id), appendUpdate(lg, c), options.Update().SetUpsert(true))
	return storeError(errors.Wrapf(err, "append %s to session %s", lg, id))
}

func (s *Store) ReadCandidates(ctx context.Context, id domain.SessionID, lg domain.CandidateLog) ([]domain.Candidate, error) {
	if err := s.live(); err != nil {
		return nil, err
	}
	rec, err := s.find(ctx, id, string(lg))
	if err != nil {
		return nil, err
	}
	return append([]domain.Candidate{}, rec.candidates(lg)...), nil
}

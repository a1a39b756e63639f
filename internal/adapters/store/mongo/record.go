package mongo

import (
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/dkeye/studyhall/internal/domain"
)

// Field names of a session record. The candidate log fields are named after
// domain.CandidateLog values.
const (
	sessionIDField        = "_id"
	sessionOfferField     = "offer"
	sessionAnswerField    = "answer"
	sessionUpdatedAtField = "updatedAt"
)

// sessionRecord is one session document plus both candidate logs. A record
// created by an append alone has no updatedAt and reads as absent.
type sessionRecord struct {
	ID               string              `bson:"_id"`
	Offer            *domain.Description `bson:"offer,omitempty"`
	Answer           *domain.Description `bson:"answer,omitempty"`
	UpdatedAt        time.Time           `bson:"updatedAt,omitempty"`
	CallerCandidates []domain.Candidate  `bson:"callerCandidates,omitempty"`
	CalleeCandidates []domain.Candidate  `bson:"calleeCandidates,omitempty"`
}

func (r *sessionRecord) exists() bool {
	return r != nil && !r.UpdatedAt.IsZero()
}

func (r *sessionRecord) session() domain.Session {
	return domain.Session{Offer: r.Offer, Answer: r.Answer}.Clone()
}

func (r *sessionRecord) candidates(lg domain.CandidateLog) []domain.Candidate {
	if r == nil {
		return nil
	}
	if lg == domain.CallerCandidates {
		return r.CallerCandidates
	}
	return r.CalleeCandidates
}

func idFilter(id domain.SessionID) bson.D {
	return bson.D{{Key: sessionIDField, Value: string(id)}}
}

// createFilter matches only a record that has never held a document, so an
// upsert against an existing document fails with a duplicate key.
func createFilter(id domain.SessionID) bson.D {
	return bson.D{
		{Key: sessionIDField, Value: string(id)},
		{Key: sessionUpdatedAtField, Value: bson.D{{Key: "$exists", Value: false}}},
	}
}

// replaceUpdate sets every field of doc and unsets the absent ones. Candidate
// logs are kept.
func replaceUpdate(doc domain.Session, now time.Time) bson.D {
	set := bson.D{{Key: sessionUpdatedAtField, Value: now}}
	var unset bson.D
	if doc.Offer != nil {
		set = append(set, bson.E{Key: sessionOfferField, Value: doc.Offer})
	} else {
		unset = append(unset, bson.E{Key: sessionOfferField, Value: ""})
	}
	if doc.Answer != nil {
		set = append(set, bson.E{Key: sessionAnswerField, Value: doc.Answer})
	} else {
		unset = append(unset, bson.E{Key: sessionAnswerField, Value: ""})
	}
	update := bson.D{{Key: "$set", Value: set}}
	if len(unset) > 0 {
		update = append(update, bson.E{Key: "$unset", Value: unset})
	}
	return update
}

// mergeUpdate sets only the non-nil fields of patch.
func mergeUpdate(patch domain.Session, now time.Time) bson.D {
	set := bson.D{{Key: sessionUpdatedAtField, Value: now}}
	if patch.Offer != nil {
		set = append(set, bson.E{Key: sessionOfferField, Value: patch.Offer})
	}
	if patch.Answer != nil {
		set = append(set, bson.E{Key: sessionAnswerField, Value: patch.Answer})
	}
	return bson.D{{Key: "$set", Value: set}}
}

func appendUpdate(lg domain.CandidateLog, c domain.Candidate) bson.D {
	return bson.D{{Key: "$push", Value: bson.D{{Key: string(lg), Value: c}}}}
}

func sameDescription(a, b *domain.Description) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func sameSession(a, b domain.Session) bool {
	return sameDescription(a.Offer, b.Offer) && sameDescription(a.Answer, b.Answer)
}

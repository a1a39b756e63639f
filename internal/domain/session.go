// Package domain contains the signaling entities shared by both peers.
// No transport or lifecycle logic here.
package domain

import "errors"

const MaxSessionIDLen = 128

var (
	ErrSessionIDEmpty   = errors.New("session id empty")
	ErrSessionIDTooLong = errors.New("session id too long")
)

type SessionID string

// Validate is used at the relay boundary only. The negotiator accepts any id.
func (id SessionID) Validate() error {
	if len(id) == 0 {
		return ErrSessionIDEmpty
	}
	if len(id) > MaxSessionIDLen {
		return ErrSessionIDTooLong
	}
	return nil
}

type SDPType string

const (
	SDPTypeOffer  SDPType = "offer"
	SDPTypeAnswer SDPType = "answer"
)

// Description is a session description ferried between peers.
type Description struct {
	Type SDPType `json:"type" bson:"type"`
	SDP  string  `json:"sdp" bson:"sdp"`
}

// Session is the shared record of one study hall call.
// The creator writes Offer, the joiner merges Answer.
type Session struct {
	Offer  *Description `json:"offer,omitempty" bson:"offer,omitempty"`
	Answer *Description `json:"answer,omitempty" bson:"answer,omitempty"`
}

// Merge applies the non-nil fields of patch on top of s.
func (s Session) Merge(patch Session) Session {
	if patch.Offer != nil {
		s.Offer = patch.Offer
	}
	if patch.Answer != nil {
		s.Answer = patch.Answer
	}
	return s
}

// Clone returns a copy that shares no pointers with s.
func (s Session) Clone() Session {
	out := Session{}
	if s.Offer != nil {
		o := *s.Offer
		out.Offer = &o
	}
	if s.Answer != nil {
		a := *s.Answer
		out.Answer = &a
	}
	return out
}

// Candidate is the JSON form of an ICE candidate init.
type Candidate struct {
	Candidate        string  `json:"candidate" bson:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty" bson:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty" bson:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty" bson:"usernameFragment,omitempty"`
}

// CandidateLog names one of the two per-session candidate logs.
type CandidateLog string

const (
	CallerCandidates CandidateLog = "callerCandidates"
	CalleeCandidates CandidateLog = "calleeCandidates"
)

// ParseCandidateLog accepts both the short ("caller") and the stored
// ("callerCandidates") spelling.
func ParseCandidateLog(s string) (CandidateLog, bool) {
	switch s {
	case "caller", string(CallerCandidates):
		return CallerCandidates, true
	case "callee", string(CalleeCandidates):
		return CalleeCandidates, true
	}
	return "", false
}

// Role is the side a peer plays in a session.
type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// OwnLog is the log this role appends its local candidates to.
func (r Role) OwnLog() CandidateLog {
	if r == RoleCaller {
		return CallerCandidates
	}
	return CalleeCandidates
}

// PeerLog is the log this role reads remote candidates from.
func (r Role) PeerLog() CandidateLog {
	if r == RoleCaller {
		return CalleeCandidates
	}
	return CallerCandidates
}

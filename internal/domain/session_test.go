package domain

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestSessionMerge_PreservesOffer(t *testing.T) {
	offer := &Description{Type: SDPTypeOffer, SDP: "v=0 offer"}
	answer := &Description{Type: SDPTypeAnswer, SDP: "v=0 answer"}

	merged := Session{Offer: offer}.Merge(Session{Answer: answer})

	if merged.Offer == nil || merged.Offer.SDP != "v=0 offer" {
		t.Fatalf("offer lost after merge: %+v", merged.Offer)
	}
	if merged.Answer == nil || merged.Answer.SDP != "v=0 answer" {
		t.Fatalf("answer not merged: %+v", merged.Answer)
	}
}

func TestSessionClone_DoesNotShare(t *testing.T) {
	s := Session{Offer: &Description{Type: SDPTypeOffer, SDP: "a"}}
	c := s.Clone()
	c.Offer.SDP = "b"
	if s.Offer.SDP != "a" {
		t.Errorf("clone shares offer pointer")
	}
}

func TestSessionIDValidate(t *testing.T) {
	if err := SessionID("").Validate(); !errors.Is(err, ErrSessionIDEmpty) {
		t.Errorf("empty id: got %v", err)
	}
	if err := SessionID(strings.Repeat("x", MaxSessionIDLen+1)).Validate(); !errors.Is(err, ErrSessionIDTooLong) {
		t.Errorf("long id: got %v", err)
	}
	if err := SessionID("room42").Validate(); err != nil {
		t.Errorf("room42: unexpected %v", err)
	}
}

func TestRoleLogs(t *testing.T) {
	if RoleCaller.OwnLog() != CallerCandidates || RoleCaller.PeerLog() != CalleeCandidates {
		t.Errorf("caller logs wrong")
	}
	if RoleCallee.OwnLog() != CalleeCandidates || RoleCallee.PeerLog() != CallerCandidates {
		t.Errorf("callee logs wrong")
	}
}

func TestParseCandidateLog(t *testing.T) {
	cases := map[string]CandidateLog{
		"caller":           CallerCandidates,
		"callerCandidates": CallerCandidates,
		"callee":           CalleeCandidates,
		"calleeCandidates": CalleeCandidates,
	}
	for in, want := range cases {
		got, ok := ParseCandidateLog(in)
		if !ok || got != want {
			t.Errorf("ParseCandidateLog(%q) = %q, %v", in, got, ok)
		}
	}
	if _, ok := ParseCandidateLog("offer"); ok {
		t.Errorf("ParseCandidateLog(offer) accepted")
	}
}

func TestKindOf(t *testing.T) {
	wrapped := fmt.Errorf("join room42: %w", ErrSessionNotFound)
	if got := KindOf(wrapped); got != KindSessionNotFound {
		t.Errorf("KindOf = %q", got)
	}
	if got := KindOf(errors.New("boom")); got != KindUnknown {
		t.Errorf("KindOf(unknown) = %q", got)
	}
	if got := KindOf(nil); got != "" {
		t.Errorf("KindOf(nil) = %q", got)
	}
}

func TestErrorOf_RoundTrip(t *testing.T) {
	for _, k := range kinds {
		if got := ErrorOf(KindOf(k.err)); got != k.err {
			t.Errorf("ErrorOf(%s) = %v, want %v", k.kind, got, k.err)
		}
	}
	if ErrorOf(KindUnknown) != nil {
		t.Errorf("unknown kind maps to a sentinel")
	}
}

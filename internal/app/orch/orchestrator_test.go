package orch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/studyhall/internal/app"
	"github.com/dkeye/studyhall/internal/app/docstore"
	"github.com/dkeye/studyhall/internal/core"
	"github.com/dkeye/studyhall/internal/domain"
	"github.com/dkeye/studyhall/internal/testutil"
)

type fakeConn struct {
	mu     sync.Mutex
	frames []core.Frame
	full   bool
	closed bool
}

func (c *fakeConn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("connection closed")
	}
	if c.full {
		return core.ErrBackpressure
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type countLimiter struct {
	mu   sync.Mutex
	left int
}

func (l *countLimiter) Allow(core.ClientID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.left == 0 {
		return false
	}
	l.left--
	return true
}

func (l *countLimiter) Forget(core.ClientID) {}

func newOrch(t *testing.T) (*Orchestrator, *docstore.Store) {
	t.Helper()
	store := docstore.New()
	t.Cleanup(func() { _ = store.Close() })
	return &Orchestrator{
		Registry: app.NewRegistry(),
		Store:    store,
		Policy:   app.SimplePolicy{},
	}, store
}

func TestSubscribeDocument_PushesUntilDisconnect(t *testing.T) {
	o, store := newOrch(t)
	ctx := context.Background()
	o.Connect(ctx, "c1", &fakeConn{})

	docs := make(chan domain.Session, 8)
	if err := o.SubscribeDocument("c1", "s1", "room42", func(d domain.Session) { docs <- d }); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	offer := domain.Description{Type: domain.SDPTypeOffer, SDP: "o"}
	if err := o.Create(ctx, "room42", domain.Session{Offer: &offer}); err != nil {
		t.Fatalf("create: %v", err)
	}
	got := testutil.RequireReceive(t, docs, time.Second, "document push")
	if got.Offer == nil || got.Offer.SDP != "o" {
		t.Fatalf("pushed %+v", got)
	}

	o.Disconnect("c1")
	_ = store.WriteDocument(ctx, "room42", domain.Session{})
	testutil.RequireNoReceive(t, docs, 100*time.Millisecond, "push after disconnect")
}

func TestSubscribeLog_ReplaysBacklog(t *testing.T) {
	o, _ := newOrch(t)
	ctx := context.Background()
	o.Connect(ctx, "c1", &fakeConn{})

	for _, c := range []string{"a", "b"} {
		if err := o.Append(ctx, "c1", "room42", domain.CallerCandidates, domain.Candidate{Candidate: c}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	got := make(chan domain.Candidate, 8)
	if err := o.SubscribeLog("c1", "l1", "room42", domain.CallerCandidates, func(c domain.Candidate) { got <- c }); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	for _, want := range []string{"a", "b"} {
		if c := testutil.RequireReceive(t, got, time.Second, "candidate %s", want); c.Candidate != want {
			t.Fatalf("got %q, want %q", c.Candidate, want)
		}
	}

	if !o.Unsubscribe("c1", "l1") {
		t.Fatalf("unsubscribe reported unknown sub")
	}
	_ = o.Append(ctx, "c1", "room42", domain.CallerCandidates, domain.Candidate{Candidate: "c"})
	testutil.RequireNoReceive(t, got, 100*time.Millisecond, "push after unsubscribe")
	if o.Unsubscribe("c1", "l1") {
		t.Errorf("second unsubscribe reported success")
	}
}

func TestSubscribe_Errors(t *testing.T) {
	o, _ := newOrch(t)
	noop := func(domain.Session) {}

	if err := o.SubscribeDocument("ghost", "s1", "room42", noop); !errors.Is(err, ErrUnknownClient) {
		t.Errorf("unknown client: %v", err)
	}
	o.Connect(context.Background(), "c1", &fakeConn{})
	if err := o.SubscribeDocument("c1", "s1", "room42", noop); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := o.SubscribeDocument("c1", "s1", "other", noop); !errors.Is(err, ErrSubscriptionExists) {
		t.Errorf("duplicate sub id: %v", err)
	}
	if err := o.SubscribeDocument("c1", "s2", "", noop); !errors.Is(err, domain.ErrInvalidState) {
		t.Errorf("empty session id: %v", err)
	}
	if n := o.Registry.Subscriptions("c1"); n != 1 {
		t.Errorf("subscriptions = %d, want 1", n)
	}
}

func TestAppend_RateLimited(t *testing.T) {
	o, store := newOrch(t)
	o.Limiter = &countLimiter{left: 2}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := o.Append(ctx, "c1", "room42", domain.CalleeCandidates, domain.Candidate{Candidate: "x"}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	err := o.Append(ctx, "c1", "room42", domain.CalleeCandidates, domain.Candidate{Candidate: "x"})
	if !errors.Is(err, ErrRateLimited) || !errors.Is(err, domain.ErrTransportFailure) {
		t.Fatalf("third append: %v", err)
	}
	entries, _ := store.ReadCandidates(ctx, "room42", domain.CalleeCandidates)
	if len(entries) != 2 {
		t.Errorf("log len = %d, want 2", len(entries))
	}
}

func TestDeliver_BackpressureKicks(t *testing.T) {
	o, _ := newOrch(t)
	conn := &fakeConn{full: true}
	ctx := o.Connect(context.Background(), "slow", conn)

	o.Deliver("slow", core.Frame(`{"type":"pong"}`))

	if !conn.isClosed() {
		t.Errorf("slow connection left open")
	}
	testutil.RequireClosed(t, ctx.Done(), time.Second, "client context cancelled")
}

func TestCreate_Conflict(t *testing.T) {
	o, _ := newOrch(t)
	ctx := context.Background()
	offer := domain.Description{Type: domain.SDPTypeOffer, SDP: "o"}
	if err := o.Create(ctx, "room42", domain.Session{Offer: &offer}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := o.Create(ctx, "room42", domain.Session{Offer: &offer}); !errors.Is(err, domain.ErrSessionExists) {
		t.Fatalf("second create: %v", err)
	}
	doc, found, err := o.Read(ctx, "room42")
	if err != nil || !found || doc.Offer.SDP != "o" {
		t.Fatalf("read: %+v %v %v", doc, found, err)
	}
}

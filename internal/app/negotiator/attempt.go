package negotiator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/dkeye/studyhall/internal/app/mailbox"
	"github.com/dkeye/studyhall/internal/core"
	"github.com/dkeye/studyhall/internal/domain"
)

// attempt owns everything of one create/join try. Its ctx is the
// cancellation token checked by every callback.
type attempt struct {
	n      *Negotiator
	id     domain.SessionID
	role   domain.Role
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	inbox  *mailbox.Mailbox[func()]
	outbox *mailbox.Mailbox[Event]

	mu         sync.Mutex
	closed     bool
	pc         core.PeerConnection
	unsubs     []core.Unsubscribe
	local      *domain.Description
	remote     *domain.Description
	pending    []domain.Candidate
	closeOnce  sync.Once
	closeError error
}

func newAttempt(n *Negotiator) *attempt {
	ctx, cancel := context.WithCancel(context.Background())
	return &attempt{
		n:      n,
		logger: n.logger,
		ctx:    ctx,
		cancel: cancel,
		inbox:  mailbox.New[func()](),
		outbox: mailbox.New[Event](),
	}
}

func (a *attempt) start() {
	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		a.inbox.Run(func(fn func()) {
			if !a.n.live(a) {
				return
			}
			fn()
		})
	}()
	go func() {
		defer a.wg.Done()
		a.outbox.Run(func(ev Event) {
			select {
			case a.n.events <- ev:
			case <-a.outbox.Done():
			}
		})
	}()
}

// post queues fn on the dispatcher. Dropped once the attempt is closed.
func (a *attempt) post(fn func()) {
	a.inbox.Push(fn)
}

func (a *attempt) emit(ev Event) {
	ev.Session = a.id
	ev.At = time.Now()
	a.outbox.Push(ev)
}

// open creates the peer connection, attaches local tracks and registers the
// handlers shared by both roles.
func (a *attempt) open(media core.LocalMedia) error {
	if err := a.alive(); err != nil {
		return err
	}
	pc, err := a.n.gateway.NewPeerConnection(a.n.cfg.ICEServers)
	if err != nil {
		return fmt.Errorf("new peer connection: %w", err)
	}
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		if err := pc.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("close peer connection of ended attempt")
		}
		return fmt.Errorf("new peer connection: %w", context.Canceled)
	}
	a.pc = pc
	a.mu.Unlock()

	for _, track := range media.Tracks() {
		if err := pc.AddLocalTrack(track); err != nil {
			return fmt.Errorf("add local track %s: %w", track.ID(), err)
		}
	}

	pc.OnTrack(func(track core.RemoteTrack) {
		a.post(func() { a.onRemoteTrack(track) })
	})
	pc.OnICECandidate(func(c webrtc.ICECandidateInit) {
		a.post(func() { a.publishLocalCandidate(c) })
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		a.post(func() { a.onConnectionState(s) })
	})
	return nil
}

// alive fails once the attempt has been closed. Store writes check it
// first since opContext learns of the close asynchronously.
func (a *attempt) alive() error {
	if err := a.ctx.Err(); err != nil {
		return fmt.Errorf("attempt ended: %w", err)
	}
	return nil
}

// opContext is ctx, additionally cancelled when the attempt ends.
func (a *attempt) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	opCtx, cancel := context.WithCancel(ctx)
	if a.ctx.Err() != nil {
		cancel()
		return opCtx, cancel
	}
	stop := context.AfterFunc(a.ctx, cancel)
	return opCtx, func() {
		stop()
		cancel()
	}
}

// subscribe opens a subscription that lives as long as the attempt, while
// ctx bounds only the subscribe round trip. A subscription that completes
// after ctx gave up is released.
func (a *attempt) subscribe(ctx context.Context, op string, open func(context.Context) (core.Unsubscribe, error)) error {
	type result struct {
		unsub core.Unsubscribe
		err   error
	}
	done := make(chan result, 1)
	go func() {
		unsub, err := open(a.ctx)
		done <- result{unsub, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return transportError(op, r.err)
		}
		a.addUnsub(r.unsub)
		return nil
	case <-ctx.Done():
		go func() {
			if r := <-done; r.err == nil {
				r.unsub()
			}
		}()
		return transportError(op, ctx.Err())
	}
}

func (a *attempt) create(ctx context.Context) error {
	ctx, done := a.opContext(ctx)
	defer done()
	if err := a.alive(); err != nil {
		return err
	}

	offer, err := a.pc.CreateOffer()
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := a.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	desc := toDescription(offer)
	a.setLocal(desc)

	if err := a.alive(); err != nil {
		return err
	}
	if err := a.n.store.CreateDocument(ctx, a.id, domain.Session{Offer: &desc}); err != nil {
		return transportError("write offer", err)
	}
	a.logger.Info().Msg("offer published")

	err = a.subscribe(ctx, "subscribe session", func(subCtx context.Context) (core.Unsubscribe, error) {
		return a.n.store.SubscribeDocument(subCtx, a.id, func(doc domain.Session) {
			a.post(func() { a.onDocument(doc) })
		})
	})
	if err != nil {
		return err
	}

	return a.subscribePeerCandidates(ctx)
}

func (a *attempt) join(ctx context.Context) error {
	ctx, done := a.opContext(ctx)
	defer done()
	if err := a.alive(); err != nil {
		return err
	}

	doc, found, err := a.n.store.ReadDocument(ctx, a.id)
	if err != nil {
		return transportError("read session", err)
	}
	if !found {
		return domain.ErrSessionNotFound
	}
	if doc.Offer == nil {
		return fmt.Errorf("session has no offer: %w", domain.ErrInvalidState)
	}
	if doc.Answer != nil {
		return domain.ErrSessionOccupied
	}

	if err := a.applyRemoteDescription(*doc.Offer); err != nil {
		return err
	}

	answer, err := a.pc.CreateAnswer()
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := a.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	desc := toDescription(answer)
	a.setLocal(desc)

	if err := a.alive(); err != nil {
		return err
	}
	if err := a.n.store.MergeDocument(ctx, a.id, domain.Session{Answer: &desc}); err != nil {
		return transportError("write answer", err)
	}
	a.logger.Info().Msg("answer published")

	return a.subscribePeerCandidates(ctx)
}

func (a *attempt) subscribePeerCandidates(ctx context.Context) error {
	return a.subscribe(ctx, "subscribe candidates", func(subCtx context.Context) (core.Unsubscribe, error) {
		return a.n.store.SubscribeCandidates(subCtx, a.id, a.role.PeerLog(), func(c domain.Candidate) {
			a.post(func() { a.onRemoteCandidate(c) })
		})
	})
}

// onDocument applies the first answer seen. Later snapshots are ignored.
func (a *attempt) onDocument(doc domain.Session) {
	if a.role != domain.RoleCaller || doc.Answer == nil {
		return
	}
	if err := a.applyRemoteDescription(*doc.Answer); err != nil {
		a.n.fail(a, err)
	}
}

// applyRemoteDescription sets desc at most once and then flushes the
// candidates that arrived early.
func (a *attempt) applyRemoteDescription(desc domain.Description) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.remote != nil {
		a.logger.Debug().Str("type", string(desc.Type)).Msg("remote description already applied")
		return nil
	}
	if err := a.pc.SetRemoteDescription(toSessionDescription(desc)); err != nil {
		return fmt.Errorf("set remote %s: %w", desc.Type, asInvalidState(err))
	}
	a.remote = &desc
	a.logger.Info().Str("type", string(desc.Type)).Int("buffered_candidates", len(a.pending)).Msg("remote description applied")

	pending := a.pending
	a.pending = nil
	for _, c := range pending {
		if err := a.pc.AddICECandidate(toICECandidateInit(c)); err != nil {
			return fmt.Errorf("add buffered candidate: %w", asInvalidState(err))
		}
	}
	return nil
}

func (a *attempt) onRemoteCandidate(c domain.Candidate) {
	a.mu.Lock()
	if a.remote == nil {
		a.pending = append(a.pending, c)
		a.mu.Unlock()
		a.logger.Debug().Str("candidate", c.Candidate).Msg("remote candidate buffered")
		return
	}
	err := a.pc.AddICECandidate(toICECandidateInit(c))
	a.mu.Unlock()
	if err != nil {
		a.n.fail(a, fmt.Errorf("add remote candidate: %w", asInvalidState(err)))
		return
	}
	a.logger.Debug().Str("candidate", c.Candidate).Msg("remote candidate added")
}

func (a *attempt) publishLocalCandidate(c webrtc.ICECandidateInit) {
	err := a.n.store.AppendCandidate(a.ctx, a.id, a.role.OwnLog(), toCandidate(c))
	if err != nil {
		if a.ctx.Err() != nil {
			return
		}
		a.n.fail(a, transportError("append local candidate", err))
		return
	}
	a.logger.Debug().Str("candidate", c.Candidate).Str("log", string(a.role.OwnLog())).Msg("local candidate published")
}

func (a *attempt) onRemoteTrack(track core.RemoteTrack) {
	a.logger.Info().
		Str("kind", track.Kind().String()).
		Str("track_id", track.ID()).
		Str("stream_id", track.StreamID()).
		Msg("remote media ready")
	a.emit(Event{Kind: EventRemoteMedia, Track: track})
}

func (a *attempt) onConnectionState(s webrtc.PeerConnectionState) {
	a.logger.Info().Str("peer_connection_state", s.String()).Msg("peer state")
	switch s {
	case webrtc.PeerConnectionStateConnected:
		// the peer may connect before the publishing call has returned
		a.n.transition(a, Connected, CreatingOffer, AwaitingOffer, Connecting)
	case webrtc.PeerConnectionStateFailed:
		a.n.fail(a, domain.ErrConnectionFailed)
	}
}

func (a *attempt) setLocal(d domain.Description) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.local = &d
}

func (a *attempt) localDescription() (domain.Description, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.local == nil {
		return domain.Description{}, false
	}
	return *a.local, true
}

func (a *attempt) remoteDescription() (domain.Description, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.remote == nil {
		return domain.Description{}, false
	}
	return *a.remote, true
}

// addUnsub keeps u for close. After close u is released at once.
func (a *attempt) addUnsub(u core.Unsubscribe) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		u()
		return
	}
	a.unsubs = append(a.unsubs, u)
	a.mu.Unlock()
}

// close cancels the attempt, releases subscriptions, waits for the
// dispatcher and closes the peer connection.
func (a *attempt) close() error {
	a.closeOnce.Do(func() {
		a.cancel()

		a.mu.Lock()
		a.closed = true
		unsubs := a.unsubs
		a.unsubs = nil
		pc := a.pc
		a.mu.Unlock()

		for _, u := range unsubs {
			u()
		}
		a.inbox.Close()
		a.outbox.Close()
		a.wg.Wait()

		if pc != nil {
			a.closeError = multierr.Append(a.closeError, pc.Close())
		}
	})
	return a.closeError
}

func transportError(op string, err error) error {
	if domain.KindOf(err) != domain.KindUnknown || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, domain.ErrTransportFailure, err)
}

func asInvalidState(err error) error {
	if errors.Is(err, domain.ErrInvalidState) {
		return err
	}
	return fmt.Errorf("%w: %w", domain.ErrInvalidState, err)
}

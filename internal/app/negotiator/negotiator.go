// Package negotiator drives one peer connection's lifecycle for the study
// hall: local capture, creating or joining a session record, the
// offer/answer exchange, trickle ICE through the candidate logs, and the
// remote media that results.
//
// All store and peer connection callbacks of an attempt are funneled into a
// single dispatcher goroutine bound to the attempt's context. Leave cancels
// that context and waits for the dispatcher, so nothing of a torn-down
// attempt runs after Leave returns.
package negotiator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/studyhall/internal/core"
	"github.com/dkeye/studyhall/internal/domain"
)

// DefaultICEServers matches what browsers in the study hall use.
func DefaultICEServers() []webrtc.ICEServer {
	return []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
}

type Config struct {
	ICEServers  []webrtc.ICEServer
	Constraints core.MediaConstraints
}

type Negotiator struct {
	store   core.SignalStore
	gateway core.MediaGateway
	cfg     Config
	logger  zerolog.Logger
	events  chan Event

	mu          sync.Mutex
	state       State
	att         *attempt
	media       core.LocalMedia
	connectedAt time.Time
}

func New(store core.SignalStore, gateway core.MediaGateway, cfg Config) *Negotiator {
	if cfg.ICEServers == nil {
		cfg.ICEServers = DefaultICEServers()
	}
	if !cfg.Constraints.Audio && !cfg.Constraints.Video {
		cfg.Constraints = core.MediaConstraints{Video: true, Audio: true}
	}
	return &Negotiator{
		store:   store,
		gateway: gateway,
		cfg:     cfg,
		logger:  log.With().Str("module", "app.negotiator").Logger(),
		events:  make(chan Event),
	}
}

// Events is unbuffered: an event is delivered only while its attempt is
// alive, and never after Leave has returned.
func (n *Negotiator) Events() <-chan Event { return n.events }

func (n *Negotiator) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

func (n *Negotiator) SessionID() domain.SessionID {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.att == nil {
		return ""
	}
	return n.att.id
}

func (n *Negotiator) Role() domain.Role {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.att == nil {
		return ""
	}
	return n.att.role
}

// LocalDescription returns the description this peer published, if any.
func (n *Negotiator) LocalDescription() (domain.Description, bool) {
	a := n.current()
	if a == nil {
		return domain.Description{}, false
	}
	return a.localDescription()
}

// RemoteDescription returns the applied remote description, if any.
func (n *Negotiator) RemoteDescription() (domain.Description, bool) {
	a := n.current()
	if a == nil {
		return domain.Description{}, false
	}
	return a.remoteDescription()
}

// ConnectedFor is the study time of the current session: how long the peer
// connection has been up. Zero until Connected.
func (n *Negotiator) ConnectedFor() time.Duration {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.connectedAt.IsZero() {
		return 0
	}
	return time.Since(n.connectedAt)
}

func (n *Negotiator) current() *attempt {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.att
}

// StartLocalCapture requests camera and microphone. Refusal is reported
// with domain.ErrMediaAccessDenied and is not retried.
func (n *Negotiator) StartLocalCapture(ctx context.Context) (core.LocalMedia, error) {
	n.mu.Lock()
	if n.state != Idle {
		st := n.state
		n.mu.Unlock()
		return nil, fmt.Errorf("start capture in state %s: %w", st, domain.ErrInvalidState)
	}
	a := n.beginLocked()
	n.setStateLocked(a, CapturingMedia)
	n.mu.Unlock()

	media, err := n.gateway.CaptureLocalMedia(ctx, n.cfg.Constraints)
	if err != nil {
		return nil, n.fail(a, fmt.Errorf("capture local media: %w", err))
	}

	n.mu.Lock()
	if n.att != a {
		n.mu.Unlock()
		media.Stop()
		return nil, fmt.Errorf("left during capture: %w", domain.ErrInvalidState)
	}
	n.media = media
	n.mu.Unlock()

	n.logger.Info().Str("stream_id", media.StreamID()).Int("tracks", len(media.Tracks())).Msg("local media ready")
	a.emit(Event{Kind: EventLocalMedia, Media: media})
	return media, nil
}

// CreateSession publishes an offer under id and waits, asynchronously, for a
// joiner's answer and candidates.
func (n *Negotiator) CreateSession(ctx context.Context, id domain.SessionID, media core.LocalMedia) error {
	a, err := n.prepare(id, domain.RoleCaller, media, CreatingOffer)
	if err != nil {
		return err
	}
	if err := a.create(ctx); err != nil {
		return n.fail(a, fmt.Errorf("create session %q: %w", id, err))
	}
	n.transition(a, Connecting, CreatingOffer)
	return nil
}

// JoinSession answers the offer stored under id.
func (n *Negotiator) JoinSession(ctx context.Context, id domain.SessionID, media core.LocalMedia) error {
	a, err := n.prepare(id, domain.RoleCallee, media, AwaitingOffer)
	if err != nil {
		return err
	}
	if err := a.join(ctx); err != nil {
		return n.fail(a, fmt.Errorf("join session %q: %w", id, err))
	}
	n.transition(a, Connecting, AwaitingOffer)
	return nil
}

// Leave tears down the current attempt: subscriptions, peer connection and
// local media. It is a no-op when idle.
func (n *Negotiator) Leave() error {
	n.mu.Lock()
	a := n.att
	media := n.media
	prev := n.state
	studied := time.Duration(0)
	if !n.connectedAt.IsZero() {
		studied = time.Since(n.connectedAt)
	}
	n.att = nil
	n.media = nil
	n.state = Idle
	n.connectedAt = time.Time{}
	n.mu.Unlock()

	if a == nil && media == nil {
		return nil
	}

	var err error
	if a != nil {
		err = a.close()
	}
	if media != nil {
		media.Stop()
	}
	n.logger.Info().
		Str("session", sessionOf(a)).
		Str("from_state", prev.String()).
		Dur("studied", studied).
		Msg("left session")
	return err
}

func sessionOf(a *attempt) string {
	if a == nil {
		return ""
	}
	return string(a.id)
}

// prepare validates the entry state and binds a fresh peer connection.
func (n *Negotiator) prepare(id domain.SessionID, role domain.Role, media core.LocalMedia, next State) (*attempt, error) {
	if media == nil {
		return nil, fmt.Errorf("%s without local media: %w", role, domain.ErrInvalidState)
	}

	n.mu.Lock()
	if n.state != Idle && n.state != CapturingMedia {
		st := n.state
		n.mu.Unlock()
		return nil, fmt.Errorf("%s session %q in state %s: %w", role, id, st, domain.ErrInvalidState)
	}
	a := n.att
	if a == nil {
		a = n.beginLocked()
	}
	a.id = id
	a.role = role
	a.logger = n.logger.With().Str("session", string(id)).Str("role", string(role)).Logger()
	if n.media != nil && n.media != media {
		n.media.Stop()
	}
	n.media = media
	n.setStateLocked(a, next)
	n.mu.Unlock()

	if err := a.open(media); err != nil {
		return nil, n.fail(a, err)
	}
	return a, nil
}

func (n *Negotiator) beginLocked() *attempt {
	a := newAttempt(n)
	n.att = a
	a.start()
	return a
}

func (n *Negotiator) setStateLocked(a *attempt, s State) {
	if n.state == s {
		return
	}
	n.logger.Debug().Str("session", string(a.id)).Str("from", n.state.String()).Str("to", s.String()).Msg("state")
	n.state = s
	a.emit(Event{Kind: EventState, State: s})
}

// transition moves a to the next state when it is in one of from. Nothing
// happens when the attempt was replaced or already moved on.
func (n *Negotiator) transition(a *attempt, to State, from ...State) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.att != a || !slices.Contains(from, n.state) {
		return false
	}
	if to == Connected {
		n.connectedAt = time.Now()
	}
	n.setStateLocked(a, to)
	return true
}

// fail moves the attempt to Failed and reports err. It returns err so call
// sites can `return n.fail(a, err)`.
func (n *Negotiator) fail(a *attempt, err error) error {
	if a.ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return err
	}
	n.mu.Lock()
	if n.att != a || n.state == Failed {
		n.mu.Unlock()
		return err
	}
	n.setStateLocked(a, Failed)
	n.mu.Unlock()

	kind := domain.KindOf(err)
	a.logger.Error().Err(err).Str("kind", string(kind)).Msg("session attempt failed")
	a.emit(Event{Kind: EventError, Err: err, ErrKind: kind})
	return err
}

// live reports whether callbacks of a should still act.
func (n *Negotiator) live(a *attempt) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.att == a && n.state != Failed && a.ctx.Err() == nil
}

// Package remote is a core.SignalStore backed by the relay server's
// WebSocket protocol, so two processes can share one session store.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/studyhall/internal/adapters/wire"
	"github.com/dkeye/studyhall/internal/app/mailbox"
	"github.com/dkeye/studyhall/internal/core"
	"github.com/dkeye/studyhall/internal/domain"
)

// Compile-time interface check.
var _ core.SignalStore = (*Client)(nil)

var ErrClosed = fmt.Errorf("relay connection closed: %w", domain.ErrTransportFailure)

const writeWait = 5 * time.Second

type Options struct {
	PingPeriod time.Duration
	Header     http.Header
	Dialer     *websocket.Dialer
}

type Client struct {
	conn   *websocket.Conn
	opts   Options
	logger zerolog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan wire.Message
	subs    map[string]*mailbox.Mailbox[wire.Message]
	err     error

	closed    chan struct{}
	closeOnce sync.Once
}

// Dial connects to the relay at url (ws:// or wss://) and starts the read
// and ping loops.
func Dial(ctx context.Context, url string, opts Options) (*Client, error) {
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = 30 * time.Second
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, url, opts.Header)
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w: %w", url, domain.ErrTransportFailure, err)
	}
	c := &Client{
		conn:    conn,
		opts:    opts,
		logger:  log.With().Str("module", "store.remote").Str("relay", url).Logger(),
		pending: make(map[string]chan wire.Message),
		subs:    make(map[string]*mailbox.Mailbox[wire.Message]),
		closed:  make(chan struct{}),
	}
	c.logger.Info().Msg("connected")

	go c.readLoop()
	go c.pingLoop()
	return c, nil
}

// Done is closed when the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.closed }

// Err reports why the connection ended, nil while it is open or after Close.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	c.writeMu.Unlock()
	c.shutdown(nil)
	return nil
}

func (c *Client) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = cause
		subs := c.subs
		c.subs = map[string]*mailbox.Mailbox[wire.Message]{}
		c.mu.Unlock()

		close(c.closed)
		_ = c.conn.Close()
		for _, box := range subs {
			box.Close()
		}
		if cause != nil {
			c.logger.Warn().Err(cause).Msg("connection lost")
		} else {
			c.logger.Info().Msg("closed")
		}
	})
}

func (c *Client) write(m wire.Message) error {
	data, err := wire.Encode(m)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrTransportFailure, err)
	}
	return nil
}

// request sends m and waits for the ack, error or pong with the same id.
func (c *Client) request(ctx context.Context, m wire.Message) (wire.Message, error) {
	m.ID = uuid.NewString()
	reply := make(chan wire.Message, 1)

	c.mu.Lock()
	c.pending[m.ID] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, m.ID)
		c.mu.Unlock()
	}()

	if err := c.write(m); err != nil {
		return wire.Message{}, err
	}
	select {
	case resp := <-reply:
		if err := resp.Err(); err != nil {
			return wire.Message{}, err
		}
		return resp, nil
	case <-ctx.Done():
		return wire.Message{}, ctx.Err()
	case <-c.closed:
		return wire.Message{}, ErrClosed
	}
}

func (c *Client) readLoop() {
	var cause error
	defer func() { c.shutdown(cause) }()

	pongWait := c.opts.PingPeriod * 2
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					cause = fmt.Errorf("%w: %w", domain.ErrTransportFailure, err)
				}
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		msg, err := wire.Decode(data)
		if err != nil {
			c.logger.Error().Err(err).Msg("bad frame")
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg wire.Message) {
	switch msg.Type {
	case wire.TypeDocChanged, wire.TypeEntryAdded:
		c.mu.Lock()
		box, ok := c.subs[msg.Sub]
		c.mu.Unlock()
		if !ok {
			c.logger.Debug().Str("sub", msg.Sub).Msg("push for released subscription")
			return
		}
		box.Push(msg)
	case wire.TypeAck, wire.TypeError, wire.TypePong:
		c.mu.Lock()
		reply, ok := c.pending[msg.ID]
		c.mu.Unlock()
		if !ok {
			if msg.Type == wire.TypeError {
				c.logger.Warn().Str("id", msg.ID).Str("error", msg.Error).Msg("unsolicited error")
			}
			return
		}
		reply <- msg
	default:
		c.logger.Warn().Str("type", msg.Type).Msg("unhandled frame")
	}
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(c.opts.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				c.shutdown(fmt.Errorf("%w: ping: %w", domain.ErrTransportFailure, err))
				return
			}
		}
	}
}

// Ping round-trips an application ping through the relay.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.request(ctx, wire.Message{Type: wire.TypePing})
	return err
}

// subscribe registers the push route before sending the request, since the
// relay may push the current state ahead of its ack.
func (c *Client) subscribe(ctx context.Context, req wire.Message, handle func(wire.Message)) (core.Unsubscribe, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub := uuid.NewString()
	req.Sub = sub
	box := mailbox.New[wire.Message]()

	c.mu.Lock()
	select {
	case <-c.closed:
		c.mu.Unlock()
		return nil, ErrClosed
	default:
	}
	c.subs[sub] = box
	c.mu.Unlock()
	go box.Run(handle)

	release := func() {
		c.mu.Lock()
		_, ok := c.subs[sub]
		delete(c.subs, sub)
		c.mu.Unlock()
		box.Close()
		if ok {
			if err := c.write(wire.Message{Type: wire.TypeUnsubscribe, ID: uuid.NewString(), Sub: sub}); err != nil && !errors.Is(err, ErrClosed) {
				c.logger.Debug().Err(err).Str("sub", sub).Msg("unsubscribe")
			}
		}
	}

	if _, err := c.request(ctx, req); err != nil {
		c.mu.Lock()
		delete(c.subs, sub)
		c.mu.Unlock()
		box.Close()
		return nil, err
	}

	var once sync.Once
	unsub := func() { once.Do(release) }
	stop := context.AfterFunc(ctx, unsub)
	return func() {
		stop()
		unsub()
	}, nil
}

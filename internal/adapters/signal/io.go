package signal

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/studyhall/internal/adapters/wire"
	"github.com/dkeye/studyhall/internal/core"
)

const writeWait = 5 * time.Second

func (ctl *SignalWSController) pongWait() time.Duration {
	return ctl.opts.PingPeriod * 10 / 9
}

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.opts.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Msg("writePump ctx done")
			c.Close()
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump ping")
				return
			}
		case data, ok := <-c.send:
			if !ok {
				log.Info().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, cid core.ClientID, c *WsSignalConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("client", string(cid)).Msg("readPump closing")
		ctl.Orch.Disconnect(cid)
		c.Close()
	}()

	c.conn.SetReadLimit(ctl.opts.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(ctl.pongWait()))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(ctl.pongWait()))
	})

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Str("client", string(cid)).Msg("readPump ctx done")
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Error().Err(err).Str("module", "signal").Str("client", string(cid)).Msg("readPump read error")
				}
				return
			}
			_ = c.conn.SetReadDeadline(time.Now().Add(ctl.pongWait()))
			ctl.handleSignal(ctx, cid, data)
		}
	}
}

func (ctl *SignalWSController) handleSignal(ctx context.Context, cid core.ClientID, data []byte) {
	msg, err := wire.Decode(data)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad json")
		ctl.send(cid, wire.Message{Type: wire.TypeError, Error: "bad_payload"})
		return
	}

	ctx, cancel := context.WithTimeout(ctx, ctl.opts.RequestTimeout)
	defer cancel()

	switch msg.Type {
	case wire.TypeCreate:
		ctl.handleCreate(ctx, cid, msg)
	case wire.TypeWrite:
		ctl.handleWrite(ctx, cid, msg)
	case wire.TypeMerge:
		ctl.handleMerge(ctx, cid, msg)
	case wire.TypeRead:
		ctl.handleRead(ctx, cid, msg)
	case wire.TypeSubscribeDoc:
		ctl.handleSubscribeDoc(cid, msg)
	case wire.TypeAppend:
		ctl.handleAppend(ctx, cid, msg)
	case wire.TypeReadLog:
		ctl.handleReadLog(ctx, cid, msg)
	case wire.TypeSubscribeLog:
		ctl.handleSubscribeLog(cid, msg)
	case wire.TypeUnsubscribe:
		ctl.handleUnsubscribe(cid, msg)
	case wire.TypePing:
		ctl.handlePing(cid, msg)
	default:
		log.Warn().Str("module", "signal").Str("type", msg.Type).Msg("unknown signal")
		ctl.send(cid, wire.Message{Type: wire.TypeError, ID: msg.ID, Error: "unknown_type"})
	}
}

func (ctl *SignalWSController) send(cid core.ClientID, m wire.Message) {
	b, err := wire.Encode(m)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("send marshal")
		return
	}
	ctl.Orch.Deliver(cid, b)
}

// reply acks req, or reports err.
func (ctl *SignalWSController) reply(cid core.ClientID, req wire.Message, err error) {
	if err != nil {
		log.Debug().Err(err).Str("module", "signal").Str("client", string(cid)).Str("type", req.Type).Msg("request failed")
		ctl.send(cid, wire.ErrorReply(req.ID, err))
		return
	}
	ctl.send(cid, wire.Message{Type: wire.TypeAck, ID: req.ID})
}

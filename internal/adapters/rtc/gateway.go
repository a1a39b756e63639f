package rtc

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/nack"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/studyhall/internal/core"
)

// Compile-time interface check.
var _ core.MediaGateway = (*Gateway)(nil)

type GatewayConfig struct {
	// Loopback adds 127.0.0.1 candidates, for peers on the same host.
	Loopback bool
	Capture  CaptureConfig
}

// Gateway builds pion peer connections and local media for the negotiator.
type Gateway struct {
	api *webrtc.API
	cfg GatewayConfig
}

func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	m.RegisterFeedback(webrtc.RTCPFeedback{Type: "nack"}, webrtc.RTPCodecTypeVideo)
	m.RegisterFeedback(webrtc.RTCPFeedback{Type: "nack", Parameter: "pli"}, webrtc.RTPCodecTypeVideo)

	i := &interceptor.Registry{}
	responder, err := nack.NewResponderInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create nack responder: %w", err)
	}
	i.Add(responder)
	generator, err := nack.NewGeneratorInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create nack generator: %w", err)
	}
	i.Add(generator)
	if err := webrtc.ConfigureRTCPReports(i); err != nil {
		return nil, fmt.Errorf("configure rtcp reports: %w", err)
	}

	s := webrtc.SettingEngine{}
	if cfg.Loopback {
		s.SetIncludeLoopbackCandidate(true)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(i),
		webrtc.WithSettingEngine(s),
	)
	return &Gateway{api: api, cfg: cfg}, nil
}

func (g *Gateway) NewPeerConnection(iceServers []webrtc.ICEServer) (core.PeerConnection, error) {
	pc, err := g.api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, err
	}
	logger := log.With().
		Str("module", "webrtc").
		Str("pc", uuid.NewString()[:8]).
		Logger()
	return newConnection(pc, logger), nil
}

func (g *Gateway) CaptureLocalMedia(ctx context.Context, constraints core.MediaConstraints) (core.LocalMedia, error) {
	return Capture(ctx, g.cfg.Capture, constraints)
}

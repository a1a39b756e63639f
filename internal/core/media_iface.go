package core

import (
	"context"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// MediaConstraints selects which local devices to capture.
type MediaConstraints struct {
	Video bool
	Audio bool
}

// LocalMedia is a captured local stream.
type LocalMedia interface {
	StreamID() string
	Tracks() []webrtc.TrackLocal
	// Stop ends capture. Safe to call more than once.
	Stop()
}

// RemoteTrack is an incoming media track. *webrtc.TrackRemote satisfies it.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
	Codec() webrtc.RTPCodecParameters
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

type MediaGateway interface {
	// CaptureLocalMedia fails with domain.ErrMediaAccessDenied when the
	// devices cannot be opened.
	CaptureLocalMedia(ctx context.Context, constraints MediaConstraints) (LocalMedia, error)
	NewPeerConnection(iceServers []webrtc.ICEServer) (PeerConnection, error)
}

// PeerConnection is the live negotiation object of one session attempt.
// Description setters fail with domain.ErrInvalidState when called out of
// protocol order.
type PeerConnection interface {
	AddLocalTrack(track webrtc.TrackLocal) error
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	// AddICECandidate applies a remote ICE candidate.
	AddICECandidate(webrtc.ICECandidateInit) error
	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	// OnTrack sets a callback that will be invoked when a new remote track arrives.
	OnTrack(func(RemoteTrack))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	// Close should stop all underlying media resources.
	Close() error
}

package negotiator

import (
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/studyhall/internal/domain"
)

func toDescription(sd webrtc.SessionDescription) domain.Description {
	return domain.Description{Type: domain.SDPType(sd.Type.String()), SDP: sd.SDP}
}

func toSessionDescription(d domain.Description) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(string(d.Type)), SDP: d.SDP}
}

func toCandidate(c webrtc.ICECandidateInit) domain.Candidate {
	return domain.Candidate{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

func toICECandidateInit(c domain.Candidate) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

package mesh

import (
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
)

// rtcConn is the slice of *webrtc.PeerConnection the orchestrator drives.
// Tests substitute a scripted fake; production uses PionFactory.
type rtcConn interface {
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	RemoteDescription() *webrtc.SessionDescription
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	SignalingState() webrtc.SignalingState
	AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
	OnICECandidate(f func(*webrtc.ICECandidate))
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	Close() error
}

// connFactory builds one connection for one attempt. Replace-on-escalate
// semantics mean a factory call per ladder rung.
type connFactory func(cfg webrtc.Configuration) (rtcConn, error)

// PionFactory returns a connFactory backed by a shared pion API instance.
// Pion's internal logging is routed through loggerFactory (nil for pion's
// default).
func PionFactory(loggerFactory logging.LoggerFactory) connFactory {
	se := webrtc.SettingEngine{}
	if loggerFactory != nil {
		se.LoggerFactory = loggerFactory
	}
	api := webrtc.NewAPI(webrtc.WithSettingEngine(se))
	return func(cfg webrtc.Configuration) (rtcConn, error) {
		return api.NewPeerConnection(cfg)
	}
}

package call

import (
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/p2pcall/internal/media"
	"github.com/1ureka/p2pcall/internal/protocol"
	"github.com/1ureka/p2pcall/internal/transport"
)

// Signaling is the process-wide message channel the coordinator routes
// through. *signaling.Channel satisfies it.
type Signaling interface {
	Send(msg protocol.Message) error
	Subscribe(kind protocol.Kind) (<-chan protocol.Message, func())
	Disconnects() (<-chan error, func())
}

// PeerConnection is the media transport of one session. *transport.Transport
// satisfies it.
type PeerConnection interface {
	AddStream(s *media.Stream) error
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(sdp webrtc.SessionDescription) error
	SetRemoteDescription(sdp webrtc.SessionDescription) error
	AddICECandidate(c webrtc.ICECandidateInit) error
	ReplaceVideoTrack(t media.Track) error
	Close() error
}

// PeerFactory creates the PeerConnection of a new session.
type PeerFactory interface {
	NewPeer(servers []webrtc.ICEServer, ev transport.Events) (PeerConnection, error)
}

// PeerFactoryFunc adapts a function to PeerFactory.
type PeerFactoryFunc func(servers []webrtc.ICEServer, ev transport.Events) (PeerConnection, error)

func (f PeerFactoryFunc) NewPeer(servers []webrtc.ICEServer, ev transport.Events) (PeerConnection, error) {
	return f(servers, ev)
}

// TransportFactory builds sessions on pion transports from f.
func TransportFactory(f *transport.Factory) PeerFactory {
	return PeerFactoryFunc(func(servers []webrtc.ICEServer, ev transport.Events) (PeerConnection, error) {
		t, err := f.New(servers, ev)
		if err != nil {
			return nil, err
		}
		return t, nil
	})
}

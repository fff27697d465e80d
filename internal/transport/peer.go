package transport

import (
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// ICE timeouts. pion's default disconnected timeout is 5 s, which tears down
// calls on relay paths that briefly stall during re-keying or failover.
const (
	iceDisconnectedTimeout = 30 * time.Second
	iceFailedTimeout       = 120 * time.Second
	iceKeepAliveInterval   = 2 * time.Second
)

// CodecRegistrar registers the codecs the local capture pipeline produces.
type CodecRegistrar interface {
	RegisterCodecs(me *webrtc.MediaEngine) error
}

// Factory builds Transports that share one codec configuration.
type Factory struct {
	codecs CodecRegistrar
}

// NewFactory returns a Factory. With a nil codecs argument pion's default
// codecs are registered.
func NewFactory(codecs CodecRegistrar) *Factory {
	return &Factory{codecs: codecs}
}

// New creates a Transport backed by a fresh PeerConnection that gathers
// candidates against servers.
func (f *Factory) New(servers []webrtc.ICEServer, ev Events) (*Transport, error) {
	api, err := f.newAPI()
	if err != nil {
		return nil, err
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, err
	}
	return newTransport(pc, ev), nil
}

func (f *Factory) newAPI() (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if f.codecs != nil {
		if err := f.codecs.RegisterCodecs(mediaEngine); err != nil {
			return nil, err
		}
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, err
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(iceDisconnectedTimeout, iceFailedTimeout, iceKeepAliveInterval)

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	), nil
}

// Package capture opens local camera, microphone and screen devices through
// pion/mediadevices and exposes them as media tracks.
package capture

import (
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/p2pcall/internal/media"
)

// Track is a device-backed media track that can be attached to a peer
// connection.
type Track struct {
	*media.BaseTrack
	local webrtc.TrackLocal
}

// TrackLocal returns the pion track that carries the captured samples.
func (t *Track) TrackLocal() webrtc.TrackLocal { return t.local }

func kindOf(k webrtc.RTPCodecType) media.Kind {
	if k == webrtc.RTPCodecTypeAudio {
		return media.KindAudio
	}
	return media.KindVideo
}

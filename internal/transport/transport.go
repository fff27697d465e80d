package transport

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/p2pcall/internal/media"
	"github.com/1ureka/p2pcall/internal/util"
)

// ErrUnsupportedTrack is returned for local tracks that carry no pion track.
var ErrUnsupportedTrack = errors.New("track has no webrtc.TrackLocal")

var errNoVideoSender = errors.New("no video sender")

// LocalTrack is a media.Track that can be sent over a PeerConnection.
type LocalTrack interface {
	media.Track
	TrackLocal() webrtc.TrackLocal
}

// Events are the callbacks a Transport reports through. Nil fields are
// skipped. Callbacks run on pion goroutines.
type Events struct {
	// OnICECandidate receives each gathered local candidate. The end of
	// gathering is not reported.
	OnICECandidate func(webrtc.ICECandidateInit)
	OnStateChange  func(webrtc.PeerConnectionState)
	OnRemoteTrack  func(RemoteTrack)
}

// RemoteTrack describes a track the peer started sending.
type RemoteTrack struct {
	ID       string
	StreamID string
	Kind     media.Kind
	Codec    string
}

// slot is the outgoing sender of one media kind. current is the track whose
// samples the sender should carry when enabled; it differs from the track
// added initially while a screen share is active.
type slot struct {
	sender  *webrtc.RTPSender
	current LocalTrack
}

// Transport wraps a single PeerConnection for one call: description and
// candidate exchange, local track wiring, and remote track intake.
//
// Muting is mapped onto the sender: a disabled track is replaced with nil so
// no samples leave the host, and enabling it puts the track back.
type Transport struct {
	pc *webrtc.PeerConnection
	ev Events

	mu      sync.Mutex
	slots   map[media.Kind]*slot
	watched map[LocalTrack]bool
	pcState webrtc.PeerConnectionState
	closed  bool
}

func newTransport(pc *webrtc.PeerConnection, ev Events) *Transport {
	t := &Transport{
		pc:      pc,
		ev:      ev,
		slots:   make(map[media.Kind]*slot),
		watched: make(map[LocalTrack]bool),
		pcState: webrtc.PeerConnectionStateNew,
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || t.ev.OnICECandidate == nil {
			return
		}
		t.ev.OnICECandidate(c.ToJSON())
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("PeerConnection state: %s", state.String())
		t.mu.Lock()
		t.pcState = state
		t.mu.Unlock()
		if t.ev.OnStateChange != nil {
			t.ev.OnStateChange(state)
		}
	})

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		kind := media.KindVideo
		if remote.Kind() == webrtc.RTPCodecTypeAudio {
			kind = media.KindAudio
		}
		util.LogDebug("remote %s track %s (%s)", kind, remote.ID(), remote.Codec().MimeType)
		if t.ev.OnRemoteTrack != nil {
			t.ev.OnRemoteTrack(RemoteTrack{
				ID:       remote.ID(),
				StreamID: remote.StreamID(),
				Kind:     kind,
				Codec:    remote.Codec().MimeType,
			})
		}
		go drain(remote)
	})

	return t
}

// drain reads RTP from a remote track until it closes, counting payload
// bytes. Rendering is left to the UI surface.
func drain(remote *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		n, _, err := remote.Read(buf)
		if err != nil {
			return
		}
		util.Stats.AddMedia(n)
	}
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Close shuts down the PeerConnection. Idempotent.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	return t.pc.Close()
}

// ConnectionState returns the last observed PeerConnection state.
func (t *Transport) ConnectionState() webrtc.PeerConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pcState
}

// ---------------------------------------------------------------------------
// Signaling
// ---------------------------------------------------------------------------

// CreateOffer generates an SDP offer.
func (t *Transport) CreateOffer() (webrtc.SessionDescription, error) {
	return t.pc.CreateOffer(nil)
}

// CreateAnswer generates an SDP answer.
func (t *Transport) CreateAnswer() (webrtc.SessionDescription, error) {
	return t.pc.CreateAnswer(nil)
}

// SetLocalDescription applies the local SDP.
func (t *Transport) SetLocalDescription(sdp webrtc.SessionDescription) error {
	return t.pc.SetLocalDescription(sdp)
}

// SetRemoteDescription applies the remote SDP.
func (t *Transport) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	return t.pc.SetRemoteDescription(sdp)
}

// AddICECandidate adds a remote ICE candidate received through signaling.
func (t *Transport) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return t.pc.AddICECandidate(candidate)
}

// ---------------------------------------------------------------------------
// Media
// ---------------------------------------------------------------------------

// AddStream adds every track of s to the connection. The first track of each
// kind owns that kind's sender.
func (t *Transport) AddStream(s *media.Stream) error {
	for _, tr := range s.Tracks() {
		lt, ok := tr.(LocalTrack)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnsupportedTrack, tr.ID())
		}
		if err := t.addTrack(lt); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transport) addTrack(lt LocalTrack) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, taken := t.slots[lt.Kind()]; taken {
		util.LogDebug("skipping extra %s track %s", lt.Kind(), lt.ID())
		return nil
	}

	sender, err := t.pc.AddTrack(lt.TrackLocal())
	if err != nil {
		return fmt.Errorf("add %s track: %w", lt.Kind(), err)
	}
	s := &slot{sender: sender, current: lt}
	t.slots[lt.Kind()] = s

	// RTCP must be read for interceptors (NACK, reports) to run.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	t.watch(lt)
	if !lt.Enabled() {
		return t.apply(s)
	}
	return nil
}

// watch must be called with t.mu held.
func (t *Transport) watch(lt LocalTrack) {
	if t.watched[lt] {
		return
	}
	t.watched[lt] = true
	lt.OnEnabledChange(func(bool) { t.refresh(lt) })
}

// ReplaceVideoTrack puts tr on the video sender. tr must be a LocalTrack.
func (t *Transport) ReplaceVideoTrack(tr media.Track) error {
	lt, ok := tr.(LocalTrack)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedTrack, tr.ID())
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.slots[media.KindVideo]
	if !ok {
		return errNoVideoSender
	}
	s.current = lt
	t.watch(lt)
	return t.apply(s)
}

// refresh re-applies the sender of lt's kind if lt is still the track it
// carries.
func (t *Transport) refresh(lt LocalTrack) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.slots[lt.Kind()]
	if !ok || s.current != lt {
		return
	}
	if err := t.apply(s); err != nil {
		util.LogWarning("update %s sender: %v", lt.Kind(), err)
	}
}

// apply must be called with t.mu held.
func (t *Transport) apply(s *slot) error {
	if t.closed {
		return nil
	}
	if s.current.Enabled() {
		return s.sender.ReplaceTrack(s.current.TrackLocal())
	}
	return s.sender.ReplaceTrack(nil)
}

package call

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/p2pcall/internal/media"
	"github.com/1ureka/p2pcall/internal/protocol"
	"github.com/1ureka/p2pcall/internal/transport"
)

// ErrCandidateOverflow is returned when more remote candidates arrive before
// the remote description than the session buffers.
var ErrCandidateOverflow = errors.New("pending ICE candidate buffer full")

// Direction tells which side created the session.
type Direction int

const (
	Outgoing Direction = iota
	Incoming
)

func (d Direction) String() string {
	if d == Incoming {
		return "incoming"
	}
	return "outgoing"
}

// Session is the state of one call. It is owned by the coordinator loop and
// never touched from other goroutines.
type Session struct {
	ID        string
	Peer      string
	Direction Direction
	Mode      protocol.Mode

	state State

	ctx    context.Context // cancelled on teardown; bounds acquisition
	cancel context.CancelFunc
	timer  *time.Timer

	media *media.Manager
	pc    PeerConnection

	// Callee only: the offer kept while Ringing.
	pendingOffer *webrtc.SessionDescription

	localDesc  *webrtc.SessionDescription
	localSent  bool                      // OFFER/ANSWER handed to signaling
	outbox     []webrtc.ICECandidateInit // local candidates gathered before localSent
	remoteSet  bool
	pending    []webrtc.ICECandidateInit
	seen       map[string]struct{}
	maxPending int

	remoteTracks []transport.RemoteTrack

	// peerContacted is set once a signal was exchanged with the peer; only
	// then does teardown owe the peer a LEAVE.
	peerContacted bool

	reason EndReason
}

func newSession(id, peer string, dir Direction, mode protocol.Mode, maxPending int) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		ID:         id,
		Peer:       peer,
		Direction:  dir,
		Mode:       mode,
		state:      Idle,
		ctx:        ctx,
		cancel:     cancel,
		seen:       make(map[string]struct{}),
		maxPending: maxPending,
	}
}

// State returns the current state.
func (s *Session) State() State { return s.state }

// Terminal reports whether the session has ended.
func (s *Session) Terminal() bool { return s.state.Terminal() }

// fire applies ev through the dispatch table. On an illegal pair the state
// is unchanged and ok is false.
func (s *Session) fire(ev Event) (from, to State, ok bool) {
	from = s.state
	to, ok = next(from, ev)
	if !ok {
		return from, from, false
	}
	s.state = to
	return from, to, true
}

func candidateKey(c webrtc.ICECandidateInit) string {
	key := c.Candidate
	if c.SDPMid != nil {
		key += "|mid=" + *c.SDPMid
	}
	if c.SDPMLineIndex != nil {
		key += "|idx=" + strconv.Itoa(int(*c.SDPMLineIndex))
	}
	return key
}

// addCandidate records a remote candidate. It returns apply=true when the
// remote description is already set and the caller should apply c now.
// Duplicates are dropped. While the remote description is unset, candidates
// are buffered up to maxPending.
func (s *Session) addCandidate(c webrtc.ICECandidateInit) (apply bool, err error) {
	key := candidateKey(c)
	if _, dup := s.seen[key]; dup {
		return false, nil
	}
	if s.remoteSet {
		s.seen[key] = struct{}{}
		return true, nil
	}
	if len(s.pending) >= s.maxPending {
		return false, fmt.Errorf("%w (%d)", ErrCandidateOverflow, s.maxPending)
	}
	s.seen[key] = struct{}{}
	s.pending = append(s.pending, c)
	return false, nil
}

// remoteApplied marks the remote description as set and returns the
// buffered candidates in receipt order.
func (s *Session) remoteApplied() []webrtc.ICECandidateInit {
	s.remoteSet = true
	out := s.pending
	s.pending = nil
	return out
}

// queueLocal holds a local candidate until the description is sent.
// It returns true when the candidate may be sent right away.
func (s *Session) queueLocal(c webrtc.ICECandidateInit) bool {
	if s.localSent {
		return true
	}
	s.outbox = append(s.outbox, c)
	return false
}

// descriptionSent marks the local description as delivered and returns the
// local candidates held back until now.
func (s *Session) descriptionSent() []webrtc.ICECandidateInit {
	s.localSent = true
	out := s.outbox
	s.outbox = nil
	return out
}

// Info is a read-only snapshot of a session.
type Info struct {
	ID           string
	Peer         string
	Direction    Direction
	Mode         protocol.Mode
	State        State
	AudioEnabled bool
	VideoEnabled bool
	Sharing      bool
	RemoteTracks int
}

func (s *Session) info() Info {
	in := Info{
		ID:           s.ID,
		Peer:         s.Peer,
		Direction:    s.Direction,
		Mode:         s.Mode,
		State:        s.state,
		RemoteTracks: len(s.remoteTracks),
	}
	if s.media != nil {
		if stream := s.media.Stream(); stream != nil {
			in.AudioEnabled = anyEnabled(stream.AudioTracks())
			in.VideoEnabled = anyEnabled(stream.VideoTracks())
		}
		in.Sharing = s.media.Sharing()
	}
	return in
}

func anyEnabled(tracks []media.Track) bool {
	for _, t := range tracks {
		if t.Enabled() {
			return true
		}
	}
	return false
}

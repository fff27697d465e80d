package call

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/p2pcall/internal/media"
	"github.com/1ureka/p2pcall/internal/protocol"
	"github.com/1ureka/p2pcall/internal/transport"
)

const waitTimeout = 5 * time.Second

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

// fakeNet delivers messages between fakeSignaling nodes by recipient.
type fakeNet struct {
	mu    sync.Mutex
	nodes map[string]*fakeSignaling
}

func newFakeNet() *fakeNet { return &fakeNet{nodes: make(map[string]*fakeSignaling)} }

func (n *fakeNet) node(id string) *fakeSignaling {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.nodes[id]
}

type fakeSignaling struct {
	net   *fakeNet
	id    string
	subs  map[protocol.Kind]chan protocol.Message
	drops chan error

	mu      sync.Mutex
	sent    []protocol.Message
	sendErr error
}

func newFakeSignaling(net *fakeNet, id string) *fakeSignaling {
	s := &fakeSignaling{
		net:   net,
		id:    id,
		subs:  make(map[protocol.Kind]chan protocol.Message),
		drops: make(chan error, 4),
	}
	for _, kind := range protocol.Kinds {
		s.subs[kind] = make(chan protocol.Message, 256)
	}
	if net != nil {
		net.mu.Lock()
		net.nodes[id] = s
		net.mu.Unlock()
	}
	return s
}

func (s *fakeSignaling) Send(msg protocol.Message) error {
	s.mu.Lock()
	if s.sendErr != nil {
		err := s.sendErr
		s.mu.Unlock()
		return err
	}
	msg.From = s.id
	s.sent = append(s.sent, msg)
	s.mu.Unlock()

	if s.net != nil {
		if dst := s.net.node(msg.To); dst != nil {
			dst.inject(msg)
		}
	}
	return nil
}

func (s *fakeSignaling) Subscribe(kind protocol.Kind) (<-chan protocol.Message, func()) {
	return s.subs[kind], func() {}
}

func (s *fakeSignaling) Disconnects() (<-chan error, func()) {
	return s.drops, func() {}
}

func (s *fakeSignaling) inject(msg protocol.Message) { s.subs[msg.Kind] <- msg }

func (s *fakeSignaling) failSends(err error) {
	s.mu.Lock()
	s.sendErr = err
	s.mu.Unlock()
}

// sentKinds lists the kinds sent so far, in order.
func (s *fakeSignaling) sentKinds() []protocol.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	kinds := make([]protocol.Kind, len(s.sent))
	for i, m := range s.sent {
		kinds[i] = m.Kind
	}
	return kinds
}

func (s *fakeSignaling) sentOf(kind protocol.Kind) []protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []protocol.Message
	for _, m := range s.sent {
		if m.Kind == kind {
			out = append(out, m)
		}
	}
	return out
}

// fakeMedia hands out BaseTrack streams. gate, when set, holds UserMedia
// until closed and ignores cancellation, like a slow permission prompt.
type fakeMedia struct {
	mu     sync.Mutex
	err    error
	gate   chan struct{}
	calls  int
	tracks []*media.BaseTrack
}

func (f *fakeMedia) UserMedia(ctx context.Context, c media.Constraints) (*media.Stream, error) {
	f.mu.Lock()
	f.calls++
	gate, err := f.gate, f.err
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	var tracks []media.Track
	if c.Audio {
		tracks = append(tracks, f.track("mic", media.KindAudio))
	}
	if c.Video {
		tracks = append(tracks, f.track("cam", media.KindVideo))
	}
	return media.NewStream("local", tracks...), nil
}

func (f *fakeMedia) DisplayMedia(ctx context.Context) (*media.Stream, error) {
	return media.NewStream("screen", f.track("screen", media.KindVideo)), nil
}

func (f *fakeMedia) track(id string, kind media.Kind) *media.BaseTrack {
	t := media.NewBaseTrack(id, kind, nil)
	f.mu.Lock()
	f.tracks = append(f.tracks, t)
	f.mu.Unlock()
	return t
}

func (f *fakeMedia) acquisitions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeMedia) allStopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.tracks {
		if !t.Stopped() {
			return false
		}
	}
	return true
}

// fakePeer negotiates instantly. Once both descriptions are set it reports
// a remote track and the Connected state, if autoConnect is on.
type fakePeer struct {
	name        string
	ev          transport.Events
	autoConnect bool
	answerErr   error

	mu         sync.Mutex
	local      *webrtc.SessionDescription
	remote     *webrtc.SessionDescription
	candidates []string
	stream     *media.Stream
	video      media.Track
	connected  bool
	closed     chan struct{}
	closeOnce  sync.Once
}

func (p *fakePeer) AddStream(s *media.Stream) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stream = s
	if v := s.VideoTracks(); len(v) > 0 {
		p.video = v[0]
	}
	return nil
}

func (p *fakePeer) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-" + p.name}, nil
}

func (p *fakePeer) CreateAnswer() (webrtc.SessionDescription, error) {
	if p.answerErr != nil {
		return webrtc.SessionDescription{}, p.answerErr
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-" + p.name}, nil
}

func (p *fakePeer) SetLocalDescription(sdp webrtc.SessionDescription) error {
	p.mu.Lock()
	p.local = &sdp
	p.mu.Unlock()
	go p.ev.OnICECandidate(webrtc.ICECandidateInit{Candidate: "candidate:" + p.name})
	p.maybeConnect()
	return nil
}

func (p *fakePeer) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	p.mu.Lock()
	p.remote = &sdp
	p.mu.Unlock()
	p.maybeConnect()
	return nil
}

func (p *fakePeer) maybeConnect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.autoConnect || p.connected || p.local == nil || p.remote == nil {
		return
	}
	p.connected = true
	go func() {
		p.ev.OnRemoteTrack(transport.RemoteTrack{ID: "remote-audio", StreamID: "remote", Kind: media.KindAudio})
		p.ev.OnStateChange(webrtc.PeerConnectionStateConnected)
	}()
}

func (p *fakePeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return errors.New("remote description not set")
	}
	p.candidates = append(p.candidates, c.Candidate)
	return nil
}

func (p *fakePeer) ReplaceVideoTrack(t media.Track) error {
	p.mu.Lock()
	p.video = t
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}

func (p *fakePeer) remoteCandidates() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.candidates...)
}

func (p *fakePeer) videoTrack() media.Track {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.video
}

func (p *fakePeer) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

type fakeFactory struct {
	name        string
	autoConnect bool
	answerErr   error

	mu    sync.Mutex
	peers []*fakePeer
}

func (f *fakeFactory) NewPeer(_ []webrtc.ICEServer, ev transport.Events) (PeerConnection, error) {
	p := &fakePeer{
		name:        f.name,
		ev:          ev,
		autoConnect: f.autoConnect,
		answerErr:   f.answerErr,
		closed:      make(chan struct{}),
	}
	f.mu.Lock()
	f.peers = append(f.peers, p)
	f.mu.Unlock()
	return p, nil
}

func (f *fakeFactory) created() []*fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakePeer(nil), f.peers...)
}

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

type node struct {
	c     *Coordinator
	sig   *fakeSignaling
	src   *fakeMedia
	peers *fakeFactory
	notes <-chan Notification
}

func newNode(t *testing.T, net *fakeNet, id string, opts Options) *node {
	t.Helper()
	opts.Identity = id
	n := &node{
		sig:   newFakeSignaling(net, id),
		src:   &fakeMedia{},
		peers: &fakeFactory{name: id, autoConnect: true},
	}
	c, err := New(n.sig, n.src, n.peers, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	n.c = c
	notes, cancel := c.Subscribe()
	n.notes = notes
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		c.Stop()
		cancel()
	})
	return n
}

// next waits for the first notification matching match, skipping others.
func (n *node) next(t *testing.T, match func(Notification) bool) Notification {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case note, ok := <-n.notes:
			if !ok {
				t.Fatalf("%s: notifications closed", n.c.Identity())
			}
			if match(note) {
				return note
			}
		case <-deadline:
			t.Fatalf("%s: expected notification not received", n.c.Identity())
		}
	}
}

func (n *node) incoming(t *testing.T) Notification {
	t.Helper()
	return n.next(t, func(note Notification) bool { return note.Kind == IncomingCall })
}

func (n *node) ended(t *testing.T) Notification {
	t.Helper()
	return n.next(t, func(note Notification) bool { return note.Kind == CallEnded })
}

func (n *node) reached(t *testing.T, state State) Notification {
	t.Helper()
	return n.next(t, func(note Notification) bool {
		return note.Kind == StateChanged && note.State == state
	})
}

// quiet asserts that no notification matching match arrives for a while.
func (n *node) quiet(t *testing.T, match func(Notification) bool) {
	t.Helper()
	deadline := time.After(200 * time.Millisecond)
	for {
		select {
		case note, ok := <-n.notes:
			if !ok {
				return
			}
			if match(note) {
				t.Fatalf("%s: unexpected %s (%s)", n.c.Identity(), note.Kind, note.Reason)
			}
		case <-deadline:
			return
		}
	}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func expectEnd(t *testing.T, note Notification, state State, reason EndReason) {
	t.Helper()
	if note.State != state || note.Reason != reason {
		t.Fatalf("CallEnded = %s/%s (%q), want %s/%s", note.State, note.Reason, note.Message, state, reason)
	}
}

func offerFrom(from, to, callID string, mode protocol.Mode) protocol.Message {
	msg := protocol.NewOffer(from, to, callID,
		webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-" + from}, mode)
	return msg
}

// connectPair runs a full call from alice to bob and returns its id.
func connectPair(t *testing.T, alice, bob *node, mode MediaOptions) string {
	t.Helper()
	ctx := context.Background()
	id, err := alice.c.Initiate(ctx, bob.c.Identity(), mode)
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	in := bob.incoming(t)
	if in.CallID != id || in.Peer != alice.c.Identity() {
		t.Fatalf("IncomingCall = %+v", in)
	}
	if err := bob.c.AcceptIncoming(ctx, id); err != nil {
		t.Fatalf("AcceptIncoming: %v", err)
	}
	alice.reached(t, Connected)
	bob.reached(t, Connected)
	return id
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestCallConnectsAndHangsUp(t *testing.T) {
	net := newFakeNet()
	alice := newNode(t, net, "alice", Options{})
	bob := newNode(t, net, "bob", Options{})
	ctx := context.Background()

	id := connectPair(t, alice, bob, MediaOptions{Audio: true, Video: true})
	if offers := alice.sig.sentOf(protocol.KindOffer); len(offers) != 1 || offers[0].CallID != id {
		t.Fatalf("OFFERs = %+v, want exactly one for %s", offers, id)
	}

	info, ok := alice.c.Active(ctx)
	if !ok || info.ID != id || info.State != Connected || info.Mode != protocol.ModeVideo {
		t.Fatalf("Active = %+v, %v", info, ok)
	}
	if !info.AudioEnabled || !info.VideoEnabled {
		t.Errorf("local media not enabled: %+v", info)
	}

	// Remote candidates reach the peer connection once its description is set.
	alicePC, bobPC := alice.peers.created()[0], bob.peers.created()[0]
	eventually(t, func() bool { return len(alicePC.remoteCandidates()) == 1 })
	eventually(t, func() bool { return len(bobPC.remoteCandidates()) == 1 })
	if got := alicePC.remoteCandidates()[0]; got != "candidate:bob" {
		t.Errorf("alice applied %q", got)
	}

	if err := alice.c.Hangup(ctx); err != nil {
		t.Fatal(err)
	}
	connected := 0
	note := alice.next(t, func(n Notification) bool {
		if n.Kind == StateChanged && n.State == Connected {
			connected++
		}
		return n.Kind == CallEnded
	})
	if connected != 0 {
		t.Errorf("saw %d more Connected notifications", connected)
	}
	expectEnd(t, note, Ended, ReasonHangup)
	expectEnd(t, bob.ended(t), Ended, ReasonPeerLeft)

	for _, n := range []*node{alice, bob} {
		if _, ok := n.c.Active(ctx); ok {
			t.Errorf("%s still has an active call", n.c.Identity())
		}
		pc := n.peers.created()[0]
		eventually(t, pc.isClosed)
		if !n.src.allStopped() {
			t.Errorf("%s: local tracks not stopped", n.c.Identity())
		}
	}
}

func TestCandidatesFollowDescription(t *testing.T) {
	net := newFakeNet()
	alice := newNode(t, net, "alice", Options{})
	bob := newNode(t, net, "bob", Options{})
	connectPair(t, alice, bob, MediaOptions{Audio: true})

	check := func(n *node, desc protocol.Kind) {
		kinds := n.sig.sentKinds()
		seenDesc := false
		for _, k := range kinds {
			if k == desc {
				seenDesc = true
			}
			if k == protocol.KindICE && !seenDesc {
				t.Errorf("%s sent ICE before %s: %v", n.c.Identity(), desc, kinds)
			}
		}
		if len(n.sig.sentOf(protocol.KindICE)) != 1 {
			t.Errorf("%s sent %d candidates, want 1", n.c.Identity(), len(n.sig.sentOf(protocol.KindICE)))
		}
	}
	eventually(t, func() bool { return len(alice.sig.sentOf(protocol.KindICE)) == 1 })
	eventually(t, func() bool { return len(bob.sig.sentOf(protocol.KindICE)) == 1 })
	check(alice, protocol.KindOffer)
	check(bob, protocol.KindAnswer)
}

func TestRemoteTrackIsReported(t *testing.T) {
	net := newFakeNet()
	alice := newNode(t, net, "alice", Options{})
	bob := newNode(t, net, "bob", Options{})

	if _, err := alice.c.Initiate(context.Background(), "bob", MediaOptions{Audio: true}); err != nil {
		t.Fatal(err)
	}
	in := bob.incoming(t)
	if in.Mode != protocol.ModeAudio {
		t.Errorf("Mode = %s, want audio", in.Mode)
	}
	if err := bob.c.AcceptIncoming(context.Background(), in.CallID); err != nil {
		t.Fatal(err)
	}
	note := bob.next(t, func(n Notification) bool { return n.Kind == RemoteTrack })
	if note.Track == nil || note.Track.ID != "remote-audio" {
		t.Fatalf("RemoteTrack = %+v", note.Track)
	}
}

func TestCalleeRejects(t *testing.T) {
	net := newFakeNet()
	alice := newNode(t, net, "alice", Options{})
	bob := newNode(t, net, "bob", Options{})
	ctx := context.Background()

	id, err := alice.c.Initiate(ctx, "bob", MediaOptions{Audio: true})
	if err != nil {
		t.Fatal(err)
	}
	bob.incoming(t)
	if err := bob.c.RejectIncoming(ctx, id); err != nil {
		t.Fatal(err)
	}

	expectEnd(t, bob.ended(t), Ended, ReasonRejected)
	expectEnd(t, alice.ended(t), Ended, ReasonRejected)

	if bob.src.acquisitions() != 0 {
		t.Error("callee acquired media for a rejected call")
	}
	if len(alice.sig.sentOf(protocol.KindLeave)) != 0 {
		t.Error("caller sent LEAVE after a REJECT")
	}
	eventually(t, alice.peers.created()[0].isClosed)
}

func TestBusyCalleeRefusesSecondOffer(t *testing.T) {
	net := newFakeNet()
	alice := newNode(t, net, "alice", Options{})
	bob := newNode(t, net, "bob", Options{})
	carol := newNode(t, net, "carol", Options{})
	ctx := context.Background()

	first, err := carol.c.Initiate(ctx, "bob", MediaOptions{Audio: true})
	if err != nil {
		t.Fatal(err)
	}
	bob.incoming(t)

	if _, err := alice.c.Initiate(ctx, "bob", MediaOptions{Audio: true}); err != nil {
		t.Fatal(err)
	}
	expectEnd(t, alice.ended(t), Ended, ReasonBusy)

	info, ok := bob.c.Active(ctx)
	if !ok || info.ID != first || info.State != Ringing {
		t.Fatalf("bob's call changed: %+v", info)
	}
	rejects := bob.sig.sentOf(protocol.KindReject)
	if len(rejects) != 1 || rejects[0].To != "alice" || rejects[0].Reason() != "busy" {
		t.Fatalf("REJECT = %+v", rejects)
	}
	bob.quiet(t, func(n Notification) bool { return n.Kind == IncomingCall })
}

func TestSimultaneousCallsResolveToOne(t *testing.T) {
	net := newFakeNet()
	alice := newNode(t, net, "alice", Options{})
	bob := newNode(t, net, "bob", Options{})
	ctx := context.Background()

	// Hold both offers until both sides are Offering.
	gateA, gateB := make(chan struct{}), make(chan struct{})
	alice.src.gate, bob.src.gate = gateA, gateB

	aliceID, err := alice.c.Initiate(ctx, "bob", MediaOptions{Audio: true})
	if err != nil {
		t.Fatal(err)
	}
	bobID, err := bob.c.Initiate(ctx, "alice", MediaOptions{Audio: true})
	if err != nil {
		t.Fatal(err)
	}
	close(gateA)
	close(gateB)

	// "alice" sorts first and keeps her call; bob answers it.
	lost := bob.ended(t)
	if lost.CallID != bobID {
		t.Fatalf("bob ended %s, want his own call %s", lost.CallID, bobID)
	}
	expectEnd(t, lost, Ended, ReasonGlare)

	in := bob.incoming(t)
	if in.CallID != aliceID {
		t.Fatalf("bob rings for %s, want %s", in.CallID, aliceID)
	}
	if err := bob.c.AcceptIncoming(ctx, aliceID); err != nil {
		t.Fatal(err)
	}
	alice.reached(t, Connected)
	bob.reached(t, Connected)

	if len(bob.sig.sentOf(protocol.KindLeave)) != 0 {
		t.Error("glare loser sent LEAVE")
	}
	alice.quiet(t, func(n Notification) bool { return n.Kind == CallEnded || n.Kind == IncomingCall })
}

func TestGlareTieBreak(t *testing.T) {
	tests := []struct {
		name     string
		identity string
		peer     string
		wins     bool
	}{
		{name: "lower identity keeps its call", identity: "alice", peer: "bob", wins: true},
		{name: "higher identity yields", identity: "bob", peer: "alice", wins: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := newNode(t, nil, tt.identity, Options{})
			n.src.gate = make(chan struct{})
			defer close(n.src.gate)
			ctx := context.Background()

			own, err := n.c.Initiate(ctx, tt.peer, MediaOptions{Audio: true})
			if err != nil {
				t.Fatal(err)
			}
			n.sig.inject(offerFrom(tt.peer, tt.identity, "theirs", protocol.ModeAudio))

			if tt.wins {
				eventually(t, func() bool { return len(n.sig.sentOf(protocol.KindReject)) == 1 })
				rej := n.sig.sentOf(protocol.KindReject)[0]
				if rej.CallID != "theirs" || rej.Reason() != "glare" {
					t.Fatalf("REJECT = %+v", rej)
				}
				info, ok := n.c.Active(ctx)
				if !ok || info.ID != own || info.State != Offering {
					t.Fatalf("own call changed: %+v", info)
				}
				return
			}

			end := n.ended(t)
			if end.CallID != own {
				t.Fatalf("ended %s, want %s", end.CallID, own)
			}
			expectEnd(t, end, Ended, ReasonGlare)
			if in := n.incoming(t); in.CallID != "theirs" {
				t.Fatalf("ringing for %s", in.CallID)
			}
			if len(n.sig.sentKinds()) != 0 {
				t.Errorf("yielding side sent %v", n.sig.sentKinds())
			}
		})
	}
}

func TestSignalingLostFailsCall(t *testing.T) {
	net := newFakeNet()
	alice := newNode(t, net, "alice", Options{})
	bob := newNode(t, net, "bob", Options{})
	connectPair(t, alice, bob, MediaOptions{Audio: true})

	eventually(t, func() bool { return len(alice.sig.sentOf(protocol.KindICE)) == 1 })
	sent := len(alice.sig.sentKinds())
	alice.sig.drops <- errors.New("connection lost")

	expectEnd(t, alice.ended(t), Failed, ReasonSignalingLost)
	if got := len(alice.sig.sentKinds()); got != sent {
		t.Errorf("sent %d messages after losing signaling", got-sent)
	}
	if !alice.src.allStopped() {
		t.Error("local tracks not stopped")
	}
}

func TestOfferSendFailure(t *testing.T) {
	n := newNode(t, nil, "alice", Options{})
	n.sig.failSends(errors.New("not open"))

	if _, err := n.c.Initiate(context.Background(), "bob", MediaOptions{Audio: true}); err != nil {
		t.Fatal(err)
	}
	expectEnd(t, n.ended(t), Failed, ReasonSignalingLost)
}

func TestLateMessagesAreDropped(t *testing.T) {
	n := newNode(t, nil, "alice", Options{})
	ctx := context.Background()

	id, err := n.c.Initiate(ctx, "bob", MediaOptions{Audio: true})
	if err != nil {
		t.Fatal(err)
	}
	eventually(t, func() bool { return len(n.sig.sentOf(protocol.KindOffer)) == 1 })
	if err := n.c.Hangup(ctx); err != nil {
		t.Fatal(err)
	}
	n.ended(t)

	answer := protocol.NewAnswer("bob", "alice", id,
		webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "late"}, protocol.ModeAudio)
	n.sig.inject(answer)
	n.sig.inject(protocol.NewICE("bob", "alice", id, webrtc.ICECandidateInit{Candidate: "candidate:late"}))
	n.sig.inject(protocol.NewLeave("bob", "alice", id, "hangup"))
	n.sig.inject(offerFrom("bob", "alice", id, protocol.ModeAudio))

	n.quiet(t, func(Notification) bool { return true })
	pc := n.peers.created()[0]
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.remote != nil {
		t.Error("late ANSWER reached the peer connection")
	}
}

func TestOneCallEndedPerSession(t *testing.T) {
	n := newNode(t, nil, "bob", Options{})
	ctx := context.Background()

	n.sig.inject(offerFrom("alice", "bob", "c1", protocol.ModeAudio))
	n.incoming(t)

	n.sig.inject(protocol.NewLeave("alice", "bob", "c1", "hangup"))
	expectEnd(t, n.ended(t), Ended, ReasonPeerLeft)

	if err := n.c.Hangup(ctx); err != nil {
		t.Fatal(err)
	}
	if err := n.c.RejectIncoming(ctx, "c1"); !errors.Is(err, ErrNoSuchCall) {
		t.Errorf("RejectIncoming = %v, want ErrNoSuchCall", err)
	}
	n.sig.drops <- errors.New("gone")
	n.quiet(t, func(note Notification) bool { return note.Kind == CallEnded })
}

func TestPendingCandidates(t *testing.T) {
	tests := []struct {
		name       string
		candidates []string
		overflow   bool
	}{
		{name: "within cap", candidates: []string{"a", "b"}},
		{name: "duplicates do not count", candidates: []string{"a", "a", "a", "b", "b"}},
		{name: "over cap", candidates: []string{"a", "b", "c"}, overflow: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := newNode(t, nil, "bob", Options{MaxPendingCandidates: 2})
			n.sig.inject(offerFrom("alice", "bob", "c1", protocol.ModeAudio))
			n.incoming(t)
			for _, c := range tt.candidates {
				n.sig.inject(protocol.NewICE("alice", "bob", "c1", webrtc.ICECandidateInit{Candidate: c}))
			}

			if tt.overflow {
				expectEnd(t, n.ended(t), Failed, ReasonCandidateOverflow)
				leaves := n.sig.sentOf(protocol.KindLeave)
				if len(leaves) != 1 || leaves[0].To != "alice" {
					t.Fatalf("LEAVE = %+v", leaves)
				}
				return
			}
			n.quiet(t, func(note Notification) bool { return note.Kind == CallEnded })

			// Accepting applies the buffered candidates once each.
			if err := n.c.AcceptIncoming(context.Background(), "c1"); err != nil {
				t.Fatal(err)
			}
			eventually(t, func() bool {
				peers := n.peers.created()
				return len(peers) == 1 && len(peers[0].remoteCandidates()) == 2
			})
			got := n.peers.created()[0].remoteCandidates()
			if got[0] != "a" || got[1] != "b" {
				t.Errorf("applied %v, want [a b]", got)
			}
		})
	}
}

func TestNegotiationTimeout(t *testing.T) {
	t.Run("caller", func(t *testing.T) {
		n := newNode(t, nil, "alice", Options{NegotiationTimeout: 200 * time.Millisecond})
		if _, err := n.c.Initiate(context.Background(), "bob", MediaOptions{Audio: true}); err != nil {
			t.Fatal(err)
		}
		expectEnd(t, n.ended(t), Failed, ReasonTimeout)
		if len(n.sig.sentOf(protocol.KindLeave)) != 1 {
			t.Errorf("sent %v, want a LEAVE after the OFFER", n.sig.sentKinds())
		}
	})
	t.Run("unanswered callee", func(t *testing.T) {
		n := newNode(t, nil, "bob", Options{NegotiationTimeout: 50 * time.Millisecond})
		n.sig.inject(offerFrom("alice", "bob", "c1", protocol.ModeAudio))
		n.incoming(t)

		expectEnd(t, n.ended(t), Ended, ReasonTimeout)
		rejects := n.sig.sentOf(protocol.KindReject)
		if len(rejects) != 1 || rejects[0].Reason() != "timeout" {
			t.Fatalf("REJECT = %+v", rejects)
		}
	})
	t.Run("connected call is unaffected", func(t *testing.T) {
		net := newFakeNet()
		alice := newNode(t, net, "alice", Options{NegotiationTimeout: 300 * time.Millisecond})
		bob := newNode(t, net, "bob", Options{NegotiationTimeout: 300 * time.Millisecond})
		connectPair(t, alice, bob, MediaOptions{Audio: true})
		time.Sleep(400 * time.Millisecond)
		alice.quiet(t, func(n Notification) bool { return n.Kind == CallEnded })
	})
}

func TestMediaFailure(t *testing.T) {
	denied := media.NewError(media.PermissionDenied, errors.New("user said no"))

	t.Run("caller", func(t *testing.T) {
		n := newNode(t, nil, "alice", Options{})
		n.src.err = denied
		if _, err := n.c.Initiate(context.Background(), "bob", MediaOptions{Audio: true}); err != nil {
			t.Fatal(err)
		}
		expectEnd(t, n.ended(t), Failed, ReasonPermissionDenied)
		if kinds := n.sig.sentKinds(); len(kinds) != 0 {
			t.Errorf("sent %v for a call the peer never saw", kinds)
		}
		if len(n.peers.created()) != 0 {
			t.Error("peer connection created without media")
		}
	})
	t.Run("callee", func(t *testing.T) {
		n := newNode(t, nil, "bob", Options{})
		n.src.err = errors.New("no camera")
		n.sig.inject(offerFrom("alice", "bob", "c1", protocol.ModeVideo))
		n.incoming(t)
		if err := n.c.AcceptIncoming(context.Background(), "c1"); err != nil {
			t.Fatal(err)
		}
		expectEnd(t, n.ended(t), Failed, ReasonDeviceUnavailable)
		if len(n.sig.sentOf(protocol.KindLeave)) != 1 {
			t.Errorf("sent %v, want a LEAVE", n.sig.sentKinds())
		}
	})
}

func TestMediaResolvingAfterHangupIsReleased(t *testing.T) {
	n := newNode(t, nil, "alice", Options{})
	gate := make(chan struct{})
	n.src.gate = gate
	ctx := context.Background()

	if _, err := n.c.Initiate(ctx, "bob", MediaOptions{Audio: true, Video: true}); err != nil {
		t.Fatal(err)
	}
	eventually(t, func() bool { return n.src.acquisitions() == 1 })
	if err := n.c.Hangup(ctx); err != nil {
		t.Fatal(err)
	}
	expectEnd(t, n.ended(t), Ended, ReasonHangup)
	close(gate)

	eventually(t, func() bool {
		n.src.mu.Lock()
		defer n.src.mu.Unlock()
		return len(n.src.tracks) == 2
	})
	eventually(t, n.src.allStopped)
	n.quiet(t, func(Notification) bool { return true })
	if len(n.peers.created()) != 0 {
		t.Error("peer connection created for an ended call")
	}
	if kinds := n.sig.sentKinds(); len(kinds) != 0 {
		t.Errorf("sent %v", kinds)
	}
}

func TestOperationErrors(t *testing.T) {
	n := newNode(t, nil, "alice", Options{})
	ctx := context.Background()

	if _, err := n.c.Initiate(ctx, "alice", MediaOptions{Audio: true}); !errors.Is(err, ErrInvalidTarget) {
		t.Errorf("call self = %v", err)
	}
	if _, err := n.c.Initiate(ctx, "", MediaOptions{Audio: true}); !errors.Is(err, ErrInvalidTarget) {
		t.Errorf("empty target = %v", err)
	}
	if _, err := n.c.Initiate(ctx, "bob", MediaOptions{}); !errors.Is(err, ErrInvalidMedia) {
		t.Errorf("no media = %v", err)
	}
	if err := n.c.AcceptIncoming(ctx, "nope"); !errors.Is(err, ErrNoSuchCall) {
		t.Errorf("accept unknown = %v", err)
	}
	if _, err := n.c.ToggleMute(ctx); !errors.Is(err, ErrNoActiveCall) {
		t.Errorf("mute idle = %v", err)
	}
	if err := n.c.Hangup(ctx); err != nil {
		t.Errorf("hangup idle = %v", err)
	}

	id, err := n.c.Initiate(ctx, "bob", MediaOptions{Audio: true})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := n.c.Initiate(ctx, "carol", MediaOptions{Audio: true}); !errors.Is(err, ErrAlreadyInCall) {
		t.Errorf("second call = %v", err)
	}
	if err := n.c.AcceptIncoming(ctx, id); !errors.Is(err, ErrNotRinging) {
		t.Errorf("accept outgoing = %v", err)
	}
}

func TestAcceptTwice(t *testing.T) {
	n := newNode(t, nil, "bob", Options{})
	ctx := context.Background()
	n.sig.inject(offerFrom("alice", "bob", "c1", protocol.ModeAudio))
	n.incoming(t)

	if err := n.c.AcceptIncoming(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	if err := n.c.AcceptIncoming(ctx, "c1"); !errors.Is(err, ErrNotRinging) {
		t.Errorf("second accept = %v, want ErrNotRinging", err)
	}
	if err := n.c.RejectIncoming(ctx, "c1"); !errors.Is(err, ErrNotRinging) {
		t.Errorf("reject after accept = %v, want ErrNotRinging", err)
	}
}

func TestNotStarted(t *testing.T) {
	c, err := New(newFakeSignaling(nil, "alice"), &fakeMedia{}, &fakeFactory{}, Options{Identity: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Initiate(context.Background(), "bob", MediaOptions{Audio: true}); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Initiate = %v, want ErrNotStarted", err)
	}
	if _, err := New(nil, nil, nil, Options{}); err == nil {
		t.Error("New without identity succeeded")
	}
}

func TestMediaControlsDuringCall(t *testing.T) {
	net := newFakeNet()
	alice := newNode(t, net, "alice", Options{})
	bob := newNode(t, net, "bob", Options{})
	ctx := context.Background()
	connectPair(t, alice, bob, MediaOptions{Audio: true, Video: true})

	muted, err := alice.c.ToggleMute(ctx)
	if err != nil || !muted {
		t.Fatalf("ToggleMute = %v, %v", muted, err)
	}
	on, err := alice.c.ToggleVideo(ctx)
	if err != nil || on {
		t.Fatalf("ToggleVideo = %v, %v", on, err)
	}
	info, _ := alice.c.Active(ctx)
	if info.AudioEnabled || info.VideoEnabled {
		t.Errorf("Active = %+v, want both disabled", info)
	}
	if muted, _ := alice.c.ToggleMute(ctx); muted {
		t.Error("second ToggleMute did not unmute")
	}

	pc := alice.peers.created()[0]
	camera := pc.videoTrack()
	if err := alice.c.ShareScreen(ctx); err != nil {
		t.Fatalf("ShareScreen: %v", err)
	}
	if got := pc.videoTrack(); got == nil || got.ID() != "screen" {
		t.Fatalf("sender carries %v, want screen", got)
	}
	if info, _ := alice.c.Active(ctx); !info.Sharing {
		t.Error("Active does not report sharing")
	}
	if err := alice.c.StopScreenShare(ctx); err != nil {
		t.Fatal(err)
	}
	if pc.videoTrack() != camera {
		t.Error("camera not restored")
	}
}

func TestStopEndsCallWithShutdown(t *testing.T) {
	n := newNode(t, nil, "alice", Options{})
	if _, err := n.c.Initiate(context.Background(), "bob", MediaOptions{Audio: true}); err != nil {
		t.Fatal(err)
	}
	eventually(t, func() bool { return len(n.sig.sentOf(protocol.KindOffer)) == 1 })

	n.c.Stop()
	expectEnd(t, n.ended(t), Ended, ReasonShutdown)
	if len(n.sig.sentOf(protocol.KindLeave)) != 1 {
		t.Errorf("sent %v, want a LEAVE", n.sig.sentKinds())
	}
	if _, ok := <-n.notes; ok {
		t.Error("notification stream still open after Stop")
	}
	if _, err := n.c.Initiate(context.Background(), "bob", MediaOptions{Audio: true}); !errors.Is(err, ErrStopped) {
		t.Errorf("Initiate after Stop = %v, want ErrStopped", err)
	}
}

func TestEarlyCandidatesAppliedAfterAccept(t *testing.T) {
	n := newNode(t, nil, "bob", Options{})
	n.sig.inject(offerFrom("alice", "bob", "c1", protocol.ModeAudio))
	n.incoming(t)
	for _, c := range []string{"candidate:1", "candidate:2", "candidate:3"} {
		n.sig.inject(protocol.NewICE("alice", "bob", "c1", webrtc.ICECandidateInit{Candidate: c}))
	}
	// Let the loop buffer them while the call is still ringing.
	n.quiet(t, func(note Notification) bool { return note.Kind == CallEnded })

	if err := n.c.AcceptIncoming(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	eventually(t, func() bool {
		peers := n.peers.created()
		return len(peers) == 1 && len(peers[0].remoteCandidates()) == 3
	})
	got := n.peers.created()[0].remoteCandidates()
	for i, want := range []string{"candidate:1", "candidate:2", "candidate:3"} {
		if got[i] != want {
			t.Fatalf("applied %v, want receipt order", got)
		}
	}

	// A candidate arriving after the remote description applies directly.
	n.sig.inject(protocol.NewICE("alice", "bob", "c1", webrtc.ICECandidateInit{Candidate: "candidate:4"}))
	n.sig.inject(protocol.NewICE("alice", "bob", "c1", webrtc.ICECandidateInit{Candidate: "candidate:2"}))
	eventually(t, func() bool { return len(n.peers.created()[0].remoteCandidates()) == 4 })
	n.quiet(t, func(note Notification) bool { return note.Kind == CallEnded })
	if got := n.peers.created()[0].remoteCandidates(); len(got) != 4 {
		t.Errorf("applied %v, want the duplicate dropped", got)
	}
}

func TestHangupBeforeAnswer(t *testing.T) {
	n := newNode(t, nil, "alice", Options{})
	ctx := context.Background()

	id, err := n.c.Initiate(ctx, "bob", MediaOptions{Audio: true, Video: true})
	if err != nil {
		t.Fatal(err)
	}
	eventually(t, func() bool { return len(n.sig.sentOf(protocol.KindOffer)) == 1 })

	if err := n.c.Hangup(ctx); err != nil {
		t.Fatal(err)
	}
	if err := n.c.Hangup(ctx); err != nil {
		t.Fatal(err)
	}
	expectEnd(t, n.ended(t), Ended, ReasonHangup)
	n.sig.inject(protocol.NewReject("bob", "alice", id, "busy"))
	n.sig.inject(protocol.NewAnswer("bob", "alice", id,
		webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "late"}, protocol.ModeVideo))

	n.quiet(t, func(Notification) bool { return true })
	if leaves := n.sig.sentOf(protocol.KindLeave); len(leaves) != 1 {
		t.Errorf("sent %d LEAVEs, want 1", len(leaves))
	}
	if !n.src.allStopped() {
		t.Error("local tracks not stopped")
	}
	if _, ok := n.c.Active(ctx); ok {
		t.Error("late ANSWER reopened the call")
	}
}

func TestSecondInitiateIsRefused(t *testing.T) {
	n := newNode(t, nil, "alice", Options{})
	ctx := context.Background()

	if _, err := n.c.Initiate(ctx, "bob", MediaOptions{Audio: true}); err != nil {
		t.Fatal(err)
	}
	if _, err := n.c.Initiate(ctx, "bob", MediaOptions{Audio: true}); !errors.Is(err, ErrAlreadyInCall) {
		t.Fatalf("second Initiate = %v, want ErrAlreadyInCall", err)
	}
	eventually(t, func() bool { return len(n.sig.sentOf(protocol.KindOffer)) == 1 })
	n.quiet(t, func(Notification) bool { return false })

	if got := len(n.sig.sentOf(protocol.KindOffer)); got != 1 {
		t.Errorf("sent %d OFFERs, want 1", got)
	}
	if got := n.src.acquisitions(); got != 1 {
		t.Errorf("acquired media %d times, want 1", got)
	}
}

func TestCallerAppliesCandidatesAroundAnswer(t *testing.T) {
	n := newNode(t, nil, "alice", Options{})
	ctx := context.Background()

	id, err := n.c.Initiate(ctx, "bob", MediaOptions{Audio: true})
	if err != nil {
		t.Fatal(err)
	}
	eventually(t, func() bool { return len(n.sig.sentOf(protocol.KindOffer)) == 1 })

	ice := func(c string) protocol.Message {
		return protocol.NewICE("bob", "alice", id, webrtc.ICECandidateInit{Candidate: c})
	}
	for _, c := range []string{"x1", "x2", "x3"} {
		n.sig.inject(ice(c))
	}
	// Still Offering: the candidates wait for the ANSWER.
	n.quiet(t, func(note Notification) bool { return note.Kind == CallEnded })
	if got := n.peers.created()[0].remoteCandidates(); len(got) != 0 {
		t.Fatalf("applied %v before the ANSWER", got)
	}

	n.sig.inject(protocol.NewAnswer("bob", "alice", id,
		webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-bob"}, protocol.ModeAudio))
	n.sig.inject(ice("x4"))

	pc := n.peers.created()[0]
	eventually(t, func() bool { return len(pc.remoteCandidates()) == 4 })
	got := pc.remoteCandidates()
	for i, want := range []string{"x1", "x2", "x3", "x4"} {
		if got[i] != want {
			t.Fatalf("applied %v, want [x1 x2 x3 x4]", got)
		}
	}
}

func TestAnswerFailureIsReported(t *testing.T) {
	n := newNode(t, nil, "bob", Options{})
	n.peers.answerErr = errors.New("no codecs")
	n.sig.inject(offerFrom("alice", "bob", "c1", protocol.ModeAudio))
	n.incoming(t)

	if err := n.c.AcceptIncoming(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	note := n.ended(t)
	expectEnd(t, note, Failed, ReasonNegotiationFailed)
	if !strings.Contains(note.Message, "answer: no codecs") || strings.Contains(note.Message, "remote description") {
		t.Errorf("Message = %q", note.Message)
	}
	if len(n.sig.sentOf(protocol.KindAnswer)) != 0 {
		t.Errorf("sent %v, want no ANSWER", n.sig.sentKinds())
	}
}

func TestMediaControlsWhileRinging(t *testing.T) {
	n := newNode(t, nil, "bob", Options{})
	ctx := context.Background()
	n.sig.inject(offerFrom("alice", "bob", "c1", protocol.ModeVideo))
	n.incoming(t)

	if _, err := n.c.ToggleMute(ctx); !errors.Is(err, ErrNoActiveCall) {
		t.Errorf("ToggleMute = %v, want ErrNoActiveCall", err)
	}
	if _, err := n.c.ToggleVideo(ctx); !errors.Is(err, ErrNoActiveCall) {
		t.Errorf("ToggleVideo = %v, want ErrNoActiveCall", err)
	}
	if err := n.c.ShareScreen(ctx); !errors.Is(err, ErrNoActiveCall) {
		t.Errorf("ShareScreen = %v, want ErrNoActiveCall", err)
	}
}

// Package call implements the call-signaling state machine and the
// coordinator that owns call sessions.
//
// All session state lives on one event-loop goroutine. Public methods post a
// request to the loop and wait for its answer; media acquisition and SDP
// work run on worker goroutines whose results are posted back. A result that
// arrives after its session ended is discarded, and whatever it produced is
// released.
package call

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/p2pcall/internal/media"
	"github.com/1ureka/p2pcall/internal/protocol"
	"github.com/1ureka/p2pcall/internal/transport"
	"github.com/1ureka/p2pcall/internal/util"
)

var (
	ErrAlreadyInCall = errors.New("call: already in a call")
	ErrInvalidTarget = errors.New("call: invalid target")
	ErrInvalidMedia  = errors.New("call: neither audio nor video requested")
	ErrNoSuchCall    = errors.New("call: no such call")
	ErrNotRinging    = errors.New("call: call is not ringing")
	ErrNoActiveCall  = errors.New("call: no active call")
	ErrNotStarted    = errors.New("call: coordinator not started")
	ErrStopped       = errors.New("call: coordinator stopped")
)

// Reasons carried in REJECT payloads that the peer maps back to an EndReason.
const (
	byeBusy  = "busy"
	byeGlare = "glare"
)

const (
	DefaultMaxPendingCandidates = 64
	DefaultTombstoneSize        = 1024
)

// Options configures a Coordinator.
type Options struct {
	Identity   string
	ICEServers []webrtc.ICEServer

	// MaxPendingCandidates bounds the remote candidates buffered before the
	// remote description is set.
	MaxPendingCandidates int

	// NegotiationTimeout fails a session that has not reached Connected in
	// time. Zero disables it.
	NegotiationTimeout time.Duration

	// TombstoneSize is how many ended call ids are remembered so that late
	// messages for them are dropped.
	TombstoneSize int
}

// MediaOptions selects the local media of an outgoing call.
type MediaOptions struct {
	Audio bool
	Video bool
}

// Coordinator creates and destroys call sessions, keeps at most one of them
// active, and routes signaling to it.
type Coordinator struct {
	sig   Signaling
	src   media.Source
	peers PeerFactory
	opts  Options

	iceMu sync.RWMutex
	ice   []webrtc.ICEServer

	ops   chan func()
	done  chan struct{}
	notes *notifier

	lifeMu  sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	unsubs  []func()

	// Owned by the loop.
	current *Session
	ended   *lru.Cache[string, struct{}]
}

// New returns a Coordinator. Call Start before use.
func New(sig Signaling, src media.Source, peers PeerFactory, opts Options) (*Coordinator, error) {
	if opts.Identity == "" {
		return nil, errors.New("call: identity is required")
	}
	if opts.MaxPendingCandidates <= 0 {
		opts.MaxPendingCandidates = DefaultMaxPendingCandidates
	}
	if opts.TombstoneSize <= 0 {
		opts.TombstoneSize = DefaultTombstoneSize
	}
	ended, err := lru.New[string, struct{}](opts.TombstoneSize)
	if err != nil {
		return nil, err
	}

	return &Coordinator{
		sig:   sig,
		src:   src,
		peers: peers,
		opts:  opts,
		ice:   opts.ICEServers,
		ops:   make(chan func()),
		done:  make(chan struct{}),
		notes: newNotifier(),
		ended: ended,
	}, nil
}

// Identity returns the local identity.
func (c *Coordinator) Identity() string { return c.opts.Identity }

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Start subscribes to signaling and runs the event loop until ctx is
// cancelled or Stop is called.
func (c *Coordinator) Start(ctx context.Context) error {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	if c.started {
		return errors.New("call: coordinator already started")
	}
	c.started = true

	inbound := make(map[protocol.Kind]<-chan protocol.Message, len(protocol.Kinds))
	for _, kind := range protocol.Kinds {
		ch, cancel := c.sig.Subscribe(kind)
		inbound[kind] = ch
		c.unsubs = append(c.unsubs, cancel)
	}
	drops, cancel := c.sig.Disconnects()
	c.unsubs = append(c.unsubs, cancel)

	loopCtx, stop := context.WithCancel(ctx)
	c.cancel = stop
	go c.run(loopCtx, inbound, drops)
	return nil
}

// Stop ends the active call with reason Shutdown, stops the loop and closes
// every notification stream after it drained.
func (c *Coordinator) Stop() {
	c.lifeMu.Lock()
	if !c.started || c.stopped {
		c.lifeMu.Unlock()
		return
	}
	c.stopped = true
	stop, unsubs := c.cancel, c.unsubs
	c.lifeMu.Unlock()

	stop()
	<-c.done
	for _, unsub := range unsubs {
		unsub()
	}
	c.notes.close()
}

// Subscribe returns the notification stream. cancel closes it.
func (c *Coordinator) Subscribe() (<-chan Notification, func()) {
	return c.notes.subscribe()
}

// UpdateICEServers replaces the STUN/TURN servers used by sessions created
// from now on.
func (c *Coordinator) UpdateICEServers(servers []webrtc.ICEServer) {
	c.iceMu.Lock()
	c.ice = servers
	c.iceMu.Unlock()
	util.LogInfo("call: ICE servers updated (%d entries)", len(servers))
}

func (c *Coordinator) iceServers() []webrtc.ICEServer {
	c.iceMu.RLock()
	defer c.iceMu.RUnlock()
	return c.ice
}

func (c *Coordinator) run(ctx context.Context, in map[protocol.Kind]<-chan protocol.Message, drops <-chan error) {
	defer close(c.done)

	offers := in[protocol.KindOffer]
	answers := in[protocol.KindAnswer]
	candidates := in[protocol.KindICE]
	rejects := in[protocol.KindReject]
	leaves := in[protocol.KindLeave]

	for {
		select {
		case fn := <-c.ops:
			fn()
		case msg, ok := <-offers:
			c.inbound(msg, ok, &offers)
		case msg, ok := <-answers:
			c.queuedOffers(&offers)
			c.inbound(msg, ok, &answers)
		case msg, ok := <-candidates:
			c.queuedOffers(&offers)
			c.inbound(msg, ok, &candidates)
		case msg, ok := <-rejects:
			c.queuedOffers(&offers)
			c.inbound(msg, ok, &rejects)
		case msg, ok := <-leaves:
			c.queuedOffers(&offers)
			c.inbound(msg, ok, &leaves)
		case err, ok := <-drops:
			if !ok {
				drops = nil
				continue
			}
			c.signalingLost(err)
		case <-ctx.Done():
			if sess := c.current; sess != nil {
				c.end(sess, EventHangup, ReasonShutdown, "", protocol.KindLeave)
			}
			return
		}
	}
}

func (c *Coordinator) inbound(msg protocol.Message, ok bool, ch *<-chan protocol.Message) {
	if !ok {
		*ch = nil
		return
	}
	c.route(msg)
}

// queuedOffers routes the OFFERs already waiting. Each kind has its own
// subscription, so an ICE that followed its OFFER on the wire can be selected
// first; it would then find no session.
func (c *Coordinator) queuedOffers(offers *<-chan protocol.Message) {
	for {
		select {
		case msg, ok := <-*offers:
			if !ok {
				*offers = nil
				return
			}
			c.route(msg)
		default:
			return
		}
	}
}

// do runs fn on the loop and waits for it.
func (c *Coordinator) do(ctx context.Context, fn func()) error {
	c.lifeMu.Lock()
	started := c.started
	c.lifeMu.Unlock()
	if !started {
		return ErrNotStarted
	}

	ran := make(chan struct{})
	select {
	case c.ops <- func() { defer close(ran); fn() }:
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	<-ran
	return nil
}

// post hands fn to the loop from a worker or callback goroutine. It must not
// be called from the loop itself. Once the loop exited fn is discarded.
func (c *Coordinator) post(fn func()) {
	select {
	case c.ops <- fn:
	case <-c.done:
	}
}

// ---------------------------------------------------------------------------
// Public operations
// ---------------------------------------------------------------------------

// Initiate starts an outgoing call to target and returns its call id. Media
// acquisition and the offer continue in the background; their outcome is
// reported through notifications.
func (c *Coordinator) Initiate(ctx context.Context, target string, mo MediaOptions) (string, error) {
	if target == "" || target == c.opts.Identity {
		return "", fmt.Errorf("%w: %q", ErrInvalidTarget, target)
	}
	if !mo.Audio && !mo.Video {
		return "", ErrInvalidMedia
	}

	var id string
	var err error
	if derr := c.do(ctx, func() { id, err = c.initiate(target, mo) }); derr != nil {
		return "", derr
	}
	return id, err
}

// AcceptIncoming answers the ringing call id.
func (c *Coordinator) AcceptIncoming(ctx context.Context, id string) error {
	var err error
	if derr := c.do(ctx, func() { err = c.accept(id) }); derr != nil {
		return derr
	}
	return err
}

// RejectIncoming declines the ringing call id.
func (c *Coordinator) RejectIncoming(ctx context.Context, id string) error {
	var err error
	if derr := c.do(ctx, func() { err = c.reject(id) }); derr != nil {
		return derr
	}
	return err
}

// Hangup ends the current call, if any. Safe to call in any state and more
// than once.
func (c *Coordinator) Hangup(ctx context.Context) error {
	return c.do(ctx, func() {
		if sess := c.current; sess != nil {
			c.end(sess, EventHangup, ReasonHangup, "", protocol.KindLeave)
		}
	})
}

// Active returns a snapshot of the current call.
func (c *Coordinator) Active(ctx context.Context) (Info, bool) {
	var info Info
	var ok bool
	if err := c.do(ctx, func() {
		if sess := c.current; sess != nil {
			info, ok = sess.info(), true
		}
	}); err != nil {
		return Info{}, false
	}
	return info, ok
}

// ToggleMute flips the microphone and reports whether it is now muted.
func (c *Coordinator) ToggleMute(ctx context.Context) (bool, error) {
	mgr, _, err := c.activeMedia(ctx)
	if err != nil {
		return false, err
	}
	enabled, err := mgr.ToggleAudio()
	return !enabled, err
}

// ToggleVideo flips the camera and reports whether it is now on.
func (c *Coordinator) ToggleVideo(ctx context.Context) (bool, error) {
	mgr, _, err := c.activeMedia(ctx)
	if err != nil {
		return false, err
	}
	return mgr.ToggleVideo()
}

// ShareScreen replaces the outgoing camera track with a screen capture.
func (c *Coordinator) ShareScreen(ctx context.Context) error {
	mgr, pc, err := c.activeMedia(ctx)
	if err != nil {
		return err
	}
	return mgr.ShareScreen(ctx, pc)
}

// StopScreenShare puts the camera track back.
func (c *Coordinator) StopScreenShare(ctx context.Context) error {
	mgr, _, err := c.activeMedia(ctx)
	if err != nil {
		return err
	}
	return mgr.StopScreenShare()
}

func (c *Coordinator) activeMedia(ctx context.Context) (*media.Manager, PeerConnection, error) {
	var mgr *media.Manager
	var pc PeerConnection
	if err := c.do(ctx, func() {
		// A ringing call has no local media yet.
		if sess := c.current; sess != nil && sess.pc != nil && sess.media.Stream() != nil {
			mgr, pc = sess.media, sess.pc
		}
	}); err != nil {
		return nil, nil, err
	}
	if mgr == nil {
		return nil, nil, ErrNoActiveCall
	}
	return mgr, pc, nil
}

// ---------------------------------------------------------------------------
// Loop-side operations
// ---------------------------------------------------------------------------

func (c *Coordinator) initiate(target string, mo MediaOptions) (string, error) {
	if c.current != nil {
		return "", ErrAlreadyInCall
	}

	mode := protocol.ModeAudio
	if mo.Video {
		mode = protocol.ModeVideo
	}
	sess := newSession(uuid.NewString(), target, Outgoing, mode, c.opts.MaxPendingCandidates)
	c.open(sess, EventInitiate)
	util.LogInfo("call %s: calling %s (%s)", util.ShortID(sess.ID), target, mode)

	c.acquire(sess, mo.Audio, mo.Video, c.onCallerMedia)
	return sess.ID, nil
}

func (c *Coordinator) accept(id string) error {
	sess := c.current
	if sess == nil || sess.ID != id {
		return fmt.Errorf("%w: %s", ErrNoSuchCall, id)
	}
	if sess.State() != Ringing {
		return fmt.Errorf("%w: %s is %s", ErrNotRinging, util.ShortID(id), sess.State())
	}
	c.transition(sess, EventAccept)
	util.LogInfo("call %s: accepted", util.ShortID(sess.ID))

	c.acquire(sess, true, sess.Mode == protocol.ModeVideo, c.onCalleeMedia)
	return nil
}

func (c *Coordinator) reject(id string) error {
	sess := c.current
	if sess == nil || sess.ID != id {
		return fmt.Errorf("%w: %s", ErrNoSuchCall, id)
	}
	if sess.State() != Ringing {
		return fmt.Errorf("%w: %s is %s", ErrNotRinging, util.ShortID(id), sess.State())
	}
	c.end(sess, EventReject, ReasonRejected, "", protocol.KindReject)
	return nil
}

// open installs sess as the current session and applies its first event.
func (c *Coordinator) open(sess *Session, ev Event) {
	sess.media = media.NewManager(c.src)
	c.current = sess
	util.Stats.AddCall()
	c.transition(sess, ev)

	if c.opts.NegotiationTimeout > 0 {
		sess.timer = time.AfterFunc(c.opts.NegotiationTimeout, func() {
			c.post(func() { c.onTimeout(sess) })
		})
	}
}

// transition fires ev on sess and publishes the state change. Illegal pairs
// are logged and dropped.
func (c *Coordinator) transition(sess *Session, ev Event) bool {
	from, to, ok := sess.fire(ev)
	if !ok {
		util.LogWarning("call %s: ignoring %s in state %s", util.ShortID(sess.ID), ev, from)
		return false
	}
	if from != to {
		util.LogDebug("call %s: %s → %s (%s)", util.ShortID(sess.ID), from, to, ev)
		c.notes.publish(Notification{
			Kind:   StateChanged,
			CallID: sess.ID,
			Peer:   sess.Peer,
			Mode:   sess.Mode,
			State:  to,
			Prev:   from,
		})
	}
	return true
}

// end is the single teardown path. ev must lead to a terminal state; once a
// session is terminal every further call is a no-op. farewell, when set and
// the peer was contacted, is sent to the peer with the reason.
func (c *Coordinator) end(sess *Session, ev Event, reason EndReason, detail string, farewell protocol.Kind) {
	if sess.Terminal() {
		return
	}
	if !c.transition(sess, ev) {
		return
	}
	sess.reason = reason

	sess.cancel()
	if sess.timer != nil {
		sess.timer.Stop()
	}
	sess.media.Release()
	if pc := sess.pc; pc != nil {
		// pion may report the closed state from inside Close; that callback
		// posts to this loop.
		go func() {
			if err := pc.Close(); err != nil {
				util.LogDebug("call %s: close peer connection: %v", util.ShortID(sess.ID), err)
			}
		}()
	}

	if farewell != "" && sess.peerContacted {
		wire := strings.ToLower(string(reason))
		var msg protocol.Message
		if farewell == protocol.KindReject {
			msg = protocol.NewReject(c.opts.Identity, sess.Peer, sess.ID, wire)
		} else {
			msg = protocol.NewLeave(c.opts.Identity, sess.Peer, sess.ID, wire)
		}
		if err := c.sig.Send(msg); err != nil {
			util.LogDebug("call %s: %s not delivered: %v", util.ShortID(sess.ID), farewell, err)
		}
	}

	c.ended.Add(sess.ID, struct{}{})
	if c.current == sess {
		c.current = nil
	}
	util.Stats.EndCall()

	message := describe(reason, detail)
	if sess.state == Failed {
		util.LogError("call %s: failed: %s", util.ShortID(sess.ID), message)
	} else {
		util.LogInfo("call %s: ended: %s", util.ShortID(sess.ID), message)
	}
	c.notes.publish(Notification{
		Kind:    CallEnded,
		CallID:  sess.ID,
		Peer:    sess.Peer,
		Mode:    sess.Mode,
		State:   sess.state,
		Reason:  reason,
		Message: message,
	})
}

// fail moves sess to Failed. The peer gets a LEAVE if it was contacted,
// unless the signaling channel itself is gone.
func (c *Coordinator) fail(sess *Session, reason EndReason, err error) {
	farewell := protocol.KindLeave
	if reason == ReasonSignalingLost {
		farewell = ""
	}
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	c.end(sess, EventFailure, reason, detail, farewell)
}

func (c *Coordinator) signalingLost(err error) {
	util.LogWarning("call: signaling lost: %v", err)
	if sess := c.current; sess != nil {
		c.fail(sess, ReasonSignalingLost, err)
	}
}

func (c *Coordinator) onTimeout(sess *Session) {
	switch sess.State() {
	case Ringing:
		c.end(sess, EventReject, ReasonTimeout, "no answer", protocol.KindReject)
	case Offering, Negotiating:
		c.fail(sess, ReasonTimeout, fmt.Errorf("no connection after %s", c.opts.NegotiationTimeout))
	}
}

// ---------------------------------------------------------------------------
// Media and negotiation steps
// ---------------------------------------------------------------------------

// acquire opens local media off the loop and posts the result to done.
func (c *Coordinator) acquire(sess *Session, audio, video bool, done func(*Session, *media.Stream, error)) {
	mgr, ctx := sess.media, sess.ctx
	go func() {
		stream, err := mgr.Acquire(ctx, audio, video)
		c.post(func() { done(sess, stream, err) })
	}()
}

func (c *Coordinator) onCallerMedia(sess *Session, stream *media.Stream, err error) {
	if sess.Terminal() {
		return
	}
	if err != nil {
		c.fail(sess, mediaReason(err), err)
		return
	}
	if !c.attachPeer(sess, stream) {
		return
	}

	pc := sess.pc
	go func() {
		offer, err := pc.CreateOffer()
		if err == nil {
			err = pc.SetLocalDescription(offer)
		}
		if err != nil {
			err = fmt.Errorf("offer: %w", err)
		}
		c.post(func() { c.onLocalDescription(sess, offer, err) })
	}()
}

func (c *Coordinator) onCalleeMedia(sess *Session, stream *media.Stream, err error) {
	if sess.Terminal() {
		return
	}
	if err != nil {
		c.fail(sess, mediaReason(err), err)
		return
	}
	if !c.attachPeer(sess, stream) {
		return
	}

	pc, offer := sess.pc, *sess.pendingOffer
	sess.pendingOffer = nil
	go func() {
		rerr := pc.SetRemoteDescription(offer)
		c.post(func() { c.onRemoteDescription(sess, rerr) })
		if rerr != nil {
			return
		}
		answer, aerr := pc.CreateAnswer()
		if aerr == nil {
			aerr = pc.SetLocalDescription(answer)
		}
		if aerr != nil {
			aerr = fmt.Errorf("answer: %w", aerr)
		}
		c.post(func() { c.onLocalDescription(sess, answer, aerr) })
	}()
}

// attachPeer creates the session's peer connection and adds the local
// stream to it. On failure the session is failed and false is returned.
func (c *Coordinator) attachPeer(sess *Session, stream *media.Stream) bool {
	pc, err := c.peers.NewPeer(c.iceServers(), c.peerEvents(sess))
	if err != nil {
		c.fail(sess, ReasonNegotiationFailed, fmt.Errorf("create peer connection: %w", err))
		return false
	}
	sess.pc = pc
	if err := pc.AddStream(stream); err != nil {
		c.fail(sess, ReasonNegotiationFailed, fmt.Errorf("add local media: %w", err))
		return false
	}
	return true
}

func (c *Coordinator) peerEvents(sess *Session) transport.Events {
	return transport.Events{
		OnICECandidate: func(cand webrtc.ICECandidateInit) {
			c.post(func() { c.onLocalCandidate(sess, cand) })
		},
		OnStateChange: func(state webrtc.PeerConnectionState) {
			c.post(func() { c.onPeerState(sess, state) })
		},
		OnRemoteTrack: func(rt transport.RemoteTrack) {
			c.post(func() { c.onRemoteTrack(sess, rt) })
		},
	}
}

// onLocalDescription sends the OFFER or ANSWER once the local description
// is set, followed by the local candidates gathered meanwhile.
func (c *Coordinator) onLocalDescription(sess *Session, desc webrtc.SessionDescription, err error) {
	if sess.Terminal() {
		return
	}
	if err != nil {
		c.fail(sess, ReasonNegotiationFailed, err)
		return
	}
	sess.localDesc = &desc

	var msg protocol.Message
	if sess.Direction == Outgoing {
		msg = protocol.NewOffer(c.opts.Identity, sess.Peer, sess.ID, desc, sess.Mode)
	} else {
		msg = protocol.NewAnswer(c.opts.Identity, sess.Peer, sess.ID, desc, sess.Mode)
	}
	if err := c.sig.Send(msg); err != nil {
		c.fail(sess, ReasonSignalingLost, err)
		return
	}
	sess.peerContacted = true

	for _, cand := range sess.descriptionSent() {
		c.sendCandidate(sess, cand)
	}
}

func (c *Coordinator) onRemoteDescription(sess *Session, err error) {
	if sess.Terminal() {
		return
	}
	if err != nil {
		c.fail(sess, ReasonNegotiationFailed, fmt.Errorf("set remote description: %w", err))
		return
	}
	for _, cand := range sess.remoteApplied() {
		c.applyCandidate(sess, cand)
	}
}

func (c *Coordinator) onLocalCandidate(sess *Session, cand webrtc.ICECandidateInit) {
	if sess.Terminal() {
		return
	}
	if sess.queueLocal(cand) {
		c.sendCandidate(sess, cand)
	}
}

func (c *Coordinator) sendCandidate(sess *Session, cand webrtc.ICECandidateInit) {
	if err := c.sig.Send(protocol.NewICE(c.opts.Identity, sess.Peer, sess.ID, cand)); err != nil {
		util.LogDebug("call %s: candidate not sent: %v", util.ShortID(sess.ID), err)
	}
}

func (c *Coordinator) applyCandidate(sess *Session, cand webrtc.ICECandidateInit) {
	if err := sess.pc.AddICECandidate(cand); err != nil {
		util.LogWarning("call %s: add remote candidate: %v", util.ShortID(sess.ID), err)
	}
}

func (c *Coordinator) onPeerState(sess *Session, state webrtc.PeerConnectionState) {
	if sess.Terminal() {
		return
	}
	switch state {
	case webrtc.PeerConnectionStateConnected:
		c.establish(sess)
	case webrtc.PeerConnectionStateDisconnected:
		util.LogWarning("call %s: peer connection interrupted", util.ShortID(sess.ID))
	case webrtc.PeerConnectionStateFailed:
		c.fail(sess, ReasonNegotiationFailed, errors.New("ICE connectivity failed"))
	}
}

func (c *Coordinator) onRemoteTrack(sess *Session, rt transport.RemoteTrack) {
	if sess.Terminal() {
		return
	}
	sess.remoteTracks = append(sess.remoteTracks, rt)
	c.notes.publish(Notification{
		Kind:   RemoteTrack,
		CallID: sess.ID,
		Peer:   sess.Peer,
		Mode:   sess.Mode,
		State:  sess.State(),
		Track:  &rt,
	})
	c.establish(sess)
}

// establish moves a negotiating session to Connected.
func (c *Coordinator) establish(sess *Session) {
	if sess.State() != Negotiating {
		return
	}
	if !c.transition(sess, EventMediaEstablished) {
		return
	}
	if sess.timer != nil {
		sess.timer.Stop()
	}
	util.LogSuccess("call %s: connected to %s", util.ShortID(sess.ID), sess.Peer)
}

// ---------------------------------------------------------------------------
// Inbound routing
// ---------------------------------------------------------------------------

func (c *Coordinator) route(msg protocol.Message) {
	if c.ended.Contains(msg.CallID) {
		util.LogDebug("call %s: dropping late %s from %s", util.ShortID(msg.CallID), msg.Kind, msg.From)
		return
	}
	if msg.Kind == protocol.KindOffer {
		c.onOffer(msg)
		return
	}

	sess := c.current
	if sess == nil || sess.ID != msg.CallID || sess.Peer != msg.From {
		util.LogWarning("call %s: no session for %s from %s, dropping",
			util.ShortID(msg.CallID), msg.Kind, msg.From)
		return
	}

	switch msg.Kind {
	case protocol.KindAnswer:
		c.onAnswer(sess, msg)
	case protocol.KindICE:
		c.onRemoteCandidate(sess, msg)
	case protocol.KindReject:
		c.onReject(sess, msg)
	case protocol.KindLeave:
		c.end(sess, EventRecvLeave, ReasonPeerLeft, msg.Reason(), "")
	}
}

func (c *Coordinator) onOffer(msg protocol.Message) {
	sp, ok := msg.Session()
	if !ok || msg.From == "" || msg.From == c.opts.Identity {
		util.LogWarning("call %s: invalid OFFER from %q, dropping", util.ShortID(msg.CallID), msg.From)
		return
	}

	if cur := c.current; cur != nil {
		switch {
		case cur.ID == msg.CallID:
			util.LogDebug("call %s: duplicate OFFER, dropping", util.ShortID(msg.CallID))
			return

		case cur.Peer == msg.From && cur.Direction == Outgoing && cur.State() == Offering:
			// Both sides called each other. The lower identity keeps its
			// outgoing call; the other side answers it.
			if c.opts.Identity < msg.From {
				util.LogInfo("call %s: glare with %s, keeping our call", util.ShortID(cur.ID), msg.From)
				c.refuse(msg, byeGlare)
				return
			}
			util.LogInfo("call %s: glare with %s, yielding", util.ShortID(cur.ID), msg.From)
			c.end(cur, EventHangup, ReasonGlare, "", "")

		default:
			util.LogInfo("call %s: busy, refusing %s", util.ShortID(msg.CallID), msg.From)
			c.refuse(msg, byeBusy)
			return
		}
	}

	mode := sp.Mode
	if mode == "" {
		mode = protocol.ModeAudio
	}
	sess := newSession(msg.CallID, msg.From, Incoming, mode, c.opts.MaxPendingCandidates)
	offer := sp.SDP
	sess.pendingOffer = &offer
	sess.peerContacted = true
	c.open(sess, EventRecvOffer)

	util.LogInfo("call %s: incoming %s call from %s", util.ShortID(sess.ID), mode, sess.Peer)
	c.notes.publish(Notification{
		Kind:   IncomingCall,
		CallID: sess.ID,
		Peer:   sess.Peer,
		Mode:   mode,
		State:  Ringing,
	})
}

// refuse answers an OFFER without creating a session. The call id is
// remembered so the rest of its signaling is dropped.
func (c *Coordinator) refuse(msg protocol.Message, reason string) {
	c.ended.Add(msg.CallID, struct{}{})
	if err := c.sig.Send(protocol.NewReject(c.opts.Identity, msg.From, msg.CallID, reason)); err != nil {
		util.LogDebug("call %s: REJECT not delivered: %v", util.ShortID(msg.CallID), err)
	}
}

func (c *Coordinator) onAnswer(sess *Session, msg protocol.Message) {
	sp, ok := msg.Session()
	if !ok || sess.Direction != Outgoing || !sess.localSent {
		util.LogWarning("call %s: unexpected ANSWER in state %s, dropping", util.ShortID(sess.ID), sess.State())
		return
	}
	if !c.transition(sess, EventRecvAnswer) {
		return
	}

	pc, answer := sess.pc, sp.SDP
	go func() {
		err := pc.SetRemoteDescription(answer)
		c.post(func() { c.onRemoteDescription(sess, err) })
	}()
}

func (c *Coordinator) onRemoteCandidate(sess *Session, msg protocol.Message) {
	cp, ok := msg.Candidate()
	if !ok {
		return
	}
	if !c.transition(sess, EventRecvICE) {
		return
	}
	apply, err := sess.addCandidate(cp.Candidate)
	if err != nil {
		c.fail(sess, ReasonCandidateOverflow, err)
		return
	}
	if apply {
		c.applyCandidate(sess, cp.Candidate)
	}
}

func (c *Coordinator) onReject(sess *Session, msg protocol.Message) {
	reason, detail := ReasonRejected, msg.Reason()
	switch detail {
	case byeBusy:
		reason, detail = ReasonBusy, ""
	case byeGlare:
		reason, detail = ReasonGlare, ""
	case "rejected":
		detail = ""
	}
	c.end(sess, EventRecvReject, reason, detail, "")
}

// ---------------------------------------------------------------------------
// Reasons
// ---------------------------------------------------------------------------

func mediaReason(err error) EndReason {
	kind, _ := media.KindOf(err)
	switch kind {
	case media.PermissionDenied:
		return ReasonPermissionDenied
	case media.UnsupportedContext:
		return ReasonUnsupportedContext
	}
	return ReasonDeviceUnavailable
}

var reasonText = map[EndReason]string{
	ReasonHangup:             "call ended",
	ReasonRejected:           "call rejected",
	ReasonPeerLeft:           "peer left the call",
	ReasonBusy:               "peer is in another call",
	ReasonGlare:              "both sides called at once",
	ReasonSignalingLost:      "signaling connection lost",
	ReasonPermissionDenied:   "media permission denied",
	ReasonDeviceUnavailable:  "media device unavailable",
	ReasonUnsupportedContext: "media capture not supported here",
	ReasonNegotiationFailed:  "connection negotiation failed",
	ReasonCandidateOverflow:  "too many ICE candidates before the session description",
	ReasonTimeout:            "call setup timed out",
	ReasonShutdown:           "client shutting down",
}

func describe(reason EndReason, detail string) string {
	text, ok := reasonText[reason]
	if !ok {
		text = string(reason)
	}
	if detail != "" {
		return text + ": " + detail
	}
	return text
}

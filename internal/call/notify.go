package call

import (
	"sync"

	"github.com/1ureka/p2pcall/internal/protocol"
	"github.com/1ureka/p2pcall/internal/transport"
)

// EndReason explains why a session reached Ended or Failed.
type EndReason string

const (
	ReasonHangup             EndReason = "Hangup"
	ReasonRejected           EndReason = "Rejected"
	ReasonPeerLeft           EndReason = "PeerLeft"
	ReasonBusy               EndReason = "Busy"
	ReasonGlare              EndReason = "Glare"
	ReasonSignalingLost      EndReason = "SignalingLost"
	ReasonPermissionDenied   EndReason = "PermissionDenied"
	ReasonDeviceUnavailable  EndReason = "DeviceUnavailable"
	ReasonUnsupportedContext EndReason = "UnsupportedContext"
	ReasonNegotiationFailed  EndReason = "NegotiationFailed"
	ReasonCandidateOverflow  EndReason = "CandidateOverflow"
	ReasonTimeout            EndReason = "Timeout"
	ReasonShutdown           EndReason = "Shutdown"
)

// NotificationKind tags a Notification.
type NotificationKind int

const (
	IncomingCall NotificationKind = iota
	StateChanged
	RemoteTrack
	CallEnded
)

func (k NotificationKind) String() string {
	switch k {
	case IncomingCall:
		return "IncomingCall"
	case StateChanged:
		return "StateChanged"
	case RemoteTrack:
		return "RemoteTrack"
	case CallEnded:
		return "CallEnded"
	}
	return "Unknown"
}

// Notification is what the coordinator reports to the UI surface.
//
// Every session that ends produces exactly one CallEnded, carrying the final
// State, the Reason and a human-readable Message.
type Notification struct {
	Kind   NotificationKind
	CallID string
	Peer   string
	Mode   protocol.Mode

	State State // StateChanged, CallEnded
	Prev  State // StateChanged

	Reason  EndReason // CallEnded
	Message string    // CallEnded

	Track *transport.RemoteTrack // RemoteTrack
}

// notifier fans notifications out to subscribers. Each subscriber has an
// unbounded mailbox so a slow reader never stalls the coordinator loop.
type notifier struct {
	mu     sync.Mutex
	boxes  map[*mailbox]struct{}
	closed bool
}

func newNotifier() *notifier {
	return &notifier{boxes: make(map[*mailbox]struct{})}
}

func (n *notifier) subscribe() (<-chan Notification, func()) {
	box := newMailbox()

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		box.drain()
		go box.run()
		return box.out, func() {}
	}
	n.boxes[box] = struct{}{}
	n.mu.Unlock()

	go box.run()
	return box.out, func() {
		n.mu.Lock()
		delete(n.boxes, box)
		n.mu.Unlock()
		box.stop()
	}
}

func (n *notifier) publish(note Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for box := range n.boxes {
		box.put(note)
	}
}

// close lets every mailbox deliver what it holds, then closes its channel.
func (n *notifier) close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.closed = true
	for box := range n.boxes {
		box.drain()
	}
	n.boxes = nil
}

type mailbox struct {
	mu       sync.Mutex
	queue    []Notification
	draining bool

	wake     chan struct{}
	quit     chan struct{}
	quitOnce sync.Once
	out      chan Notification
}

func newMailbox() *mailbox {
	return &mailbox{
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
		out:  make(chan Notification),
	}
}

func (m *mailbox) put(note Notification) {
	m.mu.Lock()
	m.queue = append(m.queue, note)
	m.mu.Unlock()
	m.signal()
}

func (m *mailbox) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// drain closes out once the queue is empty.
func (m *mailbox) drain() {
	m.mu.Lock()
	m.draining = true
	m.mu.Unlock()
	m.signal()
}

// stop closes out immediately, discarding the queue.
func (m *mailbox) stop() {
	m.quitOnce.Do(func() { close(m.quit) })
}

func (m *mailbox) run() {
	defer close(m.out)
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			draining := m.draining
			m.mu.Unlock()
			if draining {
				return
			}
			select {
			case <-m.wake:
				continue
			case <-m.quit:
				return
			}
		}
		note := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()

		select {
		case m.out <- note:
		case <-m.quit:
			return
		}
	}
}

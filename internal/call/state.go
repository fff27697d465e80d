package call

import "fmt"

// State is the lifecycle state of a call session.
type State int

const (
	Idle State = iota
	Offering
	Ringing
	Negotiating
	Connected
	Ended
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Offering:
		return "Offering"
	case Ringing:
		return "Ringing"
	case Negotiating:
		return "Negotiating"
	case Connected:
		return "Connected"
	case Ended:
		return "Ended"
	case Failed:
		return "Failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether s is Ended or Failed. Terminal states have no
// outgoing transitions.
func (s State) Terminal() bool { return s == Ended || s == Failed }

// Event drives a session from one state to the next.
type Event int

const (
	EventInitiate Event = iota
	EventRecvOffer
	EventAccept
	EventReject
	EventRecvAnswer
	EventRecvReject
	EventRecvLeave
	EventRecvICE
	EventMediaEstablished
	EventHangup
	EventFailure
)

func (e Event) String() string {
	switch e {
	case EventInitiate:
		return "Initiate"
	case EventRecvOffer:
		return "RecvOffer"
	case EventAccept:
		return "Accept"
	case EventReject:
		return "Reject"
	case EventRecvAnswer:
		return "RecvAnswer"
	case EventRecvReject:
		return "RecvReject"
	case EventRecvLeave:
		return "RecvLeave"
	case EventRecvICE:
		return "RecvICE"
	case EventMediaEstablished:
		return "MediaEstablished"
	case EventHangup:
		return "Hangup"
	case EventFailure:
		return "Failure"
	}
	return fmt.Sprintf("Event(%d)", int(e))
}

// transitions is the dispatch table. A (state, event) pair that is absent
// is illegal and leaves the session untouched.
var transitions = map[State]map[Event]State{
	Idle: {
		EventInitiate:  Offering,
		EventRecvOffer: Ringing,
	},
	Offering: {
		EventRecvAnswer: Negotiating,
		EventRecvReject: Ended,
		EventRecvLeave:  Ended,
		EventRecvICE:    Offering,
		EventHangup:     Ended,
		EventFailure:    Failed,
	},
	Ringing: {
		EventAccept:    Negotiating,
		EventReject:    Ended,
		EventRecvLeave: Ended,
		EventRecvICE:   Ringing,
		EventHangup:    Ended,
		EventFailure:   Failed,
	},
	Negotiating: {
		EventMediaEstablished: Connected,
		EventRecvICE:          Negotiating,
		EventRecvLeave:        Ended,
		EventHangup:           Ended,
		EventFailure:          Failed,
	},
	Connected: {
		EventRecvICE:   Connected,
		EventRecvLeave: Ended,
		EventHangup:    Ended,
		EventFailure:   Failed,
	},
}

// next looks up the target of ev in state from.
func next(from State, ev Event) (State, bool) {
	to, ok := transitions[from][ev]
	return to, ok
}

package signaling

import (
	"sync"

	"github.com/1ureka/p2pcall/internal/protocol"
	"github.com/1ureka/p2pcall/internal/util"
)

// SubscriptionBufferSize is the per-subscriber backlog. A subscriber that
// falls further behind loses envelopes (logged and counted as dropped).
const SubscriptionBufferSize = 256

// hub maintains the kind → subscriber route table and the disconnect
// listeners. The read loop publishes into it; subscribers drain their own
// channels.
type hub struct {
	mu    sync.Mutex
	next  int
	kinds map[protocol.Kind]map[int]chan protocol.Message
	drops map[int]chan error
}

func newHub() *hub {
	return &hub{
		kinds: make(map[protocol.Kind]map[int]chan protocol.Message),
		drops: make(map[int]chan error),
	}
}

// subscribe registers a buffered inbox for kind and returns the receive end
// with its cancel func. Cancel closes the channel and is idempotent.
func (h *hub) subscribe(kind protocol.Kind) (<-chan protocol.Message, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.next
	h.next++
	ch := make(chan protocol.Message, SubscriptionBufferSize)
	if h.kinds[kind] == nil {
		h.kinds[kind] = make(map[int]chan protocol.Message)
	}
	h.kinds[kind][id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.kinds[kind], id)
			close(ch)
		})
	}
}

func (h *hub) subscribeDisconnects() (<-chan error, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.next
	h.next++
	ch := make(chan error, 8)
	h.drops[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.drops, id)
			close(ch)
		})
	}
}

// publish routes msg to every subscriber of its kind without blocking.
func (h *hub) publish(msg protocol.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, ch := range h.kinds[msg.Kind] {
		select {
		case ch <- msg:
		default:
			util.Stats.AddDropped()
			util.LogWarning("signaling: subscriber backlog full, dropping %s for call %s",
				msg.Kind, util.ShortID(msg.CallID))
		}
	}
}

func (h *hub) disconnected(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, ch := range h.drops {
		select {
		case ch <- err:
		default:
		}
	}
}

package signaling

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/p2pcall/internal/protocol"
	"github.com/1ureka/p2pcall/internal/util"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Authenticator decides whether token proves identity. A nil Authenticator
// admits everyone.
type Authenticator func(identity, token string) bool

// Relay is the WebSocket server that routes envelopes between connected
// identities. It overwrites From with the authenticated identity and forwards
// to the connection registered for To; envelopes for offline identities are
// dropped.
type Relay struct {
	auth Authenticator

	mu       sync.Mutex
	routes   map[string]*relayPeer
	listener net.Listener
	server   *http.Server
}

type relayPeer struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex // serializes writes
}

func (p *relayPeer) write(messageType int, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return p.conn.WriteMessage(messageType, data)
}

// NewRelay creates a relay that admits connections accepted by auth.
func NewRelay(auth Authenticator) *Relay {
	return &Relay{
		auth:   auth,
		routes: make(map[string]*relayPeer),
	}
}

// Start begins listening on addr and serving /ws. Returns the bound address.
func (r *Relay) Start(addr string) (string, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("failed to start relay: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", r)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	r.mu.Lock()
	r.listener = listener
	r.server = srv
	r.mu.Unlock()

	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.LogError("relay: serve: %v", err)
		}
	}()

	return listener.Addr().String(), nil
}

// Online reports whether identity currently holds a connection.
func (r *Relay) Online(identity string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.routes[identity]
	return ok
}

// Close stops the listener and drops every connection.
func (r *Relay) Close() error {
	r.mu.Lock()
	srv := r.server
	peers := make([]*relayPeer, 0, len(r.routes))
	for _, p := range r.routes {
		peers = append(peers, p)
	}
	r.routes = make(map[string]*relayPeer)
	r.mu.Unlock()

	for _, p := range peers {
		p.conn.Close()
	}
	if srv != nil {
		return srv.Close()
	}
	return nil
}

// ServeHTTP upgrades an authenticated request and relays its envelopes until
// the connection drops.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	id := q.Get("id")
	if id == "" {
		http.Error(w, "missing id", http.StatusBadRequest)
		return
	}
	if r.auth != nil && !r.auth(id, q.Get("token")) {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}

	peer := &relayPeer{id: id, conn: conn}
	r.register(peer)
	defer r.unregister(peer)

	done := make(chan struct{})
	defer close(done)
	go r.keepAlive(peer, done)

	r.serve(peer)
}

// register installs peer as the route for its identity. A previous
// connection under the same identity is replaced.
func (r *Relay) register(peer *relayPeer) {
	r.mu.Lock()
	old := r.routes[peer.id]
	r.routes[peer.id] = peer
	r.mu.Unlock()

	if old != nil {
		util.LogWarning("relay: %s reconnected, replacing previous connection", peer.id)
		old.mu.Lock()
		old.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "replaced"),
			time.Now().Add(time.Second))
		old.mu.Unlock()
		old.conn.Close()
	}
	util.LogInfo("relay: %s connected", peer.id)
}

func (r *Relay) unregister(peer *relayPeer) {
	r.mu.Lock()
	if r.routes[peer.id] == peer {
		delete(r.routes, peer.id)
	}
	r.mu.Unlock()
	peer.conn.Close()
	util.LogInfo("relay: %s disconnected", peer.id)
}

func (r *Relay) route(id string) (*relayPeer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.routes[id]
	return p, ok
}

func (r *Relay) serve(peer *relayPeer) {
	peer.conn.SetReadDeadline(time.Now().Add(pongWait))
	peer.conn.SetPongHandler(func(string) error {
		return peer.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := peer.conn.ReadMessage()
		if err != nil {
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			util.LogWarning("relay: malformed envelope from %s: %v", peer.id, err)
			continue
		}
		msg.From = peer.id

		if msg.To == "" {
			util.LogWarning("relay: %s sent %s without recipient", peer.id, msg.Kind)
			continue
		}
		target, ok := r.route(msg.To)
		if !ok {
			util.LogDebug("relay: %s is offline, dropping %s from %s", msg.To, msg.Kind, peer.id)
			continue
		}

		out, err := protocol.Encode(msg)
		if err != nil {
			util.LogWarning("relay: re-encode %s: %v", msg.Kind, err)
			continue
		}
		if err := target.write(websocket.TextMessage, out); err != nil {
			util.LogDebug("relay: forward to %s failed: %v", msg.To, err)
		}
	}
}

func (r *Relay) keepAlive(peer *relayPeer, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			peer.mu.Lock()
			err := peer.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			peer.mu.Unlock()
			if err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

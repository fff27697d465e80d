// Package signaling carries call-setup envelopes between identities over a
// WebSocket relay. Channel is the client side, Relay the server side.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/1ureka/p2pcall/internal/protocol"
	"github.com/1ureka/p2pcall/internal/util"
)

const writeWait = 10 * time.Second

var (
	ErrMissingRecipient = errors.New("signaling: message has no recipient")
	ErrNotOpen          = errors.New("signaling: channel not open")
	ErrConnectExhausted = errors.New("signaling: connect attempts exhausted")
	ErrUnauthorized     = errors.New("signaling: relay rejected credentials")
	ErrConnectionLost   = errors.New("signaling: connection lost")
	ErrClosed           = errors.New("signaling: channel closed")
)

// State is the connection state of a Channel.
type State int

const (
	Disconnected State = iota
	Connecting
	Open
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Open:
		return "Open"
	case Closed:
		return "Closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// TokenSource yields the credential presented to the relay on each dial.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Options configures a Channel.
type Options struct {
	URL      string
	Identity string
	Tokens   TokenSource

	// Backoff for Connect and for reconnecting after a drop.
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration

	Dialer *websocket.Dialer // nil uses websocket.DefaultDialer
}

// Channel is a persistent, authenticated connection to the relay.
//
// Inbound envelopes are fanned out per kind; order within a kind follows the
// wire, order across kinds is not defined. Sends are never queued: a send
// while the channel is not open is dropped and reported.
type Channel struct {
	opts   Options
	dialer *websocket.Dialer
	hub    *hub

	// ctx bounds background reconnects; cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex

	mu     sync.Mutex
	conn   *websocket.Conn
	state  State
	closed bool
}

// NewChannel creates a disconnected Channel.
func NewChannel(opts Options) *Channel {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Channel{
		opts:   opts,
		dialer: dialer,
		hub:    newHub(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Identity returns the local identity the channel authenticates as.
func (c *Channel) Identity() string { return c.opts.Identity }

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect dials the relay, retrying transport failures with exponential
// backoff. Credential rejection is not retried. When attempts run out the
// channel stays Disconnected and ErrConnectExhausted is returned.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return ErrClosed
	case c.state == Open || c.state == Connecting:
		c.mu.Unlock()
		return nil
	}
	c.state = Connecting
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		c.setState(Disconnected)
		return err
	}
	return c.attach(conn)
}

// Subscribe returns a stream of inbound envelopes of kind. Subscriptions
// survive reconnects. cancel closes the stream.
func (c *Channel) Subscribe(kind protocol.Kind) (<-chan protocol.Message, func()) {
	return c.hub.subscribe(kind)
}

// Disconnects emits once per unexpected connection loss.
func (c *Channel) Disconnects() (<-chan error, func()) {
	return c.hub.subscribeDisconnects()
}

// Send writes msg to the relay. From is filled in when empty.
func (c *Channel) Send(msg protocol.Message) error {
	if msg.To == "" {
		return c.drop(msg, ErrMissingRecipient)
	}
	if msg.From == "" {
		msg.From = c.opts.Identity
	}
	if err := protocol.Validate(msg); err != nil {
		return c.drop(msg, err)
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		return c.drop(msg, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return c.drop(msg, ErrNotOpen)
	}

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return c.drop(msg, fmt.Errorf("write: %w", err))
	}
	util.Stats.AddSent()
	util.LogDebug("signaling: → %s %s call %s", msg.To, msg.Kind, util.ShortID(msg.CallID))
	return nil
}

func (c *Channel) drop(msg protocol.Message, err error) error {
	util.Stats.AddDropped()
	util.LogWarning("signaling: dropped %s to %q for call %s: %v",
		msg.Kind, msg.To, util.ShortID(msg.CallID), err)
	return err
}

// Close disconnects and stops reconnecting. It does not count as an
// unexpected disconnect. Idempotent.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.state = Closed
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.cancel()
	if conn == nil {
		return nil
	}

	c.writeMu.Lock()
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return conn.Close()
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.state = s
	}
}

// ---------------------------------------------------------------------------
// Dialing
// ---------------------------------------------------------------------------

func (c *Channel) newBackoff(ctx context.Context) backoff.BackOff {
	ebo := backoff.NewExponentialBackOff()
	if c.opts.InitialInterval > 0 {
		ebo.InitialInterval = c.opts.InitialInterval
	}
	if c.opts.MaxInterval > 0 {
		ebo.MaxInterval = c.opts.MaxInterval
	}
	ebo.MaxElapsedTime = 0
	ebo.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(ebo, uint64(c.opts.MaxAttempts-1)), ctx)
}

func (c *Channel) endpoint(token string) (string, error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return "", fmt.Errorf("parse signaling URL: %w", err)
	}
	q := u.Query()
	q.Set("id", c.opts.Identity)
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	var conn *websocket.Conn
	attempt := 0
	permanent := false

	op := func() error {
		attempt++

		token := ""
		if c.opts.Tokens != nil {
			t, err := c.opts.Tokens.Token(ctx)
			if err != nil {
				permanent = true
				return backoff.Permanent(fmt.Errorf("obtain token: %w", err))
			}
			token = t
		}
		endpoint, err := c.endpoint(token)
		if err != nil {
			permanent = true
			return backoff.Permanent(err)
		}

		cn, resp, err := c.dialer.DialContext(ctx, endpoint, nil)
		if err != nil {
			if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
				permanent = true
				return backoff.Permanent(fmt.Errorf("%w: %s", ErrUnauthorized, resp.Status))
			}
			util.LogWarning("signaling: connect attempt %d/%d failed: %v", attempt, c.opts.MaxAttempts, err)
			return err
		}
		conn = cn
		return nil
	}

	if err := backoff.Retry(op, c.newBackoff(ctx)); err != nil {
		switch {
		case permanent:
			return nil, err
		case ctx.Err() != nil:
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w after %d attempts: %v", ErrConnectExhausted, attempt, err)
	}
	return conn, nil
}

// attach installs conn as the live connection and starts its read loop.
func (c *Channel) attach(conn *websocket.Conn) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.state = Open
	c.mu.Unlock()

	util.LogSuccess("signaling: connected as %s", c.opts.Identity)
	go c.readLoop(conn)
	return nil
}

func (c *Channel) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.lost(conn, err)
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			util.Stats.AddDropped()
			util.LogWarning("signaling: discarding malformed envelope: %v", err)
			continue
		}
		util.Stats.AddRecv()
		util.LogDebug("signaling: ← %s %s call %s", msg.From, msg.Kind, util.ShortID(msg.CallID))
		c.hub.publish(msg)
	}
}

// lost handles the end of conn's read loop. Losing a connection that is no
// longer current (closed or replaced) is silent.
func (c *Channel) lost(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.state = Connecting
	c.mu.Unlock()
	conn.Close()

	util.LogWarning("signaling: connection lost: %v", cause)
	c.hub.disconnected(fmt.Errorf("%w: %v", ErrConnectionLost, cause))

	go c.reconnect()
}

func (c *Channel) reconnect() {
	conn, err := c.dial(c.ctx)
	if err != nil {
		c.setState(Disconnected)
		if c.ctx.Err() == nil {
			util.LogError("signaling: reconnect failed: %v", err)
		}
		return
	}
	if err := c.attach(conn); err != nil {
		return
	}
	util.LogInfo("signaling: reconnected")
}

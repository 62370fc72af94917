package chatlink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

// Client owns the single multiplexed session to the chat broker. It is
// meant to be constructed once at application start and shared by every
// consumer; concurrent Connect calls coalesce onto one attempt, so a
// burst of consumers never opens more than one transport.
type Client struct {
	address *url.URL
	config  *Config
	creds   CredentialSource

	// mu guards the session state machine: state, conn, pending and the
	// automatic reconnect budget.
	mu       sync.Mutex
	state    ConnState
	conn     *websocket.Conn
	pending  *connectAttempt
	attempts int

	// writeMu serializes frame writes; the transport allows only one
	// concurrent writer.
	writeMu sync.Mutex

	subs *subscriptionRegistry

	eventSubs   map[int]chan ConnEvent
	nextEventID int
	eventSubsMu sync.RWMutex
}

// connectAttempt is one in-flight connection negotiation. Every caller
// that asks to connect while it is outstanding waits on the same done
// channel and observes the same outcome.
type connectAttempt struct {
	// auto marks attempts scheduled by the reconnect path; their
	// failures feed back into the backoff budget instead of going idle.
	auto bool
	done chan struct{}
	err  error
	once sync.Once
}

func (a *connectAttempt) settle(err error) {
	a.once.Do(func() {
		a.err = err
		close(a.done)
	})
}

// NewClient creates a client for the broker endpoint. The endpoint may
// use http(s) or ws(s) schemes; http schemes are converted.
func NewClient(endpoint string, creds CredentialSource, config *Config) (*Client, error) {
	address, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint URL: %w", err)
	}

	switch address.Scheme {
	case "http":
		address.Scheme = "ws"
	case "https":
		address.Scheme = "wss"
	case "ws", "wss":
		// Already correct
	default:
		return nil, fmt.Errorf("unsupported scheme: %s", address.Scheme)
	}

	if creds == nil {
		return nil, errors.New("chatlink: credential source is required")
	}

	if config == nil {
		config = DefaultConfig()
	} else {
		cfgCopy := *config
		config = &cfgCopy
	}

	return &Client{
		address:   address,
		config:    config,
		creds:     creds,
		state:     StateIdle,
		subs:      newSubscriptionRegistry(),
		eventSubs: make(map[int]chan ConnEvent),
	}, nil
}

// State returns the current session state.
func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect establishes the session. It is idempotent: when already
// connected it returns immediately, and when an attempt is outstanding
// the caller joins it instead of opening a second transport. An explicit
// call also resets the automatic reconnect budget.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateConnected:
		c.mu.Unlock()
		return nil
	case StateDisconnecting:
		c.mu.Unlock()
		return ErrNotConnected
	}
	if a := c.pending; a != nil {
		c.mu.Unlock()
		return awaitAttempt(ctx, a)
	}

	a := &connectAttempt{done: make(chan struct{})}
	c.pending = a
	c.attempts = 0
	c.setStateLocked(ConnEvent{State: StateConnecting})
	c.mu.Unlock()

	go c.runConnect(a)
	return awaitAttempt(ctx, a)
}

func awaitAttempt(ctx context.Context, a *connectAttempt) error {
	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		// The attempt keeps running; only this caller gives up.
		return ctx.Err()
	}
}

// Disconnect deliberately tears the session down: subscriptions are
// cleared, the transport is released and no automatic reconnect runs.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if c.state == StateIdle && c.pending == nil {
		c.mu.Unlock()
		return nil
	}
	c.setStateLocked(ConnEvent{State: StateDisconnecting})
	conn := c.conn
	pending := c.pending
	// Detaching the conn under the lock is what marks the teardown as
	// intentional: the read pump's close error no longer matches the
	// current session and is ignored.
	c.conn = nil
	c.pending = nil
	c.attempts = 0
	c.subs.clear()
	c.mu.Unlock()

	if pending != nil {
		pending.settle(errConnectAborted)
	}
	if conn != nil {
		c.writeFrame(conn, newFrame(cmdDisconnect))
		conn.Close()
	}

	c.mu.Lock()
	c.setStateLocked(ConnEvent{State: StateIdle})
	c.mu.Unlock()
	return nil
}

// OnTokenRefreshed is invoked by the credential source when the access
// token rotates. A live session is deliberately cycled so the next
// handshake carries the fresh token; an in-flight attempt is left alone
// (it will fail and retry with the fresh token if the old one is dead);
// an idle client needs nothing, credentials are read at connect time.
func (c *Client) OnTokenRefreshed() {
	c.mu.Lock()
	switch c.state {
	case StateConnecting:
		c.mu.Unlock()
		glog.Warningf("chatlink: token refreshed while a connect attempt is in flight, ignoring")
		return
	case StateConnected:
		conn := c.conn
		c.conn = nil
		c.subs.clear()
		c.setStateLocked(ConnEvent{State: StateDisconnecting})
		a := &connectAttempt{done: make(chan struct{})}
		c.pending = a
		c.setStateLocked(ConnEvent{State: StateConnecting})
		c.mu.Unlock()

		if conn != nil {
			c.writeFrame(conn, newFrame(cmdDisconnect))
			conn.Close()
		}
		go c.runConnect(a)
		return
	default:
		c.mu.Unlock()
		glog.V(1).Info("chatlink: token refreshed while idle, next connect picks it up")
	}
}

// Subscribe binds handler to a destination on the live session. A second
// subscribe for the same destination reuses the existing handle; the
// handler already registered keeps receiving, exactly once per arrival.
func (c *Client) Subscribe(destination string, handler FrameHandler) error {
	c.mu.Lock()
	conn := c.conn
	live := c.state == StateConnected && conn != nil
	c.mu.Unlock()
	if !live {
		return ErrNotConnected
	}

	sub, created := c.subs.add(destination, handler)
	if !created {
		glog.Warningf("chatlink: already subscribed to %s, reusing handle %s", destination, sub.id)
		return nil
	}

	f := newFrame(cmdSubscribe)
	f.headers[hdrID] = sub.id
	f.headers[hdrDestination] = destination
	if err := c.writeFrame(conn, f); err != nil {
		c.subs.remove(destination)
		return fmt.Errorf("chatlink: subscribe to %s: %w", destination, err)
	}
	return nil
}

// Unsubscribe releases the handle for destination. Absent destinations
// are a no-op.
func (c *Client) Unsubscribe(destination string) {
	sub := c.subs.remove(destination)
	if sub == nil {
		return
	}

	c.mu.Lock()
	conn := c.conn
	live := c.state == StateConnected && conn != nil
	c.mu.Unlock()
	if !live {
		return
	}

	f := newFrame(cmdUnsubscribe)
	f.headers[hdrID] = sub.id
	if err := c.writeFrame(conn, f); err != nil {
		glog.Warningf("chatlink: unsubscribe from %s: %v", destination, err)
	}
}

// Send publishes a chat message on the live session. With no live
// session it fails fast with ErrNotConnected; messages are never queued
// locally. Delivery is fire-and-forget: the sender sees its own message
// come back through the broadcast topic, not through a local insert.
func (c *Client) Send(chatID int64, content string) error {
	c.mu.Lock()
	conn := c.conn
	live := c.state == StateConnected && conn != nil
	c.mu.Unlock()
	if !live {
		return ErrNotConnected
	}

	body, err := json.Marshal(outgoingMessage{Content: content})
	if err != nil {
		return fmt.Errorf("chatlink: encode message: %w", err)
	}

	f := newFrame(cmdSend)
	f.headers[hdrDestination] = sendDestination(chatID)
	f.headers[hdrContentType] = "application/json"
	f.body = body
	if err := c.writeFrame(conn, f); err != nil {
		return fmt.Errorf("chatlink: publish to chat %d: %w", chatID, err)
	}
	return nil
}

// OnConnectionChange subscribes callback to session state transitions.
// The current state is delivered first, then every transition in order,
// until the returned closure is called.
func (c *Client) OnConnectionChange(callback ConnEventHandler) func() {
	sub := make(chan ConnEvent, 8)

	// Registering and enqueueing the snapshot under c.mu keeps the
	// snapshot ahead of any transition; both reach the callback through
	// the one listener goroutine, so delivery order is queue order.
	c.mu.Lock()
	c.eventSubsMu.Lock()
	id := c.nextEventID
	c.nextEventID++
	c.eventSubs[id] = sub
	c.eventSubsMu.Unlock()
	sub <- ConnEvent{State: c.state}
	c.mu.Unlock()

	go func() {
		for ev := range sub {
			callback(ev)
		}
	}()

	// Return unsubscribe function
	return func() {
		c.eventSubsMu.Lock()
		if existing, ok := c.eventSubs[id]; ok {
			delete(c.eventSubs, id)
			close(existing)
		}
		c.eventSubsMu.Unlock()
	}
}

// setStateLocked records a transition and fans it out. Caller holds c.mu.
func (c *Client) setStateLocked(ev ConnEvent) {
	c.state = ev.State

	c.eventSubsMu.RLock()
	subs := make([]chan ConnEvent, 0, len(c.eventSubs))
	for _, sub := range c.eventSubs {
		subs = append(subs, sub)
	}
	c.eventSubsMu.RUnlock()

	for _, sub := range subs {
		c.safeSendEvent(sub, ev)
	}
}

func (c *Client) safeSendEvent(ch chan ConnEvent, ev ConnEvent) {
	defer func() {
		if recover() != nil {
			// Channel closed by unsubscribe, ignore
		}
	}()

	select {
	case ch <- ev:
	default:
	}
}

// runConnect performs the negotiation for one attempt and commits the
// outcome to the state machine.
func (c *Client) runConnect(a *connectAttempt) {
	conn, err := c.negotiate()

	c.mu.Lock()
	if c.pending != a {
		// Superseded by a deliberate teardown while negotiating.
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		a.settle(errConnectAborted)
		return
	}
	c.pending = nil

	if err != nil {
		if a.auto {
			c.scheduleReconnectLocked(err)
		} else {
			c.setStateLocked(ConnEvent{State: StateIdle, Err: err})
		}
		c.mu.Unlock()
		a.settle(err)
		return
	}

	c.conn = conn
	c.attempts = 0
	c.setStateLocked(ConnEvent{State: StateConnected})
	c.mu.Unlock()

	go c.readLoop(conn)
	a.settle(nil)
}

// negotiate opens the transport and completes the CONNECT/CONNECTED
// exchange within Config.ConnectTimeout. The token is read from the
// credential source here and nowhere else.
func (c *Client) negotiate() (*websocket.Conn, error) {
	token := c.creds.Token()
	deadline := time.Now().Add(c.config.ConnectTimeout)

	header := http.Header{}
	if token != "" {
		header.Set(hdrAuthorization, "Bearer "+token)
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.config.ConnectTimeout}
	conn, _, err := dialer.Dial(c.address.String(), header)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: %v", ErrConnectTimeout, err)
		}
		if errors.Is(err, websocket.ErrBadHandshake) {
			return nil, fmt.Errorf("%w: %v", ErrBrokerRejected, err)
		}
		return nil, fmt.Errorf("chatlink: dial %s: %w", c.address.String(), err)
	}

	connect := newFrame(cmdConnect)
	connect.headers[hdrAcceptVersion] = "1.2"
	connect.headers[hdrHost] = c.address.Hostname()
	if token != "" {
		connect.headers[hdrAuthorization] = "Bearer " + token
	}

	if err := conn.SetWriteDeadline(deadline); err != nil {
		conn.Close()
		return nil, fmt.Errorf("chatlink: arm handshake write deadline: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, connect.marshal()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("chatlink: send CONNECT: %w", err)
	}

	if err := conn.SetReadDeadline(deadline); err != nil {
		conn.Close()
		return nil, fmt.Errorf("chatlink: arm handshake read deadline: %w", err)
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		if isTimeout(err) {
			return nil, ErrConnectTimeout
		}
		return nil, fmt.Errorf("chatlink: handshake read: %w", err)
	}

	reply, err := parseFrame(data)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("chatlink: handshake reply: %w", err)
	}

	switch reply.command {
	case cmdConnected:
		if err := conn.SetReadDeadline(time.Time{}); err != nil {
			conn.Close()
			return nil, fmt.Errorf("chatlink: clear handshake deadline: %w", err)
		}
		conn.SetWriteDeadline(time.Time{})
		return conn, nil
	case cmdError:
		conn.Close()
		return nil, brokerRejected(reply.header(hdrMessage))
	default:
		conn.Close()
		return nil, fmt.Errorf("%w: unexpected %s frame", ErrBrokerRejected, reply.command)
	}
}

// readLoop pumps inbound frames for one session. A malformed frame is
// dropped and logged, never fatal; a read error ends the session and
// enters the drop path.
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleDrop(conn)
			return
		}

		f, err := parseFrame(data)
		if err != nil {
			glog.Errorf("chatlink: dropping inbound frame: %v", err)
			continue
		}

		switch f.command {
		case cmdMessage:
			c.subs.dispatch(f)
		case cmdError:
			glog.Warningf("chatlink: broker error: %s", f.header(hdrMessage))
		default:
			glog.V(2).Infof("chatlink: ignoring %s frame", f.command)
		}
	}
}

// handleDrop reacts to the transport closing underneath a session. A
// deliberate teardown has already detached the conn, so anything that
// still matches the current session is an unintended drop and enters
// the bounded reconnect path.
func (c *Client) handleDrop(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.subs.clear()
	c.scheduleReconnectLocked(nil)
	c.mu.Unlock()
}

// scheduleReconnectLocked spends one unit of the reconnect budget and
// arms the next attempt, or reports the terminal state once the budget
// is gone. Caller holds c.mu.
func (c *Client) scheduleReconnectLocked(cause error) {
	c.attempts++
	if c.attempts > c.config.MaxReconnectAttempts {
		glog.Warningf("chatlink: giving up after %d reconnect attempts", c.config.MaxReconnectAttempts)
		c.attempts = 0
		if cause == nil {
			cause = ErrReconnectExhausted
		} else {
			cause = fmt.Errorf("%w: last error: %v", ErrReconnectExhausted, cause)
		}
		c.setStateLocked(ConnEvent{State: StateIdle, Err: cause, Terminal: true})
		return
	}

	a := &connectAttempt{auto: true, done: make(chan struct{})}
	c.pending = a
	c.setStateLocked(ConnEvent{State: StateConnecting, Err: cause})

	delay := reconnectDelay(c.attempts, c.config)
	glog.V(1).Infof("chatlink: reconnect attempt %d in %s", c.attempts, delay)
	go c.runAfter(delay, a)
}

func (c *Client) runAfter(delay time.Duration, a *connectAttempt) {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	<-timer.C

	c.mu.Lock()
	live := c.pending == a
	c.mu.Unlock()
	if !live {
		// A deliberate disconnect cancelled the retry during backoff.
		a.settle(errConnectAborted)
		return
	}
	c.runConnect(a)
}

func (c *Client) writeFrame(conn *websocket.Conn, f *frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, f.marshal())
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"
	"github.com/sethvargo/go-retry"
	"golang.org/x/time/rate"
)

const (
	eventChanSize = 512
	reqRate       = 500 * time.Millisecond // Minimum interval between REQ frames per relay
)

var (
	// ErrDuplicatePublish is returned when a publish is issued for an event id
	// that already has an acknowledgment waiter pending on this connection.
	ErrDuplicatePublish = errors.New("publish already pending for event id")

	errNotConnected = errors.New("not connected")
)

// State is the connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Options tunes a single connection's timeouts and reconnect backoff, plus
// the endpoint ban policy applied by the coordinator.
type Options struct {
	ConnectTimeout time.Duration
	ReconnectBase  time.Duration // First retry delay, doubles per attempt
	ReconnectCap   time.Duration
	ReconnectMax   int          // Attempts before giving up until the next explicit use
	Health         HealthPolicy // Zero value falls back to DefaultHealthPolicy
}

// DefaultOptions returns the options used when a zero value is passed.
func DefaultOptions() Options {
	return Options{
		ConnectTimeout: 10 * time.Second,
		ReconnectBase:  time.Second,
		ReconnectCap:   30 * time.Second,
		ReconnectMax:   5,
	}
}

// PublishResult is the terminal outcome of a publish against one relay.
// Transport failures and timeouts fold into Accepted=false; they are
// distinguished only by Reason.
type PublishResult struct {
	Accepted bool
	Reason   string
}

type okResult struct {
	accepted bool
	reason   string
}

type subscription struct {
	id     string
	filter nostr.Filter
	events chan *nostr.Event
	eose   chan struct{}
	once   sync.Once
}

func (s *subscription) signalEOSE() {
	s.once.Do(func() { close(s.eose) })
}

type connectAttempt struct {
	done chan struct{}
	err  error
}

// Connection owns one logical session to one relay. At most one physical
// websocket exists at a time; an unplanned close triggers background
// reconnection with exponential backoff, an explicit Close does not.
type Connection struct {
	URL string

	mu      sync.Mutex
	state   State
	conn    *websocket.Conn
	pending *connectAttempt
	subs    map[string]*subscription
	waiters map[string]chan okResult
	closed  bool // set by Close, cleared by the next Connect

	writeMu sync.Mutex
	limiter *rate.Limiter
	opts    Options
}

// NewConnection creates a connection for the given relay URL. It does not
// dial; the first Query, Publish or Connect call does.
func NewConnection(url string, opts Options) *Connection {
	if opts.ConnectTimeout == 0 {
		opts = DefaultOptions()
	}
	return &Connection{
		URL:     nostr.NormalizeURL(url),
		subs:    make(map[string]*subscription),
		waiters: make(map[string]chan okResult),
		limiter: rate.NewLimiter(rate.Every(reqRate), 1),
		opts:    opts,
	}
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether a physical connection is up.
func (c *Connection) IsConnected() bool {
	return c.State() == StateConnected
}

// Connect establishes the websocket session. It is idempotent: if already
// connected it returns nil, and if an attempt is in flight it waits for that
// attempt's outcome instead of starting a second one.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.closed = false
	if c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	if c.pending != nil {
		attempt := c.pending
		c.mu.Unlock()
		select {
		case <-attempt.done:
			return attempt.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	attempt := &connectAttempt{done: make(chan struct{})}
	c.pending = attempt
	c.state = StateConnecting
	c.mu.Unlock()

	err := c.dial(ctx)

	c.mu.Lock()
	c.pending = nil
	if err != nil {
		c.state = StateDisconnected
	}
	c.mu.Unlock()

	attempt.err = err
	close(attempt.done)
	return err
}

func (c *Connection) dial(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: c.opts.ConnectTimeout}
	dctx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	conn, _, err := dialer.DialContext(dctx, c.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.URL, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return errors.New("connection closed during dial")
	}
	if c.conn != nil {
		// A concurrent dial already established the session; keep it and
		// discard this socket so only one physical connection exists
		c.mu.Unlock()
		conn.Close()
		return nil
	}
	c.conn = conn
	c.state = StateConnected
	c.mu.Unlock()

	go c.readLoop(conn)
	return nil
}

// readLoop reads frames until the connection drops, dispatching each inbound
// message by type. Runs once per physical connection.
func (c *Connection) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(conn, err)
			return
		}
		c.dispatch(data)
	}
}

func (c *Connection) dispatch(data []byte) {
	envelope := nostr.ParseMessage(data)
	if envelope == nil {
		log.Printf("[RELAY] %s unrecognized message, ignoring", c.URL)
		return
	}

	switch env := envelope.(type) {
	case *nostr.EventEnvelope:
		if env.SubscriptionID == nil {
			return
		}
		c.mu.Lock()
		sub := c.subs[*env.SubscriptionID]
		c.mu.Unlock()
		if sub == nil {
			return
		}
		ev := env.Event
		// Relays are untrusted; drop events that don't satisfy the filter
		if !sub.filter.Matches(&ev) {
			return
		}
		select {
		case sub.events <- &ev:
		default:
		}

	case *nostr.EOSEEnvelope:
		c.mu.Lock()
		sub := c.subs[string(*env)]
		c.mu.Unlock()
		if sub != nil {
			sub.signalEOSE()
		}

	case *nostr.ClosedEnvelope:
		c.mu.Lock()
		sub := c.subs[env.SubscriptionID]
		c.mu.Unlock()
		if sub != nil {
			sub.signalEOSE()
		}

	case *nostr.OKEnvelope:
		c.mu.Lock()
		waiter, exists := c.waiters[env.EventID]
		if exists {
			delete(c.waiters, env.EventID)
		}
		c.mu.Unlock()
		// An OK for an unknown or already-resolved id is ignored
		if exists {
			waiter <- okResult{accepted: env.OK, reason: env.Reason}
		}

	case *nostr.NoticeEnvelope:
		log.Printf("[RELAY] %s notice: %s", c.URL, string(*env))

	default:
		log.Printf("[RELAY] %s ignoring %s message", c.URL, envelope.Label())
	}
}

// handleDisconnect tears down state for a dropped physical connection and,
// unless the drop was an explicit Close, kicks off background reconnection.
func (c *Connection) handleDisconnect(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		// A stale read loop from an already-replaced connection
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.failPendingLocked()
	explicit := c.closed
	if explicit {
		c.state = StateDisconnected
	} else {
		c.state = StateReconnecting
	}
	c.mu.Unlock()

	conn.Close()
	if explicit {
		return
	}

	log.Printf("[RELAY] %s connection lost: %v", c.URL, cause)
	go c.reconnect()
}

// failPendingLocked resolves every outstanding waiter to failure and releases
// every open subscription. Caller holds c.mu.
func (c *Connection) failPendingLocked() {
	for id, waiter := range c.waiters {
		delete(c.waiters, id)
		waiter <- okResult{accepted: false, reason: "connection closed"}
	}
	for _, sub := range c.subs {
		sub.signalEOSE()
	}
}

func (c *Connection) reconnect() {
	// Pause before the first attempt so a flapping relay is not redialed hot
	time.Sleep(c.opts.ReconnectBase)

	backoff := retry.WithMaxRetries(uint64(c.opts.ReconnectMax),
		retry.WithCappedDuration(c.opts.ReconnectCap, retry.NewExponential(c.opts.ReconnectBase)))

	err := retry.Do(context.Background(), backoff, func(ctx context.Context) error {
		c.mu.Lock()
		if c.closed || c.state == StateConnected || c.pending != nil {
			// Closed for good, or an explicit Connect already took over
			c.mu.Unlock()
			return nil
		}
		c.mu.Unlock()
		if err := c.dial(ctx); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		c.mu.Lock()
		if c.state == StateReconnecting {
			c.state = StateDisconnected
		}
		c.mu.Unlock()
		log.Printf("[RELAY] %s gave up reconnecting: %v", c.URL, err)
	}
}

// Query sends a subscription for the filter and collects matching events
// until the relay signals end-of-stored-events or the timeout elapses,
// whichever comes first. Partial results on timeout are a valid outcome.
// Duplicate events within one query are deduplicated by id.
func (c *Connection) Query(ctx context.Context, filter nostr.Filter, timeout time.Duration) ([]*nostr.Event, error) {
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}

	sub := &subscription{
		id:     uuid.NewString(),
		filter: filter,
		events: make(chan *nostr.Event, eventChanSize),
		eose:   make(chan struct{}),
	}

	c.mu.Lock()
	c.subs[sub.id] = sub
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.subs, sub.id)
		c.mu.Unlock()
		// Best effort; the relay drops the subscription on disconnect anyway
		_ = c.writeFrame([]interface{}{"CLOSE", sub.id})
	}()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	if err := c.writeFrame([]interface{}{"REQ", sub.id, filter}); err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", c.URL, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var collected []*nostr.Event
	seen := make(map[string]struct{})
	add := func(ev *nostr.Event) {
		if _, dup := seen[ev.ID]; dup {
			return
		}
		seen[ev.ID] = struct{}{}
		collected = append(collected, ev)
	}

	for {
		select {
		case ev := <-sub.events:
			add(ev)
		case <-sub.eose:
			// Drain whatever arrived before the EOSE
			for {
				select {
				case ev := <-sub.events:
					add(ev)
				default:
					return collected, nil
				}
			}
		case <-timer.C:
			return collected, nil
		case <-ctx.Done():
			return collected, nil
		}
	}
}

// Publish sends a signed event and waits for the relay's acknowledgment,
// correlated strictly by event id. Timeout and transport failures resolve to
// a not-accepted result. A second publish for an id that already has a
// pending waiter is rejected locally with ErrDuplicatePublish.
func (c *Connection) Publish(ctx context.Context, ev *nostr.Event, timeout time.Duration) (PublishResult, error) {
	if err := c.Connect(ctx); err != nil {
		return PublishResult{Reason: "connect failed: " + err.Error()}, nil
	}

	waiter := make(chan okResult, 1)
	c.mu.Lock()
	if _, exists := c.waiters[ev.ID]; exists {
		c.mu.Unlock()
		return PublishResult{}, fmt.Errorf("%w: %s", ErrDuplicatePublish, ev.ID)
	}
	c.waiters[ev.ID] = waiter
	c.mu.Unlock()

	removeWaiter := func() {
		c.mu.Lock()
		delete(c.waiters, ev.ID)
		c.mu.Unlock()
	}

	if err := c.writeFrame([]interface{}{"EVENT", ev}); err != nil {
		removeWaiter()
		return PublishResult{Reason: "send failed: " + err.Error()}, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-waiter:
		return PublishResult{Accepted: res.accepted, Reason: res.reason}, nil
	case <-timer.C:
		removeWaiter()
		return PublishResult{Reason: "timed out waiting for acknowledgment"}, nil
	case <-ctx.Done():
		removeWaiter()
		return PublishResult{Reason: "cancelled"}, nil
	}
}

func (c *Connection) writeFrame(frame []interface{}) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Close tears the connection down for good: outstanding waiters resolve to
// failure, open subscriptions are released, and no reconnect is attempted.
// A later Connect starts fresh.
func (c *Connection) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.failPendingLocked()
	c.state = StateDisconnected
	c.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

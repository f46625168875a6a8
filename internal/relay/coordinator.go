package relay

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/nbd-wtf/go-nostr"
)

const (
	idleTimeout     = time.Minute      // Close relays idle for more than a minute
	cleanupInterval = 30 * time.Second // How often idle connections are checked
)

// EndpointResult is one relay's slot in a PublishOutcome.
type EndpointResult struct {
	Accepted bool
	Reason   string
}

// PublishOutcome aggregates the per-relay results of a fan-out publish.
// Every attempted endpoint has exactly one terminal entry once the outcome
// is returned.
type PublishOutcome struct {
	EventID string
	Results map[string]EndpointResult
	Quorum  int // Accepting relays required for IsSuccess
}

// SuccessCount returns the number of endpoints that accepted the event.
func (o *PublishOutcome) SuccessCount() int {
	count := 0
	for _, res := range o.Results {
		if res.Accepted {
			count++
		}
	}
	return count
}

// TotalRelays returns the number of endpoints that were attempted.
func (o *PublishOutcome) TotalRelays() int {
	return len(o.Results)
}

// IsSuccess reports whether enough relays accepted the event. The bar is the
// configured quorum, not a protocol requirement; the default of 1 matches
// "accepted anywhere is accepted".
func (o *PublishOutcome) IsSuccess() bool {
	quorum := o.Quorum
	if quorum < 1 {
		quorum = 1
	}
	return o.SuccessCount() >= quorum
}

// Coordinator owns a set of relay connections and fans publish and query
// operations out across all of them. A single relay's failure never fails a
// coordinator-level call; it only shows up in that relay's slot of the result.
type Coordinator struct {
	conns  []*Connection
	health *HealthTracker
	quorum int

	usageMu  sync.Mutex
	lastUsed map[string]time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

// NewCoordinator builds connections for the given relay URLs. Connections
// are dialed lazily on first use.
func NewCoordinator(urls []string, quorum int, opts Options) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())

	c := &Coordinator{
		health:   NewHealthTracker(opts.Health),
		quorum:   quorum,
		lastUsed: make(map[string]time.Time),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, url := range urls {
		c.conns = append(c.conns, NewConnection(url, opts))
	}

	go c.cleanupLoop()
	return c
}

// Relays returns the configured endpoint URLs.
func (c *Coordinator) Relays() []string {
	urls := make([]string, 0, len(c.conns))
	for _, conn := range c.conns {
		urls = append(urls, conn.URL)
	}
	return urls
}

// ConnectAll tries to connect every endpoint once within the grace period.
// Individual failures are aggregated but not fatal; the returned error is
// non-nil only when no endpoint could be reached.
func (c *Coordinator) ConnectAll(ctx context.Context, grace time.Duration) error {
	gctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	var wg sync.WaitGroup
	var mu sync.Mutex
	var merr *multierror.Error

	for _, conn := range c.conns {
		wg.Add(1)
		go func(conn *Connection) {
			defer wg.Done()
			if err := conn.Connect(gctx); err != nil {
				c.health.RecordFailure(conn.URL, err.Error())
				mu.Lock()
				merr = multierror.Append(merr, err)
				mu.Unlock()
			}
		}(conn)
	}
	wg.Wait()

	for _, conn := range c.conns {
		if conn.IsConnected() {
			return nil
		}
	}
	if err := merr.ErrorOrNil(); err != nil {
		return fmt.Errorf("no relay reachable: %w", err)
	}
	return fmt.Errorf("no relay reachable")
}

// PublishToAll publishes the event on every connection concurrently and waits
// for all of them to settle. It never short-circuits: every endpoint gets its
// full timeout to respond.
func (c *Coordinator) PublishToAll(ctx context.Context, ev *nostr.Event, timeout time.Duration) *PublishOutcome {
	if !c.anyConnected() {
		if err := c.ConnectAll(ctx, timeout); err != nil {
			log.Printf("[RELAY] Publish connect pass failed: %v", err)
		}
	}

	outcome := &PublishOutcome{
		EventID: ev.ID,
		Results: make(map[string]EndpointResult, len(c.conns)),
		Quorum:  c.quorum,
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, conn := range c.conns {
		wg.Add(1)
		go func(conn *Connection) {
			defer wg.Done()
			c.touch(conn.URL)

			res, err := conn.Publish(ctx, ev, timeout)
			if err != nil {
				// Contract violations surface as a rejected slot here; the
				// per-connection call already failed synchronously
				res = PublishResult{Reason: err.Error()}
			}
			if res.Accepted {
				c.health.RecordSuccess(conn.URL)
			}

			mu.Lock()
			outcome.Results[conn.URL] = EndpointResult{Accepted: res.Accepted, Reason: res.Reason}
			mu.Unlock()
		}(conn)
	}
	wg.Wait()

	return outcome
}

// QueryAny fans the filter out to every endpoint and merges the results,
// deduplicated by event id with first-seen wins. The error is non-nil only
// when no relay answered at all (every endpoint banned or failing); an empty
// result from answering relays is not an error.
func (c *Coordinator) QueryAny(ctx context.Context, filter nostr.Filter, timeout time.Duration) ([]*nostr.Event, error) {
	events, answered := c.queryAll(ctx, filter, timeout, 0)
	if answered == 0 {
		return events, fmt.Errorf("no relay answered the query")
	}
	return events, nil
}

// QueryUntil is QueryAny with an early-return bound: once the merged result
// reaches enough events, still-running relay queries are cancelled and
// whatever they collected so far is merged in.
func (c *Coordinator) QueryUntil(ctx context.Context, filter nostr.Filter, timeout time.Duration, enough int) []*nostr.Event {
	events, _ := c.queryAll(ctx, filter, timeout, enough)
	return events
}

// queryAll returns the merged events and the number of relays that answered.
func (c *Coordinator) queryAll(ctx context.Context, filter nostr.Filter, timeout time.Duration, enough int) ([]*nostr.Event, int) {
	qctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type relayReply struct {
		events []*nostr.Event
		ok     bool
	}
	results := make(chan relayReply, len(c.conns))
	launched := 0
	for _, conn := range c.conns {
		if c.health.IsBanned(conn.URL) {
			continue
		}
		launched++
		go func(conn *Connection) {
			c.touch(conn.URL)
			events, err := conn.Query(qctx, filter, timeout)
			if err != nil {
				c.health.RecordFailure(conn.URL, err.Error())
			} else {
				c.health.RecordSuccess(conn.URL)
			}
			results <- relayReply{events: events, ok: err == nil}
		}(conn)
	}

	var merged []*nostr.Event
	answered := 0
	seen := make(map[string]struct{})
	for i := 0; i < launched; i++ {
		reply := <-results
		if reply.ok {
			answered++
		}
		for _, ev := range reply.events {
			if _, dup := seen[ev.ID]; dup {
				continue
			}
			seen[ev.ID] = struct{}{}
			merged = append(merged, ev)
		}
		if enough > 0 && len(merged) >= enough {
			cancel()
		}
	}
	return merged, answered
}

func (c *Coordinator) anyConnected() bool {
	for _, conn := range c.conns {
		if conn.IsConnected() {
			return true
		}
	}
	return false
}

func (c *Coordinator) touch(url string) {
	c.usageMu.Lock()
	c.lastUsed[url] = time.Now()
	c.usageMu.Unlock()
}

// cleanupLoop periodically closes connections that have not been used
// recently. They redial lazily on the next operation.
func (c *Coordinator) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.closeIdle()
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Coordinator) closeIdle() {
	now := time.Now()
	for _, conn := range c.conns {
		c.usageMu.Lock()
		last, used := c.lastUsed[conn.URL]
		c.usageMu.Unlock()
		if !used || now.Sub(last) <= idleTimeout {
			continue
		}
		if conn.IsConnected() {
			if err := conn.Close(); err != nil {
				log.Printf("[RELAY] Error closing idle relay %s: %v", conn.URL, err)
			}
		}
		c.usageMu.Lock()
		delete(c.lastUsed, conn.URL)
		c.usageMu.Unlock()
	}
}

// Close shuts down every connection, resolving all outstanding waiters.
func (c *Coordinator) Close() {
	c.cancel()
	for _, conn := range c.conns {
		if err := conn.Close(); err != nil {
			log.Printf("[RELAY] Error closing relay %s: %v", conn.URL, err)
		}
	}
}

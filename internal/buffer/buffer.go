package buffer

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/Chardot/nostrface-sub001/internal/models"
	"github.com/Chardot/nostrface-sub001/internal/validate"
)

var (
	refillRetries    uint64 = 3
	refillRetryDelay        = 500 * time.Millisecond
)

var (
	// ErrExhausted is returned by a Supplier that has no candidates left.
	// For the buffer this is a normal terminal condition, not an error.
	ErrExhausted = errors.New("supplier exhausted")

	// ErrNoneAvailable is returned by Next once the supplier is exhausted and
	// the ready queue is drained.
	ErrNoneAvailable = errors.New("no more profiles available")

	// ErrTryAgainLater is returned by Next when a refill attempt failed after
	// retries; the buffer stays usable and a later Next retries.
	ErrTryAgainLater = errors.New("no profiles available right now, try again")
)

// Supplier produces candidate profiles, excluding already-seen identities.
type Supplier interface {
	NextBatch(ctx context.Context, exclude map[string]struct{}, count int) ([]*models.Profile, error)
}

// CandidateValidator is the slice of the readiness validator the buffer uses.
type CandidateValidator interface {
	Validate(ctx context.Context, p *models.Profile) validate.Result
	PreloadImage(ctx context.Context, p *models.Profile) bool
}

// Denylist records image URLs whose preload failed.
type Denylist interface {
	Record(url string)
}

// InteractionFunc handles a fire-and-forget consumer interaction.
type InteractionFunc func(ctx context.Context, pubkey, action string) error

// Buffer maintains an ordered, consumer-facing queue of validated profiles
// and refills it proactively from the supplier. Candidates are promoted to
// ready only after passing readiness validation; discarded candidates are
// never re-enqueued.
type Buffer struct {
	supplier  Supplier
	validator CandidateValidator
	denylist  Denylist
	interact  InteractionFunc

	lowWater  int
	batchSize int
	target    int

	mu        sync.Mutex
	ready     []*models.Profile
	seen      map[string]struct{}
	refilling bool
	exhausted bool
	failed    bool
	notify    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// Config carries the buffer tunables.
type Config struct {
	LowWaterMark int
	BatchSize    int
	TargetSize   int
}

// New creates a buffer. Interact may be nil if interactions are not wired.
func New(supplier Supplier, validator CandidateValidator, denylist Denylist, interact InteractionFunc, cfg Config) *Buffer {
	ctx, cancel := context.WithCancel(context.Background())

	return &Buffer{
		supplier:  supplier,
		validator: validator,
		denylist:  denylist,
		interact:  interact,
		lowWater:  cfg.LowWaterMark,
		batchSize: cfg.BatchSize,
		target:    cfg.TargetSize,
		seen:      make(map[string]struct{}),
		notify:    make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Next removes and returns the head of the ready queue. It triggers an
// asynchronous refill when the remaining count drops below the low-water
// mark, and blocks only when the queue is empty, until an item arrives, the
// supplier is exhausted, or the context ends.
func (b *Buffer) Next(ctx context.Context) (*models.Profile, error) {
	for {
		b.mu.Lock()
		if len(b.ready) > 0 {
			item := b.ready[0]
			b.ready = b.ready[1:]
			refill := len(b.ready) < b.lowWater && !b.exhausted
			b.mu.Unlock()
			if refill {
				b.triggerRefill()
			}
			return item, nil
		}
		if b.exhausted {
			b.mu.Unlock()
			return nil, ErrNoneAvailable
		}
		if b.failed {
			b.failed = false
			b.mu.Unlock()
			return nil, ErrTryAgainLater
		}
		wait := b.notify
		b.mu.Unlock()

		b.triggerRefill()
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-b.ctx.Done():
			return nil, ErrNoneAvailable
		}
	}
}

// Ready returns the current ready count.
func (b *Buffer) Ready() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ready)
}

// RemoveByIdentity drops a previously-ready profile, for when it fails
// downstream (an image that no longer loads, say). No-op if absent.
func (b *Buffer) RemoveByIdentity(pubkey string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, p := range b.ready {
		if p.PubKey == pubkey {
			b.ready = append(b.ready[:i], b.ready[i+1:]...)
			return
		}
	}
}

// ReportInteraction forwards a consumer action without blocking the caller.
// Failures are logged and swallowed.
func (b *Buffer) ReportInteraction(pubkey, action string) {
	if b.interact == nil {
		return
	}
	go func() {
		if err := b.interact(b.ctx, pubkey, action); err != nil {
			log.Printf("[BUFFER] Interaction %s for %s failed: %v", action, pubkey, err)
		}
	}()
}

// Stop cancels background refills and wakes any blocked consumer.
func (b *Buffer) Stop() {
	b.cancel()
}

// triggerRefill starts a background refill unless one is already running.
func (b *Buffer) triggerRefill() {
	b.mu.Lock()
	if b.refilling || b.exhausted {
		b.mu.Unlock()
		return
	}
	b.refilling = true
	b.mu.Unlock()

	go b.refill()
}

// refill pulls batches from the supplier and promotes validated candidates
// until the ready queue reaches the target size or the supplier runs dry.
// One refill runs at a time.
func (b *Buffer) refill() {
	defer func() {
		b.mu.Lock()
		b.refilling = false
		b.mu.Unlock()
		b.wake()
	}()

	for {
		b.mu.Lock()
		if len(b.ready) >= b.target || b.exhausted {
			b.mu.Unlock()
			return
		}
		exclude := make(map[string]struct{}, len(b.seen))
		for key := range b.seen {
			exclude[key] = struct{}{}
		}
		b.mu.Unlock()

		batch, err := b.pullBatch(exclude)
		if errors.Is(err, ErrExhausted) || (err == nil && len(batch) == 0) {
			b.mu.Lock()
			b.exhausted = true
			b.mu.Unlock()
			b.wake()
			log.Printf("[BUFFER] Supplier exhausted")
			return
		}
		if err != nil {
			b.mu.Lock()
			b.failed = true
			b.mu.Unlock()
			b.wake()
			log.Printf("[BUFFER] Refill failed: %v", err)
			return
		}

		b.mu.Lock()
		fresh := batch[:0]
		for _, p := range batch {
			if _, dup := b.seen[p.PubKey]; dup {
				continue
			}
			b.seen[p.PubKey] = struct{}{}
			fresh = append(fresh, p)
		}
		b.mu.Unlock()

		promoted := b.validateBatch(fresh)
		if len(promoted) > 0 {
			b.mu.Lock()
			b.ready = append(b.ready, promoted...)
			b.mu.Unlock()
			b.wake()
		}
	}
}

// pullBatch asks the supplier for candidates, retrying transient errors with
// backoff. Exhaustion passes through untouched.
func (b *Buffer) pullBatch(exclude map[string]struct{}) ([]*models.Profile, error) {
	var batch []*models.Profile
	backoff := retry.WithMaxRetries(refillRetries, retry.NewExponential(refillRetryDelay))

	err := retry.Do(b.ctx, backoff, func(ctx context.Context) error {
		var err error
		batch, err = b.supplier.NextBatch(ctx, exclude, b.batchSize)
		if err != nil && !errors.Is(err, ErrExhausted) {
			return retry.RetryableError(err)
		}
		return err
	})
	return batch, err
}

// validateBatch runs the whole batch through validation concurrently (bounded
// by the batch size itself) and returns the promoted candidates in the order
// their validation completed. Candidates failing only the image preload get
// exactly one fetch attempt; failure denylists the URL and discards them.
func (b *Buffer) validateBatch(batch []*models.Profile) []*models.Profile {
	promoted := make([]*models.Profile, 0, len(batch))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, p := range batch {
		wg.Add(1)
		go func(p *models.Profile) {
			defer wg.Done()

			res := b.validator.Validate(b.ctx, p)
			switch res.Verdict {
			case validate.VerdictReady:
			case validate.VerdictNeedsImage:
				if !b.validator.PreloadImage(b.ctx, p) {
					b.denylist.Record(p.Picture)
					return
				}
			default:
				return
			}

			mu.Lock()
			promoted = append(promoted, p)
			mu.Unlock()
		}(p)
	}
	wg.Wait()

	return promoted
}

// wake broadcasts to consumers blocked in Next.
func (b *Buffer) wake() {
	b.mu.Lock()
	close(b.notify)
	b.notify = make(chan struct{})
	b.mu.Unlock()
}

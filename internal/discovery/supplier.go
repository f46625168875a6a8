package discovery

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/Chardot/nostrface-sub001/internal/buffer"
	"github.com/Chardot/nostrface-sub001/internal/models"
)

const maxPagesPerBatch = 3

// Querier is the slice of the relay coordinator the supplier needs. The error
// distinguishes an outage (no relay answered) from an empty result.
type Querier interface {
	QueryAny(ctx context.Context, filter nostr.Filter, timeout time.Duration) ([]*nostr.Event, error)
}

// RelaySupplier pages backward through kind:0 metadata events on the
// configured relays, handing out parsed profile candidates. An empty page
// means the relays have nothing older and the supplier is exhausted.
type RelaySupplier struct {
	relays  Querier
	timeout time.Duration

	mu        sync.Mutex
	until     nostr.Timestamp // Cursor, moves backward in time
	exhausted bool
}

func NewRelaySupplier(relays Querier, timeout time.Duration) *RelaySupplier {
	return &RelaySupplier{
		relays:  relays,
		timeout: timeout,
		until:   nostr.Now(),
	}
}

// NextBatch returns up to count candidates not in exclude, or
// buffer.ErrExhausted when the relays have nothing left.
func (s *RelaySupplier) NextBatch(ctx context.Context, exclude map[string]struct{}, count int) ([]*models.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.exhausted {
		return nil, buffer.ErrExhausted
	}

	var candidates []*models.Profile
	for page := 0; len(candidates) < count && page < maxPagesPerBatch; page++ {
		until := s.until
		filter := nostr.Filter{
			Kinds: []int{0},
			Until: &until,
			// Overfetch; many metadata events fail parsing or readiness
			Limit: count * 3,
		}

		events, err := s.relays.QueryAny(ctx, filter, s.timeout)
		if err != nil {
			// Transient relay trouble, not exhaustion; the cursor stays put
			// and a later call retries the same page
			if len(candidates) > 0 {
				return candidates, nil
			}
			return nil, fmt.Errorf("discovery query: %w", err)
		}
		if len(events) == 0 {
			// The relays answered and have nothing older
			s.exhausted = true
			if len(candidates) == 0 {
				return nil, buffer.ErrExhausted
			}
			return candidates, nil
		}

		// Keep only the newest metadata event per pubkey and advance the
		// cursor past the oldest event seen
		latest := make(map[string]*nostr.Event)
		oldest := until
		for _, ev := range events {
			if existing, ok := latest[ev.PubKey]; !ok || ev.CreatedAt > existing.CreatedAt {
				latest[ev.PubKey] = ev
			}
			if ev.CreatedAt < oldest {
				oldest = ev.CreatedAt
			}
		}
		s.until = oldest - 1

		for pubkey, ev := range latest {
			if _, skip := exclude[pubkey]; skip {
				continue
			}
			profile, err := models.ParseProfile(ev)
			if err != nil {
				log.Printf("[DISCOVERY] Skipping %s: %v", pubkey, err)
				continue
			}
			candidates = append(candidates, profile)
			if len(candidates) >= count {
				break
			}
		}
	}

	return candidates, nil
}

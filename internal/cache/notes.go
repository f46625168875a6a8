package cache

import (
	"context"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

// Querier is the slice of the relay coordinator the notes service needs.
type Querier interface {
	QueryUntil(ctx context.Context, filter nostr.Filter, timeout time.Duration, enough int) []*nostr.Event
}

// NotesService fetches an author's recent notes through the cache. A cache
// hit returns immediately but still triggers a background refresh, so the
// next call sees fresh data (stale-while-revalidate).
type NotesService struct {
	cache   *NoteCache
	relays  Querier
	target  int           // Result count that ends the fan-out early
	timeout time.Duration // Per-call relay deadline
}

func NewNotesService(cache *NoteCache, relays Querier, target int, timeout time.Duration) *NotesService {
	return &NotesService{
		cache:   cache,
		relays:  relays,
		target:  target,
		timeout: timeout,
	}
}

// Fetch returns up to the target number of notes by the author.
func (s *NotesService) Fetch(ctx context.Context, author string) []*nostr.Event {
	if notes, ok := s.cache.Get(author); ok {
		go s.refresh(context.Background(), author)
		return notes
	}
	return s.refresh(ctx, author)
}

func (s *NotesService) refresh(ctx context.Context, author string) []*nostr.Event {
	filter := nostr.Filter{
		Kinds:   []int{1},
		Authors: []string{author},
		Limit:   s.target,
	}
	notes := s.relays.QueryUntil(ctx, filter, s.timeout, s.target)
	s.cache.Put(author, notes)
	return notes
}

// HasPosts reports whether the author has published at least one note. The
// probe fetches at most one event and stops at the first hit; a warm cache
// entry answers without any network traffic.
func (s *NotesService) HasPosts(ctx context.Context, author string) bool {
	if notes, ok := s.cache.Get(author); ok {
		return len(notes) > 0
	}

	filter := nostr.Filter{
		Kinds:   []int{1},
		Authors: []string{author},
		Limit:   1,
	}
	found := s.relays.QueryUntil(ctx, filter, s.timeout, 1)
	return len(found) > 0
}

package social

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/Chardot/nostrface-sub001/internal/relay"
)

const namespace = "follows"

// ErrNotAccepted means the follow list was published but no relay quorum
// accepted it; the local change was reverted and the action can be retried.
var ErrNotAccepted = errors.New("follow list not accepted by relays")

// Publisher is the slice of the relay coordinator the follow service needs.
type Publisher interface {
	PublishToAll(ctx context.Context, ev *nostr.Event, timeout time.Duration) *relay.PublishOutcome
}

// Persister is the slice of the key-value store the follow service needs.
type Persister interface {
	Put(namespace, key, value string) error
	Delete(namespace, key string) error
	ForEach(namespace string, callback func(key, value string) error) error
}

type followState int

const (
	stateConfirmed followState = iota
	stateTentativeAdd
	stateTentativeRemove
)

// FollowService applies follow and unfollow actions optimistically: the local
// state flips immediately, the kind:3 follow list is signed and published,
// and the aggregate relay outcome either confirms the change or reverts it.
type FollowService struct {
	signer  Signer
	relays  Publisher
	store   Persister
	timeout time.Duration

	mu        sync.Mutex
	following map[string]followState
}

// Open loads the persisted follow list.
func Open(signer Signer, relays Publisher, store Persister, timeout time.Duration) (*FollowService, error) {
	s := &FollowService{
		signer:    signer,
		relays:    relays,
		store:     store,
		timeout:   timeout,
		following: make(map[string]followState),
	}

	err := store.ForEach(namespace, func(key, value string) error {
		s.following[key] = stateConfirmed
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(s.following) > 0 {
		log.Printf("[SOCIAL] Loaded %d follows", len(s.following))
	}
	return s, nil
}

// IsFollowing reports the local view, tentative changes included.
func (s *FollowService) IsFollowing(pubkey string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, exists := s.following[pubkey]
	return exists && state != stateTentativeRemove
}

// Following returns the local follow list, sorted for stable output.
func (s *FollowService) Following() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.following))
	for pubkey, state := range s.following {
		if state != stateTentativeRemove {
			keys = append(keys, pubkey)
		}
	}
	sort.Strings(keys)
	return keys
}

// Follow adds a pubkey to the follow list. The outcome carries the per-relay
// results; on failure the local state is reverted and the caller can offer a
// retry.
func (s *FollowService) Follow(ctx context.Context, pubkey string) (*relay.PublishOutcome, error) {
	if !nostr.IsValidPublicKey(pubkey) {
		return nil, fmt.Errorf("invalid pubkey: %s", pubkey)
	}

	s.mu.Lock()
	if state, exists := s.following[pubkey]; exists && state == stateConfirmed {
		s.mu.Unlock()
		return nil, nil
	}
	s.following[pubkey] = stateTentativeAdd
	s.mu.Unlock()

	outcome, err := s.publishFollowList(ctx)
	if err != nil || !outcome.IsSuccess() {
		s.mu.Lock()
		delete(s.following, pubkey)
		s.mu.Unlock()
		if err != nil {
			return nil, err
		}
		return outcome, ErrNotAccepted
	}

	s.mu.Lock()
	s.following[pubkey] = stateConfirmed
	s.mu.Unlock()
	if err := s.store.Put(namespace, pubkey, "1"); err != nil {
		log.Printf("[SOCIAL] Failed to persist follow %s: %v", pubkey, err)
	}
	return outcome, nil
}

// Unfollow removes a pubkey from the follow list, with the same two-phase
// tentative/confirmed/reverted transition as Follow.
func (s *FollowService) Unfollow(ctx context.Context, pubkey string) (*relay.PublishOutcome, error) {
	s.mu.Lock()
	state, exists := s.following[pubkey]
	if !exists || state == stateTentativeRemove {
		s.mu.Unlock()
		return nil, nil
	}
	s.following[pubkey] = stateTentativeRemove
	s.mu.Unlock()

	outcome, err := s.publishFollowList(ctx)
	if err != nil || !outcome.IsSuccess() {
		s.mu.Lock()
		s.following[pubkey] = state
		s.mu.Unlock()
		if err != nil {
			return nil, err
		}
		return outcome, ErrNotAccepted
	}

	s.mu.Lock()
	delete(s.following, pubkey)
	s.mu.Unlock()
	if err := s.store.Delete(namespace, pubkey); err != nil {
		log.Printf("[SOCIAL] Failed to persist unfollow %s: %v", pubkey, err)
	}
	return outcome, nil
}

// publishFollowList signs and publishes the current kind:3 follow list.
func (s *FollowService) publishFollowList(ctx context.Context) (*relay.PublishOutcome, error) {
	pubkey, err := s.signer.PublicKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("cannot publish: %w", err)
	}

	followed := s.Following()
	tags := make(nostr.Tags, 0, len(followed))
	for _, pk := range followed {
		tags = append(tags, nostr.Tag{"p", pk})
	}

	ev := nostr.Event{
		PubKey:    pubkey,
		CreatedAt: nostr.Now(),
		Kind:      3,
		Tags:      tags,
	}
	if err := s.signer.Sign(ctx, &ev); err != nil {
		return nil, fmt.Errorf("cannot publish: %w", err)
	}

	return s.relays.PublishToAll(ctx, &ev, s.timeout), nil
}

// HandleInteraction adapts buffer interactions onto follow actions. Unknown
// actions are ignored.
func (s *FollowService) HandleInteraction(ctx context.Context, pubkey, action string) error {
	switch action {
	case "follow":
		_, err := s.Follow(ctx, pubkey)
		return err
	case "unfollow":
		_, err := s.Unfollow(ctx, pubkey)
		return err
	default:
		return nil
	}
}

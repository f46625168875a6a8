package registry

import (
	"log"
	"sync"
	"time"
)

const namespace = "image_failures"

// Persister is the slice of the key-value store the registry needs.
type Persister interface {
	Put(namespace, key, value string) error
	DeleteAll(namespace string) error
	ForEach(namespace string, callback func(key, value string) error) error
}

// FailureRegistry is a persistent denylist of image URLs known to fail.
// Once a URL is recorded it is never retried; removal is only via Clear.
// An in-memory mirror answers lookups so the hot path never touches sqlite.
type FailureRegistry struct {
	store  Persister
	failed map[string]time.Time
	mu     sync.RWMutex
}

// Open loads the persisted denylist into memory.
func Open(store Persister) (*FailureRegistry, error) {
	r := &FailureRegistry{
		store:  store,
		failed: make(map[string]time.Time),
	}

	err := store.ForEach(namespace, func(key, value string) error {
		firstFailure, err := time.Parse(time.RFC3339, value)
		if err != nil {
			firstFailure = time.Now().UTC()
		}
		r.failed[key] = firstFailure
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(r.failed) > 0 {
		log.Printf("[REGISTRY] Loaded %d denylisted image URLs", len(r.failed))
	}
	return r, nil
}

// Contains reports whether the URL is denylisted.
func (r *FailureRegistry) Contains(url string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.failed[url]
	return exists
}

// Record adds a URL to the denylist. The first-failure timestamp is kept if
// the URL was already present.
func (r *FailureRegistry) Record(url string) {
	r.mu.Lock()
	if _, exists := r.failed[url]; exists {
		r.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	r.failed[url] = now
	r.mu.Unlock()

	if err := r.store.Put(namespace, url, now.Format(time.RFC3339)); err != nil {
		log.Printf("[REGISTRY] Failed to persist denylist entry: %v", err)
	}
}

// Len returns the number of denylisted URLs.
func (r *FailureRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.failed)
}

// Clear empties the denylist. Administrative use only.
func (r *FailureRegistry) Clear() error {
	r.mu.Lock()
	r.failed = make(map[string]time.Time)
	r.mu.Unlock()

	return r.store.DeleteAll(namespace)
}

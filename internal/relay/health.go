package relay

import (
	"sync"
	"time"
)

// HealthPolicy tunes when a failing endpoint is temporarily banned.
type HealthPolicy struct {
	MaxFailures int           // Failures before a temporary ban
	BanDuration time.Duration // How long a banned endpoint is skipped
	ResetAge    time.Duration // Forget the count if the last failure is older
}

// DefaultHealthPolicy returns the policy used when a zero value is passed.
func DefaultHealthPolicy() HealthPolicy {
	return HealthPolicy{
		MaxFailures: 3,
		BanDuration: 30 * time.Minute,
		ResetAge:    10 * time.Minute,
	}
}

type endpointHealth struct {
	failures    int
	lastFailure time.Time
	bannedUntil time.Time
}

// HealthTracker counts per-endpoint failures and temporarily bans endpoints
// that keep failing, so fan-out operations stop wasting their timeout budget
// on dead relays.
type HealthTracker struct {
	policy HealthPolicy
	now    func() time.Time

	mu     sync.RWMutex
	failed map[string]endpointHealth
}

func NewHealthTracker(policy HealthPolicy) *HealthTracker {
	if policy.MaxFailures <= 0 {
		policy = DefaultHealthPolicy()
	}
	return &HealthTracker{
		policy: policy,
		now:    time.Now,
		failed: make(map[string]endpointHealth),
	}
}

// IsBanned reports whether the endpoint is inside a ban window.
func (t *HealthTracker) IsBanned(endpoint string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.now().Before(t.failed[endpoint].bannedUntil)
}

// RecordFailure counts a failure against the endpoint and bans it once the
// policy threshold is reached. A count whose last failure is older than the
// reset age starts over instead of accumulating forever.
func (t *HealthTracker) RecordFailure(endpoint string, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	info := t.failed[endpoint]
	if info.failures > 0 && now.Sub(info.lastFailure) > t.policy.ResetAge {
		info.failures = 0
	}
	info.failures++
	info.lastFailure = now
	if info.failures >= t.policy.MaxFailures {
		info.bannedUntil = now.Add(t.policy.BanDuration)
	}
	t.failed[endpoint] = info
}

// RecordSuccess clears the endpoint's failure history.
func (t *HealthTracker) RecordSuccess(endpoint string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.failed, endpoint)
}

// Stats returns the number of failing and currently banned endpoints.
func (t *HealthTracker) Stats() (total int, banned int) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	now := t.now()
	total = len(t.failed)
	for _, info := range t.failed {
		if now.Before(info.bannedUntil) {
			banned++
		}
	}
	return
}

package buffer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Chardot/nostrface-sub001/internal/models"
	"github.com/Chardot/nostrface-sub001/internal/validate"
)

type fakeDenylist struct {
	mu   sync.Mutex
	urls map[string]struct{}
}

func newFakeDenylist(urls ...string) *fakeDenylist {
	d := &fakeDenylist{urls: make(map[string]struct{})}
	for _, u := range urls {
		d.urls[u] = struct{}{}
	}
	return d
}

func (d *fakeDenylist) Contains(url string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.urls[url]
	return ok
}

func (d *fakeDenylist) Record(url string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls[url] = struct{}{}
}

type countingFetcher struct {
	mu      sync.Mutex
	calls   int
	failing map[string]struct{}
}

func newCountingFetcher(failURLs ...string) *countingFetcher {
	f := &countingFetcher{failing: make(map[string]struct{})}
	for _, u := range failURLs {
		f.failing[u] = struct{}{}
	}
	return f
}

func (f *countingFetcher) Fetch(ctx context.Context, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if _, fail := f.failing[url]; fail {
		return errors.New("fetch failed")
	}
	return nil
}

func (f *countingFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// scriptedSupplier hands out pre-built batches in order, then reports
// exhaustion.
type scriptedSupplier struct {
	mu      sync.Mutex
	batches [][]*models.Profile
	err     error // When set, every call fails with it instead
	calls   int
}

func (s *scriptedSupplier) NextBatch(ctx context.Context, exclude map[string]struct{}, count int) ([]*models.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	if len(s.batches) == 0 {
		return nil, ErrExhausted
	}
	batch := s.batches[0]
	s.batches = s.batches[1:]

	kept := batch[:0]
	for _, p := range batch {
		if _, skip := exclude[p.PubKey]; !skip {
			kept = append(kept, p)
		}
	}
	return kept, nil
}

func profile(i int, about, picture string) *models.Profile {
	return &models.Profile{
		PubKey:  fmt.Sprintf("pk-%04d", i),
		Name:    fmt.Sprintf("user%d", i),
		About:   about,
		Picture: picture,
	}
}

func newTestBuffer(supplier Supplier, denylist *fakeDenylist, fetcher *countingFetcher, cfg Config) *Buffer {
	v := validate.NewValidator(denylist, fetcher, nil, false)
	return New(supplier, v, denylist, nil, cfg)
}

// Scenario: 10 candidates, 4 lack a bio, 3 carry a denylisted image, 3 pass
// fully. Exactly the 3 get promoted.
func TestRefillPromotesOnlyReadyCandidates(t *testing.T) {
	denylisted := "https://bad.example.com/img.png"
	var batch []*models.Profile
	for i := 0; i < 4; i++ {
		batch = append(batch, profile(i, "", "")) // No bio
	}
	for i := 4; i < 7; i++ {
		batch = append(batch, profile(i, "has a bio", denylisted))
	}
	for i := 7; i < 10; i++ {
		batch = append(batch, profile(i, "has a bio", fmt.Sprintf("https://example.com/%d.png", i)))
	}

	supplier := &scriptedSupplier{batches: [][]*models.Profile{batch}}
	fetcher := newCountingFetcher()
	buf := newTestBuffer(supplier, newFakeDenylist(denylisted), fetcher, Config{
		LowWaterMark: 2, BatchSize: 10, TargetSize: 20,
	})
	defer buf.Stop()

	got := make(map[string]struct{})
	for i := 0; i < 3; i++ {
		p, err := buf.Next(context.Background())
		if err != nil {
			t.Fatalf("next %d: %v", i, err)
		}
		got[p.PubKey] = struct{}{}
	}
	for i := 7; i < 10; i++ {
		if _, ok := got[fmt.Sprintf("pk-%04d", i)]; !ok {
			t.Errorf("pk-%04d should have been promoted", i)
		}
	}

	if _, err := buf.Next(context.Background()); !errors.Is(err, ErrNoneAvailable) {
		t.Errorf("drained buffer after exhaustion should report none available, got %v", err)
	}
	// 3 candidates needed a preload; the bio-less and denylisted ones must
	// not have cost any network traffic
	if fetcher.count() != 3 {
		t.Errorf("fetch count = %d, want 3", fetcher.count())
	}
}

// Scenario: a failed preload denylists the URL and a later candidate with the
// same image is rejected without another fetch.
func TestFailedPreloadDenylistsImage(t *testing.T) {
	badURL := "https://flaky.example.com/img.png"
	supplier := &scriptedSupplier{batches: [][]*models.Profile{
		{profile(1, "bio", badURL)},
		{profile(2, "bio", badURL)},
	}}
	denylist := newFakeDenylist()
	fetcher := newCountingFetcher(badURL)
	buf := newTestBuffer(supplier, denylist, fetcher, Config{
		LowWaterMark: 1, BatchSize: 5, TargetSize: 10,
	})
	defer buf.Stop()

	if _, err := buf.Next(context.Background()); !errors.Is(err, ErrNoneAvailable) {
		t.Fatalf("both candidates should be discarded, got %v", err)
	}
	if !denylist.Contains(badURL) {
		t.Error("failed preload should have denylisted the URL")
	}
	if fetcher.count() != 1 {
		t.Errorf("fetch count = %d, want 1 (second candidate skips the fetch)", fetcher.count())
	}
}

func TestNextNeverRepeatsAnIdentity(t *testing.T) {
	same := profile(1, "bio", "")
	supplier := &scriptedSupplier{batches: [][]*models.Profile{
		{same, profile(2, "bio", "")},
		{same, profile(3, "bio", "")}, // Same identity again
	}}
	buf := newTestBuffer(supplier, newFakeDenylist(), newCountingFetcher(), Config{
		LowWaterMark: 5, BatchSize: 5, TargetSize: 20,
	})
	defer buf.Stop()

	seen := make(map[string]int)
	for {
		p, err := buf.Next(context.Background())
		if err != nil {
			break
		}
		seen[p.PubKey]++
	}

	if len(seen) != 3 {
		t.Errorf("expected 3 distinct profiles, got %d", len(seen))
	}
	for pk, n := range seen {
		if n != 1 {
			t.Errorf("%s returned %d times", pk, n)
		}
	}
}

func TestNextBlocksUntilFirstItem(t *testing.T) {
	supplier := &scriptedSupplier{batches: [][]*models.Profile{
		{profile(1, "bio", "")},
	}}
	buf := newTestBuffer(supplier, newFakeDenylist(), newCountingFetcher(), Config{
		LowWaterMark: 1, BatchSize: 1, TargetSize: 5,
	})
	defer buf.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p, err := buf.Next(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if p.PubKey != "pk-0001" {
		t.Errorf("unexpected profile %s", p.PubKey)
	}
}

func TestSupplierErrorSurfacesAsTryAgain(t *testing.T) {
	savedDelay := refillRetryDelay
	refillRetryDelay = time.Millisecond
	defer func() { refillRetryDelay = savedDelay }()

	supplier := &scriptedSupplier{err: errors.New("relays down")}
	buf := newTestBuffer(supplier, newFakeDenylist(), newCountingFetcher(), Config{
		LowWaterMark: 1, BatchSize: 5, TargetSize: 10,
	})
	defer buf.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := buf.Next(ctx)
	if !errors.Is(err, ErrTryAgainLater) {
		t.Fatalf("expected try-again signal, got %v", err)
	}

	// The buffer stays usable: the supplier recovers and a later Next works
	supplier.mu.Lock()
	supplier.err = nil
	supplier.batches = [][]*models.Profile{{profile(1, "bio", "")}}
	supplier.mu.Unlock()

	p, err := buf.Next(ctx)
	if err != nil {
		t.Fatalf("next after recovery: %v", err)
	}
	if p.PubKey != "pk-0001" {
		t.Errorf("unexpected profile %s", p.PubKey)
	}
}

func TestRemoveByIdentity(t *testing.T) {
	supplier := &scriptedSupplier{batches: [][]*models.Profile{
		{profile(1, "bio", ""), profile(2, "bio", "")},
	}}
	buf := newTestBuffer(supplier, newFakeDenylist(), newCountingFetcher(), Config{
		LowWaterMark: 1, BatchSize: 5, TargetSize: 10,
	})
	defer buf.Stop()

	// Force a refill so both are ready
	first, err := buf.Next(context.Background())
	if err != nil {
		t.Fatalf("next: %v", err)
	}

	var other string
	if first.PubKey == "pk-0001" {
		other = "pk-0002"
	} else {
		other = "pk-0001"
	}

	buf.RemoveByIdentity(other)
	buf.RemoveByIdentity("pk-absent") // No-op

	if _, err := buf.Next(context.Background()); !errors.Is(err, ErrNoneAvailable) {
		t.Errorf("removed profile should not come back, got %v", err)
	}
}

func TestReportInteractionIsFireAndForget(t *testing.T) {
	supplier := &scriptedSupplier{}
	called := make(chan string, 1)
	interact := func(ctx context.Context, pubkey, action string) error {
		called <- pubkey + ":" + action
		return errors.New("relay rejected") // Must be swallowed
	}

	v := validate.NewValidator(newFakeDenylist(), newCountingFetcher(), nil, false)
	buf := New(supplier, v, newFakeDenylist(), interact, Config{
		LowWaterMark: 1, BatchSize: 1, TargetSize: 1,
	})
	defer buf.Stop()

	buf.ReportInteraction("pk-0001", "follow")

	select {
	case got := <-called:
		if got != "pk-0001:follow" {
			t.Errorf("interaction = %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("interaction was never forwarded")
	}
}

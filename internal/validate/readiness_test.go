package validate

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/nbd-wtf/go-nostr/nip19"

	"github.com/Chardot/nostrface-sub001/internal/models"
)

const testPubkey = "3bf0c63fcb93463407af97a5e5ee64fa883d107ef9e558472c4eb9aaaefa459d"

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
	mu    sync.Mutex
	calls int
	fail  bool
}

func (f *countingFetcher) Fetch(ctx context.Context, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail {
		return errors.New("fetch failed")
	}
	return nil
}

func (f *countingFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type countingPosts struct {
	mu    sync.Mutex
	calls int
	has   bool
}

func (p *countingPosts) HasPosts(ctx context.Context, pubkey string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.has
}

func goodProfile() *models.Profile {
	return &models.Profile{
		PubKey:  testPubkey,
		Name:    "alice",
		About:   "just a test profile",
		Picture: "https://example.com/alice.png",
	}
}

func TestTextRequirements(t *testing.T) {
	npub, err := nip19.EncodePublicKey(testPubkey)
	if err != nil {
		t.Fatalf("encode npub: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(p *models.Profile)
		reason DiscardReason
	}{
		{"empty name", func(p *models.Profile) { p.Name = "" }, ReasonNoName},
		{"whitespace name", func(p *models.Profile) { p.Name = "   " }, ReasonNoName},
		{"pubkey as name", func(p *models.Profile) { p.Name = testPubkey }, ReasonNoName},
		{"npub as name", func(p *models.Profile) { p.Name = npub }, ReasonNoName},
		{"empty bio", func(p *models.Profile) { p.About = "" }, ReasonNoBio},
		{"whitespace bio", func(p *models.Profile) { p.About = " \n\t " }, ReasonNoBio},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			fetcher := &countingFetcher{}
			v := NewValidator(newFakeDenylist(), fetcher, nil, false)

			p := goodProfile()
			tc.mutate(p)

			res := v.Validate(context.Background(), p)
			if res.Verdict != VerdictDiscard {
				t.Fatalf("verdict = %v, want discard", res.Verdict)
			}
			if res.Reason != tc.reason {
				t.Errorf("reason = %s, want %s", res.Reason, tc.reason)
			}
			if fetcher.count() != 0 {
				t.Errorf("text failures must not trigger a fetch, got %d", fetcher.count())
			}
		})
	}
}

func TestDisplayNameFallsBackToName(t *testing.T) {
	v := NewValidator(newFakeDenylist(), &countingFetcher{}, nil, false)

	p := goodProfile()
	p.DisplayName = "Alice in Nostrland"
	p.Name = ""
	p.Picture = ""

	if res := v.Validate(context.Background(), p); res.Verdict != VerdictReady {
		t.Errorf("display_name alone should satisfy the name rule, got %v", res.Reason)
	}
}

func TestImageURLSyntax(t *testing.T) {
	tests := []struct {
		name    string
		picture string
		want    Verdict
	}{
		{"https", "https://example.com/a.png", VerdictNeedsImage},
		{"http", "http://example.com/a.png", VerdictNeedsImage},
		{"no image is optional", "", VerdictReady},
		{"ftp scheme", "ftp://example.com/a.png", VerdictDiscard},
		{"data uri", "data:image/png;base64,AAAA", VerdictDiscard},
		{"relative path", "/images/a.png", VerdictDiscard},
		{"missing host", "https:///a.png", VerdictDiscard},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			v := NewValidator(newFakeDenylist(), &countingFetcher{}, nil, false)

			p := goodProfile()
			p.Picture = tc.picture

			res := v.Validate(context.Background(), p)
			if res.Verdict != tc.want {
				t.Errorf("verdict = %v, want %v (reason %s)", res.Verdict, tc.want, res.Reason)
			}
		})
	}
}

// Denylisted images fail readiness without any network attempt, and stay
// failed: the registry is consulted before every fetch.
func TestDenylistedImageSkipsFetch(t *testing.T) {
	fetcher := &countingFetcher{}
	v := NewValidator(newFakeDenylist("https://example.com/alice.png"), fetcher, nil, false)

	for i := 0; i < 3; i++ {
		res := v.Validate(context.Background(), goodProfile())
		if res.Verdict != VerdictDiscard || res.Reason != ReasonImageDenylisted {
			t.Fatalf("verdict = %v/%s, want discard/image denylisted", res.Verdict, res.Reason)
		}
	}
	if fetcher.count() != 0 {
		t.Errorf("denylisted image triggered %d fetches", fetcher.count())
	}
}

func TestPreloadPromotesToReady(t *testing.T) {
	fetcher := &countingFetcher{}
	v := NewValidator(newFakeDenylist(), fetcher, nil, false)
	p := goodProfile()

	if res := v.Validate(context.Background(), p); res.Verdict != VerdictNeedsImage {
		t.Fatalf("verdict = %v, want needs-image", res.Verdict)
	}
	if !v.PreloadImage(context.Background(), p) {
		t.Fatal("preload should succeed")
	}
	if res := v.Validate(context.Background(), p); res.Verdict != VerdictReady {
		t.Errorf("verdict after preload = %v, want ready", res.Verdict)
	}
	if fetcher.count() != 1 {
		t.Errorf("expected exactly 1 fetch, got %d", fetcher.count())
	}
	if !v.IsReady(context.Background(), p) {
		t.Error("IsReady should agree with the ready verdict")
	}
}

func TestPreloadFailureReported(t *testing.T) {
	fetcher := &countingFetcher{fail: true}
	v := NewValidator(newFakeDenylist(), fetcher, nil, false)

	if v.PreloadImage(context.Background(), goodProfile()) {
		t.Error("preload must report the fetch failure")
	}
}

func TestPostsGateMemoized(t *testing.T) {
	posts := &countingPosts{has: false}
	v := NewValidator(newFakeDenylist(), &countingFetcher{}, posts, true)

	p := goodProfile()
	p.Picture = ""

	for i := 0; i < 3; i++ {
		res := v.Validate(context.Background(), p)
		if res.Verdict != VerdictDiscard || res.Reason != ReasonNoPosts {
			t.Fatalf("verdict = %v/%s, want discard/no posts", res.Verdict, res.Reason)
		}
	}
	if posts.calls != 1 {
		t.Errorf("has-posts check ran %d times, want 1 (memoized)", posts.calls)
	}
}

func TestPostsGateDisabledByDefault(t *testing.T) {
	posts := &countingPosts{has: false}
	v := NewValidator(newFakeDenylist(), &countingFetcher{}, posts, false)

	p := goodProfile()
	p.Picture = ""

	if res := v.Validate(context.Background(), p); res.Verdict != VerdictReady {
		t.Errorf("verdict = %v, want ready with the gate off", res.Verdict)
	}
	if posts.calls != 0 {
		t.Errorf("has-posts ran %d times with the gate off", posts.calls)
	}
}

package validate

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr/nip19"

	"github.com/Chardot/nostrface-sub001/internal/models"
)

// Verdict classifies a candidate after the readiness checks.
type Verdict int

const (
	// VerdictReady means the candidate can be shown without loading states.
	VerdictReady Verdict = iota
	// VerdictNeedsImage means every check passed except that the candidate's
	// image has not been preloaded yet; one PreloadImage attempt decides it.
	VerdictNeedsImage
	// VerdictDiscard means the candidate failed a check and should be dropped.
	VerdictDiscard
)

// DiscardReason says which check a discarded candidate failed.
type DiscardReason int

const (
	ReasonNone DiscardReason = iota
	ReasonNoName
	ReasonNoBio
	ReasonBadImageURL
	ReasonImageDenylisted
	ReasonImageUnavailable
	ReasonNoPosts
)

func (r DiscardReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonNoName:
		return "no name"
	case ReasonNoBio:
		return "no bio"
	case ReasonBadImageURL:
		return "bad image url"
	case ReasonImageDenylisted:
		return "image denylisted"
	case ReasonImageUnavailable:
		return "image unavailable"
	case ReasonNoPosts:
		return "no posts"
	default:
		return "unknown"
	}
}

// Result pairs a verdict with the failed check for discards.
type Result struct {
	Verdict Verdict
	Reason  DiscardReason
}

// Denylist is the slice of the failure registry the validator consults.
type Denylist interface {
	Contains(url string) bool
}

// ImageFetcher fetches an image into the local cache.
type ImageFetcher interface {
	Fetch(ctx context.Context, url string) error
}

// PostSource answers whether an identity has published any content.
type PostSource interface {
	HasPosts(ctx context.Context, pubkey string) bool
}

// Validator decides whether a profile candidate has enough validated content
// to present. Checks short-circuit on the first failure, cheapest first.
type Validator struct {
	denylist     Denylist
	fetcher      ImageFetcher
	posts        PostSource
	requirePosts bool

	mu        sync.Mutex
	preloaded map[string]struct{} // image URLs fetched this session
	postsMemo map[string]bool     // per-identity has-posts results
}

func NewValidator(denylist Denylist, fetcher ImageFetcher, posts PostSource, requirePosts bool) *Validator {
	return &Validator{
		denylist:     denylist,
		fetcher:      fetcher,
		posts:        posts,
		requirePosts: requirePosts,
		preloaded:    make(map[string]struct{}),
		postsMemo:    make(map[string]bool),
	}
}

// Validate runs the readiness policy against a candidate.
func (v *Validator) Validate(ctx context.Context, p *models.Profile) Result {
	if !hasUsableName(p) {
		return Result{Verdict: VerdictDiscard, Reason: ReasonNoName}
	}
	if strings.TrimSpace(p.About) == "" {
		return Result{Verdict: VerdictDiscard, Reason: ReasonNoBio}
	}

	hasImage := p.Picture != ""
	if hasImage {
		if !isValidImageURL(p.Picture) {
			return Result{Verdict: VerdictDiscard, Reason: ReasonBadImageURL}
		}
		if v.denylist.Contains(p.Picture) {
			return Result{Verdict: VerdictDiscard, Reason: ReasonImageDenylisted}
		}
	}

	if v.requirePosts && !v.hasPosts(ctx, p.PubKey) {
		return Result{Verdict: VerdictDiscard, Reason: ReasonNoPosts}
	}

	if hasImage && !v.isPreloaded(p.Picture) {
		return Result{Verdict: VerdictNeedsImage}
	}
	return Result{Verdict: VerdictReady}
}

// IsReady reports whether the candidate passes every check, including an
// already-completed image preload.
func (v *Validator) IsReady(ctx context.Context, p *models.Profile) bool {
	return v.Validate(ctx, p).Verdict == VerdictReady
}

// PreloadImage fetches the candidate's image into the local cache and reports
// success. On failure the caller is responsible for recording the URL in the
// failure registry.
func (v *Validator) PreloadImage(ctx context.Context, p *models.Profile) bool {
	if p.Picture == "" {
		return true
	}
	if err := v.fetcher.Fetch(ctx, p.Picture); err != nil {
		return false
	}

	v.mu.Lock()
	v.preloaded[p.Picture] = struct{}{}
	v.mu.Unlock()
	return true
}

func (v *Validator) isPreloaded(url string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.preloaded[url]
	return ok
}

// hasPosts is the most expensive check (a network round trip on a cold
// cache), so its result is memoized per identity.
func (v *Validator) hasPosts(ctx context.Context, pubkey string) bool {
	v.mu.Lock()
	if cached, ok := v.postsMemo[pubkey]; ok {
		v.mu.Unlock()
		return cached
	}
	v.mu.Unlock()

	has := v.posts.HasPosts(ctx, pubkey)

	v.mu.Lock()
	v.postsMemo[pubkey] = has
	v.mu.Unlock()
	return has
}

// hasUsableName checks for a display name worth rendering. A name that is
// merely the identity key itself, hex or npub, does not count.
func hasUsableName(p *models.Profile) bool {
	name := strings.TrimSpace(p.DisplayName)
	if name == "" {
		name = strings.TrimSpace(p.Name)
	}
	if name == "" {
		return false
	}
	if strings.EqualFold(name, p.PubKey) {
		return false
	}
	if npub, err := nip19.EncodePublicKey(p.PubKey); err == nil && name == npub {
		return false
	}
	return true
}

// isValidImageURL accepts only absolute http/https URLs with a host.
func isValidImageURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return u.Host != ""
}

// HTTPImageFetcher fetches images over plain HTTP GET.
type HTTPImageFetcher struct {
	client *http.Client
}

func NewHTTPImageFetcher(timeout time.Duration) *HTTPImageFetcher {
	return &HTTPImageFetcher{
		client: &http.Client{Timeout: timeout},
	}
}

// Fetch downloads the image, succeeding on any 2xx response.
func (f *HTTPImageFetcher) Fetch(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}
	return nil
}

package social

import (
	"context"
	"errors"

	"github.com/nbd-wtf/go-nostr"
)

// ErrNoKey means no signing key is available; publishing is impossible but
// everything read-only keeps working.
var ErrNoKey = errors.New("no signing key available")

// Signer turns unsigned events into signed ones with a deterministic id.
// Key custody lives behind this interface.
type Signer interface {
	PublicKey(ctx context.Context) (string, error)
	Sign(ctx context.Context, ev *nostr.Event) error
}

// KeySigner signs with an in-memory secret key.
type KeySigner struct {
	secretKey string
	publicKey string
}

func NewKeySigner(secretKey string) (*KeySigner, error) {
	if secretKey == "" {
		return nil, ErrNoKey
	}
	publicKey, err := nostr.GetPublicKey(secretKey)
	if err != nil {
		return nil, err
	}
	return &KeySigner{secretKey: secretKey, publicKey: publicKey}, nil
}

func (s *KeySigner) PublicKey(ctx context.Context) (string, error) {
	return s.publicKey, nil
}

func (s *KeySigner) Sign(ctx context.Context, ev *nostr.Event) error {
	return ev.Sign(s.secretKey)
}

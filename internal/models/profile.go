package models

import (
	"encoding/json"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
)

// Profile represents a user's metadata as published in a kind:0 event.
type Profile struct {
	PubKey      string          `json:"pubkey"`
	Name        string          `json:"name"`
	DisplayName string          `json:"display_name"`
	About       string          `json:"about"`
	Picture     string          `json:"picture"`
	NIP05       string          `json:"nip05,omitempty"` // Verification marker, may be empty
	UpdatedAt   nostr.Timestamp `json:"updated_at"`
}

// profileContent mirrors the JSON body of a kind:0 event. Unknown fields are
// ignored; the metadata kind carries plenty of non-standard ones in the wild.
type profileContent struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	About       string `json:"about"`
	Picture     string `json:"picture"`
	NIP05       string `json:"nip05"`
}

// ParseProfile extracts a Profile from a kind:0 metadata event.
func ParseProfile(ev *nostr.Event) (*Profile, error) {
	if ev.Kind != 0 {
		return nil, fmt.Errorf("not a metadata event: kind %d", ev.Kind)
	}

	var content profileContent
	if err := json.Unmarshal([]byte(ev.Content), &content); err != nil {
		return nil, fmt.Errorf("malformed profile content for %s: %w", ev.PubKey, err)
	}

	return &Profile{
		PubKey:      ev.PubKey,
		Name:        content.Name,
		DisplayName: content.DisplayName,
		About:       content.About,
		Picture:     content.Picture,
		NIP05:       content.NIP05,
		UpdatedAt:   ev.CreatedAt,
	}, nil
}

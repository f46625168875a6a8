package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Chardot/nostrface-sub001/config"
	"github.com/Chardot/nostrface-sub001/internal/buffer"
	"github.com/Chardot/nostrface-sub001/internal/cache"
	"github.com/Chardot/nostrface-sub001/internal/discovery"
	"github.com/Chardot/nostrface-sub001/internal/registry"
	"github.com/Chardot/nostrface-sub001/internal/relay"
	"github.com/Chardot/nostrface-sub001/internal/social"
	"github.com/Chardot/nostrface-sub001/internal/store"
	"github.com/Chardot/nostrface-sub001/internal/validate"
)

func main() {
	fmt.Println("nostrface - profile discovery for Nostr")
	fmt.Println("========================================")

	configPath := "config.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("[CONFIG] Failed to load configuration: %v", err)
	}
	if len(cfg.Relays) == 0 {
		log.Fatalf("[CONFIG] No relays configured")
	}

	log.Println("[STORE] Initializing...")
	st, err := store.Open(cfg.Database)
	if err != nil {
		log.Fatalf("[STORE] Failed to initialize: %v", err)
	}
	defer st.Close()

	failures, err := registry.Open(st)
	if err != nil {
		log.Fatalf("[REGISTRY] Failed to load: %v", err)
	}

	coordinator := relay.NewCoordinator(cfg.Relays, cfg.PublishQuorum, relay.Options{
		ConnectTimeout: cfg.ConnectTimeout,
		ReconnectBase:  cfg.Reconnect.BaseDelay,
		ReconnectCap:   cfg.Reconnect.MaxDelay,
		ReconnectMax:   cfg.Reconnect.MaxAttempts,
		Health: relay.HealthPolicy{
			MaxFailures: cfg.Health.MaxFailures,
			BanDuration: cfg.Health.BanDuration,
			ResetAge:    cfg.Health.ResetAge,
		},
	})
	defer coordinator.Close()

	notes := cache.NewNotesService(
		cache.NewNoteCache(cfg.NoteCacheTTL),
		coordinator,
		cfg.NoteTarget,
		cfg.QueryTimeout,
	)

	validator := validate.NewValidator(
		failures,
		validate.NewHTTPImageFetcher(cfg.PreloadTimeout),
		notes,
		cfg.RequirePosts,
	)

	// Interactions stay read-only unless a signing key is provided
	var interact buffer.InteractionFunc
	if secretKey := os.Getenv("NOSTRFACE_SECRET_KEY"); secretKey != "" {
		signer, err := social.NewKeySigner(secretKey)
		if err != nil {
			log.Fatalf("[SOCIAL] Bad signing key: %v", err)
		}
		follows, err := social.Open(signer, coordinator, st, cfg.PublishTimeout)
		if err != nil {
			log.Fatalf("[SOCIAL] Failed to load follows: %v", err)
		}
		interact = follows.HandleInteraction
	} else {
		log.Println("[SOCIAL] No signing key; follow actions disabled")
	}

	supplier := discovery.NewRelaySupplier(coordinator, cfg.QueryTimeout)
	buf := buffer.New(supplier, validator, failures, interact, buffer.Config{
		LowWaterMark: cfg.Buffer.LowWaterMark,
		BatchSize:    cfg.Buffer.BatchSize,
		TargetSize:   cfg.Buffer.TargetSize,
	})
	defer buf.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("[MAIN] Shutting down...")
		cancel()
	}()

	consume(ctx, buf)
	log.Println("[MAIN] Shutdown complete")
}

// consume drains the buffer one profile at a time, the way the UI would.
func consume(ctx context.Context, buf *buffer.Buffer) {
	for {
		profile, err := buf.Next(ctx)
		if err != nil {
			switch {
			case errors.Is(err, buffer.ErrNoneAvailable):
				log.Println("[MAIN] Nothing more available, try refresh later")
				return
			case errors.Is(err, buffer.ErrTryAgainLater):
				log.Println("[MAIN] Profiles temporarily unavailable, backing off")
				select {
				case <-time.After(5 * time.Second):
					continue
				case <-ctx.Done():
					return
				}
			default:
				return
			}
		}

		name := profile.DisplayName
		if name == "" {
			name = profile.Name
		}
		log.Printf("[MAIN] Ready: %s (%s) ready=%d", name, shortID(profile.PubKey), buf.Ready())

		select {
		case <-time.After(2 * time.Second):
		case <-ctx.Done():
			return
		}
	}
}

// shortID truncates a pubkey for logging
func shortID(id string) string {
	if len(id) >= 12 {
		return id[:12]
	}
	return id
}

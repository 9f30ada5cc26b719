package main

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"qline/internal/changefeed"
	"qline/internal/config"
	"qline/internal/events"
	"qline/internal/store/memory"
)

func TestOpenStoreDefaultsToMemory(t *testing.T) {
	cfg := config.Default()
	broker := changefeed.NewBroker(nil)
	st, closeStore, err := openStore(context.Background(), cfg, broker, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer closeStore()
	if _, ok := st.(*memory.Store); !ok {
		t.Fatalf("expected memory store, got %T", st)
	}
}

func TestOpenPublisherWithoutBrokers(t *testing.T) {
	publisher, err := openPublisher(config.Default(), nil)
	if err != nil {
		t.Fatalf("open publisher: %v", err)
	}
	if _, ok := publisher.(events.Noop); !ok {
		t.Fatalf("expected noop publisher, got %T", publisher)
	}
}

func TestRateLimitConfig(t *testing.T) {
	cfg := config.Default()
	cfg.RateLimitPerMinute = 90
	cfg.RateLimitBurst = 12
	cfg.TrustedProxies = []string{"10.0.0.0/8"}
	got := rateLimitConfig(cfg)
	if got.IPPerMinute != 90 || got.UserPerMinute != 90 || got.IPBurst != 12 || got.UserBurst != 12 {
		t.Fatalf("unexpected rate limit config %+v", got)
	}
	if len(got.TrustedProxies) != 1 || got.TrustedProxies[0] != "10.0.0.0/8" {
		t.Fatalf("expected trusted proxies to carry over, got %v", got.TrustedProxies)
	}
}

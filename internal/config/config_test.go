package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "8080" || cfg.StoreDriver != StoreMemory || cfg.ChangeFeed != FeedLocal {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.DefaultServiceMinutes != 15 {
		t.Fatalf("expected 15 default service minutes, got %d", cfg.DefaultServiceMinutes)
	}
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "qline.yaml")
	content := "port: \"7000\"\nlog_level: debug\nkafka_brokers: [\"k1:9092\"]\nrate_limit_burst: 5\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("QLINE_CONFIG", path)
	t.Setenv("PORT", "7100")
	t.Setenv("KAFKA_BROKERS", "a:9092, b:9092")

	cfg, err := Load([]string{"--port", "7200"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "7200" {
		t.Fatalf("expected flag to win, got %s", cfg.Port)
	}
	if cfg.LogLevel != "debug" || cfg.RateLimitBurst != 5 {
		t.Fatalf("expected file values, got %+v", cfg)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "b:9092" {
		t.Fatalf("expected env brokers, got %v", cfg.KafkaBrokers)
	}
}

func TestLoadTrustedProxies(t *testing.T) {
	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.TrustedProxies) != 0 {
		t.Fatalf("expected no trusted proxies by default, got %v", cfg.TrustedProxies)
	}

	t.Setenv("TRUSTED_PROXIES", "10.0.0.0/8, 192.0.2.10")
	cfg, err = Load(nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.TrustedProxies) != 2 || cfg.TrustedProxies[1] != "192.0.2.10" {
		t.Fatalf("expected env proxies, got %v", cfg.TrustedProxies)
	}
}

func TestLoadIgnoresMalformedNumbers(t *testing.T) {
	t.Setenv("RATE_LIMIT_PER_MIN", "lots")
	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RateLimitPerMinute != 120 {
		t.Fatalf("expected fallback 120, got %d", cfg.RateLimitPerMinute)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"postgres without dsn", func(c *Config) { c.StoreDriver = StorePostgres }, false},
		{"postgres with dsn", func(c *Config) { c.StoreDriver = StorePostgres; c.DatabaseURL = "postgres://x" }, true},
		{"unknown store", func(c *Config) { c.StoreDriver = "sqlite" }, false},
		{"postgres feed on memory store", func(c *Config) { c.ChangeFeed = FeedPostgres }, false},
		{"redis feed without url", func(c *Config) { c.ChangeFeed = FeedRedis }, false},
		{"redis feed", func(c *Config) { c.ChangeFeed = FeedRedis; c.RedisURL = "redis://localhost:6379" }, true},
		{"bad timezone", func(c *Config) { c.Timezone = "Mars/Olympus" }, false},
		{"zero service minutes", func(c *Config) { c.DefaultServiceMinutes = 0 }, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.ok && err != nil {
				t.Fatalf("expected valid, got %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestLoadRejectsUnknownFlag(t *testing.T) {
	if _, err := Load([]string{"--nope"}); err == nil {
		t.Fatalf("expected flag error")
	}
}

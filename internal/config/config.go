package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"

	FeedLocal    = "local"
	FeedPostgres = "postgres"
	FeedRedis    = "redis"
)

type Config struct {
	Port                  string   `yaml:"port"`
	StoreDriver           string   `yaml:"store_driver"`
	DatabaseURL           string   `yaml:"db_dsn"`
	ChangeFeed            string   `yaml:"change_feed"`
	RedisURL              string   `yaml:"redis_url"`
	KafkaBrokers          []string `yaml:"kafka_brokers"`
	KafkaTopic            string   `yaml:"kafka_topic"`
	JWTSecret             string   `yaml:"identity_jwt_secret"`
	JWTIssuer             string   `yaml:"identity_issuer"`
	MediaBucket           string   `yaml:"media_bucket"`
	AWSRegion             string   `yaml:"aws_region"`
	MediaLocalDir         string   `yaml:"media_local_dir"`
	MediaBaseURL          string   `yaml:"media_base_url"`
	RateLimitPerMinute    int      `yaml:"rate_limit_per_min"`
	RateLimitBurst        int      `yaml:"rate_limit_burst"`
	LogLevel              string   `yaml:"log_level"`
	LogFormat             string   `yaml:"log_format"`
	DefaultServiceMinutes int      `yaml:"default_service_minutes"`
	Timezone              string   `yaml:"timezone"`
	AllowedOrigins        []string `yaml:"allowed_origins"`
	TrustedProxies        []string `yaml:"trusted_proxies"`
	OTLPEndpoint          string   `yaml:"otlp_endpoint"`
	OTLPInsecure          bool     `yaml:"otlp_insecure"`

	ShutdownTimeout time.Duration `yaml:"-"`
}

func Default() Config {
	return Config{
		Port:                  "8080",
		StoreDriver:           StoreMemory,
		ChangeFeed:            FeedLocal,
		KafkaTopic:            "qline.booking-events",
		AWSRegion:             "us-east-1",
		MediaLocalDir:         "uploads",
		MediaBaseURL:          "/uploads",
		RateLimitPerMinute:    120,
		RateLimitBurst:        30,
		LogLevel:              "info",
		LogFormat:             "json",
		DefaultServiceMinutes: 15,
		Timezone:              "Local",
		OTLPInsecure:          true,
		ShutdownTimeout:       10 * time.Second,
	}
}

// Load builds the configuration from defaults, an optional YAML file, the
// environment (including a .env file) and finally command-line flags.
func Load(args []string) (Config, error) {
	_ = godotenv.Load()

	flags := pflag.NewFlagSet("qline", pflag.ContinueOnError)
	configPath := flags.String("config", os.Getenv("QLINE_CONFIG"), "path to a YAML config file")
	port := flags.String("port", "", "HTTP listen port")
	storeDriver := flags.String("store", "", "booking store: memory or postgres")
	changeFeed := flags.String("change-feed", "", "change feed: local, postgres or redis")
	dsn := flags.String("db-dsn", "", "Postgres connection string")
	logLevel := flags.String("log-level", "", "log level: debug, info, warn, error")
	if err := flags.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := Default()
	if *configPath != "" {
		if err := cfg.loadFile(*configPath); err != nil {
			return Config{}, err
		}
	}
	cfg.applyEnv()

	if flags.Changed("port") {
		cfg.Port = *port
	}
	if flags.Changed("store") {
		cfg.StoreDriver = *storeDriver
	}
	if flags.Changed("change-feed") {
		cfg.ChangeFeed = *changeFeed
	}
	if flags.Changed("db-dsn") {
		cfg.DatabaseURL = *dsn
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = *logLevel
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Port = readString("PORT", c.Port)
	c.StoreDriver = readString("STORE_DRIVER", c.StoreDriver)
	c.DatabaseURL = readString("DB_DSN", c.DatabaseURL)
	c.ChangeFeed = readString("CHANGE_FEED", c.ChangeFeed)
	c.RedisURL = readString("REDIS_URL", c.RedisURL)
	c.KafkaBrokers = readList("KAFKA_BROKERS", c.KafkaBrokers)
	c.KafkaTopic = readString("KAFKA_TOPIC", c.KafkaTopic)
	c.JWTSecret = readString("IDENTITY_JWT_SECRET", c.JWTSecret)
	c.JWTIssuer = readString("IDENTITY_ISSUER", c.JWTIssuer)
	c.MediaBucket = readString("MEDIA_BUCKET", c.MediaBucket)
	c.AWSRegion = readString("AWS_REGION", c.AWSRegion)
	c.MediaLocalDir = readString("MEDIA_LOCAL_DIR", c.MediaLocalDir)
	c.MediaBaseURL = readString("MEDIA_BASE_URL", c.MediaBaseURL)
	c.RateLimitPerMinute = readInt("RATE_LIMIT_PER_MIN", c.RateLimitPerMinute)
	c.RateLimitBurst = readInt("RATE_LIMIT_BURST", c.RateLimitBurst)
	c.LogLevel = readString("LOG_LEVEL", c.LogLevel)
	c.LogFormat = readString("LOG_FORMAT", c.LogFormat)
	c.DefaultServiceMinutes = readInt("DEFAULT_SERVICE_MINUTES", c.DefaultServiceMinutes)
	c.Timezone = readString("TIMEZONE", c.Timezone)
	c.AllowedOrigins = readList("ALLOWED_ORIGINS", c.AllowedOrigins)
	c.TrustedProxies = readList("TRUSTED_PROXIES", c.TrustedProxies)
	c.OTLPEndpoint = readString("OTEL_EXPORTER_OTLP_ENDPOINT", c.OTLPEndpoint)
	c.OTLPInsecure = readBool("OTEL_EXPORTER_OTLP_INSECURE", c.OTLPInsecure)
	c.ShutdownTimeout = readDurationSeconds("SHUTDOWN_TIMEOUT_SECONDS", int(c.ShutdownTimeout/time.Second))
}

func (c Config) Validate() error {
	switch c.StoreDriver {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return errors.New("config: DB_DSN is required for the postgres store")
		}
	default:
		return fmt.Errorf("config: unknown store driver %q", c.StoreDriver)
	}
	switch c.ChangeFeed {
	case FeedLocal:
	case FeedPostgres:
		if c.StoreDriver != StorePostgres {
			return errors.New("config: the postgres change feed requires the postgres store")
		}
	case FeedRedis:
		if c.RedisURL == "" {
			return errors.New("config: REDIS_URL is required for the redis change feed")
		}
	default:
		return fmt.Errorf("config: unknown change feed %q", c.ChangeFeed)
	}
	if c.DefaultServiceMinutes <= 0 {
		return errors.New("config: DEFAULT_SERVICE_MINUTES must be positive")
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("config: timezone: %w", err)
	}
	return nil
}

// Location is the zone whose midnight resets the served-today counter.
func (c Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Timezone)
}

func readString(key, fallback string) string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	return raw
}

func readList(key string, fallback []string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func readDurationSeconds(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func readBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return value
}

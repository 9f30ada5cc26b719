package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"qline/internal/changefeed"
	"qline/internal/config"
	"qline/internal/events"
	"qline/internal/httpapi"
	"qline/internal/identity"
	"qline/internal/live"
	"qline/internal/logger"
	"qline/internal/media"
	"qline/internal/queue"
	"qline/internal/realtime"
	"qline/internal/store"
	"qline/internal/store/memory"
	"qline/internal/store/postgres"
	"qline/internal/telemetry"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const serviceName = "qline"

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	log := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Service: serviceName})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry := telemetry.Setup(serviceName, cfg.OTLPEndpoint, cfg.OTLPInsecure, log.Logger)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()
	metrics := telemetry.NewMetrics()

	loc, err := cfg.Location()
	if err != nil {
		log.Fatal("timezone", logger.Err(err))
	}
	verifier, err := identity.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer)
	if err != nil {
		log.Fatal("identity", logger.Err(err))
	}

	broker := changefeed.NewBroker(log.Logger)
	st, closeStore, err := openStore(ctx, cfg, broker, log.Logger)
	if err != nil {
		log.Fatal("store", logger.Err(err))
	}
	defer closeStore()

	publisher, err := openPublisher(cfg, log.Logger)
	if err != nil {
		log.Fatal("event publisher", logger.Err(err))
	}
	defer func() { _ = publisher.Close() }()

	images, err := media.New(media.Options{
		Bucket:   cfg.MediaBucket,
		Region:   cfg.AWSRegion,
		LocalDir: cfg.MediaLocalDir,
		BaseURL:  cfg.MediaBaseURL,
	})
	if err != nil {
		log.Fatal("media store", logger.Err(err))
	}

	svc := queue.NewService(st, queue.Options{
		Publisher:             publisher,
		Media:                 images,
		DefaultServiceMinutes: cfg.DefaultServiceMinutes,
		Metrics:               metrics,
		Logger:                log.Logger,
	})
	synchronizer := live.NewSynchronizer(st, live.Options{Location: loc, Metrics: metrics, Logger: log.Logger})
	rt := realtime.NewServer(synchronizer, svc, verifier, realtime.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		Metrics:        metrics,
		Logger:         log.Logger,
	})
	handler := httpapi.NewHandler(svc, synchronizer.Views(), httpapi.Options{Logger: log.Logger})

	mux := handler.Routes()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/realtime/", rt.SockJSHandler())
	mux.Handle("/ws", rt.WebSocketHandler())
	if local, ok := images.(*media.LocalStore); ok {
		mux.Handle(local.Prefix()+"/", local.Handler())
	}

	limiter, err := httpapi.NewRateLimiter(rateLimitConfig(cfg))
	if err != nil {
		log.Fatal("rate limiter", logger.Err(err))
	}
	root := httpapi.LoggingMiddleware(log.Logger, metrics, httpapi.AuthMiddleware(verifier, limiter.Middleware(mux)))
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(root, serviceName),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("qline listening", slog.String("addr", server.Addr),
			slog.String("store", cfg.StoreDriver), slog.String("change_feed", cfg.ChangeFeed))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server error", logger.Err(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", logger.Err(err))
	}
}

// openStore builds the booking store and starts whatever relays the
// configured change feed needs. Relays stop when ctx is done.
func openStore(ctx context.Context, cfg config.Config, broker *changefeed.Broker, log *slog.Logger) (store.Store, func(), error) {
	var publisher changefeed.Publisher = broker
	closers := []func(){}
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if cfg.ChangeFeed == config.FeedRedis {
		client, err := changefeed.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, func() { _ = client.Close() })
		relay := changefeed.NewRedisRelay(client, "", broker, log)
		publisher = relay
		go func() {
			if err := relay.Run(ctx); err != nil {
				log.Error("redis change feed", logger.Err(err))
			}
		}()
	}

	if cfg.StoreDriver != config.StorePostgres {
		return memory.NewStore(memory.Options{Broker: broker, Publisher: publisher}), closeAll, nil
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		closeAll()
		return nil, nil, fmt.Errorf("db connect: %w", err)
	}
	closers = append(closers, pool.Close)
	if cfg.ChangeFeed == config.FeedPostgres {
		publisher = changefeed.Discard{}
		go postgres.NewListener(pool, broker, log).Run(ctx)
	}
	return postgres.NewStore(pool, postgres.Options{Broker: broker, Publisher: publisher}), closeAll, nil
}

func openPublisher(cfg config.Config, log *slog.Logger) (events.Publisher, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return events.Noop{}, nil
	}
	publisher, err := events.NewKafkaPublisher(events.KafkaConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic}, log)
	if err != nil {
		return nil, err
	}
	return publisher, nil
}

func rateLimitConfig(cfg config.Config) httpapi.RateLimitConfig {
	return httpapi.RateLimitConfig{
		IPPerMinute:   cfg.RateLimitPerMinute,
		IPBurst:       cfg.RateLimitBurst,
		UserPerMinute: cfg.RateLimitPerMinute,
		UserBurst:     cfg.RateLimitBurst,

		TrustedProxies: cfg.TrustedProxies,
	}
}

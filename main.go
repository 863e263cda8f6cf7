package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"nordic-pulse/internal/observability/metrics"
	"nordic-pulse/internal/telemetry/application/ingest"
	telemetry "nordic-pulse/internal/telemetry/domain"
	telemetrypostgres "nordic-pulse/internal/telemetry/infrastructure/postgres"
	"nordic-pulse/internal/telemetry/infrastructure/valkey"
	telemetryhttp "nordic-pulse/internal/telemetry/interfaces/http"
	mqttsource "nordic-pulse/internal/telemetry/interfaces/mqtt"
)

func main() {
	logger := log.New(os.Stdout, "", log.LstdFlags)

	cfg, err := loadConfig(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		logger.Fatalf("config error: %v", err)
	}
	logger.Printf("starting ingestor: broker=%s namespace=%s batch=%d delay=%s policy=%s",
		cfg.MQTT.Broker, cfg.MQTT.Namespace, cfg.Batch.MaxSize, cfg.Batch.MaxDelay, cfg.Persist.FailurePolicy)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := newPool(ctx, cfg)
	if err != nil {
		logger.Fatalf("db error: %v", err)
	}
	defer pool.Close()
	logger.Printf("connected to store")

	metrics.Init(pool, logger)

	repo := telemetrypostgres.NewBatchRepository(pool, telemetrypostgres.WithTable(cfg.Database.Table))
	policy, _ := ingest.ParseFailurePolicy(cfg.Persist.FailurePolicy)
	persisterOpts := []ingest.PersisterOption{
		ingest.WithFailurePolicy(policy),
		ingest.WithWriteTimeout(cfg.Persist.Timeout),
		ingest.WithRetry(cfg.Persist.RetryAttempts, cfg.Persist.RetryBackoff),
		ingest.WithPersisterLogger(logger),
	}
	if policy == ingest.PolicyDeadLetter {
		persisterOpts = append(persisterOpts, ingest.WithDeadLetterStore(telemetrypostgres.NewDLQStore(pool)))
	}
	var latest *valkey.LatestCache
	if cfg.Valkey.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Valkey.Addr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Printf("valkey unavailable, latest cache updates will fail until it recovers: %v", err)
		}
		latest = valkey.NewLatestCache(rdb, valkey.WithTTL(cfg.Valkey.TTL))
		persisterOpts = append(persisterOpts, ingest.WithLatestCache(latest))
	}
	persister, err := ingest.NewPersister(repo, persisterOpts...)
	if err != nil {
		logger.Fatalf("persister error: %v", err)
	}

	codec, _ := ingest.ParseCodec(cfg.Payload.Codec)
	decoder, err := ingest.NewDecoder(codec)
	if err != nil {
		logger.Fatalf("decoder error: %v", err)
	}

	topic := telemetry.TopicFilter(cfg.MQTT.Namespace)
	subscriber, err := mqttsource.NewSubscriber(mqttsource.Options{
		Broker:        cfg.MQTT.Broker,
		ClientID:      cfg.MQTT.ClientID,
		Topic:         topic,
		QoS:           byte(cfg.MQTT.QoS),
		KeepAlive:     cfg.MQTT.KeepAlive,
		Buffer:        cfg.MQTT.Buffer,
		RetryInterval: cfg.ReconnectBackoff,
	}, logger)
	if err != nil {
		logger.Fatalf("mqtt error: %v", err)
	}
	defer subscriber.Close()

	scheduler, err := ingest.NewScheduler(subscriber, decoder, persister,
		ingest.WithMaxBatchSize(cfg.Batch.MaxSize),
		ingest.WithMaxDelay(cfg.Batch.MaxDelay),
		ingest.WithTick(cfg.Batch.Tick),
		ingest.WithReconnectBackoff(cfg.ReconnectBackoff),
		ingest.WithDrainTimeout(cfg.Persist.Timeout),
		ingest.WithLogger(logger),
	)
	if err != nil {
		logger.Fatalf("scheduler error: %v", err)
	}

	if err := subscriber.Start(ctx); err != nil {
		logger.Fatalf("mqtt start error: %v", err)
	}
	logger.Printf("subscribing to %s", topic)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", telemetryhttp.NewHealthHandler(scheduler))
	if latest != nil {
		latestHandler, err := telemetryhttp.NewLatestHandler(latest, logger)
		if err != nil {
			logger.Fatalf("http error: %v", err)
		}
		mux.Handle("/api/v1/devices/latest", latestHandler)
	}
	server := &http.Server{Addr: cfg.HTTPAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		err := scheduler.Run(gctx)
		logger.Printf("ingest loop stopped: state=%s", scheduler.State())
		return err
	})
	group.Go(func() error {
		logger.Printf("http listening on %s", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		logger.Printf("shutdown with error: %v", err)
	}
	logger.Printf("ingestor stopped")
}

func loadConfig(args []string) (ingest.Config, error) {
	flagSet := pflag.NewFlagSet("ingestor", pflag.ContinueOnError)
	configPath := flagSet.String("config", "", "path to yaml config (default: $INGEST_CONFIG)")
	broker := flagSet.String("broker", "", "mqtt broker url, e.g. tcp://localhost:1883")
	namespace := flagSet.String("namespace", "", "topic namespace")
	batchSize := flagSet.Int("batch-size", 0, "flush when this many records are open")
	maxDelay := flagSet.Duration("max-delay", 0, "flush when the open batch is this old")
	policy := flagSet.String("failure-policy", "", "drop, retry or deadletter")
	httpAddr := flagSet.String("http-addr", "", "listen address for /metrics and /healthz")
	if err := flagSet.Parse(args); err != nil {
		return ingest.Config{}, err
	}

	cfg, err := ingest.LoadConfig(*configPath)
	if err != nil {
		return cfg, err
	}
	if flagSet.Changed("broker") {
		cfg.MQTT.Broker = *broker
	}
	if flagSet.Changed("namespace") {
		cfg.MQTT.Namespace = *namespace
	}
	if flagSet.Changed("batch-size") {
		cfg.Batch.MaxSize = *batchSize
	}
	if flagSet.Changed("max-delay") {
		cfg.Batch.MaxDelay = *maxDelay
	}
	if flagSet.Changed("failure-policy") {
		cfg.Persist.FailurePolicy = *policy
	}
	if flagSet.Changed("http-addr") {
		cfg.HTTPAddr = *httpAddr
	}
	return cfg, cfg.Validate()
}

func newPool(ctx context.Context, cfg ingest.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.Database.MaxConns)
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}

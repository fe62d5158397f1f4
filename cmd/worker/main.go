package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/forseti-judge/worker/internal/config"
	"github.com/forseti-judge/worker/internal/docker"
	"github.com/forseti-judge/worker/internal/kafka"
	"github.com/forseti-judge/worker/internal/logger"
	"github.com/forseti-judge/worker/internal/pipeline"
	"github.com/forseti-judge/worker/internal/rabbitmq"
	"github.com/forseti-judge/worker/internal/rabbitmq/consumer"
	"github.com/forseti-judge/worker/internal/rabbitmq/responder"
	"github.com/forseti-judge/worker/internal/recorder"
	"github.com/forseti-judge/worker/internal/sandbox"
	"github.com/forseti-judge/worker/internal/scheduler"
	"github.com/forseti-judge/worker/internal/stages/compiler"
	"github.com/forseti-judge/worker/internal/stages/executor"
	"github.com/forseti-judge/worker/internal/stages/packager"
	"github.com/forseti-judge/worker/internal/stages/verifier"
	"github.com/forseti-judge/worker/internal/storage"
	"github.com/forseti-judge/worker/pkg/constants"
	"github.com/forseti-judge/worker/pkg/languages"
)

func main() {
	logger := logger.NewNamedLogger("main")
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.NewConfig()

	dockerClient, err := docker.NewDockerClient()
	if err != nil {
		logger.Fatalf("Failed to initialize Docker client: %s", err)
	}
	provider := sandbox.NewDockerProvider(dockerClient, sandbox.Options{
		PidsLimit: cfg.Sandbox.PidsLimit,
		NanoCPUs:  cfg.Sandbox.NanoCPUs,
	})

	store := newAttachmentStore(logger, cfg.Storage)
	cache := storage.NewFileCache(cfg.Storage.CacheDir)
	if err := cache.InitCache(); err != nil {
		logger.Fatalf("Failed to initialize cache: %s", err)
	}
	testStore := storage.NewCachedStore(store, cache)

	registry := languages.NewRegistry(cfg.Sandbox.ImagePrefix)
	runner := pipeline.NewRunner(
		packager.NewPackager(store, testStore, cfg.Sandbox.TmpDir),
		provider,
		registry,
		compiler.NewCompiler(time.Duration(cfg.Sandbox.CompileTimeLimitMs)*time.Millisecond),
		executor.NewExecutor(),
		verifier.NewVerifier(),
	)

	conn := rabbitmq.NewRabbitMqConnection(cfg)
	defer func() {
		if err := conn.Close(); err != nil {
			logger.Errorf("Failed to close RabbitMQ connection: %s", err)
		}
	}()

	consumeChannel := rabbitmq.NewRabbitMQChannel(conn)
	resp := responder.NewResponder(rabbitmq.NewRabbitMQChannel(conn), cfg.PublishChanSize)

	rec, closeRecorder := newRecorder(logger, cfg.Recorder, resp)
	defer closeRecorder()

	// In-flight submissions are drained on shutdown, not cancelled.
	sched := scheduler.NewScheduler(
		context.WithoutCancel(ctx),
		cfg.MaxWorkers,
		runner,
		store,
		cfg.Storage.DefaultBucket,
		rec,
		resp,
	)

	metricsServer := serveMetrics(logger, cfg.MetricsAddr)

	cons := consumer.NewConsumer(consumeChannel, cfg.ConsumeQueueName, cfg.ResponseQueueName, sched, resp, registry)
	listenDone := make(chan struct{})
	go func() {
		defer close(listenDone)
		cons.Listen()
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown requested")
	case <-listenDone:
		logger.Warn("Consumer stopped")
	}

	if err := consumeChannel.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		logger.Errorf("Failed to close consume channel: %s", err)
	}
	logger.Info("Waiting for in-flight submissions")
	sched.Wait()

	if err := resp.Close(); err != nil {
		logger.Errorf("Failed to close responder: %s", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.SandboxCleanupTimeoutSec*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Failed to stop metrics server: %s", err)
	}

	logger.Info("Worker stopped")
}

func newAttachmentStore(logger *zap.SugaredLogger, cfg config.StorageConfig) storage.AttachmentStore {
	switch cfg.Backend {
	case constants.StorageBackendMinio:
		store, err := storage.NewMinioStore(storage.MinioConfig{
			Endpoint:      cfg.Minio.Endpoint,
			AccessKey:     cfg.Minio.AccessKey,
			SecretKey:     cfg.Minio.SecretKey,
			UseSSL:        cfg.Minio.UseSSL,
			DefaultBucket: cfg.DefaultBucket,
		})
		if err != nil {
			logger.Fatalf("Failed to initialize MinIO store: %s", err)
		}
		return store
	default:
		return storage.NewFileService(cfg.BaseURL, cfg.DefaultBucket)
	}
}

// newRecorder builds the configured backend and wraps it with the dedup guard
// when Redis is configured. The returned func releases backend connections.
func newRecorder(
	logger *zap.SugaredLogger,
	cfg config.RecorderConfig,
	resp responder.Responder,
) (recorder.Recorder, func()) {
	var (
		rec     recorder.Recorder
		closers []func() error
	)

	switch cfg.Backend {
	case constants.RecorderBackendKafka:
		producer, err := kafka.NewSyncProducer(cfg.KafkaBrokers)
		if err != nil {
			logger.Fatalf("Failed to initialize Kafka producer: %s", err)
		}
		closers = append(closers, producer.Close)
		rec = recorder.NewKafkaRecorder(producer, cfg.KafkaTopic)
	default:
		rec = recorder.NewAMQPRecorder(resp)
	}

	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPass,
			DB:       cfg.RedisDB,
		})
		closers = append(closers, client.Close)
		rec = recorder.NewDedupRecorder(rec, client, cfg.DedupTTL)
		logger.Infof("Execution dedup enabled on %s", cfg.RedisAddr)
	}

	return rec, func() {
		for _, c := range closers {
			if err := c(); err != nil {
				logger.Errorf("Failed to close recorder backend: %s", err)
			}
		}
	}
}

func serveMetrics(logger *zap.SugaredLogger, addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Infof("Serving metrics on %s", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("Metrics server failed: %s", err)
		}
	}()
	return server
}

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/forseti-judge/worker/internal/logger"
	"github.com/forseti-judge/worker/pkg/constants"
)

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

type StorageConfig struct {
	Backend       string
	BaseURL       string
	DefaultBucket string
	CacheDir      string
	Minio         MinioConfig
}

type SandboxConfig struct {
	ImagePrefix        string
	PidsLimit          int64
	NanoCPUs           int64
	CompileTimeLimitMs int64
	TmpDir             string
}

type RecorderConfig struct {
	Backend      string
	KafkaBrokers []string
	KafkaTopic   string
	RedisAddr    string
	RedisPass    string
	RedisDB      int
	DedupTTL     time.Duration
}

type Config struct {
	RabbitMQURL       string
	PublishChanSize   int
	ConsumeQueueName  string
	ResponseQueueName string
	MaxWorkers        int
	MetricsAddr       string
	Storage           StorageConfig
	Sandbox           SandboxConfig
	Recorder          RecorderConfig
}

func NewConfig() *Config {
	logger := logger.NewNamedLogger("config")

	_, err := os.Stat(".env")
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Fatalf("failed to stat .env file with error: %v", err)
		}
	} else {
		if os.Getenv("ENV") == "PROD" {
			logger.Warn(".env file detected in production environment. This is not recommended.")
		}
		if err := godotenv.Load(".env"); err != nil {
			logger.Fatalf("failed to load .env file with error: %v", err)
		}
	}

	rabbitmqURL, publishChanSize := rabbitmqConfig(logger)
	workerQueueName, responseQueueName, maxWorkers := workerConfig(logger)

	return &Config{
		RabbitMQURL:       rabbitmqURL,
		PublishChanSize:   publishChanSize,
		ConsumeQueueName:  workerQueueName,
		ResponseQueueName: responseQueueName,
		MaxWorkers:        maxWorkers,
		MetricsAddr:       envString(logger, "METRICS_ADDR", constants.DefaultMetricsAddr),
		Storage:           storageConfig(logger),
		Sandbox:           sandboxConfig(logger),
		Recorder:          recorderConfig(logger),
	}
}

func envString(logger *zap.SugaredLogger, key, def string) string {
	value := os.Getenv(key)
	if value == "" {
		logger.Warnf("%s is not set, using default value %s", key, def)
		return def
	}
	return value
}

func envInt(logger *zap.SugaredLogger, key string, def int64) int64 {
	raw := os.Getenv(key)
	if raw == "" {
		logger.Warnf("%s is not set, using default value %d", key, def)
		return def
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		logger.Fatalf("failed to parse %s with error: %v", key, err)
	}
	return value
}

func rabbitmqConfig(logger *zap.SugaredLogger) (string, int) {
	host := envString(logger, "RABBITMQ_HOST", constants.DefaultRabbitmqHost)
	portStr := envString(logger, "RABBITMQ_PORT", constants.DefaultRabbitmqPort)
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		logger.Fatalf("failed to parse RABBITMQ_PORT with error: %v", err)
	}
	user := envString(logger, "RABBITMQ_USER", constants.DefaultRabbitmqUser)
	password := envString(logger, "RABBITMQ_PASSWORD", constants.DefaultRabbitmqPassword)
	publishChanSize := envInt(logger, "RABBITMQ_PUBLISH_CHAN_SIZE", constants.DefaultRabbitmqPublishChanSize)

	rabbitmqURL := fmt.Sprintf("amqp://%s:%s@%s:%d/", user, password, host, port)

	return rabbitmqURL, int(publishChanSize)
}

func workerConfig(logger *zap.SugaredLogger) (string, string, int) {
	workerQueueName := envString(logger, "WORKER_QUEUE_NAME", constants.DefaultWorkerQueueName)
	responseQueueName := envString(logger, "RESPONSE_QUEUE_NAME", constants.DefaultResponseQueueName)
	maxWorkers := envInt(logger, "MAX_WORKERS", constants.DefaultMaxWorkers)
	if maxWorkers <= 0 {
		logger.Fatalf("MAX_WORKERS must be positive, got %d", maxWorkers)
	}

	return workerQueueName, responseQueueName, int(maxWorkers)
}

func storageConfig(logger *zap.SugaredLogger) StorageConfig {
	backend := strings.ToLower(envString(logger, "STORAGE_BACKEND", constants.DefaultStorageBackend))
	if backend != constants.StorageBackendHTTP && backend != constants.StorageBackendMinio {
		logger.Fatalf("unsupported STORAGE_BACKEND %q", backend)
	}

	cfg := StorageConfig{
		Backend:       backend,
		DefaultBucket: envString(logger, "STORAGE_BUCKET", constants.DefaultStorageBucket),
		CacheDir:      envString(logger, "CACHE_DIR", constants.CacheDirPath),
	}

	switch backend {
	case constants.StorageBackendHTTP:
		host := envString(logger, "STORAGE_HOST", constants.DefaultStorageHost)
		portStr := envString(logger, "STORAGE_PORT", constants.DefaultStoragePort)
		port, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			logger.Fatalf("failed to parse STORAGE_PORT with error: %v", err)
		}
		cfg.BaseURL = fmt.Sprintf("http://%s:%d", host, port)
	case constants.StorageBackendMinio:
		useSSL, err := strconv.ParseBool(envString(logger, "MINIO_USE_SSL", "false"))
		if err != nil {
			logger.Fatalf("failed to parse MINIO_USE_SSL with error: %v", err)
		}
		cfg.Minio = MinioConfig{
			Endpoint:  envString(logger, "MINIO_ENDPOINT", constants.DefaultMinioEndpoint),
			AccessKey: os.Getenv("MINIO_ACCESS_KEY"),
			SecretKey: os.Getenv("MINIO_SECRET_KEY"),
			UseSSL:    useSSL,
		}
	}

	return cfg
}

func sandboxConfig(logger *zap.SugaredLogger) SandboxConfig {
	return SandboxConfig{
		ImagePrefix:        os.Getenv("SANDBOX_IMAGE_PREFIX"),
		PidsLimit:          envInt(logger, "SANDBOX_PIDS_LIMIT", constants.DefaultSandboxPidsLimit),
		NanoCPUs:           envInt(logger, "SANDBOX_NANO_CPUS", constants.DefaultSandboxNanoCPUs),
		CompileTimeLimitMs: envInt(logger, "COMPILE_TIME_LIMIT_MS", constants.DefaultCompileTimeLimitMs),
		TmpDir:             envString(logger, "JUDGE_TMP_DIR", constants.TmpDirPath),
	}
}

func recorderConfig(logger *zap.SugaredLogger) RecorderConfig {
	backend := strings.ToLower(envString(logger, "RECORDER_BACKEND", constants.DefaultRecorderBackend))
	if backend != constants.RecorderBackendAMQP && backend != constants.RecorderBackendKafka {
		logger.Fatalf("unsupported RECORDER_BACKEND %q", backend)
	}

	cfg := RecorderConfig{
		Backend:   backend,
		RedisAddr: os.Getenv("REDIS_ADDR"),
		RedisPass: os.Getenv("REDIS_PASSWORD"),
		DedupTTL:  time.Duration(envInt(logger, "DEDUP_TTL_HOURS", constants.DefaultDedupTTLHours)) * time.Hour,
	}
	if cfg.RedisAddr != "" {
		cfg.RedisDB = int(envInt(logger, "REDIS_DB", 0))
	}
	if backend == constants.RecorderBackendKafka {
		brokers := envString(logger, "KAFKA_BROKERS", constants.DefaultKafkaBrokers)
		for _, b := range strings.Split(brokers, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
			}
		}
		cfg.KafkaTopic = envString(logger, "KAFKA_TOPIC", constants.DefaultKafkaTopic)
	}

	return cfg
}

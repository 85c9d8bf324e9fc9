package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

type EnvConfig struct {
	Postgres struct {
		HOST     string
		Database string
		Username string
		Password string
		Port     string
	}
	JWT struct {
		SecretKey string
		Algorithm string
		Expire    int
	}
	CORS struct {
		AllowDomains string
		GlobalDomain string
	}
	Redis struct {
		Password  string
		Database  int
		RedisHost string
		RedisPort string
	}
	RabbitMQ struct {
		Host     string
		Port     string
		Username string
		Password string
	}
	BlobStore struct {
		Backend   string // "minio" or "s3"
		Bucket    string
		SignedTTL time.Duration
	}
	Minio struct {
		Endpoint     string
		RootUser     string
		RootPassword string
		UseSSL       bool
	}
	S3 struct {
		Region      string
		EndpointURL string // R2 / custom endpoint, empty for AWS
		AccessKey   string
		SecretKey   string
	}
	ModelCache struct {
		Root         string
		MaxSizeBytes uint64
		MinFreeBytes uint64
	}
	Trainer struct {
		Mode       string // "subprocess" or "simulated"
		Python     string
		ScriptPath string
		WorkDir    string
		OutputRoot string
	}
	Generator struct {
		Mode       string // "pipeline" or "simulated"
		ServerURL  string
		OutputRoot string
	}
	Orchestrator struct {
		JobTimeout            time.Duration
		CancelGracePeriod     time.Duration
		CancelPollInterval    time.Duration
		ProgressFlushInterval time.Duration
		ProgressFlushSteps    int
		ProgressTTL           time.Duration
	}
	Stream struct {
		PollInterval time.Duration
	}
	Grafana struct {
		OTLPEndpoint string
		ServiceName  string
	}

	Environment struct {
		Mode  string
		Group string
	}
	DomainName string
}

func LoadEnvConfig() *EnvConfig {
	var config EnvConfig

	// Postgres
	config.Postgres.HOST = os.Getenv("PGPOOL_HOST")
	config.Postgres.Database = os.Getenv("PGPOOL_DB")
	config.Postgres.Username = os.Getenv("PGPOOL_USER")
	config.Postgres.Password = os.Getenv("PGPOOL_PASSWORD")
	config.Postgres.Port = os.Getenv("PGPOOL_PORT")

	// JWT
	config.JWT.SecretKey = os.Getenv("JWT_SECRET_KEY")
	config.JWT.Algorithm = os.Getenv("JWT_ALGORITHM")

	if val := os.Getenv("JWT_EXPIRE"); val != "" {
		fmt.Sscanf(val, "%d", &config.JWT.Expire)
	} else {
		config.JWT.Expire = 3600 * 24 * 7
	}

	config.CORS.AllowDomains = os.Getenv("ALLOWED_DOMAINS")
	config.CORS.GlobalDomain = os.Getenv("GLOBAL_DOMAIN")

	config.Redis.Password = os.Getenv("REDIS_PASSWORD")
	config.Redis.Database, _ = strconv.Atoi(os.Getenv("REDIS_DB"))
	config.Redis.RedisHost = getEnv("REDIS_HOST", "localhost")
	config.Redis.RedisPort = getEnv("REDIS_PORT", "6379")

	// RabbitMQ
	config.RabbitMQ.Host = getEnv("RABBITMQ_HOST", "localhost")
	config.RabbitMQ.Port = getEnv("RABBITMQ_PORT", "5672")
	config.RabbitMQ.Username = getEnv("RABBITMQ_USER", "guest")
	config.RabbitMQ.Password = getEnv("RABBITMQ_PASSWORD", "guest")

	// Blob store
	config.BlobStore.Backend = strings.ToLower(getEnv("BLOB_BACKEND", "minio"))
	config.BlobStore.Bucket = getEnv("BLOB_BUCKET", "forge-models")
	config.BlobStore.SignedTTL = getDuration("BLOB_SIGNED_URL_TTL", time.Hour)

	config.Minio.Endpoint = os.Getenv("MINIO_ENDPOINT")
	config.Minio.RootUser = os.Getenv("MINIO_ROOT_USER")
	config.Minio.RootPassword = os.Getenv("MINIO_ROOT_PASSWORD")
	config.Minio.UseSSL = getEnv("MINIO_USE_SSL", "false") == "true"

	config.S3.Region = getEnv("S3_REGION", "us-east-1")
	config.S3.EndpointURL = os.Getenv("S3_ENDPOINT_URL")
	config.S3.AccessKey = os.Getenv("AWS_ACCESS_KEY_ID")
	config.S3.SecretKey = os.Getenv("AWS_SECRET_ACCESS_KEY")

	// Model cache
	config.ModelCache.Root = getEnv("MODEL_CACHE_ROOT", "/tmp/forge/model_cache")
	config.ModelCache.MaxSizeBytes = getBytes("MODEL_CACHE_MAX_SIZE", 50*humanize.GByte)
	config.ModelCache.MinFreeBytes = getBytes("MODEL_CACHE_MIN_FREE", 5*humanize.GByte)

	// Trainer
	config.Trainer.Mode = getEnv("TRAINER_MODE", "subprocess")
	config.Trainer.Python = getEnv("TRAINER_PYTHON", "python")
	config.Trainer.ScriptPath = getEnv("TRAINER_SCRIPT", "/content/SimpleTuner/simpletuner_sdk/train.py")
	config.Trainer.WorkDir = getEnv("TRAINER_WORKDIR", "/content/SimpleTuner")
	config.Trainer.OutputRoot = getEnv("TRAINER_OUTPUT_ROOT", "/tmp/forge/training")

	// Generator
	config.Generator.Mode = getEnv("GENERATOR_MODE", "pipeline")
	config.Generator.ServerURL = getEnv("GENERATOR_SERVER_URL", "http://localhost:7860")
	config.Generator.OutputRoot = getEnv("GENERATOR_OUTPUT_ROOT", "/tmp/forge/generated")

	// Orchestrator
	config.Orchestrator.JobTimeout = getDuration("JOB_TIMEOUT", 4*time.Hour)
	config.Orchestrator.CancelGracePeriod = getDuration("JOB_CANCEL_GRACE", 30*time.Second)
	config.Orchestrator.CancelPollInterval = getDuration("JOB_CANCEL_POLL", 2*time.Second)
	config.Orchestrator.ProgressFlushInterval = getDuration("PROGRESS_FLUSH_INTERVAL", time.Second)
	config.Orchestrator.ProgressFlushSteps, _ = strconv.Atoi(getEnv("PROGRESS_FLUSH_STEPS", "50"))
	config.Orchestrator.ProgressTTL = getDuration("PROGRESS_TTL", time.Hour)

	config.Stream.PollInterval = getDuration("STREAM_POLL_INTERVAL", time.Second)

	// Grafana/OpenTelemetry
	grafanaEndpoint := os.Getenv("GRAFANA_OTLP_ENDPOINT")
	// Remove protocol for OpenTelemetry client to avoid duplicate protocols
	if strings.HasPrefix(grafanaEndpoint, "https://") {
		config.Grafana.OTLPEndpoint = strings.TrimPrefix(grafanaEndpoint, "https://")
	} else if strings.HasPrefix(grafanaEndpoint, "http://") {
		config.Grafana.OTLPEndpoint = strings.TrimPrefix(grafanaEndpoint, "http://")
	} else {
		config.Grafana.OTLPEndpoint = grafanaEndpoint
	}
	config.Grafana.ServiceName = getEnv("SERVICE_NAME", "gau-forge")

	config.Environment.Mode = getEnv("DEPLOY_ENV", "development")
	config.Environment.Group = getEnv("GROUP_NAME", "local")

	config.DomainName = getEnv("DOMAIN_NAME", "localhost:8080")

	return &config
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

// getBytes accepts human sizes such as "10GB" or "512 MiB".
func getBytes(key string, defaultVal uint64) uint64 {
	if val := os.Getenv(key); val != "" {
		if n, err := humanize.ParseBytes(val); err == nil {
			return n
		}
	}
	return defaultVal
}

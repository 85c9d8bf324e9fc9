package config

import (
	"testing"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/stretchr/testify/assert"
)

func TestLoadEnvConfigDefaults(t *testing.T) {
	for _, key := range []string{"BLOB_BACKEND", "MODEL_CACHE_MAX_SIZE", "JOB_TIMEOUT", "PROGRESS_FLUSH_STEPS", "GRAFANA_OTLP_ENDPOINT"} {
		t.Setenv(key, "")
	}

	cfg := LoadEnvConfig()

	assert.Equal(t, "minio", cfg.BlobStore.Backend)
	assert.Equal(t, uint64(50*humanize.GByte), cfg.ModelCache.MaxSizeBytes)
	assert.Equal(t, uint64(5*humanize.GByte), cfg.ModelCache.MinFreeBytes)
	assert.Equal(t, 4*time.Hour, cfg.Orchestrator.JobTimeout)
	assert.Equal(t, 30*time.Second, cfg.Orchestrator.CancelGracePeriod)
	assert.Equal(t, 50, cfg.Orchestrator.ProgressFlushSteps)
	assert.Equal(t, time.Hour, cfg.Orchestrator.ProgressTTL)
	assert.Equal(t, time.Second, cfg.Stream.PollInterval)
	assert.Equal(t, "subprocess", cfg.Trainer.Mode)
	assert.Equal(t, "pipeline", cfg.Generator.Mode)
}

func TestLoadEnvConfigOverrides(t *testing.T) {
	t.Setenv("BLOB_BACKEND", "S3")
	t.Setenv("MODEL_CACHE_MAX_SIZE", "10GB")
	t.Setenv("MODEL_CACHE_MIN_FREE", "512 MiB")
	t.Setenv("JOB_TIMEOUT", "90m")
	t.Setenv("JOB_CANCEL_GRACE", "not-a-duration")
	t.Setenv("GRAFANA_OTLP_ENDPOINT", "https://otlp.example.com")

	cfg := LoadEnvConfig()

	assert.Equal(t, "s3", cfg.BlobStore.Backend)
	assert.Equal(t, uint64(10*humanize.GByte), cfg.ModelCache.MaxSizeBytes)
	assert.Equal(t, uint64(512*humanize.MiByte), cfg.ModelCache.MinFreeBytes)
	assert.Equal(t, 90*time.Minute, cfg.Orchestrator.JobTimeout)
	assert.Equal(t, 30*time.Second, cfg.Orchestrator.CancelGracePeriod, "invalid values fall back to the default")
	assert.Equal(t, "otlp.example.com", cfg.Grafana.OTLPEndpoint)
}

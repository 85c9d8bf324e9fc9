package progress

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tnqbao/gau-forge/infra"
)

const cancelTTL = 24 * time.Hour

// CancelRegistry records user cancel intent so a worker process can observe it
// without sharing memory with the API process.
type CancelRegistry interface {
	RequestCancel(ctx context.Context, jobID uuid.UUID) error
	IsCancelRequested(ctx context.Context, jobID uuid.UUID) (bool, error)
	Clear(ctx context.Context, jobID uuid.UUID) error
}

func cancelKey(jobID uuid.UUID) string {
	return fmt.Sprintf("job:%s:cancel", jobID)
}

type RedisCancelRegistry struct {
	redis *infra.RedisClient
}

func NewRedisCancelRegistry(redis *infra.RedisClient) *RedisCancelRegistry {
	return &RedisCancelRegistry{redis: redis}
}

func (r *RedisCancelRegistry) RequestCancel(ctx context.Context, jobID uuid.UUID) error {
	return r.redis.Set(ctx, cancelKey(jobID), time.Now().UTC(), cancelTTL)
}

func (r *RedisCancelRegistry) IsCancelRequested(ctx context.Context, jobID uuid.UUID) (bool, error) {
	return r.redis.Exists(ctx, cancelKey(jobID))
}

func (r *RedisCancelRegistry) Clear(ctx context.Context, jobID uuid.UUID) error {
	return r.redis.Delete(ctx, cancelKey(jobID))
}

// Package progress carries live job progress from workers to observers and cancel
// requests from the API to workers. Both live in Redis with a TTL so nothing needs
// explicit cleanup.
package progress

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tnqbao/gau-forge/entity"
	"github.com/tnqbao/gau-forge/infra"
)

const DefaultTTL = time.Hour

// Snapshot is the latest known state of a job as seen by stream observers
type Snapshot struct {
	JobID         uuid.UUID        `json:"job_id"`
	Kind          entity.JobKind   `json:"kind"`
	Status        entity.JobStatus `json:"status"`
	CurrentStep   int              `json:"current_step"`
	TotalSteps    int              `json:"total_steps"`
	CurrentMetric *float64         `json:"current_metric,omitempty"`
	Percent       int              `json:"percent"`
	Message       string           `json:"message,omitempty"`
	Error         string           `json:"error,omitempty"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// SnapshotOf builds a snapshot from a job record
func SnapshotOf(job *entity.Job, message string) Snapshot {
	s := Snapshot{
		JobID:         job.ID,
		Kind:          job.Kind,
		Status:        job.Status,
		CurrentStep:   job.CurrentStep,
		TotalSteps:    job.TotalSteps,
		CurrentMetric: job.CurrentMetric,
		Percent:       job.Percent,
		Message:       message,
		UpdatedAt:     time.Now().UTC(),
	}
	if job.Error != nil {
		s.Error = *job.Error
	}
	return s
}

// Equal ignores UpdatedAt so that repeated publishes of the same state compare equal
func (s Snapshot) Equal(o Snapshot) bool {
	metricEqual := (s.CurrentMetric == nil && o.CurrentMetric == nil) ||
		(s.CurrentMetric != nil && o.CurrentMetric != nil && *s.CurrentMetric == *o.CurrentMetric)
	return s.JobID == o.JobID && s.Kind == o.Kind && s.Status == o.Status &&
		s.CurrentStep == o.CurrentStep && s.TotalSteps == o.TotalSteps &&
		s.Percent == o.Percent && s.Message == o.Message && s.Error == o.Error && metricEqual
}

// Publisher stores the latest snapshot per job. Read returns nil, nil when no
// snapshot exists or it expired.
type Publisher interface {
	Publish(ctx context.Context, snapshot Snapshot, ttl time.Duration) error
	Read(ctx context.Context, jobID uuid.UUID) (*Snapshot, error)
}

func progressKey(jobID uuid.UUID) string {
	return fmt.Sprintf("job:%s:progress", jobID)
}

type RedisPublisher struct {
	redis *infra.RedisClient
}

func NewRedisPublisher(redis *infra.RedisClient) *RedisPublisher {
	return &RedisPublisher{redis: redis}
}

func (p *RedisPublisher) Publish(ctx context.Context, snapshot Snapshot, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if snapshot.UpdatedAt.IsZero() {
		snapshot.UpdatedAt = time.Now().UTC()
	}
	return p.redis.Set(ctx, progressKey(snapshot.JobID), snapshot, ttl)
}

func (p *RedisPublisher) Read(ctx context.Context, jobID uuid.UUID) (*Snapshot, error) {
	var snapshot Snapshot
	if err := p.redis.Get(ctx, progressKey(jobID), &snapshot); err != nil {
		if errors.Is(err, infra.ErrCacheMiss) {
			return nil, nil
		}
		return nil, err
	}
	return &snapshot, nil
}

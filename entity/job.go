package entity

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// JobKind selects the queue and the adapter used to execute a job
type JobKind string

const (
	JobKindTraining   JobKind = "training"
	JobKindGeneration JobKind = "generation"
)

func (k JobKind) Valid() bool {
	return k == JobKindTraining || k == JobKindGeneration
}

// QueueName is the named queue a job of this kind is dispatched on
func (k JobKind) QueueName() string {
	return string(k)
}

// JobStatus represents the lifecycle state of a job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

var jobTransitions = map[JobStatus][]JobStatus{
	JobStatusPending: {JobStatusRunning, JobStatusCancelled},
	JobStatusRunning: {JobStatusCompleted, JobStatusFailed, JobStatusCancelled},
}

func (s JobStatus) Valid() bool {
	return s == JobStatusPending || s == JobStatusRunning || s.Terminal()
}

// Terminal reports whether no transition leaves this status
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

func (s JobStatus) CanTransition(to JobStatus) bool {
	for _, next := range jobTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Job is a training or generation run tracked through its status lifecycle.
// Config is captured at creation and never mutated; progress, error, result refs
// and status are written only by the orchestrator.
type Job struct {
	ID     uuid.UUID      `json:"id" gorm:"type:uuid;primaryKey"`
	Kind   JobKind        `json:"kind" gorm:"type:varchar(32);not null;index"`
	Status JobStatus      `json:"status" gorm:"type:varchar(32);not null;default:'pending';index"`
	Name   string         `json:"name" gorm:"type:varchar(255)"`
	Config datatypes.JSON `json:"config" gorm:"type:jsonb;not null"`

	// ModelKey is the blob key of the adapter weights a generation job consumes
	ModelKey string `json:"model_key,omitempty" gorm:"type:varchar(1024)"`

	CurrentStep   int      `json:"current_step" gorm:"default:0"`
	TotalSteps    int      `json:"total_steps" gorm:"default:0"`
	CurrentMetric *float64 `json:"current_metric,omitempty"`
	Percent       int      `json:"percent" gorm:"default:0"`

	Error      *string                     `json:"error,omitempty" gorm:"type:text"`
	ResultRefs datatypes.JSONSlice[string] `json:"result_refs" gorm:"type:jsonb"`

	CreatedAt   time.Time  `json:"created_at" gorm:"not null;autoCreateTime"`
	UpdatedAt   time.Time  `json:"updated_at" gorm:"autoUpdateTime"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewJob builds a pending job with a fresh id
func NewJob(kind JobKind, name string, cfg datatypes.JSON) *Job {
	return &Job{
		ID:         uuid.New(),
		Kind:       kind,
		Status:     JobStatusPending,
		Name:       name,
		Config:     cfg,
		ResultRefs: datatypes.JSONSlice[string]{},
		CreatedAt:  time.Now().UTC(),
	}
}

// Snapshot returns the progress fields as a value
func (j *Job) Snapshot() Progress {
	return Progress{
		CurrentStep:   j.CurrentStep,
		TotalSteps:    j.TotalSteps,
		CurrentMetric: j.CurrentMetric,
		Percent:       j.Percent,
	}
}

// Validate checks the record-level invariants
func (j *Job) Validate() error {
	if !j.Kind.Valid() {
		return fmt.Errorf("unknown job kind %q", j.Kind)
	}
	hasRefs := len(j.ResultRefs) > 0
	if hasRefs != (j.Status == JobStatusCompleted) {
		return fmt.Errorf("result_refs present=%v with status %s", hasRefs, j.Status)
	}
	hasErr := j.Error != nil
	if hasErr != (j.Status == JobStatusFailed) {
		return fmt.Errorf("error present=%v with status %s", hasErr, j.Status)
	}
	if j.StartedAt != nil && j.CompletedAt != nil && j.CompletedAt.Before(*j.StartedAt) {
		return fmt.Errorf("completed_at %s before started_at %s", j.CompletedAt, j.StartedAt)
	}
	if j.TotalSteps > 0 && j.CurrentStep > j.TotalSteps {
		return fmt.Errorf("current_step %d exceeds total_steps %d", j.CurrentStep, j.TotalSteps)
	}
	return nil
}

// Progress is the mutable progress portion of a job
type Progress struct {
	CurrentStep   int      `json:"current_step"`
	TotalSteps    int      `json:"total_steps"`
	CurrentMetric *float64 `json:"current_metric,omitempty"`
	Percent       int      `json:"percent"`
}

// NewProgress computes the percentage, clamping step to total when total is known
func NewProgress(step, total int, metric *float64) Progress {
	if total > 0 && step > total {
		step = total
	}
	pct := 0
	if total > 0 {
		pct = step * 100 / total
	}
	return Progress{CurrentStep: step, TotalSteps: total, CurrentMetric: metric, Percent: pct}
}

// JobDescriptor is the only payload placed on a queue
type JobDescriptor struct {
	JobID uuid.UUID `json:"job_id"`
	Kind  JobKind   `json:"kind"`
}

package entity

import (
	"time"

	"gorm.io/datatypes"
)

// JobPatch is a partial update of the orchestrator-owned job fields. Nil fields are
// left untouched.
type JobPatch struct {
	Status      *JobStatus
	Progress    *Progress
	Error       *string
	ResultRefs  []string
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Columns maps the patch onto column names for a gorm Updates call
func (p JobPatch) Columns() map[string]interface{} {
	cols := map[string]interface{}{}
	if p.Status != nil {
		cols["status"] = *p.Status
	}
	if p.Progress != nil {
		cols["current_step"] = p.Progress.CurrentStep
		cols["total_steps"] = p.Progress.TotalSteps
		cols["current_metric"] = p.Progress.CurrentMetric
		cols["percent"] = p.Progress.Percent
	}
	if p.Error != nil {
		cols["error"] = *p.Error
	}
	if p.ResultRefs != nil {
		cols["result_refs"] = datatypes.JSONSlice[string](p.ResultRefs)
	}
	if p.StartedAt != nil {
		cols["started_at"] = *p.StartedAt
	}
	if p.CompletedAt != nil {
		cols["completed_at"] = *p.CompletedAt
	}
	return cols
}

// Apply writes the patch onto an in-memory job
func (p JobPatch) Apply(j *Job) {
	if p.Status != nil {
		j.Status = *p.Status
	}
	if p.Progress != nil {
		j.CurrentStep = p.Progress.CurrentStep
		j.TotalSteps = p.Progress.TotalSteps
		j.CurrentMetric = p.Progress.CurrentMetric
		j.Percent = p.Progress.Percent
	}
	if p.Error != nil {
		msg := *p.Error
		j.Error = &msg
	}
	if p.ResultRefs != nil {
		j.ResultRefs = append(datatypes.JSONSlice[string]{}, p.ResultRefs...)
	}
	if p.StartedAt != nil {
		t := *p.StartedAt
		j.StartedAt = &t
	}
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		j.CompletedAt = &t
	}
	j.UpdatedAt = time.Now().UTC()
}

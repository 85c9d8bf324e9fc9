package dto

import (
	"encoding/json"

	"github.com/tnqbao/gau-forge/entity"
)

// CreateJobRequestDTO carries the kind specific config verbatim; it is validated
// by the trainer or generator package before the job is stored
type CreateJobRequestDTO struct {
	Name   string          `json:"name" binding:"max=255"`
	Config json.RawMessage `json:"config" binding:"required"`
}

type CreateJobResponseDTO struct {
	JobID  string           `json:"job_id"`
	Kind   entity.JobKind   `json:"kind"`
	Status entity.JobStatus `json:"status"`
}

type ListJobsQueryDTO struct {
	Status string `form:"status"`
	Kind   string `form:"kind"`
	Limit  int    `form:"limit" binding:"omitempty,min=1,max=200"`
	Offset int    `form:"offset" binding:"omitempty,min=0"`
}

type ResultDTO struct {
	Key string `json:"key"`
	URL string `json:"url"`
}

type JobResultsResponseDTO struct {
	JobID   string        `json:"job_id"`
	Results []ResultDTO   `json:"results"`
	Model   *entity.Model `json:"model,omitempty"`
	Expires string        `json:"expires_at"`
}

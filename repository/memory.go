package repository

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/tnqbao/gau-forge/entity"
	"github.com/tnqbao/gau-forge/errs"
	"gorm.io/datatypes"
)

// MemoryJobRepository keeps jobs in a map. Reads return copies so callers never
// share state with the store.
type MemoryJobRepository struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*entity.Job

	// History records every status written per job, in order
	History map[uuid.UUID][]entity.JobStatus
}

func NewMemoryJobRepository() *MemoryJobRepository {
	return &MemoryJobRepository{
		jobs:    make(map[uuid.UUID]*entity.Job),
		History: make(map[uuid.UUID][]entity.JobStatus),
	}
}

func cloneJob(j *entity.Job) *entity.Job {
	c := *j
	c.ResultRefs = append(datatypes.JSONSlice[string]{}, j.ResultRefs...)
	if j.Error != nil {
		msg := *j.Error
		c.Error = &msg
	}
	if j.CurrentMetric != nil {
		m := *j.CurrentMetric
		c.CurrentMetric = &m
	}
	return &c
}

func (r *MemoryJobRepository) Create(job *entity.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[job.ID]; ok {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	r.jobs[job.ID] = cloneJob(job)
	r.History[job.ID] = []entity.JobStatus{job.Status}
	return nil
}

func (r *MemoryJobRepository) FindByID(id uuid.UUID) (*entity.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, errs.ErrNotFound)
	}
	return cloneJob(job), nil
}

func (r *MemoryJobRepository) Update(id uuid.UUID, patch entity.JobPatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, errs.ErrNotFound)
	}
	patch.Apply(job)
	if patch.Status != nil {
		r.History[id] = append(r.History[id], *patch.Status)
	}
	return nil
}

func (r *MemoryJobRepository) TransitionStatus(id uuid.UUID, from, to entity.JobStatus, patch entity.JobPatch) (bool, error) {
	if !from.CanTransition(to) {
		return false, fmt.Errorf("illegal transition %s -> %s", from, to)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok || job.Status != from {
		return false, nil
	}
	patch.Status = &to
	patch.Apply(job)
	r.History[id] = append(r.History[id], to)
	return true, nil
}

func (r *MemoryJobRepository) List(filter JobFilter) ([]entity.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]entity.Job, 0, len(r.jobs))
	for _, job := range r.jobs {
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if filter.Kind != "" && job.Kind != filter.Kind {
			continue
		}
		out = append(out, *cloneJob(job))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return []entity.Job{}, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *MemoryJobRepository) ListByStatus(status entity.JobStatus) ([]entity.Job, error) {
	jobs, err := r.List(JobFilter{Status: status})
	if err != nil {
		return nil, err
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })
	return jobs, nil
}

// StatusHistory returns a copy of the statuses written for a job
func (r *MemoryJobRepository) StatusHistory(id uuid.UUID) []entity.JobStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]entity.JobStatus(nil), r.History[id]...)
}

type MemoryModelRepository struct {
	mu     sync.Mutex
	models []entity.Model
}

func NewMemoryModelRepository() *MemoryModelRepository {
	return &MemoryModelRepository{}
}

func (r *MemoryModelRepository) Create(model *entity.Model) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.models {
		if m.JobID == model.JobID {
			return fmt.Errorf("model for job %s already exists", model.JobID)
		}
	}
	r.models = append(r.models, *model)
	return nil
}

func (r *MemoryModelRepository) FindByID(id uuid.UUID) (*entity.Model, error) {
	return r.find(func(m entity.Model) bool { return m.ID == id })
}

func (r *MemoryModelRepository) FindByJobID(jobID uuid.UUID) (*entity.Model, error) {
	return r.find(func(m entity.Model) bool { return m.JobID == jobID })
}

func (r *MemoryModelRepository) find(match func(entity.Model) bool) (*entity.Model, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.models {
		if match(m) {
			found := m
			return &found, nil
		}
	}
	return nil, fmt.Errorf("model: %w", errs.ErrNotFound)
}

func (r *MemoryModelRepository) List(limit, offset int) ([]entity.Model, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]entity.Model(nil), r.models...)
	if offset >= len(out) {
		return []entity.Model{}, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

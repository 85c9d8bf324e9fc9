package repository

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/tnqbao/gau-forge/entity"
	"github.com/tnqbao/gau-forge/errs"
	"gorm.io/gorm"
)

// JobStore is the record store for jobs. JobRepository is the Postgres
// implementation, MemoryJobRepository backs tests and local runs.
type JobStore interface {
	Create(job *entity.Job) error
	FindByID(id uuid.UUID) (*entity.Job, error)
	Update(id uuid.UUID, patch entity.JobPatch) error
	// TransitionStatus applies patch and moves the job from one status to another
	// only if it is still in from. It reports whether the row changed.
	TransitionStatus(id uuid.UUID, from, to entity.JobStatus, patch entity.JobPatch) (bool, error)
	List(filter JobFilter) ([]entity.Job, error)
	ListByStatus(status entity.JobStatus) ([]entity.Job, error)
}

type JobFilter struct {
	Status entity.JobStatus
	Kind   entity.JobKind
	Limit  int
	Offset int
}

type JobRepository struct {
	db *gorm.DB
}

func NewJobRepository(db *gorm.DB) *JobRepository {
	return &JobRepository{db: db}
}

func (r *JobRepository) Create(job *entity.Job) error {
	return r.db.Create(job).Error
}

func (r *JobRepository) FindByID(id uuid.UUID) (*entity.Job, error) {
	var job entity.Job
	err := r.db.Where("id = ?", id).First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("job %s: %w", id, errs.ErrNotFound)
		}
		return nil, err
	}
	return &job, nil
}

func (r *JobRepository) Update(id uuid.UUID, patch entity.JobPatch) error {
	cols := patch.Columns()
	if len(cols) == 0 {
		return nil
	}
	result := r.db.Model(&entity.Job{}).Where("id = ?", id).Updates(cols)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("job %s: %w", id, errs.ErrNotFound)
	}
	return nil
}

func (r *JobRepository) TransitionStatus(id uuid.UUID, from, to entity.JobStatus, patch entity.JobPatch) (bool, error) {
	if !from.CanTransition(to) {
		return false, fmt.Errorf("illegal transition %s -> %s", from, to)
	}
	patch.Status = &to
	result := r.db.Model(&entity.Job{}).
		Where("id = ? AND status = ?", id, from).
		Updates(patch.Columns())
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *JobRepository) List(filter JobFilter) ([]entity.Job, error) {
	var jobs []entity.Job
	query := r.db.Model(&entity.Job{})
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Kind != "" {
		query = query.Where("kind = ?", filter.Kind)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}
	if err := query.Order("created_at DESC").Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

func (r *JobRepository) ListByStatus(status entity.JobStatus) ([]entity.Job, error) {
	var jobs []entity.Job
	err := r.db.Where("status = ?", status).Order("created_at ASC").Find(&jobs).Error
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

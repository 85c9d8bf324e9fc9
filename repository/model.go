package repository

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/tnqbao/gau-forge/entity"
	"github.com/tnqbao/gau-forge/errs"
	"gorm.io/gorm"
)

type ModelStore interface {
	Create(model *entity.Model) error
	FindByID(id uuid.UUID) (*entity.Model, error)
	FindByJobID(jobID uuid.UUID) (*entity.Model, error)
	List(limit, offset int) ([]entity.Model, error)
}

type ModelRepository struct {
	db *gorm.DB
}

func NewModelRepository(db *gorm.DB) *ModelRepository {
	return &ModelRepository{db: db}
}

func (r *ModelRepository) Create(model *entity.Model) error {
	return r.db.Create(model).Error
}

func (r *ModelRepository) FindByID(id uuid.UUID) (*entity.Model, error) {
	return r.findOne("id = ?", id)
}

func (r *ModelRepository) FindByJobID(jobID uuid.UUID) (*entity.Model, error) {
	return r.findOne("job_id = ?", jobID)
}

func (r *ModelRepository) findOne(query string, arg interface{}) (*entity.Model, error) {
	var model entity.Model
	err := r.db.Where(query, arg).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("model: %w", errs.ErrNotFound)
		}
		return nil, err
	}
	return &model, nil
}

func (r *ModelRepository) List(limit, offset int) ([]entity.Model, error) {
	var models []entity.Model
	query := r.db.Order("created_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}
	if err := query.Find(&models).Error; err != nil {
		return nil, err
	}
	return models, nil
}

package repository

import (
	"github.com/tnqbao/gau-forge/infra"
)

type Repository struct {
	JobRepo   JobStore
	ModelRepo ModelStore
}

func InitRepository(infra *infra.Infra) *Repository {
	return &Repository{
		JobRepo:   NewJobRepository(infra.Postgres.DB),
		ModelRepo: NewModelRepository(infra.Postgres.DB),
	}
}

// NewMemoryRepository wires the in-memory stores, used by tests and local runs
func NewMemoryRepository() *Repository {
	return &Repository{
		JobRepo:   NewMemoryJobRepository(),
		ModelRepo: NewMemoryModelRepository(),
	}
}

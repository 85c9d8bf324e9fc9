package controller

import (
	"github.com/tnqbao/gau-forge/config"
	"github.com/tnqbao/gau-forge/infra"
	"github.com/tnqbao/gau-forge/orchestrator"
	"github.com/tnqbao/gau-forge/repository"
)

type Controller struct {
	Config       *config.Config
	Infra        *infra.Infra
	Repository   *repository.Repository
	Orchestrator *orchestrator.Orchestrator
}

func NewController(config *config.Config, infra *infra.Infra, repo *repository.Repository, orch *orchestrator.Orchestrator) *Controller {
	if repo == nil {
		panic("Failed to initialize Repository")
	}
	if orch == nil {
		panic("Failed to initialize Orchestrator")
	}
	return &Controller{
		Config:       config,
		Infra:        infra,
		Repository:   repo,
		Orchestrator: orch,
	}
}

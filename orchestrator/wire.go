package orchestrator

import (
	"fmt"
	"time"

	"github.com/tnqbao/gau-forge/blobstore"
	"github.com/tnqbao/gau-forge/config"
	"github.com/tnqbao/gau-forge/generator"
	"github.com/tnqbao/gau-forge/infra"
	"github.com/tnqbao/gau-forge/modelcache"
	"github.com/tnqbao/gau-forge/progress"
	"github.com/tnqbao/gau-forge/repository"
	"github.com/tnqbao/gau-forge/trainer"
)

// Role selects which collaborators FromInfra builds. The API process only submits
// and cancels; the worker process also owns the adapters and the model cache.
type Role int

const (
	RoleAPI Role = iota
	RoleWorker
)

// OptionsFromConfig maps the env config onto orchestrator options
func OptionsFromConfig(cfg *config.EnvConfig) Options {
	return Options{
		JobTimeout:            cfg.Orchestrator.JobTimeout,
		CancelGracePeriod:     cfg.Orchestrator.CancelGracePeriod,
		CancelPollInterval:    cfg.Orchestrator.CancelPollInterval,
		ProgressFlushInterval: cfg.Orchestrator.ProgressFlushInterval,
		ProgressFlushSteps:    cfg.Orchestrator.ProgressFlushSteps,
		ProgressTTL:           cfg.Orchestrator.ProgressTTL,
		TrainingOutputRoot:    cfg.Trainer.OutputRoot,
		GenerationOutputRoot:  cfg.Generator.OutputRoot,
	}
}

// KillGrace is how long a trainer process gets between SIGTERM and SIGKILL. It
// is half the orchestrator's grace period, so the process is gone before the
// orchestrator gives up on the adapter.
func KillGrace(cancelGrace time.Duration) time.Duration {
	if cancelGrace <= 0 {
		cancelGrace = defaultCancelGrace
	}
	return cancelGrace / 2
}

// NewTrainer picks the trainer implementation named by TRAINER_MODE
func NewTrainer(cfg *config.EnvConfig, logger *infra.LoggerClient) (trainer.Trainer, error) {
	switch cfg.Trainer.Mode {
	case "subprocess":
		return trainer.NewSubprocessTrainer(trainer.SubprocessOptions{
			Python:      cfg.Trainer.Python,
			ScriptPath:  cfg.Trainer.ScriptPath,
			WorkDir:     cfg.Trainer.WorkDir,
			GracePeriod: KillGrace(cfg.Orchestrator.CancelGracePeriod),
		}, logger), nil
	case "simulated":
		return &trainer.SimulatedTrainer{}, nil
	default:
		return nil, fmt.Errorf("unknown trainer mode %q", cfg.Trainer.Mode)
	}
}

// NewGenerator picks the generator implementation named by GENERATOR_MODE
func NewGenerator(cfg *config.EnvConfig, logger *infra.LoggerClient) (generator.Generator, error) {
	switch cfg.Generator.Mode {
	case "pipeline":
		return generator.NewPipelineClient(generator.PipelineOptions{
			ServerURL: cfg.Generator.ServerURL,
		}, logger), nil
	case "simulated":
		return &generator.SimulatedGenerator{}, nil
	default:
		return nil, fmt.Errorf("unknown generator mode %q", cfg.Generator.Mode)
	}
}

// NewModelCache opens the cache root configured for this host
func NewModelCache(cfg *config.EnvConfig, blobs blobstore.Store, logger *infra.LoggerClient) (*modelcache.Manager, error) {
	return modelcache.NewManager(modelcache.Options{
		Root:          cfg.ModelCache.Root,
		MaxCacheBytes: cfg.ModelCache.MaxSizeBytes,
		MinFreeBytes:  cfg.ModelCache.MinFreeBytes,
	}, blobs, logger)
}

// FromInfra builds an orchestrator on the shared infra clients. The returned
// cache is nil for RoleAPI.
func FromInfra(cfg *config.Config, in *infra.Infra, repo *repository.Repository, role Role) (*Orchestrator, *modelcache.Manager, error) {
	blobs, err := blobstore.FromInfra(cfg, in)
	if err != nil {
		return nil, nil, err
	}

	deps := Deps{
		Jobs:      repo.JobRepo,
		Models:    repo.ModelRepo,
		Blobs:     blobs,
		Queue:     in.Produce.JobService,
		Publisher: progress.NewRedisPublisher(in.Redis),
		Cancels:   progress.NewRedisCancelRegistry(in.Redis),
		Events:    in.Produce.EventService,
		Logger:    in.Logger,
	}

	var cache *modelcache.Manager
	if role == RoleWorker {
		if deps.Trainer, err = NewTrainer(cfg.EnvConfig, in.Logger); err != nil {
			return nil, nil, err
		}
		if deps.Generator, err = NewGenerator(cfg.EnvConfig, in.Logger); err != nil {
			return nil, nil, err
		}
		if cache, err = NewModelCache(cfg.EnvConfig, blobs, in.Logger); err != nil {
			return nil, nil, fmt.Errorf("failed to open model cache: %w", err)
		}
		deps.Cache = cache
	}

	o, err := New(deps, OptionsFromConfig(cfg.EnvConfig))
	if err != nil {
		return nil, nil, err
	}
	return o, cache, nil
}

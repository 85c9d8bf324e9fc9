package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/tnqbao/gau-forge/blobstore"
	"github.com/tnqbao/gau-forge/entity"
	"github.com/tnqbao/gau-forge/errs"
	"github.com/tnqbao/gau-forge/generator"
	"github.com/tnqbao/gau-forge/trainer"
	"gorm.io/datatypes"
)

// ModelPrefix and GenerationPrefix are the blob key prefixes of job results
const (
	ModelPrefix      = "models"
	GenerationPrefix = "generations"
)

func workDir(root string, jobID uuid.UUID) string {
	if root == "" {
		root = os.TempDir()
	}
	return filepath.Join(root, jobID.String())
}

func (o *Orchestrator) cleanup(ctx context.Context, dir string) {
	if err := os.RemoveAll(dir); err != nil {
		o.Logger.WarningWithContextf(ctx, "[Orchestrator] Failed to remove work dir %s: %v", dir, err)
	}
}

func (o *Orchestrator) upload(ctx context.Context, key, path string) (int64, error) {
	if o.Blobs == nil {
		return 0, fmt.Errorf("%w: no blob store configured", errs.ErrUploadFailed)
	}
	size, err := blobstore.UploadFile(ctx, o.Blobs, key, path)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", errs.ErrUploadFailed, err)
	}
	return size, nil
}

type modelMetadata struct {
	BaseModel    string   `json:"base_model"`
	LearningRate float64  `json:"learning_rate"`
	Steps        int      `json:"steps"`
	NetworkDim   int      `json:"network_dim"`
	NetworkAlpha int      `json:"network_alpha"`
	Resolution   int      `json:"resolution"`
	FinalStep    int      `json:"final_step"`
	FinalLoss    *float64 `json:"final_loss,omitempty"`
}

// runTraining trains an adapter and publishes the final checkpoint as
// models/{job_id}/{file}. Intermediate checkpoints stay local and are removed.
func (o *Orchestrator) runTraining(ctx context.Context, job *entity.Job, rel *relay) outcome {
	if o.Trainer == nil {
		return outcome{err: fmt.Errorf("%w: no trainer configured", errs.ErrAdapterFailure)}
	}
	cfg, err := trainer.ParseTrainingConfig(job.Config)
	if err != nil {
		return outcome{err: err}
	}
	cfg.OutputPath = workDir(o.opts.TrainingOutputRoot, job.ID)
	defer o.cleanup(ctx, cfg.OutputPath)

	rel.report(0, cfg.Steps, nil, "training")
	result, err := o.Trainer.Train(ctx, cfg, func(step, total int, loss *float64) {
		rel.report(step, total, loss, "training")
	})
	if err != nil {
		return outcome{err: err}
	}
	// an adapter that ignored the stop request must not publish anything
	if ctx.Err() != nil {
		return outcome{err: context.Cause(ctx)}
	}
	if len(result.ArtifactPaths) == 0 {
		return outcome{err: fmt.Errorf("%w: trainer returned no artifacts", errs.ErrAdapterFailure)}
	}
	if result.FinalStep > 0 {
		rel.report(result.FinalStep, cfg.Steps, result.FinalMetric, "uploading")
	}

	final := result.ArtifactPaths[len(result.ArtifactPaths)-1]
	key := fmt.Sprintf("%s/%s/%s", ModelPrefix, job.ID, filepath.Base(final))
	size, err := o.upload(ctx, key, final)
	if err != nil {
		return outcome{err: err}
	}

	meta, _ := json.Marshal(modelMetadata{
		BaseModel:    cfg.BaseModel,
		LearningRate: cfg.LearningRate,
		Steps:        cfg.Steps,
		NetworkDim:   cfg.NetworkDim,
		NetworkAlpha: cfg.NetworkAlpha,
		Resolution:   cfg.Resolution,
		FinalStep:    result.FinalStep,
		FinalLoss:    result.FinalMetric,
	})
	name := job.Name
	if name == "" {
		name = "lora-" + job.ID.String()[:8]
	}
	model := &entity.Model{
		ID:          uuid.New(),
		JobID:       job.ID,
		Name:        name,
		Version:     "v1",
		StorageKey:  key,
		SizeBytes:   size,
		TriggerWord: cfg.TriggerWord,
		Metadata:    datatypes.JSON(meta),
	}
	return outcome{refs: []string{key}, model: model}
}

// runGeneration renders images, with the job's adapter applied when it names
// one, and publishes them as generations/{job_id}/image_{n}.png. The adapter is
// always removed afterwards so the next job starts from the base model.
func (o *Orchestrator) runGeneration(ctx context.Context, job *entity.Job, rel *relay) outcome {
	if o.Generator == nil {
		return outcome{err: fmt.Errorf("%w: no generator configured", errs.ErrAdapterFailure)}
	}
	cfg, err := generator.ParseGenerationConfig(job.Config)
	if err != nil {
		return outcome{err: err}
	}
	outDir := workDir(o.opts.GenerationOutputRoot, job.ID)
	defer o.cleanup(ctx, outDir)

	rel.report(0, cfg.NumImages, nil, "loading model")
	if err := o.Generator.Load(ctx); err != nil {
		return outcome{err: err}
	}

	if job.ModelKey != "" {
		if o.Cache == nil {
			return outcome{err: fmt.Errorf("%w: no model cache configured", errs.ErrDownloadFailed)}
		}
		path, release, err := o.Cache.Acquire(ctx, job.ModelKey)
		if err != nil {
			return outcome{err: err}
		}
		defer release()

		if err := o.Generator.ApplyAdapter(ctx, path, cfg.AdapterStrength()); err != nil {
			return outcome{err: err}
		}
		defer func() {
			if err := o.Generator.RemoveAdapter(context.WithoutCancel(ctx)); err != nil {
				o.Logger.WarningWithContextf(ctx, "[Orchestrator] Failed to remove adapter after job %s: %v", job.ID, err)
			}
		}()
	}

	rel.report(0, cfg.NumImages, nil, "generating")
	paths, err := o.Generator.Produce(ctx, cfg.Prompt, cfg.Params, outDir)
	if err != nil {
		return outcome{err: err}
	}
	if ctx.Err() != nil {
		return outcome{err: context.Cause(ctx)}
	}
	rel.report(len(paths), cfg.NumImages, nil, "uploading")

	refs := make([]string, 0, len(paths))
	for _, p := range paths {
		key := fmt.Sprintf("%s/%s/%s", GenerationPrefix, job.ID, filepath.Base(p))
		if _, err := o.upload(ctx, key, p); err != nil {
			return outcome{refs: refs, err: err}
		}
		refs = append(refs, key)
	}
	return outcome{refs: refs}
}

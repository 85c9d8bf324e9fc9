// Package trainer runs LoRA fine-tuning. SubprocessTrainer drives an external
// training script and reads its progress from the log stream; SimulatedTrainer
// replays a scripted run for tests and dry runs.
package trainer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tnqbao/gau-forge/errs"
)

const (
	DefaultBaseModel       = "black-forest-labs/FLUX.1-dev"
	DefaultLearningRate    = 1e-4
	DefaultSteps           = 2000
	DefaultNetworkDim      = 32
	DefaultNetworkAlpha    = 16
	DefaultResolution      = 1024
	DefaultSaveEveryNSteps = 250
)

// TrainingConfig is the immutable job config of a training job. OutputPath is
// filled in by the worker, not by the submitter.
type TrainingConfig struct {
	DatasetPath     string  `json:"dataset_path"`
	OutputPath      string  `json:"output_path,omitempty"`
	BaseModel       string  `json:"base_model,omitempty"`
	LearningRate    float64 `json:"learning_rate,omitempty"`
	Steps           int     `json:"steps,omitempty"`
	NetworkDim      int     `json:"network_dim,omitempty"`
	NetworkAlpha    int     `json:"network_alpha,omitempty"`
	Resolution      int     `json:"resolution,omitempty"`
	TriggerWord     string  `json:"trigger_word,omitempty"`
	SaveEveryNSteps int     `json:"save_every_n_steps,omitempty"`
}

func (c *TrainingConfig) ApplyDefaults() {
	if c.BaseModel == "" {
		c.BaseModel = DefaultBaseModel
	}
	if c.LearningRate == 0 {
		c.LearningRate = DefaultLearningRate
	}
	if c.Steps == 0 {
		c.Steps = DefaultSteps
	}
	if c.NetworkDim == 0 {
		c.NetworkDim = DefaultNetworkDim
	}
	if c.NetworkAlpha == 0 {
		c.NetworkAlpha = DefaultNetworkAlpha
	}
	if c.Resolution == 0 {
		c.Resolution = DefaultResolution
	}
	if c.SaveEveryNSteps == 0 {
		c.SaveEveryNSteps = DefaultSaveEveryNSteps
	}
}

func (c TrainingConfig) Validate() error {
	switch {
	case c.DatasetPath == "":
		return fmt.Errorf("%w: dataset_path is required", errs.ErrValidation)
	case c.LearningRate < 0 || c.LearningRate > 1:
		return fmt.Errorf("%w: learning_rate %g out of range", errs.ErrValidation, c.LearningRate)
	case c.Steps < 0 || c.Steps > 100000:
		return fmt.Errorf("%w: steps %d out of range", errs.ErrValidation, c.Steps)
	case c.NetworkDim < 0 || c.NetworkAlpha < 0:
		return fmt.Errorf("%w: network rank and alpha must be positive", errs.ErrValidation)
	case c.Resolution != 0 && (c.Resolution < 256 || c.Resolution > 4096):
		return fmt.Errorf("%w: resolution %d out of range", errs.ErrValidation, c.Resolution)
	}
	return nil
}

// ParseTrainingConfig decodes a job config, applies defaults and validates it
func ParseTrainingConfig(raw []byte) (TrainingConfig, error) {
	var cfg TrainingConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: invalid training config: %v", errs.ErrValidation, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// ProgressFunc receives the current step, the total steps and the latest loss if
// one has been reported.
type ProgressFunc func(step, total int, loss *float64)

type Result struct {
	// ArtifactPaths are the produced checkpoints in lexical order; the last one is
	// the final weights.
	ArtifactPaths []string
	FinalStep     int
	FinalMetric   *float64
}

// Trainer blocks until training ends. Cancelling ctx requests a stop; the
// returned error then wraps ctx.Err().
type Trainer interface {
	Train(ctx context.Context, cfg TrainingConfig, onProgress ProgressFunc) (*Result, error)
}

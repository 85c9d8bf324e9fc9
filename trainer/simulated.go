package trainer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tnqbao/gau-forge/errs"
)

// SimulatedTrainer replays a fixed step sequence without touching an accelerator
type SimulatedTrainer struct {
	// Steps are reported in order; defaults to quarters of cfg.Steps
	Steps     []int
	StepDelay time.Duration
	// FailAtStep makes Train fail once this step has been reported
	FailAtStep int
	// IgnoreSoftStop keeps stepping after ctx is cancelled, like a process that
	// ignores SIGTERM
	IgnoreSoftStop bool
	// Loss maps a step to the reported loss; nil reports no loss
	Loss func(step int) float64
}

func (s *SimulatedTrainer) steps(total int) []int {
	if len(s.Steps) > 0 {
		return s.Steps
	}
	return []int{total / 4, total / 2, total * 3 / 4, total}
}

func (s *SimulatedTrainer) Train(ctx context.Context, cfg TrainingConfig, onProgress ProgressFunc) (*Result, error) {
	cfg.ApplyDefaults()
	total := cfg.Steps

	var loss *float64
	last := 0
	for _, step := range s.steps(total) {
		if s.StepDelay > 0 {
			timer := time.NewTimer(s.StepDelay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				if !s.IgnoreSoftStop {
					return nil, fmt.Errorf("training interrupted at step %d: %w", last, ctx.Err())
				}
				<-time.After(s.StepDelay)
			}
		} else if ctx.Err() != nil && !s.IgnoreSoftStop {
			return nil, fmt.Errorf("training interrupted at step %d: %w", last, ctx.Err())
		}

		if s.Loss != nil {
			v := s.Loss(step)
			loss = &v
		}
		last = step
		if onProgress != nil {
			onProgress(step, total, loss)
		}
		if s.FailAtStep > 0 && step >= s.FailAtStep {
			return nil, fmt.Errorf("%w: simulated failure at step %d", errs.ErrAdapterFailure, step)
		}
	}

	if ctx.Err() != nil && !s.IgnoreSoftStop {
		return nil, fmt.Errorf("training interrupted at step %d: %w", last, ctx.Err())
	}

	out := cfg.OutputPath
	if out == "" {
		out = os.TempDir()
	}
	if err := os.MkdirAll(out, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrAdapterFailure, err)
	}
	final := filepath.Join(out, "pytorch_lora_weights.safetensors")
	if err := os.WriteFile(final, []byte(fmt.Sprintf("simulated lora step=%d", last)), 0o644); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrAdapterFailure, err)
	}

	return &Result{
		ArtifactPaths: []string{final},
		FinalStep:     last,
		FinalMetric:   loss,
	}, nil
}

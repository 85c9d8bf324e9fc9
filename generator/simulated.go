package generator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tnqbao/gau-forge/errs"
)

// SimulatedGenerator tracks load and adapter state in memory and writes small
// placeholder files instead of images.
type SimulatedGenerator struct {
	// Delay is spent per image and honours ctx
	Delay time.Duration
	// FailProduce makes every Produce fail with ErrAdapterFailure
	FailProduce bool

	mu       sync.Mutex
	loaded   bool
	adapter  string
	reclaims int
	loads    int
}

func (s *SimulatedGenerator) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		s.loaded = true
		s.loads++
	}
	return nil
}

func (s *SimulatedGenerator) ApplyAdapter(ctx context.Context, path string, strength float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		return ErrBaseModelNotLoaded
	}
	defer s.reclaim()
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("%w: adapter weights: %v", errs.ErrAdapterFailure, err)
	}
	s.adapter = path
	return nil
}

func (s *SimulatedGenerator) RemoveAdapter(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.adapter == "" {
		return nil
	}
	s.adapter = ""
	s.reclaim()
	return nil
}

func (s *SimulatedGenerator) Produce(ctx context.Context, prompt string, params Params, outputDir string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		return nil, ErrModelNotLoaded
	}
	defer s.reclaim()

	params.ApplyDefaults()
	if s.FailProduce {
		return nil, fmt.Errorf("%w: simulated generation failure", errs.ErrAdapterFailure)
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, err
	}

	paths := make([]string, 0, params.NumImages)
	for i := 1; i <= params.NumImages; i++ {
		if s.Delay > 0 {
			select {
			case <-time.After(s.Delay):
			case <-ctx.Done():
				return nil, fmt.Errorf("generation interrupted: %w", ctx.Err())
			}
		} else if ctx.Err() != nil {
			return nil, fmt.Errorf("generation interrupted: %w", ctx.Err())
		}
		path := filepath.Join(outputDir, ImageName(i))
		body := fmt.Sprintf("prompt=%q adapter=%q size=%dx%d", prompt, filepath.Base(s.adapter), params.Width, params.Height)
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			return nil, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func (s *SimulatedGenerator) Release(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loaded = false
	s.adapter = ""
	return nil
}

func (s *SimulatedGenerator) reclaim() {
	s.reclaims++
}

// Reclaims counts device memory reclamations
func (s *SimulatedGenerator) Reclaims() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reclaims
}

func (s *SimulatedGenerator) Loads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loads
}

// Loaded reports whether the base model is resident
func (s *SimulatedGenerator) Loaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loaded
}

// Adapter is the path of the applied adapter, empty when none
func (s *SimulatedGenerator) Adapter() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.adapter
}

// Package generator renders images from a text prompt with an optional LoRA
// adapter applied on top of the base model.
//
// Implementations must reclaim device memory after every Produce, whether it
// succeeded or not, and after every adapter transition.
package generator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tnqbao/gau-forge/errs"
)

const (
	DefaultSteps           = 30
	DefaultGuidanceScale   = 3.5
	DefaultWidth           = 1024
	DefaultHeight          = 1024
	DefaultNumImages       = 1
	DefaultAdapterStrength = 0.8
	MaxNumImages           = 4
)

var (
	ErrBaseModelNotLoaded = errors.New("base model not loaded")
	ErrModelNotLoaded     = errors.New("model not loaded")
)

// Params control a single Produce call
type Params struct {
	NegativePrompt string  `json:"negative_prompt,omitempty"`
	NumImages      int     `json:"num_images,omitempty"`
	Steps          int     `json:"num_inference_steps,omitempty"`
	GuidanceScale  float64 `json:"guidance_scale,omitempty"`
	Width          int     `json:"width,omitempty"`
	Height         int     `json:"height,omitempty"`
	Seed           *int64  `json:"seed,omitempty"`
}

func (p *Params) ApplyDefaults() {
	if p.NumImages == 0 {
		p.NumImages = DefaultNumImages
	}
	if p.Steps == 0 {
		p.Steps = DefaultSteps
	}
	if p.GuidanceScale == 0 {
		p.GuidanceScale = DefaultGuidanceScale
	}
	if p.Width == 0 {
		p.Width = DefaultWidth
	}
	if p.Height == 0 {
		p.Height = DefaultHeight
	}
}

func (p Params) Validate() error {
	switch {
	case p.NumImages < 1 || p.NumImages > MaxNumImages:
		return fmt.Errorf("%w: num_images %d not in 1..%d", errs.ErrValidation, p.NumImages, MaxNumImages)
	case p.Steps < 10 || p.Steps > 100:
		return fmt.Errorf("%w: num_inference_steps %d not in 10..100", errs.ErrValidation, p.Steps)
	case p.GuidanceScale < 1 || p.GuidanceScale > 20:
		return fmt.Errorf("%w: guidance_scale %g not in 1..20", errs.ErrValidation, p.GuidanceScale)
	case p.Width < 512 || p.Width > 2048 || p.Height < 512 || p.Height > 2048:
		return fmt.Errorf("%w: size %dx%d not in 512..2048", errs.ErrValidation, p.Width, p.Height)
	}
	return nil
}

// GenerationConfig is the immutable job config of a generation job. ModelID
// refers to a trained model row; the worker resolves it to a blob key.
type GenerationConfig struct {
	Prompt     string   `json:"prompt"`
	ModelID    string   `json:"model_id,omitempty"`
	LoraWeight *float64 `json:"lora_weight,omitempty"`
	Params
}

// AdapterStrength is LoraWeight or the default
func (c GenerationConfig) AdapterStrength() float64 {
	if c.LoraWeight == nil {
		return DefaultAdapterStrength
	}
	return *c.LoraWeight
}

func (c GenerationConfig) Validate() error {
	if c.Prompt == "" {
		return fmt.Errorf("%w: prompt is required", errs.ErrValidation)
	}
	if len(c.Prompt) > 2000 {
		return fmt.Errorf("%w: prompt longer than 2000 characters", errs.ErrValidation)
	}
	if w := c.AdapterStrength(); w < 0 || w > 1 {
		return fmt.Errorf("%w: lora_weight %g not in 0..1", errs.ErrValidation, w)
	}
	return c.Params.Validate()
}

// ParseGenerationConfig decodes a job config, applies defaults and validates it
func ParseGenerationConfig(raw []byte) (GenerationConfig, error) {
	var cfg GenerationConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: invalid generation config: %v", errs.ErrValidation, err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Generator holds a base model on the device across jobs. Load is idempotent.
// ApplyAdapter replaces any adapter already applied.
type Generator interface {
	Load(ctx context.Context) error
	ApplyAdapter(ctx context.Context, path string, strength float64) error
	RemoveAdapter(ctx context.Context) error
	// Produce writes the images into outputDir and returns their paths
	Produce(ctx context.Context, prompt string, params Params, outputDir string) ([]string, error)
	Release(ctx context.Context) error
}

// ImageName is the file name of the n-th image of a run, counting from 1
func ImageName(n int) string {
	return fmt.Sprintf("image_%d.png", n)
}

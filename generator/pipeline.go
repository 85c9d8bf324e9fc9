package generator

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tnqbao/gau-forge/errs"
	"github.com/tnqbao/gau-forge/infra"
)

// PipelineClient drives an inference sidecar that owns the accelerator. The
// sidecar keeps the base model resident between calls; this client tracks what it
// has asked the sidecar to hold so contract errors are raised locally.
type PipelineClient struct {
	baseURL   string
	baseModel string
	http      *http.Client
	logger    *infra.LoggerClient

	mu         sync.Mutex
	loaded     bool
	hasAdapter bool
}

type PipelineOptions struct {
	ServerURL string
	BaseModel string
	// Timeout bounds a single request; generation of 4 images can take minutes
	Timeout time.Duration
}

func NewPipelineClient(opts PipelineOptions, logger *infra.LoggerClient) *PipelineClient {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Minute
	}
	if opts.BaseModel == "" {
		opts.BaseModel = "black-forest-labs/FLUX.1-dev"
	}
	return &PipelineClient{
		baseURL:   opts.ServerURL,
		baseModel: opts.BaseModel,
		http:      &http.Client{Timeout: opts.Timeout},
		logger:    logger,
	}
}

type loadRequest struct {
	Model string `json:"model"`
}

type adapterRequest struct {
	Path     string  `json:"path"`
	Strength float64 `json:"strength"`
}

type generateRequest struct {
	Prompt string `json:"prompt"`
	Params
}

// GenerateResponse carries base64 encoded PNGs
type GenerateResponse struct {
	Images []string `json:"images"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (p *PipelineClient) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	var payload io.Reader = http.NoBody
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		payload = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, payload)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var e errorResponse
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s returned %d: %s", path, resp.StatusCode, e.Error)
		}
		return fmt.Errorf("%s returned %d: %s", path, resp.StatusCode, raw)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode %s response: %w", path, err)
		}
	}
	return nil
}

// reclaim asks the sidecar to free cached device memory. A failure is logged and
// not returned; the operation it follows already has its own outcome.
func (p *PipelineClient) reclaim(ctx context.Context) {
	// the job ctx may already be cancelled; reclaim must still go out
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := p.post(rctx, "/reclaim", nil, nil); err != nil {
		p.logger.WarningWithContextf(ctx, "[Generator] Failed to reclaim device memory: %v", err)
	}
}

func (p *PipelineClient) Load(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.loaded {
		return nil
	}
	p.logger.InfoWithContextf(ctx, "[Generator] Loading base model %s", p.baseModel)
	if err := p.post(ctx, "/load", loadRequest{Model: p.baseModel}, nil); err != nil {
		return fmt.Errorf("%w: load base model: %v", errs.ErrAdapterFailure, err)
	}
	p.loaded = true
	return nil
}

func (p *PipelineClient) ApplyAdapter(ctx context.Context, path string, strength float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.loaded {
		return ErrBaseModelNotLoaded
	}
	defer p.reclaim(ctx)

	p.logger.InfoWithContextf(ctx, "[Generator] Applying adapter %s at strength %.2f", filepath.Base(path), strength)
	if err := p.post(ctx, "/adapter", adapterRequest{Path: path, Strength: strength}, nil); err != nil {
		return fmt.Errorf("%w: apply adapter: %v", errs.ErrAdapterFailure, err)
	}
	p.hasAdapter = true
	return nil
}

func (p *PipelineClient) RemoveAdapter(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.hasAdapter {
		return nil
	}
	defer p.reclaim(ctx)

	if err := p.post(ctx, "/adapter/remove", nil, nil); err != nil {
		return fmt.Errorf("%w: remove adapter: %v", errs.ErrAdapterFailure, err)
	}
	p.hasAdapter = false
	return nil
}

func (p *PipelineClient) Produce(ctx context.Context, prompt string, params Params, outputDir string) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.loaded {
		return nil, ErrModelNotLoaded
	}
	defer p.reclaim(ctx)

	params.ApplyDefaults()
	var resp GenerateResponse
	if err := p.post(ctx, "/generate", generateRequest{Prompt: prompt, Params: params}, &resp); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("generation interrupted: %w", ctx.Err())
		}
		return nil, fmt.Errorf("%w: generate: %v", errs.ErrAdapterFailure, err)
	}
	if len(resp.Images) == 0 {
		return nil, fmt.Errorf("%w: generator returned no images", errs.ErrAdapterFailure)
	}

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output dir: %w", err)
	}
	paths := make([]string, 0, len(resp.Images))
	for i, encoded := range resp.Images {
		data, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("%w: image %d is not base64: %v", errs.ErrAdapterFailure, i+1, err)
		}
		path := filepath.Join(outputDir, ImageName(i+1))
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return nil, fmt.Errorf("failed to save image %d: %w", i+1, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func (p *PipelineClient) Release(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.loaded {
		return nil
	}
	if err := p.post(ctx, "/release", nil, nil); err != nil {
		return fmt.Errorf("%w: release: %v", errs.ErrAdapterFailure, err)
	}
	p.loaded = false
	p.hasAdapter = false
	return nil
}

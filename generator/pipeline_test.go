package generator

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tnqbao/gau-forge/errs"
	"github.com/tnqbao/gau-forge/infra"
)

// fakeSidecar records the paths it was called with
type fakeSidecar struct {
	mu       sync.Mutex
	calls    []string
	failGen  bool
	lastBody generateRequest
}

func (f *fakeSidecar) handler() http.Handler {
	mux := http.NewServeMux()
	record := func(path string) {
		f.mu.Lock()
		f.calls = append(f.calls, path)
		f.mu.Unlock()
	}
	for _, path := range []string{"/load", "/adapter", "/adapter/remove", "/release", "/reclaim"} {
		path := path
		mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
			record(path)
			w.WriteHeader(http.StatusOK)
		})
	}
	mux.HandleFunc("/generate", func(w http.ResponseWriter, r *http.Request) {
		record("/generate")
		var req generateRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.lastBody = req
		f.mu.Unlock()
		if f.failGen {
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(errorResponse{Error: "CUDA out of memory"})
			return
		}
		images := make([]string, req.NumImages)
		for i := range images {
			images[i] = base64.StdEncoding.EncodeToString([]byte("png-bytes"))
		}
		_ = json.NewEncoder(w).Encode(GenerateResponse{Images: images})
	})
	return mux
}

func (f *fakeSidecar) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func newTestPipeline(t *testing.T, sidecar *fakeSidecar) *PipelineClient {
	t.Helper()
	srv := httptest.NewServer(sidecar.handler())
	t.Cleanup(srv.Close)
	return NewPipelineClient(PipelineOptions{ServerURL: srv.URL}, infra.NewDiscardLogger())
}

func TestPipelineClientGenerationRun(t *testing.T) {
	ctx := context.Background()
	sidecar := &fakeSidecar{}
	p := newTestPipeline(t, sidecar)

	require.NoError(t, p.Load(ctx))
	require.NoError(t, p.Load(ctx))
	require.NoError(t, p.ApplyAdapter(ctx, "/cache/lora.safetensors", 0.7))

	out := t.TempDir()
	paths, err := p.Produce(ctx, "a castle", Params{NumImages: 2}, out)
	require.NoError(t, err)
	require.Len(t, paths, 2)
	assert.Equal(t, filepath.Join(out, "image_1.png"), paths[0])
	data, err := os.ReadFile(paths[1])
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(data))

	require.NoError(t, p.RemoveAdapter(ctx))
	require.NoError(t, p.Release(ctx))

	assert.Equal(t, []string{
		"/load",
		"/adapter", "/reclaim",
		"/generate", "/reclaim",
		"/adapter/remove", "/reclaim",
		"/release",
	}, sidecar.Calls())

	assert.Equal(t, "a castle", sidecar.lastBody.Prompt)
	assert.Equal(t, DefaultSteps, sidecar.lastBody.Steps)
}

func TestPipelineClientReclaimsAfterFailedGeneration(t *testing.T) {
	ctx := context.Background()
	sidecar := &fakeSidecar{failGen: true}
	p := newTestPipeline(t, sidecar)
	require.NoError(t, p.Load(ctx))

	_, err := p.Produce(ctx, "x", Params{}, t.TempDir())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrAdapterFailure))
	assert.Contains(t, err.Error(), "CUDA out of memory")
	assert.Equal(t, []string{"/load", "/generate", "/reclaim"}, sidecar.Calls())
}

func TestPipelineClientRequiresLoadedModel(t *testing.T) {
	ctx := context.Background()
	sidecar := &fakeSidecar{}
	p := newTestPipeline(t, sidecar)

	assert.ErrorIs(t, p.ApplyAdapter(ctx, "/x", 0.8), ErrBaseModelNotLoaded)
	_, err := p.Produce(ctx, "x", Params{}, t.TempDir())
	assert.ErrorIs(t, err, ErrModelNotLoaded)
	assert.Empty(t, sidecar.Calls())
}

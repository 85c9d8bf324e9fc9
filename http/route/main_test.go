package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tnqbao/gau-forge/blobstore"
	"github.com/tnqbao/gau-forge/config"
	"github.com/tnqbao/gau-forge/entity"
	"github.com/tnqbao/gau-forge/http/controller"
	"github.com/tnqbao/gau-forge/infra"
	"github.com/tnqbao/gau-forge/orchestrator"
	"github.com/tnqbao/gau-forge/progress"
	"github.com/tnqbao/gau-forge/repository"
	"github.com/tnqbao/gau-forge/utils"
	"gorm.io/datatypes"
)

type apiHarness struct {
	router *gin.Engine
	cfg    *config.Config
	repo   *repository.Repository
	queue  *orchestrator.MemoryQueue
	pub    *progress.MemoryPublisher
	blobs  *blobstore.MemoryStore
	token  string
	admin  string
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{EnvConfig: &config.EnvConfig{}}
	cfg.EnvConfig.JWT.SecretKey = "test-secret"
	cfg.EnvConfig.Stream.PollInterval = 10 * time.Millisecond
	cfg.EnvConfig.BlobStore.SignedTTL = time.Minute
	cfg.EnvConfig.ModelCache.Root = t.TempDir()

	h := &apiHarness{
		cfg:   cfg,
		repo:  repository.NewMemoryRepository(),
		queue: orchestrator.NewMemoryQueue(),
		pub:   progress.NewMemoryPublisher(),
		blobs: blobstore.NewMemoryStore(),
	}
	in := &infra.Infra{Logger: infra.NewDiscardLogger()}

	orch, err := orchestrator.New(orchestrator.Deps{
		Jobs:      h.repo.JobRepo,
		Models:    h.repo.ModelRepo,
		Blobs:     h.blobs,
		Queue:     h.queue,
		Publisher: h.pub,
		Cancels:   progress.NewMemoryCancelRegistry(),
		Logger:    in.Logger,
	}, orchestrator.Options{})
	require.NoError(t, err)

	h.router = SetupRouter(controller.NewController(cfg, in, h.repo, orch))

	h.token, err = utils.SignToken(cfg.EnvConfig, uuid.New(), "user", time.Hour)
	require.NoError(t, err)
	h.admin, err = utils.SignToken(cfg.EnvConfig, uuid.New(), "admin", time.Hour)
	require.NoError(t, err)
	return h
}

func (h *apiHarness) do(method, path, token string, body interface{}) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), out), w.Body.String())
}

func (h *apiHarness) createJob(t *testing.T, job *entity.Job) *entity.Job {
	t.Helper()
	require.NoError(t, h.repo.JobRepo.Create(job))
	return job
}

func TestHealthzWithoutBackingClients(t *testing.T) {
	h := newAPIHarness(t)
	w := h.do(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestAPIRequiresValidToken(t *testing.T) {
	h := newAPIHarness(t)

	w := h.do(http.MethodGet, "/api/v1/jobs", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = h.do(http.MethodGet, "/api/v1/jobs", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	other := &config.EnvConfig{}
	other.JWT.SecretKey = "another-secret"
	forged, err := utils.SignToken(other, uuid.New(), "admin", time.Hour)
	require.NoError(t, err)
	w = h.do(http.MethodGet, "/api/v1/jobs", forged, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = h.do(http.MethodGet, "/api/v1/jobs", h.token, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCreateTrainingJobQueuesDescriptor(t *testing.T) {
	h := newAPIHarness(t)

	w := h.do(http.MethodPost, "/api/v1/jobs/training", h.token, gin.H{
		"name":   "portrait",
		"config": gin.H{"dataset_path": "/data/portrait", "steps": 100, "trigger_word": "ohwx"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp struct {
		JobID  string           `json:"job_id"`
		Status entity.JobStatus `json:"status"`
	}
	decode(t, w, &resp)
	assert.Equal(t, entity.JobStatusPending, resp.Status)

	jobID := uuid.MustParse(resp.JobID)
	job, err := h.repo.JobRepo.FindByID(jobID)
	require.NoError(t, err)
	assert.Equal(t, entity.JobKindTraining, job.Kind)
	assert.Equal(t, "portrait", job.Name)
	assert.Contains(t, string(job.Config), `"learning_rate":0.0001`, "defaults are stored with the job")

	desc, err := h.queue.Dequeue(context.Background(), "training")
	require.NoError(t, err)
	assert.Equal(t, jobID, desc.JobID)

	snapshot, err := h.pub.Read(context.Background(), jobID)
	require.NoError(t, err)
	require.NotNil(t, snapshot)
	assert.Equal(t, "queued", snapshot.Message)
}

func TestCreateTrainingJobRejectsInvalidConfig(t *testing.T) {
	h := newAPIHarness(t)

	w := h.do(http.MethodPost, "/api/v1/jobs/training", h.token, gin.H{"config": gin.H{"steps": 100}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "dataset_path")

	w = h.do(http.MethodPost, "/api/v1/jobs/training", h.token, gin.H{"name": "no config"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	assert.Equal(t, 0, h.queue.Len("training"))
}

func TestCreateGenerationJobResolvesModel(t *testing.T) {
	h := newAPIHarness(t)
	model := &entity.Model{
		ID:         uuid.New(),
		JobID:      uuid.New(),
		Name:       "portrait",
		StorageKey: "models/abc/portrait.safetensors",
		SizeBytes:  42,
	}
	require.NoError(t, h.repo.ModelRepo.Create(model))

	w := h.do(http.MethodPost, "/api/v1/jobs/generation", h.token, gin.H{
		"config": gin.H{"prompt": "ohwx in a field", "model_id": model.ID.String(), "num_images": 2},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp struct {
		JobID string `json:"job_id"`
	}
	decode(t, w, &resp)
	job, err := h.repo.JobRepo.FindByID(uuid.MustParse(resp.JobID))
	require.NoError(t, err)
	assert.Equal(t, model.StorageKey, job.ModelKey)
	assert.Equal(t, 1, h.queue.Len("generation"))

	w = h.do(http.MethodPost, "/api/v1/jobs/generation", h.token, gin.H{
		"config": gin.H{"prompt": "x", "model_id": uuid.NewString()},
	})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = h.do(http.MethodPost, "/api/v1/jobs/generation", h.token, gin.H{
		"config": gin.H{"prompt": "x", "num_images": 9},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCancelPendingJobIsIdempotent(t *testing.T) {
	h := newAPIHarness(t)
	job := h.createJob(t, entity.NewJob(entity.JobKindGeneration, "", datatypes.JSON(`{"prompt":"x"}`)))

	for i := 0; i < 2; i++ {
		w := h.do(http.MethodPost, "/api/v1/jobs/"+job.ID.String()+"/cancel", h.token, nil)
		require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
		assert.Contains(t, w.Body.String(), `"status":"cancelled"`)
	}

	got, err := h.repo.JobRepo.FindByID(job.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.JobStatusCancelled, got.Status)
	assert.Nil(t, got.Error)

	w := h.do(http.MethodPost, "/api/v1/jobs/"+uuid.NewString()+"/cancel", h.token, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = h.do(http.MethodPost, "/api/v1/jobs/not-a-uuid/cancel", h.token, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestResultsOnlyForCompletedJobs(t *testing.T) {
	h := newAPIHarness(t)
	pending := h.createJob(t, entity.NewJob(entity.JobKindGeneration, "", datatypes.JSON(`{"prompt":"x"}`)))

	w := h.do(http.MethodGet, "/api/v1/jobs/"+pending.ID.String()+"/results", h.token, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	done := entity.NewJob(entity.JobKindGeneration, "", datatypes.JSON(`{"prompt":"x"}`))
	key := "generations/" + done.ID.String() + "/image_1.png"
	h.blobs.PutBytes(key, []byte("png"))
	done.Status = entity.JobStatusCompleted
	done.ResultRefs = datatypes.JSONSlice[string]{key}
	h.createJob(t, done)

	w = h.do(http.MethodGet, "/api/v1/jobs/"+done.ID.String()+"/results", h.token, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		Results []struct {
			Key string `json:"key"`
			URL string `json:"url"`
		} `json:"results"`
	}
	decode(t, w, &resp)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, key, resp.Results[0].Key)
	assert.True(t, strings.HasPrefix(resp.Results[0].URL, "memory://"+key))
}

func TestListJobsFilters(t *testing.T) {
	h := newAPIHarness(t)
	h.createJob(t, entity.NewJob(entity.JobKindTraining, "", datatypes.JSON(`{}`)))
	h.createJob(t, entity.NewJob(entity.JobKindGeneration, "", datatypes.JSON(`{}`)))
	h.createJob(t, entity.NewJob(entity.JobKindGeneration, "", datatypes.JSON(`{}`)))

	w := h.do(http.MethodGet, "/api/v1/jobs?kind=generation", h.token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Jobs []entity.Job `json:"jobs"`
	}
	decode(t, w, &resp)
	assert.Len(t, resp.Jobs, 2)

	w = h.do(http.MethodGet, "/api/v1/jobs?status=paused", h.token, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = h.do(http.MethodGet, "/api/v1/jobs?limit=1000", h.token, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetJobProgressFallsBackToRecord(t *testing.T) {
	h := newAPIHarness(t)
	job := entity.NewJob(entity.JobKindTraining, "", datatypes.JSON(`{}`))
	job.CurrentStep, job.TotalSteps, job.Percent = 10, 40, 25
	h.createJob(t, job)

	w := h.do(http.MethodGet, "/api/v1/jobs/"+job.ID.String()+"/progress", h.token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var snapshot progress.Snapshot
	decode(t, w, &snapshot)
	assert.Equal(t, 10, snapshot.CurrentStep)
	assert.Equal(t, 25, snapshot.Percent)
}

// runningJob stores a running job with a live snapshot and publishes its
// completion shortly after
func (h *apiHarness) runningJob(t *testing.T) *entity.Job {
	t.Helper()
	job := entity.NewJob(entity.JobKindTraining, "", datatypes.JSON(`{}`))
	job.Status = entity.JobStatusRunning
	job.CurrentStep, job.TotalSteps, job.Percent = 50, 100, 50
	h.createJob(t, job)
	require.NoError(t, h.pub.Publish(context.Background(), progress.SnapshotOf(job, "training"), time.Minute))

	go func() {
		time.Sleep(50 * time.Millisecond)
		done := *job
		done.Status = entity.JobStatusCompleted
		done.CurrentStep, done.Percent = 100, 100
		_ = h.pub.Publish(context.Background(), progress.SnapshotOf(&done, "completed"), time.Minute)
	}()
	return job
}

func TestProgressStreamOverSSEEndsAfterTerminalStatus(t *testing.T) {
	h := newAPIHarness(t)
	job := h.runningJob(t)
	srv := httptest.NewServer(h.router)
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/jobs/"+job.ID.String()+"/progress/stream", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+h.token)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(body)

	assert.Contains(t, text, "event:progress")
	assert.Contains(t, text, "event:heartbeat")
	assert.Contains(t, text, `"current_step":50`)
	assert.True(t, strings.HasSuffix(strings.TrimSpace(text), "}"))
	last := text[strings.LastIndex(text, "event:"):]
	assert.Contains(t, last, `"status":"completed"`)
}

func TestProgressStreamOverWebSocket(t *testing.T) {
	h := newAPIHarness(t)
	job := h.runningJob(t)
	srv := httptest.NewServer(h.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/jobs/" + job.ID.String() + "/progress/ws?access_token=" + h.token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var statuses []entity.JobStatus
	for {
		var msg struct {
			Event string          `json:"event"`
			Data  json.RawMessage `json:"data"`
		}
		err := conn.ReadJSON(&msg)
		if err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
			break
		}
		if msg.Event == "progress" {
			var s progress.Snapshot
			require.NoError(t, json.Unmarshal(msg.Data, &s))
			statuses = append(statuses, s.Status)
		}
	}

	require.NotEmpty(t, statuses)
	assert.Equal(t, entity.JobStatusRunning, statuses[0])
	assert.Equal(t, entity.JobStatusCompleted, statuses[len(statuses)-1])
}

func TestStreamUnknownJob(t *testing.T) {
	h := newAPIHarness(t)
	w := h.do(http.MethodGet, "/api/v1/jobs/"+uuid.NewString()+"/progress/stream", h.token, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCacheEntriesRequireAdmin(t *testing.T) {
	h := newAPIHarness(t)
	root := h.cfg.EnvConfig.ModelCache.Root
	require.NoError(t, os.WriteFile(filepath.Join(root, "models__abc__lora.safetensors"), make([]byte, 128), 0o644))

	w := h.do(http.MethodGet, "/api/v1/cache", h.token, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = h.do(http.MethodGet, "/api/v1/cache", h.admin, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		Entries []struct {
			Key       string `json:"key"`
			SizeBytes int64  `json:"size_bytes"`
		} `json:"entries"`
		TotalBytes uint64 `json:"total_bytes"`
	}
	decode(t, w, &resp)
	require.Len(t, resp.Entries, 1)
	assert.Equal(t, "models/abc/lora.safetensors", resp.Entries[0].Key)
	assert.Equal(t, uint64(128), resp.TotalBytes)
}

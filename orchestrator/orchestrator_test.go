package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tnqbao/gau-forge/blobstore"
	"github.com/tnqbao/gau-forge/entity"
	"github.com/tnqbao/gau-forge/errs"
	"github.com/tnqbao/gau-forge/generator"
	"github.com/tnqbao/gau-forge/infra"
	"github.com/tnqbao/gau-forge/modelcache"
	"github.com/tnqbao/gau-forge/progress"
	"github.com/tnqbao/gau-forge/repository"
	"github.com/tnqbao/gau-forge/trainer"
	"gorm.io/datatypes"
)

type harness struct {
	o       *Orchestrator
	jobs    *repository.MemoryJobRepository
	models  *repository.MemoryModelRepository
	blobs   *blobstore.MemoryStore
	queue   *MemoryQueue
	pub     *progress.MemoryPublisher
	cancels *progress.MemoryCancelRegistry
	gen     *generator.SimulatedGenerator
}

type bigDisk struct{}

func (bigDisk) FreeBytes(string) (uint64, error) { return 1 << 40, nil }

// scratchDir is removed without failing the test, since an abandoned adapter may
// still be writing into it when the test ends
func scratchDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "forge-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

func newHarness(t *testing.T, tr trainer.Trainer, opts Options) *harness {
	t.Helper()
	h := &harness{
		jobs:    repository.NewMemoryJobRepository(),
		models:  repository.NewMemoryModelRepository(),
		blobs:   blobstore.NewMemoryStore(),
		queue:   NewMemoryQueue(),
		pub:     progress.NewMemoryPublisher(),
		cancels: progress.NewMemoryCancelRegistry(),
		gen:     &generator.SimulatedGenerator{},
	}
	logger := infra.NewDiscardLogger()

	cache, err := modelcache.NewManager(modelcache.Options{
		Root:          t.TempDir(),
		MaxCacheBytes: 1 << 30,
		Disk:          bigDisk{},
	}, h.blobs, logger)
	require.NoError(t, err)

	if opts.TrainingOutputRoot == "" {
		opts.TrainingOutputRoot = scratchDir(t)
	}
	if opts.GenerationOutputRoot == "" {
		opts.GenerationOutputRoot = scratchDir(t)
	}

	h.o, err = New(Deps{
		Jobs:      h.jobs,
		Models:    h.models,
		Blobs:     h.blobs,
		Queue:     h.queue,
		Publisher: h.pub,
		Cancels:   h.cancels,
		Cache:     cache,
		Trainer:   tr,
		Generator: h.gen,
		Logger:    logger,
	}, opts)
	require.NoError(t, err)
	return h
}

func (h *harness) create(t *testing.T, kind entity.JobKind, config string) *entity.Job {
	t.Helper()
	job := entity.NewJob(kind, "test", datatypes.JSON(config))
	require.NoError(t, h.jobs.Create(job))
	return job
}

func (h *harness) load(t *testing.T, id uuid.UUID) *entity.Job {
	t.Helper()
	job, err := h.jobs.FindByID(id)
	require.NoError(t, err)
	return job
}

func descriptor(job *entity.Job) entity.JobDescriptor {
	return entity.JobDescriptor{JobID: job.ID, Kind: job.Kind}
}

func assertStepsMonotonic(t *testing.T, history []progress.Snapshot) {
	t.Helper()
	last := 0
	for _, s := range history {
		assert.GreaterOrEqual(t, s.CurrentStep, last, "step went backwards")
		if s.TotalSteps > 0 {
			assert.LessOrEqual(t, s.CurrentStep, s.TotalSteps)
		}
		last = s.CurrentStep
	}
}

const trainingConfig = `{"dataset_path":"/data/set","steps":100,"trigger_word":"sks"}`

func TestTrainingRunCompletesWithOneResult(t *testing.T) {
	ctx := context.Background()
	tr := &trainer.SimulatedTrainer{Loss: func(step int) float64 { return 1 / float64(step) }}
	h := newHarness(t, tr, Options{})
	job := h.create(t, entity.JobKindTraining, trainingConfig)

	require.NoError(t, h.o.RunOne(ctx, descriptor(job)))

	got := h.load(t, job.ID)
	assert.Equal(t, entity.JobStatusCompleted, got.Status)
	assert.Equal(t, 100, got.CurrentStep)
	assert.Equal(t, 100, got.Percent)
	assert.Nil(t, got.Error)
	require.Len(t, got.ResultRefs, 1)
	assert.Equal(t, fmt.Sprintf("models/%s/pytorch_lora_weights.safetensors", job.ID), got.ResultRefs[0])
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.CompletedAt)
	assert.NoError(t, got.Validate())

	_, err := h.blobs.Stat(ctx, got.ResultRefs[0])
	assert.NoError(t, err)

	model, err := h.models.FindByJobID(job.ID)
	require.NoError(t, err)
	assert.Equal(t, got.ResultRefs[0], model.StorageKey)
	assert.Equal(t, "sks", model.TriggerWord)
	assert.Contains(t, string(model.Metadata), `"final_step":100`)

	assert.Equal(t, []entity.JobStatus{entity.JobStatusPending, entity.JobStatusRunning, entity.JobStatusCompleted},
		h.jobs.StatusHistory(job.ID))

	history := h.pub.History(job.ID)
	require.NotEmpty(t, history)
	assertStepsMonotonic(t, history)
	var steps []int
	for _, s := range history {
		if s.Message == "training" && s.CurrentStep > 0 {
			steps = append(steps, s.CurrentStep)
		}
	}
	assert.Equal(t, []int{25, 50, 75, 100}, steps)
	assert.Equal(t, entity.JobStatusCompleted, history[len(history)-1].Status)
}

func TestRunOneIgnoresRedeliveries(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &trainer.SimulatedTrainer{}, Options{})
	job := h.create(t, entity.JobKindTraining, trainingConfig)

	require.NoError(t, h.o.RunOne(ctx, descriptor(job)))
	require.NoError(t, h.o.RunOne(ctx, descriptor(job)))
	assert.Equal(t, []entity.JobStatus{entity.JobStatusPending, entity.JobStatusRunning, entity.JobStatusCompleted},
		h.jobs.StatusHistory(job.ID))

	running := h.create(t, entity.JobKindTraining, trainingConfig)
	now := time.Now().UTC()
	_, err := h.jobs.TransitionStatus(running.ID, entity.JobStatusPending, entity.JobStatusRunning, entity.JobPatch{StartedAt: &now})
	require.NoError(t, err)
	require.NoError(t, h.o.RunOne(ctx, descriptor(running)))
	assert.Equal(t, entity.JobStatusRunning, h.load(t, running.ID).Status)

	err = h.o.RunOne(ctx, entity.JobDescriptor{JobID: uuid.New(), Kind: entity.JobKindTraining})
	assert.True(t, errors.Is(err, errs.ErrNotFound))
}

func TestCancelPendingNeverRuns(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &trainer.SimulatedTrainer{}, Options{})
	job := h.create(t, entity.JobKindTraining, trainingConfig)

	require.NoError(t, h.o.Submit(ctx, job.ID))
	require.NoError(t, h.o.Cancel(ctx, job.ID))
	assert.Equal(t, entity.JobStatusCancelled, h.load(t, job.ID).Status)

	desc, err := h.queue.Dequeue(ctx, entity.JobKindTraining.QueueName())
	require.NoError(t, err)
	require.NoError(t, h.o.RunOne(ctx, desc))

	got := h.load(t, job.ID)
	assert.Equal(t, entity.JobStatusCancelled, got.Status)
	assert.Nil(t, got.StartedAt)
	assert.NoError(t, got.Validate())
	assert.NotContains(t, h.jobs.StatusHistory(job.ID), entity.JobStatusRunning)

	// cancelling again is a no-op
	require.NoError(t, h.o.Cancel(ctx, job.ID))
}

func TestCancelSignalFromAnotherProcessStopsPendingJob(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &trainer.SimulatedTrainer{}, Options{})
	job := h.create(t, entity.JobKindTraining, trainingConfig)

	// only the signal is recorded, as an API process that lost the race would
	require.NoError(t, h.cancels.RequestCancel(ctx, job.ID))
	require.NoError(t, h.o.RunOne(ctx, descriptor(job)))

	assert.Equal(t, []entity.JobStatus{entity.JobStatusPending, entity.JobStatusCancelled}, h.jobs.StatusHistory(job.ID))
	requested, _ := h.cancels.IsCancelRequested(ctx, job.ID)
	assert.False(t, requested, "signal is cleared once the job is terminal")
}

// doneTrainer closes done when the wrapped Train returns
type doneTrainer struct {
	trainer.Trainer
	done chan struct{}
}

func (d *doneTrainer) Train(ctx context.Context, cfg trainer.TrainingConfig, onProgress trainer.ProgressFunc) (*trainer.Result, error) {
	defer close(d.done)
	return d.Trainer.Train(ctx, cfg, onProgress)
}

func TestCancelRunningIgnoringSoftStopEndsCancelled(t *testing.T) {
	ctx := context.Background()
	tr := &doneTrainer{
		Trainer: &trainer.SimulatedTrainer{StepDelay: 100 * time.Millisecond, IgnoreSoftStop: true},
		done:    make(chan struct{}),
	}
	h := newHarness(t, tr, Options{CancelGracePeriod: 50 * time.Millisecond})
	job := h.create(t, entity.JobKindTraining, trainingConfig)

	finished := make(chan error, 1)
	go func() { finished <- h.o.RunOne(ctx, descriptor(job)) }()

	require.Eventually(t, func() bool { return h.o.IsRunningHere(job.ID) }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, h.o.Cancel(ctx, job.ID))

	require.Eventually(t, func() bool {
		got, err := h.jobs.FindByID(job.ID)
		return err == nil && got.Status == entity.JobStatusCancelled
	}, time.Second, 5*time.Millisecond, "job was not finalized within the grace period")

	select {
	case err := <-finished:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker never got the adapter back")
	}
	select {
	case <-tr.done:
	default:
		t.Fatal("RunOne returned while the adapter was still running")
	}

	got := h.load(t, job.ID)
	assert.Equal(t, entity.JobStatusCancelled, got.Status)
	assert.Nil(t, got.Error)
	assert.Empty(t, got.ResultRefs)
	assert.NoError(t, got.Validate())
	assert.False(t, h.o.IsRunningHere(job.ID))

	// the stray run must not publish or change the job afterwards
	objects, err := h.blobs.List(ctx, "models/")
	require.NoError(t, err)
	assert.Empty(t, objects)
	assert.Equal(t, entity.JobStatusCancelled, h.load(t, job.ID).Status)
}

// countingTrainer records how many Train calls overlap
type countingTrainer struct {
	trainer.Trainer
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (c *countingTrainer) Train(ctx context.Context, cfg trainer.TrainingConfig, onProgress trainer.ProgressFunc) (*trainer.Result, error) {
	n := c.inFlight.Add(1)
	defer c.inFlight.Add(-1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			break
		}
	}
	return c.Trainer.Train(ctx, cfg, onProgress)
}

func TestNextJobWaitsForStrayAdapter(t *testing.T) {
	ctx := context.Background()
	tr := &countingTrainer{Trainer: &trainer.SimulatedTrainer{StepDelay: 150 * time.Millisecond, IgnoreSoftStop: true}}
	h := newHarness(t, tr, Options{CancelGracePeriod: 50 * time.Millisecond})
	first := h.create(t, entity.JobKindTraining, trainingConfig)
	second := h.create(t, entity.JobKindTraining, trainingConfig)

	done := make(chan struct{})
	go func() {
		defer close(done)
		// one worker drains its queue in order
		assert.NoError(t, h.o.RunOne(ctx, descriptor(first)))
		assert.NoError(t, h.o.RunOne(ctx, descriptor(second)))
	}()

	require.Eventually(t, func() bool { return h.o.IsRunningHere(first.ID) }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, h.o.Cancel(ctx, first.ID))

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("jobs did not finish")
	}

	assert.Equal(t, int32(1), tr.peak.Load(), "two Train calls overlapped on one queue")
	assert.Equal(t, entity.JobStatusCancelled, h.load(t, first.ID).Status)
	assert.Equal(t, entity.JobStatusCompleted, h.load(t, second.ID).Status)
}

func TestTimeoutFailsJob(t *testing.T) {
	ctx := context.Background()
	tr := &trainer.SimulatedTrainer{StepDelay: 200 * time.Millisecond}
	h := newHarness(t, tr, Options{JobTimeout: 50 * time.Millisecond, CancelGracePeriod: time.Second})
	job := h.create(t, entity.JobKindTraining, trainingConfig)

	require.NoError(t, h.o.RunOne(ctx, descriptor(job)))

	got := h.load(t, job.ID)
	assert.Equal(t, entity.JobStatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Contains(t, *got.Error, errs.ErrTimeout.Error())
	assert.NoError(t, got.Validate())
}

func TestTrainerFailureFailsJob(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &trainer.SimulatedTrainer{FailAtStep: 50}, Options{})
	job := h.create(t, entity.JobKindTraining, trainingConfig)

	require.NoError(t, h.o.RunOne(ctx, descriptor(job)))

	got := h.load(t, job.ID)
	assert.Equal(t, entity.JobStatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Contains(t, *got.Error, "simulated failure at step 50")
	assert.Empty(t, got.ResultRefs)
	assert.Equal(t, 50, got.CurrentStep)

	_, err := h.models.FindByJobID(job.ID)
	assert.True(t, errors.Is(err, errs.ErrNotFound))
}

func TestInvalidConfigFailsJob(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &trainer.SimulatedTrainer{}, Options{})
	job := h.create(t, entity.JobKindTraining, `{"steps":100}`)

	require.NoError(t, h.o.RunOne(ctx, descriptor(job)))

	got := h.load(t, job.ID)
	assert.Equal(t, entity.JobStatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Contains(t, *got.Error, "dataset_path is required")
}

func TestUploadFailureFailsJob(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &trainer.SimulatedTrainer{}, Options{})
	h.blobs.PutErr = errors.New("bucket unavailable")
	job := h.create(t, entity.JobKindTraining, trainingConfig)

	require.NoError(t, h.o.RunOne(ctx, descriptor(job)))

	got := h.load(t, job.ID)
	assert.Equal(t, entity.JobStatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Contains(t, *got.Error, errs.ErrUploadFailed.Error())
}

func TestGenerationWithAdapter(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &trainer.SimulatedTrainer{}, Options{})
	h.blobs.PutBytes("models/abc/lora.safetensors", []byte("weights"))

	job := entity.NewJob(entity.JobKindGeneration, "gen", datatypes.JSON(`{"prompt":"a fox","num_images":2,"lora_weight":0.6}`))
	job.ModelKey = "models/abc/lora.safetensors"
	require.NoError(t, h.jobs.Create(job))

	require.NoError(t, h.o.RunOne(ctx, descriptor(job)))

	got := h.load(t, job.ID)
	assert.Equal(t, entity.JobStatusCompleted, got.Status)
	assert.Equal(t, []string{
		fmt.Sprintf("generations/%s/image_1.png", job.ID),
		fmt.Sprintf("generations/%s/image_2.png", job.ID),
	}, []string(got.ResultRefs))
	assert.Equal(t, 2, got.CurrentStep)
	assert.Equal(t, 100, got.Percent)

	assert.Empty(t, h.gen.Adapter(), "adapter removed after the job")
	// apply, produce and remove each reclaim device memory
	assert.Equal(t, 3, h.gen.Reclaims())
	assert.Equal(t, 1, h.blobs.Gets("models/abc/lora.safetensors"))

	assertStepsMonotonic(t, h.pub.History(job.ID))
}

func TestGenerationWithMissingModelFails(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &trainer.SimulatedTrainer{}, Options{})

	job := entity.NewJob(entity.JobKindGeneration, "gen", datatypes.JSON(`{"prompt":"a fox"}`))
	job.ModelKey = "models/missing/lora.safetensors"
	require.NoError(t, h.jobs.Create(job))

	require.NoError(t, h.o.RunOne(ctx, descriptor(job)))

	got := h.load(t, job.ID)
	assert.Equal(t, entity.JobStatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Contains(t, *got.Error, errs.ErrDownloadFailed.Error())
	assert.Zero(t, h.gen.Reclaims())
}

func TestCloseReleasesGenerator(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &trainer.SimulatedTrainer{}, Options{})
	job := h.create(t, entity.JobKindGeneration, `{"prompt":"a fox"}`)

	require.NoError(t, h.o.RunOne(ctx, descriptor(job)))
	assert.True(t, h.gen.Loaded(), "the base model stays resident between jobs")

	require.NoError(t, h.o.Close(ctx))
	assert.False(t, h.gen.Loaded())
	require.NoError(t, h.o.Close(ctx))
}

func TestSubmit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &trainer.SimulatedTrainer{}, Options{})

	err := h.o.Submit(ctx, uuid.New())
	assert.True(t, errors.Is(err, errs.ErrNotFound))

	job := h.create(t, entity.JobKindGeneration, `{"prompt":"x"}`)
	require.NoError(t, h.o.Submit(ctx, job.ID))
	assert.Equal(t, []entity.JobDescriptor{descriptor(job)}, h.queue.Pending("generation"))

	snap, err := h.pub.Read(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, entity.JobStatusPending, snap.Status)

	require.NoError(t, h.o.RunOne(ctx, descriptor(job)))
	err = h.o.Submit(ctx, job.ID)
	assert.True(t, errors.Is(err, errs.ErrAlreadyInProgress))
}

func TestRecoverFailsOrphansAndRequeuesPending(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &trainer.SimulatedTrainer{}, Options{})

	orphan := h.create(t, entity.JobKindTraining, trainingConfig)
	now := time.Now().UTC()
	_, err := h.jobs.TransitionStatus(orphan.ID, entity.JobStatusPending, entity.JobStatusRunning, entity.JobPatch{StartedAt: &now})
	require.NoError(t, err)
	pending := h.create(t, entity.JobKindGeneration, `{"prompt":"x"}`)

	require.NoError(t, h.o.Recover(ctx, entity.JobKindTraining, entity.JobKindGeneration))

	got := h.load(t, orphan.ID)
	assert.Equal(t, entity.JobStatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Contains(t, *got.Error, "worker restarted")
	assert.NoError(t, got.Validate())
	assert.Equal(t, []entity.JobDescriptor{descriptor(pending)}, h.queue.Pending("generation"))
}

func TestStartRunsQueuesAndWatchesCancels(t *testing.T) {
	tr := &trainer.SimulatedTrainer{StepDelay: 50 * time.Millisecond}
	h := newHarness(t, tr, Options{CancelPollInterval: 10 * time.Millisecond, CancelGracePeriod: time.Second})
	ctx, cancel := context.WithCancel(context.Background())

	stopped := make(chan error, 1)
	go func() { stopped <- h.o.Start(ctx, h.queue) }()

	gen := h.create(t, entity.JobKindGeneration, `{"prompt":"x"}`)
	require.NoError(t, h.o.Submit(ctx, gen.ID))
	require.Eventually(t, func() bool {
		return h.load(t, gen.ID).Status == entity.JobStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	slow := h.create(t, entity.JobKindTraining, trainingConfig)
	require.NoError(t, h.o.Submit(ctx, slow.ID))
	require.Eventually(t, func() bool { return h.o.IsRunningHere(slow.ID) }, 5*time.Second, 5*time.Millisecond)

	// recorded by another process; the watcher must pick it up
	require.NoError(t, h.cancels.RequestCancel(ctx, slow.ID))
	require.Eventually(t, func() bool {
		return h.load(t, slow.ID).Status == entity.JobStatusCancelled
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-stopped:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after shutdown")
	}
}

// Random mixes of outcomes must always leave records where result refs exist only
// for completed jobs and an error only for failed ones.
func TestTerminalRecordsKeepInvariants(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))

	var mu sync.Mutex
	failing := map[string]bool{}
	h := newHarness(t, &trainer.SimulatedTrainer{}, Options{})
	h.o.Trainer = &selectiveTrainer{fail: failing, mu: &mu}

	var ids []uuid.UUID
	for i := 0; i < 40; i++ {
		name := fmt.Sprintf("/data/set-%d", i)
		job := h.create(t, entity.JobKindTraining, fmt.Sprintf(`{"dataset_path":%q,"steps":40}`, name))
		ids = append(ids, job.ID)

		switch rng.Intn(3) {
		case 0:
			require.NoError(t, h.o.Cancel(ctx, job.ID))
		case 1:
			mu.Lock()
			failing[name] = true
			mu.Unlock()
		}
		require.NoError(t, h.o.RunOne(ctx, descriptor(job)))
		// redelivery never changes a terminal record
		require.NoError(t, h.o.RunOne(ctx, descriptor(job)))
	}

	seen := map[entity.JobStatus]int{}
	for _, id := range ids {
		job := h.load(t, id)
		assert.True(t, job.Status.Terminal())
		assert.NoError(t, job.Validate(), "job %s", id)
		seen[job.Status]++
	}
	assert.Len(t, seen, 3, "every terminal status was exercised")
}

type selectiveTrainer struct {
	mu   *sync.Mutex
	fail map[string]bool
}

func (s *selectiveTrainer) Train(ctx context.Context, cfg trainer.TrainingConfig, onProgress trainer.ProgressFunc) (*trainer.Result, error) {
	s.mu.Lock()
	fail := s.fail[cfg.DatasetPath]
	s.mu.Unlock()
	sim := &trainer.SimulatedTrainer{}
	if fail {
		sim.FailAtStep = cfg.Steps / 2
	}
	return sim.Train(ctx, cfg, onProgress)
}

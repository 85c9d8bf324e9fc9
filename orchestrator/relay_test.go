package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tnqbao/gau-forge/entity"
	"github.com/tnqbao/gau-forge/infra"
	"github.com/tnqbao/gau-forge/progress"
	"github.com/tnqbao/gau-forge/repository"
	"gorm.io/datatypes"
)

// countingJobs counts progress-only writes to the record store
type countingJobs struct {
	repository.JobStore

	mu     sync.Mutex
	writes int
}

func (c *countingJobs) Update(id uuid.UUID, patch entity.JobPatch) error {
	if patch.Progress != nil && patch.Status == nil {
		c.mu.Lock()
		c.writes++
		c.mu.Unlock()
	}
	return c.JobStore.Update(id, patch)
}

func (c *countingJobs) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes
}

func newRelayHarness(t *testing.T, opts Options) (*Orchestrator, *countingJobs, *progress.MemoryPublisher, *entity.Job) {
	t.Helper()
	jobs := &countingJobs{JobStore: repository.NewMemoryJobRepository()}
	pub := progress.NewMemoryPublisher()
	o, err := New(Deps{
		Jobs:      jobs,
		Queue:     NewMemoryQueue(),
		Publisher: pub,
		Cancels:   progress.NewMemoryCancelRegistry(),
		Logger:    infra.NewDiscardLogger(),
	}, opts)
	require.NoError(t, err)

	job := entity.NewJob(entity.JobKindTraining, "relay", datatypes.JSON(`{}`))
	job.Status = entity.JobStatusRunning
	require.NoError(t, jobs.Create(job))
	return o, jobs, pub, job
}

func TestRelayThrottlesRecordWrites(t *testing.T) {
	o, jobs, pub, job := newRelayHarness(t, Options{
		ProgressFlushInterval: time.Hour,
		ProgressFlushSteps:    10,
	})
	rel := o.newRelay(context.Background(), job)

	for step := 1; step <= 25; step++ {
		rel.report(step, 25, nil, "")
	}

	assert.Len(t, pub.History(job.ID), 25, "every event reaches the publisher")
	// steps 10 and 20 cross the step window and 25 is the last step
	assert.Equal(t, 3, jobs.count())

	stored, err := jobs.FindByID(job.ID)
	require.NoError(t, err)
	assert.Equal(t, 25, stored.CurrentStep)
}

func TestRelayDropsBackwardsAndLateEvents(t *testing.T) {
	o, _, pub, job := newRelayHarness(t, Options{})
	rel := o.newRelay(context.Background(), job)

	rel.report(5, 10, nil, "")
	rel.report(3, 10, nil, "")
	final := rel.close()
	rel.report(9, 10, nil, "")

	assert.Equal(t, 5, final.CurrentStep)
	history := pub.History(job.ID)
	require.Len(t, history, 1)
	assert.Equal(t, 5, history[0].CurrentStep)
	assertStepsMonotonic(t, history)
}

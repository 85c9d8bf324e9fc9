package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tnqbao/gau-forge/entity"
)

func TestMemoryQueueFIFOPerQueue(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	a := entity.JobDescriptor{JobID: uuid.New(), Kind: entity.JobKindTraining}
	b := entity.JobDescriptor{JobID: uuid.New(), Kind: entity.JobKindTraining}
	g := entity.JobDescriptor{JobID: uuid.New(), Kind: entity.JobKindGeneration}

	require.NoError(t, q.Enqueue(ctx, "training", a))
	require.NoError(t, q.Enqueue(ctx, "generation", g))
	require.NoError(t, q.Enqueue(ctx, "training", b))

	got, err := q.Dequeue(ctx, "training")
	require.NoError(t, err)
	assert.Equal(t, a, got)
	got, err = q.Dequeue(ctx, "training")
	require.NoError(t, err)
	assert.Equal(t, b, got)
	assert.Equal(t, 1, q.Len("generation"))
}

func TestMemoryQueueDequeueWaits(t *testing.T) {
	q := NewMemoryQueue()
	desc := entity.JobDescriptor{JobID: uuid.New(), Kind: entity.JobKindGeneration}

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = q.Enqueue(context.Background(), "generation", desc)
	}()

	got, err := q.Dequeue(context.Background(), "generation")
	require.NoError(t, err)
	assert.Equal(t, desc, got)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = q.Dequeue(ctx, "generation")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryQueueDeliveriesOneAtATime(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q := NewMemoryQueue()
	for i := 0; i < 2; i++ {
		require.NoError(t, q.Enqueue(ctx, "training", entity.JobDescriptor{JobID: uuid.New(), Kind: entity.JobKindTraining}))
	}

	deliveries, err := q.Deliveries(ctx, "training")
	require.NoError(t, err)

	first := <-deliveries
	select {
	case <-deliveries:
		t.Fatal("second delivery handed out before the first was done")
	case <-time.After(30 * time.Millisecond):
	}
	first.Done()

	select {
	case d := <-deliveries:
		assert.NotEqual(t, first.Descriptor.JobID, d.Descriptor.JobID)
	case <-time.After(time.Second):
		t.Fatal("second delivery not handed out")
	}
}

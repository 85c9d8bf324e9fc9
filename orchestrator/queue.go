package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"github.com/tnqbao/gau-forge/entity"
)

// Queue publishes descriptors onto a named queue. produce.JobProduceService is
// the RabbitMQ implementation.
type Queue interface {
	Enqueue(ctx context.Context, queue string, desc entity.JobDescriptor) error
}

// Delivery is one dequeued descriptor. Done is called once RunOne has returned;
// a RabbitMQ source acks the message there.
type Delivery struct {
	Descriptor entity.JobDescriptor
	Done       func()
}

// Source hands out the deliveries of a named queue. The channel closes when the
// underlying consumer stops.
type Source interface {
	Deliveries(ctx context.Context, queue string) (<-chan Delivery, error)
}

// MemoryQueue is an unbounded in-process Queue and Source
type MemoryQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queues map[string][]entity.JobDescriptor
	closed bool
}

func NewMemoryQueue() *MemoryQueue {
	q := &MemoryQueue{queues: make(map[string][]entity.JobDescriptor)}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *MemoryQueue) Enqueue(ctx context.Context, queue string, desc entity.JobDescriptor) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return fmt.Errorf("queue %s closed", queue)
	}
	q.queues[queue] = append(q.queues[queue], desc)
	q.cond.Broadcast()
	return nil
}

// Dequeue blocks until a descriptor is available on queue or ctx ends
func (q *MemoryQueue) Dequeue(ctx context.Context, queue string) (entity.JobDescriptor, error) {
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		q.cond.Broadcast()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.queues[queue]) == 0 {
		if err := ctx.Err(); err != nil {
			return entity.JobDescriptor{}, err
		}
		if q.closed {
			return entity.JobDescriptor{}, fmt.Errorf("queue %s closed", queue)
		}
		q.cond.Wait()
	}
	desc := q.queues[queue][0]
	q.queues[queue] = q.queues[queue][1:]
	return desc, nil
}

// Len is the number of descriptors waiting on queue
func (q *MemoryQueue) Len(queue string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[queue])
}

// Pending returns the descriptors waiting on queue without removing them
func (q *MemoryQueue) Pending(queue string) []entity.JobDescriptor {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]entity.JobDescriptor(nil), q.queues[queue]...)
}

func (q *MemoryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// Deliveries adapts Dequeue to a Source. Each delivery is handed out only after
// the previous one is done, like a prefetch of one.
func (q *MemoryQueue) Deliveries(ctx context.Context, queue string) (<-chan Delivery, error) {
	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			desc, err := q.Dequeue(ctx, queue)
			if err != nil {
				return
			}
			done := make(chan struct{})
			select {
			case out <- Delivery{Descriptor: desc, Done: func() { close(done) }}:
			case <-ctx.Done():
				return
			}
			select {
			case <-done:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

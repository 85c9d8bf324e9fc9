package progress

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryPublisher keeps the latest snapshot per job plus the full publish history.
// TTLs are ignored.
type MemoryPublisher struct {
	mu      sync.Mutex
	latest  map[uuid.UUID]Snapshot
	history map[uuid.UUID][]Snapshot
}

func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{
		latest:  make(map[uuid.UUID]Snapshot),
		history: make(map[uuid.UUID][]Snapshot),
	}
}

func (p *MemoryPublisher) Publish(ctx context.Context, snapshot Snapshot, ttl time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if snapshot.UpdatedAt.IsZero() {
		snapshot.UpdatedAt = time.Now().UTC()
	}
	p.latest[snapshot.JobID] = snapshot
	p.history[snapshot.JobID] = append(p.history[snapshot.JobID], snapshot)
	return nil
}

func (p *MemoryPublisher) Read(ctx context.Context, jobID uuid.UUID) (*Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.latest[jobID]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

// History returns every snapshot published for a job, oldest first
func (p *MemoryPublisher) History(jobID uuid.UUID) []Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Snapshot(nil), p.history[jobID]...)
}

type MemoryCancelRegistry struct {
	mu        sync.Mutex
	requested map[uuid.UUID]bool
}

func NewMemoryCancelRegistry() *MemoryCancelRegistry {
	return &MemoryCancelRegistry{requested: make(map[uuid.UUID]bool)}
}

func (r *MemoryCancelRegistry) RequestCancel(ctx context.Context, jobID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requested[jobID] = true
	return nil
}

func (r *MemoryCancelRegistry) IsCancelRequested(ctx context.Context, jobID uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.requested[jobID], nil
}

func (r *MemoryCancelRegistry) Clear(ctx context.Context, jobID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.requested, jobID)
	return nil
}

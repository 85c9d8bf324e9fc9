package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/tnqbao/gau-forge/entity"
)

// relay forwards adapter progress. Every accepted event goes to the publisher;
// the record store is written at most once per flush interval or flush step
// window, and always for the last step. Steps never go backwards and events after
// close are dropped, so a late adapter cannot touch a finalized job.
type relay struct {
	o   *Orchestrator
	ctx context.Context

	mu        sync.Mutex
	job       *entity.Job
	closed    bool
	flushedAt time.Time
	flushStep int
}

func (o *Orchestrator) newRelay(ctx context.Context, job *entity.Job) *relay {
	return &relay{o: o, ctx: ctx, job: job, flushedAt: time.Now()}
}

func (r *relay) report(step, total int, metric *float64, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if step < r.job.CurrentStep {
		return
	}
	if total <= 0 {
		total = r.job.TotalSteps
	}

	p := entity.NewProgress(step, total, metric)
	if metric == nil {
		p.CurrentMetric = r.job.CurrentMetric
	}
	r.job.CurrentStep = p.CurrentStep
	r.job.TotalSteps = p.TotalSteps
	r.job.CurrentMetric = p.CurrentMetric
	r.job.Percent = p.Percent

	r.o.publish(r.ctx, r.job, message)

	last := p.TotalSteps > 0 && p.CurrentStep >= p.TotalSteps
	if last || time.Since(r.flushedAt) >= r.o.opts.ProgressFlushInterval || p.CurrentStep-r.flushStep >= r.o.opts.ProgressFlushSteps {
		r.flushLocked()
	}
}

func (r *relay) flushLocked() {
	p := r.job.Snapshot()
	if err := r.o.Jobs.Update(r.job.ID, entity.JobPatch{Progress: &p}); err != nil {
		r.o.Logger.WarningWithContextf(r.ctx, "[Orchestrator] Failed to persist progress for job %s: %v", r.job.ID, err)
		return
	}
	r.flushedAt = time.Now()
	r.flushStep = p.CurrentStep
}

// close stops the relay and returns the last accepted progress. Unflushed
// progress is returned for the terminal update rather than written here.
func (r *relay) close() entity.Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return r.job.Snapshot()
}

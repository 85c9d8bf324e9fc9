package orchestrator

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tnqbao/gau-forge/errs"
)

var errShutdown = errors.New("worker shut down before the job finished")

// execution is a job running in this process. Its context ends on user cancel,
// on the wall-clock ceiling or when the worker shuts down; the cause tells which.
type execution struct {
	jobID     uuid.UUID
	ctx       context.Context
	cancel    context.CancelCauseFunc
	stop      func() bool
	userAbort atomic.Bool
}

func (o *Orchestrator) register(parent context.Context, jobID uuid.UUID) *execution {
	// the job must not inherit a plain cancel from the worker; shutdown is mapped
	// to its own cause below
	base, cancel := context.WithCancelCause(context.WithoutCancel(parent))
	ctx, cancelTimeout := context.WithTimeoutCause(base, o.opts.JobTimeout, errs.ErrTimeout)

	exec := &execution{
		jobID: jobID,
		ctx:   ctx,
		cancel: func(cause error) {
			cancel(cause)
			cancelTimeout()
		},
	}
	exec.stop = context.AfterFunc(parent, func() { exec.cancel(errShutdown) })

	o.mu.Lock()
	o.running[jobID] = exec
	o.mu.Unlock()
	return exec
}

func (o *Orchestrator) unregister(exec *execution) {
	exec.stop()
	exec.cancel(context.Canceled)
	o.mu.Lock()
	delete(o.running, exec.jobID)
	o.mu.Unlock()
}

func (e *execution) cancelByUser() {
	e.userAbort.Store(true)
	e.cancel(errs.ErrCancelled)
}

func (e *execution) cancelledByUser() bool {
	return e.userAbort.Load()
}

// watchCancels polls the cancel registry for jobs running in this process so a
// cancel recorded by another process reaches the adapter.
func (o *Orchestrator) watchCancels(ctx context.Context) error {
	ticker := time.NewTicker(o.opts.CancelPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			o.pollCancels(ctx)
		}
	}
}

func (o *Orchestrator) pollCancels(ctx context.Context) {
	o.mu.Lock()
	execs := make([]*execution, 0, len(o.running))
	for _, e := range o.running {
		execs = append(execs, e)
	}
	o.mu.Unlock()

	for _, e := range execs {
		if e.cancelledByUser() {
			continue
		}
		requested, err := o.Cancels.IsCancelRequested(ctx, e.jobID)
		if err != nil {
			o.Logger.WarningWithContextf(ctx, "[Orchestrator] Failed to check cancel signal for job %s: %v", e.jobID, err)
			continue
		}
		if requested {
			o.Logger.InfoWithContextf(ctx, "[Orchestrator] Cancel signal received for job %s", e.jobID)
			e.cancelByUser()
		}
	}
}

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tnqbao/gau-forge/entity"
	"github.com/tnqbao/gau-forge/errs"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// outcome is what an adapter run produced before the terminal status is decided
type outcome struct {
	refs  []string
	model *entity.Model
	err   error
}

func jobAttrs(job *entity.Job) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("job.kind", string(job.Kind)),
		attribute.String("job.status", string(job.Status)),
	}
}

// RunOne executes the job named by desc to a terminal status. Redelivered
// descriptors of jobs that are already terminal or running are ignored. The
// returned error is about the descriptor itself; job failures are recorded on the
// job and do not surface here.
func (o *Orchestrator) RunOne(ctx context.Context, desc entity.JobDescriptor) error {
	ctx, span := o.tracer.Start(ctx, "orchestrator.RunOne", trace.WithAttributes(
		attribute.String("job.id", desc.JobID.String()),
		attribute.String("job.kind", string(desc.Kind)),
	))
	defer span.End()

	job, err := o.Jobs.FindByID(desc.JobID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	switch {
	case job.Status.Terminal():
		o.Logger.InfoWithContextf(ctx, "[Orchestrator] Job %s already %s, skipping", job.ID, job.Status)
		return nil
	case job.Status == entity.JobStatusRunning:
		o.Logger.WarningWithContextf(ctx, "[Orchestrator] Job %s is already running, skipping redelivery", job.ID)
		return nil
	}

	requested, err := o.Cancels.IsCancelRequested(ctx, job.ID)
	if err != nil {
		o.Logger.WarningWithContextf(ctx, "[Orchestrator] Failed to check cancel signal for job %s: %v", job.ID, err)
	}
	if requested {
		_, err := o.finalizePending(ctx, job)
		return err
	}

	started := time.Now().UTC()
	ok, err := o.Jobs.TransitionStatus(job.ID, entity.JobStatusPending, entity.JobStatusRunning, entity.JobPatch{StartedAt: &started})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to start job %s: %w", job.ID, err)
	}
	if !ok {
		o.Logger.InfoWithContextf(ctx, "[Orchestrator] Job %s left pending before it could start", job.ID)
		return nil
	}
	job.Status = entity.JobStatusRunning
	job.StartedAt = &started

	exec := o.register(ctx, job.ID)
	defer o.unregister(exec)

	o.started.Add(ctx, 1, metric.WithAttributes(attribute.String("job.kind", string(job.Kind))))
	o.Logger.InfoWithContextf(ctx, "[Orchestrator] Job %s (%s) started", job.ID, job.Kind)
	o.publish(ctx, job, "started")

	rel := o.newRelay(context.WithoutCancel(ctx), job)
	out, straggler := o.execute(exec, job, rel)
	final := rel.close()

	o.finish(ctx, exec, job, final, out)
	span.SetAttributes(attribute.String("job.status", string(job.Status)))

	if straggler != nil {
		o.awaitAdapter(ctx, job.ID, straggler)
	}
	return nil
}

// execute runs the adapter and waits for it. Once the job context ends the
// adapter gets the grace period to return; after that the job is finalized
// without it and the returned channel closes when the adapter finally returns.
func (o *Orchestrator) execute(exec *execution, job *entity.Job, rel *relay) (outcome, <-chan struct{}) {
	done := make(chan outcome, 1)
	returned := make(chan struct{})
	go func() {
		defer close(returned)
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("%w: adapter panicked: %v", errs.ErrAdapterFailure, r)}
			}
		}()
		done <- o.runAdapter(exec.ctx, job, rel)
	}()

	select {
	case out := <-done:
		return out, nil
	case <-exec.ctx.Done():
	}

	grace := time.NewTimer(o.opts.CancelGracePeriod)
	defer grace.Stop()
	select {
	case out := <-done:
		return out, nil
	case <-grace.C:
		o.Logger.WarningWithContextf(exec.ctx, "[Orchestrator] Job %s adapter did not stop within %s, finalizing without it", job.ID, o.opts.CancelGracePeriod)
		return outcome{err: context.Cause(exec.ctx)}, returned
	}
}

// awaitAdapter holds the worker until an adapter that outlived its grace period
// has returned, so the next job on this queue never shares the device with it.
// Only worker shutdown ends the wait early.
func (o *Orchestrator) awaitAdapter(ctx context.Context, jobID uuid.UUID, returned <-chan struct{}) {
	ticker := time.NewTicker(o.opts.CancelGracePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-returned:
			o.Logger.InfoWithContextf(ctx, "[Orchestrator] Adapter of job %s stopped", jobID)
			return
		case <-ctx.Done():
			o.Logger.WarningWithContextf(context.WithoutCancel(ctx), "[Orchestrator] Worker stopping while the adapter of job %s is still running", jobID)
			return
		case <-ticker.C:
			o.Logger.WarningWithContextf(ctx, "[Orchestrator] Still waiting for the adapter of job %s to stop", jobID)
		}
	}
}

func (o *Orchestrator) runAdapter(ctx context.Context, job *entity.Job, rel *relay) outcome {
	switch job.Kind {
	case entity.JobKindTraining:
		return o.runTraining(ctx, job, rel)
	case entity.JobKindGeneration:
		return o.runGeneration(ctx, job, rel)
	default:
		return outcome{err: fmt.Errorf("%w: unknown job kind %q", errs.ErrValidation, job.Kind)}
	}
}

// resolveStatus decides the terminal status. User intent to cancel wins over any
// result, including a success that arrived after the cancel.
func (o *Orchestrator) resolveStatus(ctx context.Context, exec *execution, out outcome) (entity.JobStatus, error) {
	if exec.cancelledByUser() {
		return entity.JobStatusCancelled, nil
	}
	if requested, err := o.Cancels.IsCancelRequested(ctx, exec.jobID); err == nil && requested {
		return entity.JobStatusCancelled, nil
	}
	if out.err == nil {
		return entity.JobStatusCompleted, nil
	}

	cause := context.Cause(exec.ctx)
	switch {
	case errors.Is(cause, errs.ErrTimeout):
		return entity.JobStatusFailed, fmt.Errorf("%w (%s)", errs.ErrTimeout, o.opts.JobTimeout)
	case errors.Is(cause, errShutdown):
		return entity.JobStatusFailed, errShutdown
	}
	return entity.JobStatusFailed, out.err
}

// finish writes the single terminal update and announces it
func (o *Orchestrator) finish(ctx context.Context, exec *execution, job *entity.Job, final entity.Progress, out outcome) {
	ctx = context.WithoutCancel(ctx)
	status, failure := o.resolveStatus(ctx, exec, out)

	now := time.Now().UTC()
	patch := entity.JobPatch{Progress: &final, CompletedAt: &now}
	switch status {
	case entity.JobStatusCompleted:
		if len(out.refs) == 0 {
			status = entity.JobStatusFailed
			failure = fmt.Errorf("%w: job produced no results", errs.ErrAdapterFailure)
			break
		}
		patch.ResultRefs = out.refs
	}
	if status == entity.JobStatusFailed {
		msg := failure.Error()
		patch.Error = &msg
	}

	if status != entity.JobStatusCompleted {
		o.discardResults(ctx, job, out.refs)
	}
	ok, err := o.Jobs.TransitionStatus(job.ID, entity.JobStatusRunning, status, patch)
	if err != nil {
		o.Logger.ErrorWithContextf(ctx, err, "[Orchestrator] Failed to record terminal status %s for job %s", status, job.ID)
		return
	}
	if !ok {
		o.Logger.WarningWithContextf(ctx, "[Orchestrator] Job %s was no longer running when it finished as %s", job.ID, status)
		return
	}

	if status == entity.JobStatusCompleted && out.model != nil && o.Models != nil {
		if err := o.Models.Create(out.model); err != nil {
			o.Logger.ErrorWithContextf(ctx, err, "[Orchestrator] Failed to record model for job %s", job.ID)
		}
	}

	job.Status = status
	job.CompletedAt = &now
	job.CurrentStep, job.TotalSteps, job.CurrentMetric, job.Percent = final.CurrentStep, final.TotalSteps, final.CurrentMetric, final.Percent
	job.ResultRefs = patch.ResultRefs
	job.Error = patch.Error

	switch status {
	case entity.JobStatusFailed:
		o.Logger.ErrorWithContextf(ctx, failure, "[Orchestrator] Job %s failed", job.ID)
	case entity.JobStatusCancelled:
		o.Logger.InfoWithContextf(ctx, "[Orchestrator] Job %s cancelled at step %d", job.ID, final.CurrentStep)
	default:
		o.Logger.InfoWithContextf(ctx, "[Orchestrator] Job %s completed with %d results", job.ID, len(job.ResultRefs))
	}
	o.announce(ctx, job, string(status))

	o.finished.Add(ctx, 1, metric.WithAttributes(jobAttrs(job)...))
	if job.StartedAt != nil {
		o.duration.Record(ctx, now.Sub(*job.StartedAt).Seconds(), metric.WithAttributes(attribute.String("job.kind", string(job.Kind))))
	}
}

// discardResults deletes blobs uploaded by a run that did not complete
func (o *Orchestrator) discardResults(ctx context.Context, job *entity.Job, refs []string) {
	if o.Blobs == nil {
		return
	}
	for _, key := range refs {
		if err := o.Blobs.Delete(ctx, key); err != nil {
			o.Logger.WarningWithContextf(ctx, "[Orchestrator] Failed to delete %s of job %s: %v", key, job.ID, err)
		}
	}
}

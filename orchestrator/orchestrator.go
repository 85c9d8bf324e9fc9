// Package orchestrator owns the job state machine. It accepts submissions, runs
// one job at a time per queue through the trainer or generator, relays progress,
// publishes results and records exactly one terminal status per job.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tnqbao/gau-forge/blobstore"
	"github.com/tnqbao/gau-forge/entity"
	"github.com/tnqbao/gau-forge/errs"
	"github.com/tnqbao/gau-forge/generator"
	"github.com/tnqbao/gau-forge/infra"
	"github.com/tnqbao/gau-forge/progress"
	"github.com/tnqbao/gau-forge/repository"
	"github.com/tnqbao/gau-forge/trainer"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "github.com/tnqbao/gau-forge/orchestrator"
	defaultCancelGrace  = 30 * time.Second
)

// ArtifactCache resolves a blob key to a local file and keeps it from being
// evicted until release is called. modelcache.Manager implements it.
type ArtifactCache interface {
	Acquire(ctx context.Context, key string) (path string, release func(), err error)
}

// EventSink is told about every job that reaches a terminal status.
// produce.JobEventService implements it.
type EventSink interface {
	PublishJobFinished(ctx context.Context, job *entity.Job) error
}

type Options struct {
	JobTimeout            time.Duration
	CancelGracePeriod     time.Duration
	CancelPollInterval    time.Duration
	ProgressFlushInterval time.Duration
	ProgressFlushSteps    int
	ProgressTTL           time.Duration

	// Local scratch roots; each job works in <root>/<job id>
	TrainingOutputRoot   string
	GenerationOutputRoot string
}

func (o *Options) applyDefaults() {
	if o.JobTimeout <= 0 {
		o.JobTimeout = 4 * time.Hour
	}
	if o.CancelGracePeriod <= 0 {
		o.CancelGracePeriod = defaultCancelGrace
	}
	if o.CancelPollInterval <= 0 {
		o.CancelPollInterval = 2 * time.Second
	}
	if o.ProgressFlushInterval <= 0 {
		o.ProgressFlushInterval = time.Second
	}
	if o.ProgressFlushSteps <= 0 {
		o.ProgressFlushSteps = 50
	}
	if o.ProgressTTL <= 0 {
		o.ProgressTTL = progress.DefaultTTL
	}
}

// Deps are the collaborators of an Orchestrator. Trainer, Generator and Cache may
// be nil in a process that only submits and cancels; Events is optional.
type Deps struct {
	Jobs      repository.JobStore
	Models    repository.ModelStore
	Blobs     blobstore.Store
	Queue     Queue
	Publisher progress.Publisher
	Cancels   progress.CancelRegistry
	Cache     ArtifactCache
	Trainer   trainer.Trainer
	Generator generator.Generator
	Events    EventSink
	Logger    *infra.LoggerClient
}

type Orchestrator struct {
	Deps
	opts Options

	mu      sync.Mutex
	running map[uuid.UUID]*execution

	tracer   trace.Tracer
	started  metric.Int64Counter
	finished metric.Int64Counter
	duration metric.Float64Histogram
}

func New(deps Deps, opts Options) (*Orchestrator, error) {
	if deps.Jobs == nil || deps.Queue == nil || deps.Publisher == nil || deps.Cancels == nil || deps.Logger == nil {
		return nil, fmt.Errorf("orchestrator: jobs, queue, publisher, cancels and logger are required")
	}
	opts.applyDefaults()

	o := &Orchestrator{
		Deps:    deps,
		opts:    opts,
		running: make(map[uuid.UUID]*execution),
		tracer:  otel.Tracer(instrumentationName),
	}

	meter := otel.Meter(instrumentationName)
	var err error
	if o.started, err = meter.Int64Counter("orchestrator.jobs.started"); err != nil {
		return nil, err
	}
	if o.finished, err = meter.Int64Counter("orchestrator.jobs.finished", metric.WithDescription("Jobs by kind and terminal status")); err != nil {
		return nil, err
	}
	if o.duration, err = meter.Float64Histogram("orchestrator.job.duration", metric.WithUnit("s")); err != nil {
		return nil, err
	}
	return o, nil
}

// Submit places a pending job on the queue named by its kind
func (o *Orchestrator) Submit(ctx context.Context, jobID uuid.UUID) error {
	job, err := o.Jobs.FindByID(jobID)
	if err != nil {
		return err
	}
	if job.Status != entity.JobStatusPending {
		return fmt.Errorf("job %s is %s: %w", jobID, job.Status, errs.ErrAlreadyInProgress)
	}

	desc := entity.JobDescriptor{JobID: job.ID, Kind: job.Kind}
	if err := o.Queue.Enqueue(ctx, job.Kind.QueueName(), desc); err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", jobID, err)
	}

	o.publish(ctx, job, "queued")
	o.Logger.InfoWithContextf(ctx, "[Orchestrator] Job %s submitted to %s queue", jobID, job.Kind.QueueName())
	return nil
}

// Cancel records user intent to stop a job. Terminal jobs are left alone. A
// pending job is finalized as cancelled right away; a running job is stopped by
// the worker that owns it, immediately if that is this process.
func (o *Orchestrator) Cancel(ctx context.Context, jobID uuid.UUID) error {
	job, err := o.Jobs.FindByID(jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return nil
	}

	if err := o.Cancels.RequestCancel(ctx, jobID); err != nil {
		return fmt.Errorf("failed to record cancel for job %s: %w", jobID, err)
	}
	o.Logger.InfoWithContextf(ctx, "[Orchestrator] Cancel requested for job %s (%s)", jobID, job.Status)

	if job.Status == entity.JobStatusPending {
		if done, err := o.finalizePending(ctx, job); err != nil || done {
			return err
		}
		// it started running meanwhile; stop it like any running job
	}

	o.mu.Lock()
	exec := o.running[jobID]
	o.mu.Unlock()
	if exec != nil {
		exec.cancelByUser()
	}
	return nil
}

// finalizePending moves a pending job straight to cancelled. It reports false when
// the job was no longer pending.
func (o *Orchestrator) finalizePending(ctx context.Context, job *entity.Job) (bool, error) {
	now := time.Now().UTC()
	ok, err := o.Jobs.TransitionStatus(job.ID, entity.JobStatusPending, entity.JobStatusCancelled, entity.JobPatch{CompletedAt: &now})
	if err != nil {
		return false, fmt.Errorf("failed to cancel job %s: %w", job.ID, err)
	}
	if !ok {
		return false, nil
	}

	job.Status = entity.JobStatusCancelled
	job.CompletedAt = &now
	o.announce(ctx, job, "cancelled before start")
	o.finished.Add(ctx, 1, metric.WithAttributes(jobAttrs(job)...))
	o.Logger.InfoWithContextf(ctx, "[Orchestrator] Job %s cancelled before it started", job.ID)
	return true, nil
}

// publish writes the current state of job to the progress publisher. Progress
// is best effort and never fails a job.
func (o *Orchestrator) publish(ctx context.Context, job *entity.Job, message string) {
	if err := o.Publisher.Publish(ctx, progress.SnapshotOf(job, message), o.opts.ProgressTTL); err != nil {
		o.Logger.WarningWithContextf(ctx, "[Orchestrator] Failed to publish progress for job %s: %v", job.ID, err)
	}
}

// announce publishes the terminal snapshot and the finished event and drops the
// cancel signal, which has served its purpose.
func (o *Orchestrator) announce(ctx context.Context, job *entity.Job, message string) {
	ctx = context.WithoutCancel(ctx)
	o.publish(ctx, job, message)
	if o.Events != nil {
		if err := o.Events.PublishJobFinished(ctx, job); err != nil {
			o.Logger.WarningWithContextf(ctx, "[Orchestrator] Failed to publish finished event for job %s: %v", job.ID, err)
		}
	}
	if err := o.Cancels.Clear(ctx, job.ID); err != nil {
		o.Logger.WarningWithContextf(ctx, "[Orchestrator] Failed to clear cancel signal for job %s: %v", job.ID, err)
	}
}

// Recover settles jobs left behind by a previous worker process. Jobs of the given
// kinds still marked running are failed; pending ones are queued again.
func (o *Orchestrator) Recover(ctx context.Context, kinds ...entity.JobKind) error {
	serves := make(map[entity.JobKind]bool, len(kinds))
	for _, k := range kinds {
		serves[k] = true
	}

	orphans, err := o.Jobs.ListByStatus(entity.JobStatusRunning)
	if err != nil {
		return fmt.Errorf("failed to list running jobs: %w", err)
	}
	for i := range orphans {
		job := &orphans[i]
		if !serves[job.Kind] {
			continue
		}
		now := time.Now().UTC()
		msg := "worker restarted while the job was running"
		ok, err := o.Jobs.TransitionStatus(job.ID, entity.JobStatusRunning, entity.JobStatusFailed, entity.JobPatch{Error: &msg, CompletedAt: &now})
		if err != nil {
			return fmt.Errorf("failed to fail orphaned job %s: %w", job.ID, err)
		}
		if ok {
			job.Status = entity.JobStatusFailed
			job.Error = &msg
			job.CompletedAt = &now
			o.announce(ctx, job, msg)
			o.Logger.WarningWithContextf(ctx, "[Orchestrator] Failed orphaned job %s", job.ID)
		}
	}

	pending, err := o.Jobs.ListByStatus(entity.JobStatusPending)
	if err != nil {
		return fmt.Errorf("failed to list pending jobs: %w", err)
	}
	requeued := 0
	for _, job := range pending {
		if !serves[job.Kind] {
			continue
		}
		if err := o.Queue.Enqueue(ctx, job.Kind.QueueName(), entity.JobDescriptor{JobID: job.ID, Kind: job.Kind}); err != nil {
			return fmt.Errorf("failed to requeue job %s: %w", job.ID, err)
		}
		requeued++
	}
	if requeued > 0 {
		o.Logger.InfoWithContextf(ctx, "[Orchestrator] Requeued %d pending jobs", requeued)
	}
	return nil
}

// IsRunningHere reports whether this process is executing the job
func (o *Orchestrator) IsRunningHere(jobID uuid.UUID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.running[jobID]
	return ok
}

// Close frees what the adapters hold on the device. Call it once the workers
// have returned; it is safe when no generator was configured.
func (o *Orchestrator) Close(ctx context.Context) error {
	if o.Generator == nil {
		return nil
	}
	if err := o.Generator.Release(ctx); err != nil {
		return fmt.Errorf("failed to release generator: %w", err)
	}
	o.Logger.InfoWithContextf(ctx, "[Orchestrator] Generator released")
	return nil
}

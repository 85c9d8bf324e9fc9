package orchestrator

import (
	"context"
	"fmt"

	"github.com/tnqbao/gau-forge/entity"
	"golang.org/x/sync/errgroup"
)

// Kinds lists the job kinds this orchestrator has an adapter for
func (o *Orchestrator) Kinds() []entity.JobKind {
	var kinds []entity.JobKind
	if o.Trainer != nil {
		kinds = append(kinds, entity.JobKindTraining)
	}
	if o.Generator != nil {
		kinds = append(kinds, entity.JobKindGeneration)
	}
	return kinds
}

// Start recovers jobs left by a previous process, then runs one worker per queue
// it has an adapter for, plus the cancel watcher. Each worker handles strictly one
// delivery at a time. Start returns when ctx ends or a queue closes.
func (o *Orchestrator) Start(ctx context.Context, src Source) error {
	kinds := o.Kinds()
	if len(kinds) == 0 {
		return fmt.Errorf("orchestrator: no trainer or generator configured")
	}
	if err := o.Recover(ctx, kinds...); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, kind := range kinds {
		queue := kind.QueueName()
		deliveries, err := src.Deliveries(gctx, queue)
		if err != nil {
			return fmt.Errorf("failed to consume %s queue: %w", queue, err)
		}
		g.Go(func() error {
			return o.work(gctx, queue, deliveries)
		})
	}
	g.Go(func() error {
		return o.watchCancels(gctx)
	})
	return g.Wait()
}

func (o *Orchestrator) work(ctx context.Context, queue string, deliveries <-chan Delivery) error {
	o.Logger.InfoWithContextf(ctx, "[Orchestrator] Worker started on %s queue", queue)
	for {
		select {
		case <-ctx.Done():
			o.Logger.InfoWithContextf(ctx, "[Orchestrator] Worker on %s queue shutting down", queue)
			return nil
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("%s queue closed", queue)
			}
			if err := o.RunOne(ctx, d.Descriptor); err != nil {
				o.Logger.ErrorWithContextf(ctx, err, "[Orchestrator] Failed to run job %s from %s queue", d.Descriptor.JobID, queue)
			}
			if d.Done != nil {
				d.Done()
			}
		}
	}
}

package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/tnqbao/gau-forge/entity"
	"github.com/tnqbao/gau-forge/infra"
	"github.com/tnqbao/gau-forge/orchestrator"
)

// JobConsumer feeds job descriptors from RabbitMQ to the orchestrator. Each queue
// gets its own channel with a prefetch of one, so a worker never holds a second
// descriptor while a job is running.
type JobConsumer struct {
	infra *infra.Infra

	mu       sync.Mutex
	channels []*amqp.Channel
}

func NewJobConsumer(infra *infra.Infra) *JobConsumer {
	return &JobConsumer{infra: infra}
}

func decodeDescriptor(body []byte) (entity.JobDescriptor, error) {
	var desc entity.JobDescriptor
	if err := json.Unmarshal(body, &desc); err != nil {
		return desc, fmt.Errorf("invalid descriptor: %w", err)
	}
	if desc.JobID == uuid.Nil {
		return desc, fmt.Errorf("descriptor without job_id")
	}
	if !desc.Kind.Valid() {
		return desc, fmt.Errorf("descriptor with unknown kind %q", desc.Kind)
	}
	return desc, nil
}

// Deliveries implements orchestrator.Source. The message is acked when the
// orchestrator calls Done; malformed messages are dropped without requeue.
func (c *JobConsumer) Deliveries(ctx context.Context, queue string) (<-chan orchestrator.Delivery, error) {
	channel, err := c.infra.RabbitMQ.NewConsumerChannel(1)
	if err != nil {
		return nil, err
	}

	msgs, err := channel.Consume(
		queue,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		_ = channel.Close()
		return nil, fmt.Errorf("failed to register %s consumer: %w", queue, err)
	}

	c.mu.Lock()
	c.channels = append(c.channels, channel)
	c.mu.Unlock()

	c.infra.Logger.InfoWithContextf(ctx, "[Job Consumer] Started listening for jobs on queue: %s", queue)

	out := make(chan orchestrator.Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				c.infra.Logger.InfoWithContextf(ctx, "[Job Consumer - %s] Shutting down...", queue)
				return
			case msg, ok := <-msgs:
				if !ok {
					c.infra.Logger.WarningWithContextf(ctx, "[Job Consumer - %s] Channel closed", queue)
					return
				}
				if !c.forward(ctx, queue, msg, out) {
					return
				}
			}
		}
	}()

	return out, nil
}

// forward hands one message to the orchestrator and waits until it is done with
// it. It reports false when ctx ended first.
func (c *JobConsumer) forward(ctx context.Context, queue string, msg amqp.Delivery, out chan<- orchestrator.Delivery) bool {
	desc, err := decodeDescriptor(msg.Body)
	if err != nil {
		c.infra.Logger.ErrorWithContextf(ctx, err, "[Job Consumer - %s] Dropping message %s", queue, msg.MessageId)
		_ = msg.Nack(false, false)
		return true
	}

	done := make(chan struct{})
	delivery := orchestrator.Delivery{
		Descriptor: desc,
		Done: func() {
			if err := msg.Ack(false); err != nil {
				c.infra.Logger.ErrorWithContextf(ctx, err, "[Job Consumer - %s] Failed to ack job %s", queue, desc.JobID)
			}
			close(done)
		},
	}

	select {
	case out <- delivery:
	case <-ctx.Done():
		// never handed over; let the broker redeliver it
		_ = msg.Nack(false, true)
		return false
	}

	<-done
	return true
}

// Close stops every consumer channel opened by Deliveries
func (c *JobConsumer) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.channels {
		_ = ch.Close()
	}
	c.channels = nil
}

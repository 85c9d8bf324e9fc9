package produce

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/tnqbao/gau-forge/entity"
)

const (
	JobExchange     = "job.exchange"
	TrainingQueue   = "training"
	GenerationQueue = "generation"
)

// JobQueues lists every named queue a worker process consumes
var JobQueues = []string{TrainingQueue, GenerationQueue}

// JobProduceService publishes job descriptors. A descriptor is routed by the queue
// name, which is also the routing key.
type JobProduceService struct {
	channel *amqp.Channel
}

func InitJobProduceService(channel *amqp.Channel) *JobProduceService {
	service := &JobProduceService{
		channel: channel,
	}

	err := channel.ExchangeDeclare(
		JobExchange,
		"direct",
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		panic("Failed to declare Job exchange: " + err.Error())
	}

	for _, queue := range JobQueues {
		_, err = channel.QueueDeclare(
			queue,
			true,  // durable
			false, // auto-delete
			false, // exclusive
			false, // no-wait
			nil,
		)
		if err != nil {
			panic(fmt.Sprintf("Failed to declare %s queue: %v", queue, err))
		}

		err = channel.QueueBind(
			queue,
			queue,
			JobExchange,
			false,
			nil,
		)
		if err != nil {
			panic(fmt.Sprintf("Failed to bind %s queue: %v", queue, err))
		}
	}

	return service
}

// Enqueue publishes a persistent descriptor onto the named queue
func (s *JobProduceService) Enqueue(ctx context.Context, queue string, desc entity.JobDescriptor) error {
	body, err := json.Marshal(desc)
	if err != nil {
		return err
	}

	return s.channel.PublishWithContext(
		ctx,
		JobExchange,
		queue,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			MessageId:    desc.JobID.String(),
		},
	)
}

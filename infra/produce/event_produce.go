package produce

import (
	"context"
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/tnqbao/gau-forge/entity"
)

const (
	JobEventExchange = "job.events"
)

// JobEvent announces a job reaching a terminal status so downstream services
// (notifications, billing) can react without polling.
type JobEvent struct {
	JobID      string           `json:"job_id"`
	Kind       entity.JobKind   `json:"kind"`
	Status     entity.JobStatus `json:"status"`
	Error      string           `json:"error,omitempty"`
	ResultRefs []string         `json:"result_refs,omitempty"`
	Timestamp  int64            `json:"timestamp"`
}

type JobEventService struct {
	channel *amqp.Channel
}

func InitJobEventService(channel *amqp.Channel) *JobEventService {
	err := channel.ExchangeDeclare(
		JobEventExchange,
		"topic",
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		panic("Failed to declare Job event exchange: " + err.Error())
	}

	return &JobEventService{
		channel: channel,
	}
}

// PublishJobFinished routes on "<kind>.<status>", e.g. "training.completed"
func (s *JobEventService) PublishJobFinished(ctx context.Context, job *entity.Job) error {
	event := JobEvent{
		JobID:      job.ID.String(),
		Kind:       job.Kind,
		Status:     job.Status,
		ResultRefs: job.ResultRefs,
		Timestamp:  time.Now().Unix(),
	}
	if job.Error != nil {
		event.Error = *job.Error
	}

	body, err := json.Marshal(event)
	if err != nil {
		return err
	}

	return s.channel.PublishWithContext(
		ctx,
		JobEventExchange,
		string(job.Kind)+"."+string(job.Status),
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
		},
	)
}

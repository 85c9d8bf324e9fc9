package produce

import amqp "github.com/rabbitmq/amqp091-go"

type Produce struct {
	JobService   *JobProduceService
	EventService *JobEventService
}

var produceInstance *Produce

func InitProduce(channel *amqp.Channel) *Produce {
	if produceInstance != nil {
		return produceInstance
	}

	jobService := InitJobProduceService(channel)
	if jobService == nil {
		panic("Failed to initialize Job produce service")
	}

	eventService := InitJobEventService(channel)
	if eventService == nil {
		panic("Failed to initialize Job event service")
	}

	produceInstance = &Produce{
		JobService:   jobService,
		EventService: eventService,
	}

	return produceInstance
}

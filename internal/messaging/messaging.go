package messaging

import (
	"context"
	"time"

	"cinetrain/pkg/models"
)

const (
	TrainQueue      = "train_queue"
	RetryDelay      = 5 * time.Second
	MaxConnectRetry = 5
)

type Task interface {
	Type() string

	Payload() []byte

	// Ack marks the task done and removes it from the queue.
	Ack() error

	// Nack returns the task to the queue for redelivery.
	Nack() error

	// Reject discards the task permanently.
	Reject() error
}

type Publisher interface {
	PublishTrainTask(ctx context.Context, payload models.TrainTaskPayload) error

	Close()
}

type Receiver interface {
	Tasks() <-chan Task

	Close()
}

package messaging

import (
	"context"
	"encoding/json"

	"cinetrain/pkg/models"
)

type inMemoryTask struct {
	queue   string
	payload []byte
	q       *InMemoryQueue
}

func (t *inMemoryTask) Type() string {
	return t.queue
}

func (t *inMemoryTask) Payload() []byte {
	return t.payload
}

func (t *inMemoryTask) Ack() error {
	return nil
}

func (t *inMemoryTask) Nack() error {
	return t.q.requeue(t)
}

func (t *inMemoryTask) Reject() error {
	return nil
}

// InMemoryQueue is a Publisher and Receiver in one process, used by the
// single-binary mode and tests.
type InMemoryQueue struct {
	tasks chan Task
}

func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{
		tasks: make(chan Task, 100),
	}
}

func (q *InMemoryQueue) publishTaskInternal(queue string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	q.tasks <- &inMemoryTask{queue: queue, payload: data, q: q}

	return nil
}

// requeue puts a nacked task back for redelivery, mirroring the broker's
// requeue behavior.
func (q *InMemoryQueue) requeue(t *inMemoryTask) error {
	if q.tasks == nil {
		return nil
	}
	q.tasks <- t
	return nil
}

func (q *InMemoryQueue) PublishTrainTask(ctx context.Context, payload models.TrainTaskPayload) error {
	return q.publishTaskInternal(TrainQueue, payload)
}

func (q *InMemoryQueue) Tasks() <-chan Task {
	return q.tasks
}

func (q *InMemoryQueue) Close() {
	if q.tasks != nil {
		close(q.tasks)
		q.tasks = nil
	}
}

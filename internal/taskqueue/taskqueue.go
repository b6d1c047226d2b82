// Package taskqueue is the engine's task runtime: short tasks pulled from
// named queues by parallel workers. Monitor ticks route to a dedicated
// queue so long command tasks cannot starve status updates. Re-enqueue with
// a countdown is the only scheduling primitive; there are no long-lived
// loops and no held resources between tasks.
package taskqueue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Queue names. Command tasks do submit/stage/terminate work; monitor tasks
// are polling ticks.
const (
	QueueCommand = "command"
	QueueMonitor = "monitor"
)

// Task is one bounded unit of work.
type Task struct {
	ID        string
	Queue     string
	Kind      string
	Payload   json.RawMessage
	NotBefore time.Time
}

// NewTask builds a task with a fresh id and a JSON-encoded payload.
func NewTask(queue, kind string, payload any) (Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Task{}, err
	}
	return Task{ID: uuid.NewString(), Queue: queue, Kind: kind, Payload: data}, nil
}

// Broker stores and delivers tasks. Delivery is at-least-once; handlers must
// be idempotent.
type Broker interface {
	Enqueue(ctx context.Context, t Task) error
	// Dequeue blocks until a task on the queue becomes due or ctx ends.
	Dequeue(ctx context.Context, queue string) (*Task, error)
	Ack(ctx context.Context, id string) error
	Close() error
}

// HandlerFunc processes one task. Handlers own their retry behavior by
// re-enqueueing; a returned error is logged and the task is still acked.
type HandlerFunc func(ctx context.Context, t Task) error

// Worker dispatches tasks to registered handlers.
type Worker struct {
	broker   Broker
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func NewWorker(b Broker) *Worker {
	return &Worker{broker: b, handlers: map[string]HandlerFunc{}}
}

// Handle registers the handler for a task kind.
func (w *Worker) Handle(kind string, h HandlerFunc) {
	w.mu.Lock()
	w.handlers[kind] = h
	w.mu.Unlock()
}

// Run consumes the named queue with n parallel workers until ctx ends.
func (w *Worker) Run(ctx context.Context, queue string, n int) {
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.consume(ctx, queue)
		}()
	}
	wg.Wait()
}

func (w *Worker) consume(ctx context.Context, queue string) {
	for {
		task, err := w.broker.Dequeue(ctx, queue)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Str("queue", queue).Msg("dequeue failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		w.dispatch(ctx, task)
	}
}

func (w *Worker) dispatch(ctx context.Context, task *Task) {
	w.mu.RLock()
	h, ok := w.handlers[task.Kind]
	w.mu.RUnlock()
	if !ok {
		log.Error().Str("kind", task.Kind).Msg("no handler for task kind")
	} else if err := safeRun(ctx, h, *task); err != nil {
		log.Error().Err(err).Str("kind", task.Kind).Str("task", task.ID).Msg("task failed")
	}
	if err := w.broker.Ack(ctx, task.ID); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Str("task", task.ID).Msg("ack failed")
	}
}

func safeRun(ctx context.Context, h HandlerFunc, t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("kind", t.Kind).Msg("task panicked")
		}
	}()
	return h(ctx, t)
}

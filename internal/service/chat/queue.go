package chat

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var errQueueClosed = errors.New("task queue closed")

type task struct {
	name string
	run  func(ctx context.Context) error
	done chan struct{}
}

// taskQueue runs persistence work for one controller in submission order.
type taskQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	tasks  []task
	closed bool
	wg     sync.WaitGroup

	ctx    context.Context
	log    *logrus.Entry
	tracer trace.Tracer
}

func newTaskQueue(log *logrus.Entry, tracer trace.Tracer) *taskQueue {
	q := &taskQueue{
		ctx:    context.Background(),
		log:    log,
		tracer: tracer,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *taskQueue) start() {
	q.wg.Add(1)
	go q.loop()
}

// enqueue never blocks; the queue is unbounded.
func (q *taskQueue) enqueue(name string, run func(ctx context.Context) error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		q.log.WithField("task", name).Warn("dropping task after dispose")
		return
	}
	q.tasks = append(q.tasks, task{name: name, run: run})
	q.cond.Signal()
}

// flush waits until every task enqueued before the call has finished.
func (q *taskQueue) flush(ctx context.Context) error {
	done := make(chan struct{})

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return errQueueClosed
	}
	q.tasks = append(q.tasks, task{name: "barrier", done: done})
	q.cond.Signal()
	q.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close drains pending tasks and stops the worker.
func (q *taskQueue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()

	q.wg.Wait()
}

func (q *taskQueue) loop() {
	defer q.wg.Done()

	for {
		q.mu.Lock()
		for len(q.tasks) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.tasks) == 0 {
			q.mu.Unlock()
			return
		}
		next := q.tasks[0]
		q.tasks[0] = task{}
		q.tasks = q.tasks[1:]
		q.mu.Unlock()

		if next.done != nil {
			close(next.done)
			continue
		}
		q.execute(next)
	}
}

func (q *taskQueue) execute(t task) {
	ctx, span := q.tracer.Start(q.ctx, "chat.persist", trace.WithAttributes(attribute.String("task", t.name)))
	defer span.End()

	if err := t.run(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		q.log.WithField("task", t.name).WithError(err).Warn("persistence task failed")
	}
}

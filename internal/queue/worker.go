package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// HandlerFunc processes one task. Retries are the handler's own business:
// a returned error is logged and the task is acknowledged all the same.
type HandlerFunc func(ctx context.Context, task *Task) error

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WorkerQueue consumes name with the given number of goroutines.
func WorkerQueue(name string, concurrency int) WorkerOption {
	return func(w *Worker) {
		if concurrency < 1 {
			concurrency = 1
		}
		w.queues[name] = concurrency
	}
}

// PollInterval sets the dequeue block timeout and the delayed-task promotion period.
func PollInterval(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.pollInterval = d
		}
	}
}

// WithLogger sets the worker logger.
func WithLogger(l *slog.Logger) WorkerOption {
	return func(w *Worker) {
		w.logger = l
	}
}

// Worker pulls tasks from a Source and dispatches them to registered handlers.
type Worker struct {
	source       Source
	handlers     map[TaskType]HandlerFunc
	queues       map[string]int
	pollInterval time.Duration
	retry        RetryConfig
	logger       *slog.Logger
	wg           sync.WaitGroup
}

// NewWorker creates a worker. Without WorkerQueue options it consumes every
// routed queue with a concurrency of one.
func NewWorker(source Source, opts ...WorkerOption) *Worker {
	w := &Worker{
		source:       source,
		handlers:     make(map[TaskType]HandlerFunc),
		queues:       make(map[string]int),
		pollInterval: time.Second,
		retry:        DefaultRetryConfig(),
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	if len(w.queues) == 0 {
		for _, q := range Routes {
			w.queues[q] = 1
		}
	}
	return w
}

// Handle registers the handler for a task type.
func (w *Worker) Handle(t TaskType, h HandlerFunc) {
	w.handlers[t] = h
}

// Start runs until ctx is cancelled, then waits for in-flight tasks to finish.
// Every consumed queue must have a handler for each task type routed to it.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.checkRoutes(); err != nil {
		return err
	}

	names := make([]string, 0, len(w.queues))
	for name := range w.queues {
		names = append(names, name)
	}
	sort.Strings(names)

	w.wg.Add(1)
	go w.promoteLoop(ctx)

	for _, name := range names {
		for i := 0; i < w.queues[name]; i++ {
			w.wg.Add(1)
			go w.processLoop(ctx, name)
		}
		w.logger.Info("consuming queue", "queue", name, "concurrency", w.queues[name])
	}

	<-ctx.Done()
	w.wg.Wait()
	return ctx.Err()
}

func (w *Worker) checkRoutes() error {
	for typ, q := range Routes {
		if _, consumed := w.queues[q]; !consumed {
			continue
		}
		if _, ok := w.handlers[typ]; !ok {
			return fmt.Errorf("queue %s carries %s but no handler is registered", q, typ)
		}
	}
	return nil
}

func (w *Worker) promoteLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			err := retryWithBackoff(ctx, w.retry, func() error {
				_, err := w.source.PromoteDue(ctx, now)
				return err
			})
			if err != nil && !isContextErr(err) {
				w.logger.Error("failed to promote delayed tasks", "error", err)
			}

			n, err := w.source.ReclaimExpired(ctx, now)
			if err != nil && !isContextErr(err) {
				w.logger.Error("failed to reclaim expired tasks", "error", err)
			}
			if n > 0 {
				w.logger.Warn("requeued tasks left unacknowledged by a stopped worker", "count", n)
			}
		}
	}
}

func (w *Worker) processLoop(ctx context.Context, queue string) {
	defer w.wg.Done()

	for ctx.Err() == nil {
		task, err := w.dequeueWithRetry(ctx, queue)
		if err != nil {
			if !isContextErr(err) {
				w.logger.Error("failed to dequeue after retries", "queue", queue, "error", err)
			}
			continue
		}
		if task == nil {
			continue
		}
		// In-flight tasks run to completion on shutdown.
		runCtx := context.WithoutCancel(ctx)
		w.processTask(runCtx, task)
		if err := w.source.Ack(runCtx, task); err != nil {
			w.logger.Error("failed to acknowledge task", "task_id", task.ID, "queue", queue, "error", err)
		}
	}
}

func (w *Worker) dequeueWithRetry(ctx context.Context, queue string) (*Task, error) {
	var task *Task
	err := retryWithBackoff(ctx, w.retry, func() error {
		var dequeueErr error
		task, dequeueErr = w.source.Dequeue(ctx, queue, w.pollInterval)
		return dequeueErr
	})
	return task, err
}

func (w *Worker) processTask(ctx context.Context, task *Task) {
	start := time.Now()
	logger := w.logger.With("task_id", task.ID, "task_type", task.Type, "queue", task.Queue)

	h, ok := w.handlers[task.Type]
	if !ok {
		logger.Error("no handler for task")
		return
	}

	if err := executeHandler(ctx, h, task); err != nil {
		logger.Error("task failed", "error", err, "duration_ms", time.Since(start).Milliseconds())
		return
	}
	logger.Debug("task completed", "duration_ms", time.Since(start).Milliseconds())
}

func executeHandler(ctx context.Context, h HandlerFunc, task *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h(ctx, task)
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

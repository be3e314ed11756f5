package gateway

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Task is a unit of background work, typically one replay-store write.
type Task func()

// WorkerPool runs fire-and-forget work off the dispatch hot path on a
// fixed set of goroutines. The realtime fan-out never waits on the store;
// it submits the persistence write here and moves on.
//
// A full queue drops the task rather than blocking or spawning: under
// overload we shed replay history, never realtime delivery.
type WorkerPool struct {
	workerCount  int
	taskQueue    chan Task
	ctx          context.Context
	wg           sync.WaitGroup
	droppedTasks atomic.Int64
	logger       zerolog.Logger
}

// NewWorkerPool creates a pool with the given worker count and queue depth.
// Typical sizing is GOMAXPROCS(0) × 2 workers with workerCount × 100 queue.
func NewWorkerPool(workerCount, queueSize int, logger zerolog.Logger) *WorkerPool {
	return &WorkerPool{
		workerCount: workerCount,
		taskQueue:   make(chan Task, queueSize),
		logger:      logger.With().Str("component", "worker_pool").Logger(),
	}
}

// Start launches the workers. Must be called before Submit, once.
// Workers exit when ctx is cancelled.
func (wp *WorkerPool) Start(ctx context.Context) {
	wp.ctx = ctx
	for i := 0; i < wp.workerCount; i++ {
		wp.wg.Add(1)
		go wp.worker()
	}
}

// worker pulls tasks until shutdown. Panics are contained per task so one
// bad write cannot take a worker down.
func (wp *WorkerPool) worker() {
	defer wp.wg.Done()

	for {
		select {
		case task := <-wp.taskQueue:
			if task == nil {
				continue
			}
			func() {
				defer func() {
					if r := recover(); r != nil {
						wp.logger.Error().
							Interface("panic_value", r).
							Str("stack_trace", string(debug.Stack())).
							Msg("Worker panic recovered")
					}
				}()
				task()
			}()
		case <-wp.ctx.Done():
			return
		}
	}
}

// Submit enqueues a task, dropping it (and counting the drop) if the queue
// is full. Never blocks.
func (wp *WorkerPool) Submit(task Task) {
	select {
	case wp.taskQueue <- task:
	default:
		wp.droppedTasks.Add(1)
	}
}

// Stop waits for the workers to exit. Call after cancelling the context
// passed to Start.
func (wp *WorkerPool) Stop() {
	wp.wg.Wait()
}

// DroppedTasks returns the number of tasks shed on queue overflow.
func (wp *WorkerPool) DroppedTasks() int64 {
	return wp.droppedTasks.Load()
}

// QueueDepth returns the number of tasks currently waiting.
func (wp *WorkerPool) QueueDepth() int {
	return len(wp.taskQueue)
}

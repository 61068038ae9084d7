// Package server implements the concurrent core of the daemon: the TCP
// acceptor, the per-connection negotiator, and the client, channel and
// router actors, scheduled over bounded worker pools.
package server

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/MITBorg/titanirc-sub000/internal/monitoring"
)

// Task is one unit of work for a pool worker.
type Task func()

// WorkerPool runs tasks on a fixed set of worker goroutines. Client and
// channel actors are multiplexed over two of these, sized by the
// client-threads and channel-threads settings.
type WorkerPool struct {
	workerCount  int
	taskQueue    chan Task
	ctx          context.Context
	wg           sync.WaitGroup
	droppedTasks int64
	logger       zerolog.Logger
}

// NewWorkerPool creates a pool with workerCount workers and a queue of
// queueSize pending tasks.
func NewWorkerPool(workerCount, queueSize int, logger zerolog.Logger) *WorkerPool {
	return &WorkerPool{
		workerCount: workerCount,
		taskQueue:   make(chan Task, queueSize),
		logger:      logger,
	}
}

// Start launches the workers. Must be called before Submit.
func (wp *WorkerPool) Start(ctx context.Context) {
	wp.ctx = ctx
	for i := 0; i < wp.workerCount; i++ {
		wp.wg.Add(1)
		go wp.worker()
	}
}

func (wp *WorkerPool) worker() {
	defer wp.wg.Done()

	for {
		select {
		case task, ok := <-wp.taskQueue:
			if !ok {
				return
			}
			func() {
				defer monitoring.RecoverPanic(wp.logger, "pool_worker", nil)
				task()
			}()
		case <-wp.ctx.Done():
			return
		}
	}
}

// Submit enqueues a task, dropping it when the queue is full so an
// overloaded pool sheds work instead of growing without bound.
func (wp *WorkerPool) Submit(task Task) {
	select {
	case wp.taskQueue <- task:
	default:
		atomic.AddInt64(&wp.droppedTasks, 1)
	}
}

// SubmitWait enqueues a task, blocking until there is queue space. Used
// for actor scheduling, where dropping would stall a mailbox.
func (wp *WorkerPool) SubmitWait(task Task) {
	select {
	case wp.taskQueue <- task:
	case <-wp.ctx.Done():
	}
}

// Stop waits for in-flight tasks to finish.
func (wp *WorkerPool) Stop() {
	wp.wg.Wait()
}

// DroppedTasks returns the number of tasks shed under overload.
func (wp *WorkerPool) DroppedTasks() int64 {
	return atomic.LoadInt64(&wp.droppedTasks)
}

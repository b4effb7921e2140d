package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gradewise/gradewise-api/internal/queue"
)

// dequeueBlock is how long one blocking broker poll waits before the
// worker re-checks for shutdown.
const dequeueBlock = 5 * time.Second

// PoolConfig holds configuration options for the worker pool.
type PoolConfig struct {
	// WorkerCount determines how many concurrent worker goroutines to start.
	// If zero or negative, defaults to 1.
	WorkerCount int
}

// Pool manages a pool of worker goroutines that consume deliveries from
// the broker and hand them to the job wrapper. It handles graceful
// shutdown and worker lifecycle.
type Pool struct {
	broker  queue.Broker
	queues  []queue.Queue
	wrapper *Wrapper

	workerCount int
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
	logger      *slog.Logger

	// errorHandler is called when a job execution fails at the wrapper
	// level. If nil, errors are only logged.
	errorHandler func(delivery *queue.Delivery, err error)
}

// NewPool creates a new worker pool draining the given queues in order.
func NewPool(
	broker queue.Broker,
	queues []queue.Queue,
	wrapper *Wrapper,
	config PoolConfig,
	logger *slog.Logger,
) *Pool {
	workerCount := config.WorkerCount
	if workerCount <= 0 {
		workerCount = 1
		logger.Warn("invalid worker count specified, using default",
			"specified_count", config.WorkerCount,
			"default_count", 1)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		broker:      broker,
		queues:      queues,
		wrapper:     wrapper,
		workerCount: workerCount,
		ctx:         ctx,
		cancel:      cancel,
		logger:      logger.With("component", "worker_pool"),
	}
}

// SetErrorHandler allows setting a custom error handler for execution failures.
func (p *Pool) SetErrorHandler(handler func(delivery *queue.Delivery, err error)) {
	p.errorHandler = handler
}

// Start launches the worker goroutines.
func (p *Pool) Start() {
	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("worker pool started",
		"worker_count", p.workerCount,
		"queue_count", len(p.queues))
}

// Stop signals all workers to finish their current job and waits for them.
func (p *Pool) Stop() {
	p.cancel()
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

// worker consumes deliveries until shutdown.
func (p *Pool) worker(id int) {
	defer p.wg.Done()

	log := p.logger.With("worker_index", id)
	log.Debug("starting worker")

	for {
		select {
		case <-p.ctx.Done():
			log.Debug("stopping worker")
			return
		default:
		}

		delivery, err := p.broker.Dequeue(p.ctx, p.queues, dequeueBlock)
		if errors.Is(err, queue.ErrEmptyQueue) {
			continue
		}
		if err != nil {
			if p.ctx.Err() != nil {
				return
			}
			log.Error("failed to dequeue", "error", err)
			// Back off briefly so a broken broker connection does not spin.
			select {
			case <-time.After(time.Second):
			case <-p.ctx.Done():
				return
			}
			continue
		}

		// A job in flight finishes even if shutdown starts meanwhile; the
		// wrapper's time limits bound how long that can take.
		if err := p.wrapper.Execute(context.Background(), delivery.JobID, delivery.Payload); err != nil {
			log.Error("job execution failed",
				"job_id", delivery.JobID,
				"queue", delivery.Queue,
				"error", err)
			if p.errorHandler != nil {
				p.errorHandler(delivery, err)
			}
		}
	}
}

package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/davidroman0O/retrypool"
	"github.com/sasha-s/go-deadlock"

	"github.com/davidroman0O/tokenflow/internal/logs"
)

// job is one unit of handler work: an execution or a compensation run. The
// pool never retries a job itself, retry policy belongs to the scheduler.
type job struct {
	name string
	run  func(ctx context.Context) error
	// onPanic turns a recovered panic into a result for the scheduler.
	onPanic func(v any, stack string)
}

type jobWorker struct {
	logger logs.Logger
}

func (w *jobWorker) Run(ctx context.Context, j *job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			w.logger.Error(ctx, "job panicked", "job", j.name, "panic", r)
			if j.onPanic != nil {
				j.onPanic(r, stack)
			}
			err = fmt.Errorf("job %s panicked: %v", j.name, r)
		}
	}()
	return j.run(ctx)
}

type WorkerPool struct {
	ctx     context.Context
	logger  logs.Logger
	pool    *retrypool.Pool[*job]
	workers []int
	mu      deadlock.Mutex
	failed  atomic.Int64
}

func NewWorkerPool(ctx context.Context, logger logs.Logger, size int) *WorkerPool {
	p := &WorkerPool{
		ctx:    ctx,
		logger: logger,
	}

	opts := []retrypool.Option[*job]{
		retrypool.WithAttempts[*job](1),
		retrypool.WithOnTaskFailure[*job](p.onFailure),
		retrypool.WithOnNewDeadTask[*job](p.onDeadTask),
		retrypool.WithPanicWorker[*job](p.onWorkerPanic),
		retrypool.WithPanicHandler[*job](p.onPanic),
		retrypool.WithRoundRobinAssignment[*job](),
	}
	p.pool = retrypool.New[*job](ctx, []retrypool.Worker[*job]{}, opts...)

	if size < 1 {
		size = 1
	}
	for i := 0; i < size; i++ {
		p.AddWorker()
	}
	return p
}

func (p *WorkerPool) onFailure(
	controller retrypool.WorkerController[*job],
	workerID int,
	worker retrypool.Worker[*job],
	data *job,
	retries int,
	totalDuration time.Duration,
	timeLimit time.Duration,
	maxDuration time.Duration,
	scheduledTime time.Time,
	triedWorkers map[int]bool,
	taskErrors []error,
	durations []time.Duration,
	queuedAt []time.Time,
	processedAt []time.Time,
	err error,
) retrypool.DeadTaskAction {
	p.logger.Debug(p.ctx, "job failed", "job", data.name, "worker", workerID, "duration", totalDuration, "error", err)
	return retrypool.DeadTaskActionAddToDeadTasks
}

// onDeadTask counts a failed job and empties the dead task list: the job
// already reported its outcome to the scheduler.
func (p *WorkerPool) onDeadTask(task *retrypool.DeadTask[*job], idx int) {
	p.failed.Add(1)
	p.logger.Warn(p.ctx, "dead job", "job", task.Data.name, "index", idx, "errors", task.Errors)
	for p.pool.DeadTaskCount() > 0 {
		if _, err := p.pool.PullDeadTask(0); err != nil {
			break
		}
	}
}

func (p *WorkerPool) onWorkerPanic(worker int, recovery any, err error, stackTrace string) {
	p.logger.Error(p.ctx, "worker panicked", "worker", worker, "panic", recovery, "error", err)
}

func (p *WorkerPool) onPanic(task *job, v interface{}, stackTrace string) {
	p.logger.Error(p.ctx, "job panicked", "job", task.name, "panic", v)
	if task.onPanic != nil {
		task.onPanic(v, stackTrace)
	}
}

func (p *WorkerPool) Submit(j *job) error {
	return p.pool.Submit(j)
}

func (p *WorkerPool) AddWorker() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.pool.AddWorker(&jobWorker{logger: p.logger})
	p.workers = append(p.workers, id)
	return id
}

// Failed is how many jobs ended in an error since the pool started.
func (p *WorkerPool) Failed() int64 {
	return p.failed.Load()
}

func (p *WorkerPool) Workers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Drain blocks until no job is queued or running, or ctx ends.
func (p *WorkerPool) Drain(ctx context.Context) error {
	return p.pool.WaitWithCallback(ctx, func(queueSize, processingCount, deadTaskCount int) bool {
		return queueSize > 0 || processingCount > 0
	}, 10*time.Millisecond)
}

func (p *WorkerPool) Shutdown() error {
	return p.pool.Shutdown()
}

// Package worker implements the Executor (C3) and Work Loop (C2):
// a fixed-size goroutine pool, one per Executor slot, each given an
// independent Driver for the task it is running, and the dispatch
// loop that claims queued submissions and hands them to the pool.
package worker

import (
	"context"
	"sync/atomic"

	"execution_service/internal/controller"
	"execution_service/internal/driver"
	"execution_service/internal/models"
)

// Metrics is the slice of services.MetricsService the Executor records
// driver-factory and judging outcomes through. Optional: a nil Metrics
// turns every recording call into a no-op.
type Metrics interface {
	RecordDriverOperation(operation, result string)
	RecordError(component, errorType string)
}

// DriverFactory builds a fresh Driver scoped to a single task (spec
// §4.3: each Executor slot gets an independently-isolated Driver, the
// goroutine-level mirror of the reference implementation's
// process-per-slot isolation).
type DriverFactory func() (driver.Driver, error)

type judgeJob struct {
	ctx       context.Context
	task      *models.JudgeTask
	onDone    func(verdict models.Verdict, err error)
}

// Pool is the Executor (C3): a fixed-size group of worker goroutines
// reading from an unbuffered task channel, so at most one task sits
// "claimed but not yet running" per slot at any time.
type Pool struct {
	size      int
	jobs      chan judgeJob
	ctrl      *controller.Controller
	newDriver DriverFactory
	metrics   Metrics

	processed int64
	errors    int64
}

func NewPool(size int, ctrl *controller.Controller, newDriver DriverFactory) *Pool {
	return &Pool{
		size:      size,
		jobs:      make(chan judgeJob),
		ctrl:      ctrl,
		newDriver: newDriver,
	}
}

// WithMetrics attaches the optional Prometheus recorder.
func (p *Pool) WithMetrics(metrics Metrics) *Pool {
	p.metrics = metrics
	return p
}

// Start launches the pool's goroutines. It returns immediately; the
// goroutines run until ctx is cancelled.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.size; i++ {
		go p.runSlot(ctx)
	}
}

// Submit blocks until a slot is free to accept job, or ctx is
// cancelled.
func (p *Pool) Submit(ctx context.Context, task *models.JudgeTask, onDone func(verdict models.Verdict, err error)) {
	job := judgeJob{ctx: ctx, task: task, onDone: onDone}
	select {
	case p.jobs <- job:
	case <-ctx.Done():
	}
}

func (p *Pool) runSlot(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-p.jobs:
			p.run(job)
		}
	}
}

func (p *Pool) run(job judgeJob) {
	drv, err := p.newDriver()
	if err != nil {
		atomic.AddInt64(&p.processed, 1)
		atomic.AddInt64(&p.errors, 1)
		p.recordDriverOp("new_driver", err)
		p.recordError("executor", "driver_unavailable")
		job.onDone(models.VerdictInternalError, err)
		return
	}

	verdict, err := p.ctrl.Judge(job.ctx, drv, job.task)
	atomic.AddInt64(&p.processed, 1)
	p.recordDriverOp("judge", err)
	if err != nil || verdict == models.VerdictInternalError {
		atomic.AddInt64(&p.errors, 1)
		p.recordError("executor", "judge_failed")
	}
	job.onDone(verdict, err)
}

func (p *Pool) recordDriverOp(operation string, err error) {
	if p.metrics == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	p.metrics.RecordDriverOperation(operation, result)
}

func (p *Pool) recordError(component, errorType string) {
	if p.metrics == nil {
		return
	}
	p.metrics.RecordError(component, errorType)
}

// Processed and Errors implement heartbeat.Counters.
func (p *Pool) Processed() int64 { return atomic.LoadInt64(&p.processed) }
func (p *Pool) Errors() int64    { return atomic.LoadInt64(&p.errors) }

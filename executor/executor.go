// Package executor runs association work: short negotiation and control
// tasks on a bounded worker pool, and association sessions on dedicated
// named goroutines that never occupy a pool worker.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/pprof"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Sentinel errors for executor operations
var (
	ErrNotStarted     = errors.New("executor not started")
	ErrStopped        = errors.New("executor stopped")
	ErrAlreadyStarted = errors.New("executor already started")
	ErrQueueFull      = errors.New("executor queue full")
	ErrStopTimeout    = errors.New("timeout waiting for executor tasks to finish")
)

// Task is a unit of work. The context is cancelled when the executor is
// stopped and the stop timeout has elapsed.
type Task func(ctx context.Context)

// Config configures an Executor.
type Config struct {
	Workers   int
	QueueSize int
	// NamePrefix names long-lived workers: "<prefix>-1", "<prefix>-2", ...
	NamePrefix string
	// Registerer receives the executor metrics when set.
	Registerer prometheus.Registerer
	Logger     *slog.Logger
}

// Executor is the execution context shared by all receivers.
type Executor struct {
	workers    int
	queueSize  int
	namePrefix string
	logger     *slog.Logger

	work   chan Task
	poolWG sync.WaitGroup
	longWG sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool

	counter   atomic.Uint64
	submitted atomic.Int64
	completed atomic.Int64
	dropped   atomic.Int64
	panics    atomic.Int64
	active    atomic.Int64

	metrics *metrics
}

type metrics struct {
	submitted     prometheus.Counter
	dropped       prometheus.Counter
	panics        prometheus.Counter
	longStarted   prometheus.Counter
	shortDuration prometheus.Histogram
}

// Stats is a point-in-time view of the executor.
type Stats struct {
	Workers         int   `json:"workers"`
	QueueSize       int   `json:"queue_size"`
	QueueDepth      int   `json:"queue_depth"`
	Submitted       int64 `json:"submitted"`
	Completed       int64 `json:"completed"`
	Dropped         int64 `json:"dropped"`
	Panics          int64 `json:"panics"`
	LongLivedActive int64 `json:"long_lived_active"`
}

// New creates an executor. Call Start before submitting work.
func New(cfg Config) *Executor {
	if cfg.Workers <= 0 {
		cfg.Workers = 16
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.NamePrefix == "" {
		cfg.NamePrefix = "dicom-association"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	e := &Executor{
		workers:    cfg.Workers,
		queueSize:  cfg.QueueSize,
		namePrefix: cfg.NamePrefix,
		logger:     cfg.Logger.With("component", "executor"),
		work:       make(chan Task, cfg.QueueSize),
	}
	if cfg.Registerer != nil {
		e.metrics = e.registerMetrics(cfg.Registerer)
	}
	return e
}

func (e *Executor) registerMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		submitted: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dicomscp_executor_short_submitted_total",
			Help: "Short tasks accepted by the worker pool",
		})),
		dropped: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dicomscp_executor_short_dropped_total",
			Help: "Short tasks rejected because the queue was full",
		})),
		panics: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dicomscp_executor_task_panics_total",
			Help: "Tasks that panicked",
		})),
		longStarted: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dicomscp_executor_long_lived_started_total",
			Help: "Long-lived association workers started",
		})),
		shortDuration: register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dicomscp_executor_short_duration_seconds",
			Help:    "Time spent running short tasks",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		})),
	}
	register(reg, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "dicomscp_executor_queue_depth",
		Help: "Short tasks waiting for a worker",
	}, func() float64 { return float64(len(e.work)) }))
	register(reg, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "dicomscp_executor_long_lived_active",
		Help: "Long-lived association workers currently running",
	}, func() float64 { return float64(e.active.Load()) }))
	return m
}

// register registers c, or returns the collector already registered under
// the same descriptor.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

// Start launches the pool workers.
func (e *Executor) Start(ctx context.Context) error {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()

	if e.started {
		return ErrAlreadyStarted
	}
	e.ctx, e.cancel = context.WithCancel(ctx)
	for i := 0; i < e.workers; i++ {
		e.poolWG.Add(1)
		go e.worker(i)
	}
	e.started = true
	e.logger.Debug("Executor started", "workers", e.workers, "queue_size", e.queueSize)
	return nil
}

// RunShort queues task on the bounded pool. It never blocks: a full queue
// returns ErrQueueFull.
func (e *Executor) RunShort(task Task) error {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()

	if !e.started {
		return ErrNotStarted
	}
	if e.stopped {
		return ErrStopped
	}

	select {
	case e.work <- task:
		e.submitted.Add(1)
		if e.metrics != nil {
			e.metrics.submitted.Inc()
		}
		return nil
	default:
		e.dropped.Add(1)
		if e.metrics != nil {
			e.metrics.dropped.Inc()
		}
		return ErrQueueFull
	}
}

// RunLongLived runs task on its own goroutine and returns the worker name.
// The name is attached as a pprof label so goroutine dumps show which
// association a goroutine serves.
func (e *Executor) RunLongLived(task Task) (string, error) {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()

	if !e.started {
		return "", ErrNotStarted
	}
	if e.stopped {
		return "", ErrStopped
	}

	name := fmt.Sprintf("%s-%d", e.namePrefix, e.counter.Add(1))
	e.longWG.Add(1)
	e.active.Add(1)
	if e.metrics != nil {
		e.metrics.longStarted.Inc()
	}

	ctx := e.ctx
	go func() {
		defer e.longWG.Done()
		defer e.active.Add(-1)
		pprof.Do(ctx, pprof.Labels("worker", name), func(ctx context.Context) {
			e.run(ctx, name, task)
		})
	}()
	return name, nil
}

func (e *Executor) worker(_ int) {
	defer e.poolWG.Done()
	for task := range e.work {
		start := time.Now()
		e.run(e.ctx, "", task)
		e.completed.Add(1)
		if e.metrics != nil {
			e.metrics.shortDuration.Observe(time.Since(start).Seconds())
		}
	}
}

func (e *Executor) run(ctx context.Context, name string, task Task) {
	defer func() {
		if r := recover(); r != nil {
			e.panics.Add(1)
			if e.metrics != nil {
				e.metrics.panics.Inc()
			}
			e.logger.Error("Task panicked", "worker", name, "panic", r)
		}
	}()
	task(ctx)
}

// Stop refuses new work, drains queued short tasks and waits for every
// long-lived worker to return. When timeout elapses first the task
// context is cancelled and ErrStopTimeout is returned.
func (e *Executor) Stop(timeout time.Duration) error {
	e.lifecycleMu.Lock()
	if !e.started || e.stopped {
		e.lifecycleMu.Unlock()
		return nil
	}
	e.stopped = true
	close(e.work)
	e.lifecycleMu.Unlock()

	done := make(chan struct{})
	go func() {
		e.poolWG.Wait()
		e.longWG.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		e.cancel()
		e.logger.Debug("Executor stopped")
		return nil
	case <-timer.C:
		e.cancel()
		e.logger.Warn("Executor stop timed out", "long_lived_active", e.active.Load())
		return ErrStopTimeout
	}
}

// Stats returns current executor statistics
func (e *Executor) Stats() Stats {
	return Stats{
		Workers:         e.workers,
		QueueSize:       e.queueSize,
		QueueDepth:      len(e.work),
		Submitted:       e.submitted.Load(),
		Completed:       e.completed.Load(),
		Dropped:         e.dropped.Load(),
		Panics:          e.panics.Load(),
		LongLivedActive: e.active.Load(),
	}
}

package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Task is one queued notification delivery.
type Task func(ctx context.Context) error

// DispatcherConfig sizes the delivery pool.
type DispatcherConfig struct {
	Workers   int
	QueueSize int
	Timeout   time.Duration
}

// DefaultDispatcherConfig returns the pool used by the engine.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Workers:   4,
		QueueSize: 256,
		Timeout:   10 * time.Second,
	}
}

// DispatchStats holds dispatcher counters.
type DispatchStats struct {
	Submitted int64
	Delivered int64
	Failed    int64
	Dropped   int64
	Queued    int
}

// Dispatcher delivers notifications on a fixed pool of workers. Submit never
// blocks; a full queue drops the task.
type Dispatcher struct {
	tasks   chan Task
	timeout time.Duration
	logger  zerolog.Logger
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	submitted atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// NewDispatcher starts a dispatcher with cfg.Workers workers.
func NewDispatcher(cfg DispatcherConfig, logger zerolog.Logger) *Dispatcher {
	def := DefaultDispatcherConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}

	d := &Dispatcher{
		tasks:   make(chan Task, cfg.QueueSize),
		timeout: cfg.Timeout,
		logger:  logger,
	}
	for i := 0; i < cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for task := range d.tasks {
		d.run(task)
	}
}

func (d *Dispatcher) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			d.failed.Add(1)
			d.logger.Error().Interface("panic", r).Msg("Notification task panicked")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	if err := task(ctx); err != nil {
		d.failed.Add(1)
		d.logger.Warn().Err(err).Msg("Notification failed")
		return
	}
	d.delivered.Add(1)
}

// Submit queues a task. It returns false when the dispatcher is closed or
// the queue is full.
func (d *Dispatcher) Submit(task Task) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.dropped.Add(1)
		return false
	}
	select {
	case d.tasks <- task:
		d.submitted.Add(1)
		return true
	default:
		d.dropped.Add(1)
		return false
	}
}

// Close stops accepting tasks and waits for queued ones to finish.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.tasks)
	d.mu.Unlock()

	d.wg.Wait()
}

// Stats returns a snapshot of the dispatcher counters.
func (d *Dispatcher) Stats() DispatchStats {
	return DispatchStats{
		Submitted: d.submitted.Load(),
		Delivered: d.delivered.Load(),
		Failed:    d.failed.Load(),
		Dropped:   d.dropped.Load(),
		Queued:    len(d.tasks),
	}
}

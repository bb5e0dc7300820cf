package hook

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fmkit/filemanager/internal/logger"
	"github.com/fmkit/filemanager/internal/metrics"
)

// Deliverer sends one event synchronously. *Sender implements it.
type Deliverer interface {
	Send(ctx context.Context, e Event) error
}

// Dispatcher queues events and delivers them from background workers,
// detached from the request that emitted them.
type Dispatcher struct {
	target  Deliverer
	log     *slog.Logger
	timeout time.Duration

	queue  chan Event
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

type DispatcherOption func(*dispatcherConfig)

type dispatcherConfig struct {
	workers   int
	queueSize int
	timeout   time.Duration
	log       *slog.Logger
}

func WithWorkers(n int) DispatcherOption {
	return func(c *dispatcherConfig) {
		if n > 0 {
			c.workers = n
		}
	}
}

func WithQueueSize(n int) DispatcherOption {
	return func(c *dispatcherConfig) {
		if n > 0 {
			c.queueSize = n
		}
	}
}

// WithDeliveryTimeout bounds one event's delivery including retries.
func WithDeliveryTimeout(d time.Duration) DispatcherOption {
	return func(c *dispatcherConfig) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithLogger(log *slog.Logger) DispatcherOption {
	return func(c *dispatcherConfig) {
		if log != nil {
			c.log = log
		}
	}
}

func NewDispatcher(target Deliverer, opts ...DispatcherOption) *Dispatcher {
	cfg := dispatcherConfig{workers: 2, queueSize: 256, timeout: time.Minute, log: logger.Discard()}
	for _, opt := range opts {
		opt(&cfg)
	}

	d := &Dispatcher{
		target:  target,
		log:     cfg.log,
		timeout: cfg.timeout,
		queue:   make(chan Event, cfg.queueSize),
	}
	for range cfg.workers {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Emit enqueues e. A full queue or closed dispatcher drops the event with a warning.
func (d *Dispatcher) Emit(ctx context.Context, e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.log.WarnContext(ctx, "hook event dropped", logger.Action(e.Action), logger.FileUID(e.FileUID),
			logger.Error(ErrDispatcherClosed))
		return
	}

	select {
	case d.queue <- e:
	default:
		metrics.RecordHookDelivery(false)
		d.log.WarnContext(ctx, "hook queue full, event dropped", logger.Action(e.Action), logger.FileUID(e.FileUID))
	}
}

// Close stops accepting events and waits for queued ones until ctx is done.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for e := range d.queue {
		d.deliver(e)
	}
}

func (d *Dispatcher) deliver(e Event) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	start := time.Now()
	err := d.target.Send(ctx, e)
	metrics.RecordHookDelivery(err == nil)
	if err != nil {
		d.log.ErrorContext(ctx, "hook delivery failed",
			logger.Action(e.Action), logger.FileUID(e.FileUID), logger.Duration(time.Since(start)), logger.Error(err))
		return
	}
	d.log.DebugContext(ctx, "hook delivered", logger.Action(e.Action), logger.FileUID(e.FileUID))
}

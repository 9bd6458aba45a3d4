package batch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mailgun/holster/v4/clock"
	"github.com/mailgun/holster/v4/setter"
	"github.com/mailgun/holster/v4/syncutil"

	"github.com/sentinelops/perfcore/internal/metrics"
	"github.com/sentinelops/perfcore/pkg/errors"
	"github.com/sentinelops/perfcore/pkg/logging"
)

var (
	// ErrProcessorStopped is returned by Add once Stop has been called.
	ErrProcessorStopped = errors.NewError(errors.ErrCodeComponentStopped, "batch processor stopped")
	// ErrNotStarted is returned by Add before Start.
	ErrNotStarted = errors.NewError(errors.ErrCodeNotStarted, "batch processor not started")
)

// Func receives a flushed batch. Items are in the order they were added. A
// returned error is logged and the batch is dropped.
type Func func(ctx context.Context, items []interface{}) error

// Config contains configuration for the batch processor
type Config struct {
	// Flush as soon as this many items are buffered. Default 100.
	BatchSize int `yaml:"batch_size"`
	// Flush a non-empty buffer at least this often. Default 5s.
	FlushInterval time.Duration `yaml:"flush_interval"`

	// Runs each flush. Default GoSpawner.
	Spawner Spawner               `yaml:"-"`
	Metrics *metrics.BatchMetrics `yaml:"-"`
	Logger  *logging.Logger       `yaml:"-"`
}

// Stats tracks batch processor statistics
type Stats struct {
	AddedItems   int64 `json:"added_items"`
	FlushCount   int64 `json:"flush_count"`
	FlushedItems int64 `json:"flushed_items"`
	ErrorCount   int64 `json:"error_count"`
	DroppedItems int64 `json:"dropped_items"`
	// Batches still in flight when a Stop deadline expired.
	AbandonedBatches int64 `json:"abandoned_batches"`
}

// Processor accumulates items and hands them to a Func in batches, either when
// BatchSize items are buffered or when FlushInterval elapses.
type Processor struct {
	conf Config
	fn   Func
	log  *logging.Logger

	mu      sync.Mutex
	items   []interface{}
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	stopped bool

	loop     syncutil.WaitGroup
	inflight sync.WaitGroup

	addedItems   int64
	flushCount   int64
	flushedItems int64
	errorCount   int64
	droppedItems int64
	pending      int64
	abandoned    int64
}

// NewProcessor creates a batch processor. Call Start before Add.
func NewProcessor(conf Config, fn Func) *Processor {
	setter.SetDefault(&conf.BatchSize, 100)
	setter.SetDefault(&conf.FlushInterval, 5*time.Second)
	if conf.Spawner == nil {
		conf.Spawner = GoSpawner{}
	}
	if conf.Metrics == nil {
		conf.Metrics = metrics.New("").Batch
	}
	if conf.Logger == nil {
		conf.Logger = logging.Default()
	}

	return &Processor{
		conf:  conf,
		fn:    fn,
		log:   conf.Logger.WithComponent("batch"),
		items: make([]interface{}, 0, conf.BatchSize),
	}
}

// Start starts the flush timer. Cancelling ctx stops the timer; flushes keep
// the values of ctx but not its cancellation, so a shutdown still delivers
// the final batches. Flush contexts are only cancelled when a Stop deadline
// expires.
func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.NewError(errors.ErrCodeAlreadyStarted, "batch processor already started")
	}
	p.started = true
	p.ctx, p.cancel = context.WithCancel(context.WithoutCancel(ctx))

	tick := time.NewTicker(p.conf.FlushInterval)
	p.loop.Until(func(done chan struct{}) bool {
		select {
		case <-tick.C:
			p.flush(metrics.TriggerTimer)
			return true
		case <-ctx.Done():
			tick.Stop()
			return false
		case <-done:
			tick.Stop()
			return false
		}
	})

	p.log.Info("Started batch processor", map[string]interface{}{
		"batch_size":     p.conf.BatchSize,
		"flush_interval": p.conf.FlushInterval.String(),
	})
	return nil
}

// Add appends item to the buffer and flushes when the buffer is full. It never
// waits on the flush itself.
func (p *Processor) Add(item interface{}) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ErrProcessorStopped
	}
	if !p.started {
		p.mu.Unlock()
		return ErrNotStarted
	}

	p.items = append(p.items, item)
	atomic.AddInt64(&p.addedItems, 1)

	var batch []interface{}
	if len(p.items) >= p.conf.BatchSize {
		batch = p.swapLocked()
	}
	p.mu.Unlock()

	if batch != nil {
		p.dispatch(batch, metrics.TriggerSize)
	}
	return nil
}

// Stop stops the timer, flushes what remains, and waits for every flush
// started by this processor to return, or for ctx to end. When ctx ends first
// the flushes still running are counted as abandoned, their context is
// cancelled, and an OPERATION_CANCELED error is returned. With SyncSpawner
// the final flush runs inside Stop and is not bounded by ctx.
func (p *Processor) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrNotStarted
	}
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	p.mu.Unlock()

	p.loop.Stop()
	p.flush(metrics.TriggerStop)

	drained := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-ctx.Done():
		n := atomic.LoadInt64(&p.pending)
		atomic.AddInt64(&p.abandoned, n)
		p.conf.Metrics.Abandoned.Add(float64(n))
		p.cancel()
		p.log.Error("Stop deadline reached, abandoning in-flight batches", map[string]interface{}{
			"batches": n,
			"error":   ctx.Err().Error(),
		})
		return errors.Wrap(ctx.Err(), errors.ErrCodeOperationCanceled, "batch processor stop deadline exceeded").
			WithComponent("batch").WithDetail("abandoned_batches", n)
	}
	p.cancel()

	p.log.Info("Stopped batch processor", map[string]interface{}{
		"flushes": atomic.LoadInt64(&p.flushCount),
		"errors":  atomic.LoadInt64(&p.errorCount),
	})
	return nil
}

// Len returns the number of buffered items.
func (p *Processor) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items)
}

// Stats returns current processor statistics
func (p *Processor) Stats() Stats {
	return Stats{
		AddedItems:   atomic.LoadInt64(&p.addedItems),
		FlushCount:   atomic.LoadInt64(&p.flushCount),
		FlushedItems: atomic.LoadInt64(&p.flushedItems),
		ErrorCount:   atomic.LoadInt64(&p.errorCount),
		DroppedItems: atomic.LoadInt64(&p.droppedItems),

		AbandonedBatches: atomic.LoadInt64(&p.abandoned),
	}
}

func (p *Processor) flush(trigger string) {
	p.mu.Lock()
	var batch []interface{}
	if len(p.items) > 0 {
		batch = p.swapLocked()
	}
	p.mu.Unlock()

	if batch != nil {
		p.dispatch(batch, trigger)
	}
}

// swapLocked must be called with mu held. It registers the batch as in flight
// before the lock is released so Stop's Wait always covers it.
func (p *Processor) swapLocked() []interface{} {
	batch := p.items
	p.items = make([]interface{}, 0, p.conf.BatchSize)
	p.inflight.Add(1)
	atomic.AddInt64(&p.pending, 1)
	return batch
}

func (p *Processor) dispatch(batch []interface{}, trigger string) {
	p.conf.Metrics.Flushes.WithLabelValues(trigger).Inc()
	p.conf.Spawner.Spawn(func() {
		defer p.inflight.Done()
		defer atomic.AddInt64(&p.pending, -1)
		p.run(batch, trigger)
	})
}

func (p *Processor) run(batch []interface{}, trigger string) {
	start := clock.Now()
	err := p.fn(p.ctx, batch)
	p.conf.Metrics.FlushDuration.Observe(clock.Since(start).Seconds())

	atomic.AddInt64(&p.flushCount, 1)
	if err != nil {
		atomic.AddInt64(&p.errorCount, 1)
		atomic.AddInt64(&p.droppedItems, int64(len(batch)))
		p.conf.Metrics.Errors.Inc()
		p.log.Error("Batch flush failed, dropping batch", map[string]interface{}{
			"trigger": trigger,
			"size":    len(batch),
			"error":   err.Error(),
		})
		return
	}

	atomic.AddInt64(&p.flushedItems, int64(len(batch)))
	p.conf.Metrics.Items.Add(float64(len(batch)))
}

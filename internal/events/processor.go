package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/OneOfOne/xxhash"
	"github.com/mailgun/holster/v4/setter"
	"github.com/mailgun/holster/v4/syncutil"
	"golang.org/x/time/rate"

	"github.com/sentinelops/perfcore/internal/metrics"
	"github.com/sentinelops/perfcore/pkg/errors"
	"github.com/sentinelops/perfcore/pkg/logging"
)

var (
	// ErrQueueFull is returned when the queue has no free slot. The caller
	// must retry later, drop, or alert; the processor never blocks.
	ErrQueueFull = errors.NewError(errors.ErrCodeQueueFull, "event queue is full")
	// ErrRateLimited is returned when admission exceeds the configured rate.
	ErrRateLimited = errors.NewError(errors.ErrCodeRateLimited, "event rate limit exceeded")
	// ErrShutdown is returned once Shutdown has begun.
	ErrShutdown = errors.NewError(errors.ErrCodeShutdownInProgress, "event processor is shutting down")
)

const rateWindow = time.Second

// Handler processes one event. Errors are logged and counted; the event is
// not retried.
type Handler func(ctx context.Context, ev Event) error

// Config contains configuration for the event processor
type Config struct {
	// Consumer goroutines. Default 10.
	Workers int `yaml:"workers"`
	// Total queue capacity. Default 1000.
	BufferSize int `yaml:"buffer_size"`

	// Admitted events per second; zero disables the limit.
	RateLimit float64 `yaml:"rate_limit"`
	// Token bucket size. Default max(1, RateLimit).
	RateBurst int `yaml:"rate_burst"`

	// Give each worker its own queue and route by PartitionKey so events that
	// share a key are handled in order. Each queue holds
	// ceil(BufferSize/Workers) events.
	Partition bool `yaml:"partition"`

	Metrics *metrics.EventMetrics `yaml:"-"`
	Logger  *logging.Logger       `yaml:"-"`
}

// Stats tracks event processor statistics
type Stats struct {
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Rejected   int64 `json:"rejected"`
	QueueDepth int   `json:"queue_depth"`
}

// Processor is a fixed pool of workers behind a bounded queue.
type Processor struct {
	conf    Config
	handler Handler
	ctx     context.Context
	cancel  context.CancelFunc
	log     *logging.Logger
	limiter *rate.Limiter

	mu     sync.RWMutex
	closed bool
	queues []chan Event

	workers  sync.WaitGroup
	sampler  syncutil.WaitGroup
	shutdown sync.Once
	done     chan struct{}

	window    int64
	processed int64
	failed    int64
	rejected  int64
}

// NewProcessor starts the workers and the rate sampler. Cancelling ctx begins
// a Shutdown; events already queued are still handled.
func NewProcessor(ctx context.Context, conf Config, handler Handler) *Processor {
	setter.SetDefault(&conf.Workers, 10)
	setter.SetDefault(&conf.BufferSize, 1000)
	if conf.Metrics == nil {
		conf.Metrics = metrics.New("").Events
	}
	if conf.Logger == nil {
		conf.Logger = logging.Default()
	}

	p := &Processor{
		conf:    conf,
		handler: handler,
		log:     conf.Logger.WithComponent("events"),
		done:    make(chan struct{}),
	}
	p.ctx, p.cancel = context.WithCancel(context.WithoutCancel(ctx))

	if conf.RateLimit > 0 {
		burst := conf.RateBurst
		if burst <= 0 {
			burst = int(conf.RateLimit)
		}
		if burst < 1 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(conf.RateLimit), burst)
	}

	if conf.Partition {
		size := (conf.BufferSize + conf.Workers - 1) / conf.Workers
		for i := 0; i < conf.Workers; i++ {
			p.queues = append(p.queues, make(chan Event, size))
		}
	} else {
		p.queues = []chan Event{make(chan Event, conf.BufferSize)}
	}

	p.log.Infof("Starting %d event workers", conf.Workers)
	for i := 0; i < conf.Workers; i++ {
		q := p.queues[0]
		if conf.Partition {
			q = p.queues[i]
		}
		p.workers.Add(1)
		go p.worker(q)
	}

	p.runSampler()

	go func() {
		select {
		case <-ctx.Done():
			p.Shutdown()
		case <-p.done:
		}
	}()

	return p
}

// Process enqueues ev without blocking. It returns ErrQueueFull when the
// queue is saturated, ErrRateLimited when admission exceeds the rate limit,
// and ErrShutdown once Shutdown has begun.
func (p *Processor) Process(ev Event) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return p.reject(metrics.ReasonShutdown, ErrShutdown)
	}
	if p.limiter != nil && !p.limiter.Allow() {
		return p.reject(metrics.ReasonRateLimited, ErrRateLimited)
	}

	select {
	case p.route(ev) <- ev:
		return nil
	default:
		return p.reject(metrics.ReasonQueueFull, ErrQueueFull)
	}
}

// Shutdown stops admission, lets the workers drain every queued event, and
// returns once they have exited. It is safe to call more than once.
func (p *Processor) Shutdown() {
	p.close()
	<-p.done
}

// ShutdownContext is Shutdown bounded by ctx. When ctx ends before the queue
// has drained, the handler context is cancelled, the events still queued are
// left to the exiting workers, and an OPERATION_CANCELED error is returned.
func (p *Processor) ShutdownContext(ctx context.Context) error {
	p.close()
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		p.cancel()
		depth := p.QueueDepth()
		p.log.Error("Shutdown deadline reached before the queue drained", map[string]interface{}{
			"queued": depth,
			"error":  ctx.Err().Error(),
		})
		return errors.Wrap(ctx.Err(), errors.ErrCodeOperationCanceled, "event processor shutdown deadline exceeded").
			WithComponent("events").WithDetail("queued", depth)
	}
}

func (p *Processor) close() {
	p.shutdown.Do(func() {
		p.mu.Lock()
		p.closed = true
		for _, q := range p.queues {
			close(q)
		}
		p.mu.Unlock()

		go func() {
			p.workers.Wait()
			p.sampler.Stop()
			p.cancel()
			close(p.done)

			p.log.Info("Event processor stopped", map[string]interface{}{
				"processed": atomic.LoadInt64(&p.processed),
				"failed":    atomic.LoadInt64(&p.failed),
			})
		}()
	})
}

// QueueDepth returns the number of events waiting across all queues.
func (p *Processor) QueueDepth() int {
	n := 0
	for _, q := range p.queues {
		n += len(q)
	}
	return n
}

// Stats returns current processor statistics
func (p *Processor) Stats() Stats {
	return Stats{
		Processed:  atomic.LoadInt64(&p.processed),
		Failed:     atomic.LoadInt64(&p.failed),
		Rejected:   atomic.LoadInt64(&p.rejected),
		QueueDepth: p.QueueDepth(),
	}
}

func (p *Processor) route(ev Event) chan Event {
	if len(p.queues) == 1 {
		return p.queues[0]
	}
	return p.queues[Shard(ev.PartitionKey(), len(p.queues))]
}

// Shard maps key onto one of n workers.
func Shard(key string, n int) int {
	return int(xxhash.ChecksumString64S(key, 0) % uint64(n))
}

func (p *Processor) reject(reason string, err error) error {
	atomic.AddInt64(&p.rejected, 1)
	p.conf.Metrics.Rejected.WithLabelValues(reason).Inc()
	return err
}

func (p *Processor) worker(q <-chan Event) {
	defer p.workers.Done()
	for ev := range q {
		p.handle(ev)
	}
}

func (p *Processor) handle(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			atomic.AddInt64(&p.failed, 1)
			p.conf.Metrics.Failed.Inc()
			p.log.Error("Event handler panicked", map[string]interface{}{
				"event_id": ev.ID,
				"panic":    fmt.Sprint(r),
			})
		}
	}()

	err := p.handler(p.ctx, ev)

	atomic.AddInt64(&p.processed, 1)
	atomic.AddInt64(&p.window, 1)
	p.conf.Metrics.Processed.Inc()

	if err != nil {
		atomic.AddInt64(&p.failed, 1)
		p.conf.Metrics.Failed.Inc()
		p.log.Error("Event processing failed", map[string]interface{}{
			"event_id": ev.ID,
			"source":   ev.Source,
			"error":    err.Error(),
		})
	}
}

func (p *Processor) runSampler() {
	tick := time.NewTicker(rateWindow)
	p.sampler.Until(func(done chan struct{}) bool {
		select {
		case <-tick.C:
			p.conf.Metrics.Rate.Set(float64(atomic.SwapInt64(&p.window, 0)))
			p.conf.Metrics.QueueDepth.Set(float64(p.QueueDepth()))
			return true
		case <-done:
			tick.Stop()
			return false
		}
	})
}

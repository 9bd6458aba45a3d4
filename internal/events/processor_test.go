package events_test

import (
	"context"
	stderrors "errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelops/perfcore/internal/events"
	"github.com/sentinelops/perfcore/internal/metrics"
	"github.com/sentinelops/perfcore/pkg/errors"
	"github.com/sentinelops/perfcore/pkg/logging"
)

func ev(id string) events.Event {
	return events.Event{ID: id, Source: "ids-sensor-1", Kind: "alert", Severity: events.SeverityHigh, ReceivedAt: time.Now()}
}

func newProcessor(t *testing.T, conf events.Config, h events.Handler) *events.Processor {
	t.Helper()
	if conf.Logger == nil {
		conf.Logger = logging.Discard()
	}
	return events.NewProcessor(context.Background(), conf, h)
}

func TestProcessor_QueueFullScenario(t *testing.T) {
	m := metrics.New("test").Events
	p := newProcessor(t, events.Config{Workers: 1, BufferSize: 1, Metrics: m},
		func(context.Context, events.Event) error {
			time.Sleep(time.Second)
			return nil
		})
	defer p.Shutdown()

	require.NoError(t, p.Process(ev("x")))
	// x must be picked up by the only worker before y can take the single slot
	require.Eventually(t, func() bool { return p.QueueDepth() == 0 }, time.Second, time.Millisecond)

	require.NoError(t, p.Process(ev("y")))

	start := time.Now()
	err := p.Process(ev("z"))
	assert.Less(t, time.Since(start), 50*time.Millisecond, "Process must not block")
	assert.True(t, stderrors.Is(err, events.ErrQueueFull))
	assert.Equal(t, errors.ErrCodeQueueFull, errors.CodeOf(err))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Rejected.WithLabelValues(metrics.ReasonQueueFull)))
}

func TestProcessor_Backpressure(t *testing.T) {
	const workers, buffer = 3, 5

	release := make(chan struct{})
	var started int32
	p := newProcessor(t, events.Config{Workers: workers, BufferSize: buffer},
		func(context.Context, events.Event) error {
			atomic.AddInt32(&started, 1)
			<-release
			return nil
		})

	// occupy every worker
	for i := 0; i < workers; i++ {
		require.NoError(t, p.Process(ev(fmt.Sprintf("busy-%d", i))))
		require.Eventually(t, func() bool { return atomic.LoadInt32(&started) == int32(i+1) },
			time.Second, time.Millisecond)
	}

	for i := 0; i < buffer; i++ {
		require.NoError(t, p.Process(ev(fmt.Sprintf("queued-%d", i))))
	}
	assert.True(t, stderrors.Is(p.Process(ev("overflow")), events.ErrQueueFull))
	assert.Equal(t, int64(1), p.Stats().Rejected)

	close(release)
	p.Shutdown()
	assert.Equal(t, int64(workers+buffer), p.Stats().Processed)
}

func TestProcessor_ShutdownDrainsExactlyOnce(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[string]int)

	p := newProcessor(t, events.Config{Workers: 4, BufferSize: 500},
		func(_ context.Context, e events.Event) error {
			time.Sleep(100 * time.Microsecond)
			mu.Lock()
			seen[e.ID]++
			mu.Unlock()
			return nil
		})

	accepted := 0
	for i := 0; i < 400; i++ {
		if p.Process(ev(fmt.Sprintf("e-%d", i))) == nil {
			accepted++
		}
	}
	before := runtime.NumGoroutine()
	p.Shutdown()

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, accepted)
	for id, n := range seen {
		if n != 1 {
			t.Errorf("event %s handled %d times", id, n)
		}
	}
	assert.Equal(t, 0, p.QueueDepth())
	assert.Eventually(t, func() bool { return runtime.NumGoroutine() <= before-4 },
		time.Second, 10*time.Millisecond, "workers exited")

	err := p.Process(ev("late"))
	assert.True(t, stderrors.Is(err, events.ErrShutdown))
	p.Shutdown() // idempotent
}

func TestProcessor_HandlerErrorsAndPanicsContinue(t *testing.T) {
	m := metrics.New("test").Events
	var calls int32
	p := newProcessor(t, events.Config{Workers: 1, BufferSize: 10, Metrics: m},
		func(_ context.Context, e events.Event) error {
			atomic.AddInt32(&calls, 1)
			switch e.ID {
			case "bad":
				return stderrors.New("parse failure")
			case "panic":
				panic("nil payload")
			}
			return nil
		})

	for _, id := range []string{"bad", "panic", "good"} {
		require.NoError(t, p.Process(ev(id)))
	}
	p.Shutdown()

	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Equal(t, int64(2), p.Stats().Failed)
	assert.Equal(t, float64(2), testutil.ToFloat64(m.Failed))
}

func TestProcessor_RateGauge(t *testing.T) {
	m := metrics.New("test").Events
	p := newProcessor(t, events.Config{Workers: 2, BufferSize: 100, Metrics: m},
		func(context.Context, events.Event) error { return nil })
	defer p.Shutdown()

	for i := 0; i < 25; i++ {
		require.NoError(t, p.Process(ev(fmt.Sprint(i))))
	}
	require.Eventually(t, func() bool { return testutil.ToFloat64(m.Rate) > 0 },
		3*time.Second, 50*time.Millisecond)
	assert.Equal(t, float64(25), testutil.ToFloat64(m.Processed))

	// the next window has no traffic and resets the gauge
	require.Eventually(t, func() bool { return testutil.ToFloat64(m.Rate) == 0 },
		3*time.Second, 50*time.Millisecond)
}

func TestProcessor_RateLimit(t *testing.T) {
	m := metrics.New("test").Events
	p := newProcessor(t, events.Config{Workers: 1, BufferSize: 100, RateLimit: 1, RateBurst: 3, Metrics: m},
		func(context.Context, events.Event) error { return nil })
	defer p.Shutdown()

	for i := 0; i < 3; i++ {
		require.NoError(t, p.Process(ev(fmt.Sprint(i))))
	}
	err := p.Process(ev("over"))
	assert.True(t, stderrors.Is(err, events.ErrRateLimited))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Rejected.WithLabelValues(metrics.ReasonRateLimited)))
}

func TestProcessor_PartitionPreservesPerKeyOrder(t *testing.T) {
	var mu sync.Mutex
	order := make(map[string][]int)

	p := newProcessor(t, events.Config{Workers: 4, BufferSize: 4000, Partition: true},
		func(_ context.Context, e events.Event) error {
			var seq int
			_, _ = fmt.Sscanf(e.ID, "%d", &seq)
			mu.Lock()
			order[e.Source] = append(order[e.Source], seq)
			mu.Unlock()
			return nil
		})

	sources := []string{"fw-1", "fw-2", "edr-7", "ids-3", "proxy-9"}
	for seq := 0; seq < 100; seq++ {
		for _, src := range sources {
			e := ev(fmt.Sprint(seq))
			e.Source = src
			require.NoError(t, p.Process(e))
		}
	}
	p.Shutdown()

	for _, src := range sources {
		got := order[src]
		require.Len(t, got, 100, src)
		for i := range got {
			assert.Equal(t, i, got[i], "source %s out of order", src)
		}
	}
}

func TestProcessor_PartitionQueueCapacity(t *testing.T) {
	release := make(chan struct{})
	p := newProcessor(t, events.Config{Workers: 2, BufferSize: 3, Partition: true},
		func(context.Context, events.Event) error { <-release; return nil })

	// every event shares a key, so all land on one worker with ceil(3/2)=2 slots
	e := ev("a")
	require.NoError(t, p.Process(e))
	require.Eventually(t, func() bool { return p.QueueDepth() == 0 }, time.Second, time.Millisecond)
	require.NoError(t, p.Process(e))
	require.NoError(t, p.Process(e))
	assert.True(t, stderrors.Is(p.Process(e), events.ErrQueueFull))

	close(release)
	p.Shutdown()
}

func TestProcessor_ContextCancelShutsDown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var handled int32
	p := events.NewProcessor(ctx, events.Config{Workers: 2, BufferSize: 10, Logger: logging.Discard()},
		func(ctx context.Context, _ events.Event) error {
			assert.NoError(t, ctx.Err(), "handler context is not cancelled")
			atomic.AddInt32(&handled, 1)
			return nil
		})

	for i := 0; i < 5; i++ {
		require.NoError(t, p.Process(ev(fmt.Sprint(i))))
	}
	cancel()

	require.Eventually(t, func() bool {
		return stderrors.Is(p.Process(ev("late")), events.ErrShutdown)
	}, time.Second, time.Millisecond)
	p.Shutdown()
	assert.Equal(t, int32(5), atomic.LoadInt32(&handled))
}

func TestShard_Deterministic(t *testing.T) {
	for _, key := range []string{"", "fw-1", "edr-7"} {
		a := events.Shard(key, 8)
		assert.Equal(t, a, events.Shard(key, 8))
		assert.GreaterOrEqual(t, a, 0)
		assert.Less(t, a, 8)
	}
}

func TestProcessor_ShutdownContextDeadline(t *testing.T) {
	handlerCanceled := make(chan struct{})
	var once sync.Once
	p := newProcessor(t, events.Config{Workers: 1, BufferSize: 10},
		func(ctx context.Context, _ events.Event) error {
			<-ctx.Done()
			once.Do(func() { close(handlerCanceled) })
			return ctx.Err()
		})

	require.NoError(t, p.Process(ev("stuck")))
	require.NoError(t, p.Process(ev("queued")))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := p.ShutdownContext(ctx)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, errors.ErrCodeOperationCanceled, errors.CodeOf(err))
	assert.True(t, stderrors.Is(err, context.DeadlineExceeded))

	select {
	case <-handlerCanceled:
	case <-time.After(time.Second):
		t.Fatal("handler context was not cancelled")
	}
	// the workers finish the remainder with a cancelled context and exit
	p.Shutdown()
	assert.True(t, stderrors.Is(p.Process(ev("late")), events.ErrShutdown))
}

func TestProcessor_ShutdownContextDrains(t *testing.T) {
	var handled int32
	p := newProcessor(t, events.Config{Workers: 2, BufferSize: 10},
		func(context.Context, events.Event) error {
			atomic.AddInt32(&handled, 1)
			return nil
		})
	for i := 0; i < 5; i++ {
		require.NoError(t, p.Process(ev(fmt.Sprint(i))))
	}
	require.NoError(t, p.ShutdownContext(context.Background()))
	assert.Equal(t, int32(5), atomic.LoadInt32(&handled))
}

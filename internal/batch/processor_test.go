package batch_test

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelops/perfcore/internal/batch"
	"github.com/sentinelops/perfcore/internal/metrics"
	"github.com/sentinelops/perfcore/pkg/errors"
	"github.com/sentinelops/perfcore/pkg/logging"
)

type recorder struct {
	mu      sync.Mutex
	batches [][]interface{}
}

func (r *recorder) flush(_ context.Context, items []interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, items)
	return nil
}

func (r *recorder) snapshot() [][]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]interface{}(nil), r.batches...)
}

func newProcessor(t *testing.T, conf batch.Config, fn batch.Func) *batch.Processor {
	t.Helper()
	if conf.Logger == nil {
		conf.Logger = logging.Discard()
	}
	p := batch.NewProcessor(conf, fn)
	require.NoError(t, p.Start(context.Background()))
	return p
}

func TestProcessor_SizeTrigger(t *testing.T) {
	rec := &recorder{}
	m := metrics.New("test").Batch
	p := newProcessor(t, batch.Config{
		BatchSize:     5,
		FlushInterval: time.Hour,
		Spawner:       batch.SyncSpawner{},
		Metrics:       m,
	}, rec.flush)
	defer p.Stop(context.Background())

	for i := 0; i < 5; i++ {
		require.NoError(t, p.Add(i))
	}

	batches := rec.snapshot()
	require.Len(t, batches, 1)
	assert.Equal(t, []interface{}{0, 1, 2, 3, 4}, batches[0])
	assert.Equal(t, 0, p.Len())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Flushes.WithLabelValues(metrics.TriggerSize)))
	assert.Equal(t, float64(5), testutil.ToFloat64(m.Items))
}

func TestProcessor_TimerTrigger(t *testing.T) {
	rec := &recorder{}
	m := metrics.New("test").Batch
	p := newProcessor(t, batch.Config{
		BatchSize:     10,
		FlushInterval: 50 * time.Millisecond,
		Metrics:       m,
	}, rec.flush)
	defer p.Stop(context.Background())

	require.NoError(t, p.Add("a"))
	require.NoError(t, p.Add("b"))
	require.NoError(t, p.Add("c"))

	time.Sleep(200 * time.Millisecond)

	batches := rec.snapshot()
	require.Len(t, batches, 1)
	assert.Equal(t, []interface{}{"a", "b", "c"}, batches[0])
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Flushes.WithLabelValues(metrics.TriggerTimer)))
}

func TestProcessor_StopFlushesRemainderAndWaits(t *testing.T) {
	var flushed int32
	release := make(chan struct{})
	p := newProcessor(t, batch.Config{BatchSize: 2, FlushInterval: time.Hour},
		func(_ context.Context, items []interface{}) error {
			<-release
			atomic.AddInt32(&flushed, int32(len(items)))
			return nil
		})

	require.NoError(t, p.Add(1))
	require.NoError(t, p.Add(2)) // size flush, blocked on release
	require.NoError(t, p.Add(3)) // left in the buffer

	stopped := make(chan struct{})
	go func() {
		assert.NoError(t, p.Stop(context.Background()))
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while flushes were in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	<-stopped
	assert.Equal(t, int32(3), atomic.LoadInt32(&flushed))

	err := p.Add(4)
	assert.True(t, stderrors.Is(err, batch.ErrProcessorStopped))
	assert.Equal(t, errors.ErrCodeComponentStopped, errors.CodeOf(err))
	assert.NoError(t, p.Stop(context.Background()), "second Stop is a no-op")
}

func TestProcessor_ErrorsAreDropped(t *testing.T) {
	var calls int32
	m := metrics.New("test").Batch
	p := newProcessor(t, batch.Config{BatchSize: 2, Spawner: batch.SyncSpawner{}, Metrics: m},
		func(context.Context, []interface{}) error {
			atomic.AddInt32(&calls, 1)
			return stderrors.New("sink down")
		})

	require.NoError(t, p.Add(1))
	require.NoError(t, p.Add(2))
	require.NoError(t, p.Stop(context.Background()))

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "failed batch is not retried")
	stats := p.Stats()
	assert.Equal(t, int64(1), stats.ErrorCount)
	assert.Equal(t, int64(2), stats.DroppedItems)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Errors))
}

func TestProcessor_Lifecycle(t *testing.T) {
	p := batch.NewProcessor(batch.Config{Logger: logging.Discard()}, (&recorder{}).flush)

	assert.True(t, stderrors.Is(p.Add(1), batch.ErrNotStarted))
	assert.True(t, stderrors.Is(p.Stop(context.Background()), batch.ErrNotStarted))

	require.NoError(t, p.Start(context.Background()))
	err := p.Start(context.Background())
	assert.Equal(t, errors.ErrCodeAlreadyStarted, errors.CodeOf(err))
	require.NoError(t, p.Stop(context.Background()))
}

func TestProcessor_ContextCancelStopsTimerOnly(t *testing.T) {
	rec := &recorder{}
	ctx, cancel := context.WithCancel(context.Background())
	p := batch.NewProcessor(batch.Config{
		BatchSize:     2,
		FlushInterval: 10 * time.Millisecond,
		Spawner:       batch.SyncSpawner{},
		Logger:        logging.Discard(),
	}, func(ctx context.Context, items []interface{}) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return rec.flush(ctx, items)
	})
	require.NoError(t, p.Start(ctx))
	cancel()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, p.Add(1))
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, rec.snapshot(), "timer stopped with the context")

	require.NoError(t, p.Add(2))
	require.NoError(t, p.Stop(context.Background()))
	assert.Equal(t, [][]interface{}{{1, 2}}, rec.snapshot(), "flush context is not cancelled")
}

func TestProcessor_ConcurrentAddsDeliveredOnce(t *testing.T) {
	rec := &recorder{}
	p := newProcessor(t, batch.Config{BatchSize: 7, FlushInterval: 5 * time.Millisecond}, rec.flush)

	const writers, perWriter = 8, 250
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				assert.NoError(t, p.Add(w*perWriter+i))
			}
		}(w)
	}
	wg.Wait()
	require.NoError(t, p.Stop(context.Background()))

	seen := make(map[int]int)
	for _, b := range rec.snapshot() {
		assert.LessOrEqual(t, len(b), 7)
		for _, item := range b {
			seen[item.(int)]++
		}
	}
	assert.Len(t, seen, writers*perWriter)
	for item, n := range seen {
		if n != 1 {
			t.Errorf("item %d delivered %d times", item, n)
		}
	}
}

func TestProcessor_StopDeadlineAbandonsStalledFlush(t *testing.T) {
	m := metrics.New("test").Batch
	flushCanceled := make(chan struct{})
	p := newProcessor(t, batch.Config{BatchSize: 10, FlushInterval: time.Hour, Metrics: m},
		func(ctx context.Context, _ []interface{}) error {
			<-ctx.Done()
			close(flushCanceled)
			return ctx.Err()
		})
	require.NoError(t, p.Add("x"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := p.Stop(ctx)
	assert.Less(t, time.Since(start), time.Second, "Stop honours its deadline")
	assert.Equal(t, errors.ErrCodeOperationCanceled, errors.CodeOf(err))
	assert.True(t, stderrors.Is(err, context.DeadlineExceeded))

	select {
	case <-flushCanceled:
	case <-time.After(time.Second):
		t.Fatal("flush context was not cancelled")
	}
	assert.Equal(t, int64(1), p.Stats().AbandonedBatches)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Abandoned))
}

func TestProcessor_StopDeadlineWithSinkIgnoringContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	p := newProcessor(t, batch.Config{BatchSize: 10, FlushInterval: time.Hour},
		func(context.Context, []interface{}) error {
			<-release
			return nil
		})
	require.NoError(t, p.Add("x"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	stopped := make(chan error, 1)
	go func() { stopped <- p.Stop(ctx) }()

	select {
	case err := <-stopped:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked past its deadline")
	}
	assert.True(t, stderrors.Is(p.Add("y"), batch.ErrProcessorStopped))
}

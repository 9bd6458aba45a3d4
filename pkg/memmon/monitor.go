// Package memmon samples process memory and forces a collection when the heap
// grows past a threshold.
package memmon

import (
	"context"
	"runtime"
	"runtime/debug"
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

const megabyte = 1 << 20

// State of the optimizer.
type State int32

const (
	StateNominal State = iota
	StateCollecting
)

func (s State) String() string {
	switch s {
	case StateNominal:
		return "nominal"
	case StateCollecting:
		return "collecting"
	default:
		return "unknown"
	}
}

// Config configures the memory optimizer
type Config struct {
	// How often to sample. Default 30s.
	SampleInterval time.Duration
	// Heap bytes above which a collection is forced. Default 500MB.
	Threshold uint64
	// Also return freed memory to the OS after a forced collection.
	ReturnToOS bool
	// Samples kept in history. Default 120.
	MaxSamples int
	// When set, heap and goroutine profiles are written here before each
	// forced collection.
	ProfileDir string

	Metrics *metrics.MemoryMetrics
	Logger  *logging.Logger
}

// Sample is one reading of the runtime memory statistics.
type Sample struct {
	Timestamp     time.Time `json:"timestamp"`
	HeapAlloc     uint64    `json:"heap_alloc"`
	HeapSys       uint64    `json:"heap_sys"`
	HeapIdle      uint64    `json:"heap_idle"`
	HeapReleased  uint64    `json:"heap_released"`
	Sys           uint64    `json:"sys"`
	NumGC         uint32    `json:"num_gc"`
	NumGoroutine  int       `json:"num_goroutine"`
	GCCPUFraction float64   `json:"gc_cpu_fraction"`
}

// GCResult describes one forced collection.
type GCResult struct {
	Before    Sample        `json:"before"`
	After     Sample        `json:"after"`
	Reclaimed uint64        `json:"reclaimed"`
	Duration  time.Duration `json:"duration"`
	// Directory the pre-collection profiles were written to, if any.
	Profile string `json:"profile,omitempty"`
}

// Stats provides memory optimizer statistics
type Stats struct {
	State          State     `json:"state"`
	Current        Sample    `json:"current"`
	Baseline       Sample    `json:"baseline"`
	SampleCount    int       `json:"sample_count"`
	ForcedGCs      int64     `json:"forced_gcs"`
	ReclaimedBytes uint64    `json:"reclaimed_bytes"`
	LastGC         *GCResult `json:"last_gc,omitempty"`
}

// Optimizer samples heap usage and goroutine count on an interval and forces a
// garbage collection whenever the heap exceeds Threshold.
type Optimizer struct {
	conf     Config
	log      *logging.Logger
	profiler *Profiler

	state   int32
	started int32
	stopped int32
	loop    syncutil.WaitGroup

	mu          sync.RWMutex
	samples     []Sample
	baseline    Sample
	baselineSet bool
	lastGC      *GCResult
	// set while the goroutine count is above twice the baseline
	goroutineHigh bool
	forcedGCs   int64
	reclaimed   uint64

	// runtime hooks, replaced in tests
	readMemStats func(*runtime.MemStats)
	numGoroutine func() int
	collect      func()
	freeOSMemory func()
}

// New creates a memory optimizer. Call Start to begin sampling.
func New(conf Config) *Optimizer {
	setter.SetDefault(&conf.SampleInterval, 30*time.Second)
	setter.SetDefault(&conf.Threshold, uint64(500*megabyte))
	setter.SetDefault(&conf.MaxSamples, 120)
	if conf.Metrics == nil {
		conf.Metrics = metrics.New("").Memory
	}
	if conf.Logger == nil {
		conf.Logger = logging.Default()
	}

	o := &Optimizer{
		conf:         conf,
		log:          conf.Logger.WithComponent("memory"),
		samples:      make([]Sample, 0, conf.MaxSamples),
		readMemStats: runtime.ReadMemStats,
		numGoroutine: runtime.NumGoroutine,
		collect:      runtime.GC,
		freeOSMemory: debug.FreeOSMemory,
	}
	if conf.ProfileDir != "" {
		o.profiler = NewProfiler(conf.ProfileDir)
	}
	return o
}

// Start takes a baseline sample and starts the sampling loop, which runs
// until ctx is cancelled or Stop is called.
func (o *Optimizer) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&o.started, 0, 1) {
		return errors.NewError(errors.ErrCodeAlreadyStarted, "memory optimizer already started").
			WithComponent("memory")
	}

	o.log.Info("Starting memory optimizer", map[string]interface{}{
		"sample_interval": o.conf.SampleInterval.String(),
		"threshold_mb":    o.conf.Threshold / megabyte,
		"return_to_os":    o.conf.ReturnToOS,
	})

	o.Check()

	tick := time.NewTicker(o.conf.SampleInterval)
	o.loop.Until(func(done chan struct{}) bool {
		select {
		case <-tick.C:
			o.Check()
			return true
		case <-ctx.Done():
			tick.Stop()
			return false
		case <-done:
			tick.Stop()
			return false
		}
	})
	return nil
}

// Stop stops the sampling loop. It is safe to call more than once.
func (o *Optimizer) Stop() {
	if atomic.LoadInt32(&o.started) == 0 || !atomic.CompareAndSwapInt32(&o.stopped, 0, 1) {
		return
	}
	o.loop.Stop()
	o.log.Info("Stopped memory optimizer")
}

// Check takes one sample and forces a collection when the heap is over the
// threshold. The sampling loop calls it on every tick.
func (o *Optimizer) Check() Sample {
	s := o.sample()
	if s.HeapAlloc > o.conf.Threshold {
		o.log.Warn("Heap above threshold", map[string]interface{}{
			"heap_alloc_mb": s.HeapAlloc / megabyte,
			"threshold_mb":  o.conf.Threshold / megabyte,
		})
		o.forceGC(s)
	}
	return s
}

// ForceGC forces a collection now, regardless of the threshold. It returns
// false when a collection is already in progress.
func (o *Optimizer) ForceGC() (GCResult, bool) {
	return o.forceGC(o.sample())
}

// State returns the current state.
func (o *Optimizer) State() State {
	return State(atomic.LoadInt32(&o.state))
}

// Samples returns a copy of the sample history, oldest first.
func (o *Optimizer) Samples() []Sample {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]Sample(nil), o.samples...)
}

// Stats returns current optimizer statistics
func (o *Optimizer) Stats() Stats {
	o.mu.RLock()
	defer o.mu.RUnlock()

	stats := Stats{
		State:          o.State(),
		Baseline:       o.baseline,
		SampleCount:    len(o.samples),
		ForcedGCs:      o.forcedGCs,
		ReclaimedBytes: o.reclaimed,
	}
	if n := len(o.samples); n > 0 {
		stats.Current = o.samples[n-1]
	}
	if o.lastGC != nil {
		last := *o.lastGC
		stats.LastGC = &last
	}
	return stats
}

func (o *Optimizer) forceGC(before Sample) (GCResult, bool) {
	if !atomic.CompareAndSwapInt32(&o.state, int32(StateNominal), int32(StateCollecting)) {
		return GCResult{}, false
	}
	defer atomic.StoreInt32(&o.state, int32(StateNominal))

	result := GCResult{Before: before}
	if o.profiler != nil {
		dir, err := o.profiler.WriteSnapshot(before.Timestamp)
		if err != nil {
			o.log.Warn("Failed to write memory profiles", map[string]interface{}{"error": err.Error()})
		} else {
			result.Profile = dir
		}
	}

	start := clock.Now()
	o.collect()
	if o.conf.ReturnToOS {
		o.freeOSMemory()
	}
	result.Duration = clock.Since(start)

	result.After = o.sample()
	if result.Before.HeapAlloc > result.After.HeapAlloc {
		result.Reclaimed = result.Before.HeapAlloc - result.After.HeapAlloc
	}

	o.mu.Lock()
	o.forcedGCs++
	o.reclaimed += result.Reclaimed
	o.lastGC = &result
	o.mu.Unlock()

	o.conf.Metrics.ForcedGCs.Inc()
	o.conf.Metrics.Reclaimed.Add(float64(result.Reclaimed))

	o.log.Info("Forced garbage collection", map[string]interface{}{
		"before_mb":    result.Before.HeapAlloc / megabyte,
		"after_mb":     result.After.HeapAlloc / megabyte,
		"reclaimed_mb": result.Reclaimed / megabyte,
		"duration":     result.Duration.String(),
	})
	return result, true
}

func (o *Optimizer) sample() Sample {
	var ms runtime.MemStats
	o.readMemStats(&ms)

	s := Sample{
		Timestamp:     clock.Now(),
		HeapAlloc:     ms.HeapAlloc,
		HeapSys:       ms.HeapSys,
		HeapIdle:      ms.HeapIdle,
		HeapReleased:  ms.HeapReleased,
		Sys:           ms.Sys,
		NumGC:         ms.NumGC,
		NumGoroutine:  o.numGoroutine(),
		GCCPUFraction: ms.GCCPUFraction,
	}

	o.conf.Metrics.HeapAlloc.Set(float64(s.HeapAlloc))
	o.conf.Metrics.Goroutines.Set(float64(s.NumGoroutine))

	o.mu.Lock()
	if !o.baselineSet {
		o.baseline = s
		o.baselineSet = true
	}
	o.samples = append(o.samples, s)
	if len(o.samples) > o.conf.MaxSamples {
		o.samples = o.samples[len(o.samples)-o.conf.MaxSamples:]
	}
	baseline := o.baseline
	high := baseline.NumGoroutine > 0 && s.NumGoroutine > 2*baseline.NumGoroutine
	crossed := high != o.goroutineHigh
	o.goroutineHigh = high
	o.mu.Unlock()

	// log transitions only; the gauge carries the ongoing value
	switch {
	case crossed && high:
		o.log.Warn("Goroutine count growing", map[string]interface{}{
			"baseline": baseline.NumGoroutine,
			"current":  s.NumGoroutine,
		})
	case crossed:
		o.log.Info("Goroutine count back within twice the baseline", map[string]interface{}{
			"baseline": baseline.NumGoroutine,
			"current":  s.NumGoroutine,
		})
	}
	return s
}

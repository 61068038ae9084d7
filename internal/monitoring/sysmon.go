package monitoring

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
)

// SystemMetrics is one sample of process resource usage.
type SystemMetrics struct {
	CPUPercent  float64
	MemoryBytes uint64
	Goroutines  int
	Timestamp   time.Time
}

// Sink receives each sample, typically to export it as gauges.
type Sink func(SystemMetrics)

// SystemMonitor samples CPU, heap and goroutine counts on a fixed
// interval and hands each sample to an optional sink.
type SystemMonitor struct {
	logger   zerolog.Logger
	interval time.Duration
	sink     Sink

	mu      sync.RWMutex
	metrics SystemMetrics

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSystemMonitor creates a monitor sampling every interval. sink may
// be nil.
func NewSystemMonitor(logger zerolog.Logger, interval time.Duration, sink Sink) *SystemMonitor {
	return &SystemMonitor{
		logger:   logger.With().Str("component", "sysmon").Logger(),
		interval: interval,
		sink:     sink,
	}
}

// Start launches the sampling goroutine.
func (sm *SystemMonitor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	sm.cancel = cancel

	sm.wg.Add(1)
	go func() {
		defer sm.wg.Done()
		defer RecoverPanic(sm.logger, "sysmon", nil)

		ticker := time.NewTicker(sm.interval)
		defer ticker.Stop()

		sm.sample()
		for {
			select {
			case <-ticker.C:
				sm.sample()
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (sm *SystemMonitor) sample() {
	var cpuPercent float64
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		cpuPercent = percents[0]
	} else if err != nil {
		sm.logger.Warn().Err(err).Msg("cpu sample failed")
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	m := SystemMetrics{
		CPUPercent:  cpuPercent,
		MemoryBytes: mem.Alloc,
		Goroutines:  runtime.NumGoroutine(),
		Timestamp:   time.Now(),
	}

	sm.mu.Lock()
	sm.metrics = m
	sm.mu.Unlock()

	if sm.sink != nil {
		sm.sink(m)
	}

	sm.logger.Debug().
		Float64("cpu_percent", m.CPUPercent).
		Uint64("memory_bytes", m.MemoryBytes).
		Int("goroutines", m.Goroutines).
		Msg("system metrics updated")
}

// Metrics returns the latest sample.
func (sm *SystemMonitor) Metrics() SystemMetrics {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.metrics
}

// Stop halts sampling and waits for the goroutine to exit.
func (sm *SystemMonitor) Stop() {
	if sm.cancel != nil {
		sm.cancel()
	}
	sm.wg.Wait()
}

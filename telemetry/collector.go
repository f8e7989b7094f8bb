package telemetry

import (
	"sync"
	"time"
)

// ProjectStats is a point-in-time summary of one source's project tasks
type ProjectStats struct {
	Source         string
	Projects       int
	PendingEvents  int
	PendingRetries int
}

// StatsProvider is implemented by anything that can summarize its projects
type StatsProvider interface {
	ProjectStats() ProjectStats
}

// MetricsCollector periodically collects stats and updates telemetry gauges
type MetricsCollector struct {
	providers []StatsProvider
	interval  time.Duration
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(providers []StatsProvider, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		providers: providers,
		interval:  interval,
		stopCh:    make(chan struct{}),
	}
}

// Start begins the periodic collection
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector
func (mc *MetricsCollector) Stop() {
	close(mc.stopCh)
	mc.wg.Wait()
}

func (mc *MetricsCollector) collectLoop() {
	defer mc.wg.Done()

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collect()

	for {
		select {
		case <-ticker.C:
			mc.collect()
		case <-mc.stopCh:
			return
		}
	}
}

func (mc *MetricsCollector) collect() {
	for _, p := range mc.providers {
		stats := p.ProjectStats()
		ProjectsTracked.With(stats.Source).Set(float64(stats.Projects))
		PendingEvents.With(stats.Source).Set(float64(stats.PendingEvents))
		PendingRetries.With(stats.Source).Set(float64(stats.PendingRetries))
	}
}

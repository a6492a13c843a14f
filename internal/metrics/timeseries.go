package metrics

import (
	"runtime"
	"sync"
	"time"
)

// TimeSeriesPoint represents a single data point in a time series
type TimeSeriesPoint struct {
	Timestamp time.Time              `json:"timestamp"`
	Values    map[string]interface{} `json:"values"`
}

// TimeSeriesBuffer stores time-series metrics data
type TimeSeriesBuffer struct {
	mu       sync.RWMutex
	points   []TimeSeriesPoint
	size     int
	writePos int
	count    int
	lastAdd  time.Time
}

// TimeSeriesCollector samples the counters at a fixed interval so the status
// server can show recent traffic without an external scraper.
type TimeSeriesCollector struct {
	interval time.Duration
	system   *TimeSeriesBuffer // goroutines, memory
	comm     *TimeSeriesBuffer // frames, queries, timeouts
	topology *TimeSeriesBuffer // workers, agents, failovers
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewTimeSeriesCollector creates a new time-series collector
func NewTimeSeriesCollector(bufferSize int, interval time.Duration) *TimeSeriesCollector {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &TimeSeriesCollector{
		interval: interval,
		system:   NewTimeSeriesBuffer(bufferSize),
		comm:     NewTimeSeriesBuffer(bufferSize),
		topology: NewTimeSeriesBuffer(bufferSize),
		stopCh:   make(chan struct{}),
	}
}

// NewTimeSeriesBuffer creates a new time-series buffer
func NewTimeSeriesBuffer(size int) *TimeSeriesBuffer {
	if size <= 0 {
		size = 1
	}
	return &TimeSeriesBuffer{
		points: make([]TimeSeriesPoint, size),
		size:   size,
	}
}

// Start begins collecting time-series data
func (c *TimeSeriesCollector) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		for {
			select {
			case <-c.stopCh:
				return
			case now := <-ticker.C:
				c.Collect(now)
			}
		}
	}()
}

// Close stops the collector. Safe to call more than once.
func (c *TimeSeriesCollector) Close() error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
	return nil
}

// Collect samples every counter at now
func (c *TimeSeriesCollector) Collect(now time.Time) {
	m := Get()

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	c.system.Add(TimeSeriesPoint{
		Timestamp: now,
		Values: map[string]interface{}{
			"goroutines":      runtime.NumGoroutine(),
			"memory_alloc_mb": float64(memStats.Alloc) / 1024 / 1024,
			"memory_heap_mb":  float64(memStats.HeapAlloc) / 1024 / 1024,
			"gc_cycles":       memStats.NumGC,
		},
	})

	c.comm.Add(TimeSeriesPoint{
		Timestamp: now,
		Values: map[string]interface{}{
			"bytes_sent_total":         m.bytesSent.Load(),
			"bytes_received_total":     m.bytesReceived.Load(),
			"queries_sent_total":       m.queriesSent.Load(),
			"responses_received_total": m.responsesReceived.Load(),
			"response_timeouts_total":  m.responseTimeouts.Load(),
			"queries_rejected_total":   m.queriesRejected.Load(),
			"connections_registered":   m.connsRegistered.Load(),
			"response_latency_avg_ms":  calculateAvgLatency(m.responseLatencySum.Load(), m.responseLatencyCount.Load()),
		},
	})

	c.topology.Add(TimeSeriesPoint{
		Timestamp: now,
		Values: map[string]interface{}{
			"workers_known":   m.workersKnown.Load(),
			"agents_known":    m.agentsKnown.Load(),
			"failovers_total": m.failovers.Load(),
		},
	})
}

// Add adds a point to the buffer
func (b *TimeSeriesBuffer) Add(point TimeSeriesPoint) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.points[b.writePos] = point
	b.writePos = (b.writePos + 1) % b.size
	if b.count < b.size {
		b.count++
	}
	b.lastAdd = point.Timestamp
}

// GetRecent returns points newer than now - window, oldest first
func (b *TimeSeriesBuffer) GetRecent(now time.Time, window time.Duration) []TimeSeriesPoint {
	b.mu.RLock()
	defer b.mu.RUnlock()

	cutoff := now.Add(-window)
	var result []TimeSeriesPoint

	for i := 0; i < b.count; i++ {
		idx := (b.writePos - b.count + i + b.size) % b.size
		point := b.points[idx]

		if point.Timestamp.After(cutoff) {
			result = append(result, point)
		}
	}

	return result
}

// Series returns the named buffer: "system", "comm" or "topology".
func (c *TimeSeriesCollector) Series(name string) (*TimeSeriesBuffer, bool) {
	switch name {
	case "system":
		return c.system, true
	case "comm":
		return c.comm, true
	case "topology":
		return c.topology, true
	default:
		return nil, false
	}
}

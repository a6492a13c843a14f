package metrics

import (
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Metrics holds the gateway's process-wide counters for Prometheus export
type Metrics struct {
	startTime time.Time

	// Wire traffic
	framesSent     atomic.Int64
	framesReceived atomic.Int64
	bytesSent      atomic.Int64
	bytesReceived  atomic.Int64
	framingErrors  atomic.Int64

	// Connection lifecycle
	connectAttempts      atomic.Int64
	connectFailures      atomic.Int64
	registrations        atomic.Int64
	registrationFailures atomic.Int64
	disconnects          atomic.Int64
	connsRegistered      atomic.Int64

	// Request/response
	queriesSent        atomic.Int64
	responsesReceived  atomic.Int64
	responsesUnmatched atomic.Int64
	responseTimeouts   atomic.Int64
	responsesRejected  atomic.Int64
	queriesRejected    atomic.Int64

	// Response latency histogram buckets (milliseconds)
	// Buckets: 1ms, 5ms, 10ms, 50ms, 100ms, 500ms, 1s, 5s, 30s, +Inf
	responseLatencyBuckets [10]atomic.Int64
	responseLatencySum     atomic.Int64
	responseLatencyCount   atomic.Int64

	// Inbound traffic
	inboundRequests atomic.Int64
	inboundErrors   atomic.Int64
	eventsReceived  atomic.Int64
	eventsDropped   atomic.Int64

	// Topology
	workersKnown    atomic.Int64
	agentsKnown     atomic.Int64
	workersEvicted  atomic.Int64
	agentsEvicted   atomic.Int64
	discoveryErrors atomic.Int64
	failovers       atomic.Int64
	fanouts         atomic.Int64
	fanoutFailures  atomic.Int64

	// Status server
	statusRequests atomic.Int64
	statusErrors   atomic.Int64

	logger zerolog.Logger
}

var (
	instance *Metrics
	once     sync.Once
)

var latencyBoundsMs = [9]int64{1, 5, 10, 50, 100, 500, 1000, 5000, 30000}

// Get returns the singleton metrics instance
func Get() *Metrics {
	once.Do(func() {
		instance = &Metrics{
			startTime: time.Now(),
		}
	})
	return instance
}

// Init initializes the metrics with a logger
func Init(logger zerolog.Logger) *Metrics {
	m := Get()
	m.logger = logger.With().Str("component", "metrics").Logger()
	m.logger.Info().Msg("Metrics collector initialized")
	return m
}

// Wire traffic
func (m *Metrics) IncFramesSent()            { m.framesSent.Add(1) }
func (m *Metrics) IncFramesReceived()        { m.framesReceived.Add(1) }
func (m *Metrics) AddBytesSent(n int64)      { m.bytesSent.Add(n) }
func (m *Metrics) AddBytesReceived(n int64)  { m.bytesReceived.Add(n) }
func (m *Metrics) IncFramingErrors()         { m.framingErrors.Add(1) }

// Connection lifecycle
func (m *Metrics) IncConnectAttempts()       { m.connectAttempts.Add(1) }
func (m *Metrics) IncConnectFailures()       { m.connectFailures.Add(1) }
func (m *Metrics) IncRegistrations()         { m.registrations.Add(1) }
func (m *Metrics) IncRegistrationFailures()  { m.registrationFailures.Add(1) }
func (m *Metrics) IncDisconnects()           { m.disconnects.Add(1) }
func (m *Metrics) AddConnsRegistered(n int64) { m.connsRegistered.Add(n) }

// Request/response
func (m *Metrics) IncQueriesSent()           { m.queriesSent.Add(1) }
func (m *Metrics) IncResponsesReceived()     { m.responsesReceived.Add(1) }
func (m *Metrics) IncResponsesUnmatched()    { m.responsesUnmatched.Add(1) }
func (m *Metrics) AddResponseTimeouts(n int64) { m.responseTimeouts.Add(n) }
func (m *Metrics) AddResponsesRejected(n int64) { m.responsesRejected.Add(n) }
func (m *Metrics) IncQueriesRejected()       { m.queriesRejected.Add(1) }

// RecordResponseLatency records the time from send to final chunk
func (m *Metrics) RecordResponseLatency(d time.Duration) {
	ms := d.Milliseconds()
	m.responseLatencyBuckets[latencyBucket(ms)].Add(1)
	m.responseLatencySum.Add(ms)
	m.responseLatencyCount.Add(1)
}

func latencyBucket(ms int64) int {
	for i, bound := range latencyBoundsMs {
		if ms <= bound {
			return i
		}
	}
	return len(latencyBoundsMs)
}

// Inbound traffic
func (m *Metrics) IncInboundRequests()       { m.inboundRequests.Add(1) }
func (m *Metrics) IncInboundErrors()         { m.inboundErrors.Add(1) }
func (m *Metrics) IncEventsReceived()        { m.eventsReceived.Add(1) }
func (m *Metrics) IncEventsDropped()         { m.eventsDropped.Add(1) }

// Topology
func (m *Metrics) SetWorkersKnown(n int64)   { m.workersKnown.Store(n) }
func (m *Metrics) SetAgentsKnown(n int64)    { m.agentsKnown.Store(n) }
func (m *Metrics) AddWorkersEvicted(n int64) { m.workersEvicted.Add(n) }
func (m *Metrics) AddAgentsEvicted(n int64)  { m.agentsEvicted.Add(n) }
func (m *Metrics) IncDiscoveryErrors()       { m.discoveryErrors.Add(1) }
func (m *Metrics) IncFailovers()             { m.failovers.Add(1) }
func (m *Metrics) IncFanouts()               { m.fanouts.Add(1) }
func (m *Metrics) IncFanoutFailures()        { m.fanoutFailures.Add(1) }

// Status server
func (m *Metrics) IncStatusRequests() { m.statusRequests.Add(1) }
func (m *Metrics) IncStatusErrors()   { m.statusErrors.Add(1) }

// Snapshot returns all metrics as a map for JSON encoding
func (m *Metrics) Snapshot() map[string]interface{} {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return map[string]interface{}{
		// Process info
		"uptime_seconds": time.Since(m.startTime).Seconds(),
		"goroutines":     runtime.NumGoroutine(),
		"go_version":     runtime.Version(),
		"num_cpu":        runtime.NumCPU(),

		// Memory (Go runtime)
		"memory_alloc_bytes":      memStats.Alloc,
		"memory_sys_bytes":        memStats.Sys,
		"memory_heap_alloc_bytes": memStats.HeapAlloc,
		"gc_cycles":               memStats.NumGC,

		// Wire
		"frames_sent_total":     m.framesSent.Load(),
		"frames_received_total": m.framesReceived.Load(),
		"bytes_sent_total":      m.bytesSent.Load(),
		"bytes_received_total":  m.bytesReceived.Load(),
		"framing_errors_total":  m.framingErrors.Load(),

		// Connections
		"connect_attempts_total":      m.connectAttempts.Load(),
		"connect_failures_total":      m.connectFailures.Load(),
		"registrations_total":         m.registrations.Load(),
		"registration_failures_total": m.registrationFailures.Load(),
		"disconnects_total":           m.disconnects.Load(),
		"connections_registered":      m.connsRegistered.Load(),

		// Requests
		"queries_sent_total":         m.queriesSent.Load(),
		"responses_received_total":   m.responsesReceived.Load(),
		"responses_unmatched_total":  m.responsesUnmatched.Load(),
		"response_timeouts_total":    m.responseTimeouts.Load(),
		"responses_rejected_total":   m.responsesRejected.Load(),
		"queries_rejected_total":     m.queriesRejected.Load(),
		"response_latency_avg_ms":    calculateAvgLatency(m.responseLatencySum.Load(), m.responseLatencyCount.Load()),
		"inbound_requests_total":     m.inboundRequests.Load(),
		"inbound_errors_total":       m.inboundErrors.Load(),
		"events_received_total":      m.eventsReceived.Load(),
		"events_dropped_total":       m.eventsDropped.Load(),

		// Topology
		"workers_known":          m.workersKnown.Load(),
		"agents_known":           m.agentsKnown.Load(),
		"workers_evicted_total":  m.workersEvicted.Load(),
		"agents_evicted_total":   m.agentsEvicted.Load(),
		"discovery_errors_total": m.discoveryErrors.Load(),
		"failovers_total":        m.failovers.Load(),
		"fanouts_total":          m.fanouts.Load(),
		"fanout_failures_total":  m.fanoutFailures.Load(),

		// Status server
		"status_requests_total": m.statusRequests.Load(),
		"status_errors_total":   m.statusErrors.Load(),
	}
}

type promMetric struct {
	name  string
	kind  string
	help  string
	value func(m *Metrics) int64
}

var promCounters = []promMetric{
	{"gyeeta_frames_sent_total", "counter", "Frames written to peers", func(m *Metrics) int64 { return m.framesSent.Load() }},
	{"gyeeta_frames_received_total", "counter", "Frames read from peers", func(m *Metrics) int64 { return m.framesReceived.Load() }},
	{"gyeeta_bytes_sent_total", "counter", "Bytes written to peers", func(m *Metrics) int64 { return m.bytesSent.Load() }},
	{"gyeeta_bytes_received_total", "counter", "Bytes read from peers", func(m *Metrics) int64 { return m.bytesReceived.Load() }},
	{"gyeeta_framing_errors_total", "counter", "Frames rejected by header validation", func(m *Metrics) int64 { return m.framingErrors.Load() }},
	{"gyeeta_connect_attempts_total", "counter", "Outbound connect attempts", func(m *Metrics) int64 { return m.connectAttempts.Load() }},
	{"gyeeta_connect_failures_total", "counter", "Failed connect attempts", func(m *Metrics) int64 { return m.connectFailures.Load() }},
	{"gyeeta_registrations_total", "counter", "Successful registrations", func(m *Metrics) int64 { return m.registrations.Load() }},
	{"gyeeta_registration_failures_total", "counter", "Rejected or malformed registrations", func(m *Metrics) int64 { return m.registrationFailures.Load() }},
	{"gyeeta_disconnects_total", "counter", "Connection teardowns", func(m *Metrics) int64 { return m.disconnects.Load() }},
	{"gyeeta_connections_registered", "gauge", "Currently registered connections", func(m *Metrics) int64 { return m.connsRegistered.Load() }},
	{"gyeeta_queries_sent_total", "counter", "Query commands sent", func(m *Metrics) int64 { return m.queriesSent.Load() }},
	{"gyeeta_responses_received_total", "counter", "Completed responses", func(m *Metrics) int64 { return m.responsesReceived.Load() }},
	{"gyeeta_responses_unmatched_total", "counter", "Responses for unknown sequence ids", func(m *Metrics) int64 { return m.responsesUnmatched.Load() }},
	{"gyeeta_response_timeouts_total", "counter", "Requests rejected by the timeout sweep", func(m *Metrics) int64 { return m.responseTimeouts.Load() }},
	{"gyeeta_responses_rejected_total", "counter", "Requests rejected on connection close", func(m *Metrics) int64 { return m.responsesRejected.Load() }},
	{"gyeeta_queries_rejected_total", "counter", "Queries refused by pool admission", func(m *Metrics) int64 { return m.queriesRejected.Load() }},
	{"gyeeta_inbound_requests_total", "counter", "Requests received from peers", func(m *Metrics) int64 { return m.inboundRequests.Load() }},
	{"gyeeta_inbound_errors_total", "counter", "Inbound requests answered with an error", func(m *Metrics) int64 { return m.inboundErrors.Load() }},
	{"gyeeta_events_received_total", "counter", "Events received from peers", func(m *Metrics) int64 { return m.eventsReceived.Load() }},
	{"gyeeta_events_dropped_total", "counter", "Malformed or unhandled events", func(m *Metrics) int64 { return m.eventsDropped.Load() }},
	{"gyeeta_workers_known", "gauge", "Workers in the topology cache", func(m *Metrics) int64 { return m.workersKnown.Load() }},
	{"gyeeta_agents_known", "gauge", "Agents in the topology cache", func(m *Metrics) int64 { return m.agentsKnown.Load() }},
	{"gyeeta_workers_evicted_total", "counter", "Workers evicted as stale", func(m *Metrics) int64 { return m.workersEvicted.Load() }},
	{"gyeeta_agents_evicted_total", "counter", "Agents evicted as stale", func(m *Metrics) int64 { return m.agentsEvicted.Load() }},
	{"gyeeta_discovery_errors_total", "counter", "Failed discovery passes", func(m *Metrics) int64 { return m.discoveryErrors.Load() }},
	{"gyeeta_failovers_total", "counter", "Coordinator failovers", func(m *Metrics) int64 { return m.failovers.Load() }},
	{"gyeeta_fanouts_total", "counter", "Fan-out requests to workers", func(m *Metrics) int64 { return m.fanouts.Load() }},
	{"gyeeta_fanout_failures_total", "counter", "Fan-out requests that failed", func(m *Metrics) int64 { return m.fanoutFailures.Load() }},
	{"gyeeta_status_requests_total", "counter", "Status server requests", func(m *Metrics) int64 { return m.statusRequests.Load() }},
	{"gyeeta_status_errors_total", "counter", "Status server requests answered with 4xx or 5xx", func(m *Metrics) int64 { return m.statusErrors.Load() }},
}

// PrometheusFormat returns metrics in Prometheus text exposition format
func (m *Metrics) PrometheusFormat() string {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	var b []byte
	b = append(b, "# HELP gyeeta_uptime_seconds Time since the gateway started\n"...)
	b = append(b, "# TYPE gyeeta_uptime_seconds gauge\n"...)
	b = appendMetric(b, "gyeeta_uptime_seconds", time.Since(m.startTime).Seconds())

	b = append(b, "# HELP gyeeta_goroutines Number of goroutines\n"...)
	b = append(b, "# TYPE gyeeta_goroutines gauge\n"...)
	b = appendMetric(b, "gyeeta_goroutines", float64(runtime.NumGoroutine()))

	b = append(b, "# HELP gyeeta_memory_heap_alloc_bytes Heap memory allocated\n"...)
	b = append(b, "# TYPE gyeeta_memory_heap_alloc_bytes gauge\n"...)
	b = appendMetric(b, "gyeeta_memory_heap_alloc_bytes", float64(memStats.HeapAlloc))

	for _, pm := range promCounters {
		b = append(b, "# HELP "...)
		b = append(b, pm.name...)
		b = append(b, ' ')
		b = append(b, pm.help...)
		b = append(b, "\n# TYPE "...)
		b = append(b, pm.name...)
		b = append(b, ' ')
		b = append(b, pm.kind...)
		b = append(b, '\n')
		b = appendMetric(b, pm.name, float64(pm.value(m)))
	}

	// Response latency histogram
	b = append(b, "# HELP gyeeta_response_latency_ms Time from send to final response chunk\n"...)
	b = append(b, "# TYPE gyeeta_response_latency_ms histogram\n"...)
	var cumulative int64
	for i, bound := range latencyBoundsMs {
		cumulative += m.responseLatencyBuckets[i].Load()
		b = appendMetricWithLabel(b, "gyeeta_response_latency_ms_bucket", "le", strconv.FormatInt(bound, 10), float64(cumulative))
	}
	cumulative += m.responseLatencyBuckets[len(latencyBoundsMs)].Load()
	b = appendMetricWithLabel(b, "gyeeta_response_latency_ms_bucket", "le", "+Inf", float64(cumulative))
	b = appendMetric(b, "gyeeta_response_latency_ms_sum", float64(m.responseLatencySum.Load()))
	b = appendMetric(b, "gyeeta_response_latency_ms_count", float64(m.responseLatencyCount.Load()))

	return string(b)
}

// Helper functions for Prometheus format
func appendMetric(b []byte, name string, value float64) []byte {
	b = append(b, name...)
	b = append(b, ' ')
	b = strconv.AppendFloat(b, value, 'f', -1, 64)
	b = append(b, '\n')
	return b
}

func appendMetricWithLabel(b []byte, name, labelName, labelValue string, value float64) []byte {
	b = append(b, name...)
	b = append(b, '{')
	b = append(b, labelName...)
	b = append(b, '=', '"')
	b = append(b, labelValue...)
	b = append(b, '"', '}', ' ')
	b = strconv.AppendFloat(b, value, 'f', -1, 64)
	b = append(b, '\n')
	return b
}

func calculateAvgLatency(sum, count int64) float64 {
	if count == 0 {
		return 0
	}
	return float64(sum) / float64(count)
}

package metrics

import (
	"strings"
	"testing"
	"time"
)

func TestLatencyBucket(t *testing.T) {
	tests := []struct {
		ms   int64
		want int
	}{
		{0, 0},
		{1, 0},
		{3, 1},
		{100, 4},
		{1000, 6},
		{30000, 8},
		{60000, 9},
	}

	for _, tt := range tests {
		if got := latencyBucket(tt.ms); got != tt.want {
			t.Errorf("latencyBucket(%d) = %d, want %d", tt.ms, got, tt.want)
		}
	}
}

func TestPrometheusFormat(t *testing.T) {
	m := Get()
	m.IncQueriesSent()
	m.RecordResponseLatency(7 * time.Millisecond)

	out := m.PrometheusFormat()
	for _, want := range []string{
		"# TYPE gyeeta_queries_sent_total counter",
		"# TYPE gyeeta_workers_known gauge",
		`gyeeta_response_latency_ms_bucket{le="10"}`,
		`gyeeta_response_latency_ms_bucket{le="+Inf"}`,
		"gyeeta_response_latency_ms_count",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("PrometheusFormat missing %q", want)
		}
	}
}

func TestSnapshotKeys(t *testing.T) {
	snap := Get().Snapshot()
	for _, key := range []string{"uptime_seconds", "queries_sent_total", "agents_known", "failovers_total"} {
		if _, ok := snap[key]; !ok {
			t.Errorf("snapshot missing %q", key)
		}
	}
}

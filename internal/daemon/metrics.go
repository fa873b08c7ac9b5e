package daemon

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics collects operational metrics for observability. It also
// implements control.Observer so the socket service can feed it.
type Metrics struct {
	startTime time.Time

	// Counters (atomic for lock-free updates from connection tasks)
	ConnectionsAccepted atomic.Int64
	RequestsServed      atomic.Int64

	responsesMu       sync.RWMutex
	responsesByStatus map[int]int64
}

// NewMetrics creates an empty metrics collector.
func NewMetrics() *Metrics {
	return &Metrics{
		startTime:         time.Now(),
		responsesByStatus: make(map[int]int64),
	}
}

// ConnectionAccepted records a newly accepted control connection.
func (m *Metrics) ConnectionAccepted() {
	m.ConnectionsAccepted.Add(1)
}

// RequestServed records one written response by its status code.
func (m *Metrics) RequestServed(status int) {
	m.RequestsServed.Add(1)
	m.responsesMu.Lock()
	m.responsesByStatus[status]++
	m.responsesMu.Unlock()
}

// MetricsSnapshot is a point-in-time view of all metrics.
type MetricsSnapshot struct {
	Timestamp time.Time `json:"timestamp"`
	Uptime    string    `json:"uptime"`
	UptimeSec float64   `json:"uptime_sec"`

	System   SystemMetrics  `json:"system"`
	Counters CounterMetrics `json:"counters"`

	ResponsesByStatus map[int]int64 `json:"responses_by_status"`
}

// SystemMetrics contains runtime/system information.
type SystemMetrics struct {
	GoVersion    string  `json:"go_version"`
	NumGoroutine int     `json:"num_goroutine"`
	MemAllocMB   float64 `json:"mem_alloc_mb"`
	NumGC        uint32  `json:"num_gc"`
}

// CounterMetrics contains cumulative counters.
type CounterMetrics struct {
	ConnectionsAccepted int64 `json:"connections_accepted"`
	RequestsServed      int64 `json:"requests_served"`
}

// Snapshot captures the current state of all metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.responsesMu.RLock()
	byStatus := make(map[int]int64, len(m.responsesByStatus))
	for status, count := range m.responsesByStatus {
		byStatus[status] = count
	}
	m.responsesMu.RUnlock()

	uptime := time.Since(m.startTime)
	return MetricsSnapshot{
		Timestamp: time.Now(),
		Uptime:    uptime.Round(time.Second).String(),
		UptimeSec: uptime.Seconds(),
		System: SystemMetrics{
			GoVersion:    runtime.Version(),
			NumGoroutine: runtime.NumGoroutine(),
			MemAllocMB:   float64(memStats.Alloc) / (1024 * 1024),
			NumGC:        memStats.NumGC,
		},
		Counters: CounterMetrics{
			ConnectionsAccepted: m.ConnectionsAccepted.Load(),
			RequestsServed:      m.RequestsServed.Load(),
		},
		ResponsesByStatus: byStatus,
	}
}

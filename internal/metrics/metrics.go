package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics tracks gateway-wide request, queue, and per-backend statistics.
type Metrics struct {
	startTime time.Time

	totalRequests     int64
	completedRequests int64
	rejectedRequests  int64 // queue full
	timeoutRequests   int64
	errorRequests     int64

	queueDepth  int64 // current pending count, set by the queue
	activeConns int64 // current accepted-socket count, set by the listener

	// Per-API-key request counters.
	keyRequests map[string]*int64
	keyMu       sync.RWMutex

	// Batch size distribution: size -> count of batches dispatched at that size.
	batchSizes  map[int]*int64
	batchSizeMu sync.RWMutex

	totalResponseTime int64
	responseCount     int64

	backendStats   map[string]*BackendStats
	backendStatsMu sync.RWMutex
}

// BackendStats tracks per-backend statistics.
type BackendStats struct {
	Requests     int64
	Errors       int64
	TotalLatency int64 // microseconds
	MinLatency   int64 // microseconds
	MaxLatency   int64 // microseconds
}

// New creates a new metrics instance.
func New() *Metrics {
	return &Metrics{
		startTime:    time.Now(),
		keyRequests:  make(map[string]*int64),
		batchSizes:   make(map[int]*int64),
		backendStats: make(map[string]*BackendStats),
	}
}

// RecordRequest records the outcome of one generate request at the apiserver
// boundary. errKind is empty on success.
func (m *Metrics) RecordRequest(apiKeyName string, durationMs float64, errKind string) {
	atomic.AddInt64(&m.totalRequests, 1)

	switch errKind {
	case "":
		atomic.AddInt64(&m.completedRequests, 1)
	case "QueueFull":
		atomic.AddInt64(&m.rejectedRequests, 1)
	case "Timeout":
		atomic.AddInt64(&m.timeoutRequests, 1)
	default:
		atomic.AddInt64(&m.errorRequests, 1)
	}

	if apiKeyName != "" {
		m.keyMu.Lock()
		if m.keyRequests[apiKeyName] == nil {
			var zero int64
			m.keyRequests[apiKeyName] = &zero
		}
		atomic.AddInt64(m.keyRequests[apiKeyName], 1)
		m.keyMu.Unlock()
	}

	atomic.AddInt64(&m.totalResponseTime, int64(durationMs*1000))
	atomic.AddInt64(&m.responseCount, 1)
}

// SetQueueDepth records the current pending-request count.
func (m *Metrics) SetQueueDepth(n int) {
	atomic.StoreInt64(&m.queueDepth, int64(n))
}

// SetActiveConnections records the listener's current accepted-socket count.
func (m *Metrics) SetActiveConnections(n int64) {
	atomic.StoreInt64(&m.activeConns, n)
}

// RecordBatch records the size of a batch handed to a backend driver.
func (m *Metrics) RecordBatch(size int) {
	m.batchSizeMu.Lock()
	if m.batchSizes[size] == nil {
		var zero int64
		m.batchSizes[size] = &zero
	}
	atomic.AddInt64(m.batchSizes[size], 1)
	m.batchSizeMu.Unlock()
}

// RecordBackendRequest records a backend call with its latency.
func (m *Metrics) RecordBackendRequest(backendName string, latencyUs int64, isError bool) {
	m.backendStatsMu.Lock()
	stats := m.backendStats[backendName]
	if stats == nil {
		stats = &BackendStats{
			MinLatency: latencyUs,
			MaxLatency: latencyUs,
		}
		m.backendStats[backendName] = stats
	}
	m.backendStatsMu.Unlock()

	atomic.AddInt64(&stats.Requests, 1)
	atomic.AddInt64(&stats.TotalLatency, latencyUs)

	if isError {
		atomic.AddInt64(&stats.Errors, 1)
	}

	m.backendStatsMu.Lock()
	if latencyUs < stats.MinLatency || stats.MinLatency == 0 {
		stats.MinLatency = latencyUs
	}
	if latencyUs > stats.MaxLatency {
		stats.MaxLatency = latencyUs
	}
	m.backendStatsMu.Unlock()
}

// BackendStatsSnapshot is a point-in-time view of one backend's stats.
type BackendStatsSnapshot struct {
	Requests     int64   `json:"requests"`
	Errors       int64   `json:"errors"`
	ErrorRate    float64 `json:"error_rate"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	MinLatencyMs float64 `json:"min_latency_ms"`
	MaxLatencyMs float64 `json:"max_latency_ms"`
}

// Snapshot is a point-in-time metrics snapshot.
type Snapshot struct {
	Uptime            string                          `json:"uptime"`
	TotalRequests     int64                           `json:"total_requests"`
	CompletedRequests int64                           `json:"completed_requests"`
	RejectedRequests  int64                           `json:"rejected_requests"`
	TimeoutRequests   int64                           `json:"timeout_requests"`
	ErrorRequests     int64                           `json:"error_requests"`
	QueueDepth        int64                           `json:"queue_depth"`
	ActiveConns       int64                           `json:"active_connections"`
	AvgResponseMs     float64                         `json:"avg_response_ms"`
	RequestsPerSec    float64                         `json:"requests_per_sec"`
	KeyRequests       map[string]int64                `json:"key_requests"`
	BatchSizes        map[int]int64                   `json:"batch_sizes"`
	BackendStats      map[string]BackendStatsSnapshot `json:"backend_stats"`
}

// GetSnapshot returns a snapshot of current metrics.
func (m *Metrics) GetSnapshot() *Snapshot {
	uptime := time.Since(m.startTime)
	total := atomic.LoadInt64(&m.totalRequests)
	respCount := atomic.LoadInt64(&m.responseCount)
	respTime := atomic.LoadInt64(&m.totalResponseTime)

	var avgResp float64
	if respCount > 0 {
		avgResp = float64(respTime) / float64(respCount) / 1000.0
	}

	var rps float64
	if uptime.Seconds() > 0 {
		rps = float64(total) / uptime.Seconds()
	}

	m.keyMu.RLock()
	keyReqs := make(map[string]int64, len(m.keyRequests))
	for k, v := range m.keyRequests {
		keyReqs[k] = atomic.LoadInt64(v)
	}
	m.keyMu.RUnlock()

	m.batchSizeMu.RLock()
	batchSizes := make(map[int]int64, len(m.batchSizes))
	for size, v := range m.batchSizes {
		batchSizes[size] = atomic.LoadInt64(v)
	}
	m.batchSizeMu.RUnlock()

	m.backendStatsMu.RLock()
	backendStats := make(map[string]BackendStatsSnapshot, len(m.backendStats))
	for name, stats := range m.backendStats {
		requests := atomic.LoadInt64(&stats.Requests)
		errors := atomic.LoadInt64(&stats.Errors)
		totalLatency := atomic.LoadInt64(&stats.TotalLatency)

		var errorRate float64
		if requests > 0 {
			errorRate = float64(errors) / float64(requests) * 100
		}

		var avgLatency float64
		if requests > 0 {
			avgLatency = float64(totalLatency) / float64(requests) / 1000.0 // us to ms
		}

		backendStats[name] = BackendStatsSnapshot{
			Requests:     requests,
			Errors:       errors,
			ErrorRate:    errorRate,
			AvgLatencyMs: avgLatency,
			MinLatencyMs: float64(stats.MinLatency) / 1000.0,
			MaxLatencyMs: float64(stats.MaxLatency) / 1000.0,
		}
	}
	m.backendStatsMu.RUnlock()

	return &Snapshot{
		Uptime:            uptime.Round(time.Second).String(),
		TotalRequests:     total,
		CompletedRequests: atomic.LoadInt64(&m.completedRequests),
		RejectedRequests:  atomic.LoadInt64(&m.rejectedRequests),
		TimeoutRequests:   atomic.LoadInt64(&m.timeoutRequests),
		ErrorRequests:     atomic.LoadInt64(&m.errorRequests),
		QueueDepth:        atomic.LoadInt64(&m.queueDepth),
		ActiveConns:       atomic.LoadInt64(&m.activeConns),
		AvgResponseMs:     avgResp,
		RequestsPerSec:    rps,
		KeyRequests:       keyReqs,
		BatchSizes:        batchSizes,
		BackendStats:      backendStats,
	}
}

// Handler returns an HTTP handler serving the JSON metrics snapshot.
func (m *Metrics) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snapshot := m.GetSnapshot()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(snapshot)
	}
}

// Reset resets all metrics. Used in tests.
func (m *Metrics) Reset() {
	atomic.StoreInt64(&m.totalRequests, 0)
	atomic.StoreInt64(&m.completedRequests, 0)
	atomic.StoreInt64(&m.rejectedRequests, 0)
	atomic.StoreInt64(&m.timeoutRequests, 0)
	atomic.StoreInt64(&m.errorRequests, 0)
	atomic.StoreInt64(&m.queueDepth, 0)
	atomic.StoreInt64(&m.activeConns, 0)
	atomic.StoreInt64(&m.totalResponseTime, 0)
	atomic.StoreInt64(&m.responseCount, 0)

	m.keyMu.Lock()
	m.keyRequests = make(map[string]*int64)
	m.keyMu.Unlock()

	m.batchSizeMu.Lock()
	m.batchSizes = make(map[int]*int64)
	m.batchSizeMu.Unlock()

	m.backendStatsMu.Lock()
	m.backendStats = make(map[string]*BackendStats)
	m.backendStatsMu.Unlock()

	m.startTime = time.Now()
}

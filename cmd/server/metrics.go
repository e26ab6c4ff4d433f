package main

import (
	"net/http"
	"strings"
	"sync"
	"time"
)

type RouteMetrics struct {
	Count        uint64        `json:"count"`
	TotalLatency time.Duration `json:"total_latency_ns"`
}

// Metrics counts HTTP requests and ipc calls per route.
type Metrics struct {
	mu            sync.Mutex
	totalRequests uint64
	totalErrors   uint64
	inFlight      uint64
	ipcCalls      uint64
	byRoute       map[string]*RouteMetrics
}

// MetricsSnapshot is a point-in-time copy of Metrics.
type MetricsSnapshot struct {
	TotalRequests uint64                   `json:"total_requests"`
	TotalErrors   uint64                   `json:"total_errors"`
	InFlight      uint64                   `json:"in_flight"`
	IPCCalls      uint64                   `json:"ipc_calls"`
	ByRoute       map[string]*RouteMetrics `json:"by_route"`
}

func NewMetrics() *Metrics {
	return &Metrics{
		byRoute: make(map[string]*RouteMetrics),
	}
}

func (m *Metrics) StartRequest(route string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inFlight++
	m.totalRequests++
	if _, ok := m.byRoute[route]; !ok {
		m.byRoute[route] = &RouteMetrics{}
	}
}

func (m *Metrics) EndRequest(route string, latency time.Duration, err bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.inFlight > 0 {
		m.inFlight--
	}
	if err {
		m.totalErrors++
	}

	rm := m.byRoute[route]
	if rm == nil {
		rm = &RouteMetrics{}
		m.byRoute[route] = rm
	}
	rm.Count++
	rm.TotalLatency += latency
}

// ObserveIPC counts one dispatched ipc call under "ipc:<name>".
func (m *Metrics) ObserveIPC(name string) {
	route := "ipc:" + strings.ToLower(name)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.ipcCalls++
	rm := m.byRoute[route]
	if rm == nil {
		rm = &RouteMetrics{}
		m.byRoute[route] = rm
	}
	rm.Count++
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := MetricsSnapshot{
		TotalRequests: m.totalRequests,
		TotalErrors:   m.totalErrors,
		InFlight:      m.inFlight,
		IPCCalls:      m.ipcCalls,
		ByRoute:       make(map[string]*RouteMetrics, len(m.byRoute)),
	}

	for route, rm := range m.byRoute {
		rmCopy := *rm
		snap.ByRoute[route] = &rmCopy
	}

	return snap
}

// statusRecorder captures the status written through it.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(p)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

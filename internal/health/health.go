// Package health serves liveness and component status for a probe
// process over HTTP.
package health

import (
	"net/http"
	"runtime"
	"time"

	gojson "github.com/goccy/go-json"
	"go.uber.org/zap"
)

// Status grades one component or the whole process.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

func (s Status) rank() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

// Component is the health of one probe subsystem.
type Component struct {
	Name     string         `json:"name"`
	Status   Status         `json:"status"`
	Message  string         `json:"message,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// SystemInfo is process-level context attached to every report.
type SystemInfo struct {
	GoVersion     string `json:"go_version"`
	NumGoroutines int    `json:"num_goroutines"`
	HeapBytes     uint64 `json:"heap_bytes"`
}

// Report is the full answer served on the health endpoint. The
// overall status is the worst component status.
type Report struct {
	Status     Status      `json:"status"`
	Timestamp  time.Time   `json:"timestamp"`
	UptimeSecs float64     `json:"uptime_seconds"`
	Components []Component `json:"components"`
	System     SystemInfo  `json:"system"`
}

// Checker reports one component's health.
type Checker func() Component

// Manager aggregates component checkers behind an HTTP handler.
type Manager struct {
	start    time.Time
	logger   *zap.Logger
	checkers []Checker
}

func NewManager(logger *zap.Logger, checkers ...Checker) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{start: time.Now(), logger: logger, checkers: checkers}
}

// Report runs every checker and aggregates the result.
func (m *Manager) Report() Report {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	report := Report{
		Status:     StatusHealthy,
		Timestamp:  time.Now(),
		UptimeSecs: time.Since(m.start).Seconds(),
		System: SystemInfo{
			GoVersion:     runtime.Version(),
			NumGoroutines: runtime.NumGoroutine(),
			HeapBytes:     mem.HeapAlloc,
		},
	}
	for _, check := range m.checkers {
		c := check()
		report.Components = append(report.Components, c)
		if c.Status.rank() > report.Status.rank() {
			report.Status = c.Status
		}
	}
	return report
}

// ServeHTTP answers with the aggregated report. Degraded still
// returns 200; unhealthy returns 503 so orchestrators restart the
// process.
func (m *Manager) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	report := m.Report()
	code := http.StatusOK
	if report.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := gojson.NewEncoder(w).Encode(report); err != nil {
		m.logger.Warn("health encode failed", zap.Error(err))
	}
}

package failuremonitor

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jdillenkofer/strato/internal/backend"
	"github.com/jdillenkofer/strato/internal/lifecycle"
	"github.com/jdillenkofer/strato/internal/telemetry"
)

const DefaultThreshold = 5
const DefaultWindow = 60 * time.Second

// Monitor counts backend connectivity failures in a fixed window and
// requests a graceful shutdown once the threshold is reached.
type Monitor struct {
	threshold   int
	window      time.Duration
	mutex       sync.Mutex
	windowStart time.Time
	count       int
	signal      *lifecycle.ShutdownSignal
	metrics     *telemetry.Metrics
	now         func() time.Time
}

func New(threshold int, window time.Duration, signal *lifecycle.ShutdownSignal, metrics *telemetry.Metrics) *Monitor {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Monitor{
		threshold:   threshold,
		window:      window,
		windowStart: time.Now(),
		signal:      signal,
		metrics:     metrics,
		now:         time.Now,
	}
}

// Observe counts rc if it belongs to the connectivity class. It returns true
// only for the observation that triggered the shutdown.
func (m *Monitor) Observe(rc backend.ReturnCode) bool {
	if !rc.IsConnectivityFailure() {
		return false
	}

	m.mutex.Lock()
	now := m.now()
	if now.Sub(m.windowStart) >= m.window {
		m.windowStart = now
		m.count = 0
	}
	m.count++
	count := m.count
	m.mutex.Unlock()

	slog.Debug(fmt.Sprintf("Connectivity failure %s, %d of %d in current window", rc, count, m.threshold))
	if count < m.threshold {
		return false
	}
	reason := fmt.Sprintf("%d backend connectivity failures within %s", count, m.window)
	if !m.signal.Trigger(reason) {
		return false
	}
	m.metrics.RaiseAlert(telemetry.AlertBackendConnectivity, "Backend connectivity failure threshold reached, shutting down gracefully", "failures", count, "window", m.window.String(), "lastCode", rc.String())
	return true
}

// Count returns the failures counted in the current window.
func (m *Monitor) Count() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.count
}

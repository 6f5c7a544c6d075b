package telemetry

import (
	"errors"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "strato"

// Alert events raised for operator attention.
const (
	AlertCollisionResolutionFailed = "collision_resolution_failed"
	AlertBackendConnectivity       = "backend_connectivity_failure"
	AlertMetadataCorrupted         = "metadata_corrupted"
	AlertProbableDeleteCorrupted   = "probable_delete_record_corrupted"
)

type Metrics struct {
	AsyncOpDuration       *prometheus.HistogramVec
	AsyncOpsTotal         *prometheus.CounterVec
	ConnectivityFailures  prometheus.Counter
	RequestsTotal         *prometheus.CounterVec
	CleanupFailuresTotal  *prometheus.CounterVec
	OidCollisionsTotal    prometheus.Counter
	ProbableDeleteOpTotal *prometheus.CounterVec
	ReaperRecordsTotal    *prometheus.CounterVec
	AlertsTotal           *prometheus.CounterVec
	InflightPipelines     prometheus.Gauge
}

func NewMetrics(registerer prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		AsyncOpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "asyncop",
				Name:      "duration_seconds",
				Help:      "Time from launch to completion of an async operation context partitioned by operation",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
			},
			[]string{"operation"},
		),
		AsyncOpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "asyncop",
				Name:      "completed_total",
				Help:      "No of completed async operation contexts partitioned by operation and result",
			},
			[]string{"operation", "result"},
		),
		ConnectivityFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "backend",
				Name:      "connectivity_failures_total",
				Help:      "No of backend operations that failed with a connectivity error",
			},
		),
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "pipeline",
				Name:      "requests_total",
				Help:      "No of finished request pipelines partitioned by action and response code",
			},
			[]string{"action", "code"},
		),
		CleanupFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "pipeline",
				Name:      "cleanup_failures_total",
				Help:      "No of failed cleanup steps partitioned by action",
			},
			[]string{"action"},
		),
		OidCollisionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "oid",
				Name:      "collisions_total",
				Help:      "No of object identifier collisions reported by the backend",
			},
		),
		ProbableDeleteOpTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "ledger",
				Name:      "ops_total",
				Help:      "No of probable delete ledger writes partitioned by operation and result",
			},
			[]string{"operation", "result"},
		),
		ReaperRecordsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "reaper",
				Name:      "records_total",
				Help:      "No of probable delete records processed by the reaper partitioned by outcome",
			},
			[]string{"outcome"},
		),
		AlertsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "alerts_total",
				Help:      "No of raised operational alerts partitioned by event",
			},
			[]string{"event"},
		),
		InflightPipelines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "pipeline",
				Name:      "inflight",
				Help:      "No of request pipelines that are not done yet",
			},
		),
	}
	collectors := []prometheus.Collector{
		m.AsyncOpDuration,
		m.AsyncOpsTotal,
		m.ConnectivityFailures,
		m.RequestsTotal,
		m.CleanupFailuresTotal,
		m.OidCollisionsTotal,
		m.ProbableDeleteOpTotal,
		m.ReaperRecordsTotal,
		m.AlertsTotal,
		m.InflightPipelines,
	}
	var err error
	for _, collector := range collectors {
		err = errors.Join(err, registerer.Register(collector))
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// RaiseAlert logs an operational alert and counts it.
func (m *Metrics) RaiseAlert(event string, msg string, args ...any) {
	m.AlertsTotal.With(prometheus.Labels{"event": event}).Inc()
	slog.Error(msg, append([]any{"alert", event}, args...)...)
}

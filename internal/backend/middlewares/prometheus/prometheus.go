package prometheus

import (
	"context"
	"errors"
	"time"

	"github.com/jdillenkofer/strato/internal/backend"
	"github.com/prometheus/client_golang/prometheus"
)

type prometheusExecutorMiddleware struct {
	failedOpsCounter     *prometheus.CounterVec
	successfulOpsCounter *prometheus.CounterVec
	opDuration           *prometheus.HistogramVec
	bytesWritten         prometheus.Counter
	bytesRead            prometheus.Counter
	innerExecutor        backend.Executor
}

// Compile-time check to ensure prometheusExecutorMiddleware implements backend.Executor
var _ backend.Executor = (*prometheusExecutorMiddleware)(nil)

func NewExecutorMiddleware(innerExecutor backend.Executor, registerer prometheus.Registerer) (backend.Executor, error) {
	failedOpsCounter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "strato",
			Subsystem: "backend",
			Name:      "failed_ops_total",
			Help:      "No of failed backend operations partitioned by type and return code",
		},
		[]string{"type", "code"},
	)

	successfulOpsCounter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "strato",
			Subsystem: "backend",
			Name:      "successful_ops_total",
			Help:      "No of successful backend operations partitioned by type",
		},
		[]string{"type"},
	)

	opDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "strato",
			Subsystem: "backend",
			Name:      "op_duration_seconds",
			Help:      "Execution time of backend operations partitioned by type",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		},
		[]string{"type"},
	)

	bytesWritten := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "strato",
			Subsystem: "backend",
			Name:      "bytes_written_total",
			Help:      "Total object bytes written to the backend",
		},
	)

	bytesRead := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "strato",
			Subsystem: "backend",
			Name:      "bytes_read_total",
			Help:      "Total object bytes read from the backend",
		},
	)

	var err error
	for _, collector := range []prometheus.Collector{failedOpsCounter, successfulOpsCounter, opDuration, bytesWritten, bytesRead} {
		err = errors.Join(err, registerer.Register(collector))
	}
	if err != nil {
		return nil, err
	}

	return &prometheusExecutorMiddleware{
		failedOpsCounter:     failedOpsCounter,
		successfulOpsCounter: successfulOpsCounter,
		opDuration:           opDuration,
		bytesWritten:         bytesWritten,
		bytesRead:            bytesRead,
		innerExecutor:        innerExecutor,
	}, nil
}

func (pem *prometheusExecutorMiddleware) Execute(ctx context.Context, op *backend.Op) backend.Result {
	start := time.Now()
	result := pem.innerExecutor.Execute(ctx, op)
	opType := op.Kind.String()
	pem.opDuration.With(prometheus.Labels{"type": opType}).Observe(time.Since(start).Seconds())

	if !result.RC.IsSuccess() && len(result.KeyRCs) == 0 {
		pem.failedOpsCounter.With(prometheus.Labels{"type": opType, "code": result.RC.String()}).Inc()
		return result
	}
	pem.successfulOpsCounter.With(prometheus.Labels{"type": opType}).Inc()

	switch op.Kind {
	case backend.OpWriteObject:
		pem.bytesWritten.Add(float64(len(op.Data)))
	case backend.OpReadObject:
		pem.bytesRead.Add(float64(len(result.Data)))
	}
	return result
}

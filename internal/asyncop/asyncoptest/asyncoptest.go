package asyncoptest

import (
	"context"
	"testing"
	"time"

	"github.com/jdillenkofer/strato/internal/asyncop"
	"github.com/jdillenkofer/strato/internal/backend"
	"github.com/jdillenkofer/strato/internal/backend/memory"
	"github.com/jdillenkofer/strato/internal/eventloop"
	"github.com/jdillenkofer/strato/internal/failuremonitor"
	"github.com/jdillenkofer/strato/internal/lifecycle"
	"github.com/jdillenkofer/strato/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

const awaitTimeout = 5 * time.Second

// Harness is a running control loop on top of an in-memory backend store.
type Harness struct {
	Loop    *eventloop.Loop
	Memory  *memory.Executor
	Store   *backend.Store
	Engine  *asyncop.Engine
	Metrics *telemetry.Metrics
	Signal  *lifecycle.ShutdownSignal
	Monitor *failuremonitor.Monitor
}

func New(t *testing.T) *Harness {
	metrics, err := telemetry.NewMetrics(prometheus.NewRegistry())
	require.Nil(t, err)
	executor := memory.New()
	store, err := backend.NewStore(executor, 4, 256, time.Second)
	require.Nil(t, err)
	require.Nil(t, store.Start(context.Background()))

	loop := eventloop.New()
	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)

	signal := lifecycle.NewShutdownSignal()
	monitor := failuremonitor.New(failuremonitor.DefaultThreshold, failuremonitor.DefaultWindow, signal, metrics)
	t.Cleanup(func() {
		cancel()
		<-loop.Stopped()
		store.Stop(context.Background())
	})
	return &Harness{
		Loop:    loop,
		Memory:  executor,
		Store:   store,
		Engine:  asyncop.NewEngine(loop, store, monitor, metrics),
		Metrics: metrics,
		Signal:  signal,
		Monitor: monitor,
	}
}

// Await runs fn on the loop and blocks until fn called done.
func (h *Harness) Await(t *testing.T, fn func(done func())) {
	finished := make(chan struct{})
	err := h.Loop.Post(func() {
		fn(func() { close(finished) })
	})
	require.Nil(t, err)
	select {
	case <-finished:
	case <-time.After(awaitTimeout):
		t.Fatal("timed out waiting for the control loop")
	}
}

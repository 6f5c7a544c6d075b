package lifecycle

import (
	"context"
	"testing"

	testutils "github.com/jdillenkofer/strato/internal/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateValidatorDoubleStartReturnsErr(t *testing.T) {
	testutils.SkipIfIntegration(t)
	validator := New("DoubleStart")

	assert.Nil(t, validator.Start())
	assert.ErrorIs(t, validator.Start(), ErrAlreadyStarted)
	assert.True(t, validator.IsRunning())
}

func TestStateValidatorStopBeforeStartReturnsErr(t *testing.T) {
	testutils.SkipIfIntegration(t)
	validator := New("StopBeforeStart")

	err := validator.Stop()
	assert.ErrorIs(t, err, ErrNotStarted)
	assert.Contains(t, err.Error(), "StopBeforeStart")
}

func TestStateValidatorDoubleStopReturnsErr(t *testing.T) {
	testutils.SkipIfIntegration(t)
	validator := New("DoubleStop")

	assert.Nil(t, validator.Start())
	assert.Nil(t, validator.Stop())
	assert.ErrorIs(t, validator.Stop(), ErrAlreadyStopped)
}

func TestStateValidatorCannotRestart(t *testing.T) {
	testutils.SkipIfIntegration(t)
	validator := New("Restart")

	assert.Nil(t, validator.Start())
	assert.Nil(t, validator.Stop())
	assert.ErrorIs(t, validator.Start(), ErrAlreadyStarted)
	assert.False(t, validator.IsRunning())
}

func TestValidatedLifecycle(t *testing.T) {
	testutils.SkipIfIntegration(t)
	_, err := NewValidatedLifecycle("")
	assert.NotNil(t, err)

	vl, err := NewValidatedLifecycle("Component")
	require.Nil(t, err)
	assert.False(t, vl.IsRunning())
	assert.Nil(t, vl.Start(context.Background()))
	assert.True(t, vl.IsRunning())
	assert.Nil(t, vl.Stop(context.Background()))
	assert.False(t, vl.IsRunning())
}

func TestShutdownSignalTriggersOnce(t *testing.T) {
	testutils.SkipIfIntegration(t)
	signal := NewShutdownSignal()
	assert.False(t, signal.IsShuttingDown())

	assert.True(t, signal.Trigger("first"))
	assert.False(t, signal.Trigger("second"))
	assert.True(t, signal.IsShuttingDown())
	assert.Equal(t, "first", signal.Reason())

	select {
	case <-signal.Done():
	default:
		assert.Fail(t, "done channel should be closed")
	}
}

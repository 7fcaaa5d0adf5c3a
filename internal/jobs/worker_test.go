package jobs

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ficheops/control-plane/pkg/logger"
)

func TestWorkerTicksUntilStopped(t *testing.T) {
	var ticks atomic.Int64
	w := NewWorker(WorkerConfig{Name: "test", PollInterval: 5 * time.Millisecond}, logger.NewLogger(), func(ctx context.Context) error {
		ticks.Add(1)
		return nil
	})

	require.NoError(t, w.Start(context.Background()))
	assert.True(t, w.IsRunning())

	assert.Eventually(t, func() bool { return ticks.Load() >= 3 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, w.Stop(ctx))
	assert.False(t, w.IsRunning())

	settled := ticks.Load()
	time.Sleep(25 * time.Millisecond)
	assert.Equal(t, settled, ticks.Load())
}

func TestWorkerStartIsIdempotent(t *testing.T) {
	w := NewWorker(WorkerConfig{Name: "test", PollInterval: time.Hour}, logger.NewLogger(), func(ctx context.Context) error { return nil })
	require.NoError(t, w.Start(context.Background()))
	require.NoError(t, w.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, w.Stop(ctx))
}

func TestWorkerStopWithoutStartIsNoop(t *testing.T) {
	w := NewWorker(WorkerConfig{Name: "test"}, logger.NewLogger(), func(ctx context.Context) error { return nil })
	require.NoError(t, w.Stop(context.Background()))
}

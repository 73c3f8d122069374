package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestPoolRunsSubmittedTasks(t *testing.T) {
	p := NewPool(4, 0, zaptest.NewLogger(t))
	p.Start(context.Background())
	defer p.Stop()

	var n atomic.Int32
	for i := 0; i < 20; i++ {
		require.NoError(t, p.Submit(func(context.Context) { n.Add(1) }))
	}

	assert.Eventually(t, func() bool { return n.Load() == 20 }, time.Second, 5*time.Millisecond)
}

func TestPoolRecoversPanics(t *testing.T) {
	p := NewPool(1, 0, zaptest.NewLogger(t))
	p.Start(context.Background())
	defer p.Stop()

	done := make(chan struct{})
	require.NoError(t, p.Submit(func(context.Context) { panic("boom") }))
	require.NoError(t, p.Submit(func(context.Context) { close(done) }))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not survive panic")
	}
}

func TestPoolSchedule(t *testing.T) {
	p := NewPool(1, 0, zaptest.NewLogger(t))
	p.Start(context.Background())
	defer p.Stop()

	start := time.Now()
	ran := make(chan time.Duration, 1)
	require.NoError(t, p.Schedule(30*time.Millisecond, func(context.Context) {
		ran <- time.Since(start)
	}))

	select {
	case d := <-ran:
		assert.GreaterOrEqual(t, d, 30*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("scheduled task did not run")
	}
}

func TestPoolEveryStops(t *testing.T) {
	p := NewPool(1, 0, zaptest.NewLogger(t))
	p.Start(context.Background())
	defer p.Stop()

	var n atomic.Int32
	stop, err := p.Every(5*time.Millisecond, func(context.Context) { n.Add(1) })
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return n.Load() >= 3 }, time.Second, 5*time.Millisecond)
	stop()
	time.Sleep(20 * time.Millisecond)
	after := n.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, n.Load())
}

func TestPoolRejectsAfterStop(t *testing.T) {
	p := NewPool(1, 0, zaptest.NewLogger(t))
	p.Start(context.Background())
	p.Stop()

	assert.ErrorIs(t, p.Submit(func(context.Context) {}), ErrPoolStopped)
	assert.ErrorIs(t, p.Schedule(time.Millisecond, func(context.Context) {}), ErrPoolStopped)
	_, err := p.Every(time.Millisecond, func(context.Context) {})
	assert.ErrorIs(t, err, ErrPoolStopped)
}

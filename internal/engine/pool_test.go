package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidroman0O/tokenflow/internal/logs"
)

func TestWorkerPoolRunsJobs(t *testing.T) {
	p := NewWorkerPool(context.Background(), logs.Nop(), 3)
	t.Cleanup(func() { p.Shutdown() })
	assert.Equal(t, 3, p.Workers())

	var ran atomic.Int32
	for i := 0; i < 20; i++ {
		require.NoError(t, p.Submit(&job{
			name: "count",
			run: func(context.Context) error {
				ran.Add(1)
				return nil
			},
		}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Drain(ctx))
	assert.Equal(t, int32(20), ran.Load())
	assert.Zero(t, p.Failed())
}

func TestWorkerPoolFailedJobs(t *testing.T) {
	p := NewWorkerPool(context.Background(), logs.Nop(), 2)
	t.Cleanup(func() { p.Shutdown() })

	var runs, panics atomic.Int32
	var stack atomic.Value
	require.NoError(t, p.Submit(&job{
		name: "explode",
		run: func(context.Context) error {
			runs.Add(1)
			panic("boom")
		},
		onPanic: func(v any, s string) {
			panics.Add(1)
			stack.Store(s)
		},
	}))
	require.NoError(t, p.Submit(&job{
		name: "refuse",
		run: func(context.Context) error {
			runs.Add(1)
			return errors.New("refused")
		},
	}))

	require.Eventually(t, func() bool {
		return p.Failed() == 2
	}, 5*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Drain(ctx))

	// a failed job is not run again by the pool
	assert.Equal(t, int32(2), runs.Load())
	assert.Equal(t, int32(1), panics.Load())
	assert.NotEmpty(t, stack.Load())
	assert.Eventually(t, func() bool {
		return p.pool.DeadTaskCount() == 0
	}, 5*time.Second, 5*time.Millisecond)

	// the pool keeps serving after failures
	done := make(chan struct{})
	require.NoError(t, p.Submit(&job{
		name: "after",
		run: func(context.Context) error {
			close(done)
			return nil
		},
	}))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("job after failures did not run")
	}
}

func TestWorkerPoolAddWorker(t *testing.T) {
	p := NewWorkerPool(context.Background(), logs.Nop(), 0)
	t.Cleanup(func() { p.Shutdown() })
	assert.Equal(t, 1, p.Workers(), "a pool always has one worker")

	p.AddWorker()
	assert.Equal(t, 2, p.Workers())
}

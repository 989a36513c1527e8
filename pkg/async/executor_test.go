package async

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusmq/asyncbridge/pkg/config"
)

type funcState struct {
	fn  func(ctx context.Context) error
	ran atomic.Int32
}

func (s *funcState) Execute(ctx context.Context) error {
	s.ran.Add(1)
	if s.fn == nil {
		return nil
	}
	return s.fn(ctx)
}

func newExecutor(threads, multiplier int) *Executor {
	cfg := config.DefaultAsyncConfig()
	cfg.Threads = threads
	cfg.MaxTasksMultiplier = multiplier
	return NewExecutor(cfg)
}

func TestAsyncBeginDeliversResultOnce(t *testing.T) {
	e := newExecutor(2, 8)

	state := &funcState{fn: func(ctx context.Context) error { return nil }}
	op, err := e.CreateOperation(state)
	require.NoError(t, err)

	done := make(chan Result, 1)
	require.NoError(t, e.AsyncBegin(op, func(r Result) { done <- r }))

	select {
	case r := <-done:
		assert.NoError(t, r.Err)
	case <-time.After(time.Second):
		t.Fatal("callback never invoked")
	}

	assert.Equal(t, int32(1), state.ran.Load())
	require.NoError(t, e.ReleaseOperation(op))
	e.Dispose()
}

func TestAsyncBeginChainsContinuation(t *testing.T) {
	// Property 3/9-style: a callback may chain another call on the same
	// operation before the chain completes.
	e := newExecutor(2, 8)

	state := &funcState{fn: func(ctx context.Context) error { return nil }}
	op, err := e.CreateOperation(state)
	require.NoError(t, err)

	var calls atomic.Int32
	done := make(chan struct{})

	var second Callback
	first := func(r Result) {
		calls.Add(1)
		assert.NoError(t, r.Err)
		require.NoError(t, e.AsyncBegin(op, second))
	}
	second = func(r Result) {
		calls.Add(1)
		assert.NoError(t, r.Err)
		close(done)
	}

	require.NoError(t, e.AsyncBegin(op, first))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("chained call never completed")
	}

	assert.Equal(t, int32(2), calls.Load())
	require.NoError(t, e.ReleaseOperation(op))
	e.Dispose()
}

func TestAsyncBeginRejectsCallInProgress(t *testing.T) {
	e := newExecutor(1, 8)

	gate := make(chan struct{})
	state := &funcState{fn: func(ctx context.Context) error {
		<-gate
		return nil
	}}
	op, err := e.CreateOperation(state)
	require.NoError(t, err)

	require.NoError(t, e.AsyncBegin(op, func(r Result) {}))

	time.Sleep(20 * time.Millisecond)
	err = e.AsyncBegin(op, func(r Result) {})
	assert.ErrorIs(t, err, ErrCallInProgress)

	close(gate)
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, e.ReleaseOperation(op))
	e.Dispose()
}

func TestRequestCancelBeforeExecuteAbortsOperation(t *testing.T) {
	// Scenario 3: cancel requested before the worker ever runs.
	// Two pool goroutines but a single workers-queue slot: the blocker
	// holds that slot, and the completion queue still has a goroutine
	// free to deliver the cancellation.
	e := newExecutor(2, 8)
	e.workersQueue.SetThrottleLimit(1)

	// Occupy the single worker slot so our target operation sits in
	// Pending long enough for RequestCancel to race ahead of it.
	blockGate := make(chan struct{})
	blocker := &funcState{fn: func(ctx context.Context) error {
		<-blockGate
		return nil
	}}
	blockerOp, err := e.CreateOperation(blocker)
	require.NoError(t, err)
	require.NoError(t, e.AsyncBegin(blockerOp, func(r Result) {}))
	time.Sleep(10 * time.Millisecond)

	state := &funcState{fn: func(ctx context.Context) error {
		t.Fatal("operation state must not execute once cancelled before running")
		return nil
	}}
	op, err := e.CreateOperation(state)
	require.NoError(t, err)

	done := make(chan Result, 1)
	require.NoError(t, e.AsyncBegin(op, func(r Result) { done <- r }))
	op.RequestCancel()

	select {
	case r := <-done:
		assert.ErrorIs(t, r.Err, ErrOperationAborted)
	case <-time.After(time.Second):
		t.Fatal("cancelled callback never invoked")
	}

	close(blockGate)
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, e.ReleaseOperation(blockerOp))
	require.NoError(t, e.ReleaseOperation(op))
	e.Dispose()
}

func TestCreateOperationBoundsOutstandingCalls(t *testing.T) {
	// Property 4: outstanding operations cannot exceed Threads * Multiplier.
	e := newExecutor(1, 2)

	var ops []*Operation
	for i := 0; i < 2; i++ {
		op, err := e.CreateOperation(&funcState{})
		require.NoError(t, err)
		ops = append(ops, op)
	}

	_, err := e.CreateOperation(&funcState{})
	assert.ErrorIs(t, err, ErrTooManyOutstanding)

	for _, op := range ops {
		require.NoError(t, e.ReleaseOperation(op))
	}
	e.Dispose()
}

func TestConcurrentExecutionBoundedByThreads(t *testing.T) {
	e := newExecutor(2, 8)

	var current, maxConcurrent atomic.Int32
	var wg sync.WaitGroup

	mk := func() *funcState {
		return &funcState{fn: func(ctx context.Context) error {
			n := current.Add(1)
			for {
				old := maxConcurrent.Load()
				if n <= old || maxConcurrent.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			current.Add(-1)
			return nil
		}}
	}

	ops := make([]*Operation, 6)
	for i := range ops {
		wg.Add(1)
		state := mk()
		op, err := e.CreateOperation(state)
		require.NoError(t, err)
		ops[i] = op
		require.NoError(t, e.AsyncBegin(op, func(r Result) { wg.Done() }))
	}

	wg.Wait()
	assert.LessOrEqual(t, int(maxConcurrent.Load()), 2)

	for _, op := range ops {
		require.NoError(t, e.ReleaseOperation(op))
	}
	e.Dispose()
}

func TestReleaseOperationRejectsWhileCallInProgress(t *testing.T) {
	e := newExecutor(1, 8)

	gate := make(chan struct{})
	state := &funcState{fn: func(ctx context.Context) error {
		<-gate
		return nil
	}}
	op, err := e.CreateOperation(state)
	require.NoError(t, err)
	require.NoError(t, e.AsyncBegin(op, func(r Result) {}))

	time.Sleep(10 * time.Millisecond)
	err = e.ReleaseOperation(op)
	assert.ErrorIs(t, err, ErrCallInProgress)

	close(gate)
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, e.ReleaseOperation(op))
	e.Dispose()
}

func TestOperationStatePanicIsRecovered(t *testing.T) {
	e := newExecutor(1, 8)

	state := &funcState{fn: func(ctx context.Context) error {
		panic("boom")
	}}
	op, err := e.CreateOperation(state)
	require.NoError(t, err)

	done := make(chan Result, 1)
	require.NoError(t, e.AsyncBegin(op, func(r Result) { done <- r }))

	select {
	case r := <-done:
		require.Error(t, r.Err)
		assert.False(t, errors.Is(r.Err, ErrOperationAborted))
	case <-time.After(time.Second):
		t.Fatal("callback never invoked")
	}

	require.NoError(t, e.ReleaseOperation(op))
	e.Dispose()
}

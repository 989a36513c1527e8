package eq

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// funcTask is a minimal Task for tests: Execute runs fn, and an optional
// continuation chain can be scripted via continuations.
type funcTask struct {
	BaseTask
	name          string
	fn            func(ctx context.Context) error
	continuations []Task
	selfOnce      bool
	ran           atomic.Int32
}

func (t *funcTask) Execute(ctx context.Context) error {
	t.ran.Add(1)
	if t.fn == nil {
		return nil
	}
	return t.fn(ctx)
}

func (t *funcTask) ContinuationTask() (Task, bool) {
	if t.selfOnce && t.ran.Load() == 1 {
		return t, true
	}
	if len(t.continuations) > 0 {
		next := t.continuations[0]
		t.continuations = t.continuations[1:]
		return next, true
	}
	return nil, false
}

func newNoopTask(name string) *funcTask {
	return &funcTask{name: name}
}

func TestPushPopUniqueness(t *testing.T) {
	q := NewQueue(2, 2)
	defer q.Dispose()

	task := newNoopTask("t1")
	require.NoError(t, q.PushBack(task, false))

	// Property 1: pushing the same task again while it's in flight must
	// fail rather than silently duplicating it.
	err := q.PushBack(task, false)
	assert.Error(t, err)
}

func TestFIFOOrderingInPending(t *testing.T) {
	// Throttle to 1 so both tasks cannot run concurrently, then verify
	// strict FIFO order of completion.
	q := NewQueue(1, 1)
	defer q.Dispose()

	var order []string
	var mu sync.Mutex
	gate := make(chan struct{})

	t1 := &funcTask{name: "a", fn: func(ctx context.Context) error {
		<-gate
		mu.Lock()
		order = append(order, "a")
		mu.Unlock()
		return nil
	}}
	t2 := &funcTask{name: "b", fn: func(ctx context.Context) error {
		mu.Lock()
		order = append(order, "b")
		mu.Unlock()
		return nil
	}}

	require.NoError(t, q.PushBack(t1, false))
	require.NoError(t, q.PushBack(t2, false))

	// t1 should already be Executing (throttle=1); t2 waits in Pending.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, q.Len(Executing))
	assert.Equal(t, 1, q.Len(Pending))

	close(gate)

	_, err := q.Pop(true)
	require.NoError(t, err)
	_, err = q.Pop(true)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 2)
	assert.Equal(t, "a", order[0])
	assert.Equal(t, "b", order[1])
}

func TestThrottleBoundaryOfOne(t *testing.T) {
	q := NewQueue(1, 2)
	defer q.Dispose()

	started := make(chan struct{}, 2)
	release := make(chan struct{})

	mk := func() *funcTask {
		return &funcTask{fn: func(ctx context.Context) error {
			started <- struct{}{}
			<-release
			return nil
		}}
	}

	t1, t2 := mk(), mk()
	require.NoError(t, q.PushBack(t1, false))
	require.NoError(t, q.PushBack(t2, false))

	<-started
	select {
	case <-started:
		t.Fatal("second task started before the first reached Ready/discarded")
	case <-time.After(30 * time.Millisecond):
	}

	close(release)
	<-started
}

func TestEndToEndThrottle(t *testing.T) {
	// Scenario 1: Options=KeepAll, maxExecuting=2, 5 no-op tasks.
	q := NewQueue(2, 4)
	q.SetOptions(OptionKeepAll)
	defer q.Dispose()

	var maxConcurrent atomic.Int32
	var current atomic.Int32
	var allCompleted atomic.Int32

	q.SetNotifyCallback(func(ev Event, task Task) int {
		if ev == EventAllTasksCompleted {
			allCompleted.Add(1)
		}
		return 0
	}, EventAll)

	tasks := make([]*funcTask, 5)
	for i := range tasks {
		tasks[i] = &funcTask{fn: func(ctx context.Context) error {
			n := current.Add(1)
			for {
				old := maxConcurrent.Load()
				if n <= old || maxConcurrent.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			current.Add(-1)
			return nil
		}}
		require.NoError(t, q.PushBack(tasks[i], false))
	}

	for i := 0; i < 5; i++ {
		_, err := q.Pop(true)
		require.NoError(t, err)
	}

	assert.LessOrEqual(t, int(maxConcurrent.Load()), 2)
	assert.Equal(t, 0, q.Len(Ready))
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(1), allCompleted.Load())
}

func TestEndToEndSelfContinuation(t *testing.T) {
	// Scenario 2: a task whose ContinuationTask returns itself once, then
	// nothing. It must run exactly twice.
	q := NewQueue(2, 2)
	q.SetOptions(OptionKeepSuccessful)
	defer q.Dispose()

	task := &funcTask{selfOnce: true}
	require.NoError(t, q.PushBack(task, false))

	got, err := q.Pop(true)
	require.NoError(t, err)
	assert.Same(t, Task(task), got)
	assert.Equal(t, int32(2), task.ran.Load())
}

func TestCancelIdempotence(t *testing.T) {
	// Property 8: repeated cancel/dispose calls are no-ops after the first.
	q := NewQueue(2, 2)

	require.NoError(t, q.CancelAll(true))
	require.NoError(t, q.CancelAll(true))

	q.Dispose()
	q.Dispose() // must not panic or block
}

func TestFlushReraisesFirstFailure(t *testing.T) {
	q := NewQueue(2, 2)
	q.SetOptions(OptionKeepAll)
	defer q.Dispose()

	boom := errors.New("boom")
	bad := &funcTask{fn: func(ctx context.Context) error { return boom }}
	require.NoError(t, q.PushBack(bad, false))

	// Wait for it to land in Ready before flushing.
	_, err := q.Top(true)
	require.NoError(t, err)

	err = q.Flush(true, false, false, true)
	assert.ErrorIs(t, err, boom)
}

func TestDisposeIsIdempotentAndRejectsNewWork(t *testing.T) {
	q := NewQueue(1, 1)
	q.Dispose()

	err := q.PushBack(newNoopTask("late"), false)
	assert.ErrorIs(t, err, ErrDisposed)
}

package async

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nexusmq/asyncbridge/pkg/eq"
)

// workerTask is the executor's task control block: the eq.Task that
// actually occupies a slot in the workers queue, and the record of the
// callback/state currently bound to it. One workerTask is attached to an
// Operation for as long as that operation has a call scheduled or
// in-flight, and recycled via a sync.Pool across operations.
//
// executeMu ("execute-lock") serializes delivery of a call's result —
// whether delivery happens on the workers queue's goroutine or on a
// completion-queue goroutine racing in from requestCancel — and is
// always acquired before mu ("task lock"), never the reverse.
type workerTask struct {
	executor *Executor
	op       *Operation

	executeMu sync.Mutex
	mu        sync.Mutex

	callback    Callback
	opState     OperationState
	opStateTask eq.Task

	stopped   atomic.Bool
	remaining atomic.Int32 // 1 while a real call is scheduled/in-flight
	canceled  atomic.Bool
	err       error
}

var _ eq.Task = (*workerTask)(nil)

func (w *workerTask) Execute(ctx context.Context) error {
	w.executeMu.Lock()
	defer w.executeMu.Unlock()
	w.deliver(ctx)
	return nil
}

func (w *workerTask) ContinuationTask() (eq.Task, bool) { return nil, false }

func (w *workerTask) SetCompletedState(err error) { w.err = err }
func (w *workerTask) RequestCancel()              { w.canceled.Store(true) }
func (w *workerTask) IsCanceled() bool             { return w.canceled.Load() }
func (w *workerTask) Err() error                   { return w.err }

// deliver runs the worker algorithm's body for one real call: exactly one
// of the racing completion paths (the workers-queue Execute, or a
// requestCancel-posted completionTask) wins the remaining-to-execute
// handoff and actually computes a result; the other becomes a no-op.
// Callers must hold executeMu.
func (w *workerTask) deliver(ctx context.Context) {
	if !w.remaining.CompareAndSwap(1, 0) {
		return
	}

	w.mu.Lock()
	cb := w.callback
	w.callback = nil
	opState := w.opState
	opStateTask := w.opStateTask
	w.opStateTask = nil
	stopped := w.stopped.Load()
	w.mu.Unlock()

	var callErr error
	switch {
	case stopped:
		callErr = ErrOperationAborted
	case opStateTask != nil:
		callErr = opStateTask.Err()
	default:
		callErr = w.safeExecuteState(ctx, opState)
	}

	if cb != nil {
		cb(Result{Err: callErr, OpTask: opStateTask})
	}
}

func (w *workerTask) safeExecuteState(ctx context.Context, state OperationState) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("async: operation state panic: %v", r)
		}
	}()
	if state == nil {
		return nil
	}
	if producer, ok := state.(TaskProducingState); ok {
		task := producer.CreateTask(ctx)
		if task == nil {
			return nil
		}
		w.mu.Lock()
		w.opStateTask = task
		w.mu.Unlock()
		return task.Execute(ctx)
	}
	return state.Execute(ctx)
}

// requestCancel implements the deferred-cancel rule: if an op-state-task
// is in progress, only its cancel is requested — the eventual delivery of
// this real call observes stopped once that inner task's Execute returns
// control to deliver. Otherwise stopped is set immediately and a
// completion call is posted so the callback fires without waiting for a
// workers-queue slot.
func (w *workerTask) requestCancel(e *Executor) {
	if w.stopped.Load() {
		return
	}

	w.mu.Lock()
	inner := w.opStateTask
	w.mu.Unlock()

	if inner != nil {
		inner.RequestCancel()
		return
	}

	w.stopped.Store(true)
	if w.remaining.Load() != 0 {
		_ = e.completionQueue.PushBack(&completionTask{worker: w}, false)
	}
	_, _ = e.workersQueue.Prioritize(w, false)
}

// completionTask is a lightweight, single-use eq.Task that re-enters a
// workerTask's delivery path from the completion queue — the mechanism
// by which requestCancel and a callback's chained AsyncBegin call get
// their result delivered without waiting on the workers queue's throttle.
type completionTask struct {
	eq.BaseTask
	worker *workerTask
}

var _ eq.Task = (*completionTask)(nil)

func (c *completionTask) Execute(ctx context.Context) error {
	c.worker.executeMu.Lock()
	defer c.worker.executeMu.Unlock()
	c.worker.deliver(ctx)
	return nil
}

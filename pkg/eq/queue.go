package eq

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

const defaultDisposeTimeout = 5 * time.Second

// Queue is the execution queue described in spec §4.1: Pending,
// Executing, and Ready sub-queues over a shared thread pool, with
// throttling, continuations, prioritization, cancellation, and a
// notification sink.
//
// Lock ordering: onReady always acquires eventsMu before mu, never the
// reverse — this is the "events-ordering mutex before queue mutex" rule.
// SetNotifyCallback acquires only eventsMu; every other method acquires
// only mu.
type Queue struct {
	mu       sync.Mutex
	eventsMu sync.Mutex
	cond     *sync.Cond

	pending   list.List
	executing list.List
	ready     list.List
	entries   map[Task]*entry

	maxExecuting int
	sinkBound    int // 0 == unbounded, per the resolved Open Question
	options      Options

	notify     NotifyFunc
	notifyMask Event

	pool    *WorkerPool
	ownPool bool

	ctx    context.Context
	cancel context.CancelFunc

	disposed atomic.Bool
}

// NewQueue creates a Queue with its own dedicated WorkerPool of the given
// size. Use NewQueueWithPool to share a pool across multiple queues.
func NewQueue(maxExecuting, poolSize int) *Queue {
	q := newQueue(maxExecuting, NewWorkerPool(poolSize))
	q.ownPool = true
	return q
}

// NewQueueWithPool creates a Queue driven by an externally owned pool;
// Dispose will not shut the pool down.
func NewQueueWithPool(maxExecuting int, pool *WorkerPool) *Queue {
	return newQueue(maxExecuting, pool)
}

func newQueue(maxExecuting int, pool *WorkerPool) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		entries:      make(map[Task]*entry),
		maxExecuting: maxExecuting,
		options:      OptionKeepAll,
		pool:         pool,
		ctx:          ctx,
		cancel:       cancel,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// PushBack places task at the tail of Pending (or Ready, if
// dontSchedule), then pads Executing up to the throttle bound.
func (q *Queue) PushBack(task Task, dontSchedule bool) error {
	return q.push(task, false, dontSchedule)
}

// PushFront places task at the head of Pending (or Ready, if
// dontSchedule), then pads Executing up to the throttle bound.
func (q *Queue) PushFront(task Task, dontSchedule bool) error {
	return q.push(task, true, dontSchedule)
}

func (q *Queue) push(task Task, front, dontSchedule bool) error {
	if q.disposed.Load() {
		return ErrDisposed
	}

	q.mu.Lock()
	if e, exists := q.entries[task]; exists {
		if e.owner != Ready {
			q.mu.Unlock()
			return fmt.Errorf("eq: task already queued in %s", e.owner)
		}
		q.ready.Remove(e.elem)
		e.elem = nil
	}

	if dontSchedule {
		q.linkSubQueue(&q.ready, Ready, task, front)
	} else {
		q.linkSubQueue(&q.pending, Pending, task, front)
	}
	q.padLocked()
	q.cond.Broadcast()
	q.mu.Unlock()
	return nil
}

// linkSubQueue inserts task's entry (creating it if new) into l, owned
// by owner, at front or back. Must be called with mu held.
func (q *Queue) linkSubQueue(l *list.List, owner SubQueue, task Task, front bool) {
	e, exists := q.entries[task]
	if !exists {
		e = acquireEntry(task, owner)
		q.entries[task] = e
	} else {
		e.owner = owner
	}
	if front {
		e.elem = l.PushFront(e)
	} else {
		e.elem = l.PushBack(e)
	}
}

// padLocked dispatches Pending tasks into Executing while under the
// throttle and sink bounds. Must be called with mu held.
func (q *Queue) padLocked() {
	for q.pending.Len() > 0 && q.executing.Len() < q.maxExecuting && q.withinSinkBoundLocked() {
		front := q.pending.Front()
		e := front.Value.(*entry)
		q.pending.Remove(front)
		e.owner = Executing
		e.elem = q.executing.PushBack(e)

		task := e.task
		q.pool.Submit(func() { q.runTask(task) })
	}
}

func (q *Queue) withinSinkBoundLocked() bool {
	if q.sinkBound <= 0 {
		return true
	}
	return q.ready.Len()+q.executing.Len() < q.sinkBound
}

// runTask executes task off the queue lock and feeds the result back
// through onReady. Runs on a WorkerPool goroutine.
func (q *Queue) runTask(task Task) {
	err := q.safeExecute(task)
	q.onReady(task, err)
}

func (q *Queue) safeExecute(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("eq: task panic: %v", r)
		}
	}()
	if task.IsCanceled() {
		return ErrOperationAborted
	}
	return task.Execute(q.ctx)
}

// onReady implements the state machine of spec §4.1: continuation
// handling, completion, retention policy, padding, and notifications.
func (q *Queue) onReady(task Task, execErr error) {
	q.eventsMu.Lock()
	defer q.eventsMu.Unlock()

	q.mu.Lock()

	cont, hasCont := q.fetchContinuation(task, &execErr)

	if hasCont && cont == task {
		// Self-continuation: the explicit re-queue signal. The task
		// returns to Pending and skips completion processing entirely.
		q.unlinkLocked(task)
		q.linkSubQueue(&q.pending, Pending, task, false)
		q.padLocked()
		allDone := q.pending.Len() == 0 && q.executing.Len() == 0
		q.cond.Broadcast()
		q.mu.Unlock()

		if allDone {
			q.dispatchLocked(EventAllTasksCompleted, nil)
		}
		return
	}

	if hasCont && cont != nil {
		q.linkSubQueue(&q.pending, Pending, cont, true)
	}

	q.unlinkLocked(task)
	task.SetCompletedState(execErr)

	var ev Event
	if q.shouldKeepLocked(execErr) {
		q.linkSubQueue(&q.ready, Ready, task, false)
		ev = EventTaskReady
	} else {
		delete(q.entries, task)
		ev = EventTaskDiscarded
	}

	q.padLocked()
	allDone := q.pending.Len() == 0 && q.executing.Len() == 0
	q.cond.Broadcast()
	q.mu.Unlock()

	q.dispatchLocked(ev, task)
	if allDone {
		q.dispatchLocked(EventAllTasksCompleted, nil)
	}
}

func (q *Queue) fetchContinuation(task Task, execErr *error) (Task, bool) {
	var cont Task
	var has bool
	func() {
		defer func() {
			if r := recover(); r != nil {
				*execErr = fmt.Errorf("eq: continuation panic: %v", r)
				has = false
			}
		}()
		cont, has = task.ContinuationTask()
	}()
	return cont, has
}

func (q *Queue) shouldKeepLocked(err error) bool {
	if err != nil {
		return q.options&OptionKeepFailed != 0
	}
	return q.options&OptionKeepSuccessful != 0
}

// unlinkLocked removes task's entry from whichever list owns it without
// deleting it from the entries map. Must be called with mu held.
func (q *Queue) unlinkLocked(task Task) {
	e, ok := q.entries[task]
	if !ok || e.elem == nil {
		return
	}
	switch e.owner {
	case Pending:
		q.pending.Remove(e.elem)
	case Executing:
		q.executing.Remove(e.elem)
	case Ready:
		q.ready.Remove(e.elem)
	}
	e.elem = nil
}

// dispatchLocked invokes the notify sink. Caller must hold eventsMu (and
// must not hold mu, per the lock-ordering rule).
func (q *Queue) dispatchLocked(ev Event, task Task) {
	if q.notify == nil || q.notifyMask&ev == 0 {
		return
	}
	bound := q.notify(ev, task)
	q.mu.Lock()
	q.sinkBound = bound
	q.mu.Unlock()
}

// Pop returns and removes the head of Ready. If wait is true it blocks
// until Ready is non-empty or the queue has no Pending/Executing work
// left to eventually fill it.
func (q *Queue) Pop(wait bool) (Task, error) {
	return q.popOrTop(wait, true)
}

// Top returns (without removing) the head of Ready, with the same
// waiting semantics as Pop.
func (q *Queue) Top(wait bool) (Task, error) {
	return q.popOrTop(wait, false)
}

func (q *Queue) popOrTop(wait, remove bool) (Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if front := q.ready.Front(); front != nil {
			e := front.Value.(*entry)
			task := e.task
			if remove {
				q.ready.Remove(front)
				delete(q.entries, task)
				releaseEntry(e)
				q.cond.Broadcast()
			}
			return task, nil
		}
		if q.disposed.Load() {
			return nil, ErrDisposed
		}
		if !wait || (q.pending.Len() == 0 && q.executing.Len() == 0) {
			return nil, nil
		}
		q.cond.Wait()
	}
}

// Wait blocks until task leaves the queue (or removes it immediately if
// it is already in Ready). If cancel is true and
// task is in Pending, it is unlinked without running; otherwise cancel
// requests cancellation and then waits for the task to finish.
func (q *Queue) Wait(task Task, cancel bool) error {
	if q.disposed.Load() {
		return ErrDisposed
	}

	q.mu.Lock()
	e, exists := q.entries[task]
	if !exists {
		q.mu.Unlock()
		return ErrNotFound
	}

	switch e.owner {
	case Pending:
		if cancel {
			q.pending.Remove(e.elem)
			delete(q.entries, task)
			releaseEntry(e)
			q.cond.Broadcast()
			q.mu.Unlock()
			task.RequestCancel()
			return nil
		}
	case Ready:
		q.ready.Remove(e.elem)
		delete(q.entries, task)
		releaseEntry(e)
		q.cond.Broadcast()
		q.mu.Unlock()
		return nil
	}
	q.mu.Unlock()

	if cancel {
		task.RequestCancel()
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		e, exists = q.entries[task]
		if !exists {
			return nil
		}
		if e.owner == Ready {
			q.ready.Remove(e.elem)
			delete(q.entries, task)
			releaseEntry(e)
			q.cond.Broadcast()
			return nil
		}
		if q.disposed.Load() {
			return ErrDisposed
		}
		q.cond.Wait()
	}
}

// Cancel requests cancellation of task. If task is in Pending it is
// unlinked immediately (retained in Ready if OptionKeepCanceled is set)
// and Cancel returns true; if Executing, cancellation is merely
// requested and Cancel returns false since the task cannot be truly
// canceled yet. wait=true is equivalent to Wait(task, cancel=true).
func (q *Queue) Cancel(task Task, wait bool) (bool, error) {
	if wait {
		err := q.Wait(task, true)
		return err == nil, err
	}

	if q.disposed.Load() {
		return false, ErrDisposed
	}

	q.mu.Lock()
	e, exists := q.entries[task]
	if !exists {
		q.mu.Unlock()
		return false, ErrNotFound
	}

	switch e.owner {
	case Pending:
		q.pending.Remove(e.elem)
		task.RequestCancel()
		if q.options&OptionKeepCanceled != 0 {
			task.SetCompletedState(ErrOperationAborted)
			e.owner = Ready
			e.elem = q.ready.PushBack(e)
		} else {
			delete(q.entries, task)
			releaseEntry(e)
		}
		q.cond.Broadcast()
		q.mu.Unlock()
		return true, nil
	case Executing:
		q.mu.Unlock()
		task.RequestCancel()
		return false, nil
	default:
		q.mu.Unlock()
		return false, nil
	}
}

// CancelAll requests cancellation of every Executing task and discards
// Pending and Ready outright. With wait=true it blocks until Pending and
// Executing are both empty.
func (q *Queue) CancelAll(wait bool) error {
	if q.disposed.Load() {
		return ErrDisposed
	}

	q.mu.Lock()
	for e := q.executing.Front(); e != nil; e = e.Next() {
		e.Value.(*entry).task.RequestCancel()
	}
	q.discardListLocked(&q.pending)
	q.discardListLocked(&q.ready)
	q.cond.Broadcast()
	q.mu.Unlock()

	if !wait {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for q.pending.Len() > 0 || q.executing.Len() > 0 {
		if q.disposed.Load() {
			break
		}
		q.cond.Wait()
	}
	return nil
}

func (q *Queue) discardListLocked(l *list.List) {
	for l.Len() > 0 {
		front := l.Front()
		e := front.Value.(*entry)
		l.Remove(front)
		delete(q.entries, e.task)
		releaseEntry(e)
	}
}

// Flush drives the queue toward quiescence under the given policy and,
// unless nothrowIfFailed is true, returns the first stored failure found
// in Ready once Pending and Executing have drained.
func (q *Queue) Flush(discardPending, nothrowIfFailed, discardReady, cancelExecuting bool) error {
	if q.disposed.Load() {
		return ErrDisposed
	}
	return q.doFlush(discardPending, nothrowIfFailed, discardReady, cancelExecuting)
}

func (q *Queue) doFlush(discardPending, nothrowIfFailed, discardReady, cancelExecuting bool) error {
	q.mu.Lock()
	if discardPending {
		q.discardListLocked(&q.pending)
	}
	if cancelExecuting {
		for e := q.executing.Front(); e != nil; e = e.Next() {
			e.Value.(*entry).task.RequestCancel()
		}
	}
	q.cond.Broadcast()
	q.mu.Unlock()

	// No disposed escape hatch here: once disposed is set, push() rejects
	// new work, so Pending+Executing only shrinks and this always
	// terminates as in-flight tasks finish draining.
	q.mu.Lock()
	for q.pending.Len() > 0 || q.executing.Len() > 0 {
		q.cond.Wait()
	}
	q.mu.Unlock()

	var firstErr error
	q.mu.Lock()
	if !nothrowIfFailed {
		for e := q.ready.Front(); e != nil; e = e.Next() {
			if err := e.Value.(*entry).task.Err(); err != nil {
				firstErr = err
				break
			}
		}
	}
	if discardReady {
		q.discardListLocked(&q.ready)
	}
	q.mu.Unlock()

	return firstErr
}

// Prioritize moves task to the head of Pending if it is currently there,
// reporting whether it moved. With wait=true, it additionally waits for
// task to complete after prioritizing it.
func (q *Queue) Prioritize(task Task, wait bool) (bool, error) {
	if q.disposed.Load() {
		return false, ErrDisposed
	}

	q.mu.Lock()
	e, exists := q.entries[task]
	moved := false
	if exists && e.owner == Pending {
		q.pending.Remove(e.elem)
		e.elem = q.pending.PushFront(e)
		moved = true
	}
	q.mu.Unlock()

	if wait {
		if err := q.Wait(task, false); err != nil {
			return moved, err
		}
	}
	return moved, nil
}

// SetThrottleLimit changes the maximum number of concurrently Executing
// tasks, re-padding immediately if the new limit is larger.
func (q *Queue) SetThrottleLimit(maxExecuting int) {
	q.mu.Lock()
	q.maxExecuting = maxExecuting
	q.padLocked()
	q.mu.Unlock()
}

// SetOptions changes the retention policy applied to subsequently
// completing tasks.
func (q *Queue) SetOptions(options Options) {
	q.mu.Lock()
	q.options = options
	q.mu.Unlock()
}

// SetNotifyCallback installs sink, invoked for events in mask. Pass a
// nil sink to detach.
func (q *Queue) SetNotifyCallback(sink NotifyFunc, mask Event) {
	q.eventsMu.Lock()
	defer q.eventsMu.Unlock()
	q.notify = sink
	q.notifyMask = mask
}

// ScanQueue iterates the named sub-queue under the queue lock, calling
// cb for every task in FIFO order. cb must not call back into the queue.
func (q *Queue) ScanQueue(which SubQueue, cb func(Task)) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var l *list.List
	switch which {
	case Pending:
		l = &q.pending
	case Executing:
		l = &q.executing
	case Ready:
		l = &q.ready
	default:
		return
	}
	for e := l.Front(); e != nil; e = e.Next() {
		cb(e.Value.(*entry).task)
	}
}

// Len returns the current size of the named sub-queue.
func (q *Queue) Len(which SubQueue) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	switch which {
	case Pending:
		return q.pending.Len()
	case Executing:
		return q.executing.Len()
	case Ready:
		return q.ready.Len()
	default:
		return 0
	}
}

// Dispose flushes the queue (discarding Pending and Ready, cancelling
// Executing), waits for it to empty, and releases its worker pool if the
// queue owns one. Idempotent.
func (q *Queue) Dispose() {
	if !q.disposed.CompareAndSwap(false, true) {
		return
	}
	q.doFlush(true, true, true, true)
	q.cancel()

	q.mu.Lock()
	q.cond.Broadcast()
	q.mu.Unlock()

	if q.ownPool {
		_ = q.pool.Shutdown(defaultDisposeTimeout)
	}
}

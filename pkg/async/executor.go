package async

import (
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexusmq/asyncbridge/pkg/config"
	"github.com/nexusmq/asyncbridge/pkg/eq"
	"github.com/nexusmq/asyncbridge/pkg/logging"
)

// Executor is the async-operation façade: a workers queue bounding
// concurrent execution at cfg.Threads, a completion queue of the same
// width used to deliver cancellations and chained calls without waiting
// on a workers slot, and pools of Operation/workerTask control blocks.
type Executor struct {
	cfg config.AsyncConfig

	workersQueue    *eq.Queue
	completionQueue *eq.Queue
	pool            *eq.WorkerPool

	opPool     sync.Pool
	workerPool sync.Pool

	outstandingCalls atomic.Int64
	disposed         atomic.Bool
}

// NewExecutor builds an executor per cfg. The workers and completion
// queues share one thread-pool-backed eq.WorkerPool of cfg.Threads
// goroutines, matching the teacher's one-pool-per-subsystem convention.
func NewExecutor(cfg config.AsyncConfig) *Executor {
	threads := cfg.Threads
	if threads <= 0 {
		threads = 1
	}
	pool := eq.NewWorkerPool(threads)
	e := &Executor{
		cfg:             cfg,
		workersQueue:    eq.NewQueueWithPool(threads, pool),
		completionQueue: eq.NewQueueWithPool(threads, pool),
		pool:            pool,
	}
	e.completionQueue.SetOptions(eq.OptionKeepNone)
	e.workersQueue.SetOptions(eq.OptionKeepNone)
	return e
}

// CreateOperation allocates (or recycles from the pool) an Operation
// bound to state, rejecting the call once the number of live operations
// reaches Threads * MaxTasksMultiplier.
func (e *Executor) CreateOperation(state OperationState) (*Operation, error) {
	if e.disposed.Load() {
		return nil, ErrDisposed
	}
	if e.outstandingCalls.Load() >= int64(e.cfg.MaxConcurrentTasks()) {
		return nil, ErrTooManyOutstanding
	}

	op, _ := e.opPool.Get().(*Operation)
	if op == nil {
		op = &Operation{}
	}
	op.executor = e
	op.state = state
	op.worker = nil
	op.active.Store(true)
	op.freed.Store(false)

	e.outstandingCalls.Add(1)
	return op, nil
}

// AsyncBegin schedules one real call on op. If op already holds a worker
// task from a prior call, this is a continuation-from-callback scenario:
// the existing worker is reused and the new call is posted directly to
// the completion queue rather than re-entering the workers queue.
// Otherwise a worker task is acquired from the pool and pushed onto the
// workers queue, bounding concurrency at cfg.Threads.
func (e *Executor) AsyncBegin(op *Operation, cb Callback) error {
	if e.disposed.Load() {
		return ErrDisposed
	}

	op.mu.Lock()
	defer op.mu.Unlock()

	if op.freed.Load() {
		return ErrOperationFreed
	}

	if w := op.worker; w != nil {
		w.mu.Lock()
		if w.remaining.Load() != 0 {
			w.mu.Unlock()
			return ErrCallInProgress
		}
		w.remaining.Store(1)
		w.callback = cb
		w.mu.Unlock()
		return e.completionQueue.PushBack(&completionTask{worker: w}, false)
	}

	w := e.acquireWorkerTask()
	w.executor = e
	w.op = op
	w.callback = cb
	w.opState = op.state
	w.remaining.Store(1)

	if err := e.workersQueue.PushBack(w, false); err != nil {
		e.releaseWorkerTask(w)
		return err
	}
	op.worker = w
	return nil
}

// ReleaseOperation returns op to the pool. It is an error to release an
// operation with a real call still outstanding.
func (e *Executor) ReleaseOperation(op *Operation) error {
	op.mu.Lock()
	if op.freed.Load() {
		op.mu.Unlock()
		return ErrOperationFreed
	}
	w := op.worker
	if w != nil && w.remaining.Load() != 0 {
		op.mu.Unlock()
		return ErrCallInProgress
	}
	if w != nil {
		e.releaseWorkerTask(w)
		op.worker = nil
	}
	op.active.Store(false)
	op.freed.Store(true)
	op.state = nil
	op.mu.Unlock()

	e.opPool.Put(op)
	e.outstandingCalls.Add(-1)
	return nil
}

func (e *Executor) acquireWorkerTask() *workerTask {
	w, _ := e.workerPool.Get().(*workerTask)
	if w == nil {
		w = &workerTask{}
	}
	w.stopped.Store(false)
	w.canceled.Store(false)
	w.remaining.Store(0)
	w.callback = nil
	w.opState = nil
	w.opStateTask = nil
	w.err = nil
	return w
}

func (e *Executor) releaseWorkerTask(w *workerTask) {
	w.op = nil
	w.executor = nil
	e.workerPool.Put(w)
}

// Dispose shuts the executor down. All operations must have been
// released first — outstanding calls at dispose time are a programming
// error in the caller, not a condition this executor can recover from,
// so it is treated as a fatal invariant violation rather than silently
// leaking goroutines or dropping callbacks.
func (e *Executor) Dispose() {
	if !e.disposed.CompareAndSwap(false, true) {
		return
	}

	if n := e.outstandingCalls.Load(); n != 0 {
		logging.GetGlobalLogger().WithComponent("async").
			Errorf("dispose called with %d outstanding operations", n)
		os.Exit(2)
	}

	e.workersQueue.Dispose()

	// Completion tasks must not be cancelled, only drained — cancelling
	// one mid-flight would abandon its workerTask's delivery instead of
	// letting it complete. Flush without cancelling first, then Dispose
	// (which cancels Executing) is a no-op by the time it runs.
	_ = e.completionQueue.Flush(false, true, true, false)
	e.completionQueue.Dispose()

	_ = e.pool.Shutdown(5 * time.Second)
}

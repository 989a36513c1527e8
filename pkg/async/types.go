// Package async implements the async executor: an asynchronous-operation
// façade over a bounded thread pool and two execution queues (workers and
// completion), providing create/begin/release of async operations whose
// callbacks run serialized per operation.
package async

import (
	"context"

	"github.com/nexusmq/asyncbridge/pkg/eq"
)

// OperationState is the user-supplied unit of work behind an Operation.
// Execute runs synchronously (from the caller's perspective) to produce
// the call's result; it is invoked on a worker-pool goroutine, never
// concurrently with another call on the same operation.
type OperationState interface {
	Execute(ctx context.Context) error
}

// Result is delivered to an operation's callback once a real call
// completes, whether by running to completion, surfacing a prior inner
// task's failure, or being aborted by cancellation/disposal.
type Result struct {
	Err error
	// OpTask is the inner eq.Task that just completed, if the call was
	// driven by one (see TaskProducingState); nil otherwise.
	OpTask eq.Task
}

// Callback receives the result of one real call on an Operation. It may
// call Executor.AsyncBegin(op, next) to chain another call onto the same
// operation before returning — the defining "coroutine-like" pattern of
// this executor.
type Callback func(Result)

// TaskProducingState is an optional capability an OperationState can
// implement when its work is itself a blocking eq.Task (e.g. a socket
// read) rather than something to run inline. When present, the executor
// schedules the returned task instead of calling Execute directly, and
// the task's stored error becomes the call's result.
type TaskProducingState interface {
	OperationState
	CreateTask(ctx context.Context) eq.Task
}

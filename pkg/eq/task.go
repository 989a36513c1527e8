// Package eq implements the execution queue: a cooperative scheduler with
// Pending/Executing/Ready sub-queues that drives tasks over a bounded
// thread pool, with throttling, continuations, prioritization,
// cancellation, and a notification sink.
package eq

import (
	"context"
	"sync/atomic"
)

// Task is the unit of work scheduled by a Queue. Implementations must
// never throw a panic out of Execute that the queue does not recover —
// the queue converts a recovered panic into a stored failure, but well
// behaved tasks return errors instead.
type Task interface {
	// Execute runs the task body. ctx is the queue's context, canceled
	// when the queue is disposed; RequestCancel does not cancel it.
	Execute(ctx context.Context) error

	// ContinuationTask is fetched once the task's Execute call has
	// returned. The second return value distinguishes "no continuation"
	// (false) from "continuation present" (true). A task returned equal
	// to the receiver is the explicit re-queue signal described in
	// spec's self-continuation design note.
	ContinuationTask() (Task, bool)

	// SetCompletedState stores the task's terminal outcome. Called by
	// the queue exactly once, after Execute and ContinuationTask have
	// both been consulted.
	SetCompletedState(err error)

	// RequestCancel asks the task to stop cooperatively. It is a
	// request, not a guarantee — a task already Executing will only
	// observe it if it checks IsCanceled.
	RequestCancel()

	// IsCanceled reports whether RequestCancel has been called.
	IsCanceled() bool

	// Err returns the task's stored failure, if any, after it has
	// completed. Returns nil for a successful task or one not yet run.
	Err() error
}

// BaseTask is an embeddable helper that implements the bookkeeping parts
// of Task (cancellation flag and stored error) so concrete tasks need
// only implement Execute and ContinuationTask.
type BaseTask struct {
	canceled  atomic.Bool
	completed atomic.Bool
	err       error
}

func (b *BaseTask) RequestCancel()   { b.canceled.Store(true) }
func (b *BaseTask) IsCanceled() bool { return b.canceled.Load() }
func (b *BaseTask) Err() error       { return b.err }
func (b *BaseTask) SetCompletedState(err error) {
	b.err = err
	b.completed.Store(true)
}

// Completed reports whether SetCompletedState has been called.
func (b *BaseTask) Completed() bool { return b.completed.Load() }

// ContinuationTask's zero-value behavior is "no continuation"; embedders
// needing continuations override this method.
func (b *BaseTask) ContinuationTask() (Task, bool) { return nil, false }

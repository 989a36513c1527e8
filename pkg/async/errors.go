package async

import "errors"

var (
	// ErrDisposed is returned by any Executor method called after Dispose.
	ErrDisposed = errors.New("async: executor disposed")

	// ErrOperationAborted is the Result.Err value delivered to a callback
	// whose call was stopped by cancellation before it ran.
	ErrOperationAborted = errors.New("async: operation aborted")

	// ErrCallInProgress is returned by AsyncBegin when the operation's
	// worker still has a real call outstanding (remaining-to-execute != 0).
	ErrCallInProgress = errors.New("async: call already in progress")

	// ErrTooManyOutstanding is returned by CreateOperation once the number
	// of live operations reaches Threads * MaxTasksMultiplier.
	ErrTooManyOutstanding = errors.New("async: too many outstanding operations")

	// ErrOperationFreed is returned by any call made against a released
	// Operation.
	ErrOperationFreed = errors.New("async: operation already released")
)

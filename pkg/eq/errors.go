package eq

import "errors"

// ErrDisposed is returned by any operation invoked on a Queue after
// Dispose has completed — the dispose-before-destroy discipline carried
// from the teacher's resource lifecycle conventions.
var ErrDisposed = errors.New("eq: queue disposed")

// ErrOperationAborted is the stored failure for a Pending task canceled
// by Cancel while OptionKeepCanceled is set, and the result of a task
// whose cancellation was requested before its Execute was called. Tasks
// discarded by CancelAll or Flush are dropped without a stored failure.
var ErrOperationAborted = errors.New("eq: operation aborted")

// ErrNotFound is returned by operations that target a task no longer
// tracked by the queue (already completed, already removed).
var ErrNotFound = errors.New("eq: task not found")

package eq

// Options is a bitmask controlling which completed tasks a Queue retains
// in its Ready sub-queue.
type Options uint8

const (
	// OptionKeepNone discards every completed task immediately.
	OptionKeepNone Options = 0
	// OptionKeepFailed retains tasks that completed with a non-nil error.
	OptionKeepFailed Options = 1 << iota
	// OptionKeepSuccessful retains tasks that completed without error.
	OptionKeepSuccessful
	// OptionKeepCanceled retains Pending tasks that were canceled before
	// they ever ran, moving them to Ready instead of discarding them.
	OptionKeepCanceled
	// OptionKeepAll is shorthand for retaining every outcome.
	OptionKeepAll = OptionKeepFailed | OptionKeepSuccessful | OptionKeepCanceled
)

// Event identifies the kind of notification a Queue's sink receives.
type Event int

const (
	// EventTaskReady fires when a task completes and is retained in Ready.
	EventTaskReady Event = 1 << iota
	// EventTaskDiscarded fires when a task completes and is not retained.
	EventTaskDiscarded
	// EventAllTasksCompleted fires when Pending and Executing both empty.
	EventAllTasksCompleted

	// EventAll is every event kind, for SetNotifyCallback's mask.
	EventAll = EventTaskReady | EventTaskDiscarded | EventAllTasksCompleted
)

// NotifyFunc is a Queue's notification sink. task is nil for
// EventAllTasksCompleted. The sink may return a non-negative
// maxReadyOrExecuting bound to additionally throttle pad(); returning 0
// means unbounded (the Open Question from spec §9 is resolved this way).
type NotifyFunc func(ev Event, task Task) (maxReadyOrExecuting int)

// SubQueue names one of a Queue's three sub-queues, used by ScanQueue.
type SubQueue int

const (
	Pending SubQueue = iota
	Executing
	Ready
)

func (s SubQueue) String() string {
	switch s {
	case Pending:
		return "Pending"
	case Executing:
		return "Executing"
	case Ready:
		return "Ready"
	default:
		return "None"
	}
}

package eq

import (
	"container/list"
	"sync"
)

// entry is the per-task info record described in spec §3: a task handle
// plus the sub-queue that currently owns it, and the list element
// backing its position within that sub-queue. Entries are pooled and
// recycled rather than allocated fresh on every push, grounded on the
// teacher's pooled block-entry convention.
type entry struct {
	task  Task
	owner SubQueue
	elem  *list.Element
}

var entryPool = sync.Pool{
	New: func() any { return new(entry) },
}

func acquireEntry(task Task, owner SubQueue) *entry {
	e := entryPool.Get().(*entry)
	e.task = task
	e.owner = owner
	e.elem = nil
	return e
}

func releaseEntry(e *entry) {
	e.task = nil
	e.elem = nil
	e.owner = Pending
	entryPool.Put(e)
}

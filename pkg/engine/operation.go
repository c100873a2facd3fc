package engine

import "github.com/aetf/execengine/pkg/resource"

// Callbacks are the hooks OperationTask.Run invokes to report back to the
// engine. Exactly one of Done, MemFailure or Error is ever called for a
// given run.
type Callbacks struct {
	// Done is called when the operation completed successfully.
	Done func()

	// MemFailure is called when the operation failed because it ran out of
	// device memory. It returns true if the engine is retrying the operation
	// (the session has OOM protection enabled), false if it is not; the
	// failure is then the operation's to report to its own client, and Error
	// is not called as well.
	MemFailure func() bool

	// Error is called when the operation failed for a reason other than
	// device memory exhaustion.
	Error func(err error)
}

// OperationTask is the unit of work an ExecutionContext enqueues. It is
// opaque to the engine beyond its ResourceContext and lifecycle hooks.
type OperationTask interface {
	// ResourceContext returns the staged reservation this operation will
	// commit against when it runs.
	ResourceContext() *resource.Context

	// Run executes the operation. It must eventually call exactly one of
	// cbs.Done, cbs.MemFailure or cbs.Error exactly once. Run is invoked on a
	// WorkerPool goroutine, never on the scheduler-loop goroutine.
	Run(cbs Callbacks)

	// Cancel is called instead of Run when the operation's session has been
	// force-evicted or deleted before it was dispatched.
	Cancel()

	// IsAsync reports whether the operation yields the worker goroutine while
	// running (e.g. an async device kernel launch) rather than blocking it for
	// the operation's full duration. SchedulerLoop only counts non-async
	// operations against noPagingRunningTasks, since async tasks don't
	// prevent forward progress the way a blocked paging decision would.
	IsAsync() bool

	// String returns a short description for logging.
	String() string
}

// OperationItem pairs a queued OperationTask with a weak reference to the
// session that submitted it, so a session deleted while the operation is
// still queued causes it to be silently discarded rather than run.
type OperationItem struct {
	ref *sessionRef
	Op  OperationTask
}

// NewOperationItem wraps task with a weak reference to session.
func NewOperationItem(session *SessionItem, task OperationTask) *OperationItem {
	return &OperationItem{ref: session.Ref(), Op: task}
}

// Session resolves the weak reference, returning (nil, false) if the owning
// session has since been deleted.
func (o *OperationItem) Session() (*SessionItem, bool) {
	return o.ref.Lock()
}

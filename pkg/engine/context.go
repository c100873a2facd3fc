package engine

import "github.com/aetf/execengine/pkg/resource"

// ExecutionContext is the per-session handle a client holds after
// Engine.AcceptOffer, used to enqueue operations, register paging hooks and
// stage fresh resource reservations against its session.
type ExecutionContext struct {
	engine  *Engine
	session *SessionItem
}

// Handle returns the session handle this context is bound to.
func (c *ExecutionContext) Handle() string {
	return c.session.Handle
}

// EnqueueOperation submits task to run against this session. It returns
// ErrSessionDeleted if the session has already been deleted.
func (c *ExecutionContext) EnqueueOperation(task OperationTask) error {
	if c.session.Status() >= StatusPendingDelete {
		return ErrSessionDeleted
	}

	c.session.Enqueue(NewOperationItem(c.session, task))
	c.engine.loop.NotifyWork()
	return nil
}

// RegisterPagingCallbacks installs the hooks PagingController will use if
// this session is ever asked to page out memory or is force-evicted.
func (c *ExecutionContext) RegisterPagingCallbacks(cb PagingCallbacks) {
	c.session.SetPagingCallbacks(cb)
}

// MakeResourceContext creates a fresh, unstaged resource.Context bound to
// this session. Callers call InitializeStaging on it before use.
func (c *ExecutionContext) MakeResourceContext() *resource.Context {
	return resource.NewContext(c.session, c.engine.monitor)
}

// TotalExecutedOperations returns how many operations this session has
// completed successfully.
func (c *ExecutionContext) TotalExecutedOperations() uint64 {
	return c.session.TotalExecutedOp()
}

// Delete marks the session for removal. Operations already queued are
// canceled once the scheduler loop splices the session out; operations
// already running are not canceled. done, if non-nil, is called once that
// draining and canceling has finished; it does not wait for running
// operations to return.
func (c *ExecutionContext) Delete(done func()) {
	c.session.SetOnRemoved(done)
	c.session.PrepareDelete()
	c.engine.loop.RemoveSession(c.session)
}

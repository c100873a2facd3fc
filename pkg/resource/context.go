package resource

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Accounting is the interface a session exposes to a ResourceContext so that
// releasing or committing an allocation can also update per-session
// bookkeeping, without pkg/resource depending on the session/engine package.
type Accounting interface {
	// RemoveMemoryAllocationTicket is called when a ticket's staging has been
	// fully released and it holds no more usage.
	RemoveMemoryAllocationTicket(ticket Ticket)

	// CreditResourceUsage is called on OperationScope.Commit to add amount to
	// the session's running per-key usage counter.
	CreditResourceUsage(key Key, amount decimal.Decimal)

	// NotifyMemoryAllocation is an observability hook invoked after a commit;
	// the core makes no assumptions about what it does.
	NotifyMemoryAllocation(ticket Ticket)
}

// Context binds a Ticket to a session and device so that released
// allocations also update the session's bookkeeping. It is created via
// Monitor-scoped construction (see engine.ExecutionContext.MakeResourceContext) and
// must have ReleaseStaging called before it is discarded.
type Context struct {
	monitor *Monitor
	session Accounting

	device     Device
	ticket     Ticket
	hasStaging bool
}

// NewContext creates a Context bound to session and monitor with no staged
// reservation yet. Call InitializeStaging before use.
func NewContext(session Accounting, monitor *Monitor) *Context {
	return &Context{monitor: monitor, session: session}
}

// InitializeStaging reserves res on device, atomically, via the Monitor. On
// success it records device and the new Ticket and returns (true, nil). On
// any key shortfall it reserves nothing and returns (false, missing).
func (c *Context) InitializeStaging(device Device, res Map) (bool, Map) {
	ticket, missing, ok := c.monitor.PreAllocate(res)
	if !ok {
		return false, missing
	}

	c.device = device
	c.ticket = ticket
	c.hasStaging = true
	return true, nil
}

// IsGood reports whether the Context currently holds a staged reservation.
func (c *Context) IsGood() bool {
	return c.hasStaging
}

// Ticket returns the Context's Ticket, or InvalidTicket if none is staged.
func (c *Context) Ticket() Ticket {
	return c.ticket
}

// Device returns the device the Context's staged reservation lives on.
func (c *Context) Device() Device {
	return c.device
}

// ReleaseStaging returns any remaining staging to the Monitor. If the
// ticket is left holding no usage at all (no staging, no commits), the
// session is told to drop its bookkeeping entry for it.
func (c *Context) ReleaseStaging() {
	if !c.hasStaging {
		return
	}

	c.monitor.FreeStaging(c.ticket)
	c.hasStaging = false

	if !c.monitor.HasUsage(c.ticket) && c.session != nil {
		c.session.RemoveMemoryAllocationTicket(c.ticket)
	}
}

// Alloc begins a scoped commit of the Context's entire remaining staged
// reservation of kind on the Context's device. This is used when the exact
// quantity an operation will actually use was already staged in full and
// there is nothing left to decide at run time.
func (c *Context) Alloc(kind Kind) *OperationScope {
	key := Key{Kind: kind, Device: c.device}
	staged := c.monitor.QueryStaging(c.ticket).Get(key)
	if staged.IsZero() {
		return &OperationScope{ctx: c, valid: false}
	}
	return c.AllocN(kind, staged)
}

// AllocN begins a scoped commit of exactly n units of kind on the Context's
// device, used when an operation discovers its actual usage only once it
// runs (e.g. incremental memory growth).
func (c *Context) AllocN(kind Kind, n decimal.Decimal) *OperationScope {
	key := Key{Kind: kind, Device: c.device}
	res := Map{key: n}

	ok := c.monitor.Allocate(c.ticket, res)
	return &OperationScope{ctx: c, res: res, valid: ok}
}

// Dealloc releases n units of kind directly, outside of the scoped
// commit/rollback flow, decrementing both the Monitor's committed total and
// the session's resourceUsage counter. Grounded on the original
// ResourceContext::dealloc (executionengine.cpp), used when an operation
// frees part of its allocation mid-run without going through a fresh scope.
func (c *Context) Dealloc(kind Kind, n decimal.Decimal) {
	key := Key{Kind: kind, Device: c.device}
	res := Map{key: n}

	c.monitor.Free(c.ticket, res)
	if c.session != nil {
		c.session.CreditResourceUsage(key, n.Neg())
	}
}

// String returns a string representation suitable for logging.
func (c *Context) String() string {
	if c.ticket == InvalidTicket {
		return "ResourceContext(Invalid)"
	}
	return fmt.Sprintf("ResourceContext(%d, device=%s)", c.ticket, c.device)
}

// OperationScope is a guarded reservation returned by Context.Alloc/AllocN.
// Exactly one of Commit or Rollback must be called to resolve it; an
// OperationScope that is neither committed nor rolled back leaves its
// quantity permanently committed against the ticket (the caller is expected
// to resolve it before dropping the reference, the same discipline the
// teacher's scoped resources in common/scheduling/resource/transaction.go
// require of their transaction callbacks).
type OperationScope struct {
	ctx     *Context
	res     Map
	valid   bool
	resolved bool
}

// Commit credits the scope's reserved quantities to the owning session's
// resourceUsage counters and notifies it of the allocation. The quantities
// were already moved from staging to committed when the scope was created;
// Commit only updates session-level bookkeeping.
func (s *OperationScope) Commit() {
	if !s.valid || s.resolved {
		return
	}
	s.resolved = true

	if s.ctx.session == nil {
		return
	}
	for key, amount := range s.res {
		s.ctx.session.CreditResourceUsage(key, amount)
	}
	s.ctx.session.NotifyMemoryAllocation(s.ctx.ticket)
}

// Rollback returns the scope's reserved quantities to the Monitor's free
// pool without crediting the session.
func (s *OperationScope) Rollback() {
	if !s.valid || s.resolved {
		return
	}
	s.resolved = true

	s.ctx.monitor.Free(s.ctx.ticket, s.res)
}

// Valid reports whether the scope actually reserved anything (Alloc/AllocN
// can fail if staging was insufficient).
func (s *OperationScope) Valid() bool {
	return s.valid
}

package engine

import (
	"sync"
	"sync/atomic"

	"github.com/shopspring/decimal"

	"github.com/aetf/execengine/pkg/queue"
	"github.com/aetf/execengine/pkg/resource"
)

// Status is the lifecycle state of a SessionItem. A session occupies exactly
// one of these at a time.
type Status int32

const (
	StatusPendingNew Status = iota
	StatusLive
	StatusPendingDelete
	StatusDeleted
)

func (s Status) String() string {
	switch s {
	case StatusPendingNew:
		return "pending-new"
	case StatusLive:
		return "live"
	case StatusPendingDelete:
		return "pending-delete"
	case StatusDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// PagingCallbacks is the pair of hooks a session registers so PagingController
// can ask it to page out one of its allocations, or evict it outright.
type PagingCallbacks struct {
	// Volunteer is asked to page ticket's allocation onto the pre-staged
	// ResourceContext rctx, and should return the number of bytes it managed
	// to release on the source device. A return of zero means it declined.
	Volunteer func(ticket resource.Ticket, rctx *resource.Context) int64

	// ForceEvicted is called when this session has been chosen to be killed
	// outright because no session could page out enough memory.
	ForceEvicted func()
}

// registered reports whether both callbacks of a PagingCallbacks are set.
func (p PagingCallbacks) registered() bool {
	return p.Volunteer != nil && p.ForceEvicted != nil
}

// SessionItem is the engine's per-session state: its two operation queues,
// the tickets it currently owns, its paging hooks, and the status flags the
// SchedulerLoop consults every iteration. Follows the mutex +
// config.InitLogger idiom of common/execution/manager.go.
//
// Concurrency: mu guards queue, since arbitrary goroutines enqueue operations
// concurrently with the scheduler loop. bgQueue and lastScheduled are touched
// only by the single scheduler-loop goroutine and need no lock. protectOOM and
// forceEvicted are written by the scheduler loop but also read from worker
// goroutines (MemFailure) and Engine.Summary, so they are atomic. ticketsMu
// guards tickets and resourceUsage, since both
// ResourceContext callbacks (from worker goroutines) and the paging path (from
// the scheduler goroutine) touch them.
type SessionItem struct {
	Handle string

	mu    sync.Mutex
	queue *queue.Fifo[*OperationItem]

	bgQueue         *queue.Fifo[*OperationItem]
	protectOOM      atomic.Bool
	forceEvicted    atomic.Bool
	lastScheduled   int
	totalExecutedOp uint64

	ticketsMu     sync.Mutex
	tickets       map[resource.Ticket]struct{}
	resourceUsage resource.Map

	pagingMu sync.Mutex
	pagingCb PagingCallbacks

	status Status

	removedMu sync.Mutex
	onRemoved func()

	ref *sessionRef
}

// NewSessionItem creates a SessionItem in StatusPendingNew with handle still
// unset; Engine.AcceptOffer sets the handle and transitions it to
// StatusLive.
func NewSessionItem() *SessionItem {
	s := &SessionItem{
		queue:         queue.NewFifo[*OperationItem](8),
		bgQueue:       queue.NewFifo[*OperationItem](8),
		tickets:       make(map[resource.Ticket]struct{}),
		resourceUsage: resource.Map{},
		status:        StatusPendingNew,
	}
	s.ref = &sessionRef{session: s}
	return s
}

// Ref returns the weak handle operations hold onto this session. Looking it
// up after the session is marked deleted returns (nil, false), a
// deterministic alternative to Go's GC-timed weak package.
func (s *SessionItem) Ref() *sessionRef {
	return s.ref
}

// Status returns the session's current lifecycle state.
func (s *SessionItem) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// MarkLive transitions a pending-new session to live once AcceptOffer binds
// its handle and inserts it into the engine.
func (s *SessionItem) MarkLive(handle string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Handle = handle
	s.status = StatusLive
}

// PrepareDelete transitions the session to pending-delete.
// ExecutionContext.EnqueueOperation rejects operations from this point on
// with ErrSessionDeleted; the weak reference itself goes stale only once
// MarkDeleted runs.
func (s *SessionItem) PrepareDelete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = StatusPendingDelete
}

// MarkDeleted finalizes the session's removal; the weak reference goes
// permanently stale.
func (s *SessionItem) MarkDeleted() {
	s.mu.Lock()
	s.status = StatusDeleted
	s.mu.Unlock()

	s.ref.invalidate()
}

// SetOnRemoved installs the completion callback a caller supplied to
// ExecutionContext.Delete, invoked once the scheduler loop has finished
// draining and canceling this session's queues.
func (s *SessionItem) SetOnRemoved(fn func()) {
	s.removedMu.Lock()
	defer s.removedMu.Unlock()
	s.onRemoved = fn
}

// NotifyRemoved invokes the callback installed by SetOnRemoved, if any.
func (s *SessionItem) NotifyRemoved() {
	s.removedMu.Lock()
	fn := s.onRemoved
	s.removedMu.Unlock()

	if fn != nil {
		fn()
	}
}

// Enqueue appends opItem to the front queue. It does not wake the scheduler;
// callers follow it with a SchedulerLoop notification.
func (s *SessionItem) Enqueue(opItem *OperationItem) {
	s.mu.Lock()
	s.queue.Enqueue(opItem)
	s.mu.Unlock()
}

// DrainFrontQueue splices the front queue onto bgQueue, the per-iteration
// step the SchedulerLoop performs before asking the policy for candidates.
func (s *SessionItem) DrainFrontQueue() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.queue.DrainTo(s.bgQueue)
}

// BgQueue returns the scheduler-owned backing queue. Callers must be the
// scheduler-loop goroutine.
func (s *SessionItem) BgQueue() *queue.Fifo[*OperationItem] {
	return s.bgQueue
}

// ProtectOOM reports whether OOM failures on this session's operations
// should be retried (true) or surfaced to the client (false).
func (s *SessionItem) ProtectOOM() bool {
	return s.protectOOM.Load()
}

// SetProtectOOM is called once per scheduling iteration, per session, based
// on how many live sessions exist.
func (s *SessionItem) SetProtectOOM(v bool) {
	s.protectOOM.Store(v)
}

// ForceEvicted reports whether PagingController has chosen to kill this
// session outright.
func (s *SessionItem) ForceEvicted() bool {
	return s.forceEvicted.Load()
}

// SetForceEvicted records that this session has been force-evicted; pending
// operations still in bgQueue must be canceled by the caller.
func (s *SessionItem) SetForceEvicted(v bool) {
	s.forceEvicted.Store(v)
}

// LastScheduled returns how many operations were dispatched from this
// session in the most recent scheduling iteration.
func (s *SessionItem) LastScheduled() int {
	return s.lastScheduled
}

// SetLastScheduled records the policy hint for the next iteration.
func (s *SessionItem) SetLastScheduled(n int) {
	s.lastScheduled = n
}

// IncrementExecutedOp is called when an operation on this session completes
// without error.
func (s *SessionItem) IncrementExecutedOp() {
	s.mu.Lock()
	s.totalExecutedOp++
	s.mu.Unlock()
}

// TotalExecutedOp returns the number of operations this session has
// completed successfully over its lifetime.
func (s *SessionItem) TotalExecutedOp() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalExecutedOp
}

// SetPagingCallbacks registers the hooks PagingController uses to ask this
// session to page or to notify it of a force eviction.
func (s *SessionItem) SetPagingCallbacks(cb PagingCallbacks) {
	s.pagingMu.Lock()
	defer s.pagingMu.Unlock()
	s.pagingCb = cb
}

// PagingCallbacks returns the currently registered hooks, and whether both
// are set.
func (s *SessionItem) PagingCallbacks() (PagingCallbacks, bool) {
	s.pagingMu.Lock()
	defer s.pagingMu.Unlock()
	return s.pagingCb, s.pagingCb.registered()
}

// Tickets returns a snapshot of the tickets this session currently owns, in
// no particular order. Used by PagingController, which ranks them with
// Monitor.SortVictim.
func (s *SessionItem) Tickets() []resource.Ticket {
	s.ticketsMu.Lock()
	defer s.ticketsMu.Unlock()

	out := make([]resource.Ticket, 0, len(s.tickets))
	for t := range s.tickets {
		out = append(out, t)
	}
	return out
}

// ResourceUsage returns the session's currently credited quantity for key.
func (s *SessionItem) ResourceUsage(key resource.Key) decimal.Decimal {
	s.ticketsMu.Lock()
	defer s.ticketsMu.Unlock()
	return s.resourceUsage.Get(key)
}

// RemoveMemoryAllocationTicket implements resource.Accounting; it is invoked
// by ResourceContext.ReleaseStaging once a ticket holds no more usage.
func (s *SessionItem) RemoveMemoryAllocationTicket(ticket resource.Ticket) {
	s.ticketsMu.Lock()
	defer s.ticketsMu.Unlock()
	delete(s.tickets, ticket)
}

// CreditResourceUsage implements resource.Accounting; it is invoked by
// OperationScope.Commit/Context.Dealloc to adjust this session's running
// per-key usage counter.
func (s *SessionItem) CreditResourceUsage(key resource.Key, amount decimal.Decimal) {
	s.ticketsMu.Lock()
	defer s.ticketsMu.Unlock()
	s.resourceUsage[key] = s.resourceUsage.Get(key).Add(amount)
}

// NotifyMemoryAllocation implements resource.Accounting; it records that
// ticket is now owned by this session.
func (s *SessionItem) NotifyMemoryAllocation(ticket resource.Ticket) {
	s.ticketsMu.Lock()
	defer s.ticketsMu.Unlock()
	s.tickets[ticket] = struct{}{}
}

// sessionRef is the explicit, deterministic weak handle an OperationItem
// holds onto its owning SessionItem: Lock returns (nil, false) once the
// session has been marked deleted, rather than relying on GC-timed weak
// references.
type sessionRef struct {
	mu      sync.RWMutex
	session *SessionItem
}

// Lock returns the referenced SessionItem and true, or (nil, false) if the
// session has already been deleted.
func (r *sessionRef) Lock() (*SessionItem, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.session == nil {
		return nil, false
	}
	return r.session, true
}

func (r *sessionRef) invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.session = nil
}

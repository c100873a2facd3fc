package resource

import "sync/atomic"

// Ticket is a monotonically increasing, nonzero identifier issued by a
// ResourceMonitor for a logical allocation. Ticket 0 is reserved to mean
// "invalid" and is never issued.
type Ticket uint64

// InvalidTicket is the reserved zero value indicating the absence of a ticket.
const InvalidTicket Ticket = 0

// ticketAllocator hands out strictly increasing, nonzero Ticket values.
type ticketAllocator struct {
	next uint64
}

// allocate returns the next Ticket, skipping the reserved zero value.
func (a *ticketAllocator) allocate() Ticket {
	return Ticket(atomic.AddUint64(&a.next, 1))
}

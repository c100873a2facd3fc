package resource

import (
	"fmt"
	"sort"
	"sync"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/NVIDIA/go-nvml/pkg/nvml"
	"github.com/shopspring/decimal"
)

// LimitsOptions configures Monitor.InitializeLimits.
type LimitsOptions struct {
	// UseNVML, when true, queries the real GPU count via NVML and derives one
	// GPU0..GPUn-1 memory limit per physical device, each sized
	// PerGPUMemoryBytes. This mirrors common/utils/nvidia.go's
	// GetNumberOfGPUs, generalized from "count the GPUs" to "size each GPU's
	// memory budget".
	UseNVML bool

	// PerGPUMemoryBytes is the memory budget attributed to each GPU device
	// discovered via NVML.
	PerGPUMemoryBytes int64

	// StaticLimits is used verbatim when UseNVML is false, or when the NVML
	// query fails (no driver present, running in CI, etc).
	StaticLimits Map
}

// Monitor is process-wide accounting of device resources keyed by
// (Kind, Device). It issues and closes Tickets, and is the sole source of
// truth for the conservation invariant: for every Key,
// committed + staging + free == limits.
type Monitor struct {
	mu sync.Mutex
	log logger.Logger

	tickets ticketAllocator

	limits Map

	// committed and staging are indexed first by Ticket so that a ticket's
	// entire reservation can be released in one pass (FreeStaging, HasUsage).
	committed map[Ticket]Map
	staging   map[Ticket]Map

	// committedTotal and stagingTotal are running sums of committed/staging,
	// kept incrementally so Free() doesn't need to rescan every ticket.
	committedTotal Map
	stagingTotal   Map
}

// NewMonitor creates a Monitor with no limits configured; call
// InitializeLimits before admitting any reservations.
func NewMonitor(name string) *Monitor {
	m := &Monitor{
		limits:         Map{},
		committed:      make(map[Ticket]Map),
		staging:        make(map[Ticket]Map),
		committedTotal: Map{},
		stagingTotal:   Map{},
	}
	if name != "" {
		config.InitLogger(&m.log, name)
	} else {
		config.InitLogger(&m.log, m)
	}
	return m
}

// InitializeLimits sets the per-key capacities from the device layer, per
// LimitsOptions.
func (m *Monitor) InitializeLimits(opts LimitsOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !opts.UseNVML {
		m.limits = opts.StaticLimits.Clone()
		return nil
	}

	limits, err := queryNVMLLimits(opts.PerGPUMemoryBytes)
	if err != nil {
		m.log.Warn("Falling back to static resource limits: NVML query failed: %v", err)
		m.limits = opts.StaticLimits.Clone()
		return nil
	}

	m.limits = limits
	return nil
}

// queryNVMLLimits discovers the number of physical GPUs via NVML and returns
// one Memory Key per GPU sized perGPUMemoryBytes, adapted from
// common/utils/nvidia.go's GetNumberOfGPUs.
func queryNVMLLimits(perGPUMemoryBytes int64) (Map, error) {
	ret := nvml.Init()
	if ret != nvml.SUCCESS {
		return nil, fmt.Errorf("unable to initialize NVML: %v", nvml.ErrorString(ret))
	}
	defer func() {
		if ret := nvml.Shutdown(); ret != nvml.SUCCESS {
			panic(fmt.Sprintf("unable to shutdown NVML: %v", nvml.ErrorString(ret)))
		}
	}()

	count, ret := nvml.DeviceGetCount()
	if ret != nvml.SUCCESS {
		return nil, fmt.Errorf("unable to get device count: %v", nvml.ErrorString(ret))
	}

	limits := make(Map, count)
	for i := 0; i < count; i++ {
		limits[Key{Kind: Memory, Device: GPU(i)}] = decimal.New(perGPUMemoryBytes, 0)
	}
	return limits, nil
}

// Limits returns a copy of the configured per-key capacities.
func (m *Monitor) Limits() Map {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.limits.Clone()
}

// Free returns, for every key with a configured limit, limits - committed - staging.
func (m *Monitor) Free() Map {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.freeLocked()
}

func (m *Monitor) freeLocked() Map {
	free := make(Map, len(m.limits))
	for k, limit := range m.limits {
		free[k] = limit.Sub(m.committedTotal.Get(k)).Sub(m.stagingTotal.Get(k))
	}
	return free
}

// PreAllocate atomically checks and stages req. On success it returns a new
// Ticket; on any key shortfall it returns ok=false and missing populated with
// the per-key deficits, staging nothing.
func (m *Monitor) PreAllocate(req Map) (ticket Ticket, missing Map, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	free := m.freeLocked()
	missing = Map{}
	for k, want := range req {
		have := free.Get(k)
		if want.GreaterThan(have) {
			missing[k] = want.Sub(have)
		}
	}

	if len(missing) > 0 {
		return InvalidTicket, missing, false
	}

	ticket = m.tickets.allocate()
	staged := req.Clone()
	m.staging[ticket] = staged
	for k, v := range staged {
		m.stagingTotal[k] = m.stagingTotal.Get(k).Add(v)
	}

	return ticket, Map{}, true
}

// Proxy is a scoped handle onto a locked Monitor, returned by Lock. Callers
// must call Release exactly once. It exists so that a sequence of operations
// (e.g. query-then-allocate) can appear atomic to callers without re-deriving
// every combined operation on Monitor itself.
type Proxy struct {
	m *Monitor
}

// Lock acquires the Monitor's mutex and returns a Proxy exposing the same
// operations as Monitor, without re-acquiring the lock per call.
func (m *Monitor) Lock() *Proxy {
	m.mu.Lock()
	return &Proxy{m: m}
}

// Release unlocks the Monitor. Calling any Proxy method after Release is
// undefined.
func (p *Proxy) Release() {
	p.m.mu.Unlock()
}

// Allocate commits req against ticket's staging: it deducts from staging and
// adds to committed. It fails (returning false, leaving state unchanged) if
// staging held less than req for any key.
func (m *Monitor) Allocate(ticket Ticket, req Map) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allocateLocked(ticket, req)
}

// Allocate is the Proxy form of Monitor.Allocate, for use while already
// holding the lock via Monitor.Lock.
func (p *Proxy) Allocate(ticket Ticket, req Map) bool {
	return p.m.allocateLocked(ticket, req)
}

func (m *Monitor) allocateLocked(ticket Ticket, req Map) bool {
	staged, ok := m.staging[ticket]
	if !ok {
		staged = Map{}
	}

	for k, want := range req {
		if want.GreaterThan(staged.Get(k)) {
			return false
		}
	}

	for k, want := range req {
		staged[k] = staged.Get(k).Sub(want)
		m.stagingTotal[k] = m.stagingTotal.Get(k).Sub(want)
	}
	m.staging[ticket] = staged

	committed, ok := m.committed[ticket]
	if !ok {
		committed = Map{}
	}
	for k, want := range req {
		committed[k] = committed.Get(k).Add(want)
		m.committedTotal[k] = m.committedTotal.Get(k).Add(want)
	}
	m.committed[ticket] = committed

	return true
}

// Free decommits req from ticket, reducing committed (and thereby increasing
// the free pool). It is the monitor-level counterpart of "rollback": the
// quantity is returned to the monitor, not credited to any session.
func (m *Monitor) Free(ticket Ticket, req Map) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.freeCommittedLocked(ticket, req)
}

// Free is the Proxy form of Monitor.Free.
func (p *Proxy) Free(ticket Ticket, req Map) {
	p.m.freeCommittedLocked(ticket, req)
}

func (m *Monitor) freeCommittedLocked(ticket Ticket, req Map) {
	committed, ok := m.committed[ticket]
	if !ok {
		return
	}
	for k, want := range req {
		committed[k] = committed.Get(k).Sub(want)
		m.committedTotal[k] = m.committedTotal.Get(k).Sub(want)
	}
	m.committed[ticket] = committed
}

// QueryStaging returns a copy of ticket's remaining staged reservation.
func (m *Monitor) QueryStaging(ticket Ticket) Map {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queryStagingLocked(ticket)
}

// QueryStaging is the Proxy form of Monitor.QueryStaging.
func (p *Proxy) QueryStaging(ticket Ticket) Map {
	return p.m.queryStagingLocked(ticket)
}

func (m *Monitor) queryStagingLocked(ticket Ticket) Map {
	if staged, ok := m.staging[ticket]; ok {
		return staged.Clone()
	}
	return Map{}
}

// FreeStaging releases all of ticket's remaining staging back to the free
// pool. Used when an operation's ResourceContext is torn down.
func (m *Monitor) FreeStaging(ticket Ticket) {
	m.mu.Lock()
	defer m.mu.Unlock()

	staged, ok := m.staging[ticket]
	if !ok {
		return
	}
	for k, v := range staged {
		m.stagingTotal[k] = m.stagingTotal.Get(k).Sub(v)
	}
	delete(m.staging, ticket)
}

// HasUsage reports whether ticket still holds any nonzero committed or
// staged quantity.
func (m *Monitor) HasUsage(ticket Ticket) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if staged, ok := m.staging[ticket]; ok && !staged.IsZero() {
		return true
	}
	if committed, ok := m.committed[ticket]; ok && !committed.IsZero() {
		return true
	}
	return false
}

// QueryUsages sums committed and staged quantities across all of tickets.
func (m *Monitor) QueryUsages(tickets []Ticket) Map {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := Map{}
	for _, t := range tickets {
		if committed, ok := m.committed[t]; ok {
			out = out.Add(committed)
		}
		if staged, ok := m.staging[t]; ok {
			out = out.Add(staged)
		}
	}
	return out
}

// VictimEntry pairs a Ticket with its total Memory usage, as returned by
// SortVictim.
type VictimEntry struct {
	Ticket Ticket
	Usage  decimal.Decimal
}

// SortVictim returns tickets sorted by their total Memory usage (committed +
// staged, summed across all devices), descending. PagingController uses this
// ordering to offer the session's largest allocations for paging first.
func (m *Monitor) SortVictim(tickets []Ticket) []VictimEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := make([]VictimEntry, 0, len(tickets))
	for _, t := range tickets {
		usage := decimal.Zero
		if committed, ok := m.committed[t]; ok {
			usage = usage.Add(sumKind(committed, Memory))
		}
		if staged, ok := m.staging[t]; ok {
			usage = usage.Add(sumKind(staged, Memory))
		}
		entries = append(entries, VictimEntry{Ticket: t, Usage: usage})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Usage.GreaterThan(entries[j].Usage)
	})

	return entries
}

func sumKind(m Map, kind Kind) decimal.Decimal {
	sum := decimal.Zero
	for k, v := range m {
		if k.Kind == kind {
			sum = sum.Add(v)
		}
	}
	return sum
}

// String returns a string representation of the Monitor's current state,
// suitable for logging. Never call this while already holding m.mu.
func (m *Monitor) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return fmt.Sprintf("Monitor{limits=%s, committed=%s, staging=%s, free=%s}",
		m.limits.String(), m.committedTotal.String(), m.stagingTotal.String(), m.freeLocked().String())
}

package engine

import (
	"fmt"
	"sync"

	"github.com/aetf/execengine/common/utils/hashmap"
	"github.com/aetf/execengine/pkg/resource"
)

// ChangeSet describes the sessions added and removed since the previous
// scheduling iteration, handed to SchedulerPolicy.NotifyPreSchedulingIteration.
type ChangeSet struct {
	Added   []*SessionItem
	Deleted []*SessionItem
}

// SchedulerPolicy chooses, each iteration, which sessions are candidates for
// dispatch and in what order, then is asked to schedule operations out of
// each candidate's bgQueue in turn. Grounded on
// common/scheduling/scheduler/policy.go's SchedulingPolicy/registry pattern,
// generalized from kernel-replica placement to per-session operation
// dispatch.
type SchedulerPolicy interface {
	// Name identifies the policy, used for registration and logging.
	Name() string

	// NotifyPreSchedulingIteration is called once per iteration, after new
	// sessions have been spliced in and deleted sessions removed, with every
	// live session (sessions) and the delta since last iteration (changes). It
	// returns the ordered list of sessions that should be offered a chance to
	// schedule this iteration.
	NotifyPreSchedulingIteration(sessions []*SessionItem, changes ChangeSet) []*SessionItem

	// MaybeScheduleFrom is invited to dispatch operations out of item's
	// bgQueue, via dispatch. It returns how many operations it dispatched and
	// whether the loop should continue on to the next candidate (false stops
	// the iteration early, e.g. once the worker pool reports full).
	MaybeScheduleFrom(item *SessionItem, dispatch func(*OperationItem) error) (scheduled int, shouldContinue bool)

	// InsufficientMemory reports whether the policy believes device is
	// currently memory-constrained, consulted only when an iteration made no
	// progress.
	InsufficientMemory(device resource.Device) bool

	// NotifyStagingOutcome is called by the scheduler loop every time a
	// dispatched operation's ResourceContext staging either failed (a
	// MemFailure callback) or an allocation against it succeeded (a Done
	// callback), so the policy can track which devices are currently
	// memory-constrained without polling the ResourceMonitor itself.
	NotifyStagingOutcome(device resource.Device, succeeded bool)
}

// FCFSPolicy is the default SchedulerPolicy: first-come-first-served across
// sessions in the order the engine saw them, and within a session strictly
// FIFO, stopping the iteration only when dispatch reports the worker pool
// full or the head operation's resource context unstaged. No reordering
// beyond straight bgQueue iteration.
type FCFSPolicy struct {
	constrained *hashmap.SyncMap[resource.Device, bool]
}

// NewFCFSPolicy creates the default first-come-first-served policy.
func NewFCFSPolicy() *FCFSPolicy {
	return &FCFSPolicy{constrained: hashmap.NewSyncMap[resource.Device, bool]()}
}

func (p *FCFSPolicy) Name() string {
	return "fcfs"
}

func (p *FCFSPolicy) NotifyPreSchedulingIteration(sessions []*SessionItem, _ ChangeSet) []*SessionItem {
	candidates := make([]*SessionItem, 0, len(sessions))
	for _, s := range sessions {
		if s.ForceEvicted() {
			continue
		}
		candidates = append(candidates, s)
	}
	return candidates
}

func (p *FCFSPolicy) MaybeScheduleFrom(item *SessionItem, dispatch func(*OperationItem) error) (int, bool) {
	scheduled := 0
	for {
		opItem, ok := item.BgQueue().Peek()
		if !ok {
			return scheduled, true
		}

		if err := dispatch(opItem); err != nil {
			if err == ErrPoolFull || err == ErrResourceContextNotStaged {
				return scheduled, false
			}
			// Any other dispatch error is treated as the op being resolved;
			// drop it and keep going. An op whose session vanished comes
			// back as nil and is dropped the same way.
		}

		_, _ = item.BgQueue().Dequeue()
		scheduled++
	}
}

func (p *FCFSPolicy) InsufficientMemory(device resource.Device) bool {
	constrained, _ := p.constrained.Load(device)
	return constrained
}

func (p *FCFSPolicy) NotifyStagingOutcome(device resource.Device, succeeded bool) {
	p.constrained.Store(device, !succeeded)
}

// policyRegistry maps a policy name to a constructor, mirroring
// common/scheduling/scheduler/policy.go's GetSchedulingPolicy switch,
// reworked into a registration table so new policies don't require editing
// this package.
var (
	policyRegistryMu sync.Mutex
	policyRegistry   = map[string]func() SchedulerPolicy{
		"fcfs": func() SchedulerPolicy { return NewFCFSPolicy() },
	}
)

// RegisterPolicy makes a SchedulerPolicy constructor available to NewEngine
// by name.
func RegisterPolicy(name string, ctor func() SchedulerPolicy) {
	policyRegistryMu.Lock()
	defer policyRegistryMu.Unlock()
	policyRegistry[name] = ctor
}

// GetPolicy constructs the named SchedulerPolicy, or returns ErrNoPolicy.
func GetPolicy(name string) (SchedulerPolicy, error) {
	policyRegistryMu.Lock()
	defer policyRegistryMu.Unlock()

	ctor, ok := policyRegistry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoPolicy, name)
	}
	return ctor(), nil
}

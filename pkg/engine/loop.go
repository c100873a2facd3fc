package engine

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"

	"github.com/aetf/execengine/pkg/resource"
)

// DevicePair names a source/destination device to try paging between, e.g.
// {GPU0, CPU0}. SchedulerLoop tries each configured pair, in order, whenever
// an iteration makes no progress.
type DevicePair struct {
	Src resource.Device
	Dst resource.Device
}

const (
	// initialBackoff is the first sleep SchedulerLoop takes after an idle
	// iteration, and what it resets to after any iteration that dispatches
	// at least one operation.
	initialBackoff = 10 * time.Millisecond

	// boredBackoff is the sleep duration at which the loop gives up polling
	// and blocks on workNotifier instead, since by then a new iteration is
	// very unlikely to find anything new on its own.
	boredBackoff = 20 * time.Millisecond

	// maxBackoff caps the doubling below boredBackoff; never reached in
	// practice since boredBackoff is lower, kept as a guard if those
	// constants are ever retuned independently.
	maxBackoff = 200 * time.Millisecond
)

// SchedulerLoop is the engine's single scheduling goroutine: it drains newly
// admitted and deleted sessions, splices each session's front queue onto its
// background queue, asks a SchedulerPolicy which sessions get a turn, and
// dispatches their queued operations onto a WorkerPool. When an iteration
// makes no progress, it asks PagingController to free memory before backing
// off.
type SchedulerLoop struct {
	log logger.Logger

	policy  SchedulerPolicy
	pool    *WorkerPool
	paging  *PagingController
	notify  *workNotifier
	devices []DevicePair

	// onSessionRemoved, if set, is called once a deleted session has been
	// spliced out of the live list and had its queues drained and canceled.
	// Engine wires this to release the session's tracker offer.
	onSessionRemoved func(*SessionItem)

	mu             sync.Mutex
	pendingNew     []*SessionItem
	pendingDeleted []*SessionItem

	// sessions is owned exclusively by the loop goroutine once Start has
	// run; nothing outside this file may read or write it.
	sessions []*SessionItem

	runningTasks         atomic.Int64
	noPagingRunningTasks atomic.Int64

	// sessionsView is a read-only snapshot of sessions published after every
	// splice, so callers like Engine.Summary can read it without racing the
	// loop goroutine's in-place mutations of sessions itself.
	sessionsView atomic.Pointer[[]*SessionItem]

	sleepFor time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewSchedulerLoop creates a SchedulerLoop. devices lists the src/dst device
// pairs PagingController is allowed to page between, tried in order.
func NewSchedulerLoop(policy SchedulerPolicy, pool *WorkerPool, monitor *resource.Monitor, devices []DevicePair) *SchedulerLoop {
	l := &SchedulerLoop{
		policy:   policy,
		pool:     pool,
		paging:   NewPagingController(monitor),
		notify:   newWorkNotifier(),
		devices:  devices,
		sleepFor: initialBackoff,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	config.InitLogger(&l.log, l)
	return l
}

// SetOnSessionRemoved installs the callback run once a deleted session has
// been spliced out of the loop's live list. Must be called before Start.
func (l *SchedulerLoop) SetOnSessionRemoved(fn func(*SessionItem)) {
	l.onSessionRemoved = fn
}

// AddSession queues session to be spliced into the live list on the next
// iteration and wakes the loop if it is idle.
func (l *SchedulerLoop) AddSession(session *SessionItem) {
	l.mu.Lock()
	l.pendingNew = append(l.pendingNew, session)
	l.mu.Unlock()
	l.notify.Notify()
}

// RemoveSession queues session for removal on the next iteration and wakes
// the loop if it is idle.
func (l *SchedulerLoop) RemoveSession(session *SessionItem) {
	l.mu.Lock()
	l.pendingDeleted = append(l.pendingDeleted, session)
	l.mu.Unlock()
	l.notify.Notify()
}

// NotifyWork wakes the loop without adding or removing a session, used when
// an operation is enqueued against a session the loop already knows about.
func (l *SchedulerLoop) NotifyWork() {
	l.notify.Notify()
}

// Start runs the scheduling loop on a new goroutine.
func (l *SchedulerLoop) Start() {
	go l.run()
}

// Stop signals the loop to exit after its current iteration and blocks until
// it has.
func (l *SchedulerLoop) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopCh)
		l.notify.Notify()
	})
	<-l.doneCh
}

func (l *SchedulerLoop) run() {
	defer close(l.doneCh)
	for {
		select {
		case <-l.stopCh:
			return
		default:
		}
		l.iterate()
	}
}

func (l *SchedulerLoop) iterate() {
	added, deleted := l.drainPending()

	for _, s := range deleted {
		l.removeSession(s)
	}
	l.sessions = append(l.sessions, added...)
	l.publishSessions()

	// A session's OOM failures are only retried when it isn't the sole live
	// session: a lone session that can't fit cannot be rescued by paging.
	protect := len(l.sessions) > 1
	for _, s := range l.sessions {
		s.DrainFrontQueue()
		s.SetProtectOOM(protect)

		// A force-evicted session never gets another turn; drain and cancel
		// its queue here, over every live session, rather than relying on
		// the policy's candidate list to still include it.
		if s.ForceEvicted() {
			l.cancelQueue(s)
		}
	}

	candidates := l.policy.NotifyPreSchedulingIteration(l.sessions, ChangeSet{Added: added, Deleted: deleted})

	scheduled := 0
	poolFull := false
	for _, s := range candidates {
		n, cont := l.policy.MaybeScheduleFrom(s, l.dispatch)
		s.SetLastScheduled(n)
		scheduled += n

		if !cont {
			poolFull = true
			break
		}
	}

	if scheduled > 0 || poolFull {
		l.resetBackoff()
		return
	}

	if l.noPagingRunningTasks.Load() > 0 {
		// Operations are already in flight; they may free the memory an OOM
		// retry is waiting on, so don't escalate to paging yet.
		time.Sleep(initialBackoff)
		return
	}

	if l.tryPage() {
		l.resetBackoff()
		return
	}

	l.wait()
}

func (l *SchedulerLoop) tryPage() bool {
	for _, pair := range l.devices {
		if !l.policy.InsufficientMemory(pair.Src) {
			continue
		}
		if l.paging.Page(l.sessions, pair.Src, pair.Dst) {
			return true
		}
	}
	return false
}

func (l *SchedulerLoop) wait() {
	if l.sleepFor >= boredBackoff {
		l.notify.Wait()
		l.sleepFor = initialBackoff
		return
	}

	time.Sleep(l.sleepFor)
	l.sleepFor *= 2
	if l.sleepFor > maxBackoff {
		l.sleepFor = maxBackoff
	}
}

func (l *SchedulerLoop) resetBackoff() {
	l.sleepFor = initialBackoff
}

// Sessions returns a snapshot of the sessions the loop knew about as of its
// most recently completed splice. Safe to call from any goroutine.
func (l *SchedulerLoop) Sessions() []*SessionItem {
	p := l.sessionsView.Load()
	if p == nil {
		return nil
	}
	return *p
}

func (l *SchedulerLoop) publishSessions() {
	snapshot := make([]*SessionItem, len(l.sessions))
	copy(snapshot, l.sessions)
	l.sessionsView.Store(&snapshot)
}

func (l *SchedulerLoop) drainPending() (added, deleted []*SessionItem) {
	l.mu.Lock()
	defer l.mu.Unlock()

	added, l.pendingNew = l.pendingNew, nil
	deleted, l.pendingDeleted = l.pendingDeleted, nil
	return added, deleted
}

func (l *SchedulerLoop) removeSession(session *SessionItem) {
	idx := -1
	for i, s := range l.sessions {
		if s == session {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	l.sessions = append(l.sessions[:idx], l.sessions[idx+1:]...)

	session.DrainFrontQueue()
	l.cancelQueue(session)
	session.MarkDeleted()

	if l.onSessionRemoved != nil {
		l.onSessionRemoved(session)
	}
	session.NotifyRemoved()
}

func (l *SchedulerLoop) cancelQueue(session *SessionItem) {
	for {
		opItem, ok := session.BgQueue().Dequeue()
		if !ok {
			return
		}
		opItem.Op.Cancel()
	}
}

func (l *SchedulerLoop) dispatch(opItem *OperationItem) error {
	session, ok := opItem.Session()
	if !ok {
		// Session vanished while this operation was still queued; drop it
		// silently rather than erroring the policy loop.
		return nil
	}

	task := opItem.Op

	if rctx := task.ResourceContext(); rctx != nil && !rctx.IsGood() {
		l.log.Error("Operation %s has no staged resource context; returning unscheduled", task.String())
		return ErrResourceContextNotStaged
	}

	l.runningTasks.Add(1)
	if !task.IsAsync() {
		l.noPagingRunningTasks.Add(1)
	}

	err := l.pool.TryRun(func() {
		task.Run(Callbacks{
			Done: func() {
				if rctx := task.ResourceContext(); rctx != nil {
					l.policy.NotifyStagingOutcome(rctx.Device(), true)
				}
				l.taskStopped(task)
				session.IncrementExecutedOp()
				l.notify.Notify()
			},
			MemFailure: func() bool {
				if rctx := task.ResourceContext(); rctx != nil {
					l.policy.NotifyStagingOutcome(rctx.Device(), false)
				}
				l.taskStopped(task)

				// Re-resolve the weak reference rather than reusing the
				// session pointer from dispatch time: an async task's
				// MemFailure can fire long after the session was deleted and
				// spliced out of l.sessions, in which case OOM must propagate
				// to the caller instead of re-queuing onto a session the loop
				// will never iterate again.
				liveSession, ok := opItem.Session()
				if !ok {
					l.notify.Notify()
					return false
				}

				retry := liveSession.ProtectOOM()
				if retry {
					liveSession.Enqueue(opItem)
				}
				l.notify.Notify()
				return retry
			},
			Error: func(err error) {
				l.taskStopped(task)
				l.log.Error("Operation %s failed: %v", task.String(), err)
				l.notify.Notify()
			},
		})
	})
	if err != nil {
		l.taskStopped(task)
		return err
	}

	return nil
}

func (l *SchedulerLoop) taskStopped(task OperationTask) {
	l.runningTasks.Add(-1)
	if !task.IsAsync() {
		l.noPagingRunningTasks.Add(-1)
	}
}

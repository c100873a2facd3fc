package engine

import (
	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/google/uuid"

	"github.com/aetf/execengine/pkg/resource"
)

// Engine is the top-level entry point: it owns the ResourceMonitor, the
// session admission Tracker and the SchedulerLoop, and is the only object a
// host application needs to construct. The Tracker/Monitor/SchedulerLoop
// split keeps pkg/resource free of any engine-level import.
type Engine struct {
	log logger.Logger

	monitor *resource.Monitor
	tracker *Tracker
	pool    *WorkerPool
	loop    *SchedulerLoop
}

// NewEngine constructs an Engine from opts but does not start its scheduler
// loop; call Start to begin dispatching.
func NewEngine(opts Options) (*Engine, error) {
	policyName := opts.Policy
	if policyName == "" {
		policyName = "fcfs"
	}
	policy, err := GetPolicy(policyName)
	if err != nil {
		return nil, err
	}

	monitor := resource.NewMonitor(opts.Name)
	if err := monitor.InitializeLimits(opts.Limits); err != nil {
		return nil, err
	}

	e := &Engine{
		monitor: monitor,
		tracker: NewTracker(opts.Capacity),
		pool:    NewWorkerPool(opts.WorkerPoolSize),
	}
	config.InitLogger(&e.log, opts.Name)

	e.loop = NewSchedulerLoop(policy, e.pool, monitor, opts.PagingDevices)
	e.loop.SetOnSessionRemoved(func(session *SessionItem) {
		e.tracker.FreeByHandle(session.Handle)
	})

	return e, nil
}

// Start begins the engine's scheduler loop.
func (e *Engine) Start() {
	e.loop.Start()
}

// Stop signals the scheduler loop to exit and blocks until it has. Operations
// already running on the worker pool are not canceled; callers that need a
// hard deadline should race this against their own context.
func (e *Engine) Stop() {
	e.loop.Stop()
}

// CreateSessionOffer runs admission control against predicted, the caller's
// best estimate of the session's total resource usage. It returns an OfferID
// to be redeemed with AcceptOffer, or ErrSessionRejected if admitting this
// session could not be done safely alongside every other admitted session.
func (e *Engine) CreateSessionOffer(predicted resource.Map) (OfferID, error) {
	offer, ok := e.tracker.Admit(predicted)
	if !ok {
		return OfferID{}, ErrSessionRejected
	}
	return offer, nil
}

// OfferedSessionResource returns the predicted usage an outstanding or
// accepted offer reserved.
func (e *Engine) OfferedSessionResource(offer OfferID) (resource.Map, bool) {
	return e.tracker.Usage(offer)
}

// AcceptOffer redeems offer, creating a live session and admitting it into
// the scheduler loop. handle names the session for logging and lookup; if
// empty, a UUID is minted in its place. The returned ExecutionContext is the
// caller's handle onto that session for the rest of its lifetime.
func (e *Engine) AcceptOffer(offer OfferID, handle string) (*ExecutionContext, error) {
	if handle == "" {
		handle = uuid.NewString()
	}
	if !e.tracker.AcceptAdmission(offer, handle) {
		return nil, ErrSessionRejected
	}

	session := NewSessionItem()
	session.MarkLive(handle)
	e.loop.AddSession(session)

	return &ExecutionContext{engine: e, session: session}, nil
}

// Monitor returns the engine's ResourceMonitor, for components (e.g. a
// transport layer reporting device stats) that need read access to it
// without going through a session.
func (e *Engine) Monitor() *resource.Monitor {
	return e.monitor
}

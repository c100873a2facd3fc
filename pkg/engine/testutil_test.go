package engine_test

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/aetf/execengine/pkg/engine"
	"github.com/aetf/execengine/pkg/resource"
)

// fakeOp is a minimal engine.OperationTask test double: Run commits its
// ResourceContext's staged reservation (or reports the configured outcome)
// and records what happened so tests can assert on it without a real worker
// doing real work.
type fakeOp struct {
	name    string
	rctx    *resource.Context
	kind    resource.Kind
	amount  decimal.Decimal
	async   bool
	failMem bool
	failErr error

	// failRemaining, if > 0, makes Run report a memory failure instead of
	// allocating, decrementing by one each call until it reaches zero.
	failRemaining int

	// block, if non-nil, is received from before Run attempts anything, so a
	// test can hold a dispatched op in place to control worker-pool
	// occupancy.
	block <-chan struct{}

	// onDone, if non-nil, is called right after cbs.Done() fires.
	onDone func()

	mu        sync.Mutex
	ran       bool
	canceled  bool
	cancels   int
	done      bool
	memFailed bool
	erred     bool
}

func newFakeOp(name string, rctx *resource.Context, amount decimal.Decimal) *fakeOp {
	return &fakeOp{name: name, rctx: rctx, kind: resource.Memory, amount: amount}
}

func (f *fakeOp) ResourceContext() *resource.Context {
	return f.rctx
}

func (f *fakeOp) Run(cbs engine.Callbacks) {
	f.mu.Lock()
	f.ran = true
	f.mu.Unlock()

	if f.block != nil {
		<-f.block
	}

	if f.failErr != nil {
		cbs.Error(f.failErr)
		f.mu.Lock()
		f.erred = true
		f.mu.Unlock()
		return
	}

	if f.failMem {
		retried := cbs.MemFailure()
		f.mu.Lock()
		f.memFailed = true
		f.mu.Unlock()
		_ = retried
		return
	}

	f.mu.Lock()
	retry := f.failRemaining > 0
	if retry {
		f.failRemaining--
	}
	f.mu.Unlock()
	if retry {
		cbs.MemFailure()
		f.mu.Lock()
		f.memFailed = true
		f.mu.Unlock()
		return
	}

	scope := f.rctx.AllocN(f.kind, f.amount)
	if !scope.Valid() {
		cbs.MemFailure()
		f.mu.Lock()
		f.memFailed = true
		f.mu.Unlock()
		return
	}
	scope.Commit()

	cbs.Done()
	f.mu.Lock()
	f.done = true
	f.mu.Unlock()

	if f.onDone != nil {
		f.onDone()
	}
}

func (f *fakeOp) Cancel() {
	f.mu.Lock()
	f.canceled = true
	f.cancels++
	f.mu.Unlock()
}

func (f *fakeOp) IsAsync() bool {
	return f.async
}

func (f *fakeOp) String() string {
	return f.name
}

func (f *fakeOp) wasRun() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ran
}

func (f *fakeOp) wasCanceled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.canceled
}

func (f *fakeOp) cancelCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancels
}

func (f *fakeOp) wasDone() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.done
}

func (f *fakeOp) wasMemFailed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.memFailed
}

package main

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aetf/execengine/pkg/engine"
	"github.com/aetf/execengine/pkg/resource"
)

// trainingStep is a toy OperationTask: it commits n bytes of memory on its
// ResourceContext's device, sleeps for work to stand in for actual compute,
// then releases the allocation.
type trainingStep struct {
	rctx *resource.Context
	n    decimal.Decimal
	work time.Duration
	name string
}

func (t *trainingStep) ResourceContext() *resource.Context {
	return t.rctx
}

func (t *trainingStep) Run(cbs engine.Callbacks) {
	scope := t.rctx.Alloc(resource.Memory)
	if !scope.Valid() {
		if cbs.MemFailure() {
			return
		}
		fmt.Printf("%s: insufficient memory and OOM protection is off\n", t.name)
		return
	}

	time.Sleep(t.work)

	scope.Commit()
	t.rctx.Dealloc(resource.Memory, t.n)
	cbs.Done()
}

func (t *trainingStep) Cancel() {
	fmt.Printf("canceled: %s\n", t.name)
}

func (t *trainingStep) IsAsync() bool {
	return false
}

func (t *trainingStep) String() string {
	return t.name
}

func newSession(eng *engine.Engine, name string, predicted resource.Map) (*engine.ExecutionContext, error) {
	offer, err := eng.CreateSessionOffer(predicted)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	ctx, err := eng.AcceptOffer(offer, name)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	ctx.RegisterPagingCallbacks(engine.PagingCallbacks{
		// Volunteer commits the CPU-side reservation PagingController already
		// staged onto rctx, then frees the same amount of GPU-side memory held
		// by ticket. It does not re-credit the session's GPU usage counter;
		// a real implementation would also move the underlying tensor data.
		Volunteer: func(ticket resource.Ticket, rctx *resource.Context) int64 {
			staged := eng.Monitor().QueryStaging(rctx.Ticket())
			amount := staged.Get(resource.Key{Kind: resource.Memory, Device: rctx.Device()})
			if amount.IsZero() {
				return 0
			}

			scope := rctx.AllocN(resource.Memory, amount)
			if !scope.Valid() {
				return 0
			}
			scope.Commit()

			eng.Monitor().Free(ticket, resource.Map{{Kind: resource.Memory, Device: resource.GPU0}: amount})

			fmt.Printf("%s: paged %s bytes from GPU0 to %s\n", name, amount.String(), rctx.Device())
			return amount.IntPart()
		},
		ForceEvicted: func() {
			fmt.Printf("%s: force-evicted\n", name)
		},
	})

	return ctx, nil
}

func main() {
	opts := engine.DefaultOptions()
	opts.Limits = resource.LimitsOptions{
		StaticLimits: resource.NewMap(map[resource.Key]int64{
			{Kind: resource.Memory, Device: resource.GPU0}: 8 << 30,
			{Kind: resource.Memory, Device: resource.CPU0}: 64 << 30,
		}),
	}
	opts.Capacity = resource.NewMap(map[resource.Key]int64{
		{Kind: resource.Memory, Device: resource.GPU0}: 8 << 30,
	})

	eng, err := engine.NewEngine(opts)
	if err != nil {
		fmt.Printf("failed to build engine: %v\n", err)
		return
	}
	eng.Start()
	defer eng.Stop()

	alice, err := newSession(eng, "alice", resource.NewMap(map[resource.Key]int64{
		{Kind: resource.Memory, Device: resource.GPU0}: 5 << 30,
	}))
	if err != nil {
		fmt.Printf("alice: %v\n", err)
		return
	}

	bob, err := newSession(eng, "bob", resource.NewMap(map[resource.Key]int64{
		{Kind: resource.Memory, Device: resource.GPU0}: 3 << 30,
	}))
	if err != nil {
		fmt.Printf("bob: %v\n", err)
		return
	}

	for i := 0; i < 5; i++ {
		rctx := alice.MakeResourceContext()
		ok, _ := rctx.InitializeStaging(resource.GPU0, resource.Map{
			{Kind: resource.Memory, Device: resource.GPU0}: decimal.New(1<<30, 0),
		})
		if !ok {
			fmt.Println("alice: admission staging failed")
			continue
		}
		_ = alice.EnqueueOperation(&trainingStep{
			rctx: rctx,
			n:    decimal.New(1<<30, 0),
			work: 50 * time.Millisecond,
			name: fmt.Sprintf("alice-step-%d", i),
		})
	}

	for i := 0; i < 3; i++ {
		rctx := bob.MakeResourceContext()
		ok, _ := rctx.InitializeStaging(resource.GPU0, resource.Map{
			{Kind: resource.Memory, Device: resource.GPU0}: decimal.New(1<<30, 0),
		})
		if !ok {
			fmt.Println("bob: admission staging failed")
			continue
		}
		_ = bob.EnqueueOperation(&trainingStep{
			rctx: rctx,
			n:    decimal.New(1<<30, 0),
			work: 50 * time.Millisecond,
			name: fmt.Sprintf("bob-step-%d", i),
		})
	}

	for i := 0; i < 4; i++ {
		time.Sleep(200 * time.Millisecond)
		fmt.Print(eng.Summary())
	}

	alice.Delete(func() { fmt.Println("alice: session removed") })
	bob.Delete(func() { fmt.Println("bob: session removed") })
}

package engine_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	"github.com/aetf/execengine/pkg/engine"
	"github.com/aetf/execengine/pkg/resource"
)

// sessionWithCommittedTicket admits and commits amount of Memory@GPU0 against
// session, returning the ticket that now holds it.
func sessionWithCommittedTicket(monitor *resource.Monitor, session *engine.SessionItem, amount int64) resource.Ticket {
	ctx := resource.NewContext(session, monitor)
	ok, _ := ctx.InitializeStaging(resource.GPU0, resource.NewMap(map[resource.Key]int64{memGPU0: amount}))
	Expect(ok).To(BeTrue())
	scope := ctx.Alloc(resource.Memory)
	Expect(scope.Valid()).To(BeTrue())
	scope.Commit()
	return ctx.Ticket()
}

var _ = Describe("PagingController", func() {
	It("Preserves the largest consumer and succeeds once a smaller session volunteers", func() {
		monitor := resource.NewMonitor("")
		Expect(monitor.InitializeLimits(resource.LimitsOptions{
			StaticLimits: resource.NewMap(map[resource.Key]int64{memGPU0: 100, memCPU0: 1000}),
		})).To(BeNil())

		largest := engine.NewSessionItem()
		largest.MarkLive("largest")
		sessionWithCommittedTicket(monitor, largest, 70)
		largest.SetPagingCallbacks(engine.PagingCallbacks{
			Volunteer:    func(resource.Ticket, *resource.Context) int64 { panic("largest consumer must never be asked to page") },
			ForceEvicted: func() {},
		})

		smaller := engine.NewSessionItem()
		smaller.MarkLive("smaller")
		ticket := sessionWithCommittedTicket(monitor, smaller, 20)
		volunteered := false
		smaller.SetPagingCallbacks(engine.PagingCallbacks{
			Volunteer: func(t resource.Ticket, rctx *resource.Context) int64 {
				Expect(t).To(Equal(ticket))
				scope := rctx.AllocN(resource.Memory, decimal.New(20, 0))
				Expect(scope.Valid()).To(BeTrue())
				scope.Commit()
				volunteered = true
				return 20
			},
			ForceEvicted: func() { Fail("smaller session should have volunteered, not been evicted") },
		})

		paging := engine.NewPagingController(monitor)
		ok := paging.Page([]*engine.SessionItem{largest, smaller}, resource.GPU0, resource.CPU0)

		Expect(ok).To(BeTrue())
		Expect(volunteered).To(BeTrue())
		Expect(smaller.ForceEvicted()).To(BeFalse())
	})

	It("Force-evicts a session once every volunteer has declined", func() {
		monitor := resource.NewMonitor("")
		Expect(monitor.InitializeLimits(resource.LimitsOptions{
			StaticLimits: resource.NewMap(map[resource.Key]int64{memGPU0: 100, memCPU0: 1000}),
		})).To(BeNil())

		largest := engine.NewSessionItem()
		largest.MarkLive("largest")
		sessionWithCommittedTicket(monitor, largest, 70)
		largest.SetPagingCallbacks(engine.PagingCallbacks{
			Volunteer:    func(resource.Ticket, *resource.Context) int64 { panic("largest consumer must never be asked to page") },
			ForceEvicted: func() {},
		})

		smaller := engine.NewSessionItem()
		smaller.MarkLive("smaller")
		sessionWithCommittedTicket(monitor, smaller, 20)
		evicted := false
		smaller.SetPagingCallbacks(engine.PagingCallbacks{
			Volunteer:    func(resource.Ticket, *resource.Context) int64 { return 0 },
			ForceEvicted: func() { evicted = true },
		})

		paging := engine.NewPagingController(monitor)
		ok := paging.Page([]*engine.SessionItem{largest, smaller}, resource.GPU0, resource.CPU0)

		Expect(ok).To(BeTrue())
		Expect(evicted).To(BeTrue())
		Expect(smaller.ForceEvicted()).To(BeTrue())
		Expect(smaller.ProtectOOM()).To(BeFalse())
	})

	It("Aborts immediately, without force-evicting, when the destination device has no room", func() {
		monitor := resource.NewMonitor("")
		Expect(monitor.InitializeLimits(resource.LimitsOptions{
			StaticLimits: resource.NewMap(map[resource.Key]int64{memGPU0: 100, memCPU0: 5}),
		})).To(BeNil())

		largest := engine.NewSessionItem()
		largest.MarkLive("largest")
		sessionWithCommittedTicket(monitor, largest, 70)
		largest.SetPagingCallbacks(engine.PagingCallbacks{
			Volunteer:    func(resource.Ticket, *resource.Context) int64 { panic("largest consumer must never be asked to page") },
			ForceEvicted: func() {},
		})

		smaller := engine.NewSessionItem()
		smaller.MarkLive("smaller")
		sessionWithCommittedTicket(monitor, smaller, 20)
		smaller.SetPagingCallbacks(engine.PagingCallbacks{
			Volunteer:    func(resource.Ticket, *resource.Context) int64 { panic("must not be asked to volunteer once staging fails") },
			ForceEvicted: func() { Fail("must not force-evict once staging fails") },
		})

		paging := engine.NewPagingController(monitor)
		ok := paging.Page([]*engine.SessionItem{largest, smaller}, resource.GPU0, resource.CPU0)

		Expect(ok).To(BeFalse())
		Expect(smaller.ForceEvicted()).To(BeFalse())
	})

	It("Reports failure with only one session to consider", func() {
		monitor := resource.NewMonitor("")
		Expect(monitor.InitializeLimits(resource.LimitsOptions{
			StaticLimits: resource.NewMap(map[resource.Key]int64{memGPU0: 100}),
		})).To(BeNil())

		only := engine.NewSessionItem()
		only.MarkLive("only")

		paging := engine.NewPagingController(monitor)
		ok := paging.Page([]*engine.SessionItem{only}, resource.GPU0, resource.CPU0)
		Expect(ok).To(BeFalse())
	})
})

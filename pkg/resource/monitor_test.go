package resource_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	"github.com/aetf/execengine/pkg/resource"
)

var _ = Describe("Monitor Tests", func() {
	memGPU0 := resource.Key{Kind: resource.Memory, Device: resource.GPU0}

	newMonitor := func(limit int64) *resource.Monitor {
		m := resource.NewMonitor("")
		Expect(m.InitializeLimits(resource.LimitsOptions{
			StaticLimits: resource.NewMap(map[resource.Key]int64{memGPU0: limit}),
		})).To(BeNil())
		return m
	}

	It("Will report the full limit as free before any reservation", func() {
		m := newMonitor(100)
		Expect(m.Free().Get(memGPU0).Equal(decimal.New(100, 0))).To(BeTrue())
	})

	It("Will stage a reservation that fits within the free pool", func() {
		m := newMonitor(100)

		ticket, missing, ok := m.PreAllocate(resource.NewMap(map[resource.Key]int64{memGPU0: 40}))
		Expect(ok).To(BeTrue())
		Expect(missing.IsZero()).To(BeTrue())
		Expect(ticket).ToNot(Equal(resource.InvalidTicket))

		Expect(m.Free().Get(memGPU0).Equal(decimal.New(60, 0))).To(BeTrue())
		Expect(m.QueryStaging(ticket).Get(memGPU0).Equal(decimal.New(40, 0))).To(BeTrue())
	})

	It("Will reject a reservation that exceeds the free pool and stage nothing", func() {
		m := newMonitor(100)

		_, missing, ok := m.PreAllocate(resource.NewMap(map[resource.Key]int64{memGPU0: 40}))
		Expect(ok).To(BeTrue())

		_, missing, ok = m.PreAllocate(resource.NewMap(map[resource.Key]int64{memGPU0: 65}))
		Expect(ok).To(BeFalse())
		Expect(missing.Get(memGPU0).Equal(decimal.New(5, 0))).To(BeTrue())

		Expect(m.Free().Get(memGPU0).Equal(decimal.New(60, 0))).To(BeTrue())
	})

	It("Will issue strictly increasing tickets", func() {
		m := newMonitor(1000)

		t1, _, ok1 := m.PreAllocate(resource.NewMap(map[resource.Key]int64{memGPU0: 1}))
		t2, _, ok2 := m.PreAllocate(resource.NewMap(map[resource.Key]int64{memGPU0: 1}))
		Expect(ok1).To(BeTrue())
		Expect(ok2).To(BeTrue())
		Expect(t2).To(BeNumerically(">", t1))
	})

	It("Will move quantity from staging to committed on Allocate", func() {
		m := newMonitor(100)

		ticket, _, _ := m.PreAllocate(resource.NewMap(map[resource.Key]int64{memGPU0: 40}))
		ok := m.Allocate(ticket, resource.NewMap(map[resource.Key]int64{memGPU0: 30}))
		Expect(ok).To(BeTrue())

		Expect(m.QueryStaging(ticket).Get(memGPU0).Equal(decimal.New(10, 0))).To(BeTrue())
		// Free stays the same: the quantity moved from staging to committed, not back to the pool.
		Expect(m.Free().Get(memGPU0).Equal(decimal.New(60, 0))).To(BeTrue())
	})

	It("Will refuse to Allocate more than is currently staged", func() {
		m := newMonitor(100)

		ticket, _, _ := m.PreAllocate(resource.NewMap(map[resource.Key]int64{memGPU0: 40}))
		ok := m.Allocate(ticket, resource.NewMap(map[resource.Key]int64{memGPU0: 41}))
		Expect(ok).To(BeFalse())

		Expect(m.QueryStaging(ticket).Get(memGPU0).Equal(decimal.New(40, 0))).To(BeTrue())
	})

	It("Will return committed quantity to the free pool on Free", func() {
		m := newMonitor(100)

		ticket, _, _ := m.PreAllocate(resource.NewMap(map[resource.Key]int64{memGPU0: 40}))
		m.Allocate(ticket, resource.NewMap(map[resource.Key]int64{memGPU0: 40}))
		Expect(m.Free().Get(memGPU0).Equal(decimal.New(60, 0))).To(BeTrue())

		m.Free(ticket, resource.NewMap(map[resource.Key]int64{memGPU0: 40}))
		Expect(m.Free().Get(memGPU0).Equal(decimal.New(100, 0))).To(BeTrue())
	})

	It("Will release remaining staging and report no usage left once FreeStaging runs", func() {
		m := newMonitor(100)

		ticket, _, _ := m.PreAllocate(resource.NewMap(map[resource.Key]int64{memGPU0: 40}))
		Expect(m.HasUsage(ticket)).To(BeTrue())

		m.FreeStaging(ticket)
		Expect(m.HasUsage(ticket)).To(BeFalse())
		Expect(m.Free().Get(memGPU0).Equal(decimal.New(100, 0))).To(BeTrue())
	})

	It("Will never let committed plus staging plus free diverge from the configured limit", func() {
		m := newMonitor(100)

		t1, _, _ := m.PreAllocate(resource.NewMap(map[resource.Key]int64{memGPU0: 40}))
		m.Allocate(t1, resource.NewMap(map[resource.Key]int64{memGPU0: 25}))
		t2, _, ok := m.PreAllocate(resource.NewMap(map[resource.Key]int64{memGPU0: 20}))
		Expect(ok).To(BeTrue())

		usages := m.QueryUsages([]resource.Ticket{t1, t2})
		committed := usages.Get(memGPU0)
		free := m.Free().Get(memGPU0)

		Expect(committed.Add(free).Equal(decimal.New(100, 0))).To(BeTrue())
	})

	It("Will sort victims by descending memory usage", func() {
		m := newMonitor(1000)

		small, _, _ := m.PreAllocate(resource.NewMap(map[resource.Key]int64{memGPU0: 10}))
		m.Allocate(small, resource.NewMap(map[resource.Key]int64{memGPU0: 10}))

		large, _, _ := m.PreAllocate(resource.NewMap(map[resource.Key]int64{memGPU0: 90}))
		m.Allocate(large, resource.NewMap(map[resource.Key]int64{memGPU0: 90}))

		entries := m.SortVictim([]resource.Ticket{small, large})
		Expect(entries).To(HaveLen(2))
		Expect(entries[0].Ticket).To(Equal(large))
		Expect(entries[1].Ticket).To(Equal(small))
	})

	It("Will fall back to static limits when NVML discovery is not requested", func() {
		m := resource.NewMonitor("fallback-monitor")
		err := m.InitializeLimits(resource.LimitsOptions{
			UseNVML:      false,
			StaticLimits: resource.NewMap(map[resource.Key]int64{memGPU0: 8}),
		})
		Expect(err).To(BeNil())
		Expect(m.Limits().Get(memGPU0).Equal(decimal.New(8, 0))).To(BeTrue())
	})
})

package engine_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	"github.com/aetf/execengine/pkg/engine"
)

var _ = Describe("FCFSPolicy", func() {
	It("Dispatches every queued operation in order and reports no pool pressure", func() {
		policy := engine.NewFCFSPolicy()

		session := engine.NewSessionItem()
		session.MarkLive("session-a")

		opA := newFakeOp("a", nil, decimal.Zero)
		opB := newFakeOp("b", nil, decimal.Zero)
		session.Enqueue(engine.NewOperationItem(session, opA))
		session.Enqueue(engine.NewOperationItem(session, opB))
		session.DrainFrontQueue()

		var dispatched []string
		scheduled, cont := policy.MaybeScheduleFrom(session, func(item *engine.OperationItem) error {
			dispatched = append(dispatched, item.Op.String())
			return nil
		})

		Expect(scheduled).To(Equal(2))
		Expect(cont).To(BeTrue())
		Expect(dispatched).To(Equal([]string{"a", "b"}))
	})

	It("Stops early and leaves the operation queued when dispatch reports the pool is full", func() {
		policy := engine.NewFCFSPolicy()

		session := engine.NewSessionItem()
		session.MarkLive("session-b")

		opA := newFakeOp("a", nil, decimal.Zero)
		session.Enqueue(engine.NewOperationItem(session, opA))
		session.DrainFrontQueue()

		scheduled, cont := policy.MaybeScheduleFrom(session, func(item *engine.OperationItem) error {
			return engine.ErrPoolFull
		})

		Expect(scheduled).To(Equal(0))
		Expect(cont).To(BeFalse())

		_, ok := session.BgQueue().Peek()
		Expect(ok).To(BeTrue())
	})

	It("Filters out force-evicted sessions from its candidate list", func() {
		policy := engine.NewFCFSPolicy()

		live := engine.NewSessionItem()
		live.MarkLive("live")

		evicted := engine.NewSessionItem()
		evicted.MarkLive("evicted")
		evicted.SetForceEvicted(true)

		candidates := policy.NotifyPreSchedulingIteration([]*engine.SessionItem{live, evicted}, engine.ChangeSet{})
		Expect(candidates).To(Equal([]*engine.SessionItem{live}))
	})
})

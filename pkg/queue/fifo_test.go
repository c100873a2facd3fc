package queue_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/aetf/execengine/pkg/queue"
)

var _ = Describe("Fifo Tests", func() {
	It("Will create a new, empty queue correctly", func() {
		q := queue.NewFifo[string](1)
		Expect(q).ToNot(BeNil())
		Expect(q.Len()).To(Equal(0))

		val, ok := q.Dequeue()
		Expect(ok).To(BeFalse())
		Expect(val).To(Equal(""))
	})

	It("Will handle a single enqueue and dequeue operation correctly", func() {
		q := queue.NewFifo[string](1)

		q.Enqueue("element")
		Expect(q.Len()).To(Equal(1))

		val, ok := q.Peek()
		Expect(ok).To(BeTrue())
		Expect(val).To(Equal("element"))

		elem, ok := q.Dequeue()
		Expect(ok).To(BeTrue())
		Expect(elem).To(Equal("element"))
		Expect(q.Len()).To(Equal(0))
	})

	It("Will preserve order across a run of enqueues followed by a run of dequeues", func() {
		q := queue.NewFifo[int](1)

		for i := 0; i < 10; i++ {
			q.Enqueue(i)
			Expect(q.Len()).To(Equal(i + 1))
		}

		for i := 0; i < 10; i++ {
			val, ok := q.Dequeue()
			Expect(ok).To(BeTrue())
			Expect(val).To(Equal(i))
		}

		_, ok := q.Dequeue()
		Expect(ok).To(BeFalse())
	})

	It("Will drain its elements, in order, onto another queue", func() {
		front := queue.NewFifo[int](1)
		back := queue.NewFifo[int](1)

		back.Enqueue(4)
		back.Enqueue(5)

		front.Enqueue(1)
		front.Enqueue(2)
		front.Enqueue(3)

		front.DrainTo(back)
		Expect(front.Len()).To(Equal(0))
		Expect(back.Len()).To(Equal(5))

		for i := 4; i <= 5; i++ {
			val, ok := back.Dequeue()
			Expect(ok).To(BeTrue())
			Expect(val).To(Equal(i))
		}
		for i := 1; i <= 3; i++ {
			val, ok := back.Dequeue()
			Expect(ok).To(BeTrue())
			Expect(val).To(Equal(i))
		}
	})
})

package events

import (
	"context"
	"sync/atomic"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/scusemua/distributed-cluster/common/configuration"
	"github.com/scusemua/distributed-cluster/common/types"
)

// These specs drive deliver directly: it is the piece of the redis bus that
// does not need a live server, and the piece whose behavior the read loops
// depend on.
var _ = Describe("RedisBus delivery", func() {
	var (
		ctx context.Context
		bus *RedisBus
	)

	BeforeEach(func() {
		ctx = context.Background()
		bus = NewRedisBus(&configuration.CommonOptions{}, "test-group", "test-consumer", "test-source")
	})

	It("Will not let a blocked handler stall later deliveries", func() {
		release := make(chan struct{})
		var slowDone, fastDone int32

		bus.Consume(DoPrepare, func(context.Context, *ClusterEvent) {
			<-release
			atomic.AddInt32(&slowDone, 1)
		})
		bus.Consume(AgentHeartbeat, func(context.Context, *ClusterEvent) {
			atomic.AddInt32(&fastDone, 1)
		})

		bus.deliver(ctx, bus.consumeHandlers, NewDoPrepareEvent(), nil)
		bus.deliver(ctx, bus.consumeHandlers, NewAgentEvent(AgentHeartbeat, types.AgentId("agent-a"), ""), nil)

		By("handling the heartbeat while do_prepare is still blocked")
		Eventually(func() int32 {
			return atomic.LoadInt32(&fastDone)
		}, "2s", "10ms").Should(BeEquivalentTo(1))
		Expect(atomic.LoadInt32(&slowDone)).To(BeZero())

		close(release)
		Eventually(func() int32 {
			return atomic.LoadInt32(&slowDone)
		}, "2s", "10ms").Should(BeEquivalentTo(1))
	})

	It("Will run the completion hook after the handlers, panics included", func() {
		var order []string
		done := make(chan struct{})

		bus.Consume(DoSchedule, func(context.Context, *ClusterEvent) {
			order = append(order, "handler")
			panic("boom")
		})

		bus.deliver(ctx, bus.consumeHandlers, NewDoScheduleEvent(), func() {
			order = append(order, "done")
			close(done)
		})

		Eventually(done, "2s").Should(BeClosed())
		Expect(order).To(Equal([]string{"handler", "done"}))
	})

	It("Will complete deliveries with no registered handler", func() {
		done := make(chan struct{})
		bus.deliver(ctx, bus.consumeHandlers, NewDoIdleCheckEvent(), func() {
			close(done)
		})
		Eventually(done, "2s").Should(BeClosed())
	})
})

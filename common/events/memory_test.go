package events_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/scusemua/distributed-cluster/common/events"
	"github.com/scusemua/distributed-cluster/common/types"
)

var _ = Describe("MemoryBus", func() {
	var (
		ctx context.Context
		bus *events.MemoryBus
	)

	BeforeEach(func() {
		ctx = context.Background()
		bus = events.NewMemoryBus("test-source")
	})

	It("should deliver produced events to consume handlers only", func() {
		var consumed, subscribed []*events.ClusterEvent

		bus.Consume(events.DoSchedule, func(_ context.Context, event *events.ClusterEvent) {
			consumed = append(consumed, event)
		})
		bus.Subscribe(events.DoSchedule, func(_ context.Context, event *events.ClusterEvent) {
			subscribed = append(subscribed, event)
		})

		Expect(bus.Produce(ctx, events.NewDoScheduleEvent())).To(Succeed())

		Expect(consumed).To(HaveLen(1))
		Expect(subscribed).To(BeEmpty())
	})

	It("should deliver broadcast events to subscribe handlers only", func() {
		var consumed, subscribed []*events.ClusterEvent

		bus.Consume(events.SessionStarted, func(_ context.Context, event *events.ClusterEvent) {
			consumed = append(consumed, event)
		})
		bus.Subscribe(events.SessionStarted, func(_ context.Context, event *events.ClusterEvent) {
			subscribed = append(subscribed, event)
		})

		event := events.NewSessionEvent(events.SessionStarted, "sess-1", "creation-1", "")
		Expect(bus.Broadcast(ctx, event)).To(Succeed())

		Expect(subscribed).To(HaveLen(1))
		Expect(subscribed[0].SessionId).To(Equal(types.SessionId("sess-1")))
		Expect(subscribed[0].CreationId).To(Equal("creation-1"))
		Expect(consumed).To(BeEmpty())
	})

	It("should stamp the producer's source id", func() {
		var received *events.ClusterEvent
		bus.Subscribe(events.AgentStarted, func(_ context.Context, event *events.ClusterEvent) {
			received = event
		})

		Expect(bus.Broadcast(ctx, events.NewAgentEvent(events.AgentStarted, "agent-1", "joined"))).To(Succeed())

		Expect(received).ToNot(BeNil())
		Expect(received.SourceId).To(Equal("test-source"))
		Expect(received.AgentId).To(Equal(types.AgentId("agent-1")))
		Expect(received.Reason).To(Equal("joined"))
	})

	It("should run every handler registered for an event", func() {
		calls := 0
		for i := 0; i < 3; i++ {
			bus.Subscribe(events.KernelStarted, func(_ context.Context, _ *events.ClusterEvent) {
				calls++
			})
		}

		event := events.NewKernelEvent(events.KernelStarted, "kernel-1", "sess-1", "")
		Expect(bus.Broadcast(ctx, event)).To(Succeed())
		Expect(calls).To(Equal(3))
	})

	It("should survive a panicking handler and keep dispatching", func() {
		secondRan := false
		bus.Subscribe(events.AgentError, func(_ context.Context, _ *events.ClusterEvent) {
			panic("boom")
		})
		bus.Subscribe(events.AgentError, func(_ context.Context, _ *events.ClusterEvent) {
			secondRan = true
		})

		Expect(bus.Broadcast(ctx, events.NewAgentEvent(events.AgentError, "agent-1", "disk full"))).To(Succeed())
		Expect(secondRan).To(BeTrue())
	})

	It("should drop events after Close", func() {
		delivered := false
		bus.Consume(events.DoPrepare, func(_ context.Context, _ *events.ClusterEvent) {
			delivered = true
		})

		Expect(bus.Close()).To(Succeed())
		Expect(bus.Produce(ctx, events.NewDoPrepareEvent())).To(Succeed())
		Expect(delivered).To(BeFalse())
	})

	It("should ignore events nobody registered for", func() {
		Expect(bus.Produce(ctx, events.NewDoIdleCheckEvent())).To(Succeed())
	})

	It("should round-trip an agent heartbeat payload", func() {
		info := &types.AgentInfo{
			Id:           "agent-1",
			Addr:         "tcp://10.0.0.2:6011",
			Architecture: "x86_64",
			ScalingGroup: "default",
			AvailableSlots: types.MustResourceSlotFromJSON(map[string]string{
				"cpu": "8", "mem": "34359738368",
			}),
			ContainerCount: 2,
		}

		event, err := events.NewAgentHeartbeatEvent(info)
		Expect(err).ToNot(HaveOccurred())

		var received *events.ClusterEvent
		bus.Subscribe(events.AgentHeartbeat, func(_ context.Context, e *events.ClusterEvent) {
			received = e
		})
		Expect(bus.Broadcast(ctx, event)).To(Succeed())
		Expect(received).ToNot(BeNil())

		var decoded types.AgentInfo
		Expect(received.DecodePayload(&decoded)).To(Succeed())
		Expect(decoded.Id).To(Equal(types.AgentId("agent-1")))
		Expect(decoded.Architecture).To(Equal("x86_64"))
		Expect(decoded.AvailableSlots.Equal(info.AvailableSlots)).To(BeTrue())
		Expect(decoded.ContainerCount).To(Equal(2))
	})
})

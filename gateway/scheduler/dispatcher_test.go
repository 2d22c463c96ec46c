package scheduler_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/scusemua/distributed-cluster/common/configuration"
	"github.com/scusemua/distributed-cluster/common/events"
	"github.com/scusemua/distributed-cluster/common/types"
	"github.com/scusemua/distributed-cluster/gateway/domain"
	"github.com/scusemua/distributed-cluster/gateway/registry"
	"github.com/scusemua/distributed-cluster/gateway/scheduler"
)

func testAgentInfo(id string, cpu string) *types.AgentInfo {
	return &types.AgentInfo{
		Id:           types.AgentId(id),
		Addr:         "tcp://10.0.0.2:6011",
		Architecture: "x86_64",
		ScalingGroup: "default",
		AvailableSlots: types.MustResourceSlotFromJSON(map[string]string{
			"cpu": cpu, "mem": "68719476736",
		}),
		SlotTypes: map[types.SlotName]types.SlotTypes{
			"cpu": types.SlotTypeCount,
			"mem": types.SlotTypeBytes,
		},
	}
}

func testSpec(mutate func(*domain.SessionSpec)) *domain.SessionSpec {
	spec := &domain.SessionSpec{
		SessionType:  types.SessionTypeInteractive,
		ClusterMode:  types.MultiNode,
		ClusterSize:  1,
		ScalingGroup: "default",
		AccessKey:    "AK-1",
		Image:        types.ImageRef{Name: "python:3.12", Architecture: "x86_64"},
	}
	if mutate != nil {
		mutate(spec)
	}
	return spec
}

func testSession(id string, cpu string, mutate func(*domain.SessionSpec)) *registry.SessionRecord {
	spec := testSpec(mutate)

	kernelIds := make([]types.KernelId, 0, spec.ClusterSize)
	for i := 0; i < spec.ClusterSize; i++ {
		kernelIds = append(kernelIds, types.KernelId(string(rune('a'+i))+"-"+id))
	}

	requested := types.MustResourceSlotFromJSON(map[string]string{"cpu": cpu, "mem": "1073741824"})
	return registry.NewSessionRecord(types.SessionId(id), "creation-"+id, spec, requested, kernelIds)
}

var _ = Describe("Dispatcher", func() {
	var (
		ctx        context.Context
		bus        *events.MemoryBus
		shared     *configuration.SharedConfig
		liveness   *registry.MemoryLiveness
		agents     *registry.AgentRegistry
		sessions   *registry.SessionRegistry
		dispatcher *scheduler.Dispatcher

		scheduled []*events.ClusterEvent
		cancelled []*events.ClusterEvent
		prepares  int
	)

	BeforeEach(func() {
		ctx = context.Background()
		bus = events.NewMemoryBus("gateway-test")
		shared = configuration.NewSharedConfig(configuration.NewMemoryStore())
		liveness = registry.NewMemoryLiveness()
		sessions = registry.NewSessionRegistry()

		pool := registry.NewClientPool("gateway-test", &configuration.CommonOptions{})
		agents = registry.NewAgentRegistry("gateway-test", shared, liveness, bus, pool, time.Second)

		dispatcher = scheduler.NewDispatcher(shared, agents, sessions, liveness, bus)

		scheduled = nil
		cancelled = nil
		prepares = 0
		bus.Subscribe(events.SessionScheduled, func(_ context.Context, event *events.ClusterEvent) {
			scheduled = append(scheduled, event)
		})
		bus.Subscribe(events.SessionCancelled, func(_ context.Context, event *events.ClusterEvent) {
			cancelled = append(cancelled, event)
		})
		bus.Consume(events.DoPrepare, func(_ context.Context, _ *events.ClusterEvent) {
			prepares++
		})
	})

	AfterEach(func() {
		Expect(agents.Close()).To(Succeed())
	})

	It("should schedule a pending session onto an eligible agent", func() {
		Expect(agents.HandleHeartbeat(ctx, testAgentInfo("agent-1", "16"))).To(Succeed())

		session := testSession("sess-1", "2", nil)
		Expect(sessions.Add(session)).To(Succeed())

		dispatcher.Schedule(ctx)

		Expect(session.Status()).To(Equal(types.StatusScheduled))
		Expect(scheduled).To(HaveLen(1))
		Expect(scheduled[0].SessionId).To(Equal(types.SessionId("sess-1")))
		Expect(prepares).To(Equal(1))

		kernels := session.Kernels()
		Expect(kernels).To(HaveLen(1))
		Expect(kernels[0].AgentId).To(Equal(types.AgentId("agent-1")))
		Expect(kernels[0].Status).To(Equal(types.StatusScheduled))

		snapshot, err := agents.Snapshot("agent-1")
		Expect(err).ToNot(HaveOccurred())
		Expect(snapshot.Occupied.Get("cpu").String()).To(Equal("2"))

		Expect(sessions.PendingCount("default")).To(BeZero())
		Expect(session.Attempt()).To(BeNil())
	})

	It("should leave a session pending with insufficiency details when nothing fits", func() {
		Expect(agents.HandleHeartbeat(ctx, testAgentInfo("agent-1", "4"))).To(Succeed())

		session := testSession("sess-1", "8", nil)
		Expect(sessions.Add(session)).To(Succeed())

		dispatcher.Schedule(ctx)

		Expect(session.Status()).To(Equal(types.StatusPending))
		attempt := session.Attempt()
		Expect(attempt).ToNot(BeNil())
		Expect(attempt.Message).To(ContainSubstring("insufficient resources"))
		Expect(attempt.Message).To(ContainSubstring("cpu"))
		Expect(attempt.Retries).To(Equal(1))

		dispatcher.Schedule(ctx)
		Expect(session.Attempt().Retries).To(Equal(2))
	})

	It("should report the available architectures on an architecture mismatch", func() {
		Expect(agents.HandleHeartbeat(ctx, testAgentInfo("agent-1", "16"))).To(Succeed())

		session := testSession("sess-1", "2", func(spec *domain.SessionSpec) {
			spec.Image.Architecture = "aarch64"
		})
		Expect(sessions.Add(session)).To(Succeed())

		dispatcher.Schedule(ctx)

		Expect(session.Status()).To(Equal(types.StatusPending))
		Expect(session.Attempt().Message).To(ContainSubstring("aarch64"))
		Expect(session.Attempt().Message).To(ContainSubstring("x86_64"))
	})

	It("should record failed predicates without selecting agents", func() {
		Expect(agents.HandleHeartbeat(ctx, testAgentInfo("agent-1", "16"))).To(Succeed())

		policy := &domain.ResourcePolicy{MaxConcurrentSessions: 1}

		running := testSession("sess-0", "2", func(spec *domain.SessionSpec) { spec.Policy = policy })
		Expect(sessions.Add(running)).To(Succeed())
		running.Advance(types.StatusScheduled, "")

		session := testSession("sess-1", "2", func(spec *domain.SessionSpec) { spec.Policy = policy })
		Expect(sessions.Add(session)).To(Succeed())

		dispatcher.Schedule(ctx)

		Expect(session.Status()).To(Equal(types.StatusPending))
		attempt := session.Attempt()
		Expect(attempt).ToNot(BeNil())
		Expect(attempt.FailedPredicates).To(HaveLen(1))
		Expect(attempt.FailedPredicates[0].Name).To(Equal("concurrency"))
		Expect(attempt.PassedPredicates).To(ContainElement("dependencies"))
	})

	It("should hold a session back until its dependencies finished", func() {
		Expect(agents.HandleHeartbeat(ctx, testAgentInfo("agent-1", "16"))).To(Succeed())

		dependency := testSession("sess-dep", "2", nil)
		Expect(sessions.Add(dependency)).To(Succeed())

		session := testSession("sess-1", "2", func(spec *domain.SessionSpec) {
			spec.Dependencies = []types.SessionId{"sess-dep"}
		})
		Expect(sessions.Add(session)).To(Succeed())

		dispatcher.Schedule(ctx)
		Expect(session.Status()).To(Equal(types.StatusPending))

		for _, status := range []types.SessionStatus{
			types.StatusScheduled, types.StatusPreparing, types.StatusRunning,
			types.StatusTerminating, types.StatusTerminated,
		} {
			dependency.Advance(status, "")
		}

		dispatcher.Schedule(ctx)
		Expect(session.Status()).To(Equal(types.StatusScheduled))
	})

	It("should let small sessions pass a stuck head-of-line session", func() {
		groupConfig, err := shared.ScalingGroup(ctx, "default")
		Expect(err).ToNot(HaveOccurred())
		groupConfig.Opts.RetriesToSkip = 2
		Expect(shared.SetScalingGroup(ctx, groupConfig)).To(Succeed())

		Expect(agents.HandleHeartbeat(ctx, testAgentInfo("agent-1", "4"))).To(Succeed())

		big := testSession("sess-big", "32", nil)
		small := testSession("sess-small", "2", nil)
		Expect(sessions.Add(big)).To(Succeed())
		Expect(sessions.Add(small)).To(Succeed())

		// First two passes: the big session is tried first and fails; the
		// small one is tried after it within the same pass.
		dispatcher.Schedule(ctx)
		Expect(small.Status()).To(Equal(types.StatusScheduled))
		Expect(big.Status()).To(Equal(types.StatusPending))
		Expect(big.Retries()).To(Equal(1))
	})

	It("should cancel sessions that outlive the pending timeout", func() {
		groupConfig, err := shared.ScalingGroup(ctx, "default")
		Expect(err).ToNot(HaveOccurred())
		groupConfig.Opts.PendingTimeoutSec = 0.001
		Expect(shared.SetScalingGroup(ctx, groupConfig)).To(Succeed())

		Expect(agents.HandleHeartbeat(ctx, testAgentInfo("agent-1", "16"))).To(Succeed())

		session := testSession("sess-1", "2", nil)
		Expect(sessions.Add(session)).To(Succeed())

		time.Sleep(5 * time.Millisecond)
		dispatcher.Schedule(ctx)

		Expect(session.Status()).To(Equal(types.StatusCancelled))
		Expect(cancelled).To(HaveLen(1))
		Expect(cancelled[0].Reason).To(Equal("pending-timeout"))
		Expect(scheduled).To(BeEmpty())
	})

	It("should place every kernel of a single-node session on one agent", func() {
		// agent-1 covers one kernel but not two; agent-2 covers both.
		Expect(agents.HandleHeartbeat(ctx, testAgentInfo("agent-1", "3"))).To(Succeed())
		Expect(agents.HandleHeartbeat(ctx, testAgentInfo("agent-2", "8"))).To(Succeed())

		session := testSession("sess-1", "2", func(spec *domain.SessionSpec) {
			spec.ClusterMode = types.SingleNode
			spec.ClusterSize = 2
		})
		Expect(sessions.Add(session)).To(Succeed())

		dispatcher.Schedule(ctx)

		Expect(session.Status()).To(Equal(types.StatusScheduled))
		for _, kernel := range session.Kernels() {
			Expect(kernel.AgentId).To(Equal(types.AgentId("agent-2")))
		}

		snapshot, err := agents.Snapshot("agent-2")
		Expect(err).ToNot(HaveOccurred())
		Expect(snapshot.Occupied.Get("cpu").String()).To(Equal("4"))
	})

	It("should spread a multi-node session with the dispersed selector", func() {
		Expect(agents.HandleHeartbeat(ctx, testAgentInfo("agent-1", "4"))).To(Succeed())
		Expect(agents.HandleHeartbeat(ctx, testAgentInfo("agent-2", "4"))).To(Succeed())

		session := testSession("sess-1", "3", func(spec *domain.SessionSpec) {
			spec.ClusterSize = 2
		})
		Expect(sessions.Add(session)).To(Succeed())

		dispatcher.Schedule(ctx)

		Expect(session.Status()).To(Equal(types.StatusScheduled))
		placedOn := make(map[types.AgentId]int)
		for _, kernel := range session.Kernels() {
			placedOn[kernel.AgentId]++
		}
		// Each agent fits only one 3-cpu kernel, so the pass's own bookings
		// must push the second kernel to the other agent.
		Expect(placedOn).To(HaveLen(2))
	})

	It("should rotate agents with the round-robin selector", func() {
		groupConfig, err := shared.ScalingGroup(ctx, "default")
		Expect(err).ToNot(HaveOccurred())
		groupConfig.AgentSelector = "roundrobin"
		Expect(shared.SetScalingGroup(ctx, groupConfig)).To(Succeed())

		Expect(agents.HandleHeartbeat(ctx, testAgentInfo("agent-1", "16"))).To(Succeed())
		Expect(agents.HandleHeartbeat(ctx, testAgentInfo("agent-2", "16"))).To(Succeed())

		first := testSession("sess-1", "2", nil)
		second := testSession("sess-2", "2", nil)
		Expect(sessions.Add(first)).To(Succeed())
		Expect(sessions.Add(second)).To(Succeed())

		dispatcher.Schedule(ctx)

		Expect(first.Kernels()[0].AgentId).To(Equal(types.AgentId("agent-1")))
		Expect(second.Kernels()[0].AgentId).To(Equal(types.AgentId("agent-2")))

		index, found, err := shared.RoundRobinIndex(ctx, "default", "x86_64")
		Expect(err).ToNot(HaveOccurred())
		Expect(found).To(BeTrue())
		Expect(index).To(Equal(2))
	})

	It("should spread endpoint replicas with the concentrated selector", func() {
		groupConfig, err := shared.ScalingGroup(ctx, "default")
		Expect(err).ToNot(HaveOccurred())
		groupConfig.AgentSelector = "concentrated"
		Expect(shared.SetScalingGroup(ctx, groupConfig)).To(Succeed())

		Expect(agents.HandleHeartbeat(ctx, testAgentInfo("agent-1", "16"))).To(Succeed())
		Expect(agents.HandleHeartbeat(ctx, testAgentInfo("agent-2", "16"))).To(Succeed())

		endpoint := func(spec *domain.SessionSpec) {
			spec.SessionType = types.SessionTypeInference
			spec.EndpointId = "ep-1"
		}
		first := testSession("sess-1", "2", endpoint)
		second := testSession("sess-2", "2", endpoint)
		Expect(sessions.Add(first)).To(Succeed())
		Expect(sessions.Add(second)).To(Succeed())

		dispatcher.Schedule(ctx)

		Expect(first.Status()).To(Equal(types.StatusScheduled))
		Expect(second.Status()).To(Equal(types.StatusScheduled))
		Expect(first.Kernels()[0].AgentId).ToNot(Equal(second.Kernels()[0].AgentId))
	})

	It("should respect the per-agent container limit", func() {
		Expect(shared.Store().Put(ctx, "config/agent/max-container-count", "1")).To(Succeed())

		info := testAgentInfo("agent-1", "16")
		info.ContainerCount = 1
		Expect(agents.HandleHeartbeat(ctx, info)).To(Succeed())

		session := testSession("sess-1", "2", nil)
		Expect(sessions.Add(session)).To(Succeed())

		dispatcher.Schedule(ctx)

		Expect(session.Status()).To(Equal(types.StatusPending))
		Expect(session.Attempt().Message).To(ContainSubstring("container limit"))
	})

	It("should reject session types the scaling group does not allow", func() {
		groupConfig, err := shared.ScalingGroup(ctx, "default")
		Expect(err).ToNot(HaveOccurred())
		groupConfig.Opts.AllowedSessionTypes = []string{"batch"}
		Expect(shared.SetScalingGroup(ctx, groupConfig)).To(Succeed())

		Expect(agents.HandleHeartbeat(ctx, testAgentInfo("agent-1", "16"))).To(Succeed())

		session := testSession("sess-1", "2", nil)
		Expect(sessions.Add(session)).To(Succeed())

		dispatcher.Schedule(ctx)

		Expect(session.Status()).To(Equal(types.StatusPending))
		Expect(session.Attempt().FailedPredicates[0].Name).To(Equal("allowed_session_types"))
	})
})

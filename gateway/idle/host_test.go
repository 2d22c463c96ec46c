package idle_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/scusemua/distributed-cluster/common/events"
	"github.com/scusemua/distributed-cluster/common/types"
	"github.com/scusemua/distributed-cluster/gateway/domain"
	"github.com/scusemua/distributed-cluster/gateway/idle"
	"github.com/scusemua/distributed-cluster/gateway/registry"
)

func runningSession(id string, policy *domain.ResourcePolicy) *registry.SessionRecord {
	spec := &domain.SessionSpec{
		SessionType:  types.SessionTypeInteractive,
		ClusterMode:  types.MultiNode,
		ClusterSize:  1,
		ScalingGroup: "default",
		AccessKey:    "AK-1",
		Policy:       policy,
	}
	requested := types.MustResourceSlotFromJSON(map[string]string{"cpu": "2"})
	record := registry.NewSessionRecord(types.SessionId(id), "creation-"+id, spec, requested,
		[]types.KernelId{types.KernelId("k-" + id)})

	record.Advance(types.StatusScheduled, "")
	record.Advance(types.StatusPreparing, "")
	record.Advance(types.StatusRunning, "")
	return record
}

func gatewayOptions(checkers string) *domain.ClusterGatewayOptions {
	opts := &domain.ClusterGatewayOptions{}
	opts.Idle.Checkers = checkers
	Expect(opts.Validate()).To(Succeed())
	return opts
}

var _ = Describe("IdleCheckerHost", func() {
	var (
		ctx      context.Context
		bus      *events.MemoryBus
		sessions *registry.SessionRegistry
		liveness *registry.MemoryLiveness
		stats    *idle.MemoryStatSource

		terminations []*events.ClusterEvent
	)

	BeforeEach(func() {
		ctx = context.Background()
		bus = events.NewMemoryBus("gateway-test")
		sessions = registry.NewSessionRegistry()
		liveness = registry.NewMemoryLiveness()
		stats = idle.NewMemoryStatSource()

		terminations = nil
		bus.Consume(events.DoTerminateSession, func(_ context.Context, event *events.ClusterEvent) {
			terminations = append(terminations, event)
		})
	})

	newHost := func(opts *domain.ClusterGatewayOptions) *idle.Host {
		return idle.NewHost(opts, sessions, liveness, stats, bus)
	}

	It("should ignore unknown checker names", func() {
		host := newHost(gatewayOptions("timeout,warp_drive"))
		Expect(host.Checkers()).To(Equal([]string{"timeout"}))
	})

	It("should expire a session nobody touched past the idle timeout", func() {
		opts := gatewayOptions("timeout")
		opts.Idle.DefaultIdleTimeoutSec = 0.01

		session := runningSession("sess-1", nil)
		Expect(sessions.Add(session)).To(Succeed())
		Expect(liveness.TouchSession(ctx, "sess-1", time.Now().Add(-time.Minute))).To(Succeed())

		newHost(opts).HandleIdleCheck(ctx)

		Expect(terminations).To(HaveLen(1))
		Expect(terminations[0].SessionId).To(Equal(types.SessionId("sess-1")))
		Expect(terminations[0].Reason).To(Equal("idle-timeout"))
	})

	It("should keep a recently touched session alive", func() {
		opts := gatewayOptions("timeout")
		opts.Idle.DefaultIdleTimeoutSec = 3600

		session := runningSession("sess-1", nil)
		Expect(sessions.Add(session)).To(Succeed())
		Expect(liveness.TouchSession(ctx, "sess-1", time.Now())).To(Succeed())

		newHost(opts).HandleIdleCheck(ctx)
		Expect(terminations).To(BeEmpty())
	})

	It("should let a negative policy override opt a session out of the timeout", func() {
		opts := gatewayOptions("timeout")
		opts.Idle.DefaultIdleTimeoutSec = 0.01

		session := runningSession("sess-1", &domain.ResourcePolicy{IdleTimeoutSec: -1})
		Expect(sessions.Add(session)).To(Succeed())
		Expect(liveness.TouchSession(ctx, "sess-1", time.Now().Add(-time.Hour))).To(Succeed())

		newHost(opts).HandleIdleCheck(ctx)
		Expect(terminations).To(BeEmpty())
	})

	It("should enforce the policy's maximum session lifetime", func() {
		session := runningSession("sess-1", &domain.ResourcePolicy{MaxSessionLifetimeSec: 0.001})
		Expect(sessions.Add(session)).To(Succeed())

		time.Sleep(5 * time.Millisecond)
		newHost(gatewayOptions("session_lifetime")).HandleIdleCheck(ctx)

		Expect(terminations).To(HaveLen(1))
		Expect(terminations[0].Reason).To(Equal("idle-session-lifetime"))
	})

	It("should announce a lifetime overrun before tearing the session down", func() {
		var timeouts []*events.ClusterEvent
		bus.Subscribe(events.ExecutionTimeout, func(_ context.Context, event *events.ClusterEvent) {
			timeouts = append(timeouts, event)
		})

		session := runningSession("sess-1", &domain.ResourcePolicy{MaxSessionLifetimeSec: 0.001})
		Expect(sessions.Add(session)).To(Succeed())

		time.Sleep(5 * time.Millisecond)
		newHost(gatewayOptions("session_lifetime")).HandleIdleCheck(ctx)

		Expect(timeouts).To(HaveLen(1))
		Expect(timeouts[0].SessionId).To(Equal(types.SessionId("sess-1")))
		Expect(timeouts[0].Reason).To(Equal("idle-session-lifetime"))
		Expect(terminations).To(HaveLen(1))
	})

	It("should not announce a timeout for a plain idle expiry", func() {
		var timeouts []*events.ClusterEvent
		bus.Subscribe(events.ExecutionTimeout, func(_ context.Context, event *events.ClusterEvent) {
			timeouts = append(timeouts, event)
		})

		opts := gatewayOptions("timeout")
		opts.Idle.DefaultIdleTimeoutSec = 0.01

		session := runningSession("sess-1", nil)
		Expect(sessions.Add(session)).To(Succeed())
		Expect(liveness.TouchSession(ctx, "sess-1", time.Now().Add(-time.Minute))).To(Succeed())

		newHost(opts).HandleIdleCheck(ctx)

		Expect(timeouts).To(BeEmpty())
		Expect(terminations).To(HaveLen(1))
	})

	It("should leave sessions without a lifetime bound alone", func() {
		session := runningSession("sess-1", nil)
		Expect(sessions.Add(session)).To(Succeed())

		newHost(gatewayOptions("session_lifetime")).HandleIdleCheck(ctx)
		Expect(terminations).To(BeEmpty())
	})

	It("should only check RUNNING sessions", func() {
		opts := gatewayOptions("timeout")
		opts.Idle.DefaultIdleTimeoutSec = 0.01

		spec := &domain.SessionSpec{ScalingGroup: "default", ClusterSize: 1}
		pending := registry.NewSessionRecord("sess-1", "creation-1", spec,
			types.MustResourceSlotFromJSON(map[string]string{"cpu": "1"}), []types.KernelId{"k-1"})
		Expect(sessions.Add(pending)).To(Succeed())

		newHost(opts).HandleIdleCheck(ctx)
		Expect(terminations).To(BeEmpty())
	})
})

var _ = Describe("UtilizationChecker", func() {
	var (
		ctx     context.Context
		stats   *idle.MemoryStatSource
		checker *idle.UtilizationChecker
		session *registry.SessionRecord
	)

	BeforeEach(func() {
		ctx = context.Background()
		stats = idle.NewMemoryStatSource()
		checker = &idle.UtilizationChecker{
			Stats:        stats,
			Window:       50 * time.Millisecond,
			InitialGrace: 0,
			Thresholds:   map[string]float64{"cpu_util": 30},
		}
		session = runningSession("sess-1", nil)
	})

	publish := func(cpu float64) {
		stats.SetKernelStat("k-sess-1", &types.KernelStat{
			CpuUtilization:      cpu,
			TimestampUnixMillis: time.Now().UnixMilli(),
		})
	}

	It("should expire a session idle for the whole window", func() {
		publish(5)

		expired, err := checker.Check(ctx, session)
		Expect(err).ToNot(HaveOccurred())
		Expect(expired).To(BeFalse())

		time.Sleep(30 * time.Millisecond)
		expired, err = checker.Check(ctx, session)
		Expect(err).ToNot(HaveOccurred())
		Expect(expired).To(BeTrue())
	})

	It("should not expire a session with a busy sample in the window", func() {
		publish(5)
		_, err := checker.Check(ctx, session)
		Expect(err).ToNot(HaveOccurred())

		publish(80)
		time.Sleep(30 * time.Millisecond)
		expired, err := checker.Check(ctx, session)
		Expect(err).ToNot(HaveOccurred())
		Expect(expired).To(BeFalse())
	})

	It("should stay quiet during the initial grace period", func() {
		checker.InitialGrace = time.Hour

		publish(0)
		_, err := checker.Check(ctx, session)
		Expect(err).ToNot(HaveOccurred())

		time.Sleep(30 * time.Millisecond)
		expired, err := checker.Check(ctx, session)
		Expect(err).ToNot(HaveOccurred())
		Expect(expired).To(BeFalse())
	})

	It("should never expire without published stats", func() {
		expired, err := checker.Check(ctx, session)
		Expect(err).ToNot(HaveOccurred())
		Expect(expired).To(BeFalse())

		time.Sleep(30 * time.Millisecond)
		expired, err = checker.Check(ctx, session)
		Expect(err).ToNot(HaveOccurred())
		Expect(expired).To(BeFalse())
	})
})

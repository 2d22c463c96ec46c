package scheduler_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/scusemua/distributed-cluster/common/configuration"
	"github.com/scusemua/distributed-cluster/common/types"
	"github.com/scusemua/distributed-cluster/gateway/domain"
	"github.com/scusemua/distributed-cluster/gateway/registry"
	"github.com/scusemua/distributed-cluster/gateway/scheduler"
)

var _ = Describe("Policies", func() {
	var (
		ctx      context.Context
		sessions *registry.SessionRegistry
		opts     configuration.SchedulerOpts
		capacity types.ResourceSlot
	)

	pick := func(policy scheduler.Policy, pending ...*registry.SessionRecord) *registry.SessionRecord {
		return policy.PickSession(ctx, &scheduler.PickInput{
			Pending:  pending,
			Capacity: capacity,
			Sessions: sessions,
			Opts:     &opts,
		})
	}

	BeforeEach(func() {
		ctx = context.Background()
		sessions = registry.NewSessionRegistry()
		opts = configuration.SchedulerOpts{}
		capacity = types.MustResourceSlotFromJSON(map[string]string{"cpu": "100", "mem": "107374182400"})
	})

	It("fifo picks the first pending session", func() {
		first := testSession("sess-1", "2", nil)
		second := testSession("sess-2", "2", nil)

		Expect(pick(&scheduler.FifoPolicy{}, first, second)).To(BeIdenticalTo(first))
	})

	It("fifo skips sessions that failed too often when configured", func() {
		opts.RetriesToSkip = 2

		stuck := testSession("sess-1", "2", nil)
		stuck.RecordAttempt(&domain.SchedulingAttempt{Message: "no fit"})
		stuck.RecordAttempt(&domain.SchedulingAttempt{Message: "no fit"})
		fresh := testSession("sess-2", "2", nil)

		Expect(pick(&scheduler.FifoPolicy{}, stuck, fresh)).To(BeIdenticalTo(fresh))

		// With nothing else waiting the stuck session is still served.
		Expect(pick(&scheduler.FifoPolicy{}, stuck)).To(BeIdenticalTo(stuck))
	})

	It("lifo picks the most recently enqueued session", func() {
		first := testSession("sess-1", "2", nil)
		second := testSession("sess-2", "2", nil)

		Expect(pick(&scheduler.LifoPolicy{}, first, second)).To(BeIdenticalTo(second))
	})

	It("returns nil when nothing is pending", func() {
		Expect(pick(&scheduler.FifoPolicy{})).To(BeNil())
		Expect(pick(&scheduler.LifoPolicy{})).To(BeNil())
		Expect(pick(&scheduler.DrfPolicy{})).To(BeNil())
	})

	It("drf prefers the access key with the smallest dominant share", func() {
		// AK-1 already occupies 40 of 100 cpus; AK-2 occupies 10.
		heavy := testSession("sess-heavy", "40", func(spec *domain.SessionSpec) { spec.AccessKey = "AK-1" })
		light := testSession("sess-light", "10", func(spec *domain.SessionSpec) { spec.AccessKey = "AK-2" })
		Expect(sessions.Add(heavy)).To(Succeed())
		Expect(sessions.Add(light)).To(Succeed())
		heavy.Advance(types.StatusScheduled, "")
		light.Advance(types.StatusScheduled, "")

		waitingHeavy := testSession("sess-3", "2", func(spec *domain.SessionSpec) { spec.AccessKey = "AK-1" })
		waitingLight := testSession("sess-4", "2", func(spec *domain.SessionSpec) { spec.AccessKey = "AK-2" })

		Expect(pick(&scheduler.DrfPolicy{}, waitingHeavy, waitingLight)).To(BeIdenticalTo(waitingLight))
	})

	It("drf falls back to queue order between equally served keys", func() {
		first := testSession("sess-1", "2", func(spec *domain.SessionSpec) { spec.AccessKey = "AK-1" })
		second := testSession("sess-2", "2", func(spec *domain.SessionSpec) { spec.AccessKey = "AK-2" })

		Expect(pick(&scheduler.DrfPolicy{}, first, second)).To(BeIdenticalTo(first))
	})
})

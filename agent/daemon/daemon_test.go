package daemon_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"

	"github.com/scusemua/distributed-cluster/agent/daemon"
	"github.com/scusemua/distributed-cluster/agent/invoker"
	"github.com/scusemua/distributed-cluster/agent/resources"
	"github.com/scusemua/distributed-cluster/common/configuration"
	"github.com/scusemua/distributed-cluster/common/events"
	"github.com/scusemua/distributed-cluster/common/rpc"
	"github.com/scusemua/distributed-cluster/common/storage"
	"github.com/scusemua/distributed-cluster/common/types"
)

func testOptions(tempDir string) *daemon.AgentOptions {
	return &daemon.AgentOptions{
		CommonOptions: configuration.CommonOptions{
			LocalMode:      true,
			DeploymentMode: "local",
		},
		AgentId:              "agent-test-1",
		ScalingGroup:         "default",
		RpcPort:              0,
		HeartbeatIntervalSec: 1,
		StatsIntervalSec:     1,
		KernelStopTimeoutSec: 1,
		RegistryPath:         filepath.Join(tempDir, "kernel-registry.json"),
		ScratchRoot:          filepath.Join(tempDir, "scratch"),
		KernelServicePorts:   []int{8888, 8889},
		Invoker:              invoker.Options{Backend: invoker.MemoryBackend},
		Resources: daemon.ResourcePluginOptions{
			CPU:      resources.CPUPluginOptions{CoreLimit: 8},
			Memory:   resources.MemoryPluginOptions{TotalBytes: 16 * 1024 * 1024 * 1024},
			CudaMock: resources.CudaMockOptions{DeviceCount: 2},
		},
		LogArchive: storage.Options{
			Scheme:    "local",
			Directory: filepath.Join(tempDir, "log-archive"),
		},
	}
}

func creationSpec(kernelId types.KernelId, sessionId types.SessionId) *rpc.KernelCreationSpec {
	return &rpc.KernelCreationSpec{
		KernelId:    kernelId,
		SessionId:   sessionId,
		CreationId:  fmt.Sprintf("creation-%s", kernelId),
		Image:       types.ImageRef{Name: "registry.example.com/kernels/python:3.11"},
		SessionType: types.SessionTypeInteractive,
		ResourceSlots: types.ResourceSlot{
			types.SlotCPU: types.SlotFromInt(1),
			types.SlotMem: types.SlotFromInt(1 << 30),
		},
		Environ: map[string]string{"PYTHONUNBUFFERED": "1"},
	}
}

var _ = Describe("AgentDaemon", func() {
	var (
		ctx        context.Context
		tempDir    string
		opts       *daemon.AgentOptions
		memInvoker *invoker.MemoryInvoker
		bus        *events.MemoryBus
		store      *configuration.MemoryStore
		sink       *daemon.MemoryStatSink
		agent      *daemon.AgentDaemon
	)

	BeforeEach(func() {
		ctx = context.Background()
		tempDir = GinkgoT().TempDir()
		opts = testOptions(tempDir)
		memInvoker = invoker.NewMemoryInvoker(types.AgentId(opts.AgentId))
		bus = events.NewMemoryBus("test-bus")
		store = configuration.NewMemoryStore()
		sink = daemon.NewMemoryStatSink()

		var err error
		agent, err = daemon.NewWithDependencies(ctx, opts, &daemon.Dependencies{
			Invoker:  memInvoker,
			Bus:      bus,
			Store:    store,
			StatSink: sink,
		})
		Expect(err).To(BeNil())
	})

	AfterEach(func() {
		Expect(agent.Close()).To(Succeed())
	})

	// recordEvents registers consume handlers for the given event names and
	// returns the shared slice they append to. Only valid for events produced
	// on the test goroutine; the memory bus delivers synchronously.
	recordEvents := func(names ...events.EventName) *[]*events.ClusterEvent {
		recorded := &[]*events.ClusterEvent{}
		for _, name := range names {
			bus.Consume(name, func(_ context.Context, event *events.ClusterEvent) {
				*recorded = append(*recorded, event)
			})
		}
		return recorded
	}

	It("Will refuse to start twice", func() {
		Expect(agent.Start(ctx)).To(Succeed())
		Expect(agent.Start(ctx)).To(MatchError(daemon.ErrDaemonAlreadyStarted))
	})

	It("Will announce itself and heartbeat after starting", func() {
		heartbeats := make(chan *events.ClusterEvent, 8)
		bus.Consume(events.AgentHeartbeat, func(_ context.Context, event *events.ClusterEvent) {
			select {
			case heartbeats <- event:
			default:
			}
		})

		Expect(agent.Start(ctx)).To(Succeed())
		Expect(agent.Addr()).To(HavePrefix("tcp://127.0.0.1:"))
		Expect(agent.RpcPort()).To(BeNumerically(">", 0))

		By("registering its node entry in the shared configuration")
		shared := configuration.NewSharedConfig(store)
		nodes, err := shared.AgentNodes(ctx)
		Expect(err).To(BeNil())
		Expect(nodes).To(HaveKey(types.AgentId("agent-test-1")))
		Expect(nodes["agent-test-1"].Addr).To(Equal(agent.Addr()))
		Expect(nodes["agent-test-1"].ScalingGroup).To(Equal("default"))
		Expect(nodes["agent-test-1"].Version).To(Equal(daemon.Version))

		By("publishing the slot types its plugins announce")
		slotTypes, err := shared.ResourceSlotTypes(ctx)
		Expect(err).To(BeNil())
		Expect(slotTypes).To(HaveKey(types.SlotName("cuda.device")))

		By("carrying the full agent info in each heartbeat")
		var heartbeat *events.ClusterEvent
		Eventually(heartbeats, "3s").Should(Receive(&heartbeat))

		var info types.AgentInfo
		Expect(heartbeat.DecodePayload(&info)).To(Succeed())
		Expect(info.Id).To(Equal(types.AgentId("agent-test-1")))
		Expect(info.AvailableSlots.Get(types.SlotCPU).Decimal().IntPart()).To(BeEquivalentTo(8))
		Expect(info.AvailableSlots.Get("cuda.device").Decimal().IntPart()).To(BeEquivalentTo(2))
		Expect(info.ContainerCount).To(Equal(0))

		By("heartbeating again on the configured interval")
		Eventually(heartbeats, "3s").Should(Receive())
	})

	It("Will walk a kernel through the create lifecycle", func() {
		recorded := recordEvents(events.KernelPreparing, events.KernelPulling,
			events.KernelCreating, events.KernelStarted)

		outcomes := agent.CreateKernels(ctx, []*rpc.KernelCreationSpec{
			creationSpec("kern-a", "sess-1"),
		})
		Expect(outcomes).To(HaveLen(1))
		Expect(outcomes[0].Error).To(BeEmpty())
		Expect(outcomes[0].ContainerId).ToNot(BeEmpty())
		Expect(outcomes[0].Addr).ToNot(BeEmpty())

		By("emitting the lifecycle events in order")
		names := make([]events.EventName, 0, len(*recorded))
		for _, event := range *recorded {
			names = append(names, event.Name)
		}
		Expect(names).To(Equal([]events.EventName{
			events.KernelPreparing, events.KernelPulling,
			events.KernelCreating, events.KernelStarted,
		}))

		By("carrying the service ports in the kernel_started payload")
		started := (*recorded)[len(*recorded)-1]
		var payload events.KernelStartedPayload
		Expect(started.DecodePayload(&payload)).To(Succeed())
		Expect(payload.ContainerId).To(Equal(outcomes[0].ContainerId))
		Expect(payload.ServicePorts).To(HaveLen(2))
		Expect(payload.ServicePorts[0].Host).To(Equal(outcomes[0].Addr))
		Expect(payload.ServicePorts[0].Port).To(Equal(8888))

		By("holding the kernel's resources")
		info := agent.AgentInfo()
		Expect(info.OccupiedSlots.Get(types.SlotCPU).Decimal().IntPart()).To(BeEquivalentTo(1))
		Expect(info.ContainerCount).To(Equal(1))
		Expect(info.Images).To(HaveLen(1))
		Expect(info.Images[0].Name).To(Equal("registry.example.com/kernels/python:3.11"))

		By("pulling the image and creating the scratch directory")
		Expect(memInvoker.PulledImages()).To(ContainElement("registry.example.com/kernels/python:3.11"))
		_, err := os.Stat(filepath.Join(opts.ScratchRoot, "kern-a"))
		Expect(err).To(BeNil())

		By("resolving a redelivered create from the registry")
		again := agent.CreateKernels(ctx, []*rpc.KernelCreationSpec{
			creationSpec("kern-a", "sess-1"),
		})
		Expect(again[0].Error).To(BeEmpty())
		Expect(again[0].ContainerId).To(Equal(outcomes[0].ContainerId))
		Expect(memInvoker.ContainerCount()).To(Equal(1))
	})

	It("Will isolate failures to their own spec in a batch", func() {
		outcomes := agent.CreateKernels(ctx, []*rpc.KernelCreationSpec{
			{KernelId: "", SessionId: "sess-1"},
			creationSpec("kern-b", "sess-1"),
		})
		Expect(outcomes).To(HaveLen(2))
		Expect(outcomes[0].Error).ToNot(BeEmpty())
		Expect(outcomes[1].Error).To(BeEmpty())
	})

	It("Will unwind a failed creation and allow a retry", func() {
		cancelled := recordEvents(events.KernelCancelled)

		memInvoker.InjectFailure("start", errors.New("runtime is wedged"))
		outcomes := agent.CreateKernels(ctx, []*rpc.KernelCreationSpec{
			creationSpec("kern-a", "sess-1"),
		})
		Expect(outcomes[0].Error).To(ContainSubstring("container-start-failed"))

		By("releasing the allocation and removing the container")
		info := agent.AgentInfo()
		Expect(info.OccupiedSlots.Get(types.SlotCPU).IsZero()).To(BeTrue())
		Expect(memInvoker.ContainerCount()).To(Equal(0))
		Expect(*cancelled).To(HaveLen(1))
		Expect((*cancelled)[0].Reason).To(Equal("container-start-failed"))

		By("succeeding once the failure clears")
		memInvoker.ClearFailure("start")
		retried := agent.CreateKernels(ctx, []*rpc.KernelCreationSpec{
			creationSpec("kern-a", "sess-1"),
		})
		Expect(retried[0].Error).To(BeEmpty())
		Expect(memInvoker.ContainerCount()).To(Equal(1))
	})

	It("Will destroy a kernel, archive its logs, and release the allocation", func() {
		Expect(agent.Start(ctx)).To(Succeed())
		terminated := recordEvents(events.KernelTerminating, events.KernelTerminated)

		outcomes := agent.CreateKernels(ctx, []*rpc.KernelCreationSpec{
			creationSpec("kern-a", "sess-1"),
		})
		containerId := outcomes[0].ContainerId
		Expect(memInvoker.SetContainerLogs(containerId, []byte("line-1\nline-2\n"))).To(Succeed())
		Expect(memInvoker.SetExitCode(containerId, 3)).To(Succeed())

		found, err := agent.DestroyKernel(ctx, "kern-a", "user-requested", false)
		Expect(err).To(BeNil())
		Expect(found).To(BeTrue())

		By("releasing everything the kernel held")
		Expect(agent.Kernels()).To(BeEmpty())
		Expect(agent.AgentInfo().OccupiedSlots.Get(types.SlotCPU).IsZero()).To(BeTrue())
		Expect(memInvoker.ContainerCount()).To(Equal(0))

		By("reporting the reason and exit code in kernel_terminated")
		Expect(*terminated).To(HaveLen(2))
		final := (*terminated)[1]
		Expect(final.Name).To(Equal(events.KernelTerminated))
		Expect(final.Reason).To(Equal("user-requested"))

		var payload events.KernelTerminatedPayload
		Expect(final.DecodePayload(&payload)).To(Succeed())
		Expect(payload.ContainerId).To(Equal(containerId))
		Expect(payload.ExitCode).To(Equal(3))

		By("serving the archived logs after the container is gone")
		logs, err := agent.KernelLogs(ctx, "kern-a", 0)
		Expect(err).To(BeNil())
		Expect(string(logs)).To(Equal("line-1\nline-2\n"))

		By("treating a redelivered destroy as a no-op")
		found, err = agent.DestroyKernel(ctx, "kern-a", "user-requested", false)
		Expect(err).To(BeNil())
		Expect(found).To(BeFalse())
	})

	It("Will restart a kernel in place without touching its allocation", func() {
		outcomes := agent.CreateKernels(ctx, []*rpc.KernelCreationSpec{
			creationSpec("kern-a", "sess-1"),
		})
		oldContainer := outcomes[0].ContainerId

		newContainer, err := agent.RestartKernel(ctx, "kern-a")
		Expect(err).To(BeNil())
		Expect(newContainer).ToNot(Equal(oldContainer))
		Expect(memInvoker.ContainerCount()).To(Equal(1))

		kernels := agent.Kernels()
		Expect(kernels).To(HaveLen(1))
		Expect(kernels[0].ContainerId).To(Equal(newContainer))
		Expect(kernels[0].Status).To(Equal(types.StatusRunning))

		Expect(agent.AgentInfo().OccupiedSlots.Get(types.SlotCPU).Decimal().IntPart()).To(BeEquivalentTo(1))

		_, err = agent.RestartKernel(ctx, "kern-missing")
		Expect(err).To(MatchError(daemon.ErrKernelNotFound))
	})

	It("Will re-adopt surviving containers and remove orphans after a restart", func() {
		Expect(agent.Start(ctx)).To(Succeed())
		outcomes := agent.CreateKernels(ctx, []*rpc.KernelCreationSpec{
			creationSpec("kern-a", "sess-1"),
			creationSpec("kern-b", "sess-1"),
		})
		containerA := outcomes[0].ContainerId
		containerB := outcomes[1].ContainerId

		By("killing one container and planting an orphan behind the agent's back")
		_, err := memInvoker.StopContainer(ctx, containerB, 0)
		Expect(err).To(BeNil())

		orphanId, err := memInvoker.CreateContainer(ctx, &invoker.ContainerSpec{
			KernelId: "kern-ghost",
			Name:     "kernel.python-3.11.kern-ghost",
			Image:    "registry.example.com/kernels/python:3.11",
		})
		Expect(err).To(BeNil())
		Expect(memInvoker.StartContainer(ctx, orphanId)).To(Succeed())

		Expect(agent.Close()).To(Succeed())

		By("booting a second daemon over the same registry and containers")
		bus2 := events.NewMemoryBus("test-bus-2")
		var terminated []*events.ClusterEvent
		bus2.Consume(events.KernelTerminated, func(_ context.Context, event *events.ClusterEvent) {
			terminated = append(terminated, event)
		})

		agent2, err := daemon.NewWithDependencies(ctx, opts, &daemon.Dependencies{
			Invoker:  memInvoker,
			Bus:      bus2,
			Store:    configuration.NewMemoryStore(),
			StatSink: daemon.NewMemoryStatSink(),
		})
		Expect(err).To(BeNil())
		defer func() {
			Expect(agent2.Close()).To(Succeed())
		}()
		Expect(agent2.Start(ctx)).To(Succeed())

		By("re-adopting the surviving kernel with its allocation")
		kernels := agent2.Kernels()
		Expect(kernels).To(HaveLen(1))
		Expect(kernels[0].KernelId).To(Equal(types.KernelId("kern-a")))
		Expect(kernels[0].ContainerId).To(Equal(containerA))
		Expect(kernels[0].Status).To(Equal(types.StatusRunning))
		Expect(agent2.AgentInfo().OccupiedSlots.Get(types.SlotCPU).Decimal().IntPart()).To(BeEquivalentTo(1))

		By("terminating the kernel whose container died")
		Expect(terminated).To(HaveLen(1))
		Expect(terminated[0].KernelId).To(Equal(types.KernelId("kern-b")))
		Expect(terminated[0].Reason).To(Equal("agent-restart"))

		By("removing the orphaned container")
		Expect(memInvoker.ContainerCount()).To(Equal(1))
	})

	It("Will publish kernel utilization samples", func() {
		Expect(agent.Start(ctx)).To(Succeed())
		outcomes := agent.CreateKernels(ctx, []*rpc.KernelCreationSpec{
			creationSpec("kern-a", "sess-1"),
		})
		Expect(memInvoker.SetContainerStats(outcomes[0].ContainerId, invoker.ContainerStats{
			CpuUtilization:   42.5,
			MemoryBytes:      256 * 1024 * 1024,
			MemoryLimitBytes: 512 * 1024 * 1024,
		})).To(Succeed())

		Eventually(func() float64 {
			if stat := sink.Stat("kern-a"); stat != nil {
				return stat.CpuUtilization
			}
			return 0
		}, "5s", "100ms").Should(Equal(42.5))

		stat := sink.Stat("kern-a")
		Expect(stat.MemoryBytes).To(BeEquivalentTo(256 * 1024 * 1024))
		Expect(stat.MemoryLimitBytes).To(BeEquivalentTo(512 * 1024 * 1024))
		Expect(stat.TimestampUnixMillis).ToNot(BeZero())
	})

	It("Will serve kernel lifecycle calls over its RPC socket", func() {
		Expect(agent.Start(ctx)).To(Succeed())

		client, err := rpc.NewClient(ctx, "gateway-test",
			fmt.Sprintf("tcp://127.0.0.1:%d", agent.RpcPort()), &opts.CommonOptions)
		Expect(err).To(BeNil())
		defer client.Close()

		By("answering pings with its identity and version")
		ping, err := client.Ping(ctx)
		Expect(err).To(BeNil())
		Expect(ping.AgentId).To(Equal(types.AgentId("agent-test-1")))
		Expect(ping.Version).To(Equal(daemon.Version))

		By("creating kernels")
		created, err := client.CreateKernels(ctx, []*rpc.KernelCreationSpec{
			creationSpec("kern-rpc", "sess-rpc"),
		})
		Expect(err).To(BeNil())
		Expect(created.Kernels).To(HaveLen(1))
		Expect(created.Kernels[0].Error).To(BeEmpty())

		By("serving the registry snapshot")
		synced, err := client.SyncKernelRegistry(ctx)
		Expect(err).To(BeNil())
		Expect(synced.Kernels).To(HaveLen(1))
		Expect(synced.Kernels[0].KernelId).To(Equal(types.KernelId("kern-rpc")))
		Expect(synced.Kernels[0].Status).To(Equal(types.StatusRunning))

		By("serving kernel logs")
		Expect(memInvoker.SetContainerLogs(created.Kernels[0].ContainerId, []byte("hello\n"))).To(Succeed())
		logs, err := client.GetLogs(ctx, "kern-rpc")
		Expect(err).To(BeNil())
		Expect(logs).To(Equal("hello\n"))

		By("restarting the kernel")
		restarted, err := client.RestartKernel(ctx, "kern-rpc")
		Expect(err).To(BeNil())
		Expect(restarted.ContainerId).ToNot(Equal(created.Kernels[0].ContainerId))

		By("destroying the kernel idempotently")
		destroyed, err := client.DestroyKernel(ctx, "kern-rpc", "test-teardown", false)
		Expect(err).To(BeNil())
		Expect(destroyed.Found).To(BeTrue())

		destroyed, err = client.DestroyKernel(ctx, "kern-rpc", "test-teardown", false)
		Expect(err).To(BeNil())
		Expect(destroyed.Found).To(BeFalse())
	})

	It("Will reset and request shutdown over RPC", func() {
		Expect(agent.Start(ctx)).To(Succeed())
		agent.CreateKernels(ctx, []*rpc.KernelCreationSpec{
			creationSpec("kern-a", "sess-1"),
			creationSpec("kern-b", "sess-1"),
		})

		client, err := rpc.NewClient(ctx, "gateway-test",
			fmt.Sprintf("tcp://127.0.0.1:%d", agent.RpcPort()), &opts.CommonOptions)
		Expect(err).To(BeNil())
		defer client.Close()

		reset, err := client.ResetAgent(ctx)
		Expect(err).To(BeNil())
		Expect(reset.DestroyedKernels).To(Equal(2))
		Expect(agent.Kernels()).To(BeEmpty())
		Expect(memInvoker.ContainerCount()).To(Equal(0))

		Expect(client.ShutdownAgent(ctx, false)).To(Succeed())
		Eventually(agent.ShutdownRequested()).Should(BeClosed())
	})

	It("Will destroy its kernels on a destructive shutdown", func() {
		Expect(agent.Start(ctx)).To(Succeed())
		agent.CreateKernels(ctx, []*rpc.KernelCreationSpec{
			creationSpec("kern-a", "sess-1"),
		})
		Expect(memInvoker.ContainerCount()).To(Equal(1))

		agent.RequestShutdown(true)
		Expect(agent.Close()).To(Succeed())

		Expect(memInvoker.ContainerCount()).To(Equal(0))
		Expect(agent.Kernels()).To(BeEmpty())
	})
})

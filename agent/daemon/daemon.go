package daemon

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/scusemua/distributed-cluster/agent/invoker"
	"github.com/scusemua/distributed-cluster/agent/resources"
	"github.com/scusemua/distributed-cluster/common/configuration"
	"github.com/scusemua/distributed-cluster/common/events"
	"github.com/scusemua/distributed-cluster/common/metrics"
	"github.com/scusemua/distributed-cluster/common/rpc"
	"github.com/scusemua/distributed-cluster/common/storage"
	"github.com/scusemua/distributed-cluster/common/types"
	"github.com/scusemua/distributed-cluster/common/utils"
	"github.com/scusemua/distributed-cluster/common/utils/hashmap"
)

// Version is reported in ping replies, heartbeats, and the agent's node
// announcement.
const Version = "1.0.0"

// closeTimeout bounds the etcd withdrawal and kernel teardown during Close.
const closeTimeout = 30 * time.Second

var (
	ErrDaemonAlreadyStarted = errors.New("agent daemon already started")
	ErrKernelNotFound       = errors.New("no such kernel")
)

// Dependencies are the daemon's collaborators. New wires the production
// implementations; NewWithDependencies fills any nil field with an in-memory
// implementation, which is what unit tests and local mode run on.
type Dependencies struct {
	Invoker         invoker.ContainerInvoker
	ResourceManager *resources.Manager
	Bus             events.Bus
	Store           configuration.KeyValueStore
	LogArchive      storage.Provider
	StatSink        StatSink
	Metrics         *metrics.AgentPrometheusManager
}

// AgentDaemon runs kernels on one node. It serves the gateway's RPC calls,
// reports itself through heartbeat events, keeps the kernel registry
// snapshot current, and publishes kernel utilization samples.
type AgentDaemon struct {
	id   types.AgentId
	opts *AgentOptions

	// ip, publicHost, and addr are fixed during Start, before any
	// goroutine that reads them exists.
	ip         string
	publicHost string
	addr       string

	invoker   invoker.ContainerInvoker
	resources *resources.Manager
	registry  *KernelRegistry
	bus       events.Bus
	store     configuration.KeyValueStore
	shared    *configuration.SharedConfig
	archive   storage.Provider
	rpcServer *rpc.Server
	tunnel    *TunnelClient
	metrics   *metrics.AgentPrometheusManager
	statSink  StatSink

	// opLocks serializes lifecycle operations per kernel so a redelivered
	// create cannot race the destroy of the same kernel.
	opLocks *hashmap.CornelkMap[string, *sync.Mutex]

	// images tracks every image this agent has pulled or adopted, reported
	// with each heartbeat so the scheduler can prefer warm agents.
	images *hashmap.CornelkMap[string, types.ImageRef]

	createdAt time.Time

	started   int32
	stopped   int32
	closed    chan struct{}
	serveDone chan struct{}
	loops     sync.WaitGroup

	destroyOnShutdown int32
	shutdownOnce      sync.Once
	shutdownCh        chan struct{}

	log logger.Logger
}

// New builds an agent daemon with production collaborators selected from the
// options: etcd for shared configuration, redis for the event bus and stat
// publishing, and the container backend matching the deployment mode. Local
// mode swaps all of them for in-memory implementations.
func New(ctx context.Context, opts *AgentOptions) (*AgentDaemon, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	deps := &Dependencies{}
	var err error

	if opts.Invoker.Backend == "" {
		if opts.IsLocalMode() {
			opts.Invoker.Backend = invoker.MemoryBackend
		} else if opts.Invoker.Backend, err = invoker.BackendForMode(types.DeploymentMode(opts.DeploymentMode)); err != nil {
			return nil, err
		}
	}

	if !opts.IsLocalMode() {
		if deps.Store, err = configuration.NewEtcdStore(&opts.CommonOptions); err != nil {
			return nil, err
		}
		if opts.RedisAddr != "" {
			deps.Bus = events.NewRedisBus(&opts.CommonOptions, "agents", opts.AgentId, opts.AgentId)
			deps.StatSink = NewRedisStatSink(&opts.CommonOptions, DefaultStatTTL)
		}
		if opts.PrometheusPort > 0 {
			deps.Metrics = metrics.NewAgentPrometheusManager(opts.PrometheusPort, opts.AgentId)
		}
	}

	return NewWithDependencies(ctx, opts, deps)
}

// NewWithDependencies builds an agent daemon around the given collaborators,
// substituting in-memory implementations for any left nil.
func NewWithDependencies(ctx context.Context, opts *AgentOptions, deps *Dependencies) (*AgentDaemon, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if deps == nil {
		deps = &Dependencies{}
	}

	daemon := &AgentDaemon{
		id:         types.AgentId(opts.AgentId),
		opts:       opts,
		registry:   NewKernelRegistry(opts.RegistryPath),
		metrics:    deps.Metrics,
		statSink:   deps.StatSink,
		opLocks:    hashmap.NewCornelkMap[string, *sync.Mutex](32),
		images:     hashmap.NewCornelkMap[string, types.ImageRef](16),
		createdAt:  time.Now(),
		closed:     make(chan struct{}),
		serveDone:  make(chan struct{}),
		shutdownCh: make(chan struct{}),
	}
	config.InitLogger(&daemon.log, daemon)

	var err error

	daemon.invoker = deps.Invoker
	if daemon.invoker == nil {
		if daemon.invoker, err = invoker.New(daemon.id, opts.Invoker); err != nil {
			return nil, err
		}
	}

	daemon.resources = deps.ResourceManager
	if daemon.resources == nil {
		if daemon.resources, err = buildResourceManager(ctx, &opts.Resources); err != nil {
			return nil, err
		}
	}

	daemon.bus = deps.Bus
	if daemon.bus == nil {
		daemon.bus = events.NewMemoryBus(opts.AgentId)
	}

	daemon.store = deps.Store
	if daemon.store == nil {
		daemon.store = configuration.NewMemoryStore()
	}
	daemon.shared = configuration.NewSharedConfig(daemon.store)

	daemon.archive = deps.LogArchive
	if daemon.archive == nil {
		if daemon.archive, err = storage.NewProvider(&opts.LogArchive, &opts.CommonOptions); err != nil {
			return nil, err
		}
	}

	if daemon.statSink == nil {
		daemon.statSink = NewMemoryStatSink()
	}

	daemon.rpcServer = rpc.NewServer(ctx, opts.AgentId, opts.RpcPort, &opts.CommonOptions)
	daemon.registerHandlers()

	// The tunnel dials out to the gateway so app traffic reaches kernels
	// behind NAT. Local mode only runs it when an address is configured.
	if opts.GatewayProxyAddr != "" || !opts.IsLocalMode() {
		daemon.tunnel = NewTunnelClient(daemon, opts.GatewayProxyAddr)
	}

	return daemon, nil
}

func buildResourceManager(ctx context.Context, opts *ResourcePluginOptions) (*resources.Manager, error) {
	manager := resources.NewManager()
	if err := manager.Register(ctx, resources.NewCPUPlugin(opts.CPU)); err != nil {
		return nil, err
	}
	if err := manager.Register(ctx, resources.NewMemoryPlugin(opts.Memory)); err != nil {
		return nil, err
	}
	if opts.CudaMock.DeviceCount > 0 {
		if err := manager.Register(ctx, resources.NewCudaMockPlugin(opts.CudaMock)); err != nil {
			return nil, err
		}
	}
	return manager, nil
}

func (d *AgentDaemon) String() string {
	return fmt.Sprintf("AgentDaemon[%s]", d.id)
}

// Id returns the agent's identity.
func (d *AgentDaemon) Id() types.AgentId {
	return d.id
}

// Addr returns the dial address of the RPC socket, "tcp://ip:port". Valid
// after Start.
func (d *AgentDaemon) Addr() string {
	return d.addr
}

// RpcPort returns the bound RPC port. Valid after Start; useful when the
// configured port was 0 (ephemeral).
func (d *AgentDaemon) RpcPort() int {
	return d.rpcServer.Port()
}

// Start brings the agent online: it detects the node address, restores
// kernels from the registry snapshot, announces the agent in the shared
// configuration, begins serving RPC, and starts the heartbeat and stats
// loops. Start does not block; use Close to tear the daemon down.
func (d *AgentDaemon) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&d.started, 0, 1) {
		return ErrDaemonAlreadyStarted
	}

	if err := d.detectAddresses(); err != nil {
		return err
	}

	if err := d.archive.Connect(); err != nil {
		d.log.Warn("Log archive unavailable: %v. Kernel logs will not be shipped.", err)
	}

	restored, err := d.restoreKernels(ctx)
	if err != nil {
		return err
	}
	if restored > 0 {
		d.log.Info("Restored %d kernel(s) from the registry snapshot.", restored)
	}

	if err := d.rpcServer.Listen(); err != nil {
		return errors.Wrap(err, "binding the RPC socket")
	}
	d.addr = fmt.Sprintf("tcp://%s:%d", d.ip, d.rpcServer.Port())

	if err := d.announce(ctx); err != nil {
		return err
	}

	if d.metrics != nil {
		if err := d.metrics.Start(); err != nil {
			return errors.Wrap(err, "starting the prometheus manager")
		}
	}

	go func() {
		d.rpcServer.Serve()
		close(d.serveDone)
	}()

	if err := d.produceEvent(ctx, events.NewAgentEvent(events.AgentStarted, d.id, "boot")); err != nil {
		d.log.Warn("Cannot produce the agent_started event: %v", err)
	}
	if err := d.sendHeartbeat(ctx); err != nil {
		d.log.Warn("Initial heartbeat failed: %v", err)
	}

	d.loops.Add(2)
	go d.heartbeatLoop()
	go d.statsLoop()

	if d.tunnel != nil {
		d.loops.Add(1)
		go func() {
			defer d.loops.Done()
			d.tunnel.Run(context.Background())
		}()
	}

	d.log.Info("Agent %s serving RPC at %s (scaling group \"%s\", %d kernel(s)).",
		d.id, d.addr, d.opts.ScalingGroup, d.registry.Len())
	return nil
}

func (d *AgentDaemon) detectAddresses() error {
	if d.opts.IsLocalMode() {
		d.ip = "127.0.0.1"
	} else {
		ip, err := utils.GetIP()
		if err != nil {
			return errors.Wrap(err, "detecting the agent's IP address")
		}
		d.ip = ip
	}

	d.publicHost = d.opts.PublicHost
	if d.publicHost == "" {
		d.publicHost = d.ip
	}
	return nil
}

// restoreKernels reconciles the registry snapshot with the containers that
// actually survived. Kernels whose containers are gone are terminated;
// containers without a registry entry are orphans and get removed.
func (d *AgentDaemon) restoreKernels(ctx context.Context) (int, error) {
	loaded, err := d.registry.Load()
	if err != nil {
		return 0, err
	}
	if loaded > 0 {
		d.log.Debug("Loaded %d registry record(s) from \"%s\".", loaded, d.opts.RegistryPath)
	}

	infos, err := d.invoker.ListOwnContainers(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "listing this agent's containers")
	}
	byKernel := make(map[types.KernelId]invoker.ContainerInfo, len(infos))
	for _, info := range infos {
		if info.KernelId != "" {
			byKernel[info.KernelId] = info
		}
	}

	restored := 0
	for _, record := range d.registry.List() {
		kernelId := record.KernelId()
		info, alive := byKernel[kernelId]
		delete(byKernel, kernelId)

		if record.Status.Terminal() {
			d.registry.Remove(kernelId)
			continue
		}

		if !alive || !info.Running {
			if alive {
				_ = d.invoker.RemoveContainer(ctx, info.ContainerId)
			}
			d.log.Warn("Kernel \"%s\" did not survive the restart; terminating it.", kernelId)
			d.registry.Remove(kernelId)
			d.emitKernelTerminated(ctx, record, "agent-restart", record.ExitCode)
			continue
		}

		if err := d.resources.Restore(kernelId, record.Allocations); err != nil {
			d.log.Error("Cannot restore the allocation of kernel \"%s\": %v. Destroying it.", kernelId, err)
			_, _ = d.invoker.StopContainer(ctx, info.ContainerId, d.opts.KernelStopTimeout())
			_ = d.invoker.RemoveContainer(ctx, info.ContainerId)
			d.registry.Remove(kernelId)
			d.emitKernelTerminated(ctx, record, "allocation-restore-failed", 0)
			continue
		}

		d.registry.Update(kernelId, func(r *KernelRecord) {
			r.ContainerId = info.ContainerId
			if info.Address != "" {
				r.Addr = info.Address
				r.ServicePorts = d.servicePorts(info.Address)
			}
			if r.Status != types.StatusRunning {
				r.Advance(types.StatusRunning, "restored")
			}
		})
		if record.Spec != nil {
			d.images.Store(record.Spec.Image.Name, record.Spec.Image)
		}
		restored++
	}

	for kernelId, info := range byKernel {
		d.log.Warn("Removing orphaned container \"%s\" of unknown kernel \"%s\".", info.ContainerId, kernelId)
		if info.Running {
			_, _ = d.invoker.StopContainer(ctx, info.ContainerId, d.opts.KernelStopTimeout())
		}
		_ = d.invoker.RemoveContainer(ctx, info.ContainerId)
	}

	if err := d.registry.Save(); err != nil {
		d.log.Error("Cannot save the kernel registry after restore: %v", err)
	}
	return restored, nil
}

// announce registers the agent's slot types and its node entry in the shared
// configuration, making it visible to the scheduler.
func (d *AgentDaemon) announce(ctx context.Context) error {
	if err := d.shared.RegisterResourceSlots(ctx, d.resources.SlotTypes()); err != nil {
		return errors.Wrap(err, "registering resource slot types")
	}

	node := &configuration.AgentNode{
		Id:           string(d.id),
		Addr:         d.addr,
		ScalingGroup: d.opts.ScalingGroup,
		Architecture: runtime.GOARCH,
		Version:      Version,
	}
	if err := d.shared.AnnounceAgent(ctx, node); err != nil {
		return errors.Wrap(err, "announcing the agent node")
	}
	return nil
}

// AgentInfo snapshots everything a heartbeat carries.
func (d *AgentDaemon) AgentInfo() *types.AgentInfo {
	capacity, occupied := d.resources.Snapshot()

	images := make([]types.ImageRef, 0, d.images.Len())
	d.images.Range(func(_ string, ref types.ImageRef) bool {
		images = append(images, ref)
		return true
	})
	sort.Slice(images, func(i, j int) bool { return images[i].Name < images[j].Name })

	return &types.AgentInfo{
		Id:             d.id,
		Addr:           d.addr,
		Architecture:   runtime.GOARCH,
		ScalingGroup:   d.opts.ScalingGroup,
		Version:        Version,
		PublicHost:     d.publicHost,
		Region:         d.opts.Region,
		AvailableSlots: capacity,
		OccupiedSlots:  occupied,
		SlotTypes:      d.resources.SlotTypes(),
		Images:         images,
		ComputePlugins: d.resources.PluginInfo(),
		ContainerCount: d.registry.ActiveContainers(),
	}
}

// Kernels returns the registry snapshot in its wire form.
func (d *AgentDaemon) Kernels() []*rpc.RegisteredKernel {
	records := d.registry.List()
	kernels := make([]*rpc.RegisteredKernel, 0, len(records))
	for _, record := range records {
		entry := &rpc.RegisteredKernel{
			KernelId:    record.KernelId(),
			ContainerId: record.ContainerId,
			Status:      record.Status,
		}
		if record.Spec != nil {
			entry.SessionId = record.Spec.SessionId
			entry.ResourceSlots = record.Spec.ResourceSlots
		}
		kernels = append(kernels, entry)
	}
	return kernels
}

func (d *AgentDaemon) heartbeatLoop() {
	defer d.loops.Done()

	ticker := time.NewTicker(d.opts.HeartbeatInterval())
	defer ticker.Stop()

	for {
		select {
		case <-d.closed:
			return
		case <-ticker.C:
			if err := d.sendHeartbeat(context.Background()); err != nil {
				d.log.Warn("Heartbeat failed: %v", err)
			}
		}
	}
}

func (d *AgentDaemon) sendHeartbeat(ctx context.Context) error {
	event, err := events.NewAgentHeartbeatEvent(d.AgentInfo())
	if err != nil {
		return err
	}
	if err := d.produceEvent(ctx, event); err != nil {
		return err
	}
	if d.metrics != nil {
		_ = d.metrics.HeartbeatSent()
	}
	return nil
}

func (d *AgentDaemon) statsLoop() {
	defer d.loops.Done()

	ticker := time.NewTicker(d.opts.StatsInterval())
	defer ticker.Stop()

	for {
		select {
		case <-d.closed:
			return
		case <-ticker.C:
			d.collectStats(context.Background())
		}
	}
}

func (d *AgentDaemon) collectStats(ctx context.Context) {
	for _, record := range d.registry.List() {
		if record.Status != types.StatusRunning || record.ContainerId == "" {
			continue
		}

		sample, err := d.invoker.ContainerStats(ctx, record.ContainerId)
		if err != nil {
			d.log.Debug("No stats for kernel \"%s\": %v", record.KernelId(), err)
			continue
		}

		stat := &types.KernelStat{
			CpuUtilization:      sample.CpuUtilization,
			MemoryBytes:         sample.MemoryBytes,
			MemoryLimitBytes:    sample.MemoryLimitBytes,
			TimestampUnixMillis: time.Now().UnixMilli(),
		}
		if err := d.statSink.PublishKernelStat(ctx, record.KernelId(), stat); err != nil {
			d.log.Warn("Cannot publish the stat of kernel \"%s\": %v", record.KernelId(), err)
		}
	}
}

// produceEvent stamps the agent id onto the event and hands it to the bus.
func (d *AgentDaemon) produceEvent(ctx context.Context, event *events.ClusterEvent) error {
	event.AgentId = d.id
	return d.bus.Produce(ctx, event)
}

// RequestShutdown asks the process hosting this daemon to exit. The daemon
// itself keeps serving until Close; the host watches ShutdownRequested.
func (d *AgentDaemon) RequestShutdown(destroyKernels bool) {
	if destroyKernels {
		atomic.StoreInt32(&d.destroyOnShutdown, 1)
	}
	d.shutdownOnce.Do(func() { close(d.shutdownCh) })
}

// ShutdownRequested closes when a shutdown_agent RPC arrived.
func (d *AgentDaemon) ShutdownRequested() <-chan struct{} {
	return d.shutdownCh
}

// Close tears the daemon down: it optionally destroys the kernels, saves the
// registry snapshot, withdraws the agent's node entry, stops the loops and
// the RPC server, and closes every collaborator. Safe to call twice.
func (d *AgentDaemon) Close() error {
	if !atomic.CompareAndSwapInt32(&d.stopped, 0, 1) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	var result error

	if atomic.LoadInt32(&d.destroyOnShutdown) == 1 || d.opts.DestroyKernelsOnShutdown {
		destroyed := d.DestroyAllKernels(ctx, "agent-shutdown")
		d.log.Info("Destroyed %d kernel(s) on shutdown.", destroyed)
	}

	if err := d.registry.Save(); err != nil {
		result = multierror.Append(result, err)
	}

	if atomic.LoadInt32(&d.started) == 1 {
		if err := d.shared.WithdrawAgent(ctx, d.id); err != nil {
			result = multierror.Append(result, err)
		}
		if err := d.produceEvent(ctx, events.NewAgentEvent(events.AgentTerminated, d.id, "shutdown")); err != nil {
			d.log.Warn("Cannot produce the agent_terminated event: %v", err)
		}
	}

	if d.tunnel != nil {
		if err := d.tunnel.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}

	close(d.closed)
	d.loops.Wait()

	if err := d.rpcServer.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if atomic.LoadInt32(&d.started) == 1 {
		<-d.serveDone
	}

	if d.metrics != nil && d.metrics.IsRunning() {
		if err := d.metrics.Stop(); err != nil {
			result = multierror.Append(result, err)
		}
	}

	for _, closer := range []func() error{
		d.archive.Close,
		d.statSink.Close,
		d.bus.Close,
		d.store.Close,
		d.invoker.Close,
	} {
		if err := closer(); err != nil {
			result = multierror.Append(result, err)
		}
	}

	d.log.Info("Agent %s shut down.", d.id)
	return result
}

package daemon

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/scusemua/distributed-cluster/common/configuration"
	"github.com/scusemua/distributed-cluster/common/consul"
	"github.com/scusemua/distributed-cluster/common/distributed"
	"github.com/scusemua/distributed-cluster/common/events"
	"github.com/scusemua/distributed-cluster/common/metrics"
	"github.com/scusemua/distributed-cluster/common/types"
	"github.com/scusemua/distributed-cluster/common/utils"
	"github.com/scusemua/distributed-cluster/gateway/domain"
	"github.com/scusemua/distributed-cluster/gateway/idle"
	"github.com/scusemua/distributed-cluster/gateway/registry"
	"github.com/scusemua/distributed-cluster/gateway/scheduler"
)

// Version is reported in the gateway's node announcement and health endpoint.
const Version = "1.0.0"

// closeTimeout bounds the teardown RPCs and etcd withdrawals during Close.
const closeTimeout = 30 * time.Second

var ErrGatewayAlreadyStarted = errors.New("cluster gateway already started")

// Dependencies are the gateway's collaborators. New wires the production
// implementations; NewWithDependencies fills any nil field with an in-memory
// implementation, which is what unit tests and local mode run on.
type Dependencies struct {
	Bus      events.Bus
	Store    configuration.KeyValueStore
	Liveness registry.LivenessStore
	Stats    idle.StatSource
	Metrics  *metrics.GatewayPrometheusManager
	Consul   *consul.Client
}

// ClusterGateway is the cluster's control plane: it tracks agents through
// heartbeats, queues and schedules compute sessions, drives kernel creation
// over RPC, destroys idle sessions, and serves the REST API, the websocket
// event feed, and the app tunnel proxy.
type ClusterGateway struct {
	id   string
	opts *domain.ClusterGatewayOptions

	// ip and publicHost are fixed during Start, before any goroutine that
	// reads them exists.
	ip         string
	publicHost string

	bus      events.Bus
	store    configuration.KeyValueStore
	shared   *configuration.SharedConfig
	liveness registry.LivenessStore

	clients  *registry.ClientPool
	agents   *registry.AgentRegistry
	sessions *registry.SessionRegistry

	dispatcher *scheduler.Dispatcher
	idleHost   *idle.Host

	timers  []*distributed.GlobalTimer
	tunnels *TunnelServer
	api     *ApiServer
	feed    *EventFeed

	metrics *metrics.GatewayPrometheusManager
	consul  *consul.Client

	// prepareMu serializes prepare passes so a timer tick cannot race the
	// pass triggered directly by the scheduler.
	prepareMu sync.Mutex

	started int32
	stopped int32
	closed  chan struct{}
	busCtx  context.Context
	busStop context.CancelFunc

	log logger.Logger
}

// New builds a cluster gateway with production collaborators selected from
// the options: etcd for shared configuration and timer leases, redis for the
// event bus, liveness tracking, and utilization stats. Local mode swaps all
// of them for in-memory implementations.
func New(ctx context.Context, opts *domain.ClusterGatewayOptions) (*ClusterGateway, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	deps := &Dependencies{}
	var err error

	if !opts.IsLocalMode() {
		if deps.Store, err = configuration.NewEtcdStore(&opts.CommonOptions); err != nil {
			return nil, err
		}
		if opts.RedisAddr != "" {
			deps.Bus = events.NewRedisBus(&opts.CommonOptions, "gateways", opts.GatewayId, opts.GatewayId)
			deps.Liveness = registry.NewRedisLiveness(&opts.CommonOptions)
			deps.Stats = idle.NewRedisStatSource(&opts.CommonOptions)
		}
		if opts.ConsulAddr != "" {
			if deps.Consul, err = consul.NewClient(opts.ConsulAddr); err != nil {
				return nil, err
			}
		}
	}

	return NewWithDependencies(ctx, opts, deps)
}

// NewWithDependencies builds a cluster gateway around the given
// collaborators, substituting in-memory implementations for any left nil.
func NewWithDependencies(ctx context.Context, opts *domain.ClusterGatewayOptions, deps *Dependencies) (*ClusterGateway, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if deps == nil {
		deps = &Dependencies{}
	}

	gateway := &ClusterGateway{
		id:       opts.GatewayId,
		opts:     opts,
		sessions: registry.NewSessionRegistry(),
		metrics:  deps.Metrics,
		consul:   deps.Consul,
		closed:   make(chan struct{}),
	}
	config.InitLogger(&gateway.log, gateway)

	gateway.bus = deps.Bus
	if gateway.bus == nil {
		gateway.bus = events.NewMemoryBus(opts.GatewayId)
	}

	gateway.store = deps.Store
	if gateway.store == nil {
		gateway.store = configuration.NewMemoryStore()
	}
	gateway.shared = configuration.NewSharedConfig(gateway.store)

	gateway.liveness = deps.Liveness
	if gateway.liveness == nil {
		gateway.liveness = registry.NewMemoryLiveness()
	}

	stats := deps.Stats
	if stats == nil {
		stats = idle.NewMemoryStatSource()
	}

	gateway.clients = registry.NewClientPool(opts.GatewayId, &opts.CommonOptions)
	gateway.agents = registry.NewAgentRegistry(opts.GatewayId, gateway.shared, gateway.liveness,
		gateway.bus, gateway.clients, opts.HeartbeatCheckInterval())

	gateway.dispatcher = scheduler.NewDispatcher(gateway.shared, gateway.agents, gateway.sessions,
		gateway.liveness, gateway.bus)
	gateway.idleHost = idle.NewHost(opts, gateway.sessions, gateway.liveness, stats, gateway.bus)

	// The prometheus manager enumerates agent nodes through the registry, so
	// the production instance is built here rather than in New.
	if gateway.metrics == nil && !opts.IsLocalMode() && opts.PrometheusPort > 0 {
		gateway.metrics = metrics.NewGatewayPrometheusManager(opts.PrometheusPort, gateway.agents)
	}
	if gateway.metrics != nil {
		gateway.agents.SetMetrics(gateway.metrics)
		gateway.dispatcher.SetMetrics(gateway.metrics)
	}

	gateway.tunnels = NewTunnelServer(opts.ProxyPort)
	gateway.feed = NewEventFeed(gateway.bus)
	gateway.api = NewApiServer(gateway)

	gateway.buildTimers()
	gateway.registerHandlers()

	return gateway, nil
}

// buildTimers creates the three leadership-elected timers that drive the
// scheduling, preparation, and idle-check passes cluster-wide.
func (g *ClusterGateway) buildTimers() {
	makeLock := func(name string) distributed.Lock {
		if etcdStore, ok := g.store.(*configuration.EtcdStore); ok {
			return distributed.NewEtcdLock(etcdStore.Client(),
				fmt.Sprintf("%s/timers/%s", etcdStore.Scope(), name), distributed.DefaultLeaseTtl)
		}
		return distributed.NewLocalLock()
	}

	g.timers = []*distributed.GlobalTimer{
		distributed.NewGlobalTimer("do_schedule", makeLock("do_schedule"), g.bus,
			g.opts.ScheduleInterval(), events.NewDoScheduleEvent),
		distributed.NewGlobalTimer("do_prepare", makeLock("do_prepare"), g.bus,
			g.opts.PrepareInterval(), events.NewDoPrepareEvent),
		distributed.NewGlobalTimer("do_idle_check", makeLock("do_idle_check"), g.bus,
			g.opts.IdleCheckInterval(), events.NewDoIdleCheckEvent),
	}
}

// registerHandlers wires the gateway's event handlers. The do_* imperatives
// and the agent/kernel notifications arrive on the work stream so exactly one
// gateway instance handles each.
func (g *ClusterGateway) registerHandlers() {
	g.bus.Consume(events.AgentHeartbeat, g.handleAgentHeartbeat)
	g.bus.Consume(events.AgentStarted, g.handleAgentStarted)
	g.bus.Consume(events.AgentTerminated, g.handleAgentTerminated)

	g.bus.Consume(events.DoSchedule, func(ctx context.Context, _ *events.ClusterEvent) {
		g.dispatcher.Schedule(ctx)
	})
	g.bus.Consume(events.DoPrepare, func(ctx context.Context, _ *events.ClusterEvent) {
		g.PrepareScheduledSessions(ctx)
	})
	g.bus.Consume(events.DoIdleCheck, func(ctx context.Context, _ *events.ClusterEvent) {
		g.idleHost.HandleIdleCheck(ctx)
	})
	g.bus.Consume(events.DoTerminateSession, func(ctx context.Context, event *events.ClusterEvent) {
		if err := g.DestroySession(ctx, event.SessionId, event.Reason, false); err != nil {
			g.log.Warn("Cannot destroy session \"%s\" (%s): %v", event.SessionId, event.Reason, err)
		}
	})

	g.bus.Consume(events.KernelPreparing, g.handleKernelPhase(types.StatusPreparing))
	g.bus.Consume(events.KernelPulling, g.handleKernelPhase(types.StatusPulling))
	g.bus.Consume(events.KernelCreating, g.handleKernelPhase(types.StatusPreparing))
	g.bus.Consume(events.KernelStarted, g.handleKernelStarted)
	g.bus.Consume(events.KernelCancelled, g.handleKernelCancelled)
	g.bus.Consume(events.KernelTerminated, g.handleKernelTerminated)
}

func (g *ClusterGateway) String() string {
	return fmt.Sprintf("ClusterGateway[%s]", g.id)
}

// Id returns the gateway's identity.
func (g *ClusterGateway) Id() string {
	return g.id
}

// Agents exposes the agent registry, mainly for tests and the API layer.
func (g *ClusterGateway) Agents() *registry.AgentRegistry {
	return g.agents
}

// Sessions exposes the session registry.
func (g *ClusterGateway) Sessions() *registry.SessionRegistry {
	return g.sessions
}

// Dispatcher exposes the scheduling dispatcher.
func (g *ClusterGateway) Dispatcher() *scheduler.Dispatcher {
	return g.dispatcher
}

// Tunnels exposes the app tunnel listener.
func (g *ClusterGateway) Tunnels() *TunnelServer {
	return g.tunnels
}

// ApiAddr returns the "ip:port" of the REST API. Valid after Start.
func (g *ClusterGateway) ApiAddr() string {
	return fmt.Sprintf("%s:%d", g.ip, g.api.Port())
}

// ProxyAddr returns the "host:port" agents dial their app tunnels into.
// Valid after Start.
func (g *ClusterGateway) ProxyAddr() string {
	return fmt.Sprintf("%s:%d", g.publicHost, g.tunnels.Port())
}

// Start brings the gateway online: it announces itself in the shared
// configuration, starts the event bus, the lost-agent sweeper, the global
// timers, the tunnel listener, and the API server. Start does not block; use
// Close to tear the gateway down.
func (g *ClusterGateway) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&g.started, 0, 1) {
		return ErrGatewayAlreadyStarted
	}

	if err := g.detectAddresses(); err != nil {
		return err
	}

	if err := g.tunnels.Listen(); err != nil {
		return errors.Wrap(err, "binding the tunnel listener")
	}
	go g.tunnels.Serve()

	if err := g.api.Listen(g.opts.ApiPort); err != nil {
		return errors.Wrap(err, "binding the API listener")
	}
	go g.api.Serve()

	if err := g.announce(ctx); err != nil {
		return err
	}

	g.busCtx, g.busStop = context.WithCancel(context.Background())
	if err := g.bus.Start(g.busCtx); err != nil {
		return errors.Wrap(err, "starting the event bus")
	}
	g.feed.Start()

	g.agents.StartSweeper(g.busCtx)
	for _, timer := range g.timers {
		timer.Start(g.busCtx)
	}

	if g.metrics != nil {
		if err := g.metrics.Start(); err != nil {
			return errors.Wrap(err, "starting the prometheus manager")
		}
	}
	if g.consul != nil {
		if err := g.consul.Register("cluster-gateway", g.id, g.ip, g.api.Port()); err != nil {
			g.log.Warn("Cannot register with consul: %v", err)
		}
	}

	g.log.Info(utils.LightBlueStyle.Render(
		fmt.Sprintf("Gateway %s serving the API at %s (tunnel listener at %s).",
			g.id, g.ApiAddr(), g.ProxyAddr())))
	return nil
}

func (g *ClusterGateway) detectAddresses() error {
	if g.opts.IsLocalMode() {
		g.ip = "127.0.0.1"
	} else {
		ip, err := utils.GetIP()
		if err != nil {
			return errors.Wrap(err, "detecting the gateway's IP address")
		}
		g.ip = ip
	}

	g.publicHost = g.opts.PublicHost
	if g.publicHost == "" {
		g.publicHost = g.ip
	}
	return nil
}

// announce publishes the gateway's node entry so agents can find the API and
// the tunnel endpoint.
func (g *ClusterGateway) announce(ctx context.Context) error {
	node := &configuration.GatewayNode{
		Id:        g.id,
		Addr:      g.ApiAddr(),
		ProxyAddr: g.ProxyAddr(),
		Version:   Version,
	}
	return errors.Wrap(g.shared.AnnounceGateway(ctx, node), "announcing the gateway node")
}

// handleAgentStarted kicks a scheduling pass when an agent joins or is
// revived, so PENDING sessions pick up the new capacity immediately instead
// of waiting for the next do_schedule tick.
func (g *ClusterGateway) handleAgentStarted(ctx context.Context, event *events.ClusterEvent) {
	if err := g.bus.Produce(ctx, events.NewDoScheduleEvent()); err != nil {
		g.log.Warn("Cannot trigger scheduling after agent \"%s\" came up: %v", event.AgentId, err)
	}
}

// handleAgentHeartbeat feeds the heartbeat's capacity snapshot into the
// agent registry.
func (g *ClusterGateway) handleAgentHeartbeat(ctx context.Context, event *events.ClusterEvent) {
	info := &types.AgentInfo{}
	if err := event.DecodePayload(info); err != nil {
		g.log.Warn("Discarding a heartbeat with an undecodable payload: %v", err)
		return
	}
	if err := g.agents.HandleHeartbeat(ctx, info); err != nil {
		g.log.Error("Cannot process the heartbeat of agent \"%s\": %v", info.Id, err)
	}
}

// Close tears the gateway down in reverse dependency order: the API stops
// accepting work first, then the timers and the dispatcher go quiet, then
// the registries, the bus, and finally the shared configuration store.
func (g *ClusterGateway) Close() error {
	if !atomic.CompareAndSwapInt32(&g.stopped, 0, 1) {
		return nil
	}
	close(g.closed)

	var result error

	if g.consul != nil {
		if err := g.consul.Deregister(g.id); err != nil {
			g.log.Warn("Cannot deregister from consul: %v", err)
		}
	}

	if err := g.api.Close(); err != nil {
		result = multierror.Append(result, err)
	}

	for _, timer := range g.timers {
		if atomic.LoadInt32(&g.started) == 1 {
			timer.Stop()
		}
	}

	g.feed.Close()
	if err := g.tunnels.Close(); err != nil {
		result = multierror.Append(result, err)
	}

	if g.busStop != nil {
		g.busStop()
	}

	if err := g.agents.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := g.bus.Close(); err != nil {
		result = multierror.Append(result, err)
	}

	if g.metrics != nil && g.metrics.IsRunning() {
		if err := g.metrics.Stop(); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if err := g.liveness.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := g.store.Close(); err != nil {
		result = multierror.Append(result, err)
	}

	g.log.Info("Gateway %s shut down.", g.id)
	return result
}

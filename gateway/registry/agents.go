package registry

import (
	"context"
	"sync"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/pkg/errors"

	"github.com/scusemua/distributed-cluster/common/configuration"
	"github.com/scusemua/distributed-cluster/common/events"
	"github.com/scusemua/distributed-cluster/common/metrics"
	"github.com/scusemua/distributed-cluster/common/rpc"
	"github.com/scusemua/distributed-cluster/common/types"
	"github.com/scusemua/distributed-cluster/common/utils"
	"github.com/scusemua/distributed-cluster/common/utils/hashmap"
	"github.com/scusemua/distributed-cluster/gateway/domain"
)

const (
	// ReasonJoined and ReasonRevived label agent_started events; ReasonLost
	// labels agent_terminated events emitted by the sweeper.
	ReasonJoined  = "joined"
	ReasonRevived = "revived"
	ReasonLost    = "agent-lost"
)

// AgentRegistry is the gateway's authoritative record of every agent node:
// who exists, whether it is alive, what it can run, and what it currently
// holds. Heartbeats feed it; the lost sweeper expires it; the scheduler
// reads it.
type AgentRegistry struct {
	gatewayId string

	shared   *configuration.SharedConfig
	liveness LivenessStore
	bus      events.Producer
	clients  *ClientPool

	// metrics is optional; nil disables the gauges and counters.
	metrics *metrics.GatewayPrometheusManager

	agents *hashmap.CornelkMap[string, *AgentRecord]

	// beatLocks serializes heartbeat handling per agent so a revival
	// cannot race a concurrent update of the same record.
	beatLocks *hashmap.CornelkMap[string, *sync.Mutex]

	checkInterval time.Duration

	closed  chan struct{}
	sweeper sync.WaitGroup
	started bool
	mu      sync.Mutex

	log logger.Logger
}

func NewAgentRegistry(gatewayId string, shared *configuration.SharedConfig, liveness LivenessStore,
	bus events.Producer, clients *ClientPool, checkInterval time.Duration) *AgentRegistry {

	reg := &AgentRegistry{
		gatewayId:     gatewayId,
		shared:        shared,
		liveness:      liveness,
		bus:           bus,
		clients:       clients,
		agents:        hashmap.NewCornelkMap[string, *AgentRecord](32),
		beatLocks:     hashmap.NewCornelkMap[string, *sync.Mutex](32),
		checkInterval: checkInterval,
		closed:        make(chan struct{}),
	}
	config.InitLogger(&reg.log, reg)
	return reg
}

func (reg *AgentRegistry) String() string {
	return "AgentRegistry"
}

// SetMetrics attaches the gateway's prometheus manager. Must be called
// before StartSweeper.
func (reg *AgentRegistry) SetMetrics(manager *metrics.GatewayPrometheusManager) {
	reg.metrics = manager
}

// GetId implements metrics.AgentNodeProvider.
func (reg *AgentRegistry) GetId() string {
	return reg.gatewayId
}

// GetAgentIds implements metrics.AgentNodeProvider.
func (reg *AgentRegistry) GetAgentIds() []types.AgentId {
	ids := make([]types.AgentId, 0, reg.agents.Len())
	reg.agents.Range(func(_ string, record *AgentRecord) bool {
		ids = append(ids, record.Id())
		return true
	})
	return ids
}

// HandleHeartbeat applies one agent heartbeat: it inserts unknown agents as
// ALIVE, revives LOST/TERMINATED ones, refreshes the capacity snapshot of
// the rest, and always records the beat in the liveness store.
func (reg *AgentRegistry) HandleHeartbeat(ctx context.Context, info *types.AgentInfo) error {
	if info == nil || info.Id == "" {
		return errors.New("heartbeat carries no agent id")
	}

	lock, _ := reg.beatLocks.LoadOrStore(string(info.Id), &sync.Mutex{})
	lock.Lock()
	defer lock.Unlock()

	now := time.Now()

	record, known := reg.agents.Load(string(info.Id))
	if !known {
		record = &AgentRecord{
			info:          info.Clone(),
			status:        types.AgentAlive,
			statusChanged: now,
			firstContact:  now,
			occupied:      types.NewResourceSlot(),
			schedulable:   true,
		}
		reg.agents.Store(string(info.Id), record)

		if err := reg.publishSlotTypes(ctx, info); err != nil {
			reg.log.Warn("Cannot publish the slot types of agent \"%s\": %v", info.Id, err)
		}

		reg.log.Info(utils.GreenStyle.Render("Agent \"%s\" joined (%s, group \"%s\"): %s"),
			info.Id, info.Architecture, info.ScalingGroup, info.AvailableSlots.String())

		if err := reg.bus.Produce(ctx, events.NewAgentEvent(events.AgentStarted, info.Id, ReasonJoined)); err != nil {
			reg.log.Warn("Cannot produce the agent_started event for \"%s\": %v", info.Id, err)
		}
	} else {
		reg.refresh(ctx, record, info)
	}

	if err := reg.liveness.TouchAgent(ctx, info.Id, now); err != nil {
		reg.log.Warn("Cannot record the heartbeat of agent \"%s\": %v", info.Id, err)
	}
	if err := reg.liveness.SetContainerCount(ctx, info.Id, info.ContainerCount); err != nil {
		reg.log.Warn("Cannot record the container count of agent \"%s\": %v", info.Id, err)
	}

	if reg.metrics != nil {
		reg.metrics.HeartbeatsReceivedCounter.Inc()
		reg.metrics.ConnectedAgentsGauge.Set(float64(len(reg.aliveAgents(""))))
	}
	return nil
}

// refresh updates a known agent's record from a fresh heartbeat, reviving
// it when it was considered dead. A heartbeat from a TERMINATED agent means
// the node came back; it keeps its id and history.
func (reg *AgentRegistry) refresh(ctx context.Context, record *AgentRecord, info *types.AgentInfo) {
	record.mu.Lock()

	revived := record.status.Dead()
	if revived {
		record.status = types.AgentAlive
		record.statusChanged = time.Now()
		record.lostAt = time.Time{}
	}

	if record.info.Addr != info.Addr {
		reg.log.Warn("Agent \"%s\" changed its address from %s to %s.", info.Id, record.info.Addr, info.Addr)
	}

	slotTypesChanged := len(record.info.SlotTypes) != len(info.SlotTypes)
	if !slotTypesChanged {
		for name, slotType := range info.SlotTypes {
			if record.info.SlotTypes[name] != slotType {
				slotTypesChanged = true
				break
			}
		}
	}

	record.info = info.Clone()
	record.mu.Unlock()

	if slotTypesChanged {
		if err := reg.publishSlotTypes(ctx, info); err != nil {
			reg.log.Warn("Cannot publish the slot types of agent \"%s\": %v", info.Id, err)
		}
	}

	if revived {
		reg.log.Info(utils.LightGreenStyle.Render("Agent \"%s\" revived."), info.Id)
		if err := reg.bus.Produce(ctx, events.NewAgentEvent(events.AgentStarted, info.Id, ReasonRevived)); err != nil {
			reg.log.Warn("Cannot produce the agent_started event for \"%s\": %v", info.Id, err)
		}
	}
}

func (reg *AgentRegistry) publishSlotTypes(ctx context.Context, info *types.AgentInfo) error {
	if len(info.SlotTypes) == 0 {
		return nil
	}
	return reg.shared.RegisterResourceSlots(ctx, info.SlotTypes)
}

// Get returns the record of the given agent.
func (reg *AgentRegistry) Get(agentId types.AgentId) (*AgentRecord, bool) {
	return reg.agents.Load(string(agentId))
}

// Snapshot returns an immutable copy of the given agent's record.
func (reg *AgentRegistry) Snapshot(agentId types.AgentId) (*AgentSnapshot, error) {
	record, ok := reg.agents.Load(string(agentId))
	if !ok {
		return nil, domain.ErrAgentNotFound
	}
	return record.Snapshot(), nil
}

// Snapshots returns immutable copies of every agent record.
func (reg *AgentRegistry) Snapshots() []*AgentSnapshot {
	snapshots := make([]*AgentSnapshot, 0, reg.agents.Len())
	reg.agents.Range(func(_ string, record *AgentRecord) bool {
		snapshots = append(snapshots, record.Snapshot())
		return true
	})
	return snapshots
}

// AliveAgents returns snapshots of the schedulable ALIVE agents, optionally
// restricted to one scaling group.
func (reg *AgentRegistry) AliveAgents(scalingGroup string) []*AgentSnapshot {
	return reg.aliveAgents(scalingGroup)
}

func (reg *AgentRegistry) aliveAgents(scalingGroup string) []*AgentSnapshot {
	alive := make([]*AgentSnapshot, 0, reg.agents.Len())
	reg.agents.Range(func(_ string, record *AgentRecord) bool {
		snapshot := record.Snapshot()
		if snapshot.Status != types.AgentAlive || !snapshot.Schedulable {
			return true
		}
		if scalingGroup != "" && snapshot.Info.ScalingGroup != scalingGroup {
			return true
		}
		alive = append(alive, snapshot)
		return true
	})
	return alive
}

// TotalCapacity sums the available slots of the ALIVE agents of a scaling
// group (every group when empty).
func (reg *AgentRegistry) TotalCapacity(scalingGroup string) types.ResourceSlot {
	capacity := types.NewResourceSlot()
	for _, snapshot := range reg.aliveAgents(scalingGroup) {
		capacity = capacity.Add(snapshot.Info.AvailableSlots)
	}
	return capacity
}

// TotalOccupied sums the gateway's occupied-slot view over the ALIVE agents
// of a scaling group (every group when empty).
func (reg *AgentRegistry) TotalOccupied(scalingGroup string) types.ResourceSlot {
	occupied := types.NewResourceSlot()
	for _, snapshot := range reg.aliveAgents(scalingGroup) {
		occupied = occupied.Add(snapshot.Occupied)
	}
	return occupied
}

// Reserve adds the requested slots to the agent's occupied view. The caller
// has already established coverage; Reserve still refuses reservations on
// dead agents.
func (reg *AgentRegistry) Reserve(agentId types.AgentId, slots types.ResourceSlot) error {
	record, ok := reg.agents.Load(string(agentId))
	if !ok {
		return domain.ErrAgentNotFound
	}

	record.mu.Lock()
	defer record.mu.Unlock()

	if record.status != types.AgentAlive {
		return errors.Errorf("agent \"%s\" is %s", agentId, record.status)
	}
	record.occupied = record.occupied.Add(slots)
	return nil
}

// Release subtracts the slots from the agent's occupied view, clamping at
// zero. Clamping indicates bookkeeping drift and is logged.
func (reg *AgentRegistry) Release(agentId types.AgentId, slots types.ResourceSlot) {
	record, ok := reg.agents.Load(string(agentId))
	if !ok {
		return
	}

	record.mu.Lock()
	defer record.mu.Unlock()

	remaining := record.occupied.Sub(slots)
	for name, value := range remaining {
		if value.Sign() < 0 {
			reg.log.Warn("Occupied slot \"%s\" of agent \"%s\" went negative (%s) on release. Clamping to zero.",
				name, agentId, value.String())
			remaining[name] = types.SlotFromInt(0)
		}
	}
	record.occupied = remaining
}

// RecalcResourceUsage replaces every agent's occupied view with the given
// per-agent sums recomputed from the live kernels, repairing any drift.
func (reg *AgentRegistry) RecalcResourceUsage(usage map[types.AgentId]types.ResourceSlot) {
	reg.agents.Range(func(_ string, record *AgentRecord) bool {
		record.mu.Lock()
		if occupied, ok := usage[record.info.Id]; ok {
			record.occupied = occupied.Clone()
		} else {
			record.occupied = types.NewResourceSlot()
		}
		record.mu.Unlock()
		return true
	})
}

// SetSchedulable marks an agent as (not) accepting new sessions, draining
// it without affecting its kernels.
func (reg *AgentRegistry) SetSchedulable(agentId types.AgentId, schedulable bool) error {
	record, ok := reg.agents.Load(string(agentId))
	if !ok {
		return domain.ErrAgentNotFound
	}

	record.mu.Lock()
	record.schedulable = schedulable
	record.mu.Unlock()
	return nil
}

// MarkAgentTerminated transitions the agent out of service: LOST when the
// reason is the sweeper's agent-lost, TERMINATED otherwise. Idempotent; the
// agent_terminated event is produced only when the status actually changed.
func (reg *AgentRegistry) MarkAgentTerminated(ctx context.Context, agentId types.AgentId, reason string) bool {
	record, ok := reg.agents.Load(string(agentId))
	if !ok {
		return false
	}

	record.mu.Lock()
	if record.status.Dead() {
		record.mu.Unlock()
		return false
	}

	now := time.Now()
	if reason == ReasonLost {
		record.status = types.AgentLost
	} else {
		record.status = types.AgentTerminated
	}
	record.statusChanged = now
	record.lostAt = now
	record.mu.Unlock()

	if err := reg.liveness.ClearAgent(ctx, agentId); err != nil {
		reg.log.Warn("Cannot clear the last-seen entry of agent \"%s\": %v", agentId, err)
	}

	reg.clients.Invalidate(agentId)

	reg.log.Warn(utils.OrangeStyle.Render("Agent \"%s\" marked out of service (%s)."), agentId, reason)

	if err := reg.bus.Produce(ctx, events.NewAgentEvent(events.AgentTerminated, agentId, reason)); err != nil {
		reg.log.Error("Cannot produce the agent_terminated event for \"%s\": %v", agentId, err)
	}

	if reg.metrics != nil {
		if reason == ReasonLost {
			reg.metrics.AgentsLostCounter.Inc()
		}
		reg.metrics.ConnectedAgentsGauge.Set(float64(len(reg.aliveAgents(""))))
	}
	return true
}

// Client returns the RPC client of the given agent, dialing one on first
// use. Calls against dead agents fail immediately.
func (reg *AgentRegistry) Client(ctx context.Context, agentId types.AgentId) (*rpc.Client, error) {
	record, ok := reg.agents.Load(string(agentId))
	if !ok {
		return nil, domain.ErrAgentNotFound
	}

	record.mu.RLock()
	status, addr := record.status, record.info.Addr
	record.mu.RUnlock()

	if status.Dead() {
		return nil, errors.Errorf("agent \"%s\" is %s", agentId, status)
	}
	return reg.clients.Get(ctx, agentId, addr)
}

// StartSweeper launches the lost-agent sweep loop. Agents silent beyond the
// cluster heartbeat timeout are marked LOST.
func (reg *AgentRegistry) StartSweeper(ctx context.Context) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if reg.started {
		return
	}
	reg.started = true

	reg.sweeper.Add(1)
	go reg.sweepLoop(ctx)
}

func (reg *AgentRegistry) sweepLoop(ctx context.Context) {
	defer reg.sweeper.Done()

	ticker := time.NewTicker(reg.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-reg.closed:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			reg.Sweep(ctx)
		}
	}
}

// Sweep runs one lost-agent pass: every ALIVE agent whose last beat is older
// than the heartbeat timeout is marked LOST. Exported so tests and the
// daemon can force a pass without waiting for the ticker.
func (reg *AgentRegistry) Sweep(ctx context.Context) {
	timeout, err := reg.shared.HeartbeatTimeout(ctx)
	if err != nil {
		reg.log.Warn("Cannot read the heartbeat timeout: %v. Using the default.", err)
		timeout = configuration.DefaultHeartbeatTimeout
	}

	lastSeen, err := reg.liveness.AgentLastSeen(ctx)
	if err != nil {
		reg.log.Error("Cannot scan the liveness store: %v", err)
		return
	}

	deadline := time.Now().Add(-timeout)
	reg.agents.Range(func(_ string, record *AgentRecord) bool {
		if record.Status() != types.AgentAlive {
			return true
		}

		beat, beaten := lastSeen[record.Id()]
		if beaten && beat.After(deadline) {
			return true
		}

		// An agent we have a record of but no liveness entry for lost
		// its entry to a redis flush; give it one sweep interval of
		// grace by touching it instead of expiring it outright.
		if !beaten {
			if err := reg.liveness.TouchAgent(ctx, record.Id(), time.Now()); err == nil {
				return true
			}
		}

		reg.MarkAgentTerminated(ctx, record.Id(), ReasonLost)
		return true
	})
}

// Close stops the sweeper and closes every agent client.
func (reg *AgentRegistry) Close() error {
	reg.mu.Lock()
	select {
	case <-reg.closed:
	default:
		close(reg.closed)
	}
	reg.mu.Unlock()

	reg.sweeper.Wait()
	return reg.clients.Close()
}

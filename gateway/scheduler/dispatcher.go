package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"

	"github.com/scusemua/distributed-cluster/common/configuration"
	"github.com/scusemua/distributed-cluster/common/events"
	"github.com/scusemua/distributed-cluster/common/metrics"
	"github.com/scusemua/distributed-cluster/common/types"
	"github.com/scusemua/distributed-cluster/common/utils"
	"github.com/scusemua/distributed-cluster/gateway/domain"
	"github.com/scusemua/distributed-cluster/gateway/registry"
)

// ReasonPendingTimeout labels sessions cancelled for waiting too long in
// the queue.
const ReasonPendingTimeout = "pending-timeout"

// Dispatcher runs scheduling passes: one pass walks every scaling group with
// pending sessions, asks the group's policy which session goes next, runs
// the predicate chain, selects agents, and commits placements. Exactly one
// pass runs at a time; do_schedule events that arrive mid-pass serialize
// behind it.
type Dispatcher struct {
	shared   *configuration.SharedConfig
	agents   *registry.AgentRegistry
	sessions *registry.SessionRegistry
	liveness registry.LivenessStore
	bus      events.Producer

	policies   map[string]Policy
	selectors  map[string]AgentSelector
	predicates []Predicate

	// metrics is optional; a nil provider disables observation.
	metrics metrics.SchedulerMetricsProvider

	passMu sync.Mutex

	log logger.Logger
}

func NewDispatcher(shared *configuration.SharedConfig, agents *registry.AgentRegistry,
	sessions *registry.SessionRegistry, liveness registry.LivenessStore, bus events.Producer) *Dispatcher {

	dispatcher := &Dispatcher{
		shared:     shared,
		agents:     agents,
		sessions:   sessions,
		liveness:   liveness,
		bus:        bus,
		policies:   make(map[string]Policy),
		selectors:  make(map[string]AgentSelector),
		predicates: DefaultPredicates(sessions),
	}
	config.InitLogger(&dispatcher.log, dispatcher)

	for _, policy := range []Policy{&FifoPolicy{}, &LifoPolicy{}, &DrfPolicy{}} {
		dispatcher.policies[policy.Name()] = policy
	}

	dispersed := &DispersedSelector{}
	dispatcher.selectors[dispersed.Name()] = dispersed
	// "legacy" is the historical name of the spread-first strategy.
	dispatcher.selectors["legacy"] = dispersed

	concentrated := &ConcentratedSelector{Sessions: sessions}
	dispatcher.selectors[concentrated.Name()] = concentrated

	roundrobin := &RoundRobinSelector{Shared: shared}
	dispatcher.selectors[roundrobin.Name()] = roundrobin

	return dispatcher
}

func (d *Dispatcher) String() string {
	return "Dispatcher"
}

// SetMetrics attaches the scheduling metrics provider.
func (d *Dispatcher) SetMetrics(provider metrics.SchedulerMetricsProvider) {
	d.metrics = provider
}

func (d *Dispatcher) policy(name string) Policy {
	if policy, ok := d.policies[name]; ok {
		return policy
	}
	d.log.Warn("Unknown scheduler policy \"%s\". Falling back to \"%s\".", name, configuration.DefaultSchedulerName)
	return d.policies[configuration.DefaultSchedulerName]
}

func (d *Dispatcher) selector(name string) AgentSelector {
	if selector, ok := d.selectors[name]; ok {
		return selector
	}
	d.log.Warn("Unknown agent selector \"%s\". Falling back to \"%s\".", name, configuration.DefaultAgentSelectorName)
	return d.selectors[configuration.DefaultAgentSelectorName]
}

// Schedule runs one full scheduling pass over every scaling group that has
// pending sessions.
func (d *Dispatcher) Schedule(ctx context.Context) {
	d.passMu.Lock()
	defer d.passMu.Unlock()

	passStart := time.Now()

	slotTypes, err := d.shared.ResourceSlotTypes(ctx)
	if err != nil {
		d.log.Error("Cannot load the cluster slot table; skipping the scheduling pass: %v", err)
		return
	}
	maxContainers, err := d.shared.MaxContainerCount(ctx)
	if err != nil {
		d.log.Warn("Cannot read the container limit; treating it as unlimited: %v", err)
		maxContainers = 0
	}

	groups := make(map[string]struct{})
	for _, session := range d.sessions.PendingInOrder("") {
		groups[session.ScalingGroup()] = struct{}{}
	}

	for group := range groups {
		d.scheduleGroup(ctx, group, slotTypes, maxContainers)
	}

	if d.metrics != nil {
		d.metrics.GetSchedulerCycleLatencyHistogram().Observe(float64(time.Since(passStart).Microseconds()))
	}
}

func (d *Dispatcher) scheduleGroup(ctx context.Context, group string,
	slotTypes map[types.SlotName]types.SlotTypes, maxContainers int) {

	groupConfig, err := d.shared.ScalingGroup(ctx, group)
	if err != nil {
		d.log.Error("Cannot load the configuration of scaling group \"%s\": %v", group, err)
		return
	}

	pending := d.sessions.PendingInOrder(group)
	pending = d.cancelOverdue(ctx, pending, groupConfig)
	if len(pending) == 0 {
		return
	}

	alive := d.agents.AliveAgents(group)
	if len(alive) == 0 {
		d.log.Debug("Scaling group \"%s\" has no schedulable agents; %d session(s) stay pending.",
			group, len(pending))
		return
	}

	capacity := types.NewResourceSlot()
	candidates := make([]*Candidate, 0, len(alive))
	for _, snapshot := range alive {
		capacity = capacity.Add(snapshot.Info.AvailableSlots)

		count, _, err := d.liveness.ContainerCount(ctx, snapshot.Info.Id)
		if err != nil {
			d.log.Warn("Cannot read the container count of agent \"%s\": %v", snapshot.Info.Id, err)
			count = snapshot.Info.ContainerCount
		}
		candidates = append(candidates, &Candidate{
			Agent:          snapshot,
			PendingSlots:   types.NewResourceSlot(),
			ContainerCount: count,
		})
	}

	policy := d.policy(groupConfig.Scheduler)
	selector := d.selector(groupConfig.AgentSelector)

	untried := pending
	for {
		picked := policy.PickSession(ctx, &PickInput{
			Pending:  untried,
			Capacity: capacity,
			Sessions: d.sessions,
			Opts:     &groupConfig.Opts,
		})
		if picked == nil {
			return
		}

		remaining := make([]*registry.SessionRecord, 0, len(untried)-1)
		for _, session := range untried {
			if session.Id() != picked.Id() {
				remaining = append(remaining, session)
			}
		}
		untried = remaining

		start := time.Now()
		if d.place(ctx, picked, candidates, groupConfig, selector, slotTypes, maxContainers) {
			if d.metrics != nil {
				d.metrics.GetSessionScheduleLatencyHistogram().Observe(time.Since(start).Seconds())
			}
		}
	}
}

// cancelOverdue enforces the group's pending timeout and returns the
// sessions still worth scheduling.
func (d *Dispatcher) cancelOverdue(ctx context.Context, pending []*registry.SessionRecord,
	groupConfig *configuration.ScalingGroupConfig) []*registry.SessionRecord {

	timeout := groupConfig.Opts.PendingTimeout()
	if timeout <= 0 {
		return pending
	}

	deadline := time.Now().Add(-timeout)
	kept := pending[:0]
	for _, session := range pending {
		if session.EnqueuedAt().After(deadline) {
			kept = append(kept, session)
			continue
		}
		if !session.Advance(types.StatusCancelled, ReasonPendingTimeout) {
			continue
		}
		d.sessions.Dequeue(session.Id())

		d.log.Warn("Session \"%s\" waited longer than %v; cancelling it.", session.Id(), timeout)
		event := events.NewSessionEvent(events.SessionCancelled, session.Id(), session.CreationId(), ReasonPendingTimeout)
		if err := d.bus.Broadcast(ctx, event); err != nil {
			d.log.Warn("Cannot broadcast the cancellation of session \"%s\": %v", session.Id(), err)
		}
	}
	return kept
}

// place tries to schedule one session end to end: predicates, agent
// selection per cluster mode, slot reservation, and the PENDING→SCHEDULED
// transition. Returns false when the session stays pending; its scheduling
// attempt then records why.
func (d *Dispatcher) place(ctx context.Context, session *registry.SessionRecord, candidates []*Candidate,
	groupConfig *configuration.ScalingGroupConfig, selector AgentSelector,
	slotTypes map[types.SlotName]types.SlotTypes, maxContainers int) bool {

	attempt := &domain.SchedulingAttempt{}

	if !groupConfig.Opts.SessionTypeAllowed(session.Spec().SessionType) {
		attempt.FailedPredicates = append(attempt.FailedPredicates, domain.PredicateFailure{
			Name: "allowed_session_types",
			Message: fmt.Sprintf("session type %s is not allowed in scaling group %s",
				session.Spec().SessionType, groupConfig.Name),
		})
	} else {
		attempt.PassedPredicates = append(attempt.PassedPredicates, "allowed_session_types")
	}

	for _, predicate := range d.predicates {
		if err := predicate.Check(ctx, session, slotTypes); err != nil {
			attempt.FailedPredicates = append(attempt.FailedPredicates, domain.PredicateFailure{
				Name:    predicate.Name(),
				Message: err.Error(),
			})
			if d.metrics != nil {
				d.metrics.GetPredicateFailuresCounter().WithLabelValues(predicate.Name()).Inc()
			}
		} else {
			attempt.PassedPredicates = append(attempt.PassedPredicates, predicate.Name())
		}
	}

	if len(attempt.FailedPredicates) > 0 {
		session.RecordAttempt(attempt)
		return false
	}

	placements, err := d.selectAgents(ctx, session, candidates, groupConfig, selector, slotTypes, maxContainers)
	if err != nil {
		attempt.Message = err.Error()
		session.RecordAttempt(attempt)
		if d.metrics != nil {
			d.metrics.GetAgentSelectionLatencyHistogram().WithLabelValues("false").Observe(0)
		}
		return false
	}

	d.commit(ctx, session, placements)
	return true
}

// placement pairs one kernel with its chosen agent.
type placement struct {
	kernelId  types.KernelId
	candidate *Candidate
}

// selectAgents runs the filter pipeline and the strategy for every kernel of
// the session. Single-node sessions bind all kernels to one agent; failures
// roll back the bookings this call made so the pass's view stays clean.
func (d *Dispatcher) selectAgents(ctx context.Context, session *registry.SessionRecord, candidates []*Candidate,
	groupConfig *configuration.ScalingGroupConfig, selector AgentSelector,
	slotTypes map[types.SlotName]types.SlotTypes, maxContainers int) ([]placement, error) {

	if len(candidates) == 0 {
		return nil, ErrNoAvailableAgents
	}

	requested := session.Requested()
	kernels := session.Kernels()

	priority := groupConfig.Opts.ResourcePriority
	if len(priority) == 0 {
		priority = configuration.DefaultResourcePriority
	}
	ordered := intersectPriority(priority, requested)

	var placements []placement
	rollback := func() {
		for _, p := range placements {
			p.candidate.PendingSlots = p.candidate.PendingSlots.Sub(requested)
			p.candidate.PendingContainers--
		}
	}

	selectionStart := time.Now()

	if session.Spec().ClusterMode == types.SingleNode {
		// The whole session lands on one agent, so the agent must cover
		// the combined request and have room for every container.
		total := session.TotalRequested()
		eligible, err := d.filter(session, candidates, total, slotTypes, maxContainers, len(kernels))
		if err != nil {
			return nil, err
		}

		choice, err := selector.Select(ctx, &SelectionInput{
			Session:    session,
			Requested:  total,
			Candidates: eligible,
			Priority:   ordered,
		})
		if err != nil {
			return nil, err
		}

		for _, kernel := range kernels {
			choice.Book(requested)
			placements = append(placements, placement{kernelId: kernel.Id, candidate: choice})
		}
	} else {
		for _, kernel := range kernels {
			eligible, err := d.filter(session, candidates, requested, slotTypes, maxContainers, 1)
			if err != nil {
				rollback()
				return nil, err
			}

			choice, err := selector.Select(ctx, &SelectionInput{
				Session:    session,
				Requested:  requested,
				Candidates: eligible,
				Priority:   ordered,
			})
			if err != nil {
				rollback()
				return nil, err
			}

			choice.Book(requested)
			placements = append(placements, placement{kernelId: kernel.Id, candidate: choice})
		}
	}

	if d.metrics != nil {
		d.metrics.GetAgentSelectionLatencyHistogram().WithLabelValues("true").
			Observe(float64(time.Since(selectionStart).Microseconds()))
	}
	return placements, nil
}

// filter applies the architecture, resource, and container-limit filters,
// returning the surviving candidates or the most specific error.
func (d *Dispatcher) filter(session *registry.SessionRecord, candidates []*Candidate,
	requested types.ResourceSlot, slotTypes map[types.SlotName]types.SlotTypes,
	maxContainers int, containersNeeded int) ([]*Candidate, error) {

	architecture := session.Spec().Image.Architecture

	archMatched := make([]*Candidate, 0, len(candidates))
	available := make(map[string]struct{})
	for _, candidate := range candidates {
		available[candidate.Agent.Info.Architecture] = struct{}{}
		if candidate.Agent.Info.Architecture == architecture {
			archMatched = append(archMatched, candidate)
		}
	}
	if len(archMatched) == 0 {
		archs := make([]string, 0, len(available))
		for arch := range available {
			archs = append(archs, arch)
		}
		return nil, &ArchitectureMismatchError{Requested: architecture, Available: archs}
	}

	fitting := make([]*Candidate, 0, len(archMatched))
	var best *Candidate
	for _, candidate := range archMatched {
		if len(candidate.Unused().CheckCoverage(requested)) == 0 {
			fitting = append(fitting, candidate)
		}
		if best == nil || compareByPriority(candidate.Unused(), best.Unused(), requested.Names()) > 0 {
			best = candidate
		}
	}
	if len(fitting) == 0 {
		return nil, &InsufficientResourcesError{
			Details:   best.Unused().CheckCoverage(requested),
			SlotTypes: slotTypes,
		}
	}

	if maxContainers <= 0 {
		return fitting, nil
	}

	withRoom := make([]*Candidate, 0, len(fitting))
	for _, candidate := range fitting {
		if candidate.ContainerCount+candidate.PendingContainers+containersNeeded <= maxContainers {
			withRoom = append(withRoom, candidate)
		}
	}
	if len(withRoom) == 0 {
		return nil, &ContainerLimitError{Limit: maxContainers}
	}
	return withRoom, nil
}

// commit makes the placements real: slots are reserved on the agent
// records, kernels learn their agents, and the session leaves the queue as
// SCHEDULED.
func (d *Dispatcher) commit(ctx context.Context, session *registry.SessionRecord, placements []placement) {
	requested := session.Requested()

	byKernel := make(map[types.KernelId]*Candidate, len(placements))
	for _, p := range placements {
		byKernel[p.kernelId] = p.candidate

		if err := d.agents.Reserve(p.candidate.Agent.Info.Id, requested); err != nil {
			// The agent died between selection and commit; the next pass
			// reschedules the session, and the recompute repairs totals.
			d.log.Warn("Cannot reserve slots on agent \"%s\": %v", p.candidate.Agent.Info.Id, err)
		}
	}

	session.Mutate(func(kernels []*registry.KernelRecord) {
		for _, kernel := range kernels {
			candidate, ok := byKernel[kernel.Id]
			if !ok {
				continue
			}
			kernel.AgentId = candidate.Agent.Info.Id
			kernel.AgentAddr = candidate.Agent.Info.Addr
			kernel.Advance(types.StatusScheduled, "")
		}
	})

	session.Advance(types.StatusScheduled, "")
	session.ClearAttempt()
	d.sessions.Dequeue(session.Id())

	d.log.Info(utils.LightBlueStyle.Render("Scheduled session \"%s\" onto %d kernel placement(s)."),
		session.Id(), len(placements))

	scheduled := events.NewSessionEvent(events.SessionScheduled, session.Id(), session.CreationId(), "")
	if err := d.bus.Broadcast(ctx, scheduled); err != nil {
		d.log.Warn("Cannot broadcast session_scheduled for \"%s\": %v", session.Id(), err)
	}
	if err := d.bus.Produce(ctx, events.NewDoPrepareEvent()); err != nil {
		d.log.Warn("Cannot produce do_prepare after scheduling \"%s\": %v", session.Id(), err)
	}
}

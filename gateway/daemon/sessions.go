package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/scusemua/distributed-cluster/common/events"
	"github.com/scusemua/distributed-cluster/common/types"
	"github.com/scusemua/distributed-cluster/common/utils"
	"github.com/scusemua/distributed-cluster/gateway/domain"
	"github.com/scusemua/distributed-cluster/gateway/registry"
)

// ReasonUserRequested labels lifecycle transitions caused by an API call.
const ReasonUserRequested = "user-requested"

// EnqueueSession validates the spec, creates the PENDING session and kernel
// records, and kicks the scheduler. The returned snapshot reflects the
// session as enqueued.
func (g *ClusterGateway) EnqueueSession(ctx context.Context, spec *domain.SessionSpec) (*registry.SessionSnapshot, error) {
	if spec == nil || spec.Name == "" {
		return nil, errors.New("session name is required")
	}

	if spec.ClusterMode == "" {
		spec.ClusterMode = types.SingleNode
	}
	switch spec.ClusterMode {
	case types.SingleNode, types.MultiNode:
	default:
		return nil, errors.Errorf("unknown cluster mode \"%s\"", spec.ClusterMode)
	}
	if spec.ClusterSize <= 0 {
		spec.ClusterSize = 1
	}
	if spec.SessionType == "" {
		spec.SessionType = types.SessionTypeInteractive
	}
	if spec.Image.Name == "" {
		return nil, errors.New("a container image is required")
	}
	if spec.Image.Architecture == "" {
		spec.Image.Architecture = "x86_64"
	}

	slotTypes, err := g.shared.ResourceSlotTypes(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "loading the cluster slot table")
	}
	requested, err := types.ResourceSlotFromUserInput(spec.ResourceSlots, slotTypes)
	if err != nil {
		return nil, errors.Wrap(err, "invalid resource request")
	}

	sessionId := types.SessionId(spec.Name)
	creationId := uuid.NewString()

	kernelIds := make([]types.KernelId, 0, spec.ClusterSize)
	for idx := 0; idx < spec.ClusterSize; idx++ {
		kernelIds = append(kernelIds, types.KernelId(fmt.Sprintf("%s-k%d", sessionId, idx)))
	}

	record := registry.NewSessionRecord(sessionId, creationId, spec, requested, kernelIds)
	if err := g.sessions.Add(record); err != nil {
		return nil, err
	}

	if err := g.liveness.TouchSession(ctx, sessionId, time.Now()); err != nil {
		g.log.Warn("Cannot record the initial access of session \"%s\": %v", sessionId, err)
	}

	if err := g.bus.Broadcast(ctx, events.NewSessionEvent(events.SessionEnqueued, sessionId, creationId, "")); err != nil {
		g.log.Warn("Cannot broadcast the session_enqueued event of \"%s\": %v", sessionId, err)
	}
	if err := g.bus.Produce(ctx, events.NewDoScheduleEvent()); err != nil {
		g.log.Warn("Cannot kick the scheduler for session \"%s\": %v", sessionId, err)
	}

	g.log.Info("Enqueued session \"%s\" with %d kernel(s) requesting %v.",
		sessionId, len(kernelIds), requested)
	return record.Snapshot(), nil
}

// DestroySession tears one session down: pending sessions are cancelled in
// place, placed sessions get destroy_kernel RPCs. With force set, RPC
// failures are tolerated and the kernels are marked TERMINATED anyway.
func (g *ClusterGateway) DestroySession(ctx context.Context, sessionId types.SessionId, reason string, force bool) error {
	record, err := g.sessions.Get(sessionId)
	if err != nil {
		return err
	}
	if reason == "" {
		reason = ReasonUserRequested
	}

	status := record.Status()
	if status.Terminal() {
		return nil
	}

	if status == types.StatusPending {
		record.Advance(types.StatusCancelled, reason)
		record.Mutate(func(kernels []*registry.KernelRecord) {
			for _, kernel := range kernels {
				kernel.Advance(types.StatusCancelled, reason)
			}
		})
		g.finalizeSession(ctx, record, reason)
		return nil
	}

	record.Advance(types.StatusTerminating, reason)

	var result error
	for agentId, kernels := range record.KernelsByAgent() {
		for _, kernel := range kernels {
			if kernel.Status.Terminal() || agentId == "" {
				continue
			}

			if err := g.destroyKernel(ctx, agentId, kernel.Id, reason, force); err != nil {
				if !force {
					result = multierror.Append(result, err)
					continue
				}
				g.log.Warn("Forced destroy of kernel \"%s\" failed over RPC: %v. Marking it terminated anyway.",
					kernel.Id, err)
				g.markKernelTerminal(ctx, record, kernel.Id, types.StatusTerminated, reason, 0)
			}
		}
	}

	if result != nil {
		return result
	}

	// The kernel_terminated events finalize the session; with an unreachable
	// agent under force the events never come, so settle it here.
	if record.AllKernelsTerminal() {
		g.finalizeSession(ctx, record, reason)
	}
	return nil
}

func (g *ClusterGateway) destroyKernel(ctx context.Context, agentId types.AgentId,
	kernelId types.KernelId, reason string, force bool) error {

	client, err := g.agents.Client(ctx, agentId)
	if err != nil {
		return errors.Wrapf(err, "no client for agent \"%s\"", agentId)
	}

	callCtx, cancel := context.WithTimeout(ctx, g.opts.RpcCallTimeout())
	defer cancel()

	reply, err := client.DestroyKernel(callCtx, kernelId, reason, force)
	if err != nil {
		return errors.Wrapf(err, "destroying kernel \"%s\"", kernelId)
	}
	if !reply.Found {
		g.log.Warn("Agent \"%s\" did not know kernel \"%s\"; treating the destroy as done.", agentId, kernelId)
	}
	return nil
}

// RestartSession stops and recreates every kernel of a RUNNING session with
// its existing placement and allocation.
func (g *ClusterGateway) RestartSession(ctx context.Context, sessionId types.SessionId) error {
	record, err := g.sessions.Get(sessionId)
	if err != nil {
		return err
	}
	if record.Status() != types.StatusRunning {
		return errors.Wrapf(domain.ErrSessionNotRestartable, "session \"%s\" is %s", sessionId, record.Status())
	}

	record.Advance(types.StatusRestarting, ReasonUserRequested)

	var result error
	for agentId, kernels := range record.KernelsByAgent() {
		if agentId == "" {
			continue
		}

		client, err := g.agents.Client(ctx, agentId)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}

		for _, kernel := range kernels {
			callCtx, cancel := context.WithTimeout(ctx, g.opts.RpcCallTimeout())
			reply, err := client.RestartKernel(callCtx, kernel.Id)
			cancel()

			if err != nil {
				result = multierror.Append(result, errors.Wrapf(err, "restarting kernel \"%s\"", kernel.Id))
				continue
			}
			record.UpdateKernel(kernel.Id, func(k *registry.KernelRecord) {
				k.ContainerId = reply.ContainerId
			})
		}
	}

	record.Advance(types.StatusRunning, "restarted")
	if err := g.liveness.TouchSession(ctx, sessionId, time.Now()); err != nil {
		g.log.Warn("Cannot touch session \"%s\" after restart: %v", sessionId, err)
	}

	if result != nil {
		return result
	}
	g.log.Info("Restarted session \"%s\".", sessionId)
	return nil
}

// TouchSession records user activity so the idle-timeout checker does not
// reap a session that is actively used.
func (g *ClusterGateway) TouchSession(ctx context.Context, sessionId types.SessionId) {
	if err := g.liveness.TouchSession(ctx, sessionId, time.Now()); err != nil {
		g.log.Warn("Cannot touch session \"%s\": %v", sessionId, err)
	}
}

// handleKernelPhase maps one of the intermediate kernel_* notifications onto
// the kernel's (and, while preparing, the session's) status.
func (g *ClusterGateway) handleKernelPhase(status types.KernelStatus) events.Handler {
	return func(_ context.Context, event *events.ClusterEvent) {
		record, err := g.sessions.Get(event.SessionId)
		if err != nil {
			return
		}

		record.UpdateKernel(event.KernelId, func(kernel *registry.KernelRecord) {
			kernel.Advance(status, event.Reason)
		})
		if status == types.StatusPulling {
			record.Advance(types.StatusPulling, event.Reason)
		}
	}
}

// handleKernelStarted records the kernel's container coordinates; the last
// kernel up moves the session to RUNNING.
func (g *ClusterGateway) handleKernelStarted(ctx context.Context, event *events.ClusterEvent) {
	record, err := g.sessions.Get(event.SessionId)
	if err != nil {
		g.log.Warn("Dropping a kernel_started event for unknown session \"%s\".", event.SessionId)
		return
	}

	payload := &events.KernelStartedPayload{}
	if len(event.Payload) > 0 {
		if err := event.DecodePayload(payload); err != nil {
			g.log.Warn("Undecodable kernel_started payload of kernel \"%s\": %v", event.KernelId, err)
		}
	}

	record.UpdateKernel(event.KernelId, func(kernel *registry.KernelRecord) {
		if payload.ContainerId != "" {
			kernel.ContainerId = payload.ContainerId
		}
		if payload.Addr != "" {
			kernel.Addr = payload.Addr
		}
		if len(payload.ServicePorts) > 0 {
			kernel.ServicePorts = payload.ServicePorts
		}
		kernel.Advance(types.StatusRunning, event.Reason)
	})

	if err := g.liveness.TouchSession(ctx, event.SessionId, time.Now()); err != nil {
		g.log.Warn("Cannot touch session \"%s\": %v", event.SessionId, err)
	}

	if !record.AllKernels(types.StatusRunning) {
		return
	}
	if !record.Advance(types.StatusRunning, "") {
		return
	}

	g.log.Info(utils.GreenStyle.Render(
		fmt.Sprintf("Session \"%s\" is running (%d kernel(s), %v after enqueue).",
			record.Id(), len(record.Kernels()), time.Since(record.EnqueuedAt()).Round(time.Millisecond))))

	if g.metrics != nil {
		g.metrics.GetSessionScheduleLatencyHistogram().
			Observe(time.Since(record.EnqueuedAt()).Seconds())
	}

	started := events.NewSessionEvent(events.SessionStarted, record.Id(), record.CreationId(), "")
	if err := g.bus.Broadcast(ctx, started); err != nil {
		g.log.Warn("Cannot broadcast the session_started event of \"%s\": %v", record.Id(), err)
	}
}

func (g *ClusterGateway) handleKernelCancelled(ctx context.Context, event *events.ClusterEvent) {
	record, err := g.sessions.Get(event.SessionId)
	if err != nil {
		return
	}
	g.markKernelTerminal(ctx, record, event.KernelId, types.StatusCancelled, event.Reason, 0)
}

func (g *ClusterGateway) handleKernelTerminated(ctx context.Context, event *events.ClusterEvent) {
	record, err := g.sessions.Get(event.SessionId)
	if err != nil {
		return
	}

	payload := &events.KernelTerminatedPayload{}
	if len(event.Payload) > 0 {
		_ = event.DecodePayload(payload)
	}
	g.markKernelTerminal(ctx, record, event.KernelId, types.StatusTerminated, event.Reason, payload.ExitCode)
}

// markKernelTerminal moves one kernel into a terminal status exactly once,
// releasing its slot reservation, and settles the session when it was the
// last kernel standing.
func (g *ClusterGateway) markKernelTerminal(ctx context.Context, record *registry.SessionRecord,
	kernelId types.KernelId, status types.KernelStatus, reason string, exitCode int) {

	var agentId types.AgentId
	var released types.ResourceSlot
	changed := false

	record.UpdateKernel(kernelId, func(kernel *registry.KernelRecord) {
		if kernel.Status.Terminal() {
			return
		}
		wasPlaced := kernel.AgentId != ""
		if kernel.Advance(status, reason) {
			changed = true
			kernel.ExitCode = exitCode
			if wasPlaced {
				agentId = kernel.AgentId
				released = kernel.Requested
			}
		}
	})

	if !changed {
		return
	}
	if agentId != "" {
		g.agents.Release(agentId, released)
	}

	if record.AllKernelsTerminal() {
		g.finalizeSession(ctx, record, reason)
	}
}

// finalizeSession settles a session whose kernels have all reached a terminal
// status: TERMINATED when it ever ran, CANCELLED otherwise.
func (g *ClusterGateway) finalizeSession(ctx context.Context, record *registry.SessionRecord, reason string) {
	final := types.StatusTerminated
	name := events.SessionTerminated
	if !record.EverRunning() {
		final = types.StatusCancelled
		name = events.SessionCancelled
	}
	record.Advance(final, reason)

	g.sessions.Dequeue(record.Id())
	g.idleHost.Forget(record.Id())
	if err := g.liveness.ClearSession(ctx, record.Id()); err != nil {
		g.log.Warn("Cannot clear the liveness entry of session \"%s\": %v", record.Id(), err)
	}

	g.log.Info("Session \"%s\" is %s (%s).", record.Id(), final, reason)
	if err := g.bus.Broadcast(ctx, events.NewSessionEvent(name, record.Id(), record.CreationId(), reason)); err != nil {
		g.log.Warn("Cannot broadcast the %s event of \"%s\": %v", name, record.Id(), err)
	}
}

// handleAgentTerminated sweeps the kernels that lived on a lost or withdrawn
// agent and rebuilds the remaining agents' occupancy from the surviving
// sessions.
func (g *ClusterGateway) handleAgentTerminated(ctx context.Context, event *events.ClusterEvent) {
	reason := event.Reason
	if reason == "" {
		reason = registry.ReasonLost
	}

	// Covers agents that announced their own shutdown; the sweeper's events
	// arrive with the record already dead, making this a no-op.
	g.agents.MarkAgentTerminated(ctx, event.AgentId, reason)

	for _, record := range g.sessions.Active("") {
		touched := false
		for _, kernel := range record.Kernels() {
			if kernel.AgentId != event.AgentId || kernel.Status.Terminal() {
				continue
			}
			record.UpdateKernel(kernel.Id, func(k *registry.KernelRecord) {
				k.Advance(types.StatusTerminated, reason)
			})
			touched = true
		}
		if !touched {
			continue
		}

		g.log.Warn(utils.OrangeStyle.Render(
			fmt.Sprintf("Session \"%s\" lost kernel(s) on agent \"%s\".", record.Id(), event.AgentId)))

		if record.AllKernelsTerminal() {
			g.finalizeSession(ctx, record, reason)
		}
	}

	// Occupancy of the departed agent is gone with it; recompute the rest
	// from the surviving placements instead of trusting incremental releases.
	g.agents.RecalcResourceUsage(g.sessions.AgentUsage())
}

package daemon

import (
	"context"

	"github.com/scusemua/distributed-cluster/common/events"
	"github.com/scusemua/distributed-cluster/common/rpc"
	"github.com/scusemua/distributed-cluster/common/types"
	"github.com/scusemua/distributed-cluster/gateway/registry"
)

// ReasonCreateFailed labels kernels whose create RPC never reached the agent
// or was rejected outright.
const ReasonCreateFailed = "create-failed"

// PrepareScheduledSessions drives every SCHEDULED session into preparation:
// the session moves to PREPARING and the assigned agents receive one
// create_kernels batch each. Kernel events from the agents drive the rest of
// the way to RUNNING. Wired to the do_prepare event; the scheduler also
// produces do_prepare right after committing placements, so the timer mostly
// finds nothing to do.
func (g *ClusterGateway) PrepareScheduledSessions(ctx context.Context) {
	g.prepareMu.Lock()
	defer g.prepareMu.Unlock()

	for _, record := range g.sessions.Active("") {
		if record.Status() != types.StatusScheduled {
			continue
		}
		g.prepareSession(ctx, record)
	}
}

func (g *ClusterGateway) prepareSession(ctx context.Context, record *registry.SessionRecord) {
	if !record.Advance(types.StatusPreparing, "") {
		return
	}

	preparing := events.NewSessionEvent(events.SessionPreparing, record.Id(), record.CreationId(), "")
	if err := g.bus.Broadcast(ctx, preparing); err != nil {
		g.log.Warn("Cannot broadcast the session_preparing event of \"%s\": %v", record.Id(), err)
	}

	spec := record.Spec()
	for agentId, kernels := range record.KernelsByAgent() {
		if agentId == "" {
			continue
		}

		specs := make([]*rpc.KernelCreationSpec, 0, len(kernels))
		for _, kernel := range kernels {
			if kernel.Status != types.StatusScheduled {
				continue
			}
			specs = append(specs, &rpc.KernelCreationSpec{
				KernelId:      kernel.Id,
				SessionId:     record.Id(),
				CreationId:    record.CreationId(),
				Image:         spec.Image,
				SessionType:   spec.SessionType,
				ClusterMode:   spec.ClusterMode,
				ClusterRole:   kernel.ClusterRole,
				ClusterIdx:    kernel.ClusterIdx,
				ResourceSlots: kernel.Requested,
				Environ:       spec.Environ,
			})
		}
		if len(specs) == 0 {
			continue
		}

		g.createKernelsOn(ctx, record, agentId, specs)
	}
}

// createKernelsOn sends one create_kernels batch and reconciles its reply.
// The agent's kernel events normally arrive before the reply does; the reply
// only settles kernels whose creation failed without an event (or whose
// batch never reached the agent at all).
func (g *ClusterGateway) createKernelsOn(ctx context.Context, record *registry.SessionRecord,
	agentId types.AgentId, specs []*rpc.KernelCreationSpec) {

	failBatch := func(reason string) {
		for _, spec := range specs {
			g.markKernelTerminal(ctx, record, spec.KernelId, types.StatusCancelled, reason, 0)
		}
	}

	client, err := g.agents.Client(ctx, agentId)
	if err != nil {
		g.log.Error("No client for agent \"%s\"; cancelling %d kernel(s) of session \"%s\": %v",
			agentId, len(specs), record.Id(), err)
		failBatch(ReasonCreateFailed)
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, g.opts.RpcCallTimeout())
	defer cancel()

	reply, err := client.CreateKernels(callCtx, specs)
	if err != nil {
		g.log.Error("create_kernels on agent \"%s\" failed for session \"%s\": %v",
			agentId, record.Id(), err)
		failBatch(ReasonCreateFailed)
		return
	}

	for _, created := range reply.Kernels {
		if created.Error != "" {
			g.log.Warn("Agent \"%s\" rejected kernel \"%s\": %s", agentId, created.KernelId, created.Error)
			g.markKernelTerminal(ctx, record, created.KernelId, types.StatusCancelled, created.Error, 0)
			continue
		}

		record.UpdateKernel(created.KernelId, func(kernel *registry.KernelRecord) {
			if created.ContainerId != "" {
				kernel.ContainerId = created.ContainerId
			}
			if created.Addr != "" && kernel.Addr == "" {
				kernel.Addr = created.Addr
			}
		})
	}
}

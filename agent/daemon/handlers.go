package daemon

import (
	"context"

	"github.com/scusemua/distributed-cluster/common/rpc"
)

// registerHandlers binds every RPC method the gateway calls on an agent.
// The transport may redeliver a call whose receipt was lost, so every
// handler resolves redelivery through the registry instead of assuming a
// fresh request.
func (d *AgentDaemon) registerHandlers() {
	d.rpcServer.RegisterHandler(rpc.MethodPing, d.handlePing)
	d.rpcServer.RegisterHandler(rpc.MethodCreateKernels, d.handleCreateKernels)
	d.rpcServer.RegisterHandler(rpc.MethodDestroyKernel, d.handleDestroyKernel)
	d.rpcServer.RegisterHandler(rpc.MethodRestartKernel, d.handleRestartKernel)
	d.rpcServer.RegisterHandler(rpc.MethodGetLogs, d.handleGetLogs)
	d.rpcServer.RegisterHandler(rpc.MethodSyncKernelRegistry, d.handleSyncKernelRegistry)
	d.rpcServer.RegisterHandler(rpc.MethodResetAgent, d.handleResetAgent)
	d.rpcServer.RegisterHandler(rpc.MethodShutdownAgent, d.handleShutdownAgent)
}

func (d *AgentDaemon) handlePing(_ context.Context, msg *rpc.Message) (interface{}, error) {
	var request rpc.PingRequest
	if err := msg.DecodeBody(&request); err != nil {
		return nil, err
	}
	return &rpc.PingReply{Nonce: request.Nonce, AgentId: d.id, Version: Version}, nil
}

func (d *AgentDaemon) handleCreateKernels(ctx context.Context, msg *rpc.Message) (interface{}, error) {
	var request rpc.CreateKernelsRequest
	if err := msg.DecodeBody(&request); err != nil {
		return nil, err
	}
	return &rpc.CreateKernelsReply{Kernels: d.CreateKernels(ctx, request.Specs)}, nil
}

func (d *AgentDaemon) handleDestroyKernel(ctx context.Context, msg *rpc.Message) (interface{}, error) {
	var request rpc.DestroyKernelRequest
	if err := msg.DecodeBody(&request); err != nil {
		return nil, err
	}
	found, err := d.DestroyKernel(ctx, request.KernelId, request.Reason, request.Force)
	if err != nil {
		return nil, err
	}
	return &rpc.DestroyKernelReply{Found: found}, nil
}

func (d *AgentDaemon) handleRestartKernel(ctx context.Context, msg *rpc.Message) (interface{}, error) {
	var request rpc.RestartKernelRequest
	if err := msg.DecodeBody(&request); err != nil {
		return nil, err
	}
	containerId, err := d.RestartKernel(ctx, request.KernelId)
	if err != nil {
		return nil, err
	}
	return &rpc.RestartKernelReply{ContainerId: containerId}, nil
}

func (d *AgentDaemon) handleGetLogs(ctx context.Context, msg *rpc.Message) (interface{}, error) {
	var request rpc.GetLogsRequest
	if err := msg.DecodeBody(&request); err != nil {
		return nil, err
	}
	logs, err := d.KernelLogs(ctx, request.KernelId, 0)
	if err != nil {
		return nil, err
	}
	return &rpc.GetLogsReply{Logs: string(logs)}, nil
}

func (d *AgentDaemon) handleSyncKernelRegistry(_ context.Context, msg *rpc.Message) (interface{}, error) {
	var request rpc.SyncKernelRegistryRequest
	if err := msg.DecodeBody(&request); err != nil {
		return nil, err
	}
	return &rpc.SyncKernelRegistryReply{Kernels: d.Kernels()}, nil
}

func (d *AgentDaemon) handleResetAgent(ctx context.Context, msg *rpc.Message) (interface{}, error) {
	var request rpc.ResetAgentRequest
	if err := msg.DecodeBody(&request); err != nil {
		return nil, err
	}
	destroyed := d.DestroyAllKernels(ctx, "agent-reset")
	return &rpc.ResetAgentReply{DestroyedKernels: destroyed}, nil
}

func (d *AgentDaemon) handleShutdownAgent(_ context.Context, msg *rpc.Message) (interface{}, error) {
	var request rpc.ShutdownAgentRequest
	if err := msg.DecodeBody(&request); err != nil {
		return nil, err
	}
	d.RequestShutdown(request.DestroyKernels)
	return &rpc.ShutdownAgentReply{}, nil
}

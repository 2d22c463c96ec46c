package rpc

import (
	"github.com/scusemua/distributed-cluster/common/types"
)

// Methods served by every agent's ROUTER socket.
const (
	MethodPing               = "ping"
	MethodCreateKernels      = "create_kernels"
	MethodDestroyKernel      = "destroy_kernel"
	MethodRestartKernel      = "restart_kernel"
	MethodGetLogs            = "get_logs"
	MethodSyncKernelRegistry = "sync_kernel_registry"
	MethodResetAgent         = "reset_agent"
	MethodShutdownAgent      = "shutdown_agent"
)

type PingRequest struct {
	Nonce string `json:"nonce"`
}

type PingReply struct {
	Nonce   string        `json:"nonce"`
	AgentId types.AgentId `json:"agent_id"`
	Version string        `json:"version"`
}

// KernelCreationSpec describes one kernel an agent should start. The manager
// sends the whole batch belonging to one session in a single call so the
// agent can prepare shared state (networks, image pulls) once.
type KernelCreationSpec struct {
	KernelId      types.KernelId     `json:"kernel_id"`
	SessionId     types.SessionId    `json:"session_id"`
	CreationId    string             `json:"creation_id"`
	Image         types.ImageRef     `json:"image"`
	SessionType   types.SessionTypes `json:"session_type"`
	ClusterMode   types.ClusterMode  `json:"cluster_mode"`
	ClusterRole   string             `json:"cluster_role,omitempty"`
	ClusterIdx    int                `json:"cluster_idx,omitempty"`
	ResourceSlots types.ResourceSlot `json:"resource_slots"`
	Environ       map[string]string  `json:"environ,omitempty"`
}

type CreateKernelsRequest struct {
	Specs []*KernelCreationSpec `json:"specs"`
}

// CreatedKernel reports the outcome for one spec of a create_kernels batch.
// Error is set when that kernel failed; the rest of the batch still counts.
type CreatedKernel struct {
	KernelId    types.KernelId `json:"kernel_id"`
	ContainerId string         `json:"container_id,omitempty"`
	Addr        string         `json:"addr,omitempty"`
	Error       string         `json:"error,omitempty"`
}

type CreateKernelsReply struct {
	Kernels []*CreatedKernel `json:"kernels"`
}

type DestroyKernelRequest struct {
	KernelId types.KernelId `json:"kernel_id"`
	Reason   string         `json:"reason,omitempty"`
	Force    bool           `json:"force,omitempty"`
}

// DestroyKernelReply reports Found=false when the kernel was not in the
// registry; destroying an unknown kernel is not an error.
type DestroyKernelReply struct {
	Found bool `json:"found"`
}

type RestartKernelRequest struct {
	KernelId types.KernelId `json:"kernel_id"`
}

type RestartKernelReply struct {
	ContainerId string `json:"container_id"`
}

type GetLogsRequest struct {
	KernelId types.KernelId `json:"kernel_id"`
}

type GetLogsReply struct {
	Logs string `json:"logs"`
}

type SyncKernelRegistryRequest struct{}

// RegisteredKernel is one entry of the agent's kernel registry snapshot.
type RegisteredKernel struct {
	KernelId      types.KernelId     `json:"kernel_id"`
	SessionId     types.SessionId    `json:"session_id"`
	ContainerId   string             `json:"container_id,omitempty"`
	Status        types.KernelStatus `json:"status"`
	ResourceSlots types.ResourceSlot `json:"resource_slots"`
}

type SyncKernelRegistryReply struct {
	Kernels []*RegisteredKernel `json:"kernels"`
}

type ResetAgentRequest struct{}

type ResetAgentReply struct {
	DestroyedKernels int `json:"destroyed_kernels"`
}

type ShutdownAgentRequest struct {
	// DestroyKernels asks the agent to tear its kernels down before exiting
	// instead of leaving them running for a restart-safe handover.
	DestroyKernels bool `json:"destroy_kernels,omitempty"`
}

type ShutdownAgentReply struct{}

package types

import (
	"fmt"
	"strings"
)

// SessionId uniquely identifies a compute session. A session owns one or more
// kernels depending on its cluster mode.
type SessionId string

// KernelId uniquely identifies a single kernel (one container on one agent).
type KernelId string

// AgentId uniquely identifies an agent node. Agents keep their id across
// restarts and revivals.
type AgentId string

// DeviceId identifies a single compute device (a CPU core group, a GPU, a
// memory bank) exposed by a compute plugin on an agent.
type DeviceId string

// AccessKey identifies the owner of a session for concurrency and resource
// policy enforcement.
type AccessKey string

// SlotTypes describes how the values of a resource slot are interpreted.
type SlotTypes string

const (
	// SlotTypeCount is a plain numeric quantity (cores, devices, shares).
	SlotTypeCount SlotTypes = "count"
	// SlotTypeBytes is a byte quantity; user input accepts binary-size
	// expressions such as "2g" or "512 MiB".
	SlotTypeBytes SlotTypes = "bytes"
	// SlotTypeUnique is a device slot that must be allocated as a whole
	// (amount exactly 1 from a single device).
	SlotTypeUnique SlotTypes = "unique"
)

// SlotName names a resource slot, e.g. "cpu", "mem", "cuda.shares",
// "cuda.device:mig-10g".
type SlotName string

const (
	SlotCPU SlotName = "cpu"
	SlotMem SlotName = "mem"
)

// intrinsicSlotDevices are the device names that every agent carries
// regardless of installed accelerator plugins.
var intrinsicSlotDevices = map[string]struct{}{
	"cpu": {},
	"mem": {},
}

// DeviceName returns the device plugin portion of the slot name
// ("cuda.shares" -> "cuda", "cpu" -> "cpu").
func (s SlotName) DeviceName() string {
	name, _, _ := strings.Cut(string(s), ".")
	return name
}

// MajorType returns the major slot kind after the device name
// ("cuda.device:mig-10g" -> "device"); empty for intrinsic slots.
func (s SlotName) MajorType() string {
	_, rest, ok := strings.Cut(string(s), ".")
	if !ok {
		return ""
	}
	major, _, _ := strings.Cut(rest, ":")
	return major
}

// MinorType returns the subtype qualifier after the colon
// ("cuda.device:mig-10g" -> "mig-10g"); empty when absent.
func (s SlotName) MinorType() string {
	_, rest, ok := strings.Cut(string(s), ".")
	if !ok {
		return ""
	}
	_, minor, _ := strings.Cut(rest, ":")
	return minor
}

// IsAccelerator reports whether the slot belongs to an accelerator plugin
// rather than the intrinsic cpu/mem devices.
func (s SlotName) IsAccelerator() bool {
	_, intrinsic := intrinsicSlotDevices[s.DeviceName()]
	return !intrinsic
}

// ClusterMode determines how the kernels of a session are spread over agents.
type ClusterMode string

const (
	// SingleNode places every kernel of the session on one agent.
	SingleNode ClusterMode = "single-node"
	// MultiNode places each kernel independently, potentially on a
	// different agent per kernel.
	MultiNode ClusterMode = "multi-node"
)

// DeploymentMode identifies the container substrate the cluster runs on.
type DeploymentMode string

const (
	DockerComposeMode DeploymentMode = "docker-compose"
	DockerSwarmMode   DeploymentMode = "docker-swarm"
	KubernetesMode    DeploymentMode = "kubernetes"
	LocalMode         DeploymentMode = "local"
)

// SessionTypes distinguishes how a session is driven once running.
type SessionTypes string

const (
	SessionTypeInteractive SessionTypes = "interactive"
	SessionTypeBatch       SessionTypes = "batch"
	SessionTypeInference   SessionTypes = "inference"
)

// DefaultForUnspecified controls how resource policies treat slots they do
// not mention explicitly.
type DefaultForUnspecified string

const (
	// DefaultUnlimited treats unspecified slots as unbounded.
	DefaultUnlimited DefaultForUnspecified = "UNLIMITED"
	// DefaultLimited treats unspecified slots as zero.
	DefaultLimited DefaultForUnspecified = "LIMITED"
)

// ImageRef is a container image reference together with the CPU architecture
// it was built for. Agents report the images they have pulled; the scheduler
// matches kernels to agents holding a compatible image.
type ImageRef struct {
	Name         string `json:"name"`
	Architecture string `json:"architecture"`
}

func (r ImageRef) String() string {
	return fmt.Sprintf("%s@%s", r.Name, r.Architecture)
}

// HostPortPair is a host address plus port, rendered as "host:port".
type HostPortPair struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func (hp HostPortPair) String() string {
	return fmt.Sprintf("%s:%d", hp.Host, hp.Port)
}

// KernelStat is one utilization sample of a running kernel container.
// Agents publish these to redis; the idle checkers read them back.
type KernelStat struct {
	CpuUtilization      float64 `json:"cpu_util"`
	MemoryBytes         int64   `json:"mem_bytes"`
	MemoryLimitBytes    int64   `json:"mem_limit_bytes,omitempty"`
	TimestampUnixMillis int64   `json:"timestamp_unix_millis"`
}

// KernelStatKey is the redis key holding the most recent KernelStat of the
// given kernel.
func KernelStatKey(kernelId KernelId) string {
	return fmt.Sprintf("kernel.%s.stat", kernelId)
}

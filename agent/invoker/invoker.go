package invoker

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/scusemua/distributed-cluster/agent/resources"
	"github.com/scusemua/distributed-cluster/common/types"
)

// Container labels stamped onto every kernel container. ListOwnContainers
// filters on LabelOwner so an agent only ever sees (and cleans up) its own
// containers; LabelKernelId maps a surviving container back to its kernel.
const (
	LabelKernelId = "cluster.kernel-id"
	LabelOwner    = "cluster.owner"
	LabelApp      = "app"

	// AppLabelValue tags kernel containers for external observers such as
	// the docker event observer, which filters on app=distributed_cluster.
	AppLabelValue = "distributed_cluster"
)

// Backend names a container substrate implementation.
type Backend string

const (
	DockerBackend     Backend = "docker"
	KubernetesBackend Backend = "kubernetes"
	MemoryBackend     Backend = "memory"
)

var (
	ErrContainerNotFound    = errors.New("no such container")
	ErrInvalidContainerSpec = errors.New("invalid container spec")
	ErrUnknownBackend       = errors.New("unknown container backend")
	ErrStatsUnavailable     = errors.New("container stats are not available")
)

// PullProgressHandler receives image pull progress. status carries the
// docker layer status line; current/total are byte counts and zero when the
// backend does not report sizes.
type PullProgressHandler func(status string, current int64, total int64)

// ContainerSpec is everything needed to create one kernel container.
type ContainerSpec struct {
	KernelId types.KernelId

	// Name is the container (or pod) name and the network alias the
	// kernel is reachable under inside the cluster network.
	Name  string
	Image string

	Command    []string
	WorkingDir string

	// Env is merged with Resources.Environment; Resources wins on
	// conflicting keys since those values encode the allocation.
	Env map[string]string

	// Binds are host mounts in the runtime's "src:dst[:ro]" syntax.
	Binds []string

	// ExposedPorts are the kernel's service ports, declared on the
	// container but not published to the host. The app proxy tunnels to
	// them over the cluster network.
	ExposedPorts []int

	// NanoCpus caps CPU time at requested-cores times 1e9. Zero means
	// uncapped (cpuset pinning still applies via Resources).
	NanoCpus int64

	// GpuDeviceIds requests passthrough of specific host GPUs.
	GpuDeviceIds []string

	// Resources carries the limits derived from the device allocation.
	Resources *resources.ContainerResourceArgs

	// Labels are added on top of the cluster labels. Cluster labels win
	// on conflict.
	Labels map[string]string
}

// ContainerInfo describes one container owned by this agent.
type ContainerInfo struct {
	ContainerId string
	KernelId    types.KernelId
	Name        string
	Image       string

	// State is the backend's raw state string ("running", "exited",
	// "Pending", ...). Running normalizes it.
	State   string
	Running bool

	// Address is the container's IP on the cluster network, empty until
	// the backend assigns one.
	Address string
}

// ContainerStats is one point-in-time utilization sample of a container.
type ContainerStats struct {
	// CpuUtilization is the container's CPU usage as a percentage of one
	// core, so a container saturating two cores reports 200.
	CpuUtilization float64

	MemoryBytes      int64
	MemoryLimitBytes int64
}

// ContainerInvoker is the seam between the agent daemon and the container
// substrate. Implementations must be safe for concurrent use.
type ContainerInvoker interface {
	Backend() Backend

	// PullImage ensures the image is present, reporting progress while a
	// pull is actually running. Present images return immediately.
	PullImage(ctx context.Context, image string, onProgress PullProgressHandler) error

	// CreateContainer creates (but does not start) a container and
	// returns the backend's container id.
	CreateContainer(ctx context.Context, spec *ContainerSpec) (string, error)

	StartContainer(ctx context.Context, containerId string) error

	// StopContainer stops the container within the given grace period and
	// returns its exit code when the backend exposes one.
	StopContainer(ctx context.Context, containerId string, timeout time.Duration) (int, error)

	// RemoveContainer deletes a stopped container. Removing a container
	// that no longer exists is a no-op.
	RemoveContainer(ctx context.Context, containerId string) error

	// ContainerLogs returns the last tailLines of the container's output;
	// tailLines <= 0 returns everything the runtime retained.
	ContainerLogs(ctx context.Context, containerId string, tailLines int) ([]byte, error)

	// ContainerStats samples the container's current CPU and memory usage.
	// Backends without a stats source return ErrStatsUnavailable.
	ContainerStats(ctx context.Context, containerId string) (*ContainerStats, error)

	// ListOwnContainers returns every container labeled with this agent's
	// id, including stopped ones.
	ListOwnContainers(ctx context.Context) ([]ContainerInfo, error)

	Close() error
}

// Options selects and configures a backend.
type Options struct {
	Backend    Backend        `name:"backend" yaml:"backend" json:"backend" description:"Container backend, docker or kubernetes. Defaults to docker."`
	Docker     DockerOptions  `yaml:"docker" json:"docker"`
	Kubernetes KubeOptions    `yaml:"kubernetes" json:"kubernetes"`
}

// New constructs the configured backend for the given owning agent.
func New(owner types.AgentId, options Options) (ContainerInvoker, error) {
	switch options.Backend {
	case "", DockerBackend:
		return NewDockerInvoker(owner, options.Docker)
	case KubernetesBackend:
		return NewKubeInvoker(owner, options.Kubernetes)
	case MemoryBackend:
		return NewMemoryInvoker(owner), nil
	default:
		return nil, errors.Wrapf(ErrUnknownBackend, "\"%s\"", options.Backend)
	}
}

// BackendForMode maps a cluster deployment mode onto the backend serving
// it. Local mode still runs kernels on the local docker daemon.
func BackendForMode(mode types.DeploymentMode) (Backend, error) {
	switch mode {
	case types.DockerComposeMode, types.DockerSwarmMode, types.LocalMode, "":
		return DockerBackend, nil
	case types.KubernetesMode:
		return KubernetesBackend, nil
	default:
		return "", errors.Wrapf(ErrUnknownBackend, "no container backend serves deployment mode \"%s\"", mode)
	}
}

func validateSpec(spec *ContainerSpec) error {
	if spec == nil {
		return errors.Wrap(ErrInvalidContainerSpec, "spec is nil")
	}
	if spec.Name == "" {
		return errors.Wrap(ErrInvalidContainerSpec, "container name is empty")
	}
	if spec.Image == "" {
		return errors.Wrapf(ErrInvalidContainerSpec, "container \"%s\" has no image", spec.Name)
	}
	if spec.KernelId == "" {
		return errors.Wrapf(ErrInvalidContainerSpec, "container \"%s\" has no kernel id", spec.Name)
	}
	return nil
}

// clusterLabels builds the label set for a kernel container: the caller's
// extra labels first, then the cluster labels so they cannot be shadowed.
func clusterLabels(owner types.AgentId, spec *ContainerSpec) map[string]string {
	labels := make(map[string]string, len(spec.Labels)+3)
	for key, value := range spec.Labels {
		labels[key] = value
	}
	labels[LabelKernelId] = string(spec.KernelId)
	labels[LabelOwner] = string(owner)
	labels[LabelApp] = AppLabelValue
	return labels
}

// mergedEnvironment folds the allocation environment over the spec
// environment.
func mergedEnvironment(spec *ContainerSpec) map[string]string {
	merged := make(map[string]string, len(spec.Env)+8)
	for key, value := range spec.Env {
		merged[key] = value
	}
	if spec.Resources != nil {
		for key, value := range spec.Resources.Environment {
			merged[key] = value
		}
	}
	return merged
}

// sortedEnvList renders an environment map as the runtime's sorted
// "KEY=VALUE" list so container configs are deterministic.
func sortedEnvList(environment map[string]string) []string {
	list := make([]string, 0, len(environment))
	for key, value := range environment {
		list = append(list, fmt.Sprintf("%s=%s", key, value))
	}
	sort.Strings(list)
	return list
}

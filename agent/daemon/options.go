package daemon

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/scusemua/distributed-cluster/agent/invoker"
	"github.com/scusemua/distributed-cluster/agent/resources"
	"github.com/scusemua/distributed-cluster/common/configuration"
	"github.com/scusemua/distributed-cluster/common/storage"
)

const (
	// DefaultRpcPort is the port the agent's ROUTER socket listens on.
	// Zero requests an ephemeral port instead.
	DefaultRpcPort = 6001

	// DefaultHeartbeatIntervalSeconds is how often the agent reports
	// itself to the gateway. Must stay well under the cluster's
	// heartbeat timeout or the agent gets marked LOST.
	DefaultHeartbeatIntervalSeconds = 3

	DefaultStatsIntervalSeconds     = 5
	DefaultKernelStopTimeoutSeconds = 10

	DefaultScalingGroup = "default"
	DefaultRegion       = "local"

	DefaultRegistryPath = "/var/lib/distributed-cluster/kernel-registry.json"

	// DefaultKernelServicePort is the in-container port kernels serve on
	// when the creation spec does not say otherwise.
	DefaultKernelServicePort = 8888
)

// ResourcePluginOptions configures the compute plugins the agent registers at
// boot. The cuda-mock plugin stays off until a device count is given.
type ResourcePluginOptions struct {
	CPU      resources.CPUPluginOptions    `yaml:"cpu" json:"cpu"`
	Memory   resources.MemoryPluginOptions `yaml:"memory" json:"memory"`
	CudaMock resources.CudaMockOptions     `yaml:"cuda_mock" json:"cuda_mock"`
}

// AgentOptions is the full configuration of one agent daemon.
type AgentOptions struct {
	configuration.CommonOptions `yaml:",inline" json:"common_options"`

	AgentId      string `name:"agent_id"      json:"agent_id"      yaml:"agent_id"      description:"Stable identity of this agent. Empty derives one from the hostname."`
	ScalingGroup string `name:"scaling_group" json:"scaling_group" yaml:"scaling_group" description:"Scaling group this agent joins. The scheduler only places sessions of a group onto its members."`
	Region       string `name:"region"        json:"region"        yaml:"region"        description:"Region label reported with every heartbeat."`
	PublicHost   string `name:"public_host"   json:"public_host"   yaml:"public_host"   description:"Externally reachable host of this agent. Empty falls back to the detected IP."`
	GatewayProxyAddr string `name:"gateway_proxy_addr" json:"gateway_proxy_addr" yaml:"gateway_proxy_addr" description:"host:port of the gateway's app tunnel listener. Empty discovers it from the gateway's shared-configuration announcement."`
	RegistryPath string `name:"registry_path" json:"registry_path" yaml:"registry_path" description:"Path of the kernel registry snapshot used to restore kernels across agent restarts."`
	ScratchRoot  string `name:"scratch_root"  json:"scratch_root"  yaml:"scratch_root"  description:"Host directory under which per-kernel scratch directories are created and bind-mounted. Empty disables scratch mounts."`

	RpcPort              int `name:"rpc_port"                json:"rpc_port"                yaml:"rpc_port"                description:"Port of the agent's RPC ROUTER socket. Zero picks an ephemeral port."`
	HeartbeatIntervalSec int `name:"heartbeat_interval_seconds" json:"heartbeat_interval_seconds" yaml:"heartbeat_interval_seconds" description:"Seconds between agent heartbeats."`
	StatsIntervalSec     int `name:"stats_interval_seconds"  json:"stats_interval_seconds"  yaml:"stats_interval_seconds"  description:"Seconds between kernel utilization samples."`
	KernelStopTimeoutSec int `name:"kernel_stop_timeout_seconds" json:"kernel_stop_timeout_seconds" yaml:"kernel_stop_timeout_seconds" description:"Grace period given to a kernel container before it is killed."`

	KernelServicePorts []int `name:"kernel_service_ports" json:"kernel_service_ports" yaml:"kernel_service_ports" description:"In-container ports kernel containers expose."`

	DestroyKernelsOnShutdown bool `name:"destroy_kernels_on_shutdown" json:"destroy_kernels_on_shutdown" yaml:"destroy_kernels_on_shutdown" description:"Tear down all kernels when the agent exits instead of leaving them running for a restart."`

	Invoker    invoker.Options       `yaml:"invoker" json:"invoker"`
	Resources  ResourcePluginOptions `yaml:"resources" json:"resources"`
	LogArchive storage.Options       `yaml:"log_archive" json:"log_archive"`
}

// Validate fills in defaults and rejects values the daemon cannot run with.
func (o *AgentOptions) Validate() error {
	if o.AgentId == "" {
		o.AgentId = deriveAgentId()
		log.Printf("[WARNING] No agent id configured. Using \"%s\".\n", o.AgentId)
	}
	if o.ScalingGroup == "" {
		o.ScalingGroup = DefaultScalingGroup
	}
	if o.Region == "" {
		o.Region = DefaultRegion
	}
	if o.RegistryPath == "" {
		if o.IsLocalMode() {
			o.RegistryPath = filepath.Join(os.TempDir(), "distributed-cluster", "kernel-registry.json")
		} else {
			o.RegistryPath = DefaultRegistryPath
		}
	}

	if o.RpcPort < 0 || o.RpcPort > 65535 {
		return errors.Errorf("invalid rpc port %d", o.RpcPort)
	}
	if o.HeartbeatIntervalSec <= 0 {
		log.Printf("[WARNING] Invalid heartbeat interval: %d. Defaulting to %d seconds.\n",
			o.HeartbeatIntervalSec, DefaultHeartbeatIntervalSeconds)
		o.HeartbeatIntervalSec = DefaultHeartbeatIntervalSeconds
	}
	if o.StatsIntervalSec <= 0 {
		o.StatsIntervalSec = DefaultStatsIntervalSeconds
	}
	if o.KernelStopTimeoutSec <= 0 {
		o.KernelStopTimeoutSec = DefaultKernelStopTimeoutSeconds
	}
	if len(o.KernelServicePorts) == 0 {
		o.KernelServicePorts = []int{DefaultKernelServicePort}
	}

	// The kernel containers join the same docker network the agent itself
	// runs on unless the invoker options name a different one.
	if o.Invoker.Docker.NetworkName == "" {
		o.Invoker.Docker.NetworkName = o.DockerNetworkName
	}

	o.ValidateCommonOptions()
	return o.LogArchive.Validate()
}

// HeartbeatInterval returns the heartbeat period as a duration.
func (o *AgentOptions) HeartbeatInterval() time.Duration {
	return time.Duration(o.HeartbeatIntervalSec) * time.Second
}

// StatsInterval returns the utilization sampling period as a duration.
func (o *AgentOptions) StatsInterval() time.Duration {
	return time.Duration(o.StatsIntervalSec) * time.Second
}

// KernelStopTimeout returns the container stop grace period as a duration.
func (o *AgentOptions) KernelStopTimeout() time.Duration {
	return time.Duration(o.KernelStopTimeoutSec) * time.Second
}

func deriveAgentId() string {
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		return fmt.Sprintf("i-%s", hostname)
	}
	return fmt.Sprintf("i-%s", uuid.NewString()[:8])
}

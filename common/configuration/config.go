package configuration

import (
	"log"
	"strings"

	"github.com/goccy/go-json"

	"github.com/scusemua/distributed-cluster/common/types"
)

const (
	// DefaultNumResendAttempts is the default number of attempts we'll resend an RPC message before giving up.
	DefaultNumResendAttempts = 3

	// DefaultPrometheusPort is the default port on which a component will serve Prometheus metrics.
	DefaultPrometheusPort int = 8089
	// DefaultPrometheusIntervalSeconds is the default interval, in seconds, on which a component publishes new Prometheus metrics.
	DefaultPrometheusIntervalSeconds = 15

	// DefaultEtcdDialTimeoutSeconds bounds the initial etcd connection attempt.
	DefaultEtcdDialTimeoutSeconds = 5
)

// CommonOptions includes all configuration parameters that are common to both the Cluster Gateway
// and the Agent components.
type CommonOptions struct {
	DeploymentMode    string `name:"deployment_mode"     json:"deployment_mode"     yaml:"deployment_mode"     description:"Options are 'docker-compose', 'docker-swarm', 'kubernetes', and 'local'."`
	DockerAppName     string `name:"docker_app_name"     json:"docker_app_name"     yaml:"docker_app_name"     description:"The name of the Docker application (or Docker Stack) that we're deployed within (only relevant when in Docker mode)."`
	DockerNetworkName string `name:"docker_network_name" json:"docker_network_name" yaml:"docker_network_name" description:"The name of the Docker network that the container is running within. Only used in Docker mode."`
	EtcdEndpoints     string `name:"etcd_endpoints"      json:"etcd_endpoints"      yaml:"etcd_endpoints"      description:"Comma-separated list of etcd endpoints holding the shared cluster configuration."`
	EtcdNamespace     string `name:"etcd_namespace"      json:"etcd_namespace"      yaml:"etcd_namespace"      description:"Prefix prepended to every etcd key used by this cluster."`
	EtcdUser          string `name:"etcd_user"           json:"etcd_user"           yaml:"etcd_user"`
	EtcdPassword      string `name:"etcd_password"       json:"etcd_password"       yaml:"etcd_password"`
	RedisAddr         string `name:"redis_addr"          json:"redis_addr"          yaml:"redis_addr"          description:"Address of the Redis server used for liveness tracking, the event bus, and statistics."`
	RedisPassword     string `name:"redis_password"      json:"redis_password"      yaml:"redis_password"`
	AuthKey           string `name:"auth_key"            json:"auth_key"            yaml:"auth_key"            description:"Shared secret used to sign RPC envelopes exchanged between the gateway and agents."`
	JaegerAddr        string `name:"jaeger_addr"         json:"jaeger_addr"         yaml:"jaeger_addr"         description:"Address of the Jaeger agent spans are reported to. Empty disables tracing."`
	ConsulAddr        string `name:"consul_addr"         json:"consul_addr"         yaml:"consul_addr"         description:"Address of the Consul agent this component registers itself with. Empty disables registration."`

	RedisDatabase      int `name:"redis_database"      json:"redis_database"      yaml:"redis_database"`
	EtcdDialTimeoutSec int `name:"etcd_dial_timeout_seconds" json:"etcd_dial_timeout_seconds" yaml:"etcd_dial_timeout_seconds" description:"How long to wait for the initial etcd connection before giving up."`
	PrometheusInterval int `name:"prometheus_interval" json:"prometheus_interval" yaml:"prometheus_interval" description:"Frequency in seconds of how often to publish metrics to Prometheus. So, setting this to 5 means we publish metrics roughly every 5 seconds."`
	PrometheusPort     int `name:"prometheus_port"     json:"prometheus_port"     yaml:"prometheus_port"     description:"The port on which this component will serve Prometheus metrics. Default/suggested: 8089."`
	NumResendAttempts  int `name:"num_resend_attempts" json:"num_resend_attempts" yaml:"num_resend_attempts" description:"The number of times to attempt to resend a message before giving up."`
	DebugPort          int `name:"debug_port"          json:"debug_port"          yaml:"debug_port"          description:"The port for the debug HTTP server."`

	LocalMode                      bool `name:"local_mode"   json:"local_mode"   yaml:"local_mode"   description:"Local mode is set to true during unit tests and changes how certain information is resolved, such as how agents determine their node name (normally from an environment variable)."`
	MessageAcknowledgementsEnabled bool `name:"acks_enabled" json:"acks_enabled" yaml:"acks_enabled" description:"MessageAcknowledgementsEnabled indicates whether we send/expect to receive message acknowledgements for the ZMQ messages exchanged between the various cluster components."`
	DebugMode                      bool `name:"debug_mode"   json:"debug_mode"   yaml:"debug_mode"   description:"Enable the debug HTTP server."`

	// PrettyPrintOptions, when true, instructs the driver script to pretty-print
	// the options struct when the program first begins running.
	PrettyPrintOptions bool `name:"pretty_print_options" json:"pretty_print_options" yaml:"pretty_print_options"`
}

// ValidateCommonOptions ensures that the values of certain configuration parameters are consistent
// with respect to one another, and/or with respect to certain requirements/constraints on their
// values (unrelated of other configuration parameters).
func (opts *CommonOptions) ValidateCommonOptions() {
	if opts.NumResendAttempts <= 0 {
		log.Printf("[WARNING] Invalid number of message resend attempts specified: %d. Defaulting to %d.\n",
			opts.NumResendAttempts, DefaultNumResendAttempts)
		opts.NumResendAttempts = DefaultNumResendAttempts
	}

	if opts.PrometheusInterval <= 0 {
		log.Printf("[WARNING] Using default Prometheus interval: %v.\n", DefaultPrometheusIntervalSeconds)
		opts.PrometheusInterval = DefaultPrometheusIntervalSeconds
	}

	if opts.EtcdDialTimeoutSec <= 0 {
		opts.EtcdDialTimeoutSec = DefaultEtcdDialTimeoutSeconds
	}

	if opts.RedisDatabase < 0 {
		log.Printf("[WARNING] Invalid Redis database specified: %d. Defaulting to 0.\n", opts.RedisDatabase)
		opts.RedisDatabase = 0
	}
}

// EtcdEndpointList splits the comma-separated EtcdEndpoints value.
func (opts *CommonOptions) EtcdEndpointList() []string {
	if opts.EtcdEndpoints == "" {
		return nil
	}

	parts := strings.Split(opts.EtcdEndpoints, ",")
	endpoints := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			endpoints = append(endpoints, trimmed)
		}
	}
	return endpoints
}

// IsLocalMode returns true if the deployment mode is specified as "local".
func (opts *CommonOptions) IsLocalMode() bool {
	return opts.LocalMode
}

// IsDockerMode returns true if the deployment mode is specified as either "docker-swarm" or "docker-compose".
func (opts *CommonOptions) IsDockerMode() bool {
	return opts.IsDockerComposeMode() || opts.IsDockerSwarmMode()
}

// IsDockerSwarmMode returns true if the deployment mode is specified as "docker-swarm".
func (opts *CommonOptions) IsDockerSwarmMode() bool {
	return opts.DeploymentMode == string(types.DockerSwarmMode)
}

// IsDockerComposeMode returns true if the deployment mode is specified as "docker-compose".
func (opts *CommonOptions) IsDockerComposeMode() bool {
	return opts.DeploymentMode == string(types.DockerComposeMode)
}

// IsKubernetesMode returns true if the deployment mode is specified as "kubernetes".
func (opts *CommonOptions) IsKubernetesMode() bool {
	return opts.DeploymentMode == string(types.KubernetesMode)
}

// PrettyString is the same as String, except that PrettyString calls json.MarshalIndent instead of json.Marshal.
func (opts *CommonOptions) PrettyString(indentSize int) string {
	indentBuilder := strings.Builder{}
	for i := 0; i < indentSize; i++ {
		indentBuilder.WriteString(" ")
	}

	m, err := json.MarshalIndent(opts, "", indentBuilder.String())
	if err != nil {
		panic(err)
	}

	return string(m)
}

func (opts *CommonOptions) Clone() *CommonOptions {
	clone := *opts
	return &clone
}

func (opts *CommonOptions) String() string {
	m, err := json.Marshal(opts)
	if err != nil {
		panic(err)
	}

	return string(m)
}

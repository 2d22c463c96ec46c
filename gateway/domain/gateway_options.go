package domain

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/scusemua/distributed-cluster/common/configuration"
)

const (
	// DefaultApiPort is the port of the gateway's REST API and event feed.
	DefaultApiPort = 8080

	// DefaultProxyPort is the port of the provisioner listener agents dial
	// their app tunnels into.
	DefaultProxyPort = 8081

	// DefaultScheduleIntervalSeconds is the period of the do_schedule timer.
	DefaultScheduleIntervalSeconds = 10
	// DefaultPrepareIntervalSeconds is the period of the do_prepare timer.
	// Preparation is also triggered directly after every scheduling pass;
	// the timer only picks up sessions whose trigger was lost.
	DefaultPrepareIntervalSeconds = 10
	// DefaultIdleCheckIntervalSeconds is the period of the do_idle_check timer.
	DefaultIdleCheckIntervalSeconds = 10

	// DefaultHeartbeatCheckIntervalMillis is how often the lost-agent
	// sweeper scans the liveness store.
	DefaultHeartbeatCheckIntervalMillis = 1000

	// DefaultApiRateLimit and DefaultApiRateBurst bound each API client's
	// request rate (token bucket, per client address).
	DefaultApiRateLimit = 25.0
	DefaultApiRateBurst = 50

	// DefaultRpcCallTimeoutSeconds bounds each gateway-to-agent RPC.
	DefaultRpcCallTimeoutSeconds = 30
)

// IdleOptions configures the idle checkers ran against RUNNING sessions.
type IdleOptions struct {
	// Checkers is the comma-separated list of enabled checkers. Unknown
	// names are logged and ignored.
	Checkers string `name:"checkers" json:"checkers" yaml:"checkers" description:"Comma-separated list of enabled idle checkers: 'timeout', 'session_lifetime', 'utilization'."`

	DefaultIdleTimeoutSec float64 `name:"default_idle_timeout_seconds" json:"default_idle_timeout_seconds" yaml:"default_idle_timeout_seconds" description:"Seconds a session may go untouched before the timeout checker destroys it. A session's resource policy may override this. Zero disables the checker for sessions without an override."`

	UtilizationWindowSec       float64            `name:"utilization_window_seconds" json:"utilization_window_seconds" yaml:"utilization_window_seconds" description:"Length of the moving window the utilization checker averages samples over."`
	UtilizationInitialGraceSec float64            `name:"utilization_initial_grace_seconds" json:"utilization_initial_grace_seconds" yaml:"utilization_initial_grace_seconds" description:"Seconds after session start during which the utilization checker never fires."`
	UtilizationThresholds      map[string]float64 `json:"utilization_thresholds" yaml:"utilization_thresholds" description:"Per-resource utilization thresholds, e.g. cpu_util: 30. A session below every configured threshold for the whole window is destroyed."`
}

// ClusterGatewayOptions is the full configuration of one cluster gateway.
type ClusterGatewayOptions struct {
	configuration.CommonOptions `yaml:",inline" json:"common_options"`

	GatewayId  string `name:"gateway_id"  json:"gateway_id"  yaml:"gateway_id"  description:"Stable identity of this gateway instance. Empty generates one."`
	PublicHost string `name:"public_host" json:"public_host" yaml:"public_host" description:"Externally reachable host of this gateway, advertised to agents for tunnel connections. Empty falls back to the detected IP."`

	ApiPort   int `name:"api_port"   json:"api_port"   yaml:"api_port"   description:"Port of the REST API and websocket event feed. Zero picks an ephemeral port in local mode."`
	ProxyPort int `name:"proxy_port" json:"proxy_port" yaml:"proxy_port" description:"Port of the provisioner listener agents dial their app tunnels into. Zero picks an ephemeral port."`

	ScheduleIntervalSec  int `name:"schedule_interval_seconds"   json:"schedule_interval_seconds"   yaml:"schedule_interval_seconds"   description:"Seconds between do_schedule timer ticks."`
	PrepareIntervalSec   int `name:"prepare_interval_seconds"    json:"prepare_interval_seconds"    yaml:"prepare_interval_seconds"    description:"Seconds between do_prepare timer ticks."`
	IdleCheckIntervalSec int `name:"idle_check_interval_seconds" json:"idle_check_interval_seconds" yaml:"idle_check_interval_seconds" description:"Seconds between do_idle_check timer ticks."`

	HeartbeatCheckIntervalMs int `name:"heartbeat_check_interval_ms" json:"heartbeat_check_interval_ms" yaml:"heartbeat_check_interval_ms" description:"Milliseconds between lost-agent sweeps of the liveness store."`

	RpcCallTimeoutSec int `name:"rpc_call_timeout_seconds" json:"rpc_call_timeout_seconds" yaml:"rpc_call_timeout_seconds" description:"Timeout of each gateway-to-agent RPC call."`

	ApiRateLimit float64 `name:"api_rate_limit" json:"api_rate_limit" yaml:"api_rate_limit" description:"Sustained API requests per second allowed per client address."`
	ApiRateBurst int     `name:"api_rate_burst" json:"api_rate_burst" yaml:"api_rate_burst" description:"Burst size of the per-client API rate limiter."`

	Idle IdleOptions `yaml:"idle" json:"idle"`
}

// Validate fills in defaults and rejects values the gateway cannot run with.
func (o *ClusterGatewayOptions) Validate() error {
	if o.GatewayId == "" {
		o.GatewayId = fmt.Sprintf("gateway-%s", uuid.NewString()[:8])
		log.Printf("[WARNING] No gateway id configured. Using \"%s\".\n", o.GatewayId)
	}

	if o.ApiPort < 0 || o.ApiPort > 65535 {
		return errors.Errorf("invalid api port %d", o.ApiPort)
	}
	if o.ApiPort == 0 && !o.IsLocalMode() {
		o.ApiPort = DefaultApiPort
	}
	if o.ProxyPort < 0 || o.ProxyPort > 65535 {
		return errors.Errorf("invalid proxy port %d", o.ProxyPort)
	}
	if o.ProxyPort == 0 && !o.IsLocalMode() {
		o.ProxyPort = DefaultProxyPort
	}

	if o.ScheduleIntervalSec <= 0 {
		o.ScheduleIntervalSec = DefaultScheduleIntervalSeconds
	}
	if o.PrepareIntervalSec <= 0 {
		o.PrepareIntervalSec = DefaultPrepareIntervalSeconds
	}
	if o.IdleCheckIntervalSec <= 0 {
		o.IdleCheckIntervalSec = DefaultIdleCheckIntervalSeconds
	}
	if o.HeartbeatCheckIntervalMs <= 0 {
		o.HeartbeatCheckIntervalMs = DefaultHeartbeatCheckIntervalMillis
	}
	if o.RpcCallTimeoutSec <= 0 {
		o.RpcCallTimeoutSec = DefaultRpcCallTimeoutSeconds
	}

	if o.ApiRateLimit <= 0 {
		o.ApiRateLimit = DefaultApiRateLimit
	}
	if o.ApiRateBurst <= 0 {
		o.ApiRateBurst = DefaultApiRateBurst
	}

	if o.Idle.Checkers == "" {
		o.Idle.Checkers = "timeout,session_lifetime"
	}
	if o.Idle.UtilizationWindowSec <= 0 {
		o.Idle.UtilizationWindowSec = 600
	}
	if o.Idle.UtilizationInitialGraceSec <= 0 {
		o.Idle.UtilizationInitialGraceSec = 300
	}

	o.ValidateCommonOptions()
	return nil
}

// ScheduleInterval returns the do_schedule timer period as a duration.
func (o *ClusterGatewayOptions) ScheduleInterval() time.Duration {
	return time.Duration(o.ScheduleIntervalSec) * time.Second
}

// PrepareInterval returns the do_prepare timer period as a duration.
func (o *ClusterGatewayOptions) PrepareInterval() time.Duration {
	return time.Duration(o.PrepareIntervalSec) * time.Second
}

// IdleCheckInterval returns the do_idle_check timer period as a duration.
func (o *ClusterGatewayOptions) IdleCheckInterval() time.Duration {
	return time.Duration(o.IdleCheckIntervalSec) * time.Second
}

// HeartbeatCheckInterval returns the lost-agent sweep period as a duration.
func (o *ClusterGatewayOptions) HeartbeatCheckInterval() time.Duration {
	return time.Duration(o.HeartbeatCheckIntervalMs) * time.Millisecond
}

// RpcCallTimeout returns the per-call RPC timeout as a duration.
func (o *ClusterGatewayOptions) RpcCallTimeout() time.Duration {
	return time.Duration(o.RpcCallTimeoutSec) * time.Second
}

// DefaultIdleTimeout returns the cluster-wide idle timeout as a duration.
func (o *ClusterGatewayOptions) DefaultIdleTimeout() time.Duration {
	return time.Duration(o.Idle.DefaultIdleTimeoutSec * float64(time.Second))
}

// UtilizationWindow returns the utilization checker's moving window.
func (o *ClusterGatewayOptions) UtilizationWindow() time.Duration {
	return time.Duration(o.Idle.UtilizationWindowSec * float64(time.Second))
}

// UtilizationInitialGrace returns the grace period after session start.
func (o *ClusterGatewayOptions) UtilizationInitialGrace() time.Duration {
	return time.Duration(o.Idle.UtilizationInitialGraceSec * float64(time.Second))
}

// EnabledIdleCheckers splits the comma-separated checker list.
func (o *ClusterGatewayOptions) EnabledIdleCheckers() []string {
	parts := strings.Split(o.Idle.Checkers, ",")
	names := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			names = append(names, trimmed)
		}
	}
	return names
}

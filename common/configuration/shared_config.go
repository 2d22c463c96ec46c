package configuration

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/go-viper/mapstructure/v2"
	"github.com/goccy/go-json"

	"github.com/scusemua/distributed-cluster/common/types"
)

// Etcd key schema. Everything below lives under the cluster namespace prefix.
const (
	resourceSlotPrefix       = "config/resource-slots/"
	heartbeatTimeoutKey      = "config/agent/heartbeat-timeout"
	maxContainerCountKey     = "config/agent/max-container-count"
	scalingGroupPrefix       = "config/scaling-groups/"
	resourceGroupStatePrefix = "resource-group-states/"
	gatewayNodeKey           = "nodes/gateway"
	agentNodePrefix          = "nodes/agents/"
)

const (
	// DefaultHeartbeatTimeout is how long an agent may stay silent before the
	// gateway declares it lost, absent an explicit etcd override.
	DefaultHeartbeatTimeout = 40 * time.Second

	// DefaultSchedulerName is used for scaling groups with no scheduler configured.
	DefaultSchedulerName = "fifo"
	// DefaultAgentSelectorName is used for scaling groups with no agent selector configured.
	DefaultAgentSelectorName = "dispersed"
)

// DefaultResourcePriority orders slot names from most to least scarce for
// agent selection. Accelerator slots come before cpu and mem so that GPU
// placement quality dominates tie-breaking.
var DefaultResourcePriority = []string{"cuda.shares", "cuda.device", "cpu", "mem"}

// SchedulerOpts are the per-scaling-group scheduling knobs, stored as a single
// JSON object at config/scaling-groups/{name}/scheduler-opts.
type SchedulerOpts struct {
	AllowedSessionTypes []string `mapstructure:"allowed_session_types" json:"allowed_session_types"`
	ResourcePriority    []string `mapstructure:"agent_selection_resource_priority" json:"agent_selection_resource_priority"`

	// PendingTimeoutSec cancels sessions that sit in PENDING longer than this
	// many seconds. Zero disables the timeout.
	PendingTimeoutSec float64 `mapstructure:"pending_timeout" json:"pending_timeout"`

	// RetriesToSkip is the number of scheduling attempts after which the FIFO
	// scheduler temporarily skips a head-of-line session that keeps failing
	// its predicate checks. Zero disables head-of-line mitigation.
	RetriesToSkip int `mapstructure:"num_retries_to_skip" json:"num_retries_to_skip"`
}

func defaultSchedulerOpts() SchedulerOpts {
	return SchedulerOpts{
		AllowedSessionTypes: []string{
			string(types.SessionTypeInteractive),
			string(types.SessionTypeBatch),
			string(types.SessionTypeInference),
		},
		ResourcePriority: append([]string(nil), DefaultResourcePriority...),
	}
}

// PendingTimeout converts the configured seconds into a duration.
func (o *SchedulerOpts) PendingTimeout() time.Duration {
	return time.Duration(o.PendingTimeoutSec * float64(time.Second))
}

// SessionTypeAllowed reports whether the scaling group accepts sessions of
// the given type.
func (o *SchedulerOpts) SessionTypeAllowed(sessionType types.SessionTypes) bool {
	for _, allowed := range o.AllowedSessionTypes {
		if allowed == string(sessionType) {
			return true
		}
	}
	return false
}

// ScalingGroupConfig is the resolved scheduling configuration of one scaling group.
type ScalingGroupConfig struct {
	Name          string
	Scheduler     string
	AgentSelector string
	Opts          SchedulerOpts
}

// GatewayNode is the gateway's self-announcement stored at nodes/gateway.
type GatewayNode struct {
	Id        string `json:"id"`
	Addr      string `json:"addr"`
	ProxyAddr string `json:"proxy_addr,omitempty"`
	Version   string `json:"version"`
}

// AgentNode is an agent's self-announcement stored at nodes/agents/{id}.
type AgentNode struct {
	Id           string `json:"id"`
	Addr         string `json:"addr"`
	ScalingGroup string `json:"scaling_group"`
	Architecture string `json:"architecture"`
	Version      string `json:"version"`
}

// SharedConfig provides typed access to the cluster-wide configuration kept in
// the KeyValueStore. It is shared by the gateway and the agents; both sides
// must agree on the key schema above.
type SharedConfig struct {
	store KeyValueStore

	log logger.Logger
}

func NewSharedConfig(store KeyValueStore) *SharedConfig {
	sharedConfig := &SharedConfig{store: store}
	config.InitLogger(&sharedConfig.log, sharedConfig)
	return sharedConfig
}

// Store exposes the underlying KeyValueStore.
func (c *SharedConfig) Store() KeyValueStore {
	return c.store
}

// ResourceSlotTypes returns every resource slot known to the cluster together
// with how its values are interpreted.
func (c *SharedConfig) ResourceSlotTypes(ctx context.Context) (map[types.SlotName]types.SlotTypes, error) {
	pairs, err := c.store.GetPrefix(ctx, resourceSlotPrefix)
	if err != nil {
		return nil, err
	}

	slots := make(map[types.SlotName]types.SlotTypes, len(pairs)+2)

	// The intrinsic slots exist even before any agent has announced itself.
	slots[types.SlotCPU] = types.SlotTypeCount
	slots[types.SlotMem] = types.SlotTypeBytes

	for key, value := range pairs {
		name := strings.TrimPrefix(key, resourceSlotPrefix)
		if name == "" {
			continue
		}
		slots[types.SlotName(name)] = types.SlotTypes(value)
	}
	return slots, nil
}

// RegisterResourceSlots publishes the slot types an agent's compute plugins
// expose. Re-registering an existing slot with the same type is a no-op.
func (c *SharedConfig) RegisterResourceSlots(ctx context.Context, slots map[types.SlotName]types.SlotTypes) error {
	for name, slotType := range slots {
		key := resourceSlotPrefix + string(name)

		existing, found, err := c.store.Get(ctx, key)
		if err != nil {
			return err
		}
		if found && existing == string(slotType) {
			continue
		}
		if found && existing != string(slotType) {
			c.log.Warn("Resource slot \"%s\" re-registered with type \"%s\" (was \"%s\").",
				name, slotType, existing)
		}

		if err := c.store.Put(ctx, key, string(slotType)); err != nil {
			return err
		}
	}
	return nil
}

// HeartbeatTimeout returns how long the gateway waits for an agent heartbeat
// before declaring the agent lost. The value is stored as seconds, possibly
// fractional.
func (c *SharedConfig) HeartbeatTimeout(ctx context.Context) (time.Duration, error) {
	raw, found, err := c.store.Get(ctx, heartbeatTimeoutKey)
	if err != nil {
		return 0, err
	}
	if !found {
		return DefaultHeartbeatTimeout, nil
	}

	seconds, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || seconds <= 0 {
		c.log.Warn("Ignoring invalid %s value \"%s\"; using default of %v.",
			heartbeatTimeoutKey, raw, DefaultHeartbeatTimeout)
		return DefaultHeartbeatTimeout, nil
	}

	return time.Duration(seconds * float64(time.Second)), nil
}

// MaxContainerCount returns the per-agent kernel container limit. Zero means
// unlimited.
func (c *SharedConfig) MaxContainerCount(ctx context.Context) (int, error) {
	raw, found, err := c.store.Get(ctx, maxContainerCountKey)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, nil
	}

	count, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || count < 0 {
		c.log.Warn("Ignoring invalid %s value \"%s\"; treating container count as unlimited.",
			maxContainerCountKey, raw)
		return 0, nil
	}
	return count, nil
}

// ScalingGroup resolves the scheduling configuration of the named scaling
// group, applying defaults for anything unset.
func (c *SharedConfig) ScalingGroup(ctx context.Context, name string) (*ScalingGroupConfig, error) {
	groupConfig := &ScalingGroupConfig{
		Name:          name,
		Scheduler:     DefaultSchedulerName,
		AgentSelector: DefaultAgentSelectorName,
		Opts:          defaultSchedulerOpts(),
	}

	prefix := scalingGroupPrefix + name + "/"

	if scheduler, found, err := c.store.Get(ctx, prefix+"scheduler"); err != nil {
		return nil, err
	} else if found && scheduler != "" {
		groupConfig.Scheduler = scheduler
	}

	if selector, found, err := c.store.Get(ctx, prefix+"agent-selector"); err != nil {
		return nil, err
	} else if found && selector != "" {
		groupConfig.AgentSelector = selector
	}

	rawOpts, found, err := c.store.Get(ctx, prefix+"scheduler-opts")
	if err != nil {
		return nil, err
	}
	if found && rawOpts != "" {
		var optsDict map[string]interface{}
		if err := json.Unmarshal([]byte(rawOpts), &optsDict); err != nil {
			return nil, fmt.Errorf("scaling group \"%s\" has malformed scheduler-opts: %w", name, err)
		}
		if err := mapstructure.Decode(optsDict, &groupConfig.Opts); err != nil {
			return nil, fmt.Errorf("scaling group \"%s\" has invalid scheduler-opts: %w", name, err)
		}
	}

	return groupConfig, nil
}

// SetScalingGroup persists the scheduling configuration of a scaling group.
func (c *SharedConfig) SetScalingGroup(ctx context.Context, groupConfig *ScalingGroupConfig) error {
	prefix := scalingGroupPrefix + groupConfig.Name + "/"

	if err := c.store.Put(ctx, prefix+"scheduler", groupConfig.Scheduler); err != nil {
		return err
	}
	if err := c.store.Put(ctx, prefix+"agent-selector", groupConfig.AgentSelector); err != nil {
		return err
	}

	encodedOpts, err := json.Marshal(&groupConfig.Opts)
	if err != nil {
		return err
	}
	return c.store.Put(ctx, prefix+"scheduler-opts", string(encodedOpts))
}

// RoundRobinIndex returns the persisted next-agent index for the round-robin
// selector, keyed by scaling group and CPU architecture.
func (c *SharedConfig) RoundRobinIndex(ctx context.Context, scalingGroup string, architecture string) (int, bool, error) {
	key := roundRobinKey(scalingGroup, architecture)

	raw, found, err := c.store.Get(ctx, key)
	if err != nil || !found {
		return 0, false, err
	}

	index, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		c.log.Warn("Discarding corrupt round-robin state at \"%s\": %v.", key, err)
		return 0, false, nil
	}
	return index, true, nil
}

// SetRoundRobinIndex persists the next-agent index for the round-robin selector.
func (c *SharedConfig) SetRoundRobinIndex(ctx context.Context, scalingGroup string, architecture string, next int) error {
	return c.store.Put(ctx, roundRobinKey(scalingGroup, architecture), strconv.Itoa(next))
}

func roundRobinKey(scalingGroup string, architecture string) string {
	return resourceGroupStatePrefix + scalingGroup + "/roundrobin/" + architecture
}

// AnnounceGateway publishes the gateway's address at nodes/gateway.
func (c *SharedConfig) AnnounceGateway(ctx context.Context, node *GatewayNode) error {
	encoded, err := json.Marshal(node)
	if err != nil {
		return err
	}
	return c.store.Put(ctx, gatewayNodeKey, string(encoded))
}

// GatewayNode returns the gateway announcement, if present.
func (c *SharedConfig) GatewayNode(ctx context.Context) (*GatewayNode, bool, error) {
	raw, found, err := c.store.Get(ctx, gatewayNodeKey)
	if err != nil || !found {
		return nil, false, err
	}

	var node GatewayNode
	if err := json.Unmarshal([]byte(raw), &node); err != nil {
		return nil, false, err
	}
	return &node, true, nil
}

// AnnounceAgent publishes an agent's address at nodes/agents/{id}.
func (c *SharedConfig) AnnounceAgent(ctx context.Context, node *AgentNode) error {
	encoded, err := json.Marshal(node)
	if err != nil {
		return err
	}
	return c.store.Put(ctx, agentNodePrefix+node.Id, string(encoded))
}

// WithdrawAgent removes an agent's announcement. Withdrawing an agent that
// never announced itself is not an error.
func (c *SharedConfig) WithdrawAgent(ctx context.Context, agentId types.AgentId) error {
	return c.store.Delete(ctx, agentNodePrefix+string(agentId))
}

// AgentNodes returns every announced agent keyed by id.
func (c *SharedConfig) AgentNodes(ctx context.Context) (map[types.AgentId]*AgentNode, error) {
	pairs, err := c.store.GetPrefix(ctx, agentNodePrefix)
	if err != nil {
		return nil, err
	}

	nodes := make(map[types.AgentId]*AgentNode, len(pairs))
	for key, raw := range pairs {
		id := strings.TrimPrefix(key, agentNodePrefix)
		if id == "" {
			continue
		}

		var node AgentNode
		if err := json.Unmarshal([]byte(raw), &node); err != nil {
			c.log.Warn("Skipping corrupt agent announcement at \"%s\": %v.", key, err)
			continue
		}
		nodes[types.AgentId(id)] = &node
	}
	return nodes, nil
}

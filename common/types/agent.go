package types

import "fmt"

// ComputePluginInfo announces one device plugin of an agent: what hardware
// family it serves and how many devices it found.
type ComputePluginInfo struct {
	Key         string            `json:"key"`
	Version     string            `json:"version"`
	DeviceCount int               `json:"device_count"`
	ExtraInfo   map[string]string `json:"extra_info,omitempty"`
}

// AgentInfo is what an agent reports about itself in every heartbeat: where
// to reach it, what it can run, and how much of it is in use. The gateway's
// registry treats this as the authoritative capacity snapshot for the agent.
type AgentInfo struct {
	Id           AgentId `json:"id"`
	Addr         string  `json:"addr"`
	Architecture string  `json:"architecture"`
	ScalingGroup string  `json:"scaling_group"`
	Version      string  `json:"version"`

	// PublicHost is the address users reach the agent's kernel ports on,
	// which may differ from the RPC address inside the cluster.
	PublicHost string `json:"public_host,omitempty"`

	// Region labels where the agent runs for placement policies.
	Region string `json:"region,omitempty"`

	// AvailableSlots is the agent's total capacity per resource slot.
	AvailableSlots ResourceSlot `json:"available_slots"`

	// OccupiedSlots is the agent's own view of what its live kernels hold.
	// The gateway recomputes its authoritative view from the kernel registry
	// and only uses this for drift detection.
	OccupiedSlots ResourceSlot `json:"occupied_slots"`

	// SlotTypes describes how each announced slot is interpreted. Intrinsic
	// cpu/mem slots may be omitted.
	SlotTypes map[SlotName]SlotTypes `json:"slot_types,omitempty"`

	// Images lists the container images the agent has already pulled.
	Images []ImageRef `json:"images,omitempty"`

	// ComputePlugins lists the device plugins the agent booted with.
	ComputePlugins []ComputePluginInfo `json:"compute_plugins,omitempty"`

	ContainerCount int `json:"container_count"`
}

func (info *AgentInfo) String() string {
	return fmt.Sprintf("AgentInfo[Id: %s, Addr: %s, Architecture: %s, ScalingGroup: %s, ContainerCount: %d]",
		info.Id, info.Addr, info.Architecture, info.ScalingGroup, info.ContainerCount)
}

// Clone returns a deep copy so registry bookkeeping cannot alias the
// heartbeat payload.
func (info *AgentInfo) Clone() *AgentInfo {
	clone := *info

	clone.AvailableSlots = info.AvailableSlots.Clone()
	clone.OccupiedSlots = info.OccupiedSlots.Clone()

	if info.SlotTypes != nil {
		clone.SlotTypes = make(map[SlotName]SlotTypes, len(info.SlotTypes))
		for name, slotType := range info.SlotTypes {
			clone.SlotTypes[name] = slotType
		}
	}
	if info.Images != nil {
		clone.Images = append([]ImageRef(nil), info.Images...)
	}
	if info.ComputePlugins != nil {
		clone.ComputePlugins = append([]ComputePluginInfo(nil), info.ComputePlugins...)
	}

	return &clone
}

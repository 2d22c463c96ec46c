package resources

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/scusemua/distributed-cluster/common/types"
)

// Device describes one piece of compute hardware a plugin exposes, such as
// a CPU core, the memory root complex, or a GPU.
type Device struct {
	DeviceId   types.DeviceId `json:"device_id"`
	HwLocation string         `json:"hw_location,omitempty"`

	// NumaNode is -1 when the hardware topology is unknown.
	NumaNode int `json:"numa_node"`

	MemorySize      int64 `json:"memory_size"`
	ProcessingUnits int   `json:"processing_units"`

	// ModelName carries the marketing name for accelerators, e.g.
	// "CUDA GPU (mock)". Empty for intrinsic devices.
	ModelName string `json:"model_name,omitempty"`
}

// SlotTypeInfo declares one resource slot a plugin serves and how its
// values are interpreted.
type SlotTypeInfo struct {
	Name types.SlotName  `json:"name"`
	Type types.SlotTypes `json:"type"`
}

// DeviceModelInfo identifies a device attached to a running kernel, sent
// back to the cluster so users can see what hardware they landed on.
type DeviceModelInfo struct {
	DeviceId  types.DeviceId         `json:"device_id"`
	ModelName string                 `json:"model_name"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// ContainerResourceArgs carries the container runtime knobs derived from a
// device allocation. The invoker merges the args of every plugin that took
// part in an allocation into the container's host config.
type ContainerResourceArgs struct {
	// CpusetCpus pins the container to the allocated cores, in the
	// "0,2-3" syntax the runtime expects.
	CpusetCpus string

	// MemoryBytes and MemorySwapBytes bound the container's memory.
	// Zero means unlimited.
	MemoryBytes     int64
	MemorySwapBytes int64

	// Devices lists host device paths to map into the container.
	Devices []string

	// Environment is merged into the container environment, e.g. GPU
	// visibility variables.
	Environment map[string]string
}

// Merge folds the other args into the receiver. Scalar limits add up,
// which is only meaningful across plugins that bound disjoint resources.
func (a *ContainerResourceArgs) Merge(other *ContainerResourceArgs) {
	if other == nil {
		return
	}
	if other.CpusetCpus != "" {
		a.CpusetCpus = other.CpusetCpus
	}
	a.MemoryBytes += other.MemoryBytes
	a.MemorySwapBytes += other.MemorySwapBytes
	a.Devices = append(a.Devices, other.Devices...)
	if len(other.Environment) > 0 && a.Environment == nil {
		a.Environment = make(map[string]string, len(other.Environment))
	}
	for key, value := range other.Environment {
		a.Environment[key] = value
	}
}

// NumberFormat tells user interfaces how to render a slot's amounts.
type NumberFormat struct {
	// Binary means amounts are powers of two, displayed as KiB/MiB/GiB.
	Binary bool `json:"binary"`

	// RoundLength is the number of fraction digits worth displaying.
	RoundLength int `json:"round_length"`
}

// AcceleratorMetadata describes how the cluster UI should present one
// resource slot.
type AcceleratorMetadata struct {
	SlotName          string       `json:"slot_name"`
	HumanReadableName string       `json:"human_readable_name"`
	Description       string       `json:"description"`
	DisplayUnit       string       `json:"display_unit"`
	NumberFormat      NumberFormat `json:"number_format"`
	DisplayIcon       string       `json:"display_icon"`
}

// ComputePlugin discovers the devices of one hardware family and turns
// allocations on them into container runtime arguments. Implementations
// must be safe for concurrent use once registered.
type ComputePlugin interface {
	// Key names the device family and prefixes every slot the plugin
	// serves, e.g. "cpu", "mem", "cuda".
	Key() string

	// Version reports the plugin version announced in heartbeats.
	Version() string

	// SlotTypes declares the resource slots this plugin serves, in
	// announcement order.
	SlotTypes() []SlotTypeInfo

	// ListDevices enumerates the devices currently present.
	ListDevices(ctx context.Context) ([]Device, error)

	// AvailableSlots reports the total allocatable capacity per slot.
	AvailableSlots(ctx context.Context) (types.ResourceSlot, error)

	// CreateAllocMap builds a fresh allocation map over the plugin's
	// devices with all capacity free.
	CreateAllocMap(ctx context.Context) (AllocMap, error)

	// ExtraInfo returns plugin metadata announced to the cluster, such
	// as driver or API versions.
	ExtraInfo() map[string]string

	// Metadata describes how the cluster UI should present the plugin's
	// primary slot.
	Metadata() AcceleratorMetadata

	// ContainerArgs translates an allocation on this plugin's devices
	// into container runtime arguments.
	ContainerArgs(allocation Allocation) (*ContainerResourceArgs, error)

	// AttachedDevices describes the devices an allocation landed on.
	AttachedDevices(allocation Allocation) ([]DeviceModelInfo, error)
}

// slotTypeTable flattens a plugin's slot declarations into the lookup map
// heartbeats and request validation use.
func slotTypeTable(infos []SlotTypeInfo) map[types.SlotName]types.SlotTypes {
	table := make(map[types.SlotName]types.SlotTypes, len(infos))
	for _, info := range infos {
		table[info.Name] = info.Type
	}
	return table
}

// deviceSlotTable builds the per-device capacity table an alloc map is
// constructed from, assigning every device the same slot.
func deviceSlotTable(devices []Device, slotName types.SlotName, slotType types.SlotTypes,
	amountOf func(Device) decimal.Decimal) map[types.DeviceId]DeviceSlotInfo {

	table := make(map[types.DeviceId]DeviceSlotInfo, len(devices))
	for _, device := range devices {
		table[device.DeviceId] = DeviceSlotInfo{
			SlotType: slotType,
			SlotName: slotName,
			Amount:   amountOf(device),
		}
	}
	return table
}

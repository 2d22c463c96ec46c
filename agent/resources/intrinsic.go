package resources

import (
	"context"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/scusemua/distributed-cluster/common/types"
)

const intrinsicPluginVersion = "1.0.0"

var (
	cpuSlotName = types.SlotName("cpu")
	memSlotName = types.SlotName("mem")

	// memRootDeviceId is the single logical device the memory plugin
	// exposes. Memory is not tracked per NUMA node.
	memRootDeviceId = types.DeviceId("root")
)

// CPUPluginOptions configures how many host cores are exposed to kernels.
type CPUPluginOptions struct {
	// CoreLimit caps the number of exposed cores. Zero exposes every core
	// the agent process may run on.
	CoreLimit int `name:"core-limit" yaml:"core-limit" json:"core-limit" description:"Maximum number of CPU cores exposed to kernels. Zero exposes all cores."`
}

// CPUPlugin exposes the host's CPU cores as the "cpu" slot, one device per
// core.
type CPUPlugin struct {
	log     logger.Logger
	options CPUPluginOptions
}

var _ ComputePlugin = (*CPUPlugin)(nil)

func NewCPUPlugin(options CPUPluginOptions) *CPUPlugin {
	plugin := &CPUPlugin{options: options}
	config.InitLogger(&plugin.log, plugin)
	return plugin
}

func (p *CPUPlugin) Key() string     { return "cpu" }
func (p *CPUPlugin) Version() string { return intrinsicPluginVersion }

func (p *CPUPlugin) SlotTypes() []SlotTypeInfo {
	return []SlotTypeInfo{{Name: cpuSlotName, Type: types.SlotTypeCount}}
}

func (p *CPUPlugin) ListDevices(ctx context.Context) ([]Device, error) {
	// NumCPU honors the cpuset the agent was started under.
	cores := runtime.NumCPU()
	if p.options.CoreLimit > 0 && cores > p.options.CoreLimit {
		cores = p.options.CoreLimit
	}

	devices := make([]Device, 0, cores)
	for core := 0; core < cores; core++ {
		devices = append(devices, Device{
			DeviceId:        types.DeviceId(strconv.Itoa(core)),
			HwLocation:      "root",
			NumaNode:        numaNodeOfCore(core),
			ProcessingUnits: 1,
		})
	}
	return devices, nil
}

func (p *CPUPlugin) AvailableSlots(ctx context.Context) (types.ResourceSlot, error) {
	devices, err := p.ListDevices(ctx)
	if err != nil {
		return nil, err
	}

	units := 0
	for _, device := range devices {
		units += device.ProcessingUnits
	}
	return types.ResourceSlot{cpuSlotName: types.SlotFromInt(int64(units))}, nil
}

func (p *CPUPlugin) CreateAllocMap(ctx context.Context) (AllocMap, error) {
	devices, err := p.ListDevices(ctx)
	if err != nil {
		return nil, err
	}

	p.log.Info("Exposing %d CPU core(s) to kernels.", len(devices))

	table := deviceSlotTable(devices, cpuSlotName, types.SlotTypeCount, func(device Device) decimal.Decimal {
		return decimal.NewFromInt(int64(device.ProcessingUnits))
	})
	return NewDiscretePropertyAllocMap(table, AllocationEvenly), nil
}

func (p *CPUPlugin) ExtraInfo() map[string]string {
	return map[string]string{
		"machine": runtime.GOARCH,
		"os_type": runtime.GOOS,
	}
}

func (p *CPUPlugin) Metadata() AcceleratorMetadata {
	return AcceleratorMetadata{
		SlotName:          "cpu",
		HumanReadableName: "CPU",
		Description:       "CPU",
		DisplayUnit:       "Core",
		NumberFormat:      NumberFormat{Binary: false, RoundLength: 0},
		DisplayIcon:       "cpu",
	}
}

func (p *CPUPlugin) ContainerArgs(allocation Allocation) (*ContainerResourceArgs, error) {
	perDevice := allocation[cpuSlotName]
	cores := make([]types.DeviceId, 0, len(perDevice))
	for deviceId, amount := range perDevice {
		if amount.Sign() > 0 {
			cores = append(cores, deviceId)
		}
	}
	sort.Slice(cores, func(i, j int) bool { return deviceIdLess(cores[i], cores[j]) })

	parts := make([]string, len(cores))
	for i, deviceId := range cores {
		parts[i] = string(deviceId)
	}
	return &ContainerResourceArgs{CpusetCpus: strings.Join(parts, ",")}, nil
}

func (p *CPUPlugin) AttachedDevices(allocation Allocation) ([]DeviceModelInfo, error) {
	return attachedFromAllocation(allocation, cpuSlotName, ""), nil
}

// MemoryPluginOptions configures the memory capacity announced to the
// cluster.
type MemoryPluginOptions struct {
	// TotalBytes overrides the detected physical memory size. Zero means
	// detect it from the host.
	TotalBytes int64 `name:"total-bytes" yaml:"total-bytes" json:"total-bytes" description:"Total memory to expose to kernels, in bytes. Zero detects the host's physical memory."`

	// ReserveBytes is withheld from kernels for the agent itself and the
	// operating system.
	ReserveBytes int64 `name:"reserve-bytes" yaml:"reserve-bytes" json:"reserve-bytes" description:"Memory withheld from kernels for the agent and OS, in bytes."`
}

// MemoryPlugin exposes the host's memory as the "mem" slot on a single
// logical root device.
type MemoryPlugin struct {
	log     logger.Logger
	options MemoryPluginOptions
}

var _ ComputePlugin = (*MemoryPlugin)(nil)

func NewMemoryPlugin(options MemoryPluginOptions) *MemoryPlugin {
	plugin := &MemoryPlugin{options: options}
	config.InitLogger(&plugin.log, plugin)
	return plugin
}

func (p *MemoryPlugin) Key() string     { return "mem" }
func (p *MemoryPlugin) Version() string { return intrinsicPluginVersion }

func (p *MemoryPlugin) SlotTypes() []SlotTypeInfo {
	return []SlotTypeInfo{{Name: memSlotName, Type: types.SlotTypeBytes}}
}

// usableMemory resolves the allocatable memory size from the options,
// falling back to host detection.
func (p *MemoryPlugin) usableMemory() (int64, error) {
	total := p.options.TotalBytes
	if total == 0 {
		detected, err := detectTotalMemory()
		if err != nil {
			return 0, err
		}
		total = detected
	}

	usable := total - p.options.ReserveBytes
	if usable <= 0 {
		return 0, errors.Errorf("memory reserve of %d bytes leaves nothing of the %d byte total to allocate",
			p.options.ReserveBytes, total)
	}
	return usable, nil
}

func (p *MemoryPlugin) ListDevices(ctx context.Context) ([]Device, error) {
	usable, err := p.usableMemory()
	if err != nil {
		return nil, err
	}

	return []Device{{
		DeviceId:   memRootDeviceId,
		HwLocation: "root",
		NumaNode:   -1,
		MemorySize: usable,
	}}, nil
}

func (p *MemoryPlugin) AvailableSlots(ctx context.Context) (types.ResourceSlot, error) {
	usable, err := p.usableMemory()
	if err != nil {
		return nil, err
	}
	return types.ResourceSlot{memSlotName: types.SlotFromInt(usable)}, nil
}

func (p *MemoryPlugin) CreateAllocMap(ctx context.Context) (AllocMap, error) {
	devices, err := p.ListDevices(ctx)
	if err != nil {
		return nil, err
	}

	p.log.Info("Exposing %d byte(s) of memory to kernels.", devices[0].MemorySize)

	table := deviceSlotTable(devices, memSlotName, types.SlotTypeBytes, func(device Device) decimal.Decimal {
		return decimal.NewFromInt(device.MemorySize)
	})
	return NewDiscretePropertyAllocMap(table, AllocationEvenly), nil
}

func (p *MemoryPlugin) ExtraInfo() map[string]string {
	return map[string]string{
		"reserved_bytes": strconv.FormatInt(p.options.ReserveBytes, 10),
	}
}

func (p *MemoryPlugin) Metadata() AcceleratorMetadata {
	return AcceleratorMetadata{
		SlotName:          "mem",
		HumanReadableName: "RAM",
		Description:       "Memory",
		DisplayUnit:       "GiB",
		NumberFormat:      NumberFormat{Binary: true, RoundLength: 0},
		DisplayIcon:       "cloud",
	}
}

func (p *MemoryPlugin) ContainerArgs(allocation Allocation) (*ContainerResourceArgs, error) {
	memory := allocation.SlotTotals()[memSlotName].IntPart()

	// MemorySwap equal to Memory disables swap for the container.
	return &ContainerResourceArgs{
		MemoryBytes:     memory,
		MemorySwapBytes: memory,
	}, nil
}

func (p *MemoryPlugin) AttachedDevices(allocation Allocation) ([]DeviceModelInfo, error) {
	return attachedFromAllocation(allocation, memSlotName, ""), nil
}

// attachedFromAllocation lists the devices an allocation actually touched.
func attachedFromAllocation(allocation Allocation, slotName types.SlotName, modelName string) []DeviceModelInfo {
	perDevice := allocation[slotName]
	out := make([]DeviceModelInfo, 0, len(perDevice))
	for _, deviceId := range sortedDeviceIds(perDevice) {
		if perDevice[deviceId].Sign() > 0 {
			out = append(out, DeviceModelInfo{DeviceId: deviceId, ModelName: modelName})
		}
	}
	return out
}

package resources

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/shopspring/decimal"

	"github.com/scusemua/distributed-cluster/common/types"
)

const (
	cudaMockPluginVersion = "1.0.0"

	// minSMPCount is the floor for the processor count advertised with a
	// fractional share, mirroring TF_MIN_GPU_MULTIPROCESSOR_COUNT.
	minSMPCount = 4
)

var (
	cudaDeviceSlotName = types.SlotName("cuda.device")
	cudaSharesSlotName = types.SlotName("cuda.shares")

	// cudaExclusiveSlotNames keeps whole-device and fractional-share
	// requests from mixing in one allocation.
	cudaExclusiveSlotNames = []types.SlotName{cudaDeviceSlotName, cudaSharesSlotName}
)

// CudaMockOptions shapes the simulated GPU fleet.
type CudaMockOptions struct {
	// DeviceCount is the number of simulated GPUs. Zero disables the
	// plugin.
	DeviceCount int `name:"device-count" yaml:"device-count" json:"device-count" description:"Number of simulated GPUs to expose."`

	MemoryBytesPerDevice int64  `name:"memory-bytes-per-device" yaml:"memory-bytes-per-device" json:"memory-bytes-per-device" description:"Memory size of each simulated GPU, in bytes."`
	SMPPerDevice         int    `name:"smp-per-device" yaml:"smp-per-device" json:"smp-per-device" description:"Number of streaming multiprocessors per simulated GPU."`
	ModelName            string `name:"model-name" yaml:"model-name" json:"model-name" description:"Model name reported for the simulated GPUs."`

	// Fractional switches from whole-device "cuda.device" slots to
	// fractional "cuda.shares" slots.
	Fractional bool `name:"fractional" yaml:"fractional" json:"fractional" description:"Expose fractional GPU shares instead of whole devices."`

	// QuantumSize is the share granularity in fractional mode.
	QuantumSize string `name:"quantum-size" yaml:"quantum-size" json:"quantum-size" description:"Granularity of fractional GPU shares."`

	// UnitMemoryBytes and UnitSMP define how much of a device one share
	// is worth in fractional mode.
	UnitMemoryBytes int64 `name:"unit-memory-bytes" yaml:"unit-memory-bytes" json:"unit-memory-bytes" description:"Device memory corresponding to one GPU share, in bytes."`
	UnitSMP         int   `name:"unit-smp" yaml:"unit-smp" json:"unit-smp" description:"Streaming multiprocessors corresponding to one GPU share."`

	// ReservedMemoryBytes is withheld from each device in fractional
	// mode for the share virtualization runtime.
	ReservedMemoryBytes int64 `name:"reserved-memory-bytes" yaml:"reserved-memory-bytes" json:"reserved-memory-bytes" description:"Per-device memory withheld from fractional shares, in bytes."`

	// AllocationStrategy is FILL or EVENLY.
	AllocationStrategy string `name:"allocation-strategy" yaml:"allocation-strategy" json:"allocation-strategy" description:"Device allocation strategy, FILL or EVENLY."`
}

func (o CudaMockOptions) withDefaults() CudaMockOptions {
	if o.MemoryBytesPerDevice <= 0 {
		o.MemoryBytesPerDevice = 8 << 30
	}
	if o.SMPPerDevice <= 0 {
		o.SMPPerDevice = 16
	}
	if o.ModelName == "" {
		o.ModelName = "CUDA GPU (mock)"
	}
	if o.QuantumSize == "" {
		o.QuantumSize = "0.1"
	}
	if o.UnitMemoryBytes <= 0 {
		o.UnitMemoryBytes = 2 << 30
	}
	if o.UnitSMP <= 0 {
		o.UnitSMP = 8
	}
	if o.ReservedMemoryBytes < 0 {
		o.ReservedMemoryBytes = 0
	} else if o.ReservedMemoryBytes == 0 {
		o.ReservedMemoryBytes = 64 << 20
	}
	if !o.Fractional {
		o.ReservedMemoryBytes = 0
	}
	return o
}

// CudaMockPlugin simulates a fleet of GPUs so that scheduling, allocation
// and accounting paths can run on hosts without real accelerators.
type CudaMockPlugin struct {
	log     logger.Logger
	options CudaMockOptions

	devices     []Device
	quantumSize decimal.Decimal
	strategy    AllocationStrategy
}

var _ ComputePlugin = (*CudaMockPlugin)(nil)

func NewCudaMockPlugin(options CudaMockOptions) *CudaMockPlugin {
	plugin := &CudaMockPlugin{options: options.withDefaults()}
	config.InitLogger(&plugin.log, plugin)

	quantum, err := decimal.NewFromString(plugin.options.QuantumSize)
	if err != nil || quantum.Sign() <= 0 {
		plugin.log.Warn("Invalid GPU share quantum \"%s\"; falling back to 0.1.", plugin.options.QuantumSize)
		quantum = decimal.RequireFromString("0.1")
	}
	plugin.quantumSize = quantum
	plugin.strategy = ParseAllocationStrategy(plugin.options.AllocationStrategy)

	plugin.devices = make([]Device, 0, plugin.options.DeviceCount)
	for idx := 0; idx < plugin.options.DeviceCount; idx++ {
		plugin.devices = append(plugin.devices, Device{
			DeviceId:        types.DeviceId(strconv.Itoa(idx)),
			HwLocation:      fmt.Sprintf("0000:99:%02d.0", idx),
			NumaNode:        idx % 2,
			MemorySize:      plugin.options.MemoryBytesPerDevice,
			ProcessingUnits: plugin.options.SMPPerDevice,
			ModelName:       plugin.options.ModelName,
		})
	}

	return plugin
}

func (p *CudaMockPlugin) Key() string     { return "cuda" }
func (p *CudaMockPlugin) Version() string { return cudaMockPluginVersion }

func (p *CudaMockPlugin) SlotTypes() []SlotTypeInfo {
	if p.options.Fractional {
		return []SlotTypeInfo{{Name: cudaSharesSlotName, Type: types.SlotTypeCount}}
	}
	return []SlotTypeInfo{{Name: cudaDeviceSlotName, Type: types.SlotTypeCount}}
}

func (p *CudaMockPlugin) ListDevices(ctx context.Context) ([]Device, error) {
	out := make([]Device, len(p.devices))
	copy(out, p.devices)
	return out, nil
}

// deviceShare converts a device's memory and processor counts into the
// fractional share it is worth, bounded by whichever dimension is scarcer.
func (p *CudaMockPlugin) deviceShare(device Device) decimal.Decimal {
	memShares := decimal.NewFromInt(device.MemorySize).Div(decimal.NewFromInt(p.options.UnitMemoryBytes))
	procShares := decimal.NewFromInt(int64(device.ProcessingUnits)).Div(decimal.NewFromInt(int64(p.options.UnitSMP)))
	return decimal.Min(memShares, procShares).Truncate(2)
}

// shareToSpec converts an allocated share back into the memory and
// processor budget announced to the kernel.
func (p *CudaMockPlugin) shareToSpec(share decimal.Decimal) (memoryBytes int64, smpCount int) {
	memoryBytes = decimal.NewFromInt(p.options.UnitMemoryBytes).Mul(share).IntPart()
	smpCount = int(decimal.NewFromInt(int64(p.options.UnitSMP)).Mul(share).IntPart())
	if smpCount < minSMPCount {
		smpCount = minSMPCount
	}
	return memoryBytes, smpCount
}

func (p *CudaMockPlugin) AvailableSlots(ctx context.Context) (types.ResourceSlot, error) {
	if p.options.Fractional {
		total := decimal.Zero
		for _, device := range p.devices {
			total = total.Add(p.deviceShare(device))
		}
		return types.ResourceSlot{cudaSharesSlotName: types.SlotFromDecimal(total)}, nil
	}
	return types.ResourceSlot{cudaDeviceSlotName: types.SlotFromInt(int64(len(p.devices)))}, nil
}

func (p *CudaMockPlugin) CreateAllocMap(ctx context.Context) (AllocMap, error) {
	if p.options.Fractional {
		p.log.Info("Exposing %d simulated GPU(s) as fractional shares (quantum %s).",
			len(p.devices), p.quantumSize.String())

		table := deviceSlotTable(p.devices, cudaSharesSlotName, types.SlotTypeCount, p.deviceShare)
		return NewFractionAllocMap(table, p.strategy, p.quantumSize, cudaExclusiveSlotNames...), nil
	}

	p.log.Info("Exposing %d simulated GPU(s) as whole devices.", len(p.devices))

	table := deviceSlotTable(p.devices, cudaDeviceSlotName, types.SlotTypeCount, func(Device) decimal.Decimal {
		return decimal.NewFromInt(1)
	})
	return NewDiscretePropertyAllocMap(table, p.strategy, cudaExclusiveSlotNames...), nil
}

func (p *CudaMockPlugin) ExtraInfo() map[string]string {
	return map[string]string{
		"cuda_support":  "true",
		"nvidia_driver": "450.00.00 (mock)",
		"cuda_runtime":  "11.0 (mock)",
	}
}

func (p *CudaMockPlugin) Metadata() AcceleratorMetadata {
	if p.options.Fractional {
		return AcceleratorMetadata{
			SlotName:          string(cudaSharesSlotName),
			HumanReadableName: "GPU",
			Description:       "CUDA-capable GPU (fractional)",
			DisplayUnit:       "fGPU",
			NumberFormat:      NumberFormat{Binary: false, RoundLength: 2},
			DisplayIcon:       "gpu1",
		}
	}
	return AcceleratorMetadata{
		SlotName:          string(cudaDeviceSlotName),
		HumanReadableName: "GPU",
		Description:       "CUDA-capable GPU",
		DisplayUnit:       "GPU",
		NumberFormat:      NumberFormat{Binary: false, RoundLength: 0},
		DisplayIcon:       "gpu1",
	}
}

// assignedDeviceIds collects the devices an allocation actually touched,
// in display order.
func assignedDeviceIds(allocation Allocation, slotNames ...types.SlotName) []types.DeviceId {
	ids := make([]types.DeviceId, 0)
	for _, slotName := range slotNames {
		for deviceId, amount := range allocation[slotName] {
			if amount.Sign() > 0 {
				ids = append(ids, deviceId)
			}
		}
	}
	sort.Slice(ids, func(i, j int) bool { return deviceIdLess(ids[i], ids[j]) })
	return ids
}

func (p *CudaMockPlugin) ContainerArgs(allocation Allocation) (*ContainerResourceArgs, error) {
	assigned := assignedDeviceIds(allocation, cudaDeviceSlotName, cudaSharesSlotName)

	parts := make([]string, len(assigned))
	for i, deviceId := range assigned {
		parts[i] = string(deviceId)
	}

	env := map[string]string{
		"TF_MIN_GPU_MULTIPROCESSOR_COUNT": strconv.Itoa(minSMPCount),
		"MOCK_CUDA_DEVICES":               strings.Join(parts, ","),
		"MOCK_CUDA_DEVICE_COUNT":          strconv.Itoa(len(assigned)),
	}

	if p.options.Fractional {
		memLimits := make([]string, 0, len(assigned))
		procLimits := make([]string, 0, len(assigned))
		for _, deviceId := range assigned {
			share := allocation[cudaSharesSlotName][deviceId]
			memoryBytes, smpCount := p.shareToSpec(share)
			memLimits = append(memLimits, fmt.Sprintf("%s:%d", deviceId, memoryBytes))
			procLimits = append(procLimits, fmt.Sprintf("%s:%d", deviceId, smpCount))
		}
		env["MOCK_CUDA_MEMORY_LIMITS"] = strings.Join(memLimits, ",")
		env["MOCK_CUDA_PROCESSOR_LIMITS"] = strings.Join(procLimits, ",")
		env["MOCK_CUDA_RESERVED_MEMORY"] = strconv.FormatInt(p.options.ReservedMemoryBytes, 10)
	}

	return &ContainerResourceArgs{Environment: env}, nil
}

func (p *CudaMockPlugin) AttachedDevices(allocation Allocation) ([]DeviceModelInfo, error) {
	assigned := assignedDeviceIds(allocation, cudaDeviceSlotName, cudaSharesSlotName)

	out := make([]DeviceModelInfo, 0, len(assigned))
	for _, deviceId := range assigned {
		device, ok := p.findDevice(deviceId)
		if !ok {
			continue
		}

		memoryBytes := device.MemorySize
		smpCount := device.ProcessingUnits
		if p.options.Fractional {
			memoryBytes, smpCount = p.shareToSpec(allocation[cudaSharesSlotName][deviceId])
		}

		out = append(out, DeviceModelInfo{
			DeviceId:  deviceId,
			ModelName: device.ModelName,
			Data: map[string]interface{}{
				"smp": smpCount,
				"mem": memoryBytes,
			},
		})
	}
	return out, nil
}

func (p *CudaMockPlugin) findDevice(deviceId types.DeviceId) (Device, bool) {
	for _, device := range p.devices {
		if device.DeviceId == deviceId {
			return device, true
		}
	}
	return Device{}, false
}

package resources

import (
	"context"
	"sync"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/scusemua/distributed-cluster/common/types"
)

// registeredPlugin bundles a plugin with the alloc map and device list it
// was registered with.
type registeredPlugin struct {
	plugin    ComputePlugin
	allocMap  AllocMap
	devices   []Device
	slotTypes map[types.SlotName]types.SlotTypes
}

// Manager owns the device plugins of one agent. It routes each requested
// slot to the plugin serving it, records what every kernel holds, and
// answers the capacity questions heartbeats ask.
//
// Allocate is idempotent per kernel: a redelivered create request gets the
// originally recorded grant back instead of double-allocating.
type Manager struct {
	sync.Mutex
	log logger.Logger

	plugins     map[string]*registeredPlugin
	pluginOrder []string

	// kernelAllocations records, per kernel, the allocation granted by
	// each plugin (keyed by plugin key).
	kernelAllocations map[types.KernelId]map[string]Allocation
}

func NewManager() *Manager {
	manager := &Manager{
		plugins:           make(map[string]*registeredPlugin),
		kernelAllocations: make(map[types.KernelId]map[string]Allocation),
	}
	config.InitLogger(&manager.log, manager)
	return manager
}

// Register discovers the plugin's devices, builds its alloc map, and adds
// it to the routing table. Registering two plugins with the same key fails.
func (m *Manager) Register(ctx context.Context, plugin ComputePlugin) error {
	key := plugin.Key()

	devices, err := plugin.ListDevices(ctx)
	if err != nil {
		return errors.Wrapf(err, "failed to list devices of compute plugin \"%s\"", key)
	}
	allocMap, err := plugin.CreateAllocMap(ctx)
	if err != nil {
		return errors.Wrapf(err, "failed to create alloc map for compute plugin \"%s\"", key)
	}

	m.Lock()
	defer m.Unlock()

	if _, exists := m.plugins[key]; exists {
		return errors.Wrapf(ErrPluginAlreadyRegistered, "compute plugin \"%s\"", key)
	}

	m.plugins[key] = &registeredPlugin{
		plugin:    plugin,
		allocMap:  allocMap,
		devices:   devices,
		slotTypes: slotTypeTable(plugin.SlotTypes()),
	}
	m.pluginOrder = append(m.pluginOrder, key)

	m.log.Info("Registered compute plugin \"%s\" v%s with %d device(s).", key, plugin.Version(), len(devices))
	return nil
}

// Allocate reserves the requested slots for the kernel, splitting the
// request across the plugins serving each slot. Either every plugin
// commits or none does.
func (m *Manager) Allocate(kernelId types.KernelId, requested types.ResourceSlot,
	opts *AllocateOptions) (map[string]Allocation, error) {

	options := opts.withDefaults()
	if options.ContextTag == "" {
		options.ContextTag = string(kernelId)
	}

	m.Lock()
	defer m.Unlock()

	if existing, ok := m.kernelAllocations[kernelId]; ok {
		m.log.Warn("Kernel \"%s\" already holds an allocation; returning the recorded grant.", kernelId)
		return cloneKernelAllocation(existing), nil
	}

	perPlugin := make(map[string]map[types.SlotName]decimal.Decimal)
	for slotName, value := range requested {
		if value.IsInfinite() {
			return nil, errors.Wrapf(ErrInvalidResourceArgument,
				"slot \"%s\" requested an infinite amount", slotName)
		}
		amount := value.Decimal()
		if amount.Sign() <= 0 {
			continue
		}

		key := slotName.DeviceName()
		registered, ok := m.plugins[key]
		if !ok {
			return nil, errors.Wrapf(ErrUnknownSlotName, "slot \"%s\"", slotName)
		}
		if _, declared := registered.slotTypes[slotName]; !declared {
			return nil, errors.Wrapf(ErrUnknownSlotName,
				"slot \"%s\" is not served by compute plugin \"%s\"", slotName, key)
		}

		if perPlugin[key] == nil {
			perPlugin[key] = make(map[types.SlotName]decimal.Decimal)
		}
		perPlugin[key][slotName] = amount
	}

	granted := make(map[string]Allocation, len(perPlugin))
	for _, key := range m.pluginOrder {
		request, ok := perPlugin[key]
		if !ok {
			continue
		}

		allocation, err := m.plugins[key].allocMap.Allocate(request, &options)
		if err != nil {
			for grantedKey, grantedAllocation := range granted {
				m.plugins[grantedKey].allocMap.Free(grantedAllocation)
			}
			return nil, err
		}
		granted[key] = allocation
	}

	m.kernelAllocations[kernelId] = granted
	return cloneKernelAllocation(granted), nil
}

// Release frees everything the kernel holds. Releasing an unknown kernel
// is a no-op so that destroy requests stay idempotent.
func (m *Manager) Release(kernelId types.KernelId) map[string]Allocation {
	m.Lock()
	defer m.Unlock()

	held, ok := m.kernelAllocations[kernelId]
	if !ok {
		m.log.Warn("Release for unknown kernel \"%s\"; nothing to free.", kernelId)
		return nil
	}

	for key, allocation := range held {
		if registered, exists := m.plugins[key]; exists {
			registered.allocMap.Free(allocation)
		}
	}
	delete(m.kernelAllocations, kernelId)
	return held
}

// Restore replays a persisted kernel allocation into the alloc maps
// without re-running placement, used when the agent restarts while its
// kernels keep running.
func (m *Manager) Restore(kernelId types.KernelId, held map[string]Allocation) error {
	m.Lock()
	defer m.Unlock()

	if _, exists := m.kernelAllocations[kernelId]; exists {
		return errors.Wrapf(ErrInvalidResourceArgument,
			"kernel \"%s\" already holds an allocation", kernelId)
	}
	for key := range held {
		if _, ok := m.plugins[key]; !ok {
			return errors.Wrapf(ErrUnknownSlotName,
				"no compute plugin \"%s\" to restore kernel \"%s\" onto", key, kernelId)
		}
	}

	for key, allocation := range held {
		m.plugins[key].allocMap.Apply(allocation)
	}
	m.kernelAllocations[kernelId] = cloneKernelAllocation(held)
	return nil
}

// KernelAllocation returns what the kernel currently holds.
func (m *Manager) KernelAllocation(kernelId types.KernelId) (map[string]Allocation, bool) {
	m.Lock()
	defer m.Unlock()

	held, ok := m.kernelAllocations[kernelId]
	if !ok {
		return nil, false
	}
	return cloneKernelAllocation(held), true
}

// KernelIds lists the kernels holding allocations.
func (m *Manager) KernelIds() []types.KernelId {
	m.Lock()
	defer m.Unlock()

	ids := make([]types.KernelId, 0, len(m.kernelAllocations))
	for kernelId := range m.kernelAllocations {
		ids = append(ids, kernelId)
	}
	return ids
}

// Snapshot reports the agent's total and occupied capacity per slot, the
// numbers every heartbeat carries.
func (m *Manager) Snapshot() (capacity types.ResourceSlot, occupied types.ResourceSlot) {
	m.Lock()
	defer m.Unlock()

	capacity = types.NewResourceSlot()
	occupied = types.NewResourceSlot()
	for _, key := range m.pluginOrder {
		registered := m.plugins[key]
		for slotName, total := range registered.allocMap.TotalCapacity() {
			capacity[slotName] = types.SlotFromDecimal(total)
		}
		for slotName, total := range registered.allocMap.Allocations().SlotTotals() {
			occupied[slotName] = types.SlotFromDecimal(total)
		}
	}
	return capacity, occupied
}

// SlotTypes flattens every plugin's slot declarations into one table.
func (m *Manager) SlotTypes() map[types.SlotName]types.SlotTypes {
	m.Lock()
	defer m.Unlock()

	out := make(map[types.SlotName]types.SlotTypes)
	for _, registered := range m.plugins {
		for slotName, slotType := range registered.slotTypes {
			out[slotName] = slotType
		}
	}
	return out
}

// PluginInfo describes the registered plugins for heartbeats.
func (m *Manager) PluginInfo() []types.ComputePluginInfo {
	m.Lock()
	defer m.Unlock()

	out := make([]types.ComputePluginInfo, 0, len(m.pluginOrder))
	for _, key := range m.pluginOrder {
		registered := m.plugins[key]
		out = append(out, types.ComputePluginInfo{
			Key:         key,
			Version:     registered.plugin.Version(),
			DeviceCount: len(registered.devices),
			ExtraInfo:   registered.plugin.ExtraInfo(),
		})
	}
	return out
}

// Metadata collects the display metadata of every registered plugin.
func (m *Manager) Metadata() []AcceleratorMetadata {
	m.Lock()
	defer m.Unlock()

	out := make([]AcceleratorMetadata, 0, len(m.pluginOrder))
	for _, key := range m.pluginOrder {
		out = append(out, m.plugins[key].plugin.Metadata())
	}
	return out
}

// ContainerArgs merges the container runtime arguments of every plugin
// that granted the kernel devices.
func (m *Manager) ContainerArgs(kernelId types.KernelId) (*ContainerResourceArgs, error) {
	m.Lock()
	defer m.Unlock()

	held, ok := m.kernelAllocations[kernelId]
	if !ok {
		return nil, errors.Wrapf(ErrInvalidResourceArgument, "kernel \"%s\" holds no allocation", kernelId)
	}

	merged := &ContainerResourceArgs{}
	for _, key := range m.pluginOrder {
		allocation, granted := held[key]
		if !granted {
			continue
		}
		args, err := m.plugins[key].plugin.ContainerArgs(allocation)
		if err != nil {
			return nil, errors.Wrapf(err, "compute plugin \"%s\"", key)
		}
		merged.Merge(args)
	}
	return merged, nil
}

// AttachedDevices describes the devices the kernel's allocation landed on.
func (m *Manager) AttachedDevices(kernelId types.KernelId) ([]DeviceModelInfo, error) {
	m.Lock()
	defer m.Unlock()

	held, ok := m.kernelAllocations[kernelId]
	if !ok {
		return nil, errors.Wrapf(ErrInvalidResourceArgument, "kernel \"%s\" holds no allocation", kernelId)
	}

	out := make([]DeviceModelInfo, 0)
	for _, key := range m.pluginOrder {
		allocation, granted := held[key]
		if !granted {
			continue
		}
		attached, err := m.plugins[key].plugin.AttachedDevices(allocation)
		if err != nil {
			return nil, errors.Wrapf(err, "compute plugin \"%s\"", key)
		}
		out = append(out, attached...)
	}
	return out, nil
}

func cloneKernelAllocation(held map[string]Allocation) map[string]Allocation {
	out := make(map[string]Allocation, len(held))
	for key, allocation := range held {
		out[key] = allocation.Clone()
	}
	return out
}

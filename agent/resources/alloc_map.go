package resources

import (
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/scusemua/distributed-cluster/common/types"
)

// AllocationStrategy selects how an alloc map spreads a request over the
// devices serving a slot.
type AllocationStrategy int32

const (
	// AllocationFill packs the request onto as few devices as possible,
	// taking from the device with the most free capacity first.
	AllocationFill AllocationStrategy = iota

	// AllocationEvenly spreads the request across devices as evenly as the
	// remaining capacities allow.
	AllocationEvenly
)

func (s AllocationStrategy) String() string {
	return [...]string{"FILL", "EVENLY"}[s]
}

// ParseAllocationStrategy maps the configuration spelling of a strategy to
// its value, defaulting to EVENLY.
func ParseAllocationStrategy(value string) AllocationStrategy {
	if strings.EqualFold(value, AllocationFill.String()) {
		return AllocationFill
	}
	return AllocationEvenly
}

// DeviceSlotInfo describes the capacity a single device contributes to one
// resource slot.
type DeviceSlotInfo struct {
	SlotType types.SlotTypes `json:"slot_type"`
	SlotName types.SlotName  `json:"slot_name"`
	Amount   decimal.Decimal `json:"amount"`
}

// Allocation maps each allocated slot to the devices serving it and the
// amount taken from each device. Allocations are the unit of bookkeeping:
// Allocate returns one, Free takes one back, and the kernel registry
// persists them across agent restarts.
type Allocation map[types.SlotName]map[types.DeviceId]decimal.Decimal

// Clone returns a deep copy.
func (a Allocation) Clone() Allocation {
	out := make(Allocation, len(a))
	for slotName, perDevice := range a {
		cloned := make(map[types.DeviceId]decimal.Decimal, len(perDevice))
		for deviceId, amount := range perDevice {
			cloned[deviceId] = amount
		}
		out[slotName] = cloned
	}
	return out
}

// Merge folds the other allocation into the receiver, summing amounts on
// shared devices.
func (a Allocation) Merge(other Allocation) {
	for slotName, perDevice := range other {
		existing, ok := a[slotName]
		if !ok {
			existing = make(map[types.DeviceId]decimal.Decimal, len(perDevice))
			a[slotName] = existing
		}
		for deviceId, amount := range perDevice {
			existing[deviceId] = existing[deviceId].Add(amount)
		}
	}
}

// SlotTotals sums the per-device amounts of each slot.
func (a Allocation) SlotTotals() map[types.SlotName]decimal.Decimal {
	totals := make(map[types.SlotName]decimal.Decimal, len(a))
	for slotName, perDevice := range a {
		total := decimal.Zero
		for _, amount := range perDevice {
			total = total.Add(amount)
		}
		totals[slotName] = total
	}
	return totals
}

// ToResourceSlot converts the slot totals into the wire-level slot map used
// by heartbeats and the kernel registry.
func (a Allocation) ToResourceSlot() types.ResourceSlot {
	out := types.NewResourceSlot()
	for slotName, total := range a.SlotTotals() {
		out[slotName] = types.SlotFromDecimal(total)
	}
	return out
}

// IsEmpty reports whether no device holds a positive amount.
func (a Allocation) IsEmpty() bool {
	for _, perDevice := range a {
		for _, amount := range perDevice {
			if amount.Sign() > 0 {
				return false
			}
		}
	}
	return true
}

// AllocateOptions tunes a single Allocate call.
type AllocateOptions struct {
	// ContextTag labels allocation failures with the requester, typically
	// the kernel id being scheduled.
	ContextTag string

	// MinMemory excludes devices whose remaining capacity falls below this
	// amount from EVENLY fractional allocation. The zero value means the
	// default of 0.01.
	MinMemory decimal.Decimal

	// SingleDeviceOnly rejects fractional requests that no single device
	// can hold instead of spanning the allocation across devices.
	SingleDeviceOnly bool
}

var defaultMinMemory = decimal.RequireFromString("0.01")

func (opts *AllocateOptions) withDefaults() AllocateOptions {
	var out AllocateOptions
	if opts != nil {
		out = *opts
	}
	if out.MinMemory.IsZero() {
		out.MinMemory = defaultMinMemory
	}
	return out
}

// AllocMap tracks, per resource slot, how much of each backing device is
// taken. Implementations differ in what amounts they admit: discrete maps
// allocate whole units, fraction maps allocate quantum-aligned fractions.
//
// All methods are safe for concurrent use.
type AllocMap interface {
	// Allocate reserves the requested amount of each slot and returns the
	// per-device breakdown. A failed request leaves the map unchanged.
	Allocate(request map[types.SlotName]decimal.Decimal, opts *AllocateOptions) (Allocation, error)

	// Apply replays an allocation restored from persistent storage without
	// re-running placement.
	Apply(allocation Allocation)

	// Free returns a previously granted allocation to the pool.
	Free(allocation Allocation)

	// Allocations returns a snapshot of the current per-slot, per-device
	// bookkeeping, including zero entries for untouched devices.
	Allocations() Allocation

	// Allocated returns the amount currently taken from one device for one
	// slot.
	Allocated(slotName types.SlotName, deviceId types.DeviceId) decimal.Decimal

	// DeviceSlots exposes the capacity table the map was built from.
	DeviceSlots() map[types.DeviceId]DeviceSlotInfo

	// TotalCapacity sums the device capacities per slot.
	TotalCapacity() map[types.SlotName]decimal.Decimal

	// Clear resets every allocation to zero.
	Clear()
}

// allocMapBase carries the bookkeeping shared by both alloc map kinds.
type allocMapBase struct {
	mu sync.Mutex

	deviceSlots map[types.DeviceId]DeviceSlotInfo
	slotTypes   map[types.SlotName]types.SlotTypes

	// exclusiveSlotNames lists slot names, or fnmatch-style patterns with
	// '*' wildcards, that must not be allocated together in one request.
	exclusiveSlotNames []types.SlotName

	allocations map[types.SlotName]map[types.DeviceId]decimal.Decimal
}

func newAllocMapBase(deviceSlots map[types.DeviceId]DeviceSlotInfo, exclusiveSlotNames []types.SlotName) allocMapBase {
	base := allocMapBase{
		deviceSlots:        deviceSlots,
		slotTypes:          make(map[types.SlotName]types.SlotTypes, len(deviceSlots)),
		exclusiveSlotNames: exclusiveSlotNames,
		allocations:        make(map[types.SlotName]map[types.DeviceId]decimal.Decimal),
	}

	if base.deviceSlots == nil {
		base.deviceSlots = make(map[types.DeviceId]DeviceSlotInfo)
	}

	for deviceId, slotInfo := range base.deviceSlots {
		base.slotTypes[slotInfo.SlotName] = slotInfo.SlotType

		perDevice, ok := base.allocations[slotInfo.SlotName]
		if !ok {
			perDevice = make(map[types.DeviceId]decimal.Decimal)
			base.allocations[slotInfo.SlotName] = perDevice
		}
		perDevice[deviceId] = decimal.Zero
	}

	return base
}

func (b *allocMapBase) clearLocked() {
	for slotName, perDevice := range b.allocations {
		for deviceId := range perDevice {
			b.allocations[slotName][deviceId] = decimal.Zero
		}
	}
}

// slotType falls back to "count" for slots the capacity table never
// declared, matching how untyped restored allocations are treated.
func (b *allocMapBase) slotType(slotName types.SlotName) types.SlotTypes {
	if slotType, ok := b.slotTypes[slotName]; ok {
		return slotType
	}
	return types.SlotTypeCount
}

// checkExclusive reports whether the two slot names both fall into the
// exclusive set and therefore must not be requested together.
func (b *allocMapBase) checkExclusive(a, c types.SlotName) bool {
	if len(b.exclusiveSlotNames) == 0 || a == c {
		return false
	}

	aExclusive := b.inExclusiveSet(a)
	cExclusive := b.inExclusiveSet(c)
	return aExclusive && cExclusive
}

func (b *allocMapBase) inExclusiveSet(slotName types.SlotName) bool {
	for _, member := range b.exclusiveSlotNames {
		if member == slotName {
			return true
		}
		if strings.Contains(string(member), "*") {
			if matched, err := path.Match(string(member), string(slotName)); err == nil && matched {
				return true
			}
		}
	}
	return false
}

// rejectExclusive fails requests that pair two mutually exclusive slots.
func (b *allocMapBase) rejectExclusive(request map[types.SlotName]decimal.Decimal, contextTag string) error {
	for slotA := range request {
		for slotB := range request {
			if b.checkExclusive(slotA, slotB) {
				return &AllocationFailure{
					Err:        ErrInvalidResourceCombination,
					ContextTag: contextTag,
					SlotName:   slotA,
					Requested:  request[slotA],
				}
			}
		}
	}
	return nil
}

// pruneZeroRequests drops non-positive amounts; allocating zero is a no-op.
func pruneZeroRequests(request map[types.SlotName]decimal.Decimal) map[types.SlotName]decimal.Decimal {
	pruned := make(map[types.SlotName]decimal.Decimal, len(request))
	for slotName, amount := range request {
		if amount.Sign() > 0 {
			pruned[slotName] = amount
		}
	}
	return pruned
}

// deviceAlloc pairs a device with its current allocation for one slot.
type deviceAlloc struct {
	deviceId types.DeviceId
	alloc    decimal.Decimal
}

// free returns the remaining capacity of the device for the slot this pair
// was sampled from.
func (b *allocMapBase) free(pair deviceAlloc) decimal.Decimal {
	return b.deviceSlots[pair.deviceId].Amount.Sub(pair.alloc)
}

// sortedDeviceAllocs lists the devices serving a slot ordered most-free
// first. Capacity ties break on the device id so that placement is
// deterministic.
func (b *allocMapBase) sortedDeviceAllocs(slotName types.SlotName) []deviceAlloc {
	perDevice := b.allocations[slotName]
	pairs := make([]deviceAlloc, 0, len(perDevice))
	for deviceId, alloc := range perDevice {
		pairs = append(pairs, deviceAlloc{deviceId: deviceId, alloc: alloc})
	}

	sort.SliceStable(pairs, func(i, j int) bool {
		freeI, freeJ := b.free(pairs[i]), b.free(pairs[j])
		if cmp := freeI.Cmp(freeJ); cmp != 0 {
			return cmp > 0
		}
		return deviceIdLess(pairs[i].deviceId, pairs[j].deviceId)
	})

	return pairs
}

// requestedSlotNames returns the request's slot names in deterministic
// order so multi-slot requests always allocate in the same sequence.
func requestedSlotNames(request map[types.SlotName]decimal.Decimal) []types.SlotName {
	names := make([]types.SlotName, 0, len(request))
	for slotName := range request {
		names = append(names, slotName)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

func (b *allocMapBase) applyLocked(allocation Allocation) {
	for slotName, perDevice := range allocation {
		existing, ok := b.allocations[slotName]
		if !ok {
			existing = make(map[types.DeviceId]decimal.Decimal, len(perDevice))
			b.allocations[slotName] = existing
		}
		for deviceId, amount := range perDevice {
			existing[deviceId] = existing[deviceId].Add(amount)
		}
	}
}

func (b *allocMapBase) freeLocked(allocation Allocation) {
	for slotName, perDevice := range allocation {
		existing, ok := b.allocations[slotName]
		if !ok {
			continue
		}
		for deviceId, amount := range perDevice {
			existing[deviceId] = existing[deviceId].Sub(amount)
		}
	}
}

func (b *allocMapBase) snapshotLocked() Allocation {
	out := make(Allocation, len(b.allocations))
	for slotName, perDevice := range b.allocations {
		cloned := make(map[types.DeviceId]decimal.Decimal, len(perDevice))
		for deviceId, amount := range perDevice {
			cloned[deviceId] = amount
		}
		out[slotName] = cloned
	}
	return out
}

func (b *allocMapBase) Apply(allocation Allocation) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.applyLocked(allocation)
}

func (b *allocMapBase) Free(allocation Allocation) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.freeLocked(allocation)
}

func (b *allocMapBase) Allocations() Allocation {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

func (b *allocMapBase) Allocated(slotName types.SlotName, deviceId types.DeviceId) decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.allocations[slotName][deviceId]
}

func (b *allocMapBase) DeviceSlots() map[types.DeviceId]DeviceSlotInfo {
	out := make(map[types.DeviceId]DeviceSlotInfo, len(b.deviceSlots))
	for deviceId, slotInfo := range b.deviceSlots {
		out[deviceId] = slotInfo
	}
	return out
}

func (b *allocMapBase) TotalCapacity() map[types.SlotName]decimal.Decimal {
	totals := make(map[types.SlotName]decimal.Decimal)
	for _, slotInfo := range b.deviceSlots {
		totals[slotInfo.SlotName] = totals[slotInfo.SlotName].Add(slotInfo.Amount)
	}
	return totals
}

func (b *allocMapBase) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clearLocked()
}

// perDeviceFree snapshots each candidate device's remaining capacity for
// allocation failure reports.
func perDeviceFree(b *allocMapBase, pairs []deviceAlloc) map[types.DeviceId]decimal.Decimal {
	out := make(map[types.DeviceId]decimal.Decimal, len(pairs))
	for _, pair := range pairs {
		out[pair.deviceId] = b.free(pair)
	}
	return out
}

// deviceIdLess orders device ids numerically when both parse as integers,
// so core "2" sorts before core "10", and lexically otherwise.
func deviceIdLess(a, b types.DeviceId) bool {
	numA, errA := strconv.Atoi(string(a))
	numB, errB := strconv.Atoi(string(b))
	if errA == nil && errB == nil {
		return numA < numB
	}
	return a < b
}

func sortedDeviceIds(perDevice map[types.DeviceId]decimal.Decimal) []types.DeviceId {
	ids := make([]types.DeviceId, 0, len(perDevice))
	for deviceId := range perDevice {
		ids = append(ids, deviceId)
	}
	sort.Slice(ids, func(i, j int) bool { return deviceIdLess(ids[i], ids[j]) })
	return ids
}

// distribute splits numItems across the groups as base+extra via integer
// division, handing the extras to the leading groups.
func distribute(numItems int64, groups []types.DeviceId) map[types.DeviceId]int64 {
	base := numItems / int64(len(groups))
	extra := numItems % int64(len(groups))

	out := make(map[types.DeviceId]int64, len(groups))
	for i, deviceId := range groups {
		share := base
		if int64(i) < extra {
			share++
		}
		out[deviceId] = share
	}
	return out
}

// roundDownTo rounds the amount down to the largest multiple of the quantum
// that does not exceed it.
func roundDownTo(amount, quantum decimal.Decimal) decimal.Decimal {
	return amount.Sub(amount.Mod(quantum))
}

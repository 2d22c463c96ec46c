package resources

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/scusemua/distributed-cluster/common/types"
)

var (
	// fractionDigits is the finest grain fractional placement works at.
	// Device quantum sizes coarser than this round the final grant down.
	fractionDigits = decimal.RequireFromString("0.01")

	// fractionPowers is the reciprocal of fractionDigits.
	fractionPowers = decimal.NewFromInt(100)
)

// FractionAllocMap tracks slots consumed in fractions of a device, such as
// virtualized GPU shares. Granted amounts are aligned down to the device
// quantum; a request that rounds to zero is rejected.
type FractionAllocMap struct {
	allocMapBase

	strategy    AllocationStrategy
	quantumSize decimal.Decimal
}

var _ AllocMap = (*FractionAllocMap)(nil)

// NewFractionAllocMap builds a fraction map over the given capacity table.
// A zero quantumSize means the default of 0.01.
func NewFractionAllocMap(deviceSlots map[types.DeviceId]DeviceSlotInfo, strategy AllocationStrategy,
	quantumSize decimal.Decimal, exclusiveSlotNames ...types.SlotName) *FractionAllocMap {

	if quantumSize.Sign() <= 0 {
		quantumSize = fractionDigits
	}

	return &FractionAllocMap{
		allocMapBase: newAllocMapBase(deviceSlots, exclusiveSlotNames),
		strategy:     strategy,
		quantumSize:  quantumSize,
	}
}

// QuantumSize returns the granularity granted amounts are aligned to.
func (m *FractionAllocMap) QuantumSize() decimal.Decimal {
	return m.quantumSize
}

func (m *FractionAllocMap) Allocate(request map[types.SlotName]decimal.Decimal,
	opts *AllocateOptions) (Allocation, error) {

	options := opts.withDefaults()

	m.mu.Lock()
	defer m.mu.Unlock()

	requested := pruneZeroRequests(request)
	if err := m.rejectExclusive(requested, options.ContextTag); err != nil {
		return nil, err
	}

	one := decimal.NewFromInt(1)
	for _, slotName := range requestedSlotNames(requested) {
		if m.slotType(slotName) == types.SlotTypeUnique && !requested[slotName].Equal(one) {
			return nil, &AllocationFailure{
				Err:        ErrInvalidResourceArgument,
				ContextTag: options.ContextTag,
				SlotName:   slotName,
				Requested:  requested[slotName],
			}
		}
	}

	var (
		calculated Allocation
		err        error
	)
	switch m.strategy {
	case AllocationEvenly:
		calculated, err = m.allocateEvenly(requested, options)
	default:
		calculated, err = m.allocateByFilling(requested, options)
	}
	if err != nil {
		return nil, err
	}

	// Align both the granted amounts and the running totals to the device
	// quantum. The totals are quantum multiples between requests, so
	// backing out the aligned grant restores them exactly.
	actual := make(Allocation, len(calculated))
	var quantumFailure *AllocationFailure
	for _, slotName := range requestedSlotNames(requested) {
		perDevice := calculated[slotName]
		actualPerDevice := make(map[types.DeviceId]decimal.Decimal, len(perDevice))
		actualTotal := decimal.Zero
		for deviceId, value := range perDevice {
			m.allocations[slotName][deviceId] = roundDownTo(m.allocations[slotName][deviceId], m.quantumSize)
			actualPerDevice[deviceId] = roundDownTo(value, m.quantumSize)
			actualTotal = actualTotal.Add(actualPerDevice[deviceId])
		}
		if actualTotal.Sign() == 0 && requested[slotName].Sign() > 0 && quantumFailure == nil {
			quantumFailure = &AllocationFailure{
				Err:        ErrNotMultipleOfQuantum,
				ContextTag: options.ContextTag,
				SlotName:   slotName,
				Requested:  requested[slotName],
			}
		}
		actual[slotName] = actualPerDevice
	}
	if quantumFailure != nil {
		m.freeLocked(actual)
		return nil, quantumFailure
	}

	return actual, nil
}

// allocateByFilling takes from the most free device first, packing the
// request onto as few devices as possible.
func (m *FractionAllocMap) allocateByFilling(requested map[types.SlotName]decimal.Decimal,
	options AllocateOptions) (Allocation, error) {

	allocation := make(Allocation, len(requested))
	for _, slotName := range requestedSlotNames(requested) {
		amount := requested[slotName]
		pairs := m.sortedDeviceAllocs(slotName)

		totalAllocatable := decimal.Zero
		for _, pair := range pairs {
			totalAllocatable = totalAllocatable.Add(m.free(pair))
		}
		if totalAllocatable.Cmp(amount) < 0 {
			m.freeLocked(allocation)
			return nil, newInsufficientResourceError(
				options.ContextTag, slotName, amount, totalAllocatable, perDeviceFree(&m.allocMapBase, pairs))
		}
		if options.SingleDeviceOnly && m.free(pairs[0]).Cmp(amount) < 0 {
			m.freeLocked(allocation)
			return nil, newInsufficientResourceError(
				options.ContextTag, slotName, amount, m.free(pairs[0]), perDeviceFree(&m.allocMapBase, pairs))
		}

		slotAllocation := make(map[types.DeviceId]decimal.Decimal)
		remaining := amount
		for _, pair := range pairs {
			allocatable := m.free(pair)
			if allocatable.Sign() > 0 {
				allocated := decimal.Min(remaining, allocatable)
				slotAllocation[pair.deviceId] = allocated
				m.allocations[slotName][pair.deviceId] = pair.alloc.Add(allocated)
				remaining = remaining.Sub(allocated)
			}
			if remaining.Sign() <= 0 {
				break
			}
		}
		allocation[slotName] = slotAllocation
	}
	return allocation, nil
}

// allocateEvenly places each slot either whole on a single device or spread
// over a window of devices chosen for evenness, then device count, then
// fragmentation.
func (m *FractionAllocMap) allocateEvenly(requested map[types.SlotName]decimal.Decimal,
	options AllocateOptions) (Allocation, error) {

	minMemory := options.MinMemory.RoundBank(2)

	allocation := make(Allocation, len(requested))
	for _, slotName := range requestedSlotNames(requested) {
		remaining := requested[slotName]
		pairs := m.sortedDeviceAllocs(slotName)

		// devices with less than minMemory left cannot join the spread
		filtered := make([]deviceAlloc, 0, len(pairs))
		for _, pair := range pairs {
			if m.free(pair).Cmp(minMemory) >= 0 {
				filtered = append(filtered, pair)
			}
		}

		totalAllocatable := decimal.Zero
		for _, pair := range filtered {
			totalAllocatable = totalAllocatable.Add(m.free(pair))
		}
		if len(filtered) == 0 || totalAllocatable.RoundBank(2).Cmp(remaining.RoundBank(2)) < 0 {
			m.freeLocked(allocation)
			return nil, newInsufficientResourceError(
				options.ContextTag, slotName, remaining, totalAllocatable, perDeviceFree(&m.allocMapBase, filtered))
		}

		var slotAllocation map[types.DeviceId]decimal.Decimal
		switch {
		case remaining.Cmp(m.free(filtered[0])) <= 0:
			// fits whole on one device: take the least free one that still
			// has room, keeping the bigger devices open
			for i := len(filtered) - 1; i >= 0; i-- {
				if remaining.Cmp(m.free(filtered[i])) <= 0 {
					slotAllocation = map[types.DeviceId]decimal.Decimal{
						filtered[i].deviceId: remaining.RoundBank(2),
					}
					break
				}
			}
		case options.SingleDeviceOnly:
			m.freeLocked(allocation)
			return nil, newInsufficientResourceError(
				options.ContextTag, slotName, remaining, m.free(filtered[0]), perDeviceFree(&m.allocMapBase, filtered))
		default:
			slotAllocation = m.spreadAcrossDevices(filtered, remaining, minMemory)
		}

		allocation[slotName] = slotAllocation
		for deviceId, value := range slotAllocation {
			m.allocations[slotName][deviceId] = m.allocations[slotName][deviceId].Add(value)
		}
	}
	return allocation, nil
}

// allocCandidate is one possible placement of a request over a window of
// devices, scored for the final selection.
type allocCandidate struct {
	alloc         map[types.DeviceId]decimal.Decimal
	evenness      decimal.Decimal
	deviceCount   int
	fragmentation int
}

// compareCandidates orders candidates by evenness, then fewer devices
// touched, then less fragmentation. Positive means a beats b.
func compareCandidates(a, b allocCandidate) int {
	if cmp := a.evenness.Cmp(b.evenness); cmp != 0 {
		return cmp
	}
	if a.deviceCount != b.deviceCount {
		if a.deviceCount < b.deviceCount {
			return 1
		}
		return -1
	}
	if a.fragmentation != b.fragmentation {
		if a.fragmentation < b.fragmentation {
			return 1
		}
		return -1
	}
	return 0
}

// spreadAcrossDevices slides windows of increasing size over the devices,
// ordered most free first, and keeps the best-scoring placement. Ties go to
// the later candidate, which sits toward the less free tail and keeps the
// big devices open for future requests.
func (m *FractionAllocMap) spreadAcrossDevices(pairs []deviceAlloc,
	remaining, minMemory decimal.Decimal) map[types.DeviceId]decimal.Decimal {

	// minimum number of devices that can hold the request at all
	minDevices, accumulated := 0, decimal.Zero
	for _, pair := range pairs {
		minDevices++
		accumulated = accumulated.Add(m.free(pair))
		if accumulated.RoundBank(2).Cmp(remaining.RoundBank(2)) >= 0 {
			break
		}
	}

	newCandidate := func(window []deviceAlloc) allocCandidate {
		alloc := m.allocateAcrossDevices(window, remaining)
		return allocCandidate{
			alloc:         alloc,
			evenness:      measureEvenness(alloc),
			deviceCount:   len(alloc),
			fragmentation: m.measureFragmentation(alloc, minMemory),
		}
	}

	windowBests := make([]allocCandidate, 0, len(pairs)-minDevices+1)
	for windowSize := minDevices; windowSize <= len(pairs); windowSize++ {
		allocatable := decimal.Zero
		for _, pair := range pairs[:windowSize] {
			allocatable = allocatable.Add(m.free(pair))
		}

		best := newCandidate(pairs[:windowSize])
		maxEvenness := best.evenness

		for idx := 1; idx+windowSize <= len(pairs); idx++ {
			allocatable = allocatable.Sub(m.free(pairs[idx-1])).Add(m.free(pairs[idx+windowSize-1]))
			if allocatable.RoundBank(2).Cmp(remaining.RoundBank(2)) < 0 {
				break
			}
			candidate := newCandidate(pairs[idx : idx+windowSize])
			// evenness cannot improve as the window slides toward the less
			// free tail, so stop at the first dip
			if candidate.evenness.Cmp(maxEvenness) < 0 {
				break
			}
			if candidate.deviceCount <= best.deviceCount {
				best = candidate
			}
		}
		windowBests = append(windowBests, best)
	}

	final := windowBests[0]
	for _, candidate := range windowBests[1:] {
		if compareCandidates(candidate, final) >= 0 {
			final = candidate
		}
	}
	return final.alloc
}

// allocateAcrossDevices uses every device of the window. Devices too small
// to join an even split, checked from the least free end, contribute their
// whole remaining capacity; the rest is distributed evenly over the head.
func (m *FractionAllocMap) allocateAcrossDevices(window []deviceAlloc,
	remaining decimal.Decimal) map[types.DeviceId]decimal.Decimal {

	slotAllocation := make(map[types.DeviceId]decimal.Decimal, len(window))
	devicesLeft := len(window)
	for devicesLeft > 0 {
		pair := window[devicesLeft-1]
		allocatable := m.free(pair)
		if allocatable.Cmp(remaining.Div(decimal.NewFromInt(int64(devicesLeft)))) >= 0 {
			break
		}
		slotAllocation[pair.deviceId] = allocatable.RoundBank(2)
		remaining = remaining.Sub(allocatable)
		devicesLeft--
	}

	if devicesLeft > 0 {
		m.distributeEvenly(window[:devicesLeft], remaining, slotAllocation)
	}
	return slotAllocation
}

// distributeEvenly splits the remaining amount equally over the window,
// handing the sub-split remainder out as extra cents to the leading, most
// free devices.
func (m *FractionAllocMap) distributeEvenly(window []deviceAlloc,
	remaining decimal.Decimal, allocation map[types.DeviceId]decimal.Decimal) {

	deviceCount := decimal.NewFromInt(int64(len(window)))
	share := remaining.Div(deviceCount).Truncate(2)
	for _, pair := range window {
		allocation[pair.deviceId] = share
	}

	steps := remaining.Mul(fractionPowers).
		Sub(share.Mul(fractionPowers).Mul(deviceCount)).
		Round(0).IntPart()
	for i := int64(0); i < steps; i++ {
		deviceId := window[i].deviceId
		allocation[deviceId] = allocation[deviceId].Add(fractionDigits)
	}
}

// measureEvenness scores how level a placement is: zero when every device
// holds the same amount, more negative as the amounts diverge.
func measureEvenness(allocation map[types.DeviceId]decimal.Decimal) decimal.Decimal {
	values := make([]decimal.Decimal, 0, len(allocation))
	for _, value := range allocation {
		values = append(values, value)
	}
	sort.Slice(values, func(i, j int) bool { return values[i].Cmp(values[j]) < 0 })

	score := decimal.Zero
	for i := 0; i+1 < len(values); i++ {
		score = score.Add(values[i+1].Sub(values[i]).Abs())
	}
	return score.Neg()
}

// measureFragmentation counts the devices a placement would leave with a
// usable but sub-minMemory remainder.
func (m *FractionAllocMap) measureFragmentation(allocation map[types.DeviceId]decimal.Decimal,
	minMemory decimal.Decimal) int {

	count := 0
	for deviceId, value := range allocation {
		leftover := m.deviceSlots[deviceId].Amount.Sub(value).RoundBank(2)
		if leftover.Cmp(fractionDigits) > 0 && leftover.Cmp(minMemory) < 0 {
			count++
		}
	}
	return count
}

// FragmentationCount reports how many devices currently hold a remainder
// too small to serve a request of at least minMemory. A zero minMemory
// means the default of 0.01.
func (m *FractionAllocMap) FragmentationCount(minMemory decimal.Decimal) int {
	if minMemory.IsZero() {
		minMemory = defaultMinMemory
	}
	minMemory = minMemory.RoundBank(2)

	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, perDevice := range m.allocations {
		for deviceId, alloc := range perDevice {
			leftover := m.deviceSlots[deviceId].Amount.Sub(alloc).RoundBank(2)
			if leftover.Cmp(fractionDigits) > 0 && leftover.Cmp(minMemory) < 0 {
				count++
			}
		}
	}
	return count
}

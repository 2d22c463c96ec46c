package resources

import (
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/scusemua/distributed-cluster/common/types"
)

// evenlyRepeatLimit caps the cap-and-redistribute rounds of an EVENLY
// allocation. The capacity checks make the loop shrink the remainder every
// round, so hitting the limit indicates corrupted bookkeeping.
const evenlyRepeatLimit = 100

// DiscretePropertyAllocMap tracks slots consumed in whole units, such as
// CPU cores or bytes of memory. Fractional requests are rejected.
type DiscretePropertyAllocMap struct {
	allocMapBase

	strategy AllocationStrategy
}

var _ AllocMap = (*DiscretePropertyAllocMap)(nil)

// NewDiscretePropertyAllocMap builds a discrete map over the given capacity
// table. Device plugins typically pass AllocationEvenly so that kernels
// spread over the hardware instead of piling onto the first device.
func NewDiscretePropertyAllocMap(deviceSlots map[types.DeviceId]DeviceSlotInfo,
	strategy AllocationStrategy, exclusiveSlotNames ...types.SlotName) *DiscretePropertyAllocMap {

	return &DiscretePropertyAllocMap{
		allocMapBase: newAllocMapBase(deviceSlots, exclusiveSlotNames),
		strategy:     strategy,
	}
}

func (m *DiscretePropertyAllocMap) Allocate(request map[types.SlotName]decimal.Decimal,
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
		amount := requested[slotName]
		if m.slotType(slotName) == types.SlotTypeUnique {
			// unique slots admit exactly one unit on exactly one device
			if !amount.Equal(one) {
				return nil, &AllocationFailure{
					Err:        ErrInvalidResourceArgument,
					ContextTag: options.ContextTag,
					SlotName:   slotName,
					Requested:  amount,
				}
			}
			continue
		}
		if !amount.IsInteger() {
			return nil, &AllocationFailure{
				Err:        ErrInvalidResourceArgument,
				ContextTag: options.ContextTag,
				SlotName:   slotName,
				Requested:  amount,
			}
		}
	}

	allocation := make(Allocation, len(requested))
	for _, slotName := range requestedSlotNames(requested) {
		var (
			slotAllocation map[types.DeviceId]decimal.Decimal
			err            error
		)

		switch m.strategy {
		case AllocationEvenly:
			slotAllocation, err = m.allocateEvenly(slotName, requested[slotName], options)
		default:
			slotAllocation, err = m.allocateByFilling(slotName, requested[slotName], options)
		}

		if err != nil {
			// return slots committed earlier in this request
			m.freeLocked(allocation)
			return nil, err
		}

		allocation[slotName] = slotAllocation
	}

	return allocation, nil
}

// allocateByFilling takes from the most free device first, packing the
// request onto as few devices as possible.
func (m *DiscretePropertyAllocMap) allocateByFilling(slotName types.SlotName,
	requested decimal.Decimal, options AllocateOptions) (map[types.DeviceId]decimal.Decimal, error) {

	pairs := m.sortedDeviceAllocs(slotName)

	totalAllocatable := decimal.Zero
	for _, pair := range pairs {
		totalAllocatable = totalAllocatable.Add(m.free(pair).Floor())
	}
	if totalAllocatable.Cmp(requested) < 0 {
		return nil, newInsufficientResourceError(
			options.ContextTag, slotName, requested, totalAllocatable, perDeviceFree(&m.allocMapBase, pairs))
	}

	slotAllocation := make(map[types.DeviceId]decimal.Decimal)
	remaining := requested
	for _, pair := range pairs {
		allocatable := m.free(pair)
		if allocatable.Sign() > 0 {
			allocated := decimal.Min(remaining, allocatable)
			slotAllocation[pair.deviceId] = allocated
			m.allocations[slotName][pair.deviceId] = pair.alloc.Add(allocated)
			remaining = remaining.Sub(allocated)
		}
		if remaining.Sign() == 0 {
			break
		}
	}
	return slotAllocation, nil
}

// allocateEvenly spreads the request across the devices serving the slot.
// Each round hands every device with remaining capacity an equal share,
// capped by what the device can still take; capped remainders roll over
// into the next round.
func (m *DiscretePropertyAllocMap) allocateEvenly(slotName types.SlotName,
	requested decimal.Decimal, options AllocateOptions) (map[types.DeviceId]decimal.Decimal, error) {

	newAlloc := make(map[types.DeviceId]int64, len(m.allocations[slotName]))
	remaining := requested.IntPart()

	capacityLeft := func(pair deviceAlloc) decimal.Decimal {
		return m.free(pair).Sub(decimal.NewFromInt(newAlloc[pair.deviceId]))
	}

	repeats := 0
	for remaining > 0 {
		if repeats >= evenlyRepeatLimit {
			return nil, errors.Errorf("allocation of %s %s did not converge after %d rounds",
				requested.String(), slotName, evenlyRepeatLimit)
		}

		pairs := m.sortedDeviceAllocs(slotName)

		totalAllocatable := decimal.Zero
		for _, pair := range pairs {
			totalAllocatable = totalAllocatable.Add(capacityLeft(pair))
		}
		if totalAllocatable.Floor().IntPart() < remaining {
			perDevice := make(map[types.DeviceId]decimal.Decimal, len(pairs))
			for _, pair := range pairs {
				perDevice[pair.deviceId] = capacityLeft(pair)
			}
			return nil, newInsufficientResourceError(
				options.ContextTag, slotName, requested, totalAllocatable.Floor(), perDevice)
		}

		// devices that can still take at least part of a share, most free
		// first so the integer remainder of the split lands on them
		nonzeroDevs := make([]types.DeviceId, 0, len(pairs))
		for _, pair := range pairs {
			if capacityLeft(pair).Sign() > 0 {
				nonzeroDevs = append(nonzeroDevs, pair.deviceId)
			}
		}
		if len(nonzeroDevs) == 0 {
			perDevice := make(map[types.DeviceId]decimal.Decimal, len(pairs))
			for _, pair := range pairs {
				perDevice[pair.deviceId] = capacityLeft(pair)
			}
			return nil, newInsufficientResourceError(
				options.ContextTag, slotName, requested, totalAllocatable.Floor(), perDevice)
		}

		initialDiffs := distribute(remaining, nonzeroDevs)
		for _, pair := range pairs {
			capped := capacityLeft(pair).Floor().IntPart()
			diff := initialDiffs[pair.deviceId]
			if capped < diff {
				diff = capped
			}
			newAlloc[pair.deviceId] += diff
			remaining -= diff
			if remaining == 0 {
				break
			}
		}

		repeats++
	}

	slotAllocation := make(map[types.DeviceId]decimal.Decimal)
	for deviceId, allocated := range newAlloc {
		if allocated <= 0 {
			continue
		}
		amount := decimal.NewFromInt(allocated)
		slotAllocation[deviceId] = amount
		m.allocations[slotName][deviceId] = m.allocations[slotName][deviceId].Add(amount)
	}
	return slotAllocation, nil
}

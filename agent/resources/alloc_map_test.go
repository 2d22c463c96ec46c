package resources_test

import (
	"github.com/shopspring/decimal"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/scusemua/distributed-cluster/agent/resources"
	"github.com/scusemua/distributed-cluster/common/types"
)

func dec(value string) decimal.Decimal {
	return decimal.RequireFromString(value)
}

// countSlots builds a device table where every device exposes the same
// countable slot with the given capacity.
func countSlots(slotName types.SlotName, capacities map[types.DeviceId]string) map[types.DeviceId]resources.DeviceSlotInfo {
	table := make(map[types.DeviceId]resources.DeviceSlotInfo, len(capacities))
	for deviceId, capacity := range capacities {
		table[deviceId] = resources.DeviceSlotInfo{
			SlotType: types.SlotTypeCount,
			SlotName: slotName,
			Amount:   dec(capacity),
		}
	}
	return table
}

func expectAlloc(allocMap resources.AllocMap, slotName types.SlotName, deviceId types.DeviceId, expected string) {
	GinkgoHelper()
	actual := allocMap.Allocated(slotName, deviceId)
	Expect(actual.Equal(dec(expected))).To(BeTrue(),
		"device %s should hold %s of slot %s, found %s", deviceId, expected, slotName, actual)
}

func slotTotal(allocMap resources.AllocMap, slotName types.SlotName) decimal.Decimal {
	total := decimal.Zero
	for _, value := range allocMap.Allocations()[slotName] {
		total = total.Add(value)
	}
	return total
}

var _ = Describe("DiscretePropertyAllocMap", func() {
	slotX := types.SlotName("x")

	for _, strategy := range []resources.AllocationStrategy{resources.AllocationFill, resources.AllocationEvenly} {
		Context("with the "+strategy.String()+" strategy", func() {
			It("Will place a one-device request and free it back", func() {
				allocMap := resources.NewDiscretePropertyAllocMap(countSlots(slotX, map[types.DeviceId]string{
					"a0": "1",
					"a1": "1",
				}), strategy)
				expectAlloc(allocMap, slotX, "a0", "0")
				expectAlloc(allocMap, slotX, "a1", "0")

				result, err := allocMap.Allocate(map[types.SlotName]decimal.Decimal{slotX: dec("1")}, nil)
				Expect(err).To(BeNil())
				Expect(result[slotX]).To(HaveKey(types.DeviceId("a0")))
				Expect(result[slotX]).NotTo(HaveKey(types.DeviceId("a1")))
				expectAlloc(allocMap, slotX, "a0", "1")
				expectAlloc(allocMap, slotX, "a1", "0")

				_, err = allocMap.Allocate(map[types.SlotName]decimal.Decimal{slotX: dec("3")}, nil)
				Expect(err).To(MatchError(resources.ErrInsufficientResource))
				expectAlloc(allocMap, slotX, "a0", "1")
				expectAlloc(allocMap, slotX, "a1", "0")

				allocMap.Free(result)
				expectAlloc(allocMap, slotX, "a0", "0")
				expectAlloc(allocMap, slotX, "a1", "0")
			})

			It("Will reject fractional amounts for countable slots", func() {
				allocMap := resources.NewDiscretePropertyAllocMap(countSlots(slotX, map[types.DeviceId]string{
					"a0": "4",
				}), strategy)
				_, err := allocMap.Allocate(map[types.SlotName]decimal.Decimal{slotX: dec("2.5")}, nil)
				Expect(err).To(MatchError(resources.ErrInvalidResourceArgument))
				expectAlloc(allocMap, slotX, "a0", "0")
			})
		})
	}

	Context("with the FILL strategy", func() {
		It("Will pack large requests onto the most free devices first", func() {
			allocMap := resources.NewDiscretePropertyAllocMap(countSlots(slotX, map[types.DeviceId]string{
				"a0": "100",
				"a1": "100",
			}), resources.AllocationFill)

			result, err := allocMap.Allocate(map[types.SlotName]decimal.Decimal{slotX: dec("130")}, nil)
			Expect(err).To(BeNil())
			Expect(result[slotX][types.DeviceId("a0")].Equal(dec("100"))).To(BeTrue())
			Expect(result[slotX][types.DeviceId("a1")].Equal(dec("30"))).To(BeTrue())
			expectAlloc(allocMap, slotX, "a0", "100")
			expectAlloc(allocMap, slotX, "a1", "30")

			_, err = allocMap.Allocate(map[types.SlotName]decimal.Decimal{slotX: dec("71")}, nil)
			Expect(err).To(MatchError(resources.ErrInsufficientResource))
			expectAlloc(allocMap, slotX, "a0", "100")
			expectAlloc(allocMap, slotX, "a1", "30")

			allocMap.Free(result)
			expectAlloc(allocMap, slotX, "a0", "0")
			expectAlloc(allocMap, slotX, "a1", "0")
		})
	})

	Context("with the EVENLY strategy", func() {
		It("Will spread large requests with the remainder on the leading devices", func() {
			allocMap := resources.NewDiscretePropertyAllocMap(countSlots(slotX, map[types.DeviceId]string{
				"a0": "100",
				"a1": "100",
			}), resources.AllocationEvenly)

			result1, err := allocMap.Allocate(map[types.SlotName]decimal.Decimal{slotX: dec("130")}, nil)
			Expect(err).To(BeNil())
			expectAlloc(allocMap, slotX, "a0", "65")
			expectAlloc(allocMap, slotX, "a1", "65")

			result2, err := allocMap.Allocate(map[types.SlotName]decimal.Decimal{slotX: dec("15")}, nil)
			Expect(err).To(BeNil())
			Expect(result2[slotX][types.DeviceId("a0")].Equal(dec("8"))).To(BeTrue())
			Expect(result2[slotX][types.DeviceId("a1")].Equal(dec("7"))).To(BeTrue())
			expectAlloc(allocMap, slotX, "a0", "73")
			expectAlloc(allocMap, slotX, "a1", "72")

			_, err = allocMap.Allocate(map[types.SlotName]decimal.Decimal{slotX: dec("99")}, nil)
			Expect(err).To(MatchError(resources.ErrInsufficientResource))
			expectAlloc(allocMap, slotX, "a0", "73")
			expectAlloc(allocMap, slotX, "a1", "72")

			allocMap.Free(result1)
			allocMap.Free(result2)
			expectAlloc(allocMap, slotX, "a0", "0")
			expectAlloc(allocMap, slotX, "a1", "0")
		})

		It("Will tightly fill the remaining capacity of uneven devices", func() {
			allocMap := resources.NewDiscretePropertyAllocMap(countSlots(slotX, map[types.DeviceId]string{
				"a0": "10",
				"a1": "10",
				"a2": "10",
			}), resources.AllocationEvenly)

			result1, err := allocMap.Allocate(map[types.SlotName]decimal.Decimal{slotX: dec("7")}, nil)
			Expect(err).To(BeNil())
			expectAlloc(allocMap, slotX, "a0", "3")
			expectAlloc(allocMap, slotX, "a1", "2")
			expectAlloc(allocMap, slotX, "a2", "2")

			result2, err := allocMap.Allocate(map[types.SlotName]decimal.Decimal{slotX: dec("23")}, nil)
			Expect(err).To(BeNil())
			Expect(result2[slotX][types.DeviceId("a0")].Equal(dec("7"))).To(BeTrue())
			Expect(result2[slotX][types.DeviceId("a1")].Equal(dec("8"))).To(BeTrue())
			Expect(result2[slotX][types.DeviceId("a2")].Equal(dec("8"))).To(BeTrue())
			expectAlloc(allocMap, slotX, "a0", "10")
			expectAlloc(allocMap, slotX, "a1", "10")
			expectAlloc(allocMap, slotX, "a2", "10")

			allocMap.Free(result1)
			allocMap.Free(result2)
			expectAlloc(allocMap, slotX, "a0", "0")
			expectAlloc(allocMap, slotX, "a1", "0")
			expectAlloc(allocMap, slotX, "a2", "0")
		})

		It("Will balance CPU cores across repeated requests", func() {
			slotCpu := types.SlotName("cpu")
			allocMap := resources.NewDiscretePropertyAllocMap(countSlots(slotCpu, map[types.DeviceId]string{
				"cpu0": "2",
				"cpu1": "2",
				"cpu2": "2",
				"cpu3": "2",
			}), resources.AllocationEvenly)

			result1, err := allocMap.Allocate(map[types.SlotName]decimal.Decimal{slotCpu: dec("4")}, nil)
			Expect(err).To(BeNil())
			for _, deviceId := range []types.DeviceId{"cpu0", "cpu1", "cpu2", "cpu3"} {
				expectAlloc(allocMap, slotCpu, deviceId, "1")
			}

			result2, err := allocMap.Allocate(map[types.SlotName]decimal.Decimal{slotCpu: dec("2")}, nil)
			Expect(err).To(BeNil())
			Expect(result2[slotCpu][types.DeviceId("cpu0")].Equal(dec("1"))).To(BeTrue())
			Expect(result2[slotCpu][types.DeviceId("cpu1")].Equal(dec("1"))).To(BeTrue())
			expectAlloc(allocMap, slotCpu, "cpu0", "2")
			expectAlloc(allocMap, slotCpu, "cpu1", "2")
			expectAlloc(allocMap, slotCpu, "cpu2", "1")
			expectAlloc(allocMap, slotCpu, "cpu3", "1")

			_, err = allocMap.Allocate(map[types.SlotName]decimal.Decimal{slotCpu: dec("3")}, nil)
			Expect(err).To(MatchError(resources.ErrInsufficientResource))

			result3, err := allocMap.Allocate(map[types.SlotName]decimal.Decimal{slotCpu: dec("2")}, nil)
			Expect(err).To(BeNil())
			Expect(result3[slotCpu][types.DeviceId("cpu2")].Equal(dec("1"))).To(BeTrue())
			Expect(result3[slotCpu][types.DeviceId("cpu3")].Equal(dec("1"))).To(BeTrue())
			for _, deviceId := range []types.DeviceId{"cpu0", "cpu1", "cpu2", "cpu3"} {
				expectAlloc(allocMap, slotCpu, deviceId, "2")
			}

			allocMap.Free(result1)
			allocMap.Free(result2)
			allocMap.Free(result3)
			for _, deviceId := range []types.DeviceId{"cpu0", "cpu1", "cpu2", "cpu3"} {
				expectAlloc(allocMap, slotCpu, deviceId, "0")
			}
		})
	})

	Context("with heterogeneous slots", func() {
		migSmall := types.SlotName("cuda.device:1g.5gb-mig")
		migLarge := types.SlotName("cuda.device:3g.20gb-mig")
		device := types.SlotName("cuda.device")

		newAllocMap := func() *resources.DiscretePropertyAllocMap {
			return resources.NewDiscretePropertyAllocMap(map[types.DeviceId]resources.DeviceSlotInfo{
				"a0": {SlotType: types.SlotTypeUnique, SlotName: migSmall, Amount: dec("1")},
				"a1": {SlotType: types.SlotTypeUnique, SlotName: migSmall, Amount: dec("1")},
				"a2": {SlotType: types.SlotTypeCount, SlotName: device, Amount: dec("1")},
				"a3": {SlotType: types.SlotTypeCount, SlotName: device, Amount: dec("1")},
				"a4": {SlotType: types.SlotTypeUnique, SlotName: migLarge, Amount: dec("1")},
			}, resources.AllocationEvenly, "cuda.device:*-mig", "cuda.device", "cuda.shares")
		}

		expectClean := func(allocMap resources.AllocMap) {
			GinkgoHelper()
			expectAlloc(allocMap, migSmall, "a0", "0")
			expectAlloc(allocMap, migSmall, "a1", "0")
			expectAlloc(allocMap, device, "a2", "0")
			expectAlloc(allocMap, device, "a3", "0")
			expectAlloc(allocMap, migLarge, "a4", "0")
		}

		It("Will refuse to mix mutually exclusive slots in one request", func() {
			allocMap := newAllocMap()
			_, err := allocMap.Allocate(map[types.SlotName]decimal.Decimal{
				device:   dec("2"),
				migSmall: dec("1"),
			}, nil)
			Expect(err).To(MatchError(resources.ErrInvalidResourceCombination))
			expectClean(allocMap)
		})

		It("Will allocate countable slots without touching the unique ones", func() {
			allocMap := newAllocMap()
			result, err := allocMap.Allocate(map[types.SlotName]decimal.Decimal{device: dec("2")}, nil)
			Expect(err).To(BeNil())
			expectAlloc(allocMap, migSmall, "a0", "0")
			expectAlloc(allocMap, migSmall, "a1", "0")
			expectAlloc(allocMap, device, "a2", "1")
			expectAlloc(allocMap, device, "a3", "1")
			expectAlloc(allocMap, migLarge, "a4", "0")
			allocMap.Free(result)
			expectClean(allocMap)

			_, err = allocMap.Allocate(map[types.SlotName]decimal.Decimal{device: dec("3")}, nil)
			Expect(err).To(MatchError(resources.ErrInsufficientResource))
			expectClean(allocMap)
		})

		It("Will treat a zero request as a no-op", func() {
			allocMap := newAllocMap()
			result, err := allocMap.Allocate(map[types.SlotName]decimal.Decimal{migSmall: dec("0")}, nil)
			Expect(err).To(BeNil())
			Expect(result.IsEmpty()).To(BeTrue())
			expectClean(allocMap)
		})

		It("Will require unique slots to be requested with amount one", func() {
			allocMap := newAllocMap()
			_, err := allocMap.Allocate(map[types.SlotName]decimal.Decimal{migSmall: dec("1.1")}, nil)
			Expect(err).To(MatchError(resources.ErrInvalidResourceArgument))
			_, err = allocMap.Allocate(map[types.SlotName]decimal.Decimal{migSmall: dec("2")}, nil)
			Expect(err).To(MatchError(resources.ErrInvalidResourceArgument))
			expectClean(allocMap)
		})

		It("Will hand out unique slots one device at a time", func() {
			allocMap := newAllocMap()
			result1, err := allocMap.Allocate(map[types.SlotName]decimal.Decimal{migSmall: dec("1")}, nil)
			Expect(err).To(BeNil())
			expectAlloc(allocMap, migSmall, "a0", "1")
			expectAlloc(allocMap, migSmall, "a1", "0")

			result2, err := allocMap.Allocate(map[types.SlotName]decimal.Decimal{migSmall: dec("1")}, nil)
			Expect(err).To(BeNil())
			expectAlloc(allocMap, migSmall, "a0", "1")
			expectAlloc(allocMap, migSmall, "a1", "1")

			_, err = allocMap.Allocate(map[types.SlotName]decimal.Decimal{migSmall: dec("1")}, nil)
			Expect(err).To(MatchError(resources.ErrInsufficientResource))

			allocMap.Free(result1)
			allocMap.Free(result2)
			expectClean(allocMap)
		})
	})

	Context("bookkeeping", func() {
		It("Will report per-slot capacity totals", func() {
			allocMap := resources.NewDiscretePropertyAllocMap(countSlots(slotX, map[types.DeviceId]string{
				"a0": "3",
				"a1": "5",
			}), resources.AllocationFill)
			capacity := allocMap.TotalCapacity()
			Expect(capacity[slotX].Equal(dec("8"))).To(BeTrue())
		})

		It("Will replay recorded allocations through Apply", func() {
			allocMap := resources.NewDiscretePropertyAllocMap(countSlots(slotX, map[types.DeviceId]string{
				"a0": "3",
				"a1": "5",
			}), resources.AllocationFill)
			allocMap.Apply(resources.Allocation{
				slotX: {"a0": dec("2"), "a1": dec("1")},
			})
			expectAlloc(allocMap, slotX, "a0", "2")
			expectAlloc(allocMap, slotX, "a1", "1")

			result, err := allocMap.Allocate(map[types.SlotName]decimal.Decimal{slotX: dec("5")}, nil)
			Expect(err).To(BeNil())
			Expect(result[slotX][types.DeviceId("a1")].Equal(dec("4"))).To(BeTrue())
			Expect(result[slotX][types.DeviceId("a0")].Equal(dec("1"))).To(BeTrue())

			allocMap.Clear()
			expectAlloc(allocMap, slotX, "a0", "0")
			expectAlloc(allocMap, slotX, "a1", "0")
		})

		It("Will expose the configured device slots", func() {
			table := countSlots(slotX, map[types.DeviceId]string{"a0": "3"})
			allocMap := resources.NewDiscretePropertyAllocMap(table, resources.AllocationFill)
			Expect(allocMap.DeviceSlots()).To(HaveLen(1))
			Expect(allocMap.DeviceSlots()[types.DeviceId("a0")].SlotName).To(Equal(slotX))
		})
	})
})

var _ = Describe("AllocationStrategy", func() {
	It("Will parse the strategy names case-insensitively", func() {
		Expect(resources.ParseAllocationStrategy("FILL")).To(Equal(resources.AllocationFill))
		Expect(resources.ParseAllocationStrategy("fill")).To(Equal(resources.AllocationFill))
		Expect(resources.ParseAllocationStrategy("EVENLY")).To(Equal(resources.AllocationEvenly))
		Expect(resources.ParseAllocationStrategy("")).To(Equal(resources.AllocationEvenly))
	})

	It("Will render the strategy names", func() {
		Expect(resources.AllocationFill.String()).To(Equal("FILL"))
		Expect(resources.AllocationEvenly.String()).To(Equal("EVENLY"))
	})
})

var _ = Describe("Allocation", func() {
	slotX := types.SlotName("x")
	slotY := types.SlotName("y")

	It("Will deep-copy on Clone", func() {
		original := resources.Allocation{slotX: {"a0": dec("1")}}
		clone := original.Clone()
		clone[slotX]["a0"] = dec("9")
		Expect(original[slotX][types.DeviceId("a0")].Equal(dec("1"))).To(BeTrue())
	})

	It("Will merge per-device amounts", func() {
		target := resources.Allocation{slotX: {"a0": dec("1")}}
		target.Merge(resources.Allocation{
			slotX: {"a0": dec("0.5"), "a1": dec("2")},
			slotY: {"b0": dec("3")},
		})
		Expect(target[slotX][types.DeviceId("a0")].Equal(dec("1.5"))).To(BeTrue())
		Expect(target[slotX][types.DeviceId("a1")].Equal(dec("2"))).To(BeTrue())
		Expect(target[slotY][types.DeviceId("b0")].Equal(dec("3"))).To(BeTrue())
	})

	It("Will total per slot and convert to a resource slot", func() {
		allocation := resources.Allocation{
			slotX: {"a0": dec("1"), "a1": dec("0.5")},
			slotY: {"b0": dec("3")},
		}
		totals := allocation.SlotTotals()
		Expect(totals[slotX].Equal(dec("1.5"))).To(BeTrue())
		Expect(totals[slotY].Equal(dec("3"))).To(BeTrue())

		asSlot := allocation.ToResourceSlot()
		Expect(asSlot.Get(slotX).String()).To(Equal("1.5"))
		Expect(asSlot.Get(slotY).String()).To(Equal("3"))
	})

	It("Will consider an allocation without amounts empty", func() {
		Expect(resources.Allocation{}.IsEmpty()).To(BeTrue())
		Expect(resources.Allocation{slotX: {}}.IsEmpty()).To(BeTrue())
		Expect(resources.Allocation{slotX: {"a0": dec("1")}}.IsEmpty()).To(BeFalse())
	})
})

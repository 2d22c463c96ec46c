package resources_test

import (
	"fmt"
	"math/rand"

	"github.com/shopspring/decimal"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/scusemua/distributed-cluster/agent/resources"
	"github.com/scusemua/distributed-cluster/common/types"
)

var _ = Describe("FractionAllocMap", func() {
	slotX := types.SlotName("x")

	Context("with the FILL strategy", func() {
		It("Will pack fractional requests onto the most free devices first", func() {
			allocMap := resources.NewFractionAllocMap(countSlots(slotX, map[types.DeviceId]string{
				"a0": "1.0",
				"a1": "1.0",
			}), resources.AllocationFill, decimal.Zero)
			expectAlloc(allocMap, slotX, "a0", "0")
			expectAlloc(allocMap, slotX, "a1", "0")

			result, err := allocMap.Allocate(map[types.SlotName]decimal.Decimal{slotX: dec("1.5")}, nil)
			Expect(err).To(BeNil())
			Expect(result[slotX][types.DeviceId("a0")].Equal(dec("1.0"))).To(BeTrue())
			Expect(result[slotX][types.DeviceId("a1")].Equal(dec("0.5"))).To(BeTrue())
			expectAlloc(allocMap, slotX, "a0", "1.0")
			expectAlloc(allocMap, slotX, "a1", "0.5")

			_, err = allocMap.Allocate(map[types.SlotName]decimal.Decimal{slotX: dec("1.5")}, nil)
			Expect(err).To(MatchError(resources.ErrInsufficientResource))
			expectAlloc(allocMap, slotX, "a0", "1.0")
			expectAlloc(allocMap, slotX, "a1", "0.5")

			allocMap.Free(result)
			expectAlloc(allocMap, slotX, "a0", "0")
			expectAlloc(allocMap, slotX, "a1", "0")
		})

		It("Will spill across many devices and leave the fragments last", func() {
			capacities := make(map[types.DeviceId]string, 8)
			for idx := 0; idx < 8; idx++ {
				capacities[types.DeviceId(fmt.Sprintf("a%d", idx))] = "1.0"
			}
			allocMap := resources.NewFractionAllocMap(
				countSlots(slotX, capacities), resources.AllocationFill, decimal.Zero)

			result, err := allocMap.Allocate(map[types.SlotName]decimal.Decimal{slotX: dec("7.95")}, nil)
			Expect(err).To(BeNil())
			for idx := 0; idx < 7; idx++ {
				expectAlloc(allocMap, slotX, types.DeviceId(fmt.Sprintf("a%d", idx)), "1.0")
			}
			expectAlloc(allocMap, slotX, "a7", "0.95")

			_, err = allocMap.Allocate(map[types.SlotName]decimal.Decimal{slotX: dec("1.0")}, nil)
			Expect(err).To(MatchError(resources.ErrInsufficientResource))

			allocMap.Free(result)
			for idx := 0; idx < 8; idx++ {
				expectAlloc(allocMap, slotX, types.DeviceId(fmt.Sprintf("a%d", idx)), "0")
			}
		})

		It("Will alternate devices over many tiny allocations without drift", func() {
			allocMap := resources.NewFractionAllocMap(countSlots(slotX, map[types.DeviceId]string{
				"a0": "1.0",
				"a1": "1.0",
			}), resources.AllocationFill, dec("0.00001"))

			for i := 0; i < 1000; i++ {
				_, err := allocMap.Allocate(map[types.SlotName]decimal.Decimal{slotX: dec("0.00001")}, nil)
				Expect(err).To(BeNil())
			}
			expectAlloc(allocMap, slotX, "a0", "0.005")
			expectAlloc(allocMap, slotX, "a1", "0.005")

			allocMap.Free(resources.Allocation{slotX: {"a0": dec("0.00001")}})
			expectAlloc(allocMap, slotX, "a0", "0.00499")
			expectAlloc(allocMap, slotX, "a1", "0.005")

			for i := 0; i < 499; i++ {
				allocMap.Free(resources.Allocation{slotX: {"a0": dec("0.00001")}})
			}
			expectAlloc(allocMap, slotX, "a0", "0")
			expectAlloc(allocMap, slotX, "a1", "0.005")
		})

		It("Will return to zero after freeing randomized allocations", func() {
			allocMap := resources.NewFractionAllocMap(countSlots(slotX, map[types.DeviceId]string{
				"a0": "1.0",
				"a1": "1.0",
			}), resources.AllocationFill, decimal.Zero)

			rng := rand.New(rand.NewSource(7))
			for round := 0; round < 5; round++ {
				results := make([]resources.Allocation, 0, 10)
				for i := 0; i < 10; i++ {
					amount := decimal.NewFromFloat(rng.Float64() * 0.1).Truncate(2)
					result, err := allocMap.Allocate(map[types.SlotName]decimal.Decimal{slotX: amount}, nil)
					Expect(err).To(BeNil())
					results = append(results, result)
				}
				for _, result := range results {
					allocMap.Free(result)
				}
				expectAlloc(allocMap, slotX, "a0", "0")
				expectAlloc(allocMap, slotX, "a1", "0")
			}
		})

		It("Will keep the request on one device when asked to", func() {
			allocMap := resources.NewFractionAllocMap(countSlots(slotX, map[types.DeviceId]string{
				"a0": "1.0",
				"a1": "1.0",
			}), resources.AllocationFill, decimal.Zero)

			_, err := allocMap.Allocate(map[types.SlotName]decimal.Decimal{slotX: dec("1.5")},
				&resources.AllocateOptions{SingleDeviceOnly: true})
			Expect(err).To(MatchError(resources.ErrInsufficientResource))
			expectAlloc(allocMap, slotX, "a0", "0")
			expectAlloc(allocMap, slotX, "a1", "0")

			result, err := allocMap.Allocate(map[types.SlotName]decimal.Decimal{slotX: dec("0.8")},
				&resources.AllocateOptions{SingleDeviceOnly: true})
			Expect(err).To(BeNil())
			expectAlloc(allocMap, slotX, "a0", "0.8")
			expectAlloc(allocMap, slotX, "a1", "0")
			allocMap.Free(result)
		})

		It("Will count devices left with unusably small fragments", func() {
			allocMap := resources.NewFractionAllocMap(countSlots(slotX, map[types.DeviceId]string{
				"a0": "1.0",
				"a1": "1.0",
			}), resources.AllocationFill, decimal.Zero)

			_, err := allocMap.Allocate(map[types.SlotName]decimal.Decimal{slotX: dec("1.7")}, nil)
			Expect(err).To(BeNil())
			expectAlloc(allocMap, slotX, "a0", "1.0")
			expectAlloc(allocMap, slotX, "a1", "0.7")

			Expect(allocMap.FragmentationCount(dec("0.5"))).To(Equal(1))
			Expect(allocMap.FragmentationCount(decimal.Zero)).To(Equal(0))
		})
	})

	Context("with the EVENLY strategy", func() {
		newSmallMap := func() *resources.FractionAllocMap {
			return resources.NewFractionAllocMap(countSlots(slotX, map[types.DeviceId]string{
				"a0": "0.05",
				"a1": "0.1",
				"a2": "0.2",
				"a3": "0.3",
				"a4": "0.0",
			}), resources.AllocationEvenly, decimal.Zero)
		}

		It("Will reject requests above the total capacity", func() {
			allocMap := newSmallMap()
			_, err := allocMap.Allocate(map[types.SlotName]decimal.Decimal{slotX: dec("0.66")}, nil)
			Expect(err).To(MatchError(resources.ErrInsufficientResource))
		})

		It("Will reject requests when no device satisfies the memory floor", func() {
			allocMap := newSmallMap()
			_, err := allocMap.Allocate(map[types.SlotName]decimal.Decimal{slotX: dec("0.06")},
				&resources.AllocateOptions{MinMemory: dec("0.6")})
			Expect(err).To(MatchError(resources.ErrInsufficientResource))
		})

		It("Will soak up the smallest devices first with tiny requests", func() {
			allocMap := newSmallMap()
			for i := 0; i < 20; i++ {
				_, err := allocMap.Allocate(map[types.SlotName]decimal.Decimal{slotX: dec("0.01")}, nil)
				Expect(err).To(BeNil())
			}
			expectAlloc(allocMap, slotX, "a0", "0.05")
			expectAlloc(allocMap, slotX, "a1", "0.1")
			expectAlloc(allocMap, slotX, "a2", "0.05")

			allocMap.Free(resources.Allocation{slotX: {
				"a0": dec("0.05"),
				"a1": dec("0.1"),
				"a2": dec("0.05"),
			}})
			for idx := 0; idx < 5; idx++ {
				expectAlloc(allocMap, slotX, types.DeviceId(fmt.Sprintf("a%d", idx)), "0")
			}
		})

		It("Will pick the least free device that still fits the request", func() {
			allocMap := newSmallMap()
			result, err := allocMap.Allocate(map[types.SlotName]decimal.Decimal{slotX: dec("0.2")}, nil)
			Expect(err).To(BeNil())
			expectAlloc(allocMap, slotX, "a2", "0.2")
			allocMap.Free(result)
			expectAlloc(allocMap, slotX, "a2", "0")
		})

		It("Will honor the memory floor when placing on one device", func() {
			allocMap := newSmallMap()
			result, err := allocMap.Allocate(map[types.SlotName]decimal.Decimal{slotX: dec("0.2")},
				&resources.AllocateOptions{MinMemory: dec("0.25")})
			Expect(err).To(BeNil())
			expectAlloc(allocMap, slotX, "a3", "0.2")
			allocMap.Free(result)
		})

		It("Will span two devices when one is not enough", func() {
			allocMap := newSmallMap()
			result, err := allocMap.Allocate(map[types.SlotName]decimal.Decimal{slotX: dec("0.5")}, nil)
			Expect(err).To(BeNil())
			expectAlloc(allocMap, slotX, "a2", "0.2")
			expectAlloc(allocMap, slotX, "a3", "0.3")
			allocMap.Free(result)
		})

		It("Will saturate every device for a request at full capacity", func() {
			allocMap := newSmallMap()
			result, err := allocMap.Allocate(map[types.SlotName]decimal.Decimal{slotX: dec("0.65")}, nil)
			Expect(err).To(BeNil())
			expectAlloc(allocMap, slotX, "a0", "0.05")
			expectAlloc(allocMap, slotX, "a1", "0.1")
			expectAlloc(allocMap, slotX, "a2", "0.2")
			expectAlloc(allocMap, slotX, "a3", "0.3")
			allocMap.Free(result)
		})

		It("Will exclude devices below the memory floor from the spread", func() {
			allocMap := newSmallMap()
			result, err := allocMap.Allocate(map[types.SlotName]decimal.Decimal{slotX: dec("0.6")},
				&resources.AllocateOptions{MinMemory: dec("0.1")})
			Expect(err).To(BeNil())
			expectAlloc(allocMap, slotX, "a0", "0")
			expectAlloc(allocMap, slotX, "a1", "0.1")
			expectAlloc(allocMap, slotX, "a2", "0.2")
			expectAlloc(allocMap, slotX, "a3", "0.3")
			allocMap.Free(result)
		})

		It("Will favor the most even split across capacity tiers", func() {
			allocMap := resources.NewFractionAllocMap(countSlots(slotX, map[types.DeviceId]string{
				"a0": "0.3",
				"a1": "0.3",
				"a2": "0.9",
			}), resources.AllocationEvenly, decimal.Zero)
			_, err := allocMap.Allocate(map[types.SlotName]decimal.Decimal{slotX: dec("1")}, nil)
			Expect(err).To(BeNil())
			expectAlloc(allocMap, slotX, "a0", "0.3")
			expectAlloc(allocMap, slotX, "a1", "0.3")
			expectAlloc(allocMap, slotX, "a2", "0.4")
		})

		It("Will hand the sub-cent remainder to the most free devices", func() {
			allocMap := resources.NewFractionAllocMap(countSlots(slotX, map[types.DeviceId]string{
				"a0": "0.8",
				"a1": "0.75",
				"a2": "0.7",
				"a3": "0.3",
				"a4": "0.0",
			}), resources.AllocationEvenly, decimal.Zero)

			result, err := allocMap.Allocate(map[types.SlotName]decimal.Decimal{slotX: dec("2.31")}, nil)
			Expect(err).To(BeNil())
			expectAlloc(allocMap, slotX, "a0", "0.67")
			expectAlloc(allocMap, slotX, "a1", "0.67")
			expectAlloc(allocMap, slotX, "a2", "0.67")
			expectAlloc(allocMap, slotX, "a3", "0.3")
			allocMap.Free(result)
			for idx := 0; idx < 4; idx++ {
				expectAlloc(allocMap, slotX, types.DeviceId(fmt.Sprintf("a%d", idx)), "0")
			}

			result, err = allocMap.Allocate(map[types.SlotName]decimal.Decimal{slotX: dec("2")}, nil)
			Expect(err).To(BeNil())
			expectAlloc(allocMap, slotX, "a0", "0.67")
			expectAlloc(allocMap, slotX, "a1", "0.67")
			expectAlloc(allocMap, slotX, "a2", "0.66")
			allocMap.Free(result)
			for idx := 0; idx < 3; idx++ {
				expectAlloc(allocMap, slotX, types.DeviceId(fmt.Sprintf("a%d", idx)), "0")
			}
		})

		It("Will prefer the window that fills devices tightly", func() {
			allocMap := resources.NewFractionAllocMap(countSlots(slotX, map[types.DeviceId]string{
				"a0": "2",
				"a1": "3",
				"a2": "3",
				"a3": "5",
			}), resources.AllocationEvenly, decimal.Zero)
			result, err := allocMap.Allocate(map[types.SlotName]decimal.Decimal{slotX: dec("6")}, nil)
			Expect(err).To(BeNil())
			expectAlloc(allocMap, slotX, "a0", "0")
			expectAlloc(allocMap, slotX, "a1", "3")
			expectAlloc(allocMap, slotX, "a2", "3")
			expectAlloc(allocMap, slotX, "a3", "0")
			allocMap.Free(result)
			for idx := 0; idx < 4; idx++ {
				expectAlloc(allocMap, slotX, types.DeviceId(fmt.Sprintf("a%d", idx)), "0")
			}
		})

		Context("with a nine-device tier mix", func() {
			newTieredMap := func() *resources.FractionAllocMap {
				return resources.NewFractionAllocMap(countSlots(slotX, map[types.DeviceId]string{
					"a0": "1",
					"a1": "1.5",
					"a2": "2",
					"a3": "3",
					"a4": "3",
					"a5": "4",
					"a6": "4.5",
					"a7": "5",
					"a8": "5",
				}), resources.AllocationEvenly, decimal.Zero)
			}

			It("Will place an even pair on the tightest qualifying tier", func() {
				allocMap := newTieredMap()
				result, err := allocMap.Allocate(map[types.SlotName]decimal.Decimal{slotX: dec("6")},
					&resources.AllocateOptions{MinMemory: dec("2.5")})
				Expect(err).To(BeNil())
				expectAlloc(allocMap, slotX, "a3", "3")
				expectAlloc(allocMap, slotX, "a4", "3")
				expectAlloc(allocMap, slotX, "a7", "0")
				expectAlloc(allocMap, slotX, "a8", "0")
				allocMap.Free(result)
				for idx := 0; idx < 9; idx++ {
					expectAlloc(allocMap, slotX, types.DeviceId(fmt.Sprintf("a%d", idx)), "0")
				}
			})

			It("Will widen the window until the split becomes exactly even", func() {
				allocMap := newTieredMap()
				result, err := allocMap.Allocate(map[types.SlotName]decimal.Decimal{slotX: dec("11")},
					&resources.AllocateOptions{MinMemory: dec("0.84")})
				Expect(err).To(BeNil())
				expectAlloc(allocMap, slotX, "a3", "2.75")
				expectAlloc(allocMap, slotX, "a4", "2.75")
				expectAlloc(allocMap, slotX, "a5", "2.75")
				expectAlloc(allocMap, slotX, "a6", "2.75")
				allocMap.Free(result)
				for idx := 0; idx < 9; idx++ {
					expectAlloc(allocMap, slotX, types.DeviceId(fmt.Sprintf("a%d", idx)), "0")
				}
			})
		})

		It("Will fill whole devices from the tail on equal capacities", func() {
			capacities := make(map[types.DeviceId]string, 8)
			for idx := 0; idx < 8; idx++ {
				capacities[types.DeviceId(fmt.Sprintf("a%d", idx))] = "1.0"
			}
			allocMap := resources.NewFractionAllocMap(
				countSlots(slotX, capacities), resources.AllocationEvenly, decimal.Zero)

			result, err := allocMap.Allocate(map[types.SlotName]decimal.Decimal{slotX: dec("6")}, nil)
			Expect(err).To(BeNil())

			fullDevices, idleDevices := 0, 0
			for idx := 0; idx < 8; idx++ {
				value := allocMap.Allocated(slotX, types.DeviceId(fmt.Sprintf("a%d", idx)))
				switch {
				case value.Equal(dec("1.0")):
					fullDevices++
				case value.IsZero():
					idleDevices++
				}
			}
			Expect(fullDevices).To(Equal(6))
			Expect(idleDevices).To(Equal(2))

			allocMap.Free(result)
			for idx := 0; idx < 8; idx++ {
				expectAlloc(allocMap, slotX, types.DeviceId(fmt.Sprintf("a%d", idx)), "0")
			}
		})

		It("Will reject multi-device spreads when asked for one device", func() {
			allocMap := resources.NewFractionAllocMap(countSlots(slotX, map[types.DeviceId]string{
				"a0": "1.0",
				"a1": "1.0",
			}), resources.AllocationEvenly, decimal.Zero)

			_, err := allocMap.Allocate(map[types.SlotName]decimal.Decimal{slotX: dec("1.5")},
				&resources.AllocateOptions{SingleDeviceOnly: true})
			Expect(err).To(MatchError(resources.ErrInsufficientResource))

			result, err := allocMap.Allocate(map[types.SlotName]decimal.Decimal{slotX: dec("0.8")},
				&resources.AllocateOptions{SingleDeviceOnly: true})
			Expect(err).To(BeNil())
			expectAlloc(allocMap, slotX, "a1", "0.8")
			allocMap.Free(result)
		})
	})

	Context("with a quantum of 0.25", func() {
		newQuantumMap := func(strategy resources.AllocationStrategy) *resources.FractionAllocMap {
			return resources.NewFractionAllocMap(countSlots(slotX, map[types.DeviceId]string{
				"a0": "1",
				"a1": "1",
			}), strategy, dec("0.25"))
		}

		for _, strategy := range []resources.AllocationStrategy{resources.AllocationFill, resources.AllocationEvenly} {
			Context("under the "+strategy.String()+" strategy", func() {
				It("Will grant exact quantum multiples untouched", func() {
					allocMap := newQuantumMap(strategy)
					result, err := allocMap.Allocate(map[types.SlotName]decimal.Decimal{slotX: dec("0.5")}, nil)
					Expect(err).To(BeNil())
					Expect(slotTotal(allocMap, slotX).Equal(dec("0.5"))).To(BeTrue())
					allocMap.Free(result)

					result, err = allocMap.Allocate(map[types.SlotName]decimal.Decimal{slotX: dec("1.5")}, nil)
					Expect(err).To(BeNil())
					Expect(slotTotal(allocMap, slotX).Equal(dec("1.5"))).To(BeTrue())
					if strategy == resources.AllocationEvenly {
						expectAlloc(allocMap, slotX, "a0", "0.75")
						expectAlloc(allocMap, slotX, "a1", "0.75")
					} else {
						expectAlloc(allocMap, slotX, "a0", "1.00")
						expectAlloc(allocMap, slotX, "a1", "0.50")
					}
					allocMap.Free(result)
				})

				It("Will reject requests that round down to nothing", func() {
					allocMap := newQuantumMap(strategy)
					_, err := allocMap.Allocate(map[types.SlotName]decimal.Decimal{slotX: dec("0.24")}, nil)
					Expect(err).To(MatchError(resources.ErrNotMultipleOfQuantum))
					expectAlloc(allocMap, slotX, "a0", "0")
					expectAlloc(allocMap, slotX, "a1", "0")
				})

				It("Will reject requests beyond the total capacity", func() {
					allocMap := newQuantumMap(strategy)
					_, err := allocMap.Allocate(map[types.SlotName]decimal.Decimal{slotX: dec("3.99")}, nil)
					Expect(err).To(MatchError(resources.ErrInsufficientResource))
				})
			})
		}

		It("Will round an uneven EVENLY split down to quantum multiples", func() {
			allocMap := newQuantumMap(resources.AllocationEvenly)
			result, err := allocMap.Allocate(map[types.SlotName]decimal.Decimal{slotX: dec("1.75")}, nil)
			Expect(err).To(BeNil())
			Expect(slotTotal(allocMap, slotX).Equal(dec("1.5"))).To(BeTrue())
			expectAlloc(allocMap, slotX, "a0", "0.75")
			expectAlloc(allocMap, slotX, "a1", "0.75")
			allocMap.Free(result)

			result, err = allocMap.Allocate(map[types.SlotName]decimal.Decimal{slotX: dec("0.52")}, nil)
			Expect(err).To(BeNil())
			Expect(slotTotal(allocMap, slotX).Equal(dec("0.5"))).To(BeTrue())
			expectAlloc(allocMap, slotX, "a1", "0.5")
			allocMap.Free(result)

			result, err = allocMap.Allocate(map[types.SlotName]decimal.Decimal{slotX: dec("0.42")}, nil)
			Expect(err).To(BeNil())
			Expect(slotTotal(allocMap, slotX).Equal(dec("0.25"))).To(BeTrue())
			expectAlloc(allocMap, slotX, "a1", "0.25")
			allocMap.Free(result)
		})

		It("Will round an uneven FILL grant down to quantum multiples", func() {
			allocMap := newQuantumMap(resources.AllocationFill)
			result, err := allocMap.Allocate(map[types.SlotName]decimal.Decimal{slotX: dec("0.52")}, nil)
			Expect(err).To(BeNil())
			Expect(slotTotal(allocMap, slotX).Equal(dec("0.5"))).To(BeTrue())
			expectAlloc(allocMap, slotX, "a0", "0.5")
			allocMap.Free(result)

			result, err = allocMap.Allocate(map[types.SlotName]decimal.Decimal{slotX: dec("0.42")}, nil)
			Expect(err).To(BeNil())
			Expect(slotTotal(allocMap, slotX).Equal(dec("0.25"))).To(BeTrue())
			expectAlloc(allocMap, slotX, "a0", "0.25")
			allocMap.Free(result)

			_, err = allocMap.Allocate(map[types.SlotName]decimal.Decimal{slotX: dec("1.75")}, nil)
			Expect(err).To(BeNil())
			expectAlloc(allocMap, slotX, "a0", "1.00")
			expectAlloc(allocMap, slotX, "a1", "0.75")
		})

		It("Will clip a FILL grant to the largest quantum multiple below it", func() {
			allocMap := resources.NewFractionAllocMap(countSlots(slotX, map[types.DeviceId]string{
				"a0": "1",
				"a1": "1",
			}), resources.AllocationFill, dec("0.3"))
			result, err := allocMap.Allocate(map[types.SlotName]decimal.Decimal{slotX: dec("0.5")}, nil)
			Expect(err).To(BeNil())
			Expect(slotTotal(allocMap, slotX).Equal(dec("0.3"))).To(BeTrue())
			expectAlloc(allocMap, slotX, "a0", "0.3")
			Expect(result[slotX][types.DeviceId("a0")].Equal(dec("0.3"))).To(BeTrue())
			allocMap.Free(result)
			expectAlloc(allocMap, slotX, "a0", "0")
		})
	})

	Context("with heterogeneous slots", func() {
		migSmall := types.SlotName("cuda.device:1g.5gb-mig")
		migLarge := types.SlotName("cuda.device:3g.20gb-mig")
		shares := types.SlotName("cuda.shares")

		newAllocMap := func() *resources.FractionAllocMap {
			return resources.NewFractionAllocMap(map[types.DeviceId]resources.DeviceSlotInfo{
				"a0": {SlotType: types.SlotTypeUnique, SlotName: migSmall, Amount: dec("1")},
				"a1": {SlotType: types.SlotTypeUnique, SlotName: migSmall, Amount: dec("1")},
				"a2": {SlotType: types.SlotTypeCount, SlotName: shares, Amount: dec("1.0")},
				"a3": {SlotType: types.SlotTypeCount, SlotName: shares, Amount: dec("1.0")},
				"a4": {SlotType: types.SlotTypeUnique, SlotName: migLarge, Amount: dec("1")},
			}, resources.AllocationFill, decimal.Zero,
				"cuda.device:*-mig", "cuda.device", "cuda.shares")
		}

		expectClean := func(allocMap resources.AllocMap) {
			GinkgoHelper()
			expectAlloc(allocMap, migSmall, "a0", "0")
			expectAlloc(allocMap, migSmall, "a1", "0")
			expectAlloc(allocMap, shares, "a2", "0")
			expectAlloc(allocMap, shares, "a3", "0")
			expectAlloc(allocMap, migLarge, "a4", "0")
		}

		It("Will allocate fractional shares without touching the unique slots", func() {
			allocMap := newAllocMap()
			result, err := allocMap.Allocate(map[types.SlotName]decimal.Decimal{shares: dec("2.0")}, nil)
			Expect(err).To(BeNil())
			expectAlloc(allocMap, migSmall, "a0", "0")
			expectAlloc(allocMap, migSmall, "a1", "0")
			expectAlloc(allocMap, shares, "a2", "1.0")
			expectAlloc(allocMap, shares, "a3", "1.0")
			expectAlloc(allocMap, migLarge, "a4", "0")
			allocMap.Free(result)
			expectClean(allocMap)

			_, err = allocMap.Allocate(map[types.SlotName]decimal.Decimal{shares: dec("2.5")}, nil)
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
			_, err := allocMap.Allocate(map[types.SlotName]decimal.Decimal{migSmall: dec("0.3")}, nil)
			Expect(err).To(MatchError(resources.ErrInvalidResourceArgument))
			_, err = allocMap.Allocate(map[types.SlotName]decimal.Decimal{migSmall: dec("1.5")}, nil)
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
})

package types_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/scusemua/distributed-cluster/common/types"
)

var _ = Describe("ResourceSlot", func() {
	slotTypes := map[types.SlotName]types.SlotTypes{
		"a": types.SlotTypeCount,
		"b": types.SlotTypeBytes,
	}

	Context("user input conversion", func() {
		It("Will convert human-readable values using the slot type table", func() {
			r1, err := types.ResourceSlotFromUserInput(map[string]string{"a": "1", "b": "2g"}, slotTypes)
			Expect(err).To(BeNil())
			Expect(r1.Get("a").String()).To(Equal("1"))
			Expect(r1.Get("b").String()).To(Equal("2147483648"))
		})

		It("Will zero-fill known slots missing from the input", func() {
			r3, err := types.ResourceSlotFromUserInput(map[string]string{"a": "1"}, slotTypes)
			Expect(err).To(BeNil())
			Expect(r3.Get("b").IsZero()).To(BeTrue())
		})

		It("Will reject slots absent from the type table", func() {
			_, err := types.ResourceSlotFromUserInput(map[string]string{"x": "1"}, slotTypes)
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("unknown slot type"))
		})

		It("Will accept signed infinities anywhere", func() {
			r4, err := types.ResourceSlotFromUserInput(
				map[string]string{"a": "Infinity", "b": "-Infinity"}, slotTypes)
			Expect(err).To(BeNil())
			Expect(r4.Get("a").IsInfinite()).To(BeTrue())
			Expect(r4.Get("a").Sign()).To(Equal(1))
			Expect(r4.Get("b").IsInfinite()).To(BeTrue())
			Expect(r4.Get("b").Sign()).To(Equal(-1))
			Expect(r4.ToHumanized(slotTypes)).To(Equal(map[string]string{"a": "Infinity", "b": "-Infinity"}))
		})

		Context("without a slot type table", func() {
			It("Will treat slots whose name contains 'mem' as byte quantities", func() {
				r1, err := types.ResourceSlotFromUserInput(map[string]string{"a": "1", "cuda.mem": "2g"}, nil)
				Expect(err).To(BeNil())
				Expect(r1.Get("a").String()).To(Equal("1"))
				Expect(r1.Get("cuda.mem").String()).To(Equal("2147483648"))
			})

			It("Will reject unit expressions on count slots", func() {
				_, err := types.ResourceSlotFromUserInput(map[string]string{"a": "1", "cuda.smp": "2g"}, nil)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("cannot convert"))
			})

			It("Will still accept infinity on count slots", func() {
				r1, err := types.ResourceSlotFromUserInput(map[string]string{"a": "inf", "cuda.smp": "inf"}, nil)
				Expect(err).To(BeNil())
				Expect(r1.Get("a").IsInfinite()).To(BeTrue())
				Expect(r1.Get("cuda.smp").IsInfinite()).To(BeTrue())
			})
		})
	})

	Context("JSON serialization", func() {
		It("Will round-trip through the raw decimal wire format", func() {
			r1, err := types.ResourceSlotFromUserInput(map[string]string{"a": "1", "b": "2g"}, slotTypes)
			Expect(err).To(BeNil())
			Expect(r1.ToJSON()).To(Equal(map[string]string{"a": "1", "b": "2147483648"}))

			again := types.MustResourceSlotFromJSON(r1.ToJSON())
			Expect(again.Equal(r1)).To(BeTrue())
		})

		It("Will humanize bytes-typed slots", func() {
			r1, err := types.ResourceSlotFromUserInput(map[string]string{"a": "1", "b": "2g"}, slotTypes)
			Expect(err).To(BeNil())
			Expect(r1.ToHumanized(slotTypes)).To(Equal(map[string]string{"a": "1", "b": "2g"}))

			r3, err := types.ResourceSlotFromUserInput(map[string]string{"a": "1"}, slotTypes)
			Expect(err).To(BeNil())
			Expect(r3.ToHumanized(slotTypes)).To(Equal(map[string]string{"a": "1", "b": "0"}))
		})

		It("Will never render scientific notation", func() {
			r1 := types.MustResourceSlotFromJSON(map[string]string{"a": "2E+1", "b": "200"})
			Expect(r1.ToJSON()["a"]).To(Equal("20"))
			Expect(r1.ToJSON()["b"]).To(Equal("200"))
		})

		It("Will skip null values on input", func() {
			two := "2"
			r1, err := types.ResourceSlotFromJSON(map[string]*string{"a": &two, "x": nil})
			Expect(err).To(BeNil())
			Expect(r1.ToJSON()).To(Equal(map[string]string{"a": "2"}))
		})
	})

	Context("policy conversion", func() {
		It("Will fill unspecified slots with infinity under an unlimited default", func() {
			r1, err := types.ResourceSlotFromPolicy(map[string]string{"a": "10"}, types.DefaultUnlimited, slotTypes)
			Expect(err).To(BeNil())
			Expect(r1.Get("a").String()).To(Equal("10"))
			Expect(r1.Get("b").IsInfinite()).To(BeTrue())
		})

		It("Will fill unspecified slots with zero under a limited default", func() {
			r2, err := types.ResourceSlotFromPolicy(map[string]string{"a": "10"}, types.DefaultLimited, slotTypes)
			Expect(err).To(BeNil())
			Expect(r2.Get("a").String()).To(Equal("10"))
			Expect(r2.Get("b").IsZero()).To(BeTrue())
		})
	})

	Context("algebra", func() {
		It("Will subtract over the union of slots", func() {
			r2 := types.MustResourceSlotFromJSON(map[string]string{"a": "2", "b": "1073741824"})
			r3 := types.MustResourceSlotFromJSON(map[string]string{"a": "1"})
			x := r2.Sub(r3)
			Expect(x.Get("a").String()).To(Equal("1"))
			Expect(x.Get("b").String()).To(Equal("1073741824"))
		})

		It("Will compare with key synchronization", func() {
			r1 := types.MustResourceSlotFromJSON(map[string]string{"a": "3", "b": "200"})
			r2 := types.MustResourceSlotFromJSON(map[string]string{"a": "4", "b": "100"})
			r3 := types.MustResourceSlotFromJSON(map[string]string{"a": "2"})
			r4 := types.MustResourceSlotFromJSON(map[string]string{"a": "1"})

			By("treating incomparable slot maps as neither smaller nor larger")
			Expect(r2.LT(r1)).To(BeFalse())
			Expect(r2.LE(r1)).To(BeFalse())
			Expect(r2.GT(r1)).To(BeFalse())
			Expect(r2.GE(r1)).To(BeFalse())

			By("ordering maps whose every slot is covered")
			Expect(r4.LT(r1)).To(BeTrue())
			Expect(r4.LE(r1)).To(BeTrue())
			Expect(r1.GT(r3)).To(BeTrue())
			Expect(r1.GE(r3)).To(BeTrue())

			By("zero-filling missing slots in both operands as a side effect")
			v, present := r4["b"]
			Expect(present).To(BeTrue())
			Expect(v.IsZero()).To(BeTrue())
			v, present = r3["b"]
			Expect(present).To(BeTrue())
			Expect(v.IsZero()).To(BeTrue())
		})

		It("Will treat equality as key-synchronized", func() {
			r2 := types.MustResourceSlotFromJSON(map[string]string{"a": "4", "b": "100"})
			r5 := types.MustResourceSlotFromJSON(map[string]string{"b": "100", "a": "4"})
			r3 := types.MustResourceSlotFromJSON(map[string]string{"a": "2"})
			r4 := types.MustResourceSlotFromJSON(map[string]string{"a": "1"})
			Expect(r2.Equal(r5)).To(BeTrue())
			Expect(r3.Equal(r4)).To(BeFalse())

			zeroFilled := types.MustResourceSlotFromJSON(map[string]string{"a": "2", "b": "0"})
			Expect(r3.Equal(zeroFilled)).To(BeTrue())
		})

		It("Will report subset equality", func() {
			r1 := types.MustResourceSlotFromJSON(map[string]string{"a": "3", "b": "200"})
			r3 := types.MustResourceSlotFromJSON(map[string]string{"a": "3"})
			Expect(r3.EqContained(r1)).To(BeTrue())
			Expect(r3.EqContains(r1)).To(BeFalse())
			Expect(r1.EqContained(r3)).To(BeFalse())
			Expect(r1.EqContains(r3)).To(BeTrue())
		})

		It("Will absorb finite values into infinities", func() {
			r1 := types.MustResourceSlotFromJSON(map[string]string{"a": "Infinity"})
			r2 := types.MustResourceSlotFromJSON(map[string]string{"a": "3"})
			Expect(r1.Sub(r2).Get("a").IsInfinite()).To(BeTrue())
			Expect(r1.Add(r2).Get("a").IsInfinite()).To(BeTrue())

			r4 := types.MustResourceSlotFromJSON(map[string]string{"b": "5"})
			r5 := types.MustResourceSlotFromJSON(map[string]string{"a": "Infinity"}).Sub(r4)
			Expect(r5.Get("a").IsInfinite()).To(BeTrue())
			Expect(r5.Get("b").String()).To(Equal("-5"))
			r5 = types.MustResourceSlotFromJSON(map[string]string{"a": "Infinity"}).Add(r4)
			Expect(r5.Get("a").IsInfinite()).To(BeTrue())
			Expect(r5.Get("b").String()).To(Equal("5"))
		})

		It("Will report per-slot insufficiencies", func() {
			avail := types.MustResourceSlotFromJSON(map[string]string{"cpu": "2", "mem": "1024"})
			req := types.MustResourceSlotFromJSON(map[string]string{"cpu": "4", "mem": "512", "cuda.shares": "1"})
			missing := avail.CheckCoverage(req)
			Expect(missing).To(HaveLen(2))
			Expect(missing[0].Slot).To(Equal(types.SlotName("cpu")))
			Expect(missing[1].Slot).To(Equal(types.SlotName("cuda.shares")))
		})
	})

	Context("normalization", func() {
		known := map[types.SlotName]types.SlotTypes{
			"cpu": types.SlotTypeCount,
			"mem": types.SlotTypeBytes,
		}

		It("Will reject unknown slots by default", func() {
			rs := types.MustResourceSlotFromJSON(map[string]string{"cpu": "1", "weird": "2"})
			_, err := rs.Normalize(known, false)
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("weird"))
		})

		It("Will filter unknown slots and zero-fill known ones when asked", func() {
			rs := types.MustResourceSlotFromJSON(map[string]string{"cpu": "1", "weird": "2"})
			out, err := rs.Normalize(known, true)
			Expect(err).To(BeNil())
			Expect(out.ToJSON()).To(Equal(map[string]string{"cpu": "1", "mem": "0"}))
		})
	})
})

var _ = Describe("SlotName", func() {
	It("Will decompose accelerator slot names", func() {
		s := types.SlotName("cuda.shares")
		Expect(s.IsAccelerator()).To(BeTrue())
		Expect(s.DeviceName()).To(Equal("cuda"))
		Expect(s.MajorType()).To(Equal("shares"))
		Expect(s.MinorType()).To(Equal(""))

		s = types.SlotName("cuda.device:mig-10g")
		Expect(s.IsAccelerator()).To(BeTrue())
		Expect(s.DeviceName()).To(Equal("cuda"))
		Expect(s.MajorType()).To(Equal("device"))
		Expect(s.MinorType()).To(Equal("mig-10g"))
	})

	It("Will recognize intrinsic slots", func() {
		Expect(types.SlotName("cpu").IsAccelerator()).To(BeFalse())
		Expect(types.SlotName("cpu").DeviceName()).To(Equal("cpu"))
		Expect(types.SlotName("cpu").MajorType()).To(Equal(""))
		Expect(types.SlotName("mem").IsAccelerator()).To(BeFalse())
	})
})

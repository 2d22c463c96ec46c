package types

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// ResourceSlot maps slot names to quantities. It is the currency of all
// resource bookkeeping: agents advertise capacity as a ResourceSlot, kernels
// request one, policies cap one, and the scheduler adds and subtracts them.
//
// Arithmetic and comparison first synchronize the key sets of both operands
// by zero-filling missing slots, mirroring how occupancy maps accumulate
// slots the original capacity never mentioned.
type ResourceSlot map[SlotName]SlotValue

// NewResourceSlot returns an empty slot map.
func NewResourceSlot() ResourceSlot {
	return make(ResourceSlot)
}

// Clone returns a deep copy.
func (rs ResourceSlot) Clone() ResourceSlot {
	out := make(ResourceSlot, len(rs))
	for k, v := range rs {
		out[k] = v
	}
	return out
}

// Get returns the value for the slot, zero when absent.
func (rs ResourceSlot) Get(name SlotName) SlotValue {
	return rs[name]
}

// Names returns the slot names in sorted order.
func (rs ResourceSlot) Names() []SlotName {
	names := make([]SlotName, 0, len(rs))
	for k := range rs {
		names = append(names, k)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// SyncKeys zero-fills each map with the slots only the other one has, so
// that both ends up with identical key sets.
func SyncKeys(a, b ResourceSlot) {
	for k := range a {
		if _, ok := b[k]; !ok {
			b[k] = ZeroSlot
		}
	}
	for k := range b {
		if _, ok := a[k]; !ok {
			a[k] = ZeroSlot
		}
	}
}

// Add returns rs + other over the union of their slots. Both operands are
// key-synchronized as a side effect.
func (rs ResourceSlot) Add(other ResourceSlot) ResourceSlot {
	SyncKeys(rs, other)
	out := make(ResourceSlot, len(rs))
	for k, v := range rs {
		out[k] = v.Add(other[k])
	}
	return out
}

// Sub returns rs - other over the union of their slots. Both operands are
// key-synchronized as a side effect.
func (rs ResourceSlot) Sub(other ResourceSlot) ResourceSlot {
	SyncKeys(rs, other)
	out := make(ResourceSlot, len(rs))
	for k, v := range rs {
		out[k] = v.Sub(other[k])
	}
	return out
}

// Equal reports whether both maps hold the same values after key
// synchronization, so {"a": 1} equals {"a": 1, "b": 0}.
func (rs ResourceSlot) Equal(other ResourceSlot) bool {
	SyncKeys(rs, other)
	for k, v := range rs {
		if !v.Equal(other[k]) {
			return false
		}
	}
	return true
}

// LE reports rs <= other on every slot after key synchronization.
func (rs ResourceSlot) LE(other ResourceSlot) bool {
	SyncKeys(rs, other)
	for k, v := range rs {
		if v.Cmp(other[k]) > 0 {
			return false
		}
	}
	return true
}

// LT reports rs <= other with at least one strictly smaller slot.
func (rs ResourceSlot) LT(other ResourceSlot) bool {
	return rs.LE(other) && !rs.Equal(other)
}

// GE reports rs >= other on every slot after key synchronization.
func (rs ResourceSlot) GE(other ResourceSlot) bool {
	return other.LE(rs)
}

// GT reports rs >= other with at least one strictly larger slot.
func (rs ResourceSlot) GT(other ResourceSlot) bool {
	return other.LT(rs)
}

// EqContains reports whether other's slots form a subset of rs with equal
// values on the common slots.
func (rs ResourceSlot) EqContains(other ResourceSlot) bool {
	for k, v := range other {
		mine, ok := rs[k]
		if !ok || !mine.Equal(v) {
			return false
		}
	}
	return true
}

// EqContained reports whether rs's slots form a subset of other with equal
// values on the common slots.
func (rs ResourceSlot) EqContained(other ResourceSlot) bool {
	return other.EqContains(rs)
}

// Insufficiency describes a slot whose available amount cannot cover a
// request.
type Insufficiency struct {
	Slot      SlotName
	Requested SlotValue
	Available SlotValue
}

// CheckCoverage returns the slots of request that rs cannot cover, sorted by
// slot name. An empty result means rs >= request.
func (rs ResourceSlot) CheckCoverage(request ResourceSlot) []Insufficiency {
	var out []Insufficiency
	for _, k := range request.Names() {
		req := request[k]
		avail := rs[k]
		if req.Cmp(avail) > 0 {
			out = append(out, Insufficiency{Slot: k, Requested: req, Available: avail})
		}
	}
	return out
}

// parseSlotValue converts one user-facing value according to the slot type.
func parseSlotValue(value string, slotType SlotTypes) (SlotValue, error) {
	if v, ok := parseInfinity(value); ok {
		return v, nil
	}
	switch slotType {
	case SlotTypeBytes:
		return ParseBinarySize(value)
	default:
		d, err := decimal.NewFromString(strings.TrimSpace(value))
		if err != nil {
			return ZeroSlot, fmt.Errorf("cannot convert %q to a decimal slot value", value)
		}
		return SlotValue{val: d}, nil
	}
}

// ResourceSlotFromUserInput converts human-readable slot values using the
// slot type table: bytes-typed slots accept binary-size expressions, the
// rest accept plain decimals; "inf" is accepted anywhere. Slots named in the
// table but absent from the input are zero-filled; an input slot missing
// from the table is an error.
//
// With a nil table, slot names containing "mem" are assumed to be byte
// quantities and everything else a plain count.
func ResourceSlotFromUserInput(input map[string]string, slotTypes map[SlotName]SlotTypes) (ResourceSlot, error) {
	out := make(ResourceSlot, len(input))
	if slotTypes == nil {
		for k, v := range input {
			st := SlotTypeCount
			if strings.Contains(k, "mem") {
				st = SlotTypeBytes
			}
			parsed, err := parseSlotValue(v, st)
			if err != nil {
				return nil, err
			}
			out[SlotName(k)] = parsed
		}
		return out, nil
	}
	for k, v := range input {
		st, ok := slotTypes[SlotName(k)]
		if !ok {
			return nil, fmt.Errorf("unknown slot type: %q", k)
		}
		parsed, err := parseSlotValue(v, st)
		if err != nil {
			return nil, err
		}
		out[SlotName(k)] = parsed
	}
	for k := range slotTypes {
		if _, ok := out[k]; !ok {
			out[k] = ZeroSlot
		}
	}
	return out, nil
}

// ResourceSlotFromPolicy builds the effective limit from a policy's explicit
// slots, filling the slots it does not mention with infinity (UNLIMITED) or
// zero (LIMITED).
func ResourceSlotFromPolicy(total map[string]string, unspecified DefaultForUnspecified, slotTypes map[SlotName]SlotTypes) (ResourceSlot, error) {
	out := make(ResourceSlot, len(slotTypes))
	for k, v := range total {
		st, ok := slotTypes[SlotName(k)]
		if !ok {
			return nil, fmt.Errorf("unknown slot type: %q", k)
		}
		parsed, err := parseSlotValue(v, st)
		if err != nil {
			return nil, err
		}
		out[SlotName(k)] = parsed
	}
	for k := range slotTypes {
		if _, ok := out[k]; !ok {
			if unspecified == DefaultUnlimited {
				out[k] = InfiniteSlot
			} else {
				out[k] = ZeroSlot
			}
		}
	}
	return out, nil
}

// ResourceSlotFromJSON reads stringified decimal values as-is (the storage
// wire format). JSON nulls are skipped.
func ResourceSlotFromJSON(data map[string]*string) (ResourceSlot, error) {
	out := make(ResourceSlot, len(data))
	for k, v := range data {
		if v == nil {
			continue
		}
		parsed, err := ParseSlotValue(*v)
		if err != nil {
			return nil, err
		}
		out[SlotName(k)] = parsed
	}
	return out, nil
}

// MustResourceSlotFromJSON is ResourceSlotFromJSON over plain strings,
// panicking on malformed values. Intended for literals in tests and
// defaults.
func MustResourceSlotFromJSON(data map[string]string) ResourceSlot {
	out := make(ResourceSlot, len(data))
	for k, v := range data {
		parsed, err := ParseSlotValue(v)
		if err != nil {
			panic(err)
		}
		out[SlotName(k)] = parsed
	}
	return out
}

// ToJSON renders every value as a plain decimal string (never scientific
// notation), the inverse of ResourceSlotFromJSON.
func (rs ResourceSlot) ToJSON() map[string]string {
	out := make(map[string]string, len(rs))
	for k, v := range rs {
		out[string(k)] = v.String()
	}
	return out
}

// ToHumanized renders bytes-typed slots in compact binary-size form
// ("2147483648" -> "2g") and everything else as plain decimals.
func (rs ResourceSlot) ToHumanized(slotTypes map[SlotName]SlotTypes) map[string]string {
	out := make(map[string]string, len(rs))
	for k, v := range rs {
		if slotTypes[k] == SlotTypeBytes && !v.IsInfinite() {
			if b, ok := BinarySizeOfSlot(v); ok {
				out[string(k)] = b.FormatAuto()
				continue
			}
		}
		out[string(k)] = v.String()
	}
	return out
}

// Normalize filters rs down to the known slots, zero-filling the known slots
// rs lacks. Unknown slots are an error unless ignoreUnknown is set.
func (rs ResourceSlot) Normalize(known map[SlotName]SlotTypes, ignoreUnknown bool) (ResourceSlot, error) {
	if !ignoreUnknown {
		var unknown []string
		for k := range rs {
			if _, ok := known[k]; !ok {
				unknown = append(unknown, string(k))
			}
		}
		if len(unknown) > 0 {
			sort.Strings(unknown)
			return nil, fmt.Errorf("unknown slots: %s", strings.Join(unknown, ", "))
		}
	}
	out := make(ResourceSlot, len(known))
	for k, v := range rs {
		if _, ok := known[k]; ok {
			out[k] = v
		}
	}
	for k := range known {
		if _, ok := out[k]; !ok {
			out[k] = ZeroSlot
		}
	}
	return out, nil
}

// String renders the slots sorted by name, e.g. "cpu=4, cuda.shares=2, mem=17179869184".
func (rs ResourceSlot) String() string {
	names := rs.Names()
	parts := make([]string, len(names))
	for i, k := range names {
		parts[i] = fmt.Sprintf("%s=%s", k, rs[k])
	}
	return strings.Join(parts, ", ")
}

package types

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// SlotValue is the quantity of a single resource slot. It is a decimal
// extended with signed infinity so that "unlimited" resource policies can
// take part in ordinary slot arithmetic: infinity absorbs addition and
// subtraction of finite values, and compares greater (or smaller, when
// negative) than every finite value.
type SlotValue struct {
	val decimal.Decimal
	inf int8
}

var (
	// ZeroSlot is the zero quantity.
	ZeroSlot = SlotValue{}
	// InfiniteSlot is the positive-unlimited quantity.
	InfiniteSlot = SlotValue{inf: 1}
	// NegativeInfiniteSlot is the negative-unlimited quantity.
	NegativeInfiniteSlot = SlotValue{inf: -1}
)

// SlotFromDecimal wraps a finite decimal quantity.
func SlotFromDecimal(d decimal.Decimal) SlotValue {
	return SlotValue{val: d}
}

// SlotFromInt wraps a finite integer quantity.
func SlotFromInt(n int64) SlotValue {
	return SlotValue{val: decimal.NewFromInt(n)}
}

// ParseSlotValue parses a plain decimal expression or an infinity keyword
// ("inf", "infinite", "Infinity", case-insensitive, optionally signed).
func ParseSlotValue(s string) (SlotValue, error) {
	if v, ok := parseInfinity(s); ok {
		return v, nil
	}
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return ZeroSlot, fmt.Errorf("cannot convert %q to a decimal slot value", s)
	}
	return SlotValue{val: d}, nil
}

func parseInfinity(s string) (SlotValue, bool) {
	t := strings.ToLower(strings.TrimSpace(s))
	neg := false
	if strings.HasPrefix(t, "-") {
		neg = true
		t = t[1:]
	} else if strings.HasPrefix(t, "+") {
		t = t[1:]
	}
	switch t {
	case "inf", "infinite", "infinity":
		if neg {
			return NegativeInfiniteSlot, true
		}
		return InfiniteSlot, true
	}
	return ZeroSlot, false
}

// IsInfinite reports whether the value is positive or negative infinity.
func (v SlotValue) IsInfinite() bool {
	return v.inf != 0
}

// IsZero reports whether the value is exactly zero.
func (v SlotValue) IsZero() bool {
	return v.inf == 0 && v.val.IsZero()
}

// Sign returns -1, 0 or 1 for negative, zero and positive values; infinities
// report the sign of the infinity.
func (v SlotValue) Sign() int {
	if v.inf != 0 {
		return int(v.inf)
	}
	return v.val.Sign()
}

// Decimal returns the finite decimal value. It panics on infinities; check
// IsInfinite first when the value may come from an unlimited policy.
func (v SlotValue) Decimal() decimal.Decimal {
	if v.inf != 0 {
		panic("slot value is infinite")
	}
	return v.val
}

// Add returns v + o. Any infinite operand dominates; adding opposing
// infinities panics because no caller has a meaningful interpretation.
func (v SlotValue) Add(o SlotValue) SlotValue {
	switch {
	case v.inf != 0 && o.inf != 0:
		if v.inf != o.inf {
			panic("adding opposing infinite slot values")
		}
		return v
	case v.inf != 0:
		return v
	case o.inf != 0:
		return o
	}
	return SlotValue{val: v.val.Add(o.val)}
}

// Sub returns v - o with the same infinity rules as Add.
func (v SlotValue) Sub(o SlotValue) SlotValue {
	return v.Add(o.Neg())
}

// Neg returns -v.
func (v SlotValue) Neg() SlotValue {
	if v.inf != 0 {
		return SlotValue{inf: -v.inf}
	}
	return SlotValue{val: v.val.Neg()}
}

// Cmp compares v with o, returning -1, 0 or 1. Positive infinity outranks
// every finite value, negative infinity underranks it.
func (v SlotValue) Cmp(o SlotValue) int {
	if v.inf != 0 || o.inf != 0 {
		vr, or := int(v.inf), int(o.inf)
		switch {
		case vr < or:
			return -1
		case vr > or:
			return 1
		}
		return 0
	}
	return v.val.Cmp(o.val)
}

// Equal reports exact equality.
func (v SlotValue) Equal(o SlotValue) bool {
	return v.Cmp(o) == 0
}

// LessThan reports v < o.
func (v SlotValue) LessThan(o SlotValue) bool { return v.Cmp(o) < 0 }

// GreaterThan reports v > o.
func (v SlotValue) GreaterThan(o SlotValue) bool { return v.Cmp(o) > 0 }

// String renders finite values in plain (never scientific) notation and
// infinities as "Infinity"/"-Infinity", matching the wire format.
func (v SlotValue) String() string {
	switch v.inf {
	case 1:
		return "Infinity"
	case -1:
		return "-Infinity"
	}
	return v.val.String()
}

// MarshalJSON renders the value as a JSON string so that decimal precision
// survives every JSON round-trip.
func (v SlotValue) MarshalJSON() ([]byte, error) {
	return []byte(`"` + v.String() + `"`), nil
}

// UnmarshalJSON accepts strings and bare numbers.
func (v *SlotValue) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	parsed, err := ParseSlotValue(s)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

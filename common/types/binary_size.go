package types

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// BinarySize is a byte count with human-readable parsing and formatting over
// the 1024-based unit ladder. "1 KiB", "2 KiBytes", "512k" and "0.5m" are all
// accepted on input; output picks the largest unit with a value of at least
// one.
type BinarySize uint64

// byte-word endings tried longest-first; the character immediately before a
// matched ending selects the multiplier (a space selects 1).
var binarySizeEndings = []string{"ibytes", "ibyte", "ib", "bytes", "byte", "b"}

// multiplier suffix -> exponent of 1024
var binarySizeExponents = map[byte]int{
	' ': 0, 'k': 1, 'm': 2, 'g': 3, 't': 4, 'p': 5, 'e': 6, 'z': 7, 'y': 8,
}

const binarySizeSuffixes = "kmgtpezy"

func pow1024(exp int) decimal.Decimal {
	n := new(big.Int).Exp(big.NewInt(1024), big.NewInt(int64(exp)), nil)
	return decimal.NewFromBigInt(n, 0)
}

// ParseBinarySize parses a binary-size expression into a slot value.
// "inf"/"infinite"/"infinity" yield positive infinity; everything else
// yields a finite integral byte count. Fractional expressions are scaled by
// their unit and truncated ("1.1k" -> 1126); a bare fractional number
// without a unit is an error. Underscore digit separators are allowed.
func ParseBinarySize(expr string) (SlotValue, error) {
	s := strings.ReplaceAll(strings.TrimSpace(expr), "_", "")
	if s == "" {
		return ZeroSlot, fmt.Errorf("cannot convert %q to a binary size", expr)
	}
	if v, ok := parseInfinity(s); ok {
		return v, nil
	}
	if n, err := strconv.ParseUint(s, 0, 64); err == nil {
		return SlotFromDecimal(decimal.NewFromBigInt(new(big.Int).SetUint64(n), 0)), nil
	}

	s = strings.ToLower(s)
	var (
		num    string
		suffix byte
	)
	matched := false
	for _, ending := range binarySizeEndings {
		if strings.HasSuffix(s, ending) {
			cut := len(s) - len(ending) - 1
			if cut < 0 {
				return ZeroSlot, fmt.Errorf("cannot convert %q to a binary size", expr)
			}
			suffix = s[cut]
			num = s[:cut]
			matched = true
			break
		}
	}
	if !matched {
		last := s[len(s)-1]
		if last >= '0' && last <= '9' {
			// a plain number that already failed integer parsing, e.g. "1.1"
			return ZeroSlot, fmt.Errorf("cannot convert %q to a binary size", expr)
		}
		suffix = last
		num = s[:len(s)-1]
	}

	exp, ok := binarySizeExponents[suffix]
	if !ok {
		return ZeroSlot, fmt.Errorf("cannot convert %q to a binary size: unknown unit %q", expr, string(suffix))
	}
	d, err := decimal.NewFromString(strings.TrimSpace(num))
	if err != nil {
		return ZeroSlot, fmt.Errorf("cannot convert %q to a binary size", expr)
	}
	return SlotFromDecimal(d.Mul(pow1024(exp)).Truncate(0)), nil
}

// ParseFiniteBinarySize is ParseBinarySize restricted to finite values.
func ParseFiniteBinarySize(expr string) (BinarySize, error) {
	v, err := ParseBinarySize(expr)
	if err != nil {
		return 0, err
	}
	if v.IsInfinite() {
		return 0, fmt.Errorf("%q is not a finite binary size", expr)
	}
	b, ok := BinarySizeOfSlot(v)
	if !ok {
		return 0, fmt.Errorf("binary size %q out of range", expr)
	}
	return b, nil
}

// BinarySizeOfSlot converts a finite, non-negative slot value to a byte
// count. The second return is false for infinities, negatives and values
// beyond 64 bits.
func BinarySizeOfSlot(v SlotValue) (BinarySize, bool) {
	if v.IsInfinite() || v.Sign() < 0 {
		return 0, false
	}
	n := v.Decimal().Truncate(0).BigInt()
	if n.BitLen() > 64 {
		return 0, false
	}
	return BinarySize(n.Uint64()), true
}

// String renders the size with the largest unit of at least one, e.g.
// "1 byte", "2 bytes", "103.45 KiB", "1000 MiB".
func (b BinarySize) String() string {
	scale := uint64(b)
	idx := 0
	for scale >= 1024 {
		scale /= 1024
		idx++
	}
	if idx == 0 {
		if b == 1 {
			return "1 byte"
		}
		return fmt.Sprintf("%d bytes", uint64(b))
	}
	value := b.scaled(idx)
	return fmt.Sprintf("%s %ciB", value, binarySizeSuffixes[idx-1]-'a'+'A')
}

// FormatUnit renders the size in the given shorthand unit ('k', 'm', 'g',
// ... or ' ' for raw bytes), e.g. 524288 with 'm' -> "0.5m".
func (b BinarySize) FormatUnit(unit byte) (string, error) {
	exp, ok := binarySizeExponents[unit]
	if !ok {
		return "", fmt.Errorf("unknown binary size unit %q", string(unit))
	}
	value := b.scaled(exp)
	if unit == ' ' {
		return value.String(), nil
	}
	return value.String() + string(unit), nil
}

// FormatAuto renders the size compactly in the largest unit of at least one,
// e.g. "930", "512k", "1g".
func (b BinarySize) FormatAuto() string {
	scale := uint64(b)
	idx := 0
	for scale >= 1024 {
		scale /= 1024
		idx++
	}
	if idx == 0 {
		return strconv.FormatUint(uint64(b), 10)
	}
	return b.scaled(idx).String() + string(binarySizeSuffixes[idx-1])
}

// scaled divides by 1024^exp, keeping integral results exact and rounding
// fractional results to two decimals.
func (b BinarySize) scaled(exp int) decimal.Decimal {
	dividend := decimal.NewFromBigInt(new(big.Int).SetUint64(uint64(b)), 0)
	value := dividend.DivRound(pow1024(exp), 9)
	if value.IsInteger() {
		return value.Truncate(0)
	}
	return value.Round(2)
}

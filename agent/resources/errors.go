package resources

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/scusemua/distributed-cluster/common/types"
)

var (
	// ErrInsufficientResource indicates that the devices backing a slot
	// cannot serve the requested amount.
	ErrInsufficientResource = errors.New("insufficient allocatable amount")

	// ErrInvalidResourceArgument indicates a request that is malformed for
	// the slot's type, such as a fractional amount on a count slot or an
	// amount other than 1 on a unique slot.
	ErrInvalidResourceArgument = errors.New("invalid resource argument")

	// ErrInvalidResourceCombination indicates a request naming two slots
	// that are declared mutually exclusive on the same device pool.
	ErrInvalidResourceCombination = errors.New("invalid resource combination")

	// ErrNotMultipleOfQuantum indicates a fractional request whose computed
	// per-device amounts all round down to zero at the device quantum.
	ErrNotMultipleOfQuantum = errors.New("requested amount rounds to zero at the device quantum")

	// ErrUnknownSlotName indicates a request for a slot no registered
	// compute plugin announces.
	ErrUnknownSlotName = errors.New("no compute plugin serves the requested slot")

	// ErrPluginAlreadyRegistered indicates a second plugin claiming a key
	// that is already taken.
	ErrPluginAlreadyRegistered = errors.New("a compute plugin with this key is already registered")
)

// AllocationFailure reports why an alloc map rejected a request. It carries
// the failing slot, the requested and total allocatable amounts, and the
// remaining capacity of each candidate device at the time of the failure.
type AllocationFailure struct {
	// Err is the sentinel classifying the failure, reachable via errors.Is.
	Err error

	// ContextTag identifies the requester, typically a kernel id.
	ContextTag string

	SlotName  types.SlotName
	Requested decimal.Decimal

	// TotalAllocatable is the summed remaining capacity of the candidate
	// devices for the failing slot.
	TotalAllocatable decimal.Decimal

	// PerDeviceAllocatable is the remaining capacity of each candidate
	// device for the failing slot.
	PerDeviceAllocatable map[types.DeviceId]decimal.Decimal
}

func (f *AllocationFailure) Error() string {
	var builder strings.Builder
	builder.WriteString(fmt.Sprintf("%v: slot \"%s\" requested %s",
		f.Err, f.SlotName, f.Requested.String()))

	if f.Err == ErrInsufficientResource || f.Err == ErrNotMultipleOfQuantum {
		builder.WriteString(fmt.Sprintf(", allocatable %s", f.TotalAllocatable.String()))
	}

	if f.ContextTag != "" {
		builder.WriteString(fmt.Sprintf(" (context: %s)", f.ContextTag))
	}

	if len(f.PerDeviceAllocatable) > 0 {
		builder.WriteString(" [")
		first := true
		for _, deviceId := range sortedDeviceIds(f.PerDeviceAllocatable) {
			if !first {
				builder.WriteString(", ")
			}
			builder.WriteString(fmt.Sprintf("%s: %s", deviceId, f.PerDeviceAllocatable[deviceId].String()))
			first = false
		}
		builder.WriteString("]")
	}

	return builder.String()
}

func (f *AllocationFailure) Unwrap() error {
	return f.Err
}

// newInsufficientResourceError snapshots the per-device free capacities so
// the caller can see exactly how the request failed to fit.
func newInsufficientResourceError(contextTag string, slotName types.SlotName, requested decimal.Decimal,
	totalAllocatable decimal.Decimal, perDevice map[types.DeviceId]decimal.Decimal) *AllocationFailure {

	return &AllocationFailure{
		Err:                  ErrInsufficientResource,
		ContextTag:           contextTag,
		SlotName:             slotName,
		Requested:            requested,
		TotalAllocatable:     totalAllocatable,
		PerDeviceAllocatable: perDevice,
	}
}

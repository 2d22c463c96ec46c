package scheduler

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/scusemua/distributed-cluster/common/types"
)

// ErrNoAvailableAgents is returned when a scaling group has no schedulable
// ALIVE agents at all; the session stays PENDING without a predicate record.
var ErrNoAvailableAgents = errors.New("no available agents")

// ArchitectureMismatchError is returned when no agent of the scaling group
// runs the requested image's CPU architecture.
type ArchitectureMismatchError struct {
	Requested string
	Available []string
}

func (e *ArchitectureMismatchError) Error() string {
	if len(e.Available) == 0 {
		return fmt.Sprintf("no agent runs architecture %s", e.Requested)
	}
	return fmt.Sprintf("no agent runs architecture %s (available: %s)",
		e.Requested, strings.Join(e.Available, ", "))
}

// InsufficientResourcesError reports, per slot, how far the cluster is from
// covering a request. Byte-typed slots render humanized so the "mem" line in
// an API response reads "4 GiB requested, 1.5 GiB free" rather than raw
// byte counts.
type InsufficientResourcesError struct {
	Details   []types.Insufficiency
	SlotTypes map[types.SlotName]types.SlotTypes
}

func (e *InsufficientResourcesError) Error() string {
	parts := make([]string, 0, len(e.Details))
	for _, detail := range e.Details {
		requested := e.render(detail.Slot, detail.Requested)
		available := e.render(detail.Slot, detail.Available)
		parts = append(parts, fmt.Sprintf("%s (requested %s, free %s)", detail.Slot, requested, available))
	}
	return "insufficient resources: " + strings.Join(parts, "; ")
}

func (e *InsufficientResourcesError) render(slot types.SlotName, value types.SlotValue) string {
	if e.SlotTypes[slot] == types.SlotTypeBytes && !value.IsInfinite() {
		if size, ok := types.BinarySizeOfSlot(value); ok {
			return size.FormatAuto()
		}
	}
	return value.String()
}

// ContainerLimitError is returned when every otherwise-eligible agent is at
// the per-agent container cap.
type ContainerLimitError struct {
	Limit int
}

func (e *ContainerLimitError) Error() string {
	return fmt.Sprintf("every eligible agent is at the container limit of %d", e.Limit)
}

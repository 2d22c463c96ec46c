package events

import (
	"github.com/scusemua/distributed-cluster/common/types"
)

// KernelStartedPayload rides on kernel_started events so consumers learn how
// to reach the kernel without a registry round trip.
type KernelStartedPayload struct {
	ContainerId  string               `json:"container_id"`
	Addr         string               `json:"addr,omitempty"`
	ServicePorts []types.HostPortPair `json:"service_ports,omitempty"`
}

// KernelTerminatedPayload rides on kernel_terminated events.
type KernelTerminatedPayload struct {
	ContainerId string `json:"container_id,omitempty"`
	ExitCode    int    `json:"exit_code"`
}

// PullProgressPayload rides on kernel_pulling events while an image pull is
// in flight. Current and Total are byte counts; Total is zero when the
// backend does not report layer sizes.
type PullProgressPayload struct {
	Image   string `json:"image"`
	Status  string `json:"status,omitempty"`
	Current int64  `json:"current,omitempty"`
	Total   int64  `json:"total,omitempty"`
}

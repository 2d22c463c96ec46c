package idle

import (
	"context"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"

	"github.com/scusemua/distributed-cluster/common/events"
	"github.com/scusemua/distributed-cluster/common/types"
	"github.com/scusemua/distributed-cluster/gateway/domain"
	"github.com/scusemua/distributed-cluster/gateway/registry"
)

// Host runs the enabled idle checkers over every RUNNING session whenever a
// do_idle_check event fires. An expired session gets one do_terminate_session
// event with the first expiring checker's reason; the remaining checkers are
// skipped for it.
type Host struct {
	sessions *registry.SessionRegistry
	bus      events.Producer

	checkers []Checker

	log logger.Logger
}

// NewHost builds the host from the gateway's idle options. Unknown checker
// names are logged and ignored.
func NewHost(opts *domain.ClusterGatewayOptions, sessions *registry.SessionRegistry,
	liveness registry.LivenessStore, stats StatSource, bus events.Producer) *Host {

	host := &Host{
		sessions: sessions,
		bus:      bus,
	}
	config.InitLogger(&host.log, host)

	for _, name := range opts.EnabledIdleCheckers() {
		switch name {
		case "timeout":
			host.checkers = append(host.checkers, &TimeoutChecker{
				Liveness:       liveness,
				DefaultTimeout: opts.DefaultIdleTimeout(),
			})
		case "session_lifetime":
			host.checkers = append(host.checkers, &LifetimeChecker{})
		case "utilization":
			host.checkers = append(host.checkers, &UtilizationChecker{
				Stats:        stats,
				Window:       opts.UtilizationWindow(),
				InitialGrace: opts.UtilizationInitialGrace(),
				Thresholds:   opts.Idle.UtilizationThresholds,
			})
		default:
			host.log.Warn("Ignoring unknown idle checker \"%s\".", name)
		}
	}
	return host
}

func (h *Host) String() string {
	return "IdleCheckerHost"
}

// Checkers returns the names of the enabled checkers.
func (h *Host) Checkers() []string {
	names := make([]string, 0, len(h.checkers))
	for _, checker := range h.checkers {
		names = append(names, checker.Name())
	}
	return names
}

// HandleIdleCheck runs one pass. Wired to the do_idle_check event.
func (h *Host) HandleIdleCheck(ctx context.Context) {
	if len(h.checkers) == 0 {
		return
	}

	for _, session := range h.sessions.Running() {
		for _, checker := range h.checkers {
			expired, err := checker.Check(ctx, session)
			if err != nil {
				h.log.Warn("Idle checker \"%s\" failed on session \"%s\": %v",
					checker.Name(), session.Id(), err)
				continue
			}
			if !expired {
				continue
			}

			h.log.Info("Session \"%s\" expired by the %s checker.", session.Id(), checker.Name())

			// A lifetime expiry means the session overran its allowed run
			// time; announce it before the teardown starts.
			if _, overran := checker.(*LifetimeChecker); overran {
				timeout := events.NewExecutionTimeoutEvent(session.Id(), checker.Reason())
				if err := h.bus.Broadcast(ctx, timeout); err != nil {
					h.log.Warn("Cannot broadcast execution_timeout for \"%s\": %v", session.Id(), err)
				}
			}

			event := events.NewDoTerminateSessionEvent(session.Id(), checker.Reason())
			if err := h.bus.Produce(ctx, event); err != nil {
				h.log.Error("Cannot produce do_terminate_session for \"%s\": %v", session.Id(), err)
			}
			break
		}
	}
}

// Forget releases any per-session checker state after a session ends.
func (h *Host) Forget(sessionId types.SessionId) {
	for _, checker := range h.checkers {
		if utilization, ok := checker.(*UtilizationChecker); ok {
			utilization.Forget(sessionId)
		}
	}
}

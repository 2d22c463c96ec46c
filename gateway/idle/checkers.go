package idle

import (
	"context"
	"sync"
	"time"

	"github.com/scusemua/distributed-cluster/common/types"
	"github.com/scusemua/distributed-cluster/gateway/domain"
	"github.com/scusemua/distributed-cluster/gateway/registry"
)

// Termination reasons, carried on the do_terminate_session events the
// checkers produce.
const (
	ReasonIdleTimeout     = "idle-timeout"
	ReasonSessionLifetime = "idle-session-lifetime"
	ReasonUtilization     = "idle-utilization"
)

// Checker inspects one RUNNING session. A true verdict means the session is
// idle by this checker's criterion and should be destroyed with the
// checker's reason.
type Checker interface {
	Name() string
	Reason() string
	Check(ctx context.Context, session *registry.SessionRecord) (bool, error)
}

func policyOf(session *registry.SessionRecord) *domain.ResourcePolicy {
	if policy := session.Spec().Policy; policy != nil {
		return policy
	}
	return &domain.ResourcePolicy{}
}

// TimeoutChecker expires sessions nobody touched for too long. API and app
// proxy activity refresh the last-access timestamp in the liveness store; a
// session with no recorded access yet is measured from its start.
type TimeoutChecker struct {
	Liveness       registry.LivenessStore
	DefaultTimeout time.Duration
}

func (c *TimeoutChecker) Name() string   { return "timeout" }
func (c *TimeoutChecker) Reason() string { return ReasonIdleTimeout }

func (c *TimeoutChecker) Check(ctx context.Context, session *registry.SessionRecord) (bool, error) {
	timeout := c.DefaultTimeout

	// A session's resource policy may override the cluster default; a
	// negative override opts the session out entirely.
	if override := policyOf(session).IdleTimeoutSec; override != 0 {
		if override < 0 {
			return false, nil
		}
		timeout = policyOf(session).IdleTimeout()
	}
	if timeout <= 0 {
		return false, nil
	}

	lastAccess, found, err := c.Liveness.SessionLastAccess(ctx, session.Id())
	if err != nil {
		return false, err
	}
	if !found {
		lastAccess = session.StartedAt()
	}
	return time.Since(lastAccess) > timeout, nil
}

// LifetimeChecker expires sessions that ran longer than their policy's
// maximum lifetime, touched or not.
type LifetimeChecker struct{}

func (c *LifetimeChecker) Name() string   { return "session_lifetime" }
func (c *LifetimeChecker) Reason() string { return ReasonSessionLifetime }

func (c *LifetimeChecker) Check(_ context.Context, session *registry.SessionRecord) (bool, error) {
	lifetime := policyOf(session).MaxSessionLifetime()
	if lifetime <= 0 {
		return false, nil
	}
	return time.Since(session.StartedAt()) > lifetime, nil
}

// utilizationSample is one averaged observation of a session's kernels.
type utilizationSample struct {
	at     time.Time
	values map[string]float64
}

// UtilizationChecker expires sessions whose resource utilization stayed
// below every configured threshold for a whole moving window. Sessions get
// an initial grace period after start so slow-starting workloads are not
// killed while warming up.
type UtilizationChecker struct {
	Stats        StatSource
	Window       time.Duration
	InitialGrace time.Duration

	// Thresholds maps metric names ("cpu_util", "mem") to the percentage
	// below which the metric counts as idle.
	Thresholds map[string]float64

	mu      sync.Mutex
	windows map[types.SessionId][]utilizationSample
}

func (c *UtilizationChecker) Name() string   { return "utilization" }
func (c *UtilizationChecker) Reason() string { return ReasonUtilization }

func (c *UtilizationChecker) Check(ctx context.Context, session *registry.SessionRecord) (bool, error) {
	if len(c.Thresholds) == 0 {
		return false, nil
	}

	sample, err := c.sample(ctx, session)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.windows == nil {
		c.windows = make(map[types.SessionId][]utilizationSample)
	}

	now := time.Now()
	window := c.windows[session.Id()]
	if sample != nil {
		window = append(window, *sample)
	}

	cutoff := now.Add(-c.Window)
	for len(window) > 0 && window[0].at.Before(cutoff) {
		window = window[1:]
	}
	c.windows[session.Id()] = window

	if time.Since(session.StartedAt()) < c.InitialGrace {
		return false, nil
	}
	// Judge only once the retained samples span at least half the window;
	// sample timing jitters against the check interval, so demanding the
	// full span would keep a borderline session alive forever.
	if len(window) < 2 || now.Sub(window[0].at) < c.Window/2 {
		return false, nil
	}

	for metric, threshold := range c.Thresholds {
		for _, s := range window {
			value, measured := s.values[metric]
			if !measured {
				continue
			}
			if value >= threshold {
				return false, nil
			}
		}
	}
	return true, nil
}

// Forget drops a session's window after it is destroyed.
func (c *UtilizationChecker) Forget(sessionId types.SessionId) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.windows, sessionId)
}

// sample averages the current stats over the session's kernels. Returns nil
// when no kernel has published a stat yet.
func (c *UtilizationChecker) sample(ctx context.Context, session *registry.SessionRecord) (*utilizationSample, error) {
	var cpuSum, memSum float64
	measured := 0

	for _, kernel := range session.Kernels() {
		stat, found, err := c.Stats.KernelStat(ctx, kernel.Id)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}

		cpuSum += stat.CpuUtilization
		if stat.MemoryLimitBytes > 0 {
			memSum += 100 * float64(stat.MemoryBytes) / float64(stat.MemoryLimitBytes)
		}
		measured++
	}
	if measured == 0 {
		return nil, nil
	}

	return &utilizationSample{
		at: time.Now(),
		values: map[string]float64{
			"cpu_util": cpuSum / float64(measured),
			"mem":      memSum / float64(measured),
		},
	}, nil
}

package domain

import (
	"time"

	"github.com/pkg/errors"

	"github.com/scusemua/distributed-cluster/common/types"
)

var (
	ErrSessionNotFound      = errors.New("no such session")
	ErrSessionAlreadyExists = errors.New("session already exists")
	ErrAgentNotFound        = errors.New("no such agent")

	// ErrSessionNotRestartable is returned for restart requests against
	// sessions that are not currently RUNNING.
	ErrSessionNotRestartable = errors.New("session is not in a restartable state")
)

// ResourcePolicy bounds what a session's owner may hold on the cluster. The
// caller resolves the policy before enqueueing; the scheduler's predicates
// enforce it against the owner's other sessions.
type ResourcePolicy struct {
	// MaxConcurrentSessions caps the owner's simultaneously active
	// sessions. Zero means unlimited.
	MaxConcurrentSessions int `json:"max_concurrent_sessions,omitempty"`

	// MaxPendingSessionCount caps the owner's queued sessions. Zero means
	// unlimited.
	MaxPendingSessionCount int `json:"max_pending_session_count,omitempty"`

	// MaxPendingSessionSlots caps the combined resource slots of the
	// owner's queued sessions. Empty means unlimited.
	MaxPendingSessionSlots map[string]string `json:"max_pending_session_slots,omitempty"`

	// TotalResourceSlots caps what the owner's access key may occupy in
	// total. Slots the policy does not mention default per
	// DefaultForUnspecified.
	TotalResourceSlots    map[string]string           `json:"total_resource_slots,omitempty"`
	DefaultForUnspecified types.DefaultForUnspecified `json:"default_for_unspecified,omitempty"`

	// UserResourceSlots, GroupResourceSlots, and DomainResourceSlots cap
	// occupancy at the wider ownership scopes. Empty maps are unlimited.
	UserResourceSlots   map[string]string `json:"user_resource_slots,omitempty"`
	GroupResourceSlots  map[string]string `json:"group_resource_slots,omitempty"`
	DomainResourceSlots map[string]string `json:"domain_resource_slots,omitempty"`

	// IdleTimeoutSec overrides the cluster default of the timeout idle
	// checker. Zero keeps the default; negative disables the checker for
	// this session.
	IdleTimeoutSec float64 `json:"idle_timeout_seconds,omitempty"`

	// MaxSessionLifetimeSec bounds how long the session may run at all.
	// Zero disables the lifetime checker for this session.
	MaxSessionLifetimeSec float64 `json:"max_session_lifetime_seconds,omitempty"`
}

// IdleTimeout returns the configured idle timeout as a duration.
func (p *ResourcePolicy) IdleTimeout() time.Duration {
	return time.Duration(p.IdleTimeoutSec * float64(time.Second))
}

// MaxSessionLifetime returns the configured lifetime bound as a duration.
func (p *ResourcePolicy) MaxSessionLifetime() time.Duration {
	return time.Duration(p.MaxSessionLifetimeSec * float64(time.Second))
}

// SessionSpec is a user's request for a compute session, as accepted by the
// gateway's API. Resource values are human-readable strings; EnqueueSession
// converts them against the cluster's known slot table.
type SessionSpec struct {
	// Name is an optional human-readable label.
	Name string `json:"name,omitempty"`

	SessionType types.SessionTypes `json:"session_type"`
	ClusterMode types.ClusterMode  `json:"cluster_mode"`

	// ClusterSize is the number of kernels the session runs. Single-node
	// sessions place all of them on one agent.
	ClusterSize int `json:"cluster_size"`

	ScalingGroup string `json:"scaling_group,omitempty"`

	// AccessKey identifies the owner for concurrency and resource policy
	// enforcement; UserId, GroupId, and DomainName identify the wider
	// ownership scopes.
	AccessKey  types.AccessKey `json:"access_key"`
	UserId     string          `json:"user_id,omitempty"`
	GroupId    string          `json:"group_id,omitempty"`
	DomainName string          `json:"domain_name,omitempty"`

	Image types.ImageRef `json:"image"`

	// ResourceSlots is the per-kernel resource request in human-readable
	// form ("cpu": "2", "mem": "4g", "cuda.shares": "0.5").
	ResourceSlots map[string]string `json:"resource_slots"`

	Environ map[string]string `json:"environ,omitempty"`

	// Dependencies lists sessions that must reach a successful terminal
	// state before this one is scheduled.
	Dependencies []types.SessionId `json:"dependencies,omitempty"`

	// EndpointId groups the replicas of one inference endpoint so the
	// concentrated selector can spread them across agents.
	EndpointId string `json:"endpoint_id,omitempty"`

	Policy *ResourcePolicy `json:"policy,omitempty"`
}

// PredicateFailure is one predicate's verdict against a pending session.
type PredicateFailure struct {
	Name    string `json:"name"`
	Message string `json:"msg"`
}

// SchedulingAttempt is the status data the scheduler accumulates on a
// pending session across its scheduling attempts. Surfaced through the API
// so users can see why their session is still queued.
type SchedulingAttempt struct {
	FailedPredicates []PredicateFailure `json:"failed_predicates,omitempty"`
	PassedPredicates []string           `json:"passed_predicates,omitempty"`

	// Message carries the last agent-selection failure, when predicates
	// passed but no agent could take the session.
	Message string `json:"msg,omitempty"`

	LastTry time.Time `json:"last_try"`
	Retries int       `json:"retries"`
}

// Clone returns a deep copy for API snapshots.
func (a *SchedulingAttempt) Clone() *SchedulingAttempt {
	if a == nil {
		return nil
	}
	clone := *a
	clone.FailedPredicates = append([]PredicateFailure(nil), a.FailedPredicates...)
	clone.PassedPredicates = append([]string(nil), a.PassedPredicates...)
	return &clone
}

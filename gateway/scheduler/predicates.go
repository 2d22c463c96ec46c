package scheduler

import (
	"context"
	"fmt"

	"github.com/scusemua/distributed-cluster/common/types"
	"github.com/scusemua/distributed-cluster/gateway/domain"
	"github.com/scusemua/distributed-cluster/gateway/registry"
)

// Predicate is one admission check against a pending session. A nil error
// means the check passed; a non-nil error carries the user-facing message
// recorded in the session's scheduling attempt.
type Predicate interface {
	Name() string
	Check(ctx context.Context, session *registry.SessionRecord, slotTypes map[types.SlotName]types.SlotTypes) error
}

// policyOf never returns nil; sessions enqueued without a policy get the
// zero policy, which is unlimited everywhere.
func policyOf(session *registry.SessionRecord) *domain.ResourcePolicy {
	if policy := session.Spec().Policy; policy != nil {
		return policy
	}
	return &domain.ResourcePolicy{}
}

// ConcurrencyPredicate caps how many sessions an access key may have active
// (placed and not torn down) at once.
type ConcurrencyPredicate struct {
	Sessions *registry.SessionRegistry
}

func (p *ConcurrencyPredicate) Name() string { return "concurrency" }

func (p *ConcurrencyPredicate) Check(_ context.Context, session *registry.SessionRecord, _ map[types.SlotName]types.SlotTypes) error {
	limit := policyOf(session).MaxConcurrentSessions
	if limit <= 0 {
		return nil
	}

	active := p.Sessions.CountOccupying(registry.MatchAccessKey(session.Spec().AccessKey))
	if active >= limit {
		return fmt.Errorf("You cannot run more than %d concurrent sessions (%d active)", limit, active)
	}
	return nil
}

// PendingCountPredicate caps how many sessions an access key may keep
// queued. The session under check counts toward its own limit.
type PendingCountPredicate struct {
	Sessions *registry.SessionRegistry
}

func (p *PendingCountPredicate) Name() string { return "pending_session_count_limit" }

func (p *PendingCountPredicate) Check(_ context.Context, session *registry.SessionRecord, _ map[types.SlotName]types.SlotTypes) error {
	limit := policyOf(session).MaxPendingSessionCount
	if limit <= 0 {
		return nil
	}

	pending := p.Sessions.CountPending(registry.MatchAccessKey(session.Spec().AccessKey))
	if pending > limit {
		return fmt.Errorf("You cannot keep more than %d pending sessions (%d queued)", limit, pending)
	}
	return nil
}

// PendingSlotsPredicate caps the combined resource request of an access
// key's queued sessions.
type PendingSlotsPredicate struct {
	Sessions *registry.SessionRegistry
}

func (p *PendingSlotsPredicate) Name() string { return "pending_session_resource_limit" }

func (p *PendingSlotsPredicate) Check(_ context.Context, session *registry.SessionRecord, slotTypes map[types.SlotName]types.SlotTypes) error {
	policy := policyOf(session)
	if len(policy.MaxPendingSessionSlots) == 0 {
		return nil
	}

	limit, err := types.ResourceSlotFromPolicy(policy.MaxPendingSessionSlots, types.DefaultUnlimited, slotTypes)
	if err != nil {
		return fmt.Errorf("malformed pending-slot policy: %v", err)
	}

	pending := p.Sessions.PendingSlots(registry.MatchAccessKey(session.Spec().AccessKey))
	if !pending.LE(limit) {
		return fmt.Errorf("your pending sessions exceed the resource limit %v", limit.ToHumanized(slotTypes))
	}
	return nil
}

// scopeLimitPredicate enforces an occupancy cap at one ownership scope:
// occupied + requested must fit within the scope's policy slots.
type scopeLimitPredicate struct {
	name string

	match  func(spec *domain.SessionSpec) registry.SessionMatcher
	limits func(policy *domain.ResourcePolicy) (map[string]string, types.DefaultForUnspecified)

	sessions *registry.SessionRegistry
}

func (p *scopeLimitPredicate) Name() string { return p.name }

func (p *scopeLimitPredicate) Check(_ context.Context, session *registry.SessionRecord, slotTypes map[types.SlotName]types.SlotTypes) error {
	slots, unspecified := p.limits(policyOf(session))
	if len(slots) == 0 {
		return nil
	}

	limit, err := types.ResourceSlotFromPolicy(slots, unspecified, slotTypes)
	if err != nil {
		return fmt.Errorf("malformed resource policy: %v", err)
	}

	occupied := p.sessions.OccupiedSlots(p.match(session.Spec()))
	needed := occupied.Add(session.TotalRequested())
	if !needed.LE(limit) {
		return fmt.Errorf("Your resource quota is exceeded. (%s)",
			fmt.Sprintf("occupied %v + requested %v > limit %v",
				occupied.ToHumanized(slotTypes),
				session.TotalRequested().ToHumanized(slotTypes),
				limit.ToHumanized(slotTypes)))
	}
	return nil
}

// NewKeypairResourcePredicate caps what one access key may occupy in total.
// Slots the policy does not name default per the policy's
// default_for_unspecified setting.
func NewKeypairResourcePredicate(sessions *registry.SessionRegistry) Predicate {
	return &scopeLimitPredicate{
		name:     "keypair_resource_limit",
		sessions: sessions,
		match: func(spec *domain.SessionSpec) registry.SessionMatcher {
			return registry.MatchAccessKey(spec.AccessKey)
		},
		limits: func(policy *domain.ResourcePolicy) (map[string]string, types.DefaultForUnspecified) {
			unspecified := policy.DefaultForUnspecified
			if unspecified == "" {
				unspecified = types.DefaultUnlimited
			}
			return policy.TotalResourceSlots, unspecified
		},
	}
}

// NewUserResourcePredicate caps a user's total occupancy.
func NewUserResourcePredicate(sessions *registry.SessionRegistry) Predicate {
	return &scopeLimitPredicate{
		name:     "user_resource_limit",
		sessions: sessions,
		match: func(spec *domain.SessionSpec) registry.SessionMatcher {
			return registry.MatchUser(spec.UserId)
		},
		limits: func(policy *domain.ResourcePolicy) (map[string]string, types.DefaultForUnspecified) {
			return policy.UserResourceSlots, types.DefaultUnlimited
		},
	}
}

// NewGroupResourcePredicate caps a group's total occupancy.
func NewGroupResourcePredicate(sessions *registry.SessionRegistry) Predicate {
	return &scopeLimitPredicate{
		name:     "group_resource_limit",
		sessions: sessions,
		match: func(spec *domain.SessionSpec) registry.SessionMatcher {
			return registry.MatchGroup(spec.GroupId)
		},
		limits: func(policy *domain.ResourcePolicy) (map[string]string, types.DefaultForUnspecified) {
			return policy.GroupResourceSlots, types.DefaultUnlimited
		},
	}
}

// NewDomainResourcePredicate caps a domain's total occupancy.
func NewDomainResourcePredicate(sessions *registry.SessionRegistry) Predicate {
	return &scopeLimitPredicate{
		name:     "domain_resource_limit",
		sessions: sessions,
		match: func(spec *domain.SessionSpec) registry.SessionMatcher {
			return registry.MatchDomain(spec.DomainName)
		},
		limits: func(policy *domain.ResourcePolicy) (map[string]string, types.DefaultForUnspecified) {
			return policy.DomainResourceSlots, types.DefaultUnlimited
		},
	}
}

// DependenciesPredicate holds a session back until every session it depends
// on finished successfully.
type DependenciesPredicate struct {
	Sessions *registry.SessionRegistry
}

func (p *DependenciesPredicate) Name() string { return "dependencies" }

func (p *DependenciesPredicate) Check(_ context.Context, session *registry.SessionRecord, _ map[types.SlotName]types.SlotTypes) error {
	var waiting []types.SessionId
	for _, dependency := range session.Spec().Dependencies {
		if !p.Sessions.DependencyMet(dependency) {
			waiting = append(waiting, dependency)
		}
	}
	if len(waiting) > 0 {
		return fmt.Errorf("waiting for %d dependency session(s) to finish: %v", len(waiting), waiting)
	}
	return nil
}

// DefaultPredicates is the check chain every pending session runs through,
// in order.
func DefaultPredicates(sessions *registry.SessionRegistry) []Predicate {
	return []Predicate{
		&ConcurrencyPredicate{Sessions: sessions},
		&PendingCountPredicate{Sessions: sessions},
		&PendingSlotsPredicate{Sessions: sessions},
		NewKeypairResourcePredicate(sessions),
		NewUserResourcePredicate(sessions),
		NewGroupResourcePredicate(sessions),
		NewDomainResourcePredicate(sessions),
		&DependenciesPredicate{Sessions: sessions},
	}
}

package scheduler

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/scusemua/distributed-cluster/common/configuration"
	"github.com/scusemua/distributed-cluster/common/types"
	"github.com/scusemua/distributed-cluster/gateway/registry"
)

// Candidate is one agent's standing within a single scheduling pass. The
// Pending* fields accumulate what this pass has already booked on the agent
// but not yet committed, so a multi-kernel session sees a consistent view
// while its kernels are placed one after another.
type Candidate struct {
	Agent *registry.AgentSnapshot

	PendingSlots      types.ResourceSlot
	PendingContainers int

	// ContainerCount is the live count from the liveness store, loaded once
	// per pass.
	ContainerCount int
}

// Unused returns what the agent still has free from this pass's point of
// view: announced capacity minus committed occupancy minus this pass's
// uncommitted bookings.
func (c *Candidate) Unused() types.ResourceSlot {
	return c.Agent.Info.AvailableSlots.Sub(c.Agent.Occupied).Sub(c.PendingSlots)
}

// Book records an uncommitted placement on the candidate.
func (c *Candidate) Book(requested types.ResourceSlot) {
	c.PendingSlots = c.PendingSlots.Add(requested)
	c.PendingContainers++
}

// SelectionInput is what a strategy gets to choose from: the candidates that
// already passed the architecture, resource, and container-limit filters.
type SelectionInput struct {
	Session    *registry.SessionRecord
	Requested  types.ResourceSlot
	Candidates []*Candidate

	// Priority orders slot names from most to least significant for unused-
	// resource comparisons, already intersected with the requested slots.
	Priority []types.SlotName
}

// AgentSelector picks one agent from the filtered candidates. Selectors
// never return an empty choice with a nil error.
type AgentSelector interface {
	Name() string
	Select(ctx context.Context, input *SelectionInput) (*Candidate, error)
}

// compareByPriority compares two unused-resource views slot by slot in
// priority order. Returns >0 when a has more unused than b on the first slot
// they differ in.
func compareByPriority(a, b types.ResourceSlot, priority []types.SlotName) int {
	for _, slot := range priority {
		if cmp := a.Get(slot).Cmp(b.Get(slot)); cmp != 0 {
			return cmp
		}
	}
	return 0
}

// intersectPriority keeps the priority slots the request actually asks for,
// appending requested slots the priority list does not mention so every
// requested slot still participates in tie-breaking.
func intersectPriority(priority []string, requested types.ResourceSlot) []types.SlotName {
	ordered := make([]types.SlotName, 0, len(requested))
	for _, name := range priority {
		slot := types.SlotName(name)
		if _, asked := requested[slot]; asked {
			ordered = append(ordered, slot)
		}
	}

	rest := make([]types.SlotName, 0, len(requested))
	for slot := range requested {
		if !slices.Contains(ordered, slot) {
			rest = append(rest, slot)
		}
	}
	slices.Sort(rest)
	return append(ordered, rest...)
}

// sortCandidatesById gives strategies a deterministic starting order.
func sortCandidatesById(candidates []*Candidate) {
	slices.SortFunc(candidates, func(a, b *Candidate) int {
		switch {
		case a.Agent.Info.Id < b.Agent.Info.Id:
			return -1
		case a.Agent.Info.Id > b.Agent.Info.Id:
			return 1
		}
		return 0
	})
}

// DispersedSelector spreads load: it picks the agent with the most unused
// resources, compared in priority order. Registered as both "dispersed" and
// the historical "legacy" name.
type DispersedSelector struct{}

func (s *DispersedSelector) Name() string { return "dispersed" }

func (s *DispersedSelector) Select(_ context.Context, input *SelectionInput) (*Candidate, error) {
	sortCandidatesById(input.Candidates)

	best := input.Candidates[0]
	for _, candidate := range input.Candidates[1:] {
		if compareByPriority(candidate.Unused(), best.Unused(), input.Priority) > 0 {
			best = candidate
		}
	}
	return best, nil
}

// ConcentratedSelector bin-packs: it picks the agent with the least unused
// resources that still fits. Replicas of one inference endpoint are spread
// first, so losing an agent never takes a whole endpoint down.
type ConcentratedSelector struct {
	// Sessions provides the committed per-endpoint placement counts.
	Sessions *registry.SessionRegistry
}

func (s *ConcentratedSelector) Name() string { return "concentrated" }

func (s *ConcentratedSelector) Select(_ context.Context, input *SelectionInput) (*Candidate, error) {
	sortCandidatesById(input.Candidates)

	endpointId := input.Session.Spec().EndpointId

	best := input.Candidates[0]
	bestReplicas := s.replicasOn(best, endpointId, input.Session)
	for _, candidate := range input.Candidates[1:] {
		replicas := s.replicasOn(candidate, endpointId, input.Session)

		if endpointId != "" && replicas != bestReplicas {
			if replicas < bestReplicas {
				best, bestReplicas = candidate, replicas
			}
			continue
		}
		if compareByPriority(candidate.Unused(), best.Unused(), input.Priority) < 0 {
			best, bestReplicas = candidate, replicas
		}
	}
	return best, nil
}

func (s *ConcentratedSelector) replicasOn(candidate *Candidate, endpointId string, session *registry.SessionRecord) int {
	if endpointId == "" {
		return 0
	}
	committed := s.Sessions.CountOnAgentForEndpoint(candidate.Agent.Info.Id, endpointId)
	if session.Spec().EndpointId == endpointId {
		committed += candidate.PendingContainers
	}
	return committed
}

// RoundRobinSelector rotates through the agents of a scaling group in id
// order. The next index is persisted per (scaling group, architecture) in
// the shared config so rotation survives gateway restarts and is shared by
// every gateway replica.
type RoundRobinSelector struct {
	Shared *configuration.SharedConfig
}

func (s *RoundRobinSelector) Name() string { return "roundrobin" }

func (s *RoundRobinSelector) Select(ctx context.Context, input *SelectionInput) (*Candidate, error) {
	sortCandidatesById(input.Candidates)

	scalingGroup := input.Session.ScalingGroup()
	architecture := input.Session.Spec().Image.Architecture

	index, _, err := s.Shared.RoundRobinIndex(ctx, scalingGroup, architecture)
	if err != nil {
		return nil, errors.Wrap(err, "cannot load round-robin state")
	}

	// The candidate set shrinks and grows between passes; the persisted
	// index only has to keep rotating, not point at a stable agent.
	index %= len(input.Candidates)
	choice := input.Candidates[index]

	if err := s.Shared.SetRoundRobinIndex(ctx, scalingGroup, architecture, index+1); err != nil {
		return nil, errors.Wrap(err, "cannot persist round-robin state")
	}
	return choice, nil
}

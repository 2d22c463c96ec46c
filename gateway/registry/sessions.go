package registry

import (
	"sync"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/elliotchance/orderedmap/v2"

	"github.com/scusemua/distributed-cluster/common/types"
	"github.com/scusemua/distributed-cluster/common/utils/hashmap"
	"github.com/scusemua/distributed-cluster/gateway/domain"
)

// SessionMatcher selects sessions by their spec for the aggregate queries the
// scheduling predicates run (per access key, per user, per group, ...).
type SessionMatcher func(spec *domain.SessionSpec) bool

// MatchAccessKey selects the sessions of one access key.
func MatchAccessKey(key types.AccessKey) SessionMatcher {
	return func(spec *domain.SessionSpec) bool { return spec.AccessKey == key }
}

// MatchUser selects the sessions of one user.
func MatchUser(userId string) SessionMatcher {
	return func(spec *domain.SessionSpec) bool { return spec.UserId == userId }
}

// MatchGroup selects the sessions of one group.
func MatchGroup(groupId string) SessionMatcher {
	return func(spec *domain.SessionSpec) bool { return spec.GroupId == groupId }
}

// MatchDomain selects the sessions of one domain.
func MatchDomain(domainName string) SessionMatcher {
	return func(spec *domain.SessionSpec) bool { return spec.DomainName == domainName }
}

// SessionRegistry tracks every session the gateway knows about. Pending
// sessions additionally live in an insertion-ordered queue so the FIFO and
// LIFO policies see them in enqueue order.
type SessionRegistry struct {
	sessions *hashmap.CornelkMap[string, *SessionRecord]

	pendingMu sync.Mutex
	pending   *orderedmap.OrderedMap[types.SessionId, *SessionRecord]

	log logger.Logger
}

func NewSessionRegistry() *SessionRegistry {
	reg := &SessionRegistry{
		sessions: hashmap.NewCornelkMap[string, *SessionRecord](64),
		pending:  orderedmap.NewOrderedMap[types.SessionId, *SessionRecord](),
	}
	config.InitLogger(&reg.log, reg)
	return reg
}

func (reg *SessionRegistry) String() string {
	return "SessionRegistry"
}

// Add registers a freshly enqueued session. The record must be PENDING.
func (reg *SessionRegistry) Add(record *SessionRecord) error {
	if _, loaded := reg.sessions.LoadOrStore(string(record.Id()), record); loaded {
		return domain.ErrSessionAlreadyExists
	}

	reg.pendingMu.Lock()
	reg.pending.Set(record.Id(), record)
	reg.pendingMu.Unlock()
	return nil
}

// Get returns the session with the given id.
func (reg *SessionRegistry) Get(sessionId types.SessionId) (*SessionRecord, error) {
	record, ok := reg.sessions.Load(string(sessionId))
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return record, nil
}

// Remove drops a session from the registry entirely. Terminal sessions stay
// registered for inspection until explicitly deleted.
func (reg *SessionRegistry) Remove(sessionId types.SessionId) {
	reg.sessions.Delete(string(sessionId))

	reg.pendingMu.Lock()
	reg.pending.Delete(sessionId)
	reg.pendingMu.Unlock()
}

// Dequeue removes a session from the pending queue without touching the
// registry, after the scheduler placed or cancelled it.
func (reg *SessionRegistry) Dequeue(sessionId types.SessionId) {
	reg.pendingMu.Lock()
	reg.pending.Delete(sessionId)
	reg.pendingMu.Unlock()
}

// Snapshot returns an immutable copy of the given session.
func (reg *SessionRegistry) Snapshot(sessionId types.SessionId) (*SessionSnapshot, error) {
	record, err := reg.Get(sessionId)
	if err != nil {
		return nil, err
	}
	return record.Snapshot(), nil
}

// Snapshots returns immutable copies of every registered session.
func (reg *SessionRegistry) Snapshots() []*SessionSnapshot {
	snapshots := make([]*SessionSnapshot, 0, reg.sessions.Len())
	reg.sessions.Range(func(_ string, record *SessionRecord) bool {
		snapshots = append(snapshots, record.Snapshot())
		return true
	})
	return snapshots
}

// PendingInOrder returns the PENDING sessions of a scaling group in enqueue
// order (every group when empty). Entries that left the PENDING state are
// pruned from the queue as a side effect.
func (reg *SessionRegistry) PendingInOrder(scalingGroup string) []*SessionRecord {
	reg.pendingMu.Lock()
	defer reg.pendingMu.Unlock()

	var stale []types.SessionId
	var ordered []*SessionRecord

	for el := reg.pending.Front(); el != nil; el = el.Next() {
		record := el.Value
		if record.Status() != types.StatusPending {
			stale = append(stale, el.Key)
			continue
		}
		if scalingGroup != "" && record.ScalingGroup() != scalingGroup {
			continue
		}
		ordered = append(ordered, record)
	}

	for _, sessionId := range stale {
		reg.pending.Delete(sessionId)
	}
	return ordered
}

// PendingCount returns how many sessions are waiting in a scaling group.
func (reg *SessionRegistry) PendingCount(scalingGroup string) int {
	return len(reg.PendingInOrder(scalingGroup))
}

// Active returns the placed, not-yet-finished sessions of a scaling group
// (every group when empty). PENDING sessions are not active; they hold no
// agent resources yet.
func (reg *SessionRegistry) Active(scalingGroup string) []*SessionRecord {
	var active []*SessionRecord
	reg.sessions.Range(func(_ string, record *SessionRecord) bool {
		if !record.Status().Active() {
			return true
		}
		if scalingGroup != "" && record.ScalingGroup() != scalingGroup {
			return true
		}
		active = append(active, record)
		return true
	})
	return active
}

// Running returns the RUNNING sessions (for the idle checkers).
func (reg *SessionRegistry) Running() []*SessionRecord {
	var running []*SessionRecord
	reg.sessions.Range(func(_ string, record *SessionRecord) bool {
		if record.Status() == types.StatusRunning {
			running = append(running, record)
		}
		return true
	})
	return running
}

// CountOccupying counts the matching sessions holding (or about to hold)
// agent resources.
func (reg *SessionRegistry) CountOccupying(match SessionMatcher) int {
	count := 0
	reg.sessions.Range(func(_ string, record *SessionRecord) bool {
		if record.Status().Active() && match(record.Spec()) {
			count++
		}
		return true
	})
	return count
}

// OccupiedSlots sums the total requests of the matching occupying sessions.
func (reg *SessionRegistry) OccupiedSlots(match SessionMatcher) types.ResourceSlot {
	occupied := types.NewResourceSlot()
	reg.sessions.Range(func(_ string, record *SessionRecord) bool {
		if record.Status().Active() && match(record.Spec()) {
			occupied = occupied.Add(record.TotalRequested())
		}
		return true
	})
	return occupied
}

// CountPending counts the matching PENDING sessions.
func (reg *SessionRegistry) CountPending(match SessionMatcher) int {
	count := 0
	reg.sessions.Range(func(_ string, record *SessionRecord) bool {
		if record.Status() == types.StatusPending && match(record.Spec()) {
			count++
		}
		return true
	})
	return count
}

// PendingSlots sums the total requests of the matching PENDING sessions.
func (reg *SessionRegistry) PendingSlots(match SessionMatcher) types.ResourceSlot {
	pending := types.NewResourceSlot()
	reg.sessions.Range(func(_ string, record *SessionRecord) bool {
		if record.Status() == types.StatusPending && match(record.Spec()) {
			pending = pending.Add(record.TotalRequested())
		}
		return true
	})
	return pending
}

// DependencyMet reports whether the given session finished successfully.
// Cancelled and errored dependencies never satisfy their dependents; neither
// do unknown ids.
func (reg *SessionRegistry) DependencyMet(sessionId types.SessionId) bool {
	record, ok := reg.sessions.Load(string(sessionId))
	if !ok {
		return false
	}
	return record.Status() == types.StatusTerminated
}

// CountOnAgentForEndpoint counts the non-terminal kernels of one endpoint
// placed on the given agent, for the concentrated selector's replica
// spreading.
func (reg *SessionRegistry) CountOnAgentForEndpoint(agentId types.AgentId, endpointId string) int {
	if endpointId == "" {
		return 0
	}
	count := 0
	reg.sessions.Range(func(_ string, record *SessionRecord) bool {
		if record.Spec().EndpointId != endpointId {
			return true
		}
		for _, kernel := range record.Kernels() {
			if kernel.AgentId == agentId && !kernel.Status.Terminal() {
				count++
			}
		}
		return true
	})
	return count
}

// AgentUsage recomputes the per-agent occupied slots from the live kernel
// records, for repairing the agent registry's running totals.
func (reg *SessionRegistry) AgentUsage() map[types.AgentId]types.ResourceSlot {
	usage := make(map[types.AgentId]types.ResourceSlot)
	reg.sessions.Range(func(_ string, record *SessionRecord) bool {
		for _, kernel := range record.Kernels() {
			if kernel.AgentId == "" || kernel.Status.Terminal() {
				continue
			}
			occupied, ok := usage[kernel.AgentId]
			if !ok {
				occupied = types.NewResourceSlot()
			}
			usage[kernel.AgentId] = occupied.Add(kernel.Requested)
		}
		return true
	})
	return usage
}

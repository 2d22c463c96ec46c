package registry

import (
	"sync"
	"time"

	"github.com/scusemua/distributed-cluster/common/types"
	"github.com/scusemua/distributed-cluster/gateway/domain"
)

// AgentRecord is the gateway's bookkeeping for one agent node. The info
// snapshot is replaced wholesale by each heartbeat; the occupied slots are
// the gateway's own authoritative view and only the gateway mutates them.
type AgentRecord struct {
	mu sync.RWMutex

	info *types.AgentInfo

	status        types.AgentStatus
	statusChanged time.Time
	lostAt        time.Time
	firstContact  time.Time

	occupied types.ResourceSlot

	// schedulable is cleared administratively to drain an agent without
	// killing its kernels.
	schedulable bool
}

// AgentSnapshot is an immutable copy of an AgentRecord for API responses and
// scheduling passes.
type AgentSnapshot struct {
	Info *types.AgentInfo `json:"info"`

	Status        types.AgentStatus `json:"status"`
	StatusChanged time.Time         `json:"status_changed"`
	LostAt        *time.Time        `json:"lost_at,omitempty"`
	FirstContact  time.Time         `json:"first_contact"`

	Occupied    types.ResourceSlot `json:"occupied_slots"`
	Schedulable bool               `json:"schedulable"`
}

// Id returns the agent's identity.
func (r *AgentRecord) Id() types.AgentId {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.info.Id
}

// Status returns the agent's liveness status.
func (r *AgentRecord) Status() types.AgentStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// Addr returns the agent's RPC address.
func (r *AgentRecord) Addr() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.info.Addr
}

// Snapshot deep-copies the record.
func (r *AgentRecord) Snapshot() *AgentSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snapshot := &AgentSnapshot{
		Info:          r.info.Clone(),
		Status:        r.status,
		StatusChanged: r.statusChanged,
		FirstContact:  r.firstContact,
		Occupied:      r.occupied.Clone(),
		Schedulable:   r.schedulable,
	}
	if !r.lostAt.IsZero() {
		lostAt := r.lostAt
		snapshot.LostAt = &lostAt
	}
	return snapshot
}

// KernelRecord is the gateway's view of one kernel of a session.
type KernelRecord struct {
	Id        types.KernelId  `json:"kernel_id"`
	SessionId types.SessionId `json:"session_id"`

	// ClusterRole and ClusterIdx identify the kernel's position within a
	// multi-kernel session ("main" for index 0, "sub" otherwise).
	ClusterRole string `json:"cluster_role"`
	ClusterIdx  int    `json:"cluster_idx"`

	// AgentId and AgentAddr are set by the scheduler when the kernel is
	// placed; empty while the session is PENDING.
	AgentId   types.AgentId `json:"agent_id,omitempty"`
	AgentAddr string        `json:"agent_addr,omitempty"`

	ContainerId  string               `json:"container_id,omitempty"`
	Addr         string               `json:"addr,omitempty"`
	ServicePorts []types.HostPortPair `json:"service_ports,omitempty"`

	Status        types.KernelStatus  `json:"status"`
	StatusHistory types.StatusHistory `json:"status_history,omitempty"`
	Reason        string              `json:"reason,omitempty"`
	ExitCode      int                 `json:"exit_code,omitempty"`

	// Requested is the kernel's converted resource request. Identical for
	// every kernel of a session.
	Requested types.ResourceSlot `json:"resource_slots"`
}

// Advance moves the kernel to the given status when the transition is legal,
// appending to its history. Returns false for illegal transitions, which
// includes everything out of a terminal state.
func (k *KernelRecord) Advance(status types.KernelStatus, reason string) bool {
	if k.Status == status {
		return false
	}
	if !types.Transitable(k.Status, status) {
		return false
	}

	k.Status = status
	k.StatusHistory = k.StatusHistory.Append(status, time.Now())
	if reason != "" {
		k.Reason = reason
	}
	return true
}

// Clone deep-copies the kernel record.
func (k *KernelRecord) Clone() *KernelRecord {
	clone := *k
	clone.ServicePorts = append([]types.HostPortPair(nil), k.ServicePorts...)
	clone.StatusHistory = append(types.StatusHistory(nil), k.StatusHistory...)
	clone.Requested = k.Requested.Clone()
	return &clone
}

// SessionRecord is the gateway's bookkeeping for one compute session and its
// kernels. All mutation goes through the record's methods; the registry maps
// only hand out pointers.
type SessionRecord struct {
	mu sync.RWMutex

	id         types.SessionId
	creationId string
	spec       *domain.SessionSpec

	// requested is the per-kernel resource request after conversion
	// against the cluster slot table.
	requested types.ResourceSlot

	scalingGroup string

	status        types.SessionStatus
	statusHistory types.StatusHistory
	reason        string

	kernels []*KernelRecord

	attempt *domain.SchedulingAttempt

	enqueuedAt   time.Time
	scheduledAt  time.Time
	startedAt    time.Time
	terminatedAt time.Time

	// everRunning distinguishes TERMINATED from CANCELLED when an agent is
	// lost mid-preparation.
	everRunning bool
}

// SessionSnapshot is an immutable copy of a SessionRecord for API responses.
type SessionSnapshot struct {
	Id         types.SessionId     `json:"session_id"`
	CreationId string              `json:"creation_id"`
	Spec       *domain.SessionSpec `json:"spec"`

	ScalingGroup string             `json:"scaling_group"`
	Requested    types.ResourceSlot `json:"resource_slots"`

	Status        types.SessionStatus `json:"status"`
	StatusHistory types.StatusHistory `json:"status_history,omitempty"`
	Reason        string              `json:"reason,omitempty"`

	Kernels []*KernelRecord `json:"kernels"`

	SchedulingAttempt *domain.SchedulingAttempt `json:"scheduling_attempt,omitempty"`

	EnqueuedAt   time.Time  `json:"enqueued_at"`
	ScheduledAt  *time.Time `json:"scheduled_at,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	TerminatedAt *time.Time `json:"terminated_at,omitempty"`
}

// NewSessionRecord creates a PENDING session with its kernel records.
func NewSessionRecord(sessionId types.SessionId, creationId string, spec *domain.SessionSpec,
	requested types.ResourceSlot, kernelIds []types.KernelId) *SessionRecord {

	now := time.Now()

	record := &SessionRecord{
		id:            sessionId,
		creationId:    creationId,
		spec:          spec,
		requested:     requested,
		scalingGroup:  spec.ScalingGroup,
		status:        types.StatusPending,
		statusHistory: types.StatusHistory{}.Append(types.StatusPending, now),
		enqueuedAt:    now,
	}

	record.kernels = make([]*KernelRecord, 0, len(kernelIds))
	for idx, kernelId := range kernelIds {
		role := "sub"
		if idx == 0 {
			role = "main"
		}
		record.kernels = append(record.kernels, &KernelRecord{
			Id:            kernelId,
			SessionId:     sessionId,
			ClusterRole:   role,
			ClusterIdx:    idx,
			Status:        types.StatusPending,
			StatusHistory: types.StatusHistory{}.Append(types.StatusPending, now),
			Requested:     requested.Clone(),
		})
	}

	return record
}

// Id returns the session's identity.
func (r *SessionRecord) Id() types.SessionId {
	return r.id
}

// CreationId correlates the session's lifecycle events back to the enqueue
// request that created it.
func (r *SessionRecord) CreationId() string {
	return r.creationId
}

// Spec returns the session's creation spec. The spec is immutable after
// enqueue.
func (r *SessionRecord) Spec() *domain.SessionSpec {
	return r.spec
}

// ScalingGroup returns the group the session is scheduled within.
func (r *SessionRecord) ScalingGroup() string {
	return r.scalingGroup
}

// Status returns the session's current lifecycle status.
func (r *SessionRecord) Status() types.SessionStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// Requested returns the per-kernel resource request.
func (r *SessionRecord) Requested() types.ResourceSlot {
	return r.requested
}

// TotalRequested returns the session's combined request over all kernels.
func (r *SessionRecord) TotalRequested() types.ResourceSlot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := types.NewResourceSlot()
	for _, kernel := range r.kernels {
		total = total.Add(kernel.Requested)
	}
	return total
}

// EnqueuedAt returns when the session entered the queue.
func (r *SessionRecord) EnqueuedAt() time.Time {
	return r.enqueuedAt
}

// StartedAt returns when the session reached RUNNING, or zero.
func (r *SessionRecord) StartedAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.startedAt
}

// EverRunning reports whether the session reached RUNNING at least once.
func (r *SessionRecord) EverRunning() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.everRunning
}

// Advance moves the session to the given status when the transition is
// legal, appending to its history and stamping the lifecycle timestamps.
func (r *SessionRecord) Advance(status types.SessionStatus, reason string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.advanceLocked(status, reason)
}

func (r *SessionRecord) advanceLocked(status types.SessionStatus, reason string) bool {
	if r.status == status {
		return false
	}
	if !types.Transitable(r.status, status) {
		return false
	}

	now := time.Now()
	r.status = status
	r.statusHistory = r.statusHistory.Append(status, now)
	if reason != "" {
		r.reason = reason
	}

	switch status {
	case types.StatusScheduled:
		r.scheduledAt = now
	case types.StatusRunning:
		r.everRunning = true
		if r.startedAt.IsZero() {
			r.startedAt = now
		}
	case types.StatusTerminated, types.StatusCancelled, types.StatusError:
		r.terminatedAt = now
	}
	return true
}

// Mutate runs fn with the record's write lock held. fn gets the record's
// kernels and may mutate them and (through the returned status) the session.
func (r *SessionRecord) Mutate(fn func(kernels []*KernelRecord)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.kernels)
}

// UpdateKernel mutates the named kernel under the record's lock. Returns
// false when the kernel does not belong to this session.
func (r *SessionRecord) UpdateKernel(kernelId types.KernelId, mutate func(*KernelRecord)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, kernel := range r.kernels {
		if kernel.Id == kernelId {
			mutate(kernel)
			return true
		}
	}
	return false
}

// Kernels returns deep copies of the session's kernel records.
func (r *SessionRecord) Kernels() []*KernelRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kernels := make([]*KernelRecord, 0, len(r.kernels))
	for _, kernel := range r.kernels {
		kernels = append(kernels, kernel.Clone())
	}
	return kernels
}

// KernelsByAgent groups the session's kernels by their assigned agent.
// Unplaced kernels are grouped under the empty id.
func (r *SessionRecord) KernelsByAgent() map[types.AgentId][]*KernelRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	grouped := make(map[types.AgentId][]*KernelRecord)
	for _, kernel := range r.kernels {
		grouped[kernel.AgentId] = append(grouped[kernel.AgentId], kernel.Clone())
	}
	return grouped
}

// AllKernels reports whether every kernel is in the given status.
func (r *SessionRecord) AllKernels(status types.KernelStatus) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, kernel := range r.kernels {
		if kernel.Status != status {
			return false
		}
	}
	return len(r.kernels) > 0
}

// AllKernelsTerminal reports whether every kernel reached a terminal status.
func (r *SessionRecord) AllKernelsTerminal() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, kernel := range r.kernels {
		if !kernel.Status.Terminal() {
			return false
		}
	}
	return len(r.kernels) > 0
}

// Attempt returns the session's scheduling status data, deep-copied.
func (r *SessionRecord) Attempt() *domain.SchedulingAttempt {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.attempt.Clone()
}

// Retries returns how many scheduling attempts have failed so far.
func (r *SessionRecord) Retries() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.attempt == nil {
		return 0
	}
	return r.attempt.Retries
}

// RecordAttempt replaces the session's scheduling status data, carrying the
// retry counter forward.
func (r *SessionRecord) RecordAttempt(attempt *domain.SchedulingAttempt) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.attempt != nil {
		attempt.Retries = r.attempt.Retries + 1
	} else {
		attempt.Retries = 1
	}
	attempt.LastTry = time.Now()
	r.attempt = attempt
}

// ClearAttempt drops the status data after a successful placement.
func (r *SessionRecord) ClearAttempt() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempt = nil
}

// Snapshot deep-copies the record.
func (r *SessionRecord) Snapshot() *SessionSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snapshot := &SessionSnapshot{
		Id:                r.id,
		CreationId:        r.creationId,
		Spec:              r.spec,
		ScalingGroup:      r.scalingGroup,
		Requested:         r.requested.Clone(),
		Status:            r.status,
		StatusHistory:     append(types.StatusHistory(nil), r.statusHistory...),
		Reason:            r.reason,
		SchedulingAttempt: r.attempt.Clone(),
		EnqueuedAt:        r.enqueuedAt,
	}

	snapshot.Kernels = make([]*KernelRecord, 0, len(r.kernels))
	for _, kernel := range r.kernels {
		snapshot.Kernels = append(snapshot.Kernels, kernel.Clone())
	}

	if !r.scheduledAt.IsZero() {
		scheduledAt := r.scheduledAt
		snapshot.ScheduledAt = &scheduledAt
	}
	if !r.startedAt.IsZero() {
		startedAt := r.startedAt
		snapshot.StartedAt = &startedAt
	}
	if !r.terminatedAt.IsZero() {
		terminatedAt := r.terminatedAt
		snapshot.TerminatedAt = &terminatedAt
	}

	return snapshot
}

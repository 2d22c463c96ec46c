package events

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/scusemua/distributed-cluster/common/types"
)

// EventName identifies one kind of cluster event on the wire. The do_* events
// are imperatives consumed by exactly one component instance; the remainder
// are broadcast notifications of something that already happened.
type EventName string

const (
	// DoSchedule wakes the scheduler to run a scheduling pass.
	DoSchedule EventName = "do_schedule"
	// DoPrepare wakes the session preparer to start pulling and creating
	// kernels for newly scheduled sessions.
	DoPrepare EventName = "do_prepare"
	// DoIdleCheck wakes the idle-timeout checkers.
	DoIdleCheck EventName = "do_idle_check"
	// DoTerminateSession asks the gateway to destroy a session.
	DoTerminateSession EventName = "do_terminate_session"

	AgentStarted    EventName = "agent_started"
	AgentTerminated EventName = "agent_terminated"
	AgentError      EventName = "agent_error"
	AgentHeartbeat  EventName = "agent_heartbeat"

	KernelEnqueued    EventName = "kernel_enqueued"
	KernelPreparing   EventName = "kernel_preparing"
	KernelPulling     EventName = "kernel_pulling"
	KernelCreating    EventName = "kernel_creating"
	KernelStarted     EventName = "kernel_started"
	KernelCancelled   EventName = "kernel_cancelled"
	KernelTerminating EventName = "kernel_terminating"
	KernelTerminated  EventName = "kernel_terminated"

	SessionEnqueued   EventName = "session_enqueued"
	SessionScheduled  EventName = "session_scheduled"
	SessionPreparing  EventName = "session_preparing"
	SessionStarted    EventName = "session_started"
	SessionCancelled  EventName = "session_cancelled"
	SessionTerminated EventName = "session_terminated"

	ExecutionTimeout EventName = "execution_timeout"
)

func (n EventName) String() string {
	return string(n)
}

// ClusterEvent is the single wire shape for every event. Fields that do not
// apply to a given event kind are simply left zero.
type ClusterEvent struct {
	Timestamp time.Time       `json:"timestamp"`
	Name      EventName       `json:"name"`
	SourceId  string          `json:"source_id"`
	AgentId   types.AgentId   `json:"agent_id,omitempty"`
	SessionId types.SessionId `json:"session_id,omitempty"`
	KernelId  types.KernelId  `json:"kernel_id,omitempty"`

	// Reason carries the human-readable cause of lifecycle transitions,
	// e.g. "agent-lost" or "user-requested".
	Reason string `json:"reason,omitempty"`

	// CreationId correlates session lifecycle events back to the original
	// enqueue request.
	CreationId string `json:"creation_id,omitempty"`

	// Payload carries the event-specific body, e.g. the AgentInfo snapshot
	// of a heartbeat. Use SetPayload/DecodePayload.
	Payload json.RawMessage `json:"payload,omitempty"`

	TimestampUnixMillis int64 `json:"timestamp_unix_millis"`
}

// SetPayload attaches an event-specific body.
func (e *ClusterEvent) SetPayload(v interface{}) error {
	encoded, err := json.Marshal(v)
	if err != nil {
		return err
	}
	e.Payload = encoded
	return nil
}

// DecodePayload unmarshals the event-specific body into the given value.
func (e *ClusterEvent) DecodePayload(into interface{}) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("event \"%s\" carries no payload", e.Name)
	}
	return json.Unmarshal(e.Payload, into)
}

func (e *ClusterEvent) String() string {
	return fmt.Sprintf("ClusterEvent[Name: %s, SourceId: %s, AgentId: %s, SessionId: %s, KernelId: %s, Reason: %s]",
		e.Name, e.SourceId, e.AgentId, e.SessionId, e.KernelId, e.Reason)
}

func newEvent(name EventName) *ClusterEvent {
	now := time.Now()
	return &ClusterEvent{
		Name:                name,
		Timestamp:           now,
		TimestampUnixMillis: now.UnixMilli(),
	}
}

// NewDoScheduleEvent creates the imperative that triggers a scheduling pass.
func NewDoScheduleEvent() *ClusterEvent {
	return newEvent(DoSchedule)
}

// NewDoPrepareEvent creates the imperative that triggers session preparation.
func NewDoPrepareEvent() *ClusterEvent {
	return newEvent(DoPrepare)
}

// NewDoIdleCheckEvent creates the imperative that triggers the idle checkers.
func NewDoIdleCheckEvent() *ClusterEvent {
	return newEvent(DoIdleCheck)
}

// NewDoTerminateSessionEvent asks the gateway to destroy the given session.
func NewDoTerminateSessionEvent(sessionId types.SessionId, reason string) *ClusterEvent {
	event := newEvent(DoTerminateSession)
	event.SessionId = sessionId
	event.Reason = reason
	return event
}

// NewAgentEvent creates one of the agent_* notifications.
func NewAgentEvent(name EventName, agentId types.AgentId, reason string) *ClusterEvent {
	event := newEvent(name)
	event.AgentId = agentId
	event.Reason = reason
	return event
}

// NewAgentHeartbeatEvent wraps the agent's capacity snapshot.
func NewAgentHeartbeatEvent(info *types.AgentInfo) (*ClusterEvent, error) {
	event := newEvent(AgentHeartbeat)
	event.AgentId = info.Id
	if err := event.SetPayload(info); err != nil {
		return nil, err
	}
	return event, nil
}

// NewKernelEvent creates one of the kernel_* lifecycle notifications.
func NewKernelEvent(name EventName, kernelId types.KernelId, sessionId types.SessionId, reason string) *ClusterEvent {
	event := newEvent(name)
	event.KernelId = kernelId
	event.SessionId = sessionId
	event.Reason = reason
	return event
}

// NewSessionEvent creates one of the session_* lifecycle notifications.
func NewSessionEvent(name EventName, sessionId types.SessionId, creationId string, reason string) *ClusterEvent {
	event := newEvent(name)
	event.SessionId = sessionId
	event.CreationId = creationId
	event.Reason = reason
	return event
}

// NewExecutionTimeoutEvent creates the notification broadcast when a
// session's run exceeded its allowed lifetime.
func NewExecutionTimeoutEvent(sessionId types.SessionId, reason string) *ClusterEvent {
	event := newEvent(ExecutionTimeout)
	event.SessionId = sessionId
	event.Reason = reason
	return event
}

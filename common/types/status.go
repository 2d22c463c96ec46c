package types

import (
	"time"
)

// AgentStatus is the manager-side view of an agent node's liveness.
type AgentStatus string

const (
	// AgentAlive means heartbeats are arriving within the timeout.
	AgentAlive AgentStatus = "ALIVE"
	// AgentLost means heartbeats stopped; the agent may come back and be
	// revived with its id intact.
	AgentLost AgentStatus = "LOST"
	// AgentRestarting is set while an agent announced a controlled restart.
	AgentRestarting AgentStatus = "RESTARTING"
	// AgentTerminated means the agent shut down deliberately.
	AgentTerminated AgentStatus = "TERMINATED"
)

// Dead reports whether the status counts as out-of-service.
func (s AgentStatus) Dead() bool {
	return s == AgentLost || s == AgentTerminated
}

// LifecycleStatus is the state of a session or kernel from enqueue to
// teardown. Sessions and kernels share the same state vocabulary; a
// session's status is derived from its kernels'.
type LifecycleStatus string

// SessionStatus and KernelStatus name the same state space; the aliases keep
// call sites readable when a status flows from a kernel up to its session.
type (
	SessionStatus = LifecycleStatus
	KernelStatus  = LifecycleStatus
)

const (
	StatusPending     LifecycleStatus = "PENDING"
	StatusScheduled   LifecycleStatus = "SCHEDULED"
	StatusPreparing   LifecycleStatus = "PREPARING"
	StatusPulling     LifecycleStatus = "PULLING"
	StatusRunning     LifecycleStatus = "RUNNING"
	StatusRestarting  LifecycleStatus = "RESTARTING"
	StatusTerminating LifecycleStatus = "TERMINATING"
	StatusTerminated  LifecycleStatus = "TERMINATED"
	StatusCancelled   LifecycleStatus = "CANCELLED"
	StatusError       LifecycleStatus = "ERROR"
)

// lifecycleTransitions lists the permitted next states. Terminal states have
// no entry and absorb every transition attempt.
var lifecycleTransitions = map[LifecycleStatus][]LifecycleStatus{
	StatusPending:     {StatusScheduled, StatusCancelled, StatusError},
	StatusScheduled:   {StatusPreparing, StatusCancelled, StatusTerminating, StatusTerminated, StatusError},
	StatusPreparing:   {StatusPulling, StatusRunning, StatusCancelled, StatusTerminating, StatusTerminated, StatusError},
	StatusPulling:     {StatusPreparing, StatusRunning, StatusCancelled, StatusTerminating, StatusTerminated, StatusError},
	StatusRunning:     {StatusRestarting, StatusTerminating, StatusTerminated, StatusError},
	StatusRestarting:  {StatusRunning, StatusTerminating, StatusTerminated, StatusError},
	StatusTerminating: {StatusTerminated, StatusError},
}

// Terminal reports whether the status can never change again.
func (s LifecycleStatus) Terminal() bool {
	switch s {
	case StatusTerminated, StatusCancelled, StatusError:
		return true
	}
	return false
}

// Active reports whether the session/kernel occupies resources on an agent:
// it has been placed and has not finished tearing down.
func (s LifecycleStatus) Active() bool {
	switch s {
	case StatusScheduled, StatusPreparing, StatusPulling, StatusRunning, StatusRestarting, StatusTerminating:
		return true
	}
	return false
}

// Transitable reports whether moving from s to next is legal.
func Transitable(s, next LifecycleStatus) bool {
	for _, allowed := range lifecycleTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// StatusTransition is one entry of a status history.
type StatusTransition struct {
	Status LifecycleStatus `json:"status"`
	At     time.Time       `json:"at"`
}

// StatusHistory accumulates every status a session or kernel passed through,
// in order, with UTC timestamps.
type StatusHistory []StatusTransition

// Append records a transition at the given time (normalized to UTC).
func (h StatusHistory) Append(status LifecycleStatus, at time.Time) StatusHistory {
	return append(h, StatusTransition{Status: status, At: at.UTC()})
}

// Last returns the most recent transition, or a zero value when empty.
func (h StatusHistory) Last() StatusTransition {
	if len(h) == 0 {
		return StatusTransition{}
	}
	return h[len(h)-1]
}

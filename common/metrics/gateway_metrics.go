package metrics

import (
	"fmt"
	"net/http"

	"github.com/Scusemua/go-utils/config"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/scusemua/distributed-cluster/common/types"
)

// AgentNodeProvider exposes the set of registered agent nodes to the metrics
// layer, so Grafana dashboards can enumerate them.
type AgentNodeProvider interface {
	// GetAgentIds returns the IDs of the currently-registered agent nodes.
	GetAgentIds() []types.AgentId

	// GetId returns the node ID of the entity providing the agent nodes.
	GetId() string
}

// SchedulerMetricsProvider provides access to scheduling-related Prometheus metrics.
type SchedulerMetricsProvider interface {
	GetSessionScheduleLatencyHistogram() prometheus.Histogram
	GetSchedulerCycleLatencyHistogram() prometheus.Histogram
	GetAgentSelectionLatencyHistogram() *prometheus.HistogramVec
	GetPredicateFailuresCounter() *prometheus.CounterVec
}

// GatewayPrometheusManager is responsible for registering metrics with Prometheus and serving them via HTTP.
// This is to be used by the Cluster Gateway. Agents use the AgentPrometheusManager struct.
type GatewayPrometheusManager struct {
	*basePrometheusManager

	agentNodeProvider AgentNodeProvider

	/////////////////////////
	// Scheduling metrics  //
	/////////////////////////

	// SessionScheduleLatencyHistogram records the latency, in milliseconds, between a session being
	// enqueued for scheduling and its kernels being observed running on an agent.
	SessionScheduleLatencyHistogram prometheus.Histogram

	// SchedulerCycleLatencyMicrosecondsHistogram records the latency of a single scheduling pass over
	// the pending queue.
	SchedulerCycleLatencyMicrosecondsHistogram prometheus.Histogram

	// AgentSelectionLatencyMicrosecondsHistogramVec tracks the latency of each attempt to select an
	// agent for a pending session. The "successful" label distinguishes attempts that found a
	// candidate from attempts that found none.
	AgentSelectionLatencyMicrosecondsHistogramVec *prometheus.HistogramVec

	// PredicateFailuresCounterVec counts, per predicate, how often a pending session was held back
	// by that predicate.
	PredicateFailuresCounterVec *prometheus.CounterVec

	// NumPendingSessionsGauge is the current length of the pending-session queue.
	NumPendingSessionsGauge prometheus.Gauge

	//////////////////////////////
	// Agent liveness metrics   //
	//////////////////////////////

	// ConnectedAgentsGauge is the number of agents currently considered alive.
	ConnectedAgentsGauge prometheus.Gauge

	// HeartbeatsReceivedCounter counts every agent heartbeat the gateway has processed.
	HeartbeatsReceivedCounter prometheus.Counter

	// AgentsLostCounter counts the number of times an agent was declared lost after missing its
	// heartbeat window.
	AgentsLostCounter prometheus.Counter
}

func NewGatewayPrometheusManager(port int, agentNodeProvider AgentNodeProvider) *GatewayPrometheusManager {
	baseManager := newBasePrometheusManager(port, agentNodeProvider.GetId())
	config.InitLogger(&baseManager.log, baseManager)

	manager := &GatewayPrometheusManager{
		basePrometheusManager: baseManager,
		agentNodeProvider:     agentNodeProvider,
	}
	baseManager.instance = manager
	baseManager.initializeInstanceMetrics = manager.initMetrics

	return manager
}

func (m *GatewayPrometheusManager) initMetrics() error {
	m.SessionScheduleLatencyHistogram = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "session_schedule_latency_milliseconds",
		Help:      "The latency between a session being enqueued for scheduling and its kernels running on an agent.",
		Buckets: []float64{10, 1e3, 2e3, 3e3, 4e3, 5e3, 6e3, 7e3, 8e3, 9e3, 1e4, 1.5e4, 2e4, 3e4, 4.5e4, 6e4, 9e4,
			1.2e5, 1.8e5, 2.4e5, 3e5},
	})

	m.SchedulerCycleLatencyMicrosecondsHistogram = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "scheduler_cycle_latency_microseconds",
		Help:      "The latency of a single scheduling pass over the pending-session queue.",
		Buckets: []float64{1, 10, 50, 100, 250, 500, 750, 1e3, 2e3, 3e3, 4e3, 5e3, 1e4, 2.5e4, 5e4, 1e5, 2.5e5, 5e5,
			1e6, 5e6, 10e6, 30e6, 60e6},
	})

	m.AgentSelectionLatencyMicrosecondsHistogramVec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "agent_selection_latency_microseconds",
		Help:      "The latency, in microseconds, of selecting a candidate agent for a pending session.",
		Buckets: []float64{1, 10, 50, 100, 250, 500, 750, 1e3, 2e3, 3e3, 4e3, 5e3, 6e3, 7e3, 8e3, 9e3, 1e4, 1.5e4, 2e4,
			3e4, 4.5e4, 6e4, 9e4, 1.2e5, 1.8e5, 2.4e5, 5e5, 7.5e5, 1.0e6},
	}, []string{"successful"})

	m.PredicateFailuresCounterVec = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "predicate_failures_total",
		Help:      "The number of times a pending session was held back by a scheduling predicate.",
	}, []string{"predicate"})

	m.NumPendingSessionsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "pending_sessions",
		Help:      "The current length of the pending-session queue.",
	})

	m.ConnectedAgentsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "connected_agents",
		Help:      "The number of agents currently considered alive.",
	})

	m.HeartbeatsReceivedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "heartbeats_received_total",
		Help:      "The total number of agent heartbeats processed by the gateway.",
	})

	m.AgentsLostCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "agents_lost_total",
		Help:      "The number of times an agent was declared lost after missing its heartbeat window.",
	})

	if err := prometheus.Register(m.SessionScheduleLatencyHistogram); err != nil {
		m.log.Error("Failed to register 'Session Schedule Latency' metric because: %v", err)
		return err
	}

	if err := prometheus.Register(m.SchedulerCycleLatencyMicrosecondsHistogram); err != nil {
		m.log.Error("Failed to register 'Scheduler Cycle Latency' metric because: %v", err)
		return err
	}

	if err := prometheus.Register(m.AgentSelectionLatencyMicrosecondsHistogramVec); err != nil {
		m.log.Error("Failed to register 'Agent Selection Latency' metric because: %v", err)
		return err
	}

	if err := prometheus.Register(m.PredicateFailuresCounterVec); err != nil {
		m.log.Error("Failed to register 'Predicate Failures' metric because: %v", err)
		return err
	}

	if err := prometheus.Register(m.NumPendingSessionsGauge); err != nil {
		m.log.Error("Failed to register 'Num Pending Sessions' metric because: %v", err)
		return err
	}

	if err := prometheus.Register(m.ConnectedAgentsGauge); err != nil {
		m.log.Error("Failed to register 'Connected Agents' metric because: %v", err)
		return err
	}

	if err := prometheus.Register(m.HeartbeatsReceivedCounter); err != nil {
		m.log.Error("Failed to register 'Heartbeats Received' metric because: %v", err)
		return err
	}

	if err := prometheus.Register(m.AgentsLostCounter); err != nil {
		m.log.Error("Failed to register 'Agents Lost' metric because: %v", err)
		return err
	}

	m.metricsInitialized = true
	return nil
}

// HandleVariablesRequest handles query requests from Grafana for variables that are required to create Dashboards.
func (m *GatewayPrometheusManager) HandleVariablesRequest(c *gin.Context) {
	variable := c.Param("variable_name")
	m.log.Debug("Received query for variable: \"%s\"", variable)

	response := make(map[string]interface{})
	switch variable {
	case "num_nodes":
		agentIds := m.agentNodeProvider.GetAgentIds()
		response["num_nodes"] = len(agentIds)
		m.log.Debug("Returning number of nodes: %d", len(agentIds))
	case "agent_ids":
		agentIds := m.agentNodeProvider.GetAgentIds()
		response["agent_ids"] = agentIds
		m.log.Debug("Returning agent IDs: %v", agentIds)
	default:
		m.log.Error("Received variable query for unknown variable \"%s\".", variable)
		_ = c.AbortWithError(http.StatusBadRequest, fmt.Errorf("unknown or unsupported variable: \"%s\"", variable))
		return
	}

	c.JSON(http.StatusOK, response)
}

func (m *GatewayPrometheusManager) GetSessionScheduleLatencyHistogram() prometheus.Histogram {
	return m.SessionScheduleLatencyHistogram
}

func (m *GatewayPrometheusManager) GetSchedulerCycleLatencyHistogram() prometheus.Histogram {
	return m.SchedulerCycleLatencyMicrosecondsHistogram
}

func (m *GatewayPrometheusManager) GetAgentSelectionLatencyHistogram() *prometheus.HistogramVec {
	return m.AgentSelectionLatencyMicrosecondsHistogramVec
}

func (m *GatewayPrometheusManager) GetPredicateFailuresCounter() *prometheus.CounterVec {
	return m.PredicateFailuresCounterVec
}

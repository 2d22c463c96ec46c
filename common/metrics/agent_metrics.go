package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// AgentPrometheusManager is responsible for registering metrics with Prometheus and serving them via HTTP.
// This is to be used by Agents. The Cluster Gateway uses the GatewayPrometheusManager struct.
type AgentPrometheusManager struct {
	*basePrometheusManager

	// ContainerCreationLatencyHistogramVec records the latencies of creating kernel containers on
	// this node. The units of the observations are milliseconds.
	ContainerCreationLatencyHistogramVec *prometheus.HistogramVec

	// AllocatedResourceGaugeVec tracks the amount of each resource slot currently committed to
	// running kernels on this node.
	AllocatedResourceGaugeVec *prometheus.GaugeVec

	// HeartbeatsSentCounter counts every heartbeat this agent has published.
	HeartbeatsSentCounter prometheus.Counter
}

// NewAgentPrometheusManager creates a new AgentPrometheusManager struct and returns a pointer to it.
func NewAgentPrometheusManager(port int, nodeId string) *AgentPrometheusManager {
	baseManager := newBasePrometheusManager(port, nodeId)
	config.InitLogger(&baseManager.log, baseManager)

	manager := &AgentPrometheusManager{
		basePrometheusManager: baseManager,
	}
	baseManager.instance = manager
	baseManager.initializeInstanceMetrics = manager.initMetrics

	return manager
}

// AddContainerCreationLatencyObservation records the latency of a container-creation event.
//
// If the manager has not initialized its metrics yet, ErrMetricsNotInitialized is returned.
func (m *AgentPrometheusManager) AddContainerCreationLatencyObservation(latency time.Duration, nodeId string) error {
	if !m.metricsInitialized {
		m.log.Warn("Cannot record container-creation latency observation as metrics have not yet been initialized...")
		return ErrMetricsNotInitialized
	}

	m.ContainerCreationLatencyHistogramVec.With(prometheus.Labels{
		"node_id": nodeId,
	}).Observe(float64(latency.Milliseconds()))

	return nil
}

// SetAllocatedResource publishes the amount of the named resource slot currently committed to
// running kernels on this node.
func (m *AgentPrometheusManager) SetAllocatedResource(slotName string, amount float64) error {
	if !m.metricsInitialized {
		return ErrMetricsNotInitialized
	}

	m.AllocatedResourceGaugeVec.With(prometheus.Labels{
		"node_id":   m.nodeId,
		"slot_type": slotName,
	}).Set(amount)

	return nil
}

// HeartbeatSent records that this agent published a heartbeat.
func (m *AgentPrometheusManager) HeartbeatSent() error {
	if !m.metricsInitialized {
		return ErrMetricsNotInitialized
	}

	m.HeartbeatsSentCounter.Inc()
	return nil
}

// HandleVariablesRequest handles query requests from Grafana for variables that are required to create Dashboards.
func (m *AgentPrometheusManager) HandleVariablesRequest(c *gin.Context) {
	m.log.Error("AgentPrometheusManager is not supposed to receive 'variables' requests.")

	_ = c.AbortWithError(http.StatusNotFound, fmt.Errorf("agent nodes cannot serve 'variables' requests"))
}

func (m *AgentPrometheusManager) initMetrics() error {
	m.ContainerCreationLatencyHistogramVec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "container_creation_latency_milliseconds",
		Help:      "The latency, in milliseconds, of creating kernel containers on this node.",
		Buckets: []float64{250, 500, 1000, 2500, 5000, 7500, 10000, 12500, 15000, 17500, 20000, 30000, 45000, 60000,
			90000, 120000, 180000, 240000, 300000, 450000, 600000, 900000},
	}, []string{"node_id"})

	m.AllocatedResourceGaugeVec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "allocated_resource_slots",
		Help:      "The amount of each resource slot currently committed to running kernels on this node.",
	}, []string{"node_id", "slot_type"})

	m.HeartbeatsSentCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "heartbeats_sent_total",
		Help:      "The total number of heartbeats published by this agent.",
	})

	if err := prometheus.Register(m.ContainerCreationLatencyHistogramVec); err != nil {
		m.log.Error("Failed to register 'Container Creation Latency' metric because: %v", err)
		return err
	}

	if err := prometheus.Register(m.AllocatedResourceGaugeVec); err != nil {
		m.log.Error("Failed to register 'Allocated Resource Slots' metric because: %v", err)
		return err
	}

	if err := prometheus.Register(m.HeartbeatsSentCounter); err != nil {
		m.log.Error("Failed to register 'Heartbeats Sent' metric because: %v", err)
		return err
	}

	m.metricsInitialized = true
	return nil
}

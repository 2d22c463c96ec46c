package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/gin-gonic/contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/scusemua/distributed-cluster/common/utils"
)

const (
	ClusterGateway  NodeType = "cluster_gateway"
	AgentDaemon     NodeType = "agent_daemon"
	KernelContainer NodeType = "kernel_container"

	metricsNamespace = "distributed_cluster"
)

var (
	ErrManagerAlreadyRunning = errors.New("prometheus manager is already running")
	ErrManagerNotRunning     = errors.New("prometheus manager is not running")
	ErrMetricsNotInitialized = errors.New("metrics have not been initialized yet")
)

// NodeType indicates whether a node is the Cluster Gateway ("cluster_gateway"),
// an Agent ("agent_daemon"), or a kernel container ("kernel_container").
type NodeType string

func (t NodeType) String() string {
	return string(t)
}

// variablesHandler is an internal interface implemented by the per-node-type
// managers. It answers Grafana's dashboard-variable queries, which only some
// node types can serve.
type variablesHandler interface {
	HandleVariablesRequest(*gin.Context)
}

// basePrometheusManager contains the common state and infrastructure required
// by both the GatewayPrometheusManager and the AgentPrometheusManager.
type basePrometheusManager struct {
	log logger.Logger

	instance variablesHandler

	prometheusHandler http.Handler
	engine            *gin.Engine
	httpServer        *http.Server

	// initializeInstanceMetrics is assigned by "child" structs in their
	// "constructors" to initialize the instance's own metrics.
	initializeInstanceMetrics func() error

	// NumActiveKernelsGaugeVec tracks how many kernels are currently live on
	// a particular node.
	NumActiveKernelsGaugeVec *prometheus.GaugeVec

	// TotalNumKernelsCounterVec tracks the total number of kernels ever
	// created. Kernels that have stopped running are still counted.
	TotalNumKernelsCounterVec *prometheus.CounterVec

	///////////////////////
	// Transport metrics //
	///////////////////////

	// RequestLatencyMicrosecondsVec is the end-to-end latency, in
	// microseconds, of RPC calls issued by this node, measured from send to
	// the arrival of the matching reply.
	RequestLatencyMicrosecondsVec *prometheus.HistogramVec

	// AckLatencyMicrosecondsVec is a histogram of the amount of time that
	// passes before an ACK is received for an outbound request.
	AckLatencyMicrosecondsVec *prometheus.HistogramVec

	// NumSendsBeforeAckReceivedVec tracks how many times a given request was
	// sent before an ACK arrived for it.
	NumSendsBeforeAckReceivedVec *prometheus.HistogramVec

	// NumFailedSendsCounterVec counts requests that were never acknowledged
	// by the target recipient, thus constituting a "failed send".
	NumFailedSendsCounterVec *prometheus.CounterVec

	// RpcMessagesSentCounterVec counts every message put on the wire,
	// including resubmissions.
	RpcMessagesSentCounterVec *prometheus.CounterVec

	nodeId string

	port int
	mu   sync.Mutex

	// serving indicates whether the manager has been started and is serving requests.
	serving            bool
	metricsInitialized bool
}

// newBasePrometheusManager creates a new basePrometheusManager and returns a pointer to it.
func newBasePrometheusManager(port int, nodeId string) *basePrometheusManager {
	manager := &basePrometheusManager{
		port:              port,
		prometheusHandler: promhttp.Handler(),
		nodeId:            nodeId,
		serving:           false,
	}
	config.InitLogger(&manager.log, manager)
	return manager
}

func (m *basePrometheusManager) String() string {
	return fmt.Sprintf("PrometheusManager[%s]", m.nodeId)
}

// isRunningUnsafe returns true if the manager has been started and is serving
// metrics. It does not acquire the mutex and is for file-internal use only.
func (m *basePrometheusManager) isRunningUnsafe() bool {
	return m.serving
}

// IsRunning returns true if the manager has been started and is serving metrics.
func (m *basePrometheusManager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.isRunningUnsafe()
}

// NodeId returns the node ID associated with the metrics manager.
func (m *basePrometheusManager) NodeId() string {
	return m.nodeId
}

// Start registers metrics with Prometheus and begins serving them via HTTP.
func (m *basePrometheusManager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.serving {
		m.log.Warn("Prometheus manager for node %s is already running.", m.nodeId)
		return ErrManagerAlreadyRunning
	}

	m.serving = true
	if !m.metricsInitialized {
		if err := m.initializeMetrics(); err != nil {
			return err
		}
	}
	m.initializeHttpServer()

	return nil
}

// Stop instructs the manager to shut down its HTTP server.
func (m *basePrometheusManager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.isRunningUnsafe() /* we already have the lock */ {
		m.log.Warn("Prometheus manager for node %s is not running.", m.nodeId)
		return ErrManagerNotRunning
	}

	m.serving = false
	if m.httpServer == nil {
		return nil
	}
	if err := m.httpServer.Shutdown(context.Background()); err != nil {
		m.log.Error("Failed to cleanly shutdown the HTTP server: %v", err)
		return err
	}

	return nil
}

// HandleRequest handles Prometheus HTTP requests (when Prometheus is scraping for metrics).
func (m *basePrometheusManager) HandleRequest(c *gin.Context) {
	m.prometheusHandler.ServeHTTP(c.Writer, c.Request)
}

func (m *basePrometheusManager) initializeHttpServer() {
	if m.port <= 0 {
		m.log.Debug("Prometheus port is set to %d. Not serving HTTP server.", m.port)
		return
	}

	m.engine = gin.New()
	m.engine.Use(gin.Recovery())
	m.engine.Use(cors.Default())

	m.engine.GET("/variables/:variable_name", m.HandleVariablesRequest)
	m.engine.GET("/metrics", m.HandleRequest)

	address := fmt.Sprintf("0.0.0.0:%d", m.port)
	m.httpServer = &http.Server{
		Addr:    address,
		Handler: m.engine,
	}

	go func() {
		m.log.Debug("Serving Prometheus metrics at %s", address)
		if err := m.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.log.Error(utils.RedStyle.Render("HTTP Server failed to listen on '%s'. Error: %v"), address, err)
			panic(err)
		}
	}()
}

// HandleVariablesRequest handles query requests from Grafana for variables
// that are required to create dashboards.
func (m *basePrometheusManager) HandleVariablesRequest(c *gin.Context) {
	m.instance.HandleVariablesRequest(c)
}

func (m *basePrometheusManager) initializeMetrics() error {
	if m.initializeInstanceMetrics == nil {
		panic("Base Prometheus manager's `initializeInstanceMetrics` field cannot be nil when initializing metrics.")
	}

	// Kernel lifecycle metrics.

	m.NumActiveKernelsGaugeVec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "active_kernels",
		Help:      "Number of actively-running kernels",
	}, []string{"node_type", "node_id"})
	m.TotalNumKernelsCounterVec = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "kernels_total",
		Help:      "Total number of kernels to have ever been scheduled/created",
	}, []string{"node_type", "node_id"})

	// Create/define transport metrics.

	m.RequestLatencyMicrosecondsVec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "request_latency_microseconds",
		Help:      "End-to-end latency in microseconds of RPC calls, measured from the time the request is sent to the time at which the matching reply is received.",
		Buckets:   []float64{500, 5000, 10e3, 25e3, 50e3, 100e3, 250e3, 500e3, 1e6, 5e6, 30e6, 60e6, 300e6},
	}, []string{"node_id", "node_type", "method"})

	m.AckLatencyMicrosecondsVec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "ack_received_latency_microseconds",
		Help:      "The amount of time that passes before an acknowledgement is received from the recipient of a request.",
		Buckets:   []float64{100, 500, 1000, 2500, 5000, 10e3, 25e3, 50e3, 100e3, 250e3, 500e3, 1e6, 5e6, 30e6, 60e6, 300e6},
	}, []string{"node_id", "node_type", "method"})

	m.NumSendsBeforeAckReceivedVec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "num_resends_required",
		Help:      "The number of times a request had to be sent before an acknowledgement was received.",
		Buckets:   []float64{0, 1, 2, 3, 4, 5},
	}, []string{"node_id", "node_type", "method"})

	m.NumFailedSendsCounterVec = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "num_failed_sends_total",
		Help:      "The number of requests that were never acknowledged by the target recipient, thus constituting a \"failed send\".",
	}, []string{"node_id", "node_type", "method"})

	m.RpcMessagesSentCounterVec = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "messages_sent_total",
		Help:      "The number of times a message was put on the wire, including resubmissions.",
	}, []string{"node_id", "node_type", "method"})

	// Register transport metrics.

	if err := prometheus.Register(m.RequestLatencyMicrosecondsVec); err != nil {
		m.log.Error("Failed to register 'Request Latency' metric because: %v", err)
		return err
	}

	if err := prometheus.Register(m.AckLatencyMicrosecondsVec); err != nil {
		m.log.Error("Failed to register 'Ack Latency Microseconds' metric because: %v", err)
		return err
	}

	if err := prometheus.Register(m.NumSendsBeforeAckReceivedVec); err != nil {
		m.log.Error("Failed to register 'Num Sends Before Ack Received' metric because: %v", err)
		return err
	}

	if err := prometheus.Register(m.NumFailedSendsCounterVec); err != nil {
		m.log.Error("Failed to register 'Num Failed Sends' metric because: %v", err)
		return err
	}

	if err := prometheus.Register(m.RpcMessagesSentCounterVec); err != nil {
		m.log.Error("Failed to register 'Messages Sent' metric because: %v", err)
		return err
	}

	// Register kernel lifecycle metrics.

	if err := prometheus.Register(m.NumActiveKernelsGaugeVec); err != nil {
		m.log.Error("Failed to register 'Number of Active Kernels' metric because: %v", err)
		return err
	}

	if err := prometheus.Register(m.TotalNumKernelsCounterVec); err != nil {
		m.log.Error("Failed to register 'Total Number of Kernels' metric because: %v", err)
		return err
	}

	return m.initializeInstanceMetrics()
}

////////////////////////////////////////////////
// Transport metrics interface implementation //
////////////////////////////////////////////////

// AddRequestLatencyObservation records an observation of end-to-end latency
// for a single RPC call.
//
// If the manager has not initialized its metrics yet, ErrMetricsNotInitialized
// is returned.
func (m *basePrometheusManager) AddRequestLatencyObservation(latency time.Duration, nodeId string,
	nodeType NodeType, method string) error {

	if !m.metricsInitialized {
		m.log.Warn("Cannot record request E2E latency observation as metrics have not yet been initialized...")
		return ErrMetricsNotInitialized
	}

	m.RequestLatencyMicrosecondsVec.
		With(prometheus.Labels{
			"node_id":   nodeId,
			"node_type": nodeType.String(),
			"method":    method,
		}).Observe(float64(latency.Microseconds()))

	return nil
}

// AddAckReceivedLatency records an observation for the
// "ack_received_latency_microseconds" metric.
func (m *basePrometheusManager) AddAckReceivedLatency(latency time.Duration, nodeId string,
	nodeType NodeType, method string) error {

	if !m.metricsInitialized {
		m.log.Warn("Cannot record \"AckLatencyMicroseconds\" observation as metrics have not yet been initialized...")
		return ErrMetricsNotInitialized
	}

	m.AckLatencyMicrosecondsVec.
		With(prometheus.Labels{
			"node_id":   nodeId,
			"node_type": nodeType.String(),
			"method":    method,
		}).Observe(float64(latency.Microseconds()))

	return nil
}

// AddNumSendAttemptsRequiredObservation records how many times a request had
// to be (re)sent before an ACK was received from the recipient.
func (m *basePrometheusManager) AddNumSendAttemptsRequiredObservation(sendsRequired float64, nodeId string,
	nodeType NodeType, method string) error {

	if !m.metricsInitialized {
		m.log.Warn("Cannot record \"NumSendAttemptsRequired\" observation as metrics have not yet been initialized...")
		return ErrMetricsNotInitialized
	}

	m.NumSendsBeforeAckReceivedVec.
		With(prometheus.Labels{
			"node_id":   nodeId,
			"node_type": nodeType.String(),
			"method":    method,
		}).Observe(sendsRequired)

	return nil
}

// AddFailedSendAttempt records that a request was never acknowledged by the
// target recipient.
func (m *basePrometheusManager) AddFailedSendAttempt(nodeId string, nodeType NodeType, method string) error {
	if !m.metricsInitialized {
		m.log.Warn("Cannot record \"NumFailedSends\" observation as metrics have not yet been initialized...")
		return ErrMetricsNotInitialized
	}

	m.NumFailedSendsCounterVec.
		With(prometheus.Labels{
			"node_id":   nodeId,
			"node_type": nodeType.String(),
			"method":    method,
		}).Inc()

	return nil
}

// SentMessage records that a message was put on the wire, including cases
// where the message was a resubmission.
func (m *basePrometheusManager) SentMessage(nodeId string, nodeType NodeType, method string) error {
	if !m.metricsInitialized {
		m.log.Warn("Cannot record \"RpcMessagesSent\" observation as metrics have not yet been initialized...")
		return ErrMetricsNotInitialized
	}

	m.RpcMessagesSentCounterVec.
		With(prometheus.Labels{
			"node_id":   nodeId,
			"node_type": nodeType.String(),
			"method":    method,
		}).Inc()

	return nil
}

// KernelStarted records that a kernel began running on the given node.
func (m *basePrometheusManager) KernelStarted(nodeId string, nodeType NodeType) error {
	if !m.metricsInitialized {
		return ErrMetricsNotInitialized
	}

	labels := prometheus.Labels{"node_id": nodeId, "node_type": nodeType.String()}
	m.NumActiveKernelsGaugeVec.With(labels).Inc()
	m.TotalNumKernelsCounterVec.With(labels).Inc()

	return nil
}

// KernelStopped records that a kernel on the given node stopped running.
func (m *basePrometheusManager) KernelStopped(nodeId string, nodeType NodeType) error {
	if !m.metricsInitialized {
		return ErrMetricsNotInitialized
	}

	m.NumActiveKernelsGaugeVec.
		With(prometheus.Labels{"node_id": nodeId, "node_type": nodeType.String()}).Dec()

	return nil
}

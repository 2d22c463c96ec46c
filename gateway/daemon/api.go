package daemon

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/gin-gonic/contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/opentracing-contrib/go-stdlib/nethttp"
	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/scusemua/distributed-cluster/common/types"
	"github.com/scusemua/distributed-cluster/common/utils/hashmap"
	"github.com/scusemua/distributed-cluster/gateway/domain"
)

// agentWatchInterval is how often the agent watch endpoint pushes snapshots.
const agentWatchInterval = 2 * time.Second

// apiProblem is the JSON body of every API error response.
type apiProblem struct {
	Title string `json:"title"`
	Type  string `json:"type"`
}

func problem(c *gin.Context, status int, title string) {
	c.AbortWithStatusJSON(status, &apiProblem{
		Title: title,
		Type:  http.StatusText(status),
	})
}

// ApiServer is the gateway's REST and websocket surface.
type ApiServer struct {
	gateway *ClusterGateway

	engine   *gin.Engine
	server   *http.Server
	listener net.Listener
	port     int

	// limiters holds one token bucket per client address.
	limiters *hashmap.CornelkMap[string, *rate.Limiter]

	log logger.Logger
}

func NewApiServer(gateway *ClusterGateway) *ApiServer {
	api := &ApiServer{
		gateway:  gateway,
		limiters: hashmap.NewCornelkMap[string, *rate.Limiter](64),
	}
	config.InitLogger(&api.log, api)

	gin.SetMode(gin.ReleaseMode)
	api.engine = gin.New()
	api.engine.Use(gin.Recovery(), api.rateLimit(), cors.Default())
	api.registerRoutes()

	api.server = &http.Server{
		Handler: nethttp.Middleware(opentracing.GlobalTracer(), api.engine),
	}
	return api
}

func (s *ApiServer) String() string {
	return "ApiServer"
}

func (s *ApiServer) registerRoutes() {
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/events", gin.WrapH(s.gateway.feed))

	v1 := s.engine.Group("/api/v1")
	{
		v1.POST("/sessions", s.handleCreateSession)
		v1.GET("/sessions", s.handleListSessions)
		v1.GET("/sessions/:id", s.handleGetSession)
		v1.DELETE("/sessions/:id", s.handleDestroySession)
		v1.POST("/sessions/:id/restart", s.handleRestartSession)
		v1.GET("/sessions/:id/logs", s.handleSessionLogs)
		v1.GET("/sessions/:id/apps/:port", s.handleSessionApp)

		v1.GET("/agents", s.handleListAgents)
		v1.GET("/agents/:id", s.handleGetAgent)
		v1.GET("/agents/:id/watch", s.handleWatchAgent)
		v1.PUT("/agents/:id/schedulable", s.handleSetSchedulable)

		v1.GET("/capacity", s.handleCapacity)

		if s.gateway.metrics != nil {
			v1.GET("/variables/:variable_name", s.gateway.metrics.HandleVariablesRequest)
		}
	}
}

// rateLimit is a per-client token bucket. Clients beyond their budget get
// 429 instead of queueing.
func (s *ApiServer) rateLimit() gin.HandlerFunc {
	limit := rate.Limit(s.gateway.opts.ApiRateLimit)
	burst := s.gateway.opts.ApiRateBurst

	return func(c *gin.Context) {
		limiter, _ := s.limiters.LoadOrStore(c.ClientIP(), rate.NewLimiter(limit, burst))
		if !limiter.Allow() {
			problem(c, http.StatusTooManyRequests, "request rate exceeded")
			return
		}
		c.Next()
	}
}

// Listen binds the API port. A port of zero binds an ephemeral one.
func (s *ApiServer) Listen(port int) error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return err
	}
	s.listener = listener
	s.port = listener.Addr().(*net.TCPAddr).Port
	return nil
}

// Port returns the bound API port. Valid after Listen.
func (s *ApiServer) Port() int {
	return s.port
}

// Serve blocks serving HTTP until Close.
func (s *ApiServer) Serve() {
	if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Error("API server failed: %v", err)
	}
}

// Close shuts the API server down, draining in-flight requests briefly.
func (s *ApiServer) Close() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *ApiServer) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"gateway":  s.gateway.Id(),
		"version":  Version,
		"agents":   len(s.gateway.agents.GetAgentIds()),
		"sessions": len(s.gateway.sessions.Snapshots()),
	})
}

func (s *ApiServer) handleCreateSession(c *gin.Context) {
	spec := &domain.SessionSpec{}
	if err := c.ShouldBindJSON(spec); err != nil {
		problem(c, http.StatusBadRequest, fmt.Sprintf("malformed session spec: %v", err))
		return
	}

	snapshot, err := s.gateway.EnqueueSession(c.Request.Context(), spec)
	if err != nil {
		if errors.Is(err, domain.ErrSessionAlreadyExists) {
			problem(c, http.StatusConflict, err.Error())
			return
		}
		problem(c, http.StatusBadRequest, err.Error())
		return
	}
	c.JSON(http.StatusCreated, snapshot)
}

func (s *ApiServer) handleListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, s.gateway.sessions.Snapshots())
}

func (s *ApiServer) handleGetSession(c *gin.Context) {
	snapshot, err := s.gateway.sessions.Snapshot(types.SessionId(c.Param("id")))
	if err != nil {
		problem(c, http.StatusNotFound, err.Error())
		return
	}
	s.gateway.TouchSession(c.Request.Context(), snapshot.Id)
	c.JSON(http.StatusOK, snapshot)
}

func (s *ApiServer) handleDestroySession(c *gin.Context) {
	force, _ := strconv.ParseBool(c.Query("force"))

	err := s.gateway.DestroySession(c.Request.Context(), types.SessionId(c.Param("id")), ReasonUserRequested, force)
	if err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			problem(c, http.StatusNotFound, err.Error())
			return
		}
		problem(c, http.StatusBadGateway, err.Error())
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *ApiServer) handleRestartSession(c *gin.Context) {
	sessionId := types.SessionId(c.Param("id"))

	if err := s.gateway.RestartSession(c.Request.Context(), sessionId); err != nil {
		switch {
		case errors.Is(err, domain.ErrSessionNotFound):
			problem(c, http.StatusNotFound, err.Error())
		case errors.Is(err, domain.ErrSessionNotRestartable):
			problem(c, http.StatusConflict, err.Error())
		default:
			problem(c, http.StatusBadGateway, err.Error())
		}
		return
	}

	snapshot, _ := s.gateway.sessions.Snapshot(sessionId)
	c.JSON(http.StatusOK, snapshot)
}

// handleSessionLogs fetches the container logs of one kernel, defaulting to
// the session's main kernel.
func (s *ApiServer) handleSessionLogs(c *gin.Context) {
	record, err := s.gateway.sessions.Get(types.SessionId(c.Param("id")))
	if err != nil {
		problem(c, http.StatusNotFound, err.Error())
		return
	}

	kernelId := types.KernelId(c.Query("kernel"))
	var agentId types.AgentId
	for _, kernel := range record.Kernels() {
		if (kernelId == "" && kernel.ClusterIdx == 0) || kernel.Id == kernelId {
			kernelId = kernel.Id
			agentId = kernel.AgentId
			break
		}
	}
	if kernelId == "" || agentId == "" {
		problem(c, http.StatusNotFound, "no placed kernel matches the request")
		return
	}

	client, err := s.gateway.agents.Client(c.Request.Context(), agentId)
	if err != nil {
		problem(c, http.StatusBadGateway, err.Error())
		return
	}

	callCtx, cancel := context.WithTimeout(c.Request.Context(), s.gateway.opts.RpcCallTimeout())
	defer cancel()

	logs, err := client.GetLogs(callCtx, kernelId)
	if err != nil {
		problem(c, http.StatusBadGateway, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"kernel_id": kernelId, "logs": logs})
}

// handleSessionApp bridges a websocket to one service port of the session's
// main kernel through the agent tunnel.
func (s *ApiServer) handleSessionApp(c *gin.Context) {
	record, err := s.gateway.sessions.Get(types.SessionId(c.Param("id")))
	if err != nil {
		problem(c, http.StatusNotFound, err.Error())
		return
	}
	port, err := strconv.Atoi(c.Param("port"))
	if err != nil || port <= 0 || port > 65535 {
		problem(c, http.StatusBadRequest, "invalid service port")
		return
	}

	var kernelId types.KernelId
	var agentId types.AgentId
	for _, kernel := range record.Kernels() {
		if kernel.ClusterIdx == 0 {
			kernelId = kernel.Id
			agentId = kernel.AgentId
			break
		}
	}
	if agentId == "" {
		problem(c, http.StatusConflict, "session has no placed main kernel")
		return
	}

	upstream, err := s.gateway.tunnels.ProxyDial(c.Request.Context(), agentId, kernelId, port)
	if err != nil {
		problem(c, http.StatusBadGateway, err.Error())
		return
	}

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		_ = upstream.Close()
		return
	}

	s.gateway.TouchSession(c.Request.Context(), record.Id())
	downstream := websocket.NetConn(c.Request.Context(), conn, websocket.MessageBinary)
	bridge(downstream, upstream)
}

// bridge copies bytes both ways until either side closes.
func bridge(a, b io.ReadWriteCloser) {
	done := make(chan struct{}, 2)
	copyOne := func(dst io.WriteCloser, src io.Reader) {
		_, _ = io.Copy(dst, src)
		_ = dst.Close()
		done <- struct{}{}
	}
	go copyOne(a, b)
	go copyOne(b, a)
	<-done
	<-done
}

func (s *ApiServer) handleListAgents(c *gin.Context) {
	c.JSON(http.StatusOK, s.gateway.agents.Snapshots())
}

func (s *ApiServer) handleGetAgent(c *gin.Context) {
	snapshot, err := s.gateway.agents.Snapshot(types.AgentId(c.Param("id")))
	if err != nil {
		problem(c, http.StatusNotFound, err.Error())
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

// handleWatchAgent streams agent snapshots over a websocket until the client
// disconnects or the agent disappears.
func (s *ApiServer) handleWatchAgent(c *gin.Context) {
	agentId := types.AgentId(c.Param("id"))
	if _, err := s.gateway.agents.Snapshot(agentId); err != nil {
		problem(c, http.StatusNotFound, err.Error())
		return
	}

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "watch closed")

	ticker := time.NewTicker(agentWatchInterval)
	defer ticker.Stop()

	for {
		snapshot, err := s.gateway.agents.Snapshot(agentId)
		if err != nil {
			conn.Close(websocket.StatusNormalClosure, "agent removed")
			return
		}
		if err := wsjson.Write(c.Request.Context(), conn, snapshot); err != nil {
			return
		}

		select {
		case <-c.Request.Context().Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-ticker.C:
		}
	}
}

type schedulableRequest struct {
	Schedulable bool `json:"schedulable"`
}

// handleSetSchedulable drains or undrains one agent without touching its
// kernels.
func (s *ApiServer) handleSetSchedulable(c *gin.Context) {
	request := &schedulableRequest{}
	if err := c.ShouldBindJSON(request); err != nil {
		problem(c, http.StatusBadRequest, fmt.Sprintf("malformed request: %v", err))
		return
	}

	agentId := types.AgentId(c.Param("id"))
	if err := s.gateway.agents.SetSchedulable(agentId, request.Schedulable); err != nil {
		problem(c, http.StatusNotFound, err.Error())
		return
	}

	snapshot, _ := s.gateway.agents.Snapshot(agentId)
	c.JSON(http.StatusOK, snapshot)
}

// handleCapacity reports the cluster's total and occupied resource slots
// over every ALIVE agent, optionally scoped to one scaling group.
func (s *ApiServer) handleCapacity(c *gin.Context) {
	group := c.Query("scaling_group")

	capacity := s.gateway.agents.TotalCapacity(group)
	occupied := s.gateway.agents.TotalOccupied(group)

	response := gin.H{
		"capacity": capacity.ToJSON(),
		"occupied": occupied.ToJSON(),
		"agents":   len(s.gateway.agents.AliveAgents(group)),
	}
	if slotTypes, err := s.gateway.shared.ResourceSlotTypes(c.Request.Context()); err == nil {
		response["capacity_humanized"] = capacity.ToHumanized(slotTypes)
	}
	c.JSON(http.StatusOK, response)
}

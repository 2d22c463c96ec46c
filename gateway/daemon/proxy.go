package daemon

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/hashicorp/yamux"
	"github.com/pkg/errors"

	"github.com/scusemua/distributed-cluster/common/rpc"
	"github.com/scusemua/distributed-cluster/common/types"
)

var ErrNoTunnel = errors.New("agent has no tunnel session")

// noDeadline clears a stream deadline after the connect header went out.
var noDeadline time.Time

// TunnelServer accepts the long-lived connections agents dial at the
// provisioner port and multiplexes app-proxy streams over them with yamux.
// Each accepted connection begins with one JSON hello line identifying the
// agent; the gateway side then acts as the yamux client so it can open
// streams toward the agent on demand.
type TunnelServer struct {
	port     int
	listener net.Listener

	sessions sync.Map // types.AgentId -> *yamux.Session

	closed int32

	log logger.Logger
}

func NewTunnelServer(port int) *TunnelServer {
	server := &TunnelServer{port: port}
	config.InitLogger(&server.log, server)
	return server
}

func (s *TunnelServer) String() string {
	return fmt.Sprintf("TunnelServer[:%d]", s.port)
}

// Listen binds the provisioner port. A configured port of zero binds an
// ephemeral one; read it back with Port.
func (s *TunnelServer) Listen() error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return err
	}
	s.listener = listener
	s.port = listener.Addr().(*net.TCPAddr).Port
	return nil
}

// Port returns the bound provisioner port. Valid after Listen.
func (s *TunnelServer) Port() int {
	return s.port
}

// Serve accepts agent tunnel connections until Close.
func (s *TunnelServer) Serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if atomic.LoadInt32(&s.closed) == 1 {
				return
			}
			s.log.Error("Tunnel accept failed: %v", err)
			return
		}
		go s.adopt(conn)
	}
}

// adopt reads the hello line and installs the yamux session, replacing any
// previous session of the same agent (reconnects after an agent restart).
func (s *TunnelServer) adopt(conn net.Conn) {
	hello := &rpc.TunnelHello{}
	if err := rpc.ReadTunnelLineRaw(conn, hello); err != nil {
		s.log.Warn("Dropping a tunnel connection from %s with a bad hello: %v", conn.RemoteAddr(), err)
		_ = conn.Close()
		return
	}
	if hello.AgentId == "" {
		s.log.Warn("Dropping a tunnel connection from %s with an empty agent id.", conn.RemoteAddr())
		_ = conn.Close()
		return
	}

	session, err := yamux.Client(conn, nil)
	if err != nil {
		s.log.Error("Cannot start the yamux session of agent \"%s\": %v", hello.AgentId, err)
		_ = conn.Close()
		return
	}

	if previous, ok := s.sessions.Swap(hello.AgentId, session); ok {
		s.log.Info("Agent \"%s\" reconnected its tunnel from %s; dropping the old session.",
			hello.AgentId, conn.RemoteAddr())
		_ = previous.(*yamux.Session).Close()
	} else {
		s.log.Info("Agent \"%s\" connected its tunnel from %s.", hello.AgentId, conn.RemoteAddr())
	}
}

// Connected reports whether the agent currently has a live tunnel session.
func (s *TunnelServer) Connected(agentId types.AgentId) bool {
	value, ok := s.sessions.Load(agentId)
	return ok && !value.(*yamux.Session).IsClosed()
}

// ProxyDial opens one stream to the given service port of a kernel's
// container, via the owning agent's tunnel. The returned connection carries
// application bytes only; the connect header has already been written.
func (s *TunnelServer) ProxyDial(ctx context.Context, agentId types.AgentId,
	kernelId types.KernelId, port int) (net.Conn, error) {

	value, ok := s.sessions.Load(agentId)
	if !ok {
		return nil, errors.Wrapf(ErrNoTunnel, "agent \"%s\"", agentId)
	}
	session := value.(*yamux.Session)
	if session.IsClosed() {
		s.sessions.CompareAndDelete(agentId, value)
		return nil, errors.Wrapf(ErrNoTunnel, "agent \"%s\" (session closed)", agentId)
	}

	stream, err := session.Open()
	if err != nil {
		return nil, errors.Wrapf(err, "opening a tunnel stream to agent \"%s\"", agentId)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetDeadline(deadline)
	}

	connect := &rpc.TunnelConnect{KernelId: kernelId, Port: port}
	if err := rpc.WriteTunnelLine(stream, connect); err != nil {
		_ = stream.Close()
		return nil, err
	}

	_ = stream.SetDeadline(noDeadline)
	return stream, nil
}

// Drop closes the tunnel session of one agent, e.g. when it is marked lost.
func (s *TunnelServer) Drop(agentId types.AgentId) {
	if value, ok := s.sessions.LoadAndDelete(agentId); ok {
		_ = value.(*yamux.Session).Close()
	}
}

// Close stops accepting tunnels and closes every session.
func (s *TunnelServer) Close() error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil
	}

	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	s.sessions.Range(func(key, value interface{}) bool {
		_ = value.(*yamux.Session).Close()
		s.sessions.Delete(key)
		return true
	})
	return err
}

package daemon

import (
	"bufio"
	"context"
	"io"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/hashicorp/yamux"
	"github.com/pkg/errors"

	"github.com/scusemua/distributed-cluster/common/rpc"
	"github.com/scusemua/distributed-cluster/common/types"
)

const (
	// tunnelDialTimeout bounds each attempt to reach the gateway's proxy
	// listener.
	tunnelDialTimeout = 10 * time.Second

	// tunnelRetryMin and tunnelRetryMax bound the reconnect backoff.
	tunnelRetryMin = time.Second
	tunnelRetryMax = 30 * time.Second
)

var ErrKernelNotReachable = errors.New("kernel has no reachable address")

// TunnelClient keeps one multiplexed connection from the agent to the
// gateway's proxy listener. The agent dials out, so app traffic reaches
// kernels even when the agent sits behind NAT. Each stream the gateway opens
// carries a connect header naming a kernel and a service port; the client
// bridges the stream to the kernel's container.
type TunnelClient struct {
	daemon *AgentDaemon

	// addr is the configured proxy address. Empty means discover it from
	// the gateway's shared-configuration announcement on every attempt.
	addr string

	closed int32
	done   chan struct{}

	log logger.Logger
}

func NewTunnelClient(daemon *AgentDaemon, addr string) *TunnelClient {
	client := &TunnelClient{
		daemon: daemon,
		addr:   addr,
		done:   make(chan struct{}),
	}
	config.InitLogger(&client.log, client)
	return client
}

func (t *TunnelClient) String() string {
	return "TunnelClient"
}

// Run dials the gateway and serves tunnel streams until Close, reconnecting
// with exponential backoff whenever the session drops.
func (t *TunnelClient) Run(ctx context.Context) {
	backoff := tunnelRetryMin
	for {
		if atomic.LoadInt32(&t.closed) == 1 {
			return
		}

		session, err := t.connect(ctx)
		if err != nil {
			t.log.Warn("Cannot reach the gateway tunnel: %v. Retrying in %v.", err, backoff)
			select {
			case <-ctx.Done():
				return
			case <-t.done:
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > tunnelRetryMax {
				backoff = tunnelRetryMax
			}
			continue
		}

		backoff = tunnelRetryMin
		t.serve(ctx, session)
	}
}

// connect resolves the proxy address, writes the hello line, and starts the
// yamux session with the gateway as the stream opener.
func (t *TunnelClient) connect(ctx context.Context) (*yamux.Session, error) {
	addr, err := t.resolveAddr(ctx)
	if err != nil {
		return nil, err
	}

	dialer := &net.Dialer{Timeout: tunnelDialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dialing the gateway tunnel at %s", addr)
	}

	hello := &rpc.TunnelHello{AgentId: t.daemon.Id(), Version: Version}
	if err := rpc.WriteTunnelLine(conn, hello); err != nil {
		_ = conn.Close()
		return nil, err
	}

	session, err := yamux.Server(conn, nil)
	if err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "starting the tunnel session")
	}

	t.log.Info("Tunnel to the gateway at %s established.", addr)
	return session, nil
}

func (t *TunnelClient) resolveAddr(ctx context.Context) (string, error) {
	if t.addr != "" {
		return t.addr, nil
	}

	node, found, err := t.daemon.shared.GatewayNode(ctx)
	if err != nil {
		return "", errors.Wrap(err, "looking up the gateway node")
	}
	if !found || node.ProxyAddr == "" {
		return "", errors.New("no gateway proxy address announced yet")
	}
	return node.ProxyAddr, nil
}

func (t *TunnelClient) serve(ctx context.Context, session *yamux.Session) {
	defer session.Close()

	// Unblock Accept when the daemon shuts down mid-session.
	go func() {
		select {
		case <-ctx.Done():
		case <-t.done:
		case <-session.CloseChan():
		}
		_ = session.Close()
	}()

	for {
		stream, err := session.Accept()
		if err != nil {
			if atomic.LoadInt32(&t.closed) == 0 && ctx.Err() == nil {
				t.log.Warn("Tunnel session lost: %v. Reconnecting.", err)
			}
			return
		}
		go t.serveStream(stream)
	}
}

// serveStream reads the connect header and bridges the rest of the stream to
// the kernel's container.
func (t *TunnelClient) serveStream(stream net.Conn) {
	reader := bufio.NewReader(stream)

	connect := &rpc.TunnelConnect{}
	if err := rpc.ReadTunnelLine(reader, connect); err != nil {
		t.log.Warn("Dropping a tunnel stream with a bad connect header: %v", err)
		_ = stream.Close()
		return
	}

	target, err := t.kernelTarget(connect.KernelId, connect.Port)
	if err != nil {
		t.log.Warn("Cannot bridge a tunnel stream to kernel \"%s\" port %d: %v",
			connect.KernelId, connect.Port, err)
		_ = stream.Close()
		return
	}

	upstream, err := net.DialTimeout("tcp", target, tunnelDialTimeout)
	if err != nil {
		t.log.Warn("Cannot dial kernel \"%s\" at %s: %v", connect.KernelId, target, err)
		_ = stream.Close()
		return
	}

	// The reader may have buffered bytes past the connect header; drain it
	// into the kernel before switching to plain copies.
	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(upstream, reader)
		_ = upstream.Close()
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(stream, upstream)
		_ = stream.Close()
		done <- struct{}{}
	}()
	<-done
	<-done
}

// kernelTarget resolves the dial address of one service port of a running
// kernel. The port must be one the kernel actually exposes.
func (t *TunnelClient) kernelTarget(kernelId types.KernelId, port int) (string, error) {
	record, ok := t.daemon.registry.Get(kernelId)
	if !ok {
		return "", ErrKernelNotFound
	}
	if record.Status != types.StatusRunning || record.Addr == "" {
		return "", ErrKernelNotReachable
	}

	for _, pair := range record.ServicePorts {
		if pair.Port == port {
			return net.JoinHostPort(pair.Host, strconv.Itoa(port)), nil
		}
	}
	return "", errors.Errorf("kernel does not expose port %d", port)
}

// Close stops the reconnect loop and tears down any live session.
func (t *TunnelClient) Close() error {
	if atomic.CompareAndSwapInt32(&t.closed, 0, 1) {
		close(t.done)
	}
	return nil
}

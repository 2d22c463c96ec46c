package rpc

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/go-zeromq/zmq4"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/scusemua/distributed-cluster/common/configuration"
	"github.com/scusemua/distributed-cluster/common/types"
	"github.com/scusemua/distributed-cluster/common/utils/hashmap"
)

const (
	// DefaultRequestTimeout bounds how long Call waits for a reply when the
	// caller's context has no earlier deadline.
	DefaultRequestTimeout = time.Minute

	// DefaultAckTimeout is how long a send waits for the server's receipt
	// before resending.
	DefaultAckTimeout = 5 * time.Second
)

type pendingCall struct {
	request   *Message
	replyChan chan *Message
}

// Client is one DEALER peer dialed at a server's ROUTER socket. Replies are
// correlated to outstanding calls by message id; when acks are enabled,
// unacknowledged sends are retried up to the configured attempt count.
type Client struct {
	ctx    context.Context
	id     string
	addr   string
	socket *Socket

	pending hashmap.HashMap[string, *pendingCall]
	acks    hashmap.HashMap[string, chan struct{}]

	key               []byte
	acksEnabled       bool
	numResendAttempts int
	requestTimeout    time.Duration
	ackTimeout        time.Duration
	closed            int32

	log logger.Logger
}

// NewClient dials addr and starts the receive loop.
func NewClient(ctx context.Context, id string, addr string, opts *configuration.CommonOptions) (*Client, error) {
	client := &Client{
		ctx:               ctx,
		id:                id,
		addr:              addr,
		pending:           hashmap.NewCornelkMap[string, *pendingCall](16),
		acks:              hashmap.NewSyncMap[string, chan struct{}](),
		key:               []byte(opts.AuthKey),
		acksEnabled:       opts.MessageAcknowledgementsEnabled,
		numResendAttempts: opts.NumResendAttempts,
		requestTimeout:    DefaultRequestTimeout,
		ackTimeout:        DefaultAckTimeout,
	}
	client.socket = &Socket{
		Socket: zmq4.NewDealer(ctx, zmq4.WithID(zmq4.SocketIdentity(id))),
		Role:   DealerSocket,
		Name:   fmt.Sprintf("RPC-Dealer[%s]", id),
	}
	config.InitLogger(&client.log, client)

	if err := client.socket.Dial(addr); err != nil {
		return nil, errors.Wrapf(err, "cannot dial %s", addr)
	}
	go client.serve()
	return client, nil
}

func (c *Client) String() string {
	return fmt.Sprintf("RpcClient[%s -> %s]", c.id, c.addr)
}

// Addr returns the endpoint this client dialed.
func (c *Client) Addr() string {
	return c.addr
}

// Call sends a request and blocks until its reply, the context's
// cancellation, or the request timeout. A non-nil reply target receives the
// decoded reply body.
func (c *Client) Call(ctx context.Context, method string, payload interface{}, reply interface{}) error {
	if atomic.LoadInt32(&c.closed) == 1 {
		return errors.Wrapf(ErrClientClosed, "%s to %s", method, c.addr)
	}

	request, err := NewRequest(method, payload)
	if err != nil {
		return err
	}

	call := &pendingCall{request: request, replyChan: make(chan *Message, 1)}
	c.pending.Store(request.Header.MessageId, call)
	defer c.pending.Delete(request.Header.MessageId)

	if err = c.send(ctx, request); err != nil {
		return err
	}

	timeout := time.NewTimer(c.requestTimeout)
	defer timeout.Stop()

	select {
	case response := <-call.replyChan:
		if err = response.ReplyError(); err != nil {
			return err
		}
		if reply == nil {
			return nil
		}
		return response.DecodeBody(reply)
	case <-ctx.Done():
		return ctx.Err()
	case <-timeout.C:
		return errors.Wrapf(ErrRequestTimedOut, "%s to %s after %v", method, c.addr, c.requestTimeout)
	}
}

// send transmits the request, resending until the server's ACK arrives when
// acks are enabled.
func (c *Client) send(ctx context.Context, request *Message) error {
	frames, err := request.Frames(c.key)
	if err != nil {
		return err
	}
	message := zmq4.NewMsgFrom(frames...)

	if !c.acksEnabled {
		return errors.Wrapf(c.socket.Send(message), "cannot send %s", request)
	}

	requestId := request.Header.MessageId
	ackChan, _ := c.acks.LoadOrStore(requestId, make(chan struct{}, 1))
	defer c.acks.Delete(requestId)

	var sendErr error
	for attempt := 0; attempt <= c.numResendAttempts; attempt++ {
		if attempt > 0 {
			c.log.Warn("No ACK for %s within %v; resending (attempt %d/%d).",
				request, c.ackTimeout, attempt, c.numResendAttempts)
		}
		if sendErr = c.socket.Send(message); sendErr != nil {
			continue
		}

		select {
		case <-ackChan:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.ackTimeout):
		}
	}

	if sendErr != nil {
		return errors.Wrapf(sendErr, "cannot send %s", request)
	}
	return errors.Wrapf(ErrNoAck, "%s after %d attempts", request, c.numResendAttempts+1)
}

func (c *Client) serve() {
	for {
		received, err := c.socket.Recv()
		if err != nil {
			if atomic.LoadInt32(&c.closed) == 1 || c.ctx.Err() != nil {
				return
			}
			c.log.Error("Recv failed on %v: %v", c.socket, err)
			return
		}

		message, err := Parse(received.Frames, c.key)
		if err != nil {
			c.log.Warn("Discarding malformed message on %v: %v", c.socket, err)
			continue
		}

		if message.IsAck() {
			c.handleAck(message)
			continue
		}

		call, ok := c.pending.Load(message.Header.MessageId)
		if !ok {
			c.log.Warn("Dropping %s with no pending call.", message)
			continue
		}
		select {
		case call.replyChan <- message:
		default:
			// Duplicate reply after a resend; the first one won.
			c.log.Warn("Discarding duplicate reply %s.", message)
		}
	}
}

func (c *Client) handleAck(message *Message) {
	if ackChan, ok := c.acks.Load(message.Header.MessageId); ok {
		select {
		case ackChan <- struct{}{}:
		default:
		}
	}
}

// Close stops the receive loop and releases the socket. Outstanding calls
// fail with their own timeouts.
func (c *Client) Close() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}
	return c.socket.Close()
}

// Ping round-trips a nonce to verify the peer is responsive.
func (c *Client) Ping(ctx context.Context) (*PingReply, error) {
	request := &PingRequest{Nonce: uuid.NewString()}
	reply := &PingReply{}
	if err := c.Call(ctx, MethodPing, request, reply); err != nil {
		return nil, err
	}
	if reply.Nonce != request.Nonce {
		return nil, errors.Errorf("ping nonce mismatch: sent %s, got %s", request.Nonce, reply.Nonce)
	}
	return reply, nil
}

// CreateKernels asks the agent to start the given batch of kernels.
func (c *Client) CreateKernels(ctx context.Context, specs []*KernelCreationSpec) (*CreateKernelsReply, error) {
	reply := &CreateKernelsReply{}
	err := c.Call(ctx, MethodCreateKernels, &CreateKernelsRequest{Specs: specs}, reply)
	if err != nil {
		return nil, err
	}
	return reply, nil
}

// DestroyKernel tears one kernel down. Unknown kernels are not an error;
// the reply reports Found=false instead.
func (c *Client) DestroyKernel(ctx context.Context, kernelId types.KernelId, reason string, force bool) (*DestroyKernelReply, error) {
	reply := &DestroyKernelReply{}
	err := c.Call(ctx, MethodDestroyKernel, &DestroyKernelRequest{KernelId: kernelId, Reason: reason, Force: force}, reply)
	if err != nil {
		return nil, err
	}
	return reply, nil
}

// RestartKernel stops and recreates one kernel with its existing allocation.
func (c *Client) RestartKernel(ctx context.Context, kernelId types.KernelId) (*RestartKernelReply, error) {
	reply := &RestartKernelReply{}
	err := c.Call(ctx, MethodRestartKernel, &RestartKernelRequest{KernelId: kernelId}, reply)
	if err != nil {
		return nil, err
	}
	return reply, nil
}

// GetLogs fetches the current container logs of one kernel.
func (c *Client) GetLogs(ctx context.Context, kernelId types.KernelId) (string, error) {
	reply := &GetLogsReply{}
	if err := c.Call(ctx, MethodGetLogs, &GetLogsRequest{KernelId: kernelId}, reply); err != nil {
		return "", err
	}
	return reply.Logs, nil
}

// SyncKernelRegistry fetches the agent's kernel registry snapshot.
func (c *Client) SyncKernelRegistry(ctx context.Context) (*SyncKernelRegistryReply, error) {
	reply := &SyncKernelRegistryReply{}
	err := c.Call(ctx, MethodSyncKernelRegistry, &SyncKernelRegistryRequest{}, reply)
	if err != nil {
		return nil, err
	}
	return reply, nil
}

// ResetAgent destroys every kernel on the agent and clears its registry.
func (c *Client) ResetAgent(ctx context.Context) (*ResetAgentReply, error) {
	reply := &ResetAgentReply{}
	if err := c.Call(ctx, MethodResetAgent, &ResetAgentRequest{}, reply); err != nil {
		return nil, err
	}
	return reply, nil
}

// ShutdownAgent asks the agent to exit, optionally destroying its kernels
// first.
func (c *Client) ShutdownAgent(ctx context.Context, destroyKernels bool) error {
	return c.Call(ctx, MethodShutdownAgent, &ShutdownAgentRequest{DestroyKernels: destroyKernels}, nil)
}

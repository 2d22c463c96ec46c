package rpc

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/go-zeromq/zmq4"
	"github.com/pkg/errors"

	"github.com/scusemua/distributed-cluster/common/configuration"
	"github.com/scusemua/distributed-cluster/common/utils"
	"github.com/scusemua/distributed-cluster/common/utils/hashmap"
)

// HandlerFunc processes one decoded call and returns the reply payload.
// Returned errors cross the wire inside the reply body.
type HandlerFunc func(ctx context.Context, msg *Message) (interface{}, error)

// Server answers calls on a ROUTER socket. Each call is dispatched on its own
// goroutine; when acks are enabled, receipt is confirmed before the handler
// runs so callers stop resending. A call whose receipt was lost is delivered
// again on resend, so handlers must tolerate redelivery.
type Server struct {
	ctx         context.Context
	id          string
	socket      *Socket
	handlers    hashmap.HashMap[string, HandlerFunc]
	key         []byte
	acksEnabled bool
	closed      int32

	log logger.Logger
}

// NewServer prepares a ROUTER socket bound to the given port once Listen is
// called. Port 0 picks an ephemeral port.
func NewServer(ctx context.Context, id string, port int, opts *configuration.CommonOptions) *Server {
	server := &Server{
		ctx:         ctx,
		id:          id,
		handlers:    hashmap.NewCornelkMap[string, HandlerFunc](16),
		key:         []byte(opts.AuthKey),
		acksEnabled: opts.MessageAcknowledgementsEnabled,
	}
	server.socket = &Socket{
		Socket: zmq4.NewRouter(ctx, zmq4.WithID(zmq4.SocketIdentity(id))),
		Port:   port,
		Role:   RouterSocket,
		Name:   fmt.Sprintf("RPC-Router[%s]", id),
	}
	config.InitLogger(&server.log, server)
	return server
}

func (s *Server) String() string {
	return fmt.Sprintf("RpcServer[%s]", s.id)
}

// RegisterHandler binds a method name to its handler. Later registrations
// for the same method replace earlier ones.
func (s *Server) RegisterHandler(method string, handler HandlerFunc) {
	s.handlers.Store(method, handler)
}

// Listen binds the ROUTER socket and resolves the ephemeral port if one was
// requested.
func (s *Server) Listen() error {
	if err := s.socket.Listen(fmt.Sprintf("tcp://:%d", s.socket.Port)); err != nil {
		return errors.Wrapf(err, "cannot bind %v", s.socket)
	}
	s.socket.Port = s.socket.Addr().(*net.TCPAddr).Port
	s.log.Debug("Listening on %v.", s.socket)
	return nil
}

// Port returns the bound port. Valid after Listen.
func (s *Server) Port() int {
	return s.socket.Port
}

// Serve reads calls until the socket closes or the context is cancelled.
// It is a no-op when the server is already serving.
func (s *Server) Serve() {
	if !atomic.CompareAndSwapInt32(&s.socket.Serving, 0, 1) {
		return
	}

	for {
		received, err := s.socket.Recv()
		if err != nil {
			if atomic.LoadInt32(&s.closed) == 1 || s.ctx.Err() != nil {
				return
			}
			s.log.Error(utils.RedStyle.Render("Recv failed on %v: %v"), s.socket, err)
			return
		}

		request, err := Parse(received.Frames, s.key)
		if err != nil {
			s.log.Warn("Discarding malformed message on %v: %v", s.socket, err)
			continue
		}

		if s.acksEnabled {
			s.sendAck(request)
		}
		go s.dispatch(request)
	}
}

func (s *Server) sendAck(request *Message) {
	frames, err := NewAck(request).Frames(s.key)
	if err == nil {
		err = s.socket.Send(zmq4.NewMsgFrom(frames...))
	}
	if err != nil {
		s.log.Warn("Failed to ACK %s: %v", request, err)
	}
}

func (s *Server) dispatch(request *Message) {
	var reply *Message

	handler, ok := s.handlers.Load(request.Header.MessageType)
	if !ok {
		s.log.Warn("No handler registered for %s.", request)
		reply = NewErrorReply(request, errors.Wrap(ErrUnknownMethod, request.Header.MessageType))
	} else {
		payload, err := s.invoke(handler, request)
		if err != nil {
			reply = NewErrorReply(request, err)
		} else if reply, err = NewReply(request, payload); err != nil {
			s.log.Error(utils.RedStyle.Render("Cannot encode reply for %s: %v"), request, err)
			reply = NewErrorReply(request, err)
		}
	}

	frames, err := reply.Frames(s.key)
	if err == nil {
		err = s.socket.Send(zmq4.NewMsgFrom(frames...))
	}
	if err != nil {
		s.log.Error(utils.RedStyle.Render("Failed to send reply to %s: %v"), request, err)
	}
}

func (s *Server) invoke(handler HandlerFunc, request *Message) (payload interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error(utils.RedStyle.Render("Handler for %s panicked: %v"), request, r)
			err = errors.Errorf("handler panic: %v", r)
		}
	}()
	return handler(s.ctx, request)
}

// Close stops the serve loop and releases the socket.
func (s *Server) Close() error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil
	}
	return s.socket.Close()
}

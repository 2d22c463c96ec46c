package rpc

import (
	"fmt"

	"github.com/go-zeromq/zmq4"
)

const (
	RouterSocket SocketRole = iota
	DealerSocket
)

type SocketRole int

func (r SocketRole) String() string {
	return [...]string{"router", "dealer"}[r]
}

// Socket pairs a zmq socket with the bookkeeping the RPC layer needs.
type Socket struct {
	zmq4.Socket
	Port    int
	Role    SocketRole
	Serving int32
	Name    string // Mostly used for debugging.
}

func (s *Socket) String() string {
	return fmt.Sprintf("%s(%d)", s.Role, s.Port)
}

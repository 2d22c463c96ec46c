package consul

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	consul "github.com/hashicorp/consul/api"
)

const (
	// Environment variable naming the CIDR of the network dedicated to
	// cluster RPC traffic, for hosts with more than one interface.
	RpcNetworkEnv = "CLUSTER_RPC_NETWORK"

	healthCheckInterval   = 10 * time.Second
	healthCheckTimeout    = 3 * time.Second
	criticalDeregisterTtl = 5 * time.Minute
)

// NewClient returns a new Client with connection to consul
func NewClient(addr string) (*Client, error) {
	cfg := consul.DefaultConfig()
	cfg.Address = addr

	c, err := consul.NewClient(cfg)
	if err != nil {
		return nil, err
	}

	cli := &Client{Client: c}
	config.InitLogger(&cli.logger, "Consul ")

	return cli, nil
}

// Client provides an interface for communicating with the service registry
type Client struct {
	*consul.Client

	logger logger.Logger
}

// Look for the network device dedicated to cluster RPC traffic. The network
// CIDR may be specified in the CLUSTER_RPC_NETWORK environment variable.
// If not found, return the first non loopback IPv4 address.
func (c *Client) getLocalIP() (string, error) {
	var ipRpc string
	var ips []net.IP

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", err
	}
	for _, a := range addrs {
		if ipnet, ok := a.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
			if ipnet.IP.To4() != nil {
				ips = append(ips, ipnet.IP)
			}
		}
	}
	if len(ips) == 0 {
		return "", fmt.Errorf("registry: can not find local ip")
	} else if len(ips) > 1 {
		// by default, return the first network IP address found.
		ipRpc = ips[0].String()

		rpcNet := os.Getenv(RpcNetworkEnv)
		_, ipNetRpc, err := net.ParseCIDR(rpcNet)
		if err != nil {
			c.logger.Error("An invalid network CIDR is set in environment %s: %v", RpcNetworkEnv, rpcNet)
		} else {
			for _, ip := range ips {
				if ipNetRpc.Contains(ip) {
					ipRpc = ip.String()
					c.logger.Info("RPC traffic is routed to the dedicated network %s", ipRpc)
					break
				}
			}
		}
	} else {
		// only one network device existed
		ipRpc = ips[0].String()
	}

	return ipRpc, nil
}

// Register a service with the registry. The registration carries a TCP health
// check against the advertised port, so a crashed process falls out of the
// catalog without an explicit Deregister.
func (c *Client) Register(name string, id string, ip string, port int) error {
	if ip == "" {
		var err error
		ip, err = c.getLocalIP()
		if err != nil {
			return err
		}
	}
	reg := &consul.AgentServiceRegistration{
		ID:      id,
		Name:    name,
		Port:    port,
		Address: ip,
		Check: &consul.AgentServiceCheck{
			TCP:                            fmt.Sprintf("%s:%d", ip, port),
			Interval:                       healthCheckInterval.String(),
			Timeout:                        healthCheckTimeout.String(),
			DeregisterCriticalServiceAfter: criticalDeregisterTtl.String(),
		},
	}
	c.logger.Info("Trying to register service [ name: %s, id: %s, address: %s:%d ]", name, id, ip, port)
	return c.Agent().ServiceRegister(reg)
}

// Deregister removes the service address from the registry
func (c *Client) Deregister(id string) error {
	return c.Agent().ServiceDeregister(id)
}

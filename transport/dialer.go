package transport

import (
	"context"
	"fmt"
	"mini-overlay/loadbalance"
	"mini-overlay/registry"
	"net"
)

// StaticDialer always dials addr over TCP.
func StaticDialer(addr string) Dialer {
	var d net.Dialer
	return func(ctx context.Context, service string) (net.Conn, error) {
		return d.DialContext(ctx, "tcp", addr)
	}
}

// EdgeDialer discovers the edges hosting the requested service and dials the
// one picked by bal. A service with no registered edge fails with EHOSTUNREACH.
func EdgeDialer(reg registry.Registry, bal loadbalance.Balancer) Dialer {
	var d net.Dialer
	return func(ctx context.Context, service string) (net.Conn, error) {
		instances, err := reg.Discover(service)
		if err != nil {
			return nil, fmt.Errorf("discover edges for %s: %w", service, err)
		}
		inst, err := bal.Pick(instances)
		if err != nil {
			return nil, NewError(EHOSTUNREACH)
		}
		return d.DialContext(ctx, "tcp", inst.Addr)
	}
}

// Package registry is the directory behind the overlay: which edges are up
// (service instances) and which services are published with what client config
// (topology).
package registry

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a service has no published config.
var ErrNotFound = errors.New("registry: service not found")

// ServiceInstance is one reachable edge address.
type ServiceInstance struct {
	Addr    string
	Weight  int // Weight for load balancing
	Version string
}

// Registry tracks live edge instances.
type Registry interface {
	Register(serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(serviceName string, addr string) error
	Discover(serviceName string) ([]ServiceInstance, error)
	Watch(serviceName string) <-chan []ServiceInstance
}

// ServiceStatus is the availability reported for a published service.
type ServiceStatus int

const (
	StatusOK ServiceStatus = iota
	StatusUnavailable
)

func (s ServiceStatus) String() string {
	if s == StatusOK {
		return "ok"
	}
	return "unavailable"
}

// ServiceEvent reports that a service became available with Config, or went away.
type ServiceEvent struct {
	Name   string
	Status ServiceStatus
	Config []byte // raw client config, empty when unavailable
}

// Topology publishes service client configs and streams their changes.
type Topology interface {
	Publish(ctx context.Context, name string, config []byte) error
	Unpublish(ctx context.Context, name string) error
	// WatchServices emits one OK event per currently published service, then
	// every later change, until ctx is done.
	WatchServices(ctx context.Context) (<-chan ServiceEvent, error)
}

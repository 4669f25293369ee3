package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const (
	DefaultEdgePrefix    = "/mini-overlay/edges"
	DefaultServicePrefix = "/mini-overlay/services"
)

// EtcdOptions configures an EtcdRegistry.
type EtcdOptions struct {
	Endpoints     []string
	DialTimeout   time.Duration
	EdgePrefix    string
	ServicePrefix string
	Logger        zerolog.Logger
}

// EtcdRegistry implements Registry and Topology on etcd v3.
//
// etcd is used as the "distributed phonebook" of the overlay:
//
//	{EdgePrefix}/{ServiceName}/{Addr} → JSON-encoded ServiceInstance (leased)
//	{ServicePrefix}/{ServiceName}     → raw client config
//
// Edge registration uses TTL-based leases: if an edge crashes, the lease expires
// and the entry is automatically removed, so clients never dial ghost edges.
type EtcdRegistry struct {
	client        *clientv3.Client // thread-safe, shared across goroutines
	edgePrefix    string
	servicePrefix string
	log           zerolog.Logger
}

// NewEtcdRegistry connects to the given etcd endpoints with default prefixes.
func NewEtcdRegistry(endpoints []string) (*EtcdRegistry, error) {
	return NewEtcdRegistryWithOptions(EtcdOptions{Endpoints: endpoints})
}

// NewEtcdRegistryWithOptions connects to etcd.
func NewEtcdRegistryWithOptions(opts EtcdOptions) (*EtcdRegistry, error) {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.EdgePrefix == "" {
		opts.EdgePrefix = DefaultEdgePrefix
	}
	if opts.ServicePrefix == "" {
		opts.ServicePrefix = DefaultServicePrefix
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   opts.Endpoints,
		DialTimeout: opts.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("registry: connect etcd: %w", err)
	}
	return &EtcdRegistry{
		client:        c,
		edgePrefix:    strings.TrimSuffix(opts.EdgePrefix, "/"),
		servicePrefix: strings.TrimSuffix(opts.ServicePrefix, "/"),
		log:           opts.Logger,
	}, nil
}

// Close releases the etcd client.
func (r *EtcdRegistry) Close() error {
	return r.client.Close()
}

func (r *EtcdRegistry) edgeKey(serviceName, addr string) string {
	return r.edgePrefix + "/" + serviceName + "/" + addr
}

func (r *EtcdRegistry) serviceKey(name string) string {
	return r.servicePrefix + "/" + name
}

// Register adds an edge instance with a TTL lease and keeps the lease alive.
//
// leaseID is a local variable, NOT stored on the struct, so several edges may
// share one EtcdRegistry without racing.
func (r *EtcdRegistry) Register(serviceName string, instance ServiceInstance, ttl int64) error {
	ctx := context.TODO()

	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("registry: grant lease: %w", err)
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}

	_, err = r.client.Put(ctx, r.edgeKey(serviceName, instance.Addr), string(val), clientv3.WithLease(lease.ID))
	if err != nil {
		return fmt.Errorf("registry: put instance: %w", err)
	}

	ch, err := r.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return fmt.Errorf("registry: keepalive: %w", err)
	}

	// Drain KeepAlive responses so the channel never fills up.
	go func() {
		for range ch {
		}
		r.log.Debug().Str("service", serviceName).Str("addr", instance.Addr).Msg("edge lease keepalive stopped")
	}()
	return nil
}

// Deregister removes an edge instance. Called during graceful shutdown.
func (r *EtcdRegistry) Deregister(serviceName string, addr string) error {
	_, err := r.client.Delete(context.TODO(), r.edgeKey(serviceName, addr))
	return err
}

// Watch emits the full instance list whenever the edge set of serviceName changes.
func (r *EtcdRegistry) Watch(serviceName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)
	prefix := r.edgePrefix + "/" + serviceName + "/"

	go func() {
		defer close(ch)
		watchChan := r.client.Watch(context.TODO(), prefix, clientv3.WithPrefix())
		for range watchChan {
			// Re-fetch the full list rather than applying individual events.
			instances, err := r.Discover(serviceName)
			if err != nil {
				r.log.Warn().Err(err).Str("service", serviceName).Msg("rediscover edges failed")
				continue
			}
			ch <- instances
		}
	}()

	return ch
}

// Discover returns all currently registered instances for a service.
func (r *EtcdRegistry) Discover(serviceName string) ([]ServiceInstance, error) {
	prefix := r.edgePrefix + "/" + serviceName + "/"
	resp, err := r.client.Get(context.TODO(), prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	instances := make([]ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance ServiceInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			continue // Skip malformed entries
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// Publish stores the client config of a service; watchers see an OK event.
func (r *EtcdRegistry) Publish(ctx context.Context, name string, config []byte) error {
	if _, err := r.client.Put(ctx, r.serviceKey(name), string(config)); err != nil {
		return fmt.Errorf("registry: publish %s: %w", name, err)
	}
	return nil
}

// Unpublish deletes a service; watchers see an Unavailable event.
func (r *EtcdRegistry) Unpublish(ctx context.Context, name string) error {
	resp, err := r.client.Delete(ctx, r.serviceKey(name))
	if err != nil {
		return fmt.Errorf("registry: unpublish %s: %w", name, err)
	}
	if resp.Deleted == 0 {
		return ErrNotFound
	}
	return nil
}

// WatchServices snapshots the published services, then follows changes from the
// snapshot revision so nothing is missed between the two.
func (r *EtcdRegistry) WatchServices(ctx context.Context) (<-chan ServiceEvent, error) {
	prefix := r.servicePrefix + "/"
	resp, err := r.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("registry: list services: %w", err)
	}

	ch := make(chan ServiceEvent, len(resp.Kvs)+16)
	for _, kv := range resp.Kvs {
		ch <- ServiceEvent{
			Name:   strings.TrimPrefix(string(kv.Key), prefix),
			Status: StatusOK,
			Config: kv.Value,
		}
	}

	go func() {
		defer close(ch)
		wch := r.client.Watch(ctx, prefix, clientv3.WithPrefix(), clientv3.WithRev(resp.Header.Revision+1))
		for wresp := range wch {
			if err := wresp.Err(); err != nil {
				r.log.Error().Err(err).Msg("service watch failed")
				return
			}
			for _, ev := range wresp.Events {
				se := ServiceEvent{Name: strings.TrimPrefix(string(ev.Kv.Key), prefix)}
				switch ev.Type {
				case clientv3.EventTypePut:
					se.Status = StatusOK
					se.Config = ev.Kv.Value
				case clientv3.EventTypeDelete:
					se.Status = StatusUnavailable
				}
				select {
				case ch <- se:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch, nil
}

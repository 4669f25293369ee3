package registry

import (
	"context"
	"sync"
)

// MemoryRegistry is an in-process Registry and Topology. It backs tests and
// single-host setups where no etcd is available. TTLs are ignored.
type MemoryRegistry struct {
	mu        sync.Mutex
	instances map[string][]ServiceInstance
	services  map[string][]byte
	edgeSubs  map[string][]chan []ServiceInstance
	topoSubs  []chan ServiceEvent
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		instances: make(map[string][]ServiceInstance),
		services:  make(map[string][]byte),
		edgeSubs:  make(map[string][]chan []ServiceInstance),
	}
}

func (m *MemoryRegistry) Register(serviceName string, inst ServiceInstance, ttl int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	insts := m.instances[serviceName]
	for i := range insts {
		if insts[i].Addr == inst.Addr {
			insts[i] = inst
			m.notifyEdges(serviceName)
			return nil
		}
	}
	m.instances[serviceName] = append(insts, inst)
	m.notifyEdges(serviceName)
	return nil
}

func (m *MemoryRegistry) Deregister(serviceName string, addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	insts := m.instances[serviceName]
	for i, inst := range insts {
		if inst.Addr == addr {
			m.instances[serviceName] = append(insts[:i:i], insts[i+1:]...)
			m.notifyEdges(serviceName)
			break
		}
	}
	return nil
}

func (m *MemoryRegistry) Discover(serviceName string) ([]ServiceInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ServiceInstance(nil), m.instances[serviceName]...), nil
}

// Watch emits the instance list on every change. Slow readers only see the latest list.
func (m *MemoryRegistry) Watch(serviceName string) <-chan []ServiceInstance {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan []ServiceInstance, 1)
	m.edgeSubs[serviceName] = append(m.edgeSubs[serviceName], ch)
	return ch
}

func (m *MemoryRegistry) notifyEdges(serviceName string) {
	list := append([]ServiceInstance(nil), m.instances[serviceName]...)
	for _, ch := range m.edgeSubs[serviceName] {
		select {
		case <-ch:
		default:
		}
		ch <- list
	}
}

func (m *MemoryRegistry) Publish(ctx context.Context, name string, config []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.services[name] = append([]byte(nil), config...)
	m.broadcast(ServiceEvent{Name: name, Status: StatusOK, Config: m.services[name]})
	return nil
}

func (m *MemoryRegistry) Unpublish(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.services[name]; !ok {
		return ErrNotFound
	}
	delete(m.services, name)
	m.broadcast(ServiceEvent{Name: name, Status: StatusUnavailable})
	return nil
}

func (m *MemoryRegistry) WatchServices(ctx context.Context) (<-chan ServiceEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan ServiceEvent, len(m.services)+64)
	for name, cfg := range m.services {
		ch <- ServiceEvent{Name: name, Status: StatusOK, Config: cfg}
	}
	m.topoSubs = append(m.topoSubs, ch)

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, sub := range m.topoSubs {
			if sub == ch {
				m.topoSubs = append(m.topoSubs[:i:i], m.topoSubs[i+1:]...)
				close(ch)
				break
			}
		}
	}()
	return ch, nil
}

// broadcast drops the event for subscribers whose buffer is full.
func (m *MemoryRegistry) broadcast(ev ServiceEvent) {
	for _, ch := range m.topoSubs {
		select {
		case ch <- ev:
		default:
		}
	}
}

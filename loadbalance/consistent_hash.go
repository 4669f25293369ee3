package loadbalance

import (
	"fmt"
	"hash/crc32"
	"mini-overlay/registry"
	"sort"
	"sync"
)

// ConsistentHashBalancer maps keys to instances using a hash ring.
// The same key always maps to the same instance until the ring changes.
//
// Each real instance is mapped to 100 virtual nodes so a handful of edges
// still spread evenly around the ring.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
type ConsistentHashBalancer struct {
	replicas int
	ring     []uint32                             // Sorted hash values on the ring
	nodes    map[uint32]*registry.ServiceInstance // Hash value → instance mapping
}

// NewConsistentHashBalancer creates a hash ring with 100 virtual nodes per instance.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: 100,
		nodes:    make(map[uint32]*registry.ServiceInstance),
	}
}

// Add places an instance onto the hash ring with N virtual nodes.
func (b *ConsistentHashBalancer) Add(instance *registry.ServiceInstance) {
	for i := 0; i < b.replicas; i++ {
		hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", instance.Addr, i)))
		b.ring = append(b.ring, hash)
		b.nodes[hash] = instance
	}
	sort.Slice(b.ring, func(i, j int) bool {
		return b.ring[i] < b.ring[j]
	})
}

// Pick finds the instance responsible for key: the first node clockwise from
// the key's hash, wrapping around past the largest node.
func (b *ConsistentHashBalancer) Pick(key string) (*registry.ServiceInstance, error) {
	if len(b.ring) == 0 {
		return nil, ErrNoInstances
	}
	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}
	return b.nodes[b.ring[idx]], nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}

// KeyedBalancer adapts the hash ring to Balancer by hashing a fixed key
// against whatever instance list it is given. The ring is rebuilt only when
// the list changes.
type KeyedBalancer struct {
	key string

	mu    sync.Mutex
	sig   string
	ring  *ConsistentHashBalancer
	insts []registry.ServiceInstance
}

func NewKeyedBalancer(key string) *KeyedBalancer {
	return &KeyedBalancer{key: key}
}

func (b *KeyedBalancer) Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	sig := signature(instances)
	if b.ring == nil || sig != b.sig {
		b.insts = append(b.insts[:0], instances...)
		b.ring = NewConsistentHashBalancer()
		for i := range b.insts {
			b.ring.Add(&b.insts[i])
		}
		b.sig = sig
	}
	inst, err := b.ring.Pick(b.key)
	if err != nil {
		return nil, err
	}
	picked := *inst
	return &picked, nil
}

func (b *KeyedBalancer) Name() string {
	return "ConsistentHash"
}

func signature(instances []registry.ServiceInstance) string {
	addrs := make([]string, len(instances))
	for i := range instances {
		addrs[i] = instances[i].Addr
	}
	sort.Strings(addrs)
	return fmt.Sprint(addrs)
}

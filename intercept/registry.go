// Package intercept holds the set of destinations whose HTTP traffic is moved
// onto the overlay.
//
// Registry is written by the topology watcher and read by request admission.
// Every access goes through one mutex and nothing under it blocks: bindings
// of replaced entries are quiesced only after the lock is released.
package intercept

import (
	"mini-overlay/metrics"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// Registry maps normalized keys to their entry, one entry per key.
type Registry struct {
	mu      sync.Mutex
	entries map[Key]*Entry

	log     zerolog.Logger
	metrics *metrics.Metrics
}

// Option configures a Registry.
type Option func(*Registry)

func WithLogger(l zerolog.Logger) Option {
	return func(r *Registry) { r.log = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		entries: make(map[Key]*Entry),
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Upsert installs entry at key, replacing any previous entry. A replaced
// entry's binding is quiesced once no other key uses it: it takes no new
// requests, but sessions already using it run to completion.
func (r *Registry) Upsert(key Key, entry *Entry) {
	entry.Key = key

	r.mu.Lock()
	old := r.entries[key]
	r.entries[key] = entry
	retire := old != nil && old.Binding != nil && !r.inUseLocked(old.Binding)
	n := len(r.entries)
	r.mu.Unlock()

	r.metrics.SetInterceptEntries(n)
	if old == nil {
		r.log.Info().Stringer("key", key).Str("service", entry.ServiceName).Msg("intercept added")
		return
	}
	r.log.Info().Stringer("key", key).
		Str("service", entry.ServiceName).
		Str("previous", old.ServiceName).
		Msg("intercept replaced")
	if retire {
		old.Binding.Quiesce()
	}
}

func (r *Registry) inUseLocked(b Binding) bool {
	for _, e := range r.entries {
		if e.Binding == b {
			return true
		}
	}
	return false
}

// Remove deletes every key bound to serviceName and returns how many were removed.
func (r *Registry) Remove(serviceName string) int {
	return r.removeWhere(serviceName, func(Key) bool { return true })
}

// Prune deletes the keys bound to serviceName that are not in keep. It is used
// when a service is re-announced with a different set of keys.
func (r *Registry) Prune(serviceName string, keep []Key) int {
	kept := make(map[Key]bool, len(keep))
	for _, k := range keep {
		kept[k] = true
	}
	return r.removeWhere(serviceName, func(k Key) bool { return !kept[k] })
}

func (r *Registry) removeWhere(serviceName string, match func(Key) bool) int {
	var removed []*Entry

	r.mu.Lock()
	for k, e := range r.entries {
		if e.ServiceName == serviceName && match(k) {
			removed = append(removed, e)
			delete(r.entries, k)
		}
	}
	// Bindings still serving another key stay open.
	skip := make(map[Binding]bool, len(removed))
	if len(removed) > 0 {
		for _, e := range r.entries {
			if e.Binding != nil {
				skip[e.Binding] = true
			}
		}
	}
	n := len(r.entries)
	r.mu.Unlock()

	if len(removed) == 0 {
		return 0
	}
	r.metrics.SetInterceptEntries(n)

	for _, e := range removed {
		r.log.Info().Stringer("key", e.Key).Str("service", serviceName).Msg("intercept removed")
		if e.Binding != nil && !skip[e.Binding] {
			skip[e.Binding] = true
			e.Binding.Quiesce()
		}
	}
	return len(removed)
}

// Reset removes every entry and returns the distinct bindings they held, so
// the caller can shut them down. The registry stays usable afterwards.
func (r *Registry) Reset() []Binding {
	r.mu.Lock()
	old := r.entries
	r.entries = make(map[Key]*Entry)
	r.mu.Unlock()

	r.metrics.SetInterceptEntries(0)
	seen := make(map[Binding]bool, len(old))
	var bindings []Binding
	for _, e := range old {
		if e.Binding != nil && !seen[e.Binding] {
			seen[e.Binding] = true
			bindings = append(bindings, e.Binding)
		}
	}
	if len(old) > 0 {
		r.log.Info().Int("entries", len(old)).Int("bindings", len(bindings)).Msg("intercepts cleared")
	}
	return bindings
}

// Lookup returns the entry at key.
func (r *Registry) Lookup(key Key) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	return e, ok
}

// Len returns the number of intercepted keys.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Keys returns the intercepted keys sorted by their string form.
func (r *Registry) Keys() []Key {
	r.mu.Lock()
	keys := make([]Key, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	r.mu.Unlock()

	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})
	return keys
}

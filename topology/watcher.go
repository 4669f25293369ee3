// Package topology turns service availability events into intercept entries.
package topology

import (
	"context"
	"mini-overlay/intercept"
	"mini-overlay/metrics"
	"mini-overlay/registry"
	"time"

	"github.com/rs/zerolog"
)

// BindingFactory creates the overlay binding for a service. It is called once
// per OK event; every key derived from the event shares the binding.
type BindingFactory func(service string, d Decoded) intercept.Binding

// Watcher applies topology events to an intercept.Registry.
type Watcher struct {
	registry    *intercept.Registry
	newBinding  BindingFactory
	idleTimeout time.Duration

	metrics *metrics.Metrics
	log     zerolog.Logger
}

// Option configures a Watcher.
type Option func(*Watcher)

func WithLogger(l zerolog.Logger) Option {
	return func(w *Watcher) { w.log = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Watcher) { w.metrics = m }
}

// WithIdleTimeout sets the keep-alive budget for configs that do not carry one.
func WithIdleTimeout(d time.Duration) Option {
	return func(w *Watcher) { w.idleTimeout = d }
}

func NewWatcher(reg *intercept.Registry, newBinding BindingFactory, opts ...Option) *Watcher {
	w := &Watcher{
		registry:    reg,
		newBinding:  newBinding,
		idleTimeout: 30 * time.Second,
		log:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Apply handles one event. An OK event with an unrecognized config leaves the
// service unintercepted; it is logged, never returned as an error.
func (w *Watcher) Apply(ev registry.ServiceEvent) {
	log := w.log.With().Str("service", ev.Name).Stringer("status", ev.Status).Logger()

	if ev.Status != registry.StatusOK {
		n := w.registry.Remove(ev.Name)
		w.metrics.TopologyEvent(ev.Status.String(), "none")
		log.Debug().Int("removed", n).Msg("service unavailable")
		return
	}

	d := Decode(ev.Config)
	w.metrics.TopologyEvent(ev.Status.String(), d.Shape.String())
	keys := Keys(d)
	if len(keys) == 0 {
		log.Debug().Msg("no usable client config, not intercepting")
		return
	}

	idle := d.IdleTimeout
	if idle == 0 {
		idle = w.idleTimeout
	}
	d.IdleTimeout = idle
	binding := w.newBinding(ev.Name, d)
	for _, key := range keys {
		w.registry.Upsert(key, &intercept.Entry{
			ServiceName:   ev.Name,
			Key:           key,
			StaticHeaders: d.Headers,
			IdleTimeout:   idle,
			Binding:       binding,
		})
	}
	if n := w.registry.Prune(ev.Name, keys); n > 0 {
		log.Debug().Int("pruned", n).Msg("dropped keys no longer announced")
	}
	log.Info().Stringer("shape", d.Shape).Int("keys", len(keys)).Msg("service intercepted")
}

// Run applies events until ctx is done or events is closed.
func (w *Watcher) Run(ctx context.Context, events <-chan registry.ServiceEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			w.Apply(ev)
		}
	}
}

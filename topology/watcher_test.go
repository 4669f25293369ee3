package topology

import (
	"context"
	"mini-overlay/intercept"
	"mini-overlay/registry"
	"mini-overlay/transport"
	"sync/atomic"
	"testing"
	"time"
)

type stubBinding struct {
	service  string
	quiesced atomic.Bool
}

func (b *stubBinding) OpenRequest(*transport.Request, transport.HeadersFunc, transport.BodyFunc, uint64) (transport.RequestID, error) {
	return 0, nil
}

func (b *stubBinding) Quiesce() { b.quiesced.Store(true) }

func newTestWatcher() (*Watcher, *intercept.Registry, *[]*stubBinding) {
	reg := intercept.NewRegistry()
	var made []*stubBinding
	w := NewWatcher(reg, func(service string, d Decoded) intercept.Binding {
		b := &stubBinding{service: service}
		made = append(made, b)
		return b
	}, WithIdleTimeout(5*time.Second))
	return w, reg, &made
}

func lookup(t *testing.T, reg *intercept.Registry, s string) (*intercept.Entry, bool) {
	t.Helper()
	k, err := intercept.ParseKey(s)
	if err != nil {
		t.Fatal(err)
	}
	return reg.Lookup(k)
}

func TestApplyTunnelSharesBinding(t *testing.T) {
	w, reg, made := newTestWatcher()
	w.Apply(registry.ServiceEvent{
		Name:   "db",
		Status: registry.StatusOK,
		Config: []byte(`{"tunneler-client.v1": {"hostname": "db.internal", "port": 8080}}`),
	})

	httpEntry, ok1 := lookup(t, reg, "http://db.internal:8080")
	httpsEntry, ok2 := lookup(t, reg, "https://db.internal:8080")
	if !ok1 || !ok2 {
		t.Fatal("expect both http and https keys")
	}
	if len(*made) != 1 || httpEntry.Binding != httpsEntry.Binding {
		t.Fatal("both keys should share one binding")
	}
	if httpEntry.IdleTimeout != 5*time.Second {
		t.Fatalf("default idle timeout not applied: %s", httpEntry.IdleTimeout)
	}
}

func TestApplyReannounceReplaces(t *testing.T) {
	w, reg, made := newTestWatcher()
	w.Apply(registry.ServiceEvent{Name: "api", Status: registry.StatusOK,
		Config: []byte(`{"tunneler-client.v1": {"hostname": "api", "port": 8080}}`)})
	w.Apply(registry.ServiceEvent{Name: "api", Status: registry.StatusOK,
		Config: []byte(`{"url-client.v1": {"scheme": "https", "hostname": "api", "port": 8080, "headers": {"A": "b"}}}`)})

	if reg.Len() != 1 {
		t.Fatalf("stale key not pruned, have %v", reg.Keys())
	}
	e, ok := lookup(t, reg, "https://api:8080")
	if !ok || e.StaticHeaders["A"] != "b" {
		t.Fatalf("unexpected entry %+v", e)
	}
	if !(*made)[0].quiesced.Load() || (*made)[1].quiesced.Load() {
		t.Fatal("only the replaced binding should be quiesced")
	}
}

func TestApplyUnavailableRemoves(t *testing.T) {
	w, reg, _ := newTestWatcher()
	w.Apply(registry.ServiceEvent{Name: "db", Status: registry.StatusOK,
		Config: []byte(`{"tunneler-client.v1": {"hostname": "db", "port": 9000}}`)})
	w.Apply(registry.ServiceEvent{Name: "keep", Status: registry.StatusOK,
		Config: []byte(`{"tunneler-client.v1": {"hostname": "keep", "port": 80}}`)})
	w.Apply(registry.ServiceEvent{Name: "db", Status: registry.StatusUnavailable})

	if reg.Len() != 1 {
		t.Fatalf("expect only keep left, got %v", reg.Keys())
	}
	if _, ok := lookup(t, reg, "http://keep"); !ok {
		t.Fatal("unrelated service removed")
	}
}

func TestApplyUnrecognizedIsNoop(t *testing.T) {
	w, reg, made := newTestWatcher()
	w.Apply(registry.ServiceEvent{Name: "x", Status: registry.StatusOK, Config: []byte(`{"bogus": 1}`)})
	if reg.Len() != 0 || len(*made) != 0 {
		t.Fatal("unrecognized config must not create entries")
	}
}

func TestRunDrainsEvents(t *testing.T) {
	w, reg, _ := newTestWatcher()
	mem := registry.NewMemoryRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mem.Publish(ctx, "web", []byte(`{"tunneler-client.v1": {"hostname": "web", "port": 443}}`))
	events, err := mem.WatchServices(ctx)
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, events) }()

	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, ok := lookup(t, reg, "https://web"); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("snapshot event not applied")
		}
		time.Sleep(10 * time.Millisecond)
	}

	mem.Unpublish(ctx, "web")
	for reg.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("unpublish not applied")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled && err != nil {
			t.Fatalf("unexpected Run error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

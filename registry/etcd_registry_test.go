package registry

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"
)

// 需要真实 etcd：ETCD_ENDPOINTS=localhost:2379 go test ./registry
func newTestEtcd(t *testing.T) *EtcdRegistry {
	t.Helper()
	endpoints := os.Getenv("ETCD_ENDPOINTS")
	if endpoints == "" {
		t.Skip("ETCD_ENDPOINTS not set")
	}
	suffix := time.Now().Format("150405.000000")
	reg, err := NewEtcdRegistryWithOptions(EtcdOptions{
		Endpoints:     strings.Split(endpoints, ","),
		EdgePrefix:    "/mini-overlay-test/" + suffix + "/edges",
		ServicePrefix: "/mini-overlay-test/" + suffix + "/services",
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { reg.Close() })
	return reg
}

func TestRegisterAndDiscover(t *testing.T) {
	reg := newTestEtcd(t)

	inst1 := ServiceInstance{Addr: "127.0.0.1:8001", Weight: 10, Version: "1.0"}
	inst2 := ServiceInstance{Addr: "127.0.0.1:8002", Weight: 5, Version: "1.0"}

	if err := reg.Register("edge", inst1, 10); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register("edge", inst2, 10); err != nil {
		t.Fatal(err)
	}

	instances, err := reg.Discover("edge")
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 2 {
		t.Fatalf("expect 2 instances, got %d", len(instances))
	}

	if err := reg.Deregister("edge", inst1.Addr); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)

	instances, err = reg.Discover("edge")
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 1 || instances[0].Addr != inst2.Addr {
		t.Fatalf("expect only %s after deregister, got %+v", inst2.Addr, instances)
	}

	reg.Deregister("edge", inst2.Addr)
}

func TestWatchServicesSnapshotThenChanges(t *testing.T) {
	reg := newTestEtcd(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := reg.Publish(ctx, "api", []byte(`{"a":1}`)); err != nil {
		t.Fatal(err)
	}

	ch, err := reg.WatchServices(ctx)
	if err != nil {
		t.Fatal(err)
	}
	ev := recvEvent(t, ch)
	if ev.Name != "api" || ev.Status != StatusOK || string(ev.Config) != `{"a":1}` {
		t.Fatalf("unexpected snapshot event: %+v", ev)
	}

	if err := reg.Unpublish(ctx, "api"); err != nil {
		t.Fatal(err)
	}
	ev = recvEvent(t, ch)
	if ev.Name != "api" || ev.Status != StatusUnavailable {
		t.Fatalf("unexpected delete event: %+v", ev)
	}

	if err := reg.Unpublish(ctx, "api"); err != ErrNotFound {
		t.Fatalf("expect ErrNotFound, got %v", err)
	}
}

func recvEvent(t *testing.T, ch <-chan ServiceEvent) ServiceEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("event channel closed")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for service event")
	}
	return ServiceEvent{}
}

package eventloop

import (
	"sync"
	"testing"
	"time"
)

func TestLoopPreservesOrder(t *testing.T) {
	l := New()
	defer func() {
		l.Stop()
		l.Wait()
	}()

	var got []int
	for i := 0; i < 1000; i++ {
		i := i
		l.Post(func() { got = append(got, i) })
	}
	if err := l.Do(func() {}); err != nil {
		t.Fatal(err)
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("position %d: got %d", i, v)
		}
	}
	if len(got) != 1000 {
		t.Fatalf("expect 1000 tasks, got %d", len(got))
	}
}

// 多个 goroutine 并发 Post，所有任务都在同一个 goroutine 上串行执行
func TestLoopSingleWriter(t *testing.T) {
	l := New()
	counter := 0 // only touched on the loop, no lock

	var wg sync.WaitGroup
	for g := 0; g < 20; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				l.Post(func() { counter++ })
			}
		}()
	}
	wg.Wait()

	var final int
	if err := l.Do(func() { final = counter }); err != nil {
		t.Fatal(err)
	}
	if final != 2000 {
		t.Fatalf("expect 2000, got %d", final)
	}
	l.Stop()
	l.Wait()
}

func TestLoopPostNeverBlocks(t *testing.T) {
	l := New()
	release := make(chan struct{})
	l.Post(func() { <-release })

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			l.Post(func() {})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Post blocked while the loop was busy")
	}
	close(release)
	l.Stop()
	l.Wait()
}

func TestLoopStopDrainsQueued(t *testing.T) {
	l := New()
	release := make(chan struct{})
	l.Post(func() { <-release })

	ran := 0
	for i := 0; i < 5; i++ {
		l.Post(func() { ran++ })
	}
	l.Stop()
	if l.Post(func() { ran += 100 }) {
		t.Fatal("Post accepted work after Stop")
	}
	close(release)
	l.Wait()
	if ran != 5 {
		t.Fatalf("expect 5 drained tasks, got %d", ran)
	}
	if err := l.Do(func() {}); err != ErrStopped {
		t.Fatalf("expect ErrStopped, got %v", err)
	}
}

func TestLoopPanicHandler(t *testing.T) {
	var recovered any
	l := New(WithPanicHandler(func(r any) { recovered = r }))
	l.Post(func() { panic("boom") })

	var after bool
	if err := l.Do(func() { after = true }); err != nil {
		t.Fatal(err)
	}
	if recovered != "boom" || !after {
		t.Fatalf("recovered=%v after=%v", recovered, after)
	}
	l.Stop()
	l.Wait()
}

package bus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"suppliersync/internal/domain"
)

func testRegistry(timeout time.Duration) *ThreadRegistry {
	return NewThreadRegistry(timeout, testBusLogger())
}

func TestBroadcast_NoObservers(t *testing.T) {
	r := testRegistry(time.Second)
	n := r.Broadcast(context.Background(), "thread-x", domain.NewEvent(domain.EventPong, "thread-x", nil))
	if n != 0 {
		t.Errorf("expected 0 deliveries, got %d", n)
	}
	if snap := r.Snapshot(); snap.TotalThreads != 0 {
		t.Errorf("broadcast to an unknown thread created state: %+v", snap)
	}
}

func TestBroadcast_AllObserversInOrder(t *testing.T) {
	r := testRegistry(time.Second)
	ctx := context.Background()

	chans := []*fakeChannel{newFakeChannel(), newFakeChannel(), newFakeChannel()}
	for _, ch := range chans {
		r.Attach("t1", ch)
	}
	other := newFakeChannel()
	r.Attach("t2", other)

	for i := 0; i < 5; i++ {
		ev := domain.NewEvent(domain.EventMessageAdded, "t1", map[string]any{"seq": i})
		if n := r.Broadcast(ctx, "t1", ev); n != 3 {
			t.Fatalf("expected 3 deliveries, got %d", n)
		}
	}

	for _, ch := range chans {
		got := ch.received()
		if len(got) != 5 {
			t.Fatalf("expected 5 events, got %d", len(got))
		}
		for i, ev := range got {
			if ev.Fields["seq"] != i {
				t.Errorf("event %d out of order: %v", i, ev.Fields["seq"])
			}
		}
	}
	if len(other.received()) != 0 {
		t.Error("observer of another thread received events")
	}
}

func TestAttach_Idempotent(t *testing.T) {
	r := testRegistry(time.Second)
	ch := newFakeChannel()

	if !r.Attach("t1", ch) {
		t.Fatal("first attach should succeed")
	}
	if r.Attach("t1", ch) {
		t.Error("second attach of the same channel should be a no-op")
	}
	if r.Count("t1") != 1 {
		t.Errorf("expected 1 observer, got %d", r.Count("t1"))
	}

	r.Broadcast(context.Background(), "t1", domain.NewEvent(domain.EventPong, "t1", nil))
	if len(ch.received()) != 1 {
		t.Errorf("expected exactly one delivery, got %d", len(ch.received()))
	}
}

func TestDetach_RemovesEmptyThread(t *testing.T) {
	r := testRegistry(time.Second)
	ch := newFakeChannel()
	r.Attach("t1", ch)

	if !r.Detach("t1", ch) {
		t.Fatal("detach should report removal")
	}
	if r.Detach("t1", ch) {
		t.Error("second detach should be a no-op")
	}
	if snap := r.Snapshot(); snap.TotalThreads != 0 {
		t.Errorf("empty thread entry not removed: %+v", snap)
	}
}

func TestBroadcast_DetachesFailingChannel(t *testing.T) {
	r := testRegistry(time.Second)
	good := newFakeChannel()
	bad := newFakeChannel()
	bad.failWith = errBroken
	r.Attach("t1", good)
	r.Attach("t1", bad)

	n := r.Broadcast(context.Background(), "t1", domain.NewEvent(domain.EventPong, "t1", nil))
	if n != 1 {
		t.Errorf("expected 1 delivery, got %d", n)
	}
	if r.Count("t1") != 1 {
		t.Errorf("failing channel was not detached, count=%d", r.Count("t1"))
	}
	if !bad.closed.Load() {
		t.Error("failing channel should be closed")
	}
	if len(good.received()) != 1 {
		t.Error("healthy channel missed the event")
	}
}

func TestBroadcast_SlowObserverBounded(t *testing.T) {
	r := testRegistry(50 * time.Millisecond)
	fast := newFakeChannel()
	slow := newFakeChannel()
	slow.blockCtx = true
	stuck := newFakeChannel()
	stuck.blockHard = true
	r.Attach("t1", fast)
	r.Attach("t1", slow)
	r.Attach("t1", stuck)

	start := time.Now()
	n := r.Broadcast(context.Background(), "t1", domain.NewEvent(domain.EventPong, "t1", nil))
	elapsed := time.Since(start)

	if n != 1 {
		t.Errorf("expected 1 delivery, got %d", n)
	}
	if elapsed > 2*time.Second {
		t.Errorf("broadcast blocked for %s", elapsed)
	}
	if len(fast.received()) != 1 {
		t.Error("fast observer starved by slow ones")
	}
	if r.Count("t1") != 1 {
		t.Errorf("timed out observers should be detached, count=%d", r.Count("t1"))
	}
}

func TestBroadcast_NoDeliveryAfterDetach(t *testing.T) {
	r := testRegistry(time.Second)
	ctx := context.Background()
	ch := newFakeChannel()
	r.Attach("t1", ch)

	r.Broadcast(ctx, "t1", domain.NewEvent(domain.EventPong, "t1", map[string]any{"n": 1}))
	r.Detach("t1", ch)
	r.Broadcast(ctx, "t1", domain.NewEvent(domain.EventPong, "t1", map[string]any{"n": 2}))

	got := ch.received()
	if len(got) != 1 || got[0].Fields["n"] != 1 {
		t.Errorf("expected only the first event, got %+v", got)
	}
}

func TestRegistry_ConcurrentAttachDetachBroadcast(t *testing.T) {
	r := testRegistry(100 * time.Millisecond)
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			thread := fmt.Sprintf("t%d", w%3)
			for i := 0; i < 50; i++ {
				ch := newFakeChannel()
				r.Attach(thread, ch)
				r.Broadcast(ctx, thread, domain.NewEvent(domain.EventPong, thread, nil))
				r.Detach(thread, ch)
			}
		}(w)
	}
	wg.Wait()

	if snap := r.Snapshot(); snap.TotalConnections != 0 || snap.TotalThreads != 0 {
		t.Errorf("expected empty registry, got %+v", snap)
	}
}

func TestSnapshot(t *testing.T) {
	r := testRegistry(time.Second)
	r.Attach("a", newFakeChannel())
	r.Attach("a", newFakeChannel())
	r.Attach("b", newFakeChannel())

	snap := r.Snapshot()
	if snap.TotalThreads != 2 || snap.TotalConnections != 3 {
		t.Errorf("unexpected totals: %+v", snap)
	}
	if snap.ConnectionsByThread["a"] != 2 || snap.ConnectionsByThread["b"] != 1 {
		t.Errorf("unexpected per-thread counts: %+v", snap.ConnectionsByThread)
	}
	if ids := r.Threads(); len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Errorf("unexpected thread list %v", ids)
	}
}

func TestClose_ClosesChannels(t *testing.T) {
	r := testRegistry(time.Second)
	ch := newFakeChannel()
	r.Attach("t1", ch)

	r.Close()
	if !ch.closed.Load() {
		t.Error("channel should be closed")
	}
	if r.Attach("t1", newFakeChannel()) {
		t.Error("attach after close should be refused")
	}
}

func TestBroadcast_CancelledPublisherKeepsObservers(t *testing.T) {
	r := testRegistry(time.Second)
	ch := newFakeChannel()
	ch.honorCtx = true
	r.Attach("t1", ch)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	n := r.Broadcast(ctx, "t1", domain.NewEvent(domain.EventPong, "t1", nil))
	if n != 1 {
		t.Errorf("expected 1 delivery, got %d", n)
	}
	if r.Count("t1") != 1 {
		t.Errorf("healthy observer was detached, count=%d", r.Count("t1"))
	}
	if ch.closed.Load() {
		t.Error("healthy observer was closed")
	}
}

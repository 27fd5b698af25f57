package wakeup

import (
	"context"
	"testing"
	"time"
)

func TestNotifyThenWaitDelivers(t *testing.T) {
	r := NewRegistry()
	key := Key("batch", "sim_test")

	r.Notify(key, 42)

	id, ok := r.Wait(context.Background(), key, time.Second)
	if !ok {
		t.Fatal("expected a delivered notification, got timeout")
	}
	if id != 42 {
		t.Fatalf("id = %d, want 42", id)
	}
}

func TestWaitTimesOutWithoutNotify(t *testing.T) {
	r := NewRegistry()
	key := Key("batch", "sim_test")

	start := time.Now()
	_, ok := r.Wait(context.Background(), key, 50*time.Millisecond)
	if ok {
		t.Fatal("expected timeout, got a notification")
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("Wait returned too early after %s", elapsed)
	}
}

func TestWaitRespectsContextCancellation(t *testing.T) {
	r := NewRegistry()
	key := Key("batch", "sim_test")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, ok := r.Wait(ctx, key, 5*time.Second)
	if ok {
		t.Fatal("expected cancellation to end the wait, got a notification")
	}
}

func TestNotifyDropsOnFullQueueWithoutBlocking(t *testing.T) {
	r := NewRegistry()
	key := Key("batch", "sim_test")

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			r.Notify(key, int64(i))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked instead of dropping on a full queue")
	}
}

func TestKeyDistinguishesSchemas(t *testing.T) {
	a := Key("batch", "sim_run_one")
	b := Key("batch", "sim_run_two")
	if a == b {
		t.Fatal("keys for different schemas must not collide")
	}
}

func TestRemoveDropsQueue(t *testing.T) {
	r := NewRegistry()
	key := Key("batch", "sim_test")
	r.Notify(key, 1)
	r.Remove(key)

	// After Remove, a fresh queue is lazily installed; the old notification
	// must not still be sitting there.
	_, ok := r.Wait(context.Background(), key, 20*time.Millisecond)
	if ok {
		t.Fatal("expected the removed queue's pending notification to be gone")
	}
}

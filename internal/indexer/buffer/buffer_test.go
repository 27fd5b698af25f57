package buffer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/evochora/pipeline/internal/wire"
)

func ticks(n int) []*wire.TickData {
	out := make([]*wire.TickData, n)
	for i := range out {
		out[i] = &wire.TickData{TickNumber: int64(i)}
	}
	return out
}

func TestSubmitFlushesImmediatelyOnSizeThreshold(t *testing.T) {
	var mu sync.Mutex
	var flushed []*wire.TickData
	b := New(Config{MaxSize: 4, FlushInterval: time.Hour}, func(_ context.Context, t []*wire.TickData) error {
		mu.Lock()
		defer mu.Unlock()
		flushed = append(flushed, t...)
		return nil
	})

	acked := false
	err := b.Submit(context.Background(), ticks(4), func() error { acked = true; return nil })
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	mu.Lock()
	n := len(flushed)
	mu.Unlock()
	if n != 4 {
		t.Fatalf("flushed %d ticks, want 4", n)
	}
	if !acked {
		t.Fatal("expected onFlushed callback to run after a full-buffer flush")
	}
}

func TestSubmitBelowThresholdDoesNotFlush(t *testing.T) {
	flushCalls := 0
	b := New(Config{MaxSize: 10, FlushInterval: time.Hour}, func(_ context.Context, t []*wire.TickData) error {
		flushCalls++
		return nil
	})

	acked := false
	if err := b.Submit(context.Background(), ticks(2), func() error { acked = true; return nil }); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if flushCalls != 0 {
		t.Fatalf("expected no flush below threshold, got %d calls", flushCalls)
	}
	if acked {
		t.Fatal("expected no ack before flush")
	}
}

func TestTimeBasedFlushViaStart(t *testing.T) {
	flushed := make(chan struct{}, 1)
	b := New(Config{MaxSize: 1000, FlushInterval: 40 * time.Millisecond}, func(_ context.Context, t []*wire.TickData) error {
		select {
		case flushed <- struct{}{}:
		default:
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)
	defer b.Stop(context.Background())

	if err := b.Submit(ctx, ticks(1), func() error { return nil }); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	select {
	case <-flushed:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a time-triggered flush, none occurred")
	}
}

func TestStopPerformsBestEffortFinalFlush(t *testing.T) {
	flushCalls := 0
	b := New(Config{MaxSize: 1000, FlushInterval: time.Hour}, func(_ context.Context, t []*wire.TickData) error {
		flushCalls++
		return nil
	})
	b.Start(context.Background())

	acked := false
	if err := b.Submit(context.Background(), ticks(3), func() error { acked = true; return nil }); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if err := b.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if flushCalls != 1 {
		t.Fatalf("expected exactly one flush from Stop, got %d", flushCalls)
	}
	if !acked {
		t.Fatal("expected the final flush to ack the pending batch")
	}
}

func TestStopSkipsFlushWhenContextAlreadyDone(t *testing.T) {
	flushCalls := 0
	b := New(Config{MaxSize: 1000, FlushInterval: time.Hour}, func(_ context.Context, t []*wire.TickData) error {
		flushCalls++
		return nil
	})
	b.Start(context.Background())
	_ = b.Submit(context.Background(), ticks(3), func() error { return nil })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := b.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if flushCalls != 0 {
		t.Fatalf("expected Stop to skip the flush when ctx is already done, got %d calls", flushCalls)
	}
}

func TestFlushStopsAtFirstFailingAckButStillFlushedAllTicks(t *testing.T) {
	var flushedCount int
	b := New(Config{MaxSize: 1000, FlushInterval: time.Hour}, func(_ context.Context, t []*wire.TickData) error {
		flushedCount = len(t)
		return nil
	})

	firstAckErr := errors.New("ack transport down")
	secondAcked := false
	_ = b.Submit(context.Background(), ticks(2), func() error { return firstAckErr })
	_ = b.Submit(context.Background(), ticks(2), func() error { secondAcked = true; return nil })

	err := b.Flush(context.Background())
	if !errors.Is(err, firstAckErr) {
		t.Fatalf("expected Flush to surface the first failing ack, got %v", err)
	}
	if flushedCount != 4 {
		t.Fatalf("expected the durable write to cover all buffered ticks regardless of ack failure, got %d", flushedCount)
	}
	if !secondAcked {
		t.Fatal("expected later pending acks to still run even after an earlier one failed")
	}
}

func TestConcurrentTickerAndSubmitFlushesDoNotRaceOrDoubleAck(t *testing.T) {
	var flushMu sync.Mutex
	flushedTotal := 0
	b := New(Config{MaxSize: 5, FlushInterval: 5 * time.Millisecond}, func(_ context.Context, t []*wire.TickData) error {
		flushMu.Lock()
		defer flushMu.Unlock()
		flushedTotal += len(t)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)

	const batches = 200
	var ackCount int32
	var wg sync.WaitGroup
	for i := 0; i < batches; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = b.Submit(ctx, ticks(5), func() error {
				atomic.AddInt32(&ackCount, 1)
				return nil
			})
		}()
	}
	wg.Wait()

	if err := b.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if got := atomic.LoadInt32(&ackCount); got != batches {
		t.Fatalf("expected exactly %d acks, got %d (double-ack or lost ack)", batches, got)
	}
	flushMu.Lock()
	total := flushedTotal
	flushMu.Unlock()
	if total != batches*5 {
		t.Fatalf("expected %d ticks flushed exactly once each, got %d", batches*5, total)
	}
}

func TestFlushPropagatesWriteFailureWithoutAcking(t *testing.T) {
	writeErr := errors.New("database unavailable")
	b := New(Config{MaxSize: 1000, FlushInterval: time.Hour}, func(_ context.Context, t []*wire.TickData) error {
		return writeErr
	})

	acked := false
	_ = b.Submit(context.Background(), ticks(2), func() error { acked = true; return nil })

	err := b.Flush(context.Background())
	if !errors.Is(err, writeErr) {
		t.Fatalf("expected write failure to propagate, got %v", err)
	}
	if acked {
		t.Fatal("a failed durable write must never ack its source messages")
	}
}

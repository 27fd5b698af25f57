// Package buffer implements the Indexer Framework's TickBufferingComponent:
// a single-producer, single-consumer, size/time-bounded accumulation of
// wire.TickData, adapted from internal/infrastructure/async.Batcher[T]'s
// mutex-guarded buffer plus size/interval flush trigger, generalized from a
// general-purpose batch processor to the tick-acking semantics the indexer
// framework needs — a flush must also settle exactly which pending topic
// acks it has now fully covered.
package buffer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/evochora/pipeline/internal/resource/promreg"
	"github.com/evochora/pipeline/internal/wire"
)

// FlushFunc durably writes a contiguous run of ticks. A non-nil error
// leaves those ticks' source messages unacknowledged for redelivery.
type FlushFunc func(ctx context.Context, ticks []*wire.TickData) error

// Config bounds the buffer's size and time behavior.
type Config struct {
	MaxSize       int
	FlushInterval time.Duration
}

// pendingAck tracks how many of a delivered message's ticks are still
// sitting unflushed in the buffer. Once remaining reaches zero the message
// is safe to ack.
type pendingAck struct {
	onFlushed func() error
	remaining int
}

// TickBuffer accumulates TickData in delivery order and flushes on size
// threshold or elapsed time since the first pending tick, per message.
type TickBuffer struct {
	cfg   Config
	flush FlushFunc

	metrics     *promreg.Registry
	metricsName string

	mu          sync.Mutex
	buffer      []*wire.TickData
	pending     []*pendingAck
	firstPendAt time.Time

	flushMu sync.Mutex

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a TickBuffer that calls flush whenever the buffer fills or
// cfg.FlushInterval elapses since the oldest pending tick.
func New(cfg Config, flush FlushFunc) *TickBuffer {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 500
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	return &TickBuffer{cfg: cfg, flush: flush, stopCh: make(chan struct{})}
}

// SetMetrics points the buffer at the process-wide Prometheus collectors;
// flush durations and flushed tick counts are labelled indexerName.
// Optional; a nil registry (the default) skips Prometheus recording.
func (b *TickBuffer) SetMetrics(reg *promreg.Registry, indexerName string) {
	b.metrics = reg
	b.metricsName = indexerName
}

// Start launches the background timer that flushes on elapsed time even
// when no new ticks arrive.
func (b *TickBuffer) Start(ctx context.Context) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := time.NewTicker(b.cfg.FlushInterval / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				b.maybeFlushOnTime(ctx)
			case <-b.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Submit offers one tick from the batch currently identified by onFlushed
// (called exactly once, when every tick submitted under it has been
// durably flushed). Flushes immediately if the buffer reaches MaxSize.
func (b *TickBuffer) Submit(ctx context.Context, ticks []*wire.TickData, onFlushed func() error) error {
	b.mu.Lock()
	if len(b.buffer) == 0 {
		b.firstPendAt = time.Now()
	}
	b.buffer = append(b.buffer, ticks...)
	b.pending = append(b.pending, &pendingAck{onFlushed: onFlushed, remaining: len(ticks)})
	full := len(b.buffer) >= b.cfg.MaxSize
	b.mu.Unlock()

	if full {
		return b.Flush(ctx)
	}
	return nil
}

func (b *TickBuffer) maybeFlushOnTime(ctx context.Context) {
	b.mu.Lock()
	due := len(b.buffer) > 0 && time.Since(b.firstPendAt) >= b.cfg.FlushInterval
	b.mu.Unlock()
	if due {
		_ = b.Flush(ctx)
	}
}

// Flush durably writes every currently buffered tick, then drains the
// whole pending list, invoking each message's ack callback and reporting
// the first callback error after all have run. A failed ack is not
// retried here: the write already committed idempotently, so the
// unacknowledged message simply redelivers and its re-run MERGEs converge
// to the same rows.
//
// flushMu serializes the whole read-flush-drain sequence against itself: the
// ticker goroutine's time-triggered flush (maybeFlushOnTime) and a
// Submit-triggered size flush can otherwise race each other and both read
// the same buffer/pending snapshot, double-acking messages and slicing
// b.buffer twice for the same consumed count.
func (b *TickBuffer) Flush(ctx context.Context) error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	ticks := b.buffer
	pending := b.pending
	b.mu.Unlock()

	if len(ticks) == 0 {
		return nil
	}

	start := time.Now()
	if err := b.flush(ctx, ticks); err != nil {
		return fmt.Errorf("buffer: flush ticks: %w", err)
	}
	if b.metrics != nil {
		b.metrics.FlushDuration.WithLabelValues(b.metricsName).Observe(time.Since(start).Seconds())
		b.metrics.FlushedTicks.WithLabelValues(b.metricsName).Add(float64(len(ticks)))
	}

	var ackErr error
	consumed := 0
	for _, p := range pending {
		consumed += p.remaining
		if err := p.onFlushed(); err != nil && ackErr == nil {
			ackErr = err
		}
	}

	b.mu.Lock()
	b.buffer = b.buffer[consumed:]
	b.pending = nil
	if len(b.buffer) > 0 {
		b.firstPendAt = time.Now()
	}
	b.mu.Unlock()

	return ackErr
}

// Stop performs a best-effort final flush (unless ctx is already done, i.e.
// the caller is being interrupted) and halts the background timer.
func (b *TickBuffer) Stop(ctx context.Context) error {
	close(b.stopCh)
	b.wg.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return b.Flush(ctx)
}

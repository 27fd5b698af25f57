package resource

import (
	"sync"
	"time"
)

// windowBuckets is the fixed bucket count every sliding window uses; both
// recording and summing touch at most this many slots, so cost is constant
// regardless of traffic.
const windowBuckets = 16

// Window is a fixed-size bucketed sliding window over a time span. Record
// lands in the bucket covering the current instant, lazily evicting
// whatever expired epoch that slot held before; Sum totals only the
// buckets still inside the span.
type Window struct {
	bucket time.Duration

	mu     sync.Mutex
	sums   [windowBuckets]float64
	epochs [windowBuckets]int64
}

// NewWindow builds a sliding window covering span, defaulting to 5s for a
// non-positive span.
func NewWindow(span time.Duration) *Window {
	if span <= 0 {
		span = 5 * time.Second
	}
	bucket := span / windowBuckets
	if bucket <= 0 {
		bucket = time.Millisecond
	}
	return &Window{bucket: bucket}
}

func (w *Window) epoch() int64 {
	return time.Now().UnixNano() / int64(w.bucket)
}

// Record adds delta to the current bucket. O(1).
func (w *Window) Record(delta float64) {
	e := w.epoch()
	i := int(e % windowBuckets)
	w.mu.Lock()
	if w.epochs[i] != e {
		w.epochs[i] = e
		w.sums[i] = 0
	}
	w.sums[i] += delta
	w.mu.Unlock()
}

// Sum returns the total recorded within the window span. Touches exactly
// windowBuckets slots.
func (w *Window) Sum() float64 {
	e := w.epoch()
	w.mu.Lock()
	defer w.mu.Unlock()
	var total float64
	for i := 0; i < windowBuckets; i++ {
		if w.epochs[i] != 0 && e-w.epochs[i] < windowBuckets {
			total += w.sums[i]
		}
	}
	return total
}

// Package queue implements the Queue Capability used between the topic
// engine and the persistence services: a bounded channel with blocking and
// timed variants on both ends, surfacing backpressure as WAITING rather
// than blocking forever unannounced.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/evochora/pipeline/internal/resource"
)

// ErrEmpty is returned by non-blocking Poll when nothing is available.
var ErrEmpty = errors.New("queue: empty")

// ErrFull is returned by non-blocking Offer when the queue has no room.
var ErrFull = errors.New("queue: full")

// Queue[T] is a bounded FIFO with blocking, timed, and non-blocking
// variants, matching the Queue Capability contract: poll/take/drainTo for
// input, offer/put/offerAll for output. FIFO order holds per
// producer-consumer pair; no cross-producer ordering is promised.
type Queue[T any] struct {
	ch      chan T
	monitor *resource.Monitor
}

// New builds a Queue with the given buffer capacity, monitored under name.
func New[T any](name string, capacity int) *Queue[T] {
	return &Queue[T]{
		ch:      make(chan T, capacity),
		monitor: resource.NewMonitor(name),
	}
}

func (q *Queue[T]) Monitor() *resource.Monitor { return q.monitor }

// Put blocks until there is room, or ctx is cancelled.
func (q *Queue[T]) Put(ctx context.Context, v T) error {
	select {
	case q.ch <- v:
		q.monitor.Incr("offered", 1)
		return nil
	default:
	}
	q.monitor.SetUsageState("queue-out", resource.Waiting)
	defer q.monitor.SetUsageState("queue-out", resource.Active)
	select {
	case q.ch <- v:
		q.monitor.Incr("offered", 1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Offer attempts a non-blocking put, returning ErrFull if there is no room.
func (q *Queue[T]) Offer(v T) error {
	select {
	case q.ch <- v:
		q.monitor.Incr("offered", 1)
		return nil
	default:
		return ErrFull
	}
}

// OfferTimeout attempts a put, waiting up to timeout for room.
func (q *Queue[T]) OfferTimeout(v T, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return q.Put(ctx, v)
}

// PutAll blocks until every element has been enqueued, or ctx is cancelled,
// returning how many made it in.
func (q *Queue[T]) PutAll(ctx context.Context, vs []T) (int, error) {
	for i, v := range vs {
		if err := q.Put(ctx, v); err != nil {
			return i, err
		}
	}
	return len(vs), nil
}

// OfferAll offers every element, stopping at the first failure.
func (q *Queue[T]) OfferAll(vs []T) (int, error) {
	for i, v := range vs {
		if err := q.Offer(v); err != nil {
			return i, err
		}
	}
	return len(vs), nil
}

// Take blocks until an element is available, or ctx is cancelled.
func (q *Queue[T]) Take(ctx context.Context) (T, error) {
	var zero T
	select {
	case v := <-q.ch:
		q.monitor.Incr("taken", 1)
		return v, nil
	default:
	}
	q.monitor.SetUsageState("queue-in", resource.Waiting)
	defer q.monitor.SetUsageState("queue-in", resource.Active)
	select {
	case v := <-q.ch:
		q.monitor.Incr("taken", 1)
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Poll attempts a non-blocking take, returning ErrEmpty if nothing is ready.
func (q *Queue[T]) Poll() (T, error) {
	var zero T
	select {
	case v := <-q.ch:
		q.monitor.Incr("taken", 1)
		return v, nil
	default:
		return zero, ErrEmpty
	}
}

// PollTimeout attempts a take, waiting up to timeout for an element.
func (q *Queue[T]) PollTimeout(timeout time.Duration) (T, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	v, err := q.Take(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return v, ErrEmpty
	}
	return v, err
}

// DrainTo moves up to max queued elements into out, non-blocking, returning
// the number drained.
func (q *Queue[T]) DrainTo(out *[]T, max int) int {
	n := 0
	for n < max {
		select {
		case v := <-q.ch:
			*out = append(*out, v)
			n++
		default:
			return n
		}
	}
	return n
}

// Len reports the number of currently buffered elements.
func (q *Queue[T]) Len() int { return len(q.ch) }

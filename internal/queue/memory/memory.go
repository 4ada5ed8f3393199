// Package memory implements an in-process queue driver. It backs tests and
// single-node deployments where the worker is the only producer.
package memory

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/corvidmail/provisiond/internal/queue"
)

func init() {
	queue.Register("memory", func(cfg *queue.DriverConfig) (queue.Driver, error) {
		return New(), nil
	})
}

// Driver is an in-memory delayed queue ordered by Envelope.AvailableAt.
type Driver struct {
	mu     sync.Mutex
	heap   envHeap
	failed []queue.FailureRecord
	closed bool
	notify chan struct{}
}

// New creates an empty memory driver.
func New() *Driver {
	return &Driver{
		notify: make(chan struct{}, 1),
	}
}

// Name returns the driver name.
func (d *Driver) Name() string { return "memory" }

// Enqueue stores the envelope and wakes one blocked Dequeue.
func (d *Driver) Enqueue(ctx context.Context, env *Envelope) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return queue.ErrClosed
	}
	cp := *env
	heap.Push(&d.heap, &cp)
	d.mu.Unlock()

	select {
	case d.notify <- struct{}{}:
	default:
	}
	return nil
}

// Dequeue blocks until an envelope becomes available or ctx is done.
func (d *Driver) Dequeue(ctx context.Context) (*Envelope, error) {
	for {
		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			return nil, queue.ErrClosed
		}

		var wait time.Duration
		if len(d.heap) > 0 {
			next := d.heap[0].AvailableAt
			if until := time.Until(next); until <= 0 {
				env := heap.Pop(&d.heap).(*Envelope)
				more := len(d.heap) > 0 && !d.heap[0].AvailableAt.After(time.Now())
				d.mu.Unlock()
				if more {
					// Wake another worker; one notify may cover several enqueues.
					select {
					case d.notify <- struct{}{}:
					default:
					}
				}
				return env, nil
			} else {
				wait = until
			}
		} else {
			wait = time.Hour
		}
		d.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-d.notify:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// RecordFailure appends to the in-memory failed ledger.
func (d *Driver) RecordFailure(ctx context.Context, env *Envelope, cause string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return queue.ErrClosed
	}
	d.failed = append(d.failed, queue.FailureRecord{
		Envelope: *env,
		Cause:    cause,
		FailedAt: time.Now(),
	})
	return nil
}

// Failures returns a copy of the failed ledger, for tests and inspection.
func (d *Driver) Failures() []queue.FailureRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]queue.FailureRecord, len(d.failed))
	copy(out, d.failed)
	return out
}

// Depth reports current queue depths. Envelopes not yet available count as
// delayed.
func (d *Driver) Depth(ctx context.Context) (queue.Depth, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	var depth queue.Depth
	for _, env := range d.heap {
		if env.AvailableAt.After(now) {
			depth.Delayed++
		} else {
			depth.Pending++
		}
	}
	depth.Failed = int64(len(d.failed))
	return depth, nil
}

// Close marks the driver closed; blocked Dequeues return ErrClosed on their
// next wakeup.
func (d *Driver) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	select {
	case d.notify <- struct{}{}:
	default:
	}
	return nil
}

// Envelope aliases queue.Envelope for the heap implementation below.
type Envelope = queue.Envelope

type envHeap []*Envelope

func (h envHeap) Len() int            { return len(h) }
func (h envHeap) Less(i, j int) bool  { return h[i].AvailableAt.Before(h[j].AvailableAt) }
func (h envHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *envHeap) Push(x any)         { *h = append(*h, x.(*Envelope)) }
func (h *envHeap) Pop() any {
	old := *h
	n := len(old)
	env := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return env
}

package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrSealed is returned by Push once the Disconnect sentinel is queued.
	ErrSealed = errors.New("notify: queue sealed by disconnect")

	// ErrDropped is returned by Push when a bounded queue refuses the value.
	ErrDropped = errors.New("notify: queue full, notification dropped")
)

// Overflow selects what a bounded queue does when it is full.
type Overflow string

const (
	OverflowDropOldest Overflow = "drop-oldest"
	OverflowDropNewest Overflow = "drop-newest"
)

type QueueConfig struct {
	// Capacity bounds the number of chat notifications held. Zero means
	// unbounded. The sentinel is never counted against it.
	Capacity int
	Overflow Overflow

	// OnDrop is called with every notification evicted or refused.
	OnDrop func(Notification)
}

func (cfg *QueueConfig) Validate() error {
	if cfg.Capacity < 0 {
		return errors.New("queue capacity must not be negative")
	}
	if cfg.Capacity == 0 {
		return nil
	}
	switch cfg.Overflow {
	case "":
		cfg.Overflow = OverflowDropOldest
	case OverflowDropOldest, OverflowDropNewest:
	default:
		return fmt.Errorf("unknown queue overflow policy %q", cfg.Overflow)
	}
	return nil
}

// Queue is a FIFO of notifications with many producers and one consumer.
// Producers never block.
type Queue struct {
	cfg QueueConfig

	mu     sync.Mutex
	items  []Notification
	head   int
	sealed bool
	signal chan struct{}
}

func NewQueue(cfg QueueConfig) (*Queue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Queue{
		cfg:    cfg,
		signal: make(chan struct{}, 1),
	}, nil
}

// Push appends a chat notification. A Disconnect value is routed to
// PushDisconnect.
func (q *Queue) Push(n Notification) error {
	if n.IsDisconnect() {
		if !q.PushDisconnect() {
			return ErrSealed
		}
		return nil
	}

	var dropped *Notification
	q.mu.Lock()
	if q.sealed {
		q.mu.Unlock()
		return ErrSealed
	}
	if q.cfg.Capacity > 0 && q.lenLocked() >= q.cfg.Capacity {
		if q.cfg.Overflow == OverflowDropNewest {
			q.mu.Unlock()
			q.dropped(n)
			return ErrDropped
		}
		oldest := q.items[q.head]
		dropped = &oldest
		q.items[q.head] = Notification{}
		q.head++
	}
	q.items = append(q.items, n)
	q.mu.Unlock()

	if dropped != nil {
		q.dropped(*dropped)
	}
	q.wake()
	return nil
}

// PushDisconnect enqueues the sentinel behind everything already queued
// and seals the queue. Only the first call has an effect; it reports
// whether this call was the one that sealed.
func (q *Queue) PushDisconnect() bool {
	q.mu.Lock()
	if q.sealed {
		q.mu.Unlock()
		return false
	}
	q.sealed = true
	q.items = append(q.items, Disconnect())
	q.mu.Unlock()

	q.wake()
	return true
}

// Pop blocks until a notification is available or ctx is done.
func (q *Queue) Pop(ctx context.Context) (Notification, error) {
	for {
		q.mu.Lock()
		if q.lenLocked() > 0 {
			n := q.items[q.head]
			q.items[q.head] = Notification{}
			q.head++
			q.compactLocked()
			q.mu.Unlock()
			return n, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return Notification{}, ctx.Err()
		case <-q.signal:
		}
	}
}

// Len returns the number of queued values, the sentinel included.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lenLocked()
}

// Sealed reports whether the sentinel has been queued.
func (q *Queue) Sealed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sealed
}

func (q *Queue) lenLocked() int {
	return len(q.items) - q.head
}

// compactLocked reclaims the consumed prefix once it dominates the slice.
func (q *Queue) compactLocked() {
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
		return
	}
	if q.head > 64 && q.head*2 >= len(q.items) {
		n := copy(q.items, q.items[q.head:])
		q.items = q.items[:n]
		q.head = 0
	}
}

func (q *Queue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *Queue) dropped(n Notification) {
	if q.cfg.OnDrop != nil {
		q.cfg.OnDrop(n)
	}
}

package espnow

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// DropPolicy selects what a full Inbox discards.
type DropPolicy int

const (
	// DropOldest evicts the oldest queued frame to admit the new one.
	DropOldest DropPolicy = iota

	// DropNewest rejects the incoming frame.
	DropNewest
)

// ParseDropPolicy converts a config value ("drop_oldest", "drop_newest").
func ParseDropPolicy(s string) (DropPolicy, error) {
	switch s {
	case "drop_oldest", "":
		return DropOldest, nil
	case "drop_newest":
		return DropNewest, nil
	default:
		return DropOldest, fmt.Errorf("espnow: unknown drop policy %q", s)
	}
}

// String returns the config spelling of the policy.
func (p DropPolicy) String() string {
	if p == DropNewest {
		return "drop_newest"
	}
	return "drop_oldest"
}

// Inbox is the bounded FIFO between the radio receive path and the bridge
// loop.
//
// Push never blocks and never allocates; it is safe to call from the radio
// callback. The mutex is held only for O(1) index updates.
//
// Thread Safety: one producer and one consumer may run concurrently;
// diagnostic accessors are safe from any goroutine.
type Inbox struct {
	mu     sync.Mutex
	buf    []Frame
	head   int // index of the oldest frame
	count  int
	policy DropPolicy

	dropped atomic.Uint64
	length  atomic.Int64
}

// NewInbox creates an inbox holding at most capacity frames.
// A capacity below 1 is raised to 1.
func NewInbox(capacity int, policy DropPolicy) *Inbox {
	if capacity < 1 {
		capacity = 1
	}
	return &Inbox{
		buf:    make([]Frame, capacity),
		policy: policy,
	}
}

// Push enqueues a frame without blocking.
//
// When the inbox is full, DropOldest evicts the oldest frame and returns
// true; DropNewest discards f and returns false. Either way the drop counter
// is incremented.
func (q *Inbox) Push(f Frame) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == len(q.buf) {
		q.dropped.Add(1)
		if q.policy == DropNewest {
			return false
		}
		q.buf[q.head] = Frame{}
		q.head = (q.head + 1) % len(q.buf)
		q.count--
	}

	q.put(f)
	return true
}

// TryPop removes and returns the oldest frame, or false if the inbox is empty.
func (q *Inbox) TryPop() (Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		return Frame{}, false
	}

	f := q.buf[q.head]
	q.buf[q.head] = Frame{}
	q.head = (q.head + 1) % len(q.buf)
	q.count--
	q.length.Store(int64(q.count))
	return f, true
}

// Requeue puts a frame back at the tail after a transient publish failure.
//
// A frame gets one retry: Requeue refuses frames that were already requeued.
// It also refuses when the inbox is full so fresh readings are never evicted
// for a retry. Refused frames are the caller's to drop.
func (q *Inbox) Requeue(f Frame) bool {
	if f.requeued {
		return false
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == len(q.buf) {
		return false
	}

	f.requeued = true
	q.put(f)
	return true
}

// put appends at the tail. Caller holds mu and has ensured there is room.
func (q *Inbox) put(f Frame) {
	tail := (q.head + q.count) % len(q.buf)
	q.buf[tail] = f
	q.count++
	q.length.Store(int64(q.count))
}

// Len returns the number of queued frames.
func (q *Inbox) Len() int {
	return int(q.length.Load())
}

// Cap returns the fixed capacity.
func (q *Inbox) Cap() int {
	return len(q.buf)
}

// Dropped returns the number of frames lost to overflow since creation.
func (q *Inbox) Dropped() uint64 {
	return q.dropped.Load()
}

// Policy returns the overflow policy.
func (q *Inbox) Policy() DropPolicy {
	return q.policy
}

package outbox

import (
	"context"
	"errors"
	"sync"

	"github.com/matheus3301/chatd/internal/domain"
)

// Kind says what a delivery carries.
type Kind string

const (
	KindMessage  Kind = "message"
	KindPresence Kind = "presence"
	KindReply    Kind = "reply"
	KindError    Kind = "error"
)

// Delivery is one outbound item for a session.
type Delivery struct {
	Kind     Kind
	Message  domain.Message
	Presence domain.PresenceRecord
	// RequestID correlates replies and errors with the client request.
	RequestID string
	// Reply is the payload of a reply or error frame.
	Reply any
}

// Policy decides what happens when a full queue receives another delivery.
type Policy string

const (
	// DropOldest discards the head of the queue to make room.
	DropOldest Policy = "drop_oldest"
	// Disconnect closes the queue with ErrQueueOverflow.
	Disconnect Policy = "disconnect"
)

// DefaultSize is the queue bound when none is configured.
const DefaultSize = 256

// ErrClosed is returned by a queue closed without a specific cause.
var ErrClosed = errors.New("outbox: queue closed")

// Queue is a bounded FIFO of deliveries for one session. Push never blocks,
// so a slow session cannot stall the path that produces deliveries.
type Queue struct {
	mu      sync.Mutex
	items   []Delivery
	size    int
	policy  Policy
	notify  chan struct{}
	done    chan struct{}
	err     error
	dropped int
	onDrop  func(Delivery)
}

// NewQueue creates a queue holding at most size deliveries. onDrop, if set,
// is called with the queue lock held for every delivery discarded by
// DropOldest; it must not touch the queue.
func NewQueue(size int, policy Policy, onDrop func(Delivery)) *Queue {
	if size <= 0 {
		size = DefaultSize
	}
	if policy != Disconnect {
		policy = DropOldest
	}
	return &Queue{
		items:  make([]Delivery, 0, size),
		size:   size,
		policy: policy,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		onDrop: onDrop,
	}
}

// Push appends d. It returns the close cause if the queue is closed, or
// ErrQueueOverflow if d overflowed a Disconnect queue (which is then closed).
func (q *Queue) Push(d Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	if len(q.items) == q.size {
		if q.policy == Disconnect {
			q.closeLocked(domain.Errorf(domain.ErrQueueOverflow, "%d deliveries pending", q.size))
			return q.err
		}
		head := q.items[0]
		q.items[0] = Delivery{}
		q.items = q.items[1:]
		q.dropped++
		if q.onDrop != nil {
			q.onDrop(head)
		}
	}
	q.items = append(q.items, d)

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Pop blocks until a delivery is available, the queue is closed, or ctx is done.
func (q *Queue) Pop(ctx context.Context) (Delivery, error) {
	for {
		q.mu.Lock()
		if q.err != nil {
			err := q.err
			q.mu.Unlock()
			return Delivery{}, err
		}
		if len(q.items) > 0 {
			d := q.items[0]
			q.items[0] = Delivery{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return d, nil
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-q.done:
		case <-ctx.Done():
			return Delivery{}, ctx.Err()
		}
	}
}

// Close discards pending deliveries and makes every later Push and Pop fail
// with err (ErrClosed when nil). Only the first call has an effect.
func (q *Queue) Close(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err == nil {
		err = ErrClosed
	}
	q.closeLocked(err)
}

func (q *Queue) closeLocked(err error) {
	if q.err != nil {
		return
	}
	q.err = err
	q.items = nil
	close(q.done)
}

// Done is closed when the queue closes.
func (q *Queue) Done() <-chan struct{} {
	return q.done
}

// Err returns the close cause, or nil while the queue is open.
func (q *Queue) Err() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.err
}

// Len returns the number of pending deliveries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Cap returns the queue bound.
func (q *Queue) Cap() int {
	return q.size
}

// Spill applies the overflow policy to d, the oldest entry of a buffer the
// caller holds beside the queue that has reached Cap. Under DropOldest d is
// discarded and counted; under Disconnect the queue closes with
// ErrQueueOverflow, which is returned.
func (q *Queue) Spill(d Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	if q.policy == Disconnect {
		q.closeLocked(domain.Errorf(domain.ErrQueueOverflow, "%d deliveries held back", q.size))
		return q.err
	}
	q.dropped++
	if q.onDrop != nil {
		q.onDrop(d)
	}
	return nil
}

// Dropped returns how many deliveries DropOldest discarded.
func (q *Queue) Dropped() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

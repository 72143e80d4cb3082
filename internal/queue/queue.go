package queue

import (
	"context"
	"math/rand"
	"sync"
	"time"

	appErrors "github.com/unclebandit/alert-relay/internal/errors"
	"github.com/unclebandit/alert-relay/internal/model"
)

// DefaultCapacity is the delivery queue size used when none is configured.
const DefaultCapacity = 100

// Queue is the delivery queue contract shared by the ingest side and the sender.
type Queue interface {
	// Put blocks until the item is accepted or ctx is done.
	Put(ctx context.Context, item *model.OutboundItem) error
	// TryPut enqueues without blocking and returns ErrQueueFull when there is no room.
	TryPut(item *model.OutboundItem) error
	// Get blocks until an item is available or ctx is done.
	Get(ctx context.Context) (*model.OutboundItem, error)
	// Done marks one dequeued item as fully handled.
	Done()
	// Len returns the number of items waiting.
	Len() int
}

// InMemoryQueue is a bounded FIFO of outbound items. It tracks unfinished
// items the same way for every item: one Done per accepted Put.
type InMemoryQueue struct {
	items chan *model.OutboundItem

	// putDelay is multiplied by the current depth and a random factor
	// before a blocking Put, to smooth bursts.
	putDelay time.Duration

	mu         sync.Mutex
	unfinished int
	idle       chan struct{}
}

// NewInMemoryQueue creates a queue holding at most capacity items.
func NewInMemoryQueue(capacity int, putDelay time.Duration) *InMemoryQueue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	idle := make(chan struct{})
	close(idle)
	return &InMemoryQueue{
		items:    make(chan *model.OutboundItem, capacity),
		putDelay: putDelay,
		idle:     idle,
	}
}

// Put waits a small randomized delay proportional to the queue depth, then
// blocks until there is room.
func (q *InMemoryQueue) Put(ctx context.Context, item *model.OutboundItem) error {
	if q.putDelay > 0 {
		if depth := q.Len(); depth > 0 {
			d := time.Duration(rand.Float64() * float64(depth) * float64(q.putDelay))
			if err := Sleep(ctx, d); err != nil {
				return err
			}
		}
	}

	q.begin()
	select {
	case q.items <- item:
		return nil
	case <-ctx.Done():
		q.Done()
		return ctx.Err()
	}
}

// TryPut enqueues without blocking.
func (q *InMemoryQueue) TryPut(item *model.OutboundItem) error {
	q.begin()
	select {
	case q.items <- item:
		return nil
	default:
		q.Done()
		return appErrors.ErrQueueFull
	}
}

// Get returns the oldest item.
func (q *InMemoryQueue) Get(ctx context.Context) (*model.OutboundItem, error) {
	select {
	case item := <-q.items:
		return item, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done marks one item as handled. Calling Done more often than items were
// accepted is a bug and panics.
func (q *InMemoryQueue) Done() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.unfinished == 0 {
		panic("queue: Done called more times than items were queued")
	}
	q.unfinished--
	if q.unfinished == 0 {
		close(q.idle)
	}
}

// Len returns the number of waiting items.
func (q *InMemoryQueue) Len() int {
	return len(q.items)
}

// Cap returns the queue capacity.
func (q *InMemoryQueue) Cap() int {
	return cap(q.items)
}

// Unfinished returns the number of accepted items not yet marked Done.
func (q *InMemoryQueue) Unfinished() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.unfinished
}

// Join blocks until every accepted item has been marked Done.
func (q *InMemoryQueue) Join(ctx context.Context) error {
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *InMemoryQueue) begin() {
	q.mu.Lock()
	if q.unfinished == 0 {
		q.idle = make(chan struct{})
	}
	q.unfinished++
	q.mu.Unlock()
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ Queue = (*InMemoryQueue)(nil)

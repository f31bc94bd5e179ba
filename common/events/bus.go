package events

import (
	"sync"
	"sync/atomic"

	"github.com/forgeline/overseer/common/logger"
	"github.com/forgeline/overseer/common/state"
)

// AllWorkflows subscribes to every workflow's stream
const AllWorkflows = ""

// Subscription is a cancellable handle onto the bus. Events arrive on C in
// emission order for any single workflow. Cancel is idempotent.
type Subscription struct {
	C <-chan state.WorkflowEvent

	id         uint64
	workflowID string
	ch         chan state.WorkflowEvent
	bus        *Bus
	once       sync.Once
	dropped    atomic.Int64
}

// Dropped reports how many events this subscriber lost to backlog overflow
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Cancel removes the subscription from the bus and closes its channel
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.bus.remove(s)
		close(s.ch)
	})
}

// Bus is the process-wide in-memory publisher of workflow events. It is
// pure memory; durability comes from the store writing the same events.
// Publishing never blocks: a subscriber whose backlog is full loses the
// event and the drop is logged.
type Bus struct {
	mu      sync.RWMutex
	subs    map[uint64]*Subscription
	nextID  uint64
	bufSize int
	closed  bool
	log     *logger.Logger
}

// NewBus creates an event bus. bufSize bounds each subscriber's backlog.
func NewBus(bufSize int, log *logger.Logger) *Bus {
	if bufSize <= 0 {
		bufSize = 256
	}
	return &Bus{
		subs:    make(map[uint64]*Subscription),
		bufSize: bufSize,
		log:     log,
	}
}

// Subscribe registers a subscriber for one workflow's events, or for all
// workflows when workflowID is AllWorkflows.
func (b *Bus) Subscribe(workflowID string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan state.WorkflowEvent, b.bufSize)
	b.nextID++
	sub := &Subscription{
		C:          ch,
		id:         b.nextID,
		workflowID: workflowID,
		ch:         ch,
		bus:        b,
	}

	if b.closed {
		close(ch)
		return sub
	}

	b.subs[sub.id] = sub
	return sub
}

// Publish fans an event out to matching subscribers without blocking
func (b *Bus) Publish(evt state.WorkflowEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, sub := range b.subs {
		if sub.workflowID != AllWorkflows && sub.workflowID != evt.WorkflowID {
			continue
		}

		select {
		case sub.ch <- evt:
		default:
			dropped := sub.dropped.Add(1)
			b.log.Warn("event subscriber backlog full, dropping event",
				"workflow_id", evt.WorkflowID,
				"event_type", evt.EventType,
				"sequence", evt.Sequence,
				"dropped_total", dropped)
		}
	}
}

// SubscriberCount reports how many subscriptions are registered
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close cancels every subscription and rejects further publishes
func (b *Bus) Close() {
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.closed = true
	b.subs = make(map[uint64]*Subscription)
	b.mu.Unlock()

	for _, s := range subs {
		s.once.Do(func() {
			close(s.ch)
		})
	}
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, s.id)
}

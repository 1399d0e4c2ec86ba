// Package events is the Event Bus (spec §4.4): an in-process, topic-routed
// pub/sub bus with a single dispatcher goroutine draining a bounded FIFO
// and per-subscriber bounded queues that drop the oldest event and emit a
// DropNotice on overflow, so one slow subscriber never blocks another.
//
// Grounded on the teacher's system/events dispatcher.go — its
// register/filter/queue/worker/stats shape is kept, generalized from
// contract-event routing (id + filter by contract/event-name) to CSA's
// closed topic taxonomy and per-subscriber delivery queues.
package events

import (
	"fmt"
	"sync"
	"time"

	"github.com/csaworkbench/engine/infrastructure/logging"
)

// Topic taxonomy (spec §4.4).
const (
	TopicSystemUpdated       = "SystemUpdated"
	TopicComponentChanged    = "ComponentChanged"
	TopicRelationshipChanged = "RelationshipModified"
	TopicAnalysisCompleted   = "AnalysisCompleted"
	TopicValidationFailed    = "ValidationFailed"
	TopicUserInteraction     = "UserInteraction"
	TopicStateChanged        = "StateChanged"
)

// Event is the typed, timestamped notification published through the bus.
type Event struct {
	ID        string      `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	Source    string      `json:"source"`
}

// DropNotice is emitted on a subscriber's own queue (as a Type =
// "DropNotice" Event) when that subscriber's backlog overflowed and the
// oldest pending event was discarded to preserve liveness for others.
type DropNotice struct {
	SubscriberHandle string `json:"subscriber_handle"`
	DroppedEventID   string `json:"dropped_event_id"`
	DroppedType      string `json:"dropped_type"`
}

// subscription is one registered subscriber: its topic filter and its own
// bounded delivery queue, which the subscriber drains itself via Events.
type subscription struct {
	handle string
	topics map[string]struct{} // empty set = all topics
	queue  chan Event
	stopCh chan struct{}
}

func (s *subscription) matches(topic string) bool {
	if len(s.topics) == 0 {
		return true
	}
	_, ok := s.topics[topic]
	return ok
}

// Bus is the Event Bus. Publish enqueues onto a single bounded intake FIFO;
// one dispatcher goroutine drains it and fans each event out to every
// matching subscriber's own queue, dropping on that subscriber's overflow
// without affecting any other subscriber.
type Bus struct {
	mu            sync.RWMutex
	subscriptions map[string]*subscription
	nextHandle    uint64

	intake     chan Event
	subQueueCap int
	log        *logging.Logger

	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool

	published int64
	dropped   int64
}

// Config configures the Bus.
type Config struct {
	IntakeCapacity      int
	SubscriberQueueCapacity int
	Logger              *logging.Logger
}

// New constructs a Bus and starts its dispatcher goroutine.
func New(cfg Config) *Bus {
	if cfg.IntakeCapacity <= 0 {
		cfg.IntakeCapacity = 1024
	}
	if cfg.SubscriberQueueCapacity <= 0 {
		cfg.SubscriberQueueCapacity = 128
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New("event-bus", "info", "json")
	}

	b := &Bus{
		subscriptions: make(map[string]*subscription),
		intake:        make(chan Event, cfg.IntakeCapacity),
		subQueueCap:   cfg.SubscriberQueueCapacity,
		log:           cfg.Logger,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
		running:       true,
	}
	go b.dispatchLoop()
	return b
}

// Publish enqueues an event for async fan-out (non-blocking unless the
// bounded intake FIFO is itself full, in which case the publisher
// observes backpressure per spec §5's "publication suspends if the
// bounded queue is at capacity").
func (b *Bus) Publish(topic string, payload interface{}) {
	b.PublishEvent(Event{
		ID:        newEventID(),
		Timestamp: time.Now(),
		Type:      topic,
		Payload:   payload,
		Source:    "engine",
	})
}

// PublishEvent enqueues a fully-formed Event.
func (b *Bus) PublishEvent(evt Event) {
	b.intake <- evt
}

// Subscribe registers a new subscriber interested in topics (empty = all
// topics) and returns a unique handle used to Unsubscribe and to drain
// events via Events(handle).
func (b *Bus) Subscribe(topics ...string) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextHandle++
	handle := fmt.Sprintf("sub-%d", b.nextHandle)

	topicSet := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		topicSet[t] = struct{}{}
	}

	b.subscriptions[handle] = &subscription{
		handle: handle,
		topics: topicSet,
		queue:  make(chan Event, b.subQueueCap),
		stopCh: make(chan struct{}),
	}
	return handle
}

// Unsubscribe removes a subscriber and closes its stop channel. The delivery
// channel returned by Events(handle) is not closed, so a range loop over it
// does not end on its own.
func (b *Bus) Unsubscribe(handle string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subscriptions[handle]
	if !ok {
		return
	}
	close(sub.stopCh)
	delete(b.subscriptions, handle)
}

// Events returns the subscriber's delivery channel, in publish order for
// that subscriber (spec §5: "events for a given System are delivered to
// any one subscriber in publish order").
func (b *Bus) Events(handle string) (<-chan Event, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	sub, ok := b.subscriptions[handle]
	if !ok {
		return nil, false
	}
	return sub.queue, true
}

// Stop halts the dispatcher loop; already-enqueued intake events are
// drained before returning.
func (b *Bus) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	close(b.stopCh)
	b.mu.Unlock()

	<-b.doneCh
}

func (b *Bus) dispatchLoop() {
	defer close(b.doneCh)
	for {
		select {
		case <-b.stopCh:
			// select doesn't prefer this case over a ready b.intake case, so a
			// concurrent Stop can win the race with events still buffered;
			// drain whatever's left so Stop's "already-enqueued events are
			// drained" guarantee holds regardless of which case fired.
			b.drainIntake()
			return
		case evt := <-b.intake:
			b.fanOut(evt)
		}
	}
}

func (b *Bus) drainIntake() {
	for {
		select {
		case evt := <-b.intake:
			b.fanOut(evt)
		default:
			return
		}
	}
}

func (b *Bus) fanOut(evt Event) {
	b.mu.RLock()
	subs := make([]*subscription, 0, len(b.subscriptions))
	for _, s := range b.subscriptions {
		if s.matches(evt.Type) {
			subs = append(subs, s)
		}
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		b.deliver(sub, evt)
	}

	b.mu.Lock()
	b.published++
	b.mu.Unlock()
}

// deliver pushes evt onto sub's queue, dropping the oldest pending event
// and emitting a DropNotice on overflow rather than blocking — a slow
// subscriber never stalls delivery to any other subscriber.
func (b *Bus) deliver(sub *subscription, evt Event) {
	select {
	case sub.queue <- evt:
		return
	default:
	}

	var dropped Event
	select {
	case dropped = <-sub.queue:
	default:
	}

	b.mu.Lock()
	b.dropped++
	b.mu.Unlock()

	notice := Event{
		ID:        newEventID(),
		Timestamp: time.Now(),
		Type:      "DropNotice",
		Source:    "event-bus",
		Payload: DropNotice{
			SubscriberHandle: sub.handle,
			DroppedEventID:   dropped.ID,
			DroppedType:      dropped.Type,
		},
	}

	// The DropNotice is the one delivery we guarantee: push it first, evicting
	// another pending item if the queue already filled back up, so it never
	// loses the race to the replacement event for the slot just freed above.
	select {
	case sub.queue <- notice:
	default:
		select {
		case <-sub.queue:
		default:
		}
		select {
		case sub.queue <- notice:
		default:
		}
	}

	select {
	case sub.queue <- evt:
	default:
		// A capacity-1 (or otherwise fully occupied) queue has no room left
		// for evt once the notice claimed the freed slot; it's dropped too.
		b.mu.Lock()
		b.dropped++
		b.mu.Unlock()
	}
}

// Stats reports bus-wide counters, for the metrics wiring described in
// infrastructure/metrics.
type Stats struct {
	SubscriberCount int
	Published       int64
	Dropped         int64
}

func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Stats{
		SubscriberCount: len(b.subscriptions),
		Published:       b.published,
		Dropped:         b.dropped,
	}
}

var eventSeq uint64
var eventSeqMu sync.Mutex

func newEventID() string {
	eventSeqMu.Lock()
	eventSeq++
	seq := eventSeq
	eventSeqMu.Unlock()
	return fmt.Sprintf("evt-%d-%d", time.Now().UnixNano(), seq)
}

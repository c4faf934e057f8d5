package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/factoriod/factoriod/internal/common/logger"
)

// topicBuffer bounds each subscription's backlog. Overrunning it loses
// events and surfaces a lag delivery, never an error.
const topicBuffer = 100

// ErrSubscriptionClosed is returned by Next after Close.
var ErrSubscriptionClosed = errors.New("subscription closed")

// Delivery is one item received from a subscription: either an event or a
// lag notification carrying the number of events skipped since the last
// delivery.
type Delivery struct {
	Event   Event
	Skipped uint64
}

// Lagged reports whether d is a lag notification rather than an event.
func (d Delivery) Lagged() bool { return d.Skipped > 0 }

// Subscription is one subscriber's view of a topic. Receive with Next; drop
// with Close. A subscriber that stops reading loses events but is never
// terminated by the broker.
type Subscription struct {
	topic  TopicName
	filter Filter

	ch      chan Event
	skipped atomic.Uint64

	closeOnce sync.Once
	closed    chan struct{}
	detach    func()
}

// Next blocks for the next delivery. Buffered events drain in publish order;
// once the buffer is empty any accumulated skip count is delivered as a lag
// notification before blocking for new events.
func (s *Subscription) Next(ctx context.Context) (Delivery, error) {
	// Drain buffered events first so lag reports after the surviving prefix.
	select {
	case ev := <-s.ch:
		return Delivery{Event: ev}, nil
	default:
	}

	if n := s.skipped.Swap(0); n > 0 {
		return Delivery{Skipped: n}, nil
	}

	select {
	case ev := <-s.ch:
		return Delivery{Event: ev}, nil
	case <-s.closed:
		return Delivery{}, ErrSubscriptionClosed
	case <-ctx.Done():
		return Delivery{}, ctx.Err()
	}
}

// Close detaches the subscription from the broker. Safe to call repeatedly.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.detach()
		close(s.closed)
	})
}

// Topic returns the subscribed topic.
func (s *Subscription) Topic() TopicName { return s.topic }

type topic struct {
	mu   sync.Mutex
	subs map[int]*Subscription
}

// Broker routes events to topic subscribers. Topics are created lazily on
// first publish or subscribe; publishes with no live subscribers are
// dropped.
type Broker struct {
	logger *logger.Logger

	mu     sync.RWMutex
	topics map[TopicName]*topic
	nextID int
}

// NewBroker returns an empty broker.
func NewBroker(log *logger.Logger) *Broker {
	return &Broker{
		logger: log,
		topics: make(map[TopicName]*topic),
	}
}

// Publish delivers the event to every matching subscriber of every topic in
// its tag map. It never blocks on a subscriber: a full buffer increments
// that subscriber's skip count instead.
func (b *Broker) Publish(ev Event) {
	for name, tagValue := range ev.Tags {
		t := b.topicFor(name)

		t.mu.Lock()
		for _, sub := range t.subs {
			if !sub.filter(tagValue) {
				continue
			}
			select {
			case sub.ch <- ev:
			default:
				sub.skipped.Add(1)
			}
		}
		t.mu.Unlock()
	}
}

// Subscribe attaches a filtered subscriber to a topic, creating the topic if
// needed.
func (b *Broker) Subscribe(name TopicName, filter Filter) *Subscription {
	if filter == nil {
		filter = FilterAll
	}
	t := b.topicFor(name)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.mu.Unlock()

	sub := &Subscription{
		topic:  name,
		filter: filter,
		ch:     make(chan Event, topicBuffer),
		closed: make(chan struct{}),
	}
	sub.detach = func() {
		t.mu.Lock()
		delete(t.subs, id)
		t.mu.Unlock()
	}

	t.mu.Lock()
	t.subs[id] = sub
	t.mu.Unlock()

	b.logger.Debug("Subscriber attached", zap.String("topic", string(name)))
	return sub
}

// SubscriberCount reports live subscribers on a topic.
func (b *Broker) SubscriberCount(name TopicName) int {
	b.mu.RLock()
	t, ok := b.topics[name]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// topicFor returns the topic, creating it lazily. Fast path is a read lock.
func (b *Broker) topicFor(name TopicName) *topic {
	b.mu.RLock()
	t, ok := b.topics[name]
	b.mu.RUnlock()
	if ok {
		return t
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[name]; ok {
		return t
	}
	t = &topic{subs: make(map[int]*Subscription)}
	b.topics[name] = t
	return t
}

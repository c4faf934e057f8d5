package server

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/factoriod/factoriod/internal/common/logger"
	"github.com/factoriod/factoriod/pkg/schema"
)

// subscriberBuffer bounds each subscriber's backlog. A peer that falls this
// far behind starts losing lines rather than stalling the publisher.
const subscriberBuffer = 300

// StdoutBus fans server stdout lines out to every connected peer. Publishing
// never blocks: a full subscriber channel drops the line for that subscriber
// only.
type StdoutBus struct {
	logger *logger.Logger

	mu     sync.Mutex
	nextID int
	subs   map[int]chan schema.AgentStreamingMessage
}

// NewStdoutBus returns an empty bus.
func NewStdoutBus(log *logger.Logger) *StdoutBus {
	return &StdoutBus{
		logger: log,
		subs:   make(map[int]chan schema.AgentStreamingMessage),
	}
}

// Publish stamps the line and fans it out.
func (b *StdoutBus) Publish(line string) {
	msg := schema.AgentStreamingMessage{
		Timestamp: time.Now().UTC(),
		Content:   schema.StreamingContent{ServerStdout: line},
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- msg:
		default:
			b.logger.Warn("Dropping stdout line for lagging peer", zap.Int("subscriber", id))
		}
	}
}

// Subscribe registers a new subscriber. The returned cancel func must be
// called exactly once; afterwards the channel is closed.
func (b *StdoutBus) Subscribe() (<-chan schema.AgentStreamingMessage, func()) {
	ch := make(chan schema.AgentStreamingMessage, subscriberBuffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		close(ch)
	}
	return ch, cancel
}

// SubscriberCount reports the number of live subscribers.
func (b *StdoutBus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

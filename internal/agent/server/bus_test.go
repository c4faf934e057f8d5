package server

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/factoriod/factoriod/internal/common/logger"
)

func TestBusDelivery(t *testing.T) {
	b := NewStdoutBus(logger.Default())

	ch, cancel := b.Subscribe()
	defer cancel()
	require.Equal(t, 1, b.SubscriberCount())

	b.Publish("line one")

	select {
	case msg := <-ch:
		assert.Equal(t, "line one", msg.Content.ServerStdout)
		assert.False(t, msg.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("no message delivered")
	}
}

func TestBusLaggingSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := NewStdoutBus(logger.Default())

	ch, cancel := b.Subscribe()
	defer cancel()

	// Overfill the subscriber buffer; publishing must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer+50; i++ {
			b.Publish(fmt.Sprintf("line %d", i))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a lagging subscriber")
	}

	// The buffered prefix survived in order; the overflow was dropped.
	assert.Len(t, ch, subscriberBuffer)
	first := <-ch
	assert.Equal(t, "line 0", first.Content.ServerStdout)
}

func TestBusUnsubscribeStopsDelivery(t *testing.T) {
	b := NewStdoutBus(logger.Default())

	ch, cancel := b.Subscribe()
	cancel()
	require.Equal(t, 0, b.SubscriberCount())

	b.Publish("after cancel")

	_, ok := <-ch
	assert.False(t, ok, "channel should be closed")
}

func TestBusIndependentSubscribers(t *testing.T) {
	b := NewStdoutBus(logger.Default())

	ch1, cancel1 := b.Subscribe()
	defer cancel1()
	ch2, cancel2 := b.Subscribe()
	defer cancel2()

	b.Publish("broadcast")

	msg1 := <-ch1
	msg2 := <-ch2
	assert.Equal(t, "broadcast", msg1.Content.ServerStdout)
	assert.Equal(t, "broadcast", msg2.Content.ServerStdout)
}

package rpc

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/factoriod/factoriod/internal/common/logger"
	"github.com/factoriod/factoriod/internal/mgmt/events"
	"github.com/factoriod/factoriod/internal/mgmt/metrics"
)

func newTestHandler(t *testing.T) (*Handler, *events.Broker, *metrics.Store) {
	t.Helper()
	store, err := metrics.NewStore(filepath.Join(t.TempDir(), "metrics.db"), logger.Default())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	broker := events.NewBroker(logger.Default())
	return NewHandler(broker, store, logger.Default()), broker, store
}

func publishRPC(b *events.Broker, payload string) {
	b.Publish(events.Event{
		Tags: map[events.TopicName]string{
			events.TopicStdout: events.StdoutRPC,
			events.TopicRPC:    payload,
		},
		Timestamp: time.Now().UTC(),
		Content:   payload,
	})
}

func TestStreamCommandPersistsBatch(t *testing.T) {
	h, broker, store := newTestHandler(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)
	time.Sleep(20 * time.Millisecond)

	publishRPC(broker, `stream {"timestamp":3600,"data":{"iron-plate":41,"copper-plate":12.5}}`)

	require.Eventually(t, func() bool {
		points, err := store.Query(context.Background(), "iron-plate", 0, 1_000_000)
		return err == nil && len(points) == 1
	}, 2*time.Second, 10*time.Millisecond)

	points, err := store.Query(context.Background(), "copper-plate", 3600, 3601)
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, 12.5, points[0].Value)
}

func TestInvalidNamesAreSkippedNotFatal(t *testing.T) {
	h, broker, store := newTestHandler(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)
	time.Sleep(20 * time.Millisecond)

	publishRPC(broker, `stream {"timestamp":60,"data":{"bad#name":1,"good-name":2}}`)

	require.Eventually(t, func() bool {
		names, err := store.Names(context.Background())
		return err == nil && len(names) == 1
	}, 2*time.Second, 10*time.Millisecond)

	names, err := store.Names(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"good-name"}, names)
}

func TestMalformedAndUnknownPayloadsIgnored(t *testing.T) {
	h, broker, store := newTestHandler(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)
	time.Sleep(20 * time.Millisecond)

	publishRPC(broker, `stream not-json`)
	publishRPC(broker, `unknown-command {}`)
	publishRPC(broker, `stream {"timestamp":1,"data":{"ok":1}}`)

	require.Eventually(t, func() bool {
		names, err := store.Names(context.Background())
		return err == nil && len(names) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

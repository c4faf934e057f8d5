// Package rpc consumes the in-game [RPC] channel: commands the game script
// prints to stdout for the management server to act on. Currently the only
// command is "stream", carrying a metric datapoint batch.
package rpc

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/factoriod/factoriod/internal/common/logger"
	"github.com/factoriod/factoriod/internal/mgmt/events"
	"github.com/factoriod/factoriod/internal/mgmt/metrics"
)

const commandStream = "stream"

// DataPointBatch is the JSON payload of the stream command: one game tick
// stamp and a value per metric name.
type DataPointBatch struct {
	Timestamp uint64             `json:"timestamp"`
	Data      map[string]float64 `json:"data"`
}

// Handler subscribes to the rpc topic and applies commands.
type Handler struct {
	broker *events.Broker
	store  *metrics.Store
	logger *logger.Logger
}

// NewHandler wires the handler.
func NewHandler(broker *events.Broker, store *metrics.Store, log *logger.Logger) *Handler {
	return &Handler{broker: broker, store: store, logger: log}
}

// Run consumes rpc events until ctx is cancelled.
func (h *Handler) Run(ctx context.Context) {
	sub := h.broker.Subscribe(events.TopicRPC, events.FilterAll)
	defer sub.Close()

	for {
		d, err := sub.Next(ctx)
		if err != nil {
			return
		}
		if d.Lagged() {
			h.logger.Warn("RPC handler lagged, commands lost", zap.Uint64("skipped", d.Skipped))
			continue
		}
		h.handle(ctx, d.Event.Tags[events.TopicRPC])
	}
}

// handle splits one payload into command and args and dispatches it.
func (h *Handler) handle(ctx context.Context, payload string) {
	command, args, _ := strings.Cut(strings.TrimSpace(payload), " ")
	switch command {
	case commandStream:
		h.handleStream(ctx, args)
	case "":
		h.logger.Warn("Ignoring empty rpc payload")
	default:
		h.logger.Warn("Ignoring unknown rpc command", zap.String("command", command))
	}
}

// handleStream decodes a datapoint batch and persists it. Individual invalid
// points are skipped inside the store; only a wholly unparseable batch is
// dropped.
func (h *Handler) handleStream(ctx context.Context, args string) {
	var batch DataPointBatch
	if err := json.Unmarshal([]byte(args), &batch); err != nil {
		h.logger.Warn("Discarding malformed stream batch", zap.Error(err))
		return
	}

	points := make([]metrics.DataPoint, 0, len(batch.Data))
	for name, value := range batch.Data {
		points = append(points, metrics.DataPoint{
			Name:  name,
			Tick:  batch.Timestamp,
			Value: value,
		})
	}

	written, err := h.store.WriteBatch(ctx, points)
	if err != nil {
		h.logger.Error("Failed to persist stream batch", zap.Error(err))
		return
	}
	h.logger.Debug("Persisted stream batch",
		zap.Uint64("tick", batch.Timestamp), zap.Int("written", written))
}

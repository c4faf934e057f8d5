package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/factoriod/factoriod/internal/common/config"
	"github.com/factoriod/factoriod/internal/common/logger"
)

// relayedEvent is the wire shape of a republished broker event.
type relayedEvent struct {
	Tags      map[TopicName]string `json:"tags"`
	Timestamp time.Time            `json:"timestamp"`
	Content   string               `json:"content"`
}

// Relay republishes selected broker topics onto NATS so external consumers
// (dashboards, bots) can follow the event stream without speaking the
// management server's WebSocket API. Relaying is best-effort and mirrors the
// broker's lag-drop semantics.
type Relay struct {
	conn   *nats.Conn
	prefix string
	logger *logger.Logger
}

// NewRelay connects to NATS with reconnection handling.
func NewRelay(cfg config.NATSConfig, log *logger.Logger) (*Relay, error) {
	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", zap.Error(err))
			} else {
				log.Info("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				log.Error("NATS connection closed", zap.Error(err))
			} else {
				log.Info("NATS connection closed")
			}
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}
	log.Info("Connected to NATS", zap.String("url", cfg.URL))

	return &Relay{conn: conn, prefix: cfg.SubjectPrefix, logger: log}, nil
}

// Run forwards every event on the given topics until ctx is cancelled.
// Subjects are <prefix>.<topic>.
func (r *Relay) Run(ctx context.Context, broker *Broker, topics ...TopicName) {
	for _, t := range topics {
		go r.forward(ctx, broker.Subscribe(t, FilterAll))
	}
	<-ctx.Done()
}

func (r *Relay) forward(ctx context.Context, sub *Subscription) {
	defer sub.Close()
	subject := fmt.Sprintf("%s.%s", r.prefix, sub.Topic())

	for {
		d, err := sub.Next(ctx)
		if err != nil {
			return
		}
		if d.Lagged() {
			r.logger.Warn("Relay lagged behind broker",
				zap.String("subject", subject), zap.Uint64("skipped", d.Skipped))
			continue
		}

		data, err := json.Marshal(relayedEvent{
			Tags:      d.Event.Tags,
			Timestamp: d.Event.Timestamp,
			Content:   d.Event.Content,
		})
		if err != nil {
			r.logger.Error("Failed to encode relayed event", zap.Error(err))
			continue
		}
		if err := r.conn.Publish(subject, data); err != nil {
			r.logger.Warn("Failed to relay event", zap.String("subject", subject), zap.Error(err))
		}
	}
}

// Close drains the connection.
func (r *Relay) Close() {
	if r.conn == nil {
		return
	}
	if err := r.conn.Drain(); err != nil {
		r.logger.Warn("Error draining NATS connection", zap.Error(err))
		r.conn.Close()
	}
}

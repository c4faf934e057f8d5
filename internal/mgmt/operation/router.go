// Package operation issues correlated requests to an agent over the event
// broker and exposes their reply streams: synchronous awaits for short
// operations, self-fusing event streams for long ones.
package operation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/factoriod/factoriod/internal/common/logger"
	"github.com/factoriod/factoriod/internal/mgmt/events"
	"github.com/factoriod/factoriod/pkg/schema"
)

// AgentSender delivers one raw request frame towards an agent. Implemented
// by the link supervisor.
type AgentSender interface {
	Addr() string
	Send(frame []byte) error
}

// Router mints operation ids and pairs requests with their reply streams.
type Router struct {
	broker     *events.Broker
	sender     AgentSender
	ackTimeout time.Duration
	logger     *logger.Logger
}

// NewRouter wires a router for one agent link.
func NewRouter(broker *events.Broker, sender AgentSender, ackTimeout time.Duration, log *logger.Logger) *Router {
	return &Router{
		broker:     broker,
		sender:     sender,
		ackTimeout: ackTimeout,
		logger:     log,
	}
}

// Stream is the reply stream of one long operation. It fuses after the
// terminal frame: Next returns ErrDone forever afterwards.
type Stream struct {
	ID schema.OperationID

	sub    *events.Subscription
	logger *logger.Logger
	done   bool
}

// ErrDone is returned by Next after the terminal frame has been delivered.
var ErrDone = errors.New("operation finished")

// Next returns the next response envelope, ending with the terminal one.
func (s *Stream) Next(ctx context.Context) (schema.AgentResponseEnvelope, error) {
	if s.done {
		return schema.AgentResponseEnvelope{}, ErrDone
	}
	for {
		d, err := s.sub.Next(ctx)
		if err != nil {
			if errors.Is(err, events.ErrSubscriptionClosed) {
				return schema.AgentResponseEnvelope{}, ErrDone
			}
			return schema.AgentResponseEnvelope{}, err
		}
		if d.Lagged() {
			s.logger.Warn("Operation stream lagged",
				zap.String("operation_id", string(s.ID)), zap.Uint64("skipped", d.Skipped))
			continue
		}

		var env schema.AgentResponseEnvelope
		if err := json.Unmarshal([]byte(d.Event.Content), &env); err != nil {
			s.logger.Warn("Discarding malformed operation event",
				zap.String("operation_id", string(s.ID)), zap.Error(err))
			continue
		}
		if env.Status.Terminal() {
			s.done = true
			s.sub.Close()
		}
		return env, nil
	}
}

// Close drops the stream before its terminal frame.
func (s *Stream) Close() {
	s.done = true
	s.sub.Close()
}

// send issues the request and returns the not-yet-acked stream.
func (r *Router) send(msg schema.AgentRequest) (*Stream, error) {
	id := schema.OperationID(uuid.NewString())
	frame, err := json.Marshal(schema.AgentRequestEnvelope{OperationID: id, Message: msg})
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	// Subscribe before sending so the first reply cannot be missed.
	sub := r.broker.Subscribe(events.TopicOperation, events.FilterEquals(string(id)))
	if err := r.sender.Send(frame); err != nil {
		sub.Close()
		return nil, fmt.Errorf("%w: %v", ErrAgentDisconnected, err)
	}

	r.logger.Debug("Issued operation",
		zap.String("operation_id", string(id)), zap.String("kind", string(msg.Kind)))
	return &Stream{ID: id, sub: sub, logger: r.logger}, nil
}

// StartLong issues a long operation and awaits its Ack within the
// no-ack-timeout. The returned stream carries the Ongoing and terminal
// frames.
func (r *Router) StartLong(ctx context.Context, msg schema.AgentRequest) (*Stream, error) {
	stream, err := r.send(msg)
	if err != nil {
		return nil, err
	}

	ackCtx, cancel := context.WithTimeout(ctx, r.ackTimeout)
	defer cancel()
	env, err := stream.Next(ackCtx)
	if err != nil {
		stream.Close()
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrAgentTimeout
		}
		return nil, err
	}

	switch env.Status {
	case schema.StatusAck:
		return stream, nil
	case schema.StatusFailed:
		stream.Close()
		return nil, contentError(env.Content)
	case schema.StatusCompleted:
		// A fast agent may complete before acking; the stream is already
		// fused.
		r.logger.Warn("Operation completed without ack", zap.String("operation_id", string(stream.ID)))
		return stream, nil
	default:
		stream.Close()
		return nil, &AgentError{Message: fmt.Sprintf("unexpected first frame status %s", env.Status)}
	}
}

// RunShort issues a short operation and awaits its single terminal frame
// within the per-call timeout.
func (r *Router) RunShort(ctx context.Context, msg schema.AgentRequest, timeout time.Duration) (schema.AgentOutMessage, error) {
	stream, err := r.send(msg)
	if err != nil {
		return schema.AgentOutMessage{}, err
	}
	defer stream.Close()

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for {
		env, err := stream.Next(callCtx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return schema.AgentOutMessage{}, ErrAgentTimeout
			}
			return schema.AgentOutMessage{}, err
		}
		switch env.Status {
		case schema.StatusCompleted:
			return env.Content, nil
		case schema.StatusFailed:
			return schema.AgentOutMessage{}, contentError(env.Content)
		default:
			// Ack/Ongoing on a nominally short op; keep waiting for the
			// terminal.
		}
	}
}

// contentError maps a Failed terminal's content onto the error taxonomy.
func contentError(content schema.AgentOutMessage) error {
	switch content.Kind {
	case schema.OutConflictingOperation:
		return ErrConflictingOperation
	case schema.OutMissingSecrets:
		return ErrMissingSecrets
	case schema.OutNotInstalled:
		return ErrNotInstalled
	case schema.OutSaveNotFound:
		return ErrSaveNotFound
	case schema.OutError:
		return &AgentError{Message: content.Error}
	default:
		return &AgentError{Message: fmt.Sprintf("unexpected failure content %s", content.Kind)}
	}
}

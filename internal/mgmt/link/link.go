// Package link maintains the management server's client WebSocket to one
// agent: infinite reconnection, keep-alive pings, and the bidirectional pipe
// between the socket and the event broker.
package link

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/factoriod/factoriod/internal/common/logger"
	"github.com/factoriod/factoriod/internal/mgmt/events"
)

const (
	pingInterval   = 15 * time.Second
	maxMissedPings = 3
	reconnectDelay = 3 * time.Second
)

// Supervisor owns the link to one agent. Requests reach the agent by
// publishing to the broker's outgoing topic keyed with the agent address;
// every inbound frame is classified and published back onto the broker.
type Supervisor struct {
	addr   string
	broker *events.Broker
	logger *logger.Logger

	connected atomic.Bool
}

// NewSupervisor prepares a link to the agent at host:port.
func NewSupervisor(addr string, broker *events.Broker, log *logger.Logger) *Supervisor {
	return &Supervisor{
		addr:   addr,
		broker: broker,
		logger: log.WithAgent(addr),
	}
}

// Connected reports whether the link is currently up. Callers seeing false
// should surface AgentDisconnected rather than queueing.
func (s *Supervisor) Connected() bool { return s.connected.Load() }

// Addr returns the agent address this link serves.
func (s *Supervisor) Addr() string { return s.addr }

// Run reconnects forever until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	u := url.URL{Scheme: "ws", Host: s.addr, Path: "/ws"}

	for {
		if ctx.Err() != nil {
			return
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
		if err != nil {
			s.logger.Warn("Failed to connect to agent", zap.Error(err))
		} else {
			s.logger.Info("Connected to agent")
			s.connected.Store(true)
			s.serve(ctx, conn)
			s.connected.Store(false)
			s.logger.Warn("Agent link down")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

// serve runs the keep-alive, outgoing forwarder and incoming publisher over
// one connection, returning when the first of them dies.
func (s *Supervisor) serve(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var writeMu sync.Mutex
	var missedPings atomic.Int32
	conn.SetPongHandler(func(string) error {
		missedPings.Store(0)
		return nil
	})

	dead := make(chan struct{}, 3)
	die := func() {
		select {
		case dead <- struct{}{}:
		default:
		}
	}

	// Keep-alive.
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-connCtx.Done():
				return
			case <-ticker.C:
			}
			if missedPings.Add(1) > maxMissedPings {
				s.logger.Warn("Agent missed keep-alive pings, dropping link")
				die()
				return
			}
			writeMu.Lock()
			err := conn.WriteMessage(websocket.PingMessage, nil)
			writeMu.Unlock()
			if err != nil {
				die()
				return
			}
		}
	}()

	// Outgoing forwarder: broker → socket.
	sub := s.broker.Subscribe(events.TopicAgentOutgoing, events.FilterEquals(s.addr))
	defer sub.Close()
	go func() {
		for {
			d, err := sub.Next(connCtx)
			if err != nil {
				die()
				return
			}
			if d.Lagged() {
				s.logger.Warn("Outgoing queue lagged, requests lost", zap.Uint64("skipped", d.Skipped))
				continue
			}
			writeMu.Lock()
			err = conn.WriteMessage(websocket.TextMessage, []byte(d.Event.Content))
			writeMu.Unlock()
			if err != nil {
				s.logger.Warn("Failed to forward request to agent", zap.Error(err))
				die()
				return
			}
		}
	}()

	// Incoming publisher: socket → broker. Runs on this goroutine; a read
	// error (including the close triggered by die via cancel) ends serve.
	go func() {
		select {
		case <-dead:
		case <-connCtx.Done():
		}
		conn.Close()
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			die()
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		ev, ok := classifyFrame(data)
		if !ok {
			s.logger.Warn("Discarding unrecognized frame from agent", zap.ByteString("frame", data))
			continue
		}
		s.broker.Publish(ev)
	}
}

// Send publishes a raw request frame for this agent onto the outgoing topic.
func (s *Supervisor) Send(frame []byte) error {
	if !s.Connected() {
		return fmt.Errorf("agent %s disconnected", s.addr)
	}
	s.broker.Publish(events.Event{
		Tags:      map[events.TopicName]string{events.TopicAgentOutgoing: s.addr},
		Timestamp: time.Now().UTC(),
		Content:   string(frame),
	})
	return nil
}

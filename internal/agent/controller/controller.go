// Package controller implements the per-peer request dispatcher of the
// agent's WebSocket protocol: it parses request envelopes, routes them to
// the owning subsystems, and enforces the Ack / Ongoing / terminal reply
// discipline.
package controller

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/factoriod/factoriod/internal/agent/install"
	"github.com/factoriod/factoriod/internal/agent/mods"
	"github.com/factoriod/factoriod/internal/agent/process"
	"github.com/factoriod/factoriod/internal/agent/saves"
	"github.com/factoriod/factoriod/internal/agent/settings"
	"github.com/factoriod/factoriod/internal/agent/sysinfo"
	"github.com/factoriod/factoriod/internal/common/logger"
	"github.com/factoriod/factoriod/pkg/schema"
)

// Deps are the agent-wide subsystems a controller dispatches into. All
// controllers share the same set; per-peer state is only the socket.
type Deps struct {
	Versions *install.Manager
	Procs    *process.Supervisor
	Saves    *saves.Manager
	Mods     *mods.Manager
	Settings *settings.Manager
	Sysinfo  *sysinfo.Monitor
	Build    schema.BuildInfo

	// StreamHandler receives every server stdout line for uncorrelated
	// fan-out to connected peers.
	StreamHandler func(line string)
}

// Controller serves one WebSocket peer.
type Controller struct {
	conn   *websocket.Conn
	deps   Deps
	logger *logger.Logger

	// writeMu serializes frame writes across reply goroutines.
	writeMu sync.Mutex

	handlers sync.WaitGroup
}

// New wraps an accepted connection.
func New(conn *websocket.Conn, deps Deps, log *logger.Logger) *Controller {
	return &Controller{
		conn:   conn,
		deps:   deps,
		logger: log.WithFields(zap.String("peer", conn.RemoteAddr().String())),
	}
}

// Run reads frames until the peer disconnects or ctx is cancelled. Each
// request is handled on its own goroutine so long operations do not stall
// the read loop; gorilla's default ping handler answers pings inline.
func (c *Controller) Run(ctx context.Context) {
	defer c.handlers.Wait()

	go func() {
		<-ctx.Done()
		_ = c.conn.Close()
	}()

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("Peer connection closed unexpectedly", zap.Error(err))
			}
			return
		}

		switch msgType {
		case websocket.TextMessage:
			var env schema.AgentRequestEnvelope
			if err := json.Unmarshal(data, &env); err != nil {
				c.logger.Warn("Discarding unparseable request frame", zap.Error(err))
				continue
			}
			c.handlers.Add(1)
			go func() {
				defer c.handlers.Done()
				c.dispatch(env)
			}()
		case websocket.BinaryMessage:
			c.logger.Warn("Ignoring binary frame from peer")
		}
	}
}

// reply sends one response frame for the operation.
func (c *Controller) reply(id schema.OperationID, status schema.OperationStatus, content schema.AgentOutMessage) {
	env := schema.AgentResponseEnvelope{
		OperationID: id,
		Timestamp:   time.Now().UTC(),
		Status:      status,
		Content:     content,
	}
	data, err := json.Marshal(env)
	if err != nil {
		c.logger.Error("Failed to encode response frame", zap.Error(err))
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.logger.Warn("Failed to write response frame",
			zap.String("operation_id", string(id)), zap.Error(err))
	}
}

func (c *Controller) completed(id schema.OperationID, content schema.AgentOutMessage) {
	c.reply(id, schema.StatusCompleted, content)
}

func (c *Controller) failed(id schema.OperationID, content schema.AgentOutMessage) {
	c.reply(id, schema.StatusFailed, content)
}

func (c *Controller) ack(id schema.OperationID) {
	c.reply(id, schema.StatusAck, schema.Ok())
}

func (c *Controller) progress(id schema.OperationID, format string, args ...any) {
	c.reply(id, schema.StatusOngoing, schema.Messagef(format, args...))
}

// SendStreaming pushes an uncorrelated streaming frame to this peer.
func (c *Controller) SendStreaming(msg schema.AgentStreamingMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

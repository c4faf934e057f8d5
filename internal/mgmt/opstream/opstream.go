// Package opstream serves one-shot WebSocket endpoints for long operations:
// the REST layer registers an operation's reply stream here and returns its
// URL; the first client to connect receives the correlated frames until the
// terminal one.
package opstream

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/factoriod/factoriod/internal/common/logger"
	"github.com/factoriod/factoriod/internal/mgmt/operation"
	"github.com/factoriod/factoriod/pkg/schema"
)

// Registry holds unclaimed operation streams. Every stream is claimed at
// most once; unclaimed streams are dropped after the unconnected-timeout so
// nothing leaks when the caller never connects.
type Registry struct {
	timeout time.Duration
	logger  *logger.Logger

	mu      sync.Mutex
	entries map[schema.OperationID]*entry

	upgrader websocket.Upgrader
}

type entry struct {
	stream *operation.Stream
	timer  *time.Timer
}

// NewRegistry sets up a registry with the given unconnected-timeout.
func NewRegistry(timeout time.Duration, log *logger.Logger) *Registry {
	return &Registry{
		timeout: timeout,
		logger:  log,
		entries: make(map[schema.OperationID]*entry),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Register parks the stream and returns the path a client must connect to.
func (r *Registry) Register(stream *operation.Stream) string {
	id := stream.ID

	r.mu.Lock()
	r.entries[id] = &entry{
		stream: stream,
		timer: time.AfterFunc(r.timeout, func() {
			r.expire(id)
		}),
	}
	r.mu.Unlock()

	return fmt.Sprintf("/operation/%s", id)
}

// expire drops an unclaimed stream after the unconnected-timeout.
func (r *Registry) expire(id schema.OperationID) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	r.mu.Unlock()

	if ok {
		r.logger.Warn("Operation stream expired unclaimed", zap.String("operation_id", string(id)))
		e.stream.Close()
	}
}

// claim takes the stream out of the registry, at most once.
func (r *Registry) claim(id schema.OperationID) (*operation.Stream, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	delete(r.entries, id)
	e.timer.Stop()
	return e.stream, true
}

// Pending reports the number of unclaimed streams.
func (r *Registry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Handle serves GET /operation/:id: it upgrades to WebSocket and forwards
// every reply frame, closing after the terminal one. Unknown or already
// claimed ids get 404.
func (r *Registry) Handle(c *gin.Context) {
	id := schema.OperationID(c.Param("id"))
	stream, ok := r.claim(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown operation"})
		return
	}
	defer stream.Close()

	conn, err := r.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		r.logger.Warn("Operation stream upgrade failed",
			zap.String("operation_id", string(id)), zap.Error(err))
		return
	}
	defer conn.Close()

	ctx := c.Request.Context()
	for {
		env, err := stream.Next(ctx)
		if err != nil {
			// ErrDone after the terminal frame; anything else means the
			// client went away.
			if err != operation.ErrDone {
				r.logger.Debug("Operation stream ended early",
					zap.String("operation_id", string(id)), zap.Error(err))
			}
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
		if err := conn.WriteJSON(env); err != nil {
			r.logger.Debug("Dropping operation stream to closed client",
				zap.String("operation_id", string(id)), zap.Error(err))
			return
		}
	}
}

// Drain closes every unclaimed stream, for shutdown.
func (r *Registry) Drain() {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[schema.OperationID]*entry)
	r.mu.Unlock()

	for _, e := range entries {
		e.timer.Stop()
		e.stream.Close()
	}
}

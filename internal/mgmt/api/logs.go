package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/factoriod/factoriod/internal/mgmt/events"
)

var logCategories = map[string]events.Filter{
	"chat":       events.FilterEquals(events.StdoutChat),
	"joinleave":  events.FilterEquals(events.StdoutJoinLeave),
	"system_log": events.FilterEquals(events.StdoutSystemLog),
	"all":        events.FilterAll,
}

var logUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

type logFrame struct {
	Timestamp string `json:"timestamp"`
	Category  string `json:"category"`
	Line      string `json:"line"`
}

// streamLogs serves GET /logs/:category as a WebSocket pushing matching
// stdout lines for the connection's lifetime. Lag drops lines silently, in
// keeping with the broker's best-effort delivery.
func (h *Handlers) streamLogs(c *gin.Context) {
	filter, ok := logCategories[c.Param("category")]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown log category"})
		return
	}

	conn, err := logUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("Log stream upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	sub := h.broker.Subscribe(events.TopicStdout, filter)
	defer sub.Close()

	ctx := c.Request.Context()
	for {
		d, err := sub.Next(ctx)
		if err != nil {
			return
		}
		if d.Lagged() {
			h.logger.Warn("Log stream lagged", zap.Uint64("skipped", d.Skipped))
			continue
		}
		frame := logFrame{
			Timestamp: d.Event.Timestamp.Format(time.RFC3339),
			Category:  d.Event.Tags[events.TopicStdout],
			Line:      d.Event.Content,
		}
		if err := conn.WriteJSON(frame); err != nil {
			return
		}
	}
}

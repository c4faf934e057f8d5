package link

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/factoriod/factoriod/internal/mgmt/events"
	"github.com/factoriod/factoriod/pkg/schema"
	"github.com/factoriod/factoriod/pkg/serverlog"
)

// classifyFrame maps one inbound text frame to a broker event. Correlated
// response envelopes land on the operation topic keyed by their id; streaming
// stdout pushes are classified and tagged per category. Frames matching
// neither schema return ok=false.
func classifyFrame(frame []byte) (events.Event, bool) {
	var resp struct {
		OperationID schema.OperationID     `json:"operation_id"`
		Status      schema.OperationStatus `json:"status"`
		Timestamp   time.Time              `json:"timestamp"`
	}
	if err := json.Unmarshal(frame, &resp); err == nil && resp.OperationID != "" && resp.Status.Valid() {
		return events.Event{
			Tags:      map[events.TopicName]string{events.TopicOperation: string(resp.OperationID)},
			Timestamp: resp.Timestamp,
			Content:   string(frame),
		}, true
	}

	var stream struct {
		Timestamp time.Time `json:"timestamp"`
		Content   struct {
			ServerStdout *string `json:"ServerStdout"`
		} `json:"content"`
	}
	if err := json.Unmarshal(frame, &stream); err == nil && stream.Content.ServerStdout != nil {
		return events.Event{
			Tags:      stdoutTags(*stream.Content.ServerStdout),
			Timestamp: stream.Timestamp,
			Content:   *stream.Content.ServerStdout,
		}, true
	}

	return events.Event{}, false
}

// stdoutTags builds the tag map for one classified stdout line. State-change
// lines double-tag as system_log so plain log subscribers still see them.
func stdoutTags(line string) map[events.TopicName]string {
	entry := serverlog.Classify(line)
	switch entry.Category {
	case serverlog.CategoryChat:
		return map[events.TopicName]string{
			events.TopicStdout: events.StdoutChat,
			events.TopicChat:   fmt.Sprintf("%s: %s", entry.User, entry.Message),
		}
	case serverlog.CategoryChatDiscordEcho:
		return map[events.TopicName]string{
			events.TopicStdout: events.StdoutChatDiscordEcho,
		}
	case serverlog.CategoryJoin:
		return map[events.TopicName]string{
			events.TopicStdout: events.StdoutJoinLeave,
			events.TopicJoin:   entry.User,
		}
	case serverlog.CategoryLeave:
		return map[events.TopicName]string{
			events.TopicStdout: events.StdoutJoinLeave,
			events.TopicLeave:  entry.User,
		}
	case serverlog.CategoryRpc:
		return map[events.TopicName]string{
			events.TopicStdout: events.StdoutRPC,
			events.TopicRPC:    entry.Payload,
		}
	case serverlog.CategoryServerState:
		return map[events.TopicName]string{
			events.TopicStdout:      events.StdoutSystemLog,
			events.TopicServerState: fmt.Sprintf("%s %s", entry.From, entry.To),
		}
	default:
		return map[events.TopicName]string{
			events.TopicStdout: events.StdoutSystemLog,
		}
	}
}

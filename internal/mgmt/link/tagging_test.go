package link

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/factoriod/factoriod/internal/mgmt/events"
	"github.com/factoriod/factoriod/pkg/schema"
)

func streamingFrame(t *testing.T, line string) []byte {
	t.Helper()
	data, err := json.Marshal(schema.AgentStreamingMessage{
		Timestamp: time.Now().UTC(),
		Content:   schema.StreamingContent{ServerStdout: line},
	})
	require.NoError(t, err)
	return data
}

func TestClassifyResponseFrame(t *testing.T) {
	frame, err := json.Marshal(schema.AgentResponseEnvelope{
		OperationID: "op1",
		Timestamp:   time.Now().UTC(),
		Status:      schema.StatusCompleted,
		Content:     schema.Ok(),
	})
	require.NoError(t, err)

	ev, ok := classifyFrame(frame)
	require.True(t, ok)
	assert.Equal(t, "op1", ev.Tags[events.TopicOperation])
	assert.JSONEq(t, string(frame), ev.Content)
}

func TestClassifyStdoutFrames(t *testing.T) {
	tests := []struct {
		name string
		line string
		want map[events.TopicName]string
	}{
		{
			name: "chat",
			line: "2026-01-02 03:04:05 [CHAT] alice: hello there",
			want: map[events.TopicName]string{
				events.TopicStdout: events.StdoutChat,
				events.TopicChat:   "alice: hello there",
			},
		},
		{
			name: "discord echo before chat",
			line: "2026-01-02 03:04:05 [CHAT] [Discord] alice: hello there",
			want: map[events.TopicName]string{
				events.TopicStdout: events.StdoutChatDiscordEcho,
			},
		},
		{
			name: "join",
			line: "2026-01-02 03:04:05 [JOIN] alice: joined the game",
			want: map[events.TopicName]string{
				events.TopicStdout: events.StdoutJoinLeave,
				events.TopicJoin:   "alice",
			},
		},
		{
			name: "leave",
			line: "2026-01-02 03:04:05 [LEAVE] alice left the game",
			want: map[events.TopicName]string{
				events.TopicStdout: events.StdoutJoinLeave,
				events.TopicLeave:  "alice",
			},
		},
		{
			name: "rpc",
			line: `2026-01-02 03:04:05 [RPC] stream {"timestamp":60,"data":{}}`,
			want: map[events.TopicName]string{
				events.TopicStdout: events.StdoutRPC,
				events.TopicRPC:    `stream {"timestamp":60,"data":{}}`,
			},
		},
		{
			name: "state change double-tags system_log",
			line: "1.203 Info ServerMultiplayerManager changing state from(Ready) to(InGame)",
			want: map[events.TopicName]string{
				events.TopicStdout:      events.StdoutSystemLog,
				events.TopicServerState: "Ready InGame",
			},
		},
		{
			name: "plain log line",
			line: "1.203 Info AppManager loading level",
			want: map[events.TopicName]string{
				events.TopicStdout: events.StdoutSystemLog,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, ok := classifyFrame(streamingFrame(t, tt.line))
			require.True(t, ok)
			assert.Equal(t, tt.want, ev.Tags)
			assert.Equal(t, tt.line, ev.Content)
		})
	}
}

func TestClassifyRejectsGarbage(t *testing.T) {
	_, ok := classifyFrame([]byte("not json"))
	assert.False(t, ok)

	_, ok = classifyFrame([]byte(`{"something":"else"}`))
	assert.False(t, ok)
}

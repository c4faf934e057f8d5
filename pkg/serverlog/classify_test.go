package serverlog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/factoriod/factoriod/pkg/schema"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		line string
		want Entry
	}{
		{
			name: "chat",
			line: "2026-01-02 03:04:05 [CHAT] alice: hi",
			want: Entry{Category: CategoryChat, Timestamp: "2026-01-02 03:04:05", User: "alice", Message: "hi"},
		},
		{
			name: "discord echo wins over chat",
			line: "2026-01-02 03:04:05 [CHAT] [Discord] alice: hi",
			want: Entry{Category: CategoryChatDiscordEcho, Timestamp: "2026-01-02 03:04:05"},
		},
		{
			name: "join",
			line: "2026-01-02 03:04:05 [JOIN] bob: joined the game",
			want: Entry{Category: CategoryJoin, Timestamp: "2026-01-02 03:04:05", User: "bob"},
		},
		{
			name: "leave",
			line: "2026-01-02 03:04:05 [LEAVE] bob left the game",
			want: Entry{Category: CategoryLeave, Timestamp: "2026-01-02 03:04:05", User: "bob"},
		},
		{
			name: "rpc with timestamp",
			line: `2026-01-02 03:04:05 [RPC] stream {"timestamp":123,"data":{"iron":1}}`,
			want: Entry{Category: CategoryRpc, Timestamp: "2026-01-02 03:04:05", Payload: `stream {"timestamp":123,"data":{"iron":1}}`},
		},
		{
			name: "rpc without timestamp",
			line: "[RPC] oneshot ping",
			want: Entry{Category: CategoryRpc, Payload: "oneshot ping"},
		},
		{
			name: "state change",
			line: "1755.806 Info ServerMultiplayerManager.cpp:780: updateTick(55767212) changing state from(InGame) to(DisconnectingScheduled)",
			want: Entry{Category: CategoryServerState, From: schema.StateInGame, To: schema.StateDisconnectingScheduled},
		},
		{
			name: "state change with unknown identifier stays system log",
			line: "1755.806 Info ServerMultiplayerManager.cpp:780: changing state from(InGame) to(Exploding)",
			want: Entry{Category: CategorySystemLog},
		},
		{
			name: "anything else",
			line: "   1.473 Loading map C:\\saves\\world1.zip",
			want: Entry{Category: CategorySystemLog},
		},
		{
			name: "chat without timestamp is not chat",
			line: "[CHAT] alice: hi",
			want: Entry{Category: CategorySystemLog},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.line))
		})
	}
}

func TestDiscordEchoThenSameChatLine(t *testing.T) {
	echo := Classify("2026-01-02 03:04:05 [CHAT] [Discord] alice: hi")
	chat := Classify("2026-01-02 03:04:05 [CHAT] alice: hi")
	assert.Equal(t, CategoryChatDiscordEcho, echo.Category)
	assert.Equal(t, CategoryChat, chat.Category)
}

func TestParseRconReady(t *testing.T) {
	port, ok := ParseRconReady("   0.693 Info RemoteCommandProcessor.cpp:131: Starting RCON interface at IP ADDR:({0.0.0.0:27015})")
	require.True(t, ok)
	assert.Equal(t, uint16(27015), port)

	_, ok = ParseRconReady("   0.693 Info Router.cpp:702: Own address is IP ADDR:({10.0.0.2:34197})")
	assert.False(t, ok)
}

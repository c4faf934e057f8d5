// Package serverlog classifies raw game-server stdout lines into the
// structured categories the rest of the system routes on. Classification is
// a pure function; callers own all state.
package serverlog

import (
	"regexp"
	"strconv"

	"github.com/factoriod/factoriod/pkg/schema"
)

// Category is the classification of one stdout line.
type Category string

const (
	CategoryChat            Category = "chat"
	CategoryChatDiscordEcho Category = "chat_discord_echo"
	CategoryJoin            Category = "join"
	CategoryLeave           Category = "leave"
	CategoryRpc             Category = "rpc"
	CategoryServerState     Category = "serverstate"
	CategorySystemLog       Category = "system_log"
)

// Entry is the structured form of one classified line.
type Entry struct {
	Category  Category
	Timestamp string // YYYY-MM-DD HH:MM:SS when the line carries one

	User    string // Chat, Join, Leave
	Message string // Chat
	Payload string // Rpc command payload

	// ServerState transition. Valid only when Category is CategoryServerState.
	From schema.ServerState
	To   schema.ServerState
}

var (
	chatDiscordEchoRe = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}) \[CHAT\] \[Discord\][^:]*: (.+)$`)
	chatRe            = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}) \[CHAT\] ([^:]+): (.+)$`)
	joinRe            = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}) \[JOIN\] ([^:]+): joined the game$`)
	leaveRe           = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}) \[LEAVE\] ([^:]+) left the game$`)
	rpcRe             = regexp.MustCompile(`^(?:(\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}) )?\[RPC\] (.+)$`)
	stateChangeRe     = regexp.MustCompile(`changing state from\(([a-zA-Z]+)\) to\(([a-zA-Z]+)\)`)
	rconReadyRe       = regexp.MustCompile(`Starting RCON interface at IP ADDR:\(\{?[^:{}]*:(\d+)\}?\)`)
)

// Classify parses one stdout line. The Discord echo pattern is tested before
// plain chat so bridged lines are not re-bridged; state-change lines whose
// identifiers are outside the known state set fall through to SystemLog.
func Classify(line string) Entry {
	if m := chatDiscordEchoRe.FindStringSubmatch(line); m != nil {
		return Entry{Category: CategoryChatDiscordEcho, Timestamp: m[1]}
	}
	if m := chatRe.FindStringSubmatch(line); m != nil {
		return Entry{Category: CategoryChat, Timestamp: m[1], User: m[2], Message: m[3]}
	}
	if m := joinRe.FindStringSubmatch(line); m != nil {
		return Entry{Category: CategoryJoin, Timestamp: m[1], User: m[2]}
	}
	if m := leaveRe.FindStringSubmatch(line); m != nil {
		return Entry{Category: CategoryLeave, Timestamp: m[1], User: m[2]}
	}
	if m := rpcRe.FindStringSubmatch(line); m != nil {
		return Entry{Category: CategoryRpc, Timestamp: m[1], Payload: m[2]}
	}
	if m := stateChangeRe.FindStringSubmatch(line); m != nil {
		from, okFrom := schema.ParseServerState(m[1])
		to, okTo := schema.ParseServerState(m[2])
		if okFrom && okTo {
			return Entry{Category: CategoryServerState, From: from, To: to}
		}
	}
	return Entry{Category: CategorySystemLog}
}

// ParseRconReady extracts the advertised RCON port from the "Starting RCON
// interface" line. ok is false for any other line.
func ParseRconReady(line string) (port uint16, ok bool) {
	m := rconReadyRe.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	p, err := strconv.ParseUint(m[1], 10, 16)
	if err != nil {
		return 0, false
	}
	return uint16(p), true
}

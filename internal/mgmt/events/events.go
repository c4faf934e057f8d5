// Package events implements the management server's tag-indexed pub/sub
// broker. An event is a member of topic T iff its tag map has key T; the tag
// value is what subscriber filters run against.
package events

import "time"

// TopicName identifies one logical channel in the broker.
type TopicName string

const (
	// TopicOperation carries correlated response envelopes; the tag value is
	// the operation id.
	TopicOperation TopicName = "operation"

	// TopicStdout carries classified server stdout lines; the tag value is
	// the category.
	TopicStdout TopicName = "stdout"

	// TopicAgentOutgoing is the reserved channel from the operation router to
	// the agent link; the tag value is the agent address. The underscore
	// keeps it out of the user-facing namespace.
	TopicAgentOutgoing TopicName = "_AGENT_OUTGOING"

	// Secondary tag topics attached to classified stdout events.
	TopicChat        TopicName = "chat"
	TopicJoin        TopicName = "join"
	TopicLeave       TopicName = "leave"
	TopicRPC         TopicName = "rpc"
	TopicServerState TopicName = "serverstate"
)

// Stdout tag values, one per classifier category.
const (
	StdoutChat            = "chat"
	StdoutChatDiscordEcho = "chat_discord_echo"
	StdoutJoinLeave       = "joinleave"
	StdoutRPC             = "rpc"
	StdoutSystemLog       = "system_log"
)

// Event is one broker message. Content is an opaque string; the tag map
// encodes topic membership and per-topic filter values.
type Event struct {
	Tags      map[TopicName]string
	Timestamp time.Time
	Content   string
}

// Filter decides whether a subscriber wants an event, given the tag value
// for the subscribed topic.
type Filter func(tagValue string) bool

// FilterAll accepts every event on the topic.
func FilterAll(string) bool { return true }

// FilterEquals accepts events whose tag value equals v.
func FilterEquals(v string) Filter {
	return func(tagValue string) bool { return tagValue == v }
}

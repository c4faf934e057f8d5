package schema

// ServerState is the game server's internal state as reported by its own
// stdout state-change lines. The value on spawn is Ready; every later
// transition comes from parsing a state-change line.
type ServerState string

const (
	StateReady                  ServerState = "Ready"
	StatePreparedToHostGame     ServerState = "PreparedToHostGame"
	StateCreatingGame           ServerState = "CreatingGame"
	StateInGame                 ServerState = "InGame"
	StateInGameSavingMap        ServerState = "InGameSavingMap"
	StateDisconnectingScheduled ServerState = "DisconnectingScheduled"
	StateDisconnecting          ServerState = "Disconnecting"
	StateDisconnected           ServerState = "Disconnected"
	StateClosed                 ServerState = "Closed"
)

var serverStates = map[string]ServerState{
	"Ready":                  StateReady,
	"PreparedToHostGame":     StatePreparedToHostGame,
	"CreatingGame":           StateCreatingGame,
	"InGame":                 StateInGame,
	"InGameSavingMap":        StateInGameSavingMap,
	"DisconnectingScheduled": StateDisconnectingScheduled,
	"Disconnecting":          StateDisconnecting,
	"Disconnected":           StateDisconnected,
	"Closed":                 StateClosed,
}

// ParseServerState maps a state identifier from a stdout line to a
// ServerState. ok is false for identifiers outside the known set.
func ParseServerState(s string) (ServerState, bool) {
	st, ok := serverStates[s]
	return st, ok
}

package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// AgentOutKind names a response content variant.
type AgentOutKind string

const (
	OutOk                   AgentOutKind = "Ok"
	OutError                AgentOutKind = "Error"
	OutMessage              AgentOutKind = "Message"
	OutConflictingOperation AgentOutKind = "ConflictingOperation"
	OutMissingSecrets       AgentOutKind = "MissingSecrets"
	OutNotInstalled         AgentOutKind = "NotInstalled"
	OutSaveNotFound         AgentOutKind = "SaveNotFound"
	OutFactorioVersion      AgentOutKind = "FactorioVersion"
	OutServerStatus         AgentOutKind = "ServerStatus"
	OutSaveList             AgentOutKind = "SaveList"
	OutSaveFile             AgentOutKind = "SaveFile"
	OutModsList             AgentOutKind = "ModsList"
	OutModSettings          AgentOutKind = "ModSettings"
	OutConfigAdminList      AgentOutKind = "ConfigAdminList"
	OutConfigBanList        AgentOutKind = "ConfigBanList"
	OutConfigWhiteList      AgentOutKind = "ConfigWhiteList"
	OutConfigRcon           AgentOutKind = "ConfigRcon"
	OutConfigSecrets        AgentOutKind = "ConfigSecrets"
	OutConfigServerSettings AgentOutKind = "ConfigServerSettings"
	OutRconResponse         AgentOutKind = "RconResponse"
	OutBuildVersion         AgentOutKind = "BuildVersion"
	OutSystemResources      AgentOutKind = "SystemResources"
)

// ServerStatus is the live state snapshot returned by the ServerStatus
// operation.
type ServerStatus struct {
	Running     bool        `json:"running"`
	PlayerCount uint32      `json:"player_count,omitempty"`
	ServerState ServerState `json:"server_state,omitempty"`
}

// Save describes one savefile on the agent.
type Save struct {
	Name         string    `json:"name"`
	LastModified time.Time `json:"last_modified"`
}

// RconConfig is the RCON connection configuration as reported by the agent.
type RconConfig struct {
	Port     uint16 `json:"port"`
	Password string `json:"password"`
}

// WhiteList is the whitelist contents plus whether it is enforced.
type WhiteList struct {
	Enabled bool     `json:"enabled"`
	Users   []string `json:"users"`
}

// BuildInfo is the agent's compile-time identity.
type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

// SystemResources is a point-in-time host resource snapshot.
type SystemResources struct {
	CPUs          []float64 `json:"cpus"`
	MemUsedBytes  uint64    `json:"mem_used_bytes"`
	MemTotalBytes uint64    `json:"mem_total_bytes"`
}

// AgentOutMessage is the tagged content variant of AgentResponseEnvelope.
type AgentOutMessage struct {
	Kind AgentOutKind

	Error                string
	Message              string
	FactorioVersion      string
	ServerStatus         *ServerStatus
	SaveList             []Save
	SaveFile             *SaveBytes
	ModsList             []ModObject
	ModSettings          []byte // nil when not initialised
	ConfigAdminList      []string
	ConfigBanList        []string
	ConfigWhiteList      *WhiteList
	ConfigRcon           *RconConfig
	ConfigSecrets        *Secrets
	ConfigServerSettings string
	RconResponse         string
	BuildVersion         *BuildInfo
	SystemResources      *SystemResources
}

var outUnit = map[AgentOutKind]bool{
	OutOk:                   true,
	OutConflictingOperation: true,
	OutMissingSecrets:       true,
	OutNotInstalled:         true,
	OutSaveNotFound:         true,
}

// Convenience constructors for the common content variants.

func Ok() AgentOutMessage { return AgentOutMessage{Kind: OutOk} }

func Errorf(format string, args ...any) AgentOutMessage {
	return AgentOutMessage{Kind: OutError, Error: fmt.Sprintf(format, args...)}
}

func Messagef(format string, args ...any) AgentOutMessage {
	return AgentOutMessage{Kind: OutMessage, Message: fmt.Sprintf(format, args...)}
}

func (m AgentOutMessage) outPayload() (any, error) {
	switch m.Kind {
	case OutError:
		return m.Error, nil
	case OutMessage:
		return m.Message, nil
	case OutFactorioVersion:
		return m.FactorioVersion, nil
	case OutServerStatus:
		return m.ServerStatus, nil
	case OutSaveList:
		return m.SaveList, nil
	case OutSaveFile:
		return m.SaveFile, nil
	case OutModsList:
		return m.ModsList, nil
	case OutModSettings:
		return m.ModSettings, nil
	case OutConfigAdminList:
		return m.ConfigAdminList, nil
	case OutConfigBanList:
		return m.ConfigBanList, nil
	case OutConfigWhiteList:
		return m.ConfigWhiteList, nil
	case OutConfigRcon:
		return m.ConfigRcon, nil
	case OutConfigSecrets:
		return m.ConfigSecrets, nil
	case OutConfigServerSettings:
		return m.ConfigServerSettings, nil
	case OutRconResponse:
		return m.RconResponse, nil
	case OutBuildVersion:
		return m.BuildVersion, nil
	case OutSystemResources:
		return m.SystemResources, nil
	}
	return nil, fmt.Errorf("schema: content kind %q carries no payload", m.Kind)
}

// MarshalJSON encodes the externally-tagged content variant.
func (m AgentOutMessage) MarshalJSON() ([]byte, error) {
	if outUnit[m.Kind] {
		return json.Marshal(string(m.Kind))
	}
	p, err := m.outPayload()
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{string(m.Kind): p})
}

// UnmarshalJSON decodes the externally-tagged content variant.
func (m *AgentOutMessage) UnmarshalJSON(data []byte) error {
	var unit string
	if err := json.Unmarshal(data, &unit); err == nil {
		k := AgentOutKind(unit)
		if !outUnit[k] {
			return fmt.Errorf("schema: unknown content variant %q", unit)
		}
		*m = AgentOutMessage{Kind: k}
		return nil
	}

	var tagged map[string]json.RawMessage
	if err := json.Unmarshal(data, &tagged); err != nil {
		return fmt.Errorf("schema: invalid content variant: %w", err)
	}
	if len(tagged) != 1 {
		return fmt.Errorf("schema: content variant must have exactly one tag, got %d", len(tagged))
	}

	for tag, raw := range tagged {
		k := AgentOutKind(tag)
		out := AgentOutMessage{Kind: k}
		var err error
		switch k {
		case OutError:
			err = json.Unmarshal(raw, &out.Error)
		case OutMessage:
			err = json.Unmarshal(raw, &out.Message)
		case OutFactorioVersion:
			err = json.Unmarshal(raw, &out.FactorioVersion)
		case OutServerStatus:
			out.ServerStatus = &ServerStatus{}
			err = json.Unmarshal(raw, out.ServerStatus)
		case OutSaveList:
			err = json.Unmarshal(raw, &out.SaveList)
		case OutSaveFile:
			out.SaveFile = &SaveBytes{}
			err = json.Unmarshal(raw, out.SaveFile)
		case OutModsList:
			err = json.Unmarshal(raw, &out.ModsList)
		case OutModSettings:
			err = json.Unmarshal(raw, &out.ModSettings)
		case OutConfigAdminList:
			err = json.Unmarshal(raw, &out.ConfigAdminList)
		case OutConfigBanList:
			err = json.Unmarshal(raw, &out.ConfigBanList)
		case OutConfigWhiteList:
			out.ConfigWhiteList = &WhiteList{}
			err = json.Unmarshal(raw, out.ConfigWhiteList)
		case OutConfigRcon:
			out.ConfigRcon = &RconConfig{}
			err = json.Unmarshal(raw, out.ConfigRcon)
		case OutConfigSecrets:
			out.ConfigSecrets = &Secrets{}
			err = json.Unmarshal(raw, out.ConfigSecrets)
		case OutConfigServerSettings:
			err = json.Unmarshal(raw, &out.ConfigServerSettings)
		case OutRconResponse:
			err = json.Unmarshal(raw, &out.RconResponse)
		case OutBuildVersion:
			out.BuildVersion = &BuildInfo{}
			err = json.Unmarshal(raw, out.BuildVersion)
		case OutSystemResources:
			out.SystemResources = &SystemResources{}
			err = json.Unmarshal(raw, out.SystemResources)
		default:
			return fmt.Errorf("schema: unknown content variant %q", tag)
		}
		if err != nil {
			return fmt.Errorf("schema: decoding %s payload: %w", tag, err)
		}
		*m = out
		return nil
	}
	return fmt.Errorf("schema: empty content variant")
}

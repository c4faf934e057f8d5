// Package schema defines the wire types exchanged between the management
// server and agents: request/response envelopes, the tagged message variants
// they carry, and the streaming push format.
//
// Variants are encoded in externally-tagged form: a variant with no payload
// is a bare JSON string ("ServerStatus"), a variant with a payload is a
// single-key object ({"ServerStart":{"Specific":"world1"}}).
package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// OperationID correlates every response frame with the request that caused
// it. Generated by the request initiator, echoed verbatim by the agent.
type OperationID string

// OperationStatus is the per-frame status of a correlated response.
//
// Every operation emits frames matching Ack? Ongoing* (Completed|Failed),
// with exactly one terminal frame.
type OperationStatus string

const (
	StatusAck       OperationStatus = "Ack"
	StatusOngoing   OperationStatus = "Ongoing"
	StatusCompleted OperationStatus = "Completed"
	StatusFailed    OperationStatus = "Failed"
)

// Terminal reports whether s ends the operation.
func (s OperationStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is one of the four wire statuses.
func (s OperationStatus) Valid() bool {
	switch s {
	case StatusAck, StatusOngoing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// AgentRequestEnvelope is a peer-to-agent frame.
type AgentRequestEnvelope struct {
	OperationID OperationID  `json:"operation_id"`
	Message     AgentRequest `json:"message"`
}

// AgentResponseEnvelope is an agent-to-peer frame correlated with a request.
type AgentResponseEnvelope struct {
	OperationID OperationID     `json:"operation_id"`
	Timestamp   time.Time       `json:"timestamp"`
	Status      OperationStatus `json:"status"`
	Content     AgentOutMessage `json:"content"`
}

// AgentStreamingMessage is an uncorrelated agent-to-peer push.
type AgentStreamingMessage struct {
	Timestamp time.Time        `json:"timestamp"`
	Content   StreamingContent `json:"content"`
}

// StreamingContent currently carries only raw server stdout lines.
type StreamingContent struct {
	ServerStdout string `json:"ServerStdout"`
}

// AgentRequestKind names a request variant.
type AgentRequestKind string

const (
	KindVersionInstall          AgentRequestKind = "VersionInstall"
	KindVersionGet              AgentRequestKind = "VersionGet"
	KindServerStart             AgentRequestKind = "ServerStart"
	KindServerStop              AgentRequestKind = "ServerStop"
	KindServerStatus            AgentRequestKind = "ServerStatus"
	KindSaveCreate              AgentRequestKind = "SaveCreate"
	KindSaveDelete              AgentRequestKind = "SaveDelete"
	KindSaveGet                 AgentRequestKind = "SaveGet"
	KindSaveSet                 AgentRequestKind = "SaveSet"
	KindSaveList                AgentRequestKind = "SaveList"
	KindModListGet              AgentRequestKind = "ModListGet"
	KindModListSet              AgentRequestKind = "ModListSet"
	KindModListExtractFromSave  AgentRequestKind = "ModListExtractFromSave"
	KindModSettingsGet          AgentRequestKind = "ModSettingsGet"
	KindModSettingsSet          AgentRequestKind = "ModSettingsSet"
	KindConfigAdminListGet      AgentRequestKind = "ConfigAdminListGet"
	KindConfigAdminListSet      AgentRequestKind = "ConfigAdminListSet"
	KindConfigBanListGet        AgentRequestKind = "ConfigBanListGet"
	KindConfigBanListSet        AgentRequestKind = "ConfigBanListSet"
	KindConfigWhiteListGet      AgentRequestKind = "ConfigWhiteListGet"
	KindConfigWhiteListSet      AgentRequestKind = "ConfigWhiteListSet"
	KindConfigRconGet           AgentRequestKind = "ConfigRconGet"
	KindConfigRconSet           AgentRequestKind = "ConfigRconSet"
	KindConfigSecretsGet        AgentRequestKind = "ConfigSecretsGet"
	KindConfigSecretsSet        AgentRequestKind = "ConfigSecretsSet"
	KindConfigServerSettingsGet AgentRequestKind = "ConfigServerSettingsGet"
	KindConfigServerSettingsSet AgentRequestKind = "ConfigServerSettingsSet"
	KindRconCommand             AgentRequestKind = "RconCommand"
	KindBuildVersion            AgentRequestKind = "BuildVersion"
	KindSystemResources         AgentRequestKind = "SystemResources"
)

// AgentRequest is the tagged variant carried by AgentRequestEnvelope.
// Exactly the payload field matching Kind is meaningful; the rest are zero.
type AgentRequest struct {
	Kind AgentRequestKind

	VersionInstall       *VersionInstallPayload
	ServerStart          *SavefileRef
	SaveCreate           string
	SaveDelete           string
	SaveGet              string
	SaveSet              *SaveSetPayload
	ModListSet           []ModObject
	ModListExtract       string // savefile name for ModListExtractFromSave
	ModSettingsSet       []byte
	ConfigAdminListSet   []string
	ConfigBanListSet     []string
	ConfigWhiteListSet   *WhiteListPayload
	ConfigRconSet        *RconConfigPayload
	ConfigSecretsSet     *Secrets
	ConfigServerSettings string // ConfigServerSettingsSet JSON body
	RconCommand          string
}

// VersionInstallPayload requests installation of a specific version.
type VersionInstallPayload struct {
	Version      string `json:"version"`
	ForceInstall bool   `json:"force_install"`
}

// SavefileRef selects a savefile: the reserved Latest marker or a specific
// name. Encoded as "Latest" or {"Specific":"name"}.
type SavefileRef struct {
	Latest   bool
	Specific string
}

// MarshalJSON encodes the externally-tagged savefile reference.
func (r SavefileRef) MarshalJSON() ([]byte, error) {
	if r.Latest {
		return json.Marshal("Latest")
	}
	return json.Marshal(map[string]string{"Specific": r.Specific})
}

// UnmarshalJSON decodes the externally-tagged savefile reference.
func (r *SavefileRef) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if s != "Latest" {
			return fmt.Errorf("schema: unknown savefile ref %q", s)
		}
		*r = SavefileRef{Latest: true}
		return nil
	}
	var obj struct {
		Specific *string `json:"Specific"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("schema: invalid savefile ref: %w", err)
	}
	if obj.Specific == nil {
		return fmt.Errorf("schema: savefile ref missing variant")
	}
	*r = SavefileRef{Specific: *obj.Specific}
	return nil
}

// SaveSetPayload carries one chunk of a savefile upload.
type SaveSetPayload struct {
	Name  string    `json:"name"`
	Bytes SaveBytes `json:"bytes"`
}

// SaveBytes is a chunk of savefile content. A nil MultipartStart means the
// chunk replaces the whole file. A non-nil MultipartStart with data writes
// at that offset; with empty data it is the sentinel that truncates the
// file to the offset and ends the transfer.
type SaveBytes struct {
	MultipartStart *uint64 `json:"multipart_start,omitempty"`
	Bytes          []byte  `json:"bytes"`
}

// IsSentinel reports whether b is the end-of-transfer marker.
func (b SaveBytes) IsSentinel() bool {
	return b.MultipartStart != nil && len(b.Bytes) == 0
}

// WhiteListPayload sets the whitelist contents and whether it is enforced.
type WhiteListPayload struct {
	Enabled bool     `json:"enabled"`
	Users   []string `json:"users"`
}

// RconConfigPayload sets the RCON password (the port comes from launch
// settings).
type RconConfigPayload struct {
	Password string `json:"password"`
}

// Secrets holds the credentials used for authenticated downloads.
type Secrets struct {
	Username string `json:"username"`
	Token    string `json:"token,omitempty"`
}

// ModObject identifies one mod at one version.
type ModObject struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// requestHasPayload lists the variants encoded as single-key objects.
var requestHasPayload = map[AgentRequestKind]bool{
	KindVersionInstall:          true,
	KindServerStart:             true,
	KindSaveCreate:              true,
	KindSaveDelete:              true,
	KindSaveGet:                 true,
	KindSaveSet:                 true,
	KindModListSet:              true,
	KindModListExtractFromSave:  true,
	KindModSettingsSet:          true,
	KindConfigAdminListSet:      true,
	KindConfigBanListSet:        true,
	KindConfigWhiteListSet:      true,
	KindConfigRconSet:           true,
	KindConfigSecretsSet:        true,
	KindConfigServerSettingsSet: true,
	KindRconCommand:             true,
}

// requestUnit lists the payload-less variants, encoded as bare strings.
var requestUnit = map[AgentRequestKind]bool{
	KindVersionGet:              true,
	KindServerStop:              true,
	KindServerStatus:            true,
	KindSaveList:                true,
	KindModListGet:              true,
	KindModSettingsGet:          true,
	KindConfigAdminListGet:      true,
	KindConfigBanListGet:        true,
	KindConfigWhiteListGet:      true,
	KindConfigRconGet:           true,
	KindConfigSecretsGet:        true,
	KindConfigServerSettingsGet: true,
	KindBuildVersion:            true,
	KindSystemResources:         true,
}

func (m AgentRequest) payload() (any, error) {
	switch m.Kind {
	case KindVersionInstall:
		return m.VersionInstall, nil
	case KindServerStart:
		return m.ServerStart, nil
	case KindSaveCreate:
		return m.SaveCreate, nil
	case KindSaveDelete:
		return m.SaveDelete, nil
	case KindSaveGet:
		return m.SaveGet, nil
	case KindSaveSet:
		return m.SaveSet, nil
	case KindModListSet:
		return m.ModListSet, nil
	case KindModListExtractFromSave:
		return m.ModListExtract, nil
	case KindModSettingsSet:
		return m.ModSettingsSet, nil
	case KindConfigAdminListSet:
		return m.ConfigAdminListSet, nil
	case KindConfigBanListSet:
		return m.ConfigBanListSet, nil
	case KindConfigWhiteListSet:
		return m.ConfigWhiteListSet, nil
	case KindConfigRconSet:
		return m.ConfigRconSet, nil
	case KindConfigSecretsSet:
		return m.ConfigSecretsSet, nil
	case KindConfigServerSettingsSet:
		return m.ConfigServerSettings, nil
	case KindRconCommand:
		return m.RconCommand, nil
	}
	return nil, fmt.Errorf("schema: request kind %q carries no payload", m.Kind)
}

// MarshalJSON encodes the externally-tagged request variant.
func (m AgentRequest) MarshalJSON() ([]byte, error) {
	if requestUnit[m.Kind] {
		return json.Marshal(string(m.Kind))
	}
	if !requestHasPayload[m.Kind] {
		return nil, fmt.Errorf("schema: unknown request kind %q", m.Kind)
	}
	p, err := m.payload()
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{string(m.Kind): p})
}

// UnmarshalJSON decodes the externally-tagged request variant.
func (m *AgentRequest) UnmarshalJSON(data []byte) error {
	var unit string
	if err := json.Unmarshal(data, &unit); err == nil {
		k := AgentRequestKind(unit)
		if !requestUnit[k] {
			return fmt.Errorf("schema: unknown request variant %q", unit)
		}
		*m = AgentRequest{Kind: k}
		return nil
	}

	var tagged map[string]json.RawMessage
	if err := json.Unmarshal(data, &tagged); err != nil {
		return fmt.Errorf("schema: invalid request variant: %w", err)
	}
	if len(tagged) != 1 {
		return fmt.Errorf("schema: request variant must have exactly one tag, got %d", len(tagged))
	}

	for tag, raw := range tagged {
		k := AgentRequestKind(tag)
		out := AgentRequest{Kind: k}
		var err error
		switch k {
		case KindVersionInstall:
			out.VersionInstall = &VersionInstallPayload{}
			err = json.Unmarshal(raw, out.VersionInstall)
		case KindServerStart:
			out.ServerStart = &SavefileRef{}
			err = json.Unmarshal(raw, out.ServerStart)
		case KindSaveCreate:
			err = json.Unmarshal(raw, &out.SaveCreate)
		case KindSaveDelete:
			err = json.Unmarshal(raw, &out.SaveDelete)
		case KindSaveGet:
			err = json.Unmarshal(raw, &out.SaveGet)
		case KindSaveSet:
			out.SaveSet = &SaveSetPayload{}
			err = json.Unmarshal(raw, out.SaveSet)
		case KindModListSet:
			err = json.Unmarshal(raw, &out.ModListSet)
		case KindModListExtractFromSave:
			err = json.Unmarshal(raw, &out.ModListExtract)
		case KindModSettingsSet:
			err = json.Unmarshal(raw, &out.ModSettingsSet)
		case KindConfigAdminListSet:
			err = json.Unmarshal(raw, &out.ConfigAdminListSet)
		case KindConfigBanListSet:
			err = json.Unmarshal(raw, &out.ConfigBanListSet)
		case KindConfigWhiteListSet:
			out.ConfigWhiteListSet = &WhiteListPayload{}
			err = json.Unmarshal(raw, out.ConfigWhiteListSet)
		case KindConfigRconSet:
			out.ConfigRconSet = &RconConfigPayload{}
			err = json.Unmarshal(raw, out.ConfigRconSet)
		case KindConfigSecretsSet:
			out.ConfigSecretsSet = &Secrets{}
			err = json.Unmarshal(raw, out.ConfigSecretsSet)
		case KindConfigServerSettingsSet:
			err = json.Unmarshal(raw, &out.ConfigServerSettings)
		case KindRconCommand:
			err = json.Unmarshal(raw, &out.RconCommand)
		default:
			return fmt.Errorf("schema: unknown request variant %q", tag)
		}
		if err != nil {
			return fmt.Errorf("schema: decoding %s payload: %w", tag, err)
		}
		*m = out
		return nil
	}
	return fmt.Errorf("schema: empty request variant")
}

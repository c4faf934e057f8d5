package operation

import (
	"context"
	"fmt"
	"time"

	"github.com/factoriod/factoriod/pkg/schema"
)

// Per-call response timeouts. Reads are cheap; lifecycle transitions and
// savefile transfers get more headroom.
const (
	readTimeout      = 500 * time.Millisecond
	lifecycleTimeout = 2 * time.Second
	transferTimeout  = 10 * time.Second
)

func (r *Router) expect(ctx context.Context, msg schema.AgentRequest, timeout time.Duration, kind schema.AgentOutKind) (schema.AgentOutMessage, error) {
	content, err := r.RunShort(ctx, msg, timeout)
	if err != nil {
		return schema.AgentOutMessage{}, err
	}
	if content.Kind != kind {
		return schema.AgentOutMessage{}, &AgentError{
			Message: fmt.Sprintf("expected %s content, got %s", kind, content.Kind),
		}
	}
	return content, nil
}

func (r *Router) runOk(ctx context.Context, msg schema.AgentRequest, timeout time.Duration) error {
	_, err := r.RunShort(ctx, msg, timeout)
	return err
}

// ServerStatus returns the agent's live status.
func (r *Router) ServerStatus(ctx context.Context) (schema.ServerStatus, error) {
	content, err := r.expect(ctx, schema.AgentRequest{Kind: schema.KindServerStatus}, readTimeout, schema.OutServerStatus)
	if err != nil {
		return schema.ServerStatus{}, err
	}
	return *content.ServerStatus, nil
}

// VersionGet returns the installed version.
func (r *Router) VersionGet(ctx context.Context) (string, error) {
	content, err := r.expect(ctx, schema.AgentRequest{Kind: schema.KindVersionGet}, readTimeout, schema.OutFactorioVersion)
	if err != nil {
		return "", err
	}
	return content.FactorioVersion, nil
}

// ServerStart launches the server against a savefile.
func (r *Router) ServerStart(ctx context.Context, ref schema.SavefileRef) error {
	return r.runOk(ctx, schema.AgentRequest{Kind: schema.KindServerStart, ServerStart: &ref}, lifecycleTimeout)
}

// ServerStop gracefully stops the server.
func (r *Router) ServerStop(ctx context.Context) error {
	return r.runOk(ctx, schema.AgentRequest{Kind: schema.KindServerStop}, lifecycleTimeout)
}

// SaveList returns the agent's savefiles.
func (r *Router) SaveList(ctx context.Context) ([]schema.Save, error) {
	content, err := r.expect(ctx, schema.AgentRequest{Kind: schema.KindSaveList}, readTimeout, schema.OutSaveList)
	if err != nil {
		return nil, err
	}
	return content.SaveList, nil
}

// SaveDelete removes one savefile.
func (r *Router) SaveDelete(ctx context.Context, name string) error {
	return r.runOk(ctx, schema.AgentRequest{Kind: schema.KindSaveDelete, SaveDelete: name}, lifecycleTimeout)
}

// SaveSet uploads one savefile chunk.
func (r *Router) SaveSet(ctx context.Context, name string, chunk schema.SaveBytes) error {
	return r.runOk(ctx, schema.AgentRequest{
		Kind:    schema.KindSaveSet,
		SaveSet: &schema.SaveSetPayload{Name: name, Bytes: chunk},
	}, transferTimeout)
}

// ModListGet returns the agent's mod manifest.
func (r *Router) ModListGet(ctx context.Context) ([]schema.ModObject, error) {
	content, err := r.expect(ctx, schema.AgentRequest{Kind: schema.KindModListGet}, readTimeout, schema.OutModsList)
	if err != nil {
		return nil, err
	}
	return content.ModsList, nil
}

// ModListExtractFromSave reads the mod manifest embedded in a savefile.
func (r *Router) ModListExtractFromSave(ctx context.Context, save string) ([]schema.ModObject, error) {
	content, err := r.expect(ctx, schema.AgentRequest{
		Kind:           schema.KindModListExtractFromSave,
		ModListExtract: save,
	}, lifecycleTimeout, schema.OutModsList)
	if err != nil {
		return nil, err
	}
	return content.ModsList, nil
}

// ModSettingsGet returns the raw mod-settings blob.
func (r *Router) ModSettingsGet(ctx context.Context) ([]byte, error) {
	content, err := r.expect(ctx, schema.AgentRequest{Kind: schema.KindModSettingsGet}, readTimeout, schema.OutModSettings)
	if err != nil {
		return nil, err
	}
	return content.ModSettings, nil
}

// ModSettingsSet replaces the raw mod-settings blob.
func (r *Router) ModSettingsSet(ctx context.Context, blob []byte) error {
	return r.runOk(ctx, schema.AgentRequest{Kind: schema.KindModSettingsSet, ModSettingsSet: blob}, lifecycleTimeout)
}

// AdminList returns the configured admin users.
func (r *Router) AdminList(ctx context.Context) ([]string, error) {
	content, err := r.expect(ctx, schema.AgentRequest{Kind: schema.KindConfigAdminListGet}, readTimeout, schema.OutConfigAdminList)
	if err != nil {
		return nil, err
	}
	return content.ConfigAdminList, nil
}

// SetAdminList replaces the admin users.
func (r *Router) SetAdminList(ctx context.Context, users []string) error {
	return r.runOk(ctx, schema.AgentRequest{Kind: schema.KindConfigAdminListSet, ConfigAdminListSet: users}, readTimeout)
}

// BanList returns the banned users.
func (r *Router) BanList(ctx context.Context) ([]string, error) {
	content, err := r.expect(ctx, schema.AgentRequest{Kind: schema.KindConfigBanListGet}, readTimeout, schema.OutConfigBanList)
	if err != nil {
		return nil, err
	}
	return content.ConfigBanList, nil
}

// SetBanList replaces the banned users.
func (r *Router) SetBanList(ctx context.Context, users []string) error {
	return r.runOk(ctx, schema.AgentRequest{Kind: schema.KindConfigBanListSet, ConfigBanListSet: users}, readTimeout)
}

// WhiteList returns the whitelist and its enforcement flag.
func (r *Router) WhiteList(ctx context.Context) (schema.WhiteList, error) {
	content, err := r.expect(ctx, schema.AgentRequest{Kind: schema.KindConfigWhiteListGet}, readTimeout, schema.OutConfigWhiteList)
	if err != nil {
		return schema.WhiteList{}, err
	}
	return *content.ConfigWhiteList, nil
}

// SetWhiteList replaces the whitelist and its enforcement flag.
func (r *Router) SetWhiteList(ctx context.Context, wl schema.WhiteList) error {
	return r.runOk(ctx, schema.AgentRequest{
		Kind:               schema.KindConfigWhiteListSet,
		ConfigWhiteListSet: &schema.WhiteListPayload{Enabled: wl.Enabled, Users: wl.Users},
	}, readTimeout)
}

// RconConfig returns the agent's RCON port and password.
func (r *Router) RconConfig(ctx context.Context) (schema.RconConfig, error) {
	content, err := r.expect(ctx, schema.AgentRequest{Kind: schema.KindConfigRconGet}, readTimeout, schema.OutConfigRcon)
	if err != nil {
		return schema.RconConfig{}, err
	}
	return *content.ConfigRcon, nil
}

// SetRconPassword replaces the RCON password.
func (r *Router) SetRconPassword(ctx context.Context, password string) error {
	return r.runOk(ctx, schema.AgentRequest{
		Kind:          schema.KindConfigRconSet,
		ConfigRconSet: &schema.RconConfigPayload{Password: password},
	}, readTimeout)
}

// Secrets returns the configured download credentials (username only).
func (r *Router) Secrets(ctx context.Context) (schema.Secrets, error) {
	content, err := r.expect(ctx, schema.AgentRequest{Kind: schema.KindConfigSecretsGet}, readTimeout, schema.OutConfigSecrets)
	if err != nil {
		return schema.Secrets{}, err
	}
	return *content.ConfigSecrets, nil
}

// SetSecrets replaces the download credentials.
func (r *Router) SetSecrets(ctx context.Context, s schema.Secrets) error {
	return r.runOk(ctx, schema.AgentRequest{Kind: schema.KindConfigSecretsSet, ConfigSecretsSet: &s}, readTimeout)
}

// ServerSettings returns the server-settings JSON document.
func (r *Router) ServerSettings(ctx context.Context) (string, error) {
	content, err := r.expect(ctx, schema.AgentRequest{Kind: schema.KindConfigServerSettingsGet}, readTimeout, schema.OutConfigServerSettings)
	if err != nil {
		return "", err
	}
	return content.ConfigServerSettings, nil
}

// SetServerSettings replaces the server-settings JSON document.
func (r *Router) SetServerSettings(ctx context.Context, doc string) error {
	return r.runOk(ctx, schema.AgentRequest{Kind: schema.KindConfigServerSettingsSet, ConfigServerSettings: doc}, readTimeout)
}

// RconCommand forwards one RCON command and returns the server's reply.
func (r *Router) RconCommand(ctx context.Context, cmd string) (string, error) {
	content, err := r.expect(ctx, schema.AgentRequest{Kind: schema.KindRconCommand, RconCommand: cmd}, lifecycleTimeout, schema.OutRconResponse)
	if err != nil {
		return "", err
	}
	return content.RconResponse, nil
}

// BuildVersion returns the agent's build identity.
func (r *Router) BuildVersion(ctx context.Context) (schema.BuildInfo, error) {
	content, err := r.expect(ctx, schema.AgentRequest{Kind: schema.KindBuildVersion}, readTimeout, schema.OutBuildVersion)
	if err != nil {
		return schema.BuildInfo{}, err
	}
	return *content.BuildVersion, nil
}

// SystemResources returns the agent host's resource snapshot.
func (r *Router) SystemResources(ctx context.Context) (schema.SystemResources, error) {
	content, err := r.expect(ctx, schema.AgentRequest{Kind: schema.KindSystemResources}, readTimeout, schema.OutSystemResources)
	if err != nil {
		return schema.SystemResources{}, err
	}
	return *content.SystemResources, nil
}

// Long operations; callers consume the returned stream.

// VersionInstall installs, reinstalls or upgrades to a version.
func (r *Router) VersionInstall(ctx context.Context, version string, force bool) (*Stream, error) {
	return r.StartLong(ctx, schema.AgentRequest{
		Kind:           schema.KindVersionInstall,
		VersionInstall: &schema.VersionInstallPayload{Version: version, ForceInstall: force},
	})
}

// SaveCreate generates a fresh savefile.
func (r *Router) SaveCreate(ctx context.Context, name string) (*Stream, error) {
	return r.StartLong(ctx, schema.AgentRequest{Kind: schema.KindSaveCreate, SaveCreate: name})
}

// ModListSet replaces the agent's mod manifest.
func (r *Router) ModListSet(ctx context.Context, mods []schema.ModObject) (*Stream, error) {
	return r.StartLong(ctx, schema.AgentRequest{Kind: schema.KindModListSet, ModListSet: mods})
}

// SaveGet streams a savefile down in chunks.
func (r *Router) SaveGet(ctx context.Context, name string) (*Stream, error) {
	return r.StartLong(ctx, schema.AgentRequest{Kind: schema.KindSaveGet, SaveGet: name})
}

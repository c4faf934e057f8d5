package settings

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/factoriod/factoriod/pkg/schema"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir(), Defaults{FactorioPort: 34197, RconPort: 27015})
	require.NoError(t, err)
	return m
}

func TestLaunchSettingsDefaultsOnFirstUse(t *testing.T) {
	m := newTestManager(t)

	ls, err := m.LaunchSettings()
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:34197", ls.ServerBind)
	assert.Equal(t, "0.0.0.0:27015", ls.RconBind)
	assert.False(t, ls.UseWhitelist)

	// Defaults are persisted, not recomputed.
	_, err = os.Stat(filepath.Join(m.Dir(), "launch-settings.yaml"))
	assert.NoError(t, err)
}

func TestListRoundTrips(t *testing.T) {
	m := newTestManager(t)

	admins, err := m.AdminList()
	require.NoError(t, err)
	assert.Empty(t, admins)

	require.NoError(t, m.SetAdminList([]string{"alice", "bob"}))
	admins, err = m.AdminList()
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, admins)

	require.NoError(t, m.SetBanList([]string{"mallory"}))
	banned, err := m.BanList()
	require.NoError(t, err)
	assert.Equal(t, []string{"mallory"}, banned)
}

func TestWhiteListCarriesEnabledFlag(t *testing.T) {
	m := newTestManager(t)

	require.NoError(t, m.SetWhiteList(schema.WhiteList{Enabled: true, Users: []string{"alice"}}))

	wl, err := m.WhiteList()
	require.NoError(t, err)
	assert.True(t, wl.Enabled)
	assert.Equal(t, []string{"alice"}, wl.Users)

	ls, err := m.LaunchSettings()
	require.NoError(t, err)
	assert.True(t, ls.UseWhitelist)
}

func TestServerSettingsSeededFromExample(t *testing.T) {
	m := newTestManager(t)

	_, err := m.ServerSettings("")
	assert.ErrorIs(t, err, ErrServerSettingsNotInitialised)

	example := filepath.Join(t.TempDir(), "server-settings.example.json")
	require.NoError(t, os.WriteFile(example, []byte(`{"name":"my server"}`), 0o644))

	doc, err := m.ServerSettings(example)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"my server"}`, doc)

	// Subsequent reads come from the seeded copy, not the example.
	doc, err = m.ServerSettings("")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"my server"}`, doc)
}

func TestSetServerSettingsRejectsInvalidJSON(t *testing.T) {
	m := newTestManager(t)
	assert.Error(t, m.SetServerSettings("{not json"))
}

func TestSecrets(t *testing.T) {
	m := newTestManager(t)

	_, err := m.Secrets()
	assert.ErrorIs(t, err, ErrSecretsNotSet)

	require.NoError(t, m.SetSecrets(schema.Secrets{Username: "alice", Token: "tok"}))
	s, err := m.Secrets()
	require.NoError(t, err)
	assert.Equal(t, "alice", s.Username)
	assert.Equal(t, "tok", s.Token)
}

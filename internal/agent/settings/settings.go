// Package settings owns the config files the agent maintains for the game
// server: launch settings, server settings, admin/ban/white lists and the
// download secrets. All writes go through a temp-file rename.
package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/factoriod/factoriod/pkg/schema"
)

const (
	launchSettingsFile = "launch-settings.yaml"
	serverSettingsFile = "server-settings.json"
	adminListFile      = "server-adminlist.json"
	banListFile        = "server-banlist.json"
	whiteListFile      = "server-whitelist.json"
	secretsFile        = "secrets.json"
)

// ErrServerSettingsNotInitialised indicates no server settings exist yet and
// no example file was available to seed a default.
var ErrServerSettingsNotInitialised = errors.New("server settings not initialised")

// ErrSecretsNotSet indicates the download credentials were never configured.
var ErrSecretsNotSet = errors.New("secrets not set")

// LaunchSettings are the agent-owned parameters for assembling the server
// command line.
type LaunchSettings struct {
	ServerBind   string `yaml:"server_bind"`
	RconBind     string `yaml:"rcon_bind"`
	RconPassword string `yaml:"rcon_password"`
	UseWhitelist bool   `yaml:"use_whitelist"`
}

// Defaults carries the values used when a config file is absent.
type Defaults struct {
	FactorioPort int
	RconPort     int
}

// Manager reads and writes the config files under one directory.
type Manager struct {
	dir      string
	defaults Defaults
}

// NewManager creates the config directory if needed.
func NewManager(dir string, defaults Defaults) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating configs dir: %w", err)
	}
	return &Manager{dir: dir, defaults: defaults}, nil
}

// Dir returns the config directory.
func (m *Manager) Dir() string { return m.dir }

// AdminListPath returns the on-disk admin list path for the command line.
func (m *Manager) AdminListPath() string { return filepath.Join(m.dir, adminListFile) }

// BanListPath returns the on-disk ban list path for the command line.
func (m *Manager) BanListPath() string { return filepath.Join(m.dir, banListFile) }

// WhiteListPath returns the on-disk whitelist path for the command line.
func (m *Manager) WhiteListPath() string { return filepath.Join(m.dir, whiteListFile) }

// ServerSettingsPath returns the on-disk server settings path.
func (m *Manager) ServerSettingsPath() string { return filepath.Join(m.dir, serverSettingsFile) }

// LaunchSettings returns the stored launch settings, writing defaults on
// first use.
func (m *Manager) LaunchSettings() (LaunchSettings, error) {
	path := filepath.Join(m.dir, launchSettingsFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return LaunchSettings{}, fmt.Errorf("reading launch settings: %w", err)
		}
		ls := LaunchSettings{
			ServerBind:   fmt.Sprintf("0.0.0.0:%d", m.defaults.FactorioPort),
			RconBind:     fmt.Sprintf("0.0.0.0:%d", m.defaults.RconPort),
			RconPassword: "",
			UseWhitelist: false,
		}
		if err := m.SetLaunchSettings(ls); err != nil {
			return LaunchSettings{}, err
		}
		return ls, nil
	}

	var ls LaunchSettings
	if err := yaml.Unmarshal(data, &ls); err != nil {
		return LaunchSettings{}, fmt.Errorf("parsing launch settings: %w", err)
	}
	return ls, nil
}

// SetLaunchSettings persists the launch settings.
func (m *Manager) SetLaunchSettings(ls LaunchSettings) error {
	data, err := yaml.Marshal(ls)
	if err != nil {
		return fmt.Errorf("encoding launch settings: %w", err)
	}
	return atomicWrite(filepath.Join(m.dir, launchSettingsFile), data)
}

// ServerSettings returns the stored server-settings JSON document. When none
// exists, examplePath (the installation's example file) seeds the default;
// with no example available the settings are reported uninitialised.
func (m *Manager) ServerSettings(examplePath string) (string, error) {
	path := m.ServerSettingsPath()
	data, err := os.ReadFile(path)
	if err == nil {
		return string(data), nil
	}
	if !os.IsNotExist(err) {
		return "", fmt.Errorf("reading server settings: %w", err)
	}

	if examplePath == "" {
		return "", ErrServerSettingsNotInitialised
	}
	example, err := os.ReadFile(examplePath)
	if err != nil {
		return "", ErrServerSettingsNotInitialised
	}
	if err := m.SetServerSettings(string(example)); err != nil {
		return "", err
	}
	return string(example), nil
}

// SetServerSettings persists the server-settings JSON document verbatim
// after checking it is valid JSON.
func (m *Manager) SetServerSettings(doc string) error {
	var probe any
	if err := json.Unmarshal([]byte(doc), &probe); err != nil {
		return fmt.Errorf("server settings must be valid JSON: %w", err)
	}
	return atomicWrite(m.ServerSettingsPath(), []byte(doc))
}

// AdminList returns the admin list, defaulting to empty.
func (m *Manager) AdminList() ([]string, error) {
	return m.readList(adminListFile)
}

// SetAdminList persists the admin list.
func (m *Manager) SetAdminList(users []string) error {
	return m.writeList(adminListFile, users)
}

// BanList returns the ban list, defaulting to empty.
func (m *Manager) BanList() ([]string, error) {
	return m.readList(banListFile)
}

// SetBanList persists the ban list.
func (m *Manager) SetBanList(users []string) error {
	return m.writeList(banListFile, users)
}

// WhiteList returns the whitelist users plus the enforcement flag from
// launch settings.
func (m *Manager) WhiteList() (schema.WhiteList, error) {
	users, err := m.readList(whiteListFile)
	if err != nil {
		return schema.WhiteList{}, err
	}
	ls, err := m.LaunchSettings()
	if err != nil {
		return schema.WhiteList{}, err
	}
	return schema.WhiteList{Enabled: ls.UseWhitelist, Users: users}, nil
}

// SetWhiteList persists the whitelist and its enforcement flag.
func (m *Manager) SetWhiteList(wl schema.WhiteList) error {
	if err := m.writeList(whiteListFile, wl.Users); err != nil {
		return err
	}
	ls, err := m.LaunchSettings()
	if err != nil {
		return err
	}
	ls.UseWhitelist = wl.Enabled
	return m.SetLaunchSettings(ls)
}

// Secrets returns the stored download credentials.
func (m *Manager) Secrets() (schema.Secrets, error) {
	data, err := os.ReadFile(filepath.Join(m.dir, secretsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return schema.Secrets{}, ErrSecretsNotSet
		}
		return schema.Secrets{}, fmt.Errorf("reading secrets: %w", err)
	}
	var s schema.Secrets
	if err := json.Unmarshal(data, &s); err != nil {
		return schema.Secrets{}, fmt.Errorf("parsing secrets: %w", err)
	}
	return s, nil
}

// SetSecrets persists the download credentials.
func (m *Manager) SetSecrets(s schema.Secrets) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encoding secrets: %w", err)
	}
	return atomicWrite(filepath.Join(m.dir, secretsFile), data)
}

func (m *Manager) readList(file string) ([]string, error) {
	data, err := os.ReadFile(filepath.Join(m.dir, file))
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("reading %s: %w", file, err)
	}
	var users []string
	if err := json.Unmarshal(data, &users); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", file, err)
	}
	return users, nil
}

func (m *Manager) writeList(file string, users []string) error {
	if users == nil {
		users = []string{}
	}
	data, err := json.MarshalIndent(users, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", file, err)
	}
	return atomicWrite(filepath.Join(m.dir, file), data)
}

func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

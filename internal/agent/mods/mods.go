// Package mods manages the agent's mod directory: the mod-list.json
// manifest, the binary mod-settings blob, and mod list extraction from
// savefiles.
package mods

import (
	"archive/zip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/factoriod/factoriod/pkg/schema"
)

const (
	modListFile     = "mod-list.json"
	modSettingsFile = "mod-settings.dat"
)

// ErrSettingsNotInitialised indicates no mod-settings blob exists yet.
var ErrSettingsNotInitialised = errors.New("mod settings not initialised")

// manifest is the on-disk mod-list.json shape.
type manifest struct {
	Mods []schema.ModObject `json:"mods"`
}

// Manager owns the mod directory.
type Manager struct {
	dir string
}

// NewManager creates the mod directory if needed.
func NewManager(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating mods dir: %w", err)
	}
	return &Manager{dir: dir}, nil
}

// Dir returns the mod directory for the server command line.
func (m *Manager) Dir() string { return m.dir }

// List returns the mod manifest, defaulting to empty.
func (m *Manager) List() ([]schema.ModObject, error) {
	data, err := os.ReadFile(filepath.Join(m.dir, modListFile))
	if err != nil {
		if os.IsNotExist(err) {
			return []schema.ModObject{}, nil
		}
		return nil, fmt.Errorf("reading mod list: %w", err)
	}
	var mf manifest
	if err := json.Unmarshal(data, &mf); err != nil {
		return nil, fmt.Errorf("parsing mod list: %w", err)
	}
	if mf.Mods == nil {
		mf.Mods = []schema.ModObject{}
	}
	return mf.Mods, nil
}

// SetList replaces the mod manifest.
func (m *Manager) SetList(mods []schema.ModObject) error {
	if mods == nil {
		mods = []schema.ModObject{}
	}
	data, err := json.MarshalIndent(manifest{Mods: mods}, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding mod list: %w", err)
	}
	tmp := filepath.Join(m.dir, modListFile+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(m.dir, modListFile))
}

// Settings returns the raw mod-settings blob.
func (m *Manager) Settings() ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(m.dir, modSettingsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSettingsNotInitialised
		}
		return nil, fmt.Errorf("reading mod settings: %w", err)
	}
	return data, nil
}

// SetSettings replaces the raw mod-settings blob.
func (m *Manager) SetSettings(blob []byte) error {
	tmp := filepath.Join(m.dir, modSettingsFile+".tmp")
	if err := os.WriteFile(tmp, blob, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(m.dir, modSettingsFile))
}

// ExtractFromSave reads the mod manifest embedded in a savefile zip.
func ExtractFromSave(savePath string) ([]schema.ModObject, error) {
	r, err := zip.OpenReader(savePath)
	if err != nil {
		return nil, fmt.Errorf("opening savefile %s: %w", savePath, err)
	}
	defer r.Close()

	for _, f := range r.File {
		if filepath.Base(f.Name) != modListFile || strings.HasPrefix(f.Name, "__") {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("opening %s in savefile: %w", f.Name, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("reading %s in savefile: %w", f.Name, err)
		}
		var mf manifest
		if err := json.Unmarshal(data, &mf); err != nil {
			return nil, fmt.Errorf("parsing mod list in savefile: %w", err)
		}
		return mf.Mods, nil
	}
	return nil, fmt.Errorf("savefile %s carries no mod list", savePath)
}

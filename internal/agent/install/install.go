// Package install manages the versioned game installations under the
// agent's install directory. Policy elsewhere keeps at most one version
// installed; this package only mechanises scan, install and delete.
package install

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ulikunitz/xz"
	"go.uber.org/zap"

	"github.com/factoriod/factoriod/internal/common/logger"
)

const (
	downloadURLFormat = "https://factorio.com/get-download/%s/headless/linux64"

	// Installation directory prefixes. The distribution changed naming with
	// the 1.2 / 2.x line.
	oldPrefix = "factorio_headless_x64_"
	newPrefix = "factorio-headless_linux_"
)

// ErrNotInstalled indicates the requested version is not present.
var ErrNotInstalled = errors.New("version not installed")

// Installation is one unpacked version on disk.
type Installation struct {
	Version string
	Path    string
}

// ExecutablePath returns the server binary inside the installation.
func (i Installation) ExecutablePath() string {
	return filepath.Join(i.Path, "factorio", "bin", "x64", "factorio")
}

// ServerSettingsExamplePath returns the example settings document shipped
// with the installation.
func (i Installation) ServerSettingsExamplePath() string {
	return filepath.Join(i.Path, "factorio", "data", "server-settings.example.json")
}

// Manager scans and mutates the install directory.
type Manager struct {
	dir    string
	log    *logger.Logger
	client *http.Client

	mu        sync.Mutex
	installed map[string]Installation
}

// NewManager scans dir for existing installations.
func NewManager(dir string, log *logger.Logger) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating install dir: %w", err)
	}
	m := &Manager{
		dir:       dir,
		log:       log,
		client:    &http.Client{Timeout: 30 * time.Minute},
		installed: make(map[string]Installation),
	}
	if err := m.rescan(); err != nil {
		return nil, err
	}
	return m, nil
}

func dirPrefix(version string) string {
	if strings.HasPrefix(version, "2.") || strings.HasPrefix(version, "1.2") {
		return newPrefix
	}
	return oldPrefix
}

func (m *Manager) rescan() error {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return fmt.Errorf("scanning install dir: %w", err)
	}
	m.installed = make(map[string]Installation)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		var version string
		switch {
		case strings.HasPrefix(e.Name(), oldPrefix):
			version = strings.TrimPrefix(e.Name(), oldPrefix)
		case strings.HasPrefix(e.Name(), newPrefix):
			version = strings.TrimPrefix(e.Name(), newPrefix)
		default:
			continue
		}
		m.installed[version] = Installation{
			Version: version,
			Path:    filepath.Join(m.dir, e.Name()),
		}
	}
	return nil
}

// Versions returns the installed versions, sorted.
func (m *Manager) Versions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.installed))
	for v := range m.installed {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// Get returns the installation for a version.
func (m *Manager) Get(version string) (Installation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.installed[version]
	if !ok {
		return Installation{}, ErrNotInstalled
	}
	return inst, nil
}

// Sole returns the single installed version when exactly one exists.
func (m *Manager) Sole() (Installation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.installed) != 1 {
		return Installation{}, false
	}
	for _, inst := range m.installed {
		return inst, true
	}
	return Installation{}, false
}

// Install downloads and unpacks a version. Installing a version that is
// already present is a no-op unless force is set, in which case the existing
// directory is replaced.
func (m *Manager) Install(ctx context.Context, version string, force bool) error {
	m.mu.Lock()
	_, present := m.installed[version]
	m.mu.Unlock()

	if present && !force {
		m.log.Info("Version already installed", zap.String("version", version))
		return nil
	}

	target := filepath.Join(m.dir, dirPrefix(version)+version)
	staging := target + ".partial"
	defer os.RemoveAll(staging)
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return fmt.Errorf("creating staging dir: %w", err)
	}

	url := fmt.Sprintf(downloadURLFormat, version)
	m.log.Info("Downloading server archive", zap.String("version", version), zap.String("url", url))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("downloading %s: %w", version, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("downloading %s: unexpected status %s", version, resp.Status)
	}

	if err := unpackTarXz(resp.Body, staging); err != nil {
		return fmt.Errorf("unpacking %s: %w", version, err)
	}

	if present {
		if err := os.RemoveAll(target); err != nil {
			return fmt.Errorf("removing previous installation: %w", err)
		}
	}
	if err := os.Rename(staging, target); err != nil {
		return fmt.Errorf("activating installation: %w", err)
	}

	m.mu.Lock()
	m.installed[version] = Installation{Version: version, Path: target}
	m.mu.Unlock()

	m.log.Info("Version installed", zap.String("version", version), zap.String("path", target))
	return nil
}

// Delete removes an installed version from disk.
func (m *Manager) Delete(version string) error {
	m.mu.Lock()
	inst, ok := m.installed[version]
	m.mu.Unlock()
	if !ok {
		return ErrNotInstalled
	}

	if err := os.RemoveAll(inst.Path); err != nil {
		return fmt.Errorf("deleting installation %s: %w", version, err)
	}

	m.mu.Lock()
	delete(m.installed, version)
	m.mu.Unlock()

	m.log.Info("Version deleted", zap.String("version", version))
	return nil
}

// unpackTarXz streams a .tar.xz archive into dir. Entry paths are confined
// to dir.
func unpackTarXz(r io.Reader, dir string) error {
	xzr, err := xz.NewReader(r)
	if err != nil {
		return fmt.Errorf("opening xz stream: %w", err)
	}

	tr := tar.NewReader(xzr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading tar stream: %w", err)
		}

		name := filepath.Clean(hdr.Name)
		if name == "." || strings.HasPrefix(name, "..") || filepath.IsAbs(name) {
			continue
		}
		dest := filepath.Join(dir, name)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(dest, os.FileMode(hdr.Mode)|0o700); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				return err
			}
			f, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				return err
			}
			if err := os.Symlink(hdr.Linkname, dest); err != nil && !os.IsExist(err) {
				return err
			}
		}
	}
}

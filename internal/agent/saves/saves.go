// Package saves manages the agent's savefile directory: one <name>.zip per
// save.
package saves

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/factoriod/factoriod/pkg/schema"
)

var (
	// ErrEmptyName rejects requests naming no savefile, before any side
	// effect.
	ErrEmptyName = errors.New("savefile name must not be empty")

	// ErrNotFound indicates the named savefile does not exist.
	ErrNotFound = errors.New("savefile not found")
)

// Manager owns the savefile directory.
type Manager struct {
	dir string
}

// NewManager creates the savefile directory if needed.
func NewManager(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating saves dir: %w", err)
	}
	return &Manager{dir: dir}, nil
}

// Path returns the on-disk path for a savefile name.
func (m *Manager) Path(name string) (string, error) {
	if name == "" {
		return "", ErrEmptyName
	}
	return filepath.Join(m.dir, name+".zip"), nil
}

// Exists reports whether the named savefile is present.
func (m *Manager) Exists(name string) bool {
	p, err := m.Path(name)
	if err != nil {
		return false
	}
	_, err = os.Stat(p)
	return err == nil
}

// List returns all savefiles, newest first.
func (m *Manager) List() ([]schema.Save, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("reading saves dir: %w", err)
	}

	var out []schema.Save
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".zip") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, schema.Save{
			Name:         strings.TrimSuffix(e.Name(), ".zip"),
			LastModified: info.ModTime().UTC(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastModified.After(out[j].LastModified)
	})
	return out, nil
}

// Size returns the byte size of the named savefile.
func (m *Manager) Size(name string) (int64, error) {
	p, err := m.Path(name)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	return info.Size(), nil
}

// ReadChunk reads up to len(buf) bytes at the given offset. n is the count
// actually read; eof reports whether the end of the file was reached.
func (m *Manager) ReadChunk(name string, offset int64, buf []byte) (n int, eof bool, err error) {
	p, err := m.Path(name)
	if err != nil {
		return 0, false, err
	}
	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, ErrNotFound
		}
		return 0, false, err
	}
	defer f.Close()

	n, err = f.ReadAt(buf, offset)
	if errors.Is(err, io.EOF) {
		return n, true, nil
	}
	if err != nil {
		return n, false, err
	}
	return n, false, nil
}

// WriteChunk applies one SaveBytes chunk. A chunk without an offset replaces
// the file; a chunk with an offset is written at that position; the sentinel
// truncates the file to the offset, ending a multipart transfer.
func (m *Manager) WriteChunk(name string, b schema.SaveBytes) error {
	p, err := m.Path(name)
	if err != nil {
		return err
	}

	if b.MultipartStart == nil {
		return atomicWrite(p, b.Bytes)
	}

	f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening savefile for write: %w", err)
	}
	defer f.Close()

	offset := int64(*b.MultipartStart)
	if b.IsSentinel() {
		return f.Truncate(offset)
	}
	if _, err := f.WriteAt(b.Bytes, offset); err != nil {
		return fmt.Errorf("writing savefile chunk at %d: %w", offset, err)
	}
	return nil
}

// Delete removes the named savefile.
func (m *Manager) Delete(name string) error {
	p, err := m.Path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("deleting savefile: %w", err)
	}
	return nil
}

func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

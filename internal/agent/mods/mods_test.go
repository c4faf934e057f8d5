package mods

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/factoriod/factoriod/pkg/schema"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)
	return m
}

func TestListDefaultsToEmpty(t *testing.T) {
	m := newTestManager(t)
	list, err := m.List()
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestListRoundTrip(t *testing.T) {
	m := newTestManager(t)

	want := []schema.ModObject{
		{Name: "rail-signals", Version: "1.2.0"},
		{Name: "bigger-furnaces", Version: "0.9.1"},
	}
	require.NoError(t, m.SetList(want))

	got, err := m.List()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestSettingsBlob(t *testing.T) {
	m := newTestManager(t)

	_, err := m.Settings()
	assert.ErrorIs(t, err, ErrSettingsNotInitialised)

	blob := []byte{0x01, 0x00, 0xff, 0x42}
	require.NoError(t, m.SetSettings(blob))

	got, err := m.Settings()
	require.NoError(t, err)
	assert.Equal(t, blob, got)
}

func TestExtractFromSave(t *testing.T) {
	savePath := filepath.Join(t.TempDir(), "world1.zip")
	f, err := os.Create(savePath)
	require.NoError(t, err)

	zw := zip.NewWriter(f)
	w, err := zw.Create("world1/mod-list.json")
	require.NoError(t, err)
	_, err = w.Write([]byte(`{"mods":[{"name":"rail-signals","version":"1.2.0"}]}`))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	mods, err := ExtractFromSave(savePath)
	require.NoError(t, err)
	require.Len(t, mods, 1)
	assert.Equal(t, "rail-signals", mods[0].Name)
}

func TestExtractFromSaveWithoutManifest(t *testing.T) {
	savePath := filepath.Join(t.TempDir(), "bare.zip")
	f, err := os.Create(savePath)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	_, err = zw.Create("bare/level.dat")
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	_, err = ExtractFromSave(savePath)
	assert.Error(t, err)
}

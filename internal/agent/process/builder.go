// Package process owns the game-server child process: command assembly,
// the running instance and its stdout/stderr readers, and the supervisor
// enforcing the single-instance invariant.
package process

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/factoriod/factoriod/internal/agent/install"
	"github.com/factoriod/factoriod/internal/agent/settings"
	"github.com/factoriod/factoriod/pkg/schema"
)

// StdoutHandler consumes one stdout line. Handlers run on the reader
// goroutine and must not block.
type StdoutHandler func(line string)

// Snapshot is the launch-time configuration captured with an instance, used
// to restart it after a reinstall or upgrade.
type Snapshot struct {
	Savefile     schema.SavefileRef
	Launch       settings.LaunchSettings
	OptionalArgs []string
}

// HostingPaths names the config files handed to a hosting invocation.
type HostingPaths struct {
	Savefile       string
	ServerSettings string
	AdminList      string
	BanList        string
	WhiteList      string
	ModsDir        string
}

// Builder assembles one server invocation.
type Builder struct {
	exe           string
	args          []string
	stdoutHandler StdoutHandler
	snapshot      Snapshot
	shortLived    bool
}

// NewBuilder starts a builder against an installation's server binary.
func NewBuilder(inst install.Installation) *Builder {
	return &Builder{
		exe:           inst.ExecutablePath(),
		stdoutHandler: func(string) {},
	}
}

// WithStdoutHandler sets the stdout line consumer.
func (b *Builder) WithStdoutHandler(h StdoutHandler) *Builder {
	b.stdoutHandler = h
	return b
}

// Hosting configures a long-running start-server invocation.
func (b *Builder) Hosting(ref schema.SavefileRef, ls settings.LaunchSettings, useWhitelist bool, paths HostingPaths) *Builder {
	b.args = append(b.args,
		"--start-server", paths.Savefile,
		"--bind", ls.ServerBind,
		"--rcon-bind", ls.RconBind,
		"--rcon-password", ls.RconPassword,
		"--server-settings", paths.ServerSettings,
		"--server-adminlist", paths.AdminList,
		"--server-banlist", paths.BanList,
		"--server-whitelist", paths.WhiteList,
		"--mod-directory", paths.ModsDir,
	)
	if useWhitelist {
		b.args = append(b.args, "--use-server-whitelist")
	}
	b.snapshot = Snapshot{Savefile: ref, Launch: ls}
	return b
}

// Creating configures a one-shot --create invocation. Map settings, when
// given, are written to uniquely named temp files; the OS temp dir owns
// their eventual cleanup.
func (b *Builder) Creating(savefilePath string, mapGenSettings, mapSettings []byte) (*Builder, error) {
	b.args = append(b.args, "--create", savefilePath)
	b.shortLived = true

	if len(mapGenSettings) > 0 {
		p, err := writeTempSettings("map-gen-settings", mapGenSettings)
		if err != nil {
			return nil, err
		}
		b.args = append(b.args, "--map-gen-settings", p)
	}
	if len(mapSettings) > 0 {
		p, err := writeTempSettings("map-settings", mapSettings)
		if err != nil {
			return nil, err
		}
		b.args = append(b.args, "--map-settings", p)
	}
	return b, nil
}

// ReplayOptionalArgs carries forward extra args recorded on a previous
// instance of the same server.
func (b *Builder) ReplayOptionalArgs(prev *Stopped) *Builder {
	b.args = append(b.args, prev.Snapshot.OptionalArgs...)
	b.snapshot.OptionalArgs = append(b.snapshot.OptionalArgs, prev.Snapshot.OptionalArgs...)
	return b
}

func (b *Builder) command() *exec.Cmd {
	return exec.Command(b.exe, b.args...)
}

func writeTempSettings(kind string, data []byte) (string, error) {
	p := filepath.Join(os.TempDir(), fmt.Sprintf("factoriod-%s-%s.json", kind, uuid.NewString()))
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return "", fmt.Errorf("writing %s temp file: %w", kind, err)
	}
	return p, nil
}

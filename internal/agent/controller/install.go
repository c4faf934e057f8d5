package controller

import (
	"context"

	"github.com/factoriod/factoriod/internal/agent/process"
	"github.com/factoriod/factoriod/pkg/schema"
)

// handleVersionInstall drives the install choreography. At most one version
// stays installed. A reinstall stops the server before mutating the
// installation directory; an upgrade installs the new version first to
// minimize downtime, then stops, deletes the old version and restarts.
func (c *Controller) handleVersionInstall(id schema.OperationID, payload schema.VersionInstallPayload) {
	version := payload.Version
	if version == "" {
		c.failed(id, schema.Errorf("version must not be empty"))
		return
	}

	current, hasCurrent := c.deps.Versions.Sole()
	switch {
	case !hasCurrent:
		c.ack(id)
		c.progress(id, "Installing version %s", version)
		if err := c.deps.Versions.Install(context.Background(), version, false); err != nil {
			c.failed(id, schema.Errorf("installing %s: %v", version, err))
			return
		}
		c.progress(id, "Installed version %s", version)

	case current.Version == version:
		if !payload.ForceInstall {
			c.completed(id, schema.Messagef("Version %s already installed", version))
			return
		}
		c.reinstall(id, version)
		return

	default:
		c.upgrade(id, current.Version, version)
		return
	}

	c.completed(id, schema.Ok())
}

// reinstall replaces the installed directory in place, stopping a running
// server first and restarting it afterwards.
func (c *Controller) reinstall(id schema.OperationID, version string) {
	c.ack(id)

	var stopped *process.Stopped
	if c.deps.Procs.Running() {
		var err error
		stopped, err = c.deps.Procs.Stop()
		if err != nil {
			c.failed(id, schema.Errorf("stopping server: %v", err))
			return
		}
		c.progress(id, "Stopped for reinstall")
	}

	c.progress(id, "Reinstalling version %s", version)
	if err := c.deps.Versions.Install(context.Background(), version, true); err != nil {
		c.failed(id, schema.Errorf("reinstalling %s: %v", version, err))
		return
	}
	c.progress(id, "Reinstalled version %s", version)

	if stopped != nil {
		c.progress(id, "Restarting server")
		if err := c.restartFrom(stopped); err != nil {
			c.failed(id, schema.Errorf("restarting server: %v", err))
			return
		}
	}
	c.completed(id, schema.Ok())
}

// upgrade installs the new version alongside the old one before taking the
// server down, then deletes the old version and restarts.
func (c *Controller) upgrade(id schema.OperationID, from, to string) {
	c.ack(id)

	c.progress(id, "Installing version %s", to)
	if err := c.deps.Versions.Install(context.Background(), to, false); err != nil {
		c.failed(id, schema.Errorf("installing %s: %v", to, err))
		return
	}
	c.progress(id, "Installed version %s", to)

	var stopped *process.Stopped
	if c.deps.Procs.Running() {
		var err error
		stopped, err = c.deps.Procs.Stop()
		if err != nil {
			c.failed(id, schema.Errorf("stopping server: %v", err))
			return
		}
		c.progress(id, "Stopped server for upgrade")
	}

	c.progress(id, "Removing previous version %s", from)
	if err := c.deps.Versions.Delete(from); err != nil {
		c.failed(id, schema.Errorf("removing previous version %s: %v", from, err))
		return
	}

	if stopped != nil {
		c.progress(id, "Restarting server with version %s", to)
		if err := c.restartFrom(stopped); err != nil {
			c.failed(id, schema.Errorf("restarting server: %v", err))
			return
		}
	}
	c.completed(id, schema.Ok())
}

// restartFrom relaunches the server with the configuration captured at stop
// time, against whatever installation is now current.
func (c *Controller) restartFrom(stopped *process.Stopped) error {
	b, err := c.hostingBuilder(stopped.Snapshot.Savefile)
	if err != nil {
		return err
	}
	return c.deps.Procs.Start(b.ReplayOptionalArgs(stopped))
}

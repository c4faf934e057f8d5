package controller

import (
	"errors"
	"net"
	"strconv"

	"go.uber.org/zap"

	"github.com/factoriod/factoriod/internal/agent/install"
	"github.com/factoriod/factoriod/internal/agent/mods"
	"github.com/factoriod/factoriod/internal/agent/process"
	"github.com/factoriod/factoriod/internal/agent/rcon"
	"github.com/factoriod/factoriod/internal/agent/saves"
	"github.com/factoriod/factoriod/internal/agent/settings"
	"github.com/factoriod/factoriod/pkg/schema"
)

// saveChunkSize keeps encoded SaveFile frames under the 8 MB payload cap
// after base64 expansion.
const saveChunkSize = 4 << 20

func (c *Controller) dispatch(env schema.AgentRequestEnvelope) {
	id := env.OperationID
	msg := env.Message
	c.logger.Debug("Dispatching request",
		zap.String("operation_id", string(id)), zap.String("kind", string(msg.Kind)))

	switch msg.Kind {
	case schema.KindVersionInstall:
		c.handleVersionInstall(id, *msg.VersionInstall)
	case schema.KindVersionGet:
		c.handleVersionGet(id)
	case schema.KindServerStart:
		c.handleServerStart(id, *msg.ServerStart)
	case schema.KindServerStop:
		c.handleServerStop(id)
	case schema.KindServerStatus:
		c.completed(id, schema.AgentOutMessage{
			Kind:         schema.OutServerStatus,
			ServerStatus: statusPtr(c.deps.Procs.Status()),
		})
	case schema.KindSaveCreate:
		c.handleSaveCreate(id, msg.SaveCreate)
	case schema.KindSaveDelete:
		c.handleSaveDelete(id, msg.SaveDelete)
	case schema.KindSaveGet:
		c.handleSaveGet(id, msg.SaveGet)
	case schema.KindSaveSet:
		c.handleSaveSet(id, *msg.SaveSet)
	case schema.KindSaveList:
		c.handleSaveList(id)
	case schema.KindModListGet:
		c.handleModListGet(id)
	case schema.KindModListSet:
		c.handleModListSet(id, msg.ModListSet)
	case schema.KindModListExtractFromSave:
		c.handleModListExtract(id, msg.ModListExtract)
	case schema.KindModSettingsGet:
		c.handleModSettingsGet(id)
	case schema.KindModSettingsSet:
		c.handleModSettingsSet(id, msg.ModSettingsSet)
	case schema.KindConfigAdminListGet:
		c.listReply(id, schema.OutConfigAdminList, c.deps.Settings.AdminList)
	case schema.KindConfigAdminListSet:
		c.setReply(id, func() error { return c.deps.Settings.SetAdminList(msg.ConfigAdminListSet) })
	case schema.KindConfigBanListGet:
		c.listReply(id, schema.OutConfigBanList, c.deps.Settings.BanList)
	case schema.KindConfigBanListSet:
		c.setReply(id, func() error { return c.deps.Settings.SetBanList(msg.ConfigBanListSet) })
	case schema.KindConfigWhiteListGet:
		c.handleWhiteListGet(id)
	case schema.KindConfigWhiteListSet:
		c.setReply(id, func() error {
			return c.deps.Settings.SetWhiteList(schema.WhiteList{
				Enabled: msg.ConfigWhiteListSet.Enabled,
				Users:   msg.ConfigWhiteListSet.Users,
			})
		})
	case schema.KindConfigRconGet:
		c.handleRconConfigGet(id)
	case schema.KindConfigRconSet:
		c.handleRconConfigSet(id, *msg.ConfigRconSet)
	case schema.KindConfigSecretsGet:
		c.handleSecretsGet(id)
	case schema.KindConfigSecretsSet:
		c.setReply(id, func() error { return c.deps.Settings.SetSecrets(*msg.ConfigSecretsSet) })
	case schema.KindConfigServerSettingsGet:
		c.handleServerSettingsGet(id)
	case schema.KindConfigServerSettingsSet:
		c.setReply(id, func() error { return c.deps.Settings.SetServerSettings(msg.ConfigServerSettings) })
	case schema.KindRconCommand:
		c.handleRconCommand(id, msg.RconCommand)
	case schema.KindBuildVersion:
		build := c.deps.Build
		c.completed(id, schema.AgentOutMessage{Kind: schema.OutBuildVersion, BuildVersion: &build})
	case schema.KindSystemResources:
		snap := c.deps.Sysinfo.Snapshot()
		c.completed(id, schema.AgentOutMessage{Kind: schema.OutSystemResources, SystemResources: &snap})
	default:
		c.failed(id, schema.Errorf("unsupported operation %s", msg.Kind))
	}
}

func statusPtr(s schema.ServerStatus) *schema.ServerStatus { return &s }

// listReply answers a config-list get.
func (c *Controller) listReply(id schema.OperationID, kind schema.AgentOutKind, get func() ([]string, error)) {
	list, err := get()
	if err != nil {
		c.failed(id, schema.Errorf("%v", err))
		return
	}
	out := schema.AgentOutMessage{Kind: kind}
	switch kind {
	case schema.OutConfigAdminList:
		out.ConfigAdminList = list
	case schema.OutConfigBanList:
		out.ConfigBanList = list
	}
	c.completed(id, out)
}

// setReply answers a short set operation.
func (c *Controller) setReply(id schema.OperationID, set func() error) {
	if err := set(); err != nil {
		c.failed(id, schema.Errorf("%v", err))
		return
	}
	c.completed(id, schema.Ok())
}

func (c *Controller) handleVersionGet(id schema.OperationID) {
	inst, ok := c.deps.Versions.Sole()
	if !ok {
		c.failed(id, schema.AgentOutMessage{Kind: schema.OutNotInstalled})
		return
	}
	c.completed(id, schema.AgentOutMessage{Kind: schema.OutFactorioVersion, FactorioVersion: inst.Version})
}

func (c *Controller) handleServerStop(id schema.OperationID) {
	if _, err := c.deps.Procs.Stop(); err != nil {
		c.failed(id, schema.Errorf("%v", err))
		return
	}
	c.completed(id, schema.Ok())
}

func (c *Controller) handleServerStart(id schema.OperationID, ref schema.SavefileRef) {
	if ref.Latest {
		c.failed(id, schema.Errorf("Latest save functionality not implemented"))
		return
	}
	if !c.deps.Saves.Exists(ref.Specific) {
		if ref.Specific == "" {
			c.failed(id, schema.Errorf("%v", saves.ErrEmptyName))
			return
		}
		c.failed(id, schema.Errorf("Savefile with name %s does not exist", ref.Specific))
		return
	}

	b, err := c.hostingBuilder(ref)
	if err != nil {
		c.failed(id, schema.Errorf("%v", err))
		return
	}

	if err := c.deps.Procs.Start(b); err != nil {
		if errors.Is(err, process.ErrProcessAlreadyRunning) {
			c.failed(id, schema.AgentOutMessage{Kind: schema.OutConflictingOperation})
			return
		}
		c.failed(id, schema.Errorf("%v", err))
		return
	}
	c.completed(id, schema.Ok())
}

// hostingBuilder assembles a start-server invocation: installation, launch
// settings, config file paths, mod dir, and the stdout fan-out handler.
func (c *Controller) hostingBuilder(ref schema.SavefileRef) (*process.Builder, error) {
	inst, ok := c.deps.Versions.Sole()
	if !ok {
		return nil, install.ErrNotInstalled
	}

	savePath, err := c.deps.Saves.Path(ref.Specific)
	if err != nil {
		return nil, err
	}

	ls, err := c.deps.Settings.LaunchSettings()
	if err != nil {
		return nil, err
	}
	if _, err := c.deps.Settings.ServerSettings(inst.ServerSettingsExamplePath()); err != nil {
		return nil, err
	}
	// Materialize the list files so the server finds them at launch.
	if _, err := c.deps.Settings.AdminList(); err != nil {
		return nil, err
	}
	if _, err := c.deps.Settings.BanList(); err != nil {
		return nil, err
	}
	wl, err := c.deps.Settings.WhiteList()
	if err != nil {
		return nil, err
	}

	return process.NewBuilder(inst).
		WithStdoutHandler(c.deps.StreamHandler).
		Hosting(ref, ls, wl.Enabled, process.HostingPaths{
			Savefile:       savePath,
			ServerSettings: c.deps.Settings.ServerSettingsPath(),
			AdminList:      c.deps.Settings.AdminListPath(),
			BanList:        c.deps.Settings.BanListPath(),
			WhiteList:      c.deps.Settings.WhiteListPath(),
			ModsDir:        c.deps.Mods.Dir(),
		}), nil
}

func (c *Controller) handleSaveCreate(id schema.OperationID, name string) {
	if name == "" {
		c.failed(id, schema.Errorf("%v", saves.ErrEmptyName))
		return
	}
	inst, ok := c.deps.Versions.Sole()
	if !ok {
		c.failed(id, schema.AgentOutMessage{Kind: schema.OutNotInstalled})
		return
	}

	c.ack(id)

	savePath, err := c.deps.Saves.Path(name)
	if err != nil {
		c.failed(id, schema.Errorf("%v", err))
		return
	}
	b, err := process.NewBuilder(inst).
		WithStdoutHandler(c.deps.StreamHandler).
		Creating(savePath, nil, nil)
	if err != nil {
		c.failed(id, schema.Errorf("%v", err))
		return
	}

	c.progress(id, "Creating savefile %s", name)
	if _, err := c.deps.Procs.StartShortLived(b); err != nil {
		if errors.Is(err, process.ErrProcessAlreadyRunning) {
			c.failed(id, schema.AgentOutMessage{Kind: schema.OutConflictingOperation})
			return
		}
		c.failed(id, schema.Errorf("%v", err))
		return
	}
	c.completed(id, schema.Ok())
}

func (c *Controller) handleSaveDelete(id schema.OperationID, name string) {
	if err := c.deps.Saves.Delete(name); err != nil {
		if errors.Is(err, saves.ErrNotFound) {
			c.failed(id, schema.AgentOutMessage{Kind: schema.OutSaveNotFound})
			return
		}
		c.failed(id, schema.Errorf("%v", err))
		return
	}
	c.completed(id, schema.Ok())
}

// handleSaveGet streams the savefile in offset-stamped chunks, ending with
// the sentinel on the terminal frame.
func (c *Controller) handleSaveGet(id schema.OperationID, name string) {
	if name == "" {
		c.failed(id, schema.Errorf("%v", saves.ErrEmptyName))
		return
	}
	size, err := c.deps.Saves.Size(name)
	if err != nil {
		if errors.Is(err, saves.ErrNotFound) {
			c.failed(id, schema.AgentOutMessage{Kind: schema.OutSaveNotFound})
			return
		}
		c.failed(id, schema.Errorf("%v", err))
		return
	}

	c.ack(id)

	buf := make([]byte, saveChunkSize)
	var offset int64
	for offset < size {
		n, _, err := c.deps.Saves.ReadChunk(name, offset, buf)
		if err != nil {
			c.failed(id, schema.Errorf("reading savefile: %v", err))
			return
		}
		if n == 0 {
			break
		}
		start := uint64(offset)
		chunk := make([]byte, n)
		copy(chunk, buf[:n])
		c.reply(id, schema.StatusOngoing, schema.AgentOutMessage{
			Kind:     schema.OutSaveFile,
			SaveFile: &schema.SaveBytes{MultipartStart: &start, Bytes: chunk},
		})
		offset += int64(n)
	}

	end := uint64(offset)
	c.completed(id, schema.AgentOutMessage{
		Kind:     schema.OutSaveFile,
		SaveFile: &schema.SaveBytes{MultipartStart: &end, Bytes: []byte{}},
	})
}

func (c *Controller) handleSaveSet(id schema.OperationID, payload schema.SaveSetPayload) {
	if err := c.deps.Saves.WriteChunk(payload.Name, payload.Bytes); err != nil {
		c.failed(id, schema.Errorf("%v", err))
		return
	}
	c.completed(id, schema.Ok())
}

func (c *Controller) handleSaveList(id schema.OperationID) {
	list, err := c.deps.Saves.List()
	if err != nil {
		c.failed(id, schema.Errorf("%v", err))
		return
	}
	c.completed(id, schema.AgentOutMessage{Kind: schema.OutSaveList, SaveList: list})
}

func (c *Controller) handleModListGet(id schema.OperationID) {
	list, err := c.deps.Mods.List()
	if err != nil {
		c.failed(id, schema.Errorf("%v", err))
		return
	}
	c.completed(id, schema.AgentOutMessage{Kind: schema.OutModsList, ModsList: list})
}

func (c *Controller) handleModListSet(id schema.OperationID, list []schema.ModObject) {
	c.ack(id)
	c.progress(id, "Applying mod list with %d entries", len(list))
	if err := c.deps.Mods.SetList(list); err != nil {
		c.failed(id, schema.Errorf("%v", err))
		return
	}
	c.completed(id, schema.Ok())
}

func (c *Controller) handleModListExtract(id schema.OperationID, saveName string) {
	if saveName == "" {
		c.failed(id, schema.Errorf("%v", saves.ErrEmptyName))
		return
	}
	if !c.deps.Saves.Exists(saveName) {
		c.failed(id, schema.AgentOutMessage{Kind: schema.OutSaveNotFound})
		return
	}
	savePath, err := c.deps.Saves.Path(saveName)
	if err != nil {
		c.failed(id, schema.Errorf("%v", err))
		return
	}
	list, err := mods.ExtractFromSave(savePath)
	if err != nil {
		c.failed(id, schema.Errorf("%v", err))
		return
	}
	c.completed(id, schema.AgentOutMessage{Kind: schema.OutModsList, ModsList: list})
}

func (c *Controller) handleModSettingsGet(id schema.OperationID) {
	blob, err := c.deps.Mods.Settings()
	if err != nil {
		c.failed(id, schema.Errorf("%v", err))
		return
	}
	c.completed(id, schema.AgentOutMessage{Kind: schema.OutModSettings, ModSettings: blob})
}

func (c *Controller) handleModSettingsSet(id schema.OperationID, blob []byte) {
	if err := c.deps.Mods.SetSettings(blob); err != nil {
		c.failed(id, schema.Errorf("%v", err))
		return
	}
	c.completed(id, schema.Ok())
}

func (c *Controller) handleWhiteListGet(id schema.OperationID) {
	wl, err := c.deps.Settings.WhiteList()
	if err != nil {
		c.failed(id, schema.Errorf("%v", err))
		return
	}
	c.completed(id, schema.AgentOutMessage{Kind: schema.OutConfigWhiteList, ConfigWhiteList: &wl})
}

func (c *Controller) handleRconConfigGet(id schema.OperationID) {
	ls, err := c.deps.Settings.LaunchSettings()
	if err != nil {
		c.failed(id, schema.Errorf("%v", err))
		return
	}
	port := uint16(0)
	if _, p, err := net.SplitHostPort(ls.RconBind); err == nil {
		if n, err := strconv.ParseUint(p, 10, 16); err == nil {
			port = uint16(n)
		}
	}
	c.completed(id, schema.AgentOutMessage{
		Kind:       schema.OutConfigRcon,
		ConfigRcon: &schema.RconConfig{Port: port, Password: ls.RconPassword},
	})
}

func (c *Controller) handleRconConfigSet(id schema.OperationID, payload schema.RconConfigPayload) {
	ls, err := c.deps.Settings.LaunchSettings()
	if err != nil {
		c.failed(id, schema.Errorf("%v", err))
		return
	}
	ls.RconPassword = payload.Password
	c.setReply(id, func() error { return c.deps.Settings.SetLaunchSettings(ls) })
}

// handleSecretsGet never echoes the token back.
func (c *Controller) handleSecretsGet(id schema.OperationID) {
	s, err := c.deps.Settings.Secrets()
	if err != nil {
		if errors.Is(err, settings.ErrSecretsNotSet) {
			c.failed(id, schema.AgentOutMessage{Kind: schema.OutMissingSecrets})
			return
		}
		c.failed(id, schema.Errorf("%v", err))
		return
	}
	c.completed(id, schema.AgentOutMessage{
		Kind:          schema.OutConfigSecrets,
		ConfigSecrets: &schema.Secrets{Username: s.Username},
	})
}

func (c *Controller) handleServerSettingsGet(id schema.OperationID) {
	example := ""
	if inst, ok := c.deps.Versions.Sole(); ok {
		example = inst.ServerSettingsExamplePath()
	}
	doc, err := c.deps.Settings.ServerSettings(example)
	if err != nil {
		c.failed(id, schema.Errorf("%v", err))
		return
	}
	c.completed(id, schema.AgentOutMessage{Kind: schema.OutConfigServerSettings, ConfigServerSettings: doc})
}

func (c *Controller) handleRconCommand(id schema.OperationID, cmd string) {
	if cmd == "" {
		c.failed(id, schema.Errorf("RconEmptyCommand"))
		return
	}
	resp, err := c.deps.Procs.SendRcon(cmd)
	if err != nil {
		switch {
		case errors.Is(err, rcon.ErrEmptyCommand):
			c.failed(id, schema.Errorf("RconEmptyCommand"))
		case errors.Is(err, rcon.ErrNotConnected):
			c.failed(id, schema.Errorf("RconNotConnected"))
		case errors.Is(err, process.ErrNotRunning):
			c.failed(id, schema.Errorf("%v", process.ErrNotRunning))
		default:
			c.failed(id, schema.Errorf("%v", err))
		}
		return
	}
	c.completed(id, schema.AgentOutMessage{Kind: schema.OutRconResponse, RconResponse: resp})
}

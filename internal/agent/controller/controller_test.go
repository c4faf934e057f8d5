package controller

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/factoriod/factoriod/internal/agent/install"
	"github.com/factoriod/factoriod/internal/agent/mods"
	"github.com/factoriod/factoriod/internal/agent/process"
	"github.com/factoriod/factoriod/internal/agent/saves"
	"github.com/factoriod/factoriod/internal/agent/settings"
	"github.com/factoriod/factoriod/internal/agent/sysinfo"
	"github.com/factoriod/factoriod/internal/common/logger"
	"github.com/factoriod/factoriod/pkg/schema"
)

// testPeer is a connected client against a controller backed by real
// subsystems on temp directories.
type testPeer struct {
	conn *websocket.Conn
	deps Deps
}

func newTestPeer(t *testing.T) *testPeer {
	t.Helper()
	log := logger.Default()

	dataDir := t.TempDir()
	versions, err := install.NewManager(dataDir+"/installs", log)
	require.NoError(t, err)
	saveMgr, err := saves.NewManager(dataDir + "/saves")
	require.NoError(t, err)
	modMgr, err := mods.NewManager(dataDir + "/mods")
	require.NoError(t, err)
	settingsMgr, err := settings.NewManager(dataDir+"/configs", settings.Defaults{
		FactorioPort: 34197,
		RconPort:     27015,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	deps := Deps{
		Versions:      versions,
		Procs:         process.NewSupervisor(log),
		Saves:         saveMgr,
		Mods:          modMgr,
		Settings:      settingsMgr,
		Sysinfo:       sysinfo.NewMonitor(ctx, log),
		Build:         schema.BuildInfo{Version: "test", Commit: "none", BuildDate: "today"},
		StreamHandler: func(string) {},
	}

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		New(conn, deps, log).Run(ctx)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return &testPeer{conn: conn, deps: deps}
}

func (p *testPeer) send(t *testing.T, msg schema.AgentRequest) schema.OperationID {
	t.Helper()
	id := schema.OperationID(uuid.NewString())
	require.NoError(t, p.conn.WriteJSON(schema.AgentRequestEnvelope{
		OperationID: id,
		Message:     msg,
	}))
	return id
}

func (p *testPeer) recv(t *testing.T) schema.AgentResponseEnvelope {
	t.Helper()
	require.NoError(t, p.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var env schema.AgentResponseEnvelope
	require.NoError(t, p.conn.ReadJSON(&env))
	return env
}

// recvTerminal drains Ack/Ongoing frames for id and returns the terminal one.
func (p *testPeer) recvTerminal(t *testing.T, id schema.OperationID) schema.AgentResponseEnvelope {
	t.Helper()
	for {
		env := p.recv(t)
		require.Equal(t, id, env.OperationID)
		if env.Status.Terminal() {
			return env
		}
	}
}

func TestStatusOnColdAgent(t *testing.T) {
	p := newTestPeer(t)

	id := p.send(t, schema.AgentRequest{Kind: schema.KindServerStatus})
	env := p.recvTerminal(t, id)

	assert.Equal(t, schema.StatusCompleted, env.Status)
	require.Equal(t, schema.OutServerStatus, env.Content.Kind)
	assert.False(t, env.Content.ServerStatus.Running)
}

func TestStartWithUnknownSave(t *testing.T) {
	p := newTestPeer(t)

	id := p.send(t, schema.AgentRequest{
		Kind:        schema.KindServerStart,
		ServerStart: &schema.SavefileRef{Specific: "does_not_exist"},
	})
	env := p.recvTerminal(t, id)

	assert.Equal(t, schema.StatusFailed, env.Status)
	require.Equal(t, schema.OutError, env.Content.Kind)
	assert.Equal(t, "Savefile with name does_not_exist does not exist", env.Content.Error)
}

func TestStartWithLatestRef(t *testing.T) {
	p := newTestPeer(t)

	id := p.send(t, schema.AgentRequest{
		Kind:        schema.KindServerStart,
		ServerStart: &schema.SavefileRef{Latest: true},
	})
	env := p.recvTerminal(t, id)

	assert.Equal(t, schema.StatusFailed, env.Status)
	require.Equal(t, schema.OutError, env.Content.Kind)
	assert.Equal(t, "Latest save functionality not implemented", env.Content.Error)
}

func TestEmptyRconCommand(t *testing.T) {
	p := newTestPeer(t)

	id := p.send(t, schema.AgentRequest{Kind: schema.KindRconCommand, RconCommand: ""})
	env := p.recvTerminal(t, id)

	assert.Equal(t, schema.StatusFailed, env.Status)
	require.Equal(t, schema.OutError, env.Content.Kind)
	assert.Equal(t, "RconEmptyCommand", env.Content.Error)
}

func TestVersionGetWithNothingInstalled(t *testing.T) {
	p := newTestPeer(t)

	id := p.send(t, schema.AgentRequest{Kind: schema.KindVersionGet})
	env := p.recvTerminal(t, id)

	assert.Equal(t, schema.StatusFailed, env.Status)
	assert.Equal(t, schema.OutNotInstalled, env.Content.Kind)
}

func TestSaveUploadListDownloadDelete(t *testing.T) {
	p := newTestPeer(t)
	content := []byte("savefile body")

	id := p.send(t, schema.AgentRequest{
		Kind:    schema.KindSaveSet,
		SaveSet: &schema.SaveSetPayload{Name: "world1", Bytes: schema.SaveBytes{Bytes: content}},
	})
	env := p.recvTerminal(t, id)
	require.Equal(t, schema.StatusCompleted, env.Status)

	id = p.send(t, schema.AgentRequest{Kind: schema.KindSaveList})
	env = p.recvTerminal(t, id)
	require.Equal(t, schema.StatusCompleted, env.Status)
	require.Equal(t, schema.OutSaveList, env.Content.Kind)
	require.Len(t, env.Content.SaveList, 1)
	assert.Equal(t, "world1", env.Content.SaveList[0].Name)

	// Download: Ack, one data chunk, sentinel terminal.
	id = p.send(t, schema.AgentRequest{Kind: schema.KindSaveGet, SaveGet: "world1"})

	env = p.recv(t)
	require.Equal(t, id, env.OperationID)
	require.Equal(t, schema.StatusAck, env.Status)

	var got []byte
	for {
		env = p.recv(t)
		require.Equal(t, id, env.OperationID)
		require.Equal(t, schema.OutSaveFile, env.Content.Kind)
		chunk := env.Content.SaveFile
		if env.Status.Terminal() {
			require.Equal(t, schema.StatusCompleted, env.Status)
			assert.True(t, chunk.IsSentinel())
			assert.Equal(t, uint64(len(content)), *chunk.MultipartStart)
			break
		}
		require.Equal(t, schema.StatusOngoing, env.Status)
		require.NotNil(t, chunk.MultipartStart)
		assert.Equal(t, uint64(len(got)), *chunk.MultipartStart)
		got = append(got, chunk.Bytes...)
	}
	assert.Equal(t, content, got)

	id = p.send(t, schema.AgentRequest{Kind: schema.KindSaveDelete, SaveDelete: "world1"})
	env = p.recvTerminal(t, id)
	assert.Equal(t, schema.StatusCompleted, env.Status)

	id = p.send(t, schema.AgentRequest{Kind: schema.KindSaveDelete, SaveDelete: "world1"})
	env = p.recvTerminal(t, id)
	assert.Equal(t, schema.StatusFailed, env.Status)
	assert.Equal(t, schema.OutSaveNotFound, env.Content.Kind)
}

func TestConfigRoundTrips(t *testing.T) {
	p := newTestPeer(t)

	id := p.send(t, schema.AgentRequest{
		Kind:               schema.KindConfigAdminListSet,
		ConfigAdminListSet: []string{"alice", "bob"},
	})
	require.Equal(t, schema.StatusCompleted, p.recvTerminal(t, id).Status)

	id = p.send(t, schema.AgentRequest{Kind: schema.KindConfigAdminListGet})
	env := p.recvTerminal(t, id)
	require.Equal(t, schema.StatusCompleted, env.Status)
	assert.Equal(t, []string{"alice", "bob"}, env.Content.ConfigAdminList)

	id = p.send(t, schema.AgentRequest{
		Kind:               schema.KindConfigWhiteListSet,
		ConfigWhiteListSet: &schema.WhiteListPayload{Enabled: true, Users: []string{"carol"}},
	})
	require.Equal(t, schema.StatusCompleted, p.recvTerminal(t, id).Status)

	id = p.send(t, schema.AgentRequest{Kind: schema.KindConfigWhiteListGet})
	env = p.recvTerminal(t, id)
	require.Equal(t, schema.StatusCompleted, env.Status)
	require.Equal(t, schema.OutConfigWhiteList, env.Content.Kind)
	assert.True(t, env.Content.ConfigWhiteList.Enabled)
	assert.Equal(t, []string{"carol"}, env.Content.ConfigWhiteList.Users)

	// RCON config reads the launch-settings default port.
	id = p.send(t, schema.AgentRequest{Kind: schema.KindConfigRconGet})
	env = p.recvTerminal(t, id)
	require.Equal(t, schema.StatusCompleted, env.Status)
	assert.Equal(t, uint16(27015), env.Content.ConfigRcon.Port)
}

func TestSecretsNeverEchoToken(t *testing.T) {
	p := newTestPeer(t)

	id := p.send(t, schema.AgentRequest{Kind: schema.KindConfigSecretsGet})
	env := p.recvTerminal(t, id)
	assert.Equal(t, schema.StatusFailed, env.Status)
	assert.Equal(t, schema.OutMissingSecrets, env.Content.Kind)

	id = p.send(t, schema.AgentRequest{
		Kind:             schema.KindConfigSecretsSet,
		ConfigSecretsSet: &schema.Secrets{Username: "user1", Token: "hunter2"},
	})
	require.Equal(t, schema.StatusCompleted, p.recvTerminal(t, id).Status)

	id = p.send(t, schema.AgentRequest{Kind: schema.KindConfigSecretsGet})
	env = p.recvTerminal(t, id)
	require.Equal(t, schema.StatusCompleted, env.Status)
	assert.Equal(t, "user1", env.Content.ConfigSecrets.Username)
	assert.Empty(t, env.Content.ConfigSecrets.Token)
}

func TestModListSetIsLongOperation(t *testing.T) {
	p := newTestPeer(t)

	id := p.send(t, schema.AgentRequest{
		Kind:       schema.KindModListSet,
		ModListSet: []schema.ModObject{{Name: "example-mod", Version: "1.0.0"}},
	})

	env := p.recv(t)
	require.Equal(t, id, env.OperationID)
	assert.Equal(t, schema.StatusAck, env.Status)

	env = p.recvTerminal(t, id)
	assert.Equal(t, schema.StatusCompleted, env.Status)

	id = p.send(t, schema.AgentRequest{Kind: schema.KindModListGet})
	env = p.recvTerminal(t, id)
	require.Equal(t, schema.StatusCompleted, env.Status)
	require.Len(t, env.Content.ModsList, 1)
	assert.Equal(t, "example-mod", env.Content.ModsList[0].Name)
}

func TestBuildVersionAndSystemResources(t *testing.T) {
	p := newTestPeer(t)

	id := p.send(t, schema.AgentRequest{Kind: schema.KindBuildVersion})
	env := p.recvTerminal(t, id)
	require.Equal(t, schema.StatusCompleted, env.Status)
	assert.Equal(t, "test", env.Content.BuildVersion.Version)

	id = p.send(t, schema.AgentRequest{Kind: schema.KindSystemResources})
	env = p.recvTerminal(t, id)
	require.Equal(t, schema.StatusCompleted, env.Status)
	require.Equal(t, schema.OutSystemResources, env.Content.Kind)
}

func TestStreamingPush(t *testing.T) {
	log := logger.Default()
	upgrader := websocket.Upgrader{}

	ctrlCh := make(chan *Controller, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := New(conn, Deps{StreamHandler: func(string) {}}, log)
		ctrlCh <- c
		c.Run(context.Background())
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	c := <-ctrlCh
	require.NoError(t, c.SendStreaming(schema.AgentStreamingMessage{
		Timestamp: time.Now().UTC(),
		Content:   schema.StreamingContent{ServerStdout: "hello from stdout"},
	}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg schema.AgentStreamingMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "hello from stdout", msg.Content.ServerStdout)
}

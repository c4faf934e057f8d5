package opstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/factoriod/factoriod/internal/common/logger"
	"github.com/factoriod/factoriod/internal/mgmt/events"
	"github.com/factoriod/factoriod/internal/mgmt/operation"
	"github.com/factoriod/factoriod/pkg/schema"
)

// loopbackAgent acks every request and then plays the scripted tail.
type loopbackAgent struct {
	broker *events.Broker
	tail   []schema.AgentResponseEnvelope
}

func (l *loopbackAgent) Addr() string { return "agent1:5463" }

func (l *loopbackAgent) Send(frame []byte) error {
	var env schema.AgentRequestEnvelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return err
	}
	go func() {
		replies := append([]schema.AgentResponseEnvelope{
			{Status: schema.StatusAck, Content: schema.Ok()},
		}, l.tail...)
		for _, resp := range replies {
			resp.OperationID = env.OperationID
			resp.Timestamp = time.Now().UTC()
			data, _ := json.Marshal(resp)
			l.broker.Publish(events.Event{
				Tags:      map[events.TopicName]string{events.TopicOperation: string(env.OperationID)},
				Timestamp: resp.Timestamp,
				Content:   string(data),
			})
		}
	}()
	return nil
}

func startLong(t *testing.T, tail []schema.AgentResponseEnvelope) *operation.Stream {
	t.Helper()
	broker := events.NewBroker(logger.Default())
	router := operation.NewRouter(broker, &loopbackAgent{broker: broker, tail: tail},
		500*time.Millisecond, logger.Default())
	stream, err := router.SaveCreate(context.Background(), "world1")
	require.NoError(t, err)
	return stream
}

func newTestServer(reg *Registry) *httptest.Server {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/operation/:id", reg.Handle)
	return httptest.NewServer(r)
}

func TestUnconnectedTimeoutDropsStream(t *testing.T) {
	reg := NewRegistry(50*time.Millisecond, logger.Default())
	srv := newTestServer(reg)
	defer srv.Close()

	stream := startLong(t, nil)
	path := reg.Register(stream)
	require.Equal(t, "/operation/"+string(stream.ID), path)
	require.Equal(t, 1, reg.Pending())

	require.Eventually(t, func() bool { return reg.Pending() == 0 },
		2*time.Second, 10*time.Millisecond)

	// After expiry the endpoint answers 404.
	resp, err := http.Get(srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestClientReceivesFramesUntilTerminal(t *testing.T) {
	reg := NewRegistry(5*time.Second, logger.Default())
	srv := newTestServer(reg)
	defer srv.Close()

	stream := startLong(t, []schema.AgentResponseEnvelope{
		{Status: schema.StatusOngoing, Content: schema.Messagef("Creating savefile world1")},
		{Status: schema.StatusCompleted, Content: schema.Ok()},
	})
	path := reg.Register(stream)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+path, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var env schema.AgentResponseEnvelope
	require.NoError(t, conn.ReadJSON(&env))
	assert.Equal(t, schema.StatusOngoing, env.Status)
	assert.Equal(t, "Creating savefile world1", env.Content.Message)

	require.NoError(t, conn.ReadJSON(&env))
	assert.Equal(t, schema.StatusCompleted, env.Status)

	// The endpoint closes after the terminal frame.
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}

func TestStreamClaimedAtMostOnce(t *testing.T) {
	reg := NewRegistry(5*time.Second, logger.Default())
	srv := newTestServer(reg)
	defer srv.Close()

	stream := startLong(t, []schema.AgentResponseEnvelope{
		{Status: schema.StatusCompleted, Content: schema.Ok()},
	})
	path := reg.Register(stream)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+path, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Second connection to the same path is refused.
	resp, err := http.Get(srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

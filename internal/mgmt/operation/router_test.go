package operation

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/factoriod/factoriod/internal/common/logger"
	"github.com/factoriod/factoriod/internal/mgmt/events"
	"github.com/factoriod/factoriod/pkg/schema"
)

// fakeAgent answers requests by publishing scripted reply frames straight
// onto the operation topic, standing in for the link plus remote agent.
type fakeAgent struct {
	broker *events.Broker
	reply  func(env schema.AgentRequestEnvelope) []schema.AgentResponseEnvelope
	down   bool
}

func (f *fakeAgent) Addr() string { return "agent1:5463" }

func (f *fakeAgent) Send(frame []byte) error {
	if f.down {
		return errors.New("link down")
	}
	var env schema.AgentRequestEnvelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return err
	}
	go func() {
		for _, resp := range f.reply(env) {
			resp.OperationID = env.OperationID
			resp.Timestamp = time.Now().UTC()
			data, _ := json.Marshal(resp)
			f.broker.Publish(events.Event{
				Tags:      map[events.TopicName]string{events.TopicOperation: string(env.OperationID)},
				Timestamp: resp.Timestamp,
				Content:   string(data),
			})
		}
	}()
	return nil
}

func newTestRouter(reply func(schema.AgentRequestEnvelope) []schema.AgentResponseEnvelope) (*Router, *fakeAgent) {
	broker := events.NewBroker(logger.Default())
	agent := &fakeAgent{broker: broker, reply: reply}
	return NewRouter(broker, agent, 500*time.Millisecond, logger.Default()), agent
}

func TestShortOperationReturnsContent(t *testing.T) {
	r, _ := newTestRouter(func(schema.AgentRequestEnvelope) []schema.AgentResponseEnvelope {
		return []schema.AgentResponseEnvelope{{
			Status: schema.StatusCompleted,
			Content: schema.AgentOutMessage{
				Kind:         schema.OutServerStatus,
				ServerStatus: &schema.ServerStatus{Running: false},
			},
		}}
	})

	status, err := r.ServerStatus(context.Background())
	require.NoError(t, err)
	assert.False(t, status.Running)
}

func TestShortOperationFailureMapsToTaxonomy(t *testing.T) {
	r, _ := newTestRouter(func(schema.AgentRequestEnvelope) []schema.AgentResponseEnvelope {
		return []schema.AgentResponseEnvelope{{
			Status:  schema.StatusFailed,
			Content: schema.AgentOutMessage{Kind: schema.OutSaveNotFound},
		}}
	})

	err := r.SaveDelete(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrSaveNotFound)
}

func TestShortOperationAgentErrorCarriesMessage(t *testing.T) {
	r, _ := newTestRouter(func(schema.AgentRequestEnvelope) []schema.AgentResponseEnvelope {
		return []schema.AgentResponseEnvelope{{
			Status:  schema.StatusFailed,
			Content: schema.Errorf("Savefile with name does_not_exist does not exist"),
		}}
	})

	err := r.ServerStart(context.Background(), schema.SavefileRef{Specific: "does_not_exist"})
	var agentErr *AgentError
	require.ErrorAs(t, err, &agentErr)
	assert.Equal(t, "Savefile with name does_not_exist does not exist", agentErr.Message)
}

func TestLongOperationStreamsToTerminal(t *testing.T) {
	r, _ := newTestRouter(func(schema.AgentRequestEnvelope) []schema.AgentResponseEnvelope {
		return []schema.AgentResponseEnvelope{
			{Status: schema.StatusAck, Content: schema.Ok()},
			{Status: schema.StatusOngoing, Content: schema.Messagef("Installing version 2.0.0")},
			{Status: schema.StatusCompleted, Content: schema.Ok()},
		}
	})

	stream, err := r.VersionInstall(context.Background(), "2.0.0", false)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	env, err := stream.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusOngoing, env.Status)
	assert.Equal(t, "Installing version 2.0.0", env.Content.Message)

	env, err = stream.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusCompleted, env.Status)

	// Fused after the terminal.
	_, err = stream.Next(ctx)
	assert.ErrorIs(t, err, ErrDone)
}

func TestNoAckTimeout(t *testing.T) {
	r, _ := newTestRouter(func(schema.AgentRequestEnvelope) []schema.AgentResponseEnvelope {
		return nil // agent never answers
	})

	_, err := r.SaveCreate(context.Background(), "world1")
	assert.ErrorIs(t, err, ErrAgentTimeout)
}

func TestDisconnectedLink(t *testing.T) {
	r, agent := newTestRouter(nil)
	agent.down = true

	_, err := r.ServerStatus(context.Background())
	assert.ErrorIs(t, err, ErrAgentDisconnected)
}

func TestLongOperationImmediateFailure(t *testing.T) {
	r, _ := newTestRouter(func(schema.AgentRequestEnvelope) []schema.AgentResponseEnvelope {
		return []schema.AgentResponseEnvelope{{
			Status:  schema.StatusFailed,
			Content: schema.AgentOutMessage{Kind: schema.OutConflictingOperation},
		}}
	})

	_, err := r.SaveCreate(context.Background(), "world1")
	assert.ErrorIs(t, err, ErrConflictingOperation)
}

package collab

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func testMQTTConfig() MQTTConfig {
	return MQTTConfig{
		Broker:        "tcp://broker.invalid:1883",
		ClientID:      "coreg-test",
		TopicPrefix:   "lab/agents",
		PublishPrefix: "lab",
		QoS:           1,
	}
}

func connectedBridge(t *testing.T, session *Context, metrics *Counters) (*MQTTBridge, *MockClient) {
	t.Helper()
	client := NewMockClient()
	b := newBridge(client, testMQTTConfig(), session, nil, metrics)
	client.SetOnConnect(b.onConnect)
	require.NoError(t, client.Connect().Error())
	return b, client
}

func mustPack(t *testing.T, v any) []byte {
	t.Helper()
	data, err := msgpack.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestNewMQTTBridge(t *testing.T) {
	session := NewContext("s", nil, nil)

	b, err := NewMQTTBridge(MQTTConfig{}, session, nil, nil)
	assert.NoError(t, err)
	assert.Nil(t, b, "no broker disables the bridge")

	cfg := testMQTTConfig()
	cfg.TopicPrefix = ""
	_, err = NewMQTTBridge(cfg, session, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	b, err = NewMQTTBridge(testMQTTConfig(), session, nil, nil)
	require.NoError(t, err)
	require.NotNil(t, b.Client())
	assert.False(t, b.IsConnected())
}

func TestMQTTBridge_Subscribes(t *testing.T) {
	b, client := connectedBridge(t, NewContext("s", nil, nil), nil)

	assert.Equal(t, []string{"lab/agents/+/candidates", "lab/agents/+/pose"}, b.Topics())
	subs := client.Subscriptions()
	sort.Strings(subs)
	assert.Equal(t, b.Topics(), subs)
	assert.True(t, b.IsConnected())

	b.onConnectionLost(client, errors.New("link down"))
	assert.False(t, b.IsConnected())
}

func TestMQTTBridge_SubscribeError(t *testing.T) {
	client := NewMockClient()
	client.SetSubscribeError(errors.New("denied"))
	b := newBridge(client, testMQTTConfig(), NewContext("s", nil, nil), nil, nil)
	client.SetOnConnect(b.onConnect)
	require.NoError(t, client.Connect().Error())

	assert.Empty(t, client.Subscriptions())
	assert.True(t, b.IsConnected())
}

func TestMQTTBridge_Candidate(t *testing.T) {
	metrics := NewCounters()
	session := NewContext("s", nil, metrics)
	_, client := connectedBridge(t, session, metrics)

	stamp := time.Unix(1700000000, 0).UTC()
	payload := mustPack(t, CandidatePayload{
		Target:     "beta",
		Transform:  offsetAB.Matrix(),
		Confidence: 0.8,
		Timestamp:  stamp.UnixNano(),
	})
	assert.Equal(t, 1, client.SimulateMessage("lab/agents/alpha/candidates", payload))
	assert.Equal(t, 1, session.Pending("alpha", "beta"))

	// self pair is rejected by the session
	client.SimulateMessage("lab/agents/beta/candidates", payload)
	assert.Equal(t, 1, session.Pending("alpha", "beta"))

	client.SimulateMessage("lab/agents/alpha/candidates", []byte{0xc1})
	snap := metrics.Snapshot()
	assert.Equal(t, int64(1), snap.CandidatesAccepted)
	assert.Equal(t, int64(1), snap.CandidatesRejected)
	assert.Equal(t, int64(1), snap.MessagesMalformed)

	est, err := NewEstimator(session, DefaultEstimatorConfig(), nil, nil)
	require.NoError(t, err)
	est.Process(t0)
	st := session.Status("alpha", "beta")
	assert.Equal(t, 1, st.Processed)
}

func TestMQTTBridge_Pose(t *testing.T) {
	session := NewContext("s", nil, nil)
	_, client := connectedBridge(t, session, nil)

	client.SimulateMessage("lab/agents/alpha/pose", mustPack(t, PosePayload{Frame: 7, Pose: Translation(1, 2, 3).Matrix()}))
	traj := session.Trajectory("alpha")
	require.Len(t, traj, 1)
	assert.InDelta(t, 2.0, traj[0].Translation.Y, 1e-9)

	assert.Equal(t, 0, client.SimulateMessage("lab/agents/alpha/extra/pose", nil), "nested agent ids do not match the filter")
	assert.Equal(t, 0, client.SimulateMessage("other/alpha/pose", nil))
}

func TestMQTTBridge_DropsInvalidMatrices(t *testing.T) {
	metrics := NewCounters()
	session := NewContext("s", nil, metrics)
	_, client := connectedBridge(t, session, metrics)

	client.SimulateMessage("lab/agents/alpha/candidates", mustPack(t, CandidatePayload{
		Target:     "beta",
		Confidence: 0.9,
	}))
	assert.Equal(t, 0, session.Pending("alpha", "beta"))

	mirrored := Translation(1, 2, 3).Matrix()
	mirrored[10] = -1
	client.SimulateMessage("lab/agents/alpha/pose", mustPack(t, PosePayload{Frame: 1, Pose: mirrored}))
	assert.Empty(t, session.Trajectory("alpha"))

	snap := metrics.Snapshot()
	assert.Equal(t, int64(2), snap.MessagesMalformed)
	assert.Equal(t, int64(0), snap.CandidatesAccepted)
}

func TestMQTTBridge_AgentFromTopic(t *testing.T) {
	b := newBridge(nil, testMQTTConfig(), nil, nil, nil)
	tests := []struct {
		topic string
		agent string
		ok    bool
	}{
		{"lab/agents/alpha/pose", "alpha", true},
		{"lab/agents//pose", "", false},
		{"lab/agents/a/b/pose", "", false},
		{"lab/agents/alpha/candidates", "", false},
		{"labx/agents/alpha/pose", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			agent, ok := b.agentFromTopic(tt.topic, PoseTopicSuffix)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.agent, agent)
		})
	}
}

func TestMQTTBridge_StartAndDisconnect(t *testing.T) {
	client := NewMockClient()
	b := newBridge(client, testMQTTConfig(), NewContext("s", nil, nil), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)
	require.Eventually(t, b.IsConnected, time.Second, 5*time.Millisecond)

	b.Disconnect()
	assert.False(t, b.IsConnected())
	assert.False(t, client.IsConnected())
}

func TestMQTTBridge_StartCancelled(t *testing.T) {
	client := NewMockClient()
	client.SetConnectError(errors.New("refused"))
	b := newBridge(client, testMQTTConfig(), NewContext("s", nil, nil), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.connectWithRetry(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("connectWithRetry did not stop after cancel")
	}
	assert.False(t, b.IsConnected())
}

func TestTopicMatches(t *testing.T) {
	tests := []struct {
		filter, topic string
		want          bool
	}{
		{"a/b", "a/b", true},
		{"a/+/c", "a/x/c", true},
		{"a/+/c", "a/x/y/c", false},
		{"a/#", "a/x/y", true},
		{"a/b", "a/b/c", false},
		{"a/b/c", "a/b", false},
	}
	for _, tt := range tests {
		if got := TopicMatches(tt.filter, tt.topic); got != tt.want {
			t.Errorf("TopicMatches(%q, %q) = %v, want %v", tt.filter, tt.topic, got, tt.want)
		}
	}
}

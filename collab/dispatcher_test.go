package collab

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// boundPeer returns a server-side peer bound to agent without a live socket
func boundPeer(agent string) *Peer {
	p := &Peer{server: NewServer(DefaultTransportConfig(), nil, nil, nil), remote: "test"}
	if agent != "" {
		p.Bind(agent)
	}
	return p
}

func TestDispatcher_Routes(t *testing.T) {
	metrics := NewCounters()
	session := NewContext("s", nil, metrics)

	var rendered []string
	render := RenderHandlerFunc(func(agent string, pose Pose) error {
		rendered = append(rendered, agent)
		return nil
	})
	d := NewDispatcher(session, render, nil, metrics)
	peer := boundPeer("")

	hello, err := NewHello("a")
	require.NoError(t, err)
	require.NoError(t, d.OnMessageReceived(peer, Encode(hello)))
	assert.Equal(t, "a", peer.Agent())
	assert.Equal(t, []string{"a"}, session.Agents())

	report, err := NewPoseReport("a", 1, Translation(1, 2, 3))
	require.NoError(t, err)
	require.NoError(t, d.OnMessageReceived(peer, Encode(report)))
	require.Len(t, session.Trajectory("a"), 1)
	assert.InDelta(t, 3.0, session.Trajectory("a")[0].Translation.Z, eps)

	cand, err := NewCandidateReport(Candidate{Source: "a", Target: "b", Transform: offsetAB, Confidence: 0.9})
	require.NoError(t, err)
	require.NoError(t, d.OnMessageReceived(peer, Encode(cand)))
	assert.Equal(t, 1, session.Pending("a", "b"))

	require.NoError(t, d.OnMessageReceived(peer, Encode(NewRenderingRequest(Identity()))))
	assert.Equal(t, []string{"a"}, rendered)

	notice, err := NewAcceptedNotice(AcceptedTransform{Pair: NewAgentPair("a", "b"), Transform: offsetAB, SupportCount: 9})
	require.NoError(t, err)
	require.NoError(t, d.OnMessageReceived(peer, Encode(notice)))
	_, ok := session.GetAcceptedTransform("a", "b")
	assert.False(t, ok, "notices from peers never change consensus")

	snap := metrics.Snapshot()
	assert.Equal(t, int64(5), snap.MessagesDecoded)
	assert.Equal(t, int64(1), snap.CandidatesAccepted)
}

func TestDispatcher_RejectsSpoofedSender(t *testing.T) {
	session := NewContext("s", nil, nil)
	d := NewDispatcher(session, nil, nil, nil)
	peer := boundPeer("a")

	cand, err := NewCandidateReport(Candidate{Source: "b", Target: "c", Transform: Identity(), Confidence: 1})
	require.NoError(t, err)
	err = d.Dispatch(peer, cand)
	assert.ErrorIs(t, err, ErrInvalidCandidate)
	assert.Equal(t, 0, session.Pending("b", "c"))

	report, err := NewPoseReport("b", 0, Identity())
	require.NoError(t, err)
	assert.ErrorIs(t, d.Dispatch(peer, report), ErrInvalidCandidate)
	assert.Nil(t, session.Trajectory("b"))

	// No handshake, no binding to enforce.
	require.NoError(t, d.Dispatch(boundPeer(""), cand))
	require.NoError(t, d.Dispatch(nil, report))
	assert.Equal(t, 1, session.Pending("b", "c"))
}

func TestDispatcher_DecodeFailures(t *testing.T) {
	metrics := NewCounters()
	session := NewContext("s", nil, metrics)
	d := NewDispatcher(session, nil, nil, metrics)
	peer := boundPeer("")

	err := d.OnMessageReceived(peer, rawFrame(MessageType(42), 0))
	assert.True(t, errors.Is(err, ErrUnknownMessageType))

	hello, err := NewHello("a")
	require.NoError(t, err)
	buf := Encode(hello)
	err = d.OnMessageReceived(peer, buf[:len(buf)-1])
	assert.True(t, errors.Is(err, ErrMalformedMessage))

	snap := metrics.Snapshot()
	assert.Equal(t, int64(1), snap.MessagesUnknown)
	assert.Equal(t, int64(1), snap.MessagesMalformed)
	assert.Equal(t, int64(0), snap.MessagesDecoded)
	assert.Empty(t, session.Agents())
}

func TestDispatcher_DropsZeroTransform(t *testing.T) {
	metrics := NewCounters()
	session := NewContext("s", nil, metrics)
	d := NewDispatcher(session, nil, nil, metrics)
	peer := boundPeer("a")

	cand, err := NewCandidateReport(Candidate{Source: "a", Target: "b", Transform: offsetAB, Confidence: 0.9})
	require.NoError(t, err)
	zeroed := withMatrix(t, Encode(cand), MessageCandidateReport, SegTransform, [16]float64{})
	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, d.OnMessageReceived(peer, zeroed), ErrMalformedMessage)
	}
	assert.Equal(t, 0, session.Pending("a", "b"))

	est, err := NewEstimator(session, DefaultEstimatorConfig(), nil, nil)
	require.NoError(t, err)
	assert.Empty(t, est.Process(t0))
	_, ok := session.GetAcceptedTransform("a", "b")
	assert.False(t, ok)
	assert.Equal(t, int64(3), metrics.Snapshot().MessagesMalformed)
}

func TestDispatcher_RenderWithoutHandler(t *testing.T) {
	d := NewDispatcher(NewContext("s", nil, nil), nil, nil, nil)
	assert.NoError(t, d.Dispatch(nil, NewRenderingRequest(Identity())))

	boom := errors.New("boom")
	d = NewDispatcher(NewContext("s", nil, nil), RenderHandlerFunc(func(string, Pose) error { return boom }), nil, nil)
	assert.ErrorIs(t, d.Dispatch(nil, NewRenderingRequest(Identity())), boom)
}

func TestDispatcher_ClosedSession(t *testing.T) {
	session := NewContext("s", nil, nil)
	require.NoError(t, session.Close())
	d := NewDispatcher(session, nil, nil, nil)

	hello, err := NewHello("a")
	require.NoError(t, err)
	assert.ErrorIs(t, d.Dispatch(nil, hello), ErrSessionClosed)
}

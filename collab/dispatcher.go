package collab

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// RenderHandler serves pose-conditioned render requests. Rendering itself
// lives outside this package.
type RenderHandler interface {
	HandleRenderingRequest(agent string, pose Pose) error
}

// RenderHandlerFunc adapts a function to RenderHandler
type RenderHandlerFunc func(agent string, pose Pose) error

// HandleRenderingRequest calls f
func (f RenderHandlerFunc) HandleRenderingRequest(agent string, pose Pose) error {
	return f(agent, pose)
}

// Dispatcher decodes transport frames and routes them into the session.
type Dispatcher struct {
	session *Context
	render  RenderHandler
	log     *zap.Logger
	metrics *Counters
}

// NewDispatcher creates a dispatcher feeding session. render may be nil, in
// which case rendering requests are dropped.
func NewDispatcher(session *Context, render RenderHandler, logger *zap.Logger, metrics *Counters) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		session: session,
		render:  render,
		log:     logger.Named("dispatch"),
		metrics: metrics,
	}
}

// OnMessageReceived implements MessageHandler
func (d *Dispatcher) OnMessageReceived(peer *Peer, buf []byte) error {
	m, err := Decode(buf)
	if err != nil {
		if errors.Is(err, ErrUnknownMessageType) {
			d.metrics.IncUnknown()
		} else {
			d.metrics.IncMalformed()
		}
		d.log.Warn("dropping message", zap.String("remote", peer.Remote()), zap.Error(err))
		return err
	}
	d.metrics.IncDecoded()
	return d.Dispatch(peer, m)
}

// Dispatch routes one decoded message. peer.Bind is called for Hello.
func (d *Dispatcher) Dispatch(peer *Peer, m *Message) error {
	switch m.Type {
	case MessageHello:
		agent := m.Agent(SegAgent)
		if err := d.session.RegisterAgent(agent); err != nil {
			return err
		}
		if peer != nil {
			peer.Bind(agent)
		}
		return nil

	case MessagePoseReport:
		agent := m.Agent(SegAgent)
		if err := checkSender(peer, agent); err != nil {
			return err
		}
		return d.session.AppendTrajectoryPose(agent, m.Pose(SegPose))

	case MessageCandidateReport:
		c := m.Candidate()
		if err := checkSender(peer, c.Source); err != nil {
			return err
		}
		return d.session.Submit(c)

	case MessageRenderingRequest:
		if d.render == nil {
			d.log.Debug("no render handler, dropping rendering request")
			return nil
		}
		agent := ""
		if peer != nil {
			agent = peer.Agent()
		}
		return d.render.HandleRenderingRequest(agent, m.Pose(SegPose))

	case MessageAcceptedNotice:
		// Notices flow from the coordinator to agents only.
		d.log.Debug("ignoring accepted notice from peer")
		return nil
	}
	return &MessageError{Kind: ErrUnknownMessageType, Type: m.Type, Msg: "no route"}
}

// checkSender rejects reports made on behalf of another agent by a peer
// that introduced itself with Hello.
func checkSender(peer *Peer, agent string) error {
	if peer == nil {
		return nil
	}
	if bound := peer.Agent(); bound != "" && bound != agent {
		return fmt.Errorf("%w: peer bound to %s reported for %s", ErrInvalidCandidate, bound, agent)
	}
	return nil
}

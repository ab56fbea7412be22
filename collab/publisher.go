package collab

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// TransformPayload is the JSON body published for an accepted transform.
// Matrix maps AgentA's frame into AgentB's frame, row-major.
type TransformPayload struct {
	AgentA    string      `json:"agentA"`
	AgentB    string      `json:"agentB"`
	Matrix    [16]float64 `json:"matrix"`
	Support   int         `json:"support"`
	Tier      int         `json:"tier"`
	Stale     bool        `json:"stale"`
	Timestamp int64       `json:"timestamp"`
}

// NewTransformPayload converts an accepted transform for publishing
func NewTransformPayload(at AcceptedTransform) TransformPayload {
	return TransformPayload{
		AgentA:    at.Pair.A,
		AgentB:    at.Pair.B,
		Matrix:    at.Transform.Matrix(),
		Support:   at.SupportCount,
		Tier:      at.Tier,
		Stale:     at.Stale,
		Timestamp: at.LastUpdated.Unix(),
	}
}

// Publisher publishes accepted transforms to MQTT, retained, on
// <prefix>/transforms/<A>/<B> and as one combined list on <prefix>/transforms.
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	retain        bool
	log           *zap.Logger

	mu         sync.RWMutex
	transforms map[AgentPair]TransformPayload
}

// NewPublisher creates a publisher. A nil client disables publishing.
func NewPublisher(client mqtt.Client, prefix string, logger *zap.Logger) *Publisher {
	if prefix == "" {
		prefix = "coreg"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		client:        client,
		publishPrefix: prefix,
		qos:           1,
		retain:        true, // late subscribers get the latest transform
		log:           logger.Named("publisher"),
		transforms:    make(map[AgentPair]TransformPayload),
	}
}

// PublishAccepted records and publishes one accepted transform
func (p *Publisher) PublishAccepted(at AcceptedTransform) error {
	payload := NewTransformPayload(at)
	p.mu.Lock()
	p.transforms[at.Pair] = payload
	p.mu.Unlock()

	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	topic := fmt.Sprintf("%s/transforms/%s/%s", p.publishPrefix, at.Pair.A, at.Pair.B)
	if err := p.publish(topic, payload); err != nil {
		return err
	}
	p.log.Info("published accepted transform",
		zap.Stringer("pair", at.Pair),
		zap.Int("support", at.SupportCount),
		zap.Bool("stale", at.Stale))
	return p.publishCombined()
}

// OnAccepted adapts PublishAccepted to an estimator callback
func (p *Publisher) OnAccepted(at AcceptedTransform) {
	if err := p.PublishAccepted(at); err != nil {
		p.log.Warn("publish failed", zap.Stringer("pair", at.Pair), zap.Error(err))
	}
}

func (p *Publisher) publishCombined() error {
	p.mu.RLock()
	list := make([]TransformPayload, 0, len(p.transforms))
	for _, t := range p.transforms {
		list = append(list, t)
	}
	p.mu.RUnlock()
	sort.Slice(list, func(i, j int) bool {
		if list[i].AgentA != list[j].AgentA {
			return list[i].AgentA < list[j].AgentA
		}
		return list[i].AgentB < list[j].AgentB
	})

	return p.publish(p.publishPrefix+"/transforms", map[string]any{
		"transforms": list,
		"timestamp":  time.Now().Unix(),
	})
}

func (p *Publisher) publish(topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling payload for %s: %w", topic, err)
	}
	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}

// Transforms returns the last payload recorded per pair
func (p *Publisher) Transforms() map[AgentPair]TransformPayload {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[AgentPair]TransformPayload, len(p.transforms))
	for k, v := range p.transforms {
		out[k] = v
	}
	return out
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether published messages should be retained by the broker
func (p *Publisher) SetRetain(retain bool) {
	p.retain = retain
}

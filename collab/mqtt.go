package collab

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

// Topic suffixes agents publish under <topicPrefix>/<agent>/.
const (
	CandidateTopicSuffix = "candidates"
	PoseTopicSuffix      = "pose"
)

// CandidatePayload is the msgpack body of a candidate published over MQTT.
// The publishing agent (taken from the topic) is the candidate source.
type CandidatePayload struct {
	Target     string      `msgpack:"target"`
	Transform  [16]float64 `msgpack:"transform"` // row-major 4x4
	Confidence float64     `msgpack:"confidence"`
	Timestamp  int64       `msgpack:"timestamp,omitempty"` // unix nanos; 0 for arrival time
}

// PosePayload is the msgpack body of a trajectory pose published over MQTT
type PosePayload struct {
	Frame int64       `msgpack:"frame"`
	Pose  [16]float64 `msgpack:"pose"` // row-major 4x4
}

// MQTTBridge feeds candidates and trajectory poses published by agents on an
// MQTT broker into the session.
type MQTTBridge struct {
	client  mqtt.Client
	cfg     MQTTConfig
	session *Context
	log     *zap.Logger
	metrics *Counters

	mu          sync.RWMutex
	isConnected bool
}

// NewMQTTBridge builds a bridge from cfg. It returns nil, nil when no broker
// is configured.
func NewMQTTBridge(cfg MQTTConfig, session *Context, logger *zap.Logger, metrics *Counters) (*MQTTBridge, error) {
	if cfg.Broker == "" {
		return nil, nil
	}
	if cfg.TopicPrefix == "" {
		return nil, fmt.Errorf("%w: MQTT enabled but no topic prefix configured", ErrInvalidConfig)
	}

	b := newBridge(nil, cfg, session, logger, metrics)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "coreg"
	}
	opts.SetClientID(clientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(false) // keep subscriptions across reconnects
	opts.SetOrderMatters(false)

	opts.SetOnConnectHandler(b.onConnect)
	opts.SetConnectionLostHandler(b.onConnectionLost)
	opts.SetReconnectingHandler(b.onReconnecting)

	b.client = mqtt.NewClient(opts)
	return b, nil
}

// newBridge wires a bridge around an existing client
func newBridge(client mqtt.Client, cfg MQTTConfig, session *Context, logger *zap.Logger, metrics *Counters) *MQTTBridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MQTTBridge{
		client:  client,
		cfg:     cfg,
		session: session,
		log:     logger.Named("mqtt"),
		metrics: metrics,
	}
}

// Start connects in the background, retrying with exponential backoff until
// connected or ctx is cancelled
func (b *MQTTBridge) Start(ctx context.Context) {
	go b.connectWithRetry(ctx)
}

func (b *MQTTBridge) connectWithRetry(ctx context.Context) {
	retryDelay := 1 * time.Second
	maxRetryDelay := 60 * time.Second

	for {
		b.log.Info("connecting to MQTT broker", zap.String("broker", b.cfg.Broker))
		token := b.client.Connect()
		if token.WaitTimeout(10 * time.Second) {
			if token.Error() == nil {
				b.log.Info("connected to MQTT broker")
				b.setConnected(true)
				return
			}
			b.log.Warn("MQTT connection failed", zap.Error(token.Error()))
		} else {
			b.log.Warn("MQTT connection timeout")
		}

		b.log.Info("retrying MQTT connection", zap.Duration("delay", retryDelay))
		select {
		case <-ctx.Done():
			return
		case <-time.After(retryDelay):
		}
		retryDelay *= 2
		if retryDelay > maxRetryDelay {
			retryDelay = maxRetryDelay
		}
	}
}

// Topics returns the subscription filters of the bridge
func (b *MQTTBridge) Topics() []string {
	return []string{
		b.cfg.TopicPrefix + "/+/" + CandidateTopicSuffix,
		b.cfg.TopicPrefix + "/+/" + PoseTopicSuffix,
	}
}

func (b *MQTTBridge) onConnect(client mqtt.Client) {
	b.setConnected(true)
	topics := b.Topics()
	handlers := []mqtt.MessageHandler{b.handleCandidate, b.handlePose}
	for i, topic := range topics {
		token := client.Subscribe(topic, b.cfg.QoS, handlers[i])
		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			b.log.Error("subscribe failed", zap.String("topic", topic), zap.Error(token.Error()))
			continue
		}
		b.log.Info("subscribed", zap.String("topic", topic))
	}
}

func (b *MQTTBridge) onConnectionLost(_ mqtt.Client, err error) {
	b.log.Warn("MQTT connection interrupted, auto-reconnect will retry", zap.Error(err))
	b.setConnected(false)
}

func (b *MQTTBridge) onReconnecting(mqtt.Client, *mqtt.ClientOptions) {
	b.log.Info("MQTT reconnecting")
}

// agentFromTopic extracts <agent> from <prefix>/<agent>/<suffix>
func (b *MQTTBridge) agentFromTopic(topic, suffix string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, b.cfg.TopicPrefix+"/")
	if !ok {
		return "", false
	}
	agent, ok := strings.CutSuffix(rest, "/"+suffix)
	if !ok || agent == "" || strings.Contains(agent, "/") {
		return "", false
	}
	return agent, true
}

func (b *MQTTBridge) handleCandidate(_ mqtt.Client, msg mqtt.Message) {
	agent, ok := b.agentFromTopic(msg.Topic(), CandidateTopicSuffix)
	if !ok {
		b.log.Warn("candidate on unexpected topic", zap.String("topic", msg.Topic()))
		return
	}
	var p CandidatePayload
	if err := msgpack.Unmarshal(msg.Payload(), &p); err != nil {
		b.metrics.IncMalformed()
		b.log.Warn("dropping undecodable candidate", zap.String("agent", agent), zap.Error(err))
		return
	}
	if err := checkMatrix(p.Transform); err != nil {
		b.metrics.IncMalformed()
		b.log.Warn("dropping candidate with invalid transform", zap.String("agent", agent), zap.Error(err))
		return
	}
	c := Candidate{
		Source:     agent,
		Target:     p.Target,
		Transform:  PoseFromMatrix(p.Transform),
		Confidence: p.Confidence,
	}
	if p.Timestamp != 0 {
		c.Timestamp = time.Unix(0, p.Timestamp).UTC()
	}
	if err := b.session.Submit(c); err != nil {
		b.log.Debug("candidate not submitted", zap.String("agent", agent), zap.Error(err))
	}
}

func (b *MQTTBridge) handlePose(_ mqtt.Client, msg mqtt.Message) {
	agent, ok := b.agentFromTopic(msg.Topic(), PoseTopicSuffix)
	if !ok {
		b.log.Warn("pose on unexpected topic", zap.String("topic", msg.Topic()))
		return
	}
	var p PosePayload
	if err := msgpack.Unmarshal(msg.Payload(), &p); err != nil {
		b.metrics.IncMalformed()
		b.log.Warn("dropping undecodable pose", zap.String("agent", agent), zap.Error(err))
		return
	}
	if err := checkMatrix(p.Pose); err != nil {
		b.metrics.IncMalformed()
		b.log.Warn("dropping invalid pose", zap.String("agent", agent), zap.Int64("frame", p.Frame), zap.Error(err))
		return
	}
	if err := b.session.AppendTrajectoryPose(agent, PoseFromMatrix(p.Pose)); err != nil {
		b.log.Debug("pose not appended", zap.String("agent", agent), zap.Int64("frame", p.Frame), zap.Error(err))
	}
}

// IsConnected returns true if the MQTT client is connected
func (b *MQTTBridge) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.isConnected
}

func (b *MQTTBridge) setConnected(connected bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.isConnected = connected
}

// Client returns the underlying MQTT client for publishing
func (b *MQTTBridge) Client() mqtt.Client {
	return b.client
}

// Disconnect gracefully closes the MQTT connection
func (b *MQTTBridge) Disconnect() {
	if b.client != nil && b.client.IsConnected() {
		b.log.Info("disconnecting from MQTT broker")
		b.client.Disconnect(250)
		b.setConnected(false)
	}
}

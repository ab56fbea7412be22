package collab

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the unified configuration of a coordinator session
type Config struct {
	Session     SessionConfig     `yaml:"session" json:"session"`
	Tiers       Tiers             `yaml:"tiers,omitempty" json:"tiers,omitempty"`
	Transport   TransportSection  `yaml:"transport" json:"transport"`
	MQTT        MQTTConfig        `yaml:"mqtt" json:"mqtt"`
	HTTP        HTTPConfig        `yaml:"http" json:"http"`
	Persistence PersistenceConfig `yaml:"persistence" json:"persistence"`
	Evaluation  EvaluationConfig  `yaml:"evaluation" json:"evaluation"`
	Log         LogConfig         `yaml:"log" json:"log"`
}

// SessionConfig holds consensus parameters
type SessionConfig struct {
	ID               string        `yaml:"id,omitempty" json:"id,omitempty"` // generated when empty
	SupportThreshold int           `yaml:"supportThreshold" json:"supportThreshold"`
	ClusterTTL       time.Duration `yaml:"clusterTTL" json:"clusterTTL"`
	ProcessInterval  time.Duration `yaml:"processInterval" json:"processInterval"`
}

// TransportSection holds the agent stream listener settings. An empty Listen
// disables the transport.
type TransportSection struct {
	Listen       string        `yaml:"listen" json:"listen"`
	ReadTimeout  time.Duration `yaml:"readTimeout" json:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout" json:"writeTimeout"`
	MaxMalformed int           `yaml:"maxMalformed" json:"maxMalformed"`
}

// MQTTConfig holds MQTT connection settings. An empty Broker disables MQTT.
type MQTTConfig struct {
	Broker        string `yaml:"broker" json:"broker"`
	ClientID      string `yaml:"clientId" json:"clientId"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"-"`
	TopicPrefix   string `yaml:"topicPrefix" json:"topicPrefix"`     // agents publish under <prefix>/<agent>/...
	PublishPrefix string `yaml:"publishPrefix" json:"publishPrefix"` // accepted transforms go under <prefix>/transforms/...
	QoS           byte   `yaml:"qos" json:"qos"`
}

// HTTPConfig holds the status endpoint settings. An empty Listen disables it.
type HTTPConfig struct {
	Listen string `yaml:"listen" json:"listen"`
}

// PersistenceConfig controls the accepted transform cache
type PersistenceConfig struct {
	AcceptedCache string `yaml:"acceptedCache,omitempty" json:"acceptedCache,omitempty"`
	Resume        bool   `yaml:"resume" json:"resume"`
}

// EvaluationConfig holds the offline classifier settings
type EvaluationConfig struct {
	AccuracyTranslation float64 `yaml:"accuracyTranslation" json:"accuracyTranslation"`
	AccuracyAngleDeg    float64 `yaml:"accuracyAngleDeg" json:"accuracyAngleDeg"`
	PruneRadius         float64 `yaml:"pruneRadius" json:"pruneRadius"`
	Representatives     int     `yaml:"representatives" json:"representatives"`
	Seed                int64   `yaml:"seed" json:"seed"` // 0 keeps the first representatives
	TrainMask           string  `yaml:"trainMask" json:"trainMask"`
	TestMask            string  `yaml:"testMask" json:"testMask"`
	EstimateMask        string  `yaml:"estimateMask" json:"estimateMask"`
	Plane               string  `yaml:"plane" json:"plane"` // xy, xz or yz
}

// LogConfig selects the log level
type LogConfig struct {
	Level string `yaml:"level" json:"level"`
}

// DefaultConfig returns a configuration that runs a local session
func DefaultConfig() *Config {
	return &Config{
		Session: SessionConfig{
			SupportThreshold: DefaultSupportThreshold,
			ClusterTTL:       DefaultClusterTTL,
			ProcessInterval:  DefaultProcessInterval,
		},
		Tiers: DefaultTiers(),
		Transport: TransportSection{
			Listen:       ":7450",
			ReadTimeout:  DefaultReadTimeout,
			WriteTimeout: DefaultWriteTimeout,
			MaxMalformed: DefaultMaxMalformed,
		},
		MQTT: MQTTConfig{
			ClientID:      "coreg",
			TopicPrefix:   "coreg/agents",
			PublishPrefix: "coreg",
		},
		HTTP: HTTPConfig{Listen: ":8080"},
		Evaluation: EvaluationConfig{
			AccuracyTranslation: 0.05,
			AccuracyAngleDeg:    5,
			PruneRadius:         DefaultPruneRadius,
			Representatives:     3,
			TrainMask:           "posem%06d.txt",
			TestMask:            "posem%06d.txt",
			EstimateMask:        "pose-%06d.icp.txt",
			Plane:               "xz",
		},
		Log: LogConfig{Level: "info"},
	}
}

// LoadConfig loads a YAML file over the defaults, applies environment
// overrides and validates the result
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	config.ApplyEnv()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// SaveConfig writes the configuration as YAML
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// ApplyEnv overrides MQTT settings from MQTT_BROKER, MQTT_CLIENT_ID,
// MQTT_USERNAME, MQTT_PASSWORD and MQTT_PUBLISH_PREFIX when set
func (c *Config) ApplyEnv() {
	for env, field := range map[string]*string{
		"MQTT_BROKER":         &c.MQTT.Broker,
		"MQTT_CLIENT_ID":      &c.MQTT.ClientID,
		"MQTT_USERNAME":       &c.MQTT.Username,
		"MQTT_PASSWORD":       &c.MQTT.Password,
		"MQTT_PUBLISH_PREFIX": &c.MQTT.PublishPrefix,
	} {
		if v := os.Getenv(env); v != "" {
			*field = v
		}
	}
}

// Validate rejects configuration a session cannot start with
func (c *Config) Validate() error {
	if err := c.EstimatorConfig().Validate(); err != nil {
		return err
	}
	if c.Transport.ReadTimeout < 0 || c.Transport.WriteTimeout < 0 {
		return fmt.Errorf("%w: transport timeouts must not be negative", ErrInvalidConfig)
	}
	if c.Transport.MaxMalformed < 1 {
		return fmt.Errorf("%w: transport.maxMalformed must be at least 1", ErrInvalidConfig)
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("%w: mqtt.qos must be 0, 1 or 2, got %d", ErrInvalidConfig, c.MQTT.QoS)
	}
	if c.MQTT.Broker != "" && c.MQTT.TopicPrefix == "" {
		return fmt.Errorf("%w: mqtt.topicPrefix is required when mqtt.broker is set", ErrInvalidConfig)
	}
	if c.Persistence.Resume && c.Persistence.AcceptedCache == "" {
		return fmt.Errorf("%w: persistence.resume requires persistence.acceptedCache", ErrInvalidConfig)
	}
	return c.Evaluation.validate()
}

func (e EvaluationConfig) validate() error {
	if e.AccuracyTranslation <= 0 || e.AccuracyAngleDeg <= 0 {
		return fmt.Errorf("%w: evaluation accuracy tolerances must be positive", ErrInvalidConfig)
	}
	if e.PruneRadius < 0 {
		return fmt.Errorf("%w: evaluation.pruneRadius must not be negative", ErrInvalidConfig)
	}
	if e.Representatives < 0 {
		return fmt.Errorf("%w: evaluation.representatives must not be negative", ErrInvalidConfig)
	}
	if _, err := ParsePlane(e.Plane); err != nil {
		return err
	}
	return nil
}

// EstimatorConfig extracts the consensus parameters
func (c *Config) EstimatorConfig() EstimatorConfig {
	return EstimatorConfig{
		Tiers:            c.Tiers,
		SupportThreshold: c.Session.SupportThreshold,
		ClusterTTL:       c.Session.ClusterTTL,
		ProcessInterval:  c.Session.ProcessInterval,
	}
}

// TransportConfig extracts the stream transport parameters
func (c *Config) TransportConfig() TransportConfig {
	return TransportConfig{
		ReadTimeout:  c.Transport.ReadTimeout,
		WriteTimeout: c.Transport.WriteTimeout,
		MaxMalformed: c.Transport.MaxMalformed,
	}
}

// EvalConfig extracts the classifier parameters
func (c *Config) EvalConfig() EvalConfig {
	return EvalConfig{
		Tiers: c.Tiers,
		Accuracy: Tier{
			MaxTranslation: c.Evaluation.AccuracyTranslation,
			MaxAngleDeg:    c.Evaluation.AccuracyAngleDeg,
		},
	}
}

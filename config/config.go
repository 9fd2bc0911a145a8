// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/absmach/mqttbridge/codec"
	"github.com/absmach/mqttbridge/ratelimit"
	"gopkg.in/yaml.v3"
)

// Remote bus types.
const (
	RemoteMQTT   = "mqtt"
	RemoteRedis  = "redis"
	RemoteMemory = "memory"
)

// Config holds all configuration for the bridge process.
type Config struct {
	Log       LogConfig        `yaml:"log"`
	Remote    RemoteConfig     `yaml:"remote"`
	Codec     CodecConfig      `yaml:"codec"`
	RateLimit ratelimit.Config `yaml:"rate_limit"`
	Health    HealthConfig     `yaml:"health"`
	Telemetry TelemetryConfig  `yaml:"telemetry"`
	Bridges   []BridgeConfig   `yaml:"bridges"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// RemoteConfig selects and configures the remote bus.
type RemoteConfig struct {
	Type string `yaml:"type"` // mqtt, redis, memory

	// PrivatePath is the namespace remote-side topics are resolved under,
	// e.g. "/device42".
	PrivatePath string `yaml:"private_path"`

	MQTT  MQTTConfig  `yaml:"mqtt"`
	Redis RedisConfig `yaml:"redis"`
}

// MQTTConfig holds MQTT client settings.
type MQTTConfig struct {
	BrokerURL            string               `yaml:"broker_url"`
	ClientIDPrefix       string               `yaml:"client_id_prefix"` // a unique suffix is appended
	Username             string               `yaml:"username"`
	Password             string               `yaml:"password"`
	KeepAlive            time.Duration        `yaml:"keep_alive"`
	ConnectTimeout       time.Duration        `yaml:"connect_timeout"`
	MaxReconnectInterval time.Duration        `yaml:"max_reconnect_interval"`
	QoS                  byte                 `yaml:"qos"`
	Retain               bool                 `yaml:"retain"`
	CleanSession         bool                 `yaml:"clean_session"`
	ProtocolVersion      uint                 `yaml:"protocol_version"` // 0 negotiates, 3 is 3.1, 4 is 3.1.1
	TLS                  TLSConfig            `yaml:"tls"`
	CircuitBreaker       CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// TLSConfig holds client TLS material. It is used for tls:// and ssl://
// broker URLs.
type TLSConfig struct {
	CAFile             string `yaml:"ca_file"`
	CertFile           string `yaml:"cert_file"`
	KeyFile            string `yaml:"key_file"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// CircuitBreakerConfig holds circuit breaker configuration for remote
// publishes.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// RedisConfig holds Redis pub/sub settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// CodecConfig selects the wire format shared by all bridges.
type CodecConfig struct {
	Name        string `yaml:"name"`        // json, msgpack, protobuf
	Compression string `yaml:"compression"` // none, s2, zstd
}

// HealthConfig holds the health HTTP server settings.
type HealthConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TelemetryConfig holds OpenTelemetry settings.
type TelemetryConfig struct {
	Enabled         bool    `yaml:"enabled"`
	Endpoint        string  `yaml:"endpoint"` // OTLP gRPC endpoint
	ServiceName     string  `yaml:"service_name"`
	ServiceVersion  string  `yaml:"service_version"`
	MetricsEnabled  bool    `yaml:"metrics_enabled"`
	TracesEnabled   bool    `yaml:"traces_enabled"`
	TraceSampleRate float64 `yaml:"trace_sample_rate"` // 0.0 to 1.0
}

// BridgeConfig describes one bridge.
type BridgeConfig struct {
	Name      string   `yaml:"name,omitempty"`
	Factory   string   `yaml:"factory"`
	MsgType   string   `yaml:"msg_type"`
	TopicFrom string   `yaml:"topic_from"`
	TopicTo   string   `yaml:"topic_to"`
	Frequency *float64 `yaml:"frequency,omitempty"`  // Hz, unlimited when unset
	QueueSize *int     `yaml:"queue_size,omitempty"` // remote_to_local only, default 10
}

// UnmarshalYAML accepts bridge_type and message_type as aliases of factory
// and msg_type.
func (b *BridgeConfig) UnmarshalYAML(value *yaml.Node) error {
	type plain BridgeConfig
	var raw struct {
		plain       `yaml:",inline"`
		BridgeType  string `yaml:"bridge_type"`
		MessageType string `yaml:"message_type"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	out := BridgeConfig(raw.plain)
	var err error
	if out.Factory, err = alias("factory", out.Factory, "bridge_type", raw.BridgeType); err != nil {
		return err
	}
	if out.MsgType, err = alias("msg_type", out.MsgType, "message_type", raw.MessageType); err != nil {
		return err
	}
	*b = out
	return nil
}

func alias(key, val, aliasKey, aliasVal string) (string, error) {
	switch {
	case aliasVal == "":
		return val, nil
	case val == "", val == aliasVal:
		return aliasVal, nil
	default:
		return "", fmt.Errorf("bridge sets both %s %q and %s %q", key, val, aliasKey, aliasVal)
	}
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Remote: RemoteConfig{
			Type: RemoteMQTT,
			MQTT: MQTTConfig{
				BrokerURL:            "tcp://localhost:1883",
				ClientIDPrefix:       "mqttbridge-",
				KeepAlive:            60 * time.Second,
				ConnectTimeout:       10 * time.Second,
				MaxReconnectInterval: 2 * time.Minute,
				QoS:                  0,
				CleanSession:         true,
				CircuitBreaker: CircuitBreakerConfig{
					FailureThreshold: 5,
					ResetTimeout:     30 * time.Second,
				},
			},
			Redis: RedisConfig{
				Addr: "localhost:6379",
			},
		},
		Codec: CodecConfig{
			Name:        codec.JSON,
			Compression: "none",
		},
		RateLimit: ratelimit.DefaultConfig(),
		Health: HealthConfig{
			Enabled:         true,
			Addr:            ":8081",
			ShutdownTimeout: 5 * time.Second,
		},
		Telemetry: TelemetryConfig{
			Enabled:         false,
			Endpoint:        "localhost:4317",
			ServiceName:     "mqttbridge",
			ServiceVersion:  "1.0.0",
			MetricsEnabled:  true,
			TracesEnabled:   false,
			TraceSampleRate: 0.1,
		},
		Bridges: []BridgeConfig{},
	}
}

// Load loads configuration from a YAML file and applies environment
// overrides. If the file doesn't exist, defaults are used.
func Load(filename string) (*Config, error) {
	cfg := Default()

	if filename != "" {
		data, err := os.ReadFile(filename)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid. Bridge records are checked
// one by one when bridges are built, so a bad record only skips that bridge.
func (c *Config) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	switch c.Remote.Type {
	case RemoteMQTT:
		if err := c.Remote.MQTT.validate(); err != nil {
			return err
		}
	case RemoteRedis:
		if c.Remote.Redis.Addr == "" {
			return fmt.Errorf("remote.redis.addr required when type is redis")
		}
		if c.Remote.Redis.DB < 0 {
			return fmt.Errorf("remote.redis.db cannot be negative")
		}
	case RemoteMemory:
	default:
		return fmt.Errorf("remote.type must be one of: mqtt, redis, memory")
	}

	if !slices.Contains(codec.Names(), strings.ToLower(c.Codec.Name)) {
		return fmt.Errorf("codec.name must be one of: %s", strings.Join(codec.Names(), ", "))
	}
	switch codec.Compression(strings.ToLower(c.Codec.Compression)) {
	case "", codec.CompressionNone, codec.CompressionS2, codec.CompressionZstd:
	default:
		return fmt.Errorf("codec.compression must be one of: none, s2, zstd")
	}

	if c.RateLimit.Publish.Enabled {
		if c.RateLimit.Publish.Rate <= 0 {
			return fmt.Errorf("rate_limit.publish.rate must be greater than 0")
		}
		if c.RateLimit.Publish.Burst < 1 {
			return fmt.Errorf("rate_limit.publish.burst must be at least 1")
		}
	}

	if c.Health.Enabled && c.Health.Addr == "" {
		return fmt.Errorf("health.addr required when health is enabled")
	}

	if c.Telemetry.Enabled {
		if c.Telemetry.Endpoint == "" {
			return fmt.Errorf("telemetry.endpoint cannot be empty when telemetry is enabled")
		}
		if c.Telemetry.ServiceName == "" {
			return fmt.Errorf("telemetry.service_name cannot be empty when telemetry is enabled")
		}
		if c.Telemetry.TraceSampleRate < 0.0 || c.Telemetry.TraceSampleRate > 1.0 {
			return fmt.Errorf("telemetry.trace_sample_rate must be between 0.0 and 1.0")
		}
	}

	return nil
}

func (m MQTTConfig) validate() error {
	if m.BrokerURL == "" {
		return fmt.Errorf("remote.mqtt.broker_url required when type is mqtt")
	}
	if m.QoS > 2 {
		return fmt.Errorf("remote.mqtt.qos must be 0, 1 or 2")
	}
	if m.ProtocolVersion != 0 && m.ProtocolVersion != 3 && m.ProtocolVersion != 4 {
		return fmt.Errorf("remote.mqtt.protocol_version must be 0, 3 or 4")
	}
	if m.KeepAlive < time.Second {
		return fmt.Errorf("remote.mqtt.keep_alive must be at least 1 second")
	}
	if m.ConnectTimeout <= 0 {
		return fmt.Errorf("remote.mqtt.connect_timeout must be positive")
	}
	if (m.TLS.CertFile == "") != (m.TLS.KeyFile == "") {
		return fmt.Errorf("remote.mqtt.tls.cert_file and key_file must be set together")
	}
	if m.CircuitBreaker.FailureThreshold < 1 {
		return fmt.Errorf("remote.mqtt.circuit_breaker.failure_threshold must be at least 1")
	}
	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

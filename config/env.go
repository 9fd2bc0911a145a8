// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "MQTTBRIDGE_"

// envOverrides holds raw environment values. Unset variables leave the file
// or default value in place.
type envOverrides struct {
	LogLevel          string   `env:"LOG_LEVEL"`
	LogFormat         string   `env:"LOG_FORMAT"`
	RemoteType        string   `env:"REMOTE_TYPE"`
	PrivatePath       *string  `env:"PRIVATE_PATH"`
	MQTTBrokerURL     string   `env:"MQTT_BROKER_URL"`
	MQTTClientPrefix  string   `env:"MQTT_CLIENT_ID_PREFIX"`
	MQTTUsername      string   `env:"MQTT_USERNAME"`
	MQTTPassword      string   `env:"MQTT_PASSWORD"`
	MQTTQoS           *uint8   `env:"MQTT_QOS"`
	RedisAddr         string   `env:"REDIS_ADDR"`
	RedisPassword     string   `env:"REDIS_PASSWORD"`
	CodecName         string   `env:"CODEC"`
	CodecCompression  string   `env:"CODEC_COMPRESSION"`
	HealthAddr        string   `env:"HEALTH_ADDR"`
	TelemetryEnabled  *bool    `env:"TELEMETRY_ENABLED"`
	TelemetryEndpoint string   `env:"TELEMETRY_ENDPOINT"`
	PublishRate       *float64 `env:"PUBLISH_RATE"`
}

func applyEnv(cfg *Config) error {
	var o envOverrides
	if err := env.ParseWithOptions(&o, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}

	setString(&cfg.Log.Level, o.LogLevel)
	setString(&cfg.Log.Format, o.LogFormat)
	setString(&cfg.Remote.Type, o.RemoteType)
	if o.PrivatePath != nil {
		cfg.Remote.PrivatePath = *o.PrivatePath
	}
	setString(&cfg.Remote.MQTT.BrokerURL, o.MQTTBrokerURL)
	setString(&cfg.Remote.MQTT.ClientIDPrefix, o.MQTTClientPrefix)
	setString(&cfg.Remote.MQTT.Username, o.MQTTUsername)
	setString(&cfg.Remote.MQTT.Password, o.MQTTPassword)
	if o.MQTTQoS != nil {
		cfg.Remote.MQTT.QoS = *o.MQTTQoS
	}
	setString(&cfg.Remote.Redis.Addr, o.RedisAddr)
	setString(&cfg.Remote.Redis.Password, o.RedisPassword)
	setString(&cfg.Codec.Name, o.CodecName)
	setString(&cfg.Codec.Compression, o.CodecCompression)
	setString(&cfg.Health.Addr, o.HealthAddr)
	if o.TelemetryEnabled != nil {
		cfg.Telemetry.Enabled = *o.TelemetryEnabled
	}
	setString(&cfg.Telemetry.Endpoint, o.TelemetryEndpoint)
	if o.PublishRate != nil {
		cfg.RateLimit.Publish.Enabled = true
		cfg.RateLimit.Publish.Rate = *o.PublishRate
	}
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"

	"github.com/absmach/mqttbridge/config"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

var tlsSchemes = []string{"tls://", "ssl://", "mqtts://", "wss://"}

// NewOptions assembles paho client options from cfg. The client ID is the
// configured prefix followed by a random UUID.
func NewOptions(cfg config.MQTTConfig, onConnect paho.OnConnectHandler, onLost paho.ConnectionLostHandler) (*paho.ClientOptions, error) {
	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(cfg.ClientIDPrefix + uuid.NewString())
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetKeepAlive(cfg.KeepAlive)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetCleanSession(cfg.CleanSession)
	opts.SetAutoReconnect(true)
	if cfg.MaxReconnectInterval > 0 {
		opts.SetMaxReconnectInterval(cfg.MaxReconnectInterval)
	}
	if cfg.ProtocolVersion != 0 {
		opts.SetProtocolVersion(cfg.ProtocolVersion)
	}
	if onConnect != nil {
		opts.SetOnConnectHandler(onConnect)
	}
	if onLost != nil {
		opts.SetConnectionLostHandler(onLost)
	}

	if usesTLS(cfg.BrokerURL) {
		tlsConfig, err := newTLSConfig(cfg.TLS)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsConfig)
	}
	return opts, nil
}

func usesTLS(url string) bool {
	lower := strings.ToLower(url)
	for _, scheme := range tlsSchemes {
		if strings.HasPrefix(lower, scheme) {
			return true
		}
	}
	return false
}

func newTLSConfig(cfg config.TLSConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}
	if cfg.CAFile != "" {
		caCert, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA cert file %s: %w", cfg.CAFile, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to append CA cert from %s", cfg.CAFile)
		}
		tlsConfig.RootCAs = pool
	}
	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate/key pair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package inject

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/streamcheck/pkg/logger"
)

// MQTTClientFactory builds a client from options. Tests replace it.
type MQTTClientFactory func(opts *mqtt.ClientOptions) mqtt.Client

// MQTTPublisher publishes payloads with paho. Clients are kept per broker
// and client ID so a persistent session survives between calls.
type MQTTPublisher struct {
	newClient MQTTClientFactory
	logger    *zap.SugaredLogger
	defaultID string

	mu      sync.Mutex
	clients map[string]mqtt.Client
}

var _ ExternalPublisher = (*MQTTPublisher)(nil)

// NewMQTTPublisher creates a publisher. A nil factory uses mqtt.NewClient.
func NewMQTTPublisher(factory MQTTClientFactory, l *zap.SugaredLogger) *MQTTPublisher {
	if factory == nil {
		factory = mqtt.NewClient
	}
	if l == nil {
		l = logger.For(logger.ComponentInputInjector).Named("mqtt")
	}
	return &MQTTPublisher{
		newClient: factory,
		logger:    l,
		defaultID: "streamcheck-" + uuid.NewString()[:8],
		clients:   make(map[string]mqtt.Client),
	}
}

func clientOptions(t Transport) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(t.Address)
	opts.SetClientID(t.ClientID)
	opts.SetCleanSession(t.CleanSession)
	opts.SetConnectTimeout(t.ConnectTimeout)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetOrderMatters(true)
	if t.Username != "" {
		opts.SetUsername(t.Username)
		if t.Password != "" {
			opts.SetPassword(t.Password)
		}
	}
	return opts
}

func (p *MQTTPublisher) client(ctx context.Context, t Transport) (mqtt.Client, error) {
	if t.ClientID == "" {
		t.ClientID = p.defaultID
	}
	key := t.Address + "|" + t.ClientID

	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[key]; ok && c.IsConnectionOpen() {
		return c, nil
	}

	c := p.newClient(clientOptions(t))
	if err := waitToken(ctx, c.Connect(), t.ConnectTimeout); err != nil {
		return nil, fmt.Errorf("MQTT connection to %s failed: %w", t.Address, err)
	}
	p.logger.Debugf("connected to %s as %s (clean session %t)", t.Address, t.ClientID, t.CleanSession)
	p.clients[key] = c
	return c, nil
}

// Publish sends payloads to t.Topic with t.QoS, waiting for each to be acknowledged.
func (p *MQTTPublisher) Publish(ctx context.Context, t Transport, payloads [][]byte) error {
	t = t.WithDefaults()
	c, err := p.client(ctx, t)
	if err != nil {
		return err
	}
	for n, payload := range payloads {
		if err := waitToken(ctx, c.Publish(t.Topic, t.QoS, false, payload), t.ConnectTimeout); err != nil {
			return fmt.Errorf("MQTT publish %d to %s failed: %w", n, t.Topic, err)
		}
	}
	return nil
}

// Close disconnects every client.
func (p *MQTTPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, c := range p.clients {
		c.Disconnect(250)
		delete(p.clients, key)
	}
	return nil
}

var errTokenTimeout = errors.New("timed out waiting for broker")

func waitToken(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return errTokenTimeout
	}
}

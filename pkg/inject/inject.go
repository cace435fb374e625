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

// Package inject feeds synthetic input into a pipeline-under-test, either
// directly through the admin simulator or through an external transport
// such as MQTT or Kafka that the pipeline's receivers subscribe to.
package inject

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/streamcheck/pkg/admin"
	"github.com/united-manufacturing-hub/streamcheck/pkg/logger"
)

// ErrUnsupportedTransport is returned when no publisher is registered for a transport kind.
var ErrUnsupportedTransport = errors.New("inject: unsupported transport")

// TransportKind names an external transport.
type TransportKind string

const (
	TransportMQTT  TransportKind = "mqtt"
	TransportKafka TransportKind = "kafka"
)

const (
	DefaultMQTTBroker     = "tcp://localhost:1883"
	DefaultMQTTTopic      = "sensordata"
	DefaultKafkaBroker    = "localhost:9092"
	DefaultConnectTimeout = 10 * time.Second
)

// Transport describes where external payloads go.
type Transport struct {
	Kind    TransportKind `yaml:"kind"`
	Address string        `yaml:"address"`
	Topic   string        `yaml:"topic"`
	QoS     byte          `yaml:"qos"`
	// ClientID identifies the publishing client. A stable ID together with
	// CleanSession false lets the broker keep the session across reconnects.
	ClientID       string        `yaml:"clientId"`
	CleanSession   bool          `yaml:"cleanSession"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	ConnectTimeout time.Duration `yaml:"connectTimeout"`
}

// WithDefaults fills in broker, topic and timeout defaults for known kinds.
func (t Transport) WithDefaults() Transport {
	switch t.Kind {
	case TransportMQTT:
		if t.Address == "" {
			t.Address = DefaultMQTTBroker
		}
		if t.Topic == "" {
			t.Topic = DefaultMQTTTopic
		}
	case TransportKafka:
		if t.Address == "" {
			t.Address = DefaultKafkaBroker
		}
	}
	if t.ConnectTimeout <= 0 {
		t.ConnectTimeout = DefaultConnectTimeout
	}
	return t
}

func (t Transport) String() string {
	return fmt.Sprintf("%s://%s/%s", t.Kind, strings.TrimPrefix(t.Address, "tcp://"), t.Topic)
}

// Event is a direct injection through the simulator.
type Event struct {
	StreamID string   `json:"streamId" yaml:"streamId"`
	Values   []string `json:"values" yaml:"values"`
}

// EventSender delivers simulator events. *driver.Driver implements it.
type EventSender interface {
	SendEvent(ctx context.Context, ev admin.SimulatedEvent) error
}

// ExternalPublisher pushes raw payloads to one transport kind. Payloads of
// one call are published in order.
type ExternalPublisher interface {
	Publish(ctx context.Context, t Transport, payloads [][]byte) error
	Close() error
}

// Option configures an Injector.
type Option func(*Injector)

// WithPublisher registers p for transports of kind.
func WithPublisher(kind TransportKind, p ExternalPublisher) Option {
	return func(i *Injector) {
		i.publishers[kind] = p
	}
}

// WithInterval spaces consecutive direct injections.
func WithInterval(d time.Duration) Option {
	return func(i *Injector) {
		i.interval = d
	}
}

// WithLogger sets the injector logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(i *Injector) {
		i.logger = l
	}
}

// Injector emits input events.
type Injector struct {
	sender     EventSender
	publishers map[TransportKind]ExternalPublisher
	interval   time.Duration
	logger     *zap.SugaredLogger
	injected   int
}

// New creates an injector that sends direct events through sender.
func New(sender EventSender, opts ...Option) *Injector {
	i := &Injector{
		sender:     sender,
		publishers: make(map[TransportKind]ExternalPublisher),
	}
	for _, opt := range opts {
		opt(i)
	}
	if i.logger == nil {
		i.logger = logger.For(logger.ComponentInputInjector)
	}
	return i
}

// Injected returns how many events and payloads were emitted successfully.
func (i *Injector) Injected() int {
	return i.injected
}

// Inject sends one event through the simulator.
func (i *Injector) Inject(ctx context.Context, ev Event) error {
	if err := i.sender.SendEvent(ctx, admin.SimulatedEvent{StreamID: ev.StreamID, AttributeValues: ev.Values}); err != nil {
		return fmt.Errorf("inject into %s: %w", ev.StreamID, err)
	}
	i.injected++
	i.logger.Debugf("injected %v into %s", ev.Values, ev.StreamID)
	return nil
}

// InjectAll sends events in order, waiting the configured interval between them.
func (i *Injector) InjectAll(ctx context.Context, events []Event) error {
	for n, ev := range events {
		if n > 0 && i.interval > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(i.interval):
			}
		}
		if err := i.Inject(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// InjectExternal publishes one payload on t.
func (i *Injector) InjectExternal(ctx context.Context, t Transport, payload []byte) error {
	return i.InjectExternalBatch(ctx, t, [][]byte{payload})
}

// InjectExternalBatch publishes payloads on t in order.
func (i *Injector) InjectExternalBatch(ctx context.Context, t Transport, payloads [][]byte) error {
	t = t.WithDefaults()
	p, ok := i.publishers[t.Kind]
	if !ok {
		return fmt.Errorf("%w %q", ErrUnsupportedTransport, t.Kind)
	}
	if err := p.Publish(ctx, t, payloads); err != nil {
		return fmt.Errorf("inject via %s: %w", t, err)
	}
	i.injected += len(payloads)
	i.logger.Debugf("published %d payloads via %s", len(payloads), t)
	return nil
}

// InjectLines publishes one payload per non-empty line of r and returns how many were sent.
func (i *Injector) InjectLines(ctx context.Context, t Transport, r io.Reader) (int, error) {
	payloads, err := ReadLines(r)
	if err != nil {
		return 0, err
	}
	if err := i.InjectExternalBatch(ctx, t, payloads); err != nil {
		return 0, err
	}
	return len(payloads), nil
}

// ReadLines splits r into payloads, one per non-empty line.
func ReadLines(r io.Reader) ([][]byte, error) {
	var out [][]byte
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		out = append(out, []byte(line))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading payload lines: %w", err)
	}
	return out, nil
}

// Close closes every registered publisher.
func (i *Injector) Close() error {
	var errs error
	for _, p := range i.publishers {
		errs = multierr.Append(errs, p.Close())
	}
	return errs
}

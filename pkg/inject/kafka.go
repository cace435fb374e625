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
	"strings"
	"sync"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/streamcheck/pkg/logger"
)

// KafkaProducer is the part of *kgo.Client the publisher uses.
type KafkaProducer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// KafkaClientFactory builds a producer. Tests replace it.
type KafkaClientFactory func(opts ...kgo.Opt) (KafkaProducer, error)

func newKgoClient(opts ...kgo.Opt) (KafkaProducer, error) {
	return kgo.NewClient(opts...)
}

// KafkaPublisher produces payloads with franz-go. All payloads of one
// transport share a key so they land on one partition in order.
type KafkaPublisher struct {
	newClient KafkaClientFactory
	logger    *zap.SugaredLogger

	mu      sync.Mutex
	clients map[string]KafkaProducer
}

var _ ExternalPublisher = (*KafkaPublisher)(nil)

// NewKafkaPublisher creates a publisher. A nil factory uses kgo.NewClient.
func NewKafkaPublisher(factory KafkaClientFactory, l *zap.SugaredLogger) *KafkaPublisher {
	if factory == nil {
		factory = newKgoClient
	}
	if l == nil {
		l = logger.For(logger.ComponentInputInjector).Named("kafka")
	}
	return &KafkaPublisher{
		newClient: factory,
		logger:    l,
		clients:   make(map[string]KafkaProducer),
	}
}

func seedBrokers(address string) []string {
	var out []string
	for _, b := range strings.Split(address, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

func (p *KafkaPublisher) client(t Transport) (KafkaProducer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[t.Address]; ok {
		return c, nil
	}
	c, err := p.newClient(
		kgo.SeedBrokers(seedBrokers(t.Address)...),
		kgo.AllowAutoTopicCreation(),
		kgo.DialTimeout(t.ConnectTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("creating Kafka client for %s: %w", t.Address, err)
	}
	p.clients[t.Address] = c
	return c, nil
}

// Publish produces payloads to t.Topic and waits for all of them.
func (p *KafkaPublisher) Publish(ctx context.Context, t Transport, payloads [][]byte) error {
	t = t.WithDefaults()
	if t.Topic == "" {
		return errors.New("kafka transport needs a topic")
	}
	c, err := p.client(t)
	if err != nil {
		return err
	}

	key := []byte(t.ClientID)
	if len(key) == 0 {
		key = []byte("streamcheck")
	}
	records := make([]*kgo.Record, 0, len(payloads))
	for _, payload := range payloads {
		records = append(records, &kgo.Record{Topic: t.Topic, Key: key, Value: payload})
	}
	if err := c.ProduceSync(ctx, records...).FirstErr(); err != nil {
		return err
	}
	p.logger.Debugf("produced %d records to %s", len(records), t.Topic)
	return nil
}

// Close closes every client.
func (p *KafkaPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for addr, c := range p.clients {
		// franz-go client.Close() never returns an error
		c.Close()
		delete(p.clients, addr)
	}
	return nil
}

// EnsureTopic creates topic on the brokers at address unless it exists.
func EnsureTopic(ctx context.Context, address, topic string, partitions int32) error {
	if partitions < 1 {
		return fmt.Errorf("invalid partition count %d for topic %s", partitions, topic)
	}
	cl, err := kgo.NewClient(kgo.SeedBrokers(seedBrokers(address)...))
	if err != nil {
		return err
	}
	defer cl.Close()
	adm := kadm.NewClient(cl)

	// a replication factor of 1 suffices for the single test broker
	resp, err := adm.CreateTopic(ctx, partitions, 1, nil, topic)
	if err != nil {
		return fmt.Errorf("creating topic %s: %w", topic, err)
	}
	if resp.Err != nil && !errors.Is(resp.Err, kerr.TopicAlreadyExists) {
		return fmt.Errorf("creating topic %s: %w", topic, resp.Err)
	}
	return nil
}

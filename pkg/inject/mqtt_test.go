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

package inject_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap/zaptest"

	"github.com/united-manufacturing-hub/streamcheck/pkg/inject"
)

type fakeToken struct {
	done chan struct{}
	err  error
}

func completedToken(err error) *fakeToken {
	t := &fakeToken{done: make(chan struct{}), err: err}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool {
	<-t.done
	return true
}

func (t *fakeToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (t *fakeToken) Done() <-chan struct{} { return t.done }
func (t *fakeToken) Error() error          { return t.err }

type fakePublish struct {
	topic   string
	qos     byte
	payload []byte
}

// fakeMQTTClient implements the parts of mqtt.Client the publisher uses.
type fakeMQTTClient struct {
	mqtt.Client

	opts        *mqtt.ClientOptions
	connectErr  error
	stall       bool
	connected   bool
	disconnects int
	published   []fakePublish
}

func (c *fakeMQTTClient) Connect() mqtt.Token {
	if c.connectErr == nil {
		c.connected = true
	}
	return completedToken(c.connectErr)
}

func (c *fakeMQTTClient) IsConnectionOpen() bool { return c.connected }

func (c *fakeMQTTClient) Publish(topic string, qos byte, _ bool, payload interface{}) mqtt.Token {
	if c.stall {
		return &fakeToken{done: make(chan struct{})}
	}
	c.published = append(c.published, fakePublish{topic: topic, qos: qos, payload: payload.([]byte)})
	return completedToken(nil)
}

func (c *fakeMQTTClient) Disconnect(uint) {
	c.connected = false
	c.disconnects++
}

var _ = Describe("MQTTPublisher", func() {
	var (
		ctx     context.Context
		cancel  context.CancelFunc
		clients []*fakeMQTTClient
		factory inject.MQTTClientFactory
		prepare func(*fakeMQTTClient)
	)

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		clients = nil
		prepare = nil
		factory = func(opts *mqtt.ClientOptions) mqtt.Client {
			c := &fakeMQTTClient{opts: opts}
			if prepare != nil {
				prepare(c)
			}
			clients = append(clients, c)
			return c
		}
	})

	AfterEach(func() {
		cancel()
	})

	newPublisher := func() *inject.MQTTPublisher {
		return inject.NewMQTTPublisher(factory, zaptest.NewLogger(GinkgoT()).Sugar())
	}

	It("publishes payloads in order with the requested QoS", func() {
		p := newPublisher()
		t := inject.Transport{Kind: inject.TransportMQTT, Topic: "sensordata", QoS: 1}
		Expect(p.Publish(ctx, t, [][]byte{[]byte("a"), []byte("b"), []byte("c")})).To(Succeed())

		Expect(clients).To(HaveLen(1))
		Expect(clients[0].published).To(Equal([]fakePublish{
			{topic: "sensordata", qos: 1, payload: []byte("a")},
			{topic: "sensordata", qos: 1, payload: []byte("b")},
			{topic: "sensordata", qos: 1, payload: []byte("c")},
		}))
		Expect(clients[0].opts.Order).To(BeTrue())
	})

	It("keeps a persistent session client between calls", func() {
		p := newPublisher()
		t := inject.Transport{Kind: inject.TransportMQTT, ClientID: "durable-1", CleanSession: false}
		Expect(p.Publish(ctx, t, [][]byte{[]byte("a")})).To(Succeed())
		Expect(p.Publish(ctx, t, [][]byte{[]byte("b")})).To(Succeed())

		Expect(clients).To(HaveLen(1))
		Expect(clients[0].opts.ClientID).To(Equal("durable-1"))
		Expect(clients[0].opts.CleanSession).To(BeFalse())
		Expect(clients[0].opts.Servers[0].Host).To(Equal("localhost:1883"))
	})

	It("reconnects once the previous connection is gone", func() {
		p := newPublisher()
		t := inject.Transport{Kind: inject.TransportMQTT}
		Expect(p.Publish(ctx, t, [][]byte{[]byte("a")})).To(Succeed())
		clients[0].connected = false
		Expect(p.Publish(ctx, t, [][]byte{[]byte("b")})).To(Succeed())

		Expect(clients).To(HaveLen(2))
		Expect(clients[1].opts.ClientID).To(Equal(clients[0].opts.ClientID))
	})

	It("reports connection failures", func() {
		prepare = func(c *fakeMQTTClient) { c.connectErr = errors.New("not authorized") }
		p := newPublisher()
		err := p.Publish(ctx, inject.Transport{Kind: inject.TransportMQTT}, [][]byte{[]byte("a")})
		Expect(err).To(MatchError(ContainSubstring("not authorized")))
	})

	It("gives up on unacknowledged publishes", func() {
		prepare = func(c *fakeMQTTClient) { c.stall = true }
		p := newPublisher()
		t := inject.Transport{Kind: inject.TransportMQTT, ConnectTimeout: 30 * time.Millisecond}
		err := p.Publish(ctx, t, [][]byte{[]byte("a")})
		Expect(err).To(MatchError(ContainSubstring("timed out waiting for broker")))
	})

	It("disconnects every client on close", func() {
		p := newPublisher()
		Expect(p.Publish(ctx, inject.Transport{Kind: inject.TransportMQTT, ClientID: "a"}, [][]byte{[]byte("x")})).To(Succeed())
		Expect(p.Publish(ctx, inject.Transport{Kind: inject.TransportMQTT, ClientID: "b"}, [][]byte{[]byte("y")})).To(Succeed())
		Expect(p.Close()).To(Succeed())
		Expect(clients[0].disconnects).To(Equal(1))
		Expect(clients[1].disconnects).To(Equal(1))
	})
})

var _ = Describe("MQTTPublisher against a broker", Label("integration"), func() {
	It("delivers payloads to a subscriber in order", func() {
		broker := os.Getenv("TEST_MQTT_BROKER")
		if broker == "" {
			Skip("TEST_MQTT_BROKER not set")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		topic := "streamcheck/test/" + uuid.NewString()

		var (
			mu       sync.Mutex
			received []string
		)
		subOpts := mqtt.NewClientOptions().AddBroker(broker).SetClientID("streamcheck-sub-" + uuid.NewString()[:8])
		sub := mqtt.NewClient(subOpts)
		Expect(sub.Connect().WaitTimeout(10 * time.Second)).To(BeTrue())
		defer sub.Disconnect(250)
		token := sub.Subscribe(topic, 1, func(_ mqtt.Client, m mqtt.Message) {
			mu.Lock()
			defer mu.Unlock()
			received = append(received, string(m.Payload()))
		})
		Expect(token.WaitTimeout(10 * time.Second)).To(BeTrue())
		Expect(token.Error()).NotTo(HaveOccurred())

		p := inject.NewMQTTPublisher(nil, zaptest.NewLogger(GinkgoT()).Sugar())
		defer p.Close()
		t := inject.Transport{Kind: inject.TransportMQTT, Address: broker, Topic: topic, QoS: 1}
		Expect(p.Publish(ctx, t, [][]byte{[]byte("1"), []byte("2"), []byte("3")})).To(Succeed())

		Eventually(func() []string {
			mu.Lock()
			defer mu.Unlock()
			return append([]string(nil), received...)
		}, 10*time.Second).Should(Equal([]string{"1", "2", "3"}))
	})
})

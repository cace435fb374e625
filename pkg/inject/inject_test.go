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
	"strings"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap/zaptest"

	"github.com/united-manufacturing-hub/streamcheck/pkg/admin"
	"github.com/united-manufacturing-hub/streamcheck/pkg/inject"
)

type recordingSender struct {
	mu     sync.Mutex
	events []admin.SimulatedEvent
	sentAt []time.Time
	failAt int
}

func (s *recordingSender) SendEvent(_ context.Context, ev admin.SimulatedEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAt > 0 && len(s.events)+1 == s.failAt {
		return errors.New("simulator rejected event")
	}
	s.events = append(s.events, ev)
	s.sentAt = append(s.sentAt, time.Now())
	return nil
}

type publishCall struct {
	transport inject.Transport
	payloads  [][]byte
}

type recordingPublisher struct {
	calls    []publishCall
	err      error
	closeErr error
	closed   bool
}

func (p *recordingPublisher) Publish(_ context.Context, t inject.Transport, payloads [][]byte) error {
	if p.err != nil {
		return p.err
	}
	p.calls = append(p.calls, publishCall{transport: t, payloads: payloads})
	return nil
}

func (p *recordingPublisher) Close() error {
	p.closed = true
	return p.closeErr
}

var _ = Describe("Injector", func() {
	var (
		ctx    context.Context
		cancel context.CancelFunc
		sender *recordingSender
		pub    *recordingPublisher
	)

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		sender = &recordingSender{}
		pub = &recordingPublisher{}
	})

	AfterEach(func() {
		cancel()
	})

	newInjector := func(opts ...inject.Option) *inject.Injector {
		opts = append([]inject.Option{
			inject.WithLogger(zaptest.NewLogger(GinkgoT()).Sugar()),
			inject.WithPublisher(inject.TransportMQTT, pub),
		}, opts...)
		return inject.New(sender, opts...)
	}

	events := []inject.Event{
		{StreamID: "Sensor.Stream:1.0.0", Values: []string{"001", "Temperature", "23.4545"}},
		{StreamID: "Sensor.Stream:1.0.0", Values: []string{"002", "Wind", "100.5"}},
		{StreamID: "Sensor.Stream:1.0.0", Values: []string{"003", "Humidity", "23.4545"}},
	}

	It("sends direct events in order", func() {
		inj := newInjector()
		Expect(inj.InjectAll(ctx, events)).To(Succeed())
		Expect(inj.Injected()).To(Equal(3))

		Expect(sender.events).To(HaveLen(3))
		for i, ev := range sender.events {
			Expect(ev.StreamID).To(Equal(events[i].StreamID))
			Expect(ev.AttributeValues).To(Equal(events[i].Values))
		}
	})

	It("spaces direct events by the configured interval", func() {
		inj := newInjector(inject.WithInterval(30 * time.Millisecond))
		Expect(inj.InjectAll(ctx, events)).To(Succeed())
		Expect(sender.sentAt[1].Sub(sender.sentAt[0])).To(BeNumerically(">=", 30*time.Millisecond))
		Expect(sender.sentAt[2].Sub(sender.sentAt[1])).To(BeNumerically(">=", 30*time.Millisecond))
	})

	It("stops at the first rejected event", func() {
		sender.failAt = 2
		inj := newInjector()
		err := inj.InjectAll(ctx, events)
		Expect(err).To(MatchError(ContainSubstring("simulator rejected event")))
		Expect(err).To(MatchError(ContainSubstring("Sensor.Stream:1.0.0")))
		Expect(inj.Injected()).To(Equal(1))
	})

	It("stops waiting between events when the context ends", func() {
		inj := newInjector(inject.WithInterval(time.Hour))
		shortCtx, shortCancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer shortCancel()
		Expect(inj.InjectAll(shortCtx, events)).To(MatchError(context.DeadlineExceeded))
		Expect(inj.Injected()).To(Equal(1))
	})

	It("fills transport defaults before publishing", func() {
		inj := newInjector()
		Expect(inj.InjectExternal(ctx, inject.Transport{Kind: inject.TransportMQTT}, []byte(`["001"]`))).To(Succeed())

		Expect(pub.calls).To(HaveLen(1))
		t := pub.calls[0].transport
		Expect(t.Address).To(Equal(inject.DefaultMQTTBroker))
		Expect(t.Topic).To(Equal(inject.DefaultMQTTTopic))
		Expect(t.ConnectTimeout).To(Equal(inject.DefaultConnectTimeout))
	})

	It("rejects transports without a registered publisher", func() {
		inj := newInjector()
		err := inj.InjectExternal(ctx, inject.Transport{Kind: inject.TransportKafka, Topic: "t"}, []byte("x"))
		Expect(err).To(MatchError(inject.ErrUnsupportedTransport))
		Expect(inj.Injected()).To(Equal(0))
	})

	It("does not count payloads that failed to publish", func() {
		pub.err = errors.New("broker unavailable")
		inj := newInjector()
		err := inj.InjectExternalBatch(ctx, inject.Transport{Kind: inject.TransportMQTT}, [][]byte{[]byte("a"), []byte("b")})
		Expect(err).To(MatchError(ContainSubstring("broker unavailable")))
		Expect(inj.Injected()).To(Equal(0))
	})

	It("publishes one payload per non-empty line", func() {
		inj := newInjector()
		input := "[\"001\",\"Temperature\",23.4545]\n\n  \n[\"002\",\"Wind\",100.5]\n"
		n, err := inj.InjectLines(ctx, inject.Transport{Kind: inject.TransportMQTT}, strings.NewReader(input))
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(2))
		Expect(pub.calls[0].payloads).To(Equal([][]byte{
			[]byte(`["001","Temperature",23.4545]`),
			[]byte(`["002","Wind",100.5]`),
		}))
		Expect(inj.Injected()).To(Equal(2))
	})

	It("closes every publisher and combines their errors", func() {
		other := &recordingPublisher{closeErr: errors.New("kafka close failed")}
		pub.closeErr = errors.New("mqtt close failed")
		inj := newInjector(inject.WithPublisher(inject.TransportKafka, other))

		err := inj.Close()
		Expect(err).To(MatchError(ContainSubstring("mqtt close failed")))
		Expect(err).To(MatchError(ContainSubstring("kafka close failed")))
		Expect(pub.closed).To(BeTrue())
		Expect(other.closed).To(BeTrue())
	})
})

var _ = Describe("Transport", func() {
	It("renders a readable address", func() {
		t := inject.Transport{Kind: inject.TransportMQTT}.WithDefaults()
		Expect(t.String()).To(Equal("mqtt://localhost:1883/sensordata"))
	})

	It("leaves the kafka topic to the caller", func() {
		t := inject.Transport{Kind: inject.TransportKafka}.WithDefaults()
		Expect(t.Address).To(Equal(inject.DefaultKafkaBroker))
		Expect(t.Topic).To(BeEmpty())
	})
})

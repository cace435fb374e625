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

package wire_output_plugin_test

import (
	"context"
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	_ "github.com/redpanda-data/benthos/v4/public/components/pure"
	"github.com/redpanda-data/benthos/v4/public/service"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/streamcheck/pkg/capture"
	"github.com/united-manufacturing-hub/streamcheck/pkg/wire"
	_ "github.com/united-manufacturing-hub/streamcheck/wire_output_plugin"
)

var _ = Describe("capture_wire output", func() {
	var (
		sink   *capture.Sink
		ctx    context.Context
		cancel context.CancelFunc
	)

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		var err error
		sink, err = capture.Start(ctx, capture.SinkConfig{
			BindAddress: "127.0.0.1",
			Port:        0,
			GracePeriod: time.Second,
			Logger:      zap.NewNop().Sugar(),
		})
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() {
			_ = sink.Stop(context.Background())
			cancel()
		})
	})

	startStream := func(outputYAML string) service.MessageHandlerFunc {
		builder := service.NewStreamBuilder()
		msgHandler, err := builder.AddProducerFunc()
		Expect(err).NotTo(HaveOccurred())
		Expect(builder.AddOutputYAML(outputYAML)).To(Succeed())

		stream, err := builder.Build()
		Expect(err).NotTo(HaveOccurred())
		go func() {
			_ = stream.Run(ctx)
		}()
		return msgHandler
	}

	It("maps structured fields onto typed record arrays", func() {
		send := startStream(fmt.Sprintf(`
capture_wire:
  address: %s
  stream_id: Sensor.Stream:1.0.0
  meta:
    - field: id
      type: int32
  payload:
    - field: sensorName
      type: string
    - field: value
      type: double
`, sink.Addr().String()))

		for i, name := range []string{"T", "W", "H"} {
			msg := service.NewMessage(nil)
			msg.SetStructured(map[string]any{"id": i + 1, "sensorName": name, "value": 20.5})
			msg.MetaSet("timestamp_ms", "1700000000000")
			Expect(send(ctx, msg)).To(Succeed())
		}

		Eventually(sink.Count, 5*time.Second).Should(Equal(3))
		recs := sink.Records()
		Expect(recs[0].StreamID).To(Equal("Sensor.Stream:1.0.0"))
		Expect(recs[0].Timestamp).To(Equal(int64(1700000000000)))
		Expect(recs[0].Meta).To(Equal([]wire.Value{wire.Int32(1)}))
		Expect(recs[2].Payload).To(Equal([]wire.Value{wire.String("H"), wire.Float64(20.5)}))
	})

	It("forwards JSON records and lets stream_id override the body", func() {
		send := startStream(fmt.Sprintf(`
capture_wire:
  address: %s
  stream_id: '${! meta("stream") }'
`, sink.Addr().String()))

		msg := service.NewMessage([]byte(`{"streamId":"Ignored.Stream:1.0.0","timestamp":5,"payloadData":[{"type":"int64","value":4354643}]}`))
		msg.MetaSet("stream", "Length.Stream:2.1.0")
		Expect(send(ctx, msg)).To(Succeed())

		Eventually(sink.Count, 5*time.Second).Should(Equal(1))
		rec := sink.Records()[0]
		Expect(rec.StreamID).To(Equal("Length.Stream:2.1.0"))
		Expect(rec.Timestamp).To(Equal(int64(5)))
		Expect(rec.Payload).To(Equal([]wire.Value{wire.Int64(4354643)}))
	})

	It("refuses messages whose fields do not coerce", func() {
		send := startStream(fmt.Sprintf(`
capture_wire:
  address: %s
  stream_id: Sensor.Stream:1.0.0
  payload:
    - field: value
      type: int32
`, sink.Addr().String()))

		shortCtx, shortCancel := context.WithTimeout(ctx, 500*time.Millisecond)
		defer shortCancel()
		msg := service.NewMessage([]byte(`{"value":"not a number"}`))
		Expect(send(shortCtx, msg)).NotTo(Succeed())
		Consistently(sink.Count, 200*time.Millisecond).Should(BeZero())
	})
})

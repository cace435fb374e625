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

package wire_output_plugin

import (
	"context"
	"io"
	"net"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redpanda-data/benthos/v4/public/service"

	"github.com/united-manufacturing-hub/streamcheck/pkg/wire"
)

var _ = Describe("capture_wire WriteBatch", func() {
	var (
		out  *wireOutput
		peer net.Conn
		ctx  context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		conf, err := outputConfig().ParseYAML(`
stream_id: Sensor.Reading:1.0.0
payload:
  - field: name
    type: string
`, nil)
		Expect(err).NotTo(HaveOccurred())
		c, err := parseConfig(conf)
		Expect(err).NotTo(HaveOccurred())

		var local net.Conn
		local, peer = net.Pipe()
		go func() {
			_, _ = io.Copy(io.Discard, peer)
		}()
		pub := wire.NewPublisher("pipe", wire.WithDialFunc(func(context.Context, string, string) (net.Conn, error) {
			return local, nil
		}))
		out = newWireOutputWithPublisher(c, pub, service.MockResources().Logger())
		Expect(out.Connect(ctx)).To(Succeed())
		DeferCleanup(func() {
			_ = out.Close(ctx)
			_ = peer.Close()
		})
	})

	structured := func(name string) service.MessageBatch {
		msg := service.NewMessage(nil)
		msg.SetStructured(map[string]any{"name": name})
		return service.MessageBatch{msg}
	}

	It("returns encode failures as is and keeps the connection", func() {
		err := out.WriteBatch(ctx, structured("\xff"))
		Expect(err).To(MatchError(ContainSubstring("UTF-8")))
		Expect(err).NotTo(MatchError(service.ErrNotConnected))
		Expect(out.publisher.Connected()).To(BeTrue())

		Expect(out.WriteBatch(ctx, structured("Temperature"))).To(Succeed())
	})

	It("asks for a reconnect once a write fails", func() {
		Expect(peer.Close()).To(Succeed())
		Expect(out.WriteBatch(ctx, structured("Temperature"))).To(MatchError(service.ErrNotConnected))
		Expect(out.publisher.Connected()).To(BeFalse())
	})
})

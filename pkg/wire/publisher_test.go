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

package wire_test

import (
	"context"
	"io"
	"net"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap/zaptest"

	"github.com/united-manufacturing-hub/streamcheck/pkg/wire"
)

var _ = Describe("Publisher", func() {
	var (
		client, server net.Conn
		pub            *wire.Publisher
		ctx            context.Context
		cancel         context.CancelFunc
	)

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		client, server = net.Pipe()
		dial := func(context.Context, string, string) (net.Conn, error) { return client, nil }
		pub = wire.NewPublisher("sink:7661",
			wire.WithDialFunc(dial),
			wire.WithWriteTimeout(time.Second),
			wire.WithLogger(zaptest.NewLogger(GinkgoT()).Sugar()),
		)
	})

	AfterEach(func() {
		_ = pub.Close()
		_ = server.Close()
		cancel()
	})

	It("refuses to publish before connecting", func() {
		Expect(pub.Publish(ctx, wire.Record{StreamID: "s:1.0.0"})).To(MatchError(wire.ErrNotConnected))
	})

	It("writes the records as consecutive frames in order", func() {
		Expect(pub.Connect(ctx)).To(Succeed())
		Expect(pub.Connected()).To(BeTrue())

		recs := []wire.Record{
			{StreamID: "s:1.0.0", Payload: []wire.Value{wire.String("T")}},
			{StreamID: "s:1.0.0", Payload: []wire.Value{wire.String("W")}},
			{StreamID: "s:1.0.0", Payload: []wire.Value{wire.String("H")}},
		}
		want, err := wire.EncodeFrame(recs[0])
		Expect(err).NotTo(HaveOccurred())
		for _, r := range recs[1:] {
			want, err = wire.AppendFrame(want, r)
			Expect(err).NotTo(HaveOccurred())
		}

		received := make(chan []byte, 1)
		go func() {
			defer GinkgoRecover()
			buf := make([]byte, len(want))
			_, err := io.ReadFull(server, buf)
			Expect(err).NotTo(HaveOccurred())
			received <- buf
		}()

		Expect(pub.Publish(ctx, recs...)).To(Succeed())
		Eventually(received).Should(Receive(Equal(want)))
	})

	It("drops the connection after a failed write", func() {
		Expect(pub.Connect(ctx)).To(Succeed())
		Expect(server.Close()).To(Succeed())

		Expect(pub.Publish(ctx, wire.Record{StreamID: "s:1.0.0"})).NotTo(Succeed())
		Expect(pub.Connected()).To(BeFalse())
		Expect(pub.Publish(ctx, wire.Record{StreamID: "s:1.0.0"})).To(MatchError(wire.ErrNotConnected))
	})
})

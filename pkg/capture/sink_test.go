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

package capture_test

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap/zaptest"

	"github.com/united-manufacturing-hub/streamcheck/pkg/capture"
	"github.com/united-manufacturing-hub/streamcheck/pkg/wire"
)

func mustFrame(rec wire.Record) []byte {
	buf, err := wire.EncodeFrame(rec)
	Expect(err).NotTo(HaveOccurred())
	return buf
}

var _ = Describe("Sink", func() {
	var (
		ctx    context.Context
		cancel context.CancelFunc
		ln     *capture.PipeListener
		sink   *capture.Sink
		cfg    capture.SinkConfig
	)

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		ln = capture.NewPipeListener()
		cfg = capture.SinkConfig{
			GracePeriod: time.Second,
			Logger:      zaptest.NewLogger(GinkgoT()).Sugar(),
		}
	})

	JustBeforeEach(func() {
		var err error
		sink, err = capture.StartWithListener(ctx, ln, cfg)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		_ = sink.Stop(context.Background())
		cancel()
	})

	publisher := func() *wire.Publisher {
		p := wire.NewPublisher("pipe", wire.WithDialFunc(ln.DialContext))
		Expect(p.Connect(ctx)).To(Succeed())
		DeferCleanup(p.Close)
		return p
	}

	DescribeTable("captures exactly the published records",
		func(n int) {
			p := publisher()
			var want []wire.Record
			for i := 0; i < n; i++ {
				rec := record(fmt.Sprintf("event-%d", i))
				want = append(want, rec)
				Expect(p.Publish(ctx, rec)).To(Succeed())
			}

			Eventually(sink.Count).Should(Equal(n))
			Consistently(sink.Count, 100*time.Millisecond).Should(Equal(n))
			Expect(sink.Records()).To(Equal(want))
		},
		Entry("one record", 1),
		Entry("three records", 3),
		Entry("ten records", 10),
	)

	It("reassembles frames delivered one byte at a time", func() {
		conn, err := ln.Dial(ctx)
		Expect(err).NotTo(HaveOccurred())
		defer conn.Close()

		buf := append(mustFrame(record("T")), mustFrame(record("W"))...)
		for i := range buf {
			_, err := conn.Write(buf[i : i+1])
			Expect(err).NotTo(HaveOccurred())
			if i < len(buf)/2-1 {
				Expect(sink.Count()).To(BeZero())
			}
		}

		Eventually(sink.Count).Should(Equal(2))
		Expect(sink.Records()).To(Equal([]wire.Record{record("T"), record("W")}))
		Expect(sink.DecodeErrors()).To(BeZero())
	})

	It("keeps per-connection order across concurrent publishers", func() {
		const publishers, perPublisher = 5, 20
		var wg sync.WaitGroup
		for c := 0; c < publishers; c++ {
			p := publisher()
			wg.Add(1)
			go func(c int) {
				defer GinkgoRecover()
				defer wg.Done()
				for i := 0; i < perPublisher; i++ {
					rec := wire.Record{
						StreamID: "Sensor.Stream:1.0.0",
						Meta:     []wire.Value{wire.Int32(int32(c))},
						Payload:  []wire.Value{wire.Int32(int32(i))},
					}
					Expect(p.Publish(ctx, rec)).To(Succeed())
				}
			}(c)
		}
		wg.Wait()

		Eventually(sink.Count).Should(Equal(publishers * perPublisher))

		snap := sink.Snapshot()
		for i := 1; i < len(snap); i++ {
			Expect(snap[i].Seq).To(BeNumerically(">", snap[i-1].Seq))
		}
		groups := sink.Log().ByConnection()
		Expect(groups).To(HaveLen(publishers))
		for _, entries := range groups {
			Expect(entries).To(HaveLen(perPublisher))
			for i, e := range entries {
				Expect(e.Record.Payload[0]).To(Equal(wire.Int32(int32(i))))
				Expect(e.Record.Meta).To(Equal(entries[0].Record.Meta))
			}
		}
	})

	It("drops a malformed frame and continues with the next one", func() {
		conn, err := ln.Dial(ctx)
		Expect(err).NotTo(HaveOccurred())
		defer conn.Close()

		bad := binary.BigEndian.AppendUint32(nil, 3)
		bad = append(bad, 0xde, 0xad, 0xbf)

		_, err = conn.Write(append(append(mustFrame(record("T")), bad...), mustFrame(record("W"))...))
		Expect(err).NotTo(HaveOccurred())

		Eventually(sink.Count).Should(Equal(2))
		Expect(sink.Records()).To(Equal([]wire.Record{record("T"), record("W")}))
		Expect(sink.DecodeErrors()).To(Equal(1))
	})

	It("closes only the offending connection on an invalid length prefix", func() {
		healthy := publisher()

		conn, err := ln.Dial(ctx)
		Expect(err).NotTo(HaveOccurred())
		defer conn.Close()

		_, err = conn.Write(append(mustFrame(record("T")), 0xff, 0xff, 0xff, 0xff))
		Expect(err).NotTo(HaveOccurred())

		_, err = conn.Read(make([]byte, 1))
		Expect(err).To(MatchError(io.EOF))
		Expect(sink.DecodeErrors()).To(Equal(1))

		Expect(healthy.Publish(ctx, record("W"))).To(Succeed())
		Eventually(sink.Count).Should(Equal(2))
	})

	It("counts a frame cut short by the publisher", func() {
		conn, err := ln.Dial(ctx)
		Expect(err).NotTo(HaveOccurred())

		frame := mustFrame(record("T"))
		_, err = conn.Write(frame[:len(frame)-2])
		Expect(err).NotTo(HaveOccurred())
		Expect(conn.Close()).To(Succeed())

		Eventually(sink.DecodeErrors).Should(Equal(1))
		Expect(sink.Count()).To(BeZero())
	})

	Context("when stopping", func() {
		It("stops with no connection ever accepted and is idempotent", func() {
			Expect(sink.Stop(ctx)).To(Succeed())
			Expect(sink.Stop(ctx)).To(Succeed())
			Expect(sink.Log().Frozen()).To(BeTrue())

			_, err := ln.Dial(ctx)
			Expect(err).To(MatchError(capture.ErrListenerClosed))
		})

		It("closes open connections and keeps what was captured", func() {
			p := publisher()
			Expect(p.Publish(ctx, record("T"))).To(Succeed())
			Eventually(sink.Count).Should(Equal(1))

			Expect(sink.Stop(ctx)).To(Succeed())
			Expect(sink.Count()).To(Equal(1))
			Expect(p.Publish(ctx, record("W"))).NotTo(Succeed())
			Expect(sink.Count()).To(Equal(1))
		})

		It("stops when its context is cancelled", func() {
			cancel()
			Eventually(sink.Log().Frozen).Should(BeTrue())
		})
	})

	Context("with a handler stuck in a callback", func() {
		release := make(chan struct{})

		BeforeEach(func() {
			release = make(chan struct{})
			cfg.GracePeriod = 50 * time.Millisecond
			cfg.OnEntry = func(capture.Entry) { <-release }
		})

		It("gives up after the grace period", func() {
			p := publisher()
			Expect(p.Publish(ctx, record("T"))).To(Succeed())
			Eventually(sink.Count).Should(Equal(1))

			err := sink.Stop(ctx)
			Expect(err).To(MatchError(capture.ErrStopTimeout))
			close(release)
		})
	})
})

var _ = Describe("TCP sink", func() {
	It("captures records from a TCP publisher", func(ctx SpecContext) {
		sink, err := capture.Start(ctx, capture.SinkConfig{
			BindAddress: "127.0.0.1",
			Port:        0,
			Logger:      zaptest.NewLogger(GinkgoT()).Sugar(),
		})
		Expect(err).NotTo(HaveOccurred())
		defer sink.Stop(context.Background())

		p := wire.NewPublisher(sink.Addr().String())
		Expect(p.Connect(ctx)).To(Succeed())
		defer p.Close()
		Expect(p.Publish(ctx, record("T"), record("W"), record("H"))).To(Succeed())

		Eventually(sink.Count).Should(Equal(3))
		Expect(sink.Records()).To(Equal([]wire.Record{record("T"), record("W"), record("H")}))
	}, SpecTimeout(10*time.Second))

	It("reports a bind failure", func(ctx SpecContext) {
		taken, err := net.Listen("tcp", "127.0.0.1:0")
		Expect(err).NotTo(HaveOccurred())
		defer taken.Close()

		port := taken.Addr().(*net.TCPAddr).Port
		_, err = capture.Start(ctx, capture.SinkConfig{BindAddress: "127.0.0.1", Port: port})
		var bindErr *capture.BindError
		Expect(errors.As(err, &bindErr)).To(BeTrue())
		Expect(bindErr.Address).To(Equal(fmt.Sprintf("127.0.0.1:%d", port)))
	}, SpecTimeout(10*time.Second))
})

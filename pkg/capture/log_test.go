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
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/streamcheck/pkg/capture"
	"github.com/united-manufacturing-hub/streamcheck/pkg/wire"
)

func record(payload string) wire.Record {
	return wire.Record{StreamID: "Sensor.Stream:1.0.0", Payload: []wire.Value{wire.String(payload)}}
}

var _ = Describe("Log", func() {
	var log *capture.Log

	BeforeEach(func() {
		log = capture.NewLog()
	})

	It("assigns sequence numbers starting at one", func() {
		now := time.Now()
		first, err := log.Append("a", record("T"), now)
		Expect(err).NotTo(HaveOccurred())
		second, err := log.Append("b", record("W"), now)
		Expect(err).NotTo(HaveOccurred())

		Expect(first.Seq).To(Equal(uint64(1)))
		Expect(second.Seq).To(Equal(uint64(2)))
		Expect(log.Len()).To(Equal(2))
		Expect(log.Records()).To(Equal([]wire.Record{record("T"), record("W")}))
	})

	It("hands out copies", func() {
		_, _ = log.Append("a", record("T"), time.Now())
		snap := log.Snapshot()
		snap[0].ConnID = "changed"
		Expect(log.Snapshot()[0].ConnID).To(Equal("a"))
	})

	It("groups entries per connection in append order", func() {
		for _, p := range []string{"1", "2", "3"} {
			_, _ = log.Append("a", record("a"+p), time.Now())
			_, _ = log.Append("b", record("b"+p), time.Now())
		}
		groups := log.ByConnection()
		Expect(groups).To(HaveLen(2))
		Expect(groups["a"]).To(HaveLen(3))
		Expect(groups["a"][2].Record).To(Equal(record("a3")))
		Expect(groups["b"][0].Record).To(Equal(record("b1")))
	})

	It("rejects appends once frozen", func() {
		log.Freeze()
		Expect(log.Frozen()).To(BeTrue())
		_, err := log.Append("a", record("T"), time.Now())
		Expect(err).To(MatchError(capture.ErrLogFrozen))
		Expect(log.Len()).To(BeZero())
	})

	It("keeps count and snapshot consistent under concurrent appends", func() {
		var wg sync.WaitGroup
		for w := 0; w < 8; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 100; i++ {
					_, _ = log.Append("c", record("x"), time.Now())
				}
			}()
		}
		wg.Wait()

		snap := log.Snapshot()
		Expect(snap).To(HaveLen(800))
		Expect(log.Len()).To(Equal(800))
		for i := range snap {
			Expect(snap[i].Seq).To(Equal(uint64(i + 1)))
		}
	})
})

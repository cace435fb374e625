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
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/streamcheck/pkg/wire"
)

var _ = Describe("capture_wire config", func() {
	It("applies defaults", func() {
		conf, err := outputConfig().ParseYAML(`{}`, nil)
		Expect(err).NotTo(HaveOccurred())
		c, err := parseConfig(conf)
		Expect(err).NotTo(HaveOccurred())
		Expect(c.address).To(Equal(defaultAddress))
		Expect(c.streamID).To(BeNil())
		Expect(c.mapped()).To(BeFalse())
		Expect(c.dialTimeout).To(Equal(5 * time.Second))
	})

	It("parses field mappings with type aliases", func() {
		conf, err := outputConfig().ParseYAML(`
stream_id: Sensor.Reading:1.0.0
correlation:
  - field: x
    type: double
  - field: ok
    type: boolean
`, nil)
		Expect(err).NotTo(HaveOccurred())
		c, err := parseConfig(conf)
		Expect(err).NotTo(HaveOccurred())
		Expect(c.correlation).To(Equal([]fieldMapping{
			{field: "x", kind: wire.KindFloat64},
			{field: "ok", kind: wire.KindBool},
		}))
	})

	It("requires a stream_id once fields are mapped", func() {
		conf, err := outputConfig().ParseYAML(`
payload:
  - field: value
    type: double
`, nil)
		Expect(err).NotTo(HaveOccurred())
		_, err = parseConfig(conf)
		Expect(err).To(MatchError(ContainSubstring("stream_id is required")))
	})

	It("rejects unknown wire types", func() {
		conf, err := outputConfig().ParseYAML(`
stream_id: Sensor.Reading:1.0.0
meta:
  - field: id
    type: decimal
`, nil)
		Expect(err).NotTo(HaveOccurred())
		_, err = parseConfig(conf)
		Expect(err).To(MatchError(ContainSubstring("meta[0]")))
	})
})

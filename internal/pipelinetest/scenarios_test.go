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

package pipelinetest_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/streamcheck/internal/pipelinetest"
	"github.com/united-manufacturing-hub/streamcheck/pkg/scenario"
)

var _ = Describe("SelfTestScenarios", func() {
	It("are valid and uniquely named", func() {
		seen := map[string]bool{}
		for _, sc := range pipelinetest.SelfTestScenarios() {
			Expect(sc.Validate()).To(Succeed(), sc.Name)
			Expect(seen).NotTo(HaveKey(sc.Name))
			seen[sc.Name] = true
		}
	})

	It("include a restart with unordered verification", func() {
		var durable []scenario.Scenario
		for _, sc := range pipelinetest.SelfTestScenarios() {
			if sc.Durable() {
				durable = append(durable, sc)
			}
		}
		Expect(durable).To(HaveLen(1))
		Expect(durable[0].Unordered).To(BeTrue())
		Expect(durable[0].ExpectedCount()).To(Equal(6))
	})
})

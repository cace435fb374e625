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

package pipelinetest

import (
	"fmt"

	"github.com/united-manufacturing-hub/streamcheck/pkg/admin"
	"github.com/united-manufacturing-hub/streamcheck/pkg/driver"
	"github.com/united-manufacturing-hub/streamcheck/pkg/inject"
	"github.com/united-manufacturing-hub/streamcheck/pkg/scenario"
	"github.com/united-manufacturing-hub/streamcheck/pkg/wire"
)

// SelfTestTopic is the receiver topic used by the built-in scenarios.
const SelfTestTopic = "sensordata"

type reading struct {
	id    string
	name  string
	value float64
}

var readings = []reading{
	{"001", "Temperature", 23.4545},
	{"002", "Wind", 100.5},
	{"003", "Humidity", 23.4545},
	{"004", "Pressure", 1013.2},
	{"005", "Flow", 3.2},
	{"006", "Level", 0.7},
}

func (r reading) event() inject.Event {
	return inject.Event{StreamID: SensorStreamID, Values: []string{r.id, r.name, fmt.Sprint(r.value)}}
}

func (r reading) payload() []byte {
	return []byte(fmt.Sprintf(`[%q,%q,%v]`, r.id, r.name, r.value))
}

func payloads(rs []reading) [][]byte {
	out := make([][]byte, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.payload())
	}
	return out
}

func lengths(rs []reading) []wire.Record {
	out := make([]wire.Record, 0, len(rs))
	for _, r := range rs {
		out = append(out, wire.Record{StreamID: LengthStreamID, Payload: []wire.Value{wire.Int32(int32(len(r.name)))}})
	}
	return out
}

func lengthArtifacts() []driver.Artifact {
	return []driver.Artifact{
		{Kind: admin.KindStream, Name: SensorStreamID, Body: SensorStream()},
		{Kind: admin.KindStream, Name: LengthStreamID, Body: LengthStream()},
		{Kind: admin.KindReceiver, Name: "queue", Body: ReceiverBody("queue", SensorStreamID, SelfTestTopic, true)},
		{Kind: admin.KindProcessor, Name: "length", Body: ProcessorBody("length", SensorStreamID, LengthStreamID, "length", 1, 0)},
		{Kind: admin.KindPublisher, Name: "wire", Body: PublisherBody("wire", LengthStreamID, scenario.PlaceholderSinkAddress)},
	}
}

// SelfTestScenarios exercises direct injection, external injection and a
// restart against a Server. External batches use the queue transport.
func SelfTestScenarios() []scenario.Scenario {
	queue := inject.Transport{Kind: TransportQueue, Topic: SelfTestTopic}

	var events []inject.Event
	var initials []wire.Record
	for _, r := range readings[:3] {
		events = append(events, r.event())
		initials = append(initials, wire.Record{StreamID: InitialStreamID, Payload: []wire.Value{wire.String(r.name[:1])}})
	}

	return []scenario.Scenario{
		{
			Name: "selftest-initials",
			Artifacts: []driver.Artifact{
				{Kind: admin.KindStream, Name: SensorStreamID, Body: SensorStream()},
				{Kind: admin.KindStream, Name: InitialStreamID, Body: InitialStream()},
				{Kind: admin.KindProcessor, Name: "initial", Body: ProcessorBody("initial", SensorStreamID, InitialStreamID, "charAt", 1, 0)},
				{Kind: admin.KindPublisher, Name: "wire", Body: PublisherBody("wire", InitialStreamID, scenario.PlaceholderSinkAddress)},
			},
			Batches:  []scenario.Batch{{Events: events}},
			Expected: initials,
		},
		{
			Name:      "selftest-external",
			Artifacts: lengthArtifacts(),
			Batches: []scenario.Batch{
				{External: &scenario.ExternalBatch{Transport: queue, Payloads: payloads(readings)}},
			},
			Expected: lengths(readings),
		},
		{
			Name:      "selftest-restart",
			Artifacts: lengthArtifacts(),
			Batches: []scenario.Batch{
				{External: &scenario.ExternalBatch{Transport: queue, Payloads: payloads(readings[:3])}},
				{RestartBefore: true, External: &scenario.ExternalBatch{Transport: queue, Payloads: payloads(readings[3:])}},
			},
			Expected:  lengths(readings),
			Unordered: true,
		},
	}
}

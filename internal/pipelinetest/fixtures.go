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
	"gopkg.in/yaml.v3"
)

// Stream identifiers used by the built-in fixtures.
const (
	SensorStreamID  = "Sensor.Stream:1.0.0"
	InitialStreamID = "Sensor.Initial:1.0.0"
	LengthStreamID  = "Sensor.NameLength:1.0.0"
)

func mustYAML(v any) string {
	out, err := yaml.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(out)
}

// StreamBody renders a stream definition.
func StreamBody(name, version string, meta, correlation, payload []Attribute) string {
	return mustYAML(StreamDef{Name: name, Version: version, Meta: meta, Correlation: correlation, Payload: payload})
}

// SensorStream carries {id, sensorName, value}: id as meta, the rest as payload.
func SensorStream() string {
	return StreamBody("Sensor.Stream", "1.0.0",
		[]Attribute{{Name: "id", Type: "string"}},
		nil,
		[]Attribute{{Name: "sensorName", Type: "string"}, {Name: "value", Type: "double"}},
	)
}

// InitialStream carries one string.
func InitialStream() string {
	return StreamBody("Sensor.Initial", "1.0.0", nil, nil, []Attribute{{Name: "initial", Type: "string"}})
}

// LengthStream carries one int.
func LengthStream() string {
	return StreamBody("Sensor.NameLength", "1.0.0", nil, nil, []Attribute{{Name: "length", Type: "int"}})
}

// ProcessorBody renders a processor definition.
func ProcessorBody(name, from, to, function string, attribute, position int) string {
	return mustYAML(ProcessorDef{Name: name, From: from, To: to, Function: function, Attribute: attribute, Position: position})
}

// PublisherBody renders a wire publisher pointing at a capture sink.
func PublisherBody(name, stream, address string) string {
	return mustYAML(PublisherDef{Name: name, Stream: stream, Address: address})
}

// ReceiverBody renders a receiver subscribed to topic.
func ReceiverBody(name, stream, topic string, persistent bool) string {
	return mustYAML(ReceiverDef{Name: name, Stream: stream, Topic: topic, Persistent: persistent})
}

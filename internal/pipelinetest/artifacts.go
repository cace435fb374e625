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
	"bytes"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"github.com/united-manufacturing-hub/streamcheck/pkg/admin"
	"github.com/united-manufacturing-hub/streamcheck/pkg/wire"
)

// Attribute is one typed field of a stream definition.
type Attribute struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

// StreamDef declares a stream and its attribute layout.
type StreamDef struct {
	Name        string      `yaml:"name"`
	Version     string      `yaml:"version"`
	Meta        []Attribute `yaml:"metaData"`
	Correlation []Attribute `yaml:"correlationData"`
	Payload     []Attribute `yaml:"payloadData"`

	kinds [3][]wire.Kind
}

// ID is the stream identifier name:version.
func (s *StreamDef) ID() string {
	return s.Name + ":" + s.Version
}

func (s *StreamDef) compile() error {
	if _, err := wire.ParseStreamID(s.ID()); err != nil {
		return err
	}
	for i, attrs := range [][]Attribute{s.Meta, s.Correlation, s.Payload} {
		s.kinds[i] = make([]wire.Kind, len(attrs))
		for j, a := range attrs {
			k, err := wire.ParseKind(a.Type)
			if err != nil {
				return fmt.Errorf("attribute %s: %w", a.Name, err)
			}
			s.kinds[i][j] = k
		}
	}
	return nil
}

func (s *StreamDef) arity() int {
	return len(s.kinds[0]) + len(s.kinds[1]) + len(s.kinds[2])
}

// Record converts flattened attribute values (meta, then correlation, then
// payload) into a record of this stream.
func (s *StreamDef) Record(values []string, ts int64) (wire.Record, error) {
	if len(values) != s.arity() {
		return wire.Record{}, fmt.Errorf("stream %s expects %d attribute values, got %d", s.ID(), s.arity(), len(values))
	}
	rec := wire.Record{StreamID: s.ID(), Timestamp: ts}
	arrays := [3]*[]wire.Value{&rec.Meta, &rec.Correlation, &rec.Payload}
	i := 0
	for section, kinds := range s.kinds {
		for _, k := range kinds {
			v, err := wire.Coerce(k, values[i])
			if err != nil {
				return wire.Record{}, fmt.Errorf("attribute %d of %s: %w", i, s.ID(), err)
			}
			*arrays[section] = append(*arrays[section], v)
			i++
		}
	}
	return rec, nil
}

// ReceiverDef subscribes a stream to an external topic. Payloads are JSON
// arrays of attribute values.
type ReceiverDef struct {
	Name   string `yaml:"name"`
	Stream string `yaml:"stream"`
	Topic  string `yaml:"topic"`
	// Persistent receivers keep messages published while the server is down.
	Persistent bool `yaml:"persistent"`
}

// ProcessorDef derives a record on stream To from each record on stream From.
type ProcessorDef struct {
	Name      string `yaml:"name"`
	From      string `yaml:"from"`
	To        string `yaml:"to"`
	Function  string `yaml:"function"`
	Attribute int    `yaml:"attribute"`
	Position  int    `yaml:"position"`
}

// PublisherDef forwards every record of Stream to a capture sink.
type PublisherDef struct {
	Name    string `yaml:"name"`
	Stream  string `yaml:"stream"`
	Address string `yaml:"address"`
}

type named struct {
	Name string `yaml:"name"`
}

// parseArtifact validates body and returns the name it is registered under.
func parseArtifact(kind admin.Kind, body string) (string, any, error) {
	var n named
	if err := yaml.Unmarshal([]byte(body), &n); err != nil {
		return "", nil, fmt.Errorf("invalid %s definition: %w", kind, err)
	}
	if n.Name == "" {
		return "", nil, fmt.Errorf("%s definition has no name", kind)
	}

	switch kind {
	case admin.KindStream:
		var def StreamDef
		if err := yaml.Unmarshal([]byte(body), &def); err != nil {
			return "", nil, err
		}
		if err := def.compile(); err != nil {
			return "", nil, err
		}
		return def.ID(), &def, nil
	case admin.KindReceiver:
		var def ReceiverDef
		if err := yaml.Unmarshal([]byte(body), &def); err != nil {
			return "", nil, err
		}
		if def.Stream == "" || def.Topic == "" {
			return "", nil, errors.New("receiver needs stream and topic")
		}
		return def.Name, &def, nil
	case admin.KindProcessor:
		var def ProcessorDef
		if err := yaml.Unmarshal([]byte(body), &def); err != nil {
			return "", nil, err
		}
		if !knownFunctions[strings.ToLower(def.Function)] {
			return "", nil, fmt.Errorf("%w %q", errUnknownFunction, def.Function)
		}
		if def.From == "" || def.To == "" {
			return "", nil, errors.New("processor needs from and to streams")
		}
		return def.Name, &def, nil
	case admin.KindPublisher:
		var def PublisherDef
		if err := yaml.Unmarshal([]byte(body), &def); err != nil {
			return "", nil, err
		}
		if def.Stream == "" || def.Address == "" {
			return "", nil, errors.New("publisher needs stream and address")
		}
		return def.Name, &def, nil
	}
	return "", nil, fmt.Errorf("unknown kind %q", kind)
}

var (
	errUnknownFunction = errors.New("unknown processor function")
	knownFunctions     = map[string]bool{"charat": true, "length": true, "upper": true}
)

func flatten(rec wire.Record) []wire.Value {
	out := make([]wire.Value, 0, len(rec.Meta)+len(rec.Correlation)+len(rec.Payload))
	out = append(out, rec.Meta...)
	out = append(out, rec.Correlation...)
	return append(out, rec.Payload...)
}

// apply computes the output value of the processor for rec.
func (p *ProcessorDef) apply(rec wire.Record) (wire.Value, error) {
	attr := func() (string, error) {
		vals := flatten(rec)
		if p.Attribute < 0 || p.Attribute >= len(vals) {
			return "", fmt.Errorf("attribute index %d out of range", p.Attribute)
		}
		v := vals[p.Attribute]
		if v.Kind == wire.KindString {
			return v.Str, nil
		}
		return v.String(), nil
	}

	switch strings.ToLower(p.Function) {
	case "charat":
		s, err := attr()
		if err != nil {
			return wire.Value{}, err
		}
		r := []rune(s)
		if p.Position < 0 || p.Position >= len(r) {
			return wire.Value{}, fmt.Errorf("position %d out of range for %q", p.Position, s)
		}
		return wire.String(string(r[p.Position])), nil
	case "length":
		s, err := attr()
		if err != nil {
			return wire.Value{}, err
		}
		return wire.Int32(int32(utf8.RuneCountInString(s))), nil
	case "upper":
		s, err := attr()
		if err != nil {
			return wire.Value{}, err
		}
		return wire.String(strings.ToUpper(s)), nil
	}
	return wire.Value{}, fmt.Errorf("%w %q", errUnknownFunction, p.Function)
}

// decodePayload parses a receiver message.
func decodePayload(payload []byte) ([]string, error) {
	var raw []any
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("payload is not a JSON array: %w", err)
	}
	out := make([]string, len(raw))
	for i, v := range raw {
		switch t := v.(type) {
		case string:
			out[i] = t
		default:
			out[i] = fmt.Sprint(t)
		}
	}
	return out, nil
}

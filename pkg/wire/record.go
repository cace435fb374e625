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

package wire

import (
	"fmt"
	"strings"

	"github.com/blang/semver/v4"
)

// Record is one event as published by the pipeline-under-test.
type Record struct {
	StreamID    string  `json:"streamId"`
	Timestamp   int64   `json:"timestamp"`
	Meta        []Value `json:"metaData,omitempty"`
	Correlation []Value `json:"correlationData,omitempty"`
	Payload     []Value `json:"payloadData,omitempty"`
}

// Equal compares two records field by field, ignoring Timestamp.
// A nil attribute array equals an empty one.
func (r Record) Equal(o Record) bool {
	return r.StreamID == o.StreamID &&
		valuesEqual(r.Meta, o.Meta) &&
		valuesEqual(r.Correlation, o.Correlation) &&
		valuesEqual(r.Payload, o.Payload)
}

// WithoutTimestamp returns a copy with Timestamp cleared.
func (r Record) WithoutTimestamp() Record {
	r.Timestamp = 0
	return r
}

// Key is a canonical rendering of everything Equal looks at. Records that
// are Equal share a Key.
func (r Record) Key() string {
	var b strings.Builder
	b.WriteString(r.StreamID)
	for _, arr := range [][]Value{r.Meta, r.Correlation, r.Payload} {
		b.WriteByte('|')
		for i, v := range arr {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(v.Kind.String())
			b.WriteByte(':')
			b.WriteString(v.String())
		}
	}
	return b.String()
}

func (r Record) String() string {
	return fmt.Sprintf("{stream=%s ts=%d meta=%v correlation=%v payload=%v}",
		r.StreamID, r.Timestamp, r.Meta, r.Correlation, r.Payload)
}

func valuesEqual(a, b []Value) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// StreamID identifies a stream definition as <qualifiedName>:<major>.<minor>.<patch>.
type StreamID struct {
	Name    string
	Version semver.Version
}

// ParseStreamID validates and splits a stream identifier.
func ParseStreamID(s string) (StreamID, error) {
	idx := strings.LastIndexByte(s, ':')
	if idx <= 0 || idx == len(s)-1 {
		return StreamID{}, fmt.Errorf("stream identifier %q is not of the form name:version", s)
	}
	v, err := semver.Parse(s[idx+1:])
	if err != nil {
		return StreamID{}, fmt.Errorf("stream identifier %q has an invalid version: %w", s, err)
	}
	if len(v.Pre) > 0 || len(v.Build) > 0 {
		return StreamID{}, fmt.Errorf("stream identifier %q must use a plain major.minor.patch version", s)
	}
	return StreamID{Name: s[:idx], Version: v}, nil
}

func (id StreamID) String() string {
	return id.Name + ":" + id.Version.String()
}

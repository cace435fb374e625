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

package capture

import (
	"errors"
	"sync"
	"time"

	"github.com/united-manufacturing-hub/streamcheck/pkg/wire"
)

// ErrLogFrozen is returned when appending to a log whose sink has stopped.
var ErrLogFrozen = errors.New("capture: log is frozen")

// Entry is one captured record together with the bookkeeping the sink adds.
type Entry struct {
	// Seq starts at 1 and strictly increases across all connections.
	Seq        uint64      `json:"seq"`
	ConnID     string      `json:"connId"`
	ReceivedAt time.Time   `json:"receivedAt"`
	Record     wire.Record `json:"record"`
}

// Log is the ordered, append-only accumulation of captured records.
// Within one connection, entries appear in decode order.
type Log struct {
	mu      sync.RWMutex
	entries []Entry
	nextSeq uint64
	frozen  bool
}

// NewLog returns an empty log.
func NewLog() *Log {
	return &Log{nextSeq: 1}
}

// Append adds rec under a single lock so Len and Snapshot always agree.
func (l *Log) Append(connID string, rec wire.Record, at time.Time) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.frozen {
		return Entry{}, ErrLogFrozen
	}
	e := Entry{Seq: l.nextSeq, ConnID: connID, ReceivedAt: at, Record: rec}
	l.nextSeq++
	l.entries = append(l.entries, e)
	return e, nil
}

// Len returns the number of entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Snapshot returns a copy of all entries in append order.
func (l *Log) Snapshot() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Records returns the captured records in append order.
func (l *Log) Records() []wire.Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]wire.Record, len(l.entries))
	for i, e := range l.entries {
		out[i] = e.Record
	}
	return out
}

// ByConnection groups entries per connection, each group in append order.
func (l *Log) ByConnection() map[string][]Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string][]Entry)
	for _, e := range l.entries {
		out[e.ConnID] = append(out[e.ConnID], e)
	}
	return out
}

// Freeze rejects further appends.
func (l *Log) Freeze() {
	l.mu.Lock()
	l.frozen = true
	l.mu.Unlock()
}

// Frozen reports whether Freeze was called.
func (l *Log) Frozen() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.frozen
}

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

// Package pipelinetest is an in-process pipeline-under-test. It serves the
// admin API, routes events from the simulator or an in-process broker through
// deployed processors and pushes the results to capture sinks over the wire
// protocol. It can be restarted to exercise durability scenarios.
package pipelinetest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/streamcheck/pkg/admin"
	"github.com/united-manufacturing-hub/streamcheck/pkg/wire"
)

// DefaultCredentials are accepted by a new Server.
var DefaultCredentials = admin.Credentials{Username: "admin", Password: "admin"}

// Option configures a Server.
type Option func(*Server)

// WithRestartDelay sets how long the server stays down on restart.
func WithRestartDelay(d time.Duration) Option {
	return func(s *Server) {
		s.restartDelay = d
	}
}

// WithLogger sets the server logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithCredentials replaces the accepted credentials.
func WithCredentials(c admin.Credentials) Option {
	return func(s *Server) {
		s.creds = c
	}
}

type publisherRuntime struct {
	def *PublisherDef
	pub *wire.Publisher
}

type queuedMessage struct {
	topic   string
	payload []byte
}

// Server is the fake pipeline-under-test.
type Server struct {
	http         *httptest.Server
	creds        admin.Credentials
	restartDelay time.Duration
	logger       *zap.SugaredLogger

	mu         sync.Mutex
	sessions   map[string]bool
	seeded     map[admin.Kind]int
	streams    map[string]*StreamDef
	receivers  map[string]*ReceiverDef
	processors map[string]*ProcessorDef
	publishers map[string]*publisherRuntime
	down       bool
	restarts   int
	backlog    []queuedMessage

	// dispatchMu serializes event processing so output order follows input order.
	dispatchMu sync.Mutex

	publishErrors atomic.Int64
	dropped       atomic.Int64
}

// NewServer starts a server on a random local port.
func NewServer(opts ...Option) *Server {
	s := &Server{
		creds:        DefaultCredentials,
		restartDelay: 100 * time.Millisecond,
		logger:       zap.NewNop().Sugar(),
		sessions:     make(map[string]bool),
		seeded:       make(map[admin.Kind]int),
		streams:      make(map[string]*StreamDef),
		receivers:    make(map[string]*ReceiverDef),
		processors:   make(map[string]*ProcessorDef),
		publishers:   make(map[string]*publisherRuntime),
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /admin/ping", s.handlePing)
	mux.HandleFunc("POST /admin/login", s.handleLogin)
	mux.HandleFunc("POST /admin/simulator/events", s.authenticated(s.handleSimulate))
	mux.HandleFunc("POST /admin/server/restart", s.authenticated(s.handleRestart))
	mux.HandleFunc("POST /admin/{kinds}", s.authenticated(s.handleAdd))
	mux.HandleFunc("DELETE /admin/{kinds}/{name}", s.authenticated(s.handleRemove))
	mux.HandleFunc("GET /admin/{kinds}/count", s.authenticated(s.handleCount))
	s.http = httptest.NewServer(mux)
	return s
}

// URL is the base URL of the admin API.
func (s *Server) URL() string {
	return s.http.URL
}

// Close shuts the server down and closes publisher connections.
func (s *Server) Close() {
	s.http.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.publishers {
		_ = p.pub.Close()
	}
}

// Seed adds n pre-existing artifacts of kind that are not managed through the API.
func (s *Server) Seed(kind admin.Kind, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seeded[kind] += n
}

// ActiveCount returns the number of active artifacts of kind.
func (s *Server) ActiveCount(kind admin.Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeCountLocked(kind)
}

func (s *Server) activeCountLocked(kind admin.Kind) int {
	n := s.seeded[kind]
	switch kind {
	case admin.KindStream:
		n += len(s.streams)
	case admin.KindReceiver:
		n += len(s.receivers)
	case admin.KindProcessor:
		n += len(s.processors)
	case admin.KindPublisher:
		n += len(s.publishers)
	}
	return n
}

// ExpireSessions invalidates every session token.
func (s *Server) ExpireSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = make(map[string]bool)
}

// Up reports whether the server accepts requests.
func (s *Server) Up() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.down
}

// Restarts returns how many restarts have completed.
func (s *Server) Restarts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restarts
}

// PublishErrors counts records that could not be pushed to a sink.
func (s *Server) PublishErrors() int {
	return int(s.publishErrors.Load())
}

// Dropped counts broker messages and events that were discarded.
func (s *Server) Dropped() int {
	return int(s.dropped.Load())
}

// Restart takes the server down for the restart delay. Sessions and
// publisher connections do not survive it; deployed artifacts do. Persistent
// receivers get the messages published while it was down once it is up.
func (s *Server) Restart() {
	s.mu.Lock()
	if s.down {
		s.mu.Unlock()
		return
	}
	s.down = true
	s.sessions = make(map[string]bool)
	for _, p := range s.publishers {
		_ = p.pub.Close()
	}
	s.mu.Unlock()
	s.logger.Infof("restarting, down for %s", s.restartDelay)

	time.AfterFunc(s.restartDelay, s.comeUp)
}

func (s *Server) comeUp() {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()

	s.mu.Lock()
	backlog := s.backlog
	s.backlog = nil
	s.down = false
	s.restarts++
	s.mu.Unlock()

	s.logger.Infof("back up, replaying %d buffered messages", len(backlog))
	for _, m := range backlog {
		s.deliverLocked(m.topic, m.payload)
	}
}

// Deliver hands a message to the receivers subscribed to topic. While the
// server is down the message is kept only if a persistent receiver listens on topic.
func (s *Server) Deliver(topic string, payload []byte) {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()

	s.mu.Lock()
	if s.down {
		persistent := false
		for _, r := range s.receivers {
			if r.Topic == topic && r.Persistent {
				persistent = true
			}
		}
		if persistent {
			s.backlog = append(s.backlog, queuedMessage{topic: topic, payload: append([]byte(nil), payload...)})
		} else {
			s.dropped.Add(1)
		}
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.deliverLocked(topic, payload)
}

// deliverLocked requires dispatchMu.
func (s *Server) deliverLocked(topic string, payload []byte) {
	s.mu.Lock()
	var targets []*StreamDef
	for _, name := range sortedKeys(s.receivers) {
		r := s.receivers[name]
		if r.Topic != topic {
			continue
		}
		if def, ok := s.streams[r.Stream]; ok {
			targets = append(targets, def)
		}
	}
	s.mu.Unlock()

	if len(targets) == 0 {
		s.dropped.Add(1)
		s.logger.Debugf("no receiver for topic %s", topic)
		return
	}
	values, err := decodePayload(payload)
	if err != nil {
		s.dropped.Add(1)
		s.logger.Warnf("dropping message on %s: %v", topic, err)
		return
	}
	for _, def := range targets {
		rec, err := def.Record(values, time.Now().UnixMilli())
		if err != nil {
			s.dropped.Add(1)
			s.logger.Warnf("dropping message on %s: %v", topic, err)
			continue
		}
		s.dispatchLocked(rec, 0)
	}
}

const maxRouteDepth = 16

// dispatchLocked routes rec through processors and publishers. Requires dispatchMu.
func (s *Server) dispatchLocked(rec wire.Record, depth int) {
	if depth > maxRouteDepth {
		s.logger.Warnf("routing loop detected at stream %s", rec.StreamID)
		return
	}

	type derived struct {
		proc *ProcessorDef
		out  *StreamDef
	}
	s.mu.Lock()
	var next []derived
	for _, name := range sortedKeys(s.processors) {
		p := s.processors[name]
		if p.From != rec.StreamID {
			continue
		}
		if out, ok := s.streams[p.To]; ok {
			next = append(next, derived{proc: p, out: out})
		}
	}
	var pubs []*publisherRuntime
	for _, name := range sortedKeys(s.publishers) {
		if p := s.publishers[name]; p.def.Stream == rec.StreamID {
			pubs = append(pubs, p)
		}
	}
	s.mu.Unlock()

	for _, p := range pubs {
		s.publish(p, rec)
	}
	for _, d := range next {
		out, err := derive(d.proc, d.out, rec)
		if err != nil {
			s.dropped.Add(1)
			s.logger.Warnf("processor %s: %v", d.proc.Name, err)
			continue
		}
		s.dispatchLocked(out, depth+1)
	}
}

func derive(p *ProcessorDef, out *StreamDef, in wire.Record) (wire.Record, error) {
	v, err := p.apply(in)
	if err != nil {
		return wire.Record{}, err
	}
	rec := wire.Record{StreamID: out.ID(), Timestamp: time.Now().UnixMilli()}
	if len(out.kinds[0]) == len(in.Meta) {
		rec.Meta = in.Meta
	}
	if len(out.kinds[1]) == len(in.Correlation) {
		rec.Correlation = in.Correlation
	}
	if len(out.kinds[2]) != 1 {
		return wire.Record{}, fmt.Errorf("output stream %s must have exactly one payload attribute", out.ID())
	}
	pv, err := wire.Coerce(out.kinds[2][0], v.Interface())
	if err != nil {
		return wire.Record{}, fmt.Errorf("output stream %s: %w", out.ID(), err)
	}
	rec.Payload = []wire.Value{pv}
	return rec, nil
}

func (s *Server) publish(p *publisherRuntime, rec wire.Record) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.pub.Connect(ctx); err != nil {
		s.publishErrors.Add(1)
		s.logger.Warnf("publisher %s: %v", p.def.Name, err)
		return
	}
	if err := p.pub.Publish(ctx, rec); err != nil {
		s.publishErrors.Add(1)
		s.logger.Warnf("publisher %s: %v", p.def.Name, err)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warnf("writing response: %v", err)
	}
}

func (s *Server) unavailable(w http.ResponseWriter) bool {
	if s.Up() {
		return false
	}
	http.Error(w, "restarting", http.StatusServiceUnavailable)
	return true
}

func (s *Server) authenticated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.unavailable(w) {
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		s.mu.Lock()
		valid := ok && s.sessions[token]
		s.mu.Unlock()
		if !valid {
			http.Error(w, "session expired", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) handlePing(w http.ResponseWriter, _ *http.Request) {
	if s.unavailable(w) {
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.unavailable(w) {
		return
	}
	var creds admin.Credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if creds != s.creds {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	token := uuid.NewString()
	s.mu.Lock()
	s.sessions[token] = true
	s.mu.Unlock()
	s.writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) kind(w http.ResponseWriter, r *http.Request) (admin.Kind, bool) {
	k, err := admin.ParseKind(r.PathValue("kinds"))
	if err != nil || string(k) == r.PathValue("kinds") {
		http.NotFound(w, r)
		return "", false
	}
	return k, true
}

func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	kind, ok := s.kind(w, r)
	if !ok {
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	name, def, err := parseArtifact(kind, string(body))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var exists bool
	switch d := def.(type) {
	case *StreamDef:
		_, exists = s.streams[name]
		if !exists {
			s.streams[name] = d
		}
	case *ReceiverDef:
		_, exists = s.receivers[name]
		if !exists {
			s.receivers[name] = d
		}
	case *ProcessorDef:
		_, exists = s.processors[name]
		if !exists {
			s.processors[name] = d
		}
	case *PublisherDef:
		_, exists = s.publishers[name]
		if !exists {
			s.publishers[name] = &publisherRuntime{
				def: d,
				pub: wire.NewPublisher(d.Address, wire.WithLogger(s.logger.Named(d.Name))),
			}
		}
	}
	if exists {
		http.Error(w, fmt.Sprintf("%s %s already exists", kind, name), http.StatusConflict)
		return
	}
	s.logger.Debugf("added %s %s", kind, name)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	kind, ok := s.kind(w, r)
	if !ok {
		return
	}
	name := r.PathValue("name")

	s.mu.Lock()
	defer s.mu.Unlock()
	found := false
	switch kind {
	case admin.KindStream:
		_, found = s.streams[name]
		delete(s.streams, name)
	case admin.KindReceiver:
		_, found = s.receivers[name]
		delete(s.receivers, name)
	case admin.KindProcessor:
		_, found = s.processors[name]
		delete(s.processors, name)
	case admin.KindPublisher:
		var p *publisherRuntime
		if p, found = s.publishers[name]; found {
			_ = p.pub.Close()
			delete(s.publishers, name)
		}
	}
	if !found {
		http.NotFound(w, r)
		return
	}
	s.logger.Debugf("removed %s %s", kind, name)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleCount(w http.ResponseWriter, r *http.Request) {
	kind, ok := s.kind(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"count": s.ActiveCount(kind)})
}

func (s *Server) handleSimulate(w http.ResponseWriter, r *http.Request) {
	var ev admin.SimulatedEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()

	s.mu.Lock()
	def, ok := s.streams[ev.StreamID]
	s.mu.Unlock()
	if !ok {
		http.Error(w, fmt.Sprintf("stream %s not found", ev.StreamID), http.StatusNotFound)
		return
	}
	rec, err := def.Record(ev.AttributeValues, time.Now().UnixMilli())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.dispatchLocked(rec, 0)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleRestart(w http.ResponseWriter, _ *http.Request) {
	s.Restart()
	w.WriteHeader(http.StatusOK)
}

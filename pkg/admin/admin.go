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

// Package admin is the client side of the administrative API through which
// a pipeline-under-test is configured. Calls are grouped by the resource
// they act on; every authenticated call takes the Session explicitly.
package admin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	// ErrSessionExpired means the server rejected the session token (HTTP 401).
	ErrSessionExpired = errors.New("admin: session expired")

	// ErrNotFound means the addressed resource does not exist (HTTP 404).
	ErrNotFound = errors.New("admin: not found")

	// ErrNoSession is returned for authenticated calls made with a zero Session.
	ErrNoSession = errors.New("admin: no session")
)

// Kind is the kind of a deployable artifact.
type Kind string

const (
	KindStream    Kind = "stream"
	KindReceiver  Kind = "receiver"
	KindProcessor Kind = "processor"
	KindPublisher Kind = "publisher"
)

// Kinds lists every artifact kind in deployment order.
func Kinds() []Kind {
	return []Kind{KindStream, KindReceiver, KindProcessor, KindPublisher}
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindStream, KindReceiver, KindProcessor, KindPublisher:
		return true
	}
	return false
}

// Plural is the collection name used in API paths.
func (k Kind) Plural() string {
	return string(k) + "s"
}

// ParseKind accepts the singular or plural kind name.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds() {
		if s == string(k) || s == k.Plural() {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown artifact kind %q", s)
}

// Credentials authenticate against the admin API.
type Credentials struct {
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
}

// Session is an authenticated admin session. It is immutable; a refreshed
// session is a new value.
type Session struct {
	token    string
	issuedAt time.Time
}

// NewSession wraps a token obtained from Login.
func NewSession(token string, issuedAt time.Time) Session {
	return Session{token: token, issuedAt: issuedAt}
}

func (s Session) Token() string       { return s.token }
func (s Session) IssuedAt() time.Time { return s.issuedAt }

// Valid reports whether the session carries a token. It says nothing about
// whether the server still accepts it.
func (s Session) Valid() bool {
	return s.token != ""
}

// SimulatedEvent is injected through the simulator endpoint.
type SimulatedEvent struct {
	StreamID        string   `json:"streamId"`
	AttributeValues []string `json:"attributeValues"`
}

// StatusError is a non-2xx response.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("admin: %s %s returned %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("admin: %s %s returned %d", e.Method, e.Path, e.StatusCode)
}

// Unwrap maps 401 to ErrSessionExpired and 404 to ErrNotFound.
func (e *StatusError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusUnauthorized:
		return ErrSessionExpired
	case http.StatusNotFound:
		return ErrNotFound
	}
	return nil
}

// Client is the administrative API of a pipeline-under-test.
type Client interface {
	// Login opens a new session.
	Login(ctx context.Context, creds Credentials) (Session, error)
	// Ping succeeds once the server accepts requests. It needs no session.
	Ping(ctx context.Context) error
	// Artifacts returns the API for one artifact kind.
	Artifacts(kind Kind) ArtifactAPI
	Simulator() SimulatorAPI
	Server() ServerAPI
}

// ArtifactAPI manages the artifacts of one kind.
type ArtifactAPI interface {
	Add(ctx context.Context, s Session, body string) error
	Remove(ctx context.Context, s Session, name string) error
	ActiveCount(ctx context.Context, s Session) (int, error)
}

// SimulatorAPI injects events directly into a stream.
type SimulatorAPI interface {
	SendEvent(ctx context.Context, s Session, ev SimulatedEvent) error
}

// ServerAPI controls the server process.
type ServerAPI interface {
	// Restart asks the server to restart. It returns once the request was accepted.
	Restart(ctx context.Context, s Session) error
}

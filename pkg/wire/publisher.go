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
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrNotConnected is returned by Publish before Connect or after Close.
var ErrNotConnected = errors.New("wire: publisher not connected")

// DialFunc opens the underlying connection. Tests swap it for net.Pipe based dialers.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithDialFunc overrides how the publisher opens its connection.
func WithDialFunc(dial DialFunc) PublisherOption {
	return func(p *Publisher) {
		p.dial = dial
	}
}

// WithWriteTimeout bounds each frame write.
func WithWriteTimeout(d time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.writeTimeout = d
	}
}

// WithLogger sets the publisher logger.
func WithLogger(l *zap.SugaredLogger) PublisherOption {
	return func(p *Publisher) {
		p.log = l
	}
}

// Publisher pushes encoded records to a capture sink over a single
// connection. Records published through one Publisher arrive in order.
type Publisher struct {
	addr         string
	dial         DialFunc
	writeTimeout time.Duration
	log          *zap.SugaredLogger

	mu   sync.Mutex
	conn net.Conn
	buf  []byte
}

// NewPublisher creates a publisher for the sink at addr (host:port).
func NewPublisher(addr string, opts ...PublisherOption) *Publisher {
	d := &net.Dialer{}
	p := &Publisher{
		addr:         addr,
		dial:         d.DialContext,
		writeTimeout: 5 * time.Second,
		log:          zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Connect opens the connection. Calling it on a connected publisher is a no-op.
func (p *Publisher) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		return nil
	}
	conn, err := p.dial(ctx, "tcp", p.addr)
	if err != nil {
		return fmt.Errorf("failed to connect to capture sink at %s: %w", p.addr, err)
	}
	p.conn = conn
	p.log.Debugf("connected to capture sink at %s", p.addr)
	return nil
}

// Connected reports whether Connect succeeded and Close has not been called since.
func (p *Publisher) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn != nil
}

// Publish encodes recs and writes them as one contiguous write. A write
// failure drops the connection; the next Publish requires a new Connect.
func (p *Publisher) Publish(ctx context.Context, recs ...Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return ErrNotConnected
	}

	buf := p.buf[:0]
	var err error
	for i, rec := range recs {
		if buf, err = AppendFrame(buf, rec); err != nil {
			return fmt.Errorf("failed to encode record %d: %w", i, err)
		}
	}
	p.buf = buf

	deadline := time.Now().Add(p.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := p.conn.SetWriteDeadline(deadline); err != nil {
		p.dropLocked()
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if _, err := p.conn.Write(buf); err != nil {
		p.dropLocked()
		return fmt.Errorf("failed to write %d frames to %s: %w", len(recs), p.addr, err)
	}
	return nil
}

// Close closes the connection if open.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil
	return err
}

func (p *Publisher) dropLocked() {
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}

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

// Package capture implements the capture sink: a TCP service that decodes
// the wire frames pushed by a pipeline's publisher and keeps them in an
// ordered log for later verification.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/streamcheck/pkg/logger"
	"github.com/united-manufacturing-hub/streamcheck/pkg/metrics"
	"github.com/united-manufacturing-hub/streamcheck/pkg/wire"
)

const (
	DefaultPort           = 7661
	DefaultBindAddress    = "0.0.0.0"
	DefaultGracePeriod    = 5 * time.Second
	DefaultReadBufferSize = 32 * 1024
)

// SinkConfig configures a Sink.
type SinkConfig struct {
	BindAddress string
	Port        int
	// GracePeriod bounds how long Stop waits for connection handlers.
	GracePeriod    time.Duration
	ReadBufferSize int
	Logger         *zap.SugaredLogger
	// OnEntry, if set, is called from the connection handler after each append.
	OnEntry func(Entry)
}

// DefaultSinkConfig returns the configuration used when nothing is overridden.
func DefaultSinkConfig() SinkConfig {
	return SinkConfig{
		BindAddress:    DefaultBindAddress,
		Port:           DefaultPort,
		GracePeriod:    DefaultGracePeriod,
		ReadBufferSize: DefaultReadBufferSize,
	}
}

func (c SinkConfig) withDefaults() SinkConfig {
	if c.GracePeriod <= 0 {
		c.GracePeriod = DefaultGracePeriod
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = DefaultReadBufferSize
	}
	if c.Logger == nil {
		c.Logger = logger.For(logger.ComponentCaptureSink)
	}
	return c
}

// Sink accepts publisher connections and appends every decoded record to its Log.
type Sink struct {
	cfg    SinkConfig
	ln     Listener
	log    *Log
	logger *zap.SugaredLogger

	handlers   conc.WaitGroup
	done       chan struct{}
	acceptDone chan struct{}

	connMu   sync.Mutex
	conns    map[string]net.Conn
	stopping bool

	decodeErrors atomic.Int64
	stopOnce     sync.Once
	stopErr      error
	stopCtx      func() bool
}

// Start binds a TCP listener according to cfg and starts accepting.
// Cancelling ctx stops the sink.
func Start(ctx context.Context, cfg SinkConfig) (*Sink, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ln, err := ListenTCP(cfg.BindAddress, cfg.Port)
	if err != nil {
		return nil, err
	}
	return StartWithListener(ctx, ln, cfg)
}

// StartWithListener starts the sink on a caller supplied listener, which the
// sink owns from then on.
func StartWithListener(ctx context.Context, ln Listener, cfg SinkConfig) (*Sink, error) {
	if err := ctx.Err(); err != nil {
		_ = ln.Close()
		return nil, err
	}
	cfg = cfg.withDefaults()
	s := &Sink{
		cfg:        cfg,
		ln:         ln,
		log:        NewLog(),
		logger:     cfg.Logger,
		done:       make(chan struct{}),
		acceptDone: make(chan struct{}),
		conns:      make(map[string]net.Conn),
	}
	s.stopCtx = context.AfterFunc(ctx, func() {
		if err := s.Stop(context.Background()); err != nil {
			s.logger.Warnf("stopping capture sink after context cancellation: %v", err)
		}
	})

	go s.acceptLoop()
	s.logger.Infof("capture sink listening on %s", ln.Addr())
	return s, nil
}

func (s *Sink) acceptLoop() {
	defer close(s.acceptDone)
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			s.logger.Errorf("accept failed, capture sink no longer accepts connections: %v", err)
			return
		}

		id := uuid.NewString()
		if !s.track(id, conn) {
			_ = conn.Close()
			return
		}
		metrics.ConnectionOpened()
		s.logger.Debugf("accepted connection %s from %s", id, conn.RemoteAddr())
		s.handlers.Go(func() {
			var pc panics.Catcher
			pc.Try(func() { s.handle(id, conn) })
			if r := pc.Recovered(); r != nil {
				s.logger.Errorf("connection handler %s panicked: %v", id, r.AsError())
			}
		})
	}
}

func (s *Sink) track(id string, conn net.Conn) bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.stopping {
		return false
	}
	s.conns[id] = conn
	return true
}

func (s *Sink) untrack(id string) {
	s.connMu.Lock()
	delete(s.conns, id)
	s.connMu.Unlock()
}

func (s *Sink) isStopping() bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.stopping
}

// handle reads one connection until EOF, a socket error, an unrecoverable
// frame or sink stop. Nothing it encounters propagates beyond the log.
func (s *Sink) handle(id string, conn net.Conn) {
	defer func() {
		_ = conn.Close()
		s.untrack(id)
		metrics.ConnectionClosed()
	}()

	log := s.logger.With("conn", id)
	chunk := make([]byte, s.cfg.ReadBufferSize)
	var buf []byte
	for {
		n, err := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			var closeConn bool
			if buf, closeConn = s.drain(id, buf, log); closeConn {
				return
			}
		}
		if err != nil {
			if len(buf) > 0 {
				s.decodeErrors.Add(1)
				metrics.RecordDecodeError(metrics.DecodePartial)
				log.Warnf("connection ended inside a frame, %d buffered bytes discarded", len(buf))
			}
			switch {
			case errors.Is(err, io.EOF):
				log.Debugf("connection closed by peer")
			case s.isStopping():
				log.Debugf("connection closed by sink stop")
			default:
				log.Warnf("connection read failed: %v", err)
			}
			return
		}
	}
}

// drain decodes every complete frame in buf and returns the unconsumed tail.
func (s *Sink) drain(id string, buf []byte, log *zap.SugaredLogger) ([]byte, bool) {
	off := 0
	for off < len(buf) {
		rec, n, err := wire.DecodeFrame(buf[off:])
		if errors.Is(err, wire.ErrNeedMoreData) {
			break
		}
		var de *wire.DecodeError
		if errors.As(err, &de) {
			s.decodeErrors.Add(1)
			if !de.Recoverable() {
				metrics.RecordDecodeError(metrics.DecodeClosed)
				log.Errorf("closing connection: %v", de)
				return buf, true
			}
			metrics.RecordDecodeError(metrics.DecodeDropped)
			log.Warnf("dropping frame: %v", de)
			off += de.FrameSize()
			continue
		}
		if err != nil {
			log.Errorf("closing connection: unexpected decode failure: %v", err)
			return buf, true
		}

		entry, err := s.log.Append(id, rec, time.Now())
		if err != nil {
			log.Debugf("discarding frame received after stop")
			return buf, true
		}
		off += n
		metrics.RecordFrameDecoded()
		if s.cfg.OnEntry != nil {
			s.cfg.OnEntry(entry)
		}
	}
	rest := copy(buf, buf[off:])
	return buf[:rest], false
}

// Stop stops accepting, closes every open connection and waits for the
// handlers. Calling it again returns the result of the first call.
func (s *Sink) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.stopErr = s.stop(ctx)
	})
	return s.stopErr
}

func (s *Sink) stop(ctx context.Context) error {
	if s.stopCtx != nil {
		s.stopCtx()
	}
	close(s.done)
	lnErr := s.ln.Close()

	s.connMu.Lock()
	s.stopping = true
	for _, c := range s.conns {
		_ = c.Close()
	}
	s.connMu.Unlock()

	<-s.acceptDone

	waited := make(chan struct{})
	go func() {
		s.handlers.Wait()
		close(waited)
	}()

	grace := time.NewTimer(s.cfg.GracePeriod)
	defer grace.Stop()

	var err error
	select {
	case <-waited:
	case <-grace.C:
		err = ErrStopTimeout
	case <-ctx.Done():
		err = fmt.Errorf("%w: %w", ErrStopTimeout, ctx.Err())
	}
	s.log.Freeze()

	if lnErr != nil && !errors.Is(lnErr, net.ErrClosed) {
		s.logger.Warnf("closing listener: %v", lnErr)
	}
	s.logger.Infof("capture sink stopped with %d records captured", s.log.Len())
	return err
}

// Count returns the number of records captured so far.
func (s *Sink) Count() int {
	return s.log.Len()
}

// Snapshot returns a copy of the captured entries.
func (s *Sink) Snapshot() []Entry {
	return s.log.Snapshot()
}

// Records returns a copy of the captured records in capture order.
func (s *Sink) Records() []wire.Record {
	return s.log.Records()
}

// DecodeErrors returns how many malformed or partial frames were seen.
func (s *Sink) DecodeErrors() int {
	return int(s.decodeErrors.Load())
}

// Addr returns the listening address.
func (s *Sink) Addr() net.Addr {
	return s.ln.Addr()
}

// Log returns the underlying capture log.
func (s *Sink) Log() *Log {
	return s.log
}

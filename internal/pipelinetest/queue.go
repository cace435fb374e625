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
	"context"

	"github.com/united-manufacturing-hub/streamcheck/pkg/inject"
)

// TransportQueue is the transport kind served by QueuePublisher.
const TransportQueue inject.TransportKind = "queue"

// QueuePublisher delivers external payloads straight to the server's
// receivers, standing in for a broker with persistent sessions.
type QueuePublisher struct {
	s *Server
}

var _ inject.ExternalPublisher = (*QueuePublisher)(nil)

// QueuePublisher returns a publisher bound to s.
func (s *Server) QueuePublisher() *QueuePublisher {
	return &QueuePublisher{s: s}
}

func (q *QueuePublisher) Publish(ctx context.Context, t inject.Transport, payloads [][]byte) error {
	for _, p := range payloads {
		if err := ctx.Err(); err != nil {
			return err
		}
		q.s.Deliver(t.Topic, p)
	}
	return nil
}

func (q *QueuePublisher) Close() error {
	return nil
}

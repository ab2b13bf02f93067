// Copyright 2025 The llm-d Authors.
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

// Package fastpath broadcasts transfer metadata from the scheduler to the
// workers of the same data-parallel rank as soon as it is built, so workers
// can start pulling before the step's model execution begins.
//
// Messages are three ZMQ frames: topic, 8-byte big-endian sequence number
// and a msgpack payload.
package fastpath

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	zmq "github.com/pebbe/zmq4"
	"github.com/vmihailenco/msgpack/v5"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-kv-transfer/pkg/utils/logging"
)

// Topic is the topic every fast-path message is published on.
const Topic = "kvmeta"

// DefaultEndpoint returns the endpoint the scheduler of dpRank publishes on.
func DefaultEndpoint(dpRank int) string {
	return fmt.Sprintf("ipc:///tmp/sched-pub-%d", dpRank)
}

// Publisher sends metadata batches to the subscribed workers.
type Publisher struct {
	mu       sync.Mutex // zmq sockets are not thread-safe
	socket   *zmq.Socket
	endpoint string
	seqNum   uint64
}

// NewPublisher creates a publisher bound to endpoint.
func NewPublisher(endpoint string) (*Publisher, error) {
	socket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return nil, fmt.Errorf("failed to create ZMQ PUB socket: %w", err)
	}

	if err := socket.Bind(endpoint); err != nil {
		socket.Close()
		return nil, fmt.Errorf("failed to bind to %s: %w", endpoint, err)
	}

	return &Publisher{
		socket:   socket,
		endpoint: endpoint,
	}, nil
}

// Endpoint returns the bound endpoint.
func (p *Publisher) Endpoint() string {
	return p.endpoint
}

// Publish encodes batch with msgpack and sends it. Workers that are not
// connected yet miss the message.
func (p *Publisher) Publish(ctx context.Context, batch any) error {
	payload, err := msgpack.Marshal(batch)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata batch: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.seqNum++
	seqBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(seqBytes, p.seqNum)

	if _, err := p.socket.SendMessage(Topic, seqBytes, payload); err != nil {
		return fmt.Errorf("failed to publish metadata batch: %w", err)
	}

	klog.FromContext(ctx).V(logging.TRACE).Info("Published metadata batch",
		"endpoint", p.endpoint, "seq", p.seqNum, "payloadSize", len(payload))
	return nil
}

// Close closes the publisher and cleans up resources.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	// release the endpoint before the socket is reaped
	_ = p.socket.Unbind(p.endpoint)
	return p.socket.Close()
}

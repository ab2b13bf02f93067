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

package fastpath

import (
	"context"
	"encoding/binary"
	"time"

	zmq "github.com/pebbe/zmq4"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-kv-transfer/pkg/kvtransfer/metrics"
	"github.com/llm-d/llm-d-kv-transfer/pkg/utils/logging"
)

const (
	// How long to wait before retrying to connect.
	retryInterval = 5 * time.Second
	// How often the poller should time out to check for context cancellation.
	pollTimeout = 250 * time.Millisecond
)

// Handler receives the msgpack payload of one published batch.
type Handler func(ctx context.Context, seq uint64, payload []byte)

// Subscriber connects to a Publisher and hands every batch to a handler.
type Subscriber struct {
	endpoint string
	handler  Handler
}

// NewSubscriber creates a subscriber for endpoint.
func NewSubscriber(endpoint string, handler Handler) *Subscriber {
	return &Subscriber{
		endpoint: endpoint,
		handler:  handler,
	}
}

// Start connects to the publisher and receives batches until ctx is
// canceled. Batches are handled sequentially on the calling goroutine.
func (s *Subscriber) Start(ctx context.Context) {
	logger := klog.FromContext(ctx).WithName("fastpath-subscriber")

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down fastpath-subscriber")
			return
		default:
			s.runSubscriber(ctx)
			select {
			case <-time.After(retryInterval):
				logger.Info("retrying fastpath-subscriber")
			case <-ctx.Done():
				logger.Info("shutting down fastpath-subscriber")
				return
			}
		}
	}
}

func (s *Subscriber) runSubscriber(ctx context.Context) {
	logger := klog.FromContext(ctx).WithName("fastpath-subscriber")
	sub, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		logger.Error(err, "Failed to create subscriber socket")
		return
	}
	defer sub.Close()

	if err := sub.Connect(s.endpoint); err != nil {
		logger.Error(err, "Failed to connect subscriber socket", "endpoint", s.endpoint)
		return
	}
	if err := sub.SetSubscribe(Topic); err != nil {
		logger.Error(err, "Failed to subscribe to topic", "topic", Topic)
		return
	}
	logger.Info("Connected subscriber socket", "endpoint", s.endpoint)

	poller := zmq.NewPoller()
	poller.Add(sub, zmq.POLLIN)
	debugLogger := logger.V(logging.DEBUG)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		polled, err := poller.Poll(pollTimeout)
		if err != nil {
			debugLogger.Error(err, "Failed to poll subscriber", "endpoint", s.endpoint)
			return
		}
		if len(polled) == 0 {
			continue
		}

		parts, err := sub.RecvMessageBytes(0)
		if err != nil {
			debugLogger.Error(err, "Failed to receive message", "endpoint", s.endpoint)
			return
		}
		if len(parts) != 3 || len(parts[1]) != 8 {
			debugLogger.Error(nil, "Dropping malformed message", "frames", len(parts))
			continue
		}

		seq := binary.BigEndian.Uint64(parts[1])
		metrics.FastPathBatches.Inc()
		debugLogger.Info("Received metadata batch", "seq", seq, "payloadSize", len(parts[2]))
		s.handler(ctx, seq, parts[2])
	}
}

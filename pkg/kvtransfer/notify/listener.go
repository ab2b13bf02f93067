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

package notify

import (
	"context"
	"time"

	zmq "github.com/pebbe/zmq4"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-kv-transfer/pkg/kvtransfer/completion"
	"github.com/llm-d/llm-d-kv-transfer/pkg/kvtransfer/metrics"
	"github.com/llm-d/llm-d-kv-transfer/pkg/utils/logging"
)

const (
	// How long to wait before retrying to bind.
	retryInterval = 5 * time.Second
	// How often the poller should time out to check for context cancellation.
	pollTimeout = 250 * time.Millisecond
)

// Listener binds a ZMQ PULL socket and records the acknowledged request ids
// into a tracker.
type Listener struct {
	endpoint string
	tracker  *completion.Tracker
}

// NewListener creates a listener for endpoint, e.g. "tcp://10.0.0.1:5568".
func NewListener(endpoint string, tracker *completion.Tracker) *Listener {
	return &Listener{
		endpoint: endpoint,
		tracker:  tracker,
	}
}

// Endpoint returns the address the listener binds.
func (l *Listener) Endpoint() string {
	return l.endpoint
}

// Start binds the endpoint and receives acks until ctx is canceled. Socket
// errors close the socket and bind again after a retry interval.
func (l *Listener) Start(ctx context.Context) {
	logger := klog.FromContext(ctx).WithName("ack-listener")

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down ack-listener")
			return
		default:
			l.runListener(ctx)
			select {
			case <-time.After(retryInterval):
				logger.Info("retrying ack-listener")
			case <-ctx.Done():
				logger.Info("shutting down ack-listener")
				return
			}
		}
	}
}

func (l *Listener) runListener(ctx context.Context) {
	logger := klog.FromContext(ctx).WithName("ack-listener")
	pull, err := zmq.NewSocket(zmq.PULL)
	if err != nil {
		logger.Error(err, "Failed to create pull socket")
		return
	}
	defer pull.Close()

	if err := pull.Bind(l.endpoint); err != nil {
		logger.Error(err, "Failed to bind pull socket", "endpoint", l.endpoint)
		return
	}
	logger.Info("Bound ack socket", "endpoint", l.endpoint)

	poller := zmq.NewPoller()
	poller.Add(pull, zmq.POLLIN)
	debugLogger := logger.V(logging.DEBUG)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		polled, err := poller.Poll(pollTimeout)
		if err != nil {
			debugLogger.Error(err, "Failed to poll ack socket", "endpoint", l.endpoint)
			return
		}
		if len(polled) == 0 {
			continue
		}

		payload, err := pull.RecvBytes(0)
		if err != nil {
			debugLogger.Error(err, "Failed to receive ack", "endpoint", l.endpoint)
			return
		}

		ids, err := DecodeAck(payload)
		if err != nil {
			debugLogger.Error(err, "Dropping malformed ack", "payloadSize", len(payload))
			continue
		}

		l.tracker.Add(ids...)
		metrics.AcksReceived.Add(float64(len(ids)))
		debugLogger.Info("Received ack", "requests", ids)
	}
}

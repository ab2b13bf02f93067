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
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	zmq "github.com/pebbe/zmq4"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-kv-transfer/pkg/kvtransfer/metrics"
	"github.com/llm-d/llm-d-kv-transfer/pkg/utils/logging"
)

const (
	defaultMaxConnections = 128
	defaultSendTimeout    = 5 * time.Second
	// how long unsent acks are kept after a socket is closed
	defaultLinger = time.Second
)

// ErrClosed is returned by Send after the Pusher was closed.
var ErrClosed = errors.New("pusher closed")

// PusherConfig holds the configuration of the ack connection pool.
type PusherConfig struct {
	// MaxConnections bounds the number of open producer connections. The
	// least recently used connection is closed when the bound is reached.
	MaxConnections int `json:"maxConnections"`
	// SendTimeout bounds how long a send waits for a producer.
	SendTimeout time.Duration `json:"sendTimeout"`
}

// DefaultPusherConfig returns a default configuration for the Pusher.
func DefaultPusherConfig() *PusherConfig {
	return &PusherConfig{
		MaxConnections: defaultMaxConnections,
		SendTimeout:    defaultSendTimeout,
	}
}

type pushConn struct {
	mu     sync.Mutex
	socket *zmq.Socket
	closed bool
}

func (c *pushConn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	_ = c.socket.Close()
}

// Pusher sends acks to producers over ZMQ PUSH sockets, one per producer
// address, created on first use and owned by the Pusher.
type Pusher struct {
	cfg PusherConfig

	mu     sync.Mutex // guards connection creation and closed
	conns  *lru.Cache[string, *pushConn]
	closed bool
}

// NewPusher creates a Pusher.
func NewPusher(cfg *PusherConfig) (*Pusher, error) {
	if cfg == nil {
		cfg = DefaultPusherConfig()
	}
	c := *cfg
	if c.MaxConnections <= 0 {
		c.MaxConnections = defaultMaxConnections
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = defaultSendTimeout
	}

	conns, err := lru.NewWithEvict(c.MaxConnections, func(_ string, conn *pushConn) {
		conn.close()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	return &Pusher{cfg: c, conns: conns}, nil
}

func (p *Pusher) connFor(address string) (*pushConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrClosed
	}
	if conn, ok := p.conns.Get(address); ok {
		return conn, nil
	}

	socket, err := zmq.NewSocket(zmq.PUSH)
	if err != nil {
		return nil, fmt.Errorf("failed to create push socket: %w", err)
	}
	if err := socket.SetSndtimeo(p.cfg.SendTimeout); err != nil {
		_ = socket.Close()
		return nil, fmt.Errorf("failed to set send timeout: %w", err)
	}
	if err := socket.SetLinger(defaultLinger); err != nil {
		_ = socket.Close()
		return nil, fmt.Errorf("failed to set linger: %w", err)
	}
	if err := socket.Connect(address); err != nil {
		_ = socket.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", address, err)
	}

	conn := &pushConn{socket: socket}
	p.conns.Add(address, conn)
	return conn, nil
}

// Send pushes the ids to the producer listening on address. A failed send
// drops the connection so the next send reconnects.
func (p *Pusher) Send(ctx context.Context, address string, ids []string) error {
	payload, err := EncodeAck(ids)
	if err != nil {
		return err
	}

	conn, err := p.connFor(address)
	if err != nil {
		metrics.AcksFailed.Inc()
		return err
	}

	conn.mu.Lock()
	if conn.closed {
		conn.mu.Unlock()
		metrics.AcksFailed.Inc()
		return fmt.Errorf("connection to %s was closed", address)
	}
	_, err = conn.socket.SendBytes(payload, 0)
	conn.mu.Unlock()

	if err != nil {
		metrics.AcksFailed.Inc()
		p.conns.Remove(address)
		return fmt.Errorf("failed to send ack to %s: %w", address, err)
	}

	metrics.AcksSent.Inc()
	klog.FromContext(ctx).V(logging.TRACE).WithName("notify.Pusher").Info("sent ack",
		"address", address, "requests", ids)
	return nil
}

// Len returns the number of open connections.
func (p *Pusher) Len() int {
	return p.conns.Len()
}

// Close closes all connections. Send fails after Close.
func (p *Pusher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.conns.Purge()
	return nil
}

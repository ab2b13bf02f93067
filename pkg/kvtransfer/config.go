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

package kvtransfer

import (
	"fmt"

	"github.com/llm-d/llm-d-kv-transfer/pkg/kvtransfer/engine"
	"github.com/llm-d/llm-d-kv-transfer/pkg/kvtransfer/fastpath"
	"github.com/llm-d/llm-d-kv-transfer/pkg/kvtransfer/notify"
	"github.com/llm-d/llm-d-kv-transfer/pkg/kvtransfer/transport"
)

// DefaultAckPort is the port producers listen on for completion acks.
const DefaultAckPort = 5568

// KVRole is the part a node plays in a transfer.
type KVRole string

const (
	// KVProducer nodes run prefill and hold blocks until consumers pulled them.
	KVProducer KVRole = "kv_producer"
	// KVConsumer nodes run decode and pull blocks from producers.
	KVConsumer KVRole = "kv_consumer"
)

// Validate returns an error for unknown roles.
func (r KVRole) Validate() error {
	switch r {
	case KVProducer, KVConsumer:
		return nil
	default:
		return fmt.Errorf("%w: unknown kv role %q", ErrConfig, string(r))
	}
}

// Role selects the half of the connector living in the current process.
type Role int

const (
	// RoleScheduler is the half embedded in the scheduler.
	RoleScheduler Role = iota
	// RoleWorker is the half embedded in each model worker.
	RoleWorker
)

// String returns a string representation of the Role.
func (r Role) String() string {
	switch r {
	case RoleScheduler:
		return "scheduler"
	case RoleWorker:
		return "worker"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// Config holds the configuration of a Connector.
type Config struct {
	// KVRole selects the producer or consumer implementation.
	KVRole KVRole `json:"kvRole"`
	// ClusterID identifies this node's cache to its peers.
	ClusterID string `json:"clusterID"`
	// HostIP is the address producers bind the ack listener on.
	HostIP string `json:"hostIP"`
	// AckPort is the port of the ack listener.
	AckPort int `json:"ackPort"`
	// BlockSize is the number of tokens per KV block.
	BlockSize int `json:"blockSize"`
	// TPRank is the tensor-parallel rank of the worker. Only rank 0 of a
	// producer receives acks.
	TPRank int `json:"tpRank"`
	// DPRank is the local data-parallel rank, used for the default fast-path
	// endpoint.
	DPRank int `json:"dpRank"`

	// AsyncPull enables the fast path: consumer schedulers publish metadata
	// as soon as it is built and workers start pulling on receipt.
	AsyncPull bool `json:"asyncPull"`
	// FastPathEndpoint overrides the fast-path endpoint.
	FastPathEndpoint string `json:"fastPathEndpoint,omitempty"`

	EngineConfig    *engine.Config       `json:"engineConfig"`
	TransportConfig *transport.Config    `json:"transportConfig"`
	PusherConfig    *notify.PusherConfig `json:"pusherConfig"`

	// Transport, when set, is used instead of building one from
	// TransportConfig. The connector takes ownership of it.
	Transport transport.Transport `json:"-"`
}

// DefaultConfig returns a default configuration for the given kv role.
func DefaultConfig(kvRole KVRole) *Config {
	return &Config{
		KVRole:          kvRole,
		AckPort:         DefaultAckPort,
		EngineConfig:    engine.DefaultConfig(),
		TransportConfig: transport.DefaultConfig(),
		PusherConfig:    notify.DefaultPusherConfig(),
	}
}

// AckAddress returns the producer's ack address, "tcp://host:port".
func (c *Config) AckAddress() string {
	return fmt.Sprintf("tcp://%s:%d", c.HostIP, c.AckPort)
}

// FastPathAddress returns the fast-path endpoint.
func (c *Config) FastPathAddress() string {
	if c.FastPathEndpoint != "" {
		return c.FastPathEndpoint
	}
	return fastpath.DefaultEndpoint(c.DPRank)
}

func (c *Config) validate() error {
	if c == nil {
		return fmt.Errorf("%w: kv transfer config cannot be nil", ErrConfig)
	}
	if err := c.KVRole.Validate(); err != nil {
		return err
	}

	switch c.KVRole {
	case KVProducer:
		if c.ClusterID == "" {
			return fmt.Errorf("%w: producer requires a cluster id", ErrConfig)
		}
		if c.HostIP == "" {
			return fmt.Errorf("%w: producer requires a host ip", ErrConfig)
		}
		if c.AckPort <= 0 {
			return fmt.Errorf("%w: producer requires an ack port", ErrConfig)
		}
	case KVConsumer:
		if c.BlockSize <= 0 {
			return fmt.Errorf("%w: consumer requires a positive block size", ErrConfig)
		}
	}
	return nil
}

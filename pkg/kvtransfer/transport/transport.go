/*
Copyright 2025 The llm-d Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package transport moves KV blocks from a producer's cache into a
// consumer's cache. A Transport pulls the blocks named by a PullRequest;
// backends that stage blocks out of band additionally implement Exporter so
// the producer can publish its blocks before the consumer asks for them.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/llm-d/llm-d-kv-transfer/pkg/kvtransfer/blockids"
	"github.com/llm-d/llm-d-kv-transfer/pkg/kvtransfer/metrics"
)

var (
	// ErrBlockNotFound is returned when a staged block is missing, e.g. it
	// was evicted or expired before the consumer pulled it.
	ErrBlockNotFound = errors.New("block not found")
	// ErrNotReady is returned when the producer did not stage a request's
	// blocks within the configured timeout.
	ErrNotReady = errors.New("blocks not ready")
	// ErrChecksum is returned when a staged block fails verification.
	ErrChecksum = errors.New("block checksum mismatch")
	// ErrBlockOutOfRange is returned when a block index is outside a layer
	// cache.
	ErrBlockOutOfRange = errors.New("block index out of range")
	// ErrNotRegistered is returned when blocks are moved before the local
	// caches were registered.
	ErrNotRegistered = errors.New("caches not registered")
)

// Config holds the configuration for the block transport.
// If multiple backends are configured, only the first one will be used.
type Config struct {
	// MemoryConfig holds the configuration for the in-process transport.
	MemoryConfig *MemoryConfig `json:"memoryConfig"`
	// RedisConfig holds the configuration for the Redis transport.
	RedisConfig *RedisConfig `json:"redisConfig"`

	// EnableMetrics toggles whether pulls and exports are recorded.
	EnableMetrics bool `json:"enableMetrics"`
	// MetricsLoggingInterval defines the interval at which metrics are logged.
	// If zero, metrics logging is disabled.
	// Requires `EnableMetrics` to be true.
	MetricsLoggingInterval time.Duration `json:"metricsLoggingInterval"`
}

// DefaultConfig returns a default configuration for the block transport.
func DefaultConfig() *Config {
	return &Config{
		MemoryConfig:  DefaultMemoryConfig(),
		EnableMetrics: false,
	}
}

// NewTransport creates a new Transport instance.
func NewTransport(ctx context.Context, cfg *Config) (Transport, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	var tr Transport
	var err error

	switch {
	case cfg.MemoryConfig != nil:
		tr, err = NewMemoryTransport(cfg.MemoryConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create memory transport: %w", err)
		}
	case cfg.RedisConfig != nil:
		tr, err = NewRedisTransport(ctx, cfg.RedisConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create Redis transport: %w", err)
		}
	default:
		return nil, fmt.Errorf("no valid transport configuration provided")
	}

	// wrap in metrics only if enabled
	if cfg.EnableMetrics {
		tr = NewInstrumentedTransport(tr)
		metrics.Register()
		if cfg.MetricsLoggingInterval > 0 {
			// this is non-blocking
			metrics.StartMetricsLogging(ctx, cfg.MetricsLoggingInterval)
		}
	}

	return tr, nil
}

// Transport defines the interface for a backend that moves KV blocks
// between nodes.
//
// Transport operations are thread-safe; several pulls may run concurrently.
type Transport interface {
	// RegisterMemory hands the node's local layer caches to the transport.
	RegisterMemory(ctx context.Context, caches Caches) error
	// RegisterLink establishes the peer links and returns them per remote
	// cluster id.
	RegisterLink(ctx context.Context) (LinkTable, error)
	// PullBlocks copies the remote blocks of a request into the local
	// blocks. It returns once all blocks are written or on the first error.
	PullBlocks(ctx context.Context, req *PullRequest) error
	// Close releases the backend.
	Close() error
}

// Exporter is implemented by transports that need the producer to stage
// blocks before a consumer can pull them.
type Exporter interface {
	// ExportBlocks stages the blocks of a finished prefill request.
	ExportBlocks(ctx context.Context, req *ExportRequest) error
}

// PullRequest names the blocks to copy from a remote cluster. Local and
// Remote must have been reconciled: they share a layout and the
// uncompressed group (or flat list) has equal lengths.
type PullRequest struct {
	RequestID string
	// ClusterID is the producer's cluster id.
	ClusterID string
	// Link is the peer link to pull over. Empty means any link.
	Link   string
	Local  blockids.BlockIDs
	Remote blockids.BlockIDs
}

// ExportRequest names the blocks a producer holds for a request.
type ExportRequest struct {
	RequestID string
	// ClusterID is the producer's own cluster id.
	ClusterID string
	BlockIDs  blockids.BlockIDs
}

// LinkTable maps a remote cluster id to the names of the peer links
// reaching it.
type LinkTable map[string][]string

// Caches maps a layer name to its local cache.
type Caches map[string]*LayerCache

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

package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/dustin/go-humanize"
)

const (
	defaultNumCounters = 1e6 // 10x the expected number of staged blocks
	defaultBufferItems = 64  // default buffer size for ristretto
)

// MemoryConfig holds the configuration for the in-process transport.
type MemoryConfig struct {
	StagingOptions

	// Size is the maximum memory size of the staging store.
	// Supports human-readable formats like "2GiB", "500MiB", "1GB", etc.
	Size string `json:"size,omitempty"`
	// Store, when set, is shared instead of creating a new store. Producer
	// and consumer transports of the same process exchange blocks through it.
	Store *MemoryStore `json:"-"`
}

// DefaultMemoryConfig returns a default configuration for the in-process
// transport.
func DefaultMemoryConfig() *MemoryConfig {
	return &MemoryConfig{
		Size: "2GiB",
	}
}

// MemoryStore is a cost-bounded in-process block store. When full, staged
// blocks are evicted and pulls of them fail with ErrBlockNotFound.
type MemoryStore struct {
	data *ristretto.Cache[string, []byte]
}

// NewMemoryStore creates a store bounded by size bytes ("2GiB", "500MiB").
func NewMemoryStore(size string) (*MemoryStore, error) {
	sizeBytes, err := humanize.ParseBytes(size)
	if err != nil {
		return nil, fmt.Errorf("failed to parse staging store size: %w", err)
	}

	cache, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: defaultNumCounters,
		MaxCost:     int64(sizeBytes), // #nosec G115 , maximum cost of cache
		BufferItems: defaultBufferItems,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize staging store: %w", err)
	}

	return &MemoryStore{data: cache}, nil
}

// MaxCost returns the capacity of the store in bytes.
func (s *MemoryStore) MaxCost() int64 {
	return s.data.MaxCost()
}

// Close stops the store. Transports sharing it must be closed first.
func (s *MemoryStore) Close() {
	s.data.Close()
}

type memoryStagingStore struct {
	store *MemoryStore
	owned bool
}

var _ stagingStore = &memoryStagingStore{}

// NewMemoryTransport creates a transport staging blocks in process memory.
func NewMemoryTransport(cfg *MemoryConfig) (*StagingTransport, error) {
	if cfg == nil {
		cfg = DefaultMemoryConfig()
	}

	store := cfg.Store
	owned := false
	if store == nil {
		size := cfg.Size
		if size == "" {
			size = DefaultMemoryConfig().Size
		}
		var err error
		store, err = NewMemoryStore(size)
		if err != nil {
			return nil, err
		}
		owned = true
	}

	return newStagingTransport("transport.MemoryTransport",
		&memoryStagingStore{store: store, owned: owned}, &cfg.StagingOptions), nil
}

func (m *memoryStagingStore) stage(_ context.Context, clusterID, requestID string,
	layers map[string]map[int][]byte, ttl time.Duration,
) error {
	cache := m.store.data
	for layer, blocks := range layers {
		for id, rec := range blocks {
			if !cache.SetWithTTL(stagedKey(clusterID, layer, id), rec, int64(len(rec)), ttl) {
				return fmt.Errorf("staging store rejected block %d of layer %s", id, layer)
			}
		}
	}
	// blocks must be visible before the ready marker
	cache.Wait()

	if !cache.SetWithTTL(readyKey(clusterID, requestID), []byte{1}, 1, ttl) {
		return fmt.Errorf("staging store rejected ready marker")
	}
	cache.Wait()
	return nil
}

func (m *memoryStagingStore) ready(_ context.Context, clusterID, requestID string) (bool, error) {
	_, found := m.store.data.Get(readyKey(clusterID, requestID))
	return found, nil
}

func (m *memoryStagingStore) fetch(_ context.Context, clusterID, layer string, ids []int) ([][]byte, error) {
	out := make([][]byte, len(ids))
	for i, id := range ids {
		rec, found := m.store.data.Get(stagedKey(clusterID, layer, id))
		if !found {
			return nil, fmt.Errorf("%w: layer %s block %d of cluster %s", ErrBlockNotFound, layer, id, clusterID)
		}
		out[i] = rec
	}
	return out, nil
}

func (m *memoryStagingStore) close() error {
	if m.owned {
		m.store.Close()
	}
	return nil
}

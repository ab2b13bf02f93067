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
	"fmt"
	"sync"
)

// LayerCache is the block storage of one attention layer on this node.
// Group is the block group the layer belongs to: 0 for uncompressed
// layers, 1.. for compressed ones.
type LayerCache struct {
	Name       string
	Group      int
	BlockBytes int

	mu     sync.RWMutex
	blocks [][]byte
}

// NewLayerCache allocates a zeroed cache of numBlocks blocks.
func NewLayerCache(name string, group, numBlocks, blockBytes int) *LayerCache {
	blocks := make([][]byte, numBlocks)
	for i := range blocks {
		blocks[i] = make([]byte, blockBytes)
	}
	return &LayerCache{
		Name:       name,
		Group:      group,
		BlockBytes: blockBytes,
		blocks:     blocks,
	}
}

// NumBlocks returns the capacity of the cache in blocks.
func (c *LayerCache) NumBlocks() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.blocks)
}

// ReadBlock returns a copy of block id.
func (c *LayerCache) ReadBlock(id int) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if id < 0 || id >= len(c.blocks) {
		return nil, fmt.Errorf("%w: layer %s block %d", ErrBlockOutOfRange, c.Name, id)
	}
	out := make([]byte, len(c.blocks[id]))
	copy(out, c.blocks[id])
	return out, nil
}

// WriteBlock overwrites block id with data.
func (c *LayerCache) WriteBlock(id int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if id < 0 || id >= len(c.blocks) {
		return fmt.Errorf("%w: layer %s block %d", ErrBlockOutOfRange, c.Name, id)
	}
	if len(data) != c.BlockBytes {
		return fmt.Errorf("layer %s block %d: got %d bytes, want %d", c.Name, id, len(data), c.BlockBytes)
	}
	copy(c.blocks[id], data)
	return nil
}

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

package transport_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llm-d/llm-d-kv-transfer/pkg/kvtransfer/blockids"
	"github.com/llm-d/llm-d-kv-transfer/pkg/kvtransfer/transport"
)

const (
	testNumBlocks  = 16
	testBlockBytes = 8
)

// transportPairFactory returns a producer-side and a consumer-side transport
// exchanging blocks through the same backend.
type transportPairFactory func(t *testing.T) (producer, consumer transport.Transport)

// blockPattern returns the content of a producer block.
func blockPattern(layer string, id int) []byte {
	out := make([]byte, testBlockBytes)
	for i := range out {
		out[i] = byte(len(layer)*31 + id*7 + i)
	}
	return out
}

func newProducerCaches(t *testing.T, groups map[string]int) transport.Caches {
	t.Helper()
	caches := make(transport.Caches, len(groups))
	for name, group := range groups {
		c := transport.NewLayerCache(name, group, testNumBlocks, testBlockBytes)
		for id := 0; id < testNumBlocks; id++ {
			require.NoError(t, c.WriteBlock(id, blockPattern(name, id)))
		}
		caches[name] = c
	}
	return caches
}

func newConsumerCaches(groups map[string]int) transport.Caches {
	caches := make(transport.Caches, len(groups))
	for name, group := range groups {
		caches[name] = transport.NewLayerCache(name, group, testNumBlocks, testBlockBytes)
	}
	return caches
}

func assertBlock(t *testing.T, caches transport.Caches, layer string, localID, remoteID int) {
	t.Helper()
	got, err := caches[layer].ReadBlock(localID)
	require.NoError(t, err)
	assert.Equal(t, blockPattern(layer, remoteID), got, "layer %s local %d <- remote %d", layer, localID, remoteID)
}

// testCommonTransportBehavior runs the behaviors every staging backend must share.
func testCommonTransportBehavior(t *testing.T, factory transportPairFactory) {
	t.Helper()

	t.Run("FlatExportAndPull", func(t *testing.T) {
		testFlatExportAndPull(t, factory)
	})
	t.Run("GroupedPairsCompressedTail", func(t *testing.T) {
		testGroupedPull(t, factory)
	})
	t.Run("NotReady", func(t *testing.T) {
		testNotReady(t, factory)
	})
	t.Run("NotRegistered", func(t *testing.T) {
		_, consumer := factory(t)
		err := consumer.PullBlocks(t.Context(), &transport.PullRequest{
			RequestID: "r", ClusterID: "p0",
			Local: blockids.NewFlat(0), Remote: blockids.NewFlat(0),
		})
		assert.ErrorIs(t, err, transport.ErrNotRegistered)
	})
}

func testFlatExportAndPull(t *testing.T, factory transportPairFactory) {
	t.Helper()
	ctx := t.Context()
	layers := map[string]int{"layers.0": 0, "layers.1": 0}

	producer, consumer := factory(t)
	require.NoError(t, producer.RegisterMemory(ctx, newProducerCaches(t, layers)))
	consumerCaches := newConsumerCaches(layers)
	require.NoError(t, consumer.RegisterMemory(ctx, consumerCaches))

	exporter, ok := producer.(transport.Exporter)
	require.True(t, ok)
	require.NoError(t, exporter.ExportBlocks(ctx, &transport.ExportRequest{
		RequestID: "R1", ClusterID: "p0", BlockIDs: blockids.NewFlat(10, 11, 12, 13, 14),
	}))

	err := consumer.PullBlocks(ctx, &transport.PullRequest{
		RequestID: "R1", ClusterID: "p0",
		Local:  blockids.NewFlat(0, 1, 2),
		Remote: blockids.NewFlat(12, 13, 14),
	})
	require.NoError(t, err)

	for layer := range layers {
		assertBlock(t, consumerCaches, layer, 0, 12)
		assertBlock(t, consumerCaches, layer, 1, 13)
		assertBlock(t, consumerCaches, layer, 2, 14)
	}

	// untouched blocks stay zeroed
	untouched, err := consumerCaches["layers.0"].ReadBlock(3)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, testBlockBytes), untouched)
}

func testGroupedPull(t *testing.T, factory transportPairFactory) {
	t.Helper()
	ctx := t.Context()
	layers := map[string]int{"layers.0": 0, "layers.1.compressed": 1}

	producer, consumer := factory(t)
	require.NoError(t, producer.RegisterMemory(ctx, newProducerCaches(t, layers)))
	consumerCaches := newConsumerCaches(layers)
	require.NoError(t, consumer.RegisterMemory(ctx, consumerCaches))

	exporter, ok := producer.(transport.Exporter)
	require.True(t, ok)
	require.NoError(t, exporter.ExportBlocks(ctx, &transport.ExportRequest{
		RequestID: "G1", ClusterID: "p1", BlockIDs: blockids.NewFlat(4, 5, 6),
	}))

	err := consumer.PullBlocks(ctx, &transport.PullRequest{
		RequestID: "G1", ClusterID: "p1",
		Local:  blockids.NewGrouped([]int{0, 1}, []int{7}),
		Remote: blockids.NewGrouped([]int{5, 6}, []int{4, 5, 6}),
	})
	require.NoError(t, err)

	assertBlock(t, consumerCaches, "layers.0", 0, 5)
	assertBlock(t, consumerCaches, "layers.0", 1, 6)
	assertBlock(t, consumerCaches, "layers.1.compressed", 7, 6)
}

func testNotReady(t *testing.T, factory transportPairFactory) {
	t.Helper()
	ctx := t.Context()

	_, consumer := factory(t)
	require.NoError(t, consumer.RegisterMemory(ctx, newConsumerCaches(map[string]int{"layers.0": 0})))

	err := consumer.PullBlocks(ctx, &transport.PullRequest{
		RequestID: "never-exported", ClusterID: "p0",
		Local:  blockids.NewFlat(0),
		Remote: blockids.NewFlat(1),
	})
	assert.ErrorIs(t, err, transport.ErrNotReady)
}

var testStaging = transport.StagingOptions{
	Links:        transport.LinkTable{"p0": {"link-a", "link-b"}},
	ReadyTimeout: 100 * time.Millisecond,
	PollInterval: 5 * time.Millisecond,
}

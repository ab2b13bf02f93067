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

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llm-d/llm-d-kv-transfer/pkg/kvtransfer/blockids"
	"github.com/llm-d/llm-d-kv-transfer/pkg/kvtransfer/transport"
)

func startMiniredis(t *testing.T) *miniredis.Miniredis {
	t.Helper()
	server, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(func() {
		server.Close()
	})
	return server
}

func newRedisTransport(t *testing.T, server *miniredis.Miniredis) transport.Transport {
	t.Helper()
	tr, err := transport.NewRedisTransport(t.Context(), &transport.RedisConfig{
		StagingOptions: testStaging,
		Address:        server.Addr(),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = tr.Close()
	})
	return tr
}

// createRedisTransportsForTesting creates producer and consumer transports
// backed by the same mock Redis server.
func createRedisTransportsForTesting(t *testing.T) (producer, consumer transport.Transport) {
	t.Helper()
	server := startMiniredis(t)
	return newRedisTransport(t, server), newRedisTransport(t, server)
}

func TestRedisTransportBehavior(t *testing.T) {
	testCommonTransportBehavior(t, createRedisTransportsForTesting)
}

func TestRedisTransportMarksReady(t *testing.T) {
	ctx := t.Context()
	server := startMiniredis(t)
	producer := newRedisTransport(t, server)
	require.NoError(t, producer.RegisterMemory(ctx, newProducerCaches(t, map[string]int{"layers.0": 0})))

	exporter, ok := producer.(transport.Exporter)
	require.True(t, ok)
	require.NoError(t, exporter.ExportBlocks(ctx, &transport.ExportRequest{
		RequestID: "R1", ClusterID: "p0", BlockIDs: blockids.NewFlat(1, 2),
	}))

	assert.True(t, server.Exists("kvx:p0:ready:R1"))
	fields, err := server.HKeys("kvx:p0:layers.0")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"1", "2"}, fields)
	assert.Positive(t, server.TTL("kvx:p0:layers.0"))
}

func TestRedisTransportDetectsCorruption(t *testing.T) {
	ctx := t.Context()
	server := startMiniredis(t)
	layers := map[string]int{"layers.0": 0}

	producer := newRedisTransport(t, server)
	require.NoError(t, producer.RegisterMemory(ctx, newProducerCaches(t, layers)))
	consumer := newRedisTransport(t, server)
	require.NoError(t, consumer.RegisterMemory(ctx, newConsumerCaches(layers)))

	exporter, ok := producer.(transport.Exporter)
	require.True(t, ok)
	require.NoError(t, exporter.ExportBlocks(ctx, &transport.ExportRequest{
		RequestID: "R1", ClusterID: "p0", BlockIDs: blockids.NewFlat(3),
	}))

	// swap one data byte of the staged record, leaving its checksum intact
	raw := []byte(server.HGet("kvx:p0:layers.0", "3"))
	raw[len(raw)-1] ^= 0xff
	server.HSet("kvx:p0:layers.0", "3", string(raw))

	err := consumer.PullBlocks(ctx, &transport.PullRequest{
		RequestID: "R1", ClusterID: "p0",
		Local: blockids.NewFlat(0), Remote: blockids.NewFlat(3),
	})
	assert.ErrorIs(t, err, transport.ErrChecksum)
}

func TestRedisTransportMissingBlock(t *testing.T) {
	ctx := t.Context()
	server := startMiniredis(t)
	layers := map[string]int{"layers.0": 0}

	producer := newRedisTransport(t, server)
	require.NoError(t, producer.RegisterMemory(ctx, newProducerCaches(t, layers)))
	consumer := newRedisTransport(t, server)
	require.NoError(t, consumer.RegisterMemory(ctx, newConsumerCaches(layers)))

	exporter, ok := producer.(transport.Exporter)
	require.True(t, ok)
	require.NoError(t, exporter.ExportBlocks(ctx, &transport.ExportRequest{
		RequestID: "R1", ClusterID: "p0", BlockIDs: blockids.NewFlat(3),
	}))
	server.HDel("kvx:p0:layers.0", "3")

	err := consumer.PullBlocks(ctx, &transport.PullRequest{
		RequestID: "R1", ClusterID: "p0",
		Local: blockids.NewFlat(0), Remote: blockids.NewFlat(3),
	})
	assert.ErrorIs(t, err, transport.ErrBlockNotFound)
}

func TestNewRedisTransportUnreachable(t *testing.T) {
	_, err := transport.NewRedisTransport(t.Context(), &transport.RedisConfig{Address: "127.0.0.1:1"})
	assert.Error(t, err)
}

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

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llm-d/llm-d-kv-transfer/pkg/kvtransfer"
	"github.com/llm-d/llm-d-kv-transfer/pkg/kvtransfer/metrics"
	"github.com/llm-d/llm-d-kv-transfer/pkg/kvtransfer/transport"
)

const testBlockSize = 4

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	addr, ok := l.Addr().(*net.TCPAddr)
	require.True(t, ok)
	return addr.Port
}

func newTestNode(t *testing.T, cfg *kvtransfer.Config) (*node, transport.Caches) {
	t.Helper()
	ctx := t.Context()

	caches := newCaches(cfg.KVRole)
	scheduler, worker, err := newConnectors(ctx, cfg, caches)
	require.NoError(t, err)
	t.Cleanup(func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = worker.Close(closeCtx)
		_ = scheduler.Close(closeCtx)
	})
	return newNode(scheduler, worker, cfg), caches
}

// runSteps drives the step loops until the test ends.
func runSteps(t *testing.T, nodes ...*node) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for _, n := range nodes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n.stepLoop(ctx, 10*time.Millisecond)
		}()
	}
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
}

func post(t *testing.T, handler http.HandlerFunc, body, out any) {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(data)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
}

func TestNodeTransfersOverFastPath(t *testing.T) {
	store, err := transport.NewMemoryStore("64MiB")
	require.NoError(t, err)
	t.Cleanup(store.Close)

	transportConfig := func() *transport.Config {
		return &transport.Config{MemoryConfig: &transport.MemoryConfig{
			StagingOptions: transport.StagingOptions{ReadyTimeout: 2 * time.Second},
			Store:          store,
		}}
	}

	producerCfg := kvtransfer.DefaultConfig(kvtransfer.KVProducer)
	producerCfg.ClusterID = "0"
	producerCfg.HostIP = "127.0.0.1"
	producerCfg.AckPort = freePort(t)
	producerCfg.BlockSize = testBlockSize
	producerCfg.TransportConfig = transportConfig()

	consumerCfg := kvtransfer.DefaultConfig(kvtransfer.KVConsumer)
	consumerCfg.ClusterID = "100"
	consumerCfg.BlockSize = testBlockSize
	consumerCfg.AsyncPull = true
	consumerCfg.FastPathEndpoint = "inproc://kv-transfer-node-test"
	consumerCfg.TransportConfig = transportConfig()

	producer, producerCaches := newTestNode(t, producerCfg)
	consumer, consumerCaches := newTestNode(t, consumerCfg)
	runSteps(t, producer, consumer)

	// let the fast-path subscription settle, PUB drops batches before it
	time.Sleep(200 * time.Millisecond)
	batchesBefore := testutil.ToFloat64(metrics.FastPathBatches)

	var params kvtransfer.KVTransferParams
	post(t, producer.handlePrefill, prefillRequest{RequestID: "R1", NumTokens: 5 * testBlockSize}, &params)
	require.Len(t, params.RemoteBlockIDs, 5)

	decode := decodeRequest{
		RequestID:        "R1",
		NumTokens:        5 * testBlockSize,
		NumCachedTokens:  2 * testBlockSize,
		KVTransferParams: &params,
	}
	var resp decodeResponse
	post(t, consumer.handleDecode, decode, &resp)
	require.Equal(t, 3*testBlockSize, resp.NumExternalTokens)
	require.Len(t, resp.LocalBlockIDs, 3)

	require.Eventually(t, func() bool {
		return !consumer.holds("R1") && !producer.holds("R1")
	}, 5*time.Second, 10*time.Millisecond, "both nodes release R1 once the pull is acked")
	assert.Greater(t, testutil.ToFloat64(metrics.FastPathBatches), batchesBefore)

	// the last three producer blocks landed in the consumer's blocks
	for name, cache := range consumerCaches {
		for i, local := range resp.LocalBlockIDs {
			got, err := cache.ReadBlock(local)
			require.NoError(t, err)
			want, err := producerCaches[name].ReadBlock(params.RemoteBlockIDs[2+i])
			require.NoError(t, err)
			assert.Equal(t, want, got, "layer %s block %d", name, local)
		}
	}

	// a finished request id is matched again
	var again decodeResponse
	post(t, consumer.handleDecode, decode, &again)
	assert.Equal(t, 3*testBlockSize, again.NumExternalTokens)
}

func TestNodeFinishesRequestsWithoutExternalTokens(t *testing.T) {
	cfg := kvtransfer.DefaultConfig(kvtransfer.KVConsumer)
	cfg.BlockSize = testBlockSize
	consumer, _ := newTestNode(t, cfg)

	decode := decodeRequest{RequestID: "R1", NumTokens: 2 * testBlockSize, NumCachedTokens: 2 * testBlockSize}
	for range 2 {
		var resp decodeResponse
		post(t, consumer.handleDecode, decode, &resp)
		assert.Zero(t, resp.NumExternalTokens)
		assert.False(t, consumer.holds("R1"))
	}
}

func TestNewConnectorsClosesOnRegisterFailure(t *testing.T) {
	cfg := kvtransfer.DefaultConfig(kvtransfer.KVConsumer)
	cfg.BlockSize = testBlockSize
	cfg.AsyncPull = true
	cfg.FastPathEndpoint = "inproc://kv-transfer-node-register"

	_, _, err := newConnectors(t.Context(), cfg, transport.Caches{})
	require.Error(t, err)

	// the fast-path endpoint was released, so it binds again
	assert.Eventually(t, func() bool {
		scheduler, worker, err := newConnectors(t.Context(), cfg, newCaches(cfg.KVRole))
		if err != nil {
			return false
		}
		_ = worker.Close(t.Context())
		_ = scheduler.Close(t.Context())
		return true
	}, 2*time.Second, 50*time.Millisecond)
}

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
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-kv-transfer/pkg/kvtransfer"
	"github.com/llm-d/llm-d-kv-transfer/pkg/kvtransfer/blockids"
)

// node plays the serving engine around a connector: it allocates blocks,
// drives the scheduler hooks and polls the worker every step.
type node struct {
	scheduler *kvtransfer.Connector
	worker    *kvtransfer.Connector
	blockSize int
	consumer  bool
	asyncPull bool

	mu        sync.Mutex
	nextBlock int
	held      map[string][]int
}

func newNode(scheduler, worker *kvtransfer.Connector, cfg *kvtransfer.Config) *node {
	consumer := cfg.KVRole == kvtransfer.KVConsumer
	return &node{
		scheduler: scheduler,
		worker:    worker,
		blockSize: cfg.BlockSize,
		consumer:  consumer,
		asyncPull: consumer && cfg.AsyncPull,
		held:      make(map[string][]int),
	}
}

// allocate hands out n blocks round-robin over the synthetic caches.
func (n *node) allocate(requestID string, count int) []int {
	n.mu.Lock()
	defer n.mu.Unlock()

	ids := make([]int, count)
	for i := range ids {
		ids[i] = n.nextBlock
		n.nextBlock = (n.nextBlock + 1) % numBlocks
	}
	n.held[requestID] = ids
	return ids
}

func (n *node) free(requestIDs ...string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, id := range requestIDs {
		delete(n.held, id)
	}
}

// finish ends consumer requests whose pull completed or failed, so that a
// later request with the same id is matched again.
func (n *node) finish(ctx context.Context, requestIDs ...string) {
	logger := klog.FromContext(ctx)
	for _, id := range requestIDs {
		n.mu.Lock()
		blocks := n.held[id]
		n.mu.Unlock()

		if _, _, err := n.scheduler.RequestFinished(&kvtransfer.Request{
			RequestID: id,
			Status:    kvtransfer.StatusFinishedStopped,
		}, blocks, nil); err != nil {
			logger.Error(err, "Failed to finish request", "request", id)
		}
	}
	n.free(requestIDs...)
}

// stepLoop runs the per-step metadata build and completion polling until
// ctx is canceled.
func (n *node) stepLoop(ctx context.Context, interval time.Duration) {
	logger := klog.FromContext(ctx).WithName("step")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if n.asyncPull {
			// the early build publishes to the worker's fast-path subscriber
			if _, err := n.scheduler.BuildConnectorMetadata(ctx, nil); err != nil {
				logger.Error(err, "Failed to build early connector metadata")
			}
		}

		meta, err := n.scheduler.BuildConnectorMetadata(ctx, &kvtransfer.StepContext{})
		if err != nil {
			logger.Error(err, "Failed to build connector metadata")
			continue
		}
		if err := n.worker.StartLoad(ctx, meta); err != nil {
			logger.Error(err, "Failed to start loads")
		}

		sending, recving, err := n.worker.GetFinished()
		if err != nil {
			logger.Error(err, "Failed to get finished requests")
			continue
		}
		failed, err := n.worker.GetFailedLoads()
		if err != nil {
			logger.Error(err, "Failed to get failed loads")
			continue
		}

		if sending.Len() > 0 {
			logger.Info("Released blocks held for consumers", "requests", sets.List(sending))
			n.free(sets.List(sending)...)
		}
		if recving.Len() > 0 {
			logger.Info("Loaded remote blocks", "requests", sets.List(recving))
		}
		if failed.Len() > 0 {
			logger.Info("Failed to load remote blocks", "requests", sets.List(failed))
		}
		if n.consumer {
			n.finish(ctx, sets.List(recving.Union(failed))...)
		} else {
			n.free(sets.List(failed)...)
		}
	}
}

type prefillRequest struct {
	RequestID string `json:"request_id"`
	NumTokens int    `json:"num_tokens"`
}

// handlePrefill finishes a request at the prefill length cap and returns
// its transfer params.
func (n *node) handlePrefill(w http.ResponseWriter, r *http.Request) {
	var req prefillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.RequestID == "" || req.NumTokens <= 0 {
		http.Error(w, "request_id and num_tokens are required", http.StatusBadRequest)
		return
	}

	numBlocksNeeded := (req.NumTokens + n.blockSize - 1) / n.blockSize
	blocks := n.allocate(req.RequestID, numBlocksNeeded)

	delay, params, err := n.scheduler.RequestFinished(&kvtransfer.Request{
		RequestID:      req.RequestID,
		PromptTokenIDs: make([]uint32, req.NumTokens),
		Status:         kvtransfer.StatusFinishedLengthCapped,
	}, blocks, nil)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !delay {
		n.free(req.RequestID)
	}

	writeJSON(r.Context(), w, params)
}

type decodeRequest struct {
	RequestID        string                       `json:"request_id"`
	NumTokens        int                          `json:"num_tokens"`
	NumCachedTokens  int                          `json:"num_cached_tokens"`
	KVTransferParams *kvtransfer.KVTransferParams `json:"kv_transfer_params"`
}

type decodeResponse struct {
	NumExternalTokens int   `json:"num_external_tokens"`
	LocalBlockIDs     []int `json:"local_block_ids"`
}

// handleDecode schedules a request carrying transfer params. The pull
// starts on the next step.
func (n *node) handleDecode(w http.ResponseWriter, r *http.Request) {
	var req decodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	sreq := &kvtransfer.Request{
		RequestID:        req.RequestID,
		PromptTokenIDs:   make([]uint32, req.NumTokens),
		Status:           kvtransfer.StatusWaiting,
		KVTransferParams: req.KVTransferParams,
	}
	numExternal, _, err := n.scheduler.GetNumNewMatchedTokens(sreq, req.NumCachedTokens)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	local := n.allocate(req.RequestID, numExternal/n.blockSize)
	if err := n.scheduler.UpdateStateAfterAlloc(sreq,
		kvtransfer.StaticBlocks{IDs: blockids.NewFlat(local...)}, numExternal); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if numExternal == 0 {
		// nothing to pull, the request runs on local blocks only
		n.finish(r.Context(), req.RequestID)
	}

	writeJSON(r.Context(), w, decodeResponse{NumExternalTokens: numExternal, LocalBlockIDs: local})
}

// holds reports whether the node still holds blocks for a request.
func (n *node) holds(requestID string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.held[requestID]
	return ok
}

func writeJSON(ctx context.Context, w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		klog.FromContext(ctx).Error(err, "Failed to encode response")
	}
}

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
	"context"
	"fmt"
	"sync"

	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-kv-transfer/pkg/kvtransfer/blockids"
	"github.com/llm-d/llm-d-kv-transfer/pkg/kvtransfer/fastpath"
	"github.com/llm-d/llm-d-kv-transfer/pkg/utils/logging"
)

type pendingFetch struct {
	req   *Request
	local blockids.BlockIDs
}

// ConsumerScheduler is the scheduler half of a decode node. It claims the
// prompt tokens of transferred requests as externally computed and turns
// their allocations into transfer metadata.
type ConsumerScheduler struct {
	logger    klog.Logger
	blockSize int
	publisher *fastpath.Publisher

	mu             sync.Mutex
	pendingFetches map[string]pendingFetch
	processed      sets.Set[string]
}

var _ SchedulerAdapter = &ConsumerScheduler{}

// NewConsumerScheduler creates a ConsumerScheduler. With AsyncPull set, it
// binds the fast-path publisher.
func NewConsumerScheduler(logger klog.Logger, cfg *Config) (*ConsumerScheduler, error) {
	s := &ConsumerScheduler{
		logger:         logger.WithName("consumer-scheduler"),
		blockSize:      cfg.BlockSize,
		pendingFetches: make(map[string]pendingFetch),
		processed:      sets.New[string](),
	}

	if cfg.AsyncPull {
		pub, err := fastpath.NewPublisher(cfg.FastPathAddress())
		if err != nil {
			return nil, err
		}
		s.publisher = pub
		s.logger.Info("Fast path enabled", "endpoint", pub.Endpoint())
	}
	return s, nil
}

func roundUp(x, y int) int {
	return ((x + y - 1) / y) * y
}

// GetNumNewMatchedTokens claims the prompt tokens not computed locally, up
// to the next block boundary, the first time a request with transfer params
// is seen. numComputedTokens must be a multiple of the block size.
func (s *ConsumerScheduler) GetNumNewMatchedTokens(req *Request, numComputedTokens int) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.processed.Has(req.RequestID) {
		return 0, false, nil
	}
	s.processed.Insert(req.RequestID)

	if req.KVTransferParams == nil {
		return 0, false, nil
	}

	s.logger.V(logging.DEBUG).Info("Matching external tokens",
		"request", req.RequestID, "numComputedTokens", numComputedTokens)

	if numComputedTokens%s.blockSize != 0 {
		return 0, false, fmt.Errorf("%w: %d computed tokens are not a multiple of block size %d",
			ErrInvariant, numComputedTokens, s.blockSize)
	}

	count := max(roundUp(len(req.PromptTokenIDs), s.blockSize)-numComputedTokens, 0)
	return count, count > 0, nil
}

// UpdateStateAfterAlloc records the blocks to fill for a request whose
// params name remote blocks, a producer cluster and an ack address.
func (s *ConsumerScheduler) UpdateStateAfterAlloc(req *Request, blocks AllocatedBlocks, numExternalTokens int) {
	params := req.KVTransferParams
	if params == nil || len(params.RemoteBlockIDs) == 0 {
		return
	}
	if params.RemoteClusterID == "" || params.RemoteHostIP == "" {
		s.logger.Info("Got invalid KVTransferParams, dropping request",
			"request", req.RequestID, "params", params)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingFetches[req.RequestID] = pendingFetch{req: req, local: blocks.UnhashedBlockIDs()}

	s.logger.V(logging.TRACE).Info("Pending fetch",
		"request", req.RequestID, "numExternalTokens", numExternalTokens)
}

// BuildConnectorMetadata turns the pending fetches into metadata and
// consumes the requests' params. On the early build (step == nil) with the
// fast path enabled, a non-empty batch is also published to the workers.
func (s *ConsumerScheduler) BuildConnectorMetadata(ctx context.Context, step *StepContext) *Metadata {
	meta := NewMetadata()

	s.mu.Lock()
	for id, pending := range s.pendingFetches {
		if pending.req.KVTransferParams == nil {
			s.logger.Info("KVTransferParams were cleared before the metadata build", "request", id)
		} else {
			meta.AddRequest(id, pending.local, pending.req.KVTransferParams)
		}
		pending.req.KVTransferParams = nil
	}
	clear(s.pendingFetches)
	s.mu.Unlock()

	if s.publisher != nil && step == nil && meta.Len() > 0 {
		if err := s.publisher.Publish(ctx, meta); err != nil {
			s.logger.Error(err, "Failed to publish metadata on the fast path", "requests", meta.Len())
		}
	}
	return meta
}

// RequestFinished forgets the request.
func (s *ConsumerScheduler) RequestFinished(req *Request, _ []int, _ []uint32) (bool, *KVTransferParams) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processed.Delete(req.RequestID)
	return false, nil
}

// Close closes the fast-path publisher.
func (s *ConsumerScheduler) Close() error {
	if s.publisher != nil {
		return s.publisher.Close()
	}
	return nil
}

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
	"sync"

	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-kv-transfer/pkg/kvtransfer/blockids"
	"github.com/llm-d/llm-d-kv-transfer/pkg/utils"
	"github.com/llm-d/llm-d-kv-transfer/pkg/utils/logging"
)

// ProducerScheduler is the scheduler half of a prefill node. It never
// loads tokens; when a request finishes prefill it keeps the request's
// blocks and hands out the params consumers fetch them with.
type ProducerScheduler struct {
	logger     klog.Logger
	clusterID  string
	ackAddress string

	mu sync.Mutex
	// blocks held for consumers, to stage on the next metadata build
	pendingExports map[string][]int
}

var _ SchedulerAdapter = &ProducerScheduler{}

// NewProducerScheduler creates a ProducerScheduler.
func NewProducerScheduler(logger klog.Logger, cfg *Config) *ProducerScheduler {
	return &ProducerScheduler{
		logger:         logger.WithName("producer-scheduler"),
		clusterID:      cfg.ClusterID,
		ackAddress:     cfg.AckAddress(),
		pendingExports: make(map[string][]int),
	}
}

// GetNumNewMatchedTokens always returns zero: producers compute every token.
func (s *ProducerScheduler) GetNumNewMatchedTokens(*Request, int) (int, bool, error) {
	return 0, false, nil
}

// UpdateStateAfterAlloc is a no-op.
func (s *ProducerScheduler) UpdateStateAfterAlloc(*Request, AllocatedBlocks, int) {}

// BuildConnectorMetadata returns the held blocks of the requests finished
// since the previous build, for transports that stage blocks.
func (s *ProducerScheduler) BuildConnectorMetadata(_ context.Context, _ *StepContext) *Metadata {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta := NewMetadata()
	for id, held := range s.pendingExports {
		meta.Requests[id] = &ReqMeta{
			LocalBlockIDs:   blockids.NewFlat(held...),
			RemoteBlockIDs:  blockids.NewFlat(),
			RemoteClusterID: s.clusterID,
		}
	}
	clear(s.pendingExports)
	return meta
}

// RequestFinished returns the transfer params of a request that stopped at
// the prefill length cap. Its blocks must not be freed when it holds any.
// Other requests are not transferred.
func (s *ProducerScheduler) RequestFinished(req *Request, blockIDs []int, specTokenIDs []uint32,
) (bool, *KVTransferParams) {
	if req.Status != StatusFinishedLengthCapped {
		return false, nil
	}

	delayFree := len(blockIDs) > 0
	params := &KVTransferParams{
		RemoteBlockIDs:  utils.Clone(blockIDs),
		RemoteClusterID: s.clusterID,
		RemoteHostIP:    s.ackAddress,
		SpecTokenIDs:    utils.Clone(specTokenIDs),
	}
	if params.RemoteBlockIDs == nil {
		params.RemoteBlockIDs = []int{}
	}

	if delayFree {
		s.mu.Lock()
		s.pendingExports[req.RequestID] = utils.Clone(blockIDs)
		s.mu.Unlock()
	}

	s.logger.V(logging.DEBUG).Info("Request finished prefill",
		"request", req.RequestID, "blocks", len(blockIDs), "delayFree", delayFree)
	return delayFree, params
}

// Close is a no-op.
func (s *ProducerScheduler) Close() error {
	return nil
}

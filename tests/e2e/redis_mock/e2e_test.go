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

//nolint:testpackage // allow tests to run in the same package
package e2e

import (
	"time"

	"github.com/llm-d/llm-d-kv-transfer/pkg/kvtransfer"
	"github.com/llm-d/llm-d-kv-transfer/pkg/kvtransfer/blockids"
)

// schedule runs the consumer scheduler's side of one step for a request
// and returns the resulting metadata.
func (s *KVTransferSuite) schedule(requestID string, promptLen int, params *kvtransfer.KVTransferParams,
	local blockids.BlockIDs,
) *kvtransfer.Metadata {
	req := &kvtransfer.Request{
		RequestID:        requestID,
		PromptTokenIDs:   make([]uint32, promptLen),
		Status:           kvtransfer.StatusWaiting,
		KVTransferParams: params,
	}

	n, async, err := s.consumerScheduler.GetNumNewMatchedTokens(req, 0)
	s.Require().NoError(err)
	s.T().Logf("Request %s: %d external tokens, async=%v", requestID, n, async)

	s.Require().NoError(s.consumerScheduler.UpdateStateAfterAlloc(req, kvtransfer.StaticBlocks{IDs: local}, n))
	meta, err := s.consumerScheduler.BuildConnectorMetadata(s.ctx, &kvtransfer.StepContext{
		NumScheduledTokens: map[string]int{requestID: n},
	})
	s.Require().NoError(err)
	return meta
}

// TestTransferTrimsSurplusRemoteBlocks verifies that a consumer holding
// fewer blocks than the producer receives the producer's last blocks, and
// that the producer is released afterwards.
func (s *KVTransferSuite) TestTransferTrimsSurplusRemoteBlocks() {
	params := s.prefill("R1", []int{10, 11, 12, 13, 14})

	meta := s.schedule("R1", 3*blockSize, params, blockids.NewFlat(0, 1, 2))
	s.Require().Equal(1, meta.Len())
	s.Require().NoError(s.consumerWorker.StartLoad(s.ctx, meta))

	s.Eventually(func() bool {
		s.collectFinished()
		return s.received.Has("R1") && s.sent.Has("R1")
	}, 10*time.Second, 20*time.Millisecond, "expected R1 to be received and acked")
	s.Empty(s.failed)

	for _, layer := range layers {
		for local, remote := range map[int]int{0: 12, 1: 13, 2: 14} {
			got, err := s.consumerCaches[layer].ReadBlock(local)
			s.Require().NoError(err)
			s.Equal(blockContent(layer, remote), got, "layer %s block %d", layer, local)
		}
		untouched, err := s.consumerCaches[layer].ReadBlock(3)
		s.Require().NoError(err)
		s.Equal(make([]byte, blockBytes), untouched)
	}
}

// TestSkipWithoutLocalBlocks verifies that a request with nothing to fetch is
// neither loaded nor acknowledged.
func (s *KVTransferSuite) TestSkipWithoutLocalBlocks() {
	params := s.prefill("R2", []int{1, 2})

	meta := s.schedule("R2", 2*blockSize, params, blockids.NewFlat())
	s.Require().NoError(s.consumerWorker.StartLoad(s.ctx, meta))

	s.Never(func() bool {
		s.collectFinished()
		return s.received.Has("R2") || s.sent.Has("R2") || s.failed.Has("R2")
	}, 500*time.Millisecond, 50*time.Millisecond)
}

// TestShapeMismatchReleasesProducer verifies that a request the producer
// cannot fully serve fails on the consumer and still releases the producer.
func (s *KVTransferSuite) TestShapeMismatchReleasesProducer() {
	params := s.prefill("R3", []int{10, 11})

	meta := s.schedule("R3", 3*blockSize, params, blockids.NewFlat(0, 1, 2))
	err := s.consumerWorker.StartLoad(s.ctx, meta)
	s.ErrorIs(err, kvtransfer.ErrShapeMismatch)

	s.Eventually(func() bool {
		s.collectFinished()
		return s.failed.Has("R3") && s.sent.Has("R3")
	}, 10*time.Second, 20*time.Millisecond, "expected R3 to fail and be acked")
	s.False(s.received.Has("R3"))
}

// TestIndependentRequests verifies that a bad request in a batch does not
// hold back the others.
func (s *KVTransferSuite) TestIndependentRequests() {
	good := s.prefill("good", []int{4, 5})
	bad := s.prefill("bad", []int{6})

	meta := s.schedule("good", 2*blockSize, good, blockids.NewFlat(7, 8))
	badMeta := s.schedule("bad", 2*blockSize, bad, blockids.NewFlat(9, 10))
	for id, rm := range badMeta.Requests {
		meta.Requests[id] = rm
	}

	err := s.consumerWorker.StartLoad(s.ctx, meta)
	s.ErrorIs(err, kvtransfer.ErrShapeMismatch)

	s.Eventually(func() bool {
		s.collectFinished()
		return s.received.Has("good") && s.failed.Has("bad") && s.sent.HasAll("good", "bad")
	}, 10*time.Second, 20*time.Millisecond)

	got, err := s.consumerCaches["layers.0"].ReadBlock(8)
	s.Require().NoError(err)
	s.Equal(blockContent("layers.0", 5), got)
}

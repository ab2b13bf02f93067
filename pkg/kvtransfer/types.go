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
	"fmt"
	"sort"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/llm-d/llm-d-kv-transfer/pkg/kvtransfer/blockids"
	"github.com/llm-d/llm-d-kv-transfer/pkg/utils"
)

// RequestStatus is the scheduler's view of a request's state.
type RequestStatus int

const (
	StatusWaiting RequestStatus = iota
	StatusRunning
	StatusFinishedStopped
	StatusFinishedLengthCapped
	StatusFinishedAborted
	StatusFinishedIgnored
)

// String returns a string representation of the RequestStatus.
func (s RequestStatus) String() string {
	switch s {
	case StatusWaiting:
		return "waiting"
	case StatusRunning:
		return "running"
	case StatusFinishedStopped:
		return "finished_stopped"
	case StatusFinishedLengthCapped:
		return "finished_length_capped"
	case StatusFinishedAborted:
		return "finished_aborted"
	case StatusFinishedIgnored:
		return "finished_ignored"
	default:
		return fmt.Sprintf("RequestStatus(%d)", int(s))
	}
}

// IsFinished reports whether the request left the running set.
func (s RequestStatus) IsFinished() bool {
	return s >= StatusFinishedStopped
}

// KVTransferParams travel with a request from the producer's scheduler,
// through the router, to the consumer's scheduler.
type KVTransferParams struct {
	RemoteBlockIDs  []int    `json:"remote_block_ids" msgpack:"remote_block_ids"`
	RemoteClusterID string   `json:"remote_cluster_id" msgpack:"remote_cluster_id"`
	RemoteHostIP    string   `json:"remote_host_ip" msgpack:"remote_host_ip"`
	SpecTokenIDs    []uint32 `json:"spec_token_ids" msgpack:"spec_token_ids"`
}

// Request is the part of a scheduler request the connector reads.
type Request struct {
	RequestID        string
	PromptTokenIDs   []uint32
	Status           RequestStatus
	KVTransferParams *KVTransferParams
}

// AllocatedBlocks are the blocks the scheduler allocated for a request.
type AllocatedBlocks interface {
	// UnhashedBlockIDs returns the blocks not served by the local prefix
	// cache, i.e. the blocks to fill from the producer.
	UnhashedBlockIDs() blockids.BlockIDs
}

// StaticBlocks is an AllocatedBlocks over a fixed set of block ids.
type StaticBlocks struct {
	IDs blockids.BlockIDs
}

// UnhashedBlockIDs returns a copy of the ids.
func (b StaticBlocks) UnhashedBlockIDs() blockids.BlockIDs {
	return b.IDs.Clone()
}

// StepContext is the scheduler output of the current step. A nil
// StepContext marks the early metadata build that precedes scheduling.
type StepContext struct {
	// NumScheduledTokens maps request ids to the tokens scheduled this step.
	NumScheduledTokens map[string]int
}

// ReqMeta describes the transfer of one request.
type ReqMeta struct {
	LocalBlockIDs   blockids.BlockIDs `json:"local_block_ids" msgpack:"local_block_ids"`
	RemoteBlockIDs  blockids.BlockIDs `json:"remote_block_ids" msgpack:"remote_block_ids"`
	RemoteHost      string            `json:"remote_host" msgpack:"remote_host"`
	RemoteClusterID string            `json:"remote_cluster_id" msgpack:"remote_cluster_id"`
	SpecTokenIDs    []uint32          `json:"spec_token_ids" msgpack:"spec_token_ids"`
}

// Metadata is the batch of transfers built by a scheduler for one step.
// It is not modified once handed to a worker.
type Metadata struct {
	Requests map[string]*ReqMeta `json:"requests" msgpack:"requests"`
}

// NewMetadata returns an empty batch.
func NewMetadata() *Metadata {
	return &Metadata{Requests: make(map[string]*ReqMeta)}
}

// AddRequest adds the transfer of a request, built from its params.
func (m *Metadata) AddRequest(requestID string, local blockids.BlockIDs, params *KVTransferParams) {
	m.Requests[requestID] = &ReqMeta{
		LocalBlockIDs:   local,
		RemoteBlockIDs:  blockids.NewFlat(utils.Clone(params.RemoteBlockIDs)...),
		RemoteHost:      params.RemoteHostIP,
		RemoteClusterID: params.RemoteClusterID,
		SpecTokenIDs:    utils.Clone(params.SpecTokenIDs),
	}
}

// Len returns the number of requests in the batch.
func (m *Metadata) Len() int {
	if m == nil {
		return 0
	}
	return len(m.Requests)
}

// RequestIDs returns the request ids in lexical order.
func (m *Metadata) RequestIDs() []string {
	if m == nil {
		return nil
	}
	ids := make([]string, 0, len(m.Requests))
	for id := range m.Requests {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// EncodeMetadata encodes a batch for the fast path.
func EncodeMetadata(m *Metadata) ([]byte, error) {
	return msgpack.Marshal(m)
}

// DecodeMetadata decodes a fast-path batch. Requests without a transfer
// description are dropped.
func DecodeMetadata(payload []byte) (*Metadata, error) {
	m := NewMetadata()
	if err := msgpack.Unmarshal(payload, m); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	if m.Requests == nil {
		m.Requests = make(map[string]*ReqMeta)
	}
	for id, rm := range m.Requests {
		if rm == nil {
			delete(m.Requests, id)
		}
	}
	return m, nil
}

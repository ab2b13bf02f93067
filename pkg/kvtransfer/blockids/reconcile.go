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

package blockids

import (
	"fmt"

	"github.com/llm-d/llm-d-kv-transfer/pkg/utils"
)

// Pair is a reconciled pair of local and remote block ids with compatible
// shapes: the i-th local block of a group receives the i-th remote block of
// the same group.
type Pair struct {
	Local  BlockIDs
	Remote BlockIDs
}

// Reconcile pairs the blocks a consumer reserved locally with the blocks the
// producer holds. The producer may hold blocks for a prefix the consumer
// already cached, so surplus remote blocks are dropped from the front and
// the last len(local) entries are kept.
//
// ok is false when there is nothing to fetch. A non-nil error means the
// shapes cannot be paired and the request must not be dispatched.
func Reconcile(local, remote BlockIDs) (pair Pair, ok bool, err error) {
	if len(local.Primary()) == 0 {
		return Pair{}, false, nil
	}

	if !local.IsGrouped() {
		if remote.IsGrouped() {
			return Pair{}, false, fmt.Errorf("%w: flat local block ids with grouped remote block ids", ErrShapeMismatch)
		}
		trimmed, err := trimTail(remote.Flat, len(local.Flat))
		if err != nil {
			return Pair{}, false, err
		}
		return Pair{Local: local.Clone(), Remote: NewFlat(trimmed...)}, true, nil
	}

	groups := make([][]int, len(local.Groups))
	if remote.IsGrouped() {
		if len(remote.Groups) != len(local.Groups) {
			return Pair{}, false, fmt.Errorf("%w: %d local groups, %d remote groups",
				ErrShapeMismatch, len(local.Groups), len(remote.Groups))
		}
		for g := range groups {
			groups[g] = utils.Clone(remote.Groups[g])
		}
	} else {
		for g := range groups {
			groups[g] = utils.Clone(remote.Flat)
		}
	}

	// only the uncompressed group is length-checked and trimmed, compressed
	// groups are paired by the transport.
	trimmed, err := trimTail(groups[0], len(local.Groups[0]))
	if err != nil {
		return Pair{}, false, err
	}
	groups[0] = trimmed

	return Pair{Local: local.Clone(), Remote: NewGrouped(groups...)}, true, nil
}

func trimTail(remote []int, localLen int) ([]int, error) {
	if len(remote) < localLen {
		return nil, fmt.Errorf("%w: fewer remote blocks (%d) than local blocks (%d)",
			ErrShapeMismatch, len(remote), localLen)
	}
	trimmed := utils.LastN(remote, localLen)
	if trimmed == nil {
		trimmed = []int{}
	}
	return trimmed, nil
}

// Split divides a reconciled pair into n contiguous parts, one per peer
// link. Part i covers [i*len/n, (i+1)*len/n) of the flat list or of group
// 0; for grouped ids the compressed groups travel with the last part and
// the other parts carry empty compressed groups. Parts may be empty and
// callers skip those.
func Split(pair Pair, n int) []Pair {
	if n <= 1 {
		return []Pair{pair}
	}

	parts := make([]Pair, n)
	if !pair.Local.IsGrouped() {
		total := len(pair.Local.Flat)
		for i := range parts {
			lo, hi := i*total/n, (i+1)*total/n
			parts[i] = Pair{
				Local:  NewFlat(utils.Clone(pair.Local.Flat[lo:hi])...),
				Remote: NewFlat(utils.Clone(pair.Remote.Flat[lo:hi])...),
			}
		}
		return parts
	}

	total := len(pair.Local.Groups[0])
	numGroups := len(pair.Local.Groups)
	for i := range parts {
		lo, hi := i*total/n, (i+1)*total/n
		local := make([][]int, numGroups)
		remote := make([][]int, numGroups)
		local[0] = utils.Clone(pair.Local.Groups[0][lo:hi])
		remote[0] = utils.Clone(pair.Remote.Groups[0][lo:hi])
		for g := 1; g < numGroups; g++ {
			if i == n-1 {
				local[g] = utils.Clone(pair.Local.Groups[g])
				remote[g] = utils.Clone(pair.Remote.Groups[g])
			} else {
				local[g] = []int{}
				remote[g] = []int{}
			}
		}
		parts[i] = Pair{Local: NewGrouped(local...), Remote: NewGrouped(remote...)}
	}
	return parts
}

// Empty reports whether the pair addresses no blocks at all.
func (p Pair) Empty() bool {
	return p.Local.NumBlocks() == 0
}

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

// Package blockids models the block addressing of a request inside a node's
// local KV cache. A request is addressed either by a flat list of block
// indices, or, when hybrid attention splits uncompressed and compressed
// layers into separate block groups, by one list per group.
//
// Group 0 always addresses the uncompressed layers.
package blockids

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/llm-d/llm-d-kv-transfer/pkg/utils"
)

var (
	// ErrShapeMismatch is returned when local and remote block ids cannot be
	// paired, e.g. the producer holds fewer blocks than the consumer reserved.
	ErrShapeMismatch = errors.New("block id shape mismatch")
	// ErrUnrecognizedLayout is returned when block ids are neither a flat
	// list of integers nor a list of integer lists.
	ErrUnrecognizedLayout = errors.New("unrecognized block id layout")
)

// Layout is the addressing scheme of a BlockIDs value.
type Layout int

const (
	// LayoutFlat addresses all layers with one list of block indices.
	LayoutFlat Layout = iota
	// LayoutGrouped addresses each layer group with its own list.
	LayoutGrouped
)

// String returns a string representation of the Layout.
func (l Layout) String() string {
	switch l {
	case LayoutFlat:
		return "flat"
	case LayoutGrouped:
		return "grouped"
	default:
		return fmt.Sprintf("Layout(%d)", int(l))
	}
}

// BlockIDs holds the block indices of one request.
// Only the field matching Layout is meaningful.
type BlockIDs struct {
	Layout Layout
	Flat   []int
	Groups [][]int
}

// NewFlat returns flat block ids.
func NewFlat(ids ...int) BlockIDs {
	if ids == nil {
		ids = []int{}
	}
	return BlockIDs{Layout: LayoutFlat, Flat: ids}
}

// NewGrouped returns grouped block ids, one list per group.
func NewGrouped(groups ...[]int) BlockIDs {
	out := make([][]int, len(groups))
	for i, g := range groups {
		if g == nil {
			g = []int{}
		}
		out[i] = g
	}
	return BlockIDs{Layout: LayoutGrouped, Groups: out}
}

// IsGrouped reports whether b uses grouped addressing.
func (b BlockIDs) IsGrouped() bool {
	return b.Layout == LayoutGrouped
}

// Len returns the number of top-level elements: block ids for the flat
// layout, groups for the grouped layout.
func (b BlockIDs) Len() int {
	if b.IsGrouped() {
		return len(b.Groups)
	}
	return len(b.Flat)
}

// Primary returns the list that decides whether anything must be fetched:
// the flat list, or the uncompressed group.
func (b BlockIDs) Primary() []int {
	if !b.IsGrouped() {
		return b.Flat
	}
	if len(b.Groups) == 0 {
		return nil
	}
	return b.Groups[0]
}

// Group returns the ids addressing layer group g. Flat block ids address
// every group with the same list.
func (b BlockIDs) Group(g int) ([]int, error) {
	if !b.IsGrouped() {
		return b.Flat, nil
	}
	if g < 0 || g >= len(b.Groups) {
		return nil, fmt.Errorf("%w: group %d out of range (%d groups)", ErrShapeMismatch, g, len(b.Groups))
	}
	return b.Groups[g], nil
}

// NumBlocks returns the total number of block ids across all groups.
func (b BlockIDs) NumBlocks() int {
	if !b.IsGrouped() {
		return len(b.Flat)
	}
	n := 0
	for _, g := range b.Groups {
		n += len(g)
	}
	return n
}

// Clone returns a deep copy of b.
func (b BlockIDs) Clone() BlockIDs {
	out := BlockIDs{Layout: b.Layout, Flat: utils.Clone(b.Flat)}
	if b.Groups != nil {
		out.Groups = utils.SliceMap(b.Groups, utils.Clone[int])
	}
	return out
}

// Value returns the plain wire representation: []int or [][]int.
func (b BlockIDs) Value() any {
	if b.IsGrouped() {
		if b.Groups == nil {
			return [][]int{}
		}
		return b.Groups
	}
	if b.Flat == nil {
		return []int{}
	}
	return b.Flat
}

// String returns a string representation of the BlockIDs.
func (b BlockIDs) String() string {
	return fmt.Sprintf("%v", b.Value())
}

// FromValue builds BlockIDs from a decoded wire value: a list of integers,
// or a list of integer lists. The element type of the first element decides
// the layout; an empty list is flat.
func FromValue(v any) (BlockIDs, error) {
	switch typed := v.(type) {
	case nil:
		return NewFlat(), nil
	case []int:
		return NewFlat(utils.Clone(typed)...), nil
	case [][]int:
		return NewGrouped(utils.SliceMap(typed, utils.Clone[int])...), nil
	case []any:
		if len(typed) == 0 {
			return NewFlat(), nil
		}
		if _, isList := typed[0].([]any); isList {
			groups, err := utils.SliceMapE(typed, toIntList)
			if err != nil {
				return BlockIDs{}, err
			}
			return NewGrouped(groups...), nil
		}
		ids, err := utils.SliceMapE(typed, toInt)
		if err != nil {
			return BlockIDs{}, err
		}
		return NewFlat(ids...), nil
	default:
		return BlockIDs{}, fmt.Errorf("%w: unexpected type %T", ErrUnrecognizedLayout, v)
	}
}

func toIntList(v any) ([]int, error) {
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: expected a list of block ids, got %T", ErrUnrecognizedLayout, v)
	}
	ids, err := utils.SliceMapE(list, toInt)
	if err != nil {
		return nil, err
	}
	if ids == nil {
		ids = []int{}
	}
	return ids, nil
}

//nolint:gocyclo // one case per wire integer kind
func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int8:
		return int(n), nil
	case int16:
		return int(n), nil
	case int32:
		return int(n), nil
	case int64:
		return int(n), nil
	case uint8:
		return int(n), nil
	case uint16:
		return int(n), nil
	case uint32:
		return int(n), nil
	case uint64:
		if n > math.MaxInt {
			return 0, fmt.Errorf("%w: block id %d overflows int", ErrUnrecognizedLayout, n)
		}
		return int(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("%w: non-integer block id %v", ErrUnrecognizedLayout, n)
		}
		return int(n), nil
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, fmt.Errorf("%w: %w", ErrUnrecognizedLayout, err)
		}
		return int(i), nil
	default:
		return 0, fmt.Errorf("%w: unexpected element type %T", ErrUnrecognizedLayout, v)
	}
}

var (
	_ msgpack.CustomEncoder = BlockIDs{}
	_ msgpack.CustomDecoder = (*BlockIDs)(nil)
	_ json.Marshaler        = BlockIDs{}
	_ json.Unmarshaler      = (*BlockIDs)(nil)
)

// EncodeMsgpack encodes b as a plain msgpack array.
func (b BlockIDs) EncodeMsgpack(enc *msgpack.Encoder) error {
	return enc.Encode(b.Value())
}

// DecodeMsgpack decodes a msgpack array into b.
func (b *BlockIDs) DecodeMsgpack(dec *msgpack.Decoder) error {
	v, err := dec.DecodeInterface()
	if err != nil {
		return err
	}
	parsed, err := FromValue(v)
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// MarshalJSON encodes b as a plain JSON array.
func (b BlockIDs) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.Value())
}

// UnmarshalJSON decodes a JSON array into b.
func (b *BlockIDs) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	parsed, err := FromValue(v)
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

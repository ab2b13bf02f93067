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
	"errors"

	"github.com/llm-d/llm-d-kv-transfer/pkg/kvtransfer/blockids"
)

var (
	// ErrConfig is returned by New when the configuration is missing or
	// incomplete for the selected kv role.
	ErrConfig = errors.New("invalid kv transfer config")
	// ErrWrongRole is returned when a scheduler-side method is called on a
	// worker connector or vice versa.
	ErrWrongRole = errors.New("method not available for connector role")
	// ErrInvariant is returned when the caller breaks a contract of the
	// connector, e.g. computed tokens not aligned to the block size.
	ErrInvariant = errors.New("kv transfer invariant violated")

	// ErrShapeMismatch is re-exported from blockids.
	ErrShapeMismatch = blockids.ErrShapeMismatch
	// ErrUnrecognizedLayout is re-exported from blockids.
	ErrUnrecognizedLayout = blockids.ErrUnrecognizedLayout
)

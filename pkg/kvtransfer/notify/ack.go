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

// Package notify carries completion acks from consumers back to producers.
// A consumer pushes the ids of the requests it finished pulling to the
// producer's ack address; the producer's listener collects them so the
// scheduler can free the blocks it held for those requests.
//
// The wire format is a single ZMQ frame holding a JSON list of request ids.
package notify

import (
	"encoding/json"
	"fmt"
)

// EncodeAck encodes request ids as a JSON list.
func EncodeAck(ids []string) ([]byte, error) {
	if ids == nil {
		ids = []string{}
	}
	return json.Marshal(ids)
}

// DecodeAck decodes a JSON list of request ids.
func DecodeAck(payload []byte) ([]string, error) {
	var ids []string
	if err := json.Unmarshal(payload, &ids); err != nil {
		return nil, fmt.Errorf("failed to decode ack: %w", err)
	}
	return ids, nil
}

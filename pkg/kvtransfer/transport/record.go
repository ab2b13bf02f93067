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

package transport

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/fxamacker/cbor/v2"
)

// blockRecord is the staged form of one block.
type blockRecord struct {
	Checksum uint64 `cbor:"1,keyasint"`
	Data     []byte `cbor:"2,keyasint"`
}

var recordEncMode = func() cbor.EncMode {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

func encodeRecord(data []byte) ([]byte, error) {
	return recordEncMode.Marshal(&blockRecord{
		Checksum: xxhash.Sum64(data),
		Data:     data,
	})
}

func decodeRecord(raw []byte) ([]byte, error) {
	var rec blockRecord
	if err := cbor.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode block record: %w", err)
	}
	if xxhash.Sum64(rec.Data) != rec.Checksum {
		return nil, ErrChecksum
	}
	return rec.Data, nil
}

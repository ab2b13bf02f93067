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

package completion_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/llm-d/llm-d-kv-transfer/pkg/kvtransfer/completion"
)

func TestDrainClears(t *testing.T) {
	tracker := completion.NewTracker()
	tracker.Add("r1", "r2")
	tracker.Add("r1")

	assert.Equal(t, 2, tracker.Len())
	assert.Equal(t, sets.New("r1", "r2"), tracker.Drain())

	// a second drain with no additions in between is empty
	second := tracker.Drain()
	assert.NotNil(t, second)
	assert.Equal(t, 0, second.Len())
	assert.Equal(t, 0, tracker.Len())
}

func TestDrainedSetIsDetached(t *testing.T) {
	tracker := completion.NewTracker()
	tracker.Add("r1")

	drained := tracker.Drain()
	tracker.Add("r2")

	assert.Equal(t, sets.New("r1"), drained)
	assert.Equal(t, sets.New("r2"), tracker.Drain())
}

func TestConcurrentAddAndDrain(t *testing.T) {
	tracker := completion.NewTracker()
	const writers, perWriter = 8, 100

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				tracker.Add(fmt.Sprintf("w%d-%d", w, i))
			}
		}(w)
	}

	seen := sets.New[string]()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	for finished := false; !finished; {
		select {
		case <-done:
			finished = true
		default:
		}
		for id := range tracker.Drain() {
			assert.False(t, seen.Has(id), "id %s drained twice", id)
			seen.Insert(id)
		}
	}

	assert.Equal(t, writers*perWriter, seen.Len())
}

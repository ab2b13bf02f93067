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

// Package completion holds the request-id sets a connector drains once per
// scheduling step.
package completion

import (
	"sync"

	"k8s.io/apimachinery/pkg/util/sets"
)

// Tracker is a thread-safe set of request ids. Ids accumulate between
// drains; Drain hands the current content to the caller and starts over.
type Tracker struct {
	mu  sync.Mutex
	ids sets.Set[string]
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{ids: sets.New[string]()}
}

// Add records the given request ids. Adding an id twice between drains
// records it once.
func (t *Tracker) Add(ids ...string) {
	if len(ids) == 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.ids.Insert(ids...)
}

// Drain returns the ids recorded since the previous drain and clears the
// tracker. The returned set is never nil.
func (t *Tracker) Drain() sets.Set[string] {
	fresh := sets.New[string]()

	t.mu.Lock()
	defer t.mu.Unlock()

	drained := t.ids
	t.ids = fresh
	return drained
}

// Len returns the number of ids currently recorded.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ids.Len()
}

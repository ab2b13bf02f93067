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

package kvtransfer_test

import (
	"context"
	"sync"

	"github.com/llm-d/llm-d-kv-transfer/pkg/kvtransfer/transport"
)

// fakeTransport records calls without moving any data.
type fakeTransport struct {
	mu       sync.Mutex
	caches   transport.Caches
	links    transport.LinkTable
	pulls    []*transport.PullRequest
	exports  []*transport.ExportRequest
	closed   bool
	register int
}

var (
	_ transport.Transport = &fakeTransport{}
	_ transport.Exporter  = &fakeTransport{}
)

func newFakeTransport() *fakeTransport {
	return &fakeTransport{links: transport.LinkTable{}}
}

func (f *fakeTransport) RegisterMemory(_ context.Context, caches transport.Caches) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.caches = caches
	f.register++
	return nil
}

func (f *fakeTransport) RegisterLink(context.Context) (transport.LinkTable, error) {
	return f.links, nil
}

func (f *fakeTransport) PullBlocks(_ context.Context, req *transport.PullRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulls = append(f.pulls, req)
	return nil
}

func (f *fakeTransport) ExportBlocks(_ context.Context, req *transport.ExportRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exports = append(f.exports, req)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) snapshot() (pulls []*transport.PullRequest, exports []*transport.ExportRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*transport.PullRequest(nil), f.pulls...),
		append([]*transport.ExportRequest(nil), f.exports...)
}

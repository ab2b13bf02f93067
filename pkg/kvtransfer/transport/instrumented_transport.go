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
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/llm-d/llm-d-kv-transfer/pkg/kvtransfer/metrics"
)

type instrumentedTransport struct {
	next Transport
}

type instrumentedExporter struct {
	instrumentedTransport
	exporter Exporter
}

// NewInstrumentedTransport wraps a Transport and emits metrics for pulls and,
// when the wrapped transport is an Exporter, for exports.
func NewInstrumentedTransport(next Transport) Transport {
	if exp, ok := next.(Exporter); ok {
		return &instrumentedExporter{
			instrumentedTransport: instrumentedTransport{next: next},
			exporter:              exp,
		}
	}
	return &instrumentedTransport{next: next}
}

func (m *instrumentedTransport) RegisterMemory(ctx context.Context, caches Caches) error {
	return m.next.RegisterMemory(ctx, caches)
}

func (m *instrumentedTransport) RegisterLink(ctx context.Context) (LinkTable, error) {
	return m.next.RegisterLink(ctx)
}

func (m *instrumentedTransport) PullBlocks(ctx context.Context, req *PullRequest) error {
	timer := prometheus.NewTimer(metrics.PullLatency)
	defer timer.ObserveDuration()

	err := m.next.PullBlocks(ctx, req)
	if err == nil {
		metrics.BlocksPulled.Add(float64(req.Local.NumBlocks()))
	}
	return err
}

func (m *instrumentedTransport) Close() error {
	return m.next.Close()
}

func (m *instrumentedExporter) ExportBlocks(ctx context.Context, req *ExportRequest) error {
	err := m.exporter.ExportBlocks(ctx, req)
	if err == nil {
		metrics.ExportedBlocks.Add(float64(req.BlockIDs.NumBlocks()))
	}
	return err
}

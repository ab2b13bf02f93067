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
	"context"
	"errors"
	"fmt"
	"sync"

	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-kv-transfer/pkg/kvtransfer/completion"
	"github.com/llm-d/llm-d-kv-transfer/pkg/kvtransfer/notify"
	"github.com/llm-d/llm-d-kv-transfer/pkg/kvtransfer/transport"
	"github.com/llm-d/llm-d-kv-transfer/pkg/utils/logging"
)

// ProducerWorker is the worker half of a prefill node. Rank 0 listens for
// the acks of consumers; staging transports also get the finished
// requests' blocks exported on every step.
type ProducerWorker struct {
	clusterID string
	transport transport.Transport
	sending   *completion.Tracker
	listener  *notify.Listener

	registerOnce sync.Once
	registerErr  error

	cancel context.CancelFunc
	done   chan struct{}
}

var _ WorkerAdapter = &ProducerWorker{}

// NewProducerWorker creates a ProducerWorker and, on TP rank 0, starts its
// ack listener.
func NewProducerWorker(ctx context.Context, cfg *Config) (*ProducerWorker, error) {
	tr := cfg.Transport
	if tr == nil {
		var err error
		tr, err = transport.NewTransport(ctx, cfg.TransportConfig)
		if err != nil {
			return nil, err
		}
	}

	w := &ProducerWorker{
		clusterID: cfg.ClusterID,
		transport: tr,
		sending:   completion.NewTracker(),
	}

	if cfg.TPRank == 0 {
		w.listener = notify.NewListener(cfg.AckAddress(), w.sending)

		listenCtx, cancel := context.WithCancel(ctx)
		w.cancel = cancel
		w.done = make(chan struct{})
		go func() {
			defer close(w.done)
			w.listener.Start(listenCtx)
		}()
	}

	return w, nil
}

// RegisterCaches registers the caches and links with the transport once.
func (w *ProducerWorker) RegisterCaches(ctx context.Context, caches transport.Caches) error {
	w.registerOnce.Do(func() {
		if err := w.transport.RegisterMemory(ctx, caches); err != nil {
			w.registerErr = fmt.Errorf("failed to register caches: %w", err)
			return
		}
		links, err := w.transport.RegisterLink(ctx)
		if err != nil {
			w.registerErr = fmt.Errorf("failed to register links: %w", err)
			return
		}
		klog.FromContext(ctx).Info("Registered caches", "layers", len(caches), "peers", len(links))
	})
	return w.registerErr
}

// StartLoad exports the held blocks of the batch when the transport stages
// blocks. Producers never load.
func (w *ProducerWorker) StartLoad(ctx context.Context, meta *Metadata) error {
	exporter, ok := w.transport.(transport.Exporter)
	if !ok || meta.Len() == 0 {
		return nil
	}

	logger := klog.FromContext(ctx).WithName("producer-worker")
	var errs []error
	for _, id := range meta.RequestIDs() {
		rm := meta.Requests[id]
		err := exporter.ExportBlocks(ctx, &transport.ExportRequest{
			RequestID: id,
			ClusterID: w.clusterID,
			BlockIDs:  rm.LocalBlockIDs,
		})
		if err != nil {
			logger.Error(err, "Failed to export blocks", "request", id)
			errs = append(errs, fmt.Errorf("request %s: %w", id, err))
			continue
		}
		logger.V(logging.DEBUG).Info("Exported blocks", "request", id, "blocks", rm.LocalBlockIDs.NumBlocks())
	}
	return errors.Join(errs...)
}

// GetFinished drains the requests acknowledged by consumers.
func (w *ProducerWorker) GetFinished() (doneSending, doneRecving sets.Set[string]) {
	return w.sending.Drain(), sets.New[string]()
}

// GetFailedLoads always returns an empty set.
func (w *ProducerWorker) GetFailedLoads() sets.Set[string] {
	return sets.New[string]()
}

// Close stops the ack listener and closes the transport.
func (w *ProducerWorker) Close(ctx context.Context) error {
	if w.cancel != nil {
		w.cancel()
		select {
		case <-w.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return w.transport.Close()
}

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
	"github.com/llm-d/llm-d-kv-transfer/pkg/kvtransfer/engine"
	"github.com/llm-d/llm-d-kv-transfer/pkg/kvtransfer/fastpath"
	"github.com/llm-d/llm-d-kv-transfer/pkg/kvtransfer/notify"
	"github.com/llm-d/llm-d-kv-transfer/pkg/kvtransfer/transport"
	"github.com/llm-d/llm-d-kv-transfer/pkg/utils/logging"
)

// ConsumerWorker is the worker half of a decode node. It hands every
// step's batch to the transfer engine and reports what arrived.
type ConsumerWorker struct {
	transport     transport.Transport
	pusher        *notify.Pusher
	recving       *completion.Tracker
	failed        *completion.Tracker
	engine        *engine.Engine
	multiRankPull bool

	registerOnce sync.Once
	registerErr  error

	cancel context.CancelFunc
	done   chan struct{}
}

var _ WorkerAdapter = &ConsumerWorker{}

// NewConsumerWorker creates a ConsumerWorker and starts its engine. With
// AsyncPull set it also subscribes to the scheduler's fast path.
func NewConsumerWorker(ctx context.Context, cfg *Config) (*ConsumerWorker, error) {
	tr := cfg.Transport
	if tr == nil {
		var err error
		tr, err = transport.NewTransport(ctx, cfg.TransportConfig)
		if err != nil {
			return nil, err
		}
	}

	pusher, err := notify.NewPusher(cfg.PusherConfig)
	if err != nil {
		return nil, errors.Join(err, tr.Close())
	}

	w := &ConsumerWorker{
		transport: tr,
		pusher:    pusher,
		recving:   completion.NewTracker(),
		failed:    completion.NewTracker(),
	}
	w.engine = engine.NewEngine(cfg.EngineConfig, tr, pusher, w.recving, w.failed)
	w.multiRankPull = cfg.EngineConfig != nil && cfg.EngineConfig.MultiRankPull
	w.engine.Start(ctx)

	if cfg.AsyncPull {
		sub := fastpath.NewSubscriber(cfg.FastPathAddress(), w.handleBatch)

		subCtx, cancel := context.WithCancel(ctx)
		w.cancel = cancel
		w.done = make(chan struct{})
		go func() {
			defer close(w.done)
			sub.Start(subCtx)
		}()
	}

	return w, nil
}

// handleBatch starts the pulls of a batch published on the fast path.
func (w *ConsumerWorker) handleBatch(ctx context.Context, seq uint64, payload []byte) {
	logger := klog.FromContext(ctx).WithName("consumer-worker")

	meta, err := DecodeMetadata(payload)
	if err != nil {
		logger.Error(err, "Dropping fast-path batch", "seq", seq)
		return
	}

	for id, rm := range meta.Requests {
		if rm.LocalBlockIDs.NumBlocks() == 0 || rm.RemoteBlockIDs.NumBlocks() == 0 {
			delete(meta.Requests, id)
		}
	}
	logger.V(logging.TRACE).Info("Fast-path batch", "seq", seq, "requests", meta.Len())

	if err := w.StartLoad(ctx, meta); err != nil {
		logger.Error(err, "Failed to start fast-path loads", "seq", seq)
	}
}

// RegisterCaches registers the caches and links with the transport once.
// With multi-rank pulling, the links become the engine's queues.
func (w *ConsumerWorker) RegisterCaches(ctx context.Context, caches transport.Caches) error {
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
		if w.multiRankPull {
			w.engine.SetLinks(links)
		}
		klog.FromContext(ctx).Info("Registered caches", "layers", len(caches), "peers", len(links))
	})
	return w.registerErr
}

// StartLoad submits the batch to the engine in request id order. It
// returns once the pulls are queued.
func (w *ConsumerWorker) StartLoad(ctx context.Context, meta *Metadata) error {
	if meta.Len() == 0 {
		return nil
	}

	reqs := make([]engine.LoadRequest, 0, meta.Len())
	for _, id := range meta.RequestIDs() {
		rm := meta.Requests[id]
		if rm == nil {
			continue
		}
		reqs = append(reqs, engine.LoadRequest{
			RequestID:       id,
			RemoteClusterID: rm.RemoteClusterID,
			RemoteHost:      rm.RemoteHost,
			Local:           rm.LocalBlockIDs,
			Remote:          rm.RemoteBlockIDs,
		})
	}
	return w.engine.Submit(ctx, reqs)
}

// GetFinished drains the requests whose blocks arrived.
func (w *ConsumerWorker) GetFinished() (doneSending, doneRecving sets.Set[string]) {
	return sets.New[string](), w.recving.Drain()
}

// GetFailedLoads drains the requests whose pull failed.
func (w *ConsumerWorker) GetFailedLoads() sets.Set[string] {
	return w.failed.Drain()
}

// Close stops the fast path, drains the engine and releases the sockets and
// the transport.
func (w *ConsumerWorker) Close(ctx context.Context) error {
	if w.cancel != nil {
		w.cancel()
		select {
		case <-w.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	w.engine.Shutdown(ctx)
	return errors.Join(w.pusher.Close(), w.transport.Close())
}

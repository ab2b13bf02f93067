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
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-kv-transfer/pkg/utils"
	"github.com/llm-d/llm-d-kv-transfer/pkg/utils/logging"
)

const (
	defaultReadyTimeout = 5 * time.Second
	defaultPollInterval = 10 * time.Millisecond
	defaultBlockTTL     = 10 * time.Minute
)

// StagingOptions are shared by the transports that stage blocks in a store
// between export and pull.
type StagingOptions struct {
	// Links lists the peer links per remote cluster id, returned by
	// RegisterLink.
	Links LinkTable `json:"links,omitempty"`
	// ReadyTimeout bounds how long a pull waits for the producer to stage
	// the request's blocks.
	ReadyTimeout time.Duration `json:"readyTimeout,omitempty"`
	// PollInterval is the interval between readiness checks.
	PollInterval time.Duration `json:"pollInterval,omitempty"`
	// BlockTTL is how long staged blocks stay available.
	BlockTTL time.Duration `json:"blockTTL,omitempty"`
}

func (o *StagingOptions) withDefaults() StagingOptions {
	out := *o
	if out.ReadyTimeout <= 0 {
		out.ReadyTimeout = defaultReadyTimeout
	}
	if out.PollInterval <= 0 {
		out.PollInterval = defaultPollInterval
	}
	if out.BlockTTL <= 0 {
		out.BlockTTL = defaultBlockTTL
	}
	return out
}

// stagingStore is the storage a StagingTransport exchanges blocks through.
type stagingStore interface {
	// stage stores the encoded blocks of a request, per layer and block id,
	// and marks the request ready once all of them are stored.
	stage(ctx context.Context, clusterID, requestID string, layers map[string]map[int][]byte, ttl time.Duration) error
	ready(ctx context.Context, clusterID, requestID string) (bool, error)
	// fetch returns the encoded blocks in ids order.
	fetch(ctx context.Context, clusterID, layer string, ids []int) ([][]byte, error)
	close() error
}

// StagingTransport implements Transport and Exporter on top of a shared
// store: producers write their blocks to the store, consumers read them
// back once the producer marked the request ready.
type StagingTransport struct {
	name  string
	store stagingStore
	opts  StagingOptions

	mu     sync.RWMutex
	caches Caches
}

var (
	_ Transport = &StagingTransport{}
	_ Exporter  = &StagingTransport{}
)

func newStagingTransport(name string, store stagingStore, opts *StagingOptions) *StagingTransport {
	return &StagingTransport{
		name:  name,
		store: store,
		opts:  opts.withDefaults(),
	}
}

// RegisterMemory hands the node's local layer caches to the transport.
// Registering again replaces the previous caches.
func (t *StagingTransport) RegisterMemory(ctx context.Context, caches Caches) error {
	if len(caches) == 0 {
		return fmt.Errorf("no caches to register")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.caches = caches

	klog.FromContext(ctx).WithName(t.name).V(logging.DEBUG).Info("registered caches", "layers", len(caches))
	return nil
}

// RegisterLink returns a copy of the configured link table.
func (t *StagingTransport) RegisterLink(_ context.Context) (LinkTable, error) {
	links := make(LinkTable, len(t.opts.Links))
	for cluster, names := range t.opts.Links {
		links[cluster] = utils.Clone(names)
	}
	return links, nil
}

func (t *StagingTransport) registered() (Caches, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.caches) == 0 {
		return nil, ErrNotRegistered
	}
	return t.caches, nil
}

// ExportBlocks reads the request's blocks from every local layer and stages
// them. Layers of every group are addressed through the group's ids.
func (t *StagingTransport) ExportBlocks(ctx context.Context, req *ExportRequest) error {
	caches, err := t.registered()
	if err != nil {
		return err
	}

	var mu sync.Mutex
	layers := make(map[string]map[int][]byte, len(caches))

	g, gctx := errgroup.WithContext(ctx)
	for name, cache := range caches {
		g.Go(func() error {
			ids, err := req.BlockIDs.Group(cache.Group)
			if err != nil {
				return fmt.Errorf("layer %s: %w", name, err)
			}
			if err := gctx.Err(); err != nil {
				return err
			}

			encoded := make(map[int][]byte, len(ids))
			for _, id := range ids {
				data, err := cache.ReadBlock(id)
				if err != nil {
					return err
				}
				rec, err := encodeRecord(data)
				if err != nil {
					return fmt.Errorf("failed to encode block %d of layer %s: %w", id, name, err)
				}
				encoded[id] = rec
			}

			mu.Lock()
			layers[name] = encoded
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("failed to export request %s: %w", req.RequestID, err)
	}

	if err := t.store.stage(ctx, req.ClusterID, req.RequestID, layers, t.opts.BlockTTL); err != nil {
		return fmt.Errorf("failed to stage request %s: %w", req.RequestID, err)
	}

	klog.FromContext(ctx).WithName(t.name).V(logging.TRACE).Info("staged blocks",
		"request", req.RequestID, "cluster", req.ClusterID, "blocks", req.BlockIDs)
	return nil
}

// PullBlocks waits until the producer staged the request, then copies the
// remote blocks into the local blocks of every layer.
func (t *StagingTransport) PullBlocks(ctx context.Context, req *PullRequest) error {
	caches, err := t.registered()
	if err != nil {
		return err
	}

	if err := t.waitReady(ctx, req.ClusterID, req.RequestID); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for name, cache := range caches {
		g.Go(func() error {
			local, remote, err := layerPair(req, cache.Group)
			if err != nil {
				return fmt.Errorf("layer %s: %w", name, err)
			}
			if len(local) == 0 {
				return nil
			}

			raw, err := t.store.fetch(gctx, req.ClusterID, name, remote)
			if err != nil {
				return fmt.Errorf("layer %s: %w", name, err)
			}
			for i, rec := range raw {
				data, err := decodeRecord(rec)
				if err != nil {
					return fmt.Errorf("layer %s block %d: %w", name, remote[i], err)
				}
				if err := cache.WriteBlock(local[i], data); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("failed to pull request %s from %s: %w", req.RequestID, req.ClusterID, err)
	}

	klog.FromContext(ctx).WithName(t.name).V(logging.TRACE).Info("pulled blocks",
		"request", req.RequestID, "cluster", req.ClusterID, "link", req.Link,
		"local", req.Local, "remote", req.Remote)
	return nil
}

// layerPair returns the local and remote ids of a layer group. Compressed
// groups are not trimmed during reconciliation, so their remote tail is
// paired with the local ids here.
func layerPair(req *PullRequest, group int) (local, remote []int, err error) {
	local, err = req.Local.Group(group)
	if err != nil {
		return nil, nil, err
	}
	remote, err = req.Remote.Group(group)
	if err != nil {
		return nil, nil, err
	}
	if len(remote) < len(local) {
		return nil, nil, fmt.Errorf("group %d: %d remote blocks for %d local blocks", group, len(remote), len(local))
	}
	return local, remote[len(remote)-len(local):], nil
}

func (t *StagingTransport) waitReady(ctx context.Context, clusterID, requestID string) error {
	deadline := time.NewTimer(t.opts.ReadyTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(t.opts.PollInterval)
	defer ticker.Stop()

	for {
		ok, err := t.store.ready(ctx, clusterID, requestID)
		if err != nil {
			return fmt.Errorf("failed to check readiness of request %s: %w", requestID, err)
		}
		if ok {
			return nil
		}

		select {
		case <-ctx.Done():
			return errors.Join(ErrNotReady, ctx.Err())
		case <-deadline.C:
			return fmt.Errorf("%w: request %s from cluster %s after %s",
				ErrNotReady, requestID, clusterID, t.opts.ReadyTimeout)
		case <-ticker.C:
		}
	}
}

// Close releases the underlying store.
func (t *StagingTransport) Close() error {
	return t.store.close()
}

func stagedKey(clusterID, layer string, id int) string {
	return fmt.Sprintf("kvx:%s:%s:%d", clusterID, layer, id)
}

func readyKey(clusterID, requestID string) string {
	return fmt.Sprintf("kvx:%s:ready:%s", clusterID, requestID)
}

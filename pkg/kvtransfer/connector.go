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
	"fmt"

	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-kv-transfer/pkg/kvtransfer/transport"
)

// SchedulerAdapter is the scheduler-side half of a connector. Its methods
// only touch in-memory state and never block on I/O.
type SchedulerAdapter interface {
	// GetNumNewMatchedTokens returns how many tokens of the request will be
	// provided by a producer, and whether they are loaded asynchronously.
	GetNumNewMatchedTokens(req *Request, numComputedTokens int) (int, bool, error)
	// UpdateStateAfterAlloc records the blocks allocated for a request.
	UpdateStateAfterAlloc(req *Request, blocks AllocatedBlocks, numExternalTokens int)
	// BuildConnectorMetadata returns the transfers of the step.
	BuildConnectorMetadata(ctx context.Context, step *StepContext) *Metadata
	// RequestFinished reports whether the request's blocks must outlive it,
	// and the params a consumer needs to fetch them.
	RequestFinished(req *Request, blockIDs []int, specTokenIDs []uint32) (bool, *KVTransferParams)
	Close() error
}

// WorkerAdapter is the worker-side half of a connector.
type WorkerAdapter interface {
	// RegisterCaches hands the worker's layer caches to the transport. Only
	// the first call has an effect.
	RegisterCaches(ctx context.Context, caches transport.Caches) error
	// StartLoad starts the transfers of a step without waiting for them.
	StartLoad(ctx context.Context, meta *Metadata) error
	// GetFinished drains the requests done sending and done receiving.
	GetFinished() (doneSending, doneRecving sets.Set[string])
	// GetFailedLoads drains the requests whose transfer failed.
	GetFailedLoads() sets.Set[string]
	Close(ctx context.Context) error
}

// Connector routes every call to the half selected at construction.
type Connector struct {
	kvRole    KVRole
	role      Role
	scheduler SchedulerAdapter
	worker    WorkerAdapter
}

// New creates the connector half for role, with the producer or consumer
// implementation selected by cfg.KVRole. Worker connectors start their
// background goroutines under ctx.
func New(ctx context.Context, cfg *Config, role Role) (*Connector, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	logger := klog.FromContext(ctx).WithName("kvtransfer").WithValues(
		"kvRole", cfg.KVRole, "role", role.String())
	ctx = klog.NewContext(ctx, logger)

	c := &Connector{kvRole: cfg.KVRole, role: role}
	var err error

	switch {
	case role == RoleScheduler && cfg.KVRole == KVProducer:
		c.scheduler = NewProducerScheduler(logger, cfg)
	case role == RoleScheduler && cfg.KVRole == KVConsumer:
		c.scheduler, err = NewConsumerScheduler(logger, cfg)
	case role == RoleWorker && cfg.KVRole == KVProducer:
		c.worker, err = NewProducerWorker(ctx, cfg)
	case role == RoleWorker && cfg.KVRole == KVConsumer:
		c.worker, err = NewConsumerWorker(ctx, cfg)
	default:
		return nil, fmt.Errorf("%w: unknown role %s", ErrConfig, role)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s %s connector: %w", cfg.KVRole, role, err)
	}

	logger.Info("Created kv transfer connector")
	return c, nil
}

// KVRole returns the kv role of the connector.
func (c *Connector) KVRole() KVRole {
	return c.kvRole
}

// Role returns the half of the connector.
func (c *Connector) Role() Role {
	return c.role
}

func (c *Connector) schedulerHalf() (SchedulerAdapter, error) {
	if c.scheduler == nil {
		return nil, fmt.Errorf("%w: scheduler method on %s connector", ErrWrongRole, c.role)
	}
	return c.scheduler, nil
}

func (c *Connector) workerHalf() (WorkerAdapter, error) {
	if c.worker == nil {
		return nil, fmt.Errorf("%w: worker method on %s connector", ErrWrongRole, c.role)
	}
	return c.worker, nil
}

// GetNumNewMatchedTokens returns how many tokens of the request will be
// provided by a producer, and whether they are loaded asynchronously.
func (c *Connector) GetNumNewMatchedTokens(req *Request, numComputedTokens int) (int, bool, error) {
	s, err := c.schedulerHalf()
	if err != nil {
		return 0, false, err
	}
	return s.GetNumNewMatchedTokens(req, numComputedTokens)
}

// UpdateStateAfterAlloc records the blocks allocated for a request.
func (c *Connector) UpdateStateAfterAlloc(req *Request, blocks AllocatedBlocks, numExternalTokens int) error {
	s, err := c.schedulerHalf()
	if err != nil {
		return err
	}
	s.UpdateStateAfterAlloc(req, blocks, numExternalTokens)
	return nil
}

// BuildConnectorMetadata returns the transfers of the step. step is nil for
// the early build that precedes scheduling.
func (c *Connector) BuildConnectorMetadata(ctx context.Context, step *StepContext) (*Metadata, error) {
	s, err := c.schedulerHalf()
	if err != nil {
		return nil, err
	}
	return s.BuildConnectorMetadata(ctx, step), nil
}

// RequestFinished reports whether the request's blocks must outlive it, and
// the params a consumer needs to fetch them.
func (c *Connector) RequestFinished(req *Request, blockIDs []int, specTokenIDs []uint32,
) (bool, *KVTransferParams, error) {
	s, err := c.schedulerHalf()
	if err != nil {
		return false, nil, err
	}
	delay, params := s.RequestFinished(req, blockIDs, specTokenIDs)
	return delay, params, nil
}

// RegisterCaches hands the worker's layer caches to the transport.
func (c *Connector) RegisterCaches(ctx context.Context, caches transport.Caches) error {
	w, err := c.workerHalf()
	if err != nil {
		return err
	}
	return w.RegisterCaches(ctx, caches)
}

// StartLoad starts the transfers of a step.
func (c *Connector) StartLoad(ctx context.Context, meta *Metadata) error {
	w, err := c.workerHalf()
	if err != nil {
		return err
	}
	return w.StartLoad(ctx, meta)
}

// WaitForLayerLoad is a no-op: transfers complete per request, not per layer.
func (c *Connector) WaitForLayerLoad(string) {}

// SaveKVLayer is a no-op: producers never push blocks.
func (c *Connector) SaveKVLayer(string) {}

// WaitForSave is a no-op.
func (c *Connector) WaitForSave() {}

// GetFinished drains the requests done sending and done receiving since
// the previous call.
func (c *Connector) GetFinished() (doneSending, doneRecving sets.Set[string], err error) {
	w, err := c.workerHalf()
	if err != nil {
		return nil, nil, err
	}
	doneSending, doneRecving = w.GetFinished()
	return doneSending, doneRecving, nil
}

// GetFailedLoads drains the requests whose transfer failed since the
// previous call.
func (c *Connector) GetFailedLoads() (sets.Set[string], error) {
	w, err := c.workerHalf()
	if err != nil {
		return nil, err
	}
	return w.GetFailedLoads(), nil
}

// Close releases the sockets, queues and transport of the connector.
func (c *Connector) Close(ctx context.Context) error {
	if c.worker != nil {
		return c.worker.Close(ctx)
	}
	if c.scheduler != nil {
		return c.scheduler.Close()
	}
	return nil
}

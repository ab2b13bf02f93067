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

// kv-transfer-node runs both halves of a kv transfer connector in one
// process, over synthetic layer caches. It serves a small HTTP API that
// stands in for the serving engine's scheduler:
//
//	POST /prefill   (producer) finish a request and hold its blocks
//	POST /decode    (consumer) schedule a request with transfer params
//	GET  /metrics   prometheus metrics
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"

	"github.com/llm-d/llm-d-kv-transfer/pkg/kvtransfer"
	"github.com/llm-d/llm-d-kv-transfer/pkg/kvtransfer/transport"
)

const (
	numLayers  = 4
	numBlocks  = 1024
	blockBytes = 4096

	stepInterval = 100 * time.Millisecond
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := klog.FromContext(ctx)

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Received shutdown signal")
		cancel()
	}()

	if err := run(ctx); err != nil {
		logger.Error(err, "Failed to run kv transfer node")
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	logger := klog.FromContext(ctx)

	cfg, httpPort, err := getConfig()
	if err != nil {
		return err
	}
	logger.Info("Loaded configuration", "kvRole", cfg.KVRole, "clusterID", cfg.ClusterID)

	scheduler, worker, err := newConnectors(ctx, cfg, newCaches(cfg.KVRole))
	if err != nil {
		return err
	}

	n := newNode(scheduler, worker, cfg)
	go n.stepLoop(ctx, stepInterval)

	httpServer := setupHTTPEndpoints(ctx, n, cfg.KVRole, httpPort)

	logger.Info("=== KV transfer node started ===", "httpPort", httpPort)

	// Wait for shutdown
	<-ctx.Done()
	logger.Info("Shutting down kv transfer node...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error(err, "HTTP server shutdown error")
	}
	return errors.Join(worker.Close(shutdownCtx), scheduler.Close(shutdownCtx))
}

// newConnectors creates both halves of the connector and registers the
// caches with the worker. Nothing is left open on error.
func newConnectors(ctx context.Context, cfg *kvtransfer.Config, caches transport.Caches,
) (scheduler, worker *kvtransfer.Connector, err error) {
	scheduler, err = kvtransfer.New(ctx, cfg, kvtransfer.RoleScheduler)
	if err != nil {
		return nil, nil, err
	}
	worker, err = kvtransfer.New(ctx, cfg, kvtransfer.RoleWorker)
	if err != nil {
		return nil, nil, errors.Join(err, scheduler.Close(ctx))
	}

	if err := worker.RegisterCaches(ctx, caches); err != nil {
		return nil, nil, errors.Join(err, worker.Close(ctx), scheduler.Close(ctx))
	}
	return scheduler, worker, nil
}

// newCaches allocates the synthetic layer caches. Producer blocks are
// filled with their layer and block index so transfers can be checked.
func newCaches(role kvtransfer.KVRole) transport.Caches {
	caches := make(transport.Caches, numLayers)
	for l := 0; l < numLayers; l++ {
		name := fmt.Sprintf("model.layers.%d.self_attn", l)
		c := transport.NewLayerCache(name, 0, numBlocks, blockBytes)
		if role == kvtransfer.KVProducer {
			for id := 0; id < numBlocks; id++ {
				block := make([]byte, blockBytes)
				for i := range block {
					block[i] = byte(l + id + i)
				}
				_ = c.WriteBlock(id, block)
			}
		}
		caches[name] = c
	}
	return caches
}

func setupHTTPEndpoints(ctx context.Context, n *node, role kvtransfer.KVRole, port string) *http.Server {
	logger := klog.FromContext(ctx)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(ctrlmetrics.Registry, promhttp.HandlerOpts{}))
	switch role {
	case kvtransfer.KVProducer:
		mux.HandleFunc("/prefill", n.handlePrefill)
	case kvtransfer.KVConsumer:
		mux.HandleFunc("/decode", n.handleDecode)
	}

	server := &http.Server{
		Addr:              ":" + port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(err, "HTTP server error")
		}
	}()

	return server
}

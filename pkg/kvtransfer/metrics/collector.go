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

package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"k8s.io/klog/v2"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

const namespace = "kvtransfer"

var (
	// PullsStarted counts transfer tasks picked up by a worker.
	PullsStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "pull", Name: "started_total",
		Help: "Total number of block pull tasks started",
	})
	PullsSucceeded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "pull", Name: "succeeded_total",
		Help: "Total number of block pull tasks that completed",
	})
	PullsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "pull", Name: "failed_total",
		Help: "Total number of block pull tasks that failed",
	})
	// PullLatency logs latency of transport pull calls.
	PullLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "pull", Name: "latency_seconds",
		Help:    "Latency of block pull calls in seconds",
		Buckets: prometheus.DefBuckets,
	})
	BlocksPulled = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "pull", Name: "blocks_total",
		Help: "Total number of KV blocks pulled from producers",
	})

	AcksSent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "ack", Name: "sent_total",
		Help: "Total number of completion acks pushed to producers",
	})
	AcksFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "ack", Name: "failed_total",
		Help: "Total number of completion acks that could not be pushed",
	})
	// AcksReceived counts request ids received by a producer listener.
	AcksReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "ack", Name: "received_total",
		Help: "Total number of request ids acknowledged by consumers",
	})

	FastPathBatches = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "fastpath", Name: "batches_total",
		Help: "Total number of metadata batches received on the fast path",
	})
	// SkippedRequests counts requests dropped before dispatch, either with
	// nothing to fetch or with block ids that could not be reconciled.
	SkippedRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "engine", Name: "skipped_requests_total",
		Help: "Total number of requests not dispatched, by reason",
	}, []string{"reason"})
	ActiveWorkers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "engine", Name: "active_workers",
		Help: "Number of running transfer workers across all queues",
	})

	ExportedBlocks = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "export", Name: "blocks_total",
		Help: "Total number of KV blocks staged by producers",
	})
)

// Collectors returns a slice of all registered Prometheus collectors.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		PullsStarted, PullsSucceeded, PullsFailed, PullLatency, BlocksPulled,
		AcksSent, AcksFailed, AcksReceived,
		FastPathBatches, SkippedRequests, ActiveWorkers,
		ExportedBlocks,
	}
}

var registerMetricsOnce = sync.Once{}

// Register registers all metrics with K8s registry.
func Register() {
	registerMetricsOnce.Do(func() {
		metrics.Registry.MustRegister(Collectors()...)
	})
}

// StartMetricsLogging spawns a goroutine that logs current metric values every
// interval, until ctx is done.
func StartMetricsLogging(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logMetrics(ctx)
			}
		}
	}()
}

func counterValue(c prometheus.Counter) (float64, bool) {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0, false
	}
	return m.GetCounter().GetValue(), true
}

func logMetrics(ctx context.Context) {
	started, ok := counterValue(PullsStarted)
	if !ok {
		return
	}
	succeeded, ok := counterValue(PullsSucceeded)
	if !ok {
		return
	}
	failed, ok := counterValue(PullsFailed)
	if !ok {
		return
	}
	blocks, ok := counterValue(BlocksPulled)
	if !ok {
		return
	}
	acks, ok := counterValue(AcksSent)
	if !ok {
		return
	}

	var workersMetric dto.Metric
	if err := ActiveWorkers.Write(&workersMetric); err != nil {
		return
	}
	workers := workersMetric.GetGauge().GetValue()

	var latencyMetric dto.Metric
	if err := PullLatency.Write(&latencyMetric); err != nil {
		return
	}
	latencyCount := latencyMetric.GetHistogram().GetSampleCount()
	latencySum := latencyMetric.GetHistogram().GetSampleSum()
	latencyAvg := 0.0
	if latencyCount > 0 {
		latencyAvg = latencySum / float64(latencyCount)
	}

	klog.FromContext(ctx).WithName("metrics").Info("metrics beat",
		"pulls_started", started,
		"pulls_succeeded", succeeded,
		"pulls_failed", failed,
		"blocks_pulled", blocks,
		"acks_sent", acks,
		"active_workers", workers,
		"latency_count", latencyCount,
		"latency_sum", latencySum,
		"latency_avg", latencyAvg,
	)
}

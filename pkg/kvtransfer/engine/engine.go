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

// Package engine runs the consumer side of a KV transfer: it reconciles
// the block ids of each request, splits the work into transfer tasks,
// dispatches them to workqueues and pulls the blocks on worker goroutines.
//
// Three dispatch policies are supported:
//   - a shared queue drained by MaxConcurrentPulls workers (default),
//   - one queue and worker per producer cluster, created on first use
//     (MultiThreadPull),
//   - one queue per peer link, each request split across the links of its
//     producer (MultiRankPull).
package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"k8s.io/client-go/util/workqueue"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-kv-transfer/pkg/kvtransfer/blockids"
	"github.com/llm-d/llm-d-kv-transfer/pkg/kvtransfer/completion"
	"github.com/llm-d/llm-d-kv-transfer/pkg/kvtransfer/metrics"
	"github.com/llm-d/llm-d-kv-transfer/pkg/kvtransfer/transport"
	"github.com/llm-d/llm-d-kv-transfer/pkg/utils/logging"
)

const (
	defaultMaxConcurrentPulls = 1
	defaultClusterIDStride    = 16
	sharedQueueName           = "kv-pull-shared"
)

var (
	// ErrNoLinks is returned when multi-rank pulling is enabled and no peer
	// link reaches the producer of a request.
	ErrNoLinks = errors.New("no peer links for cluster")
	// ErrStopped is returned for requests submitted after Shutdown.
	ErrStopped = errors.New("engine stopped")
)

// Config holds the configuration of the transfer engine.
type Config struct {
	// MultiThreadPull dispatches each request to a queue dedicated to its
	// producer cluster.
	MultiThreadPull bool `json:"multiThreadPull"`
	// MultiRankPull splits each request across the peer links of its
	// producer cluster. Takes precedence over MultiThreadPull.
	MultiRankPull bool `json:"multiRankPull"`
	// MaxConcurrentPulls is the number of workers draining the shared queue.
	MaxConcurrentPulls int `json:"maxConcurrentPulls"`
	// PrefillPodCount pre-creates that many per-cluster queues when
	// MultiThreadPull is set.
	PrefillPodCount int `json:"prefillPodCount"`
	// ClusterIDStride is the distance between the cluster ids of
	// consecutive prefill pods.
	ClusterIDStride int `json:"clusterIDStride"`
	// PullTimeout bounds a single pull. Zero means no bound.
	PullTimeout time.Duration `json:"pullTimeout"`
}

// DefaultConfig returns a default configuration for the transfer engine.
func DefaultConfig() *Config {
	return &Config{
		MaxConcurrentPulls: defaultMaxConcurrentPulls,
		ClusterIDStride:    defaultClusterIDStride,
	}
}

// Notifier tells a producer which requests it may release.
type Notifier interface {
	Send(ctx context.Context, address string, ids []string) error
}

// LoadRequest is one request of a step's metadata, before reconciliation.
type LoadRequest struct {
	RequestID       string
	RemoteClusterID string
	// RemoteHost is the producer's ack address.
	RemoteHost string
	Local      blockids.BlockIDs
	Remote     blockids.BlockIDs
}

// TransferTask is one unit of pull work. A request split across several
// links yields several tasks sharing one in-flight record.
type TransferTask struct {
	RequestID string
	// ClusterID is the producer cluster to pull from.
	ClusterID string
	// Link is the peer link the task is queued on, if any.
	Link       string
	Local      blockids.BlockIDs
	Remote     blockids.BlockIDs
	RemoteHost string

	flight *inFlight
}

// inFlight aggregates the tasks of one request. Guarded by Engine.flightsMu.
type inFlight struct {
	pending int
	failed  bool
	start   time.Time
}

type taskQueue = workqueue.TypedRateLimitingInterface[*TransferTask]

// Engine dispatches transfer tasks and pulls blocks through a Transport.
type Engine struct {
	cfg       Config
	transport transport.Transport
	notifier  Notifier
	recving   *completion.Tracker
	failed    *completion.Tracker

	queuesMu sync.Mutex // guards queues, links, ctx, started and stopped; enqueues hold it
	queues   map[string]taskQueue
	shared   taskQueue
	links    transport.LinkTable
	ctx      context.Context //nolint:containedctx // workers created after Start inherit it
	started  bool
	stopped  bool
	wg       sync.WaitGroup

	flightsMu sync.Mutex
	flights   map[string]*inFlight
}

// NewEngine creates an Engine. Completed request ids are recorded into
// recving, failed ones into failed.
func NewEngine(cfg *Config, tr transport.Transport, notifier Notifier,
	recving, failed *completion.Tracker,
) *Engine {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := *cfg
	if c.MaxConcurrentPulls <= 0 {
		c.MaxConcurrentPulls = defaultMaxConcurrentPulls
	}
	if c.ClusterIDStride <= 0 {
		c.ClusterIDStride = defaultClusterIDStride
	}

	return &Engine{
		cfg:       c,
		transport: tr,
		notifier:  notifier,
		recving:   recving,
		failed:    failed,
		queues:    make(map[string]taskQueue),
		shared:    newTaskQueue(sharedQueueName),
		flights:   make(map[string]*inFlight),
	}
}

func newTaskQueue(name string) taskQueue {
	return workqueue.NewTypedRateLimitingQueueWithConfig(
		workqueue.DefaultTypedControllerRateLimiter[*TransferTask](),
		workqueue.TypedRateLimitingQueueConfig[*TransferTask]{Name: name},
	)
}

// Start launches the shared workers and, when MultiThreadPull is set, the
// pre-warmed per-cluster queues. It is non-blocking.
func (e *Engine) Start(ctx context.Context) {
	logger := klog.FromContext(ctx).WithName("engine")

	e.queuesMu.Lock()
	e.ctx = ctx
	e.started = true
	for i := 0; i < e.cfg.MaxConcurrentPulls; i++ {
		e.spawnLocked(e.shared)
	}
	for _, q := range e.queues {
		e.spawnLocked(q)
	}
	e.queuesMu.Unlock()

	if e.cfg.MultiThreadPull && !e.cfg.MultiRankPull {
		for i := 0; i < e.cfg.PrefillPodCount; i++ {
			e.queueFor(strconv.Itoa(i * e.cfg.ClusterIDStride))
		}
	}

	logger.Info("Started transfer engine",
		"sharedWorkers", e.cfg.MaxConcurrentPulls,
		"multiThreadPull", e.cfg.MultiThreadPull,
		"multiRankPull", e.cfg.MultiRankPull,
		"queues", e.QueueCount())
}

// Shutdown stops accepting tasks, lets the workers drain their queues and
// waits for them.
func (e *Engine) Shutdown(ctx context.Context) {
	logger := klog.FromContext(ctx).WithName("engine")
	logger.Info("Shutting down transfer engine...")

	e.queuesMu.Lock()
	e.stopped = true
	shutDown := func(q taskQueue) {
		if e.started {
			q.ShutDownWithDrain()
			return
		}
		// nothing would ever drain the queue
		q.ShutDown()
	}
	shutDown(e.shared)
	for _, q := range e.queues {
		shutDown(q)
	}
	e.queuesMu.Unlock()

	e.wg.Wait()
	logger.Info("transfer engine shut down.")
}

// spawnLocked starts a worker for q. Requires queuesMu.
func (e *Engine) spawnLocked(q taskQueue) {
	e.wg.Add(1)
	metrics.ActiveWorkers.Inc()
	go e.worker(e.ctx, q)
}

// queueFor returns the queue dedicated to key, creating it and its worker
// on first use.
func (e *Engine) queueFor(key string) taskQueue {
	e.queuesMu.Lock()
	defer e.queuesMu.Unlock()

	if q, ok := e.queues[key]; ok {
		return q
	}

	q := newTaskQueue("kv-pull-" + key)
	e.queues[key] = q
	if e.started && !e.stopped {
		e.spawnLocked(q)
	}
	return q
}

// QueueCount returns the number of dedicated queues.
func (e *Engine) QueueCount() int {
	e.queuesMu.Lock()
	defer e.queuesMu.Unlock()
	return len(e.queues)
}

// SetLinks installs the peer links per producer cluster and creates one
// queue per link.
func (e *Engine) SetLinks(links transport.LinkTable) {
	e.queuesMu.Lock()
	e.links = links
	e.queuesMu.Unlock()

	for _, names := range links {
		for _, name := range names {
			e.queueFor(name)
		}
	}
}

func (e *Engine) linksFor(clusterID string) []string {
	e.queuesMu.Lock()
	defer e.queuesMu.Unlock()
	return e.links[clusterID]
}

// Submit reconciles and dispatches the requests. A request that cannot be
// reconciled is reported as failed, its producer is notified and the other
// requests still proceed; the returned error joins all such failures.
func (e *Engine) Submit(ctx context.Context, reqs []LoadRequest) error {
	logger := klog.FromContext(ctx).WithName("engine")
	var errs []error

	for i := range reqs {
		req := &reqs[i]

		pair, ok, err := blockids.Reconcile(req.Local, req.Remote)
		if err != nil {
			metrics.SkippedRequests.WithLabelValues("shape_mismatch").Inc()
			logger.Error(err, "Cannot reconcile block ids, dropping request",
				"request", req.RequestID, "local", req.Local, "remote", req.Remote)
			e.fail(ctx, req.RequestID, req.RemoteHost)
			errs = append(errs, fmt.Errorf("request %s: %w", req.RequestID, err))
			continue
		}
		if !ok {
			metrics.SkippedRequests.WithLabelValues("no_blocks").Inc()
			logger.V(logging.DEBUG).Info("Nothing to pull, skipping request", "request", req.RequestID)
			continue
		}

		if err := e.dispatch(ctx, req, pair); err != nil {
			metrics.SkippedRequests.WithLabelValues("dispatch").Inc()
			logger.Error(err, "Cannot dispatch request", "request", req.RequestID)
			e.fail(ctx, req.RequestID, req.RemoteHost)
			errs = append(errs, fmt.Errorf("request %s: %w", req.RequestID, err))
		}
	}

	return errors.Join(errs...)
}

func (e *Engine) dispatch(ctx context.Context, req *LoadRequest, pair blockids.Pair) error {
	if e.isStopped() {
		return ErrStopped
	}

	var (
		tasks  []*TransferTask
		queues []taskQueue
	)
	newTask := func(p blockids.Pair, link string) *TransferTask {
		return &TransferTask{
			RequestID:  req.RequestID,
			ClusterID:  req.RemoteClusterID,
			Link:       link,
			Local:      p.Local,
			Remote:     p.Remote,
			RemoteHost: req.RemoteHost,
		}
	}

	switch {
	case e.cfg.MultiRankPull:
		links := e.linksFor(req.RemoteClusterID)
		if len(links) == 0 {
			return fmt.Errorf("%w %s", ErrNoLinks, req.RemoteClusterID)
		}
		for i, part := range blockids.Split(pair, len(links)) {
			if len(part.Local.Primary()) == 0 {
				continue
			}
			tasks = append(tasks, newTask(part, links[i]))
			queues = append(queues, e.queueFor(links[i]))
		}
	case e.cfg.MultiThreadPull:
		tasks = append(tasks, newTask(pair, ""))
		queues = append(queues, e.queueFor(req.RemoteClusterID))
	default:
		tasks = append(tasks, newTask(pair, ""))
		queues = append(queues, e.shared)
	}

	e.flightsMu.Lock()
	if _, busy := e.flights[req.RequestID]; busy {
		e.flightsMu.Unlock()
		klog.FromContext(ctx).V(logging.DEBUG).Info("Request already in flight", "request", req.RequestID)
		return nil
	}
	flight := &inFlight{pending: len(tasks), start: time.Now()}
	e.flights[req.RequestID] = flight
	e.flightsMu.Unlock()

	// a queue shut down between the check above and Add drops the task
	e.queuesMu.Lock()
	if e.stopped {
		e.queuesMu.Unlock()
		e.flightsMu.Lock()
		delete(e.flights, req.RequestID)
		e.flightsMu.Unlock()
		return ErrStopped
	}
	for i, task := range tasks {
		task.flight = flight
		queues[i].Add(task)
	}
	e.queuesMu.Unlock()
	return nil
}

func (e *Engine) isStopped() bool {
	e.queuesMu.Lock()
	defer e.queuesMu.Unlock()
	return e.stopped
}

// InFlight returns the number of requests with outstanding tasks.
func (e *Engine) InFlight() int {
	e.flightsMu.Lock()
	defer e.flightsMu.Unlock()
	return len(e.flights)
}

func (e *Engine) worker(ctx context.Context, q taskQueue) {
	defer e.wg.Done()
	defer metrics.ActiveWorkers.Dec()

	for {
		task, shutdown := q.Get()
		if shutdown {
			return
		}

		func(task *TransferTask) {
			defer q.Done(task)
			e.process(ctx, task)
			// failed pulls are reported, never retried
			q.Forget(task)
		}(task)
	}
}

func (e *Engine) process(ctx context.Context, task *TransferTask) {
	logger := klog.FromContext(ctx).WithName("engine").WithValues(
		"request", task.RequestID, "cluster", task.ClusterID, "link", task.Link)

	metrics.PullsStarted.Inc()

	pullCtx := ctx
	if e.cfg.PullTimeout > 0 {
		var cancel context.CancelFunc
		pullCtx, cancel = context.WithTimeout(ctx, e.cfg.PullTimeout)
		defer cancel()
	}

	err := e.transport.PullBlocks(pullCtx, &transport.PullRequest{
		RequestID: task.RequestID,
		ClusterID: task.ClusterID,
		Link:      task.Link,
		Local:     task.Local,
		Remote:    task.Remote,
	})
	if err != nil {
		metrics.PullsFailed.Inc()
		logger.Error(err, "KV transfer task failed")
	} else {
		metrics.PullsSucceeded.Inc()
	}

	e.flightsMu.Lock()
	flight := task.flight
	flight.pending--
	if err != nil {
		flight.failed = true
	}
	last := flight.pending == 0
	if last {
		delete(e.flights, task.RequestID)
	}
	e.flightsMu.Unlock()

	if !last {
		return
	}

	// the producer releases its blocks on either outcome
	e.ack(ctx, task.RequestID, task.RemoteHost)
	if flight.failed {
		e.failed.Add(task.RequestID)
		return
	}
	e.recving.Add(task.RequestID)
	logger.Info("read blocks", "cost", time.Since(flight.start).String())
}

func (e *Engine) fail(ctx context.Context, requestID, remoteHost string) {
	e.failed.Add(requestID)
	e.ack(ctx, requestID, remoteHost)
}

func (e *Engine) ack(ctx context.Context, requestID, remoteHost string) {
	if e.notifier == nil || remoteHost == "" {
		return
	}
	if err := e.notifier.Send(ctx, remoteHost, []string{requestID}); err != nil {
		klog.FromContext(ctx).WithName("engine").Error(err, "Failed to send ack to producer",
			"request", requestID, "address", remoteHost)
	}
}

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

//nolint:testpackage // allow tests to run in the same package
package e2e

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/suite"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/llm-d/llm-d-kv-transfer/pkg/kvtransfer"
	"github.com/llm-d/llm-d-kv-transfer/pkg/kvtransfer/transport"
)

const (
	blockSize  = 4
	numBlocks  = 16
	blockBytes = 32
)

var layers = []string{"layers.0", "layers.1"}

// KVTransferSuite defines a testify test suite for end-to-end testing of a
// producer/consumer pair. Blocks are staged in a mock Redis server
// (miniredis) and acks travel over a local TCP socket.
type KVTransferSuite struct {
	suite.Suite

	ctx    context.Context
	cancel context.CancelFunc
	server *miniredis.Miniredis

	producerScheduler *kvtransfer.Connector
	producerWorker    *kvtransfer.Connector
	consumerScheduler *kvtransfer.Connector
	consumerWorker    *kvtransfer.Connector

	producerCaches transport.Caches
	consumerCaches transport.Caches

	sent     sets.Set[string]
	received sets.Set[string]
	failed   sets.Set[string]
}

// SetupTest starts the mock Redis and creates both halves of a producer and
// of a consumer before each test.
func (s *KVTransferSuite) SetupTest() {
	s.ctx, s.cancel = context.WithCancel(context.Background())

	var err error
	s.server, err = miniredis.Run()
	s.Require().NoError(err)

	redisConfig := func() *transport.Config {
		return &transport.Config{
			RedisConfig: &transport.RedisConfig{
				StagingOptions: transport.StagingOptions{
					ReadyTimeout: time.Second,
					PollInterval: 5 * time.Millisecond,
				},
				Address: s.server.Addr(),
			},
			EnableMetrics: true,
		}
	}

	producerConfig := kvtransfer.DefaultConfig(kvtransfer.KVProducer)
	producerConfig.ClusterID = "0"
	producerConfig.HostIP = "127.0.0.1"
	producerConfig.AckPort = s.freePort()
	producerConfig.TransportConfig = redisConfig()

	consumerConfig := kvtransfer.DefaultConfig(kvtransfer.KVConsumer)
	consumerConfig.ClusterID = "100"
	consumerConfig.BlockSize = blockSize
	consumerConfig.TransportConfig = redisConfig()

	s.producerScheduler = s.newConnector(producerConfig, kvtransfer.RoleScheduler)
	s.producerWorker = s.newConnector(producerConfig, kvtransfer.RoleWorker)
	s.consumerScheduler = s.newConnector(consumerConfig, kvtransfer.RoleScheduler)
	s.consumerWorker = s.newConnector(consumerConfig, kvtransfer.RoleWorker)

	s.producerCaches = make(transport.Caches, len(layers))
	s.consumerCaches = make(transport.Caches, len(layers))
	for _, name := range layers {
		producerCache := transport.NewLayerCache(name, 0, numBlocks, blockBytes)
		for id := 0; id < numBlocks; id++ {
			s.Require().NoError(producerCache.WriteBlock(id, blockContent(name, id)))
		}
		s.producerCaches[name] = producerCache
		s.consumerCaches[name] = transport.NewLayerCache(name, 0, numBlocks, blockBytes)
	}
	s.Require().NoError(s.producerWorker.RegisterCaches(s.ctx, s.producerCaches))
	s.Require().NoError(s.consumerWorker.RegisterCaches(s.ctx, s.consumerCaches))

	s.sent = sets.New[string]()
	s.received = sets.New[string]()
	s.failed = sets.New[string]()
}

// TearDownTest closes the connectors and stops the mock Redis after each test.
func (s *KVTransferSuite) TearDownTest() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, c := range []*kvtransfer.Connector{
		s.consumerWorker, s.consumerScheduler, s.producerWorker, s.producerScheduler,
	} {
		if c != nil {
			s.NoError(c.Close(ctx))
		}
	}
	s.cancel()
	if s.server != nil {
		s.server.Close()
	}
}

func (s *KVTransferSuite) newConnector(cfg *kvtransfer.Config, role kvtransfer.Role) *kvtransfer.Connector {
	c, err := kvtransfer.New(s.ctx, cfg, role)
	s.Require().NoError(err)
	return c
}

func (s *KVTransferSuite) freePort() int {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	s.Require().NoError(err)
	defer l.Close()
	//nolint:forcetypeassert // tcp listeners always have tcp addresses
	return l.Addr().(*net.TCPAddr).Port
}

// blockContent returns the content of a producer block.
func blockContent(layer string, id int) []byte {
	out := make([]byte, blockBytes)
	for i := range out {
		out[i] = byte(len(layer)*13 + id*31 + i)
	}
	return out
}

// prefill finishes a request on the producer and stages its blocks. It
// returns the params the router hands to the consumer.
func (s *KVTransferSuite) prefill(requestID string, blocks []int) *kvtransfer.KVTransferParams {
	req := &kvtransfer.Request{
		RequestID: requestID,
		Status:    kvtransfer.StatusFinishedLengthCapped,
	}
	delay, params, err := s.producerScheduler.RequestFinished(req, blocks, nil)
	s.Require().NoError(err)
	s.Require().True(delay)
	s.Require().NotNil(params)

	meta, err := s.producerScheduler.BuildConnectorMetadata(s.ctx, &kvtransfer.StepContext{})
	s.Require().NoError(err)
	s.Require().NoError(s.producerWorker.StartLoad(s.ctx, meta))
	return params
}

// collectFinished drains both workers into the suite's sets. It runs
// inside Eventually conditions, so errors only leave the sets unchanged.
func (s *KVTransferSuite) collectFinished() {
	if sending, _, err := s.producerWorker.GetFinished(); err == nil {
		s.sent = s.sent.Union(sending)
	}
	if _, recving, err := s.consumerWorker.GetFinished(); err == nil {
		s.received = s.received.Union(recving)
	}
	if failed, err := s.consumerWorker.GetFailedLoads(); err == nil {
		s.failed = s.failed.Union(failed)
	}
}

// TestKVTransferSuite runs the KVTransferSuite using testify's suite runner.
func TestKVTransferSuite(t *testing.T) {
	suite.Run(t, new(KVTransferSuite))
}

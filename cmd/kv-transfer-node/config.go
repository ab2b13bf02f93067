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

package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/llm-d/llm-d-kv-transfer/pkg/kvtransfer"
	"github.com/llm-d/llm-d-kv-transfer/pkg/kvtransfer/transport"
)

const (
	envKVRole          = "KV_ROLE"
	envClusterID       = "CLUSTER_ID"
	envHostIP          = "HOST_IP"
	envAckPort         = "KV_ACK_PORT"
	envBlockSize       = "BLOCK_SIZE"
	envTPRank          = "TP_RANK"
	envDPRank          = "DP_RANK"
	envTransport       = "TRANSPORT"
	envRedisAddr       = "REDIS_ADDR"
	envMemorySize      = "MEMORY_SIZE"
	envAsyncPull       = "ASYNC_PULL_KV"
	envMultiThreadPull = "MULTI_THREAD_PULL_KV"
	envMultiRankPull   = "MULTI_RANK_PULL_KV"
	envPrefillPodNum   = "PREFILL_POD_NUM"
	envHTTPPort        = "HTTP_PORT"

	defaultBlockSize = 16
	defaultHTTPPort  = "8080"
)

func getConfig() (*kvtransfer.Config, string, error) {
	role := kvtransfer.KVRole(os.Getenv(envKVRole))
	if err := role.Validate(); err != nil {
		return nil, "", err
	}

	cfg := kvtransfer.DefaultConfig(role)
	cfg.ClusterID = os.Getenv(envClusterID)
	cfg.HostIP = os.Getenv(envHostIP)
	cfg.BlockSize = defaultBlockSize

	var err error
	if cfg.AckPort, err = intEnv(envAckPort, cfg.AckPort); err != nil {
		return nil, "", err
	}
	if cfg.BlockSize, err = intEnv(envBlockSize, cfg.BlockSize); err != nil {
		return nil, "", err
	}
	if cfg.TPRank, err = intEnv(envTPRank, 0); err != nil {
		return nil, "", err
	}
	if cfg.DPRank, err = intEnv(envDPRank, 0); err != nil {
		return nil, "", err
	}
	if cfg.EngineConfig.PrefillPodCount, err = intEnv(envPrefillPodNum, 0); err != nil {
		return nil, "", err
	}

	cfg.AsyncPull = boolEnv(envAsyncPull)
	cfg.EngineConfig.MultiThreadPull = boolEnv(envMultiThreadPull)
	cfg.EngineConfig.MultiRankPull = boolEnv(envMultiRankPull)

	cfg.TransportConfig, err = getTransportConfig()
	if err != nil {
		return nil, "", err
	}

	httpPort := os.Getenv(envHTTPPort)
	if httpPort == "" {
		httpPort = defaultHTTPPort
	}
	return cfg, httpPort, nil
}

func getTransportConfig() (*transport.Config, error) {
	cfg := &transport.Config{
		EnableMetrics:          true,
		MetricsLoggingInterval: 30 * time.Second,
	}

	switch backend := os.Getenv(envTransport); backend {
	case "", "redis":
		cfg.RedisConfig = transport.DefaultRedisConfig()
		if addr := os.Getenv(envRedisAddr); addr != "" {
			cfg.RedisConfig.Address = addr
		}
	case "memory":
		// blocks never leave the process: only useful for local testing
		cfg.MemoryConfig = transport.DefaultMemoryConfig()
		if size := os.Getenv(envMemorySize); size != "" {
			cfg.MemoryConfig.Size = size
		}
	default:
		return nil, fmt.Errorf("%w: unknown transport %q", kvtransfer.ErrConfig, backend)
	}
	return cfg, nil
}

func intEnv(name string, def int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q: %w", kvtransfer.ErrConfig, name, v, err)
	}
	return n, nil
}

func boolEnv(name string) bool {
	v, err := strconv.ParseBool(os.Getenv(name))
	return err == nil && v
}

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
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds the configuration for the Redis transport.
type RedisConfig struct {
	StagingOptions

	Address string `json:"address,omitempty"` // Redis server address
}

// DefaultRedisConfig returns a default configuration for the Redis transport.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Address: "redis://127.0.0.1:6379",
	}
}

// NewRedisTransport creates a transport staging blocks in Redis. Each layer
// of a cluster is one hash with a field per block id.
func NewRedisTransport(ctx context.Context, cfg *RedisConfig) (*StagingTransport, error) {
	if cfg == nil {
		cfg = DefaultRedisConfig()
	}

	address := cfg.Address
	if !strings.HasPrefix(address, "redis://") &&
		!strings.HasPrefix(address, "rediss://") &&
		!strings.HasPrefix(address, "unix://") {
		address = "redis://" + address
	}

	redisOpt, err := redis.ParseURL(address)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redisURL: %w", err)
	}

	redisClient := redis.NewClient(redisOpt)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return newStagingTransport("transport.RedisTransport",
		&redisStagingStore{client: redisClient}, &cfg.StagingOptions), nil
}

type redisStagingStore struct {
	client *redis.Client
}

var _ stagingStore = &redisStagingStore{}

func redisLayerKey(clusterID, layer string) string {
	return fmt.Sprintf("kvx:%s:%s", clusterID, layer)
}

// stage writes all blocks and the ready marker in one MULTI/EXEC so a
// consumer never observes a ready request with missing blocks.
func (r *redisStagingStore) stage(ctx context.Context, clusterID, requestID string,
	layers map[string]map[int][]byte, ttl time.Duration,
) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for layer, blocks := range layers {
			if len(blocks) == 0 {
				continue
			}
			key := redisLayerKey(clusterID, layer)
			values := make([]any, 0, 2*len(blocks))
			for id, rec := range blocks {
				values = append(values, strconv.Itoa(id), rec)
			}
			pipe.HSet(ctx, key, values...)
			pipe.Expire(ctx, key, ttl)
		}
		pipe.Set(ctx, readyKey(clusterID, requestID), 1, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to stage blocks in Redis: %w", err)
	}
	return nil
}

func (r *redisStagingStore) ready(ctx context.Context, clusterID, requestID string) (bool, error) {
	n, err := r.client.Exists(ctx, readyKey(clusterID, requestID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *redisStagingStore) fetch(ctx context.Context, clusterID, layer string, ids []int) ([][]byte, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	fields := make([]string, len(ids))
	for i, id := range ids {
		fields[i] = strconv.Itoa(id)
	}

	values, err := r.client.HMGet(ctx, redisLayerKey(clusterID, layer), fields...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch blocks from Redis: %w", err)
	}

	out := make([][]byte, len(ids))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%w: layer %s block %d of cluster %s", ErrBlockNotFound, layer, ids[i], clusterID)
		}
		out[i] = []byte(s)
	}
	return out, nil
}

func (r *redisStagingStore) close() error {
	return r.client.Close()
}

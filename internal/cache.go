// Copyright 2023 UMH Systems GmbH
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

package internal

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

// TieredCache keeps values in process memory and, when configured, mirrors them to redis.
// Memory entries are short-lived so replicas converge on the redis copy.
type TieredCache struct {
	rdb                  *redis.Client
	memCache             *cache.Cache
	memoryDataExpiration time.Duration
	redisDataExpiration  time.Duration
}

// NewRedisClient returns nil when uri is empty
func NewRedisClient(uri string, password string, db int) *redis.Client {
	if uri == "" {
		return nil
	}
	options := redis.Options{
		Addr:     uri,
		Password: password,
		DB:       db,
	}
	zap.S().Debugf("Initializing redis client for %s (db %d)", uri, db)
	return redis.NewClient(&options)
}

// NewTieredCache creates a cache. rdb may be nil, the cache is then memory only.
func NewTieredCache(rdb *redis.Client, memoryExpiration time.Duration, redisExpiration time.Duration) *TieredCache {
	if memoryExpiration <= 0 {
		memoryExpiration = 10 * time.Second
	}
	if redisExpiration <= 0 {
		redisExpiration = 12 * time.Hour
	}
	return &TieredCache{
		rdb:                  rdb,
		memCache:             cache.New(memoryExpiration, 2*memoryExpiration),
		memoryDataExpiration: memoryExpiration,
		redisDataExpiration:  redisExpiration,
	}
}

// RedisEnabled reports whether a redis client was configured
func (t *TieredCache) RedisEnabled() bool {
	return t.rdb != nil
}

// IsRedisAvailable pings redis
func (t *TieredCache) IsRedisAvailable(ctx context.Context) bool {
	if t.rdb == nil {
		return false
	}
	timeout, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	statusCmd := t.rdb.Ping(timeout)
	if statusCmd != nil && statusCmd.Val() == "PONG" {
		return true
	}
	zap.S().Debugf("Redis Error: %s", statusCmd)
	return false
}

// GetTiered attempts to get key from the memory cache, if that fails it falls back to redis
func (t *TieredCache) GetTiered(ctx context.Context, key string) (value []byte, cached bool) {
	v, found := t.memCache.Get(key)
	if found {
		if b, ok := v.([]byte); ok {
			return b, true
		}
	}
	if t.rdb == nil {
		return nil, false
	}

	rctx, cancel := context.WithTimeout(ctx, t.memoryDataExpiration)
	defer cancel()
	value, err := t.rdb.Get(rctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			zap.S().Debugf("Failed to read %s from redis: %s", key, err)
		}
		return nil, false
	}

	// Write back to memCache
	t.memCache.SetDefault(key, value)
	return value, true
}

// SetTiered sets memcache and redis
func (t *TieredCache) SetTiered(ctx context.Context, key string, value []byte) {
	t.memCache.SetDefault(key, value)
	if t.rdb == nil {
		return
	}
	err := t.rdb.Set(ctx, key, value, t.redisDataExpiration).Err()
	if err != nil {
		zap.S().Warnf("Failed to write %s to redis: %s", key, err)
	}
}

// DeleteTiered removes key from both tiers
func (t *TieredCache) DeleteTiered(ctx context.Context, key string) {
	t.memCache.Delete(key)
	if t.rdb == nil {
		return
	}
	err := t.rdb.Del(ctx, key).Err()
	if err != nil {
		zap.S().Warnf("Failed to delete %s from redis: %s", key, err)
	}
}

// Close closes the redis client, if any
func (t *TieredCache) Close() error {
	if t.rdb == nil {
		return nil
	}
	return t.rdb.Close()
}

// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
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

package persistence

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisHashSetter abstracts the minimal surface we need from a Redis client.
// Implementations may wrap github.com/redis/go-redis/v9 or any equivalent.
type RedisHashSetter interface {
	HSet(ctx context.Context, key string, values ...interface{}) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

// GoRedisClient is the production client wrapper implementing
// RedisHashSetter on top of github.com/redis/go-redis/v9.
type GoRedisClient struct{ c *redis.Client }

// NewGoRedisClient constructs a client for an address like "127.0.0.1:6379".
func NewGoRedisClient(addr string) *GoRedisClient {
	return &GoRedisClient{c: redis.NewClient(&redis.Options{Addr: addr})}
}

func (g *GoRedisClient) HSet(ctx context.Context, key string, values ...interface{}) error {
	return g.c.HSet(ctx, key, values...).Err()
}

func (g *GoRedisClient) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return g.c.Expire(ctx, key, ttl).Err()
}

// RedisKey returns the hash key a run's snapshots are written under.
func RedisKey(runID string) string { return fmt.Sprintf("quantumrun:%s", runID) }

// RedisSink writes each snapshot into a per-run Redis hash. Because a
// snapshot is an absolute observation, HSET makes retries idempotent: the
// latest write wins and a duplicate changes nothing.
type RedisSink struct {
	client         RedisHashSetter
	ttl            time.Duration
	defaultTimeout time.Duration
}

// NewRedisSink returns a sink with the given client. ttl bounds how long a
// finished run's hash lingers; choose a duration comfortably larger than
// whatever reads the results.
func NewRedisSink(client RedisHashSetter, ttl time.Duration) *RedisSink {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisSink{client: client, ttl: ttl, defaultTimeout: 10 * time.Second}
}

// Publish writes the snapshot fields and refreshes the key TTL.
func (r *RedisSink) Publish(ctx context.Context, snap RunSnapshot) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); !ok && r.defaultTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.defaultTimeout)
		defer cancel()
	}

	key := RedisKey(snap.RunID)
	fields := []interface{}{
		"generation", snap.Generation,
		"frontier", snap.Frontier,
		"final", snap.Final,
		"ts_unix_ms", snap.TsUnixMs,
	}
	for i, vt := range snap.VirtualTimes {
		fields = append(fields, fmt.Sprintf("vcpu_%d_vtime", i), vt)
	}
	for i, n := range snap.Instructions {
		fields = append(fields, fmt.Sprintf("vcpu_%d_instructions", i), n)
	}
	if err := r.client.HSet(ctx, key, fields...); err != nil {
		return fmt.Errorf("redis hset %s: %w", key, err)
	}
	if err := r.client.Expire(ctx, key, r.ttl); err != nil {
		return fmt.Errorf("redis expire %s: %w", key, err)
	}
	return nil
}

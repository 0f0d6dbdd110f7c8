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
)

// LoggingSink prints each snapshot instead of persisting it. It lets the sim
// select the publishing path without needing a real Redis. Not for
// production use.
type LoggingSink struct{}

func (LoggingSink) Publish(ctx context.Context, snap RunSnapshot) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	kind := "snapshot"
	if snap.Final {
		kind = "final"
	}
	fmt.Printf("[run-sink] %s run=%s generation=%d frontier=%d vtimes=%v\n",
		kind, snap.RunID, snap.Generation, snap.Frontier, snap.VirtualTimes)
	return nil
}

// NoopSink discards snapshots.
type NoopSink struct{}

func (NoopSink) Publish(context.Context, RunSnapshot) error { return nil }

// BuildSink constructs a RunSink from a string selector:
//   - "" or "none": discard snapshots
//   - "log": print them (dependency-free)
//   - "redis": publish to the given Redis address
func BuildSink(kind, redisAddr string) (RunSink, error) {
	switch kind {
	case "", "none":
		return NoopSink{}, nil
	case "log":
		return LoggingSink{}, nil
	case "redis":
		if redisAddr == "" {
			return nil, fmt.Errorf("persistence: redis sink requires an address")
		}
		return NewRedisSink(NewGoRedisClient(redisAddr), 24*time.Hour), nil
	default:
		return nil, fmt.Errorf("persistence: unknown run sink %q", kind)
	}
}

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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingSink captures published snapshots for assertions.
type recordingSink struct {
	mu    sync.Mutex
	snaps []RunSnapshot
}

func (r *recordingSink) Publish(_ context.Context, snap RunSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, snap)
	return nil
}

func (r *recordingSink) all() []RunSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RunSnapshot(nil), r.snaps...)
}

// fakeHashSetter records HSet/Expire calls for the Redis sink test.
type fakeHashSetter struct {
	key     string
	fields  []interface{}
	expires time.Duration
}

func (f *fakeHashSetter) HSet(_ context.Context, key string, values ...interface{}) error {
	f.key = key
	f.fields = values
	return nil
}

func (f *fakeHashSetter) Expire(_ context.Context, key string, ttl time.Duration) error {
	f.key = key
	f.expires = ttl
	return nil
}

func TestBuildSink(t *testing.T) {
	s, err := BuildSink("", "")
	require.NoError(t, err)
	assert.IsType(t, NoopSink{}, s)

	s, err = BuildSink("log", "")
	require.NoError(t, err)
	assert.IsType(t, LoggingSink{}, s)

	_, err = BuildSink("redis", "")
	assert.Error(t, err, "redis sink without an address must fail")

	s, err = BuildSink("redis", "127.0.0.1:6379")
	require.NoError(t, err)
	assert.IsType(t, &RedisSink{}, s)

	_, err = BuildSink("postgres", "")
	assert.Error(t, err)
}

func TestRedisSink_PublishFields(t *testing.T) {
	fake := &fakeHashSetter{}
	sink := NewRedisSink(fake, time.Hour)

	snap := RunSnapshot{
		RunID:        "r1",
		Generation:   4,
		Frontier:     4000,
		VirtualTimes: []uint64{4000, 3990},
		Instructions: []uint64{4000, 3990},
		Final:        true,
		TsUnixMs:     1234,
	}
	require.NoError(t, sink.Publish(context.Background(), snap))

	assert.Equal(t, "quantumrun:r1", fake.key)
	assert.Equal(t, time.Hour, fake.expires)
	// 4 scalar fields + 2 vtimes + 2 instruction counts, key/value flattened.
	assert.Len(t, fake.fields, 2*(4+2+2))
	assert.Contains(t, fake.fields, "vcpu_1_vtime")
	assert.Contains(t, fake.fields, "generation")
}

func TestWorker_PeriodicAndFinalFlush(t *testing.T) {
	sink := &recordingSink{}
	var calls int
	src := SourceFunc(func(final bool) RunSnapshot {
		calls++
		return RunSnapshot{RunID: "r2", Generation: uint32(calls), Final: final}
	})

	w := NewWorker(sink, src, 5*time.Millisecond)
	w.Start()
	time.Sleep(30 * time.Millisecond)
	w.Stop()
	w.Stop() // idempotent

	snaps := sink.all()
	require.NotEmpty(t, snaps)
	// At least one periodic snapshot plus the final flush, which is last.
	assert.GreaterOrEqual(t, len(snaps), 2)
	last := snaps[len(snaps)-1]
	assert.True(t, last.Final, "final flush must be published on Stop")
	for _, s := range snaps[:len(snaps)-1] {
		assert.False(t, s.Final)
	}
}

func TestWorker_FinalFlushOnlyWhenNoInterval(t *testing.T) {
	sink := &recordingSink{}
	w := NewWorker(sink, SourceFunc(func(final bool) RunSnapshot {
		return RunSnapshot{RunID: "r3", Final: final}
	}), 0)
	w.Start()
	time.Sleep(10 * time.Millisecond)
	w.Stop()

	snaps := sink.all()
	require.Len(t, snaps, 1)
	assert.True(t, snaps[0].Final)
}

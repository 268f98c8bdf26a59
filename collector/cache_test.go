// Copyright 2021 Trey Dockendorf
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package collector

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(clock clockwork.Clock, fetch func(ctx context.Context) (*ClusterSnapshot, string, error)) *SnapshotCache {
	return &SnapshotCache{
		logger:   log.NewNopLogger(),
		clock:    clock,
		fetch:    fetch,
		timeout:  10 * time.Second,
		minAge:   5 * time.Second,
		maxStale: 5 * time.Minute,
	}
}

func healthySnapshot() *ClusterSnapshot {
	return &ClusterSnapshot{
		Summary: Summary{Quorum: true, NodesConfigured: 1, ResourcesConfigured: 1},
		Nodes:   []Node{{Name: "node1", Status: NodeOnline, IsDC: true}},
		Resources: []Resource{
			{ID: "vip", Role: RoleStarted, Nodes: []string{"node1"}, Active: true, Managed: true, NodesRunningOn: 1},
		},
	}
}

func TestCacheGetOrRefresh(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var fetches int64
	cache := newTestCache(clock, func(ctx context.Context) (*ClusterSnapshot, string, error) {
		atomic.AddInt64(&fetches, 1)
		return healthySnapshot(), "<crm_mon/>", nil
	})
	snapshot, err := cache.GetOrRefresh()
	require.NoError(t, err)
	require.NotNil(t, snapshot)
	assert.Equal(t, "node1", snapshot.Nodes[0].Name)
	assert.Equal(t, clock.Now(), snapshot.Timestamp)
	raw, err := cache.RawXML()
	require.NoError(t, err)
	assert.Equal(t, "<crm_mon/>", raw)

	// Inside the poll interval the cached snapshot is served.
	snapshot, err = cache.GetOrRefresh()
	require.NoError(t, err)
	require.NotNil(t, snapshot)
	assert.Equal(t, int64(1), atomic.LoadInt64(&fetches))

	clock.Advance(6 * time.Second)
	_, err = cache.GetOrRefresh()
	require.NoError(t, err)
	assert.Equal(t, int64(2), atomic.LoadInt64(&fetches))
}

func TestCacheColdStart(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cache := newTestCache(clock, func(ctx context.Context) (*ClusterSnapshot, string, error) {
		return nil, "", &FetchError{Kind: FetchErrNotFound, Err: errors.New("no such file")}
	})
	snapshot, err := cache.GetOrRefresh()
	assert.Nil(t, snapshot)
	assert.ErrorIs(t, err, ErrNoSnapshot)
	assert.False(t, cache.HasSnapshot())
	_, err = cache.RawXML()
	assert.ErrorIs(t, err, ErrNoSnapshot)
}

func TestCacheFailureContinuity(t *testing.T) {
	clock := clockwork.NewFakeClock()
	fail := false
	cache := newTestCache(clock, func(ctx context.Context) (*ClusterSnapshot, string, error) {
		if fail {
			return nil, "", &FetchError{Kind: FetchErrTimeout, Err: context.DeadlineExceeded}
		}
		return healthySnapshot(), "<crm_mon/>", nil
	})
	_, err := cache.GetOrRefresh()
	require.NoError(t, err)

	fail = true
	clock.Advance(6 * time.Second)
	snapshot, err := cache.GetOrRefresh()
	require.NotNil(t, snapshot, "previous healthy snapshot must be retained")
	var fetchErr *FetchError
	require.True(t, errors.As(err, &fetchErr))
	assert.Equal(t, FetchErrTimeout, fetchErr.Kind)
	assert.Equal(t, "node1", snapshot.Nodes[0].Name)
}

func TestCacheStaleSnapshotDropped(t *testing.T) {
	clock := clockwork.NewFakeClock()
	fail := false
	cache := newTestCache(clock, func(ctx context.Context) (*ClusterSnapshot, string, error) {
		if fail {
			return nil, "", &FetchError{Kind: FetchErrNonZeroExit, Err: errors.New("exit status 1")}
		}
		return healthySnapshot(), "<crm_mon/>", nil
	})
	_, err := cache.GetOrRefresh()
	require.NoError(t, err)

	fail = true
	clock.Advance(6 * time.Minute)
	snapshot, err := cache.GetOrRefresh()
	assert.Nil(t, snapshot)
	assert.ErrorIs(t, err, ErrNoSnapshot)
	assert.False(t, cache.HasSnapshot())
	_, err = cache.RawXML()
	assert.ErrorIs(t, err, ErrNoSnapshot)
}

func TestCacheRefreshCoalescing(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var fetches int64
	release := make(chan struct{})
	cache := newTestCache(clock, func(ctx context.Context) (*ClusterSnapshot, string, error) {
		atomic.AddInt64(&fetches, 1)
		<-release
		return healthySnapshot(), "<crm_mon/>", nil
	})

	const scrapers = 10
	var wg sync.WaitGroup
	started := make(chan struct{}, scrapers)
	for i := 0; i < scrapers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			started <- struct{}{}
			snapshot, err := cache.GetOrRefresh()
			assert.NoError(t, err)
			assert.NotNil(t, snapshot)
		}()
	}
	for i := 0; i < scrapers; i++ {
		<-started
	}
	// Give the scrapers time to queue behind the in-flight fetch.
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()
	assert.Equal(t, int64(1), atomic.LoadInt64(&fetches))
}

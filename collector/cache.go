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
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"
)

// ErrNoSnapshot is returned when no cluster snapshot is available, either
// because no crm_mon run has succeeded yet or because the last good snapshot
// aged past --collector.max-stale.
var ErrNoSnapshot = errors.New("no cluster snapshot available")

// SnapshotCache owns the single shared snapshot slot. Concurrent scrapes
// inside the poll interval are served from cache, scrapes that need a refresh
// are coalesced through singleflight so at most one crm_mon runs at a time.
// A failed refresh keeps the previous healthy snapshot until it is older than
// maxStale.
type SnapshotCache struct {
	logger   log.Logger
	clock    clockwork.Clock
	fetch    func(ctx context.Context) (*ClusterSnapshot, string, error)
	timeout  time.Duration
	minAge   time.Duration
	maxStale time.Duration

	group        singleflight.Group
	mu           sync.RWMutex
	snapshot     *ClusterSnapshot
	lastRaw      string
	lastFetch    time.Time
	lastAttempt  time.Time
	lastErr      error
	lastDuration time.Duration
}

func NewSnapshotCache(logger log.Logger) *SnapshotCache {
	c := &SnapshotCache{
		logger:   logger,
		clock:    clockwork.NewRealClock(),
		timeout:  time.Duration(*fetchTimeout) * time.Second,
		minAge:   *pollInterval,
		maxStale: *maxStale,
	}
	c.fetch = func(ctx context.Context) (*ClusterSnapshot, string, error) {
		out, err := CrmMonExec(*crmMonPath, ctx)
		if err != nil {
			return nil, "", err
		}
		snapshot, err := ParseStatus(out, logger)
		if err != nil {
			return nil, "", err
		}
		return snapshot, out, nil
	}
	return c
}

// GetOrRefresh returns the current snapshot, running crm_mon first if the
// cached one is older than the poll interval. The returned error is the
// outcome of the most recent refresh attempt: a nil error with a non-nil
// snapshot means the data is current, a FetchError or ParseError alongside a
// snapshot means stale-but-healthy data is being served.
func (c *SnapshotCache) GetOrRefresh() (*ClusterSnapshot, error) {
	if snapshot, err, ok := c.cached(); ok {
		return snapshot, err
	}
	// Concurrent callers share one refresh. The freshness re-check inside
	// the flight covers callers that queued behind a refresh that already
	// satisfies them.
	_, _, _ = c.group.Do("crm_mon", func() (interface{}, error) {
		if _, _, ok := c.cached(); !ok {
			c.refresh()
		}
		return nil, nil
	})
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current()
}

// cached returns the current state if the last refresh attempt is recent
// enough to skip another crm_mon run.
func (c *SnapshotCache) cached() (*ClusterSnapshot, error, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.lastAttempt.IsZero() || c.clock.Now().Sub(c.lastAttempt) >= c.minAge {
		return nil, nil, false
	}
	snapshot, err := c.current()
	return snapshot, err, true
}

// current applies the staleness policy. Callers must hold mu.
func (c *SnapshotCache) current() (*ClusterSnapshot, error) {
	if c.snapshot == nil {
		return nil, ErrNoSnapshot
	}
	if c.lastErr != nil {
		return c.snapshot, c.lastErr
	}
	return c.snapshot, nil
}

func (c *SnapshotCache) refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	start := c.clock.Now()
	snapshot, raw, err := c.fetch(ctx)
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastAttempt = now
	c.lastDuration = now.Sub(start)
	if err != nil {
		c.lastErr = err
		level.Error(c.logger).Log("msg", "Refreshing cluster snapshot failed", "err", err)
		if c.snapshot != nil && now.Sub(c.lastFetch) > c.maxStale {
			level.Warn(c.logger).Log("msg", "Dropping stale snapshot", "age", now.Sub(c.lastFetch))
			c.snapshot = nil
			c.lastRaw = ""
		}
		return
	}
	snapshot.Timestamp = now
	c.snapshot = snapshot
	c.lastRaw = raw
	c.lastFetch = now
	c.lastErr = nil
}

// HasSnapshot reports whether a snapshot, fresh or stale, is being served.
func (c *SnapshotCache) HasSnapshot() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot != nil
}

// RawXML returns the crm_mon output the current snapshot was parsed from,
// subject to the same staleness policy as the snapshot itself.
func (c *SnapshotCache) RawXML() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.snapshot == nil {
		return "", ErrNoSnapshot
	}
	return c.lastRaw, nil
}

// LastFetchDuration returns how long the most recent crm_mon run took.
func (c *SnapshotCache) LastFetchDuration() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastDuration
}

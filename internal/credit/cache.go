// Package credit caches the user's usage snapshot on the client with a
// short TTL so the dock can gate sends without a round trip per keypress.
package credit

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/daveri-app/assistant/internal/apiclient"
	"github.com/daveri-app/assistant/internal/usage"
)

const DefaultTTL = 45 * time.Second

// ErrNoSnapshot reports a fetcher that resolved without an error but also
// without a snapshot. The cache keeps its last good data.
var ErrNoSnapshot = errors.New("credit: fetcher returned no snapshot")

type Status string

const (
	StatusIdle       Status = "idle"
	StatusLoading    Status = "loading"
	StatusRefreshing Status = "refreshing"
	StatusError      Status = "error"
)

// View is an immutable observation of the cache.
type View struct {
	Status        Status
	Data          *usage.Snapshot
	Err           error
	LastFetchedAt time.Time
}

// StatusFetcher is the backend call the cache wraps.
type StatusFetcher interface {
	CreditStatus(ctx context.Context) (*usage.Snapshot, error)
}

type Cache struct {
	fetcher StatusFetcher
	ttl     time.Duration
	now     func() time.Time

	sf singleflight.Group

	mu            sync.Mutex
	status        Status
	data          *usage.Snapshot
	err           error
	lastFetchedAt time.Time
	subs          map[int]func(View)
	nextSub       int
}

func NewCache(fetcher StatusFetcher) *Cache {
	return &Cache{
		fetcher: fetcher,
		ttl:     DefaultTTL,
		now:     time.Now,
		status:  StatusIdle,
		subs:    map[int]func(View){},
	}
}

func (c *Cache) viewLocked() View {
	var data *usage.Snapshot
	if c.data != nil {
		d := *c.data
		data = &d
	}
	return View{Status: c.status, Data: data, Err: c.err, LastFetchedAt: c.lastFetchedAt}
}

// Snapshot returns the current state without touching the network.
func (c *Cache) Snapshot() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewLocked()
}

// Subscribe registers a listener, called synchronously after every state
// commit. The returned func unsubscribes.
func (c *Cache) Subscribe(fn func(View)) func() {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

func (c *Cache) notifyLocked() {
	v := c.viewLocked()
	for _, fn := range c.subs {
		fn(v)
	}
}

// Refresh fetches the usage snapshot. Without force, a fresh cached
// value is returned as-is. Concurrent refreshes collapse into a single
// round trip. A missing session fails with apiclient.ErrAuthRequired and
// caches nothing.
func (c *Cache) Refresh(ctx context.Context, force bool) (*usage.Snapshot, error) {
	c.mu.Lock()
	if !force && c.data != nil && c.now().Sub(c.lastFetchedAt) < c.ttl {
		d := *c.data
		c.mu.Unlock()
		return &d, nil
	}
	if c.data == nil {
		c.status = StatusLoading
	} else {
		c.status = StatusRefreshing
	}
	c.mu.Unlock()

	v, err, _ := c.sf.Do("refresh", func() (any, error) {
		return c.fetcher.CreditStatus(ctx)
	})
	if err == nil {
		if snap, _ := v.(*usage.Snapshot); snap == nil {
			err = ErrNoSnapshot
		}
	}
	if err != nil {
		c.mu.Lock()
		c.status = StatusError
		c.err = err
		if errors.Is(err, apiclient.ErrAuthRequired) {
			c.data = nil
		}
		c.notifyLocked()
		c.mu.Unlock()
		return nil, err
	}

	snap := v.(*usage.Snapshot)
	c.commit(snap)
	return snap, nil
}

func (c *Cache) commit(snap *usage.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := *snap
	c.data = &d
	c.err = nil
	c.status = StatusIdle
	c.lastFetchedAt = c.now()
	c.notifyLocked()
}

// Apply commits a snapshot that arrived on another response (the consume
// RPC returns usage inline) without an extra fetch.
func (c *Cache) Apply(snap usage.Snapshot) {
	c.commit(&snap)
}

// StartPolling refreshes on a fixed interval until ctx is done. Interval
// refreshes share the singleflight group with forced ones, so a poll
// never stacks a second request on top of an in-flight refresh.
func (c *Cache) StartPolling(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_, _ = c.Refresh(ctx, false)
			}
		}
	}()
}

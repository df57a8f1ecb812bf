package eta

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Client is the interface used by the fare quoter to get trip durations.
type Client interface {
	EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error)
}

// routeKey snaps both ends to about a metre so repeated quotes for the same
// pickup share an entry.
type routeKey struct {
	fromLat, fromLon, toLat, toLon int64
}

func snap(v float64) int64 { return int64(math.Round(v * 1e5)) }

func keyOf(from, to models.Coord) routeKey {
	return routeKey{snap(from.Lat), snap(from.Lon), snap(to.Lat), snap(to.Lon)}
}

type cached struct {
	seconds float64
	expires time.Time
}

// Cache keeps route durations for a fixed TTL. Expired entries are dropped
// on read and swept whenever the cache grows past sweepEvery writes.
type Cache struct {
	mu      sync.Mutex
	entries map[routeKey]cached
	ttl     time.Duration
	writes  int
	now     func() time.Time
}

const sweepEvery = 1024

func NewCache(ttl time.Duration) *Cache {
	return &Cache{entries: make(map[routeKey]cached), ttl: ttl, now: time.Now}
}

func (c *Cache) Get(from, to models.Coord) (float64, bool) {
	k := keyOf(from, to)
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[k]
	if !ok {
		return 0, false
	}
	if !c.now().Before(e.expires) {
		delete(c.entries, k)
		return 0, false
	}
	return e.seconds, true
}

func (c *Cache) Set(from, to models.Coord, seconds float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.entries[keyOf(from, to)] = cached{seconds: seconds, expires: now.Add(c.ttl)}
	c.writes++
	if c.writes >= sweepEvery {
		c.writes = 0
		for k, e := range c.entries {
			if !now.Before(e.expires) {
				delete(c.entries, k)
			}
		}
	}
}

// Len reports the number of entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

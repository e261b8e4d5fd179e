package devchan

import (
	"context"
	"sync"

	"github.com/n3nlabs/n3n/runtime/flow"
	"github.com/n3nlabs/n3n/runtime/store"
)

// keyCache keeps device keys hot and serializes all per-device work. The
// per-device mutex doubles as single-flight protection for the store load
// and as the atomicity guard for sequence checks: replay validation and the
// lastSequence update happen under one lock.
type keyCache struct {
	store store.Store

	mu      sync.Mutex
	entries map[string]*cacheEntry
}

type cacheEntry struct {
	mu  sync.Mutex
	key *flow.DeviceKey
}

func newKeyCache(s store.Store) *keyCache {
	return &keyCache{store: s, entries: map[string]*cacheEntry{}}
}

func (c *keyCache) entry(deviceID string) *cacheEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[deviceID]
	if !ok {
		e = &cacheEntry{}
		c.entries[deviceID] = e
	}
	return e
}

// with runs fn with the device key under the per-device lock, loading from
// the store on first use. Mutations fn makes to the key stay in the cache;
// persisting them through the store is fn's responsibility.
func (c *keyCache) with(ctx context.Context, deviceID string, fn func(k *flow.DeviceKey) error) error {
	e := c.entry(deviceID)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.key == nil {
		k, err := c.store.FindDeviceKey(ctx, deviceID)
		if err != nil {
			return err
		}
		e.key = k
	}
	return fn(e.key)
}

// put seeds the cache after registration.
func (c *keyCache) put(k *flow.DeviceKey) {
	e := c.entry(k.DeviceID)
	e.mu.Lock()
	e.key = k
	e.mu.Unlock()
}

// drop evicts a device, forcing the next access to reload.
func (c *keyCache) drop(deviceID string) {
	c.mu.Lock()
	delete(c.entries, deviceID)
	c.mu.Unlock()
}

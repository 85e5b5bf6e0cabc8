package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jellydator/ttlcache/v3"

	"github.com/Mindburn-Labs/dataport/pkg/store"
)

// Codec decodes a persisted value of one resource.
type Codec func(body []byte) (any, error)

// RegisterType makes entries of resource holding a T restorable by Hydrate.
func RegisterType[T any](c *QueryCache, resource string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.codecs[resource] = func(body []byte) (any, error) {
		var v T
		if err := json.Unmarshal(body, &v); err != nil {
			return nil, err
		}
		return v, nil
	}
}

// Persist saves every fresh entry to s and returns how many were saved.
func (c *QueryCache) Persist(ctx context.Context, s store.SnapshotStore) (int, error) {
	type pending struct {
		key  Key
		body []byte
	}

	c.mu.Lock()
	var batch []pending
	var errs []error
	for _, rc := range c.resources {
		for _, item := range rc.Items() {
			if item.IsExpired() {
				continue
			}
			e := item.Value()
			body, err := json.Marshal(e.value)
			if err != nil {
				errs = append(errs, fmt.Errorf("encode %s: %w", e.key.Resource, err))
				continue
			}
			batch = append(batch, pending{key: e.key, body: body})
		}
	}
	c.mu.Unlock()

	saved := 0
	for _, p := range batch {
		if err := s.Save(ctx, store.Snapshot{Key: p.key.String(), Resource: p.key.Resource, Body: p.body}); err != nil {
			errs = append(errs, err)
			continue
		}
		saved++
	}
	c.logger.Debug("cache persisted", "entries", saved)
	return saved, errors.Join(errs...)
}

// Hydrate loads every snapshot of a registered resource from s into the
// cache. Snapshots of unregistered resources are skipped, and so are
// snapshots saved more than the stale time ago. A loaded entry expires
// when it would have had it never left memory, so the next Query after
// that refetches.
func (c *QueryCache) Hydrate(ctx context.Context, s store.SnapshotStore) (int, error) {
	snaps, err := s.List(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("hydrate: %w", err)
	}

	loaded, stale := 0, 0
	var errs []error
	now := c.now()
	for _, snap := range snaps {
		c.mu.Lock()
		codec, ok := c.codecs[snap.Resource]
		c.mu.Unlock()
		if !ok {
			c.logger.Debug("skipping snapshot of unregistered resource", "resource", snap.Resource)
			continue
		}
		ttl := ttlcache.DefaultTTL
		if c.staleTime > 0 {
			if ttl = c.staleTime - now.Sub(snap.SavedAt); ttl <= 0 {
				stale++
				continue
			}
		}
		key, err := ParseKey(snap.Key)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		v, err := codec(snap.Body)
		if err != nil {
			errs = append(errs, fmt.Errorf("decode %s: %w", snap.Resource, err))
			continue
		}
		c.put(key, v, ttl)
		loaded++
	}
	c.logger.Info("cache hydrated", "entries", loaded, "stale", stale)
	return loaded, errors.Join(errs...)
}

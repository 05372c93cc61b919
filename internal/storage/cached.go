package storage

import (
	"context"

	lru "github.com/hashicorp/golang-lru"

	"mercury/internal/proto"
)

const defaultCacheSize = 512

// Cached is a read-through LRU in front of a slower repository, used for
// the public profiles a client looks up repeatedly while resolving homes.
type Cached[T Record[T]] struct {
	inner Repository[T]
	cache *lru.Cache
}

func NewCached[T Record[T]](inner Repository[T], size int) (*Cached[T], error) {
	if size <= 0 {
		size = defaultCacheSize
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &Cached[T]{inner: inner, cache: cache}, nil
}

func (c *Cached[T]) Get(ctx context.Context, id proto.ProfileID) (T, error) {
	if v, ok := c.cache.Get(id); ok {
		return decode[T](v.([]byte))
	}
	rec, err := c.inner.Get(ctx, id)
	if err != nil {
		return rec, err
	}
	c.remember(rec)
	return rec, nil
}

func (c *Cached[T]) Set(ctx context.Context, rec T) error {
	if err := c.inner.Set(ctx, rec); err != nil {
		c.cache.Remove(rec.RecordID())
		return err
	}
	c.remember(rec)
	return nil
}

// remember caches the encoded record so callers never share its slices.
func (c *Cached[T]) remember(rec T) {
	if raw, err := encode(rec); err == nil {
		c.cache.Add(rec.RecordID(), raw)
	}
}

func (c *Cached[T]) Clear(ctx context.Context, id proto.ProfileID) error {
	c.cache.Remove(id)
	return c.inner.Clear(ctx, id)
}

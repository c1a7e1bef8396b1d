package content

import (
	"context"
	"strings"
	"time"

	"cas-player/internal/media"

	gocache "github.com/patrickmn/go-cache"
)

// CachedStore keeps setup descriptors and initialization segments in memory.
// Content behind a reference never changes, so entries only expire to bound
// memory. Media segments are passed through uncached.
type CachedStore struct {
	next  Store
	cache *gocache.Cache
}

// NewCachedStore wraps next with a cache whose entries live for ttl.
func NewCachedStore(next Store, ttl time.Duration) *CachedStore {
	return &CachedStore{
		next:  next,
		cache: gocache.New(ttl, 2*ttl),
	}
}

// Get implements Store.Get.
func (s *CachedStore) Get(ctx context.Context, ref media.Ref, path string) ([]byte, error) {
	if !cacheable(path) {
		return s.next.Get(ctx, ref, path)
	}
	key := Address(ref, path)
	if v, ok := s.cache.Get(key); ok {
		return v.([]byte), nil
	}
	data, err := s.next.Get(ctx, ref, path)
	if err != nil {
		return nil, err
	}
	s.cache.SetDefault(key, data)
	return data, nil
}

// Len returns the number of cached entries.
func (s *CachedStore) Len() int {
	return s.cache.ItemCount()
}

func cacheable(path string) bool {
	path = strings.Trim(path, "/")
	return path == "" || path == media.SetupPath
}

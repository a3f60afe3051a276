package memory

import (
	"container/list"
	"sync"
	"time"

	"github.com/loopworks/cadence/internal/model"
)

const cacheShards = 8

// episodeCache is a sharded LRU with TTL for retrieval results. Shard
// selection hashes the query key so concurrent invocations rarely
// contend; writes serialize per shard. Eviction is advisory: TTL is
// checked on read, and each shard trims to its capacity on write.
type episodeCache struct {
	shards [cacheShards]*cacheShard
	ttl    time.Duration
}

type cacheShard struct {
	mu       sync.Mutex
	capacity int
	order    *list.List // Front = most recently used.
	entries  map[uint64]*list.Element
}

type cacheEntry struct {
	key       uint64
	episodes  []model.ScoredEpisode
	expiresAt time.Time
}

func newEpisodeCache(capacity int, ttl time.Duration) *episodeCache {
	perShard := capacity / cacheShards
	if perShard < 1 {
		perShard = 1
	}
	c := &episodeCache{ttl: ttl}
	for i := range c.shards {
		c.shards[i] = &cacheShard{
			capacity: perShard,
			order:    list.New(),
			entries:  make(map[uint64]*list.Element),
		}
	}
	return c
}

func (c *episodeCache) shard(key uint64) *cacheShard {
	return c.shards[key%cacheShards]
}

func (c *episodeCache) get(key uint64) ([]model.ScoredEpisode, bool) {
	s := c.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*cacheEntry)
	if time.Now().After(entry.expiresAt) {
		s.order.Remove(el)
		delete(s.entries, key)
		return nil, false
	}
	s.order.MoveToFront(el)
	return entry.episodes, true
}

func (c *episodeCache) put(key uint64, episodes []model.ScoredEpisode) {
	s := c.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.entries[key]; ok {
		el.Value.(*cacheEntry).episodes = episodes
		el.Value.(*cacheEntry).expiresAt = time.Now().Add(c.ttl)
		s.order.MoveToFront(el)
		return
	}

	el := s.order.PushFront(&cacheEntry{
		key:       key,
		episodes:  episodes,
		expiresAt: time.Now().Add(c.ttl),
	})
	s.entries[key] = el

	for s.order.Len() > s.capacity {
		oldest := s.order.Back()
		s.order.Remove(oldest)
		delete(s.entries, oldest.Value.(*cacheEntry).key)
	}
}

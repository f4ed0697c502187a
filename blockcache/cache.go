/*
	Package blockcache provides a cache for blocks read from a raw device.

	A Cache is keyed by block index. Each entry holds the buffer fetched from the device starting at that block, so a
	request is only served from the cache when the cached buffer is at least as long as the request. Buffers longer than
	the configured block size are never cached; large coalesced reads go straight to the device.

	The cache is a pure performance layer: whatever Policy is selected, the bytes a device returns are the same.
*/
package blockcache

import (
	"sort"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/pkg/errors"
)

const (
	// DefaultBlockSize is the default cache granularity in bytes.
	DefaultBlockSize = 4096
	// DefaultCapacity is the default maximum amount of cached blocks.
	DefaultCapacity = 2000

	minBlockSize = 512
)

// Config holds the settings of a Cache. Zero values are replaced by the defaults.
type Config struct {
	BlockSize int
	Capacity  int
	Policy    Policy
}

// DefaultConfig returns the configuration used when nothing else is specified.
func DefaultConfig() Config {
	return Config{BlockSize: DefaultBlockSize, Capacity: DefaultCapacity, Policy: ClearAllOnFull}
}

func (c Config) withDefaults() Config {
	if c.BlockSize == 0 {
		c.BlockSize = DefaultBlockSize
	}
	if c.Capacity == 0 {
		c.Capacity = DefaultCapacity
	}
	return c
}

// Validate checks the block size is a positive multiple of 512 and the capacity is positive.
func (c Config) Validate() error {
	if c.BlockSize < minBlockSize || c.BlockSize%minBlockSize != 0 {
		return errors.Errorf("block size should be a positive multiple of %d but is %d", minBlockSize, c.BlockSize)
	}
	if c.Capacity < 1 {
		return errors.Errorf("cache capacity should be at least 1 but is %d", c.Capacity)
	}
	if _, ok := policyNames[c.Policy]; !ok {
		return errors.Errorf("unknown cache policy %d", c.Policy)
	}
	return nil
}

// Stats holds the counters of a Cache.
type Stats struct {
	Hits       uint64
	Misses     uint64
	Insertions uint64
	Evictions  uint64
	Purges     uint64
	Entries    int
}

type block struct {
	data     []byte
	inserted uint64
	hits     uint64
}

// Cache keeps recently fetched device blocks. A Cache is not safe for concurrent use; every device owns its own.
type Cache struct {
	cfg    Config
	blocks map[int64]*block
	seq    uint64
	recent *simplelru.LRU[int64, *block]
	stats  Stats

	purging bool
}

// New creates an empty Cache.
func New(cfg Config) (*Cache, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Cache{cfg: cfg, blocks: make(map[int64]*block)}
	if cfg.Policy == EvictLeastRecent {
		recent, err := c.newRecent()
		if err != nil {
			return nil, errors.Wrap(err, "unable to create LRU list")
		}
		c.recent = recent
	}
	return c, nil
}

// Config returns the effective configuration of the cache.
func (c *Cache) Config() Config {
	return c.cfg
}

// BlockSize returns the cache granularity in bytes.
func (c *Cache) BlockSize() int {
	return c.cfg.BlockSize
}

// Len returns the amount of cached blocks.
func (c *Cache) Len() int {
	return len(c.blocks)
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	s := c.stats
	s.Entries = len(c.blocks)
	return s
}

// Retrieve returns the buffer cached for the block index when it holds at least length bytes. The returned slice is
// owned by the cache and must not be modified.
func (c *Cache) Retrieve(index int64, length int) ([]byte, bool) {
	b, ok := c.blocks[index]
	if !ok || len(b.data) < length {
		c.stats.Misses++
		return nil, false
	}
	b.hits++
	c.stats.Hits++
	if c.recent != nil {
		c.recent.Get(index)
	}
	return b.data, true
}

// Update records a buffer fetched from the device starting at the block index. A cached buffer is only replaced by a
// longer one, and buffers longer than the block size are ignored.
func (c *Cache) Update(index int64, data []byte) {
	if len(data) > c.cfg.BlockSize {
		return
	}
	if b, ok := c.blocks[index]; ok {
		if len(data) > len(b.data) {
			b.data = data
		}
		return
	}

	if c.recent == nil && c.cfg.Policy != Unbounded && len(c.blocks) >= c.capacity() {
		c.evict()
	}

	c.seq++
	b := &block{data: data, inserted: c.seq}
	c.blocks[index] = b
	c.stats.Insertions++
	if c.recent != nil {
		c.recent.Add(index, b)
	}
}

// Purge drops all cached blocks.
func (c *Cache) Purge() {
	c.stats.Evictions += uint64(len(c.blocks))
	c.stats.Purges++
	c.blocks = make(map[int64]*block)
	if c.recent != nil {
		c.purging = true
		c.recent.Purge()
		c.purging = false
	}
}

func (c *Cache) newRecent() (*simplelru.LRU[int64, *block], error) {
	return simplelru.NewLRU[int64, *block](c.cfg.Capacity, func(index int64, _ *block) {
		// Purge has already counted the blocks it drops
		if c.purging {
			return
		}
		delete(c.blocks, index)
		c.stats.Evictions++
	})
}

func (c *Cache) capacity() int {
	if c.cfg.Policy == SingleSlot {
		return 1
	}
	return c.cfg.Capacity
}

func (c *Cache) evict() {
	switch c.cfg.Policy {
	case ClearAllOnFull, SingleSlot:
		c.Purge()
	case EvictLeastFrequentOldest:
		c.remove(c.byUsage()[:1])
	case EvictHalfLeastUsed:
		candidates := c.byUsage()
		n := len(candidates) / 2
		if n == 0 {
			n = 1
		}
		c.remove(candidates[:n])
	}
}

// byUsage returns all cached block indexes ordered by hit count, oldest insertion first on equal counts.
func (c *Cache) byUsage() []int64 {
	indexes := make([]int64, 0, len(c.blocks))
	for index := range c.blocks {
		indexes = append(indexes, index)
	}
	sort.Slice(indexes, func(i, j int) bool {
		a, b := c.blocks[indexes[i]], c.blocks[indexes[j]]
		if a.hits != b.hits {
			return a.hits < b.hits
		}
		return a.inserted < b.inserted
	})
	return indexes
}

func (c *Cache) remove(indexes []int64) {
	for _, index := range indexes {
		delete(c.blocks, index)
		c.stats.Evictions++
	}
}

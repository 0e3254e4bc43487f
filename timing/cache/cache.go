// Package cache provides cache hierarchy modeling using Akita cache components.
//
// The model tracks residency only: it decides hit or miss and the latency
// of an access but never holds data, which always lives in emu.Memory.
// Every access returns a Change that Revert undoes exactly, including the
// LRU order of the touched set.
package cache

import (
	"sort"

	akitacache "github.com/sarchlab/akita/v4/mem/cache"

	"github.com/kil0meters/remu/timing/latency"
)

// AccessResult contains the result of a cache access.
type AccessResult struct {
	// Hit indicates whether the access was a cache hit.
	Hit bool
	// Latency is the number of cycles this access takes.
	Latency uint64
	// Evicted is true if a valid block was replaced.
	Evicted bool
	// EvictedAddr is the address of the evicted block (if Evicted is true).
	EvictedAddr uint64
}

// BlockState is the part of an akita block the model mutates.
type BlockState struct {
	Tag   uint64
	Valid bool
	Dirty bool
}

// Change is everything one access altered, enough to put the cache back.
type Change struct {
	Set    int
	Way    int
	Old    BlockState
	Stamps []uint64
	Clock  uint64
	Stats  Statistics

	// Next is the change made in the next level on a miss.
	Next *Change
}

// Statistics holds cache performance statistics.
type Statistics struct {
	Reads      uint64
	Writes     uint64
	Hits       uint64
	Misses     uint64
	Evictions  uint64
	Writebacks uint64
}

// HitRate returns hits over accesses, or 0 before the first access.
func (s Statistics) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Cache represents one cache level using Akita cache components.
type Cache struct {
	// Configuration
	config latency.CacheConfig

	// Akita cache directory for tag/state management
	directory *akitacache.DirectoryImpl

	// stamps holds the clock value of each block's last visit, indexed by
	// setID*associativity + wayID. It mirrors the directory's LRU order.
	stamps []uint64
	clock  uint64

	// Statistics
	stats Statistics

	// next is consulted on a miss.
	next *Cache
}

// New creates a new cache with the given configuration. next may be nil.
// The configuration must have passed Validate.
func New(config latency.CacheConfig, next *Cache) *Cache {
	if err := config.Validate(); err != nil {
		panic(err)
	}

	numSets := config.NumSets()
	return &Cache{
		config: config,
		directory: akitacache.NewDirectory(
			numSets,
			config.Associativity,
			int(config.BlockSize),
			akitacache.NewLRUVictimFinder(),
		),
		stamps: make([]uint64, numSets*config.Associativity),
		next:   next,
	}
}

// Config returns the cache configuration.
func (c *Cache) Config() latency.CacheConfig {
	return c.config
}

// Next returns the next level, or nil.
func (c *Cache) Next() *Cache {
	return c.next
}

// Stats returns cache statistics.
func (c *Cache) Stats() Statistics {
	return c.stats
}

// blockIndex computes the index into stamps for a block.
func (c *Cache) blockIndex(block *akitacache.Block) int {
	return block.SetID*c.config.Associativity + block.WayID
}

func (c *Cache) blockAddr(addr uint64) uint64 {
	return addr &^ (c.config.BlockSize - 1)
}

func (c *Cache) visit(block *akitacache.Block) {
	c.clock++
	c.stamps[c.blockIndex(block)] = c.clock
	c.directory.Visit(block)
}

func (c *Cache) begin(block *akitacache.Block) Change {
	base := block.SetID * c.config.Associativity
	stamps := make([]uint64, c.config.Associativity)
	copy(stamps, c.stamps[base:base+c.config.Associativity])
	return Change{
		Set:    block.SetID,
		Way:    block.WayID,
		Old:    BlockState{Tag: block.Tag, Valid: block.IsValid, Dirty: block.IsDirty},
		Stamps: stamps,
		Clock:  c.clock,
		Stats:  c.stats,
	}
}

// Access looks up the line holding addr, installing it on a miss. Writes
// use write-allocate and mark the line dirty.
func (c *Cache) Access(addr uint64, write bool) (AccessResult, Change) {
	blockAddr := c.blockAddr(addr)

	block := c.directory.Lookup(0, blockAddr)
	if block != nil && block.IsValid {
		change := c.begin(block)
		c.count(write)
		c.stats.Hits++
		if write {
			block.IsDirty = true
		}
		c.visit(block)
		return AccessResult{Hit: true, Latency: c.config.HitLatency}, change
	}

	victim := c.directory.FindVictim(blockAddr)
	change := c.begin(victim)
	c.count(write)
	c.stats.Misses++

	result := AccessResult{Latency: c.config.MissLatency}
	if victim.IsValid {
		c.stats.Evictions++
		result.Evicted = true
		result.EvictedAddr = victim.Tag
		if victim.IsDirty {
			c.stats.Writebacks++
		}
	}

	if c.next != nil {
		nextResult, nextChange := c.next.Access(blockAddr, false)
		result.Latency = nextResult.Latency
		change.Next = &nextChange
	}

	victim.Tag = blockAddr
	victim.IsValid = true
	victim.IsDirty = write
	c.visit(victim)

	return result, change
}

// Probe reports whether addr is resident without changing any state.
func (c *Cache) Probe(addr uint64) bool {
	block := c.directory.Lookup(0, c.blockAddr(addr))
	return block != nil && block.IsValid
}

func (c *Cache) count(write bool) {
	if write {
		c.stats.Writes++
	} else {
		c.stats.Reads++
	}
}

// Revert undoes an access. Changes must be reverted newest first.
func (c *Cache) Revert(change Change) {
	if change.Next != nil && c.next != nil {
		c.next.Revert(*change.Next)
	}

	set := c.directory.GetSets()[change.Set]
	block := set.Blocks[change.Way]
	block.Tag = change.Old.Tag
	block.IsValid = change.Old.Valid
	block.IsDirty = change.Old.Dirty

	base := change.Set * c.config.Associativity
	copy(c.stamps[base:], change.Stamps)
	c.clock = change.Clock
	c.stats = change.Stats

	// Replaying visits oldest first rebuilds the directory's LRU queue.
	// Ties keep way order, which is how the directory starts out.
	order := make([]*akitacache.Block, len(set.Blocks))
	copy(order, set.Blocks)
	sort.SliceStable(order, func(i, j int) bool {
		return c.stamps[c.blockIndex(order[i])] < c.stamps[c.blockIndex(order[j])]
	})
	for _, b := range order {
		c.directory.Visit(b)
	}
}

// Resident returns the number of valid lines.
func (c *Cache) Resident() int {
	n := 0
	for _, set := range c.directory.GetSets() {
		for _, block := range set.Blocks {
			if block.IsValid {
				n++
			}
		}
	}
	return n
}

package cache

import (
	"github.com/kil0meters/remu/timing/latency"
)

// Hierarchy holds the caches a core consults.
type Hierarchy struct {
	// Data is the L1 data cache, chained to the L2 when one is configured.
	Data *Cache

	// Fetch is the cache instruction fetch goes through: nil under
	// FetchNone, Data under FetchShared, its own instance under
	// FetchSeparate.
	Fetch *Cache
}

// NewHierarchy builds the caches a timing config describes. A separate
// instruction cache shares the data side's L2.
func NewHierarchy(config *latency.TimingConfig) *Hierarchy {
	var l2 *Cache
	if config.L2 != nil {
		l2 = New(*config.L2, nil)
	}

	h := &Hierarchy{Data: New(config.L1D, l2)}
	switch config.Fetch {
	case latency.FetchShared:
		h.Fetch = h.Data
	case latency.FetchSeparate:
		h.Fetch = New(config.InstructionCache(), l2)
	}
	return h
}

// L2 returns the second level, or nil.
func (h *Hierarchy) L2() *Cache {
	return h.Data.Next()
}

package core

import (
	"fmt"

	"github.com/kil0meters/remu/insts"
)

// Sample is a snapshot of the counters a profile region accumulates.
type Sample struct {
	Cycles           uint64
	Instructions     uint64
	StallCycles      uint64
	FetchStallCycles uint64
	MispredictCycles uint64
	CacheHits        uint64
	CacheMisses      uint64
	Branches         uint64
	Mispredictions   uint64
}

func (s Sample) sub(o Sample) Sample {
	return Sample{
		Cycles:           s.Cycles - o.Cycles,
		Instructions:     s.Instructions - o.Instructions,
		StallCycles:      s.StallCycles - o.StallCycles,
		FetchStallCycles: s.FetchStallCycles - o.FetchStallCycles,
		MispredictCycles: s.MispredictCycles - o.MispredictCycles,
		CacheHits:        s.CacheHits - o.CacheHits,
		CacheMisses:      s.CacheMisses - o.CacheMisses,
		Branches:         s.Branches - o.Branches,
		Mispredictions:   s.Mispredictions - o.Mispredictions,
	}
}

func (s Sample) add(o Sample) Sample {
	return Sample{
		Cycles:           s.Cycles + o.Cycles,
		Instructions:     s.Instructions + o.Instructions,
		StallCycles:      s.StallCycles + o.StallCycles,
		FetchStallCycles: s.FetchStallCycles + o.FetchStallCycles,
		MispredictCycles: s.MispredictCycles + o.MispredictCycles,
		CacheHits:        s.CacheHits + o.CacheHits,
		CacheMisses:      s.CacheMisses + o.CacheMisses,
		Branches:         s.Branches + o.Branches,
		Mispredictions:   s.Mispredictions + o.Mispredictions,
	}
}

// CPI returns cycles per instruction.
func (s Sample) CPI() float64 {
	if s.Instructions == 0 {
		return 0
	}
	return float64(s.Cycles) / float64(s.Instructions)
}

// ProfileState is the mutable part of a Profile. It is a plain value so a
// Delta can hold a copy.
type ProfileState struct {
	Active     bool
	ReturnAddr uint64
	EntrySP    uint64
	Begin      Sample
	Total      Sample
	Calls      uint64
}

// Profile measures the code between entering a label and returning from
// it. Recursive entries while active count toward the outermost call.
type Profile struct {
	Label string
	Addr  uint64

	state ProfileState
}

// SetProfile starts measuring every call to the function at addr.
func (c *Core) SetProfile(label string, addr uint64) {
	c.profile = &Profile{Label: label, Addr: addr}
}

// Profile returns the current measurements, or nil when no region is set.
// An active call contributes what it has consumed so far.
func (c *Core) Profile() *ProfileResult {
	if c.profile == nil {
		return nil
	}
	total := c.profile.state.Total
	if c.profile.state.Active {
		total = total.add(c.sample().sub(c.profile.state.Begin))
	}
	return &ProfileResult{
		Label:  c.profile.Label,
		Addr:   c.profile.Addr,
		Calls:  c.profile.state.Calls,
		Active: c.profile.state.Active,
		Sample: total,
	}
}

// ProfileResult is what a profile region measured.
type ProfileResult struct {
	Label  string
	Addr   uint64
	Calls  uint64
	Active bool
	Sample
}

func (c *Core) sample() Sample {
	data := c.caches.Data.Stats()
	branch := c.predictor.Stats()
	return Sample{
		Cycles:           c.counters.Cycles(),
		Instructions:     c.counters.Instructions,
		StallCycles:      c.counters.StallCycles,
		FetchStallCycles: c.counters.FetchStallCycles,
		MispredictCycles: c.counters.MispredictCycles,
		CacheHits:        data.Hits,
		CacheMisses:      data.Misses,
		Branches:         branch.Predictions,
		Mispredictions:   branch.Mispredictions,
	}
}

func (p *Profile) enter(c *Core, pc uint64) {
	if p.state.Active || pc != p.Addr {
		return
	}
	regs := c.RegFile()
	p.state.Active = true
	p.state.ReturnAddr = regs.ReadReg(insts.RegRA)
	p.state.EntrySP = regs.ReadReg(insts.RegSP)
	p.state.Begin = c.sample()
	c.log.Info("profile start", "label", p.Label, "return", fmt.Sprintf("0x%x", p.state.ReturnAddr))
}

func (p *Profile) leave(c *Core) {
	if !p.state.Active {
		return
	}
	regs := c.RegFile()
	if regs.PC != p.state.ReturnAddr || regs.ReadReg(insts.RegSP) < p.state.EntrySP {
		return
	}
	region := c.sample().sub(p.state.Begin)
	p.state.Total = p.state.Total.add(region)
	p.state.Calls++
	p.state.Active = false
	c.log.Info("profile stop", "label", p.Label, "cycles", region.Cycles,
		"instructions", region.Instructions)
}

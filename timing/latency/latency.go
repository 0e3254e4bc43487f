// Package latency provides instruction timing models for cycle-accurate simulation.
//
// The latency values are tunable through TimingConfig. Loads and stores take
// their latency from the cache model; the values here are what the table
// reports when no cache is consulted.
package latency

import (
	"math/bits"

	"github.com/kil0meters/remu/insts"
)

// Table provides instruction latency lookups.
type Table struct {
	config *TimingConfig
}

// NewTable creates a new latency table with default timing values.
func NewTable() *Table {
	return &Table{
		config: DefaultTimingConfig(),
	}
}

// NewTableWithConfig creates a new latency table with custom timing configuration.
func NewTableWithConfig(config *TimingConfig) *Table {
	return &Table{
		config: config,
	}
}

// GetLatency returns the execution latency in cycles for the given instruction.
// For divides, returns the minimum; use DivideLatency once operands are known.
func (t *Table) GetLatency(inst *insts.Instruction) uint64 {
	if inst == nil {
		return 1
	}

	switch inst.Class {
	case insts.ClassIntOp, insts.ClassCsr, insts.ClassFence:
		return t.config.ALULatency

	case insts.ClassBranch:
		return t.config.BranchLatency

	case insts.ClassJump:
		return t.config.JumpLatency

	case insts.ClassMultiply:
		return t.config.MultiplyLatency

	case insts.ClassDivide:
		return t.config.DivideLatencyMin

	case insts.ClassLoad, insts.ClassStore, insts.ClassAtomic:
		return t.config.L1D.HitLatency

	case insts.ClassFloat:
		switch inst.Op {
		case insts.OpFDIV, insts.OpFSQRT:
			return t.config.FloatDivideLatency
		case insts.OpFSGNJ, insts.OpFSGNJN, insts.OpFSGNJX, insts.OpFMVXF, insts.OpFMVFX:
			return t.config.ALULatency
		}
		return t.config.FloatLatency

	case insts.ClassSystem:
		return t.config.SyscallLatency

	default:
		return 1
	}
}

// DivideLatency returns the latency of a divide or remainder with the given
// operands. Signed operations measure the magnitudes. The result grows by
// DivideLatencyPerBit for each bit the dividend's length exceeds the
// divisor's and never decreases as that difference grows.
func (t *Table) DivideLatency(op insts.Op, dividend, divisor uint64) uint64 {
	a, b := dividend, divisor
	switch op {
	case insts.OpDIV, insts.OpREM:
		a, b = abs64(a), abs64(b)
	case insts.OpDIVW, insts.OpREMW:
		a, b = abs32(a), abs32(b)
	case insts.OpDIVUW, insts.OpREMUW:
		a, b = uint64(uint32(a)), uint64(uint32(b))
	}

	var diff uint64
	if la, lb := bits.Len64(a), bits.Len64(b); la > lb {
		diff = uint64(la - lb)
	}

	lat := t.config.DivideLatencyBase + diff*t.config.DivideLatencyPerBit
	return min(max(lat, t.config.DivideLatencyMin), t.config.DivideLatencyMax)
}

func abs64(v uint64) uint64 {
	if int64(v) < 0 {
		return -v
	}
	return v
}

func abs32(v uint64) uint64 {
	w := int32(v)
	if w < 0 {
		return uint64(-int64(w))
	}
	return uint64(w)
}

// IsMemoryOp reports whether inst goes through the data cache.
func (t *Table) IsMemoryOp(inst *insts.Instruction) bool {
	if inst == nil {
		return false
	}
	switch inst.Class {
	case insts.ClassLoad, insts.ClassStore, insts.ClassAtomic:
		return true
	}
	return false
}

// Config returns the current timing configuration.
func (t *Table) Config() *TimingConfig {
	return t.config
}

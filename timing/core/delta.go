package core

import (
	"github.com/kil0meters/remu/emu"
	"github.com/kil0meters/remu/timing/cache"
	"github.com/kil0meters/remu/timing/pipeline"
)

// RegWrite is the previous value of one register.
type RegWrite struct {
	Reg uint8
	Old uint64
}

// MemWrite is either the previous contents of a byte range or, when Layout
// is set, the previous address-space layout. The two kinds share one list
// because their relative order matters on undo.
type MemWrite struct {
	Addr   uint64
	Old    []byte
	Layout *emu.Layout
}

// SyscallRecord describes a syscall a step made.
type SyscallRecord struct {
	Num uint64
	// State is the handler checkpoint taken before the call.
	State []byte
	// Output is what the call wrote to the host. It cannot be recalled.
	Output []byte
	// Nondeterministic is set when the result depended on the host, so
	// re-executing the step may not reproduce it.
	Nondeterministic bool
}

// Delta is everything one step changed, in a form Core.Revert can undo.
// It receives the emulator's journal while the step runs.
type Delta struct {
	// PC is the address of the instruction the step executed.
	PC  uint64
	Raw uint32

	Regs        []RegWrite
	FRegs       []RegWrite
	FCSR        *uint32
	Mem         []MemWrite
	Reservation *emu.Reservation
	Syscall     *SyscallRecord

	DCache *cache.Change
	ICache *cache.Change
	Branch *pipeline.PredictorChange
	Ready  []pipeline.ReadyChange

	// Counters and Profile hold the values from before the step.
	Counters Counters
	Profile  ProfileState
}

// RecordReg implements emu.Journal.
func (d *Delta) RecordReg(reg uint8, old uint64) {
	d.Regs = append(d.Regs, RegWrite{Reg: reg, Old: old})
}

// RecordFReg implements emu.Journal.
func (d *Delta) RecordFReg(reg uint8, old uint64) {
	d.FRegs = append(d.FRegs, RegWrite{Reg: reg, Old: old})
}

// RecordFCSR implements emu.Journal. Only the first value is kept.
func (d *Delta) RecordFCSR(old uint32) {
	if d.FCSR == nil {
		d.FCSR = &old
	}
}

// RecordMemory implements emu.Journal.
func (d *Delta) RecordMemory(addr uint64, old []byte) {
	d.Mem = append(d.Mem, MemWrite{Addr: addr, Old: old})
}

// RecordLayout implements emu.Journal.
func (d *Delta) RecordLayout(old emu.Layout) {
	d.Mem = append(d.Mem, MemWrite{Layout: &old})
}

// RecordReservation implements emu.Journal. Only the first value is kept.
func (d *Delta) RecordReservation(old emu.Reservation) {
	if d.Reservation == nil {
		d.Reservation = &old
	}
}

// RecordSyscall implements emu.Journal.
func (d *Delta) RecordSyscall(num uint64, state []byte) {
	d.Syscall = &SyscallRecord{Num: num, State: state}
}

// ProducedOutput reports whether the step wrote anything to the host.
func (d *Delta) ProducedOutput() bool {
	return d.Syscall != nil && len(d.Syscall.Output) > 0
}

// Cycles returns how many cycles the step consumed, given the counters
// after it.
func (d *Delta) Cycles(after Counters) uint64 {
	return after.Cycles() - d.Counters.Cycles()
}

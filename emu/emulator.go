// Package emu provides functional RV64 emulation.
package emu

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/kil0meters/remu/insts"
)

// ErrBreakpoint is raised by EBREAK.
var ErrBreakpoint = errors.New("breakpoint trap")

// ErrInstructionLimit is returned by Step once the configured maximum
// number of instructions has run.
var ErrInstructionLimit = errors.New("max instructions reached")

// cyclesPerNanosecond converts the cycle counter to the time reported by
// clock_gettime, modelling a 4 GHz part.
const cyclesPerNanosecond = 4

// StepResult represents the result of executing a single instruction.
type StepResult struct {
	// Exited is true if the program terminated (via exit syscall).
	Exited bool

	// ExitCode is the exit status if Exited is true.
	ExitCode int64

	// Err is set if an error occurred during execution.
	Err error
}

// AccessKind classifies the data memory access an instruction made.
type AccessKind uint8

// Access kinds.
const (
	AccessNone AccessKind = iota
	AccessLoad
	AccessStore
	AccessAtomic
)

// Outcome describes what one executed instruction did, for consumption by
// the timing model.
type Outcome struct {
	PC     uint64
	NextPC uint64

	// Taken is the resolved direction of a conditional branch.
	Taken bool

	MemAccess AccessKind
	MemAddr   uint64
	MemSize   uint8

	// Operands of a divide-class instruction.
	Dividend uint64
	Divisor  uint64

	Syscall       bool
	SyscallNum    uint64
	SyscallResult SyscallResult

	Exited   bool
	ExitCode int64
}

// Emulator executes RV64 instructions functionally.
type Emulator struct {
	regFile        *RegFile
	memory         *Memory
	decoder        *insts.Decoder
	fpu            *FPU
	syscallHandler SyscallHandler
	syscallOpts    []SyscallOption
	counters       Counters
	journal        Journal
	reservation    Reservation

	// I/O
	stdout io.Writer
	stderr io.Writer

	// Execution state
	instructionCount uint64
	maxInstructions  uint64 // 0 means no limit
}

// EmulatorOption is a functional option for configuring the Emulator.
type EmulatorOption func(*Emulator)

// WithStdout sets a custom stdout writer.
func WithStdout(w io.Writer) EmulatorOption {
	return func(e *Emulator) {
		e.stdout = w
	}
}

// WithStderr sets a custom stderr writer.
func WithStderr(w io.Writer) EmulatorOption {
	return func(e *Emulator) {
		e.stderr = w
	}
}

// WithSyscallOptions configures the default Linux syscall handler.
func WithSyscallOptions(opts ...SyscallOption) EmulatorOption {
	return func(e *Emulator) {
		e.syscallOpts = append(e.syscallOpts, opts...)
	}
}

// WithCounters sets the source of the cycle, time and instret CSRs.
func WithCounters(c Counters) EmulatorOption {
	return func(e *Emulator) {
		e.counters = c
	}
}

// WithMaxInstructions sets the maximum number of instructions to execute.
// A value of 0 means no limit.
func WithMaxInstructions(max uint64) EmulatorOption {
	return func(e *Emulator) {
		e.maxInstructions = max
	}
}

// retiredCounter reports the emulator's own instruction count for every
// counter CSR.
type retiredCounter struct {
	e *Emulator
}

func (c retiredCounter) Cycles() uint64  { return c.e.instructionCount }
func (c retiredCounter) Instret() uint64 { return c.e.instructionCount }

// NewEmulator creates a new RV64 emulator.
func NewEmulator(opts ...EmulatorOption) *Emulator {
	e := &Emulator{
		regFile: &RegFile{},
		memory:  NewMemory(),
		decoder: insts.NewDecoder(),
		stdout:  os.Stdout,
		stderr:  os.Stderr,
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.counters == nil {
		e.counters = retiredCounter{e}
	}
	e.fpu = NewFPU(e.regFile)

	clock := WithClock(func() uint64 { return e.counters.Cycles() / cyclesPerNanosecond })
	e.syscallHandler = NewLinuxSyscallHandler(e.memory, e.stdout, e.stderr,
		append([]SyscallOption{clock}, e.syscallOpts...)...)

	return e
}

// RegFile returns the emulator's register file.
func (e *Emulator) RegFile() *RegFile {
	return e.regFile
}

// Memory returns the emulator's memory.
func (e *Emulator) Memory() *Memory {
	return e.memory
}

// SyscallHandler returns the handler ECALL is routed to.
func (e *Emulator) SyscallHandler() SyscallHandler {
	return e.syscallHandler
}

// InstructionCount returns the number of instructions executed by Step.
func (e *Emulator) InstructionCount() uint64 {
	return e.instructionCount
}

// Reservation returns the current LR reservation.
func (e *Emulator) Reservation() Reservation {
	return e.reservation
}

// RestoreReservation sets the reservation without journaling.
func (e *Emulator) RestoreReservation(r Reservation) {
	e.reservation = r
}

// SetJournal attaches j to the register file, memory and emulator so every
// architectural write is recorded. A nil journal disables recording.
func (e *Emulator) SetJournal(j Journal) {
	e.journal = j
	e.regFile.SetJournal(j)
	e.memory.SetJournal(j)
}

// LoadProgram maps program as executable code at entry and points the PC
// at it.
func (e *Emulator) LoadProgram(entry uint64, program []byte) error {
	start := entry &^ (PageSize - 1)
	size := alignUp(entry+uint64(len(program)), PageSize) - start
	if e.memory.find(entry, uint64(len(program))) == nil {
		if err := e.memory.Map(start, size, PermRWX, "[text]"); err != nil {
			return err
		}
	}
	if err := e.memory.Poke(entry, program); err != nil {
		return err
	}
	e.regFile.PC = entry
	return nil
}

// Fetch decodes the instruction at pc from executable memory.
func (e *Emulator) Fetch(pc uint64) (*insts.Instruction, error) {
	if pc&1 != 0 {
		return nil, fmt.Errorf("fetch at 0x%x: %w", pc, ErrMisalignedAccess)
	}

	lo, err := e.memory.Fetch16(pc)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	if insts.IsCompressed(lo) {
		return e.decoder.Decode(uint32(lo))
	}

	hi, err := e.memory.Fetch16(pc + 2)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	return e.decoder.Decode(uint32(lo) | uint32(hi)<<16)
}

// Step executes a single instruction.
// Returns a StepResult indicating whether execution should continue.
func (e *Emulator) Step() StepResult {
	if e.maxInstructions > 0 && e.instructionCount >= e.maxInstructions {
		return StepResult{Err: ErrInstructionLimit}
	}

	inst, err := e.Fetch(e.regFile.PC)
	if err != nil {
		return StepResult{Err: err}
	}

	out, err := e.Execute(inst)
	if err != nil {
		return StepResult{Err: err}
	}

	e.instructionCount++

	return StepResult{Exited: out.Exited, ExitCode: out.ExitCode}
}

// Execute applies the architectural effect of inst, which must have been
// fetched from the current PC. On error the PC is left pointing at inst.
func (e *Emulator) Execute(inst *insts.Instruction) (Outcome, error) {
	pc := e.regFile.PC
	out := Outcome{PC: pc, NextPC: pc + uint64(inst.Size)}

	var err error
	switch inst.Class {
	case insts.ClassIntOp:
		e.executeIntOp(inst, pc)
	case insts.ClassMultiply:
		e.regFile.WriteReg(inst.Rd, Compute(inst.Op, e.regFile.ReadReg(inst.Rs1), e.regFile.ReadReg(inst.Rs2)))
	case insts.ClassDivide:
		e.executeDivide(inst, &out)
	case insts.ClassLoad:
		err = e.executeLoad(inst, &out)
	case insts.ClassStore:
		err = e.executeStore(inst, &out)
	case insts.ClassBranch:
		out.Taken = BranchTaken(inst.Op, e.regFile.ReadReg(inst.Rs1), e.regFile.ReadReg(inst.Rs2))
		if out.Taken {
			out.NextPC = pc + uint64(inst.Imm)
		}
	case insts.ClassJump:
		out.NextPC = e.executeJump(inst, pc)
	case insts.ClassAtomic:
		err = e.executeAtomic(inst, &out)
	case insts.ClassFloat:
		err = e.fpu.Execute(inst)
	case insts.ClassCsr:
		err = e.executeCSR(inst)
	case insts.ClassSystem:
		err = e.executeSystem(inst, &out)
	case insts.ClassFence:
	default:
		err = fmt.Errorf("%s: %w", inst.Op, insts.ErrIllegalInstruction)
	}
	if err != nil {
		return out, err
	}

	e.regFile.PC = out.NextPC
	return out, nil
}

func (e *Emulator) executeIntOp(inst *insts.Instruction, pc uint64) {
	switch inst.Op {
	case insts.OpLUI:
		e.regFile.WriteReg(inst.Rd, uint64(inst.Imm))
		return
	case insts.OpAUIPC:
		e.regFile.WriteReg(inst.Rd, pc+uint64(inst.Imm))
		return
	}

	a := e.regFile.ReadReg(inst.Rs1)
	b := uint64(inst.Imm)
	if inst.Rs2Kind == insts.RegInt {
		b = e.regFile.ReadReg(inst.Rs2)
	}
	e.regFile.WriteReg(inst.Rd, Compute(inst.Op, a, b))
}

func (e *Emulator) executeDivide(inst *insts.Instruction, out *Outcome) {
	a := e.regFile.ReadReg(inst.Rs1)
	b := e.regFile.ReadReg(inst.Rs2)
	switch inst.Op {
	case insts.OpDIVW, insts.OpREMW:
		out.Dividend, out.Divisor = sext32(a), sext32(b)
	case insts.OpDIVUW, insts.OpREMUW:
		out.Dividend, out.Divisor = uint64(uint32(a)), uint64(uint32(b))
	default:
		out.Dividend, out.Divisor = a, b
	}
	e.regFile.WriteReg(inst.Rd, Compute(inst.Op, a, b))
}

func signExtendWidth(v uint64, width uint8) uint64 {
	switch width {
	case 1:
		return uint64(int64(int8(v)))
	case 2:
		return uint64(int64(int16(v)))
	case 4:
		return uint64(int64(int32(v)))
	}
	return v
}

func (e *Emulator) executeLoad(inst *insts.Instruction, out *Outcome) error {
	addr := e.regFile.ReadReg(inst.Rs1) + uint64(inst.Imm)
	out.MemAccess, out.MemAddr, out.MemSize = AccessLoad, addr, inst.MemWidth

	v, err := e.memory.Read(addr, inst.MemWidth)
	if err != nil {
		return fmt.Errorf("load: %w", err)
	}

	switch {
	case inst.RdKind == insts.RegFloat && inst.MemWidth == 4:
		e.regFile.WriteF32(inst.Rd, uint32(v))
	case inst.RdKind == insts.RegFloat:
		e.regFile.WriteFReg(inst.Rd, v)
	case inst.Unsigned:
		e.regFile.WriteReg(inst.Rd, v)
	default:
		e.regFile.WriteReg(inst.Rd, signExtendWidth(v, inst.MemWidth))
	}
	return nil
}

func (e *Emulator) executeStore(inst *insts.Instruction, out *Outcome) error {
	addr := e.regFile.ReadReg(inst.Rs1) + uint64(inst.Imm)
	out.MemAccess, out.MemAddr, out.MemSize = AccessStore, addr, inst.MemWidth

	var v uint64
	if inst.Rs2Kind == insts.RegFloat {
		v = e.regFile.ReadFReg(inst.Rs2)
	} else {
		v = e.regFile.ReadReg(inst.Rs2)
	}

	if err := e.memory.Write(addr, inst.MemWidth, v); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	e.clearReservation()
	return nil
}

func (e *Emulator) executeJump(inst *insts.Instruction, pc uint64) uint64 {
	var target uint64
	if inst.Op == insts.OpJALR {
		target = (e.regFile.ReadReg(inst.Rs1) + uint64(inst.Imm)) &^ 1
	} else {
		target = pc + uint64(inst.Imm)
	}
	e.regFile.WriteReg(inst.Rd, pc+uint64(inst.Size))
	return target
}

func (e *Emulator) setReservation(r Reservation) {
	if r == e.reservation {
		return
	}
	if e.journal != nil {
		e.journal.RecordReservation(e.reservation)
	}
	e.reservation = r
}

func (e *Emulator) clearReservation() {
	e.setReservation(Reservation{})
}

func (e *Emulator) executeAtomic(inst *insts.Instruction, out *Outcome) error {
	width := inst.MemWidth
	addr := e.regFile.ReadReg(inst.Rs1)
	out.MemAccess, out.MemAddr, out.MemSize = AccessAtomic, addr, width

	if addr%uint64(width) != 0 {
		return fmt.Errorf("%s at 0x%x: %w", inst.Mnemonic(), addr, ErrMisalignedAccess)
	}

	switch inst.Op {
	case insts.OpLR:
		v, err := e.memory.Read(addr, width)
		if err != nil {
			return fmt.Errorf("load-reserved: %w", err)
		}
		e.regFile.WriteReg(inst.Rd, signExtendWidth(v, width))
		e.setReservation(Reservation{Valid: true, Addr: addr, Size: width})
		return nil

	case insts.OpSC:
		r := e.reservation
		e.clearReservation()
		if !r.Valid || r.Addr != addr || r.Size != width {
			e.regFile.WriteReg(inst.Rd, 1)
			return nil
		}
		if err := e.memory.Write(addr, width, e.regFile.ReadReg(inst.Rs2)); err != nil {
			return fmt.Errorf("store-conditional: %w", err)
		}
		e.regFile.WriteReg(inst.Rd, 0)
		return nil
	}

	loaded, err := e.memory.Read(addr, width)
	if err != nil {
		return fmt.Errorf("%s: %w", inst.Mnemonic(), err)
	}
	stored := amo(inst.Op, loaded, e.regFile.ReadReg(inst.Rs2), width)
	if err := e.memory.Write(addr, width, stored); err != nil {
		return fmt.Errorf("%s: %w", inst.Mnemonic(), err)
	}
	e.clearReservation()
	e.regFile.WriteReg(inst.Rd, signExtendWidth(loaded, width))
	return nil
}

func (e *Emulator) executeSystem(inst *insts.Instruction, out *Outcome) error {
	if inst.Op == insts.OpEBREAK {
		return fmt.Errorf("at 0x%x: %w", out.PC, ErrBreakpoint)
	}

	num := e.regFile.ReadReg(insts.RegA7)
	var args [6]uint64
	for i := range args {
		args[i] = e.regFile.ReadReg(uint8(insts.RegA0 + i))
	}

	if e.journal != nil {
		var state []byte
		if cp, ok := e.syscallHandler.(Checkpointer); ok {
			var err error
			if state, err = cp.Checkpoint(); err != nil {
				return fmt.Errorf("checkpoint before syscall %d: %w", num, err)
			}
		}
		e.journal.RecordSyscall(num, state)
	}

	result, err := e.syscallHandler.Handle(num, args)
	if err != nil {
		return err
	}

	out.Syscall = true
	out.SyscallNum = num
	out.SyscallResult = result
	if result.Exited {
		out.Exited = true
		out.ExitCode = result.ExitCode
		return nil
	}
	e.regFile.WriteReg(insts.RegA0, result.Value)
	return nil
}

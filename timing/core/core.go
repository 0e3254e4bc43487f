// Package core provides the cycle-accounting CPU core model.
//
// A Core couples the functional emulator with the cache hierarchy, the
// operand scoreboard and the branch predictor. Each Step executes one
// instruction, advances the cycle counter and returns a Delta from which
// Revert restores every piece of state the step touched.
package core

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/go-logr/logr"

	"github.com/kil0meters/remu/emu"
	"github.com/kil0meters/remu/insts"
	"github.com/kil0meters/remu/timing/cache"
	"github.com/kil0meters/remu/timing/latency"
	"github.com/kil0meters/remu/timing/pipeline"
)

// ErrNotRunning is returned by Step once the core has halted or faulted.
var ErrNotRunning = errors.New("core is not running")

// Status is the execution state of a Core.
type Status int

const (
	// StatusRunning means the next Step will execute an instruction.
	StatusRunning Status = iota
	// StatusHalted means the program exited.
	StatusHalted
	// StatusFaulted means the last Step failed.
	StatusFaulted
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusHalted:
		return "halted"
	case StatusFaulted:
		return "faulted"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Fault is a fatal error raised while executing the instruction at PC.
type Fault struct {
	PC uint64
	// Raw is the instruction encoding, or 0 when the fetch itself failed.
	Raw uint32
	Err error
}

func (f *Fault) Error() string {
	if f.Raw == 0 {
		return fmt.Sprintf("fault at pc 0x%x: %v", f.PC, f.Err)
	}
	return fmt.Sprintf("fault at pc 0x%x (0x%08x): %v", f.PC, f.Raw, f.Err)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// Stats holds performance statistics for the core.
type Stats struct {
	// Cycles is the total number of cycles consumed (the fuel).
	Cycles uint64
	// Instructions is the number of instructions retired.
	Instructions uint64
	// StallCycles is the number of cycles spent waiting on operands.
	StallCycles uint64
	// FetchStallCycles is the number of cycles spent on fetch misses.
	FetchStallCycles uint64
	// MispredictCycles is the number of cycles lost to mispredictions.
	MispredictCycles uint64

	Cache  cache.Statistics
	Branch pipeline.BranchPredictorStats
}

// CPI returns cycles per instruction, or 0 before the first instruction.
func (s Stats) CPI() float64 {
	if s.Instructions == 0 {
		return 0
	}
	return float64(s.Cycles) / float64(s.Instructions)
}

// StepResult describes one Step.
type StepResult struct {
	// Delta undoes the step. It is set whenever an instruction was
	// attempted, including faulting ones.
	Delta *Delta

	Exited   bool
	ExitCode int64
	Err      error
}

// Counters is the core's cycle accounting.
type Counters struct {
	// Clock is the cycle at which the next instruction may issue.
	Clock uint64
	// Horizon is the latest cycle at which any issued instruction
	// completes. Loads and stores whose results nobody waits on still
	// extend it.
	Horizon uint64

	Instructions     uint64
	StallCycles      uint64
	FetchStallCycles uint64
	MispredictCycles uint64
}

// Cycles returns the fuel consumed so far.
func (c Counters) Cycles() uint64 {
	return max(c.Clock, c.Horizon)
}

// Core represents a cycle-accounting CPU core model.
type Core struct {
	emulator   *emu.Emulator
	table      *latency.Table
	caches     *cache.Hierarchy
	scoreboard *pipeline.Scoreboard
	predictor  *pipeline.BranchPredictor

	counters Counters
	status   Status
	exitCode int64
	fault    error

	profile *Profile
	log     logr.Logger

	// current is the delta of the step in progress.
	current *Delta

	emuOpts []emu.EmulatorOption
	timing  *latency.TimingConfig
}

// Option configures a Core.
type Option func(*Core)

// WithTiming sets the timing policy. The config must be valid.
func WithTiming(config *latency.TimingConfig) Option {
	return func(c *Core) {
		c.timing = config
	}
}

// WithLogger sets the logger for halt, fault and profile events. V(2)
// traces every step.
func WithLogger(log logr.Logger) Option {
	return func(c *Core) {
		c.log = log
	}
}

// WithStdout sets the writer guest stdout goes to.
func WithStdout(w io.Writer) Option {
	return WithEmulatorOptions(emu.WithStdout(w))
}

// WithStderr sets the writer guest stderr goes to.
func WithStderr(w io.Writer) Option {
	return WithEmulatorOptions(emu.WithStderr(w))
}

// WithSyscallOptions configures the default Linux syscall handler.
func WithSyscallOptions(opts ...emu.SyscallOption) Option {
	return WithEmulatorOptions(emu.WithSyscallOptions(opts...))
}

// WithEmulatorOptions passes options through to the functional emulator.
func WithEmulatorOptions(opts ...emu.EmulatorOption) Option {
	return func(c *Core) {
		c.emuOpts = append(c.emuOpts, opts...)
	}
}

// NewCore creates a core with an empty address space.
func NewCore(opts ...Option) *Core {
	c := &Core{
		log:    logr.Discard(),
		timing: latency.DefaultTimingConfig(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.timing.Validate(); err != nil {
		panic(fmt.Sprintf("core: invalid timing config: %v", err))
	}

	c.table = latency.NewTableWithConfig(c.timing)
	c.caches = cache.NewHierarchy(c.timing)
	c.scoreboard = pipeline.NewScoreboard()
	c.predictor = pipeline.NewBranchPredictor(c.timing.BranchMispredictPenalty)
	c.emulator = emu.NewEmulator(append(c.emuOpts, emu.WithCounters(csrCounters{c}))...)
	return c
}

// csrCounters exposes the core's accounting to the cycle and instret CSRs.
type csrCounters struct {
	c *Core
}

func (s csrCounters) Cycles() uint64  { return s.c.counters.Cycles() }
func (s csrCounters) Instret() uint64 { return s.c.counters.Instructions }

// Emulator returns the functional emulator.
func (c *Core) Emulator() *emu.Emulator {
	return c.emulator
}

// RegFile returns the architectural registers.
func (c *Core) RegFile() *emu.RegFile {
	return c.emulator.RegFile()
}

// Memory returns the address space.
func (c *Core) Memory() *emu.Memory {
	return c.emulator.Memory()
}

// PC returns the program counter.
func (c *Core) PC() uint64 {
	return c.emulator.RegFile().PC
}

// Timing returns the timing policy in use.
func (c *Core) Timing() *latency.TimingConfig {
	return c.timing
}

// Caches returns the cache hierarchy.
func (c *Core) Caches() *cache.Hierarchy {
	return c.caches
}

// Scoreboard returns the operand readiness table.
func (c *Core) Scoreboard() *pipeline.Scoreboard {
	return c.scoreboard
}

// Predictor returns the branch predictor.
func (c *Core) Predictor() *pipeline.BranchPredictor {
	return c.predictor
}

// LoadProgram maps code at entry and points the PC at it.
func (c *Core) LoadProgram(entry uint64, code []byte) error {
	return c.emulator.LoadProgram(entry, code)
}

// Status returns the execution state.
func (c *Core) Status() Status {
	return c.status
}

// ExitCode returns the exit code if the core has halted.
func (c *Core) ExitCode() int64 {
	return c.exitCode
}

// Err returns the fault that stopped the core, if any.
func (c *Core) Err() error {
	return c.fault
}

// Counters returns the raw cycle accounting.
func (c *Core) Counters() Counters {
	return c.counters
}

// Stats returns performance statistics for the core.
func (c *Core) Stats() Stats {
	return Stats{
		Cycles:           c.counters.Cycles(),
		Instructions:     c.counters.Instructions,
		StallCycles:      c.counters.StallCycles,
		FetchStallCycles: c.counters.FetchStallCycles,
		MispredictCycles: c.counters.MispredictCycles,
		Cache:            c.caches.Data.Stats(),
		Branch:           c.predictor.Stats(),
	}
}

// Step executes one instruction.
func (c *Core) Step() StepResult {
	if c.status != StatusRunning {
		return StepResult{Err: ErrNotRunning}
	}

	pc := c.PC()
	d := &Delta{PC: pc, Counters: c.counters}
	c.current = d
	c.emulator.SetJournal(d)
	defer func() {
		c.emulator.SetJournal(nil)
		c.current = nil
	}()

	if c.profile != nil {
		d.Profile = c.profile.state
		c.profile.enter(c, pc)
	}

	inst, err := c.emulator.Fetch(pc)
	if err != nil {
		return c.faultStep(d, pc, 0, err)
	}
	d.Raw = inst.Raw

	issue := c.counters.Clock
	if c.caches.Fetch != nil {
		result, change := c.caches.Fetch.Access(pc, false)
		d.ICache = &change
		if !result.Hit {
			extra := result.Latency - c.caches.Fetch.Config().HitLatency
			issue += extra
			c.counters.FetchStallCycles += extra
		}
	}

	stall := c.scoreboard.Stall(inst.Sources(), issue)
	issue += stall
	c.counters.StallCycles += stall

	out, err := c.emulator.Execute(inst)
	if err != nil {
		return c.faultStep(d, pc, inst.Raw, err)
	}

	lat := c.instructionLatency(inst, out, d)
	if dest, ok := inst.Dest(); ok {
		if change, ok := c.scoreboard.Produce(dest, issue+lat); ok {
			d.Ready = append(d.Ready, change)
		}
	}

	next := issue + 1
	if inst.IsConditionalBranch() {
		predicted := c.predictor.Predict(pc)
		penalty, change := c.predictor.Resolve(pc, out.Taken)
		d.Branch = &change
		next += penalty
		c.counters.MispredictCycles += penalty
		c.log.V(2).Info("branch", "pc", pc, "predicted", predicted, "taken", out.Taken, "penalty", penalty)
	}

	c.counters.Clock = next
	c.counters.Horizon = max(c.counters.Horizon, issue+lat)
	c.counters.Instructions++

	if out.Syscall {
		if d.Syscall == nil {
			d.Syscall = &SyscallRecord{Num: out.SyscallNum}
		}
		d.Syscall.Output = out.SyscallResult.Output
		d.Syscall.Nondeterministic = out.SyscallResult.Nondeterministic
	}

	if c.log.V(2).Enabled() {
		c.log.V(2).Info("step", "pc", fmt.Sprintf("0x%x", pc), "inst", inst.Format(pc),
			"issue", issue, "latency", lat)
	}

	if out.Exited {
		c.status = StatusHalted
		c.exitCode = out.ExitCode
		c.log.Info("program exited", "code", out.ExitCode, "cycles", c.counters.Cycles(),
			"instructions", c.counters.Instructions)
	}

	if c.profile != nil {
		c.profile.leave(c)
	}

	return StepResult{Delta: d, Exited: out.Exited, ExitCode: out.ExitCode}
}

func (c *Core) faultStep(d *Delta, pc uint64, raw uint32, err error) StepResult {
	fault := &Fault{PC: pc, Raw: raw, Err: err}
	c.status = StatusFaulted
	c.fault = fault
	c.log.Info("fault", "pc", fmt.Sprintf("0x%x", pc), "err", err.Error())
	return StepResult{Delta: d, Err: fault}
}

// instructionLatency returns the cycles after issue at which inst's result
// is available, consulting the data cache for memory accesses.
func (c *Core) instructionLatency(inst *insts.Instruction, out emu.Outcome, d *Delta) uint64 {
	if c.table.IsMemoryOp(inst) {
		result, change := c.caches.Data.Access(out.MemAddr, out.MemAccess != emu.AccessLoad)
		d.DCache = &change
		return result.Latency
	}

	if inst.Class == insts.ClassDivide {
		return c.table.DivideLatency(inst.Op, out.Dividend, out.Divisor)
	}
	return c.table.GetLatency(inst)
}

// Revert undoes the most recent step described by d. Deltas must be
// reverted newest first.
func (c *Core) Revert(d *Delta) error {
	c.emulator.SetJournal(nil)

	regs := c.emulator.RegFile()
	mem := c.emulator.Memory()

	if d.Syscall != nil && d.Syscall.State != nil {
		if cp, ok := c.emulator.SyscallHandler().(emu.Checkpointer); ok {
			if err := cp.Restore(d.Syscall.State); err != nil {
				return fmt.Errorf("restore syscall state at 0x%x: %w", d.PC, err)
			}
		}
	}

	for i := len(d.Mem) - 1; i >= 0; i-- {
		m := d.Mem[i]
		if m.Layout != nil {
			mem.RestoreLayout(*m.Layout)
			continue
		}
		if err := mem.Poke(m.Addr, m.Old); err != nil {
			return fmt.Errorf("restore memory at 0x%x: %w", m.Addr, err)
		}
	}
	for i := len(d.Regs) - 1; i >= 0; i-- {
		regs.X[d.Regs[i].Reg] = d.Regs[i].Old
	}
	for i := len(d.FRegs) - 1; i >= 0; i-- {
		regs.F[d.FRegs[i].Reg] = d.FRegs[i].Old
	}
	if d.FCSR != nil {
		regs.FCSR = *d.FCSR
	}
	if d.Reservation != nil {
		c.emulator.RestoreReservation(*d.Reservation)
	}
	regs.PC = d.PC

	for i := len(d.Ready) - 1; i >= 0; i-- {
		c.scoreboard.Revert(d.Ready[i])
	}
	if d.Branch != nil {
		c.predictor.Revert(*d.Branch)
	}
	if d.DCache != nil {
		c.caches.Data.Revert(*d.DCache)
	}
	if d.ICache != nil {
		c.caches.Fetch.Revert(*d.ICache)
	}

	c.counters = d.Counters
	if c.profile != nil {
		c.profile.state = d.Profile
	}
	c.status = StatusRunning
	c.exitCode = 0
	c.fault = nil
	return nil
}

// Run steps until the program halts, faults or ctx is cancelled. It
// returns the exit code on a clean halt.
func (c *Core) Run(ctx context.Context) (int64, error) {
	for i := 0; ; i++ {
		if i%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return 0, err
			}
		}

		result := c.Step()
		if result.Err != nil {
			return 0, result.Err
		}
		if result.Exited {
			return result.ExitCode, nil
		}
	}
}

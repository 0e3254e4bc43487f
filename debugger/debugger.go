// Package debugger provides reverse-stepping control over a timing core.
//
// A Debugger keeps the Delta of every step it drives. Stepping backward
// reverts the newest delta, which restores registers, memory, the cycle
// counters, the caches, the scoreboard and the branch predictor together.
// Steps undone this way are remembered so that re-executing them can be
// checked against what happened the first time.
//
// All operations are serialized by one lock. A long RunTo or Continue can
// be stopped from another goroutine by cancelling its context; the run
// stops at the next step boundary and history stays consistent.
package debugger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/go-logr/logr"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/kil0meters/remu/timing/core"
)

var (
	// ErrNoHistory is returned when stepping back from the oldest state
	// the debugger still holds.
	ErrNoHistory = errors.New("no history")
	// ErrUnknownLabel is returned when a location names no known symbol.
	ErrUnknownLabel = errors.New("unknown label")
)

// StopReason says why a debugger operation returned.
type StopReason int

const (
	// StopStep means a single step completed.
	StopStep StopReason = iota
	// StopTarget means RunTo reached its target.
	StopTarget
	// StopBreakpoint means a breakpoint matched.
	StopBreakpoint
	// StopHalted means the program exited.
	StopHalted
	// StopFaulted means the last step faulted.
	StopFaulted
	// StopCancelled means the caller's context was cancelled.
	StopCancelled
	// StopStart means a reverse run reached the oldest recorded state.
	StopStart
)

func (r StopReason) String() string {
	switch r {
	case StopStep:
		return "step"
	case StopTarget:
		return "target"
	case StopBreakpoint:
		return "breakpoint"
	case StopHalted:
		return "halted"
	case StopFaulted:
		return "faulted"
	case StopCancelled:
		return "cancelled"
	case StopStart:
		return "start"
	}
	return fmt.Sprintf("StopReason(%d)", int(r))
}

// Event describes where an operation left the core.
type Event struct {
	Reason StopReason
	PC     uint64
	// Location is PC rendered against the symbol table.
	Location string
	// Steps is how many steps the operation executed or undid.
	Steps int
	Cycles uint64

	Breakpoint *Breakpoint
	ExitCode   int64
	// Err is the fault when Reason is StopFaulted.
	Err error
	// Nondeterministic is set when a step made a syscall whose result
	// came from the host, so replaying it may not reproduce the run.
	Nondeterministic bool
}

// Debugger drives a core one step at a time and can undo steps.
type Debugger struct {
	mu sync.Mutex

	core    *core.Core
	history []*core.Delta
	// future holds undone steps, most recently undone last.
	future []*core.Delta
	// dropped counts steps discarded by the history limit.
	dropped int

	breakpoints []Breakpoint
	nextID      int

	symbols    *symbolTable
	maxHistory int
	log        logr.Logger
}

// Option configures a Debugger.
type Option func(*Debugger)

// WithLogger sets the logger for rewind and replay warnings.
func WithLogger(log logr.Logger) Option {
	return func(d *Debugger) {
		d.log = log
	}
}

// WithSymbols sets the labels locations may name.
func WithSymbols(symbols map[string]uint64) Option {
	return func(d *Debugger) {
		d.symbols = newSymbolTable(symbols)
	}
}

// WithMaxHistory caps the number of retained steps. Zero means unbounded.
func WithMaxHistory(n int) Option {
	return func(d *Debugger) {
		d.maxHistory = n
	}
}

// New creates a debugger for c. The core should not be stepped by anyone
// else afterwards.
func New(c *core.Core, opts ...Option) *Debugger {
	d := &Debugger{
		core:    c,
		symbols: newSymbolTable(nil),
		log:     logr.Discard(),
		nextID:  1,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Inspect calls fn with the core while holding the debugger lock. fn must
// not step or revert the core.
func (d *Debugger) Inspect(fn func(c *core.Core)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn(d.core)
}

// Position returns the number of steps between the start of the run and
// the current state.
func (d *Debugger) Position() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped + len(d.history)
}

// HistoryLen returns the number of steps that can be undone.
func (d *Debugger) HistoryLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.history)
}

// History returns the retained deltas, oldest first.
func (d *Debugger) History() []*core.Delta {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*core.Delta, len(d.history))
	copy(out, d.history)
	return out
}

// Describe renders addr as label+offset when a symbol precedes it.
func (d *Debugger) Describe(addr uint64) string {
	return d.symbols.describe(addr)
}

// Resolve turns a label or a numeric address into an address.
func (d *Debugger) Resolve(location string) (uint64, error) {
	return d.resolve(location)
}

func (d *Debugger) resolve(location string) (uint64, error) {
	location = strings.TrimSpace(location)
	if addr, ok := d.symbols.lookup(location); ok {
		return addr, nil
	}
	if addr, err := strconv.ParseUint(location, 0, 64); err == nil {
		return addr, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownLabel, location)
}

// StepForward executes one instruction.
func (d *Debugger) StepForward() (Event, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.core.Status() != core.StatusRunning {
		return d.event(d.stopReason(), 0), core.ErrNotRunning
	}

	result, nondet := d.step()
	ev := d.event(StopStep, 1)
	ev.Nondeterministic = nondet
	d.finish(&ev, result)
	return ev, nil
}

// StepBackward undoes the most recent step.
func (d *Debugger) StepBackward() (Event, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.unstep(); err != nil {
		return d.event(StopStart, 0), err
	}
	return d.event(StopStep, 1), nil
}

// RunTo steps until the PC reaches location, a breakpoint matches, the
// program stops or ctx is cancelled. At least one step is taken.
func (d *Debugger) RunTo(ctx context.Context, location string) (Event, error) {
	target, err := d.resolve(location)
	if err != nil {
		return Event{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.run(ctx, true, &target)
}

// Continue steps until a breakpoint matches, the program stops or ctx is
// cancelled.
func (d *Debugger) Continue(ctx context.Context) (Event, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.run(ctx, true, nil)
}

// ContinueToEnd steps until the program stops or ctx is cancelled,
// ignoring breakpoints.
func (d *Debugger) ContinueToEnd(ctx context.Context) (Event, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.run(ctx, false, nil)
}

// ReverseContinue undoes steps until the PC sits on a breakpoint or no
// history remains.
func (d *Debugger) ReverseContinue(ctx context.Context) (Event, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.history) == 0 {
		return d.event(StopStart, 0), ErrNoHistory
	}

	done := ctx.Done()
	for steps := 0; ; {
		select {
		case <-done:
			return d.event(StopCancelled, steps), ctx.Err()
		default:
		}

		if err := d.unstep(); err != nil {
			return d.event(StopStart, steps), nil
		}
		steps++

		if bp := d.matchBreakpoint(); bp != nil {
			ev := d.event(StopBreakpoint, steps)
			ev.Breakpoint = bp
			return ev, nil
		}
	}
}

func (d *Debugger) run(ctx context.Context, breakpoints bool, target *uint64) (Event, error) {
	if d.core.Status() != core.StatusRunning {
		return d.event(d.stopReason(), 0), core.ErrNotRunning
	}

	done := ctx.Done()
	nondet := false
	for steps := 0; ; {
		select {
		case <-done:
			ev := d.event(StopCancelled, steps)
			ev.Nondeterministic = nondet
			return ev, ctx.Err()
		default:
		}

		result, n := d.step()
		steps++
		nondet = nondet || n

		ev := d.event(StopStep, steps)
		ev.Nondeterministic = nondet
		if d.finish(&ev, result) {
			return ev, nil
		}

		pc := d.core.PC()
		if target != nil && pc == *target {
			ev.Reason = StopTarget
			return ev, nil
		}
		if breakpoints {
			if bp := d.matchBreakpoint(); bp != nil {
				ev.Reason = StopBreakpoint
				ev.Breakpoint = bp
				return ev, nil
			}
		}
	}
}

// step runs one instruction and records its delta. It reports whether
// the step made a host-dependent syscall.
func (d *Debugger) step() (core.StepResult, bool) {
	result := d.core.Step()
	delta := result.Delta
	if delta == nil {
		return result, false
	}

	d.checkReplay(delta)
	d.record(delta)

	nondet := delta.Syscall != nil && delta.Syscall.Nondeterministic
	if nondet {
		d.log.Info("syscall result depends on the host; replay may differ",
			"syscall", delta.Syscall.Num, "pc", d.Describe(delta.PC))
	}
	return result, nondet
}

func (d *Debugger) record(delta *core.Delta) {
	d.history = append(d.history, delta)
	if d.maxHistory > 0 && len(d.history) > d.maxHistory {
		n := len(d.history) - d.maxHistory
		for i := 0; i < n; i++ {
			d.history[i] = nil
		}
		d.history = d.history[n:]
		d.dropped += n
	}
}

var replayOptions = []cmp.Option{
	cmpopts.EquateEmpty(),
	cmpopts.IgnoreFields(core.SyscallRecord{}, "State"),
}

// checkReplay compares a re-executed step with the one undone at the same
// point. A mismatch means the run is no longer reproducing the recorded
// one, so the remaining undone steps are discarded.
func (d *Debugger) checkReplay(delta *core.Delta) {
	if len(d.future) == 0 {
		return
	}
	expected := d.future[len(d.future)-1]
	d.future = d.future[:len(d.future)-1]

	if diff := cmp.Diff(expected, delta, replayOptions...); diff != "" {
		d.log.Info("re-executed step diverged from recorded history",
			"pc", d.Describe(delta.PC), "diff", diff)
		d.future = nil
	}
}

func (d *Debugger) unstep() error {
	if len(d.history) == 0 {
		if d.dropped > 0 {
			return fmt.Errorf("%w: older steps were dropped by the history limit", ErrNoHistory)
		}
		return ErrNoHistory
	}

	delta := d.history[len(d.history)-1]
	if err := d.core.Revert(delta); err != nil {
		return err
	}
	d.history = d.history[:len(d.history)-1]
	d.future = append(d.future, delta)

	if delta.ProducedOutput() {
		d.log.Info("rewinding past output that cannot be recalled",
			"pc", d.Describe(delta.PC), "bytes", len(delta.Syscall.Output))
	}
	return nil
}

// finish fills in how a step ended and reports whether the run must stop.
func (d *Debugger) finish(ev *Event, result core.StepResult) bool {
	switch {
	case result.Err != nil:
		ev.Reason = StopFaulted
		ev.Err = result.Err
		return true
	case result.Exited:
		ev.Reason = StopHalted
		ev.ExitCode = result.ExitCode
		return true
	}
	return false
}

func (d *Debugger) stopReason() StopReason {
	switch d.core.Status() {
	case core.StatusHalted:
		return StopHalted
	case core.StatusFaulted:
		return StopFaulted
	}
	return StopStep
}

func (d *Debugger) event(reason StopReason, steps int) Event {
	pc := d.core.PC()
	ev := Event{
		Reason:   reason,
		PC:       pc,
		Location: d.Describe(pc),
		Steps:    steps,
		Cycles:   d.core.Counters().Cycles(),
	}
	switch d.core.Status() {
	case core.StatusHalted:
		ev.ExitCode = d.core.ExitCode()
	case core.StatusFaulted:
		ev.Err = d.core.Err()
	}
	return ev
}

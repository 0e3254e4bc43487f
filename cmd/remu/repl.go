package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/kil0meters/remu/debugger"
	"github.com/kil0meters/remu/disasm"
	"github.com/kil0meters/remu/insts"
	"github.com/kil0meters/remu/report"
	"github.com/kil0meters/remu/timing/core"
)

const replHelp = `commands:
  s, step [n]          execute n instructions (default 1)
  rs, rstep [n]        undo n instructions
  c, continue          run to the next breakpoint or the end
  rc, rcontinue        run backward to the previous breakpoint or the start
  end                  run to the end, ignoring breakpoints
  u, until <loc>       run until the PC reaches a label or address
  b, break <loc>       break at a label or address
  b, break syscall <n> break before syscall n
  d, delete <id>       remove a breakpoint
  breaks               list breakpoints
  r, regs              print the integer registers
  x <loc> [n]          print n doublewords of memory
  l, list [n]          disassemble n instructions from the PC
  stats                print timing statistics
  save <file>          write the recorded history
  load <file>          replay a saved history from the current state
  h, help              print this message
  q, quit              leave the debugger
An empty line repeats the previous command.`

// repl interprets debugger commands. It holds no simulation state of its
// own; every query goes through the debugger's lock.
type repl struct {
	dbg *debugger.Debugger
	dis *disasm.Disassembler
	out io.Writer

	// interrupt derives the context a long-running command runs under.
	interrupt func(context.Context) (context.Context, context.CancelFunc)

	last string
}

func newRepl(dbg *debugger.Debugger, dis *disasm.Disassembler, out io.Writer) *repl {
	return &repl{
		dbg: dbg,
		dis: dis,
		out: out,
		interrupt: func(ctx context.Context) (context.Context, context.CancelFunc) {
			return context.WithCancel(ctx)
		},
	}
}

// exec runs one command line and reports whether the session should end.
func (r *repl) exec(ctx context.Context, line string) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		line = r.last
	}
	if line == "" {
		return false, nil
	}
	r.last = line

	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "s", "step":
		return false, r.repeat(args, r.dbg.StepForward)
	case "rs", "rstep":
		return false, r.repeat(args, r.dbg.StepBackward)
	case "c", "continue":
		return false, r.run(ctx, r.dbg.Continue)
	case "rc", "rcontinue":
		return false, r.run(ctx, r.dbg.ReverseContinue)
	case "end":
		return false, r.run(ctx, r.dbg.ContinueToEnd)
	case "u", "until":
		if len(args) != 1 {
			return false, errors.New("usage: until <label|address>")
		}
		return false, r.run(ctx, func(ctx context.Context) (debugger.Event, error) {
			return r.dbg.RunTo(ctx, args[0])
		})
	case "b", "break":
		bp, err := r.dbg.AddBreakpoint(strings.Join(args, " "))
		if err != nil {
			return false, err
		}
		_, _ = fmt.Fprintf(r.out, "breakpoint %s\n", bp)
	case "d", "delete":
		if len(args) != 1 {
			return false, errors.New("usage: delete <id>")
		}
		id, err := strconv.Atoi(strings.TrimPrefix(args[0], "#"))
		if err != nil {
			return false, fmt.Errorf("bad breakpoint id %q", args[0])
		}
		return false, r.dbg.RemoveBreakpoint(id)
	case "breaks":
		for _, bp := range r.dbg.Breakpoints() {
			_, _ = fmt.Fprintln(r.out, bp)
		}
	case "r", "regs":
		r.printRegs()
	case "x":
		return false, r.examine(args)
	case "l", "list":
		n, err := count(args, 8)
		if err != nil {
			return false, err
		}
		return false, r.list(n)
	case "stats":
		return false, r.stats()
	case "save":
		if len(args) != 1 {
			return false, errors.New("usage: save <file>")
		}
		return false, r.save(args[0])
	case "load":
		if len(args) != 1 {
			return false, errors.New("usage: load <file>")
		}
		return false, r.load(args[0])
	case "h", "help":
		_, _ = fmt.Fprintln(r.out, replHelp)
	case "q", "quit", "exit":
		return true, nil
	default:
		return false, fmt.Errorf("unknown command %q (try help)", cmd)
	}
	return false, nil
}

func count(args []string, def int) (int, error) {
	if len(args) == 0 {
		return def, nil
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("bad count %q", args[0])
	}
	return n, nil
}

func (r *repl) repeat(args []string, step func() (debugger.Event, error)) error {
	n, err := count(args, 1)
	if err != nil {
		return err
	}

	var ev debugger.Event
	steps := 0
	for i := 0; i < n; i++ {
		ev, err = step()
		if err != nil {
			break
		}
		steps++
		if ev.Reason != debugger.StopStep {
			break
		}
	}
	if steps > 0 {
		ev.Steps = steps
		r.printEvent(ev)
	}
	return err
}

func (r *repl) run(ctx context.Context, op func(context.Context) (debugger.Event, error)) error {
	ctx, cancel := r.interrupt(ctx)
	defer cancel()

	ev, err := op(ctx)
	if errors.Is(err, context.Canceled) {
		r.printEvent(ev)
		return nil
	}
	if err != nil {
		return err
	}
	r.printEvent(ev)
	return nil
}

func (r *repl) printEvent(ev debugger.Event) {
	switch ev.Reason {
	case debugger.StopHalted:
		_, _ = fmt.Fprintf(r.out, "program exited with code %d\n", ev.ExitCode)
	case debugger.StopFaulted:
		_, _ = fmt.Fprintf(r.out, "program faulted at %s: %v\n", ev.Location, ev.Err)
	case debugger.StopBreakpoint:
		_, _ = fmt.Fprintf(r.out, "breakpoint %s\n", ev.Breakpoint)
	case debugger.StopCancelled:
		_, _ = fmt.Fprintln(r.out, "interrupted")
	case debugger.StopStart:
		_, _ = fmt.Fprintln(r.out, "reached the oldest recorded state")
	}
	if ev.Nondeterministic {
		_, _ = fmt.Fprintln(r.out, "note: a syscall result came from the host and may not replay")
	}
	_, _ = fmt.Fprintf(r.out, "%d step(s), cycle %d\n", ev.Steps, ev.Cycles)
	if ev.Reason != debugger.StopHalted {
		_ = r.list(1)
	}
}

func (r *repl) printRegs() {
	r.dbg.Inspect(func(c *core.Core) {
		regs := c.RegFile()
		_, _ = fmt.Fprintf(r.out, "%-4s %#018x\n", "pc", regs.PC)
		for i := uint8(1); i < 32; i++ {
			sep := "   "
			if i%4 == 0 || i == 31 {
				sep = "\n"
			}
			_, _ = fmt.Fprintf(r.out, "%-4s %#018x%s", insts.IntRegName(i), regs.ReadReg(i), sep)
		}
	})
}

func (r *repl) examine(args []string) error {
	if len(args) < 1 {
		return errors.New("usage: x <label|address> [n]")
	}
	addr, err := r.dbg.Resolve(args[0])
	if err != nil {
		return err
	}
	n, err := count(args[1:], 4)
	if err != nil {
		return err
	}

	r.dbg.Inspect(func(c *core.Core) {
		for i := 0; i < n && err == nil; i++ {
			a := addr + uint64(8*i)
			var v uint64
			if v, err = c.Memory().Read64(a); err == nil {
				_, _ = fmt.Fprintf(r.out, "%s: %#018x\n", r.dbg.Describe(a), v)
			}
		}
	})
	return err
}

func (r *repl) list(n int) error {
	var (
		lines []disasm.Line
		err   error
	)
	r.dbg.Inspect(func(c *core.Core) {
		pc := c.PC()
		for i := 0; i < n; i++ {
			var l []disasm.Line
			if l, err = r.dis.Range(c.Memory(), pc, pc+1); err != nil {
				return
			}
			lines = append(lines, l...)
			pc += uint64(l[0].Size)
		}
	})
	for i, l := range lines {
		marker := "  "
		if i == 0 {
			marker = "=>"
		}
		_, _ = fmt.Fprintf(r.out, "%s %s: %s\n", marker, r.dbg.Describe(l.Addr), l.Text)
	}
	return err
}

func (r *repl) stats() error {
	var s core.Stats
	var clock float64
	r.dbg.Inspect(func(c *core.Core) {
		s = c.Stats()
		clock = c.Timing().ClockGHz
	})
	return report.WriteText(r.out, report.FromStats("so far", s, clock))
}

func (r *repl) save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := r.dbg.Export(f); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(r.out, "saved %d step(s) to %s\n", r.dbg.HistoryLen(), path)
	return nil
}

func (r *repl) load(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	if err := r.dbg.Import(f); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(r.out, "loaded %d step(s); step or continue to replay them\n", r.dbg.Pending())
	return nil
}

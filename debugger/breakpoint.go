package debugger

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/kil0meters/remu/insts"
)

// BreakpointKind selects what a breakpoint matches.
type BreakpointKind int

const (
	// BreakAddress stops when the PC reaches Addr.
	BreakAddress BreakpointKind = iota
	// BreakSyscall stops before an ecall whose a7 equals Syscall.
	BreakSyscall
)

// Breakpoint is a stop condition checked after every step of a run.
type Breakpoint struct {
	ID      int
	Kind    BreakpointKind
	Addr    uint64
	Label   string
	Syscall uint64
}

func (b Breakpoint) String() string {
	switch b.Kind {
	case BreakSyscall:
		return fmt.Sprintf("#%d syscall %d", b.ID, b.Syscall)
	default:
		if b.Label != "" {
			return fmt.Sprintf("#%d %s (0x%x)", b.ID, b.Label, b.Addr)
		}
		return fmt.Sprintf("#%d 0x%x", b.ID, b.Addr)
	}
}

// AddBreakpoint parses and installs a breakpoint. The forms are a label,
// a numeric address, or "syscall <number>".
func (d *Debugger) AddBreakpoint(spec string) (Breakpoint, error) {
	fields := strings.Fields(spec)
	if len(fields) == 0 {
		return Breakpoint{}, fmt.Errorf("%w: empty breakpoint", ErrUnknownLabel)
	}

	var bp Breakpoint
	if fields[0] == "syscall" {
		if len(fields) != 2 {
			return Breakpoint{}, fmt.Errorf("usage: syscall <number>")
		}
		num, err := strconv.ParseUint(fields[1], 0, 64)
		if err != nil {
			return Breakpoint{}, fmt.Errorf("bad syscall number %q: %w", fields[1], err)
		}
		bp = Breakpoint{Kind: BreakSyscall, Syscall: num}
	} else {
		addr, err := d.resolve(spec)
		if err != nil {
			return Breakpoint{}, err
		}
		bp = Breakpoint{Kind: BreakAddress, Addr: addr}
		if _, ok := d.symbols.lookup(strings.TrimSpace(spec)); ok {
			bp.Label = strings.TrimSpace(spec)
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	bp.ID = d.nextID
	d.nextID++
	d.breakpoints = append(d.breakpoints, bp)
	return bp, nil
}

// RemoveBreakpoint deletes the breakpoint with the given ID.
func (d *Debugger) RemoveBreakpoint(id int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, bp := range d.breakpoints {
		if bp.ID == id {
			d.breakpoints = append(d.breakpoints[:i], d.breakpoints[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("no breakpoint #%d", id)
}

// Breakpoints returns the installed breakpoints.
func (d *Debugger) Breakpoints() []Breakpoint {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Breakpoint, len(d.breakpoints))
	copy(out, d.breakpoints)
	return out
}

// matchBreakpoint returns the first breakpoint the current state meets.
func (d *Debugger) matchBreakpoint() *Breakpoint {
	if len(d.breakpoints) == 0 {
		return nil
	}
	pc := d.core.PC()

	var syscall *uint64
	for i := range d.breakpoints {
		bp := &d.breakpoints[i]
		switch bp.Kind {
		case BreakAddress:
			if bp.Addr == pc {
				out := *bp
				return &out
			}
		case BreakSyscall:
			if syscall == nil {
				num, ok := d.pendingSyscall(pc)
				if !ok {
					continue
				}
				syscall = &num
			}
			if *syscall == bp.Syscall {
				out := *bp
				return &out
			}
		}
	}
	return nil
}

// pendingSyscall reports the syscall number about to be made when the
// instruction at pc is an ecall.
func (d *Debugger) pendingSyscall(pc uint64) (uint64, bool) {
	inst, err := d.core.Emulator().Fetch(pc)
	if err != nil || inst.Op != insts.OpECALL {
		return 0, false
	}
	return d.core.RegFile().ReadReg(insts.RegA7), true
}

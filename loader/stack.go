package loader

import (
	"encoding/binary"
	"fmt"

	"github.com/kil0meters/remu/emu"
	"github.com/kil0meters/remu/insts"
)

// Auxiliary vector entry types.
const (
	AtNull   = 0
	AtPhdr   = 3
	AtPhent  = 4
	AtPhnum  = 5
	AtPagesz = 6
	AtEntry  = 9
	AtUID    = 11
	AtEUID   = 12
	AtGID    = 13
	AtEGID   = 14
	AtSecure = 23
	AtRandom = 25
	AtExecfn = 31
)

// randomBytes is the size of the AT_RANDOM block.
const randomBytes = 16

// AuxEntry is one auxiliary vector pair.
type AuxEntry struct {
	Type  uint64
	Value uint64
}

// Install maps the program's segments and stack into mem, places the
// program break after the highest segment, builds the Linux initial stack
// and points the registers at the entry.
func (p *Program) Install(mem *emu.Memory, regs *emu.RegFile, args, env []string) error {
	var highest uint64
	for _, r := range p.pageRanges() {
		if err := mem.Map(r.start, r.end-r.start, r.perm, fmt.Sprintf("[%s]", r.perm)); err != nil {
			return fmt.Errorf("map segment at 0x%x: %w", r.start, err)
		}
		highest = max(highest, r.end)
	}
	for _, seg := range p.Segments {
		if err := mem.Poke(seg.VirtAddr, seg.Data); err != nil {
			return fmt.Errorf("write segment at 0x%x: %w", seg.VirtAddr, err)
		}
	}
	mem.InitBrk(highest)

	if err := mem.Map(p.InitialSP-p.StackSize, p.StackSize, emu.PermRW, "[stack]"); err != nil {
		return fmt.Errorf("map stack: %w", err)
	}

	name := p.Path
	if name == "" {
		name = "a.out"
	}
	if len(args) == 0 {
		args = []string{name}
	}

	sp, err := BuildStack(mem, p.InitialSP, name, args, env, p.auxv())
	if err != nil {
		return err
	}
	regs.WriteReg(insts.RegSP, sp)
	regs.PC = p.EntryPoint
	return nil
}

func (p *Program) auxv() []AuxEntry {
	return []AuxEntry{
		{AtPhdr, p.PhdrAddr},
		{AtPhent, p.PhEnt},
		{AtPhnum, p.PhNum},
		{AtPagesz, emu.PageSize},
		{AtEntry, p.EntryPoint},
		{AtUID, 0},
		{AtEUID, 0},
		{AtGID, 0},
		{AtEGID, 0},
		{AtSecure, 0},
	}
}

// BuildStack writes the initial process stack below top and returns the
// stack pointer. From the stack pointer up the layout is argc, argv,
// NULL, envp, NULL, then the auxiliary vector ending in AT_NULL. The
// strings, the AT_RANDOM bytes and execfn sit above it. AT_RANDOM and
// AT_EXECFN are appended to aux. The returned pointer is 16-byte aligned.
func BuildStack(mem *emu.Memory, top uint64, execfn string, args, env []string, aux []AuxEntry) (uint64, error) {
	sp := top

	push := func(data []byte) (uint64, error) {
		sp -= uint64(len(data))
		if err := mem.Poke(sp, data); err != nil {
			return 0, fmt.Errorf("write initial stack at 0x%x: %w", sp, err)
		}
		return sp, nil
	}
	pushString := func(s string) (uint64, error) {
		return push(append([]byte(s), 0))
	}

	execfnAddr, err := pushString(execfn)
	if err != nil {
		return 0, err
	}
	envAddrs := make([]uint64, len(env))
	for i := len(env) - 1; i >= 0; i-- {
		if envAddrs[i], err = pushString(env[i]); err != nil {
			return 0, err
		}
	}
	argAddrs := make([]uint64, len(args))
	for i := len(args) - 1; i >= 0; i-- {
		if argAddrs[i], err = pushString(args[i]); err != nil {
			return 0, err
		}
	}

	// The random block is fixed so runs are reproducible.
	random := make([]byte, randomBytes)
	for i := range random {
		random[i] = emu.RandomFill
	}
	sp &^= 15
	randomAddr, err := push(random)
	if err != nil {
		return 0, err
	}

	aux = append(append([]AuxEntry(nil), aux...),
		AuxEntry{AtRandom, randomAddr},
		AuxEntry{AtExecfn, execfnAddr},
		AuxEntry{AtNull, 0},
	)

	var words []uint64
	words = append(words, uint64(len(args)))
	words = append(words, argAddrs...)
	words = append(words, 0)
	words = append(words, envAddrs...)
	words = append(words, 0)
	for _, a := range aux {
		words = append(words, a.Type, a.Value)
	}

	sp &^= 15
	if len(words)%2 != 0 {
		sp -= 8
	}

	block := make([]byte, 8*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint64(block[8*i:], w)
	}
	if _, err := push(block); err != nil {
		return 0, err
	}
	return sp, nil
}

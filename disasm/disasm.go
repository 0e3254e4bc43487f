// Package disasm decodes ranges of guest memory into assembler text without
// executing anything.
package disasm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"golang.org/x/arch/riscv64/riscv64asm"

	"github.com/kil0meters/remu/insts"
)

// Syntax selects how instructions are rendered.
type Syntax int

const (
	// SyntaxGNU renders with the GNU assembler conventions, including
	// pseudo-instructions such as li and ret.
	SyntaxGNU Syntax = iota
	// SyntaxNative renders the decoder's own view of each instruction.
	SyntaxNative
)

// Fetcher reads instruction halfwords. emu.Memory implements it.
type Fetcher interface {
	Fetch16(addr uint64) (uint16, error)
}

// Line is one decoded instruction.
type Line struct {
	Addr uint64
	Raw  uint32
	Size int
	// Label is the symbol defined at Addr, if any.
	Label string
	Text  string
	// Err is set when the bytes are not a valid instruction.
	Err error
}

// Disassembler renders instructions with optional symbol annotations.
type Disassembler struct {
	decoder *insts.Decoder
	syntax  Syntax

	labels map[uint64]string
	// sorted holds symbol addresses for label+offset lookups.
	sorted []uint64
}

// Option configures a Disassembler.
type Option func(*Disassembler)

// WithSymbols labels addresses and branch targets.
func WithSymbols(symbols map[string]uint64) Option {
	return func(d *Disassembler) {
		for name, addr := range symbols {
			if prev, ok := d.labels[addr]; ok && prev < name {
				continue
			}
			d.labels[addr] = name
		}
	}
}

// WithSyntax selects the rendering.
func WithSyntax(s Syntax) Option {
	return func(d *Disassembler) {
		d.syntax = s
	}
}

// New creates a Disassembler.
func New(opts ...Option) *Disassembler {
	d := &Disassembler{
		decoder: insts.NewDecoder(),
		labels:  make(map[uint64]string),
	}
	for _, opt := range opts {
		opt(d)
	}
	for addr := range d.labels {
		d.sorted = append(d.sorted, addr)
	}
	sort.Slice(d.sorted, func(i, j int) bool { return d.sorted[i] < d.sorted[j] })
	return d
}

// Range decodes every instruction starting in [start, end). It stops
// early with an error when memory cannot be read.
func (d *Disassembler) Range(mem Fetcher, start, end uint64) ([]Line, error) {
	var lines []Line
	for addr := start; addr < end; {
		lo, err := mem.Fetch16(addr)
		if err != nil {
			return lines, fmt.Errorf("disassemble at 0x%x: %w", addr, err)
		}
		word := uint32(lo)
		if !insts.IsCompressed(lo) {
			hi, err := mem.Fetch16(addr + 2)
			if err != nil {
				return lines, fmt.Errorf("disassemble at 0x%x: %w", addr+2, err)
			}
			word |= uint32(hi) << 16
		}

		line := d.Decode(addr, word)
		lines = append(lines, line)
		addr += uint64(line.Size)
	}
	return lines, nil
}

// Bytes decodes code assembled for base.
func (d *Disassembler) Bytes(base uint64, code []byte) []Line {
	var lines []Line
	for off := 0; off+1 < len(code); {
		lo := binary.LittleEndian.Uint16(code[off:])
		word := uint32(lo)
		if !insts.IsCompressed(lo) {
			if off+3 >= len(code) {
				lines = append(lines, Line{
					Addr: base + uint64(off), Raw: word, Size: 2,
					Text: fmt.Sprintf(".half 0x%04x", lo),
					Err:  errors.New("truncated instruction"),
				})
				break
			}
			word = binary.LittleEndian.Uint32(code[off:])
		}
		line := d.Decode(base+uint64(off), word)
		lines = append(lines, line)
		off += line.Size
	}
	return lines
}

// Decode renders the instruction word at addr. Only the low halfword of a
// compressed instruction is used.
func (d *Disassembler) Decode(addr uint64, word uint32) Line {
	line := Line{Addr: addr, Label: d.labels[addr]}

	compressed := insts.IsCompressed(uint16(word))
	if compressed {
		word &= 0xffff
		line.Size = 2
	} else {
		line.Size = 4
	}
	line.Raw = word

	inst, err := d.decoder.Decode(word)
	if err != nil {
		line.Err = err
		if compressed {
			line.Text = fmt.Sprintf(".half 0x%04x", word)
		} else {
			line.Text = fmt.Sprintf(".word 0x%08x", word)
		}
		return line
	}

	line.Text = d.render(inst, addr, word)
	if target, ok := branchTarget(inst, addr); ok {
		if sym := d.Symbolize(target); sym != "" {
			line.Text += " <" + sym + ">"
		}
	}
	return line
}

func (d *Disassembler) render(inst *insts.Instruction, addr uint64, word uint32) string {
	if d.syntax == SyntaxGNU {
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], word)
		n := 4
		if inst.Compressed {
			n = 2
		}
		if gnu, err := riscv64asm.Decode(buf[:n]); err == nil {
			return riscv64asm.GNUSyntax(gnu)
		}
	}
	return inst.Format(addr)
}

func branchTarget(inst *insts.Instruction, pc uint64) (uint64, bool) {
	if inst.IsConditionalBranch() || inst.Op == insts.OpJAL {
		return pc + uint64(inst.Imm), true
	}
	return 0, false
}

// Symbolize renders addr as label or label+offset, or "" when no symbol
// precedes it.
func (d *Disassembler) Symbolize(addr uint64) string {
	i := sort.Search(len(d.sorted), func(i int) bool { return d.sorted[i] > addr })
	if i == 0 {
		return ""
	}
	base := d.sorted[i-1]
	if base == addr {
		return d.labels[base]
	}
	return fmt.Sprintf("%s+0x%x", d.labels[base], addr-base)
}

// Write prints lines in objdump style, with a header before each label.
func Write(w io.Writer, lines []Line) error {
	var sb strings.Builder
	for _, l := range lines {
		if l.Label != "" {
			fmt.Fprintf(&sb, "\n%016x <%s>:\n", l.Addr, l.Label)
		}
		enc := fmt.Sprintf("%08x", l.Raw)
		if l.Size == 2 {
			enc = fmt.Sprintf("%04x    ", l.Raw)
		}
		fmt.Fprintf(&sb, "%8x:\t%s\t%s\n", l.Addr, enc, l.Text)
	}
	_, err := io.WriteString(w, sb.String())
	return err
}

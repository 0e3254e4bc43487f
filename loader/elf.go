// Package loader provides ELF binary loading for RISC-V 64-bit executables.
package loader

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/kil0meters/remu/emu"
)

// SegmentFlags represents memory protection flags for a segment.
type SegmentFlags uint32

const (
	// SegmentFlagExecute indicates the segment is executable.
	SegmentFlagExecute SegmentFlags = 1 << iota
	// SegmentFlagWrite indicates the segment is writable.
	SegmentFlagWrite
	// SegmentFlagRead indicates the segment is readable.
	SegmentFlagRead
)

// Perm converts the flags to memory permissions.
func (f SegmentFlags) Perm() emu.Perm {
	var p emu.Perm
	if f&SegmentFlagRead != 0 {
		p |= emu.PermRead
	}
	if f&SegmentFlagWrite != 0 {
		p |= emu.PermWrite
	}
	if f&SegmentFlagExecute != 0 {
		p |= emu.PermExec
	}
	return p
}

// DefaultStackTop is the default stack top address for RISC-V Linux user
// space with Sv39 addressing.
const DefaultStackTop = 0x3ffffff000

// DefaultStackSize is the default stack size (8MB).
const DefaultStackSize = 8 * 1024 * 1024

// ErrNotRISCV is returned for ELF files built for another machine.
var ErrNotRISCV = errors.New("not a RISC-V ELF file")

// Segment represents a loadable segment from an ELF binary.
type Segment struct {
	// VirtAddr is the virtual address where this segment should be loaded.
	VirtAddr uint64
	// Data contains the segment contents from the file.
	Data []byte
	// MemSize is the size in memory (may be larger than len(Data) for BSS).
	MemSize uint64
	// Flags contains the segment protection flags.
	Flags SegmentFlags
}

// Program represents a loaded ELF program ready for execution.
type Program struct {
	// Path is the file the program came from, used as argv[0] and AT_EXECFN.
	Path string
	// EntryPoint is the virtual address where execution should begin.
	EntryPoint uint64
	// Segments contains all loadable segments from the ELF file.
	Segments []Segment
	// InitialSP is the top of the stack region.
	InitialSP uint64
	// StackSize is the size of the stack region.
	StackSize uint64
	// Symbols maps symbol names to addresses.
	Symbols map[string]uint64

	// PhdrAddr, PhEnt and PhNum describe the program headers in memory
	// for the auxiliary vector.
	PhdrAddr uint64
	PhEnt    uint64
	PhNum    uint64
}

// Load parses a RISC-V ELF binary and returns a Program struct ready for
// loading into the emulator's memory.
func Load(path string) (*Program, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ELF file: %w", err)
	}
	defer func() { _ = file.Close() }()

	prog, err := Parse(file)
	if err != nil {
		return nil, err
	}
	prog.Path = path
	return prog, nil
}

// Parse reads a RISC-V ELF binary from r.
func Parse(r io.ReaderAt) (*Program, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ELF file: %w", err)
	}
	defer func() { _ = f.Close() }()

	prog, err := parse(f)
	if err != nil {
		return nil, err
	}
	if phoff, err := programHeaderOffset(r); err == nil {
		prog.PhdrAddr = phdrAddr(f, phoff)
	}
	return prog, nil
}

func parse(f *elf.File) (*Program, error) {
	if f.Class != elf.ELFCLASS64 {
		return nil, fmt.Errorf("not a 64-bit ELF file")
	}
	if f.Machine != elf.EM_RISCV {
		return nil, fmt.Errorf("%w (machine type: %v)", ErrNotRISCV, f.Machine)
	}

	prog := &Program{
		EntryPoint: f.Entry,
		InitialSP:  DefaultStackTop,
		StackSize:  DefaultStackSize,
		Symbols:    make(map[string]uint64),
		PhEnt:      56,
		PhNum:      uint64(len(f.Progs)),
	}

	for _, phdr := range f.Progs {
		if phdr.Type == elf.PT_PHDR {
			prog.PhdrAddr = phdr.Vaddr
		}
		if phdr.Type != elf.PT_LOAD {
			continue
		}

		data := make([]byte, phdr.Filesz)
		if phdr.Filesz > 0 {
			n, err := phdr.ReadAt(data, 0)
			if err != nil && err != io.EOF {
				return nil, fmt.Errorf("failed to read segment at 0x%x: %w", phdr.Vaddr, err)
			}
			if uint64(n) != phdr.Filesz {
				return nil, fmt.Errorf("short read for segment at 0x%x: got %d bytes, expected %d",
					phdr.Vaddr, n, phdr.Filesz)
			}
		}

		var flags SegmentFlags
		if phdr.Flags&elf.PF_X != 0 {
			flags |= SegmentFlagExecute
		}
		if phdr.Flags&elf.PF_W != 0 {
			flags |= SegmentFlagWrite
		}
		if phdr.Flags&elf.PF_R != 0 {
			flags |= SegmentFlagRead
		}

		prog.Segments = append(prog.Segments, Segment{
			VirtAddr: phdr.Vaddr,
			Data:     data,
			MemSize:  phdr.Memsz,
			Flags:    flags,
		})
	}

	if err := readSymbols(f, prog.Symbols); err != nil {
		return nil, err
	}
	return prog, nil
}

// readSymbols collects named function, object and untyped symbols. Global
// symbols win over local ones with the same name.
func readSymbols(f *elf.File, out map[string]uint64) error {
	syms, err := f.Symbols()
	if errors.Is(err, elf.ErrNoSymbols) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read symbols: %w", err)
	}

	global := make(map[string]bool)
	for _, s := range syms {
		if s.Name == "" || s.Value == 0 {
			continue
		}
		switch elf.ST_TYPE(s.Info) {
		case elf.STT_FUNC, elf.STT_OBJECT, elf.STT_NOTYPE:
		default:
			continue
		}
		isGlobal := elf.ST_BIND(s.Info) != elf.STB_LOCAL
		if _, seen := out[s.Name]; seen && (global[s.Name] || !isGlobal) {
			continue
		}
		out[s.Name] = s.Value
		global[s.Name] = isGlobal
	}
	return nil
}

func programHeaderOffset(r io.ReaderAt) (uint64, error) {
	var buf [8]byte
	if _, err := r.ReadAt(buf[:], 32); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// phdrAddr finds where the program headers land in memory when there is
// no PT_PHDR entry.
func phdrAddr(f *elf.File, phoff uint64) uint64 {
	for _, phdr := range f.Progs {
		if phdr.Type == elf.PT_PHDR {
			return phdr.Vaddr
		}
	}
	for _, phdr := range f.Progs {
		if phdr.Type == elf.PT_LOAD && phoff >= phdr.Off && phoff < phdr.Off+phdr.Filesz {
			return phdr.Vaddr + phoff - phdr.Off
		}
	}
	return 0
}

// FromImage wraps raw code assembled for base in a Program with a single
// executable segment.
func FromImage(base uint64, code []byte, symbols map[string]uint64) *Program {
	syms := make(map[string]uint64, len(symbols))
	for k, v := range symbols {
		syms[k] = v
	}
	return &Program{
		Path:       "image",
		EntryPoint: base,
		Segments: []Segment{{
			VirtAddr: base,
			Data:     code,
			MemSize:  uint64(len(code)),
			Flags:    SegmentFlagRead | SegmentFlagExecute,
		}},
		InitialSP: DefaultStackTop,
		StackSize: DefaultStackSize,
		Symbols:   syms,
	}
}

// pageRange is a page-aligned span of mapped memory.
type pageRange struct {
	start, end uint64
	perm       emu.Perm
}

// pageRanges rounds segments out to pages and merges the ones that share
// a page, since the address space cannot hold overlapping regions.
func (p *Program) pageRanges() []pageRange {
	var ranges []pageRange
	for _, seg := range p.Segments {
		size := max(seg.MemSize, uint64(len(seg.Data)))
		if size == 0 {
			continue
		}
		ranges = append(ranges, pageRange{
			start: seg.VirtAddr &^ (emu.PageSize - 1),
			end:   (seg.VirtAddr + size + emu.PageSize - 1) &^ (emu.PageSize - 1),
			perm:  seg.Flags.Perm(),
		})
	}
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].start < ranges[j].start })

	var merged []pageRange
	for _, r := range ranges {
		if n := len(merged); n > 0 && r.start < merged[n-1].end {
			merged[n-1].end = max(merged[n-1].end, r.end)
			merged[n-1].perm |= r.perm
			continue
		}
		merged = append(merged, r)
	}
	return merged
}

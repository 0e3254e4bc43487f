// Package emu provides functional RV64 emulation.
package emu

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Memory access errors. Both are fatal for the instruction that raises them.
var (
	ErrSegmentationFault = errors.New("segmentation fault")
	ErrMisalignedAccess  = errors.New("misaligned access")
)

// PageSize is the granularity of brk and mmap.
const PageSize = 4096

// DefaultMmapBase is where anonymous mappings are placed first.
const DefaultMmapBase uint64 = 0x20_0000_0000

// MaxHeapSize bounds how far brk may move past its base.
const MaxHeapSize uint64 = 1 << 30

// MaxMappedSize bounds the total bytes mapped into the address space.
const MaxMappedSize uint64 = 1 << 31

// ErrOutOfMemory is returned when a mapping would exceed MaxMappedSize or
// the address space.
var ErrOutOfMemory = errors.New("out of memory")

const heapName = "[heap]"

// Perm is a set of access permissions on a mapped region.
type Perm uint8

// Permissions.
const (
	PermRead Perm = 1 << iota
	PermWrite
	PermExec

	PermRW  = PermRead | PermWrite
	PermRX  = PermRead | PermExec
	PermRWX = PermRead | PermWrite | PermExec
)

func (p Perm) String() string {
	b := []byte("---")
	if p&PermRead != 0 {
		b[0] = 'r'
	}
	if p&PermWrite != 0 {
		b[1] = 'w'
	}
	if p&PermExec != 0 {
		b[2] = 'x'
	}
	return string(b)
}

// Region is one contiguous mapped range.
type Region struct {
	Start uint64
	Data  []byte
	Perm  Perm
	Name  string
}

// End returns the first address past the region.
func (r *Region) End() uint64 {
	return r.Start + uint64(len(r.Data))
}

func (r *Region) contains(addr, n uint64) bool {
	size := uint64(len(r.Data))
	return addr >= r.Start && n <= size && addr-r.Start <= size-n
}

// RegionInfo describes a region without its contents.
type RegionInfo struct {
	Start uint64
	Size  uint64
	Perm  Perm
	Name  string
}

// Layout is the shape of the address space: which ranges are mapped plus
// the heap and mmap cursors.
type Layout struct {
	Regions  []RegionInfo
	BrkBase  uint64
	Brk      uint64
	MmapNext uint64
}

// Memory is a sparse, byte-addressable little-endian address space made of
// non-overlapping regions.
type Memory struct {
	regions  []*Region
	last     *Region
	brkBase  uint64
	brk      uint64
	mmapNext uint64
	journal  Journal
}

// NewMemory creates an empty address space.
func NewMemory() *Memory {
	return &Memory{mmapNext: DefaultMmapBase}
}

// SetJournal routes the old contents of every subsequent write to j.
func (m *Memory) SetJournal(j Journal) {
	m.journal = j
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

func (m *Memory) overlaps(start, size uint64) *Region {
	for _, r := range m.regions {
		if start < r.End() && r.Start < start+size {
			return r
		}
	}
	return nil
}

func (m *Memory) insert(r *Region) {
	m.regions = append(m.regions, r)
	sort.Slice(m.regions, func(i, j int) bool {
		return m.regions[i].Start < m.regions[j].Start
	})
}

func (m *Memory) recordLayout() {
	if m.journal != nil {
		m.journal.RecordLayout(m.Layout())
	}
}

// Map adds a zero-filled region.
func (m *Memory) Map(start, size uint64, perm Perm, name string) error {
	if size == 0 || start+size < start {
		return fmt.Errorf("map %s at 0x%x: invalid size 0x%x", name, start, size)
	}
	if mapped := m.mappedSize(); mapped > MaxMappedSize || size > MaxMappedSize-mapped {
		return fmt.Errorf("map %s of 0x%x bytes: %w", name, size, ErrOutOfMemory)
	}
	if r := m.overlaps(start, size); r != nil {
		return fmt.Errorf("map %s [0x%x, 0x%x): overlaps %s [0x%x, 0x%x)",
			name, start, start+size, r.Name, r.Start, r.End())
	}
	m.recordLayout()
	m.insert(&Region{Start: start, Data: make([]byte, size), Perm: perm, Name: name})
	return nil
}

// find returns the region holding all n bytes at addr.
func (m *Memory) find(addr, n uint64) *Region {
	if m.last != nil && m.last.contains(addr, n) {
		return m.last
	}
	i := sort.Search(len(m.regions), func(i int) bool {
		return m.regions[i].End() > addr
	})
	if i < len(m.regions) && m.regions[i].contains(addr, n) {
		m.last = m.regions[i]
		return m.last
	}
	return nil
}

func (m *Memory) access(addr, n uint64, need Perm) ([]byte, error) {
	r := m.find(addr, n)
	if r == nil {
		return nil, fmt.Errorf("0x%x: %w", addr, ErrSegmentationFault)
	}
	if r.Perm&need != need {
		return nil, fmt.Errorf("0x%x in %s (%s): %w", addr, r.Name, r.Perm, ErrSegmentationFault)
	}
	off := addr - r.Start
	return r.Data[off : off+n], nil
}

func (m *Memory) store(addr uint64, n uint64) ([]byte, error) {
	b, err := m.access(addr, n, PermWrite)
	if err != nil {
		return nil, err
	}
	if m.journal != nil {
		m.journal.RecordMemory(addr, append([]byte(nil), b...))
	}
	return b, nil
}

// Read8 reads one byte.
func (m *Memory) Read8(addr uint64) (uint8, error) {
	b, err := m.access(addr, 1, PermRead)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// Read16 reads a little-endian halfword.
func (m *Memory) Read16(addr uint64) (uint16, error) {
	b, err := m.access(addr, 2, PermRead)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

// Read32 reads a little-endian word.
func (m *Memory) Read32(addr uint64) (uint32, error) {
	b, err := m.access(addr, 4, PermRead)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// Read64 reads a little-endian doubleword.
func (m *Memory) Read64(addr uint64) (uint64, error) {
	b, err := m.access(addr, 8, PermRead)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// Read reads size (1, 2, 4 or 8) bytes zero-extended to 64 bits.
func (m *Memory) Read(addr uint64, size uint8) (uint64, error) {
	switch size {
	case 1:
		v, err := m.Read8(addr)
		return uint64(v), err
	case 2:
		v, err := m.Read16(addr)
		return uint64(v), err
	case 4:
		v, err := m.Read32(addr)
		return uint64(v), err
	default:
		return m.Read64(addr)
	}
}

// Write8 writes one byte.
func (m *Memory) Write8(addr uint64, value uint8) error {
	b, err := m.store(addr, 1)
	if err != nil {
		return err
	}
	b[0] = value
	return nil
}

// Write16 writes a little-endian halfword.
func (m *Memory) Write16(addr uint64, value uint16) error {
	b, err := m.store(addr, 2)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(b, value)
	return nil
}

// Write32 writes a little-endian word.
func (m *Memory) Write32(addr uint64, value uint32) error {
	b, err := m.store(addr, 4)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(b, value)
	return nil
}

// Write64 writes a little-endian doubleword.
func (m *Memory) Write64(addr uint64, value uint64) error {
	b, err := m.store(addr, 8)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(b, value)
	return nil
}

// Write writes the low size (1, 2, 4 or 8) bytes of value.
func (m *Memory) Write(addr uint64, size uint8, value uint64) error {
	switch size {
	case 1:
		return m.Write8(addr, uint8(value))
	case 2:
		return m.Write16(addr, uint16(value))
	case 4:
		return m.Write32(addr, uint32(value))
	default:
		return m.Write64(addr, value)
	}
}

// ReadBytes copies n bytes out of memory.
func (m *Memory) ReadBytes(addr, n uint64) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	b, err := m.access(addr, n, PermRead)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), b...), nil
}

// WriteBytes copies data into memory.
func (m *Memory) WriteBytes(addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	b, err := m.store(addr, uint64(len(data)))
	if err != nil {
		return err
	}
	copy(b, data)
	return nil
}

// ReadCString reads a NUL-terminated string of at most max bytes.
func (m *Memory) ReadCString(addr uint64, max int) (string, error) {
	var sb strings.Builder
	for i := 0; i < max; i++ {
		c, err := m.Read8(addr + uint64(i))
		if err != nil {
			return "", err
		}
		if c == 0 {
			return sb.String(), nil
		}
		sb.WriteByte(c)
	}
	return "", fmt.Errorf("string at 0x%x longer than %d bytes", addr, max)
}

// Fetch16 reads an instruction halfword from an executable region.
func (m *Memory) Fetch16(addr uint64) (uint16, error) {
	b, err := m.access(addr, 2, PermExec)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

// Poke writes data without permission checks or journaling. It is meant
// for program loading and for undoing recorded writes.
func (m *Memory) Poke(addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	b, err := m.access(addr, uint64(len(data)), 0)
	if err != nil {
		return err
	}
	copy(b, data)
	return nil
}

// Regions lists the mapped regions in address order.
func (m *Memory) Regions() []RegionInfo {
	infos := make([]RegionInfo, 0, len(m.regions))
	for _, r := range m.regions {
		infos = append(infos, RegionInfo{
			Start: r.Start, Size: uint64(len(r.Data)), Perm: r.Perm, Name: r.Name,
		})
	}
	return infos
}

// Layout snapshots the shape of the address space.
func (m *Memory) Layout() Layout {
	return Layout{
		Regions:  m.Regions(),
		BrkBase:  m.brkBase,
		Brk:      m.brk,
		MmapNext: m.mmapNext,
	}
}

// RestoreLayout reshapes the address space to l. Regions that survive keep
// their contents, truncated or zero-extended to the recorded size; regions
// that reappear come back zero-filled.
func (m *Memory) RestoreLayout(l Layout) {
	existing := make(map[uint64]*Region, len(m.regions))
	for _, r := range m.regions {
		existing[r.Start] = r
	}

	regions := make([]*Region, 0, len(l.Regions))
	for _, info := range l.Regions {
		r, ok := existing[info.Start]
		if !ok {
			r = &Region{Start: info.Start}
		}
		switch size := uint64(len(r.Data)); {
		case size > info.Size:
			r.Data = r.Data[:info.Size:info.Size]
		case size < info.Size:
			r.Data = append(r.Data, make([]byte, info.Size-size)...)
		}
		r.Perm = info.Perm
		r.Name = info.Name
		regions = append(regions, r)
	}

	m.regions = regions
	m.last = nil
	m.brkBase = l.BrkBase
	m.brk = l.Brk
	m.mmapNext = l.MmapNext
}

// InitBrk places the program break at base, usually the end of the highest
// loaded segment.
func (m *Memory) InitBrk(base uint64) {
	m.brkBase = alignUp(base, PageSize)
	m.brk = m.brkBase
}

// Brk moves the program break to end and returns the resulting break.
// Requests outside [base, base+MaxHeapSize] or that would collide with
// another mapping leave the break unchanged.
func (m *Memory) Brk(end uint64) uint64 {
	if m.brkBase == 0 || end < m.brkBase || end > m.brkBase+MaxHeapSize {
		return m.brk
	}

	oldSize := alignUp(m.brk, PageSize) - m.brkBase
	newSize := alignUp(end, PageSize) - m.brkBase
	heap := m.find(m.brkBase, 1)
	if heap != nil && heap.Name != heapName {
		return m.brk
	}

	switch {
	case newSize > oldSize:
		if heap == nil {
			if m.overlaps(m.brkBase, newSize) != nil {
				return m.brk
			}
		} else if r := m.overlaps(heap.End(), newSize-oldSize); r != nil {
			return m.brk
		}
		m.recordLayout()
		if heap == nil {
			m.insert(&Region{Start: m.brkBase, Data: make([]byte, newSize), Perm: PermRW, Name: heapName})
		} else {
			heap.Data = append(heap.Data, make([]byte, newSize-oldSize)...)
		}
	case newSize < oldSize && heap != nil:
		if m.journal != nil {
			m.journal.RecordMemory(m.brkBase+newSize, append([]byte(nil), heap.Data[newSize:]...))
		}
		m.recordLayout()
		if newSize == 0 {
			m.remove(heap)
		} else {
			heap.Data = heap.Data[:newSize:newSize]
		}
	default:
		m.recordLayout()
	}

	m.brk = end
	return m.brk
}

func (m *Memory) remove(r *Region) {
	for i, x := range m.regions {
		if x == r {
			m.regions = append(m.regions[:i], m.regions[i+1:]...)
			break
		}
	}
	m.last = nil
}

// Mmap maps length bytes of zeroed memory. A non-zero addr is honoured when
// the range is free; otherwise the mapping goes at the mmap cursor.
func (m *Memory) Mmap(addr, length uint64, perm Perm, name string) (uint64, error) {
	if length == 0 {
		return 0, fmt.Errorf("mmap: zero length")
	}
	if mapped := m.mappedSize(); mapped > MaxMappedSize || length > MaxMappedSize-mapped {
		return 0, fmt.Errorf("mmap of %d bytes: %w", length, ErrOutOfMemory)
	}
	size := alignUp(length, PageSize)

	start := addr &^ (PageSize - 1)
	if addr == 0 || start+size < start || m.overlaps(start, size) != nil {
		start = m.mmapNext
		for {
			if start+size < start {
				return 0, fmt.Errorf("mmap of %d bytes: %w", length, ErrOutOfMemory)
			}
			r := m.overlaps(start, size)
			if r == nil {
				break
			}
			start = alignUp(r.End(), PageSize)
		}
	}

	m.recordLayout()
	m.insert(&Region{Start: start, Data: make([]byte, size), Perm: perm, Name: name})
	if end := start + size; end > m.mmapNext && start >= m.mmapNext {
		m.mmapNext = end
	}
	return start, nil
}

func (m *Memory) mappedSize() uint64 {
	var n uint64
	for _, r := range m.regions {
		n += uint64(len(r.Data))
	}
	return n
}

// Munmap removes every region lying entirely inside [addr, addr+length).
// Partially covered regions are left mapped.
func (m *Memory) Munmap(addr, length uint64) error {
	end := addr + alignUp(length, PageSize)
	var victims []*Region
	for _, r := range m.regions {
		if r.Start >= addr && r.End() <= end {
			victims = append(victims, r)
		}
	}
	if len(victims) == 0 {
		return nil
	}

	if m.journal != nil {
		for _, r := range victims {
			m.journal.RecordMemory(r.Start, append([]byte(nil), r.Data...))
		}
	}
	m.recordLayout()
	for _, r := range victims {
		m.remove(r)
	}
	return nil
}

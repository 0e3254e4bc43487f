// Package emu provides functional RV64 emulation.
package emu

// Canonical quiet NaNs produced by floating point operations.
const (
	CanonicalNaN32 uint32 = 0x7fc00000
	CanonicalNaN64 uint64 = 0x7ff8000000000000
)

const nanBox uint64 = 0xffffffff00000000

// FCSR field layout.
const (
	FlagNX uint32 = 1 << 0 // inexact
	FlagUF uint32 = 1 << 1 // underflow
	FlagOF uint32 = 1 << 2 // overflow
	FlagDZ uint32 = 1 << 3 // divide by zero
	FlagNV uint32 = 1 << 4 // invalid operation

	fflagsMask uint32 = 0x1f
	frmShift          = 5
	frmMask    uint32 = 0x7
)

// RegFile represents the RV64 architectural register file.
// It contains 32 integer registers (x0 hard-wired to zero), 32 floating
// point registers holding NaN-boxed values, the program counter, and the
// floating point control and status register.
type RegFile struct {
	// X holds integer registers x0-x31. X[0] is never written.
	X [32]uint64

	// F holds floating point registers f0-f31 as raw bits. Single
	// precision values are NaN-boxed into the upper 32 bits.
	F [32]uint64

	// PC is the program counter.
	PC uint64

	// FCSR holds fflags in bits 4:0 and frm in bits 7:5.
	FCSR uint32

	journal Journal
}

// SetJournal routes the old value of every subsequent write to j. A nil
// journal disables recording.
func (r *RegFile) SetJournal(j Journal) {
	r.journal = j
}

// ReadReg reads an integer register. Register 0 returns 0.
func (r *RegFile) ReadReg(reg uint8) uint64 {
	reg &= 0x1f
	if reg == 0 {
		return 0
	}
	return r.X[reg]
}

// WriteReg writes an integer register. Writes to register 0 are discarded.
func (r *RegFile) WriteReg(reg uint8, value uint64) {
	reg &= 0x1f
	if reg == 0 {
		return
	}
	if r.journal != nil {
		r.journal.RecordReg(reg, r.X[reg])
	}
	r.X[reg] = value
}

// ReadFReg returns the raw bits of a floating point register.
func (r *RegFile) ReadFReg(reg uint8) uint64 {
	return r.F[reg&0x1f]
}

// WriteFReg writes the raw bits of a floating point register.
func (r *RegFile) WriteFReg(reg uint8, bits uint64) {
	reg &= 0x1f
	if r.journal != nil {
		r.journal.RecordFReg(reg, r.F[reg])
	}
	r.F[reg] = bits
}

// ReadF32 returns the single precision bits held in a register. A value that
// is not properly NaN-boxed reads as the canonical NaN.
func (r *RegFile) ReadF32(reg uint8) uint32 {
	bits := r.F[reg&0x1f]
	if bits&nanBox != nanBox {
		return CanonicalNaN32
	}
	return uint32(bits)
}

// WriteF32 NaN-boxes a single precision value into a register.
func (r *RegFile) WriteF32(reg uint8, bits uint32) {
	r.WriteFReg(reg, nanBox|uint64(bits))
}

// SetFCSR replaces the whole control and status register.
func (r *RegFile) SetFCSR(value uint32) {
	value &= fflagsMask | frmMask<<frmShift
	if value == r.FCSR {
		return
	}
	if r.journal != nil {
		r.journal.RecordFCSR(r.FCSR)
	}
	r.FCSR = value
}

// AccrueFlags ORs exception flags into fflags.
func (r *RegFile) AccrueFlags(flags uint32) {
	if flags == 0 {
		return
	}
	r.SetFCSR(r.FCSR | flags&fflagsMask)
}

// RoundingMode returns the dynamic rounding mode held in frm.
func (r *RegFile) RoundingMode() uint8 {
	return uint8(r.FCSR >> frmShift & frmMask)
}

package insts

import (
	"encoding/binary"
	"fmt"
)

// Encoders for the base 32-bit formats. Immediates are truncated to their
// field widths.

// EncodeR encodes an R-type instruction.
func EncodeR(opcode, f3, f7 uint32, rd, rs1, rs2 uint8) uint32 {
	return f7<<25 | uint32(rs2&0x1f)<<20 | uint32(rs1&0x1f)<<15 | f3<<12 | uint32(rd&0x1f)<<7 | opcode
}

// EncodeI encodes an I-type instruction.
func EncodeI(opcode, f3 uint32, rd, rs1 uint8, imm int64) uint32 {
	return uint32(imm&0xfff)<<20 | uint32(rs1&0x1f)<<15 | f3<<12 | uint32(rd&0x1f)<<7 | opcode
}

// EncodeS encodes an S-type instruction.
func EncodeS(opcode, f3 uint32, rs1, rs2 uint8, imm int64) uint32 {
	u := uint32(imm)
	return (u>>5&0x7f)<<25 | uint32(rs2&0x1f)<<20 | uint32(rs1&0x1f)<<15 | f3<<12 | (u&0x1f)<<7 | opcode
}

// EncodeB encodes a conditional branch with a byte offset.
func EncodeB(f3 uint32, rs1, rs2 uint8, offset int64) uint32 {
	u := uint32(offset)
	return (u>>12&0x1)<<31 | (u>>5&0x3f)<<25 | uint32(rs2&0x1f)<<20 | uint32(rs1&0x1f)<<15 |
		f3<<12 | (u>>1&0xf)<<8 | (u>>11&0x1)<<7 | 0x63
}

// EncodeU encodes LUI or AUIPC; imm is the full value whose upper 20 bits
// are kept.
func EncodeU(opcode uint32, rd uint8, imm int64) uint32 {
	return uint32(imm)&0xfffff000 | uint32(rd&0x1f)<<7 | opcode
}

// EncodeJ encodes JAL with a byte offset.
func EncodeJ(rd uint8, offset int64) uint32 {
	u := uint32(offset)
	return (u>>20&0x1)<<31 | (u>>1&0x3ff)<<21 | (u>>11&0x1)<<20 | (u>>12&0xff)<<12 |
		uint32(rd&0x1f)<<7 | 0x6f
}

type fixupKind int

const (
	fixupBranch fixupKind = iota
	fixupJump
	fixupPCRel
)

type fixup struct {
	at    int
	kind  fixupKind
	label string
}

// Asm assembles small RV64 programs in memory. It is used to build test and
// benchmark programs without an external toolchain. Branch and jump targets
// are labels resolved by Assemble.
type Asm struct {
	base   uint64
	buf    []byte
	labels map[string]uint64
	fixups []fixup
	err    error
}

// NewAsm creates an assembler whose first instruction is at base.
func NewAsm(base uint64) *Asm {
	return &Asm{base: base, labels: make(map[string]uint64)}
}

// Base returns the load address of the first instruction.
func (a *Asm) Base() uint64 {
	return a.base
}

// PC returns the address of the next emitted instruction.
func (a *Asm) PC() uint64 {
	return a.base + uint64(len(a.buf))
}

// Label binds name to the current PC.
func (a *Asm) Label(name string) {
	if _, dup := a.labels[name]; dup && a.err == nil {
		a.err = fmt.Errorf("duplicate label %q", name)
	}
	a.labels[name] = a.PC()
}

// Word emits a raw 32-bit instruction.
func (a *Asm) Word(w uint32) {
	a.buf = binary.LittleEndian.AppendUint32(a.buf, w)
}

// Half emits a raw 16-bit instruction.
func (a *Asm) Half(h uint16) {
	a.buf = binary.LittleEndian.AppendUint16(a.buf, h)
}

func (a *Asm) refer(kind fixupKind, label string) {
	a.fixups = append(a.fixups, fixup{at: len(a.buf), kind: kind, label: label})
}

// Integer register-immediate.

func (a *Asm) ADDI(rd, rs1 uint8, imm int64) { a.Word(EncodeI(0x13, 0, rd, rs1, imm)) }
func (a *Asm) SLTI(rd, rs1 uint8, imm int64) { a.Word(EncodeI(0x13, 2, rd, rs1, imm)) }
func (a *Asm) XORI(rd, rs1 uint8, imm int64) { a.Word(EncodeI(0x13, 4, rd, rs1, imm)) }
func (a *Asm) ORI(rd, rs1 uint8, imm int64) { a.Word(EncodeI(0x13, 6, rd, rs1, imm)) }
func (a *Asm) ANDI(rd, rs1 uint8, imm int64) { a.Word(EncodeI(0x13, 7, rd, rs1, imm)) }
func (a *Asm) SLLI(rd, rs1 uint8, sh int64) { a.Word(EncodeI(0x13, 1, rd, rs1, sh&0x3f)) }
func (a *Asm) SRLI(rd, rs1 uint8, sh int64) { a.Word(EncodeI(0x13, 5, rd, rs1, sh&0x3f)) }
func (a *Asm) SRAI(rd, rs1 uint8, sh int64) { a.Word(EncodeI(0x13, 5, rd, rs1, 0x400|sh&0x3f)) }
func (a *Asm) ADDIW(rd, rs1 uint8, imm int64) { a.Word(EncodeI(0x1b, 0, rd, rs1, imm)) }

// Integer register-register.

func (a *Asm) ADD(rd, rs1, rs2 uint8) { a.Word(EncodeR(0x33, 0, 0x00, rd, rs1, rs2)) }
func (a *Asm) SUB(rd, rs1, rs2 uint8) { a.Word(EncodeR(0x33, 0, 0x20, rd, rs1, rs2)) }
func (a *Asm) SLT(rd, rs1, rs2 uint8) { a.Word(EncodeR(0x33, 2, 0x00, rd, rs1, rs2)) }
func (a *Asm) SLTU(rd, rs1, rs2 uint8) { a.Word(EncodeR(0x33, 3, 0x00, rd, rs1, rs2)) }
func (a *Asm) XOR(rd, rs1, rs2 uint8) { a.Word(EncodeR(0x33, 4, 0x00, rd, rs1, rs2)) }
func (a *Asm) OR(rd, rs1, rs2 uint8) { a.Word(EncodeR(0x33, 6, 0x00, rd, rs1, rs2)) }
func (a *Asm) AND(rd, rs1, rs2 uint8) { a.Word(EncodeR(0x33, 7, 0x00, rd, rs1, rs2)) }
func (a *Asm) ADDW(rd, rs1, rs2 uint8) { a.Word(EncodeR(0x3b, 0, 0x00, rd, rs1, rs2)) }
func (a *Asm) MUL(rd, rs1, rs2 uint8) { a.Word(EncodeR(0x33, 0, 0x01, rd, rs1, rs2)) }
func (a *Asm) MULH(rd, rs1, rs2 uint8) { a.Word(EncodeR(0x33, 1, 0x01, rd, rs1, rs2)) }
func (a *Asm) DIV(rd, rs1, rs2 uint8) { a.Word(EncodeR(0x33, 4, 0x01, rd, rs1, rs2)) }
func (a *Asm) DIVU(rd, rs1, rs2 uint8) { a.Word(EncodeR(0x33, 5, 0x01, rd, rs1, rs2)) }
func (a *Asm) REM(rd, rs1, rs2 uint8) { a.Word(EncodeR(0x33, 6, 0x01, rd, rs1, rs2)) }
func (a *Asm) REMU(rd, rs1, rs2 uint8) { a.Word(EncodeR(0x33, 7, 0x01, rd, rs1, rs2)) }
func (a *Asm) MULW(rd, rs1, rs2 uint8) { a.Word(EncodeR(0x3b, 0, 0x01, rd, rs1, rs2)) }
func (a *Asm) DIVW(rd, rs1, rs2 uint8) { a.Word(EncodeR(0x3b, 4, 0x01, rd, rs1, rs2)) }

// Loads and stores.

func (a *Asm) LB(rd, rs1 uint8, off int64) { a.Word(EncodeI(0x03, 0, rd, rs1, off)) }
func (a *Asm) LH(rd, rs1 uint8, off int64) { a.Word(EncodeI(0x03, 1, rd, rs1, off)) }
func (a *Asm) LW(rd, rs1 uint8, off int64) { a.Word(EncodeI(0x03, 2, rd, rs1, off)) }
func (a *Asm) LD(rd, rs1 uint8, off int64) { a.Word(EncodeI(0x03, 3, rd, rs1, off)) }
func (a *Asm) LBU(rd, rs1 uint8, off int64) { a.Word(EncodeI(0x03, 4, rd, rs1, off)) }
func (a *Asm) SB(rs2, rs1 uint8, off int64) { a.Word(EncodeS(0x23, 0, rs1, rs2, off)) }
func (a *Asm) SH(rs2, rs1 uint8, off int64) { a.Word(EncodeS(0x23, 1, rs1, rs2, off)) }
func (a *Asm) SW(rs2, rs1 uint8, off int64) { a.Word(EncodeS(0x23, 2, rs1, rs2, off)) }
func (a *Asm) SD(rs2, rs1 uint8, off int64) { a.Word(EncodeS(0x23, 3, rs1, rs2, off)) }

// Upper immediates.

func (a *Asm) LUI(rd uint8, imm int64) { a.Word(EncodeU(0x37, rd, imm)) }
func (a *Asm) AUIPC(rd uint8, imm int64) { a.Word(EncodeU(0x17, rd, imm)) }

// Control flow.

func (a *Asm) branch(f3 uint32, rs1, rs2 uint8, label string) {
	a.refer(fixupBranch, label)
	a.Word(EncodeB(f3, rs1, rs2, 0))
}

func (a *Asm) BEQ(rs1, rs2 uint8, label string) { a.branch(0, rs1, rs2, label) }
func (a *Asm) BNE(rs1, rs2 uint8, label string) { a.branch(1, rs1, rs2, label) }
func (a *Asm) BLT(rs1, rs2 uint8, label string) { a.branch(4, rs1, rs2, label) }
func (a *Asm) BGE(rs1, rs2 uint8, label string) { a.branch(5, rs1, rs2, label) }
func (a *Asm) BLTU(rs1, rs2 uint8, label string) { a.branch(6, rs1, rs2, label) }
func (a *Asm) BGEU(rs1, rs2 uint8, label string) { a.branch(7, rs1, rs2, label) }

// JAL jumps to label and links into rd.
func (a *Asm) JAL(rd uint8, label string) {
	a.refer(fixupJump, label)
	a.Word(EncodeJ(rd, 0))
}

func (a *Asm) JALR(rd, rs1 uint8, off int64) { a.Word(EncodeI(0x67, 0, rd, rs1, off)) }

func (a *Asm) ECALL() { a.Word(0x00000073) }
func (a *Asm) EBREAK() { a.Word(0x00100073) }
func (a *Asm) FENCE() { a.Word(0x0ff0000f) }

// Pseudo-instructions.

func (a *Asm) NOP() { a.ADDI(0, 0, 0) }
func (a *Asm) MV(rd, rs uint8) { a.ADDI(rd, rs, 0) }
func (a *Asm) J(label string) { a.JAL(0, label) }
func (a *Asm) CALL(label string) { a.JAL(RegRA, label) }
func (a *Asm) RET() { a.JALR(0, RegRA, 0) }
func (a *Asm) BEQZ(rs uint8, l string) { a.BEQ(rs, 0, l) }
func (a *Asm) BNEZ(rs uint8, l string) { a.BNE(rs, 0, l) }

// LI loads a constant that fits in 32 signed bits.
func (a *Asm) LI(rd uint8, imm int64) {
	if imm >= -2048 && imm < 2048 {
		a.ADDI(rd, 0, imm)
		return
	}
	if imm < -(1<<31) || imm >= 1<<31 {
		if a.err == nil {
			a.err = fmt.Errorf("li: constant %d does not fit in 32 bits", imm)
		}
		return
	}
	hi := (imm + 0x800) >> 12
	lo := imm - hi<<12
	a.LUI(rd, hi<<12)
	a.ADDIW(rd, rd, lo)
}

// LA loads the address of label using an AUIPC/ADDI pair.
func (a *Asm) LA(rd uint8, label string) {
	a.refer(fixupPCRel, label)
	a.AUIPC(rd, 0)
	a.ADDI(rd, rd, 0)
}

// Atomics. aq and rl are left clear.

func (a *Asm) amo(funct5 uint32, width uint8, rd, rs1, rs2 uint8) {
	f3 := uint32(2)
	if width == 8 {
		f3 = 3
	}
	a.Word(EncodeR(0x2f, f3, funct5<<2, rd, rs1, rs2))
}

func (a *Asm) LR(width uint8, rd, rs1 uint8) { a.amo(0x02, width, rd, rs1, 0) }
func (a *Asm) SC(width uint8, rd, rs1, rs2 uint8) { a.amo(0x03, width, rd, rs1, rs2) }
func (a *Asm) AMOADD(width uint8, rd, rs1, rs2 uint8) { a.amo(0x00, width, rd, rs1, rs2) }
func (a *Asm) AMOSWAP(width uint8, rd, rs1, rs2 uint8) { a.amo(0x01, width, rd, rs1, rs2) }

// CSRR reads a CSR into rd.
func (a *Asm) CSRR(rd uint8, csr uint16) { a.Word(EncodeI(0x73, 2, rd, 0, int64(csr))) }

// CSRW writes rs1 to a CSR.
func (a *Asm) CSRW(csr uint16, rs1 uint8) { a.Word(EncodeI(0x73, 1, 0, rs1, int64(csr))) }

// Double precision floating point. Rounding is dynamic unless noted.

func (a *Asm) FLD(rd, rs1 uint8, off int64) { a.Word(EncodeI(0x07, 3, rd, rs1, off)) }
func (a *Asm) FSD(rs2, rs1 uint8, off int64) { a.Word(EncodeS(0x27, 3, rs1, rs2, off)) }
func (a *Asm) FADDD(rd, rs1, rs2 uint8) { a.Word(EncodeR(0x53, 7, 0x01, rd, rs1, rs2)) }
func (a *Asm) FMULD(rd, rs1, rs2 uint8) { a.Word(EncodeR(0x53, 7, 0x09, rd, rs1, rs2)) }
func (a *Asm) FDIVD(rd, rs1, rs2 uint8) { a.Word(EncodeR(0x53, 7, 0x0d, rd, rs1, rs2)) }
func (a *Asm) FCVTDL(rd, rs1 uint8) { a.Word(EncodeR(0x53, 7, 0x69, rd, rs1, 2)) }
func (a *Asm) FMVXD(rd, rs1 uint8) { a.Word(EncodeR(0x53, 0, 0x71, rd, rs1, 0)) }

// FCVTLD converts a double to a signed 64-bit integer rounding toward zero.
func (a *Asm) FCVTLD(rd, rs1 uint8) { a.Word(EncodeR(0x53, 1, 0x61, rd, rs1, 2)) }

// Compressed encodings.

func (a *Asm) CADDI(rd uint8, imm int64) {
	a.Half(uint16(imm>>5&1)<<12 | uint16(rd&0x1f)<<7 | uint16(imm&0x1f)<<2 | 0x1)
}

func (a *Asm) CLI(rd uint8, imm int64) {
	a.Half(0x4000 | uint16(imm>>5&1)<<12 | uint16(rd&0x1f)<<7 | uint16(imm&0x1f)<<2 | 0x1)
}

func (a *Asm) CMV(rd, rs2 uint8) { a.Half(0x8000 | uint16(rd&0x1f)<<7 | uint16(rs2&0x1f)<<2 | 0x2) }
func (a *Asm) CADD(rd, rs2 uint8) { a.Half(0x9000 | uint16(rd&0x1f)<<7 | uint16(rs2&0x1f)<<2 | 0x2) }
func (a *Asm) CJR(rs1 uint8) { a.Half(0x8000 | uint16(rs1&0x1f)<<7 | 0x2) }

func (a *Asm) CLDSP(rd uint8, off int64) {
	a.Half(0x6000 | uint16(off>>5&1)<<12 | uint16(rd&0x1f)<<7 | uint16(off>>3&3)<<5 | uint16(off>>6&7)<<2 | 0x2)
}

func (a *Asm) CSDSP(rs2 uint8, off int64) {
	a.Half(0xe000 | uint16(off>>3&7)<<10 | uint16(off>>6&7)<<7 | uint16(rs2&0x1f)<<2 | 0x2)
}

// Symbols returns the label table.
func (a *Asm) Symbols() map[string]uint64 {
	out := make(map[string]uint64, len(a.labels))
	for k, v := range a.labels {
		out[k] = v
	}
	return out
}

// Assemble resolves label references and returns the machine code.
func (a *Asm) Assemble() ([]byte, error) {
	if a.err != nil {
		return nil, a.err
	}

	code := make([]byte, len(a.buf))
	copy(code, a.buf)

	for _, f := range a.fixups {
		target, ok := a.labels[f.label]
		if !ok {
			return nil, fmt.Errorf("undefined label %q", f.label)
		}
		pc := a.base + uint64(f.at)
		off := int64(target - pc)
		word := binary.LittleEndian.Uint32(code[f.at:])

		switch f.kind {
		case fixupBranch:
			if off < -4096 || off >= 4096 {
				return nil, fmt.Errorf("branch to %q out of range", f.label)
			}
			word = EncodeB((word>>12)&0x7, fieldRs1(word), fieldRs2(word), off)
		case fixupJump:
			if off < -(1<<20) || off >= 1<<20 {
				return nil, fmt.Errorf("jump to %q out of range", f.label)
			}
			word = EncodeJ(fieldRd(word), off)
		case fixupPCRel:
			hi := (off + 0x800) >> 12
			lo := off - hi<<12
			word = EncodeU(0x17, fieldRd(word), hi<<12)
			next := binary.LittleEndian.Uint32(code[f.at+4:])
			binary.LittleEndian.PutUint32(code[f.at+4:], EncodeI(0x13, 0, fieldRd(next), fieldRs1(next), lo))
		}
		binary.LittleEndian.PutUint32(code[f.at:], word)
	}
	return code, nil
}

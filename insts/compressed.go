package insts

import "fmt"

func illegalCompressed(h uint16) error {
	return fmt.Errorf("%w: 0x%04x (compressed)", ErrIllegalInstruction, h)
}

// cReg maps a 3-bit compressed register field to x8..x15.
func cReg(bits uint16) uint8 {
	return 8 + uint8(bits&0x7)
}

// signExtend treats the low n bits of v as a two's complement value.
func signExtend(v uint64, n uint) int64 {
	shift := 64 - n
	return int64(v<<shift) >> shift
}

// Immediate layouts of the compressed formats, named after the instructions
// that introduce them.

func cImm6(h uint16) int64 {
	return signExtend(uint64((h>>7)&0x20|(h>>2)&0x1f), 6)
}

func cUimm6(h uint16) int64 {
	return int64((h>>7)&0x20 | (h>>2)&0x1f)
}

func cAddi4spnImm(h uint16) int64 {
	return int64((h>>7)&0x30 | (h>>1)&0x3c0 | (h>>4)&0x4 | (h>>2)&0x8)
}

func cAddi16spImm(h uint16) int64 {
	return signExtend(uint64((h>>3)&0x200|(h>>2)&0x10|(h<<1)&0x40|(h<<4)&0x180|(h<<3)&0x20), 10)
}

func cLuiImm(h uint16) int64 {
	return signExtend(uint64(h&0x1000)<<5|uint64((h>>2)&0x1f)<<12, 18)
}

// cWordImm is the offset of C.LW and C.SW.
func cWordImm(h uint16) int64 {
	return int64((h>>7)&0x38 | (h>>4)&0x4 | (h<<1)&0x40)
}

// cDoubleImm is the offset of C.LD, C.SD, C.FLD and C.FSD.
func cDoubleImm(h uint16) int64 {
	return int64((h>>7)&0x38 | (h<<1)&0xc0)
}

func cJumpImm(h uint16) int64 {
	v := (h>>1)&0x800 | (h>>7)&0x10 | (h>>1)&0x300 | (h<<2)&0x400 |
		(h>>1)&0x40 | (h<<1)&0x80 | (h>>2)&0xe | (h<<3)&0x20
	return signExtend(uint64(v), 12)
}

func cBranchImm(h uint16) int64 {
	v := (h>>4)&0x100 | (h>>7)&0x18 | (h<<1)&0xc0 | (h>>2)&0x6 | (h<<3)&0x20
	return signExtend(uint64(v), 9)
}

func cLwspImm(h uint16) int64 {
	return int64((h>>7)&0x20 | (h>>2)&0x1c | (h<<4)&0xc0)
}

func cLdspImm(h uint16) int64 {
	return int64((h>>7)&0x20 | (h>>2)&0x18 | (h<<4)&0x1c0)
}

func cSwspImm(h uint16) int64 {
	return int64((h>>7)&0x3c | (h>>1)&0xc0)
}

func cSdspImm(h uint16) int64 {
	return int64((h>>7)&0x38 | (h>>1)&0x1c0)
}

// Expanded instruction builders.

func intRI(op Op, class Class, rd, rs1 uint8, imm int64) *Instruction {
	return &Instruction{Op: op, Class: class, Rd: rd, Rs1: rs1, RdKind: RegInt, Rs1Kind: RegInt, Imm: imm}
}

func intRR(op Op, rd, rs1, rs2 uint8) *Instruction {
	return &Instruction{
		Op: op, Class: ClassIntOp, Rd: rd, Rs1: rs1, Rs2: rs2,
		RdKind: RegInt, Rs1Kind: RegInt, Rs2Kind: RegInt,
	}
}

func load(op Op, rd, rs1 uint8, imm int64, width uint8, float bool) *Instruction {
	inst := intRI(op, ClassLoad, rd, rs1, imm)
	inst.MemWidth = width
	if float {
		inst.RdKind = RegFloat
		inst.Double = width == 8
	}
	return inst
}

func store(op Op, rs1, rs2 uint8, imm int64, width uint8, float bool) *Instruction {
	inst := &Instruction{
		Op: op, Class: ClassStore, Rs1: rs1, Rs2: rs2,
		Rs1Kind: RegInt, Rs2Kind: RegInt, Imm: imm, MemWidth: width,
	}
	if float {
		inst.Rs2Kind = RegFloat
		inst.Double = width == 8
	}
	return inst
}

func (d *Decoder) decodeCompressed(h uint16) (*Instruction, error) {
	var (
		inst *Instruction
		err  error
	)
	switch h & 0x3 {
	case 0:
		inst, err = d.decodeQuadrant0(h)
	case 1:
		inst, err = d.decodeQuadrant1(h)
	default:
		inst, err = d.decodeQuadrant2(h)
	}
	if err != nil {
		return nil, err
	}
	inst.Size = 2
	inst.Compressed = true
	inst.Raw = uint32(h)
	return inst, nil
}

func (d *Decoder) decodeQuadrant0(h uint16) (*Instruction, error) {
	rdp := cReg(h >> 2)
	rs1p := cReg(h >> 7)

	switch h >> 13 {
	case 0:
		imm := cAddi4spnImm(h)
		if imm == 0 {
			// Covers the all-zero halfword, which is defined illegal.
			return nil, illegalCompressed(h)
		}
		return intRI(OpADDI, ClassIntOp, rdp, 2, imm), nil
	case 1:
		return load(OpFLD, rdp, rs1p, cDoubleImm(h), 8, true), nil
	case 2:
		return load(OpLW, rdp, rs1p, cWordImm(h), 4, false), nil
	case 3:
		return load(OpLD, rdp, rs1p, cDoubleImm(h), 8, false), nil
	case 5:
		return store(OpFSD, rs1p, rdp, cDoubleImm(h), 8, true), nil
	case 6:
		return store(OpSW, rs1p, rdp, cWordImm(h), 4, false), nil
	case 7:
		return store(OpSD, rs1p, rdp, cDoubleImm(h), 8, false), nil
	}
	return nil, illegalCompressed(h)
}

func (d *Decoder) decodeQuadrant1(h uint16) (*Instruction, error) {
	rd := uint8(h>>7) & 0x1f

	switch h >> 13 {
	case 0:
		// C.NOP when rd is zero.
		return intRI(OpADDI, ClassIntOp, rd, rd, cImm6(h)), nil
	case 1:
		if rd == 0 {
			return nil, illegalCompressed(h)
		}
		return intRI(OpADDIW, ClassIntOp, rd, rd, cImm6(h)), nil
	case 2:
		return intRI(OpADDI, ClassIntOp, rd, 0, cImm6(h)), nil
	case 3:
		if rd == 2 {
			imm := cAddi16spImm(h)
			if imm == 0 {
				return nil, illegalCompressed(h)
			}
			return intRI(OpADDI, ClassIntOp, 2, 2, imm), nil
		}
		imm := cLuiImm(h)
		if imm == 0 {
			return nil, illegalCompressed(h)
		}
		return &Instruction{Op: OpLUI, Class: ClassIntOp, Rd: rd, RdKind: RegInt, Imm: imm}, nil
	case 4:
		return d.decodeCompressedALU(h)
	case 5:
		return &Instruction{Op: OpJAL, Class: ClassJump, Rd: 0, RdKind: RegInt, Imm: cJumpImm(h)}, nil
	case 6, 7:
		op := OpBEQ
		if h>>13 == 7 {
			op = OpBNE
		}
		return &Instruction{
			Op: op, Class: ClassBranch, Rs1: cReg(h >> 7), Rs2: 0,
			Rs1Kind: RegInt, Rs2Kind: RegInt, Imm: cBranchImm(h),
		}, nil
	}
	return nil, illegalCompressed(h)
}

func (d *Decoder) decodeCompressedALU(h uint16) (*Instruction, error) {
	rd := cReg(h >> 7)
	rs2 := cReg(h >> 2)

	switch (h >> 10) & 0x3 {
	case 0:
		return intRI(OpSRLI, ClassIntOp, rd, rd, cUimm6(h)), nil
	case 1:
		return intRI(OpSRAI, ClassIntOp, rd, rd, cUimm6(h)), nil
	case 2:
		return intRI(OpANDI, ClassIntOp, rd, rd, cImm6(h)), nil
	}

	word := h&0x1000 != 0
	switch (h >> 5) & 0x3 {
	case 0:
		if word {
			return intRR(OpSUBW, rd, rd, rs2), nil
		}
		return intRR(OpSUB, rd, rd, rs2), nil
	case 1:
		if word {
			return intRR(OpADDW, rd, rd, rs2), nil
		}
		return intRR(OpXOR, rd, rd, rs2), nil
	case 2:
		if !word {
			return intRR(OpOR, rd, rd, rs2), nil
		}
	case 3:
		if !word {
			return intRR(OpAND, rd, rd, rs2), nil
		}
	}
	return nil, illegalCompressed(h)
}

func (d *Decoder) decodeQuadrant2(h uint16) (*Instruction, error) {
	rd := uint8(h>>7) & 0x1f
	rs2 := uint8(h>>2) & 0x1f

	switch h >> 13 {
	case 0:
		return intRI(OpSLLI, ClassIntOp, rd, rd, cUimm6(h)), nil
	case 1:
		return load(OpFLD, rd, 2, cLdspImm(h), 8, true), nil
	case 2:
		if rd == 0 {
			return nil, illegalCompressed(h)
		}
		return load(OpLW, rd, 2, cLwspImm(h), 4, false), nil
	case 3:
		if rd == 0 {
			return nil, illegalCompressed(h)
		}
		return load(OpLD, rd, 2, cLdspImm(h), 8, false), nil
	case 4:
		return d.decodeCompressedJumpMove(h, rd, rs2)
	case 5:
		return store(OpFSD, 2, rs2, cSdspImm(h), 8, true), nil
	case 6:
		return store(OpSW, 2, rs2, cSwspImm(h), 4, false), nil
	case 7:
		return store(OpSD, 2, rs2, cSdspImm(h), 8, false), nil
	}
	return nil, illegalCompressed(h)
}

func (d *Decoder) decodeCompressedJumpMove(h uint16, rd, rs2 uint8) (*Instruction, error) {
	if h&0x1000 == 0 {
		if rs2 == 0 {
			if rd == 0 {
				return nil, illegalCompressed(h)
			}
			// C.JR
			return intRI(OpJALR, ClassJump, 0, rd, 0), nil
		}
		// C.MV
		return intRR(OpADD, rd, 0, rs2), nil
	}

	switch {
	case rd == 0 && rs2 == 0:
		return &Instruction{Op: OpEBREAK, Class: ClassSystem}, nil
	case rs2 == 0:
		// C.JALR
		return intRI(OpJALR, ClassJump, 1, rd, 0), nil
	}
	// C.ADD
	return intRR(OpADD, rd, rd, rs2), nil
}

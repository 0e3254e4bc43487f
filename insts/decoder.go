package insts

import (
	"errors"
	"fmt"
)

// ErrIllegalInstruction is returned when a bit pattern matches no supported
// encoding.
var ErrIllegalInstruction = errors.New("illegal instruction")

// Decoder decodes RV64 machine code into Instructions. It holds no state and
// may be shared.
type Decoder struct{}

// NewDecoder creates a new RV64 instruction decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// IsCompressed reports whether a halfword is the start of a 16-bit
// instruction.
func IsCompressed(half uint16) bool {
	return half&0x3 != 0x3
}

// Decode decodes a little-endian instruction word. When the low two bits are
// not 0b11 only the low halfword is used and is expanded from its compressed
// form.
func (d *Decoder) Decode(word uint32) (*Instruction, error) {
	if IsCompressed(uint16(word)) {
		return d.decodeCompressed(uint16(word))
	}

	inst, err := d.decode32(word)
	if err != nil {
		return nil, err
	}
	inst.Size = 4
	inst.Raw = word
	return inst, nil
}

func illegal(word uint32) error {
	return fmt.Errorf("%w: 0x%08x", ErrIllegalInstruction, word)
}

// Field extraction for the 32-bit formats.

func fieldRd(w uint32) uint8  { return uint8(w>>7) & 0x1f }
func fieldRs1(w uint32) uint8 { return uint8(w>>15) & 0x1f }
func fieldRs2(w uint32) uint8 { return uint8(w>>20) & 0x1f }
func fieldRs3(w uint32) uint8 { return uint8(w >> 27) }
func funct3(w uint32) uint32  { return (w >> 12) & 0x7 }
func funct7(w uint32) uint32  { return w >> 25 }

func immI(w uint32) int64 {
	return int64(int32(w) >> 20)
}

func immS(w uint32) int64 {
	return int64(int32(w)>>25)<<5 | int64((w>>7)&0x1f)
}

func immB(w uint32) int64 {
	return int64(int32(w)>>31)<<12 |
		int64((w>>7)&0x1)<<11 |
		int64((w>>25)&0x3f)<<5 |
		int64((w>>8)&0xf)<<1
}

func immU(w uint32) int64 {
	return int64(int32(w & 0xfffff000))
}

func immJ(w uint32) int64 {
	return int64(int32(w)>>31)<<20 |
		int64((w>>12)&0xff)<<12 |
		int64((w>>20)&0x1)<<11 |
		int64((w>>21)&0x3ff)<<1
}

// Operand layouts shared by many operations.

func newR(op Op, class Class, w uint32) *Instruction {
	return &Instruction{
		Op: op, Class: class,
		Rd: fieldRd(w), Rs1: fieldRs1(w), Rs2: fieldRs2(w),
		RdKind: RegInt, Rs1Kind: RegInt, Rs2Kind: RegInt,
	}
}

func newI(op Op, class Class, w uint32, imm int64) *Instruction {
	return &Instruction{
		Op: op, Class: class,
		Rd: fieldRd(w), Rs1: fieldRs1(w),
		RdKind: RegInt, Rs1Kind: RegInt,
		Imm: imm,
	}
}

func (d *Decoder) decode32(w uint32) (*Instruction, error) {
	switch w & 0x7f {
	case 0x37:
		return &Instruction{Op: OpLUI, Class: ClassIntOp, Rd: fieldRd(w), RdKind: RegInt, Imm: immU(w)}, nil
	case 0x17:
		return &Instruction{Op: OpAUIPC, Class: ClassIntOp, Rd: fieldRd(w), RdKind: RegInt, Imm: immU(w)}, nil
	case 0x6f:
		return &Instruction{Op: OpJAL, Class: ClassJump, Rd: fieldRd(w), RdKind: RegInt, Imm: immJ(w)}, nil
	case 0x67:
		if funct3(w) != 0 {
			return nil, illegal(w)
		}
		return newI(OpJALR, ClassJump, w, immI(w)), nil
	case 0x63:
		return d.decodeBranch(w)
	case 0x03:
		return d.decodeLoad(w)
	case 0x23:
		return d.decodeStore(w)
	case 0x13:
		return d.decodeOpImm(w)
	case 0x1b:
		return d.decodeOpImm32(w)
	case 0x33:
		return d.decodeOp(w)
	case 0x3b:
		return d.decodeOp32(w)
	case 0x0f:
		return d.decodeMiscMem(w)
	case 0x73:
		return d.decodeSystem(w)
	case 0x2f:
		return d.decodeAtomic(w)
	case 0x07, 0x27:
		return d.decodeFloatMem(w)
	case 0x43, 0x47, 0x4b, 0x4f:
		return d.decodeFused(w)
	case 0x53:
		return d.decodeOpFP(w)
	}
	return nil, illegal(w)
}

var branchOps = [8]Op{OpBEQ, OpBNE, OpInvalid, OpInvalid, OpBLT, OpBGE, OpBLTU, OpBGEU}

func (d *Decoder) decodeBranch(w uint32) (*Instruction, error) {
	op := branchOps[funct3(w)]
	if op == OpInvalid {
		return nil, illegal(w)
	}
	return &Instruction{
		Op: op, Class: ClassBranch,
		Rs1: fieldRs1(w), Rs2: fieldRs2(w),
		Rs1Kind: RegInt, Rs2Kind: RegInt,
		Imm: immB(w),
	}, nil
}

type loadForm struct {
	op       Op
	width    uint8
	unsigned bool
}

var loadForms = [8]loadForm{
	{OpLB, 1, false}, {OpLH, 2, false}, {OpLW, 4, false}, {OpLD, 8, false},
	{OpLBU, 1, true}, {OpLHU, 2, true}, {OpLWU, 4, true}, {OpInvalid, 0, false},
}

func (d *Decoder) decodeLoad(w uint32) (*Instruction, error) {
	form := loadForms[funct3(w)]
	if form.op == OpInvalid {
		return nil, illegal(w)
	}
	inst := newI(form.op, ClassLoad, w, immI(w))
	inst.MemWidth = form.width
	inst.Unsigned = form.unsigned
	return inst, nil
}

var storeOps = [4]Op{OpSB, OpSH, OpSW, OpSD}

func (d *Decoder) decodeStore(w uint32) (*Instruction, error) {
	f3 := funct3(w)
	if f3 > 3 {
		return nil, illegal(w)
	}
	return &Instruction{
		Op: storeOps[f3], Class: ClassStore,
		Rs1: fieldRs1(w), Rs2: fieldRs2(w),
		Rs1Kind: RegInt, Rs2Kind: RegInt,
		Imm:      immS(w),
		MemWidth: 1 << f3,
	}, nil
}

func (d *Decoder) decodeOpImm(w uint32) (*Instruction, error) {
	shamt := int64((w >> 20) & 0x3f)
	switch funct3(w) {
	case 0:
		return newI(OpADDI, ClassIntOp, w, immI(w)), nil
	case 2:
		return newI(OpSLTI, ClassIntOp, w, immI(w)), nil
	case 3:
		return newI(OpSLTIU, ClassIntOp, w, immI(w)), nil
	case 4:
		return newI(OpXORI, ClassIntOp, w, immI(w)), nil
	case 6:
		return newI(OpORI, ClassIntOp, w, immI(w)), nil
	case 7:
		return newI(OpANDI, ClassIntOp, w, immI(w)), nil
	case 1:
		if w>>26 != 0 {
			return nil, illegal(w)
		}
		return newI(OpSLLI, ClassIntOp, w, shamt), nil
	case 5:
		switch w >> 26 {
		case 0x00:
			return newI(OpSRLI, ClassIntOp, w, shamt), nil
		case 0x10:
			return newI(OpSRAI, ClassIntOp, w, shamt), nil
		}
	}
	return nil, illegal(w)
}

func (d *Decoder) decodeOpImm32(w uint32) (*Instruction, error) {
	shamt := int64((w >> 20) & 0x1f)
	switch funct3(w) {
	case 0:
		return newI(OpADDIW, ClassIntOp, w, immI(w)), nil
	case 1:
		if funct7(w) == 0 {
			return newI(OpSLLIW, ClassIntOp, w, shamt), nil
		}
	case 5:
		switch funct7(w) {
		case 0x00:
			return newI(OpSRLIW, ClassIntOp, w, shamt), nil
		case 0x20:
			return newI(OpSRAIW, ClassIntOp, w, shamt), nil
		}
	}
	return nil, illegal(w)
}

type opForm struct {
	op    Op
	class Class
}

var (
	opBase = [8]opForm{
		{OpADD, ClassIntOp}, {OpSLL, ClassIntOp}, {OpSLT, ClassIntOp}, {OpSLTU, ClassIntOp},
		{OpXOR, ClassIntOp}, {OpSRL, ClassIntOp}, {OpOR, ClassIntOp}, {OpAND, ClassIntOp},
	}
	opMulDiv = [8]opForm{
		{OpMUL, ClassMultiply}, {OpMULH, ClassMultiply}, {OpMULHSU, ClassMultiply}, {OpMULHU, ClassMultiply},
		{OpDIV, ClassDivide}, {OpDIVU, ClassDivide}, {OpREM, ClassDivide}, {OpREMU, ClassDivide},
	}
	op32Base = [8]opForm{
		{OpADDW, ClassIntOp}, {OpSLLW, ClassIntOp}, {}, {},
		{}, {OpSRLW, ClassIntOp}, {}, {},
	}
	op32MulDiv = [8]opForm{
		{OpMULW, ClassMultiply}, {}, {}, {},
		{OpDIVW, ClassDivide}, {OpDIVUW, ClassDivide}, {OpREMW, ClassDivide}, {OpREMUW, ClassDivide},
	}
)

func (d *Decoder) decodeOp(w uint32) (*Instruction, error) {
	f3 := funct3(w)
	var form opForm
	switch funct7(w) {
	case 0x00:
		form = opBase[f3]
	case 0x01:
		form = opMulDiv[f3]
	case 0x20:
		switch f3 {
		case 0:
			form = opForm{OpSUB, ClassIntOp}
		case 5:
			form = opForm{OpSRA, ClassIntOp}
		}
	}
	if form.op == OpInvalid {
		return nil, illegal(w)
	}
	return newR(form.op, form.class, w), nil
}

func (d *Decoder) decodeOp32(w uint32) (*Instruction, error) {
	f3 := funct3(w)
	var form opForm
	switch funct7(w) {
	case 0x00:
		form = op32Base[f3]
	case 0x01:
		form = op32MulDiv[f3]
	case 0x20:
		switch f3 {
		case 0:
			form = opForm{OpSUBW, ClassIntOp}
		case 5:
			form = opForm{OpSRAW, ClassIntOp}
		}
	}
	if form.op == OpInvalid {
		return nil, illegal(w)
	}
	return newR(form.op, form.class, w), nil
}

func (d *Decoder) decodeMiscMem(w uint32) (*Instruction, error) {
	switch funct3(w) {
	case 0:
		return &Instruction{Op: OpFENCE, Class: ClassFence, Imm: immI(w)}, nil
	case 1:
		return &Instruction{Op: OpFENCEI, Class: ClassFence}, nil
	}
	return nil, illegal(w)
}

func (d *Decoder) decodeSystem(w uint32) (*Instruction, error) {
	f3 := funct3(w)
	csr := uint16(w >> 20)
	switch f3 {
	case 0:
		switch w {
		case 0x00000073:
			return &Instruction{Op: OpECALL, Class: ClassSystem}, nil
		case 0x00100073:
			return &Instruction{Op: OpEBREAK, Class: ClassSystem}, nil
		}
		return nil, illegal(w)
	case 1, 2, 3:
		inst := newI([4]Op{0, OpCSRRW, OpCSRRS, OpCSRRC}[f3], ClassCsr, w, 0)
		inst.Csr = csr
		return inst, nil
	case 5, 6, 7:
		return &Instruction{
			Op:     [8]Op{5: OpCSRRWI, 6: OpCSRRSI, 7: OpCSRRCI}[f3],
			Class:  ClassCsr,
			Rd:     fieldRd(w),
			RdKind: RegInt,
			Imm:    int64(fieldRs1(w)),
			Csr:    csr,
		}, nil
	}
	return nil, illegal(w)
}

var amoOps = map[uint32]Op{
	0x01: OpAMOSWAP,
	0x00: OpAMOADD,
	0x04: OpAMOXOR,
	0x0c: OpAMOAND,
	0x08: OpAMOOR,
	0x10: OpAMOMIN,
	0x14: OpAMOMAX,
	0x18: OpAMOMINU,
	0x1c: OpAMOMAXU,
}

func (d *Decoder) decodeAtomic(w uint32) (*Instruction, error) {
	var width uint8
	switch funct3(w) {
	case 2:
		width = 4
	case 3:
		width = 8
	default:
		return nil, illegal(w)
	}

	funct5 := w >> 27
	switch funct5 {
	case 0x02:
		if fieldRs2(w) != 0 {
			return nil, illegal(w)
		}
		inst := newI(OpLR, ClassAtomic, w, 0)
		inst.MemWidth = width
		return inst, nil
	case 0x03:
		inst := newR(OpSC, ClassAtomic, w)
		inst.MemWidth = width
		return inst, nil
	}

	op, ok := amoOps[funct5]
	if !ok {
		return nil, illegal(w)
	}
	inst := newR(op, ClassAtomic, w)
	inst.MemWidth = width
	return inst, nil
}

func (d *Decoder) decodeFloatMem(w uint32) (*Instruction, error) {
	var double bool
	switch funct3(w) {
	case 2:
	case 3:
		double = true
	default:
		return nil, illegal(w)
	}

	width := uint8(4)
	if double {
		width = 8
	}

	if w&0x7f == 0x07 {
		op := OpFLW
		if double {
			op = OpFLD
		}
		return &Instruction{
			Op: op, Class: ClassLoad,
			Rd: fieldRd(w), Rs1: fieldRs1(w),
			RdKind: RegFloat, Rs1Kind: RegInt,
			Imm: immI(w), MemWidth: width, Double: double,
		}, nil
	}

	op := OpFSW
	if double {
		op = OpFSD
	}
	return &Instruction{
		Op: op, Class: ClassStore,
		Rs1: fieldRs1(w), Rs2: fieldRs2(w),
		Rs1Kind: RegInt, Rs2Kind: RegFloat,
		Imm: immS(w), MemWidth: width, Double: double,
	}, nil
}

// validRM rejects the reserved rounding modes 5 and 6.
func validRM(rm uint32) bool {
	return rm != 5 && rm != 6
}

// floatFormat returns whether the fmt field selects double precision.
func floatFormat(w uint32) (double bool, ok bool) {
	switch (w >> 25) & 0x3 {
	case 0:
		return false, true
	case 1:
		return true, true
	}
	return false, false
}

func (d *Decoder) decodeFused(w uint32) (*Instruction, error) {
	double, ok := floatFormat(w)
	if !ok || !validRM(funct3(w)) {
		return nil, illegal(w)
	}

	var op Op
	switch w & 0x7f {
	case 0x43:
		op = OpFMADD
	case 0x47:
		op = OpFMSUB
	case 0x4b:
		op = OpFNMSUB
	default:
		op = OpFNMADD
	}

	return &Instruction{
		Op: op, Class: ClassFloat,
		Rd: fieldRd(w), Rs1: fieldRs1(w), Rs2: fieldRs2(w), Rs3: fieldRs3(w),
		RdKind: RegFloat, Rs1Kind: RegFloat, Rs2Kind: RegFloat, Rs3Kind: RegFloat,
		RM: uint8(funct3(w)), Double: double,
	}, nil
}

// newFP builds a float-class instruction with explicit operand kinds.
func newFP(op Op, w uint32, double bool, rd, rs1, rs2 RegKind) *Instruction {
	inst := &Instruction{
		Op: op, Class: ClassFloat,
		Rd: fieldRd(w), Rs1: fieldRs1(w),
		RdKind: rd, Rs1Kind: rs1, Rs2Kind: rs2,
		RM: uint8(funct3(w)), Double: double,
	}
	if rs2 != RegNone {
		inst.Rs2 = fieldRs2(w)
	}
	return inst
}

var (
	fpArith   = [4]Op{OpFADD, OpFSUB, OpFMUL, OpFDIV}
	fpToInt   = [4]Op{OpFCVTW, OpFCVTWU, OpFCVTL, OpFCVTLU}
	fpFromInt = [4]Op{OpFCVTFromW, OpFCVTFromWU, OpFCVTFromL, OpFCVTFromLU}
)

func (d *Decoder) decodeOpFP(w uint32) (*Instruction, error) {
	double, ok := floatFormat(w)
	if !ok {
		return nil, illegal(w)
	}
	f3 := funct3(w)
	rs2 := fieldRs2(w)

	switch funct5 := w >> 27; funct5 {
	case 0x00, 0x01, 0x02, 0x03:
		if !validRM(f3) {
			return nil, illegal(w)
		}
		return newFP(fpArith[funct5], w, double, RegFloat, RegFloat, RegFloat), nil
	case 0x0b:
		if rs2 != 0 || !validRM(f3) {
			return nil, illegal(w)
		}
		return newFP(OpFSQRT, w, double, RegFloat, RegFloat, RegNone), nil
	case 0x04:
		if f3 > 2 {
			return nil, illegal(w)
		}
		return newFP([3]Op{OpFSGNJ, OpFSGNJN, OpFSGNJX}[f3], w, double, RegFloat, RegFloat, RegFloat), nil
	case 0x05:
		if f3 > 1 {
			return nil, illegal(w)
		}
		return newFP([2]Op{OpFMIN, OpFMAX}[f3], w, double, RegFloat, RegFloat, RegFloat), nil
	case 0x08:
		switch {
		case !double && rs2 == 1:
			return newFP(OpFCVTSD, w, false, RegFloat, RegFloat, RegNone), nil
		case double && rs2 == 0:
			return newFP(OpFCVTDS, w, true, RegFloat, RegFloat, RegNone), nil
		}
	case 0x14:
		if f3 > 2 {
			return nil, illegal(w)
		}
		return newFP([3]Op{OpFLE, OpFLT, OpFEQ}[f3], w, double, RegInt, RegFloat, RegFloat), nil
	case 0x18:
		if rs2 > 3 || !validRM(f3) {
			return nil, illegal(w)
		}
		return newFP(fpToInt[rs2], w, double, RegInt, RegFloat, RegNone), nil
	case 0x1a:
		if rs2 > 3 || !validRM(f3) {
			return nil, illegal(w)
		}
		return newFP(fpFromInt[rs2], w, double, RegFloat, RegInt, RegNone), nil
	case 0x1c:
		if rs2 != 0 {
			return nil, illegal(w)
		}
		switch f3 {
		case 0:
			return newFP(OpFMVXF, w, double, RegInt, RegFloat, RegNone), nil
		case 1:
			return newFP(OpFCLASS, w, double, RegInt, RegFloat, RegNone), nil
		}
	case 0x1e:
		if rs2 == 0 && f3 == 0 {
			return newFP(OpFMVFX, w, double, RegFloat, RegInt, RegNone), nil
		}
	}
	return nil, illegal(w)
}

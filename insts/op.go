package insts

// Op identifies a decoded operation. Every mnemonic of the supported
// instruction set has exactly one Op; floating point operations that exist
// in both precisions share an Op and are told apart by Instruction.Double.
type Op uint16

// RV64I.
const (
	OpInvalid Op = iota
	OpLUI
	OpAUIPC
	OpJAL
	OpJALR
	OpBEQ
	OpBNE
	OpBLT
	OpBGE
	OpBLTU
	OpBGEU
	OpLB
	OpLH
	OpLW
	OpLD
	OpLBU
	OpLHU
	OpLWU
	OpSB
	OpSH
	OpSW
	OpSD
	OpADDI
	OpSLTI
	OpSLTIU
	OpXORI
	OpORI
	OpANDI
	OpSLLI
	OpSRLI
	OpSRAI
	OpADD
	OpSUB
	OpSLL
	OpSLT
	OpSLTU
	OpXOR
	OpSRL
	OpSRA
	OpOR
	OpAND
	OpADDIW
	OpSLLIW
	OpSRLIW
	OpSRAIW
	OpADDW
	OpSUBW
	OpSLLW
	OpSRLW
	OpSRAW
	OpFENCE
	OpFENCEI
	OpECALL
	OpEBREAK

	// Zicsr.
	OpCSRRW
	OpCSRRS
	OpCSRRC
	OpCSRRWI
	OpCSRRSI
	OpCSRRCI

	// M.
	OpMUL
	OpMULH
	OpMULHSU
	OpMULHU
	OpDIV
	OpDIVU
	OpREM
	OpREMU
	OpMULW
	OpDIVW
	OpDIVUW
	OpREMW
	OpREMUW

	// A. The access width is carried by Instruction.MemWidth.
	OpLR
	OpSC
	OpAMOSWAP
	OpAMOADD
	OpAMOXOR
	OpAMOAND
	OpAMOOR
	OpAMOMIN
	OpAMOMAX
	OpAMOMINU
	OpAMOMAXU

	// F and D.
	OpFLW
	OpFLD
	OpFSW
	OpFSD
	OpFMADD
	OpFMSUB
	OpFNMSUB
	OpFNMADD
	OpFADD
	OpFSUB
	OpFMUL
	OpFDIV
	OpFSQRT
	OpFSGNJ
	OpFSGNJN
	OpFSGNJX
	OpFMIN
	OpFMAX
	OpFCVTW
	OpFCVTWU
	OpFCVTL
	OpFCVTLU
	OpFCVTFromW
	OpFCVTFromWU
	OpFCVTFromL
	OpFCVTFromLU
	OpFCVTSD
	OpFCVTDS
	OpFMVXF
	OpFMVFX
	OpFEQ
	OpFLT
	OpFLE
	OpFCLASS

	numOps
)

var opNames = [numOps]string{
	OpInvalid: "invalid",
	OpLUI:     "lui", OpAUIPC: "auipc", OpJAL: "jal", OpJALR: "jalr",
	OpBEQ: "beq", OpBNE: "bne", OpBLT: "blt", OpBGE: "bge", OpBLTU: "bltu", OpBGEU: "bgeu",
	OpLB: "lb", OpLH: "lh", OpLW: "lw", OpLD: "ld", OpLBU: "lbu", OpLHU: "lhu", OpLWU: "lwu",
	OpSB: "sb", OpSH: "sh", OpSW: "sw", OpSD: "sd",
	OpADDI: "addi", OpSLTI: "slti", OpSLTIU: "sltiu", OpXORI: "xori", OpORI: "ori", OpANDI: "andi",
	OpSLLI: "slli", OpSRLI: "srli", OpSRAI: "srai",
	OpADD: "add", OpSUB: "sub", OpSLL: "sll", OpSLT: "slt", OpSLTU: "sltu", OpXOR: "xor",
	OpSRL: "srl", OpSRA: "sra", OpOR: "or", OpAND: "and",
	OpADDIW: "addiw", OpSLLIW: "slliw", OpSRLIW: "srliw", OpSRAIW: "sraiw",
	OpADDW: "addw", OpSUBW: "subw", OpSLLW: "sllw", OpSRLW: "srlw", OpSRAW: "sraw",
	OpFENCE: "fence", OpFENCEI: "fence.i", OpECALL: "ecall", OpEBREAK: "ebreak",
	OpCSRRW: "csrrw", OpCSRRS: "csrrs", OpCSRRC: "csrrc",
	OpCSRRWI: "csrrwi", OpCSRRSI: "csrrsi", OpCSRRCI: "csrrci",
	OpMUL: "mul", OpMULH: "mulh", OpMULHSU: "mulhsu", OpMULHU: "mulhu",
	OpDIV: "div", OpDIVU: "divu", OpREM: "rem", OpREMU: "remu",
	OpMULW: "mulw", OpDIVW: "divw", OpDIVUW: "divuw", OpREMW: "remw", OpREMUW: "remuw",
	OpLR: "lr", OpSC: "sc", OpAMOSWAP: "amoswap", OpAMOADD: "amoadd", OpAMOXOR: "amoxor",
	OpAMOAND: "amoand", OpAMOOR: "amoor", OpAMOMIN: "amomin", OpAMOMAX: "amomax",
	OpAMOMINU: "amominu", OpAMOMAXU: "amomaxu",
	OpFLW: "flw", OpFLD: "fld", OpFSW: "fsw", OpFSD: "fsd",
	OpFMADD: "fmadd", OpFMSUB: "fmsub", OpFNMSUB: "fnmsub", OpFNMADD: "fnmadd",
	OpFADD: "fadd", OpFSUB: "fsub", OpFMUL: "fmul", OpFDIV: "fdiv", OpFSQRT: "fsqrt",
	OpFSGNJ: "fsgnj", OpFSGNJN: "fsgnjn", OpFSGNJX: "fsgnjx", OpFMIN: "fmin", OpFMAX: "fmax",
	OpFCVTW: "fcvt.w", OpFCVTWU: "fcvt.wu", OpFCVTL: "fcvt.l", OpFCVTLU: "fcvt.lu",
	OpFCVTFromW: "fcvt", OpFCVTFromWU: "fcvt", OpFCVTFromL: "fcvt", OpFCVTFromLU: "fcvt",
	OpFCVTSD: "fcvt.s.d", OpFCVTDS: "fcvt.d.s",
	OpFMVXF: "fmv.x", OpFMVFX: "fmv", OpFEQ: "feq", OpFLT: "flt", OpFLE: "fle", OpFCLASS: "fclass",
}

// String returns the base mnemonic of the operation.
func (op Op) String() string {
	if op >= numOps {
		return "unknown"
	}
	return opNames[op]
}

// Class groups operations by the execution resource and timing rule they
// use. The set is closed.
type Class uint8

const (
	ClassInvalid Class = iota
	// ClassIntOp covers single-cycle integer arithmetic, logic and upper-immediate.
	ClassIntOp
	// ClassLoad covers integer and floating point loads.
	ClassLoad
	// ClassStore covers integer and floating point stores.
	ClassStore
	// ClassBranch covers conditional branches.
	ClassBranch
	// ClassJump covers JAL and JALR.
	ClassJump
	// ClassMultiply covers the M extension multiplies.
	ClassMultiply
	// ClassDivide covers the M extension divides and remainders.
	ClassDivide
	// ClassAtomic covers LR, SC and AMOs.
	ClassAtomic
	// ClassFloat covers floating point computation, conversion and moves.
	ClassFloat
	// ClassSystem covers ECALL and EBREAK.
	ClassSystem
	// ClassCsr covers the Zicsr instructions.
	ClassCsr
	// ClassFence covers FENCE and FENCE.I, which are no-ops for a single hart.
	ClassFence
)

var classNames = map[Class]string{
	ClassInvalid:  "invalid",
	ClassIntOp:    "int",
	ClassLoad:     "load",
	ClassStore:    "store",
	ClassBranch:   "branch",
	ClassJump:     "jump",
	ClassMultiply: "multiply",
	ClassDivide:   "divide",
	ClassAtomic:   "atomic",
	ClassFloat:    "float",
	ClassSystem:   "system",
	ClassCsr:      "csr",
	ClassFence:    "fence",
}

func (c Class) String() string {
	if s, ok := classNames[c]; ok {
		return s
	}
	return "unknown"
}

// RegKind says which register file an operand slot refers to.
type RegKind uint8

const (
	RegNone RegKind = iota
	RegInt
	RegFloat
)

// Reg names one architectural register.
type Reg struct {
	Kind RegKind
	Num  uint8
}

// Instruction represents a decoded RV64 instruction.
type Instruction struct {
	Op    Op
	Class Class

	// Register operands. The matching Kind field is RegNone when the slot
	// is unused by the operation.
	Rd, Rs1, Rs2, Rs3                 uint8
	RdKind, Rs1Kind, Rs2Kind, Rs3Kind RegKind

	// Imm is the sign-extended immediate, or the shift amount for shifts.
	Imm int64

	// Csr is the CSR address for Zicsr instructions.
	Csr uint16

	// RM is the floating point rounding mode field.
	RM uint8

	// Double marks D-extension forms of floating point operations.
	Double bool

	// MemWidth is the number of bytes a load, store or atomic accesses.
	MemWidth uint8

	// Unsigned marks zero-extending loads.
	Unsigned bool

	// Size is the encoded width in bytes: 2 for compressed, 4 otherwise.
	Size uint8

	// Compressed is true when the instruction came from a 16-bit encoding.
	Compressed bool

	// Raw holds the original encoding (low 16 bits for compressed).
	Raw uint32
}

// syscallArgs are the registers ECALL reads under the Linux ABI.
var syscallArgs = []Reg{
	{RegInt, RegA7},
	{RegInt, RegA0}, {RegInt, RegA1}, {RegInt, RegA2},
	{RegInt, RegA3}, {RegInt, RegA4}, {RegInt, RegA5},
}

// Dest returns the destination register, if the instruction writes one.
// Writes to x0 are reported as absent. ECALL writes its result to a0.
func (i *Instruction) Dest() (Reg, bool) {
	if i.Op == OpECALL {
		return Reg{Kind: RegInt, Num: RegA0}, true
	}
	switch i.RdKind {
	case RegInt:
		if i.Rd == 0 {
			return Reg{}, false
		}
		return Reg{Kind: RegInt, Num: i.Rd}, true
	case RegFloat:
		return Reg{Kind: RegFloat, Num: i.Rd}, true
	}
	return Reg{}, false
}

// Sources returns the registers the instruction reads. x0 is omitted since
// it is always ready. ECALL reads the syscall number and its arguments.
func (i *Instruction) Sources() []Reg {
	if i.Op == OpECALL {
		return append([]Reg(nil), syscallArgs...)
	}
	srcs := make([]Reg, 0, 3)
	add := func(kind RegKind, num uint8) {
		if kind == RegNone || (kind == RegInt && num == 0) {
			return
		}
		srcs = append(srcs, Reg{Kind: kind, Num: num})
	}
	add(i.Rs1Kind, i.Rs1)
	add(i.Rs2Kind, i.Rs2)
	add(i.Rs3Kind, i.Rs3)
	return srcs
}

// IsConditionalBranch reports whether the instruction is subject to
// direction prediction.
func (i *Instruction) IsConditionalBranch() bool {
	return i.Class == ClassBranch
}

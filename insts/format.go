package insts

import "fmt"

var csrNames = map[uint16]string{
	0x001: "fflags",
	0x002: "frm",
	0x003: "fcsr",
	0xc00: "cycle",
	0xc01: "time",
	0xc02: "instret",
}

// CSRName returns the conventional name of a CSR, or its hex address.
func CSRName(csr uint16) string {
	if name, ok := csrNames[csr]; ok {
		return name
	}
	return fmt.Sprintf("0x%x", csr)
}

func (i *Instruction) precision() string {
	if i.Double {
		return "d"
	}
	return "s"
}

func (i *Instruction) widthSuffix() string {
	if i.MemWidth == 8 {
		return "d"
	}
	return "w"
}

// Mnemonic returns the full assembler mnemonic including width and
// precision suffixes, e.g. "amoadd.w" or "fcvt.d.l".
func (i *Instruction) Mnemonic() string {
	base := i.Op.String()
	switch i.Op {
	case OpLR, OpSC, OpAMOSWAP, OpAMOADD, OpAMOXOR, OpAMOAND, OpAMOOR,
		OpAMOMIN, OpAMOMAX, OpAMOMINU, OpAMOMAXU:
		return base + "." + i.widthSuffix()
	case OpFMADD, OpFMSUB, OpFNMSUB, OpFNMADD, OpFADD, OpFSUB, OpFMUL, OpFDIV,
		OpFSQRT, OpFSGNJ, OpFSGNJN, OpFSGNJX, OpFMIN, OpFMAX, OpFEQ, OpFLT, OpFLE,
		OpFCLASS, OpFCVTW, OpFCVTWU, OpFCVTL, OpFCVTLU:
		return base + "." + i.precision()
	case OpFCVTFromW:
		return "fcvt." + i.precision() + ".w"
	case OpFCVTFromWU:
		return "fcvt." + i.precision() + ".wu"
	case OpFCVTFromL:
		return "fcvt." + i.precision() + ".l"
	case OpFCVTFromLU:
		return "fcvt." + i.precision() + ".lu"
	case OpFMVXF:
		if i.Double {
			return "fmv.x.d"
		}
		return "fmv.x.w"
	case OpFMVFX:
		if i.Double {
			return "fmv.d.x"
		}
		return "fmv.w.x"
	}
	return base
}

func regText(kind RegKind, n uint8) string {
	if kind == RegFloat {
		return FloatRegName(n)
	}
	return IntRegName(n)
}

// String renders the instruction in assembler syntax with PC-relative
// targets shown as signed offsets.
func (i *Instruction) String() string {
	return i.format(func(off int64) string { return fmt.Sprintf("%+d", off) })
}

// Format renders the instruction with PC-relative targets resolved against
// pc.
func (i *Instruction) Format(pc uint64) string {
	return i.format(func(off int64) string { return fmt.Sprintf("0x%x", pc+uint64(off)) })
}

func (i *Instruction) format(target func(int64) string) string {
	m := i.Mnemonic()
	rd := regText(i.RdKind, i.Rd)
	rs1 := regText(i.Rs1Kind, i.Rs1)
	rs2 := regText(i.Rs2Kind, i.Rs2)

	switch i.Class {
	case ClassLoad:
		return fmt.Sprintf("%s %s, %d(%s)", m, rd, i.Imm, rs1)
	case ClassStore:
		return fmt.Sprintf("%s %s, %d(%s)", m, rs2, i.Imm, rs1)
	case ClassBranch:
		return fmt.Sprintf("%s %s, %s, %s", m, rs1, rs2, target(i.Imm))
	case ClassAtomic:
		if i.Op == OpLR {
			return fmt.Sprintf("%s %s, (%s)", m, rd, rs1)
		}
		return fmt.Sprintf("%s %s, %s, (%s)", m, rd, rs2, rs1)
	case ClassSystem, ClassFence:
		return m
	case ClassCsr:
		if i.Rs1Kind == RegNone {
			return fmt.Sprintf("%s %s, %s, %d", m, rd, CSRName(i.Csr), i.Imm)
		}
		return fmt.Sprintf("%s %s, %s, %s", m, rd, CSRName(i.Csr), rs1)
	}

	switch i.Op {
	case OpLUI, OpAUIPC:
		return fmt.Sprintf("%s %s, 0x%x", m, rd, uint64(i.Imm>>12)&0xfffff)
	case OpJAL:
		return fmt.Sprintf("%s %s, %s", m, rd, target(i.Imm))
	case OpJALR:
		return fmt.Sprintf("%s %s, %d(%s)", m, rd, i.Imm, rs1)
	}

	switch {
	case i.Rs3Kind != RegNone:
		return fmt.Sprintf("%s %s, %s, %s, %s", m, rd, rs1, rs2, regText(i.Rs3Kind, i.Rs3))
	case i.Rs2Kind != RegNone:
		return fmt.Sprintf("%s %s, %s, %s", m, rd, rs1, rs2)
	case i.Rs1Kind != RegNone && i.Class == ClassFloat:
		return fmt.Sprintf("%s %s, %s", m, rd, rs1)
	default:
		return fmt.Sprintf("%s %s, %s, %d", m, rd, rs1, i.Imm)
	}
}

package emu

import (
	"fmt"

	"github.com/kil0meters/remu/insts"
)

// CSR addresses implemented by the emulator.
const (
	CSRFflags  uint16 = 0x001
	CSRFrm     uint16 = 0x002
	CSRFcsr    uint16 = 0x003
	CSRCycle   uint16 = 0xc00
	CSRTime    uint16 = 0xc01
	CSRInstret uint16 = 0xc02
)

// Counters supplies the values of the read-only counter CSRs.
type Counters interface {
	Cycles() uint64
	Instret() uint64
}

func (e *Emulator) readCSR(csr uint16) (uint64, error) {
	switch csr {
	case CSRFflags:
		return uint64(e.regFile.FCSR & fflagsMask), nil
	case CSRFrm:
		return uint64(e.regFile.RoundingMode()), nil
	case CSRFcsr:
		return uint64(e.regFile.FCSR), nil
	case CSRCycle, CSRTime:
		return e.counters.Cycles(), nil
	case CSRInstret:
		return e.counters.Instret(), nil
	}
	return 0, fmt.Errorf("csr %s: %w", insts.CSRName(csr), insts.ErrIllegalInstruction)
}

func (e *Emulator) writeCSR(csr uint16, value uint64) error {
	fcsr := e.regFile.FCSR
	switch csr {
	case CSRFflags:
		e.regFile.SetFCSR(fcsr&^fflagsMask | uint32(value)&fflagsMask)
	case CSRFrm:
		e.regFile.SetFCSR(fcsr&fflagsMask | (uint32(value)&frmMask)<<frmShift)
	case CSRFcsr:
		e.regFile.SetFCSR(uint32(value))
	default:
		return fmt.Errorf("write to read-only csr %s: %w", insts.CSRName(csr), insts.ErrIllegalInstruction)
	}
	return nil
}

// executeCSR implements the Zicsr read-modify-write instructions. A set or
// clear with a zero source does not write, so counters stay readable.
func (e *Emulator) executeCSR(inst *insts.Instruction) error {
	old, err := e.readCSR(inst.Csr)
	if err != nil {
		return err
	}

	var src uint64
	var srcIsZero bool
	switch inst.Op {
	case insts.OpCSRRWI, insts.OpCSRRSI, insts.OpCSRRCI:
		src = uint64(inst.Imm)
		srcIsZero = src == 0
	default:
		src = e.regFile.ReadReg(inst.Rs1)
		srcIsZero = inst.Rs1 == 0
	}

	switch inst.Op {
	case insts.OpCSRRW, insts.OpCSRRWI:
		err = e.writeCSR(inst.Csr, src)
	case insts.OpCSRRS, insts.OpCSRRSI:
		if !srcIsZero {
			err = e.writeCSR(inst.Csr, old|src)
		}
	case insts.OpCSRRC, insts.OpCSRRCI:
		if !srcIsZero {
			err = e.writeCSR(inst.Csr, old&^src)
		}
	}
	if err != nil {
		return err
	}

	e.regFile.WriteReg(inst.Rd, old)
	return nil
}

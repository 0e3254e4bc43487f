// Package emu provides functional RV64 emulation.
package emu

import (
	"math"
	"math/bits"

	"github.com/kil0meters/remu/insts"
)

func sext32(v uint64) uint64 {
	return uint64(int64(int32(v)))
}

// Compute evaluates an integer, multiply or divide operation on two 64-bit
// operands. For register-immediate forms b is the sign-extended immediate.
// Word (W-suffixed) operations sign-extend their 32-bit result.
//
// Division never traps: dividing by zero yields all ones for the quotient
// and the dividend for the remainder, and the signed overflow case
// MinInt64 / -1 yields MinInt64 with remainder 0.
func Compute(op insts.Op, a, b uint64) uint64 {
	switch op {
	case insts.OpADD, insts.OpADDI:
		return a + b
	case insts.OpSUB:
		return a - b
	case insts.OpSLL, insts.OpSLLI:
		return a << (b & 63)
	case insts.OpSRL, insts.OpSRLI:
		return a >> (b & 63)
	case insts.OpSRA, insts.OpSRAI:
		return uint64(int64(a) >> (b & 63))
	case insts.OpSLT, insts.OpSLTI:
		return boolToU64(int64(a) < int64(b))
	case insts.OpSLTU, insts.OpSLTIU:
		return boolToU64(a < b)
	case insts.OpXOR, insts.OpXORI:
		return a ^ b
	case insts.OpOR, insts.OpORI:
		return a | b
	case insts.OpAND, insts.OpANDI:
		return a & b

	case insts.OpADDW, insts.OpADDIW:
		return sext32(a + b)
	case insts.OpSUBW:
		return sext32(a - b)
	case insts.OpSLLW, insts.OpSLLIW:
		return sext32(uint64(uint32(a) << (b & 31)))
	case insts.OpSRLW, insts.OpSRLIW:
		return sext32(uint64(uint32(a) >> (b & 31)))
	case insts.OpSRAW, insts.OpSRAIW:
		return uint64(int64(int32(a) >> (b & 31)))

	case insts.OpMUL:
		return a * b
	case insts.OpMULH:
		return mulhSigned(a, b)
	case insts.OpMULHU:
		hi, _ := bits.Mul64(a, b)
		return hi
	case insts.OpMULHSU:
		return mulhsu(a, b)
	case insts.OpMULW:
		return sext32(uint64(uint32(a) * uint32(b)))

	case insts.OpDIV:
		return uint64(divSigned(int64(a), int64(b)))
	case insts.OpDIVU:
		if b == 0 {
			return math.MaxUint64
		}
		return a / b
	case insts.OpREM:
		return uint64(remSigned(int64(a), int64(b)))
	case insts.OpREMU:
		if b == 0 {
			return a
		}
		return a % b
	case insts.OpDIVW:
		return uint64(int64(divSigned32(int32(a), int32(b))))
	case insts.OpDIVUW:
		if uint32(b) == 0 {
			return math.MaxUint64
		}
		return sext32(uint64(uint32(a) / uint32(b)))
	case insts.OpREMW:
		return uint64(int64(remSigned32(int32(a), int32(b))))
	case insts.OpREMUW:
		if uint32(b) == 0 {
			return sext32(a)
		}
		return sext32(uint64(uint32(a) % uint32(b)))
	}
	return 0
}

func boolToU64(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

func mulhSigned(a, b uint64) uint64 {
	hi, _ := bits.Mul64(a, b)
	if int64(a) < 0 {
		hi -= b
	}
	if int64(b) < 0 {
		hi -= a
	}
	return hi
}

func mulhsu(a, b uint64) uint64 {
	hi, _ := bits.Mul64(a, b)
	if int64(a) < 0 {
		hi -= b
	}
	return hi
}

func divSigned(a, b int64) int64 {
	switch {
	case b == 0:
		return -1
	case a == math.MinInt64 && b == -1:
		return a
	}
	return a / b
}

func remSigned(a, b int64) int64 {
	switch {
	case b == 0:
		return a
	case a == math.MinInt64 && b == -1:
		return 0
	}
	return a % b
}

func divSigned32(a, b int32) int32 {
	switch {
	case b == 0:
		return -1
	case a == math.MinInt32 && b == -1:
		return a
	}
	return a / b
}

func remSigned32(a, b int32) int32 {
	switch {
	case b == 0:
		return a
	case a == math.MinInt32 && b == -1:
		return 0
	}
	return a % b
}

// BranchTaken evaluates the condition of a conditional branch.
func BranchTaken(op insts.Op, a, b uint64) bool {
	switch op {
	case insts.OpBEQ:
		return a == b
	case insts.OpBNE:
		return a != b
	case insts.OpBLT:
		return int64(a) < int64(b)
	case insts.OpBGE:
		return int64(a) >= int64(b)
	case insts.OpBLTU:
		return a < b
	case insts.OpBGEU:
		return a >= b
	}
	return false
}

// amo computes the value an AMO stores given the loaded and register
// operands, both already sign-extended for word forms.
func amo(op insts.Op, loaded, operand uint64, width uint8) uint64 {
	if width == 4 {
		loaded = sext32(loaded)
		operand = sext32(operand)
	}
	switch op {
	case insts.OpAMOSWAP:
		return operand
	case insts.OpAMOADD:
		return loaded + operand
	case insts.OpAMOXOR:
		return loaded ^ operand
	case insts.OpAMOAND:
		return loaded & operand
	case insts.OpAMOOR:
		return loaded | operand
	case insts.OpAMOMIN:
		if int64(operand) < int64(loaded) {
			return operand
		}
		return loaded
	case insts.OpAMOMAX:
		if int64(operand) > int64(loaded) {
			return operand
		}
		return loaded
	case insts.OpAMOMINU:
		if width == 4 {
			if uint32(operand) < uint32(loaded) {
				return operand
			}
			return loaded
		}
		if operand < loaded {
			return operand
		}
		return loaded
	case insts.OpAMOMAXU:
		if width == 4 {
			if uint32(operand) > uint32(loaded) {
				return operand
			}
			return loaded
		}
		if operand > loaded {
			return operand
		}
		return loaded
	}
	return loaded
}

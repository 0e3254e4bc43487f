// Package emu provides functional RV64 emulation.
package emu

import (
	"fmt"
	"math"

	"github.com/kil0meters/remu/insts"
)

// Rounding modes held in frm and in the rm field of an instruction.
const (
	RoundNearestEven uint8 = 0
	RoundTowardZero  uint8 = 1
	RoundDown        uint8 = 2
	RoundUp          uint8 = 3
	RoundNearestMax  uint8 = 4
	RoundDynamic     uint8 = 7
)

// FPU holds the floating point semantics. Arithmetic always rounds to
// nearest-even; the rounding mode is honoured for float-to-integer
// conversions. Only the NV and DZ exception flags are raised.
type FPU struct {
	regFile *RegFile
}

// NewFPU creates an FPU operating on regFile.
func NewFPU(regFile *RegFile) *FPU {
	return &FPU{regFile: regFile}
}

// bits returns the operand bits: 32-bit values occupy the low half.
func (f *FPU) bits(reg uint8, double bool) uint64 {
	if double {
		return f.regFile.ReadFReg(reg)
	}
	return uint64(f.regFile.ReadF32(reg))
}

func (f *FPU) value(reg uint8, double bool) float64 {
	if double {
		return math.Float64frombits(f.regFile.ReadFReg(reg))
	}
	return float64(math.Float32frombits(f.regFile.ReadF32(reg)))
}

// store rounds v to the destination precision and canonicalizes NaNs.
func (f *FPU) store(reg uint8, v float64, double bool) {
	if double {
		if math.IsNaN(v) {
			f.regFile.WriteFReg(reg, CanonicalNaN64)
			return
		}
		f.regFile.WriteFReg(reg, math.Float64bits(v))
		return
	}
	if math.IsNaN(v) {
		f.regFile.WriteF32(reg, CanonicalNaN32)
		return
	}
	f.regFile.WriteF32(reg, math.Float32bits(float32(v)))
}

func (f *FPU) storeBits(reg uint8, bits uint64, double bool) {
	if double {
		f.regFile.WriteFReg(reg, bits)
		return
	}
	f.regFile.WriteF32(reg, uint32(bits))
}

func isSignalingNaN(bits uint64, double bool) bool {
	if double {
		return bits&0x7ff0000000000000 == 0x7ff0000000000000 &&
			bits&0x000fffffffffffff != 0 && bits&0x0008000000000000 == 0
	}
	b := uint32(bits)
	return b&0x7f800000 == 0x7f800000 && b&0x007fffff != 0 && b&0x00400000 == 0
}

func signBit(double bool) uint64 {
	if double {
		return 1 << 63
	}
	return 1 << 31
}

// invalidFlags raises NV for signaling inputs and for a NaN produced from
// non-NaN inputs.
func invalidFlags(result float64, inputs []float64, raw []uint64, double bool) uint32 {
	for _, b := range raw {
		if isSignalingNaN(b, double) {
			return FlagNV
		}
	}
	if !math.IsNaN(result) {
		return 0
	}
	for _, v := range inputs {
		if math.IsNaN(v) {
			return 0
		}
	}
	return FlagNV
}

func (f *FPU) roundingMode(rm uint8) (uint8, error) {
	if rm == RoundDynamic {
		rm = f.regFile.RoundingMode()
	}
	if rm > RoundNearestMax {
		return 0, fmt.Errorf("rounding mode %d: %w", rm, insts.ErrIllegalInstruction)
	}
	return rm, nil
}

// Execute applies a float-class instruction.
func (f *FPU) Execute(inst *insts.Instruction) error {
	d := inst.Double

	switch inst.Op {
	case insts.OpFADD, insts.OpFSUB, insts.OpFMUL, insts.OpFDIV:
		return f.arith(inst)
	case insts.OpFSQRT:
		a := f.value(inst.Rs1, d)
		r := math.Sqrt(a)
		f.regFile.AccrueFlags(invalidFlags(r, []float64{a}, []uint64{f.bits(inst.Rs1, d)}, d))
		f.store(inst.Rd, r, d)
	case insts.OpFMADD, insts.OpFMSUB, insts.OpFNMSUB, insts.OpFNMADD:
		f.fused(inst)
	case insts.OpFSGNJ, insts.OpFSGNJN, insts.OpFSGNJX:
		f.signInject(inst)
	case insts.OpFMIN, insts.OpFMAX:
		f.minMax(inst)
	case insts.OpFEQ, insts.OpFLT, insts.OpFLE:
		f.compare(inst)
	case insts.OpFCVTW, insts.OpFCVTWU, insts.OpFCVTL, insts.OpFCVTLU:
		return f.toInt(inst)
	case insts.OpFCVTFromW, insts.OpFCVTFromWU, insts.OpFCVTFromL, insts.OpFCVTFromLU:
		f.fromInt(inst)
	case insts.OpFCVTSD:
		raw := f.regFile.ReadFReg(inst.Rs1)
		if isSignalingNaN(raw, true) {
			f.regFile.AccrueFlags(FlagNV)
		}
		f.store(inst.Rd, math.Float64frombits(raw), false)
	case insts.OpFCVTDS:
		raw := uint64(f.regFile.ReadF32(inst.Rs1))
		if isSignalingNaN(raw, false) {
			f.regFile.AccrueFlags(FlagNV)
		}
		f.store(inst.Rd, float64(math.Float32frombits(uint32(raw))), true)
	case insts.OpFMVXF:
		raw := f.regFile.ReadFReg(inst.Rs1)
		if !d {
			raw = sext32(raw)
		}
		f.regFile.WriteReg(inst.Rd, raw)
	case insts.OpFMVFX:
		f.storeBits(inst.Rd, f.regFile.ReadReg(inst.Rs1), d)
	case insts.OpFCLASS:
		f.regFile.WriteReg(inst.Rd, classify(f.bits(inst.Rs1, d), d))
	default:
		return fmt.Errorf("%s: %w", inst.Mnemonic(), insts.ErrIllegalInstruction)
	}
	return nil
}

func (f *FPU) arith(inst *insts.Instruction) error {
	d := inst.Double
	if _, err := f.roundingMode(inst.RM); err != nil {
		return err
	}
	a, b := f.value(inst.Rs1, d), f.value(inst.Rs2, d)

	var r float64
	var flags uint32
	switch inst.Op {
	case insts.OpFADD:
		r = a + b
	case insts.OpFSUB:
		r = a - b
	case insts.OpFMUL:
		r = float64(a * b)
	case insts.OpFDIV:
		if b == 0 && a != 0 && !math.IsNaN(a) && !math.IsInf(a, 0) {
			flags |= FlagDZ
		}
		r = a / b
	}

	flags |= invalidFlags(r, []float64{a, b},
		[]uint64{f.bits(inst.Rs1, d), f.bits(inst.Rs2, d)}, d)
	f.regFile.AccrueFlags(flags)
	f.store(inst.Rd, r, d)
	return nil
}

func (f *FPU) fused(inst *insts.Instruction) {
	d := inst.Double
	a, b, c := f.value(inst.Rs1, d), f.value(inst.Rs2, d), f.value(inst.Rs3, d)

	var r float64
	switch inst.Op {
	case insts.OpFMADD:
		r = math.FMA(a, b, c)
	case insts.OpFMSUB:
		r = math.FMA(a, b, -c)
	case insts.OpFNMSUB:
		r = math.FMA(-a, b, c)
	case insts.OpFNMADD:
		r = math.FMA(-a, b, -c)
	}

	flags := invalidFlags(r, []float64{a, b, c},
		[]uint64{f.bits(inst.Rs1, d), f.bits(inst.Rs2, d), f.bits(inst.Rs3, d)}, d)
	// 0 * inf plus a quiet NaN is still invalid.
	if (math.IsInf(a, 0) && b == 0) || (a == 0 && math.IsInf(b, 0)) {
		flags |= FlagNV
	}
	f.regFile.AccrueFlags(flags)
	f.store(inst.Rd, r, d)
}

func (f *FPU) signInject(inst *insts.Instruction) {
	d := inst.Double
	a, b := f.bits(inst.Rs1, d), f.bits(inst.Rs2, d)
	sign := signBit(d)

	var s uint64
	switch inst.Op {
	case insts.OpFSGNJ:
		s = b & sign
	case insts.OpFSGNJN:
		s = ^b & sign
	case insts.OpFSGNJX:
		s = (a ^ b) & sign
	}
	f.storeBits(inst.Rd, a&^sign|s, d)
}

func (f *FPU) minMax(inst *insts.Instruction) {
	d := inst.Double
	ra, rb := f.bits(inst.Rs1, d), f.bits(inst.Rs2, d)
	a, b := f.value(inst.Rs1, d), f.value(inst.Rs2, d)

	if isSignalingNaN(ra, d) || isSignalingNaN(rb, d) {
		f.regFile.AccrueFlags(FlagNV)
	}

	isMax := inst.Op == insts.OpFMAX
	switch {
	case math.IsNaN(a) && math.IsNaN(b):
		f.store(inst.Rd, math.NaN(), d)
	case math.IsNaN(a):
		f.storeBits(inst.Rd, rb, d)
	case math.IsNaN(b):
		f.storeBits(inst.Rd, ra, d)
	case a == b:
		// Equal values differ only in the sign of zero: -0 < +0.
		neg := ra&signBit(d) != 0
		if neg != isMax {
			f.storeBits(inst.Rd, ra, d)
		} else {
			f.storeBits(inst.Rd, rb, d)
		}
	case (a > b) == isMax:
		f.storeBits(inst.Rd, ra, d)
	default:
		f.storeBits(inst.Rd, rb, d)
	}
}

func (f *FPU) compare(inst *insts.Instruction) {
	d := inst.Double
	ra, rb := f.bits(inst.Rs1, d), f.bits(inst.Rs2, d)
	a, b := f.value(inst.Rs1, d), f.value(inst.Rs2, d)

	nan := math.IsNaN(a) || math.IsNaN(b)
	switch {
	case inst.Op == insts.OpFEQ && (isSignalingNaN(ra, d) || isSignalingNaN(rb, d)):
		f.regFile.AccrueFlags(FlagNV)
	case inst.Op != insts.OpFEQ && nan:
		f.regFile.AccrueFlags(FlagNV)
	}

	var r bool
	switch inst.Op {
	case insts.OpFEQ:
		r = a == b
	case insts.OpFLT:
		r = a < b
	case insts.OpFLE:
		r = a <= b
	}
	f.regFile.WriteReg(inst.Rd, boolToU64(r && !nan))
}

func roundWith(v float64, rm uint8) float64 {
	switch rm {
	case RoundTowardZero:
		return math.Trunc(v)
	case RoundDown:
		return math.Floor(v)
	case RoundUp:
		return math.Ceil(v)
	case RoundNearestMax:
		return math.Round(v)
	default:
		return math.RoundToEven(v)
	}
}

func (f *FPU) toInt(inst *insts.Instruction) error {
	rm, err := f.roundingMode(inst.RM)
	if err != nil {
		return err
	}
	v := f.value(inst.Rs1, inst.Double)
	r := roundWith(v, rm)

	var lo, hi float64
	var loBits, hiBits uint64
	switch inst.Op {
	case insts.OpFCVTW:
		lo, hi = math.MinInt32, math.MaxInt32
		loBits, hiBits = sext32(1<<31), math.MaxInt32
	case insts.OpFCVTWU:
		lo, hi = 0, math.MaxUint32
		loBits, hiBits = 0, math.MaxUint64
	case insts.OpFCVTL:
		lo, hi = math.MinInt64, math.MaxInt64
		loBits, hiBits = 1<<63, math.MaxInt64
	case insts.OpFCVTLU:
		lo, hi = 0, math.MaxUint64
		loBits, hiBits = 0, math.MaxUint64
	}

	var out uint64
	switch {
	case math.IsNaN(v):
		f.regFile.AccrueFlags(FlagNV)
		out = hiBits
	case r < lo:
		f.regFile.AccrueFlags(FlagNV)
		out = loBits
	case r >= hi+1 || (inst.Op == insts.OpFCVTL || inst.Op == insts.OpFCVTLU) && r >= hi:
		// float64(MaxInt64) and float64(MaxUint64) round up past the range.
		f.regFile.AccrueFlags(FlagNV)
		out = hiBits
	default:
		switch inst.Op {
		case insts.OpFCVTW:
			out = sext32(uint64(int64(r)))
		case insts.OpFCVTWU:
			out = sext32(uint64(r))
		case insts.OpFCVTL:
			out = uint64(int64(r))
		case insts.OpFCVTLU:
			out = uint64(r)
		}
	}
	f.regFile.WriteReg(inst.Rd, out)
	return nil
}

func (f *FPU) fromInt(inst *insts.Instruction) {
	x := f.regFile.ReadReg(inst.Rs1)

	var v float64
	if inst.Double {
		switch inst.Op {
		case insts.OpFCVTFromW:
			v = float64(int32(x))
		case insts.OpFCVTFromWU:
			v = float64(uint32(x))
		case insts.OpFCVTFromL:
			v = float64(int64(x))
		case insts.OpFCVTFromLU:
			v = float64(x)
		}
		f.store(inst.Rd, v, true)
		return
	}

	// Convert straight to float32 so 64-bit sources round once.
	var s float32
	switch inst.Op {
	case insts.OpFCVTFromW:
		s = float32(int32(x))
	case insts.OpFCVTFromWU:
		s = float32(uint32(x))
	case insts.OpFCVTFromL:
		s = float32(int64(x))
	case insts.OpFCVTFromLU:
		s = float32(x)
	}
	f.regFile.WriteF32(inst.Rd, math.Float32bits(s))
}

// classify implements FCLASS.
func classify(bits uint64, double bool) uint64 {
	var neg, inf, zero, sub, nan, quiet bool
	if double {
		exp := bits >> 52 & 0x7ff
		mant := bits & 0x000fffffffffffff
		neg = bits>>63 != 0
		inf = exp == 0x7ff && mant == 0
		nan = exp == 0x7ff && mant != 0
		quiet = mant>>51 != 0
		zero = exp == 0 && mant == 0
		sub = exp == 0 && mant != 0
	} else {
		b := uint32(bits)
		exp := b >> 23 & 0xff
		mant := b & 0x007fffff
		neg = b>>31 != 0
		inf = exp == 0xff && mant == 0
		nan = exp == 0xff && mant != 0
		quiet = mant>>22 != 0
		zero = exp == 0 && mant == 0
		sub = exp == 0 && mant != 0
	}

	switch {
	case nan && quiet:
		return 1 << 9
	case nan:
		return 1 << 8
	case inf && neg:
		return 1 << 0
	case inf:
		return 1 << 7
	case zero && neg:
		return 1 << 3
	case zero:
		return 1 << 4
	case sub && neg:
		return 1 << 2
	case sub:
		return 1 << 5
	case neg:
		return 1 << 1
	}
	return 1 << 6
}

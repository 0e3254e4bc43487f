package insts

// ABI register numbers used throughout the emulator.
const (
	RegZero = 0
	RegRA   = 1
	RegSP   = 2
	RegGP   = 3
	RegTP   = 4
	RegT0   = 5
	RegT1   = 6
	RegT2   = 7
	RegS0   = 8
	RegS1   = 9
	RegA0   = 10
	RegA1   = 11
	RegA2   = 12
	RegA3   = 13
	RegA4   = 14
	RegA5   = 15
	RegA6   = 16
	RegA7   = 17
)

var intRegNames = [32]string{
	"zero", "ra", "sp", "gp", "tp", "t0", "t1", "t2",
	"s0", "s1", "a0", "a1", "a2", "a3", "a4", "a5",
	"a6", "a7", "s2", "s3", "s4", "s5", "s6", "s7",
	"s8", "s9", "s10", "s11", "t3", "t4", "t5", "t6",
}

var floatRegNames = [32]string{
	"ft0", "ft1", "ft2", "ft3", "ft4", "ft5", "ft6", "ft7",
	"fs0", "fs1", "fa0", "fa1", "fa2", "fa3", "fa4", "fa5",
	"fa6", "fa7", "fs2", "fs3", "fs4", "fs5", "fs6", "fs7",
	"fs8", "fs9", "fs10", "fs11", "ft8", "ft9", "ft10", "ft11",
}

// IntRegName returns the ABI name of integer register n.
func IntRegName(n uint8) string {
	return intRegNames[n&0x1f]
}

// FloatRegName returns the ABI name of float register n.
func FloatRegName(n uint8) string {
	return floatRegNames[n&0x1f]
}

// RegName returns the ABI name of r.
func RegName(r Reg) string {
	if r.Kind == RegFloat {
		return FloatRegName(r.Num)
	}
	return IntRegName(r.Num)
}

// ParseRegName resolves an ABI or numeric register name such as "a0",
// "x10", "fa0" or "f10".
func ParseRegName(name string) (Reg, bool) {
	for i, n := range intRegNames {
		if n == name {
			return Reg{Kind: RegInt, Num: uint8(i)}, true
		}
	}
	if name == "fp" {
		return Reg{Kind: RegInt, Num: RegS0}, true
	}
	for i, n := range floatRegNames {
		if n == name {
			return Reg{Kind: RegFloat, Num: uint8(i)}, true
		}
	}

	var kind RegKind
	switch {
	case len(name) > 1 && name[0] == 'x':
		kind = RegInt
	case len(name) > 1 && name[0] == 'f':
		kind = RegFloat
	default:
		return Reg{}, false
	}

	n := 0
	for _, c := range name[1:] {
		if c < '0' || c > '9' {
			return Reg{}, false
		}
		n = n*10 + int(c-'0')
		if n > 31 {
			return Reg{}, false
		}
	}
	return Reg{Kind: kind, Num: uint8(n)}, true
}

package benchmarks

import (
	"github.com/kil0meters/remu/emu"
	"github.com/kil0meters/remu/insts"
)

const (
	a0 = insts.RegA0
	a1 = insts.RegA1
	a2 = insts.RegA2
	a3 = insts.RegA3
	a4 = insts.RegA4
	a5 = insts.RegA5
	a7 = insts.RegA7
	t0 = insts.RegT0
	t1 = insts.RegT1
	t2 = insts.RegT2
	s0 = insts.RegS0
	s1 = insts.RegS1
	ra = insts.RegRA
	sp = insts.RegSP
)

// GetMicrobenchmarks returns the standard set of microbenchmarks. Each one
// isolates a single term of the timing model.
func GetMicrobenchmarks() []Benchmark {
	return []Benchmark{
		arithmeticSequential(),
		dependencyChain(),
		loadUse(),
		functionCalls(),
		branchAlternating(),
		streaming(),
		divideCurve(),
		fibonacci(),
	}
}

// GetCoreBenchmarks returns a minimal set for quick validation: a recursive
// workload, memory behaviour and branch-heavy code.
func GetCoreBenchmarks() []Benchmark {
	return []Benchmark{
		fibonacci(),
		loadUse(),
		branchAlternating(),
	}
}

// exit emits exit(rd).
func exit(a *insts.Asm, rd uint8) {
	if rd != a0 {
		a.MV(a0, rd)
	}
	a.LI(a7, int64(emu.SyscallExit))
	a.ECALL()
}

// 20 independent ADDIs across five registers.
func arithmeticSequential() Benchmark {
	return Benchmark{
		Name:        "arithmetic_sequential",
		Description: "20 independent ADDI operations - measures issue throughput",
		Build: func(a *insts.Asm) {
			for i := 0; i < 4; i++ {
				for _, rd := range []uint8{a1, a2, a3, a4, a5} {
					a.ADDI(rd, rd, 1)
				}
			}
			exit(a, a5)
		},
		ExpectedExit: 4,
	}
}

func dependencyChain() Benchmark {
	return Benchmark{
		Name:        "dependency_chain",
		Description: "20 dependent ADDIs (a0 = a0 + 1) - measures back-to-back issue",
		Build: func(a *insts.Asm) {
			for i := 0; i < 20; i++ {
				a.ADDI(a0, a0, 1)
			}
			exit(a, a0)
		},
		ExpectedExit: 20,
	}
}

// Each store/load pair feeds the next increment, so every load's latency
// is exposed.
func loadUse() Benchmark {
	return Benchmark{
		Name:        "load_use",
		Description: "10 store/load/add triples on one line - measures load-use stalls",
		Setup: func(regs *emu.RegFile, _ *emu.Memory) {
			regs.WriteReg(s0, DataBase)
		},
		Build: func(a *insts.Asm) {
			for i := 0; i < 10; i++ {
				a.SD(a0, s0, 0)
				a.LD(a0, s0, 0)
				a.ADDI(a0, a0, 1)
			}
			exit(a, a0)
		},
		ExpectedExit: 10,
	}
}

func functionCalls() Benchmark {
	return Benchmark{
		Name:        "function_calls",
		Description: "10 calls to a leaf function - measures jump overhead",
		Build: func(a *insts.Asm) {
			for i := 0; i < 10; i++ {
				a.CALL("leaf")
			}
			exit(a, a0)
			a.Label("leaf")
			a.ADDI(a0, a0, 1)
			a.RET()
		},
		ExpectedExit: 10,
	}
}

// The inner branch flips direction every iteration, which a last-outcome
// predictor always gets wrong.
func branchAlternating() Benchmark {
	return Benchmark{
		Name:        "branch_alternating",
		Description: "32 iterations of a branch that alternates direction - measures misprediction cost",
		Build: func(a *insts.Asm) {
			a.LI(t1, 32)
			a.Label("loop")
			a.ANDI(t0, t1, 1)
			a.BEQZ(t0, "skip")
			a.ADDI(a0, a0, 1)
			a.Label("skip")
			a.ADDI(t1, t1, -1)
			a.BNEZ(t1, "loop")
			exit(a, a0)
		},
		ExpectedExit: 16,
	}
}

// streamBytes is twice the default L1D capacity.
const streamBytes = 64 * 1024

// One load per line across twice the cache capacity, done twice. The second
// pass misses as often as the first because LRU evicted every line.
func streaming() Benchmark {
	return Benchmark{
		Name:        "streaming",
		Description: "two strided passes over 64 KiB - measures capacity misses",
		Setup: func(regs *emu.RegFile, _ *emu.Memory) {
			regs.WriteReg(s0, DataBase)
		},
		Build: func(a *insts.Asm) {
			a.LI(s1, 2)
			a.Label("pass")
			a.MV(t0, s0)
			a.LI(t1, streamBytes)
			a.ADD(t1, t1, s0)
			a.Label("line")
			a.LD(t2, t0, 0)
			a.ADDI(a0, a0, 1)
			a.ADDI(t0, t0, 64)
			a.BLTU(t0, t1, "line")
			a.ADDI(s1, s1, -1)
			a.BNEZ(s1, "pass")
			a.SRLI(a0, a0, 4)
			exit(a, a0)
		},
		ExpectedExit: 2 * streamBytes / 64 >> 4,
	}
}

// Divides whose dividend grows one bit per step while the divisor stays 1.
func divideCurve() Benchmark {
	return Benchmark{
		Name:        "divide_curve",
		Description: "16 unsigned divides with a growing dividend - measures operand-dependent latency",
		Build: func(a *insts.Asm) {
			a.LI(a1, 1)
			a.LI(a2, 1)
			for i := 0; i < 16; i++ {
				a.DIVU(a3, a2, a1)
				a.SLLI(a2, a2, 4)
			}
			a.LI(a0, 0)
			exit(a, a0)
		},
		ExpectedExit: 0,
	}
}

// fibN is small enough that the result fits an exit status.
const fibN = 12

func fibonacci() Benchmark {
	return Benchmark{
		Name:        "fibonacci",
		Description: "recursive fib(12) - end-to-end workload with calls, stack traffic and branches",
		Build: func(a *insts.Asm) {
			a.LI(a0, fibN)
			a.CALL("fib")
			exit(a, a0)

			a.Label("fib")
			a.LI(t0, 2)
			a.BLT(a0, t0, "base")
			a.ADDI(sp, sp, -32)
			a.SD(ra, sp, 0)
			a.SD(s0, sp, 8)
			a.SD(s1, sp, 16)
			a.MV(s0, a0)
			a.ADDI(a0, s0, -1)
			a.CALL("fib")
			a.MV(s1, a0)
			a.ADDI(a0, s0, -2)
			a.CALL("fib")
			a.ADD(a0, a0, s1)
			a.LD(ra, sp, 0)
			a.LD(s0, sp, 8)
			a.LD(s1, sp, 16)
			a.ADDI(sp, sp, 32)
			a.Label("base")
			a.RET()
		},
		ExpectedExit: 144,
	}
}

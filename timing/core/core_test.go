package core_test

import (
	"context"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/kil0meters/remu/emu"
	"github.com/kil0meters/remu/insts"
	"github.com/kil0meters/remu/timing/core"
	"github.com/kil0meters/remu/timing/latency"
)

var _ = Describe("Core", func() {
	Describe("execution states", func() {
		It("should start running and halt with the exit code", func() {
			c, _, _ := newCore(func(a *insts.Asm) {
				a.NOP()
				exit(a, 7)
			})
			Expect(c.Status()).To(Equal(core.StatusRunning))

			code, err := c.Run(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(code).To(Equal(int64(7)))
			Expect(c.Status()).To(Equal(core.StatusHalted))
			Expect(c.ExitCode()).To(Equal(int64(7)))
			Expect(c.Stats().Instructions).To(Equal(uint64(4)))
		})

		It("should refuse to step once halted", func() {
			c, _, _ := newCore(func(a *insts.Asm) { exit(a, 0) })
			_, err := c.Run(context.Background())
			Expect(err).NotTo(HaveOccurred())

			result := c.Step()
			Expect(result.Err).To(MatchError(core.ErrNotRunning))
			Expect(result.Delta).To(BeNil())
		})

		It("should fault on an illegal instruction with the failing PC", func() {
			c, _, _ := newCore(func(a *insts.Asm) {
				a.NOP()
				a.Word(0xffffffff)
			})
			Expect(c.Step().Err).NotTo(HaveOccurred())

			result := c.Step()
			Expect(result.Err).To(HaveOccurred())
			Expect(errors.Is(result.Err, insts.ErrIllegalInstruction)).To(BeTrue())

			var fault *core.Fault
			Expect(errors.As(result.Err, &fault)).To(BeTrue())
			Expect(fault.PC).To(Equal(textBase + 4))
			Expect(c.Status()).To(Equal(core.StatusFaulted))
			Expect(c.Err()).To(Equal(result.Err))
			Expect(c.PC()).To(Equal(textBase + 4))

			Expect(c.Step().Err).To(MatchError(core.ErrNotRunning))
		})

		It("should fault on an unmapped load without touching registers", func() {
			c, _, _ := newCore(func(a *insts.Asm) {
				a.LI(t0, 5)
				a.LD(t0, 0, 16)
			})
			Expect(c.Step().Err).NotTo(HaveOccurred())

			result := c.Step()
			Expect(errors.Is(result.Err, emu.ErrSegmentationFault)).To(BeTrue())
			Expect(c.RegFile().X[t0]).To(Equal(uint64(5)))
		})

		It("should resume running after a faulting step is reverted", func() {
			c, _, _ := newCore(func(a *insts.Asm) { a.Word(0xffffffff) })
			result := c.Step()
			Expect(result.Err).To(HaveOccurred())
			Expect(result.Delta).NotTo(BeNil())

			Expect(c.Revert(result.Delta)).To(Succeed())
			Expect(c.Status()).To(Equal(core.StatusRunning))
			Expect(c.Err()).To(BeNil())
			Expect(c.PC()).To(Equal(textBase))
		})

		It("should stop a run when the context is cancelled", func() {
			c, _, _ := newCore(func(a *insts.Asm) {
				a.Label("spin")
				a.J("spin")
			})
			ctx, cancel := context.WithCancel(context.Background())
			cancel()

			_, err := c.Run(ctx)
			Expect(err).To(MatchError(context.Canceled))
			Expect(c.Status()).To(Equal(core.StatusRunning))
			Expect(c.Stats().Instructions).To(BeZero())
		})

		It("should record the output of a write syscall in the delta", func() {
			c, _, stdout := newCore(func(a *insts.Asm) {
				a.LI(a0, 1)
				a.LI(a1, int64(dataBase))
				a.LI(insts.RegA2, 3)
				a.LI(a7, int64(emu.SyscallWrite))
				a.ECALL()
				exit(a, 0)
			})
			Expect(c.Memory().WriteBytes(dataBase, []byte("hi\n"))).To(Succeed())

			var last *core.Delta
			for i := 0; i < 6; i++ {
				result := c.Step()
				Expect(result.Err).NotTo(HaveOccurred())
				last = result.Delta
			}
			Expect(last.ProducedOutput()).To(BeTrue())
			Expect(last.Syscall.Num).To(Equal(emu.SyscallWrite))
			Expect(string(last.Syscall.Output)).To(Equal("hi\n"))
			Expect(last.Syscall.Nondeterministic).To(BeFalse())
			Expect(stdout.String()).To(Equal("hi\n"))
		})
	})

	Describe("guest memory requests", func() {
		It("should fail an oversized mmap with ENOMEM instead of aborting", func() {
			c, _, _ := newCore(func(a *insts.Asm) {
				a.LI(a0, 0)
				a.LI(a1, 1)
				a.SLLI(a1, a1, 50)
				a.LI(insts.RegA2, 3)
				a.LI(insts.RegA3, 0x22)
				a.LI(insts.RegA4, -1)
				a.LI(insts.RegA5, 0)
				a.LI(a7, int64(emu.SyscallMmap))
				a.ECALL()
				a.LI(a7, int64(emu.SyscallExit))
				a.ECALL()
			})

			code, err := c.Run(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(code).To(Equal(int64(-emu.ENOMEM)))
			Expect(c.Status()).To(Equal(core.StatusHalted))
		})
	})

	Describe("pipeline stalls", func() {
		// loadThen loads from the cold data page and follows the load with
		// use, returning the clock before the load and the core.
		loadThen := func(use func(a *insts.Asm)) (*core.Core, uint64) {
			c, _, _ := newCore(func(a *insts.Asm) {
				a.LI(t1, int64(dataBase))
				a.LD(t0, t1, 0)
				use(a)
				exit(a, 0)
			})
			for c.PC() != textBase+8 {
				Expect(c.Step().Err).NotTo(HaveOccurred())
			}
			return c, c.Counters().Clock
		}

		It("should delay a consumer of a missing load by the miss latency", func() {
			c, before := loadThen(func(a *insts.Asm) { a.ADDI(a1, t0, 1) })
			stalls := c.Counters().StallCycles

			Expect(c.Step().Err).NotTo(HaveOccurred())
			Expect(c.Step().Err).NotTo(HaveOccurred())

			miss := c.Timing().L1D.MissLatency
			Expect(c.Counters().Clock - before).To(BeNumerically(">=", miss))
			Expect(c.Counters().StallCycles - stalls).To(Equal(miss - 1))
		})

		It("should not stall an independent instruction", func() {
			c, before := loadThen(func(a *insts.Asm) { a.ADDI(a1, t1, 1) })
			stalls := c.Counters().StallCycles

			Expect(c.Step().Err).NotTo(HaveOccurred())
			Expect(c.Step().Err).NotTo(HaveOccurred())

			Expect(c.Counters().Clock - before).To(Equal(uint64(2)))
			Expect(c.Counters().StallCycles).To(Equal(stalls))
		})

		It("should charge an unconsumed miss to the total cycle count", func() {
			c, _ := loadThen(func(a *insts.Asm) { a.ADDI(a1, t1, 1) })
			Expect(c.Step().Err).NotTo(HaveOccurred())

			counters := c.Counters()
			Expect(counters.Horizon).To(BeNumerically(">", counters.Clock))
			Expect(counters.Cycles()).To(Equal(counters.Horizon))
		})

		It("should stall a consumer of a hitting load by less", func() {
			c, _, _ := newCore(func(a *insts.Asm) {
				a.LI(t1, int64(dataBase))
				a.LD(t0, t1, 0)
				a.LD(t0, t1, 8)
				a.ADDI(a1, t0, 1)
				exit(a, 0)
			})
			for c.PC() != textBase+16 {
				Expect(c.Step().Err).NotTo(HaveOccurred())
			}
			stalls := c.Counters().StallCycles
			Expect(c.Step().Err).NotTo(HaveOccurred())

			hit := c.Timing().L1D.HitLatency
			Expect(c.Counters().StallCycles - stalls).To(Equal(hit - 1))
		})

		It("should give multiplies a fixed latency", func() {
			c, _, _ := newCore(func(a *insts.Asm) {
				a.LI(t0, 6)
				a.MUL(t1, t0, t0)
				a.ADDI(a1, t1, 1)
				exit(a, 0)
			})
			_, err := c.Run(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(c.Stats().StallCycles).To(Equal(c.Timing().MultiplyLatency - 1))
			Expect(c.RegFile().X[a1]).To(Equal(uint64(37)))
		})

		It("should make wide divides slower than narrow ones", func() {
			divide := func(dividend int64) uint64 {
				c, _, _ := newCore(func(a *insts.Asm) {
					a.LI(t0, dividend)
					a.LI(t1, 3)
					a.DIVU(a1, t0, t1)
					a.ADDI(a1, a1, 0)
					exit(a, 0)
				})
				_, err := c.Run(context.Background())
				Expect(err).NotTo(HaveOccurred())
				return c.Stats().StallCycles
			}
			Expect(divide(1 << 30)).To(BeNumerically(">", divide(7)))
		})
	})

	Describe("branch prediction", func() {
		It("should charge the penalty only on mispredictions", func() {
			c, syms, _ := newCore(func(a *insts.Asm) {
				a.LI(t0, 3)
				a.Label("loop")
				a.ADDI(t0, t0, -1)
				a.BNEZ(t0, "loop")
				exit(a, 0)
			})
			branch := syms["loop"] + 4
			penalty := c.Timing().BranchMispredictPenalty

			var advances []uint64
			for c.Status() == core.StatusRunning {
				pc := c.PC()
				before := c.Counters().Clock
				Expect(c.Step().Err).NotTo(HaveOccurred())
				if pc == branch {
					advances = append(advances, c.Counters().Clock-before)
				}
			}

			Expect(advances).To(Equal([]uint64{1 + penalty, 1, 1 + penalty}))
			Expect(c.Stats().MispredictCycles).To(Equal(2 * penalty))
			Expect(c.Stats().Branch.Predictions).To(Equal(uint64(3)))
			Expect(c.Stats().Branch.Correct).To(Equal(uint64(1)))
		})

		It("should charge the penalty exactly when the prior prediction was wrong", func() {
			c, syms, _ := newCore(func(a *insts.Asm) {
				a.LI(t0, 6)
				a.Label("loop")
				a.ANDI(t1, t0, 1)
				a.BEQZ(t1, "skip")
				a.NOP()
				a.Label("skip")
				a.ADDI(t0, t0, -1)
				a.BNEZ(t0, "loop")
				exit(a, 0)
			})
			branch := syms["loop"] + 4
			penalty := c.Timing().BranchMispredictPenalty

			steps := 0
			for c.Status() == core.StatusRunning {
				pc := c.PC()
				predicted := c.Predictor().Predict(pc)
				before := c.Counters().Clock
				Expect(c.Step().Err).NotTo(HaveOccurred())
				if pc != branch {
					continue
				}
				steps++
				taken := c.PC() == syms["skip"]
				if predicted == taken {
					Expect(c.Counters().Clock - before).To(Equal(uint64(1)))
				} else {
					Expect(c.Counters().Clock - before).To(Equal(1 + penalty))
				}
			}
			Expect(steps).To(Equal(6))
		})

		It("should make a syscall wait for a loaded argument", func() {
			c, _, _ := newCore(func(a *insts.Asm) {
				a.LI(t1, int64(dataBase))
				a.LD(a0, t1, 0)
				a.LI(a7, int64(emu.SyscallExit))
				a.ECALL()
			})

			code, err := c.Run(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(code).To(BeZero())
			Expect(c.Stats().StallCycles).To(Equal(c.Timing().L1D.MissLatency - 2))
		})

		It("should not predict jumps", func() {
			c, _, _ := newCore(func(a *insts.Asm) {
				a.J("over")
				a.NOP()
				a.Label("over")
				exit(a, 0)
			})
			_, err := c.Run(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(c.Predictor().Entries()).To(BeZero())
			Expect(c.Stats().MispredictCycles).To(BeZero())
		})
	})

	Describe("fetch policies", func() {
		program := func(a *insts.Asm) {
			a.NOP()
			a.NOP()
			exit(a, 0)
		}

		run := func(policy latency.FetchPolicy) *core.Core {
			config := latency.DefaultTimingConfig()
			config.Fetch = policy
			c, _, _ := newCore(program, core.WithTiming(config))
			_, err := c.Run(context.Background())
			Expect(err).NotTo(HaveOccurred())
			return c
		}

		It("should not model fetch by default", func() {
			c := run(latency.FetchNone)
			Expect(c.Caches().Fetch).To(BeNil())
			Expect(c.Stats().FetchStallCycles).To(BeZero())
		})

		It("should run fetches through the data cache when shared", func() {
			c := run(latency.FetchShared)
			config := c.Timing().L1D
			Expect(c.Stats().FetchStallCycles).To(Equal(config.MissLatency - config.HitLatency))
			Expect(c.Stats().Cache.Reads).To(Equal(uint64(5)))
		})

		It("should keep a separate instruction cache", func() {
			c := run(latency.FetchSeparate)
			Expect(c.Caches().Fetch).NotTo(BeIdenticalTo(c.Caches().Data))
			Expect(c.Stats().FetchStallCycles).To(BeNumerically(">", 0))
			Expect(c.Stats().Cache.Reads).To(BeZero())
			Expect(c.Caches().Fetch.Stats().Reads).To(Equal(uint64(5)))
		})
	})

	Describe("recursive fibonacci", func() {
		It("should return 55 for fib(10) and exit 0", func() {
			c, syms, _ := newCore(fibProgram(10))
			for c.PC() != syms["after"] {
				Expect(c.Step().Err).NotTo(HaveOccurred())
			}
			Expect(c.RegFile().X[a0]).To(Equal(uint64(55)))

			code, err := c.Run(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(code).To(BeZero())
			Expect(c.RegFile().X[s1]).To(Equal(uint64(55)))
			Expect(c.RegFile().X[sp]).To(Equal(stackTop))
		})

		DescribeTable("base cases should skip the recursion",
			func(n int64) {
				small, syms, _ := newCore(fibProgram(n))
				small.SetProfile("fib", syms["fib"])
				_, err := small.Run(context.Background())
				Expect(err).NotTo(HaveOccurred())
				Expect(small.RegFile().X[s1]).To(Equal(uint64(n)))

				profile := small.Profile()
				Expect(profile.Calls).To(Equal(uint64(1)))
				Expect(profile.Instructions).To(Equal(uint64(3)))

				large, _, _ := newCore(fibProgram(10))
				_, err = large.Run(context.Background())
				Expect(err).NotTo(HaveOccurred())
				Expect(small.Stats().Cycles * 10).To(BeNumerically("<", large.Stats().Cycles))
			},
			Entry("fib(0)", int64(0)),
			Entry("fib(1)", int64(1)),
		)

		It("should profile the outermost call only", func() {
			c, syms, _ := newCore(fibProgram(10))
			c.SetProfile("fib", syms["fib"])
			_, err := c.Run(context.Background())
			Expect(err).NotTo(HaveOccurred())

			profile := c.Profile()
			Expect(profile.Label).To(Equal("fib"))
			Expect(profile.Active).To(BeFalse())
			Expect(profile.Calls).To(Equal(uint64(1)))
			Expect(profile.Instructions).To(BeNumerically("<", c.Stats().Instructions))
			Expect(profile.Cycles).To(BeNumerically("<", c.Stats().Cycles))
			Expect(profile.CPI()).To(BeNumerically(">=", 1))
		})
	})

	Describe("determinism", func() {
		It("should produce identical traces and counts on every run", func() {
			first, _, _ := newCore(fibProgram(8))
			second, _, _ := newCore(fibProgram(8))

			pcs1, cycles1 := trace(first)
			pcs2, cycles2 := trace(second)

			Expect(pcs2).To(Equal(pcs1))
			Expect(cycles2).To(Equal(cycles1))
			Expect(take(second)).To(Equal(take(first)))
		})
	})

	Describe("reversal", func() {
		It("should restore the initial state after reverting every step", func() {
			c, _, _ := newCore(fibProgram(6))
			initial := take(c)

			var deltas []*core.Delta
			for c.Status() == core.StatusRunning {
				result := c.Step()
				Expect(result.Err).NotTo(HaveOccurred())
				deltas = append(deltas, result.Delta)
			}
			Expect(c.Caches().Data.Resident()).To(BeNumerically(">", 0))

			for i := len(deltas) - 1; i >= 0; i-- {
				Expect(c.Revert(deltas[i])).To(Succeed())
			}

			Expect(take(c)).To(Equal(initial))
			Expect(c.Caches().Data.Resident()).To(BeZero())
			Expect(c.Predictor().Entries()).To(BeZero())
		})

		It("should replay the same trace after rewinding part way", func() {
			c, _, _ := newCore(fibProgram(7))
			pcs, cycles := trace(c)
			final := take(c)

			c2, _, _ := newCore(fibProgram(7))
			var deltas []*core.Delta
			for c2.Status() == core.StatusRunning {
				result := c2.Step()
				Expect(result.Err).NotTo(HaveOccurred())
				deltas = append(deltas, result.Delta)
			}
			half := len(deltas) / 2
			for i := len(deltas) - 1; i >= half; i-- {
				Expect(c2.Revert(deltas[i])).To(Succeed())
			}

			var replayPCs, replayCycles []uint64
			for c2.Status() == core.StatusRunning {
				before := c2.Counters().Cycles()
				replayPCs = append(replayPCs, c2.PC())
				Expect(c2.Step().Err).NotTo(HaveOccurred())
				replayCycles = append(replayCycles, c2.Counters().Cycles()-before)
			}

			Expect(replayPCs).To(Equal(pcs[half:]))
			Expect(replayCycles).To(Equal(cycles[half:]))
			Expect(take(c2)).To(Equal(final))
		})

		It("should undo the cycle and instret CSRs", func() {
			c, _, _ := newCore(func(a *insts.Asm) {
				a.NOP()
				a.CSRR(a0, emu.CSRInstret)
				exit(a, 0)
			})
			Expect(c.Step().Err).NotTo(HaveOccurred())
			result := c.Step()
			Expect(result.Err).NotTo(HaveOccurred())
			Expect(c.RegFile().X[a0]).To(Equal(uint64(1)))

			Expect(c.Revert(result.Delta)).To(Succeed())
			Expect(c.RegFile().X[a0]).To(BeZero())
			Expect(c.Stats().Instructions).To(Equal(uint64(1)))
		})
	})
})

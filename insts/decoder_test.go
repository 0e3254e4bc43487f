package insts_test

import (
	"encoding/binary"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/kil0meters/remu/insts"
)

var _ = Describe("Decoder", func() {
	var decoder *insts.Decoder

	BeforeEach(func() {
		decoder = insts.NewDecoder()
	})

	decode := func(word uint32) *insts.Instruction {
		inst, err := decoder.Decode(word)
		ExpectWithOffset(1, err).NotTo(HaveOccurred())
		return inst
	}

	Describe("Integer register-immediate", func() {
		// addi a0, zero, 42 -> 0x02a00513
		It("should decode ADDI a0, zero, 42", func() {
			inst := decode(0x02a00513)

			Expect(inst.Op).To(Equal(insts.OpADDI))
			Expect(inst.Class).To(Equal(insts.ClassIntOp))
			Expect(inst.Rd).To(Equal(uint8(10)))
			Expect(inst.Rs1).To(Equal(uint8(0)))
			Expect(inst.Imm).To(Equal(int64(42)))
			Expect(inst.Size).To(Equal(uint8(4)))
			Expect(inst.Compressed).To(BeFalse())
		})

		It("should sign-extend the most positive and most negative I immediates", func() {
			Expect(decode(0x7ff50513).Imm).To(Equal(int64(2047)))
			Expect(decode(0x80050513).Imm).To(Equal(int64(-2048)))
		})

		It("should decode 64-bit shift amounts", func() {
			inst := decode(insts.EncodeI(0x13, 5, 10, 10, 0x400|63))
			Expect(inst.Op).To(Equal(insts.OpSRAI))
			Expect(inst.Imm).To(Equal(int64(63)))
		})

		It("should reject SLLIW with a 6-bit shift amount", func() {
			_, err := decoder.Decode(insts.EncodeI(0x1b, 1, 10, 10, 32))
			Expect(err).To(MatchError(insts.ErrIllegalInstruction))
		})
	})

	Describe("Integer register-register", func() {
		It("should decode ADD, SUB and the M extension", func() {
			Expect(decode(0x00c58533).Op).To(Equal(insts.OpADD))
			Expect(decode(0x40c58533).Op).To(Equal(insts.OpSUB))

			mul := decode(0x02c58533)
			Expect(mul.Op).To(Equal(insts.OpMUL))
			Expect(mul.Class).To(Equal(insts.ClassMultiply))

			div := decode(0x02c5c533)
			Expect(div.Op).To(Equal(insts.OpDIV))
			Expect(div.Class).To(Equal(insts.ClassDivide))
			Expect(div.Sources()).To(ConsistOf(
				insts.Reg{Kind: insts.RegInt, Num: 11},
				insts.Reg{Kind: insts.RegInt, Num: 12},
			))
		})
	})

	Describe("Upper immediates", func() {
		// lui a0, 1000 -> 0x003e8537
		It("should decode LUI a0, 1000", func() {
			inst := decode(0x003e8537)
			Expect(inst.Op).To(Equal(insts.OpLUI))
			Expect(inst.Rd).To(Equal(uint8(10)))
			Expect(inst.Imm).To(Equal(int64(1000 << 12)))
		})

		It("should sign-extend the upper immediate to 64 bits", func() {
			Expect(decode(0x80000537).Imm).To(Equal(int64(-2147483648)))
			Expect(decode(0x7ffff537).Imm).To(Equal(int64(0x7ffff000)))
		})
	})

	Describe("Loads and stores", func() {
		It("should decode load widths and signedness", func() {
			ld := decode(0x00003503)
			Expect(ld.Op).To(Equal(insts.OpLD))
			Expect(ld.MemWidth).To(Equal(uint8(8)))
			Expect(ld.Rd).To(Equal(uint8(10)))

			lw := decode(0x00802583)
			Expect(lw.Op).To(Equal(insts.OpLW))
			Expect(lw.Imm).To(Equal(int64(8)))
			Expect(lw.Unsigned).To(BeFalse())

			lhu := decode(0x00805583)
			Expect(lhu.Op).To(Equal(insts.OpLHU))
			Expect(lhu.MemWidth).To(Equal(uint8(2)))
			Expect(lhu.Unsigned).To(BeTrue())

			lbu := decode(0x00804583)
			Expect(lbu.Op).To(Equal(insts.OpLBU))
			Expect(lbu.MemWidth).To(Equal(uint8(1)))
		})

		It("should decode stores with split immediates", func() {
			sd := decode(0x00a03023)
			Expect(sd.Op).To(Equal(insts.OpSD))
			Expect(sd.Rs2).To(Equal(uint8(10)))
			Expect(sd.Class).To(Equal(insts.ClassStore))
			_, hasDest := sd.Dest()
			Expect(hasDest).To(BeFalse())

			Expect(decode(0x00a02023).Op).To(Equal(insts.OpSW))
		})

		It("should sign-extend store immediates at both extremes", func() {
			Expect(decode(insts.EncodeS(0x23, 3, 2, 10, -2048)).Imm).To(Equal(int64(-2048)))
			Expect(decode(insts.EncodeS(0x23, 3, 2, 10, 2047)).Imm).To(Equal(int64(2047)))
		})

		It("should reject the reserved load width", func() {
			_, err := decoder.Decode(0x00007003)
			Expect(err).To(MatchError(insts.ErrIllegalInstruction))
		})
	})

	Describe("Control flow", func() {
		It("should reassemble branch offsets at both extremes", func() {
			Expect(decode(insts.EncodeB(0, 1, 2, 4094)).Imm).To(Equal(int64(4094)))
			Expect(decode(insts.EncodeB(0, 1, 2, -4096)).Imm).To(Equal(int64(-4096)))

			bge := decode(insts.EncodeB(5, 1, 2, -8))
			Expect(bge.Op).To(Equal(insts.OpBGE))
			Expect(bge.IsConditionalBranch()).To(BeTrue())
		})

		It("should reassemble jump offsets at both extremes", func() {
			Expect(decode(insts.EncodeJ(1, 1048574)).Imm).To(Equal(int64(1048574)))
			Expect(decode(insts.EncodeJ(1, -1048576)).Imm).To(Equal(int64(-1048576)))

			jal := decode(insts.EncodeJ(1, 8))
			Expect(jal.Class).To(Equal(insts.ClassJump))
			Expect(jal.IsConditionalBranch()).To(BeFalse())
		})

		It("should reject undefined branch conditions", func() {
			_, err := decoder.Decode(insts.EncodeB(2, 1, 2, 8))
			Expect(err).To(MatchError(insts.ErrIllegalInstruction))
		})
	})

	Describe("System", func() {
		It("should decode ECALL and EBREAK", func() {
			Expect(decode(0x00000073).Op).To(Equal(insts.OpECALL))
			Expect(decode(0x00100073).Op).To(Equal(insts.OpEBREAK))
		})

		It("should report the syscall registers ECALL reads and writes", func() {
			ecall := decode(0x00000073)
			arg := func(n uint8) insts.Reg { return insts.Reg{Kind: insts.RegInt, Num: n} }

			Expect(ecall.Sources()).To(ConsistOf(
				arg(insts.RegA7), arg(insts.RegA0), arg(insts.RegA1), arg(insts.RegA2),
				arg(insts.RegA3), arg(insts.RegA4), arg(insts.RegA5),
			))
			dest, ok := ecall.Dest()
			Expect(ok).To(BeTrue())
			Expect(dest).To(Equal(arg(insts.RegA0)))

			_, ok = decode(0x00100073).Dest()
			Expect(ok).To(BeFalse())
		})

		It("should decode CSR reads", func() {
			inst := decode(0xc0002573)
			Expect(inst.Op).To(Equal(insts.OpCSRRS))
			Expect(inst.Csr).To(Equal(uint16(0xc00)))
			Expect(inst.String()).To(Equal("csrrs a0, cycle, zero"))
		})

		It("should reject privileged returns", func() {
			_, err := decoder.Decode(0x30200073) // mret
			Expect(err).To(MatchError(insts.ErrIllegalInstruction))
		})
	})

	Describe("Atomics", func() {
		It("should decode AMOADD.W", func() {
			inst := decode(0x00c5a52f)
			Expect(inst.Op).To(Equal(insts.OpAMOADD))
			Expect(inst.MemWidth).To(Equal(uint8(4)))
			Expect(inst.String()).To(Equal("amoadd.w a0, a2, (a1)"))
		})

		It("should reject LR with a non-zero rs2", func() {
			_, err := decoder.Decode(insts.EncodeR(0x2f, 3, 0x02<<2, 10, 11, 1))
			Expect(err).To(MatchError(insts.ErrIllegalInstruction))
		})
	})

	Describe("Floating point", func() {
		It("should decode FADD.D", func() {
			inst := decode(0x02c5f553)
			Expect(inst.Op).To(Equal(insts.OpFADD))
			Expect(inst.Double).To(BeTrue())
			Expect(inst.RdKind).To(Equal(insts.RegFloat))
			Expect(inst.String()).To(Equal("fadd.d fa0, fa1, fa2"))
		})

		It("should decode conversions with mixed register files", func() {
			inst := decode(insts.EncodeR(0x53, 1, 0x61, 10, 11, 2)) // fcvt.l.d a0, fa1, rtz
			Expect(inst.Op).To(Equal(insts.OpFCVTL))
			Expect(inst.RdKind).To(Equal(insts.RegInt))
			Expect(inst.Rs1Kind).To(Equal(insts.RegFloat))
			Expect(inst.RM).To(Equal(uint8(1)))
			Expect(inst.Mnemonic()).To(Equal("fcvt.l.d"))
		})

		It("should decode fused multiply-add with three sources", func() {
			// fmadd.d fa0, fa1, fa2, fa3
			word := uint32(13)<<27 | 1<<25 | 12<<20 | 11<<15 | 7<<12 | 10<<7 | 0x43
			inst := decode(word)
			Expect(inst.Op).To(Equal(insts.OpFMADD))
			Expect(inst.Sources()).To(HaveLen(3))
		})

		It("should reject reserved rounding modes", func() {
			_, err := decoder.Decode(insts.EncodeR(0x53, 5, 0x01, 10, 11, 12))
			Expect(err).To(MatchError(insts.ErrIllegalInstruction))
		})
	})

	It("should reject unknown opcodes", func() {
		_, err := decoder.Decode(0xffffffff)
		Expect(err).To(MatchError(insts.ErrIllegalInstruction))
	})

	Describe("Compressed", func() {
		It("should decode C.LUI", func() {
			inst := decode(0x65a9)
			Expect(inst.Op).To(Equal(insts.OpLUI))
			Expect(inst.Rd).To(Equal(uint8(11)))
			Expect(inst.Imm).To(Equal(int64(10 << 12)))
			Expect(inst.Size).To(Equal(uint8(2)))
			Expect(inst.Compressed).To(BeTrue())
		})

		It("should decode stack-relative loads and stores", func() {
			sdsp := decode(0xe02a)
			Expect(sdsp.Op).To(Equal(insts.OpSD))
			Expect(sdsp.Rs1).To(Equal(uint8(insts.RegSP)))
			Expect(sdsp.Rs2).To(Equal(uint8(10)))
			Expect(sdsp.Imm).To(Equal(int64(0)))

			ldsp := decode(0x6582)
			Expect(ldsp.Op).To(Equal(insts.OpLD))
			Expect(ldsp.Rd).To(Equal(uint8(11)))
			Expect(ldsp.Rs1).To(Equal(uint8(insts.RegSP)))
		})

		It("should decode C.ADDI4SPN", func() {
			inst := decode(0x0028)
			Expect(inst.Op).To(Equal(insts.OpADDI))
			Expect(inst.Rd).To(Equal(uint8(10)))
			Expect(inst.Rs1).To(Equal(uint8(insts.RegSP)))
			Expect(inst.Imm).To(Equal(int64(8)))
		})

		It("should decode C.ADDI16SP in both directions", func() {
			Expect(decode(0x6105).Imm).To(Equal(int64(32)))
			Expect(decode(0x7139).Imm).To(Equal(int64(-64)))
		})

		It("should sign-extend C.LI at both extremes", func() {
			Expect(decode(0x5501).Imm).To(Equal(int64(-32)))
			Expect(decode(0x457d).Imm).To(Equal(int64(31)))
		})

		It("should sign-extend C.J at both extremes", func() {
			neg := decode(0xb001)
			Expect(neg.Op).To(Equal(insts.OpJAL))
			Expect(neg.Rd).To(Equal(uint8(0)))
			Expect(neg.Imm).To(Equal(int64(-2048)))

			Expect(decode(0xaffd).Imm).To(Equal(int64(2046)))
		})

		It("should expand register moves and jumps", func() {
			mv := decode(0x852e)
			Expect(mv.Op).To(Equal(insts.OpADD))
			Expect(mv.Rd).To(Equal(uint8(10)))
			Expect(mv.Rs1).To(Equal(uint8(0)))
			Expect(mv.Rs2).To(Equal(uint8(11)))

			ret := decode(0x8082)
			Expect(ret.Op).To(Equal(insts.OpJALR))
			Expect(ret.Rd).To(Equal(uint8(0)))
			Expect(ret.Rs1).To(Equal(uint8(insts.RegRA)))

			add := decode(0x952e)
			Expect(add.Op).To(Equal(insts.OpADD))
			Expect(add.Rs1).To(Equal(uint8(10)))

			Expect(decode(0x9002).Op).To(Equal(insts.OpEBREAK))
		})

		DescribeTable("should expand every compressed layout",
			func(half uint16, op insts.Op, rd, rs1, rs2 uint8, imm int64) {
				inst := decode(uint32(half))
				Expect(inst.Op).To(Equal(op))
				Expect(inst.Rd).To(Equal(rd))
				Expect(inst.Rs1).To(Equal(rs1))
				Expect(inst.Rs2).To(Equal(rs2))
				Expect(inst.Imm).To(Equal(imm))
				Expect(inst.Size).To(Equal(uint8(2)))
			},
			Entry("c.beqz a0, -256", uint16(0xd101), insts.OpBEQ, uint8(0), uint8(10), uint8(0), int64(-256)),
			Entry("c.beqz s0, +254", uint16(0xcc7d), insts.OpBEQ, uint8(0), uint8(8), uint8(0), int64(254)),
			Entry("c.bnez a5, -2", uint16(0xfffd), insts.OpBNE, uint8(0), uint8(15), uint8(0), int64(-2)),
			Entry("c.lw a0, 124(a1)", uint16(0x5de8), insts.OpLW, uint8(10), uint8(11), uint8(0), int64(124)),
			Entry("c.sw a0, 64(a1)", uint16(0xc1a8), insts.OpSW, uint8(0), uint8(11), uint8(10), int64(64)),
			Entry("c.ld a0, 248(a1)", uint16(0x7de8), insts.OpLD, uint8(10), uint8(11), uint8(0), int64(248)),
			Entry("c.sd s1, 8(a5)", uint16(0xe784), insts.OpSD, uint8(0), uint8(15), uint8(9), int64(8)),
			Entry("c.fld fa0, 248(a1)", uint16(0x3de8), insts.OpFLD, uint8(10), uint8(11), uint8(0), int64(248)),
			Entry("c.fsd fs0, 128(s1)", uint16(0xa0c0), insts.OpFSD, uint8(0), uint8(9), uint8(8), int64(128)),
			Entry("c.lwsp a0, 252(sp)", uint16(0x557e), insts.OpLW, uint8(10), uint8(2), uint8(0), int64(252)),
			Entry("c.swsp ra, 252(sp)", uint16(0xdf86), insts.OpSW, uint8(0), uint8(2), uint8(1), int64(252)),
			Entry("c.fldsp fa0, 504(sp)", uint16(0x357e), insts.OpFLD, uint8(10), uint8(2), uint8(0), int64(504)),
			Entry("c.fsdsp fa1, 504(sp)", uint16(0xbfae), insts.OpFSD, uint8(0), uint8(2), uint8(11), int64(504)),
			Entry("c.srli a0, 63", uint16(0x917d), insts.OpSRLI, uint8(10), uint8(10), uint8(0), int64(63)),
			Entry("c.srai s1, 1", uint16(0x8485), insts.OpSRAI, uint8(9), uint8(9), uint8(0), int64(1)),
			Entry("c.andi a2, -32", uint16(0x9a01), insts.OpANDI, uint8(12), uint8(12), uint8(0), int64(-32)),
			Entry("c.andi a2, 31", uint16(0x8a7d), insts.OpANDI, uint8(12), uint8(12), uint8(0), int64(31)),
			Entry("c.sub a0, a1", uint16(0x8d0d), insts.OpSUB, uint8(10), uint8(10), uint8(11), int64(0)),
			Entry("c.xor a0, a1", uint16(0x8d2d), insts.OpXOR, uint8(10), uint8(10), uint8(11), int64(0)),
			Entry("c.or a0, a1", uint16(0x8d4d), insts.OpOR, uint8(10), uint8(10), uint8(11), int64(0)),
			Entry("c.and a0, a1", uint16(0x8d6d), insts.OpAND, uint8(10), uint8(10), uint8(11), int64(0)),
			Entry("c.subw a0, a1", uint16(0x9d0d), insts.OpSUBW, uint8(10), uint8(10), uint8(11), int64(0)),
			Entry("c.addw a0, a1", uint16(0x9d2d), insts.OpADDW, uint8(10), uint8(10), uint8(11), int64(0)),
			Entry("c.addiw a0, -1", uint16(0x357d), insts.OpADDIW, uint8(10), uint8(10), uint8(0), int64(-1)),
			Entry("c.slli a0, 63", uint16(0x157e), insts.OpSLLI, uint8(10), uint8(10), uint8(0), int64(63)),
			Entry("c.jalr a5", uint16(0x9782), insts.OpJALR, uint8(1), uint8(15), uint8(0), int64(0)),
		)

		It("should mark compressed FP loads and stores as float transfers", func() {
			fld := decode(0x3de8)
			Expect(fld.RdKind).To(Equal(insts.RegFloat))
			Expect(fld.MemWidth).To(Equal(uint8(8)))

			fsdsp := decode(0xbfae)
			Expect(fsdsp.Rs2Kind).To(Equal(insts.RegFloat))
			Expect(fsdsp.Rs1Kind).To(Equal(insts.RegInt))
		})

		DescribeTable("should reject reserved encodings",
			func(half uint16) {
				_, err := decoder.Decode(uint32(half))
				Expect(err).To(MatchError(insts.ErrIllegalInstruction))
			},
			Entry("all-zero halfword", uint16(0x0000)),
			Entry("C.JR with rs1 = x0", uint16(0x8002)),
			Entry("C.LWSP with rd = x0", uint16(0x4002)),
			Entry("C.LDSP with rd = x0", uint16(0x6002)),
			Entry("reserved quadrant 0 slot", uint16(0x8000)),
			Entry("C.ADDI16SP with zero immediate", uint16(0x6101)),
			Entry("C.ADDIW with rd = x0", uint16(0x2001)),
		)

		It("should only look at the low halfword of a compressed word", func() {
			inst := decode(0xdead0000 | 0x0028)
			Expect(inst.Raw).To(Equal(uint32(0x0028)))
		})
	})

	Describe("Formatting", func() {
		It("should render loads and branches", func() {
			Expect(decode(0x00003503).String()).To(Equal("ld a0, 0(zero)"))

			beq := decode(insts.EncodeB(0, 10, 11, -8))
			Expect(beq.String()).To(Equal("beq a0, a1, -8"))
			Expect(beq.Format(0x1008)).To(Equal("beq a0, a1, 0x1000"))
		})
	})
})

var _ = Describe("Asm", func() {
	It("should resolve forward and backward labels", func() {
		a := insts.NewAsm(0x1000)
		a.Label("top")
		a.ADDI(10, 10, -1)
		a.BNEZ(10, "top")
		a.J("done")
		a.NOP()
		a.Label("done")
		a.RET()

		code, err := a.Assemble()
		Expect(err).NotTo(HaveOccurred())
		Expect(code).To(HaveLen(20))

		decoder := insts.NewDecoder()
		bne, err := decoder.Decode(binary.LittleEndian.Uint32(code[4:]))
		Expect(err).NotTo(HaveOccurred())
		Expect(bne.Op).To(Equal(insts.OpBNE))
		Expect(bne.Imm).To(Equal(int64(-4)))

		j, err := decoder.Decode(binary.LittleEndian.Uint32(code[8:]))
		Expect(err).NotTo(HaveOccurred())
		Expect(j.Imm).To(Equal(int64(8)))

		Expect(a.Symbols()).To(HaveKeyWithValue("done", uint64(0x1010)))
	})

	It("should split large constants across LUI and ADDIW", func() {
		a := insts.NewAsm(0)
		a.LI(10, 0x12345fff)
		code, err := a.Assemble()
		Expect(err).NotTo(HaveOccurred())

		decoder := insts.NewDecoder()
		lui, _ := decoder.Decode(binary.LittleEndian.Uint32(code))
		addiw, _ := decoder.Decode(binary.LittleEndian.Uint32(code[4:]))
		Expect(lui.Imm + addiw.Imm).To(Equal(int64(0x12345fff)))
	})

	It("should report undefined labels", func() {
		a := insts.NewAsm(0)
		a.J("nowhere")
		_, err := a.Assemble()
		Expect(err).To(MatchError(ContainSubstring("nowhere")))
	})

	It("should emit compressed encodings the decoder understands", func() {
		a := insts.NewAsm(0)
		a.CSDSP(10, 0)
		a.CLDSP(11, 0)
		code, err := a.Assemble()
		Expect(err).NotTo(HaveOccurred())
		Expect(binary.LittleEndian.Uint16(code)).To(Equal(uint16(0xe02a)))
		Expect(binary.LittleEndian.Uint16(code[2:])).To(Equal(uint16(0x6582)))
	})
})

package disasm_test

import (
	"bytes"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/kil0meters/remu/disasm"
	"github.com/kil0meters/remu/emu"
	"github.com/kil0meters/remu/insts"
)

const base = uint64(0x10000)

func program() ([]byte, map[string]uint64) {
	a := insts.NewAsm(base)
	a.Label("_start")
	a.LI(insts.RegA0, 42)
	a.CALL("helper")
	a.CLI(insts.RegA1, 3)
	a.Word(0xffffffff)
	a.Label("helper")
	a.BEQZ(insts.RegA0, "helper")
	a.RET()
	code, err := a.Assemble()
	Expect(err).NotTo(HaveOccurred())
	return code, a.Symbols()
}

var _ = Describe("Disassembler", func() {
	var (
		code []byte
		syms map[string]uint64
	)

	BeforeEach(func() {
		code, syms = program()
	})

	It("should decode a byte image in native syntax", func() {
		d := disasm.New(disasm.WithSyntax(disasm.SyntaxNative), disasm.WithSymbols(syms))
		lines := d.Bytes(base, code)

		Expect(lines).To(HaveLen(6))
		Expect(lines[0].Label).To(Equal("_start"))
		Expect(lines[0].Text).To(Equal("addi a0, zero, 42"))
		Expect(lines[0].Size).To(Equal(4))

		Expect(lines[1].Text).To(Equal("jal ra, 0x1000e <helper>"))

		Expect(lines[2].Size).To(Equal(2))
		Expect(lines[2].Addr).To(Equal(base + 8))

		Expect(lines[3].Err).To(HaveOccurred())
		Expect(errors.Is(lines[3].Err, insts.ErrIllegalInstruction)).To(BeTrue())
		Expect(lines[3].Text).To(Equal(".word 0xffffffff"))
		Expect(lines[3].Addr).To(Equal(base + 10))

		Expect(lines[4].Label).To(Equal("helper"))
		Expect(lines[4].Text).To(HaveSuffix("<helper>"))
		Expect(lines[5].Text).To(Equal("jalr zero, 0(ra)"))
	})

	It("should render GNU syntax through the x/arch decoder", func() {
		d := disasm.New(disasm.WithSymbols(syms))
		lines := d.Bytes(base, code)

		Expect(lines[0].Text).To(ContainSubstring("a0"))
		Expect(lines[0].Text).To(ContainSubstring("42"))
		Expect(lines[1].Text).To(HaveSuffix("<helper>"))
	})

	It("should decode a range of mapped memory", func() {
		mem := emu.NewMemory()
		Expect(mem.Map(base, emu.PageSize, emu.PermRX, "[text]")).To(Succeed())
		Expect(mem.Poke(base, code)).To(Succeed())

		d := disasm.New(disasm.WithSyntax(disasm.SyntaxNative))
		lines, err := d.Range(mem, base, base+uint64(len(code)))
		Expect(err).NotTo(HaveOccurred())
		Expect(lines).To(Equal(disasm.New(disasm.WithSyntax(disasm.SyntaxNative)).Bytes(base, code)))
	})

	It("should stop at unmapped memory", func() {
		mem := emu.NewMemory()
		Expect(mem.Map(base, emu.PageSize, emu.PermRX, "[text]")).To(Succeed())
		Expect(mem.Poke(base+emu.PageSize-4, []byte{0x13, 0, 0, 0})).To(Succeed())

		lines, err := disasm.New().Range(mem, base+emu.PageSize-4, base+emu.PageSize+4)
		Expect(lines).To(HaveLen(1))
		Expect(errors.Is(err, emu.ErrSegmentationFault)).To(BeTrue())
	})

	It("should report a truncated trailing instruction", func() {
		lines := disasm.New().Bytes(base, []byte{0x13, 0x05})
		Expect(lines).To(HaveLen(1))
		Expect(lines[0].Err).To(HaveOccurred())
	})

	It("should symbolize addresses after a label", func() {
		d := disasm.New(disasm.WithSymbols(syms))
		Expect(d.Symbolize(syms["helper"] + 4)).To(Equal("helper+0x4"))
		Expect(d.Symbolize(base - 4)).To(BeEmpty())
	})

	It("should write objdump-style text", func() {
		d := disasm.New(disasm.WithSyntax(disasm.SyntaxNative), disasm.WithSymbols(syms))
		var buf bytes.Buffer
		Expect(disasm.Write(&buf, d.Bytes(base, code))).To(Succeed())

		out := buf.String()
		Expect(out).To(ContainSubstring("0000000000010000 <_start>:"))
		Expect(out).To(ContainSubstring("   10000:\t02a00513\taddi a0, zero, 42"))
	})
})

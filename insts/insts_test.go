package insts_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/kil0meters/remu/insts"
)

var _ = Describe("Insts Package", func() {
	It("should have an Instruction type", func() {
		var i insts.Instruction
		Expect(i).To(BeZero())
	})

	It("should have a Decoder type", func() {
		decoder := insts.NewDecoder()
		Expect(decoder).ToNot(BeNil())
	})

	It("should resolve ABI register names", func() {
		r, ok := insts.ParseRegName("a0")
		Expect(ok).To(BeTrue())
		Expect(r).To(Equal(insts.Reg{Kind: insts.RegInt, Num: 10}))

		r, ok = insts.ParseRegName("f31")
		Expect(ok).To(BeTrue())
		Expect(r).To(Equal(insts.Reg{Kind: insts.RegFloat, Num: 31}))

		_, ok = insts.ParseRegName("x32")
		Expect(ok).To(BeFalse())
	})
})

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/kil0meters/remu/disasm"
	"github.com/kil0meters/remu/loader"
	"github.com/kil0meters/remu/timing/latency"
)

var _ = Describe("run", func() {
	It("should forward guest output and the exit code", func() {
		path, _ := writeELF(helloProgram)

		stdout, _, err := execute("run", path)

		Expect(stdout).To(Equal("hi\n"))
		var status exitStatus
		Expect(errors.As(err, &status)).To(BeTrue())
		Expect(int64(status)).To(Equal(int64(3)))
		Expect(err.Error()).To(Equal("exit status 3"))
	})

	It("should print statistics when asked", func() {
		path, _ := writeELF(helloProgram)

		_, stderr, _ := execute("run", "--stats", path)

		Expect(stderr).To(ContainSubstring("instructions"))
		Expect(stderr).To(ContainSubstring("CPI"))
	})

	It("should report a missing program", func() {
		_, _, err := execute("run", filepath.Join(GinkgoT().TempDir(), "missing.elf"))

		Expect(err).To(MatchError(ContainSubstring("failed to open ELF file")))
	})

	It("should reject an invalid timing file", func() {
		path, _ := writeELF(helloProgram)
		timing := filepath.Join(GinkgoT().TempDir(), "timing.json")
		Expect(os.WriteFile(timing, []byte(`{"alu_latency": 0}`), 0o644)).To(Succeed())

		_, _, err := execute("--timing", timing, "run", path)

		Expect(err).To(MatchError(ContainSubstring("alu_latency")))
	})
})

var _ = Describe("profile", func() {
	It("should measure the named function", func() {
		path, syms := writeELF(fibProgram)
		chart := filepath.Join(GinkgoT().TempDir(), "fib.html")
		label := fmt.Sprintf("0x%x", syms["fib"])

		_, stderr, err := execute("profile", "--label", label, "--chart", chart, path)

		Expect(err).NotTo(HaveOccurred())
		Expect(stderr).To(ContainSubstring(label + ": 1 call(s), exit code 55"))
		Expect(stderr).To(ContainSubstring("whole program"))

		html, err := os.ReadFile(chart)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(html)).To(ContainSubstring("Cycle breakdown"))
	})

	It("should fail for a function that is never called", func() {
		path, syms := writeELF(fibProgram)

		_, _, err := execute("profile", "--label", fmt.Sprintf("0x%x", syms["base"]+4), path)

		Expect(err).To(MatchError(ContainSubstring("never called")))
	})

	It("should reject an unknown label", func() {
		path, _ := writeELF(fibProgram)

		_, _, err := execute("profile", "--label", "nope", path)

		Expect(err).To(MatchError(ContainSubstring("neither a symbol nor an address")))
	})
})

var _ = Describe("disasm", func() {
	It("should decode every executable segment", func() {
		path, _ := writeELF(helloProgram)

		stdout, _, err := execute("disasm", "--native", "--start", fmt.Sprintf("%d", codeBase), path)

		Expect(err).NotTo(HaveOccurred())
		Expect(stdout).To(ContainSubstring("ecall"))
		Expect(stdout).To(ContainSubstring(fmt.Sprintf("%8x:", codeBase)))
	})

	It("should stop at the end of a requested range", func() {
		code, syms := assemble(fibProgram)
		prog := loader.FromImage(codeBase, code, syms)
		d := disasm.New(disasm.WithSymbols(syms), disasm.WithSyntax(disasm.SyntaxNative))

		lines, err := disassemble(d, prog, "fib", "base")

		Expect(err).NotTo(HaveOccurred())
		Expect(lines[0].Label).To(Equal("fib"))
		Expect(lines[len(lines)-1].Addr + uint64(lines[len(lines)-1].Size)).To(Equal(syms["base"]))
	})

	It("should decode the whole image by default", func() {
		code, syms := assemble(fibProgram)
		prog := loader.FromImage(codeBase, code, syms)

		lines, err := disassemble(disasm.New(), prog, "", "")

		Expect(err).NotTo(HaveOccurred())
		var size int
		for _, l := range lines {
			size += l.Size
		}
		Expect(size).To(Equal(len(code)))
	})

	It("should reject an empty range", func() {
		code, syms := assemble(fibProgram)
		prog := loader.FromImage(codeBase, code, syms)

		_, err := disassemble(disasm.New(), prog, "base", "fib")

		Expect(err).To(MatchError(ContainSubstring("empty range")))
	})
})

var _ = Describe("config", func() {
	It("should print the defaults as a loadable document", func() {
		stdout, _, err := execute("config")
		Expect(err).NotTo(HaveOccurred())

		var config latency.TimingConfig
		Expect(json.Unmarshal([]byte(stdout), &config)).To(Succeed())
		Expect(config.Validate()).To(Succeed())
		Expect(config.L1D.HitLatency).To(Equal(uint64(3)))
		Expect(config.L1D.MissLatency).To(Equal(uint64(200)))
		Expect(config.BranchMispredictPenalty).To(Equal(uint64(4)))
	})

	It("should merge a timing file over the defaults", func() {
		dir := GinkgoT().TempDir()
		timing := filepath.Join(dir, "timing.json")
		Expect(os.WriteFile(timing, []byte(`{"clock_ghz": 2}`), 0o644)).To(Succeed())
		out := filepath.Join(dir, "out.json")

		_, _, err := execute("--timing", timing, "config", "-o", out)
		Expect(err).NotTo(HaveOccurred())

		config, err := latency.LoadConfig(out)
		Expect(err).NotTo(HaveOccurred())
		Expect(config.ClockGHz).To(Equal(2.0))
		Expect(config.MultiplyLatency).To(Equal(uint64(3)))
	})
})

var _ = Describe("bench", func() {
	It("should print one CSV row per benchmark", func() {
		stdout, _, err := execute("bench", "--quick", "--csv")

		Expect(err).NotTo(HaveOccurred())
		lines := strings.Split(strings.TrimSpace(stdout), "\n")
		Expect(lines).To(HaveLen(4))
		Expect(lines[1]).To(HavePrefix("fibonacci,"))
	})
})

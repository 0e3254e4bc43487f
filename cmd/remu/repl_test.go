package main

import (
	"bytes"
	"context"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/kil0meters/remu/debugger"
)

var _ = Describe("Debugger commands", func() {
	var (
		r   *repl
		out *bytes.Buffer
		ctx context.Context
	)

	run := func(line string) {
		GinkgoHelper()
		quit, err := r.exec(ctx, line)
		Expect(err).NotTo(HaveOccurred())
		Expect(quit).To(BeFalse())
	}

	BeforeEach(func() {
		ctx = context.Background()
		r, out = newTestRepl(fibProgram)
	})

	It("should step and show the next instruction", func() {
		run("step 2")

		Expect(r.dbg.Position()).To(Equal(2))
		Expect(out.String()).To(ContainSubstring("2 step(s)"))
		Expect(out.String()).To(ContainSubstring("=> fib: "))
	})

	It("should repeat the previous command on an empty line", func() {
		run("s")
		run("")

		Expect(r.dbg.Position()).To(Equal(2))
	})

	It("should step backward and report the start of history", func() {
		run("s 2")
		run("rs 2")
		Expect(r.dbg.Position()).To(BeZero())

		_, err := r.exec(ctx, "rs")
		Expect(err).To(MatchError(debugger.ErrNoHistory))
	})

	It("should stop at breakpoints and list them", func() {
		run("break fib")
		Expect(out.String()).To(ContainSubstring("breakpoint #1 fib"))

		out.Reset()
		run("continue")
		Expect(out.String()).To(ContainSubstring("breakpoint #1 fib"))

		out.Reset()
		run("breaks")
		Expect(out.String()).To(ContainSubstring("#1 fib"))

		run("delete 1")
		Expect(r.dbg.Breakpoints()).To(BeEmpty())
	})

	It("should run to the end and report the exit code", func() {
		run("break fib")
		run("end")

		Expect(out.String()).To(ContainSubstring("program exited with code 55"))
	})

	It("should run until a label", func() {
		run("until after")

		Expect(out.String()).To(ContainSubstring("=> after: "))
	})

	It("should reverse continue to the start", func() {
		run("s 10")
		out.Reset()
		run("rc")

		Expect(out.String()).To(ContainSubstring("reached the oldest recorded state"))
		Expect(r.dbg.Position()).To(BeZero())
	})

	It("should print registers, memory and statistics", func() {
		run("s")
		out.Reset()

		run("regs")
		Expect(out.String()).To(ContainSubstring("a0   0x000000000000000a"))
		Expect(out.String()).To(ContainSubstring("pc"))

		out.Reset()
		run("x fib 2")
		Expect(out.String()).To(ContainSubstring("fib: 0x"))
		Expect(out.String()).To(ContainSubstring("fib+0x8: 0x"))

		out.Reset()
		run("stats")
		Expect(out.String()).To(ContainSubstring("instructions"))
	})

	It("should save history and load it into a fresh session", func() {
		path := filepath.Join(GinkgoT().TempDir(), "history.zst")
		run("s 5")
		run("save " + path)
		Expect(out.String()).To(ContainSubstring("saved 5 step(s)"))

		fresh, freshOut := newTestRepl(fibProgram)
		_, err := fresh.exec(ctx, "load "+path)
		Expect(err).NotTo(HaveOccurred())
		Expect(freshOut.String()).To(ContainSubstring("loaded 5 step(s)"))
		Expect(fresh.dbg.Pending()).To(Equal(5))
	})

	It("should report bad input without ending the session", func() {
		for _, line := range []string{"frobnicate", "until", "s zero", "delete x", "x nowhere", "break nowhere"} {
			quit, err := r.exec(ctx, line)
			Expect(err).To(HaveOccurred(), line)
			Expect(quit).To(BeFalse())
		}
	})

	It("should quit", func() {
		quit, err := r.exec(ctx, "quit")

		Expect(err).NotTo(HaveOccurred())
		Expect(quit).To(BeTrue())
	})

	It("should stop a run when interrupted", func() {
		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		quit, err := r.exec(cancelled, "end")

		Expect(err).NotTo(HaveOccurred())
		Expect(quit).To(BeFalse())
		Expect(out.String()).To(ContainSubstring("interrupted"))
	})
})

package debugger_test

import (
	"bytes"
	"strings"
	"sync"

	"github.com/go-logr/logr"
	"github.com/go-logr/logr/funcr"
	. "github.com/onsi/gomega"

	"github.com/kil0meters/remu/debugger"
	"github.com/kil0meters/remu/emu"
	"github.com/kil0meters/remu/insts"
	"github.com/kil0meters/remu/timing/core"
)

const (
	textBase  = uint64(0x10000)
	dataBase  = uint64(0x40000)
	stackTop  = uint64(0x80000)
	stackSize = uint64(0x10000)

	a0 = insts.RegA0
	a1 = insts.RegA1
	a2 = insts.RegA2
	a7 = insts.RegA7
	t0 = insts.RegT0
	s0 = insts.RegS0
	s1 = insts.RegS1
	sp = insts.RegSP
	ra = insts.RegRA
)

// logSink collects log lines so tests can look for warnings.
type logSink struct {
	mu    sync.Mutex
	lines []string
}

func (s *logSink) logger() logr.Logger {
	return funcr.New(func(prefix, args string) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.lines = append(s.lines, args)
	}, funcr.Options{})
}

func (s *logSink) count(substr string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, line := range s.lines {
		if strings.Contains(line, substr) {
			n++
		}
	}
	return n
}

type session struct {
	core   *core.Core
	dbg    *debugger.Debugger
	syms   map[string]uint64
	stdout *bytes.Buffer
	logs   *logSink
}

func newSession(build func(a *insts.Asm), opts ...debugger.Option) *session {
	s := &session{stdout: &bytes.Buffer{}, logs: &logSink{}}
	s.core = core.NewCore(core.WithStdout(s.stdout))

	a := insts.NewAsm(textBase)
	build(a)
	code, err := a.Assemble()
	ExpectWithOffset(1, err).NotTo(HaveOccurred())
	ExpectWithOffset(1, s.core.LoadProgram(textBase, code)).To(Succeed())
	ExpectWithOffset(1, s.core.Memory().Map(dataBase, emu.PageSize, emu.PermRW, "data")).To(Succeed())
	ExpectWithOffset(1, s.core.Memory().Map(stackTop-stackSize, stackSize, emu.PermRW, "[stack]")).To(Succeed())
	s.core.RegFile().X[sp] = stackTop

	s.syms = a.Symbols()
	all := append([]debugger.Option{
		debugger.WithSymbols(s.syms),
		debugger.WithLogger(s.logs.logger()),
	}, opts...)
	s.dbg = debugger.New(s.core, all...)
	return s
}

func exit(a *insts.Asm, code int64) {
	a.LI(a0, code)
	a.LI(a7, int64(emu.SyscallExit))
	a.ECALL()
}

// fibProgram prints "ok\n", computes fib(n) into s1 and exits 0.
func fibProgram(n int64) func(a *insts.Asm) {
	return func(a *insts.Asm) {
		a.LI(a0, 1)
		a.LA(a1, "msg")
		a.LI(a2, 3)
		a.LI(a7, int64(emu.SyscallWrite))
		a.ECALL()

		a.LI(a0, n)
		a.CALL("fib")
		a.Label("after")
		a.MV(s1, a0)
		exit(a, 0)

		a.Label("fib")
		a.LI(t0, 2)
		a.BLT(a0, t0, "base")
		a.ADDI(sp, sp, -32)
		a.SD(ra, sp, 24)
		a.SD(s0, sp, 16)
		a.SD(s1, sp, 8)
		a.MV(s0, a0)
		a.ADDI(a0, a0, -1)
		a.CALL("fib")
		a.MV(s1, a0)
		a.ADDI(a0, s0, -2)
		a.CALL("fib")
		a.ADD(a0, s1, a0)
		a.LD(ra, sp, 24)
		a.LD(s0, sp, 16)
		a.LD(s1, sp, 8)
		a.ADDI(sp, sp, 32)
		a.Label("base")
		a.RET()

		a.Label("msg")
		a.Word(0x000a6b6f)
	}
}

type snapshot struct {
	X        [32]uint64
	PC       uint64
	Stack    []byte
	Stats    core.Stats
	Counters core.Counters
	Status   core.Status
	Entries  int
	Resident int
}

func take(s *session) snapshot {
	var snap snapshot
	s.dbg.Inspect(func(c *core.Core) {
		stack, err := c.Memory().ReadBytes(stackTop-stackSize, stackSize)
		Expect(err).NotTo(HaveOccurred())
		snap = snapshot{
			X:        c.RegFile().X,
			PC:       c.PC(),
			Stack:    stack,
			Stats:    c.Stats(),
			Counters: c.Counters(),
			Status:   c.Status(),
			Entries:  c.Predictor().Entries(),
			Resident: c.Caches().Data.Resident(),
		}
	})
	return snap
}

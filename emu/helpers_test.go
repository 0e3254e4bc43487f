package emu_test

import (
	"bytes"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/kil0meters/remu/emu"
	"github.com/kil0meters/remu/insts"
)

type memRecord struct {
	addr uint64
	old  []byte
}

// recordingJournal keeps every record in order so a test can unwind it.
type recordingJournal struct {
	entries  []func(m *emu.Memory, r *emu.RegFile, e *emu.Emulator)
	mem      []memRecord
	syscalls []uint64
}

func (j *recordingJournal) push(f func(*emu.Memory, *emu.RegFile, *emu.Emulator)) {
	j.entries = append(j.entries, f)
}

func (j *recordingJournal) RecordReg(reg uint8, old uint64) {
	j.push(func(_ *emu.Memory, r *emu.RegFile, _ *emu.Emulator) { r.X[reg] = old })
}

func (j *recordingJournal) RecordFReg(reg uint8, old uint64) {
	j.push(func(_ *emu.Memory, r *emu.RegFile, _ *emu.Emulator) { r.F[reg] = old })
}

func (j *recordingJournal) RecordFCSR(old uint32) {
	j.push(func(_ *emu.Memory, r *emu.RegFile, _ *emu.Emulator) { r.FCSR = old })
}

func (j *recordingJournal) RecordMemory(addr uint64, old []byte) {
	j.mem = append(j.mem, memRecord{addr, old})
	j.push(func(m *emu.Memory, _ *emu.RegFile, _ *emu.Emulator) {
		Expect(m.Poke(addr, old)).To(Succeed())
	})
}

func (j *recordingJournal) RecordLayout(old emu.Layout) {
	j.push(func(m *emu.Memory, _ *emu.RegFile, _ *emu.Emulator) { m.RestoreLayout(old) })
}

func (j *recordingJournal) RecordReservation(old emu.Reservation) {
	j.push(func(_ *emu.Memory, _ *emu.RegFile, e *emu.Emulator) { e.RestoreReservation(old) })
}

func (j *recordingJournal) RecordSyscall(num uint64, _ []byte) {
	j.syscalls = append(j.syscalls, num)
}

func (j *recordingJournal) undoLast(m *emu.Memory, r *emu.RegFile, e *emu.Emulator, n int) {
	for i := 0; i < n; i++ {
		last := len(j.entries) - 1
		j.entries[last](m, r, e)
		j.entries = j.entries[:last]
	}
}

func (j *recordingJournal) undo(m *emu.Memory, r *emu.RegFile, e *emu.Emulator) {
	j.undoLast(m, r, e, len(j.entries))
}

const (
	textBase = uint64(0x1000)
	dataBase = uint64(0x10000)
)

// newProgram assembles build at textBase and maps a data page at dataBase.
func newProgram(build func(a *insts.Asm), opts ...emu.EmulatorOption) (*emu.Emulator, *bytes.Buffer) {
	stdout := &bytes.Buffer{}
	e := emu.NewEmulator(append([]emu.EmulatorOption{emu.WithStdout(stdout)}, opts...)...)

	a := insts.NewAsm(textBase)
	build(a)
	code, err := a.Assemble()
	ExpectWithOffset(1, err).NotTo(HaveOccurred())
	ExpectWithOffset(1, e.LoadProgram(textBase, code)).To(Succeed())
	ExpectWithOffset(1, e.Memory().Map(dataBase, emu.PageSize, emu.PermRW, "data")).To(Succeed())
	return e, stdout
}

// runToExit steps until the program exits, failing on any error.
func runToExit(e *emu.Emulator) int64 {
	for i := 0; i < 100000; i++ {
		result := e.Step()
		ExpectWithOffset(1, result.Err).NotTo(HaveOccurred())
		if result.Exited {
			return result.ExitCode
		}
	}
	Fail("program did not exit")
	return 0
}

func exit(a *insts.Asm, code int64) {
	a.LI(insts.RegA0, code)
	a.LI(insts.RegA7, int64(emu.SyscallExit))
	a.ECALL()
}

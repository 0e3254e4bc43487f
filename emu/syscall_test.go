package emu_test

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/kil0meters/remu/emu"
)

const atFDCWD = ^uint64(99) // -100

var _ = Describe("LinuxSyscallHandler", func() {
	var (
		memory  *emu.Memory
		stdout  *bytes.Buffer
		stderr  *bytes.Buffer
		handler *emu.LinuxSyscallHandler
		buf     uint64
	)

	newHandler := func(opts ...emu.SyscallOption) {
		handler = emu.NewLinuxSyscallHandler(memory, stdout, stderr, opts...)
	}

	call := func(num uint64, args ...uint64) emu.SyscallResult {
		var a [6]uint64
		copy(a[:], args)
		r, err := handler.Handle(num, a)
		ExpectWithOffset(1, err).NotTo(HaveOccurred())
		return r
	}

	BeforeEach(func() {
		memory = emu.NewMemory()
		buf = 0x10000
		Expect(memory.Map(buf, 2*emu.PageSize, emu.PermRW, "data")).To(Succeed())
		stdout = &bytes.Buffer{}
		stderr = &bytes.Buffer{}
		newHandler()
	})

	Describe("write", func() {
		It("should copy guest bytes to stdout and report them as output", func() {
			Expect(memory.WriteBytes(buf, []byte("Hello"))).To(Succeed())

			r := call(emu.SyscallWrite, 1, buf, 5)

			Expect(r.Value).To(Equal(uint64(5)))
			Expect(r.Output).To(Equal([]byte("Hello")))
			Expect(stdout.String()).To(Equal("Hello"))
		})

		It("should route fd 2 to stderr", func() {
			Expect(memory.WriteBytes(buf, []byte("oops"))).To(Succeed())

			call(emu.SyscallWrite, 2, buf, 4)

			Expect(stderr.String()).To(Equal("oops"))
			Expect(stdout.Len()).To(BeZero())
		})

		It("should return EBADF for descriptors that are not open", func() {
			r := call(emu.SyscallWrite, 42, buf, 1)
			Expect(int64(r.Value)).To(Equal(int64(-emu.EBADF)))
		})

		It("should return EFAULT for unmapped buffers", func() {
			r := call(emu.SyscallWrite, 1, 0x900000, 4)
			Expect(int64(r.Value)).To(Equal(int64(-emu.EFAULT)))
		})

		It("should gather iovecs for writev", func() {
			Expect(memory.WriteBytes(buf+0x100, []byte("ab"))).To(Succeed())
			Expect(memory.WriteBytes(buf+0x200, []byte("cd"))).To(Succeed())
			Expect(memory.Write64(buf, buf+0x100)).To(Succeed())
			Expect(memory.Write64(buf+8, 2)).To(Succeed())
			Expect(memory.Write64(buf+16, buf+0x200)).To(Succeed())
			Expect(memory.Write64(buf+24, 2)).To(Succeed())

			r := call(emu.SyscallWritev, 1, buf, 2)

			Expect(r.Value).To(Equal(uint64(4)))
			Expect(stdout.String()).To(Equal("abcd"))
		})
	})

	Describe("read", func() {
		It("should serve fixed stdin data and then EOF", func() {
			newHandler(emu.WithStdinData([]byte("xyz")))

			Expect(call(emu.SyscallRead, 0, buf, 2).Value).To(Equal(uint64(2)))
			Expect(call(emu.SyscallRead, 0, buf+2, 8).Value).To(Equal(uint64(1)))
			Expect(call(emu.SyscallRead, 0, buf, 8).Value).To(BeZero())

			data, err := memory.ReadBytes(buf, 3)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(data)).To(Equal("xyz"))
		})

		It("should mark interactive stdin reads as nondeterministic", func() {
			newHandler(emu.WithStdinReader(bytes.NewReader([]byte("q"))))

			r := call(emu.SyscallRead, 0, buf, 1)

			Expect(r.Value).To(Equal(uint64(1)))
			Expect(r.Nondeterministic).To(BeTrue())
		})
	})

	Describe("files", func() {
		var path string

		BeforeEach(func() {
			path = filepath.Join(GinkgoT().TempDir(), "input.txt")
			Expect(os.WriteFile(path, []byte("0123456789"), 0o644)).To(Succeed())
			Expect(memory.WriteBytes(buf+0x800, append([]byte(path), 0))).To(Succeed())
		})

		It("should open, seek, read and close host files", func() {
			fd := call(emu.SyscallOpenat, atFDCWD, buf+0x800, 0, 0).Value
			Expect(fd).To(Equal(uint64(3)))

			Expect(call(emu.SyscallLseek, fd, 4, 0).Value).To(Equal(uint64(4)))
			Expect(call(emu.SyscallRead, fd, buf, 3).Value).To(Equal(uint64(3)))
			data, _ := memory.ReadBytes(buf, 3)
			Expect(string(data)).To(Equal("456"))

			Expect(call(emu.SyscallClose, fd).Value).To(BeZero())
			Expect(int64(call(emu.SyscallClose, fd).Value)).To(Equal(int64(-emu.EBADF)))
		})

		It("should report ENOENT for missing files", func() {
			Expect(memory.WriteBytes(buf+0x800, []byte("/does/not/exist\x00"))).To(Succeed())

			r := call(emu.SyscallOpenat, atFDCWD, buf+0x800, 0, 0)

			Expect(int64(r.Value)).To(Equal(int64(-emu.ENOENT)))
		})

		It("should fill a stat buffer with the file size", func() {
			fd := call(emu.SyscallOpenat, atFDCWD, buf+0x800, 0, 0).Value

			Expect(call(emu.SyscallFstat, fd, buf).Value).To(BeZero())

			size, err := memory.Read64(buf + 48)
			Expect(err).NotTo(HaveOccurred())
			Expect(size).To(Equal(uint64(10)))
		})

		It("should refuse to seek on standard streams", func() {
			r := call(emu.SyscallLseek, 1, 0, 0)
			Expect(int64(r.Value)).To(Equal(int64(-emu.ESPIPE)))
		})

		It("should restore descriptors and offsets from a checkpoint", func() {
			fd := call(emu.SyscallOpenat, atFDCWD, buf+0x800, 0, 0).Value
			call(emu.SyscallLseek, fd, 2, 0)

			state, err := handler.Checkpoint()
			Expect(err).NotTo(HaveOccurred())

			call(emu.SyscallRead, fd, buf, 5)
			call(emu.SyscallClose, fd)
			Expect(handler.Restore(state)).To(Succeed())

			Expect(call(emu.SyscallRead, fd, buf, 2).Value).To(Equal(uint64(2)))
			data, _ := memory.ReadBytes(buf, 2)
			Expect(string(data)).To(Equal("23"))
		})
	})

	Describe("memory management", func() {
		It("should move the program break", func() {
			memory.InitBrk(0x40000)

			Expect(call(emu.SyscallBrk, 0).Value).To(Equal(uint64(0x40000)))
			Expect(call(emu.SyscallBrk, 0x41000).Value).To(Equal(uint64(0x41000)))
			Expect(memory.Write8(0x40fff, 1)).To(Succeed())
		})

		It("should map anonymous memory and unmap it again", func() {
			const protRW, mapPrivateAnon = 3, 0x22
			addr := call(emu.SyscallMmap, 0, emu.PageSize, protRW, mapPrivateAnon, ^uint64(0), 0).Value

			Expect(addr).To(Equal(emu.DefaultMmapBase))
			Expect(memory.Write64(addr, 7)).To(Succeed())

			Expect(call(emu.SyscallMunmap, addr, emu.PageSize).Value).To(BeZero())
			Expect(memory.Write64(addr, 7)).To(MatchError(emu.ErrSegmentationFault))
		})

		It("should refuse mappings larger than the address space budget", func() {
			const protRW, mapPrivateAnon = 3, 0x22

			r := call(emu.SyscallMmap, 0, 1<<50, protRW, mapPrivateAnon, ^uint64(0), 0)
			Expect(int64(r.Value)).To(Equal(int64(-emu.ENOMEM)))

			r = call(emu.SyscallMmap, 0, ^uint64(0), protRW, mapPrivateAnon, ^uint64(0), 0)
			Expect(int64(r.Value)).To(Equal(int64(-emu.ENOMEM)))
		})

		It("should reject zero-length mappings", func() {
			const protRW, mapPrivateAnon = 3, 0x22
			r := call(emu.SyscallMmap, 0, 0, protRW, mapPrivateAnon, ^uint64(0), 0)
			Expect(int64(r.Value)).To(Equal(int64(-emu.EINVAL)))
		})
	})

	Describe("nondeterministic sources", func() {
		It("should fill getrandom buffers with a fixed pattern", func() {
			r := call(emu.SyscallGetrandom, buf, 4, 0)

			Expect(r.Value).To(Equal(uint64(4)))
			Expect(r.Nondeterministic).To(BeTrue())
			data, _ := memory.ReadBytes(buf, 4)
			Expect(data).To(Equal([]byte{emu.RandomFill, emu.RandomFill, emu.RandomFill, emu.RandomFill}))
		})

		It("should derive clock_gettime from the configured clock", func() {
			newHandler(emu.WithClock(func() uint64 { return 3_000_000_042 }))

			r := call(emu.SyscallClockGettime, 1, buf)

			Expect(r.Nondeterministic).To(BeTrue())
			raw, _ := memory.ReadBytes(buf, 16)
			Expect(binary.LittleEndian.Uint64(raw[0:])).To(Equal(uint64(3)))
			Expect(binary.LittleEndian.Uint64(raw[8:])).To(Equal(uint64(42)))
		})
	})

	Describe("process control", func() {
		It("should exit with the requested status", func() {
			r := call(emu.SyscallExitGroup, 7)
			Expect(r.Exited).To(BeTrue())
			Expect(r.ExitCode).To(Equal(int64(7)))
		})

		It("should turn tgkill into a signal exit status", func() {
			r := call(emu.SyscallTgkill, 1, 1, 6)
			Expect(r.ExitCode).To(Equal(int64(134)))
		})

		It("should fail on syscalls it does not model", func() {
			_, err := handler.Handle(12345, [6]uint64{})
			Expect(err).To(MatchError(emu.ErrUnmappedSyscall))
		})
	})
})

// Package emu provides functional RV64 emulation.
package emu

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-logr/logr"
)

// RV64 Linux syscall numbers.
const (
	SyscallIoctl         uint64 = 29
	SyscallFaccessat     uint64 = 48
	SyscallOpenat        uint64 = 56
	SyscallClose         uint64 = 57
	SyscallLseek         uint64 = 62
	SyscallRead          uint64 = 63
	SyscallWrite         uint64 = 64
	SyscallWritev        uint64 = 66
	SyscallReadlinkat    uint64 = 78
	SyscallNewfstatat    uint64 = 79
	SyscallFstat         uint64 = 80
	SyscallExit          uint64 = 93
	SyscallExitGroup     uint64 = 94
	SyscallSetTidAddress uint64 = 96
	SyscallFutex         uint64 = 98
	SyscallSetRobustList uint64 = 99
	SyscallClockGettime  uint64 = 113
	SyscallSchedYield    uint64 = 124
	SyscallTgkill        uint64 = 131
	SyscallRtSigaction   uint64 = 134
	SyscallRtSigprocmask uint64 = 135
	SyscallGetpid        uint64 = 172
	SyscallGetuid        uint64 = 174
	SyscallGettid        uint64 = 178
	SyscallBrk           uint64 = 214
	SyscallMunmap        uint64 = 215
	SyscallMmap          uint64 = 222
	SyscallMprotect      uint64 = 226
	SyscallPrlimit64     uint64 = 261
	SyscallGetrandom     uint64 = 278
)

// Linux error codes.
const (
	ENOENT = 2  // No such file or directory
	EIO    = 5  // I/O error
	EBADF  = 9  // Bad file descriptor
	ENOMEM = 12 // Out of memory
	EACCES = 13 // Permission denied
	EFAULT = 14 // Bad address
	EINVAL = 22 // Invalid argument
	ENOTTY = 25 // Not a typewriter
	ESPIPE = 29 // Illegal seek
)

const (
	atFDCWD     = -100
	atEmptyPath = 0x1000
	mapAnon     = 0x20
	emulatedPID = 1000
	emulatedUID = 1000
	pathMax     = 4096
	maxIOChunk  = 1 << 20

	// RandomFill is the byte getrandom writes.
	RandomFill byte = 0xff
)

// ErrUnmappedSyscall is returned for syscall numbers the handler does not
// implement.
var ErrUnmappedSyscall = errors.New("unmapped syscall")

// SyscallResult represents the result of a syscall execution.
type SyscallResult struct {
	// Value is written to a0 unless the syscall exited.
	Value uint64

	// Exited is true if the syscall caused program termination.
	Exited bool

	// ExitCode is the exit status if Exited is true.
	ExitCode int64

	// Nondeterministic is set when the result depends on something outside
	// the emulated machine, so re-executing may not reproduce it.
	Nondeterministic bool

	// Output holds bytes written to the host, which a rewind cannot recall.
	Output []byte
}

// SyscallHandler is the boundary between the emulator and the operating
// system it imitates. The emulator passes the number from a7 and the
// arguments from a0-a5.
type SyscallHandler interface {
	Handle(num uint64, args [6]uint64) (SyscallResult, error)
}

// LinuxSyscallHandler implements the subset of the RV64 Linux ABI needed
// by statically linked user programs.
type LinuxSyscallHandler struct {
	memory  *Memory
	fdTable *FDTable
	stdout  io.Writer
	stderr  io.Writer

	stdin     io.Reader
	stdinData []byte
	stdinPos  int
	stdinFile bool

	clock     func() uint64
	wallClock bool
	exePath   string
	log       logr.Logger
}

// SyscallOption configures a LinuxSyscallHandler.
type SyscallOption func(*LinuxSyscallHandler)

// WithStdinData makes fd 0 read from a fixed buffer, typically the
// contents of a file named on the command line.
func WithStdinData(data []byte) SyscallOption {
	return func(h *LinuxSyscallHandler) {
		h.stdinData = data
		h.stdinFile = true
	}
}

// WithStdinReader makes fd 0 read from a live stream.
func WithStdinReader(r io.Reader) SyscallOption {
	return func(h *LinuxSyscallHandler) {
		h.stdin = r
	}
}

// WithClock sets the nanosecond source for clock_gettime.
func WithClock(clock func() uint64) SyscallOption {
	return func(h *LinuxSyscallHandler) {
		h.clock = clock
	}
}

// WithWallClock makes clock_gettime report host time.
func WithWallClock() SyscallOption {
	return func(h *LinuxSyscallHandler) {
		h.wallClock = true
	}
}

// WithExecutablePath sets what readlink("/proc/self/exe") returns.
func WithExecutablePath(path string) SyscallOption {
	return func(h *LinuxSyscallHandler) {
		h.exePath = path
	}
}

// WithSyscallLogger traces every syscall at V(1).
func WithSyscallLogger(log logr.Logger) SyscallOption {
	return func(h *LinuxSyscallHandler) {
		h.log = log
	}
}

// NewLinuxSyscallHandler creates a handler operating on memory.
func NewLinuxSyscallHandler(memory *Memory, stdout, stderr io.Writer, opts ...SyscallOption) *LinuxSyscallHandler {
	h := &LinuxSyscallHandler{
		memory:  memory,
		fdTable: NewFDTable(),
		stdout:  stdout,
		stderr:  stderr,
		exePath: "/prog",
		log:     logr.Discard(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// FDTable returns the handler's descriptor table.
func (h *LinuxSyscallHandler) FDTable() *FDTable {
	return h.fdTable
}

func errno(e int) SyscallResult {
	return SyscallResult{Value: uint64(-int64(e))}
}

func retval(v uint64) SyscallResult {
	return SyscallResult{Value: v}
}

// Handle executes one syscall.
func (h *LinuxSyscallHandler) Handle(num uint64, args [6]uint64) (SyscallResult, error) {
	var r SyscallResult

	switch num {
	case SyscallIoctl:
		r = errno(ENOTTY)
	case SyscallFaccessat:
		r = h.handleFaccessat(args)
	case SyscallOpenat:
		r = h.handleOpenat(args)
	case SyscallClose:
		r = h.handleClose(args)
	case SyscallLseek:
		r = h.handleLseek(args)
	case SyscallRead:
		r = h.handleRead(args)
	case SyscallWrite:
		r = h.handleWrite(args)
	case SyscallWritev:
		r = h.handleWritev(args)
	case SyscallReadlinkat:
		r = h.handleReadlinkat(args)
	case SyscallNewfstatat:
		r = h.handleNewfstatat(args)
	case SyscallFstat:
		r = h.handleFstat(args[0], args[1])
	case SyscallExit, SyscallExitGroup:
		r = SyscallResult{Exited: true, ExitCode: int64(args[0])}
	case SyscallSetTidAddress, SyscallGettid, SyscallGetpid:
		r = retval(emulatedPID)
	case SyscallGetuid:
		r = retval(emulatedUID)
	case SyscallFutex, SyscallSetRobustList, SyscallSchedYield,
		SyscallRtSigaction, SyscallRtSigprocmask, SyscallMprotect:
		r = retval(0)
	case SyscallTgkill:
		// abort() raises SIGABRT on itself; report it the way a shell would.
		r = SyscallResult{Exited: true, ExitCode: 128 + int64(args[2])}
	case SyscallClockGettime:
		r = h.handleClockGettime(args)
	case SyscallBrk:
		r = retval(h.memory.Brk(args[0]))
	case SyscallMunmap:
		if err := h.memory.Munmap(args[0], args[1]); err != nil {
			r = errno(EINVAL)
		}
	case SyscallMmap:
		r = h.handleMmap(args)
	case SyscallPrlimit64:
		r = h.handlePrlimit(args)
	case SyscallGetrandom:
		r = h.handleGetrandom(args)
	default:
		return SyscallResult{}, fmt.Errorf("syscall %d: %w", num, ErrUnmappedSyscall)
	}

	h.log.V(1).Info("syscall", "num", num, "args", args[:3], "ret", int64(r.Value))
	return r, nil
}

func (h *LinuxSyscallHandler) readPath(addr uint64) (string, bool) {
	path, err := h.memory.ReadCString(addr, pathMax)
	return path, err == nil
}

func hostErrno(err error) SyscallResult {
	switch {
	case errors.Is(err, os.ErrNotExist):
		return errno(ENOENT)
	case errors.Is(err, os.ErrPermission):
		return errno(EACCES)
	case errors.Is(err, os.ErrInvalid):
		return errno(EBADF)
	}
	return errno(EIO)
}

func (h *LinuxSyscallHandler) handleFaccessat(args [6]uint64) SyscallResult {
	path, valid := h.readPath(args[1])
	if !valid {
		return errno(EFAULT)
	}
	if _, err := os.Stat(path); err != nil {
		return hostErrno(err)
	}
	return retval(0)
}

// hostOpenFlags translates the generic Linux open flags used by RISC-V.
func hostOpenFlags(flags uint64) int {
	var f int
	switch flags & 3 {
	case 0:
		f = os.O_RDONLY
	case 1:
		f = os.O_WRONLY
	default:
		f = os.O_RDWR
	}
	if flags&0x40 != 0 {
		f |= os.O_CREATE
	}
	if flags&0x80 != 0 {
		f |= os.O_EXCL
	}
	if flags&0x200 != 0 {
		f |= os.O_TRUNC
	}
	if flags&0x400 != 0 {
		f |= os.O_APPEND
	}
	return f
}

func (h *LinuxSyscallHandler) handleOpenat(args [6]uint64) SyscallResult {
	path, valid := h.readPath(args[1])
	if !valid {
		return errno(EFAULT)
	}
	if int64(args[0]) != atFDCWD && len(path) > 0 && path[0] != '/' {
		return errno(EBADF)
	}

	fd, err := h.fdTable.Open(path, hostOpenFlags(args[2]), os.FileMode(args[3]&0o777))
	if err != nil {
		return hostErrno(err)
	}
	return retval(fd)
}

func (h *LinuxSyscallHandler) handleClose(args [6]uint64) SyscallResult {
	if err := h.fdTable.Close(args[0]); err != nil {
		return errno(EBADF)
	}
	return retval(0)
}

func (h *LinuxSyscallHandler) handleLseek(args [6]uint64) SyscallResult {
	fd := args[0]
	if fd <= 2 {
		if !h.fdTable.IsOpen(fd) {
			return errno(EBADF)
		}
		return errno(ESPIPE)
	}
	off, err := h.fdTable.Seek(fd, int64(args[1]), int(args[2]))
	if err != nil {
		if errors.Is(err, os.ErrInvalid) {
			return errno(EBADF)
		}
		return errno(EINVAL)
	}
	return retval(uint64(off))
}

func (h *LinuxSyscallHandler) handleRead(args [6]uint64) SyscallResult {
	fd, bufPtr, count := args[0], args[1], min(args[2], maxIOChunk)
	if !h.fdTable.IsOpen(fd) {
		return errno(EBADF)
	}

	buf := make([]byte, count)
	var n int
	var nondeterministic bool

	switch {
	case fd == 0 && h.stdinFile:
		n = copy(buf, h.stdinData[h.stdinPos:])
		h.stdinPos += n
	case fd == 0 && h.stdin != nil:
		nondeterministic = true
		var err error
		n, err = h.stdin.Read(buf)
		if err != nil && err != io.EOF {
			return errno(EIO)
		}
	case fd == 0:
		// No stdin configured reads as EOF.
	case fd <= 2:
		return errno(EBADF)
	default:
		var err error
		n, err = h.fdTable.Read(fd, buf)
		if err != nil {
			return errno(EIO)
		}
	}

	if err := h.memory.WriteBytes(bufPtr, buf[:n]); err != nil {
		return errno(EFAULT)
	}
	r := retval(uint64(n))
	r.Nondeterministic = nondeterministic
	return r
}

func (h *LinuxSyscallHandler) write(fd uint64, data []byte) SyscallResult {
	var n int
	var err error
	switch fd {
	case 1:
		n, err = h.stdout.Write(data)
	case 2:
		n, err = h.stderr.Write(data)
	default:
		if fd == 0 {
			return errno(EBADF)
		}
		n, err = h.fdTable.Write(fd, data)
		if errors.Is(err, os.ErrInvalid) {
			return errno(EBADF)
		}
	}
	if err != nil {
		return errno(EIO)
	}
	r := retval(uint64(n))
	r.Output = data[:n]
	return r
}

func (h *LinuxSyscallHandler) handleWrite(args [6]uint64) SyscallResult {
	data, err := h.memory.ReadBytes(args[1], args[2])
	if err != nil {
		return errno(EFAULT)
	}
	return h.write(args[0], data)
}

func (h *LinuxSyscallHandler) handleWritev(args [6]uint64) SyscallResult {
	var data []byte
	for i := uint64(0); i < args[2]; i++ {
		iov := args[1] + i*16
		base, err := h.memory.Read64(iov)
		if err != nil {
			return errno(EFAULT)
		}
		length, err := h.memory.Read64(iov + 8)
		if err != nil {
			return errno(EFAULT)
		}
		chunk, err := h.memory.ReadBytes(base, length)
		if err != nil {
			return errno(EFAULT)
		}
		data = append(data, chunk...)
	}
	return h.write(args[0], data)
}

func (h *LinuxSyscallHandler) handleReadlinkat(args [6]uint64) SyscallResult {
	path, valid := h.readPath(args[1])
	if !valid {
		return errno(EFAULT)
	}
	if path != "/proc/self/exe" {
		return errno(EINVAL)
	}

	target := []byte(h.exePath)
	if uint64(len(target)) > args[3] {
		target = target[:args[3]]
	}
	if err := h.memory.WriteBytes(args[2], target); err != nil {
		return errno(EFAULT)
	}
	return retval(uint64(len(target)))
}

// statBuf lays out struct stat for the generic 64-bit Linux ABI. Times are
// left zero so results do not vary between runs.
func statBuf(info os.FileInfo) []byte {
	buf := make([]byte, 128)
	mode := uint32(info.Mode().Perm())
	switch {
	case info.Mode()&os.ModeCharDevice != 0:
		mode |= 0o020000
	case info.IsDir():
		mode |= 0o040000
	default:
		mode |= 0o100000
	}
	binary.LittleEndian.PutUint32(buf[16:], mode)
	binary.LittleEndian.PutUint32(buf[20:], 1)
	binary.LittleEndian.PutUint32(buf[24:], emulatedUID)
	binary.LittleEndian.PutUint32(buf[28:], emulatedUID)
	binary.LittleEndian.PutUint64(buf[48:], uint64(info.Size()))
	binary.LittleEndian.PutUint32(buf[56:], PageSize)
	binary.LittleEndian.PutUint64(buf[64:], uint64((info.Size()+511)/512))
	return buf
}

func (h *LinuxSyscallHandler) handleFstat(fd, bufPtr uint64) SyscallResult {
	info, err := h.fdTable.Stat(fd)
	if err != nil {
		return errno(EBADF)
	}
	if err := h.memory.WriteBytes(bufPtr, statBuf(info)); err != nil {
		return errno(EFAULT)
	}
	return retval(0)
}

func (h *LinuxSyscallHandler) handleNewfstatat(args [6]uint64) SyscallResult {
	path, valid := h.readPath(args[1])
	if !valid {
		return errno(EFAULT)
	}
	if path == "" && args[3]&atEmptyPath != 0 {
		return h.handleFstat(args[0], args[2])
	}
	info, err := os.Stat(path)
	if err != nil {
		return hostErrno(err)
	}
	if err := h.memory.WriteBytes(args[2], statBuf(info)); err != nil {
		return errno(EFAULT)
	}
	return retval(0)
}

func (h *LinuxSyscallHandler) handleClockGettime(args [6]uint64) SyscallResult {
	var ns uint64
	switch {
	case h.wallClock:
		ns = uint64(time.Now().UnixNano())
	case h.clock != nil:
		ns = h.clock()
	}

	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:], ns/1e9)
	binary.LittleEndian.PutUint64(buf[8:], ns%1e9)
	if err := h.memory.WriteBytes(args[1], buf[:]); err != nil {
		return errno(EFAULT)
	}
	return SyscallResult{Nondeterministic: true}
}

func (h *LinuxSyscallHandler) handleMmap(args [6]uint64) SyscallResult {
	addr, length, prot, flags, fd, off := args[0], args[1], args[2], args[3], args[4], args[5]

	var perm Perm
	if prot&1 != 0 {
		perm |= PermRead
	}
	if prot&2 != 0 {
		perm |= PermWrite
	}
	if prot&4 != 0 {
		perm |= PermExec
	}

	anonymous := flags&mapAnon != 0
	name := "[mmap]"
	if !anonymous {
		entry, exists := h.fdTable.Get(fd)
		if !exists || entry.HostFile == nil {
			return errno(EBADF)
		}
		name = entry.Path
	}

	start, err := h.memory.Mmap(addr, length, perm, name)
	if errors.Is(err, ErrOutOfMemory) {
		return errno(ENOMEM)
	}
	if err != nil {
		return errno(EINVAL)
	}

	if !anonymous {
		buf := make([]byte, length)
		n, err := h.fdTable.ReadAt(fd, buf, int64(off))
		if err != nil {
			return errno(EIO)
		}
		if err := h.memory.Poke(start, buf[:n]); err != nil {
			return errno(EFAULT)
		}
	}
	return retval(start)
}

func (h *LinuxSyscallHandler) handlePrlimit(args [6]uint64) SyscallResult {
	if old := args[3]; old != 0 {
		var buf [16]byte
		binary.LittleEndian.PutUint64(buf[0:], 8<<20)
		binary.LittleEndian.PutUint64(buf[8:], ^uint64(0))
		if err := h.memory.WriteBytes(old, buf[:]); err != nil {
			return errno(EFAULT)
		}
	}
	return retval(0)
}

func (h *LinuxSyscallHandler) handleGetrandom(args [6]uint64) SyscallResult {
	n := min(args[1], maxIOChunk)
	if err := h.memory.WriteBytes(args[0], bytes.Repeat([]byte{RandomFill}, int(n))); err != nil {
		return errno(EFAULT)
	}
	return SyscallResult{Value: n, Nondeterministic: true}
}

type handlerState struct {
	StdinPos int
	FDs      []fdState
}

// Checkpoint captures the descriptor table and input position.
func (h *LinuxSyscallHandler) Checkpoint() ([]byte, error) {
	fds, err := h.fdTable.snapshot()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(handlerState{StdinPos: h.stdinPos, FDs: fds}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Restore returns the handler to a checkpoint.
func (h *LinuxSyscallHandler) Restore(state []byte) error {
	var s handlerState
	if err := gob.NewDecoder(bytes.NewReader(state)).Decode(&s); err != nil {
		return fmt.Errorf("decode syscall state: %w", err)
	}
	h.stdinPos = s.StdinPos
	return h.fdTable.restore(s.FDs)
}

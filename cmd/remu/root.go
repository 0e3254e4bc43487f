package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime/pprof"
	"strconv"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/kil0meters/remu/emu"
	"github.com/kil0meters/remu/loader"
	"github.com/kil0meters/remu/timing/core"
	"github.com/kil0meters/remu/timing/latency"
)

// globalOptions holds the flags every subcommand shares.
type globalOptions struct {
	timingPath string
	stdinPath  string
	cpuProfile string
	verbosity  int

	stdin          io.Reader
	stdout, stderr io.Writer

	profileFile *os.File
}

func newRootCmd(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	o := &globalOptions{stdin: stdin, stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:           "remu",
		Short:         "RISC-V 64 user-mode emulator with a cycle cost model",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return o.startCPUProfile()
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return o.stopCPUProfile()
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)

	flags := root.PersistentFlags()
	flags.StringVar(&o.timingPath, "timing", "", "timing configuration JSON file")
	flags.StringVar(&o.stdinPath, "stdin", "", "file the guest reads as standard input")
	flags.StringVar(&o.cpuProfile, "cpuprofile", "", "write a host CPU profile to this file")
	flags.CountVarP(&o.verbosity, "verbose", "v", "log more (repeat for per-syscall and per-step tracing)")

	root.AddCommand(
		newRunCmd(o),
		newProfileCmd(o),
		newDisasmCmd(o),
		newDebugCmd(o),
		newBenchCmd(o),
		newConfigCmd(o),
	)
	return root
}

func (o *globalOptions) logger() logr.Logger {
	handler := slog.NewTextHandler(o.stderr, &slog.HandlerOptions{
		Level: slog.Level(-o.verbosity),
	})
	return logr.FromSlogHandler(handler)
}

func (o *globalOptions) timing() (*latency.TimingConfig, error) {
	if o.timingPath == "" {
		return latency.DefaultTimingConfig(), nil
	}
	return latency.LoadConfig(o.timingPath)
}

func (o *globalOptions) startCPUProfile() error {
	if o.cpuProfile == "" {
		return nil
	}
	f, err := os.Create(o.cpuProfile)
	if err != nil {
		return fmt.Errorf("creating CPU profile: %w", err)
	}
	if err := pprof.StartCPUProfile(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("starting CPU profile: %w", err)
	}
	o.profileFile = f
	return nil
}

func (o *globalOptions) stopCPUProfile() error {
	if o.profileFile == nil {
		return nil
	}
	pprof.StopCPUProfile()
	err := o.profileFile.Close()
	o.profileFile = nil
	return err
}

func (o *globalOptions) stdinOption() (emu.SyscallOption, error) {
	if o.stdinPath == "" {
		if o.stdin == nil {
			return emu.WithStdinData(nil), nil
		}
		return emu.WithStdinReader(o.stdin), nil
	}
	data, err := os.ReadFile(o.stdinPath)
	if err != nil {
		return nil, fmt.Errorf("reading stdin file: %w", err)
	}
	return emu.WithStdinData(data), nil
}

// newCore builds a core for prog with the program installed and ready to
// step. args are the guest's argv after argv[0].
func (o *globalOptions) newCore(prog *loader.Program, args []string) (*core.Core, error) {
	timing, err := o.timing()
	if err != nil {
		return nil, err
	}
	stdin, err := o.stdinOption()
	if err != nil {
		return nil, err
	}

	log := o.logger()
	c := core.NewCore(
		core.WithTiming(timing),
		core.WithLogger(log.WithName("core")),
		core.WithStdout(o.stdout),
		core.WithStderr(o.stderr),
		core.WithSyscallOptions(
			stdin,
			emu.WithExecutablePath(prog.Path),
			emu.WithSyscallLogger(log.WithName("syscall")),
		),
	)

	argv := append([]string{prog.Path}, args...)
	if err := prog.Install(c.Memory(), c.RegFile(), argv, nil); err != nil {
		return nil, err
	}
	return c, nil
}

// resolveLocation turns a symbol name or a number into an address.
func resolveLocation(symbols map[string]uint64, location string) (uint64, error) {
	if addr, ok := symbols[location]; ok {
		return addr, nil
	}
	addr, err := strconv.ParseUint(location, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("%q is neither a symbol nor an address", location)
	}
	return addr, nil
}

// loadProgram reads the ELF named by the first argument.
func loadProgram(args []string) (*loader.Program, []string, error) {
	prog, err := loader.Load(args[0])
	if err != nil {
		return nil, nil, err
	}
	return prog, args[1:], nil
}

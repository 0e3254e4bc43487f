package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/kil0meters/remu/debugger"
	"github.com/kil0meters/remu/disasm"
)

func newDebugCmd(o *globalOptions) *cobra.Command {
	var (
		maxHistory  int
		historyFile string
		breaks      []string
	)

	cmd := &cobra.Command{
		Use:   "debug <program.elf> [args...]",
		Short: "Step a program forward and backward interactively",
		Long: "Start an interactive session that can execute and undo instructions.\n" +
			"Use --stdin when the program reads input, since the terminal belongs\n" +
			"to the debugger.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prog, guestArgs, err := loadProgram(args)
			if err != nil {
				return err
			}
			c, err := o.newCore(prog, guestArgs)
			if err != nil {
				return err
			}

			dbg := debugger.New(c,
				debugger.WithLogger(o.logger().WithName("debugger")),
				debugger.WithSymbols(prog.Symbols),
				debugger.WithMaxHistory(maxHistory),
			)
			for _, spec := range breaks {
				if _, err := dbg.AddBreakpoint(spec); err != nil {
					return err
				}
			}

			r := newRepl(dbg, disasm.New(disasm.WithSymbols(prog.Symbols)), o.stdout)
			r.interrupt = func(ctx context.Context) (context.Context, context.CancelFunc) {
				return signal.NotifyContext(ctx, os.Interrupt)
			}
			return interact(cmd.Context(), r, historyFile, o.stdout, o.stderr)
		},
	}
	cmd.Flags().SetInterspersed(false)
	cmd.Flags().IntVar(&maxHistory, "max-history", 0, "keep at most this many steps of history (0 = unlimited)")
	cmd.Flags().StringVar(&historyFile, "history-file", "", "file to keep command history in")
	cmd.Flags().StringArrayVar(&breaks, "break", nil, "breakpoint to set before the first command (repeatable)")
	return cmd
}

func completer() readline.AutoCompleter {
	return readline.NewPrefixCompleter(
		readline.PcItem("step"),
		readline.PcItem("rstep"),
		readline.PcItem("continue"),
		readline.PcItem("rcontinue"),
		readline.PcItem("end"),
		readline.PcItem("until"),
		readline.PcItem("break", readline.PcItem("syscall")),
		readline.PcItem("delete"),
		readline.PcItem("breaks"),
		readline.PcItem("regs"),
		readline.PcItem("list"),
		readline.PcItem("stats"),
		readline.PcItem("save"),
		readline.PcItem("load"),
		readline.PcItem("help"),
		readline.PcItem("quit"),
	)
}

// interact reads commands from the terminal until quit or end of input.
func interact(ctx context.Context, r *repl, historyFile string, stdout, stderr io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "(remu) ",
		HistoryFile:     historyFile,
		AutoComplete:    completer(),
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
		Stdout:          stdout,
		Stderr:          stderr,
	})
	if err != nil {
		return err
	}
	defer func() { _ = rl.Close() }()

	_ = r.list(1)
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		quit, err := r.exec(ctx, line)
		if err != nil {
			_, _ = fmt.Fprintf(stdout, "error: %v\n", err)
		}
		if quit {
			return nil
		}
	}
}

package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/kil0meters/remu/report"
	"github.com/kil0meters/remu/timing/core"
)

func newRunCmd(o *globalOptions) *cobra.Command {
	var stats bool

	cmd := &cobra.Command{
		Use:   "run <program.elf> [args...]",
		Short: "Run a program to completion",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prog, guestArgs, err := loadProgram(args)
			if err != nil {
				return err
			}
			c, err := o.newCore(prog, guestArgs)
			if err != nil {
				return err
			}

			code, err := runCore(cmd.Context(), c)
			if err != nil {
				return err
			}
			if stats {
				summary := report.FromStats(prog.Path, c.Stats(), c.Timing().ClockGHz)
				if err := report.WriteText(o.stderr, summary); err != nil {
					return err
				}
			}
			if code != 0 {
				return exitStatus(code)
			}
			return nil
		},
	}
	cmd.Flags().SetInterspersed(false)
	cmd.Flags().BoolVar(&stats, "stats", false, "print timing statistics to stderr on exit")
	return cmd
}

// runCore runs c until it stops, cancelling on an interrupt.
func runCore(parent context.Context, c *core.Core) (int64, error) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt)
	defer stop()
	return c.Run(ctx)
}

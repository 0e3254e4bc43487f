package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kil0meters/remu/report"
)

func newProfileCmd(o *globalOptions) *cobra.Command {
	var (
		label     string
		chartPath string
	)

	cmd := &cobra.Command{
		Use:   "profile <program.elf> [args...]",
		Short: "Measure the calls to one function",
		Long: "Run a program and measure every call to the function at --label, from\n" +
			"entry until it returns to its caller. Recursive calls count toward the\n" +
			"outermost one.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prog, guestArgs, err := loadProgram(args)
			if err != nil {
				return err
			}
			addr, err := resolveLocation(prog.Symbols, label)
			if err != nil {
				return err
			}
			c, err := o.newCore(prog, guestArgs)
			if err != nil {
				return err
			}
			c.SetProfile(label, addr)

			code, err := runCore(cmd.Context(), c)
			if err != nil {
				return err
			}

			result := c.Profile()
			if result.Calls == 0 && !result.Active {
				return fmt.Errorf("%s at 0x%x was never called", label, addr)
			}

			clock := c.Timing().ClockGHz
			summaries := []report.Summary{
				report.FromProfile(result, clock),
				report.FromStats("whole program", c.Stats(), clock),
			}
			_, _ = fmt.Fprintf(o.stderr, "%s: %d call(s), exit code %d\n", label, result.Calls, code)
			if err := report.WriteText(o.stderr, summaries...); err != nil {
				return err
			}

			if chartPath != "" {
				f, err := os.Create(chartPath)
				if err != nil {
					return err
				}
				if err := report.WriteChart(f, summaries...); err != nil {
					_ = f.Close()
					return err
				}
				if err := f.Close(); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().SetInterspersed(false)
	cmd.Flags().StringVar(&label, "label", "main", "function to measure")
	cmd.Flags().StringVar(&chartPath, "chart", "", "write an HTML chart of the results")
	return cmd
}

package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/kil0meters/remu/benchmarks"
	"github.com/kil0meters/remu/report"
)

func newBenchCmd(o *globalOptions) *cobra.Command {
	var (
		csv, json, quick bool
		chartPath        string
	)

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Run the built-in microbenchmarks under the cost model",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			timing, err := o.timing()
			if err != nil {
				return err
			}

			config := benchmarks.DefaultConfig()
			config.Timing = timing
			config.Output = o.stdout
			config.Logger = o.logger().WithName("bench")
			config.Verbose = o.verbosity > 0

			harness := benchmarks.NewHarness(config)
			if quick {
				harness.AddBenchmarks(benchmarks.GetCoreBenchmarks())
			} else {
				harness.AddBenchmarks(benchmarks.GetMicrobenchmarks())
			}

			results := harness.RunAll(cmd.Context())

			switch {
			case json:
				err = harness.PrintJSON(results)
			case csv:
				harness.PrintCSV(results)
			default:
				err = harness.PrintResults(results)
			}
			if err != nil {
				return err
			}

			if chartPath == "" {
				return nil
			}
			summaries := make([]report.Summary, len(results))
			for i, r := range results {
				summaries[i] = r.Summary(timing.ClockGHz)
			}
			f, err := os.Create(chartPath)
			if err != nil {
				return err
			}
			if err := report.WriteChart(f, summaries...); err != nil {
				_ = f.Close()
				return err
			}
			return f.Close()
		},
	}
	cmd.Flags().BoolVar(&csv, "csv", false, "print CSV")
	cmd.Flags().BoolVar(&json, "json", false, "print JSON")
	cmd.Flags().BoolVar(&quick, "quick", false, "run only the core set")
	cmd.Flags().StringVar(&chartPath, "chart", "", "write an HTML chart of the results")
	return cmd
}

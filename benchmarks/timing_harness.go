// Package benchmarks provides timing benchmark infrastructure for checking
// the cost model against small targeted programs.
package benchmarks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-logr/logr"

	"github.com/kil0meters/remu/emu"
	"github.com/kil0meters/remu/insts"
	"github.com/kil0meters/remu/report"
	"github.com/kil0meters/remu/timing/core"
	"github.com/kil0meters/remu/timing/latency"
)

// Address space every benchmark runs in.
const (
	TextBase  = 0x10000
	DataBase  = 0x100000
	DataSize  = 0x40000
	StackTop  = 0x800000
	StackSize = 0x10000
)

// Version is reported in JSON output.
const Version = "0.1.0"

// BenchmarkResult holds the timing results for a single benchmark run.
type BenchmarkResult struct {
	// Name identifies the benchmark
	Name string `json:"name"`

	// Description explains what the benchmark measures
	Description string `json:"description"`

	// SimulatedCycles is the total cycle count from the timing model
	SimulatedCycles uint64 `json:"simulated_cycles"`

	// InstructionsRetired is the number of completed instructions
	InstructionsRetired uint64 `json:"instructions_retired"`

	// CPI is cycles per instruction
	CPI float64 `json:"cpi"`

	// StallCycles is the number of cycles spent waiting on operands
	StallCycles uint64 `json:"stall_cycles"`

	// FetchStallCycles is the number of cycles spent on fetch misses
	FetchStallCycles uint64 `json:"fetch_stall_cycles"`

	// MispredictCycles is the number of cycles lost to mispredictions
	MispredictCycles uint64 `json:"mispredict_cycles"`

	// ICacheHits/Misses (if a separate instruction cache is configured)
	ICacheHits   uint64 `json:"icache_hits,omitempty"`
	ICacheMisses uint64 `json:"icache_misses,omitempty"`

	DCacheHits   uint64 `json:"dcache_hits"`
	DCacheMisses uint64 `json:"dcache_misses"`

	// Branch predictor stats
	BranchPredictions     uint64  `json:"branch_predictions,omitempty"`
	BranchCorrect         uint64  `json:"branch_correct,omitempty"`
	BranchMispredictions  uint64  `json:"branch_mispredictions,omitempty"`
	BranchAccuracyPercent float64 `json:"branch_accuracy_percent,omitempty"`

	// ExitCode is the program's exit code
	ExitCode int64 `json:"exit_code"`

	// Error is set when the program faulted or could not be built.
	Error string `json:"error,omitempty"`

	// WallTime is the actual time taken to run the simulation
	WallTime time.Duration `json:"wall_time_ns"`

	stats core.Stats
}

// Summary converts the result for the report package.
func (r BenchmarkResult) Summary(clockGHz float64) report.Summary {
	return report.FromStats(r.Name, r.stats, clockGHz)
}

// Benchmark defines a single benchmark program.
type Benchmark struct {
	// Name identifies the benchmark
	Name string

	// Description explains what the benchmark measures
	Description string

	// Setup prepares the register and memory state before the first step.
	Setup func(regFile *emu.RegFile, memory *emu.Memory)

	// Build emits the program, starting at TextBase.
	Build func(a *insts.Asm)

	// ExpectedExit is the expected exit code (for validation)
	ExpectedExit int64
}

// HarnessConfig configures the benchmark harness.
type HarnessConfig struct {
	// Timing is the cost model to run under. Nil selects the defaults.
	Timing *latency.TimingConfig

	// Output is where to write results (default: os.Stdout)
	Output io.Writer

	// Logger receives core events.
	Logger logr.Logger

	// Verbose enables detailed output
	Verbose bool
}

// DefaultConfig returns a default harness configuration.
func DefaultConfig() HarnessConfig {
	return HarnessConfig{
		Timing: latency.DefaultTimingConfig(),
		Output: os.Stdout,
		Logger: logr.Discard(),
	}
}

// Harness runs timing benchmarks and reports results.
type Harness struct {
	config     HarnessConfig
	benchmarks []Benchmark
}

// NewHarness creates a new benchmark harness.
func NewHarness(config HarnessConfig) *Harness {
	if config.Output == nil {
		config.Output = os.Stdout
	}
	if config.Timing == nil {
		config.Timing = latency.DefaultTimingConfig()
	}
	if config.Logger.GetSink() == nil {
		config.Logger = logr.Discard()
	}
	return &Harness{
		config:     config,
		benchmarks: []Benchmark{},
	}
}

// AddBenchmark adds a benchmark to the harness.
func (h *Harness) AddBenchmark(b Benchmark) {
	h.benchmarks = append(h.benchmarks, b)
}

// AddBenchmarks adds multiple benchmarks to the harness.
func (h *Harness) AddBenchmarks(benchmarks []Benchmark) {
	h.benchmarks = append(h.benchmarks, benchmarks...)
}

// RunAll executes all benchmarks and returns results. It stops early when
// ctx is cancelled.
func (h *Harness) RunAll(ctx context.Context) []BenchmarkResult {
	results := make([]BenchmarkResult, 0, len(h.benchmarks))

	for _, bench := range h.benchmarks {
		if ctx.Err() != nil {
			break
		}
		result := h.runBenchmark(ctx, bench)
		if h.config.Verbose {
			h.config.Logger.Info("benchmark finished", "name", result.Name,
				"cycles", result.SimulatedCycles, "cpi", result.CPI)
		}
		results = append(results, result)
	}

	return results
}

// Prepare assembles a benchmark into a fresh core ready to run.
func (h *Harness) Prepare(bench Benchmark) (*core.Core, error) {
	asm := insts.NewAsm(TextBase)
	bench.Build(asm)
	code, err := asm.Assemble()
	if err != nil {
		return nil, fmt.Errorf("assembling %s: %w", bench.Name, err)
	}

	c := core.NewCore(
		core.WithTiming(h.config.Timing),
		core.WithStdout(io.Discard),
		core.WithLogger(h.config.Logger.WithName(bench.Name)),
	)
	if err := c.LoadProgram(TextBase, code); err != nil {
		return nil, err
	}

	mem := c.Memory()
	if err := mem.Map(DataBase, DataSize, emu.PermRW, "[data]"); err != nil {
		return nil, err
	}
	if err := mem.Map(StackTop-StackSize, StackSize, emu.PermRW, "[stack]"); err != nil {
		return nil, err
	}
	c.RegFile().WriteReg(insts.RegSP, StackTop)

	if bench.Setup != nil {
		bench.Setup(c.RegFile(), mem)
	}
	return c, nil
}

// runBenchmark executes a single benchmark.
func (h *Harness) runBenchmark(ctx context.Context, bench Benchmark) BenchmarkResult {
	result := BenchmarkResult{
		Name:        bench.Name,
		Description: bench.Description,
	}

	c, err := h.Prepare(bench)
	if err != nil {
		result.Error = err.Error()
		return result
	}

	start := time.Now()
	exitCode, err := c.Run(ctx)
	result.WallTime = time.Since(start)
	if err != nil {
		result.Error = err.Error()
	}

	stats := c.Stats()
	result.stats = stats
	result.SimulatedCycles = stats.Cycles
	result.InstructionsRetired = stats.Instructions
	result.CPI = stats.CPI()
	result.StallCycles = stats.StallCycles
	result.FetchStallCycles = stats.FetchStallCycles
	result.MispredictCycles = stats.MispredictCycles
	result.ExitCode = exitCode
	result.DCacheHits = stats.Cache.Hits
	result.DCacheMisses = stats.Cache.Misses

	if fetch := c.Caches().Fetch; fetch != nil && fetch != c.Caches().Data {
		icStats := fetch.Stats()
		result.ICacheHits = icStats.Hits
		result.ICacheMisses = icStats.Misses
	}

	result.BranchPredictions = stats.Branch.Predictions
	result.BranchCorrect = stats.Branch.Correct
	result.BranchMispredictions = stats.Branch.Mispredictions
	result.BranchAccuracyPercent = stats.Branch.Accuracy()

	return result
}

// PrintResults outputs benchmark results as a table.
func (h *Harness) PrintResults(results []BenchmarkResult) error {
	summaries := make([]report.Summary, len(results))
	for i, r := range results {
		summaries[i] = r.Summary(h.config.Timing.ClockGHz)
	}
	if err := report.WriteText(h.config.Output, summaries...); err != nil {
		return err
	}

	for _, r := range results {
		if r.Error != "" {
			_, _ = fmt.Fprintf(h.config.Output, "%s: %s\n", r.Name, r.Error)
		}
	}
	return nil
}

// PrintCSV outputs benchmark results in CSV format for easy comparison.
func (h *Harness) PrintCSV(results []BenchmarkResult) {
	_, _ = fmt.Fprintln(h.config.Output,
		"name,cycles,instructions,cpi,stalls,fetch_stalls,mispredict_cycles,icache_hits,icache_misses,dcache_hits,dcache_misses,exit_code")

	for _, r := range results {
		_, _ = fmt.Fprintf(h.config.Output, "%s,%d,%d,%.3f,%d,%d,%d,%d,%d,%d,%d,%d\n",
			r.Name,
			r.SimulatedCycles,
			r.InstructionsRetired,
			r.CPI,
			r.StallCycles,
			r.FetchStallCycles,
			r.MispredictCycles,
			r.ICacheHits,
			r.ICacheMisses,
			r.DCacheHits,
			r.DCacheMisses,
			r.ExitCode,
		)
	}
}

// BenchmarkReport is the complete output format for benchmark results.
type BenchmarkReport struct {
	// Metadata about the benchmark run
	Metadata ReportMetadata `json:"metadata"`

	// Results is the list of individual benchmark results
	Results []BenchmarkResult `json:"results"`

	// Summary contains aggregate statistics
	Summary ReportSummary `json:"summary"`
}

// ReportMetadata contains information about the benchmark run.
type ReportMetadata struct {
	// Timestamp when the benchmark was run
	Timestamp string `json:"timestamp"`

	// Version of the emulator
	Version string `json:"version"`

	// Timing is the cost model the results were measured under.
	Timing *latency.TimingConfig `json:"timing"`
}

// ReportSummary contains aggregate statistics across all benchmarks.
type ReportSummary struct {
	// TotalBenchmarks is the number of benchmarks run
	TotalBenchmarks int `json:"total_benchmarks"`

	// TotalCycles is the sum of all simulated cycles
	TotalCycles uint64 `json:"total_cycles"`

	// TotalInstructions is the sum of all instructions retired
	TotalInstructions uint64 `json:"total_instructions"`

	// AverageCPI is the average cycles per instruction
	AverageCPI float64 `json:"average_cpi"`

	// TotalWallTime is the total wall clock time for all benchmarks
	TotalWallTime time.Duration `json:"total_wall_time_ns"`
}

// PrintJSON outputs benchmark results in JSON format for automated comparison.
func (h *Harness) PrintJSON(results []BenchmarkResult) error {
	var totalCycles, totalInstructions uint64
	var totalWallTime time.Duration
	for _, r := range results {
		totalCycles += r.SimulatedCycles
		totalInstructions += r.InstructionsRetired
		totalWallTime += r.WallTime
	}

	avgCPI := float64(0)
	if totalInstructions > 0 {
		avgCPI = float64(totalCycles) / float64(totalInstructions)
	}

	out := BenchmarkReport{
		Metadata: ReportMetadata{
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Version:   Version,
			Timing:    h.config.Timing,
		},
		Results: results,
		Summary: ReportSummary{
			TotalBenchmarks:   len(results),
			TotalCycles:       totalCycles,
			TotalInstructions: totalInstructions,
			AverageCPI:        avgCPI,
			TotalWallTime:     totalWallTime,
		},
	}

	encoder := json.NewEncoder(h.config.Output)
	encoder.SetIndent("", "  ")
	return encoder.Encode(out)
}

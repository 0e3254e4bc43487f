// Package report renders run and profile statistics as a text table or an
// HTML chart.
package report

import (
	"fmt"
	"io"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/olekukonko/tablewriter"

	"github.com/kil0meters/remu/timing/core"
)

// Summary is the set of numbers a report shows for one run or region.
type Summary struct {
	Label string

	Cycles           uint64
	Instructions     uint64
	StallCycles      uint64
	FetchStallCycles uint64
	MispredictCycles uint64

	CacheHits   uint64
	CacheMisses uint64

	Branches       uint64
	Mispredictions uint64

	// ClockGHz converts cycles to an estimated wall time.
	ClockGHz float64
}

// FromStats summarizes a whole run.
func FromStats(label string, s core.Stats, clockGHz float64) Summary {
	return Summary{
		Label:            label,
		Cycles:           s.Cycles,
		Instructions:     s.Instructions,
		StallCycles:      s.StallCycles,
		FetchStallCycles: s.FetchStallCycles,
		MispredictCycles: s.MispredictCycles,
		CacheHits:        s.Cache.Hits,
		CacheMisses:      s.Cache.Misses,
		Branches:         s.Branch.Predictions,
		Mispredictions:   s.Branch.Mispredictions,
		ClockGHz:         clockGHz,
	}
}

// FromProfile summarizes a profiled region.
func FromProfile(p *core.ProfileResult, clockGHz float64) Summary {
	return Summary{
		Label:            p.Label,
		Cycles:           p.Cycles,
		Instructions:     p.Instructions,
		StallCycles:      p.StallCycles,
		FetchStallCycles: p.FetchStallCycles,
		MispredictCycles: p.MispredictCycles,
		CacheHits:        p.CacheHits,
		CacheMisses:      p.CacheMisses,
		Branches:         p.Branches,
		Mispredictions:   p.Mispredictions,
		ClockGHz:         clockGHz,
	}
}

// CPI returns cycles per instruction.
func (s Summary) CPI() float64 {
	if s.Instructions == 0 {
		return 0
	}
	return float64(s.Cycles) / float64(s.Instructions)
}

// HitRate returns the data cache hit rate as a percentage.
func (s Summary) HitRate() float64 {
	total := s.CacheHits + s.CacheMisses
	if total == 0 {
		return 0
	}
	return 100 * float64(s.CacheHits) / float64(total)
}

// Accuracy returns the branch prediction accuracy as a percentage.
func (s Summary) Accuracy() float64 {
	if s.Branches == 0 {
		return 0
	}
	return 100 * float64(s.Branches-s.Mispredictions) / float64(s.Branches)
}

// EstimatedTime converts cycles to wall time at ClockGHz.
func (s Summary) EstimatedTime() time.Duration {
	if s.ClockGHz <= 0 {
		return 0
	}
	return time.Duration(float64(s.Cycles) / s.ClockGHz)
}

// BaseCycles is what remains after the stall and penalty components:
// issue slots plus memory latency nothing waited on.
func (s Summary) BaseCycles() uint64 {
	charged := s.StallCycles + s.FetchStallCycles + s.MispredictCycles
	if charged >= s.Cycles {
		return 0
	}
	return s.Cycles - charged
}

type row struct {
	name  string
	value func(Summary) string
}

var rows = []row{
	{"cycles", func(s Summary) string { return fmt.Sprint(s.Cycles) }},
	{"instructions", func(s Summary) string { return fmt.Sprint(s.Instructions) }},
	{"CPI", func(s Summary) string { return fmt.Sprintf("%.3f", s.CPI()) }},
	{"operand stall cycles", func(s Summary) string { return fmt.Sprint(s.StallCycles) }},
	{"fetch stall cycles", func(s Summary) string { return fmt.Sprint(s.FetchStallCycles) }},
	{"mispredict cycles", func(s Summary) string { return fmt.Sprint(s.MispredictCycles) }},
	{"cache hits", func(s Summary) string { return fmt.Sprint(s.CacheHits) }},
	{"cache misses", func(s Summary) string { return fmt.Sprint(s.CacheMisses) }},
	{"cache hit rate", func(s Summary) string { return fmt.Sprintf("%.2f%%", s.HitRate()) }},
	{"branches", func(s Summary) string { return fmt.Sprint(s.Branches) }},
	{"mispredictions", func(s Summary) string { return fmt.Sprint(s.Mispredictions) }},
	{"prediction accuracy", func(s Summary) string { return fmt.Sprintf("%.2f%%", s.Accuracy()) }},
	{"estimated time", func(s Summary) string { return s.EstimatedTime().String() }},
}

// WriteText renders the summaries side by side as a table.
func WriteText(w io.Writer, summaries ...Summary) error {
	table := tablewriter.NewWriter(w)
	table.SetAutoFormatHeaders(false)
	table.SetAlignment(tablewriter.ALIGN_RIGHT)

	header := []string{"metric"}
	for _, s := range summaries {
		header = append(header, s.Label)
	}
	table.SetHeader(header)

	for _, r := range rows {
		line := []string{r.name}
		for _, s := range summaries {
			line = append(line, r.value(s))
		}
		table.Append(line)
	}
	table.Render()
	return nil
}

// WriteChart renders an HTML page with a stacked cycle breakdown and the
// cache and branch outcomes of each summary.
func WriteChart(w io.Writer, summaries ...Summary) error {
	labels := make([]string, len(summaries))
	for i, s := range summaries {
		labels[i] = s.Label
	}

	series := func(value func(Summary) uint64) []opts.BarData {
		data := make([]opts.BarData, len(summaries))
		for i, s := range summaries {
			data[i] = opts.BarData{Value: value(s)}
		}
		return data
	}

	cycles := charts.NewBar()
	cycles.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: "Cycle breakdown"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Bottom: "0"}),
	)
	cycles.SetXAxis(labels).
		AddSeries("issue and memory", series(Summary.BaseCycles)).
		AddSeries("operand stalls", series(func(s Summary) uint64 { return s.StallCycles })).
		AddSeries("fetch stalls", series(func(s Summary) uint64 { return s.FetchStallCycles })).
		AddSeries("mispredictions", series(func(s Summary) uint64 { return s.MispredictCycles })).
		SetSeriesOptions(charts.WithBarChartOpts(opts.BarChart{Stack: "cycles"}))

	outcomes := charts.NewBar()
	outcomes.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: "Cache and branch outcomes"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Bottom: "0"}),
	)
	outcomes.SetXAxis(labels).
		AddSeries("cache hits", series(func(s Summary) uint64 { return s.CacheHits })).
		AddSeries("cache misses", series(func(s Summary) uint64 { return s.CacheMisses })).
		AddSeries("mispredictions", series(func(s Summary) uint64 { return s.Mispredictions }))

	page := components.NewPage()
	page.PageTitle = "remu profile"
	page.AddCharts(cycles, outcomes)
	return page.Render(w)
}

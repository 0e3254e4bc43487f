package report_test

import (
	"bytes"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/kil0meters/remu/report"
	"github.com/kil0meters/remu/timing/cache"
	"github.com/kil0meters/remu/timing/core"
	"github.com/kil0meters/remu/timing/pipeline"
)

var _ = Describe("Summary", func() {
	var stats core.Stats

	BeforeEach(func() {
		stats = core.Stats{
			Cycles:           1000,
			Instructions:     400,
			StallCycles:      300,
			FetchStallCycles: 100,
			MispredictCycles: 40,
			Cache:            cache.Statistics{Hits: 90, Misses: 10},
			Branch:           pipeline.BranchPredictorStats{Predictions: 50, Correct: 40, Mispredictions: 10},
		}
	})

	It("should derive rates from run statistics", func() {
		s := report.FromStats("run", stats, 4)

		Expect(s.CPI()).To(BeNumerically("~", 2.5, 1e-9))
		Expect(s.HitRate()).To(BeNumerically("~", 90, 1e-9))
		Expect(s.Accuracy()).To(BeNumerically("~", 80, 1e-9))
		Expect(s.EstimatedTime()).To(Equal(250 * time.Nanosecond))
		Expect(s.BaseCycles()).To(Equal(uint64(560)))
	})

	It("should report zero rates before anything ran", func() {
		s := report.FromStats("empty", core.Stats{}, 0)

		Expect(s.CPI()).To(BeZero())
		Expect(s.HitRate()).To(BeZero())
		Expect(s.Accuracy()).To(BeZero())
		Expect(s.EstimatedTime()).To(BeZero())
		Expect(s.BaseCycles()).To(BeZero())
	})

	It("should take a profile region's label and counters", func() {
		p := &core.ProfileResult{
			Label: "fib",
			Calls: 1,
			Sample: core.Sample{
				Cycles:       120,
				Instructions: 60,
				CacheHits:    3,
			},
		}

		s := report.FromProfile(p, 2)

		Expect(s.Label).To(Equal("fib"))
		Expect(s.CPI()).To(BeNumerically("~", 2, 1e-9))
		Expect(s.CacheHits).To(Equal(uint64(3)))
		Expect(s.EstimatedTime()).To(Equal(60 * time.Nanosecond))
	})
})

var _ = Describe("Writers", func() {
	summaries := func() []report.Summary {
		return []report.Summary{
			{Label: "whole", Cycles: 200, Instructions: 100, CacheHits: 5, ClockGHz: 1},
			{Label: "fib", Cycles: 80, Instructions: 40, StallCycles: 10, ClockGHz: 1},
		}
	}

	It("should render a table with one column per summary", func() {
		var buf bytes.Buffer
		Expect(report.WriteText(&buf, summaries()...)).To(Succeed())

		out := buf.String()
		Expect(out).To(ContainSubstring("metric"))
		Expect(out).To(ContainSubstring("whole"))
		Expect(out).To(ContainSubstring("fib"))
		Expect(out).To(ContainSubstring("2.000"))
		Expect(out).To(ContainSubstring("operand stall cycles"))
		Expect(out).To(ContainSubstring("200ns"))
	})

	It("should render an HTML page with both charts", func() {
		var buf bytes.Buffer
		Expect(report.WriteChart(&buf, summaries()...)).To(Succeed())

		out := buf.String()
		Expect(out).To(ContainSubstring("<html"))
		Expect(out).To(ContainSubstring("Cycle breakdown"))
		Expect(out).To(ContainSubstring("Cache and branch outcomes"))
	})
})

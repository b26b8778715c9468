package trace

import "time"

// TraceSummary aggregates statistics from a PipelineTrace.
type TraceSummary struct {
	TotalStages    int
	SkippedStages  []string
	FailedStages   []string
	TotalDuration  time.Duration
	TotalRewrites  int
	RewritesByRule map[string]int // rule name → number of applications
}

// Summarize computes aggregate statistics from a PipelineTrace.
// Safe for nil or empty traces (returns zero-value fields).
func Summarize(pt *PipelineTrace) *TraceSummary {
	summary := &TraceSummary{
		RewritesByRule: make(map[string]int),
	}
	if pt == nil {
		return summary
	}

	summary.TotalStages = len(pt.Stages)
	for _, s := range pt.Stages {
		summary.TotalDuration += s.Duration
		if s.Skipped {
			summary.SkippedStages = append(summary.SkippedStages, s.Stage)
		}
		if s.Err != "" {
			summary.FailedStages = append(summary.FailedStages, s.Stage)
		}
	}

	summary.TotalRewrites = len(pt.Rewrites)
	for _, r := range pt.Rewrites {
		summary.RewritesByRule[r.Rule]++
	}
	return summary
}

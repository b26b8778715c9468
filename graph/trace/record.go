// Package trace records what the pipeline did: one record per stage and
// one per applied graph rewrite.
// This package has no dependencies on the graph packages; it stores pure data types.
package trace

import "time"

// StageRecord captures one pipeline stage.
type StageRecord struct {
	Stage    string
	Nodes    int // node count of the graph the stage produced
	Duration time.Duration
	Skipped  bool
	Err      string // non-empty when the stage failed or was recovered from
}

// RewriteRecord captures a single optimizer rewrite.
type RewriteRecord struct {
	Rule      string
	Node      string
	Iteration int
}

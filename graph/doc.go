// Package graph provides the in-memory computation graph used by graphprof.
//
// # Reading Guide
//
// Start with these files:
//   - dim.go: symbolic dimensions (Concrete or a canonical linear expression)
//   - fact.go: tensor facts (element type + shape) and input-spec parsing
//   - graph.go: nodes, outlets, topological order and validation
//   - format.go: the YAML model format (Load / Marshal)
//
// # Architecture
//
// The graph package owns the data model and the error taxonomy. The
// pipeline stages live in sub-packages and never mutate a Graph in place;
// each one returns a new Graph built through Builder:
//   - graph/infer: shape/type inference with symbolic dimensions
//   - graph/optimize: local rewrite rules run to a fixpoint
//   - graph/pulse: batch to streaming (pulsed) rewrite and chunked runner
//   - graph/exec: reference executor used for folding, checks and timing
//   - graph/profile: per-node cost records (roofline estimate, wall time)
//   - graph/report: textual report emission
//   - graph/trace: stage and rewrite records
package graph

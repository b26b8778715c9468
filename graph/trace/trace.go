package trace

// TraceLevel controls the verbosity of pipeline tracing.
type TraceLevel string

const (
	// TraceLevelNone disables tracing.
	TraceLevelNone TraceLevel = "none"
	// TraceLevelStages captures stage records only.
	TraceLevelStages TraceLevel = "stages"
	// TraceLevelRewrites captures stage records and every optimizer rewrite.
	TraceLevelRewrites TraceLevel = "rewrites"
)

// validTraceLevels maps accepted trace level strings.
var validTraceLevels = map[TraceLevel]bool{
	TraceLevelNone:     true,
	TraceLevelStages:   true,
	TraceLevelRewrites: true,
	"":                 true, // empty defaults to none
}

// IsValidTraceLevel returns true if the given level string is a recognized trace level.
func IsValidTraceLevel(level string) bool {
	return validTraceLevels[TraceLevel(level)]
}

// PipelineTrace collects records during one pipeline run. A nil
// *PipelineTrace is valid and records nothing.
type PipelineTrace struct {
	Level    TraceLevel
	Stages   []StageRecord
	Rewrites []RewriteRecord
}

// NewPipelineTrace creates a PipelineTrace ready for recording.
func NewPipelineTrace(level TraceLevel) *PipelineTrace {
	return &PipelineTrace{
		Level:    level,
		Stages:   make([]StageRecord, 0),
		Rewrites: make([]RewriteRecord, 0),
	}
}

// RecordStage appends a stage record.
func (pt *PipelineTrace) RecordStage(record StageRecord) {
	if pt == nil || pt.Level == TraceLevelNone || pt.Level == "" {
		return
	}
	pt.Stages = append(pt.Stages, record)
}

// RecordRewrite appends a rewrite record.
func (pt *PipelineTrace) RecordRewrite(record RewriteRecord) {
	if pt == nil || pt.Level != TraceLevelRewrites {
		return
	}
	pt.Rewrites = append(pt.Rewrites, record)
}

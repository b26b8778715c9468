package trace

import (
	"testing"
	"time"
)

func TestPipelineTrace_RecordStage_AppendsRecord(t *testing.T) {
	// GIVEN a trace configured for stages
	pt := NewPipelineTrace(TraceLevelStages)

	// WHEN a stage record is recorded
	pt.RecordStage(StageRecord{Stage: "infer", Nodes: 3, Duration: time.Millisecond})

	// THEN the trace contains one stage record with correct data
	if len(pt.Stages) != 1 {
		t.Fatalf("expected 1 stage, got %d", len(pt.Stages))
	}
	if pt.Stages[0].Stage != "infer" || pt.Stages[0].Nodes != 3 {
		t.Errorf("unexpected stage record %+v", pt.Stages[0])
	}
}

func TestPipelineTrace_RewritesNeedRewriteLevel(t *testing.T) {
	// GIVEN a trace configured for stages only
	pt := NewPipelineTrace(TraceLevelStages)

	// WHEN a rewrite is recorded
	pt.RecordRewrite(RewriteRecord{Rule: "fuse-gemm", Node: "mm", Iteration: 1})

	// THEN it is dropped
	if len(pt.Rewrites) != 0 {
		t.Errorf("expected no rewrites at level %q, got %d", pt.Level, len(pt.Rewrites))
	}

	pt = NewPipelineTrace(TraceLevelRewrites)
	pt.RecordRewrite(RewriteRecord{Rule: "fuse-gemm", Node: "mm", Iteration: 1})
	if len(pt.Rewrites) != 1 {
		t.Errorf("expected 1 rewrite, got %d", len(pt.Rewrites))
	}
}

func TestPipelineTrace_NilAndNoneRecordNothing(t *testing.T) {
	var pt *PipelineTrace
	pt.RecordStage(StageRecord{Stage: "load"})
	pt.RecordRewrite(RewriteRecord{Rule: "prune-dead"})

	none := NewPipelineTrace(TraceLevelNone)
	none.RecordStage(StageRecord{Stage: "load"})
	if len(none.Stages) != 0 {
		t.Errorf("expected no stages at level none, got %d", len(none.Stages))
	}
}

func TestIsValidTraceLevel(t *testing.T) {
	tests := []struct {
		level string
		want  bool
	}{
		{"", true},
		{"none", true},
		{"stages", true},
		{"rewrites", true},
		{"everything", false},
	}
	for _, tt := range tests {
		if got := IsValidTraceLevel(tt.level); got != tt.want {
			t.Errorf("IsValidTraceLevel(%q) = %v, want %v", tt.level, got, tt.want)
		}
	}
}

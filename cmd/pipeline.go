package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/inference-sim/graphprof/graph"
	"github.com/inference-sim/graphprof/graph/exec"
	"github.com/inference-sim/graphprof/graph/infer"
	"github.com/inference-sim/graphprof/graph/optimize"
	"github.com/inference-sim/graphprof/graph/profile"
	"github.com/inference-sim/graphprof/graph/pulse"
	"github.com/inference-sim/graphprof/graph/report"
	"github.com/inference-sim/graphprof/graph/trace"
)

// stages runs pipeline stages, recording each in the trace and as a span.
type stages struct {
	log    *logrus.Entry
	pt     *trace.PipelineTrace
	tracer oteltrace.Tracer
}

func (s *stages) run(ctx context.Context, name string, fn func(ctx context.Context) (*graph.Graph, error)) (*graph.Graph, error) {
	ctx, span := s.tracer.Start(ctx, name)
	defer span.End()
	start := time.Now()
	g, err := fn(ctx)
	rec := trace.StageRecord{Stage: name, Duration: time.Since(start)}
	if g != nil {
		rec.Nodes = g.NumNodes()
		span.SetAttributes(attribute.Int("graph.nodes", rec.Nodes))
	}
	if err != nil {
		rec.Err = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	s.pt.RecordStage(rec)
	s.log.WithField("stage", name).Infof("done in %s (%d nodes)", rec.Duration, rec.Nodes)
	return g, err
}

// skip marks the last record of a stage as recovered from.
func (s *stages) skip(name string) {
	for i := len(s.pt.Stages) - 1; i >= 0; i-- {
		if s.pt.Stages[i].Stage == name {
			s.pt.Stages[i].Skipped = true
			return
		}
	}
}

// bindInputs maps specs to graph inputs: by name when given, otherwise
// by position among the graph inputs.
func bindInputs(g *graph.Graph, specs []graph.InputSpec) (map[string]graph.TensorFact, error) {
	sources := g.Inputs()
	if len(specs) > len(sources) {
		return nil, graph.Errorf(graph.ArgumentError, "", "%d input specs for %d graph inputs", len(specs), len(sources))
	}
	facts := make(map[string]graph.TensorFact, len(specs))
	for i, s := range specs {
		name := s.Name
		if name == "" {
			name = sources[i].Name()
		} else if n, ok := g.NodeByName(name); !ok || n.Op() != graph.OpSource {
			return nil, graph.Errorf(graph.ArgumentError, "", "input spec names %q, which is not a graph input", name)
		}
		if _, dup := facts[name]; dup {
			return nil, graph.Errorf(graph.ArgumentError, "", "input %q bound twice", name)
		}
		facts[name] = s.Fact
	}
	return facts, nil
}

func runPipeline(ctx context.Context, o *options, cfg *Config, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}
	log := logrus.WithField("run", uuid.NewString())

	specs := make([]graph.InputSpec, len(o.inputs))
	for i, s := range o.inputs {
		spec, err := graph.ParseInputSpec(s)
		if err != nil {
			return err
		}
		specs[i] = spec
	}
	if o.pulse < 0 {
		return graph.Errorf(graph.ArgumentError, "", "--pulse must be positive, got %d", o.pulse)
	}

	level := trace.TraceLevelStages
	if o.verbose > 0 {
		level = trace.TraceLevelRewrites
	}
	st := &stages{log: log, pt: trace.NewPipelineTrace(level), tracer: otel.Tracer("github.com/inference-sim/graphprof")}
	ctx, span := st.tracer.Start(ctx, "graphprof")
	defer span.End()
	var warnings []string
	warn := func(format string, args ...any) {
		msg := fmt.Sprintf(format, args...)
		log.Warn(msg)
		warnings = append(warnings, msg)
	}

	g, err := st.run(ctx, "load", func(context.Context) (*graph.Graph, error) {
		return graph.LoadFile(o.modelPath)
	})
	if err != nil {
		return err
	}
	facts, err := bindInputs(g, specs)
	if err != nil {
		return err
	}

	var res *infer.Result
	reinfer := func(in *graph.Graph) func(context.Context) (*graph.Graph, error) {
		return func(context.Context) (*graph.Graph, error) {
			ig, r, err := infer.Infer(in, facts, infer.WithAllowRandomInput(o.allowRandomInput))
			if err == nil {
				res = r
			}
			return ig, err
		}
	}
	if g, err = st.run(ctx, "infer", reinfer(g)); err != nil {
		return err
	}
	guessed := res.Guessed
	for _, name := range res.Unresolved {
		log.Debugf("[infer] %s left unresolved", name)
	}

	if o.optimize {
		opt, err := st.run(ctx, "optimize", func(context.Context) (*graph.Graph, error) {
			return optimize.Optimize(g,
				optimize.WithBudgetFactor(cfg.Defaults.RewriteBudgetFactor),
				optimize.WithFoldLimit(cfg.Defaults.FoldLimit),
				optimize.WithTrace(st.pt))
		})
		switch {
		case isKind(err, graph.OptimizerDivergence):
			warn("optimizer did not converge, keeping the unoptimized graph: %v", err)
			st.skip("optimize")
		case err != nil:
			return err
		default:
			if g, err = st.run(ctx, "reinfer", reinfer(opt)); err != nil {
				return err
			}
		}
	}

	var pulsed *pulse.Pulsed
	if o.pulse > 0 {
		streaming := slices.ContainsFunc(specs, func(s graph.InputSpec) bool {
			return slices.Contains(s.Fact.Vars(), o.symbol)
		})
		if !streaming {
			warn("--pulse %d ignored: no -i spec contains %s", o.pulse, o.symbol)
		} else {
			if g, err = st.run(ctx, "pulse", func(context.Context) (*graph.Graph, error) {
				p, err := pulse.Pulsify(g, o.symbol, o.pulse)
				if err != nil {
					return nil, err
				}
				pulsed = p
				return p.Graph, nil
			}); err != nil {
				return err
			}
		}
	}

	r := &report.Report{Graph: g, Pulsed: pulsed, Constraints: res.Constraints, Guessed: guessed, Measured: o.measure, Analytic: o.cost}
	if o.measure || o.cost {
		records, err := profileGraph(ctx, st, o, cfg, g, pulsed)
		if err != nil {
			return err
		}
		r.Records = records
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	r.Warnings = warnings
	if o.verbose > 0 {
		r.Trace = trace.Summarize(st.pt)
	}
	if o.dump {
		return report.Write(out, r, report.Options{Color: o.color})
	}
	return report.Summary(out, r)
}

func profileGraph(ctx context.Context, st *stages, o *options, cfg *Config, g *graph.Graph, pulsed *pulse.Pulsed) ([]profile.CostRecord, error) {
	popts := profile.Options{
		Measure:  o.measure,
		Analytic: o.cost,
		Partial:  o.partial,
		Bindings: map[string]int64{},
		RNG:      exec.NewInputRNG(o.seed),
		Repeat:   o.repeat,
		Workers:  o.workers,
	}
	for k, v := range cfg.Defaults.Symbols {
		popts.Bindings[k] = v
	}
	for k, v := range o.set {
		popts.Bindings[k] = v
	}
	if o.cost {
		hw, err := profile.LookupHardware(cfg.Hardware, o.hardware)
		if err != nil {
			return nil, graph.Wrap(err, graph.ArgumentError, "", "--hardware")
		}
		popts.Hardware = hw
	}
	if pulsed != nil {
		popts.Padding = fmt.Sprintf("%s chunks of %d, final chunk zero-padded", pulsed.Symbol, pulsed.Pulse)
	}
	if o.progress {
		bar := progressbar.NewOptions(g.NumNodes(),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetDescription("profiling"))
		popts.Progress = func(done, total int) {
			_ = bar.Add(1)
			if done == total {
				_ = bar.Finish()
			}
		}
	}
	var records []profile.CostRecord
	_, err := st.run(ctx, "profile", func(ctx context.Context) (*graph.Graph, error) {
		var err error
		records, err = profile.Profile(ctx, g, popts)
		return g, err
	})
	return records, err
}

// isKind reports whether err carries a graph error of the given kind.
func isKind(err error, kind graph.Kind) bool {
	k, ok := graph.KindOf(err)
	return ok && k == kind
}

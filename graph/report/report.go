// Package report renders the result of a graphprof run as text.
package report

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/inference-sim/graphprof/graph"
	"github.com/inference-sim/graphprof/graph/infer"
	"github.com/inference-sim/graphprof/graph/profile"
	"github.com/inference-sim/graphprof/graph/pulse"
	"github.com/inference-sim/graphprof/graph/trace"
)

// Report gathers everything printed for one run.
type Report struct {
	Graph *graph.Graph
	// Records are indexed like Graph.TopologicalOrder(); nil when not profiled.
	Records  []profile.CostRecord
	Measured bool
	Analytic bool

	Pulsed      *pulse.Pulsed
	Constraints []graph.Constraint
	Guessed     []infer.Guess
	Warnings    []string
	// Trace is printed only when set.
	Trace *trace.TraceSummary
}

// Options controls rendering.
type Options struct {
	Color bool
}

type styles struct {
	header, name, unprofiled, warn lipgloss.Style
}

func newStyles(color bool) styles {
	if !color {
		plain := lipgloss.NewStyle()
		return styles{plain, plain, plain, plain}
	}
	return styles{
		header:     lipgloss.NewStyle().Bold(true),
		name:       lipgloss.NewStyle().Foreground(lipgloss.Color("6")),
		unprofiled: lipgloss.NewStyle().Foreground(lipgloss.Color("1")),
		warn:       lipgloss.NewStyle().Foreground(lipgloss.Color("3")),
	}
}

// Write prints one line per node in topological order, then the footer
// sections that have content.
func Write(w io.Writer, r *Report, opts Options) error {
	st := newStyles(opts.Color)
	var b strings.Builder

	order := r.Graph.TopologicalOrder()
	width := 0
	for _, n := range order {
		width = max(width, len(n.Name()))
	}
	fmt.Fprintln(&b, st.header.Render(fmt.Sprintf("=== Graph %s (%d nodes) ===", r.Graph.Name(), len(order))))
	for i, n := range order {
		fmt.Fprintf(&b, "%s  %-10s %s", st.name.Render(fmt.Sprintf("%-*s", width, n.Name())), n.Op(), facts(n))
		if r.Records != nil {
			b.WriteString(costColumns(r.Records[i], r.Measured, r.Analytic, st))
		}
		b.WriteString("\n")
	}

	if r.Pulsed != nil {
		writePulse(&b, r.Pulsed, st)
	}
	if len(r.Constraints) > 0 {
		fmt.Fprintln(&b, st.header.Render("=== Constraints ==="))
		for _, c := range r.Constraints {
			fmt.Fprintf(&b, "%s\n", c)
		}
	}
	if len(r.Guessed) > 0 {
		fmt.Fprintln(&b, st.header.Render("=== Guessed Inputs ==="))
		for _, g := range r.Guessed {
			fmt.Fprintf(&b, "%s: given %s, using %s (random data)\n", g.Input, g.Given, g.Used)
		}
	}
	if len(r.Warnings) > 0 {
		fmt.Fprintln(&b, st.header.Render("=== Warnings ==="))
		for _, msg := range r.Warnings {
			fmt.Fprintln(&b, st.warn.Render("warning: "+msg))
		}
	}
	if r.Trace != nil {
		writeTrace(&b, r.Trace, st)
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// Summary prints the one-line result shown without "dump".
func Summary(w io.Writer, r *Report) error {
	resolved := 0
	order := r.Graph.TopologicalOrder()
	for _, n := range order {
		if _, ok := n.Fact(0); ok {
			resolved++
		}
	}
	line := fmt.Sprintf("%s: %d nodes, %d resolved, %d outputs", r.Graph.Name(), len(order), resolved, len(r.Graph.Outputs()))
	if r.Pulsed != nil {
		line += fmt.Sprintf(", pulse %d with %d states", r.Pulsed.Pulse, len(r.Pulsed.Graph.States()))
	}
	if r.Records != nil {
		var total, est time.Duration
		var flops float64
		for _, rec := range r.Records {
			total += rec.Duration
			est += rec.Estimated
			flops += rec.FLOPs
		}
		if r.Measured {
			line += ", measured " + total.String()
		}
		if r.Analytic {
			line += ", estimated " + est.String()
		}
		line += ", " + humanize.SIWithDigits(flops, 2, "FLOP")
	}
	if len(r.Warnings) > 0 {
		line += fmt.Sprintf(", %d warnings", len(r.Warnings))
	}
	_, err := fmt.Fprintln(w, line)
	return err
}

func facts(n *graph.Node) string {
	parts := make([]string, n.NumOutputs())
	for i := range parts {
		if f, ok := n.Fact(i); ok {
			parts[i] = f.String()
		} else {
			parts[i] = "<unresolved>"
		}
	}
	return strings.Join(parts, " ")
}

func costColumns(rec profile.CostRecord, measured, analytic bool, st styles) string {
	if rec.Status == profile.Unprofiled {
		return "  " + st.unprofiled.Render(fmt.Sprintf("UNPROFILED (%s)", rec.Reason))
	}
	var cols []string
	if measured {
		cols = append(cols, "time="+rec.Duration.String())
	}
	if analytic {
		cols = append(cols, fmt.Sprintf("est=%s (%s)", rec.Estimated, rec.Bound))
	}
	cols = append(cols,
		"compute="+humanize.SIWithDigits(rec.FLOPs, 2, "FLOP"),
		"memory="+humanize.Bytes(uint64(rec.Bytes)))
	return "  " + strings.Join(cols, " ")
}

func writePulse(b *strings.Builder, p *pulse.Pulsed, st styles) {
	fmt.Fprintln(b, st.header.Render(fmt.Sprintf("=== Pulse %s=%d ===", p.Symbol, p.Pulse)))
	outputs := p.Graph.Outputs()
	for i, s := range p.Outputs {
		name := p.Graph.OutletName(outputs[i])
		if s == nil {
			fmt.Fprintf(b, "output %s: not streaming\n", name)
			continue
		}
		fmt.Fprintf(b, "output %s: %s\n", name, s)
	}
	for _, s := range p.Graph.States() {
		fmt.Fprintf(b, "state %s: %s\n", s.ID, s.Fact)
	}
	fmt.Fprintln(b, "padding: final chunk zero-padded, frames outside the stream masked")
}

func writeTrace(b *strings.Builder, s *trace.TraceSummary, st styles) {
	fmt.Fprintln(b, st.header.Render("=== Pipeline Trace ==="))
	fmt.Fprintf(b, "Stages       : %d (%s)\n", s.TotalStages, s.TotalDuration)
	if len(s.SkippedStages) > 0 {
		fmt.Fprintf(b, "Skipped      : %s\n", strings.Join(s.SkippedStages, ", "))
	}
	if len(s.FailedStages) > 0 {
		fmt.Fprintf(b, "Failed       : %s\n", strings.Join(s.FailedStages, ", "))
	}
	fmt.Fprintf(b, "Rewrites     : %d\n", s.TotalRewrites)
	rules := make([]string, 0, len(s.RewritesByRule))
	for r := range s.RewritesByRule {
		rules = append(rules, r)
	}
	sort.Strings(rules)
	for _, r := range rules {
		fmt.Fprintf(b, "  %-20s %d\n", r, s.RewritesByRule[r])
	}
}

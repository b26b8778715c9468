package cmd

import (
	"context"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/inference-sim/graphprof/graph"
)

// options holds the parsed command line.
type options struct {
	inputs           []string          // -i specs, in order
	allowRandomInput bool              // turn contradicting input facts into guesses
	verbose          int               // each -v raises the log level
	optimize         bool              // -O
	partial          bool              // report unconcretizable nodes as UNPROFILED
	pulse            int64             // chunk size; 0 disables pulsing
	measure          bool              // --profile
	cost             bool              // --cost
	configPath       string            // explicit config file
	logLevel         string            // base log level
	seed             int64             // random input seed
	set              map[string]int64  // symbol bindings for profiling
	symbol           string            // streaming symbol
	hardware         string            // calibration name for --cost
	timeout          time.Duration     // 0 means none
	workers          int               // concurrent profiler workers
	repeat           int               // timed runs per node
	color            bool              // ANSI styling
	progress         bool              // progress bar on stderr

	modelPath string
	dump      bool
}

// newRootCmd builds the CLI with fresh flag storage.
func newRootCmd() *cobra.Command {
	o := &options{}
	cmd := &cobra.Command{
		Use:   "graphprof [flags] -i <input-spec>... <model-file> [dump]",
		Short: "Shape inference, optimization, pulsing and profiling of model graphs",
		Long: `graphprof loads a model graph, infers tensor facts from the -i input specs
("[name:]dim,...,dtype", dims are integers or symbols such as S), optionally
optimizes it (-O) and rewrites it into a streaming equivalent (--pulse N),
then reports every node. "dump" prints the per-node report; --profile and
--cost add measured and estimated costs.`,
		Args:          cobra.RangeArgs(1, 2),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging(o.logLevel, o.verbose)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			o.modelPath = args[0]
			if len(args) == 2 {
				if args[1] != "dump" {
					return graph.Errorf(graph.ArgumentError, "", "unknown subcommand %q (only \"dump\" is supported)", args[1])
				}
				o.dump = true
			}
			cfg, err := loadConfig(o.configPath)
			if err != nil {
				return graph.Wrap(err, graph.ArgumentError, "", "loading config")
			}
			o.applyDefaults(cfg, cmd.Flags().Changed)
			return runPipeline(cmd.Context(), o, cfg, cmd.OutOrStdout())
		},
	}

	f := cmd.Flags()
	f.StringArrayVarP(&o.inputs, "input", "i", nil, `Input spec "[name:]dims,dtype", e.g. 1,S,256,f32 (repeatable, binds inputs in order)`)
	f.BoolVar(&o.allowRandomInput, "allow-random-input", false, "Replace input facts contradicting the model by a guess fed with random data")
	f.CountVarP(&o.verbose, "verbose", "v", "Raise the log level (repeatable)")
	f.BoolVarP(&o.optimize, "optimize", "O", false, "Optimize the graph before pulsing and profiling")
	f.BoolVar(&o.partial, "partial", false, "Report nodes that cannot be concretized as UNPROFILED instead of failing")
	f.Int64Var(&o.pulse, "pulse", 0, "Rewrite the graph to process the streaming axis N frames at a time")
	f.BoolVar(&o.measure, "profile", false, "Measure each node on the reference executor")
	f.BoolVar(&o.cost, "cost", false, "Estimate each node with the roofline model")
	f.StringVar(&o.configPath, "config", "", "Config file (default ./graphprof.yaml, then ~/.graphprof/config.yaml)")
	f.StringVar(&o.logLevel, "log", "warn", "Log level (trace, debug, info, warn, error, fatal, panic)")
	f.Int64Var(&o.seed, "seed", 42, "Seed for random input data")
	f.StringToInt64Var(&o.set, "set", nil, "Bind symbols for profiling, e.g. S=100")
	f.StringVar(&o.symbol, "symbol", "S", "Streaming symbol used by --pulse")
	f.StringVar(&o.hardware, "hardware", "cpu", "Hardware calibration used by --cost")
	f.DurationVar(&o.timeout, "timeout", 0, "Abort the run after this duration (0 disables)")
	f.IntVar(&o.workers, "workers", 1, "Nodes profiled concurrently")
	f.IntVar(&o.repeat, "repeat", 5, "Timed runs per node; the median is reported")
	f.BoolVar(&o.color, "color", false, "Style the report with ANSI colors")
	f.BoolVar(&o.progress, "progress", false, "Show a profiling progress bar on stderr")
	return cmd
}

// applyDefaults fills the flags the user did not set from cfg.
func (o *options) applyDefaults(cfg *Config, changed func(string) bool) {
	d := cfg.Defaults
	if !changed("seed") && d.Seed != 0 {
		o.seed = d.Seed
	}
	if !changed("repeat") && d.Repeat != 0 {
		o.repeat = d.Repeat
	}
	if !changed("workers") && d.Workers != 0 {
		o.workers = d.Workers
	}
	if !changed("hardware") && d.Hardware != "" {
		o.hardware = d.Hardware
	}
}

func setupLogging(logLevel string, verbose int) error {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return graph.Wrap(err, graph.ArgumentError, "", "invalid log level")
	}
	logrus.SetLevel(min(level+logrus.Level(verbose), logrus.TraceLevel))
	return nil
}

// exitCode maps a run error to the process exit status: 1 for usage
// errors, 2 for failures of the graph pipeline.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	if kind, ok := graph.KindOf(err); ok {
		if kind == graph.ArgumentError {
			return 1
		}
		return 2
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return 2
	}
	// cobra argument and flag errors
	return 1
}

// Execute runs the CLI root command and exits.
func Execute() {
	err := newRootCmd().Execute()
	if err != nil {
		logrus.Error(err)
	}
	os.Exit(exitCode(err))
}

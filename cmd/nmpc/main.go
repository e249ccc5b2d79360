package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/san-kum/nmpc/internal/config"
)

var (
	dataDir    string
	logLevel   string
	configFile string
	// closed-loop overrides
	ts         float64
	duration   float64
	seed       int64
	controller string
	runs       int
	workers    int
	spread     float64
	horizon    int
	nlpSolver  string
	plantInteg string
	mpcInteg   string
	// output
	noSave    bool
	showPlot  bool
	showStats bool
	// sim
	simU     []float64
	simSteps int
	simSens  bool
	// bench
	benchRuns    int
	benchMetrics bool
	// tune
	tuneGrid   []string
	tuneMetric string
	// gnsf
	gnsfOut string
	// export
	exportFormat string
)

// main registers the commands and exits with status 1 when one fails.
func main() {
	rootCmd := &cobra.Command{
		Use:          "nmpc",
		Short:        "embedded nonlinear MPC with real-time iterations",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&dataDir, "data", ".nmpc", "data directory")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", config.DefaultLogLevel, "log level (debug, info, warn, error)")

	runCmd := &cobra.Command{
		Use:   "run [preset]",
		Short: "run a closed-loop experiment",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runExperiment,
	}
	addConfigFlags(runCmd)
	runCmd.Flags().IntVar(&runs, "runs", config.DefaultRuns, "independent closed-loop runs")
	runCmd.Flags().IntVar(&workers, "workers", 0, "concurrent runs (0 uses GOMAXPROCS)")
	runCmd.Flags().Float64Var(&spread, "spread", 0, "standard deviation of the x0 perturbation for runs after the first")
	runCmd.Flags().BoolVar(&noSave, "no-save", false, "do not store the run")
	runCmd.Flags().BoolVar(&showPlot, "plot", false, "plot the states after the run")
	runCmd.Flags().BoolVar(&showStats, "stats", false, "print the statistics of the last solve")

	simCmd := &cobra.Command{
		Use:   "sim [preset]",
		Short: "integrate one sample with the plant integrator",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runSim,
	}
	addConfigFlags(simCmd)
	simCmd.Flags().Float64SliceVar(&simU, "u", nil, "constant control (zeros by default)")
	simCmd.Flags().IntVar(&simSteps, "steps", 1, "samples to integrate")
	simCmd.Flags().BoolVar(&simSens, "sens", false, "report forward sensitivities")

	benchCmd := &cobra.Command{
		Use:   "bench [preset]",
		Short: "time preparation and feedback over repeated closed loops",
		Args:  cobra.MaximumNArgs(1),
		RunE:  benchExperiment,
	}
	addConfigFlags(benchCmd)
	benchCmd.Flags().IntVar(&benchRuns, "runs", 5, "closed loops to time")
	benchCmd.Flags().BoolVar(&benchMetrics, "metrics", false, "print the solver metrics")

	compareCmd := &cobra.Command{
		Use:   "compare [preset] [integrator1] [integrator2] ...",
		Short: "compare MPC integrators on the same closed loop",
		Args:  cobra.MinimumNArgs(2),
		RunE:  compareIntegrators,
	}
	addConfigFlags(compareCmd)

	tuneCmd := &cobra.Command{
		Use:   "tune [preset]",
		Short: "grid-search MPC settings on a closed loop",
		Args:  cobra.MaximumNArgs(1),
		RunE:  tuneExperiment,
	}
	addConfigFlags(tuneCmd)
	tuneCmd.Flags().StringArrayVar(&tuneGrid, "grid", nil, "knob=v1,v2,... (repeatable)")
	tuneCmd.Flags().StringVar(&tuneMetric, "metric", "tracking_rms", "metric to minimize")

	gnsfCmd := &cobra.Command{
		Use:   "gnsf [preset]",
		Short: "show the GNSF structure of a preset's model",
		Args:  cobra.ExactArgs(1),
		RunE:  showGNSF,
	}
	gnsfCmd.Flags().StringVar(&gnsfOut, "out", "", "write gnsf.json into this directory")

	initCmd := &cobra.Command{
		Use:   "init [preset] [dir]",
		Short: "write an artifact directory for a preset",
		Args:  cobra.ExactArgs(2),
		RunE:  initArtifact,
	}
	addConfigFlags(initCmd)

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "list stored runs",
		RunE:  listRuns,
	}

	plotCmd := &cobra.Command{
		Use:   "plot [run_id]",
		Short: "plot a stored run",
		Args:  cobra.ExactArgs(1),
		RunE:  plotRun,
	}

	exportCmd := &cobra.Command{
		Use:   "export [run_id]",
		Short: "export a stored run",
		Args:  cobra.ExactArgs(1),
		RunE:  exportRun,
	}
	exportCmd.Flags().StringVar(&exportFormat, "format", "json", "json or csv")

	presetsCmd := &cobra.Command{
		Use:   "presets",
		Short: "list the built-in experiment presets",
		Args:  cobra.NoArgs,
		RunE:  listPresets,
	}

	rootCmd.AddCommand(runCmd, simCmd, benchCmd, compareCmd, tuneCmd, gnsfCmd, initCmd, listCmd, plotCmd, exportCmd, presetsCmd)

	// the closed loop stops between samples on interrupt
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func addConfigFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&configFile, "config", "", "config file path (yaml)")
	cmd.Flags().Float64Var(&ts, "ts", config.DefaultTs, "sampling time")
	cmd.Flags().Float64Var(&duration, "time", config.DefaultDuration, "duration")
	cmd.Flags().Int64Var(&seed, "seed", 0, "random seed")
	cmd.Flags().StringVar(&controller, "controller", config.ControllerMPC, "controller (mpc, lqr, pid, none)")
	cmd.Flags().IntVar(&horizon, "horizon", config.DefaultHorizon, "MPC shooting intervals")
	cmd.Flags().StringVar(&nlpSolver, "nlp-solver", "SQP_RTI", "SQP_RTI or SQP")
	cmd.Flags().StringVar(&plantInteg, "plant-integrator", "IRK", "plant integrator (IRK, GNSF, ERK)")
	cmd.Flags().StringVar(&mpcInteg, "mpc-integrator", "IRK", "MPC integrator (IRK, GNSF, ERK)")
}

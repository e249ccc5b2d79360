package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/san-kum/nmpc/internal/config"
	"github.com/san-kum/nmpc/internal/dynamo"
	"github.com/san-kum/nmpc/internal/experiment"
	"github.com/san-kum/nmpc/internal/integrators"
	"github.com/san-kum/nmpc/internal/kernel"
	"github.com/san-kum/nmpc/internal/logging"
	"github.com/san-kum/nmpc/internal/metrics"
	"github.com/san-kum/nmpc/internal/ocp"
	"github.com/san-kum/nmpc/internal/sim"
	"github.com/san-kum/nmpc/internal/storage"
)

// loadConfig resolves the experiment: a config file, else the preset named
// by the first argument, else the default. Flags override the result only
// when they were given.
func loadConfig(cmd *cobra.Command, args []string) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	switch {
	case configFile != "":
		cfg, err = config.Load(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	case len(args) > 0:
		cfg, err = config.GetPreset(args[0])
		if err != nil {
			return nil, fmt.Errorf("unknown preset: %s (available: %v)", args[0], config.ListPresets())
		}
	default:
		cfg = config.DefaultConfig()
	}

	flags := cmd.Flags()
	if flags.Changed("ts") {
		cfg.Ts = ts
	}
	if flags.Changed("time") {
		cfg.Duration = duration
	}
	if flags.Changed("seed") {
		cfg.Seed = seed
	}
	if flags.Changed("controller") {
		cfg.Controller = controller
	}
	if flags.Changed("horizon") {
		cfg.MPC.Horizon = horizon
	}
	if flags.Changed("nlp-solver") {
		cfg.MPC.NLPSolver = ocp.NLPSolver(strings.ToUpper(nlpSolver))
	}
	if flags.Changed("plant-integrator") {
		cfg.Plant.Integrator.Method = integrators.Method(strings.ToUpper(plantInteg))
	}
	if flags.Changed("mpc-integrator") {
		cfg.MPC.Integrator.Method = integrators.Method(strings.ToUpper(mpcInteg))
	}
	if flags.Changed("log-level") || cfg.LogLevel == "" {
		cfg.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	kernel.Load(logger)
	return logger, nil
}

func runInfo(cfg *config.Config) storage.RunInfo {
	info := storage.RunInfo{
		Preset:     cfg.Preset,
		Model:      cfg.Model,
		Controller: cfg.Controller,
		Integrator: string(cfg.Plant.Integrator.WithDefaults().Method),
		Ts:         cfg.Ts,
		Duration:   cfg.Duration,
		Seed:       cfg.Seed,
	}
	if cfg.Controller == config.ControllerMPC {
		info.NLPSolver = string(cfg.MPC.NLPSolver)
	}
	if info.Model == "" {
		info.Model = cfg.Artifact
	}
	return info
}

func saveRun(cfg *config.Config, result *dynamo.Result) (string, error) {
	st := storage.New(dataDir)
	if err := st.Init(); err != nil {
		return "", err
	}
	return st.Save(runInfo(cfg), result)
}

func runExperiment(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, args)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("runs") {
		cfg.Runs = runs
	}
	if flags.Changed("workers") {
		cfg.Workers = workers
	}
	if flags.Changed("spread") {
		cfg.Spread = spread
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.Runs > 1 {
		return runEnsemble(cmd.Context(), cfg, logger)
	}

	e, err := experiment.New(cfg, experiment.WithLogger(logger))
	if err != nil {
		return err
	}
	defer e.Close()

	logger.Info("running closed loop",
		zap.String("model", cfg.Model),
		zap.String("controller", cfg.Controller),
		zap.Int("steps", cfg.Steps()))
	start := time.Now()
	result, err := e.Run(cmd.Context())
	if err != nil {
		return err
	}
	elapsed := time.Since(start)

	var runID string
	if !noSave {
		if runID, err = saveRun(cfg, result); err != nil {
			return err
		}
	}

	fmt.Println(renderSummary(cfg, result, elapsed, runID))
	if showPlot {
		fmt.Println()
		plotSeries(os.Stdout, toRows(result.States), func(i int) string { return stateLabel(cfg.Model, i) })
	}
	if showStats && e.MPC() != nil {
		fmt.Println()
		return e.MPC().Solver().PrintStatistics(os.Stdout)
	}
	return nil
}

func runEnsemble(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	logger.Info("running ensemble",
		zap.Int("runs", cfg.Runs),
		zap.Int("workers", cfg.Workers),
		zap.Float64("spread", cfg.Spread))
	start := time.Now()
	results, err := experiment.RunEnsemble(ctx, cfg, experiment.WithLogger(logger))
	if err != nil {
		return err
	}
	elapsed := time.Since(start)

	fmt.Println(titleStyle.Render(fmt.Sprintf("%d runs in %v", len(results), elapsed.Round(time.Millisecond))))
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tX0\tFINAL\tTRACKING_RMS\tSTATUS\tID")
	for i, r := range results {
		var runID string
		if !noSave {
			if runID, err = saveRun(cfg, r); err != nil {
				return err
			}
		}
		failed := 0
		for _, st := range r.Status {
			if !st.OK() {
				failed++
			}
		}
		rms := "-"
		if v, ok := r.Metrics["tracking_rms"]; ok {
			rms = fmt.Sprintf("%.4g", v)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d/%d\t%s\n",
			i,
			formatVector(r.States[0]),
			formatVector(r.States[len(r.States)-1]),
			rms,
			failed, len(r.Status),
			runID,
		)
	}
	return w.Flush()
}

func toRows[T ~[]float64](v []T) [][]float64 {
	out := make([][]float64, len(v))
	for i := range v {
		out[i] = v[i]
	}
	return out
}

func runSim(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, args)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	_, plantDesc, err := experiment.Describe(cfg, experiment.WithLogger(logger))
	if err != nil {
		return err
	}
	plantDesc.Solver.SensForw = simSens
	s, err := sim.New(plantDesc, sim.WithLogger(logger))
	if err != nil {
		return err
	}
	defer s.Close()

	d := s.Dims()
	x := make([]float64, d.NX)
	copy(x, cfg.X0)
	u := simU
	if u == nil {
		u = make([]float64, d.NU)
	}
	if err := s.Set("u", u); err != nil {
		return err
	}

	fmt.Println(titleStyle.Render(fmt.Sprintf("%s: %s, %d stages x %d steps over %gs",
		plantDesc.Model, plantDesc.Solver.Method, plantDesc.Solver.NumStages, plantDesc.Solver.NumSteps, plantDesc.Solver.T)))
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STEP\tSTATUS\tX\tCPU")
	for i := 0; i < simSteps; i++ {
		if len(cfg.Params) > 0 {
			if err := s.UpdateParams(cfg.ParamsAt(i)); err != nil {
				return err
			}
		}
		if err := s.Set("x", x); err != nil {
			return err
		}
		st, err := s.Solve()
		if err != nil {
			return err
		}
		if x, err = s.Vector("x"); err != nil {
			return err
		}
		cpu, err := s.Get("time_tot")
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%v\n", i, st, formatVector(x), seconds(cpu.Data[0]))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if residuals := s.NewtonResiduals(); len(residuals) > 0 {
		fmt.Println()
		fmt.Println(row("newton residuals", formatVector(residuals[len(residuals)-1])))
	}
	if simSens {
		for _, name := range []string{"Sx", "Su"} {
			m, err := s.Matrix(name)
			if err != nil {
				return err
			}
			fmt.Printf("\n%s =\n%v\n", name, mat.Formatted(m, mat.Prefix("     "), mat.Squeeze()))
		}
	}
	return nil
}

func benchExperiment(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, args)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	collector := metrics.NewSolverCollector("nmpc")
	fmt.Printf("benchmarking %s (%d samples, %d runs)\n\n", cfg.Preset, cfg.Steps(), benchRuns)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tWALL\tPREPARATION\tFEEDBACK\tSTEPS/SEC")

	for i := 0; i < benchRuns; i++ {
		e, err := experiment.New(cfg, experiment.WithLogger(logger), experiment.WithObserver(collector))
		if err != nil {
			return err
		}
		start := time.Now()
		result, err := e.Run(cmd.Context())
		elapsed := time.Since(start)
		if cerr := e.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}

		prep, fb := summarizeTimings(result.Timings)
		fmt.Fprintf(w, "%d\t%v\t%s\t%s\t%.0f\n",
			i,
			elapsed.Round(time.Microsecond),
			prep,
			fb,
			float64(result.StepsTaken)/elapsed.Seconds(),
		)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if benchMetrics {
		fmt.Println()
		return collector.WriteSummary(os.Stdout)
	}
	return nil
}

func compareIntegrators(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, args[:1])
	if err != nil {
		return err
	}
	if cfg.Controller != config.ControllerMPC {
		return fmt.Errorf("compare needs the mpc controller, got %s", cfg.Controller)
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	fmt.Printf("comparing MPC integrators for %s (ts=%g, duration=%gs)\n\n", cfg.Preset, cfg.Ts, cfg.Duration)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "INTEGRATOR\tTRACKING_RMS\tCONTROL_EFFORT\tFAILED\tPREPARATION\tFEEDBACK")

	for _, name := range args[1:] {
		c := cfg.Clone()
		c.MPC.Integrator.Method = integrators.Method(strings.ToUpper(name))
		result, err := runOnce(cmd.Context(), c, logger)
		if err != nil {
			fmt.Fprintf(w, "%s\terror: %v\n", name, err)
			continue
		}
		failed := 0
		for _, st := range result.Status {
			if !st.OK() {
				failed++
			}
		}
		prep, fb := summarizeTimings(result.Timings)
		fmt.Fprintf(w, "%s\t%.6g\t%.6g\t%d\t%v\t%v\n",
			c.MPC.Integrator.Method,
			result.Metrics["tracking_rms"],
			result.Metrics["control_effort"],
			failed,
			prep.mean,
			fb.mean,
		)
	}
	return w.Flush()
}

func runOnce(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *dynamo.Result, err error) {
	e, err := experiment.New(cfg, experiment.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := e.Close(); err == nil {
			err = cerr
		}
	}()
	return e.Run(ctx)
}

package main

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/san-kum/nmpc/internal/experiment"
	"github.com/san-kum/nmpc/internal/optim"
)

// parseGrid reads entries of the form knob=v1,v2,...
func parseGrid(entries []string) ([]string, [][]float64, error) {
	if len(entries) == 0 {
		return nil, nil, fmt.Errorf("no --grid given (knobs: %s)", strings.Join(optim.KnobNames(), ", "))
	}
	names := make([]string, 0, len(entries))
	ranges := make([][]float64, 0, len(entries))
	for _, e := range entries {
		name, list, ok := strings.Cut(e, "=")
		if !ok {
			return nil, nil, fmt.Errorf("grid entry %q: want knob=v1,v2,...", e)
		}
		var values []float64
		for _, f := range strings.Split(list, ",") {
			v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
			if err != nil {
				return nil, nil, fmt.Errorf("grid entry %q: %w", e, err)
			}
			values = append(values, v)
		}
		names = append(names, strings.TrimSpace(name))
		ranges = append(ranges, values)
	}
	return names, ranges, nil
}

func formatPoint(values map[string]float64) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%g", k, values[k])
	}
	return strings.Join(parts, " ")
}

func tuneExperiment(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, args)
	if err != nil {
		return err
	}
	names, ranges, err := parseGrid(tuneGrid)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	g, err := optim.NewGridSearch(names, ranges, experiment.WithLogger(logger))
	if err != nil {
		return err
	}
	fmt.Printf("searching %d points of %s for the smallest %s\n\n", g.Size(), cfg.Preset, tuneMetric)

	best, points, err := g.Search(cmd.Context(), cfg, tuneMetric)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "POINT\t%s\tFAILED\n", strings.ToUpper(tuneMetric))
	for _, p := range points {
		if p.Err != nil {
			fmt.Fprintf(w, "%s\terror: %v\t\n", formatPoint(p.Values), p.Err)
			continue
		}
		fmt.Fprintf(w, "%s\t%.6g\t%d\n", formatPoint(p.Values), p.Metric, p.Failed)
	}
	if ferr := w.Flush(); ferr != nil {
		return ferr
	}
	if err != nil {
		return err
	}

	fmt.Println()
	fmt.Println(row("best", okStyle.Render(formatPoint(best.Values))))
	fmt.Println(row(tuneMetric, fmt.Sprintf("%.6g", best.Metric)))
	return nil
}

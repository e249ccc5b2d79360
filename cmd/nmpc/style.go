package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/guptarohit/asciigraph"

	"github.com/san-kum/nmpc/internal/config"
	"github.com/san-kum/nmpc/internal/dynamo"
)

var (
	titleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("86")).Bold(true)
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Width(16)
	valueStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("82"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)
)

var stateLabels = map[string][]string{
	"decay":    {"x"},
	"pendulum": {"theta (angle)", "omega (angular velocity)"},
	"cartpole": {"cart position", "cart velocity", "pole angle", "pole angular velocity"},
	"rsm":      {"psi_d (d-axis flux)", "psi_q (q-axis flux)"},
}

func stateLabel(model string, i int) string {
	if labels, ok := stateLabels[model]; ok && i < len(labels) {
		return labels[i]
	}
	return fmt.Sprintf("x%d", i)
}

func row(label, value string) string {
	return lipgloss.JoinHorizontal(lipgloss.Top, labelStyle.Render(label), valueStyle.Render(value))
}

// renderSummary formats one closed-loop run for the terminal.
func renderSummary(cfg *config.Config, result *dynamo.Result, elapsed time.Duration, runID string) string {
	name := cfg.Preset
	if name == "" {
		name = cfg.Model
	}
	lines := []string{
		titleStyle.Render(fmt.Sprintf("%s / %s", name, cfg.Controller)),
		row("samples", fmt.Sprintf("%d x %gs", result.StepsTaken, cfg.Ts)),
		row("wall time", elapsed.Round(time.Microsecond).String()),
	}
	if runID != "" {
		lines = append(lines, row("run id", runID))
	}
	if len(result.States) > 0 {
		lines = append(lines, row("final state", formatVector(result.States[len(result.States)-1])))
	}

	if len(result.Timings) > 0 {
		prep, fb := summarizeTimings(result.Timings)
		lines = append(lines,
			row("preparation", prep.String()),
			row("feedback", fb.String()))
	}

	if len(result.Status) > 0 {
		failed := 0
		for _, st := range result.Status {
			if !st.OK() {
				failed++
			}
		}
		status := okStyle.Render("all solves succeeded")
		if failed > 0 {
			status = warnStyle.Render(fmt.Sprintf("%d of %d solves reported a status", failed, len(result.Status)))
		}
		lines = append(lines, row("status", status))
	}

	names := make([]string, 0, len(result.Metrics))
	for n := range result.Metrics {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		lines = append(lines, row(n, fmt.Sprintf("%.6g", result.Metrics[n])))
	}

	for _, err := range result.Errors {
		lines = append(lines, warnStyle.Render(err.Error()))
	}
	return panelStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func formatVector(v []float64) string {
	parts := make([]string, len(v))
	for i, x := range v {
		parts[i] = fmt.Sprintf("%.5g", x)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

type timingSummary struct {
	mean, max time.Duration
}

func (t timingSummary) String() string {
	return fmt.Sprintf("mean %v  max %v", t.mean.Round(100*time.Nanosecond), t.max.Round(100*time.Nanosecond))
}

func summarizeTimings(timings []dynamo.Timing) (prep, fb timingSummary) {
	if len(timings) == 0 {
		return
	}
	var prepSum, fbSum float64
	for _, tm := range timings {
		prepSum += tm.Preparation
		fbSum += tm.Feedback
		prep.max = max(prep.max, seconds(tm.Preparation))
		fb.max = max(fb.max, seconds(tm.Feedback))
	}
	n := float64(len(timings))
	prep.mean = seconds(prepSum / n)
	fb.mean = seconds(fbSum / n)
	return prep, fb
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// plotSeries draws one graph per column of data, at most maxPlots.
func plotSeries(w io.Writer, data [][]float64, caption func(i int) string) {
	if len(data) == 0 {
		return
	}
	const maxPlots = 6
	n := min(len(data[0]), maxPlots)
	for i := 0; i < n; i++ {
		col := make([]float64, len(data))
		for k := range data {
			if i < len(data[k]) {
				col[k] = data[k][i]
			}
		}
		graph := asciigraph.Plot(col,
			asciigraph.Height(10),
			asciigraph.Width(80),
			asciigraph.Caption(caption(i)),
		)
		fmt.Fprintln(w, graph)
		fmt.Fprintln(w)
	}
}

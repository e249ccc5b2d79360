package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/san-kum/nmpc/internal/config"
	"github.com/san-kum/nmpc/internal/dynamo"
	"github.com/san-kum/nmpc/internal/storage"
)

func listRuns(cmd *cobra.Command, args []string) error {
	st := storage.New(dataDir)
	runs, err := st.List()
	if err != nil {
		return err
	}

	if len(runs) == 0 {
		fmt.Println("no runs found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPRESET\tMODEL\tTIME\tSTEPS\tTS\tCTRL\tPREP\tFEEDBACK")

	for _, run := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%gs\t%s\t%v\t%v\n",
			run.ID[:8],
			run.Preset,
			run.Model,
			run.Timestamp.Local().Format("2006-01-02 15:04:05"),
			run.Steps,
			run.Ts,
			run.Controller,
			seconds(run.MeanPreparation),
			seconds(run.MeanFeedback),
		)
	}

	return w.Flush()
}

func plotRun(cmd *cobra.Command, args []string) error {
	st := storage.New(dataDir)
	meta, err := st.Load(args[0])
	if err != nil {
		return err
	}

	series, err := st.LoadSeries(args[0])
	if err != nil {
		return err
	}

	if len(series.States) == 0 {
		return fmt.Errorf("no data to plot")
	}

	fmt.Println(titleStyle.Render("run " + meta.ID))
	fmt.Println(row("model", meta.Model))
	fmt.Println(row("samples", fmt.Sprint(len(series.States))))
	fmt.Println()

	plotSeries(os.Stdout, series.States, func(i int) string { return stateLabel(meta.Model, i) })
	plotSeries(os.Stdout, series.Controls, func(i int) string { return fmt.Sprintf("u%d", i) })
	return nil
}

func exportRun(cmd *cobra.Command, args []string) error {
	st := storage.New(dataDir)
	meta, err := st.Load(args[0])
	if err != nil {
		return err
	}

	series, err := st.LoadSeries(args[0])
	if err != nil {
		return err
	}

	switch exportFormat {
	case "json":
		return storage.ExportSeries(os.Stdout, meta, series)
	case "csv":
		result := &dynamo.Result{
			States:   make([]dynamo.State, len(series.States)),
			Controls: make([]dynamo.Control, len(series.Controls)),
			Times:    series.Times,
		}
		for i, s := range series.States {
			result.States[i] = s
		}
		for i, c := range series.Controls {
			result.Controls[i] = c
		}
		return storage.WriteCSV(os.Stdout, result)
	default:
		return fmt.Errorf("unknown export format %q (json, csv)", exportFormat)
	}
}

func listPresets(cmd *cobra.Command, args []string) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PRESET\tMODEL\tCONTROLLER\tSAMPLES\tDESCRIPTION")
	for _, name := range config.ListPresets() {
		p := config.Presets[name]
		fmt.Fprintf(w, "%s\t%s\t%s\t%d x %gs\t%s\n",
			name,
			p.Config.Model,
			p.Config.Controller,
			p.Config.Steps(),
			p.Config.Ts,
			p.Summary,
		)
	}
	return w.Flush()
}

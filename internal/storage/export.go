package storage

import (
	"encoding/json"
	"io"

	"github.com/san-kum/nmpc/internal/dynamo"
)

type ExportData struct {
	RunInfo
	Steps    int                `json:"steps"`
	Times    []float64          `json:"times"`
	States   [][]float64        `json:"states"`
	Controls [][]float64        `json:"controls"`
	Status   []string           `json:"status,omitempty"`
	Timings  []dynamo.Timing    `json:"timings,omitempty"`
	Metrics  map[string]float64 `json:"metrics"`
	Warnings []string           `json:"warnings,omitempty"`
}

func NewExportData(info RunInfo, result *dynamo.Result) ExportData {
	data := ExportData{
		RunInfo:  info,
		Steps:    result.StepsTaken,
		Times:    result.Times,
		States:   make([][]float64, len(result.States)),
		Controls: make([][]float64, len(result.Controls)),
		Timings:  result.Timings,
		Metrics:  result.Metrics,
	}
	for i, s := range result.States {
		data.States[i] = s
	}
	for i, c := range result.Controls {
		data.Controls[i] = c
	}
	for _, st := range result.Status {
		data.Status = append(data.Status, st.String())
	}
	for _, err := range result.Errors {
		data.Warnings = append(data.Warnings, err.Error())
	}
	return data
}

// ExportJSON writes the run as indented JSON.
func ExportJSON(w io.Writer, info RunInfo, result *dynamo.Result) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(NewExportData(info, result))
}

// ExportSeries writes a stored run as indented JSON.
func ExportSeries(w io.Writer, meta *RunMetadata, series *Series) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(ExportData{
		RunInfo:  meta.RunInfo,
		Steps:    meta.Steps,
		Times:    series.Times,
		States:   series.States,
		Controls: series.Controls,
		Metrics:  meta.Metrics,
	})
}

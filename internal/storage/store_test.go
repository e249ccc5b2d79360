package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/san-kum/nmpc/internal/dynamo"
)

func testInfo() RunInfo {
	return RunInfo{
		Preset:     "rsm",
		Model:      "rsm",
		Controller: "mpc",
		Integrator: "irk",
		Ts:         0.01,
		Duration:   0.02,
		Seed:       42,
	}
}

func testResult() *dynamo.Result {
	return &dynamo.Result{
		States: []dynamo.State{
			{1.0, 0.0},
			{0.9, -0.1},
			{0.8, -0.15},
		},
		Controls: []dynamo.Control{
			{0.5},
			{0.25},
		},
		Times:   []float64{0.0, 0.01, 0.02},
		Status:  []dynamo.Status{dynamo.StatusSuccess, dynamo.StatusMaxIter},
		Timings: []dynamo.Timing{{Preparation: 2e-4, Feedback: 1e-5}, {Preparation: 4e-4, Feedback: 3e-5}},
		Metrics: map[string]float64{
			"tracking_rms": 1.5,
		},
		StepsTaken: 2,
	}
}

func TestStoreSaveLoad(t *testing.T) {
	tmpDir := t.TempDir()
	st := New(tmpDir)

	if err := st.Init(); err != nil {
		t.Fatalf("init failed: %v", err)
	}

	runID, err := st.Save(testInfo(), testResult())
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}

	if runID == "" {
		t.Error("expected non-empty run id")
	}

	meta, err := st.Load(runID)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if meta.Model != "rsm" {
		t.Errorf("expected model 'rsm', got '%s'", meta.Model)
	}

	if meta.Seed != 42 {
		t.Errorf("expected seed 42, got %d", meta.Seed)
	}

	if meta.Metrics["tracking_rms"] != 1.5 {
		t.Errorf("expected tracking_rms 1.5, got %f", meta.Metrics["tracking_rms"])
	}

	if meta.Statuses["success"] != 1 || meta.Statuses[dynamo.StatusMaxIter.String()] != 1 {
		t.Errorf("status counts %v", meta.Statuses)
	}

	if meta.MeanPreparation < 2.99e-4 || meta.MeanPreparation > 3.01e-4 {
		t.Errorf("mean preparation %g, want 3e-4", meta.MeanPreparation)
	}

	series, err := st.LoadSeries(runID[:8])
	if err != nil {
		t.Fatalf("load series failed: %v", err)
	}

	if len(series.States) != 3 {
		t.Errorf("expected 3 states, got %d", len(series.States))
	}

	if len(series.Times) != 3 {
		t.Errorf("expected 3 times, got %d", len(series.Times))
	}

	if len(series.Controls) != 2 || series.Controls[1][0] != 0.25 {
		t.Errorf("controls %v", series.Controls)
	}

	if series.States[2][1] != -0.15 {
		t.Errorf("expected x1 = -0.15 at the last sample, got %v", series.States[2][1])
	}
}

func TestStoreList(t *testing.T) {
	tmpDir := t.TempDir()
	st := New(tmpDir)

	if err := st.Init(); err != nil {
		t.Fatalf("init failed: %v", err)
	}

	runs, err := st.List()
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}

	if len(runs) != 0 {
		t.Errorf("expected 0 runs, got %d", len(runs))
	}

	result := &dynamo.Result{
		States:   []dynamo.State{{1.0}},
		Controls: []dynamo.Control{},
		Times:    []float64{0.0},
		Metrics:  map[string]float64{},
	}

	if _, err := st.Save(testInfo(), result); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if _, err := st.Save(testInfo(), result); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	runs, err = st.List()
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}

	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}

	if runs[0].ID == runs[1].ID {
		t.Error("run ids collide")
	}

	if runs[0].Timestamp.Before(runs[1].Timestamp) {
		t.Error("runs are not listed newest first")
	}
}

func TestStoreListMissingDir(t *testing.T) {
	st := New(filepath.Join(t.TempDir(), "absent"))
	runs, err := st.List()
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(runs) != 0 {
		t.Errorf("expected 0 runs, got %d", len(runs))
	}
}

func TestStoreLoadUnknown(t *testing.T) {
	st := New(t.TempDir())
	if _, err := st.Load("deadbeef"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("expected ErrRunNotFound, got %v", err)
	}
}

func TestStoreFileStructure(t *testing.T) {
	tmpDir := t.TempDir()
	st := New(tmpDir)

	if err := st.Init(); err != nil {
		t.Fatalf("init failed: %v", err)
	}

	runID, err := st.Save(testInfo(), testResult())
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}

	runDir := filepath.Join(tmpDir, runID)
	metaPath := filepath.Join(runDir, MetadataFile)
	csvPath := filepath.Join(runDir, StatesFile)

	if _, err := os.Stat(metaPath); os.IsNotExist(err) {
		t.Error("metadata.json not created")
	}

	data, err := os.ReadFile(csvPath)
	if err != nil {
		t.Fatalf("states.csv not created: %v", err)
	}

	header := "time,x0,x1,u0,status,t_preparation,t_feedback\n"
	if !bytes.HasPrefix(data, []byte(header)) {
		t.Errorf("unexpected header in %q", data)
	}
}

func TestExportJSON(t *testing.T) {
	var buf bytes.Buffer
	if err := ExportJSON(&buf, testInfo(), testResult()); err != nil {
		t.Fatalf("export failed: %v", err)
	}

	var got ExportData
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("export is not valid JSON: %v", err)
	}

	if got.Model != "rsm" || got.Steps != 2 {
		t.Errorf("model %s with %d steps", got.Model, got.Steps)
	}

	if len(got.States) != 3 || len(got.Controls) != 2 {
		t.Errorf("%d states and %d controls", len(got.States), len(got.Controls))
	}

	if len(got.Status) != 2 || got.Status[0] != "success" {
		t.Errorf("status %v", got.Status)
	}
}

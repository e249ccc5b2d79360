// Package storage persists closed-loop runs. Every run gets a directory
// named by a random UUID holding metadata.json and states.csv.
package storage

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/san-kum/nmpc/internal/dynamo"
)

const (
	MetadataFile = "metadata.json"
	StatesFile   = "states.csv"
)

var ErrRunNotFound = errors.New("storage: run not found")

type Store struct {
	baseDir string
}

func New(baseDir string) *Store {
	return &Store{baseDir: baseDir}
}

func (s *Store) Init() error {
	return os.MkdirAll(s.baseDir, 0755)
}

// RunInfo describes how a result was produced.
type RunInfo struct {
	Preset     string  `json:"preset,omitempty"`
	Model      string  `json:"model"`
	Controller string  `json:"controller"`
	Integrator string  `json:"integrator"`
	NLPSolver  string  `json:"nlp_solver_type,omitempty"`
	Ts         float64 `json:"ts"`
	Duration   float64 `json:"duration"`
	Seed       int64   `json:"seed"`
}

type RunMetadata struct {
	RunInfo
	ID        string             `json:"id"`
	Timestamp time.Time          `json:"timestamp"`
	Steps     int                `json:"steps"`
	Metrics   map[string]float64 `json:"metrics"`
	// Statuses counts the controller statuses by name.
	Statuses        map[string]int `json:"statuses,omitempty"`
	MeanPreparation float64        `json:"mean_preparation_s,omitempty"`
	MeanFeedback    float64        `json:"mean_feedback_s,omitempty"`
	Warnings        int            `json:"warnings"`
}

func newMetadata(info RunInfo, result *dynamo.Result) RunMetadata {
	meta := RunMetadata{
		RunInfo:   info,
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Steps:     result.StepsTaken,
		Metrics:   result.Metrics,
		Warnings:  len(result.Errors),
	}
	if len(result.Status) > 0 {
		meta.Statuses = make(map[string]int)
		for _, st := range result.Status {
			meta.Statuses[st.String()]++
		}
	}
	if n := len(result.Timings); n > 0 {
		for _, tm := range result.Timings {
			meta.MeanPreparation += tm.Preparation
			meta.MeanFeedback += tm.Feedback
		}
		meta.MeanPreparation /= float64(n)
		meta.MeanFeedback /= float64(n)
	}
	return meta
}

// Save writes the run and returns its id.
func (s *Store) Save(info RunInfo, result *dynamo.Result) (string, error) {
	meta := newMetadata(info, result)
	runDir := filepath.Join(s.baseDir, meta.ID)
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(runDir, MetadataFile), data, 0644); err != nil {
		return "", err
	}

	f, err := os.Create(filepath.Join(runDir, StatesFile))
	if err != nil {
		return "", err
	}
	if err := WriteCSV(f, result); err != nil {
		f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return meta.ID, nil
}

// WriteCSV writes one row per sample: time, states, the control applied
// from that sample on, and the controller status and timings when the
// result has them. The last row has no control and repeats zeros.
func WriteCSV(out io.Writer, result *dynamo.Result) error {
	w := csv.NewWriter(out)
	if len(result.States) == 0 {
		w.Flush()
		return w.Error()
	}

	header := []string{"time"}
	for i := range result.States[0] {
		header = append(header, fmt.Sprintf("x%d", i))
	}
	numControls := 0
	if len(result.Controls) > 0 {
		numControls = len(result.Controls[0])
		for i := 0; i < numControls; i++ {
			header = append(header, fmt.Sprintf("u%d", i))
		}
	}
	withStatus := len(result.Status) > 0
	if withStatus {
		header = append(header, "status", "t_preparation", "t_feedback")
	}
	if err := w.Write(header); err != nil {
		return err
	}

	for i := range result.States {
		row := []string{formatFloat(result.Times[i])}
		for _, val := range result.States[i] {
			row = append(row, formatFloat(val))
		}
		if i < len(result.Controls) {
			for _, val := range result.Controls[i] {
				row = append(row, formatFloat(val))
			}
		} else {
			for j := 0; j < numControls; j++ {
				row = append(row, "0")
			}
		}
		if withStatus {
			if i < len(result.Status) {
				tm := result.Timings[i]
				row = append(row, result.Status[i].String(), formatFloat(tm.Preparation), formatFloat(tm.Feedback))
			} else {
				row = append(row, "", "", "")
			}
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// List returns the stored runs, newest first. Directories without
// readable metadata are skipped.
func (s *Store) List() ([]RunMetadata, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []RunMetadata{}, nil
		}
		return nil, err
	}

	runs := make([]RunMetadata, 0)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		meta, err := s.Load(entry.Name())
		if err != nil {
			continue
		}
		runs = append(runs, *meta)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].Timestamp.After(runs[j].Timestamp) })
	return runs, nil
}

// Load reads the metadata of runID. A unique prefix of the id is enough.
func (s *Store) Load(runID string) (*RunMetadata, error) {
	dir, err := s.resolve(runID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, MetadataFile))
	if err != nil {
		return nil, err
	}
	var meta RunMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("run %s: %w", runID, err)
	}
	return &meta, nil
}

func (s *Store) resolve(runID string) (string, error) {
	dir := filepath.Join(s.baseDir, runID)
	if _, err := os.Stat(dir); err == nil {
		return dir, nil
	}
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	var match string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), runID) {
			if match != "" {
				return "", fmt.Errorf("run id prefix %q is ambiguous", runID)
			}
			match = e.Name()
		}
	}
	if match == "" {
		return "", fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return filepath.Join(s.baseDir, match), nil
}

// Series is the numeric content of states.csv.
type Series struct {
	Times    []float64
	States   [][]float64
	Controls [][]float64
}

func (s *Store) LoadSeries(runID string) (*Series, error) {
	dir, err := s.resolve(runID)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(filepath.Join(dir, StatesFile))
	if err != nil {
		return nil, err
	}
	defer file.Close()

	r := csv.NewReader(file)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, err
	}
	out := &Series{}
	if len(records) < 2 {
		return out, nil
	}

	var xcols, ucols []int
	for j, name := range records[0] {
		switch {
		case strings.HasPrefix(name, "x"):
			xcols = append(xcols, j)
		case strings.HasPrefix(name, "u"):
			ucols = append(ucols, j)
		}
	}

	for i, record := range records[1:] {
		t, err := strconv.ParseFloat(record[0], 64)
		if err != nil {
			return nil, fmt.Errorf("%s row %d: %w", StatesFile, i+1, err)
		}
		x, err := parseColumns(record, xcols)
		if err != nil {
			return nil, fmt.Errorf("%s row %d: %w", StatesFile, i+1, err)
		}
		u, err := parseColumns(record, ucols)
		if err != nil {
			return nil, fmt.Errorf("%s row %d: %w", StatesFile, i+1, err)
		}
		out.Times = append(out.Times, t)
		out.States = append(out.States, x)
		out.Controls = append(out.Controls, u)
	}
	// the last row only carries the final state
	if len(out.Controls) > 0 {
		out.Controls = out.Controls[:len(out.Controls)-1]
	}
	return out, nil
}

func parseColumns(record []string, cols []int) ([]float64, error) {
	out := make([]float64, len(cols))
	for i, j := range cols {
		if j >= len(record) {
			return nil, fmt.Errorf("missing column %d", j)
		}
		v, err := strconv.ParseFloat(record[j], 64)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

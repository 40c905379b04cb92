// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package monitor

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"

	"github.com/antflydb/seqtune/lib/training"
)

const (
	// PredictionsFile lists every prediction of the last evaluation.
	PredictionsFile = "preds.csv"
	// CorrectPredictionsFile lists the exact matches of the last evaluation.
	CorrectPredictionsFile = "preds_correct.csv"
)

var reportHeader = []string{"source", "reference", "generated"}

// ReportWriter persists evaluation predictions as CSV files in a directory.
// Each write replaces the previous report.
type ReportWriter struct {
	dir string
}

// NewReportWriter creates a writer for dir.
func NewReportWriter(dir string) *ReportWriter {
	return &ReportWriter{dir: dir}
}

// Write writes all predictions and the correct subset.
func (w *ReportWriter) Write(all, correct []training.Prediction) error {
	if err := w.WriteFile(PredictionsFile, all); err != nil {
		return err
	}
	return w.WriteFile(CorrectPredictionsFile, correct)
}

// WriteFile writes preds to name inside the report directory.
func (w *ReportWriter) WriteFile(name string, preds []training.Prediction) (err error) {
	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return fmt.Errorf("creating report directory: %w", err)
	}
	path := filepath.Join(w.dir, name)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", name, err)
	}
	defer func() {
		if closeErr := f.Close(); err == nil && closeErr != nil {
			err = fmt.Errorf("closing %s: %w", name, closeErr)
		}
	}()

	cw := csv.NewWriter(f)
	if err := cw.Write(reportHeader); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	for _, p := range preds {
		if err := cw.Write([]string{p.Source, p.Reference, p.Generated}); err != nil {
			return fmt.Errorf("writing %s: %w", name, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	return nil
}

// ReadReport reads a report written by WriteFile.
func ReadReport(path string) ([]training.Prediction, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%s has no header", path)
	}
	preds := make([]training.Prediction, 0, len(rows)-1)
	for _, row := range rows[1:] {
		preds = append(preds, training.Prediction{Source: row[0], Reference: row[1], Generated: row[2]})
	}
	return preds, nil
}

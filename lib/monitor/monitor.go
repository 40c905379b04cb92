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

// Package monitor records training progress: running averages, scalar and
// text event streams keyed by step, and prediction reports.
package monitor

import (
	"errors"
	"fmt"
	"strings"

	"github.com/antflydb/seqtune/lib/training"
)

// Sink receives monitoring events keyed by a cumulative step.
type Sink interface {
	AddScalar(key string, value float64, step int) error
	AddText(key, text string, step int) error
	Close() error
}

// Nop discards all events.
type Nop struct{}

func (Nop) AddScalar(string, float64, int) error { return nil }
func (Nop) AddText(string, string, int) error    { return nil }
func (Nop) Close() error                         { return nil }

// Multi fans events out to several sinks.
type Multi []Sink

// AddScalar sends the scalar to every sink.
func (m Multi) AddScalar(key string, value float64, step int) error {
	var errs []error
	for _, s := range m {
		if err := s.AddScalar(key, value, step); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// AddText sends the text to every sink.
func (m Multi) AddText(key, text string, step int) error {
	var errs []error
	for _, s := range m {
		if err := s.AddText(key, text, step); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink.
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// AverageMeter keeps a count-weighted running average.
type AverageMeter struct {
	sum   float64
	count int
}

// Update adds value observed over n examples.
func (m *AverageMeter) Update(value float64, n int) {
	m.sum += value * float64(n)
	m.count += n
}

// Avg returns the weighted average, 0 before any update.
func (m *AverageMeter) Avg() float64 {
	if m.count == 0 {
		return 0
	}
	return m.sum / float64(m.count)
}

// Count returns the number of examples seen.
func (m *AverageMeter) Count() int {
	return m.count
}

// Reset clears the meter.
func (m *AverageMeter) Reset() {
	*m = AverageMeter{}
}

// Visualize emits up to n predictions as text events named
// "<split>/<i>_of_<n>".
func Visualize(sink Sink, preds []training.Prediction, step int, split string, n int) error {
	n = min(n, len(preds))
	var errs []error
	for i, p := range preds[:n] {
		key := fmt.Sprintf("%s/%d_of_%d", split, i+1, n)
		if err := sink.AddText(key, FormatPrediction(p), step); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// FormatPrediction renders a prediction as a markdown list.
func FormatPrediction(p training.Prediction) string {
	var b strings.Builder
	fmt.Fprintf(&b, "- **Source:** %s\n", p.Source)
	fmt.Fprintf(&b, "- **Target:** %s\n", p.Reference)
	fmt.Fprintf(&b, "- **Predicted:** %s\n", p.Generated)
	return b.String()
}

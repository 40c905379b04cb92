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

package seqtune

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/antflydb/seqtune/lib/dataset"
	"github.com/antflydb/seqtune/lib/tokenizer"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"
)

// LengthStats summarizes the token lengths of one side of a split.
type LengthStats struct {
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	P90    float64 `json:"p90"`
	P99    float64 `json:"p99"`
	Max    int     `json:"max"`
	// Truncated counts the lines longer than the configured maximum length.
	Truncated int `json:"truncated,omitempty"`
}

// SplitReport describes the token lengths of a split.
type SplitReport struct {
	Split string `json:"split"`
	Pairs int    `json:"pairs"`
	// Source and Target are measured with the model tokenizer, end of
	// sequence token included.
	Source LengthStats `json:"source"`
	Target LengthStats `json:"target"`
	// SourceBPE and TargetBPE are measured with a fixed BPE encoding so that
	// corpora can be compared independently of the model.
	SourceBPE LengthStats `json:"source_bpe"`
	TargetBPE LengthStats `json:"target_bpe"`
}

// Inspector measures splits against the configured maximum lengths.
type Inspector struct {
	Encoder      tokenizer.Encoder
	BPE          tokenizer.Counter
	MaxSourceLen int
	MaxTargetLen int
}

// Inspect reports on every split of cfg.DataDir that exists.
func Inspect(ctx context.Context, cfg Config, logger *zap.Logger) ([]*SplitReport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	_, dir, err := resolveModelDir(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	tok, err := tokenizer.Load(dir)
	if err != nil {
		return nil, fmt.Errorf("loading tokenizer: %w", err)
	}
	enc, err := tokenizer.NewFixedLengthEncoder(tok)
	if err != nil {
		return nil, err
	}
	bpe, err := tokenizer.NewBPECounter("")
	if err != nil {
		return nil, err
	}
	in := &Inspector{
		Encoder:      enc,
		BPE:          bpe,
		MaxSourceLen: cfg.MaxSourceLen,
		MaxTargetLen: cfg.MaxTargetLen,
	}

	var reports []*SplitReport
	for _, split := range dataset.Splits {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		report, err := in.Split(cfg.DataDir, split)
		if errors.Is(err, os.ErrNotExist) {
			logger.Debug("Skipping missing split", zap.String("split", split))
			continue
		}
		if err != nil {
			return nil, err
		}
		logger.Info("Inspected split",
			zap.String("split", split),
			zap.Int("pairs", report.Pairs),
			zap.Float64("source_mean", report.Source.Mean),
			zap.Int("source_truncated", report.Source.Truncated),
			zap.Float64("target_mean", report.Target.Mean),
			zap.Int("target_truncated", report.Target.Truncated))
		reports = append(reports, report)
	}
	return reports, nil
}

// Split measures one split of dir.
func (in *Inspector) Split(dir, split string) (*SplitReport, error) {
	sources, targets, err := dataset.ReadPairs(dir, split)
	if err != nil {
		return nil, err
	}
	source, err := in.modelLengths(sources, in.MaxSourceLen)
	if err != nil {
		return nil, fmt.Errorf("%s sources: %w", split, err)
	}
	target, err := in.modelLengths(targets, in.MaxTargetLen)
	if err != nil {
		return nil, fmt.Errorf("%s targets: %w", split, err)
	}
	return &SplitReport{
		Split:     split,
		Pairs:     len(sources),
		Source:    source,
		Target:    target,
		SourceBPE: summarize(countAll(in.BPE, sources)),
		TargetBPE: summarize(countAll(in.BPE, targets)),
	}, nil
}

func (in *Inspector) modelLengths(lines []string, maxLen int) (LengthStats, error) {
	lengths := make([]float64, len(lines))
	truncated := 0
	for i, line := range lines {
		enc, err := in.Encoder.Encode(line, maxLen)
		if err != nil {
			return LengthStats{}, err
		}
		lengths[i] = float64(enc.Length)
		if enc.Truncated {
			truncated++
		}
	}
	s := summarize(lengths)
	s.Truncated = truncated
	return s, nil
}

func countAll(c tokenizer.Counter, lines []string) []float64 {
	lengths := make([]float64, len(lines))
	for i, line := range lines {
		lengths[i] = float64(c.CountTokens(line))
	}
	return lengths
}

func summarize(lengths []float64) LengthStats {
	if len(lengths) == 0 {
		return LengthStats{}
	}
	slices.Sort(lengths)
	return LengthStats{
		Mean:   stat.Mean(lengths, nil),
		Median: stat.Quantile(0.5, stat.Empirical, lengths, nil),
		P90:    stat.Quantile(0.9, stat.Empirical, lengths, nil),
		P99:    stat.Quantile(0.99, stat.Empirical, lengths, nil),
		Max:    int(lengths[len(lengths)-1]),
	}
}

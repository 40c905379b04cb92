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

// Package dataset loads paired source/target text files and tokenizes them
// into fixed-length examples.
package dataset

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/antflydb/seqtune/lib/tokenizer"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Splits lists the accepted split names.
var Splits = []string{"test", "train", "val"}

// ErrInvalidSplit is returned for a split name outside Splits.
var ErrInvalidSplit = errors.New("split must be one of test, train, val")

// maxLineSize bounds a single line of a data file.
const maxLineSize = 16 * 1024 * 1024

// DataIntegrityError reports source and target files of a split with a
// different number of lines.
type DataIntegrityError struct {
	Split       string
	SourceLines int
	TargetLines int
}

func (e *DataIntegrityError) Error() string {
	return fmt.Sprintf("split %q: %d source lines but %d target lines", e.Split, e.SourceLines, e.TargetLines)
}

// Config selects and shapes the examples of one split.
type Config struct {
	// Dir contains <split>.source and <split>.target.
	Dir   string
	Split string
	// MaxExamples keeps only the first MaxExamples pairs when positive.
	MaxExamples  int
	MaxSourceLen int
	MaxTargetLen int
	// Workers bounds concurrent tokenization; 0 or less tokenizes inline.
	Workers int
}

// Example is one tokenized source/target pair. ID and mask slices have the
// configured lengths.
type Example struct {
	SourceIDs  []int
	SourceMask []int
	TargetIDs  []int
	TargetMask []int
	SourceText string
	TargetText string
}

// Stats summarizes a loaded split.
type Stats struct {
	Lines            int
	Examples         int
	TruncatedSources int
	TruncatedTargets int
}

// Store is an immutable, randomly accessible set of examples.
type Store struct {
	split    string
	examples []Example
	stats    Stats
}

// Paths returns the source and target file paths of split in dir.
func Paths(dir, split string) (source, target string) {
	base := filepath.Join(dir, split)
	return base + ".source", base + ".target"
}

// ReadPairs reads and trims the lines of both files of a split, failing with
// a DataIntegrityError when their counts differ.
func ReadPairs(dir, split string) (sources, targets []string, err error) {
	if !slices.Contains(Splits, split) {
		return nil, nil, fmt.Errorf("%w, got %q", ErrInvalidSplit, split)
	}
	sourcePath, targetPath := Paths(dir, split)
	if sources, err = readLines(sourcePath); err != nil {
		return nil, nil, err
	}
	if targets, err = readLines(targetPath); err != nil {
		return nil, nil, err
	}
	if len(sources) != len(targets) {
		return nil, nil, &DataIntegrityError{Split: split, SourceLines: len(sources), TargetLines: len(targets)}
	}
	return sources, targets, nil
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		lines = append(lines, strings.TrimSpace(scanner.Text()))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return lines, nil
}

// Load reads a split and tokenizes every pair to the configured lengths.
func Load(ctx context.Context, cfg Config, enc tokenizer.Encoder, logger *zap.Logger) (*Store, error) {
	if enc == nil {
		return nil, errors.New("encoder is required")
	}
	if cfg.MaxSourceLen <= 0 || cfg.MaxTargetLen <= 0 {
		return nil, fmt.Errorf("max lengths must be positive, got source %d target %d", cfg.MaxSourceLen, cfg.MaxTargetLen)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	sources, targets, err := ReadPairs(cfg.Dir, cfg.Split)
	if err != nil {
		return nil, err
	}
	count := len(sources)
	if cfg.MaxExamples > 0 {
		count = min(cfg.MaxExamples, count)
	}

	logger.Info("Tokenizing split",
		zap.String("split", cfg.Split),
		zap.Int("lines", len(sources)),
		zap.Int("examples", count),
		zap.Int("max_src_len", cfg.MaxSourceLen),
		zap.Int("max_tgt_len", cfg.MaxTargetLen))

	examples := make([]Example, count)
	var truncatedSources, truncatedTargets atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Workers > 0 {
		g.SetLimit(cfg.Workers)
	} else {
		g.SetLimit(1)
	}
	for i := range count {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			src, err := enc.Encode(sources[i], cfg.MaxSourceLen)
			if err != nil {
				return fmt.Errorf("encoding source %d: %w", i, err)
			}
			tgt, err := enc.Encode(targets[i], cfg.MaxTargetLen)
			if err != nil {
				return fmt.Errorf("encoding target %d: %w", i, err)
			}
			if src.Truncated {
				truncatedSources.Add(1)
			}
			if tgt.Truncated {
				truncatedTargets.Add(1)
			}
			examples[i] = Example{
				SourceIDs:  src.IDs,
				SourceMask: src.Mask,
				TargetIDs:  tgt.IDs,
				TargetMask: tgt.Mask,
				SourceText: sources[i],
				TargetText: targets[i],
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s := &Store{
		split:    cfg.Split,
		examples: examples,
		stats: Stats{
			Lines:            len(sources),
			Examples:         count,
			TruncatedSources: int(truncatedSources.Load()),
			TruncatedTargets: int(truncatedTargets.Load()),
		},
	}
	if s.stats.TruncatedSources > 0 || s.stats.TruncatedTargets > 0 {
		logger.Warn("Examples truncated to max length",
			zap.String("split", cfg.Split),
			zap.Int("sources", s.stats.TruncatedSources),
			zap.Int("targets", s.stats.TruncatedTargets))
	}
	return s, nil
}

// Split returns the split name.
func (s *Store) Split() string { return s.split }

// Len returns the number of examples.
func (s *Store) Len() int { return len(s.examples) }

// Get returns example i. It panics when i is out of range.
func (s *Store) Get(i int) *Example { return &s.examples[i] }

// Stats returns line, example and truncation counts.
func (s *Store) Stats() Stats { return s.stats }

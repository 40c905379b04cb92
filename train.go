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
	"path/filepath"

	"github.com/antflydb/seqtune/lib/dataset"
	"github.com/antflydb/seqtune/lib/monitor"
	"github.com/antflydb/seqtune/lib/tokenizer"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogFile is the debug log written to every record directory.
const LogFile = "log.txt"

// monitoringRegisterer receives the collectors of the monitoring sink.
var monitoringRegisterer prometheus.Registerer = prometheus.DefaultRegisterer

// Train creates a record directory, loads the model and both splits and
// fine-tunes the model. The record directory receives the debug log, the
// scalar log, the prediction reports and the fine-tuned model.
func Train(ctx context.Context, cfg Config, logger *zap.Logger) (*Summary, error) {
	return run(ctx, cfg, logger, true)
}

// Evaluate loads the model and the validation split and evaluates it once.
func Evaluate(ctx context.Context, cfg Config, logger *zap.Logger) (*Summary, error) {
	return run(ctx, cfg, logger, false)
}

func run(ctx context.Context, cfg Config, logger *zap.Logger, train bool) (_ *Summary, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	recordDir, err := NewRecordDir(cfg.SaveDir, cfg.Name)
	if err != nil {
		return nil, err
	}
	logger, closeLog, err := teeToFile(logger, filepath.Join(recordDir, LogFile))
	if err != nil {
		return nil, err
	}
	defer func() { err = errors.Join(err, closeLog()) }()
	logger.Info("Created record directory", zap.String("name", cfg.Name), zap.String("record_dir", recordDir))

	sink, err := newSink(cfg, recordDir)
	if err != nil {
		return nil, err
	}
	defer func() { err = errors.Join(err, sink.Close()) }()

	loaded, err := LoadModel(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	defer func() { err = errors.Join(err, loaded.Close()) }()

	var codec tokenizer.TextCodec = loaded.Codec
	if cfg.EncodingCacheTTL > 0 {
		cached := NewCachedEncoder(loaded.Codec, cfg.EncodingCacheTTL, logger.Named("encoding_cache"))
		defer cached.Close()
		codec = cached
	}

	var trainSet *dataset.Store
	if train {
		if trainSet, err = loadSplit(ctx, cfg, "train", cfg.NumTrain, codec, logger); err != nil {
			return nil, err
		}
	}
	valSet, err := loadSplit(ctx, cfg, "val", cfg.NumVal, codec, logger)
	if err != nil {
		return nil, err
	}
	if trainSet != nil {
		logger.Info("Datasets loaded", zap.Int("train", trainSet.Len()), zap.Int("dev", valSet.Len()))
	}

	opts := []RunnerOption{
		WithSink(sink),
		WithRecordDir(recordDir),
		WithModelDir(loaded.Dir),
		WithModelName(loaded.Name),
		WithLogger(logger.Named("runner")),
	}
	var runner *Runner
	if train {
		runner, err = NewRunner(cfg, loaded.Model, codec, trainSet, valSet, opts...)
	} else {
		runner, err = NewRunner(cfg, loaded.Model, codec, nil, valSet, opts...)
	}
	if err != nil {
		return nil, err
	}
	if train {
		return runner.Run(ctx)
	}
	return runner.Evaluate(ctx)
}

func loadSplit(ctx context.Context, cfg Config, split string, limit int, enc tokenizer.Encoder, logger *zap.Logger) (*dataset.Store, error) {
	store, err := dataset.Load(ctx, dataset.Config{
		Dir:          cfg.DataDir,
		Split:        split,
		MaxExamples:  limit,
		MaxSourceLen: cfg.MaxSourceLen,
		MaxTargetLen: cfg.MaxTargetLen,
		Workers:      cfg.Workers,
	}, enc, logger.Named("dataset"))
	if err != nil {
		return nil, fmt.Errorf("loading %s split: %w", split, err)
	}
	if store.Len() == 0 {
		return nil, fmt.Errorf("%s split in %s is empty", split, cfg.DataDir)
	}
	return store, nil
}

// newSink returns the scalar log of the record directory, mirrored to
// Prometheus when monitoring is enabled.
func newSink(cfg Config, recordDir string) (monitor.Sink, error) {
	scalars, err := monitor.NewScalarLog(recordDir)
	if err != nil {
		return nil, err
	}
	if !cfg.UseMonitoring {
		return scalars, nil
	}
	gauges, err := monitor.NewPrometheusSink(monitoringRegisterer)
	if err != nil {
		_ = scalars.Close()
		return nil, err
	}
	return monitor.Multi{scalars, gauges}, nil
}

// teeToFile returns a logger that also writes every entry, debug included, as
// JSON to path.
func teeToFile(logger *zap.Logger, path string) (*zap.Logger, func() error, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log file: %w", err)
	}
	fileCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
		zapcore.AddSync(f),
		zapcore.DebugLevel,
	)
	teed := logger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, fileCore)
	}))
	closeFn := func() error {
		_ = teed.Sync()
		return f.Close()
	}
	return teed, closeFn, nil
}

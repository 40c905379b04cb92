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

package cmd

import (
	"context"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/antflydb/antfly-go/libaf/healthserver"
	"github.com/antflydb/seqtune"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Fine-tune a model",
	Long: `Fine-tune a seq2seq model on <data-dir>/train.source and train.target,
evaluating on val.source and val.target after every epoch.

Each run writes to a new record directory <save-dir>/<name>-NN holding
log.txt, scalars.jsonl, preds.csv, preds_correct.csv and the fine-tuned model.

Examples:
  # Fine-tune pretrained T5 weights
  seqtune train --model hf:google-t5/t5-small --epochs 20 --batch-size 8

  # Train a freshly initialized model on the T5 vocabulary
  seqtune train --model hf:google-t5/t5-small --backend scratch --hidden-size 128

  # Train on the first 100 examples and export metrics on :4200
  seqtune train --num-train 100 --use-monitoring`,
	PreRun: func(cmd *cobra.Command, _ []string) { bindRunFlags(cmd) },
	RunE:   runTrain,
}

func init() {
	rootCmd.AddCommand(trainCmd)
	addRunFlags(trainCmd)
}

func runTrain(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := newLogger()
	defer func() {
		_ = logger.Sync()
	}()

	cfg := configFromViper()
	ready := startHealthServer(logger, cfg)
	ready.Store(true)

	summary, err := seqtune.Train(ctx, cfg, logger)
	if err != nil {
		return err
	}

	fields := []zap.Field{
		zap.String("record_dir", summary.RecordDir),
		zap.Int("epochs", summary.Epochs),
		zap.Int("steps", summary.Steps),
		zap.Int("optimizer_steps", summary.OptimizerSteps),
	}
	logger.Info("Training finished", append(fields, evalFields(summary.LastEval)...)...)
	return nil
}

// startHealthServer serves health and metrics endpoints when monitoring is
// enabled. The returned flag reports readiness.
func startHealthServer(logger *zap.Logger, cfg seqtune.Config) *atomic.Bool {
	ready := &atomic.Bool{}
	if cfg.UseMonitoring {
		healthserver.Start(logger, cfg.MetricsPort, ready.Load)
	}
	return ready
}

func evalFields(e *seqtune.EvalSummary) []zap.Field {
	if e == nil {
		return nil
	}
	fields := []zap.Field{
		zap.Int("exact_match_with_eos", e.ExactMatchWithEOS),
		zap.Int("exact_match_no_eos", e.ExactMatchNoEOS),
		zap.Int("examples", e.Examples),
	}
	if e.HasLoss {
		fields = append(fields, zap.Float64("NLL", e.NLL))
	}
	return fields
}

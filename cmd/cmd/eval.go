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
	"syscall"

	"github.com/antflydb/seqtune"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var evalCmd = &cobra.Command{
	Use:   "eval",
	Short: "Evaluate a model on the validation split",
	Long: `Generate summaries for <data-dir>/val.source and compare them with
val.target, without training.

The onnx backend evaluates exported HuggingFace models as a baseline; it
reports exact matches only since the runtime does not expose a loss.

Examples:
  # Evaluate a fine-tuned model
  seqtune eval --model ./save/text-summarization-01/model

  # Baseline of the pretrained ONNX export
  seqtune eval --model hf:lmqg/t5-small-squad-qg --backend onnx`,
	PreRun: func(cmd *cobra.Command, _ []string) { bindRunFlags(cmd) },
	RunE:   runEval,
}

func init() {
	rootCmd.AddCommand(evalCmd)
	addRunFlags(evalCmd)
}

func runEval(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := newLogger()
	defer func() {
		_ = logger.Sync()
	}()

	cfg := configFromViper()
	ready := startHealthServer(logger, cfg)
	ready.Store(true)

	summary, err := seqtune.Evaluate(ctx, cfg, logger)
	if err != nil {
		return err
	}
	logger.Info("Evaluation finished",
		append([]zap.Field{zap.String("record_dir", summary.RecordDir)}, evalFields(summary.LastEval)...)...)
	return nil
}

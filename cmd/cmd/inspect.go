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
	"os"
	"os/signal"
	"syscall"

	json "github.com/antflydb/antfly-go/libaf/json"
	"github.com/antflydb/seqtune"
	"github.com/spf13/cobra"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Report token length statistics of the data splits",
	Long: `Tokenize every split found in --data-dir with the model tokenizer and a
model independent BPE encoding (cl100k_base) and print, as JSON, the mean,
median, 90th and 99th percentile and maximum lengths together with how many
lines --max-src-len and --max-tgt-len would truncate.

Examples:
  seqtune inspect --data-dir ./data --model hf:google-t5/t5-small
  seqtune inspect --max-src-len 512 --max-tgt-len 64`,
	PreRun: func(cmd *cobra.Command, _ []string) { bindRunFlags(cmd) },
	RunE:   runInspect,
}

func init() {
	rootCmd.AddCommand(inspectCmd)
	addRunFlags(inspectCmd)
}

func runInspect(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := newLogger()
	defer func() {
		_ = logger.Sync()
	}()

	reports, err := seqtune.Inspect(ctx, configFromViper(), logger)
	if err != nil {
		return err
	}
	return json.NewEncoder(os.Stdout).Encode(reports)
}

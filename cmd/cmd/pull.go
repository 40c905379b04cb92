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
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/antflydb/seqtune/lib/modelregistry"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var pullCmd = &cobra.Command{
	Use:   "pull <model> [model...]",
	Short: "Pull model(s) from HuggingFace",
	Long: `Download the tokenizer, configuration and ONNX encoder/decoder files of
one or more seq2seq models from the HuggingFace Hub.

Models are stored under <models-dir>/<owner>/<name>/ together with a
model_manifest.json listing the file digests. The hf: prefix is optional.

Examples:
  # Pull T5-small
  seqtune pull hf:google-t5/t5-small

  # Pull a gated model
  seqtune pull --hf-token $TOKEN hf:google/flan-t5-base

  # Pull to a custom directory
  seqtune pull --models-dir /opt/seqtune/models lmqg/t5-small-squad-qg

  # Show which repository files would be downloaded
  seqtune pull --list hf:google-t5/t5-small`,
	Args: cobra.MinimumNArgs(1),
	RunE: runPull,
}

func init() {
	rootCmd.AddCommand(pullCmd)

	pullCmd.Flags().String("hf-token", "",
		"HuggingFace API token for gated models (or use HF_TOKEN env var)")
	pullCmd.Flags().Bool("list", false, "List the repository files and the ones a pull selects, without downloading")
}

func runPull(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	hfToken, _ := cmd.Flags().GetString("hf-token")
	listOnly, _ := cmd.Flags().GetBool("list")
	if hfToken == "" {
		hfToken = os.Getenv("HF_TOKEN")
	}

	logger := newLogger()
	defer func() {
		_ = logger.Sync()
	}()

	client := modelregistry.NewHuggingFaceClient(
		modelregistry.WithHFToken(hfToken),
		modelregistry.WithHFLogger(logger),
		modelregistry.WithHFProgressHandler(func(downloaded, total int64, filename string) {
			if total > 0 {
				fmt.Printf("  %s (%s)\n", filename, humanize.Bytes(uint64(total)))
			}
		}),
	)

	for _, arg := range args {
		ref, err := modelregistry.ParseModelRef(arg)
		if err != nil {
			return err
		}
		if ref.Owner == "" {
			return fmt.Errorf("huggingface models need owner/name: %q", arg)
		}
		ref.IsHuggingFace = true

		if listOnly {
			if err := listRepo(ctx, client, ref); err != nil {
				return err
			}
			continue
		}

		fmt.Printf("\n=== Pulling %s ===\n", ref)
		dir, err := client.Pull(ctx, ref, modelsDir)
		if err != nil {
			return fmt.Errorf("failed to pull %s: %w", arg, err)
		}

		manifest, err := modelregistry.LoadManifest(dir)
		if err != nil {
			fmt.Printf("Pulled %s to %s\n", ref, dir)
			continue
		}
		var size int64
		for _, f := range manifest.Files {
			size += f.Size
		}
		fmt.Printf("Pulled %s to %s (%d files, %s)\n", ref, dir, len(manifest.Files), humanize.Bytes(uint64(size)))
	}
	return nil
}

func listRepo(ctx context.Context, client *modelregistry.HuggingFaceClient, ref modelregistry.ModelRef) error {
	files, err := client.ListRepoFiles(ctx, ref.FullName())
	if err != nil {
		return fmt.Errorf("failed to list %s: %w", ref, err)
	}
	selected := modelregistry.SelectSeq2SeqFiles(files)
	fmt.Printf("\n=== %s: %d files, %d selected ===\n", ref, len(files), len(selected))
	for _, f := range selected {
		fmt.Printf("  %s\n", f)
	}
	return nil
}

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
	"os"
	"strings"

	"github.com/antflydb/seqtune"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// addRunFlags registers the run options on cmd with the defaults of
// seqtune.DefaultConfig. Flag names map to viper keys by replacing "-" with
// "_".
func addRunFlags(cmd *cobra.Command) {
	d := seqtune.DefaultConfig()
	f := cmd.Flags()

	f.String("name", d.Name, "run name, prefix of the record directory")
	f.String("data-dir", d.DataDir, "directory with <split>.source and <split>.target files")
	f.String("save-dir", d.SaveDir, "directory receiving record directories")
	f.String("model", d.Model, "model reference (hf:owner/name, owner/name, name) or directory")
	f.String("backend", d.Backend, "model backend (gomlx, scratch, onnx)")
	f.Int("hidden-size", d.HiddenSize, "hidden size of a newly initialized scratch model")
	f.String("hf-token", "", "HuggingFace API token for gated models (or use HF_TOKEN env var)")

	f.Int("epochs", d.Epochs, "number of training epochs")
	f.Float64("lr", d.LearningRate, "peak learning rate")
	f.Float64("adam-eps", d.AdamEpsilon, "AdamW epsilon")
	f.Float64("weight-decay", d.WeightDecay, "AdamW decoupled weight decay")
	f.Int("warmup", d.WarmupSteps, "linear warmup steps")
	f.Float64("max-grad", d.MaxGradNorm, "maximum global gradient norm, 0 disables clipping")

	f.Int("num-train", d.NumTrain, "number of training examples, -1 for all")
	f.Int("num-val", d.NumVal, "number of validation examples, -1 for all")
	f.Int("batch-size", d.BatchSize, "examples per batch")
	f.Int("workers", d.Workers, "tokenization and batch assembly workers")
	f.Int("max-src-len", d.MaxSourceLen, "source length in tokens")
	f.Int("max-tgt-len", d.MaxTargetLen, "target length in tokens")
	f.Uint64("seed", d.Seed, "seed for parameter initialization and shuffling")
	f.Duration("encoding-cache-ttl", d.EncodingCacheTTL, "lifetime of cached line encodings, 0 disables the cache")

	f.Bool("skip-special-tokens", d.SkipSpecialTokens, "strip special tokens from decoded predictions")
	f.Int("num-visuals", d.NumVisuals, "predictions emitted as text events per evaluation")
	f.Bool("save-every-epoch", d.SaveEveryEpoch, "save the model after every evaluation")
	f.Bool("use-monitoring", d.UseMonitoring, "serve scalars as Prometheus metrics")
	f.Int("metrics-port", d.MetricsPort, "health/metrics server port")
}

// bindRunFlags binds the flags of cmd to viper. Commands sharing flag names
// bind when they run so that the last registered command does not win.
func bindRunFlags(cmd *cobra.Command) {
	cmd.Flags().VisitAll(func(flag *pflag.Flag) {
		mustBindPFlag(strings.ReplaceAll(flag.Name, "-", "_"), flag)
	})
}

func configFromViper() seqtune.Config {
	hfToken := viper.GetString("hf_token")
	if hfToken == "" {
		hfToken = os.Getenv("HF_TOKEN")
	}
	return seqtune.Config{
		Name:              viper.GetString("name"),
		DataDir:           viper.GetString("data_dir"),
		SaveDir:           viper.GetString("save_dir"),
		Model:             viper.GetString("model"),
		ModelsDir:         modelsDir,
		Backend:           viper.GetString("backend"),
		HiddenSize:        viper.GetInt("hidden_size"),
		HFToken:           hfToken,
		Epochs:            viper.GetInt("epochs"),
		LearningRate:      viper.GetFloat64("lr"),
		AdamEpsilon:       viper.GetFloat64("adam_eps"),
		WeightDecay:       viper.GetFloat64("weight_decay"),
		WarmupSteps:       viper.GetInt("warmup"),
		MaxGradNorm:       viper.GetFloat64("max_grad"),
		NumTrain:          viper.GetInt("num_train"),
		NumVal:            viper.GetInt("num_val"),
		BatchSize:         viper.GetInt("batch_size"),
		Workers:           viper.GetInt("workers"),
		MaxSourceLen:      viper.GetInt("max_src_len"),
		MaxTargetLen:      viper.GetInt("max_tgt_len"),
		Seed:              viper.GetUint64("seed"),
		EncodingCacheTTL:  viper.GetDuration("encoding_cache_ttl"),
		SkipSpecialTokens: viper.GetBool("skip_special_tokens"),
		NumVisuals:        viper.GetInt("num_visuals"),
		SaveEveryEpoch:    viper.GetBool("save_every_epoch"),
		UseMonitoring:     viper.GetBool("use_monitoring"),
		MetricsPort:       viper.GetInt("metrics_port"),
	}
}

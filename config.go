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

// Package seqtune fine-tunes and evaluates sequence-to-sequence summarization
// models on paired source/target text files.
package seqtune

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

// Model backends.
const (
	// BackendGoMLX fine-tunes pretrained ONNX weights, or a model saved by
	// BackendScratch, with GoMLX.
	BackendGoMLX = "gomlx"
	// BackendScratch trains a small transformer initialized from the seed.
	// Only the tokenizer and special tokens of the model directory are used.
	BackendScratch = "scratch"
	// BackendONNX runs an exported encoder-decoder through hugot. It can only
	// be evaluated.
	BackendONNX = "onnx"
)

// Config holds every option of a run. It is built once at process start and
// passed to the components that need it.
type Config struct {
	// Name prefixes the record directory created under SaveDir.
	Name    string `json:"name"`
	DataDir string `json:"data_dir"`
	SaveDir string `json:"save_dir"`

	// Model is a model reference (hf:owner/name, owner/name, name) or a
	// directory path.
	Model     string `json:"model"`
	ModelsDir string `json:"models_dir"`
	Backend   string `json:"backend"`
	// HiddenSize sizes a freshly initialized scratch model.
	HiddenSize int    `json:"hidden_size"`
	HFToken    string `json:"-"`

	Epochs       int     `json:"epochs"`
	LearningRate float64 `json:"lr"`
	AdamEpsilon  float64 `json:"adam_eps"`
	WeightDecay  float64 `json:"weight_decay"`
	WarmupSteps  int     `json:"warmup"`
	MaxGradNorm  float64 `json:"max_grad"`

	// NumTrain and NumVal keep only the first N examples when positive.
	NumTrain     int    `json:"num_train"`
	NumVal       int    `json:"num_val"`
	BatchSize    int    `json:"batch_size"`
	Workers      int    `json:"workers"`
	MaxSourceLen int    `json:"max_src_len"`
	MaxTargetLen int    `json:"max_tgt_len"`
	Seed         uint64 `json:"seed"`

	// EncodingCacheTTL keeps tokenized lines for reuse; 0 disables the cache.
	EncodingCacheTTL time.Duration `json:"encoding_cache_ttl"`

	// SkipSpecialTokens strips pad and end-of-sequence tokens from decoded
	// predictions.
	SkipSpecialTokens bool `json:"skip_special_tokens"`
	NumVisuals        int  `json:"num_visuals"`
	SaveEveryEpoch    bool `json:"save_every_epoch"`

	// UseMonitoring exports scalars as Prometheus gauges on MetricsPort.
	UseMonitoring bool `json:"use_monitoring"`
	MetricsPort   int  `json:"metrics_port"`
}

// DefaultConfig returns the defaults of a T5-small summarization run.
func DefaultConfig() Config {
	return Config{
		Name:             "text-summarization",
		DataDir:          "./data",
		SaveDir:          "./save",
		Model:            "t5-small",
		ModelsDir:        DefaultModelsDir(),
		Backend:          BackendGoMLX,
		HiddenSize:       64,
		Epochs:           200,
		LearningRate:     1e-4,
		AdamEpsilon:      1e-8,
		WarmupSteps:      0,
		MaxGradNorm:      1.0,
		NumTrain:         -1,
		NumVal:           -1,
		BatchSize:        16,
		Workers:          4,
		MaxSourceLen:     1200,
		MaxTargetLen:     120,
		Seed:             42,
		EncodingCacheTTL: 10 * time.Minute,
		NumVisuals:       3,
		MetricsPort:      4200,
	}
}

// DefaultModelsDir returns ~/.seqtune/models, or ./models without a home
// directory.
func DefaultModelsDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "models"
	}
	return filepath.Join(home, ".seqtune", "models")
}

// Validate checks option ranges.
func (c Config) Validate() error {
	var errs []error
	if c.Model == "" {
		errs = append(errs, errors.New("model is required"))
	}
	if !slices.Contains([]string{BackendGoMLX, BackendScratch, BackendONNX}, c.Backend) {
		errs = append(errs, fmt.Errorf("backend must be %s, %s or %s, got %q", BackendGoMLX, BackendScratch, BackendONNX, c.Backend))
	}
	if c.Epochs < 0 {
		errs = append(errs, fmt.Errorf("epochs must not be negative, got %d", c.Epochs))
	}
	if c.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("batch size must be positive, got %d", c.BatchSize))
	}
	if c.MaxSourceLen <= 0 || c.MaxTargetLen <= 0 {
		errs = append(errs, fmt.Errorf("max lengths must be positive, got source %d target %d", c.MaxSourceLen, c.MaxTargetLen))
	}
	if c.LearningRate < 0 || c.AdamEpsilon <= 0 {
		errs = append(errs, fmt.Errorf("invalid optimizer settings lr=%g eps=%g", c.LearningRate, c.AdamEpsilon))
	}
	if c.WarmupSteps < 0 || c.MaxGradNorm < 0 {
		errs = append(errs, fmt.Errorf("warmup and max grad norm must not be negative"))
	}
	if c.Workers < 0 {
		errs = append(errs, fmt.Errorf("workers must not be negative, got %d", c.Workers))
	}
	if c.Backend == BackendScratch && c.HiddenSize <= 0 {
		errs = append(errs, fmt.Errorf("hidden size must be positive, got %d", c.HiddenSize))
	}
	if strings.ContainsAny(c.Name, `/\`) {
		errs = append(errs, fmt.Errorf("name must not contain path separators: %q", c.Name))
	}
	return errors.Join(errs...)
}

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
	"time"

	"github.com/antflydb/seqtune/lib/modelregistry"
	"github.com/antflydb/seqtune/lib/seq2seq"
	"github.com/antflydb/seqtune/lib/tokenizer"
	"go.uber.org/zap"
)

// LoadedModel is a model together with the tokenizer it was trained with.
type LoadedModel struct {
	// Name identifies the model in logs and metrics.
	Name      string
	Dir       string
	Backend   string
	Model     seq2seq.Model
	Tokenizer tokenizer.Tokenizer
	Codec     *tokenizer.FixedLengthEncoder
}

// Trainable returns the model as a seq2seq.Trainable when the backend can be
// fine-tuned.
func (m *LoadedModel) Trainable() (seq2seq.Trainable, bool) {
	t, ok := m.Model.(seq2seq.Trainable)
	return t, ok
}

// Close releases the model.
func (m *LoadedModel) Close() error {
	return m.Model.Close()
}

// vocabSizer is implemented by tokenizers that know their vocabulary size.
type vocabSizer interface {
	VocabSize() int
}

// LoadModel resolves cfg.Model to a local directory, pulling hf: references
// from the HuggingFace Hub when they are not in cfg.ModelsDir yet, and loads
// its tokenizer and the configured backend.
func LoadModel(ctx context.Context, cfg Config, logger *zap.Logger) (*LoadedModel, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	start := time.Now()

	name, dir, err := resolveModelDir(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	tok, err := tokenizer.Load(dir)
	if err != nil {
		return nil, fmt.Errorf("loading tokenizer for %s: %w", name, err)
	}
	codec, err := tokenizer.NewFixedLengthEncoder(tok)
	if err != nil {
		return nil, fmt.Errorf("creating encoder for %s: %w", name, err)
	}

	var model seq2seq.Model
	switch cfg.Backend {
	case BackendGoMLX:
		model, err = loadGraphModel(cfg, dir, tok, codec, logger)
	case BackendScratch:
		model, err = loadScratchModel(cfg, dir, tok, codec, logger)
	case BackendONNX:
		model, err = loadHugotModel(cfg, dir, codec, logger)
	default:
		err = fmt.Errorf("unknown backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("loading %s model %s: %w", cfg.Backend, name, err)
	}

	duration := time.Since(start)
	RecordModelLoadDuration(name, cfg.Backend, duration.Seconds())
	logger.Info("Loaded model",
		zap.String("model", name),
		zap.String("dir", dir),
		zap.String("backend", cfg.Backend),
		zap.Int("pad_id", codec.PadID()),
		zap.Int("eos_id", codec.EOSID()),
		zap.Duration("duration", duration))

	return &LoadedModel{
		Name:      name,
		Dir:       dir,
		Backend:   cfg.Backend,
		Model:     model,
		Tokenizer: tok,
		Codec:     codec,
	}, nil
}

func resolveModelDir(ctx context.Context, cfg Config, logger *zap.Logger) (name, dir string, err error) {
	if info, err := os.Stat(cfg.Model); err == nil && info.IsDir() {
		return cfg.Model, cfg.Model, nil
	}

	ref, err := modelregistry.ParseModelRef(cfg.Model)
	if err != nil {
		return "", "", err
	}
	dir = modelregistry.ResolvePath(cfg.ModelsDir, ref)
	if _, err := os.Stat(dir); err == nil {
		return ref.FullName(), dir, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", "", fmt.Errorf("checking model directory: %w", err)
	}

	if !ref.IsHuggingFace {
		return "", "", fmt.Errorf("model %s not found in %s (use hf:%s to pull it)", ref, cfg.ModelsDir, ref.FullName())
	}

	client := modelregistry.NewHuggingFaceClient(
		modelregistry.WithHFToken(cfg.HFToken),
		modelregistry.WithHFLogger(logger.Named("huggingface")),
	)
	dir, err = client.Pull(ctx, ref, cfg.ModelsDir)
	if err != nil {
		return "", "", fmt.Errorf("pulling %s: %w", ref, err)
	}
	return ref.FullName(), dir, nil
}

func optimizerConfig(cfg Config) seq2seq.OptimizerConfig {
	return seq2seq.OptimizerConfig{
		Epsilon:     cfg.AdamEpsilon,
		WeightDecay: cfg.WeightDecay,
		MaxGradNorm: cfg.MaxGradNorm,
	}
}

// loadGraphModel restores a fine-tuned scratch model saved in dir, or loads
// the pretrained encoder and decoder exported to dir as trainable GoMLX
// graphs.
func loadGraphModel(cfg Config, dir string, tok tokenizer.Tokenizer, codec tokenizer.TextCodec, logger *zap.Logger) (*seq2seq.GraphModel, error) {
	if seq2seq.IsScratchModel(dir) {
		return loadScratchModel(cfg, dir, tok, codec, logger)
	}
	logger = logger.Named("gomlx")

	base := seq2seq.GraphConfig{
		PadTokenID:          codec.PadID(),
		DecoderStartTokenID: codec.PadID(),
		EOSTokenID:          codec.EOSID(),
		MaxGenerateLength:   cfg.MaxTargetLen,
		Optimizer:           optimizerConfig(cfg),
	}
	if vs, ok := tok.(vocabSizer); ok {
		base.VocabSize = vs.VocabSize()
	}
	config, err := seq2seq.PretrainedConfigFromModelDir(dir, base)
	if err != nil {
		return nil, err
	}
	model, err := seq2seq.NewPretrainedModel(dir, config, logger)
	if err != nil {
		return nil, fmt.Errorf("%w (use --backend %s to train a randomly initialized model)", err, BackendScratch)
	}
	return model, nil
}

// loadScratchModel restores a fine-tuned scratch model saved in dir or
// initializes a new one sized for the tokenizer.
func loadScratchModel(cfg Config, dir string, tok tokenizer.Tokenizer, codec tokenizer.TextCodec, logger *zap.Logger) (*seq2seq.GraphModel, error) {
	logger = logger.Named("scratch")

	var (
		model  *seq2seq.GraphModel
		config seq2seq.ScratchConfig
		err    error
	)
	if seq2seq.IsScratchModel(dir) {
		model, err = seq2seq.LoadScratchModel(dir, optimizerConfig(cfg), logger)
		if err != nil {
			return nil, err
		}
	} else {
		base := seq2seq.DefaultScratchConfig()
		base.HiddenSize = cfg.HiddenSize
		base.MaxPositions = max(base.MaxPositions, cfg.MaxTargetLen, cfg.MaxSourceLen)
		base.MaxGenerateLength = cfg.MaxTargetLen
		base.PadTokenID = codec.PadID()
		base.DecoderStartTokenID = codec.PadID()
		if eos := codec.EOSID(); eos >= 0 {
			base.EOSTokenID = eos
		}
		base.Seed = cfg.Seed
		if vs, ok := tok.(vocabSizer); ok {
			base.VocabSize = vs.VocabSize()
		}

		config, err = seq2seq.ScratchConfigFromModelDir(dir, base)
		if err != nil {
			return nil, err
		}
		model, err = seq2seq.NewScratchModel(config, optimizerConfig(cfg), logger)
		if err != nil {
			return nil, err
		}
		logger.Warn("Training a randomly initialized model; pretrained weights are not used by this backend",
			zap.String("dir", dir),
			zap.Uint64("seed", config.Seed))
	}

	if positions := model.Config().MaxTargetPositions; positions < cfg.MaxTargetLen {
		_ = model.Close()
		return nil, fmt.Errorf("model supports %d target positions, max target length is %d",
			positions, cfg.MaxTargetLen)
	}
	model.SetMaxGenerateLength(cfg.MaxTargetLen)
	return model, nil
}

// loadHugotModel loads an inference-only ONNX export.
func loadHugotModel(cfg Config, dir string, codec tokenizer.TextCodec, logger *zap.Logger) (*seq2seq.HugotModel, error) {
	if !seq2seq.IsONNXModel(dir) {
		return nil, fmt.Errorf("%s does not contain %s, %s and %s",
			dir, seq2seq.EncoderFile, seq2seq.DecoderInitFile, seq2seq.DecoderFile)
	}
	return seq2seq.NewHugotModel(dir, seq2seq.HugotConfig{
		MaxLength:           cfg.MaxTargetLen,
		MaxSourceLength:     cfg.MaxSourceLen,
		DecoderStartTokenID: codec.PadID(),
	}, logger.Named("hugot"))
}

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

package seq2seq

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bytedance/sonic"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	mlctx "github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"go.uber.org/zap"
)

// ScratchConfigFile holds the ScratchConfig of a saved scratch model. The
// variables are stored next to it as a GoMLX checkpoint.
const ScratchConfigFile = "seqtune_model.json"

// ScratchConfig describes a small transformer encoder-decoder initialized
// from a seed rather than from pretrained weights.
type ScratchConfig struct {
	VocabSize           int    `json:"vocab_size"`
	HiddenSize          int    `json:"hidden_size"`
	NumHeads            int    `json:"num_heads"`
	MaxPositions        int    `json:"max_positions"`
	MaxGenerateLength   int    `json:"max_generate_length"`
	DecoderStartTokenID int    `json:"decoder_start_token_id"`
	PadTokenID          int    `json:"pad_token_id"`
	EOSTokenID          int    `json:"eos_token_id"`
	Seed                uint64 `json:"seed"`
}

// DefaultScratchConfig returns T5-style special tokens (pad 0 doubles as the
// decoder start token, eos 1) with a small hidden size. VocabSize must be set.
func DefaultScratchConfig() ScratchConfig {
	return ScratchConfig{
		HiddenSize:   64,
		NumHeads:     2,
		MaxPositions: 512,
		EOSTokenID:   1,
		Seed:         42,
	}
}

// Validate checks the shape and that the special tokens are in the vocabulary.
func (c ScratchConfig) Validate() error {
	if c.VocabSize <= 0 {
		return fmt.Errorf("vocab size must be positive, got %d", c.VocabSize)
	}
	if c.HiddenSize <= 0 || c.NumHeads <= 0 {
		return fmt.Errorf("hidden size and heads must be positive, got %d and %d", c.HiddenSize, c.NumHeads)
	}
	if c.MaxPositions <= 0 {
		return fmt.Errorf("max positions must be positive, got %d", c.MaxPositions)
	}
	for name, id := range map[string]int{
		"decoder start": c.DecoderStartTokenID,
		"pad":           c.PadTokenID,
		"eos":           c.EOSTokenID,
	} {
		if id < 0 || id >= c.VocabSize {
			return fmt.Errorf("%s token id %d outside vocabulary of %d", name, id, c.VocabSize)
		}
	}
	return nil
}

func (c ScratchConfig) graphConfig(opt OptimizerConfig) GraphConfig {
	return GraphConfig{
		VocabSize:           c.VocabSize,
		DecoderStartTokenID: c.DecoderStartTokenID,
		PadTokenID:          c.PadTokenID,
		EOSTokenID:          c.EOSTokenID,
		MaxGenerateLength:   min(max(c.MaxGenerateLength, 0), c.MaxPositions),
		MaxTargetPositions:  c.MaxPositions,
		Optimizer:           opt,
	}
}

// scratchGraph is one post-norm transformer layer on each side, with token
// embeddings shared by encoder and decoder and learned positions.
type scratchGraph struct {
	config     ScratchConfig
	checkpoint *checkpoints.Handler
	savedTo    string
}

func (s *scratchGraph) kind() string { return "scratch" }

func (s *scratchGraph) embed(ctx *mlctx.Context, ids *graph.Node) *graph.Node {
	x := layers.Embedding(ctx.In("shared"), ids, dtypes.Float32, s.config.VocabSize, s.config.HiddenSize)
	dims := x.Shape().Dimensions
	table := ctx.In("positions").VariableWithShape("embeddings",
		shapes.Make(dtypes.Float32, s.config.MaxPositions, s.config.HiddenSize))
	pos := graph.Slice(table.ValueGraph(ids.Graph()), graph.AxisRange(0, dims[1]))
	return graph.Add(x, graph.BroadcastToDims(graph.InsertAxes(pos, 0), dims...))
}

func (s *scratchGraph) headDim() int {
	return max(1, s.config.HiddenSize/s.config.NumHeads)
}

func (s *scratchGraph) feedForward(ctx *mlctx.Context, x *graph.Node) *graph.Node {
	h := layers.Dense(ctx.In("ffn_in"), x, true, 2*s.config.HiddenSize)
	h = activations.Relu(h)
	h = layers.Dense(ctx.In("ffn_out"), h, true, s.config.HiddenSize)
	return layers.LayerNormalization(ctx.In("ffn_norm"), graph.Add(x, h), -1).Done()
}

func keyMask(mask *graph.Node) *graph.Node {
	return graph.NotEqual(mask, graph.ZerosLike(mask))
}

func (s *scratchGraph) encode(ctx *mlctx.Context, ids, mask *graph.Node) *graph.Node {
	x := s.embed(ctx, ids)
	enc := ctx.In("encoder")
	attn := layers.MultiHeadAttention(enc.In("self_attention"), x, x, x, s.config.NumHeads, s.headDim()).
		SetKeyMask(keyMask(mask)).
		Done()
	x = layers.LayerNormalization(enc.In("attention_norm"), graph.Add(x, attn), -1).Done()
	return s.feedForward(enc, x)
}

func (s *scratchGraph) decode(ctx *mlctx.Context, decoderIDs, hidden, mask *graph.Node) *graph.Node {
	x := s.embed(ctx, decoderIDs)
	dec := ctx.In("decoder")
	self := layers.MultiHeadAttention(dec.In("self_attention"), x, x, x, s.config.NumHeads, s.headDim()).
		UseCausalMask().
		Done()
	x = layers.LayerNormalization(dec.In("attention_norm"), graph.Add(x, self), -1).Done()
	cross := layers.MultiHeadAttention(dec.In("cross_attention"), x, hidden, hidden, s.config.NumHeads, s.headDim()).
		SetKeyMask(keyMask(mask)).
		Done()
	x = layers.LayerNormalization(dec.In("cross_norm"), graph.Add(x, cross), -1).Done()
	x = s.feedForward(dec, x)
	return layers.Dense(ctx.In("lm_head"), x, true, s.config.VocabSize)
}

// save writes the config as JSON and the variables, optimizer state included,
// as a GoMLX checkpoint. Repeated saves to one directory reuse its handler.
func (s *scratchGraph) save(ctx *mlctx.Context, dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating model directory: %w", err)
	}
	data, err := sonic.ConfigStd.MarshalIndent(s.config, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding model config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ScratchConfigFile), data, 0644); err != nil {
		return fmt.Errorf("writing model config: %w", err)
	}

	if s.checkpoint == nil || s.savedTo != dir {
		h, err := checkpoints.Build(ctx).Dir(dir).Done()
		if err != nil {
			return fmt.Errorf("creating checkpoint: %w", err)
		}
		s.checkpoint, s.savedTo = h, dir
	}
	if err := s.checkpoint.Save(); err != nil {
		return fmt.Errorf("saving checkpoint: %w", err)
	}
	return nil
}

// NewScratchModel creates a scratch model. Its variables are initialized from
// config.Seed when first used.
func NewScratchModel(config ScratchConfig, opt OptimizerConfig, logger *zap.Logger) (*GraphModel, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scratch model config: %w", err)
	}
	ctx := mlctx.New()
	ctx.SetParam(mlctx.ParamInitialSeed, int64(config.Seed))
	return newScratchModel(config, opt, ctx, logger)
}

func newScratchModel(config ScratchConfig, opt OptimizerConfig, ctx *mlctx.Context, logger *zap.Logger) (*GraphModel, error) {
	m, err := newGraphModel(config.graphConfig(opt), &scratchGraph{config: config}, ctx, logger)
	if err != nil {
		return nil, err
	}
	m.logger.Debug("Initialized scratch seq2seq model",
		zap.Int("vocab_size", config.VocabSize),
		zap.Int("hidden_size", config.HiddenSize),
		zap.Int("num_heads", config.NumHeads),
		zap.Uint64("seed", config.Seed))
	return m, nil
}

// IsScratchModel reports whether dir contains a saved scratch model.
func IsScratchModel(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, ScratchConfigFile))
	return err == nil
}

// LoadScratchModel loads a model written by Save, including its optimizer
// state.
func LoadScratchModel(dir string, opt OptimizerConfig, logger *zap.Logger) (*GraphModel, error) {
	data, err := os.ReadFile(filepath.Join(dir, ScratchConfigFile))
	if err != nil {
		return nil, fmt.Errorf("reading model config: %w", err)
	}
	var config ScratchConfig
	if err := sonic.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing model config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scratch model config: %w", err)
	}

	ctx := mlctx.New()
	if _, err := checkpoints.Load(ctx).Dir(dir).Immediate().Done(); err != nil {
		return nil, fmt.Errorf("loading checkpoint: %w", err)
	}
	m, err := newScratchModel(config, opt, ctx, logger)
	if err != nil {
		return nil, err
	}
	m.logger.Info("Loaded scratch seq2seq model",
		zap.String("dir", dir),
		zap.Int("parameters", m.NumParameters()))
	return m, nil
}

// hfModelConfig is the subset of a HuggingFace config.json describing the
// vocabulary and special tokens.
type hfModelConfig struct {
	VocabSize           *int `json:"vocab_size"`
	DecoderStartTokenID *int `json:"decoder_start_token_id"`
	PadTokenID          *int `json:"pad_token_id"`
	EOSTokenID          *int `json:"eos_token_id"`
}

func readHFModelConfig(modelDir string) (*hfModelConfig, error) {
	data, err := os.ReadFile(filepath.Join(modelDir, "config.json"))
	if errors.Is(err, os.ErrNotExist) {
		return &hfModelConfig{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config.json: %w", err)
	}
	var raw hfModelConfig
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing config.json: %w", err)
	}
	return &raw, nil
}

func overlay(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

// ScratchConfigFromModelDir overlays the vocabulary size and special tokens
// of modelDir/config.json onto base. A missing config.json leaves base
// unchanged.
func ScratchConfigFromModelDir(modelDir string, base ScratchConfig) (ScratchConfig, error) {
	raw, err := readHFModelConfig(modelDir)
	if err != nil {
		return base, err
	}
	overlay(&base.VocabSize, raw.VocabSize)
	overlay(&base.DecoderStartTokenID, raw.DecoderStartTokenID)
	overlay(&base.PadTokenID, raw.PadTokenID)
	overlay(&base.EOSTokenID, raw.EOSTokenID)
	return base, nil
}

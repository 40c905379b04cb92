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
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	khugot "github.com/knights-analytics/hugot"
	"github.com/knights-analytics/hugot/pipelines"
	"go.uber.org/zap"
)

var _ Model = (*HugotModel)(nil)

// HugotConfig configures generation of a HugotModel.
type HugotConfig struct {
	// MaxLength is the maximum number of tokens to generate.
	MaxLength int
	// MaxSourceLength truncates the encoder input when positive.
	MaxSourceLength int
	// DecoderStartTokenID is dropped from the front of generated sequences
	// when the pipeline returns it. Negative disables stripping.
	DecoderStartTokenID int
}

// HugotModel runs an exported encoder-decoder ONNX model through hugot's
// Seq2SeqPipeline. It can only generate: the pipeline does not expose logits,
// so Forward returns ErrNotSupported.
type HugotModel struct {
	session  *khugot.Session
	pipeline *pipelines.Seq2SeqPipeline
	logger   *zap.Logger
	config   HugotConfig
}

// NewHugotModel creates a model from a directory holding encoder.onnx,
// decoder-init.onnx and decoder.onnx plus the tokenizer files.
func NewHugotModel(modelPath string, config HugotConfig, logger *zap.Logger) (*HugotModel, error) {
	if modelPath == "" {
		return nil, errors.New("model path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MaxLength <= 0 {
		config.MaxLength = 64
	}

	logger.Info("Initializing Hugot seq2seq model",
		zap.String("modelPath", modelPath),
		zap.Int("max_length", config.MaxLength))

	session, err := khugot.NewGoSession()
	if err != nil {
		logger.Error("Failed to create Hugot session", zap.Error(err))
		return nil, fmt.Errorf("creating hugot session: %w", err)
	}

	pipelineConfig := khugot.Seq2SeqConfig{
		ModelPath: modelPath,
		Name:      fmt.Sprintf("seq2seq:%s", filepath.Base(modelPath)),
		Options: []khugot.Seq2SeqOption{
			pipelines.WithSeq2SeqMaxTokens(config.MaxLength),
			pipelines.WithNumReturnSequences(1),
		},
	}
	pipeline, err := khugot.NewPipeline(session, pipelineConfig)
	if err != nil {
		session.Destroy()
		logger.Error("Failed to create Seq2Seq pipeline", zap.Error(err))
		return nil, fmt.Errorf("creating Seq2Seq pipeline: %w", err)
	}

	return &HugotModel{
		session:  session,
		pipeline: pipeline,
		logger:   logger,
		config:   config,
	}, nil
}

// Forward is not supported by the ONNX runtime pipeline.
func (h *HugotModel) Forward(context.Context, *Inputs, Mode) (*Output, error) {
	return nil, ErrNotSupported
}

// Generate runs the pipeline on the already tokenized SourceIDs, truncated to
// MaxSourceLength. Without SourceIDs the pipeline tokenizes SourceText itself.
func (h *HugotModel) Generate(ctx context.Context, in *Inputs) ([][]int, error) {
	if in == nil || (len(in.SourceIDs) == 0 && len(in.SourceText) == 0) {
		return [][]int{}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var (
		output *pipelines.Seq2SeqOutput
		err    error
		size   int
	)
	if len(in.SourceIDs) > 0 {
		size = len(in.SourceIDs)
		h.logger.Debug("Starting Seq2Seq generation", zap.Int("num_inputs", size))
		output, err = h.run(sourceBatch(in, h.config.MaxSourceLength, h.pipeline.PadTokenID))
	} else {
		size = len(in.SourceText)
		h.logger.Debug("Starting Seq2Seq generation from text", zap.Int("num_inputs", size))
		output, err = h.pipeline.RunPipeline(in.SourceText)
	}
	if err != nil {
		return nil, fmt.Errorf("running Seq2Seq pipeline: %w", err)
	}
	if len(output.GeneratedTokens) != size {
		return nil, fmt.Errorf("pipeline returned %d outputs for %d inputs", len(output.GeneratedTokens), size)
	}

	generated := make([][]int, len(output.GeneratedTokens))
	for i, sequences := range output.GeneratedTokens {
		if len(sequences) == 0 {
			generated[i] = []int{}
			continue
		}
		generated[i] = h.toIDs(sequences[0])
	}
	return generated, nil
}

// run encodes and decodes a tokenized batch.
func (h *HugotModel) run(batch *pipelines.Seq2SeqBatch) (*pipelines.Seq2SeqOutput, error) {
	defer batch.Destroy()
	if err := h.pipeline.Encode(batch); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	if err := h.pipeline.Generate(batch); err != nil {
		return nil, fmt.Errorf("generate: %w", err)
	}
	return h.pipeline.Postprocess(batch)
}

// sourceBatch builds a pipeline batch from token ids, truncating each row to
// maxLen when positive and padding to the longest row. A missing mask marks
// every kept token as valid.
func sourceBatch(in *Inputs, maxLen int, padID int64) *pipelines.Seq2SeqBatch {
	batch := pipelines.NewSeq2SeqBatch(len(in.SourceIDs))
	batch.Inputs = in.SourceText
	width := 0
	for _, row := range in.SourceIDs {
		n := len(row)
		if maxLen > 0 {
			n = min(n, maxLen)
		}
		width = max(width, n)
	}

	batch.InputTokenIDs = make([][]int64, len(in.SourceIDs))
	batch.InputAttentionMask = make([][]int64, len(in.SourceIDs))
	for i, row := range in.SourceIDs {
		ids := make([]int64, width)
		mask := make([]int64, width)
		for j := range width {
			if j >= len(row) {
				ids[j] = padID
				continue
			}
			ids[j] = int64(row[j])
			mask[j] = 1
			if i < len(in.SourceMask) && j < len(in.SourceMask[i]) {
				mask[j] = int64(in.SourceMask[i][j])
			}
		}
		batch.InputTokenIDs[i] = ids
		batch.InputAttentionMask[i] = mask
	}
	batch.MaxInputLength = width
	return batch
}

func (h *HugotModel) toIDs(tokens []uint32) []int {
	ids := make([]int, 0, len(tokens))
	for i, tok := range tokens {
		if i == 0 && h.config.DecoderStartTokenID >= 0 && int(tok) == h.config.DecoderStartTokenID {
			continue
		}
		ids = append(ids, int(tok))
	}
	return ids
}

// Close releases the pipeline and the session.
func (h *HugotModel) Close() error {
	var errs []error
	if h.pipeline != nil {
		if err := h.pipeline.Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("destroying pipeline: %w", err))
		}
	}
	if h.session != nil {
		h.session.Destroy()
	}
	return errors.Join(errs...)
}

// IsONNXModel reports whether modelPath holds the ONNX files of an exported
// encoder-decoder (encoder.onnx, decoder-init.onnx, decoder.onnx).
func IsONNXModel(modelPath string) bool {
	for _, file := range []string{EncoderFile, DecoderInitFile, DecoderFile} {
		if _, err := os.Stat(filepath.Join(modelPath, file)); err != nil {
			return false
		}
	}
	return true
}

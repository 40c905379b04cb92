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

	"github.com/gomlx/gomlx/pkg/core/graph"
	mlctx "github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/onnx-gomlx/onnx"
	"go.uber.org/zap"
)

// ONNX files of an exported encoder-decoder, as pulled from the Hub.
const (
	EncoderFile     = "encoder.onnx"
	DecoderInitFile = "decoder-init.onnx"
	DecoderFile     = "decoder.onnx"
)

const (
	encoderScope = "encoder"
	decoderScope = "decoder"
)

// onnxGraph runs the exported encoder and full-sequence decoder as GoMLX
// graphs. Their initializers are context variables, so they receive
// gradients and optimizer updates like any other layer.
type onnxGraph struct {
	encoder *onnx.Model
	decoder *onnx.Model
	// step is the KV-cache decoder used by ONNX runtimes. It shares its
	// weights with decoder-init.onnx and is rewritten on save when it can be.
	stepPath string
	logger   *zap.Logger
}

func (o *onnxGraph) kind() string { return "onnx" }

// callInputs keeps the candidates the model declares as inputs.
func callInputs(m *onnx.Model, candidates map[string]*graph.Node) map[string]*graph.Node {
	names, _ := m.Inputs()
	inputs := make(map[string]*graph.Node, len(names))
	for _, name := range names {
		if node, ok := candidates[name]; ok {
			inputs[name] = node
		}
	}
	return inputs
}

func (o *onnxGraph) encode(ctx *mlctx.Context, ids, mask *graph.Node) *graph.Node {
	inputs := callInputs(o.encoder, map[string]*graph.Node{
		"input_ids":      ids,
		"attention_mask": mask,
	})
	names, _ := o.encoder.Outputs()
	return o.encoder.CallGraph(ctx.In(encoderScope), ids.Graph(), inputs, names[0])[0]
}

func (o *onnxGraph) decode(ctx *mlctx.Context, decoderIDs, hidden, mask *graph.Node) *graph.Node {
	inputs := callInputs(o.decoder, map[string]*graph.Node{
		"input_ids":              decoderIDs,
		"encoder_hidden_states":  hidden,
		"encoder_attention_mask": mask,
	})
	names, _ := o.decoder.Outputs()
	return o.decoder.CallGraph(ctx.In(decoderScope), decoderIDs.Graph(), inputs, names[0])[0]
}

// save writes the updated weights back into the ONNX files so that the
// directory loads again with this backend or with hugot.
func (o *onnxGraph) save(ctx *mlctx.Context, dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating model directory: %w", err)
	}
	for _, part := range []struct {
		model *onnx.Model
		scope string
		file  string
	}{
		{o.encoder, encoderScope, EncoderFile},
		{o.decoder, decoderScope, DecoderInitFile},
	} {
		if err := part.model.ContextToONNX(ctx.In(part.scope)); err != nil {
			return fmt.Errorf("exporting %s: %w", part.file, err)
		}
		if err := part.model.SaveToFile(filepath.Join(dir, part.file)); err != nil {
			return fmt.Errorf("writing %s: %w", part.file, err)
		}
	}
	return o.saveStepDecoder(ctx, dir)
}

func (o *onnxGraph) saveStepDecoder(ctx *mlctx.Context, dir string) error {
	if o.stepPath == "" {
		return nil
	}
	dst := filepath.Join(dir, DecoderFile)
	if o.stepPath == dst {
		// Already rewritten by an earlier save to this directory.
		step, err := onnx.ReadFile(dst)
		if err == nil {
			if err = step.ContextToONNX(ctx.In(decoderScope)); err == nil {
				return step.SaveToFile(dst)
			}
		}
		return fmt.Errorf("updating %s: %w", DecoderFile, err)
	}

	step, err := onnx.ReadFile(o.stepPath)
	if err != nil {
		return fmt.Errorf("reading %s: %w", DecoderFile, err)
	}
	if err := step.ContextToONNX(ctx.In(decoderScope)); err != nil {
		o.logger.Warn("KV-cache decoder has weights the full decoder lacks, copying it unchanged",
			zap.String("file", o.stepPath),
			zap.Error(err))
		data, err := os.ReadFile(o.stepPath)
		if err != nil {
			return fmt.Errorf("reading %s: %w", DecoderFile, err)
		}
		return os.WriteFile(dst, data, 0644)
	}
	if err := step.SaveToFile(dst); err != nil {
		return fmt.Errorf("writing %s: %w", DecoderFile, err)
	}
	return nil
}

// PretrainedConfigFromModelDir overlays the vocabulary size and special
// tokens of modelDir/config.json onto base.
func PretrainedConfigFromModelDir(modelDir string, base GraphConfig) (GraphConfig, error) {
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

// NewPretrainedModel loads the encoder and full-sequence decoder exported to
// dir (encoder.onnx and decoder-init.onnx) into a trainable GraphModel.
// Integer initializers are kept fixed.
func NewPretrainedModel(dir string, config GraphConfig, logger *zap.Logger) (*GraphModel, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, file := range []string{EncoderFile, DecoderInitFile} {
		if _, err := os.Stat(filepath.Join(dir, file)); err != nil {
			return nil, fmt.Errorf("pretrained model needs %s: %w", file, err)
		}
	}

	encoder, err := onnx.ReadFile(filepath.Join(dir, EncoderFile))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", EncoderFile, err)
	}
	decoder, err := onnx.ReadFile(filepath.Join(dir, DecoderInitFile))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", DecoderInitFile, err)
	}
	if names, _ := encoder.Outputs(); len(names) == 0 {
		return nil, fmt.Errorf("%s declares no outputs", EncoderFile)
	}
	if names, _ := decoder.Outputs(); len(names) == 0 {
		return nil, fmt.Errorf("%s declares no outputs", DecoderInitFile)
	}

	ctx := mlctx.New()
	err = catchPanic(func() error {
		if err := encoder.VariablesToContext(ctx.In(encoderScope)); err != nil {
			return fmt.Errorf("loading encoder weights: %w", err)
		}
		if err := decoder.VariablesToContext(ctx.In(decoderScope)); err != nil {
			return fmt.Errorf("loading decoder weights: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	builder := &onnxGraph{
		encoder: encoder,
		decoder: decoder,
		logger:  logger,
	}
	if _, err := os.Stat(filepath.Join(dir, DecoderFile)); err == nil {
		builder.stepPath = filepath.Join(dir, DecoderFile)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("checking %s: %w", DecoderFile, err)
	}

	m, err := newGraphModel(config, builder, ctx, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("Loaded pretrained seq2seq weights",
		zap.String("dir", dir),
		zap.Int("parameters", m.NumParameters()),
		zap.Int("vocab_size", config.VocabSize))
	return m, nil
}

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
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

// Hand-encoded ONNX messages for a tiny exported encoder-decoder. The
// encoder embeds the source ids. The decoder embeds its ids, adds the mean
// encoder state and projects onto the vocabulary.

const (
	onnxFloat = 1
	onnxInt64 = 7

	attrInt  = 2
	attrInts = 7
)

func pbField(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func pbString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func pbVarint(b []byte, num protowire.Number, v int64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func onnxTensor(name string, dims []int64, values []float32) []byte {
	var b []byte
	for _, d := range dims {
		b = pbVarint(b, 1, d)
	}
	b = pbVarint(b, 2, onnxFloat)
	var packed []byte
	for _, v := range values {
		packed = protowire.AppendFixed32(packed, math.Float32bits(v))
	}
	b = pbField(b, 4, packed)
	return pbString(b, 8, name)
}

// onnxValue describes a graph input or output. A string dim is symbolic.
func onnxValue(name string, elemType int64, dims ...any) []byte {
	var shape []byte
	for _, d := range dims {
		var dim []byte
		switch d := d.(type) {
		case int:
			dim = pbVarint(dim, 1, int64(d))
		case string:
			dim = pbString(dim, 2, d)
		}
		shape = pbField(shape, 1, dim)
	}
	var tensorType []byte
	tensorType = pbVarint(tensorType, 1, elemType)
	tensorType = pbField(tensorType, 2, shape)
	typ := pbField(nil, 1, tensorType)

	b := pbString(nil, 1, name)
	return pbField(b, 2, typ)
}

func onnxNode(op string, inputs, outputs []string, attrs ...[]byte) []byte {
	var b []byte
	for _, in := range inputs {
		b = pbString(b, 1, in)
	}
	for _, out := range outputs {
		b = pbString(b, 2, out)
	}
	b = pbString(b, 3, op+"_"+outputs[0])
	b = pbString(b, 4, op)
	for _, a := range attrs {
		b = pbField(b, 5, a)
	}
	return b
}

func onnxIntsAttr(name string, values ...int64) []byte {
	b := pbString(nil, 1, name)
	var packed []byte
	for _, v := range values {
		packed = protowire.AppendVarint(packed, uint64(v))
	}
	b = pbField(b, 8, packed)
	return pbVarint(b, 20, attrInts)
}

func onnxIntAttr(name string, value int64) []byte {
	b := pbString(nil, 1, name)
	b = pbVarint(b, 3, value)
	return pbVarint(b, 20, attrInt)
}

func onnxModel(name string, nodes, initializers, inputs, outputs [][]byte) []byte {
	graph := pbString(nil, 2, name)
	for _, n := range nodes {
		graph = pbField(graph, 1, n)
	}
	for _, t := range initializers {
		graph = pbField(graph, 5, t)
	}
	for _, in := range inputs {
		graph = pbField(graph, 11, in)
	}
	for _, out := range outputs {
		graph = pbField(graph, 12, out)
	}
	opset := pbVarint(pbString(nil, 1, ""), 2, 13)

	b := pbVarint(nil, 1, 8)
	b = pbField(b, 7, graph)
	return pbField(b, 8, opset)
}

// fixtureWeights returns deterministic values for a [rows, cols] matrix.
func fixtureWeights(rows, cols int, scale float32) []float32 {
	values := make([]float32, rows*cols)
	for i := range values {
		values[i] = scale * float32((i*7)%11-5) / 5
	}
	return values
}

const (
	fixtureVocab  = 6
	fixtureHidden = 4
)

// writePretrainedFixture writes encoder.onnx, decoder-init.onnx, decoder.onnx
// and config.json to dir and returns the encoder embedding.
func writePretrainedFixture(t *testing.T, dir string) []float32 {
	t.Helper()
	embed := fixtureWeights(fixtureVocab, fixtureHidden, 0.5)
	encoder := onnxModel("encoder",
		[][]byte{onnxNode("Gather", []string{"embed", "input_ids"}, []string{"last_hidden_state"})},
		[][]byte{onnxTensor("embed", []int64{fixtureVocab, fixtureHidden}, embed)},
		[][]byte{
			onnxValue("input_ids", onnxInt64, "batch", "source"),
			onnxValue("attention_mask", onnxInt64, "batch", "source"),
		},
		[][]byte{onnxValue("last_hidden_state", onnxFloat, "batch", "source", fixtureHidden)},
	)

	decoderNodes := [][]byte{
		onnxNode("Gather", []string{"decoder/embed", "input_ids"}, []string{"x"}),
		onnxNode("ReduceMean", []string{"encoder_hidden_states"}, []string{"context"},
			onnxIntsAttr("axes", 1), onnxIntAttr("keepdims", 1)),
		onnxNode("Add", []string{"x", "context"}, []string{"h"}),
		onnxNode("MatMul", []string{"h", "lm_head"}, []string{"logits"}),
	}
	decoderWeights := [][]byte{
		onnxTensor("decoder/embed", []int64{fixtureVocab, fixtureHidden}, fixtureWeights(fixtureVocab, fixtureHidden, 0.3)),
		onnxTensor("lm_head", []int64{fixtureHidden, fixtureVocab}, fixtureWeights(fixtureHidden, fixtureVocab, 0.4)),
	}
	decoderInputs := [][]byte{
		onnxValue("encoder_attention_mask", onnxInt64, "batch", "source"),
		onnxValue("input_ids", onnxInt64, "batch", "target"),
		onnxValue("encoder_hidden_states", onnxFloat, "batch", "source", fixtureHidden),
	}
	decoderOutputs := [][]byte{onnxValue("logits", onnxFloat, "batch", "target", fixtureVocab)}
	decoderInit := onnxModel("decoder-init", decoderNodes, decoderWeights, decoderInputs, decoderOutputs)
	// The step decoder of a real export also takes past key values; sharing
	// the weights is what matters here.
	decoderStep := onnxModel("decoder", decoderNodes, decoderWeights, decoderInputs, decoderOutputs)

	for file, data := range map[string][]byte{
		EncoderFile:     encoder,
		DecoderInitFile: decoderInit,
		DecoderFile:     decoderStep,
		"config.json":   []byte(`{"vocab_size": 6, "decoder_start_token_id": 0, "pad_token_id": 0, "eos_token_id": 1}`),
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, file), data, 0644))
	}
	return embed
}

func newPretrainedTestModel(t *testing.T, dir string, opt OptimizerConfig) *GraphModel {
	t.Helper()
	cfg, err := PretrainedConfigFromModelDir(dir, GraphConfig{MaxGenerateLength: 4, Optimizer: opt})
	require.NoError(t, err)
	m, err := NewPretrainedModel(dir, cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func variableValues(t *testing.T, m *GraphModel, scope, name string) []float32 {
	t.Helper()
	v := m.ctx.InAbsPath("/" + scope + "/ONNX").GetVariable(name)
	require.NotNil(t, v, "%s/%s", scope, name)
	value, err := v.Value()
	require.NoError(t, err)
	values, err := tensors.CopyFlatData[float32](value)
	require.NoError(t, err)
	return values
}

func TestPretrainedModel_LoadsFileWeights(t *testing.T) {
	dir := t.TempDir()
	embed := writePretrainedFixture(t, dir)
	m := newPretrainedTestModel(t, dir, OptimizerConfig{})

	assert.Equal(t, fixtureVocab, m.Config().VocabSize)
	assert.Equal(t, 1, m.Config().EOSTokenID)
	assert.Equal(t, embed, variableValues(t, m, encoderScope, "embed"))
	assert.Equal(t, 2*fixtureVocab*fixtureHidden+fixtureHidden*fixtureVocab, m.NumParameters())

	// The loss only depends on the file, so two loads agree.
	in := &Inputs{SourceIDs: [][]int{{2, 3}}, Labels: [][]int{{4, 1}}}
	first, err := m.Forward(context.Background(), in, ModeEval)
	require.NoError(t, err)
	other := newPretrainedTestModel(t, dir, OptimizerConfig{})
	second, err := other.Forward(context.Background(), in, ModeEval)
	require.NoError(t, err)
	assert.InDelta(t, first.Loss, second.Loss, 1e-9)
	assert.Positive(t, first.Loss)
}

func TestPretrainedModel_TrainingLowersLoss(t *testing.T) {
	dir := t.TempDir()
	embed := writePretrainedFixture(t, dir)
	m := newPretrainedTestModel(t, dir, OptimizerConfig{MaxGradNorm: 1})
	ctx := context.Background()
	in := &Inputs{
		SourceIDs:  [][]int{{2, 3, 0}, {5, 0, 0}},
		SourceMask: [][]int{{1, 1, 0}, {1, 0, 0}},
		Labels:     [][]int{{4, 1}, {3, 1}},
	}

	var first, last float64
	for step := range 100 {
		stats, err := m.TrainStep(ctx, in, 0.05)
		require.NoError(t, err)
		if step == 0 {
			first = stats.Loss
		}
		last = stats.Loss
	}
	assert.Less(t, last, first)
	assert.NotEqual(t, embed, variableValues(t, m, encoderScope, "embed"), "encoder weights are trained")

	generated, err := m.Generate(ctx, &Inputs{SourceIDs: in.SourceIDs, SourceMask: in.SourceMask})
	require.NoError(t, err)
	require.Len(t, generated, 2)
	for _, seq := range generated {
		assert.NotEmpty(t, seq)
		assert.LessOrEqual(t, len(seq), 4)
	}
}

func TestPretrainedModel_SaveReload(t *testing.T) {
	dir := t.TempDir()
	writePretrainedFixture(t, dir)
	m := newPretrainedTestModel(t, dir, OptimizerConfig{})
	ctx := context.Background()
	in := &Inputs{SourceIDs: [][]int{{2, 3}}, Labels: [][]int{{4, 1}}}
	for range 5 {
		_, err := m.TrainStep(ctx, in, 0.05)
		require.NoError(t, err)
	}
	trained, err := m.Forward(ctx, in, ModeEval)
	require.NoError(t, err)

	out := filepath.Join(t.TempDir(), "model")
	require.NoError(t, m.Save(out))
	require.NoError(t, copyFile(filepath.Join(dir, "config.json"), filepath.Join(out, "config.json")))
	assert.True(t, IsONNXModel(out), "saved directory still loads with hugot")

	reloaded := newPretrainedTestModel(t, out, OptimizerConfig{})
	after, err := reloaded.Forward(ctx, in, ModeEval)
	require.NoError(t, err)
	assert.InDelta(t, trained.Loss, after.Loss, 1e-5)
	assert.Equal(t,
		variableValues(t, m, decoderScope, "decoder|embed"),
		variableValues(t, reloaded, decoderScope, "decoder|embed"))
}

func TestNewPretrainedModel_MissingFiles(t *testing.T) {
	_, err := NewPretrainedModel(t.TempDir(), GraphConfig{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), EncoderFile)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, EncoderFile), []byte("not onnx"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, DecoderInitFile), []byte("not onnx"), 0644))
	_, err = NewPretrainedModel(dir, GraphConfig{}, nil)
	require.Error(t, err)
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0644)
}

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
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/antflydb/seqtune/lib/dataset"
	"github.com/antflydb/seqtune/lib/monitor"
	"github.com/antflydb/seqtune/lib/seq2seq"
	"github.com/antflydb/seqtune/lib/tokenizer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testPad = 0
	testEOS = 1
)

// sliceSource serves prebuilt examples.
type sliceSource []dataset.Example

func (s sliceSource) Len() int                   { return len(s) }
func (s sliceSource) Get(i int) *dataset.Example { return &s[i] }

// makeExamples builds n examples whose target is the single token 5+i.
func makeExamples(n int) sliceSource {
	out := make(sliceSource, n)
	for i := range out {
		out[i] = dataset.Example{
			SourceIDs:  []int{5 + i, testEOS, testPad},
			SourceMask: []int{1, 1, 0},
			TargetIDs:  []int{5 + i, testEOS, testPad, testPad},
			TargetMask: []int{1, 1, 0, 0},
			SourceText: fmt.Sprintf("source %d", i),
			TargetText: fmt.Sprintf("target %d", i),
		}
	}
	return out
}

// echoModel reports the batch size as its loss and generates the first
// source token followed by the end-of-sequence token.
type echoModel struct {
	forwards []seq2seq.Mode
	lrs      []float64
	saved    []string
}

func newEchoModel() *echoModel {
	return &echoModel{}
}

func (m *echoModel) Forward(_ context.Context, in *seq2seq.Inputs, mode seq2seq.Mode) (*seq2seq.Output, error) {
	m.forwards = append(m.forwards, mode)
	return &seq2seq.Output{Loss: float64(len(in.SourceIDs))}, nil
}

func (m *echoModel) Generate(_ context.Context, in *seq2seq.Inputs) ([][]int, error) {
	out := make([][]int, len(in.SourceIDs))
	for i, ids := range in.SourceIDs {
		out[i] = []int{ids[0], testEOS}
	}
	return out, nil
}

func (m *echoModel) Close() error { return nil }

func (m *echoModel) NumParameters() int { return 1 }

func (m *echoModel) TrainStep(_ context.Context, in *seq2seq.Inputs, lr float64) (seq2seq.StepStats, error) {
	m.forwards = append(m.forwards, seq2seq.ModeTrain)
	m.lrs = append(m.lrs, lr)
	return seq2seq.StepStats{Loss: float64(len(in.SourceIDs)), GradNorm: 1}, nil
}

func (m *echoModel) Save(dir string) error {
	m.saved = append(m.saved, dir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "weights"), []byte("w"), 0644)
}

// generateOnly cannot be trained and has no loss.
type generateOnly struct{}

func (generateOnly) Forward(context.Context, *seq2seq.Inputs, seq2seq.Mode) (*seq2seq.Output, error) {
	return nil, seq2seq.ErrNotSupported
}

func (generateOnly) Generate(ctx context.Context, in *seq2seq.Inputs) ([][]int, error) {
	return newEchoModel().Generate(ctx, in)
}

func (generateOnly) Close() error { return nil }

// idCodec renders ids as space separated numbers.
type idCodec struct{}

func (idCodec) Encode(string, int) (tokenizer.Encoding, error) {
	return tokenizer.Encoding{}, fmt.Errorf("not used")
}

func (idCodec) Decode(ids []int, _ bool) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprint(id)
	}
	return strings.Join(parts, " ")
}

func (idCodec) PadID() int { return testPad }
func (idCodec) EOSID() int { return testEOS }

type scalarEvent struct {
	key   string
	value float64
	step  int
}

// recordingSink keeps every event in memory.
type recordingSink struct {
	mu      sync.Mutex
	scalars []scalarEvent
	texts   []string
}

func (s *recordingSink) AddScalar(key string, value float64, step int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scalars = append(s.scalars, scalarEvent{key, value, step})
	return nil
}

func (s *recordingSink) AddText(key, _ string, _ int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, key)
	return nil
}

func (s *recordingSink) Close() error { return nil }

func (s *recordingSink) scalar(key string) []scalarEvent {
	var out []scalarEvent
	for _, e := range s.scalars {
		if e.key == key {
			out = append(out, e)
		}
	}
	return out
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Epochs = 1
	cfg.BatchSize = 2
	cfg.Workers = 0
	cfg.MaxGradNorm = 1
	return cfg
}

func TestRunner_SingleBatchEpoch(t *testing.T) {
	model := newEchoModel()
	sink := &recordingSink{}
	r, err := NewRunner(testConfig(), model, idCodec{}, makeExamples(2), makeExamples(2),
		WithSink(sink), WithLogger(zap.NewNop()))
	require.NoError(t, err)

	summary, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Epochs)
	assert.Equal(t, 1, summary.TrainBatches)
	assert.Equal(t, 1, summary.OptimizerSteps)
	assert.Equal(t, 2, summary.Steps)
	assert.Len(t, model.lrs, 1)
	assert.Equal(t, []seq2seq.Mode{seq2seq.ModeTrain, seq2seq.ModeEval}, model.forwards)
	assert.Equal(t, []Phase{PhaseInitializing, PhaseTrainingEpoch, PhaseEvaluatingEpoch, PhaseDone}, summary.Phases)

	losses := sink.scalar(ScalarTrainLoss)
	require.Len(t, losses, 1)
	assert.Equal(t, 2, losses[0].step)
	assert.InDelta(t, 2.0, losses[0].value, 1e-12)
	require.Len(t, sink.scalar(ScalarTrainLR), 1)
	assert.Len(t, sink.scalar(ScalarDevNLL), 1)
	assert.Empty(t, model.saved, "nothing is saved without a record directory")
}

func TestRunner_EvaluateWeightsLossByExamples(t *testing.T) {
	sink := &recordingSink{}
	cfg := testConfig()
	r, err := NewRunner(cfg, newEchoModel(), idCodec{}, nil, makeExamples(3), WithSink(sink))
	require.NoError(t, err)

	summary, err := r.Evaluate(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, summary.EvalBatches)
	require.NotNil(t, summary.LastEval)
	eval := summary.LastEval
	assert.Equal(t, 3, eval.Examples)
	assert.Equal(t, 2, eval.Batches)
	assert.True(t, eval.HasLoss)
	// Batches of 2 and 1 report losses 2 and 1.
	assert.InDelta(t, 5.0/3.0, eval.NLL, 1e-12)
	assert.Equal(t, 3, eval.ExactMatchWithEOS)
	assert.Equal(t, 3, eval.ExactMatchNoEOS)
	assert.Equal(t, []Phase{PhaseInitializing, PhaseEvaluatingEpoch, PhaseDone}, summary.Phases)

	withEOS := sink.scalar(ScalarDevExactWithEOS)
	require.Len(t, withEOS, 1)
	assert.Equal(t, 0, withEOS[0].step)
	assert.Equal(t, []string{"dev/1_of_3", "dev/2_of_3", "dev/3_of_3"}, sink.texts)
}

func TestRunner_EvaluateWithoutLoss(t *testing.T) {
	sink := &recordingSink{}
	r, err := NewRunner(testConfig(), generateOnly{}, idCodec{}, nil, makeExamples(3), WithSink(sink))
	require.NoError(t, err)

	summary, err := r.Evaluate(context.Background())
	require.NoError(t, err)
	assert.False(t, summary.LastEval.HasLoss)
	assert.Empty(t, sink.scalar(ScalarDevNLL))
	assert.Len(t, sink.scalar(ScalarDevExactNoEOS), 1)
}

func TestRunner_RunRequiresTrainableModel(t *testing.T) {
	r, err := NewRunner(testConfig(), generateOnly{}, idCodec{}, makeExamples(2), makeExamples(2))
	require.NoError(t, err)

	_, err = r.Run(context.Background())
	require.ErrorIs(t, err, seq2seq.ErrNotSupported)
}

func TestRunner_StepCounterAcrossEpochs(t *testing.T) {
	cfg := testConfig()
	cfg.Epochs = 3
	sink := &recordingSink{}
	model := newEchoModel()
	r, err := NewRunner(cfg, model, idCodec{}, makeExamples(5), makeExamples(1), WithSink(sink))
	require.NoError(t, err)

	summary, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 15, summary.Steps)
	assert.Equal(t, 9, summary.OptimizerSteps)
	assert.Equal(t, 3, summary.EvalBatches)

	var steps []int
	for _, e := range sink.scalar(ScalarDevExactNoEOS) {
		steps = append(steps, e.step)
	}
	assert.Equal(t, []int{5, 10, 15}, steps)

	// The schedule decays to zero over floor(5/2)*3 = 6 updates. The first
	// update uses the base rate and the recorded rate is the one after the
	// scheduler advanced.
	require.Len(t, model.lrs, 9)
	assert.InDelta(t, cfg.LearningRate, model.lrs[0], 1e-15)
	lrs := sink.scalar(ScalarTrainLR)
	require.Len(t, lrs, 9)
	assert.InDelta(t, cfg.LearningRate*5/6, lrs[0].value, 1e-15)
	assert.InDelta(t, model.lrs[1], lrs[0].value, 1e-15)
	assert.InDelta(t, 0, lrs[5].value, 1e-15)
	assert.InDelta(t, 0, lrs[8].value, 1e-15)
}

func TestRunner_SavesModelAndReports(t *testing.T) {
	recordDir := t.TempDir()
	modelDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(modelDir, "vocab.txt"), []byte("[PAD]\n"), 0644))

	cfg := testConfig()
	cfg.Epochs = 2
	cfg.SaveEveryEpoch = true
	model := newEchoModel()
	r, err := NewRunner(cfg, model, idCodec{}, makeExamples(2), makeExamples(3),
		WithRecordDir(recordDir), WithModelDir(modelDir))
	require.NoError(t, err)

	summary, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, recordDir, summary.RecordDir)

	saved := filepath.Join(recordDir, SavedModelDir)
	assert.Equal(t, []string{saved, saved, saved}, model.saved)
	assert.FileExists(t, filepath.Join(saved, "vocab.txt"))

	preds, err := monitor.ReadReport(filepath.Join(recordDir, monitor.PredictionsFile))
	require.NoError(t, err)
	require.Len(t, preds, 3)
	assert.Equal(t, "source 0", preds[0].Source)
	assert.Equal(t, "target 0", preds[0].Reference)
	assert.Equal(t, "5 1", preds[0].Generated)

	correct, err := monitor.ReadReport(filepath.Join(recordDir, monitor.CorrectPredictionsFile))
	require.NoError(t, err)
	assert.Len(t, correct, 3)
}

func TestRunner_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r, err := NewRunner(testConfig(), newEchoModel(), idCodec{}, makeExamples(4), makeExamples(1))
	require.NoError(t, err)
	_, err = r.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Contains(t, err.Error(), "epoch 1 step 0")
}

func TestNewRunner_Validation(t *testing.T) {
	_, err := NewRunner(testConfig(), nil, idCodec{}, nil, makeExamples(1))
	require.Error(t, err)
	_, err = NewRunner(testConfig(), newEchoModel(), idCodec{}, makeExamples(1), nil)
	require.Error(t, err)
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "training", PhaseTrainingEpoch.String())
	assert.Equal(t, "done", PhaseDone.String())
	assert.Equal(t, "phase(9)", Phase(9).String())
}

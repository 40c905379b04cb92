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
	"strings"
	"sync"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	mlctx "github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"go.uber.org/zap"

	// Pure Go engine, always available.
	_ "github.com/gomlx/gomlx/backends/simplego"
)

// EngineGo is the pure Go GoMLX engine.
const EngineGo = "go"

// graphBuilder builds the encoder and decoder of a GraphModel. Variables are
// created or reused in ctx.
type graphBuilder interface {
	// encode maps ids and mask [batch, source] (int64) to hidden states
	// [batch, source, hidden].
	encode(ctx *mlctx.Context, ids, mask *graph.Node) *graph.Node
	// decode maps decoder ids [batch, target] to logits [batch, target, vocab].
	decode(ctx *mlctx.Context, decoderIDs, hidden, mask *graph.Node) *graph.Node
	// save writes the variables of ctx to dir.
	save(ctx *mlctx.Context, dir string) error
	kind() string
}

// GraphConfig holds the special tokens and limits of a GraphModel.
type GraphConfig struct {
	// VocabSize bounds input and label ids when positive.
	VocabSize           int
	DecoderStartTokenID int
	PadTokenID          int
	EOSTokenID          int
	// MaxGenerateLength bounds Generate; defaults to 64.
	MaxGenerateLength int
	// MaxTargetPositions bounds label sequences when positive.
	MaxTargetPositions int
	Optimizer          OptimizerConfig
	// Engine selects the GoMLX engine; defaults to EngineGo.
	Engine string
}

// GraphModel is an encoder-decoder whose forward pass, gradients and
// optimizer update run as compiled GoMLX graphs. Compiled graphs are cached
// per input shape.
type GraphModel struct {
	config  GraphConfig
	builder graphBuilder
	logger  *zap.Logger

	engine    backends.Backend
	ctx       *mlctx.Context
	optimizer gradientUpdater

	mu         sync.Mutex
	lossExec   *mlctx.Exec
	logitsExec *mlctx.Exec
	trainExec  *mlctx.Exec
	encodeExec *mlctx.Exec
	decodeExec *mlctx.Exec
}

var _ Trainable = (*GraphModel)(nil)

// gradientUpdater is implemented by GoMLX optimizers that accept
// precomputed gradients, so that clipping can happen in between.
type gradientUpdater interface {
	UpdateGraphWithGradients(ctx *mlctx.Context, grads []*graph.Node, lossDType dtypes.DType)
}

// safeNewBackend creates an engine, catching panics from engines whose
// native dependencies are missing.
func safeNewBackend(engineType string) (engine backends.Backend, err error) {
	defer func() {
		if r := recover(); r != nil {
			engine = nil
			err = fmt.Errorf("backend %q panicked during initialization: %v", engineType, r)
		}
	}()
	return backends.NewWithConfig(engineType)
}

// catchPanic runs fn, converting a GoMLX exception into an error.
func catchPanic(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = e
				return
			}
			err = fmt.Errorf("%v", r)
		}
	}()
	return fn()
}

// freezeAuxiliary marks integer variables and optimizer state as not
// trainable. Both come back trainable from ONNX initializers and checkpoints.
func freezeAuxiliary(ctx *mlctx.Context) {
	for v := range ctx.IterVariables() {
		scope := strings.TrimPrefix(v.Scope(), mlctx.ScopeSeparator)
		if !v.DType().IsFloat() ||
			strings.HasPrefix(scope, optimizers.Scope) ||
			strings.HasPrefix(scope, optimizers.AdamDefaultScope) {
			v.SetTrainable(false)
		}
	}
}

func newGraphModel(config GraphConfig, builder graphBuilder, ctx *mlctx.Context, logger *zap.Logger) (*GraphModel, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MaxGenerateLength <= 0 {
		config.MaxGenerateLength = 64
	}
	if config.Engine == "" {
		config.Engine = EngineGo
	}
	if config.Optimizer.Epsilon <= 0 {
		config.Optimizer.Epsilon = 1e-8
	}

	engine, err := safeNewBackend(config.Engine)
	if err != nil {
		return nil, fmt.Errorf("creating %s engine: %w", config.Engine, err)
	}

	adam := optimizers.Adam().
		Epsilon(config.Optimizer.Epsilon).
		WeightDecay(config.Optimizer.WeightDecay).
		Done()
	updater, ok := adam.(gradientUpdater)
	if !ok {
		engine.Finalize()
		return nil, errors.New("optimizer does not accept precomputed gradients")
	}

	freezeAuxiliary(ctx)
	m := &GraphModel{
		config:    config,
		builder:   builder,
		logger:    logger,
		engine:    engine,
		ctx:       ctx.Checked(false),
		optimizer: updater,
	}
	if err := m.compile(); err != nil {
		engine.Finalize()
		return nil, err
	}
	return m, nil
}

func (m *GraphModel) compile() error {
	var err error
	m.lossExec, err = mlctx.NewExec(m.engine, m.ctx, func(ctx *mlctx.Context, ids, mask, decoderIDs, labels *graph.Node) *graph.Node {
		loss, _ := m.lossGraph(ctx, ids, mask, decoderIDs, labels)
		return loss
	})
	if err != nil {
		return fmt.Errorf("creating loss graph: %w", err)
	}
	m.logitsExec, err = mlctx.NewExec(m.engine, m.ctx, func(ctx *mlctx.Context, ids, mask, decoderIDs, labels *graph.Node) (*graph.Node, *graph.Node) {
		return m.lossGraph(ctx, ids, mask, decoderIDs, labels)
	})
	if err != nil {
		return fmt.Errorf("creating logits graph: %w", err)
	}
	m.trainExec, err = mlctx.NewExec(m.engine, m.ctx, m.trainGraph)
	if err != nil {
		return fmt.Errorf("creating training graph: %w", err)
	}
	m.encodeExec, err = mlctx.NewExec(m.engine, m.ctx, func(ctx *mlctx.Context, ids, mask *graph.Node) *graph.Node {
		return m.builder.encode(ctx, ids, mask)
	})
	if err != nil {
		return fmt.Errorf("creating encoder graph: %w", err)
	}
	m.decodeExec, err = mlctx.NewExec(m.engine, m.ctx, func(ctx *mlctx.Context, decoderIDs, hidden, mask *graph.Node) *graph.Node {
		logits := m.builder.decode(ctx, decoderIDs, hidden, mask)
		return graph.ArgMax(logits, -1, dtypes.Int64)
	})
	if err != nil {
		return fmt.Errorf("creating decoder graph: %w", err)
	}
	return nil
}

// lossGraph returns the mean cross-entropy over labels that are not
// IgnoreIndex, and the logits.
func (m *GraphModel) lossGraph(ctx *mlctx.Context, ids, mask, decoderIDs, labels *graph.Node) (loss, logits *graph.Node) {
	hidden := m.builder.encode(ctx, ids, mask)
	logits = m.builder.decode(ctx, decoderIDs, hidden, mask)
	valid := graph.NotEqual(labels, graph.Scalar(labels.Graph(), labels.DType(), IgnoreIndex))
	safe := graph.Where(valid, labels, graph.ZerosLike(labels))
	loss = losses.SparseCategoricalCrossEntropyLogits(
		[]*graph.Node{graph.InsertAxes(safe, -1), valid},
		[]*graph.Node{logits})
	return loss, logits
}

// trainGraph computes the loss, clips the global gradient norm and applies
// the Adam update. It returns the loss and the norm before clipping.
func (m *GraphModel) trainGraph(ctx *mlctx.Context, ids, mask, decoderIDs, labels *graph.Node) (*graph.Node, *graph.Node) {
	g := ids.Graph()
	ctx.SetTraining(g, true)
	loss, _ := m.lossGraph(ctx, ids, mask, decoderIDs, labels)
	grads := ctx.BuildTrainableVariablesGradientsGraph(loss)

	var sumSquares *graph.Node
	for _, grad := range grads {
		sq := graph.ConvertDType(graph.ReduceAllSum(graph.Square(grad)), loss.DType())
		if sumSquares == nil {
			sumSquares = sq
		} else {
			sumSquares = graph.Add(sumSquares, sq)
		}
	}
	norm := graph.Sqrt(sumSquares)

	if maxNorm := m.config.Optimizer.MaxGradNorm; maxNorm > 0 {
		coef := graph.MinScalar(graph.Div(graph.Scalar(g, norm.DType(), maxNorm), graph.AddScalar(norm, 1e-6)), 1.0)
		coef = graph.StopGradient(coef)
		for i, grad := range grads {
			grads[i] = graph.Mul(grad, graph.ConvertDType(coef, grad.DType()))
		}
	}
	m.optimizer.UpdateGraphWithGradients(ctx, grads, loss.DType())
	return loss, norm
}

// batchTensors converts a batch to int64 tensors: source ids and mask
// [batch, source], decoder inputs and labels [batch, target].
type batchTensors struct {
	ids, mask, decoderIDs, labels *tensors.Tensor
	// count is the number of labels that contribute to the loss.
	count int
}

func (b *batchTensors) finalize() {
	for _, t := range []*tensors.Tensor{b.ids, b.mask, b.decoderIDs, b.labels} {
		if t != nil {
			t.FinalizeAll()
		}
	}
}

func (m *GraphModel) checkToken(id int) error {
	if id < 0 || (m.config.VocabSize > 0 && id >= m.config.VocabSize) {
		return fmt.Errorf("%w: %d (vocabulary size %d)", ErrTokenOutOfRange, id, m.config.VocabSize)
	}
	return nil
}

// matrix flattens rows into a [len(rows), width] tensor, padding short rows.
func matrix(rows [][]int, width int, pad int64, check func(int) error) (*tensors.Tensor, error) {
	flat := make([]int64, len(rows)*width)
	for i, row := range rows {
		if len(row) > width {
			return nil, fmt.Errorf("row %d has %d ids, expected at most %d", i, len(row), width)
		}
		for j := range width {
			if j >= len(row) {
				flat[i*width+j] = pad
				continue
			}
			if check != nil {
				if err := check(row[j]); err != nil {
					return nil, fmt.Errorf("row %d: %w", i, err)
				}
			}
			flat[i*width+j] = int64(row[j])
		}
	}
	return tensors.FromFlatDataAndDimensions(flat, len(rows), width), nil
}

func maxWidth(rows [][]int) int {
	width := 0
	for _, row := range rows {
		width = max(width, len(row))
	}
	return width
}

// sourceTensors builds the source ids and mask. A missing mask marks every
// position as valid.
func (m *GraphModel) sourceTensors(in *Inputs) (ids, mask *tensors.Tensor, err error) {
	if len(in.SourceIDs) == 0 {
		return nil, nil, errors.New("batch has no sources")
	}
	width := maxWidth(in.SourceIDs)
	if width == 0 {
		return nil, nil, errors.New("batch has empty sources")
	}
	masks := in.SourceMask
	if len(masks) != len(in.SourceIDs) {
		masks = make([][]int, len(in.SourceIDs))
		for i, row := range in.SourceIDs {
			masks[i] = make([]int, len(row))
			for j := range row {
				masks[i][j] = 1
			}
		}
	}
	ids, err = matrix(in.SourceIDs, width, int64(m.config.PadTokenID), m.checkToken)
	if err != nil {
		return nil, nil, fmt.Errorf("source ids: %w", err)
	}
	mask, err = matrix(masks, width, 0, nil)
	if err != nil {
		ids.FinalizeAll()
		return nil, nil, fmt.Errorf("source mask: %w", err)
	}
	return ids, mask, nil
}

func (m *GraphModel) prepare(in *Inputs) (*batchTensors, error) {
	if in == nil {
		return nil, errors.New("inputs are required")
	}
	if len(in.Labels) != len(in.SourceIDs) {
		return nil, fmt.Errorf("batch has %d sources but %d label rows", len(in.SourceIDs), len(in.Labels))
	}
	width := maxWidth(in.Labels)
	if width == 0 {
		return nil, errors.New("batch has empty labels")
	}
	if m.config.MaxTargetPositions > 0 && width > m.config.MaxTargetPositions {
		return nil, fmt.Errorf("%d labels exceed %d decoder positions", width, m.config.MaxTargetPositions)
	}

	b := &batchTensors{}
	decoderIn := make([][]int, len(in.Labels))
	for i, row := range in.Labels {
		for _, id := range row {
			if id == IgnoreIndex {
				continue
			}
			if err := m.checkToken(id); err != nil {
				return nil, fmt.Errorf("label row %d: %w", i, err)
			}
			b.count++
		}
		decoderIn[i] = ShiftRight(row, m.config.DecoderStartTokenID, m.config.PadTokenID)
	}

	var err error
	if b.ids, b.mask, err = m.sourceTensors(in); err != nil {
		return nil, err
	}
	if b.decoderIDs, err = matrix(decoderIn, width, int64(m.config.PadTokenID), nil); err != nil {
		b.finalize()
		return nil, err
	}
	if b.labels, err = matrix(in.Labels, width, IgnoreIndex, nil); err != nil {
		b.finalize()
		return nil, err
	}
	return b, nil
}

func scalarValue(t *tensors.Tensor) (float64, error) {
	defer t.FinalizeAll()
	switch v := t.Value().(type) {
	case float32:
		return float64(v), nil
	case float64:
		return v, nil
	default:
		return 0, fmt.Errorf("unexpected scalar of type %T", v)
	}
}

// Forward computes the teacher-forced loss of Labels. A batch whose labels
// are all IgnoreIndex has loss 0.
func (m *GraphModel) Forward(ctx context.Context, in *Inputs, mode Mode) (*Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := m.prepare(in)
	if err != nil {
		return nil, err
	}
	defer b.finalize()

	m.mu.Lock()
	defer m.mu.Unlock()

	out := &Output{}
	if !in.ReturnLogits {
		if b.count == 0 {
			return out, nil
		}
		results, err := m.lossExec.Exec(b.ids, b.mask, b.decoderIDs, b.labels)
		if err != nil {
			return nil, fmt.Errorf("%s forward: %w", mode, err)
		}
		if out.Loss, err = scalarValue(results[0]); err != nil {
			return nil, err
		}
		return out, nil
	}

	results, err := m.logitsExec.Exec(b.ids, b.mask, b.decoderIDs, b.labels)
	if err != nil {
		return nil, fmt.Errorf("%s forward: %w", mode, err)
	}
	loss, err := scalarValue(results[0])
	if err != nil {
		results[1].FinalizeAll()
		return nil, err
	}
	if b.count > 0 {
		out.Loss = loss
	}
	out.Logits, err = logitsRows(results[1], in.Labels)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// logitsRows converts [batch, target, vocab] logits to nested slices, keeping
// for each row only as many positions as it has labels.
func logitsRows(t *tensors.Tensor, labels [][]int) ([][][]float64, error) {
	defer t.FinalizeAll()
	dims := t.Shape().Dimensions
	if len(dims) != 3 {
		return nil, fmt.Errorf("logits have shape %s, expected rank 3", t.Shape())
	}
	flat, err := tensors.CopyFlatData[float32](t)
	if err != nil {
		return nil, fmt.Errorf("reading logits: %w", err)
	}
	width, vocab := dims[1], dims[2]
	out := make([][][]float64, len(labels))
	for b, row := range labels {
		out[b] = make([][]float64, len(row))
		for pos := range row {
			values := make([]float64, vocab)
			base := (b*width + pos) * vocab
			for v := range vocab {
				values[v] = float64(flat[base+v])
			}
			out[b][pos] = values
		}
	}
	return out, nil
}

// TrainStep runs one update. A batch without any label to learn from is
// skipped and reports zero loss and norm.
func (m *GraphModel) TrainStep(ctx context.Context, in *Inputs, lr float64) (StepStats, error) {
	if err := ctx.Err(); err != nil {
		return StepStats{}, err
	}
	b, err := m.prepare(in)
	if err != nil {
		return StepStats{}, err
	}
	defer b.finalize()
	if b.count == 0 {
		return StepStats{}, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	lrVar := optimizers.LearningRateVar(m.ctx, dtypes.Float32, lr)
	if err := lrVar.SetValue(tensors.FromScalar(float32(lr))); err != nil {
		return StepStats{}, fmt.Errorf("setting learning rate: %w", err)
	}
	results, err := m.trainExec.Exec(b.ids, b.mask, b.decoderIDs, b.labels)
	if err != nil {
		return StepStats{}, fmt.Errorf("training step: %w", err)
	}
	loss, err := scalarValue(results[0])
	if err != nil {
		results[1].FinalizeAll()
		return StepStats{}, err
	}
	norm, err := scalarValue(results[1])
	if err != nil {
		return StepStats{}, err
	}
	return StepStats{Loss: loss, GradNorm: norm}, nil
}

// Generate greedily decodes each source until the end-of-sequence token or
// MaxGenerateLength tokens. The decoder runs over a fixed-length buffer so
// that one compiled graph serves every step.
func (m *GraphModel) Generate(ctx context.Context, in *Inputs) ([][]int, error) {
	if in == nil {
		return nil, errors.New("inputs are required")
	}
	if len(in.SourceIDs) == 0 {
		return [][]int{}, nil
	}
	ids, mask, err := m.sourceTensors(in)
	if err != nil {
		return nil, err
	}
	defer ids.FinalizeAll()
	defer mask.FinalizeAll()

	m.mu.Lock()
	defer m.mu.Unlock()

	encoded, err := m.encodeExec.Exec(ids, mask)
	if err != nil {
		return nil, fmt.Errorf("encoding: %w", err)
	}
	hidden := encoded[0]
	defer hidden.FinalizeAll()

	batch, length := len(in.SourceIDs), m.config.MaxGenerateLength
	decoderIn := make([]int64, batch*length)
	for i := range decoderIn {
		decoderIn[i] = int64(m.config.PadTokenID)
	}
	for b := range batch {
		decoderIn[b*length] = int64(m.config.DecoderStartTokenID)
	}

	out := make([][]int, batch)
	done := make([]bool, batch)
	remaining := batch
	for t := 0; t < length && remaining > 0; t++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		decoderIDs := tensors.FromFlatDataAndDimensions(decoderIn, batch, length)
		results, err := m.decodeExec.Exec(decoderIDs, hidden, mask)
		decoderIDs.FinalizeAll()
		if err != nil {
			return nil, fmt.Errorf("decoding step %d: %w", t, err)
		}
		next, err := tensors.CopyFlatData[int64](results[0])
		results[0].FinalizeAll()
		if err != nil {
			return nil, fmt.Errorf("reading step %d: %w", t, err)
		}
		for b := range batch {
			if done[b] {
				continue
			}
			tok := int(next[b*length+t])
			out[b] = append(out[b], tok)
			if tok == m.config.EOSTokenID {
				done[b] = true
				remaining--
				continue
			}
			if t+1 < length {
				decoderIn[b*length+t+1] = int64(tok)
			}
		}
	}
	return out, nil
}

// NumParameters returns the number of trainable scalars created so far.
func (m *GraphModel) NumParameters() int {
	total := 0
	for v := range m.ctx.IterVariables() {
		if v.Trainable {
			total += v.Shape().Size()
		}
	}
	return total
}

// Config returns the model configuration.
func (m *GraphModel) Config() GraphConfig {
	return m.config
}

// SetMaxGenerateLength bounds the number of generated tokens.
func (m *GraphModel) SetMaxGenerateLength(n int) {
	if n > 0 {
		m.config.MaxGenerateLength = n
	}
}

// Save writes the model variables in the format of its builder.
func (m *GraphModel) Save(dir string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.builder.save(m.ctx, dir); err != nil {
		return err
	}
	m.logger.Info("Saved seq2seq model",
		zap.String("dir", dir),
		zap.String("kind", m.builder.kind()),
		zap.Int("parameters", m.NumParameters()))
	return nil
}

// Close releases the compiled graphs and the engine.
func (m *GraphModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, exec := range []*mlctx.Exec{m.lossExec, m.logitsExec, m.trainExec, m.encodeExec, m.decodeExec} {
		if exec != nil {
			exec.Finalize()
		}
	}
	m.lossExec, m.logitsExec, m.trainExec, m.encodeExec, m.decodeExec = nil, nil, nil, nil, nil
	if m.engine != nil {
		m.engine.Finalize()
		m.engine = nil
	}
	return nil
}

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

// Package seq2seq defines the encoder-decoder model contract used by the
// fine-tuning loop and provides its backends: GraphModel, which computes the
// loss, gradients and optimizer update as a GoMLX graph over either pretrained
// ONNX weights or a freshly initialized transformer, and an inference-only
// ONNX model run through hugot.
//
// Label convention (T5 style): labels hold target ids with IgnoreIndex at
// positions that must not contribute to the loss. A model builds its decoder
// inputs by shifting labels one position to the right, prepending the
// decoder start token and replacing IgnoreIndex with the pad token.
package seq2seq

import (
	"context"
	"errors"
)

// IgnoreIndex marks label positions excluded from the loss.
const IgnoreIndex = -100

var (
	// ErrNotSupported is returned by backends that cannot perform an operation,
	// e.g. computing a loss with an inference-only runtime.
	ErrNotSupported = errors.New("operation not supported by model backend")
	// ErrTokenOutOfRange is returned when an input or label id is outside
	// the model vocabulary.
	ErrTokenOutOfRange = errors.New("token id outside vocabulary")
)

// Mode selects training or evaluation behaviour of a forward pass.
type Mode int

const (
	// ModeEval runs the graph with training-only layers disabled.
	ModeEval Mode = iota
	// ModeTrain marks the graph as training.
	ModeTrain
)

func (m Mode) String() string {
	if m == ModeTrain {
		return "train"
	}
	return "eval"
}

// Inputs is a batch presented to a model. SourceIDs, SourceMask and Labels
// are row-aligned; SourceText carries the untokenized sources for backends
// that tokenize themselves.
type Inputs struct {
	SourceIDs  [][]int
	SourceMask [][]int
	Labels     [][]int
	SourceText []string
	// ReturnLogits requests per-position vocabulary logits in Output.
	ReturnLogits bool
}

// Output is the result of a forward pass.
type Output struct {
	// Loss is the mean cross-entropy over label positions that are not
	// IgnoreIndex, or 0 when there are none.
	Loss float64
	// Logits is [batch][target position][vocab], set only when requested.
	Logits [][][]float64
}

// Model is an encoder-decoder model.
type Model interface {
	// Forward computes the teacher-forced loss of Labels given the sources.
	Forward(ctx context.Context, in *Inputs, mode Mode) (*Output, error)

	// Generate decodes one sequence per source. It never reads Labels.
	// The decoder start token is not part of the result.
	Generate(ctx context.Context, in *Inputs) ([][]int, error)

	// Close releases any resources held by the model.
	Close() error
}

// StepStats describes one optimizer update.
type StepStats struct {
	// Loss is the training loss computed before the update.
	Loss float64
	// GradNorm is the global L2 norm of the gradients before clipping.
	GradNorm float64
}

// OptimizerConfig configures the update applied by Trainable.TrainStep.
type OptimizerConfig struct {
	Epsilon float64
	// WeightDecay is applied decoupled from the gradient, scaled by the
	// learning rate.
	WeightDecay float64
	// MaxGradNorm clips the global gradient norm; 0 disables clipping.
	MaxGradNorm float64
}

// Trainable is a Model whose parameters can be updated.
type Trainable interface {
	Model

	// TrainStep computes the teacher-forced loss of in, its gradients, clips
	// them and applies one optimizer update with learning rate lr.
	TrainStep(ctx context.Context, in *Inputs, lr float64) (StepStats, error)

	// NumParameters returns the number of trainable scalars.
	NumParameters() int

	// Save writes the model so that it can be loaded again from dir.
	Save(dir string) error
}

// ShiftRight builds decoder inputs from labels: the start token is prepended,
// the last label dropped, and IgnoreIndex replaced with pad.
func ShiftRight(labels []int, startID, padID int) []int {
	out := make([]int, len(labels))
	if len(out) == 0 {
		return out
	}
	out[0] = startID
	for i := 1; i < len(labels); i++ {
		id := labels[i-1]
		if id == IgnoreIndex {
			id = padID
		}
		out[i] = id
	}
	return out
}

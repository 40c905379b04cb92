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

// Package training implements the per-batch training and evaluation steps of
// seq2seq fine-tuning. Steps are pure with respect to I/O: the caller owns
// data loading, logging and reporting.
package training

import (
	"context"
	"errors"
	"fmt"

	"github.com/antflydb/seqtune/lib/batching"
	"github.com/antflydb/seqtune/lib/optim"
	"github.com/antflydb/seqtune/lib/seq2seq"
)

// IgnoreIndex marks label positions excluded from the loss.
const IgnoreIndex = seq2seq.IgnoreIndex

// MaskPadLabels returns a copy of targets with padID replaced by IgnoreIndex.
func MaskPadLabels(targets [][]int, padID int) [][]int {
	labels := make([][]int, len(targets))
	for i, row := range targets {
		masked := make([]int, len(row))
		for j, id := range row {
			if id == padID {
				id = IgnoreIndex
			}
			masked[j] = id
		}
		labels[i] = masked
	}
	return labels
}

// Forward runs model on batch with pad-masked labels. The model shifts the
// labels and prepends its decoder start token.
func Forward(ctx context.Context, model seq2seq.Model, batch *batching.Batch, padID int, mode seq2seq.Mode) (*seq2seq.Output, error) {
	return model.Forward(ctx, &seq2seq.Inputs{
		SourceIDs:  batch.SourceIDs,
		SourceMask: batch.SourceMask,
		Labels:     MaskPadLabels(batch.TargetIDs, padID),
		SourceText: batch.SourceText,
	}, mode)
}

// Scheduler provides the learning rate of the next update.
type Scheduler interface {
	LR() float64
	Step()
}

var _ Scheduler = (*optim.LinearSchedule)(nil)

// TrainerConfig configures a Trainer.
type TrainerConfig struct {
	PadID int
}

// StepResult describes one optimizer update.
type StepResult struct {
	Loss float64
	// LR is the learning rate used for the update.
	LR float64
	// NextLR is the learning rate after the scheduler advanced, which is the
	// value reported for the step.
	NextLR float64
	// GradNorm is the global gradient norm before clipping.
	GradNorm float64
	Size     int
}

// Trainer performs optimizer updates on a trainable model.
type Trainer struct {
	model     seq2seq.Trainable
	scheduler Scheduler
	config    TrainerConfig
	steps     int
}

// NewTrainer creates a Trainer. Gradient clipping and the optimizer are
// configured on the model.
func NewTrainer(model seq2seq.Trainable, scheduler Scheduler, config TrainerConfig) (*Trainer, error) {
	if model == nil || scheduler == nil {
		return nil, errors.New("model and scheduler are required")
	}
	return &Trainer{
		model:     model,
		scheduler: scheduler,
		config:    config,
	}, nil
}

// Steps returns the number of completed updates.
func (t *Trainer) Steps() int {
	return t.steps
}

// Step runs one update with pad-masked labels at the scheduler's learning
// rate and advances the scheduler.
func (t *Trainer) Step(ctx context.Context, batch *batching.Batch) (StepResult, error) {
	if batch == nil || batch.Size() == 0 {
		return StepResult{}, errors.New("empty batch")
	}
	lr := t.scheduler.LR()
	stats, err := t.model.TrainStep(ctx, &seq2seq.Inputs{
		SourceIDs:  batch.SourceIDs,
		SourceMask: batch.SourceMask,
		Labels:     MaskPadLabels(batch.TargetIDs, t.config.PadID),
		SourceText: batch.SourceText,
	}, lr)
	if err != nil {
		return StepResult{}, fmt.Errorf("training step: %w", err)
	}
	t.scheduler.Step()
	t.steps++

	return StepResult{
		Loss:     stats.Loss,
		LR:       lr,
		NextLR:   t.scheduler.LR(),
		GradNorm: stats.GradNorm,
		Size:     batch.Size(),
	}, nil
}

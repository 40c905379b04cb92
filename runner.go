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
	"path/filepath"
	"time"

	"github.com/antflydb/seqtune/lib/batching"
	"github.com/antflydb/seqtune/lib/monitor"
	"github.com/antflydb/seqtune/lib/optim"
	"github.com/antflydb/seqtune/lib/seq2seq"
	"github.com/antflydb/seqtune/lib/tokenizer"
	"github.com/antflydb/seqtune/lib/training"
	"go.uber.org/zap"
)

// Phase is a state of a run.
type Phase int

const (
	PhaseInitializing Phase = iota
	PhaseTrainingEpoch
	PhaseEvaluatingEpoch
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseInitializing:
		return "initializing"
	case PhaseTrainingEpoch:
		return "training"
	case PhaseEvaluatingEpoch:
		return "evaluating"
	case PhaseDone:
		return "done"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Monitoring keys.
const (
	ScalarTrainLoss       = "train/loss"
	ScalarTrainLR         = "train/LR"
	ScalarDevNLL          = "dev/NLL"
	ScalarDevExactWithEOS = "dev/exact_match_with_eos"
	ScalarDevExactNoEOS   = "dev/exact_match_no_eos"
)

const (
	visualizeSplit = "dev"
	// SavedModelDir is the record subdirectory holding the fine-tuned model.
	SavedModelDir = "model"
)

// tokenizerFiles are copied next to a saved model so that it can be loaded
// again by path.
var tokenizerFiles = []string{
	"config.json",
	"tokenizer.json",
	"tokenizer_config.json",
	"special_tokens_map.json",
	"tokenizer.model",
	"spiece.model",
	"vocab.txt",
}

// EvalSummary holds the results of one pass over the validation split.
type EvalSummary struct {
	Epoch int
	// Step is the cumulative number of training examples seen.
	Step int
	// NLL is the example-weighted mean loss; valid only when HasLoss is set.
	NLL     float64
	HasLoss bool
	// ExactMatchWithEOS and ExactMatchNoEOS are match counts over the split.
	ExactMatchWithEOS int
	ExactMatchNoEOS   int
	Examples          int
	Batches           int
}

// Summary describes a finished run.
type Summary struct {
	RecordDir string
	Epochs    int
	// Steps counts training examples, OptimizerSteps optimizer updates.
	Steps          int
	OptimizerSteps int
	TrainBatches   int
	EvalBatches    int
	// Phases lists the phases entered, in order.
	Phases   []Phase
	LastEval *EvalSummary
}

// Runner drives the epoch loop: one training pass over the train split
// followed by one evaluation pass over the validation split per epoch.
type Runner struct {
	config    Config
	modelName string
	model     seq2seq.Model
	codec     tokenizer.TextCodec
	train     batching.Source
	val       batching.Source
	sink      monitor.Sink
	recordDir string
	modelDir  string
	logger    *zap.Logger

	summary Summary
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithSink sets the scalar and text sink. Defaults to monitor.Nop.
func WithSink(sink monitor.Sink) RunnerOption {
	return func(r *Runner) { r.sink = sink }
}

// WithRecordDir sets the directory receiving prediction reports and the saved
// model. Without it nothing is written to disk.
func WithRecordDir(dir string) RunnerOption {
	return func(r *Runner) { r.recordDir = dir }
}

// WithModelDir names the directory the model was loaded from. Its tokenizer
// files are copied next to the saved model.
func WithModelDir(dir string) RunnerOption {
	return func(r *Runner) { r.modelDir = dir }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) RunnerOption {
	return func(r *Runner) { r.logger = logger }
}

// WithModelName sets the model label used in metrics.
func WithModelName(name string) RunnerOption {
	return func(r *Runner) { r.modelName = name }
}

// NewRunner creates a Runner. train may be nil for evaluation only runs.
func NewRunner(config Config, model seq2seq.Model, codec tokenizer.TextCodec, train, val batching.Source, opts ...RunnerOption) (*Runner, error) {
	if model == nil || codec == nil {
		return nil, errors.New("model and codec are required")
	}
	if val == nil {
		return nil, errors.New("validation examples are required")
	}
	r := &Runner{
		config:    config,
		modelName: config.Model,
		model:     model,
		codec:     codec,
		train:     train,
		val:       val,
		sink:      monitor.Nop{},
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *Runner) enter(p Phase) {
	r.summary.Phases = append(r.summary.Phases, p)
	RecordPhase(p)
	r.logger.Debug("Entering phase", zap.Stringer("phase", p))
}

// Run fine-tunes the model for the configured number of epochs, evaluating
// after each one, and saves the result to the record directory. Any error
// aborts the run.
func (r *Runner) Run(ctx context.Context) (*Summary, error) {
	r.summary = Summary{RecordDir: r.recordDir}
	r.enter(PhaseInitializing)

	model, ok := r.model.(seq2seq.Trainable)
	if !ok {
		return nil, fmt.Errorf("%w: backend cannot be trained", seq2seq.ErrNotSupported)
	}
	if r.train == nil {
		return nil, errors.New("training examples are required")
	}

	trainBatches, err := batching.New(r.train, batching.Config{
		BatchSize: r.config.BatchSize,
		Shuffle:   true,
		Workers:   r.config.Workers,
		Seed:      r.config.Seed,
	})
	if err != nil {
		return nil, fmt.Errorf("creating training batches: %w", err)
	}
	evaluator, valBatches, err := r.newEvaluator()
	if err != nil {
		return nil, err
	}

	numTrain := r.train.Len()
	totalSteps := optim.TotalSteps(numTrain, r.config.BatchSize, r.config.Epochs)
	scheduler := optim.NewLinearSchedule(r.config.LearningRate, r.config.WarmupSteps, totalSteps)
	trainer, err := training.NewTrainer(model, scheduler, training.TrainerConfig{
		PadID: r.codec.PadID(),
	})
	if err != nil {
		return nil, err
	}

	hostname, _ := os.Hostname()
	r.logger.Info("Starting training",
		zap.String("device", "cpu"),
		zap.Int("total_steps", totalSteps),
		zap.Int("total_train", numTrain*r.config.Epochs),
		zap.Int("num_train", numTrain),
		zap.Int("num_val", r.val.Len()),
		zap.Int("parameters", model.NumParameters()),
		zap.String("machine", hostname))
	r.logger.Info("Configuration",
		zap.Any("config", r.config),
		zap.String("record_dir", r.recordDir))

	step := 0
	for epoch := 1; epoch <= r.config.Epochs; epoch++ {
		r.enter(PhaseTrainingEpoch)
		for batch, err := range trainBatches.Epoch(ctx, epoch) {
			if err != nil {
				return nil, fmt.Errorf("epoch %d step %d: %w", epoch, step, err)
			}
			start := time.Now()
			result, err := trainer.Step(ctx, batch)
			if err != nil {
				return nil, fmt.Errorf("epoch %d step %d: training: %w", epoch, step, err)
			}
			RecordTrainingStep(r.modelName, result.Size, time.Since(start).Seconds())

			step += result.Size
			r.summary.TrainBatches++
			if err := errors.Join(
				r.sink.AddScalar(ScalarTrainLoss, result.Loss, step),
				r.sink.AddScalar(ScalarTrainLR, result.NextLR, step),
			); err != nil {
				return nil, fmt.Errorf("epoch %d step %d: recording scalars: %w", epoch, step, err)
			}
			r.logger.Debug("Training step",
				zap.Int("epoch", epoch),
				zap.Int("step", step),
				zap.Float64("loss", result.Loss),
				zap.Float64("lr", result.LR),
				zap.Float64("grad_norm", result.GradNorm))
		}
		r.summary.Epochs = epoch
		r.summary.Steps = step
		r.summary.OptimizerSteps = trainer.Steps()
		RecordEpoch(r.modelName)

		r.enter(PhaseEvaluatingEpoch)
		eval, err := r.evaluate(ctx, evaluator, valBatches, epoch, step)
		if err != nil {
			return nil, fmt.Errorf("epoch %d step %d: evaluation: %w", epoch, step, err)
		}
		r.summary.LastEval = eval

		if r.config.SaveEveryEpoch {
			if err := r.save(model); err != nil {
				return nil, fmt.Errorf("epoch %d: %w", epoch, err)
			}
		}
	}

	if err := r.save(model); err != nil {
		return nil, err
	}
	r.enter(PhaseDone)
	summary := r.summary
	return &summary, nil
}

// Evaluate runs one evaluation pass over the validation split without
// training.
func (r *Runner) Evaluate(ctx context.Context) (*Summary, error) {
	r.summary = Summary{RecordDir: r.recordDir}
	r.enter(PhaseInitializing)

	evaluator, valBatches, err := r.newEvaluator()
	if err != nil {
		return nil, err
	}

	r.enter(PhaseEvaluatingEpoch)
	eval, err := r.evaluate(ctx, evaluator, valBatches, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("evaluation: %w", err)
	}
	r.summary.LastEval = eval

	r.enter(PhaseDone)
	summary := r.summary
	return &summary, nil
}

func (r *Runner) newEvaluator() (*training.Evaluator, *batching.Provider, error) {
	valBatches, err := batching.New(r.val, batching.Config{
		BatchSize: r.config.BatchSize,
		Workers:   r.config.Workers,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("creating validation batches: %w", err)
	}
	evaluator, err := training.NewEvaluator(r.model, r.codec, training.EvaluatorConfig{
		PadID:             r.codec.PadID(),
		EOSID:             r.codec.EOSID(),
		SkipSpecialTokens: r.config.SkipSpecialTokens,
	})
	if err != nil {
		return nil, nil, err
	}
	return evaluator, valBatches, nil
}

func (r *Runner) evaluate(ctx context.Context, evaluator *training.Evaluator, batches *batching.Provider, epoch, step int) (*EvalSummary, error) {
	r.logger.Info(fmt.Sprintf("Evaluating at step %d...", step), zap.Int("epoch", epoch))

	var (
		loss    monitor.AverageMeter
		all     []training.Prediction
		correct []training.Prediction
	)
	summary := &EvalSummary{Epoch: epoch, Step: step}

	batchNum := 0
	for batch, err := range batches.Epoch(ctx, 0) {
		if err != nil {
			return nil, err
		}
		start := time.Now()
		result, err := evaluator.Step(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("batch %d: %w", batchNum, err)
		}
		RecordEvaluationBatch(r.modelName, time.Since(start).Seconds())

		if result.HasLoss {
			loss.Update(result.Loss, result.Size)
			summary.HasLoss = true
		}
		summary.ExactMatchNoEOS += result.MatchesNoEOS
		summary.ExactMatchWithEOS += result.MatchesWithEOS
		summary.Examples += result.Size
		summary.Batches++
		r.summary.EvalBatches++

		all = append(all, result.Predictions...)
		correct = append(correct, result.Correct()...)

		if batchNum == 0 && len(result.Predictions) > 0 {
			p := result.Predictions[0]
			r.logger.Info("Sample prediction",
				zap.String("source", p.Source),
				zap.String("target", p.Reference),
				zap.String("actual", p.Generated))
		}
		batchNum++
	}
	summary.NLL = loss.Avg()

	if r.recordDir != "" {
		if err := monitor.NewReportWriter(r.recordDir).Write(all, correct); err != nil {
			return nil, err
		}
	}

	fields := []zap.Field{
		zap.Int("exact_match_with_eos", summary.ExactMatchWithEOS),
		zap.Int("exact_match_no_eos", summary.ExactMatchNoEOS),
		zap.Int("examples", summary.Examples),
	}
	var errs []error
	if summary.HasLoss {
		fields = append([]zap.Field{zap.Float64("NLL", summary.NLL)}, fields...)
		errs = append(errs, r.sink.AddScalar(ScalarDevNLL, summary.NLL, step))
	}
	r.logger.Info("Dev results", fields...)

	errs = append(errs,
		r.sink.AddScalar(ScalarDevExactWithEOS, float64(summary.ExactMatchWithEOS), step),
		r.sink.AddScalar(ScalarDevExactNoEOS, float64(summary.ExactMatchNoEOS), step),
		monitor.Visualize(r.sink, all, step, visualizeSplit, r.config.NumVisuals),
	)
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("recording results: %w", err)
	}
	return summary, nil
}

func (r *Runner) save(model seq2seq.Trainable) error {
	if r.recordDir == "" {
		return nil
	}
	dir := filepath.Join(r.recordDir, SavedModelDir)
	if err := model.Save(dir); err != nil {
		return fmt.Errorf("saving model: %w", err)
	}
	if r.modelDir != "" {
		if err := copyTokenizerFiles(r.modelDir, dir); err != nil {
			return fmt.Errorf("copying tokenizer: %w", err)
		}
	}
	r.logger.Info("Saved model", zap.String("dir", dir))
	return nil
}

func copyTokenizerFiles(srcDir, dstDir string) error {
	for _, name := range tokenizerFiles {
		data, err := os.ReadFile(filepath.Join(srcDir, name))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(dstDir, name), data, 0644); err != nil {
			return err
		}
	}
	return nil
}

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

package training

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/antflydb/seqtune/lib/batching"
	"github.com/antflydb/seqtune/lib/seq2seq"
)

// Decoder turns generated ids into text.
type Decoder interface {
	Decode(ids []int, skipSpecialTokens bool) string
}

// EvaluatorConfig configures an Evaluator.
type EvaluatorConfig struct {
	PadID int
	// EOSID is the end-of-sequence id; negative when the tokenizer has none.
	EOSID int
	// SkipSpecialTokens removes special tokens when decoding predictions.
	SkipSpecialTokens bool
}

// Prediction is a (source, reference, generated) text triple.
type Prediction struct {
	Source    string
	Reference string
	Generated string
}

// EvalResult holds the statistics of one evaluation batch.
type EvalResult struct {
	// Loss is the batch loss; valid only when HasLoss is set.
	Loss    float64
	HasLoss bool
	Size    int
	// MatchesNoEOS counts exact matches ignoring the end-of-sequence token.
	MatchesNoEOS int
	// MatchesWithEOS counts exact matches including it.
	MatchesWithEOS int
	// CorrectIndices are the batch rows counted in MatchesNoEOS.
	CorrectIndices []int
	Predictions    []Prediction
}

// Correct returns the predictions of the correct rows.
func (r *EvalResult) Correct() []Prediction {
	out := make([]Prediction, 0, len(r.CorrectIndices))
	for _, i := range r.CorrectIndices {
		out = append(out, r.Predictions[i])
	}
	return out
}

// Evaluator computes loss and generation accuracy without updating the model.
type Evaluator struct {
	model   seq2seq.Model
	decoder Decoder
	config  EvaluatorConfig
}

// NewEvaluator creates an Evaluator.
func NewEvaluator(model seq2seq.Model, decoder Decoder, config EvaluatorConfig) (*Evaluator, error) {
	if model == nil || decoder == nil {
		return nil, errors.New("model and decoder are required")
	}
	return &Evaluator{model: model, decoder: decoder, config: config}, nil
}

// Step evaluates one batch. Generation sees only the sources. Backends that
// cannot compute a loss yield a result with HasLoss unset.
func (e *Evaluator) Step(ctx context.Context, batch *batching.Batch) (*EvalResult, error) {
	if batch == nil || batch.Size() == 0 {
		return nil, errors.New("empty batch")
	}
	result := &EvalResult{Size: batch.Size()}

	out, err := Forward(ctx, e.model, batch, e.config.PadID, seq2seq.ModeEval)
	switch {
	case errors.Is(err, seq2seq.ErrNotSupported):
	case err != nil:
		return nil, fmt.Errorf("forward: %w", err)
	default:
		result.Loss = out.Loss
		result.HasLoss = true
	}

	generated, err := e.model.Generate(ctx, &seq2seq.Inputs{
		SourceIDs:  batch.SourceIDs,
		SourceMask: batch.SourceMask,
		SourceText: batch.SourceText,
	})
	if err != nil {
		return nil, fmt.Errorf("generate: %w", err)
	}
	if len(generated) != batch.Size() {
		return nil, fmt.Errorf("generate returned %d sequences for %d examples", len(generated), batch.Size())
	}

	result.MatchesNoEOS, result.MatchesWithEOS, result.CorrectIndices =
		MaskedTokenMatch(batch.TargetIDs, generated, e.config.PadID, e.config.EOSID)

	result.Predictions = make([]Prediction, batch.Size())
	for i, ids := range generated {
		result.Predictions[i] = Prediction{
			Source:    batch.SourceText[i],
			Reference: batch.TargetText[i],
			Generated: e.decoder.Decode(ids, e.config.SkipSpecialTokens),
		}
	}
	return result, nil
}

// MaskedTokenMatch compares generated sequences with padded targets.
//
// The reference of a row is its target without pad tokens. A generated row
// drops pad tokens and ends at its first end-of-sequence token. noEOS counts
// rows equal after removing end-of-sequence tokens from both sides, withEOS
// counts rows equal as they are, and correct lists the rows counted in noEOS.
// noEOS >= withEOS always holds.
func MaskedTokenMatch(targets, generated [][]int, padID, eosID int) (noEOS, withEOS int, correct []int) {
	correct = []int{}
	for i := range min(len(targets), len(generated)) {
		ref := withoutToken(targets[i], padID)
		gen := withoutToken(generated[i], padID)
		if eosID >= 0 {
			if end := slices.Index(gen, eosID); end >= 0 {
				gen = gen[:end+1]
			}
		}

		if slices.Equal(ref, gen) {
			withEOS++
		}
		if eosID >= 0 {
			ref = withoutToken(ref, eosID)
			gen = withoutToken(gen, eosID)
		}
		if slices.Equal(ref, gen) {
			noEOS++
			correct = append(correct, i)
		}
	}
	return noEOS, withEOS, correct
}

func withoutToken(ids []int, token int) []int {
	out := make([]int, 0, len(ids))
	for _, id := range ids {
		if id != token {
			out = append(out, id)
		}
	}
	return out
}

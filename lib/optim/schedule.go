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

// Package optim provides the learning-rate schedule used to fine-tune
// seq2seq models. Optimizer updates run inside the model graphs.
package optim

// LinearSchedule ramps the learning rate linearly from 0 to the base rate over
// the warmup steps, then decays it linearly to 0 at the total step count.
type LinearSchedule struct {
	base    float64
	warmup  int
	total   int
	current int
}

// NewLinearSchedule creates a schedule positioned at step 0.
func NewLinearSchedule(base float64, warmupSteps, totalSteps int) *LinearSchedule {
	return &LinearSchedule{
		base:   base,
		warmup: warmupSteps,
		total:  totalSteps,
	}
}

// TotalSteps returns the number of optimizer steps planned for a run. The
// integer division drops the partial last batch of each epoch, so the rate
// reaches 0 slightly before the end of training when the split does not
// divide evenly.
func TotalSteps(numExamples, batchSize, epochs int) int {
	if batchSize <= 0 {
		return 0
	}
	return (numExamples / batchSize) * epochs
}

// LR returns the learning rate for the current step.
func (s *LinearSchedule) LR() float64 {
	return s.base * s.factor(s.current)
}

// Step advances the schedule by one optimizer step.
func (s *LinearSchedule) Step() {
	s.current++
}

// Current returns the number of steps taken so far.
func (s *LinearSchedule) Current() int {
	return s.current
}

func (s *LinearSchedule) factor(step int) float64 {
	if step < s.warmup {
		return float64(step) / float64(max(1, s.warmup))
	}
	return max(0, float64(s.total-step)/float64(max(1, s.total-s.warmup)))
}

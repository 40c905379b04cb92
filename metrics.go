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

import "github.com/prometheus/client_golang/prometheus"

var (
	trainingStepOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "seqtune",
			Name:      "training_step_ops_total",
			Help:      "The total number of optimizer steps.",
		},
		[]string{"model"},
	)
	trainingExampleOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "seqtune",
			Name:      "training_example_ops_total",
			Help:      "The total number of training examples processed.",
		},
		[]string{"model"},
	)
	evaluationBatchOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "seqtune",
			Name:      "evaluation_batch_ops_total",
			Help:      "The total number of evaluation batches.",
		},
		[]string{"model"},
	)
	epochsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "seqtune",
			Name:      "epochs_completed_total",
			Help:      "The total number of completed training epochs.",
		},
		[]string{"model"},
	)

	modelLoadDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "antfly",
			Subsystem: "seqtune",
			Name:      "model_load_duration_seconds",
			Help:      "Time taken to load a model.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"model", "backend"},
	)

	stepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "antfly",
			Subsystem: "seqtune",
			Name:      "step_duration_seconds",
			Help:      "Time taken by a training or evaluation step.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"phase"},
	)

	cacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "seqtune",
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits.",
		},
		[]string{"type"},
	)

	cacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "seqtune",
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses.",
		},
		[]string{"type"},
	)

	runPhase = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "antfly",
			Subsystem: "seqtune",
			Name:      "run_phase",
			Help:      "Current phase of the run (0 initializing, 1 training, 2 evaluating, 3 done).",
		},
	)
)

func init() {
	prometheus.MustRegister(trainingStepOps)
	prometheus.MustRegister(trainingExampleOps)
	prometheus.MustRegister(evaluationBatchOps)
	prometheus.MustRegister(epochsCompleted)
	prometheus.MustRegister(modelLoadDuration)
	prometheus.MustRegister(stepDuration)
	prometheus.MustRegister(cacheHits)
	prometheus.MustRegister(cacheMisses)
	prometheus.MustRegister(runPhase)
}

// RecordModelLoadDuration records how long it took to load a model
func RecordModelLoadDuration(model, backend string, seconds float64) {
	modelLoadDuration.WithLabelValues(model, backend).Observe(seconds)
}

// RecordTrainingStep records one optimizer step over n examples
func RecordTrainingStep(model string, n int, seconds float64) {
	trainingStepOps.WithLabelValues(model).Inc()
	trainingExampleOps.WithLabelValues(model).Add(float64(n))
	stepDuration.WithLabelValues("train").Observe(seconds)
}

// RecordEvaluationBatch records one evaluation batch
func RecordEvaluationBatch(model string, seconds float64) {
	evaluationBatchOps.WithLabelValues(model).Inc()
	stepDuration.WithLabelValues("eval").Observe(seconds)
}

// RecordEpoch increments the completed epoch counter
func RecordEpoch(model string) {
	epochsCompleted.WithLabelValues(model).Inc()
}

// RecordPhase publishes the current run phase
func RecordPhase(p Phase) {
	runPhase.Set(float64(p))
}

// RecordCacheHit increments the cache hit counter
func RecordCacheHit(cacheType string) {
	cacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss increments the cache miss counter
func RecordCacheMiss(cacheType string) {
	cacheMisses.WithLabelValues(cacheType).Inc()
}

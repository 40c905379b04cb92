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

package monitor

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink mirrors scalars into gauges labelled by key, so a running
// job can be scraped while it trains.
type PrometheusSink struct {
	reg    prometheus.Registerer
	values *prometheus.GaugeVec
	steps  *prometheus.GaugeVec
	texts  *prometheus.CounterVec
}

var _ Sink = (*PrometheusSink)(nil)

// NewPrometheusSink registers the sink's collectors with reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	s := &PrometheusSink{
		reg: reg,
		values: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "antfly",
				Subsystem: "seqtune",
				Name:      "scalar",
				Help:      "Latest value of a monitored scalar.",
			},
			[]string{"key"},
		),
		steps: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "antfly",
				Subsystem: "seqtune",
				Name:      "scalar_step",
				Help:      "Step at which a monitored scalar was last updated.",
			},
			[]string{"key"},
		),
		texts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "antfly",
				Subsystem: "seqtune",
				Name:      "text_events_total",
				Help:      "The total number of text events emitted.",
			},
			[]string{"key"},
		),
	}
	for i, c := range s.collectors() {
		if err := reg.Register(c); err != nil {
			for _, registered := range s.collectors()[:i] {
				reg.Unregister(registered)
			}
			return nil, fmt.Errorf("registering monitoring collector: %w", err)
		}
	}
	return s, nil
}

// AddScalar sets the gauge of key.
func (s *PrometheusSink) AddScalar(key string, value float64, step int) error {
	s.values.WithLabelValues(key).Set(value)
	s.steps.WithLabelValues(key).Set(float64(step))
	return nil
}

// AddText counts the text event; the text itself is not exported.
func (s *PrometheusSink) AddText(key, _ string, _ int) error {
	s.texts.WithLabelValues(key).Inc()
	return nil
}

func (s *PrometheusSink) collectors() []prometheus.Collector {
	return []prometheus.Collector{s.values, s.steps, s.texts}
}

// Close unregisters the collectors so that a later run can register its own.
func (s *PrometheusSink) Close() error {
	for _, c := range s.collectors() {
		s.reg.Unregister(c)
	}
	return nil
}

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

package batching

import (
	"context"
	"fmt"
	"slices"
	"testing"

	"github.com/antflydb/seqtune/lib/dataset"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sliceSource []dataset.Example

func (s sliceSource) Len() int                   { return len(s) }
func (s sliceSource) Get(i int) *dataset.Example { return &s[i] }

func newSource(n int) sliceSource {
	s := make(sliceSource, n)
	for i := range s {
		s[i] = dataset.Example{
			SourceIDs:  []int{i, 1},
			SourceMask: []int{1, 1},
			TargetIDs:  []int{i + 100, 1},
			TargetMask: []int{1, 1},
			SourceText: fmt.Sprintf("source %d", i),
			TargetText: fmt.Sprintf("target %d", i),
		}
	}
	return s
}

func collect(t *testing.T, p *Provider, epoch int) []*Batch {
	t.Helper()
	var batches []*Batch
	for b, err := range p.Epoch(context.Background(), epoch) {
		require.NoError(t, err)
		batches = append(batches, b)
	}
	return batches
}

func TestNew_Validation(t *testing.T) {
	_, err := New(newSource(1), Config{BatchSize: 0})
	require.Error(t, err)
	_, err = New(nil, Config{BatchSize: 1})
	require.Error(t, err)
}

func TestEpoch_LastBatchSmaller(t *testing.T) {
	for _, workers := range []int{0, 1, 4} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			p, err := New(newSource(3), Config{BatchSize: 2, Workers: workers})
			require.NoError(t, err)
			assert.Equal(t, 2, p.NumBatches())

			batches := collect(t, p, 1)
			require.Len(t, batches, 2)
			assert.Equal(t, 2, batches[0].Size())
			assert.Equal(t, 1, batches[1].Size())
			assert.Equal(t, []int{0, 1}, batches[0].Indices)
			assert.Equal(t, []int{2}, batches[1].Indices)
			assert.Equal(t, []string{"source 0", "source 1"}, batches[0].SourceText)
			assert.Equal(t, [][]int{{102, 1}}, batches[1].TargetIDs)
		})
	}
}

func TestEpoch_SingleBatch(t *testing.T) {
	p, err := New(newSource(2), Config{BatchSize: 2, Shuffle: true, Workers: 4, Seed: 42})
	require.NoError(t, err)
	batches := collect(t, p, 1)
	require.Len(t, batches, 1)
	assert.Equal(t, 2, batches[0].Size())
}

func TestEpoch_ShuffleIsSeeded(t *testing.T) {
	p, err := New(newSource(20), Config{BatchSize: 3, Shuffle: true, Workers: 2, Seed: 42})
	require.NoError(t, err)

	indices := func(epoch int) []int {
		var out []int
		for _, b := range collect(t, p, epoch) {
			out = append(out, b.Indices...)
		}
		return out
	}

	first := indices(1)
	assert.Equal(t, first, indices(1), "same seed and epoch give the same order")
	assert.NotEqual(t, first, indices(2), "each epoch is reshuffled")

	sorted := slices.Clone(first)
	slices.Sort(sorted)
	for i, v := range sorted {
		assert.Equal(t, i, v, "every example appears once")
	}
}

func TestEpoch_PrefetchMatchesInline(t *testing.T) {
	src := newSource(11)
	inline, err := New(src, Config{BatchSize: 4, Shuffle: true, Seed: 7})
	require.NoError(t, err)
	prefetched, err := New(src, Config{BatchSize: 4, Shuffle: true, Seed: 7, Workers: 3})
	require.NoError(t, err)

	assert.Equal(t, collect(t, inline, 3), collect(t, prefetched, 3))
}

func TestEpoch_EarlyBreak(t *testing.T) {
	p, err := New(newSource(50), Config{BatchSize: 2, Workers: 2})
	require.NoError(t, err)

	seen := 0
	for _, err := range p.Epoch(context.Background(), 1) {
		require.NoError(t, err)
		seen++
		if seen == 3 {
			break
		}
	}
	assert.Equal(t, 3, seen)
}

func TestEpoch_Cancelled(t *testing.T) {
	for _, workers := range []int{0, 2} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			p, err := New(newSource(10), Config{BatchSize: 2, Workers: workers})
			require.NoError(t, err)

			ctx, cancel := context.WithCancel(context.Background())
			cancel()

			var gotErr error
			for b, err := range p.Epoch(ctx, 1) {
				if err != nil {
					gotErr = err
					assert.Nil(t, b)
				}
			}
			assert.ErrorIs(t, gotErr, context.Canceled)
		})
	}
}

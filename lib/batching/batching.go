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

// Package batching groups examples into batches, shuffling per epoch and
// assembling batches ahead of the consumer.
package batching

import (
	"context"
	"fmt"
	"iter"
	"math/rand/v2"

	"github.com/antflydb/seqtune/lib/dataset"
	"golang.org/x/sync/errgroup"
)

// Source is a randomly accessible set of examples.
type Source interface {
	Len() int
	Get(i int) *dataset.Example
}

var _ Source = (*dataset.Store)(nil)

// Config controls batch size, ordering and prefetching.
type Config struct {
	BatchSize int
	// Shuffle permutes the examples every epoch. The permutation depends only
	// on Seed and the epoch number.
	Shuffle bool
	// Workers assemble up to Workers batches ahead of the consumer. Zero
	// assembles each batch when it is requested.
	Workers int
	Seed    uint64
}

// Batch holds row-aligned examples. Rows share storage with the source
// examples and must not be modified.
type Batch struct {
	SourceIDs  [][]int
	SourceMask [][]int
	TargetIDs  [][]int
	TargetMask [][]int
	SourceText []string
	TargetText []string
	// Indices are the source positions of the rows.
	Indices []int
}

// Size returns the number of examples in the batch.
func (b *Batch) Size() int {
	return len(b.Indices)
}

// Provider yields the batches of a Source epoch by epoch.
type Provider struct {
	source Source
	config Config
}

// New creates a Provider.
func New(source Source, config Config) (*Provider, error) {
	if source == nil {
		return nil, fmt.Errorf("source is required")
	}
	if config.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", config.BatchSize)
	}
	if config.Workers < 0 {
		config.Workers = 0
	}
	return &Provider{source: source, config: config}, nil
}

// Len returns the number of examples.
func (p *Provider) Len() int {
	return p.source.Len()
}

// NumBatches returns the number of batches per epoch. The last batch may be
// smaller than BatchSize.
func (p *Provider) NumBatches() int {
	n := p.source.Len()
	return (n + p.config.BatchSize - 1) / p.config.BatchSize
}

// Order returns the example order of an epoch.
func (p *Provider) Order(epoch int) []int {
	n := p.source.Len()
	if !p.config.Shuffle {
		order := make([]int, n)
		for i := range order {
			order[i] = i
		}
		return order
	}
	rng := rand.New(rand.NewPCG(p.config.Seed, uint64(epoch)))
	return rng.Perm(n)
}

// Epoch yields the batches of one epoch in order. Iteration stops after the
// first error, which is yielded with a nil batch.
func (p *Provider) Epoch(ctx context.Context, epoch int) iter.Seq2[*Batch, error] {
	return func(yield func(*Batch, error) bool) {
		order := p.Order(epoch)
		chunks := make([][]int, 0, p.NumBatches())
		for start := 0; start < len(order); start += p.config.BatchSize {
			chunks = append(chunks, order[start:min(start+p.config.BatchSize, len(order))])
		}

		if p.config.Workers == 0 {
			for _, chunk := range chunks {
				if err := ctx.Err(); err != nil {
					yield(nil, err)
					return
				}
				if !yield(p.assemble(chunk), nil) {
					return
				}
			}
			return
		}
		p.prefetch(ctx, chunks, yield)
	}
}

// prefetch assembles batches on an errgroup while delivering them in order.
func (p *Provider) prefetch(ctx context.Context, chunks [][]int, yield func(*Batch, error) bool) {
	ctx, cancel := context.WithCancel(ctx)
	g := new(errgroup.Group)
	g.SetLimit(p.config.Workers)

	futures := make(chan chan *Batch, p.config.Workers)
	producerDone := make(chan struct{})
	defer func() {
		cancel()
		<-producerDone
		_ = g.Wait()
	}()

	go func() {
		defer close(producerDone)
		defer close(futures)
		for _, chunk := range chunks {
			future := make(chan *Batch, 1)
			select {
			case futures <- future:
			case <-ctx.Done():
				return
			}
			g.Go(func() error {
				future <- p.assemble(chunk)
				return nil
			})
		}
	}()

	for future := range futures {
		select {
		case b := <-future:
			if !yield(b, nil) {
				return
			}
		case <-ctx.Done():
			yield(nil, ctx.Err())
			return
		}
	}
	if err := ctx.Err(); err != nil {
		yield(nil, err)
	}
}

func (p *Provider) assemble(indices []int) *Batch {
	n := len(indices)
	b := &Batch{
		SourceIDs:  make([][]int, n),
		SourceMask: make([][]int, n),
		TargetIDs:  make([][]int, n),
		TargetMask: make([][]int, n),
		SourceText: make([]string, n),
		TargetText: make([]string, n),
		Indices:    indices,
	}
	for row, idx := range indices {
		ex := p.source.Get(idx)
		b.SourceIDs[row] = ex.SourceIDs
		b.SourceMask[row] = ex.SourceMask
		b.TargetIDs[row] = ex.TargetIDs
		b.TargetMask[row] = ex.TargetMask
		b.SourceText[row] = ex.SourceText
		b.TargetText[row] = ex.TargetText
	}
	return b
}

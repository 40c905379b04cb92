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
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/antflydb/seqtune/lib/tokenizer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// countingCodec encodes every word as id 7 and counts Encode calls.
type countingCodec struct {
	idCodec
	calls atomic.Int64
	fail  string
}

func (c *countingCodec) Encode(text string, maxLen int) (tokenizer.Encoding, error) {
	c.calls.Add(1)
	if text == c.fail {
		return tokenizer.Encoding{}, errors.New("boom")
	}
	enc := tokenizer.Encoding{IDs: make([]int, maxLen), Mask: make([]int, maxLen)}
	for i := range min(len(strings.Fields(text)), maxLen) {
		enc.IDs[i] = 7
		enc.Mask[i] = 1
	}
	return enc, nil
}

func TestCachedEncoder(t *testing.T) {
	codec := &countingCodec{}
	cache := NewCachedEncoder(codec, time.Minute, zap.NewNop())
	defer cache.Close()

	first, err := cache.Encode("a b", 4)
	require.NoError(t, err)
	second, err := cache.Encode("a b", 4)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, []int{7, 7, 0, 0}, second.IDs)
	assert.EqualValues(t, 1, codec.calls.Load())

	// The length is part of the key.
	other, err := cache.Encode("a b", 3)
	require.NoError(t, err)
	assert.Len(t, other.IDs, 3)
	assert.EqualValues(t, 2, codec.calls.Load())

	stats := cache.Stats()
	assert.EqualValues(t, 1, stats.Hits)
	assert.EqualValues(t, 2, stats.Misses)
	assert.Equal(t, 2, stats.Items)

	assert.Equal(t, testPad, cache.PadID())
	assert.Equal(t, testEOS, cache.EOSID())
	assert.Equal(t, "5 1", cache.Decode([]int{5, 1}, false))
}

func TestCachedEncoder_ErrorsAreNotCached(t *testing.T) {
	codec := &countingCodec{fail: "bad"}
	cache := NewCachedEncoder(codec, time.Minute, zap.NewNop())
	defer cache.Close()

	for range 2 {
		_, err := cache.Encode("bad", 4)
		require.Error(t, err)
	}
	assert.EqualValues(t, 2, codec.calls.Load())
	assert.Equal(t, 0, cache.Stats().Items)
}

func TestCachedEncoder_Concurrent(t *testing.T) {
	codec := &countingCodec{}
	cache := NewCachedEncoder(codec, time.Minute, zap.NewNop())
	defer cache.Close()

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			enc, err := cache.Encode("same line", 4)
			assert.NoError(t, err)
			assert.Equal(t, []int{7, 7, 0, 0}, enc.IDs)
		}()
	}
	wg.Wait()

	stats := cache.Stats()
	assert.EqualValues(t, codec.calls.Load(), stats.Misses)
	assert.GreaterOrEqual(t, stats.Misses, uint64(1))
	assert.LessOrEqual(t, stats.Hits+stats.Misses, uint64(16))
	assert.Equal(t, 1, stats.Items)
}

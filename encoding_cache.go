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
	"strconv"
	"sync/atomic"
	"time"

	"github.com/antflydb/seqtune/lib/tokenizer"
	"github.com/cespare/xxhash/v2"
	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// CachedEncoder wraps a TextCodec so that identical lines encoded to the same
// length are tokenized once. Summarization corpora repeat many targets.
type CachedEncoder struct {
	tokenizer.TextCodec
	cache   *ttlcache.Cache[uint64, tokenizer.Encoding]
	sfGroup *singleflight.Group
	logger  *zap.Logger

	hits   atomic.Uint64
	misses atomic.Uint64
	sfHits atomic.Uint64
}

var _ tokenizer.TextCodec = (*CachedEncoder)(nil)

// NewCachedEncoder wraps codec with a cache whose entries expire after ttl.
// Close must be called to stop the expiration loop.
func NewCachedEncoder(codec tokenizer.TextCodec, ttl time.Duration, logger *zap.Logger) *CachedEncoder {
	if logger == nil {
		logger = zap.NewNop()
	}
	cache := ttlcache.New(
		ttlcache.WithTTL[uint64, tokenizer.Encoding](ttl),
	)
	go cache.Start()

	return &CachedEncoder{
		TextCodec: codec,
		cache:     cache,
		sfGroup:   &singleflight.Group{},
		logger:    logger,
	}
}

// Encode returns the cached encoding of text at maxLen, encoding it on a miss.
func (c *CachedEncoder) Encode(text string, maxLen int) (tokenizer.Encoding, error) {
	key := cacheKey(text, maxLen)

	if item := c.cache.Get(key); item != nil {
		c.hits.Add(1)
		RecordCacheHit("encoding")
		return item.Value(), nil
	}

	// Concurrent workers tokenizing the same line share one encoding.
	result, err, shared := c.sfGroup.Do(strconv.FormatUint(key, 16), func() (any, error) {
		c.misses.Add(1)
		RecordCacheMiss("encoding")

		enc, err := c.TextCodec.Encode(text, maxLen)
		if err != nil {
			return nil, err
		}
		c.cache.Set(key, enc, ttlcache.DefaultTTL)
		return enc, nil
	})
	if err != nil {
		return tokenizer.Encoding{}, err
	}
	if shared {
		c.sfHits.Add(1)
	}
	return result.(tokenizer.Encoding), nil
}

func cacheKey(text string, maxLen int) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(strconv.Itoa(maxLen))
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(text)
	return h.Sum64()
}

// Close stops the cache.
func (c *CachedEncoder) Close() {
	c.cache.Stop()
	c.logger.Debug("Encoding cache closed",
		zap.Uint64("hits", c.hits.Load()),
		zap.Uint64("misses", c.misses.Load()),
		zap.Uint64("singleflight_hits", c.sfHits.Load()),
		zap.Int("items", c.cache.Len()))
}

// Stats returns cache statistics
func (c *CachedEncoder) Stats() EncodingCacheStats {
	return EncodingCacheStats{
		Hits:             c.hits.Load(),
		Misses:           c.misses.Load(),
		SingleflightHits: c.sfHits.Load(),
		Items:            c.cache.Len(),
	}
}

// EncodingCacheStats holds cache statistics for an encoder
type EncodingCacheStats struct {
	Hits             uint64 `json:"hits"`
	Misses           uint64 `json:"misses"`
	SingleflightHits uint64 `json:"singleflight_hits"`
	Items            int    `json:"items"`
}

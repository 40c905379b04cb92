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

package tokenizer

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gomlx/go-huggingface/tokenizers/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wordTokenizer is a whitespace tokenizer over a fixed vocabulary.
// Ids: 0 <pad>, 1 </s>, 2 <unk>, then the words in order.
type wordTokenizer struct {
	vocab map[string]int
	words []string
}

func newWordTokenizer(words ...string) *wordTokenizer {
	t := &wordTokenizer{
		vocab: map[string]int{"<pad>": 0, "</s>": 1, "<unk>": 2},
		words: []string{"<pad>", "</s>", "<unk>"},
	}
	for _, w := range words {
		t.vocab[w] = len(t.words)
		t.words = append(t.words, w)
	}
	return t
}

func (t *wordTokenizer) Encode(text string) []int {
	var ids []int
	for _, f := range strings.Fields(text) {
		id, ok := t.vocab[f]
		if !ok {
			id = 2
		}
		ids = append(ids, id)
	}
	return ids
}

func (t *wordTokenizer) Decode(ids []int) string {
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, t.words[id])
	}
	return strings.Join(parts, " ")
}

func (t *wordTokenizer) SpecialTokenID(token api.SpecialToken) (int, error) {
	switch token {
	case api.TokPad:
		return 0, nil
	case api.TokEndOfSentence:
		return 1, nil
	case api.TokUnknown:
		return 2, nil
	default:
		return 0, fmt.Errorf("unknown special token %d", int(token))
	}
}

func TestFixedLengthEncoder_Encode(t *testing.T) {
	enc, err := NewFixedLengthEncoder(newWordTokenizer("a", "b", "c", "d"))
	require.NoError(t, err)

	tests := []struct {
		name      string
		text      string
		maxLen    int
		ids       []int
		mask      []int
		truncated bool
	}{
		{
			name:   "pads on the right",
			text:   "a b",
			maxLen: 5,
			ids:    []int{3, 4, 1, 0, 0},
			mask:   []int{1, 1, 1, 0, 0},
		},
		{
			name:   "exact fit",
			text:   "a b",
			maxLen: 3,
			ids:    []int{3, 4, 1},
			mask:   []int{1, 1, 1},
		},
		{
			name:      "truncates from the end and keeps eos",
			text:      "a b c d",
			maxLen:    3,
			ids:       []int{3, 4, 1},
			mask:      []int{1, 1, 1},
			truncated: true,
		},
		{
			name:   "empty text is just eos",
			text:   "",
			maxLen: 2,
			ids:    []int{1, 0},
			mask:   []int{1, 0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := enc.Encode(tt.text, tt.maxLen)
			require.NoError(t, err)
			assert.Len(t, got.IDs, tt.maxLen)
			assert.Len(t, got.Mask, tt.maxLen)
			assert.Equal(t, tt.ids, got.IDs)
			assert.Equal(t, tt.mask, got.Mask)
			assert.Equal(t, tt.truncated, got.Truncated)
		})
	}
}

func TestFixedLengthEncoder_WithoutEOS(t *testing.T) {
	enc, err := NewFixedLengthEncoder(newWordTokenizer("a", "b", "c"), WithoutEOS())
	require.NoError(t, err)

	got, err := enc.Encode("a b c", 2)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 4}, got.IDs)
	assert.True(t, got.Truncated)
	assert.Equal(t, 3, got.Length)
}

func TestFixedLengthEncoder_InvalidLength(t *testing.T) {
	enc, err := NewFixedLengthEncoder(newWordTokenizer())
	require.NoError(t, err)

	_, err = enc.Encode("a", 0)
	assert.ErrorIs(t, err, ErrInvalidLength)
}

func TestFixedLengthEncoder_Decode(t *testing.T) {
	enc, err := NewFixedLengthEncoder(newWordTokenizer("x", "y"))
	require.NoError(t, err)

	ids := []int{3, 4, 1, 0}
	assert.Equal(t, "x y </s> <pad>", enc.Decode(ids, false))
	assert.Equal(t, "x y", enc.Decode(ids, true))
	assert.Equal(t, 0, enc.PadID())
	assert.Equal(t, 1, enc.EOSID())
}

func TestWordPieceTokenizer(t *testing.T) {
	dir := t.TempDir()
	vocab := strings.Join([]string{"[PAD]", "[UNK]", "[CLS]", "[SEP]", "[MASK]", "hello", "world"}, "\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "vocab.txt"), []byte(vocab), 0644))

	tok, err := Load(dir)
	require.NoError(t, err)
	require.IsType(t, &WordPieceTokenizer{}, tok)

	assert.Equal(t, []int{5, 6}, tok.Encode("Hello world"))

	pad, err := tok.SpecialTokenID(api.TokPad)
	require.NoError(t, err)
	assert.Equal(t, 0, pad)
	eos, err := tok.SpecialTokenID(api.TokEndOfSentence)
	require.NoError(t, err)
	assert.Equal(t, 3, eos)

	assert.Equal(t, 2, tok.(*WordPieceTokenizer).CountTokens("hello world"))
	assert.Equal(t, 7, tok.(*WordPieceTokenizer).VocabSize())
}

// panickyTokenizer fails on the text "boom" the way a library bug would.
type panickyTokenizer struct{ *wordTokenizer }

func (t panickyTokenizer) EncodeText(text string) (ids []int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrEncoding, r)
		}
	}()
	if text == "boom" {
		panic("index out of range")
	}
	return t.wordTokenizer.Encode(text), nil
}

func TestFixedLengthEncoder_EncodingFailure(t *testing.T) {
	enc, err := NewFixedLengthEncoder(panickyTokenizer{newWordTokenizer("a")})
	require.NoError(t, err)

	_, err = enc.Encode("boom", 4)
	require.ErrorIs(t, err, ErrEncoding, "a failed encoding is not an empty sequence")

	got, err := enc.Encode("a", 4)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 1, 0, 0}, got.IDs)
}

func TestWordPieceTokenizer_EncodeText(t *testing.T) {
	dir := t.TempDir()
	vocab := strings.Join([]string{"[PAD]", "[UNK]", "[CLS]", "[SEP]", "[MASK]", "hello"}, "\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "vocab.txt"), []byte(vocab), 0644))
	tok, err := NewWordPieceTokenizer(filepath.Join(dir, "vocab.txt"))
	require.NoError(t, err)

	ids, err := tok.EncodeText("hello")
	require.NoError(t, err)
	assert.Equal(t, []int{5}, ids)

	ids, err = tok.EncodeText("")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestLoad_NoTokenizer(t *testing.T) {
	_, err := Load(t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no tokenizer found")
}

func TestNormalizeTokenizerConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokenizer_config.json")
	content := `{"eos_token": {"__type": "AddedToken", "content": "</s>"}, "pad_token": "<pad>", "model_max_length": 512}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	out, err := normalizeTokenizerConfig(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"eos_token": "</s>", "pad_token": "<pad>", "model_max_length": 512}`, string(out))
}

func TestTokenizerCounter(t *testing.T) {
	c := TokenizerCounter{Tokenizer: newWordTokenizer("a")}
	assert.Equal(t, 0, c.CountTokens(""))
	assert.Equal(t, 3, c.CountTokens("a b c"))
}

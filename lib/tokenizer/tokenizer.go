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

// Package tokenizer loads model tokenizers and encodes text into fixed-length
// token id sequences with attention masks.
package tokenizer

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/gomlx/go-huggingface/tokenizers"
	"github.com/gomlx/go-huggingface/tokenizers/api"
	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/decoder"
	"github.com/sugarme/tokenizer/model"
	"github.com/sugarme/tokenizer/model/wordpiece"
	"github.com/sugarme/tokenizer/normalizer"
	"github.com/sugarme/tokenizer/pretokenizer"
	"github.com/sugarme/tokenizer/util"
)

// Tokenizer converts between text and token ids and exposes the ids of the
// special tokens (pad, end of sequence, ...).
type Tokenizer = tokenizers.Tokenizer

// ErrEncoding is returned for text the tokenizer fails on.
var ErrEncoding = errors.New("tokenizer failed to encode text")

// TextEncoder is implemented by tokenizers that report encoding failures
// instead of returning no ids.
type TextEncoder interface {
	EncodeText(text string) ([]int, error)
}

// Counter provides token counting for corpus statistics.
type Counter interface {
	// CountTokens returns the number of tokens in the text.
	CountTokens(text string) int
}

// WordPieceTokenizer uses BERT's WordPiece tokenization over a vocab.txt file.
// [PAD] pads, [SEP] ends a sequence and [CLS] starts one.
type WordPieceTokenizer struct {
	tokenizer *tokenizer.Tokenizer
	vocabSize int
}

var (
	_ Tokenizer   = (*WordPieceTokenizer)(nil)
	_ TextEncoder = (*WordPieceTokenizer)(nil)
)

// NewWordPieceTokenizer creates a WordPiece tokenizer from a vocab file with
// one token per line, the id being the line number.
func NewWordPieceTokenizer(vocabPath string) (*WordPieceTokenizer, error) {
	data, err := os.ReadFile(vocabPath)
	if err != nil {
		return nil, fmt.Errorf("reading vocab: %w", err)
	}

	vocab := make(model.Vocab)
	vocabSize := 0
	for i, line := range strings.Split(string(data), "\n") {
		line = strings.TrimRight(line, "\r")
		if line != "" {
			vocab[line] = i
			vocabSize = i + 1
		}
	}

	opts := util.NewParams(map[string]any{
		"unk_token": "[UNK]",
	})
	wp, err := wordpiece.New(vocab, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create wordpiece model: %w", err)
	}

	tk := tokenizer.NewTokenizer(wp)
	tk.WithNormalizer(normalizer.NewBertNormalizer(true, true, true, true))
	tk.WithPreTokenizer(pretokenizer.NewBertPreTokenizer())

	for _, special := range []string{"[PAD]", "[SEP]", "[CLS]", "[MASK]"} {
		if _, ok := tk.TokenToId(special); ok {
			tk.AddSpecialTokens([]tokenizer.AddedToken{tokenizer.NewAddedToken(special, true)})
		}
	}

	tk.WithDecoder(decoder.DefaultWordpieceDecoder())

	return &WordPieceTokenizer{tokenizer: tk, vocabSize: vocabSize}, nil
}

// VocabSize returns one past the largest id in the vocab file.
func (t *WordPieceTokenizer) VocabSize() int {
	return t.vocabSize
}

// Encode returns the token ids of text without special tokens, or nil when
// text cannot be encoded. EncodeText reports the error instead.
func (t *WordPieceTokenizer) Encode(text string) []int {
	ids, err := t.EncodeText(text)
	if err != nil {
		return nil
	}
	return ids
}

// EncodeText returns the token ids of text without special tokens. The
// underlying library can panic on some inputs (bounds bug in
// BertNormalizer.TransformRange); those inputs return ErrEncoding.
func (t *WordPieceTokenizer) EncodeText(text string) (ids []int, err error) {
	if text == "" {
		return nil, nil
	}
	defer func() {
		if r := recover(); r != nil {
			ids = nil
			err = fmt.Errorf("%w: %v", ErrEncoding, r)
		}
	}()

	enc, err := t.tokenizer.EncodeSingle(text, false)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncoding, err)
	}
	return enc.Ids, nil
}

// Decode returns the text of ids, keeping special tokens.
func (t *WordPieceTokenizer) Decode(ids []int) string {
	return t.tokenizer.Decode(ids, false)
}

// SpecialTokenID returns the id of a special token.
func (t *WordPieceTokenizer) SpecialTokenID(token api.SpecialToken) (int, error) {
	var name string
	switch token {
	case api.TokUnknown:
		name = "[UNK]"
	case api.TokPad:
		name = "[PAD]"
	case api.TokBeginningOfSentence:
		name = "[CLS]"
	case api.TokEndOfSentence:
		name = "[SEP]"
	default:
		return 0, fmt.Errorf("unknown special token: %s (%d)", token, int(token))
	}
	id, ok := t.tokenizer.TokenToId(name)
	if !ok {
		return 0, fmt.Errorf("special token %s not in vocab", name)
	}
	return id, nil
}

// CountTokens returns the number of WordPiece tokens in text.
func (t *WordPieceTokenizer) CountTokens(text string) int {
	return len(t.Encode(text))
}

// BPECounter counts tokens with OpenAI's tiktoken BPE encodings. It is a
// model-independent yardstick for corpus statistics.
type BPECounter struct {
	tiktoken *tiktoken.Tiktoken
}

func init() {
	// Set the offline loader for tiktoken to avoid network requests
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
}

// NewBPECounter creates a counter for encoding ("cl100k_base" when empty).
func NewBPECounter(encoding string) (*BPECounter, error) {
	if encoding == "" {
		encoding = "cl100k_base"
	}

	tk, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to get tiktoken encoding %q: %w", encoding, err)
	}

	return &BPECounter{tiktoken: tk}, nil
}

// CountTokens returns the number of BPE tokens in text.
func (c *BPECounter) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	return len(c.tiktoken.Encode(text, nil, nil))
}

// TokenizerCounter adapts a Tokenizer to the Counter interface.
type TokenizerCounter struct {
	Tokenizer Tokenizer
}

// CountTokens returns the number of ids the tokenizer produces for text.
func (c TokenizerCounter) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	return len(c.Tokenizer.Encode(text))
}

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
	"errors"
	"fmt"

	"github.com/gomlx/go-huggingface/tokenizers/api"
)

// ErrInvalidLength is returned when a non-positive maximum length is requested.
var ErrInvalidLength = errors.New("max length must be positive")

// Encoding is a fixed-length token sequence. IDs and Mask always have the
// requested length; Mask is 1 for real tokens and 0 for padding.
// Encodings may be shared between examples and must be treated as read-only.
type Encoding struct {
	IDs  []int
	Mask []int
	// Length is the number of tokens before truncation, including the
	// appended end-of-sequence token.
	Length int
	// Truncated reports whether tokens were dropped to fit the maximum length.
	Truncated bool
}

// Encoder produces fixed-length encodings.
type Encoder interface {
	Encode(text string, maxLen int) (Encoding, error)
}

// TextCodec is an Encoder that can also turn generated ids back into text and
// knows the ids that frame a sequence.
type TextCodec interface {
	Encoder
	Decode(ids []int, skipSpecialTokens bool) string
	PadID() int
	EOSID() int
}

// FixedLengthEncoder right-pads with the pad token and truncates from the end.
// When the tokenizer defines an end-of-sequence token it terminates every
// sequence, also truncated ones, the way T5 tokenizers do.
type FixedLengthEncoder struct {
	tok       Tokenizer
	padID     int
	eosID     int
	bosID     int
	appendEOS bool
}

var _ TextCodec = (*FixedLengthEncoder)(nil)

// EncoderOption configures a FixedLengthEncoder.
type EncoderOption func(*FixedLengthEncoder)

// WithoutEOS disables appending the end-of-sequence token.
func WithoutEOS() EncoderOption {
	return func(e *FixedLengthEncoder) { e.appendEOS = false }
}

// NewFixedLengthEncoder wraps tok. The tokenizer must define a pad token.
func NewFixedLengthEncoder(tok Tokenizer, opts ...EncoderOption) (*FixedLengthEncoder, error) {
	if tok == nil {
		return nil, errors.New("tokenizer is required")
	}
	padID, err := tok.SpecialTokenID(api.TokPad)
	if err != nil {
		return nil, fmt.Errorf("resolving pad token: %w", err)
	}

	e := &FixedLengthEncoder{
		tok:       tok,
		padID:     padID,
		eosID:     -1,
		bosID:     -1,
		appendEOS: true,
	}
	if id, err := tok.SpecialTokenID(api.TokEndOfSentence); err == nil && id >= 0 {
		e.eosID = id
	} else {
		e.appendEOS = false
	}
	if id, err := tok.SpecialTokenID(api.TokBeginningOfSentence); err == nil {
		e.bosID = id
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// PadID returns the padding token id.
func (e *FixedLengthEncoder) PadID() int { return e.padID }

// EOSID returns the end-of-sequence token id, or -1 when the tokenizer has none.
func (e *FixedLengthEncoder) EOSID() int { return e.eosID }

// Tokenizer returns the wrapped tokenizer.
func (e *FixedLengthEncoder) Tokenizer() Tokenizer { return e.tok }

// Encode tokenizes text to exactly maxLen ids.
func (e *FixedLengthEncoder) Encode(text string, maxLen int) (Encoding, error) {
	if maxLen <= 0 {
		return Encoding{}, ErrInvalidLength
	}

	var ids []int
	if te, ok := e.tok.(TextEncoder); ok {
		var err error
		if ids, err = te.EncodeText(text); err != nil {
			return Encoding{}, err
		}
	} else {
		ids = e.tok.Encode(text)
	}
	// Some tokenizer.json post-processors already terminate the sequence.
	if e.appendEOS && (len(ids) == 0 || ids[len(ids)-1] != e.eosID) {
		ids = append(ids[:len(ids):len(ids)], e.eosID)
	}
	length := len(ids)

	enc := Encoding{
		IDs:    make([]int, maxLen),
		Mask:   make([]int, maxLen),
		Length: length,
	}
	n := min(length, maxLen)
	copy(enc.IDs, ids[:n])
	if length > maxLen {
		enc.Truncated = true
		if e.appendEOS {
			enc.IDs[maxLen-1] = e.eosID
		}
	}
	for i := range maxLen {
		if i < n {
			enc.Mask[i] = 1
		} else {
			enc.IDs[i] = e.padID
		}
	}
	return enc, nil
}

// Decode converts ids back to text. With skipSpecialTokens the pad, begin and
// end-of-sequence tokens are removed first; otherwise they are rendered by the
// tokenizer like any other token.
func (e *FixedLengthEncoder) Decode(ids []int, skipSpecialTokens bool) string {
	if !skipSpecialTokens {
		return e.tok.Decode(ids)
	}
	kept := make([]int, 0, len(ids))
	for _, id := range ids {
		if id == e.padID || id == e.eosID || id == e.bosID {
			continue
		}
		kept = append(kept, id)
	}
	return e.tok.Decode(kept)
}

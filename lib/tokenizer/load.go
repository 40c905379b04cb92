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

	"github.com/bytedance/sonic"
	esentencepiece "github.com/eliben/go-sentencepiece"
	"github.com/gomlx/go-huggingface/tokenizers/api"
	"github.com/gomlx/go-huggingface/tokenizers/hftokenizer"
)

// tokenizerFormat opens one on-disk tokenizer format.
type tokenizerFormat struct {
	files []string
	open  func(modelPath, path string) (Tokenizer, error)
}

// formats are tried in order; the first present file wins.
var formats = []tokenizerFormat{
	{files: []string{"tokenizer.json"}, open: openHFTokenizer},
	{files: []string{"tokenizer.model", "spiece.model"}, open: openSentencePiece},
	{files: []string{"vocab.txt"}, open: func(_, path string) (Tokenizer, error) {
		return NewWordPieceTokenizer(path)
	}},
}

// Load loads the tokenizer of a local model directory: a HuggingFace
// tokenizer.json, a SentencePiece tokenizer.model (spiece.model for T5) or a
// WordPiece vocab.txt, in that order of preference.
func Load(modelPath string) (Tokenizer, error) {
	for _, format := range formats {
		for _, name := range format.files {
			path := filepath.Join(modelPath, name)
			if _, err := os.Stat(path); err != nil {
				continue
			}
			tok, err := format.open(modelPath, path)
			if err != nil {
				return nil, fmt.Errorf("loading %s: %w", name, err)
			}
			return tok, nil
		}
	}
	return nil, fmt.Errorf("no tokenizer found in %s (expected tokenizer.json, tokenizer.model, spiece.model or vocab.txt)", modelPath)
}

func openHFTokenizer(modelPath, path string) (Tokenizer, error) {
	var config *api.Config
	configPath := filepath.Join(modelPath, "tokenizer_config.json")
	if _, err := os.Stat(configPath); err == nil {
		content, err := normalizeTokenizerConfig(configPath)
		if err != nil {
			return nil, err
		}
		if config, err = api.ParseConfigContent(content); err != nil {
			return nil, fmt.Errorf("parsing tokenizer config: %w", err)
		}
		config.ConfigFile = configPath
	}
	return hftokenizer.NewFromFile(config, path)
}

func openSentencePiece(_, path string) (Tokenizer, error) {
	proc, err := esentencepiece.NewProcessorFromPath(path)
	if err != nil {
		return nil, err
	}
	info := proc.ModelInfo()
	return &spmTokenizer{
		proc: proc,
		special: map[api.SpecialToken]int{
			api.TokUnknown:             info.UnknownID,
			api.TokPad:                 info.PadID,
			api.TokBeginningOfSentence: info.BeginningOfSentenceID,
			api.TokEndOfSentence:       info.EndOfSentenceID,
		},
	}, nil
}

// spmTokenizer adapts a SentencePiece processor. Special tokens the model
// disables have id -1 and are reported as missing.
type spmTokenizer struct {
	proc    *esentencepiece.Processor
	special map[api.SpecialToken]int
}

var _ Tokenizer = (*spmTokenizer)(nil)

func (t *spmTokenizer) Encode(text string) []int {
	tokens := t.proc.Encode(text)
	ids := make([]int, len(tokens))
	for i, tok := range tokens {
		ids[i] = tok.ID
	}
	return ids
}

func (t *spmTokenizer) Decode(ids []int) string {
	return t.proc.Decode(ids)
}

func (t *spmTokenizer) SpecialTokenID(token api.SpecialToken) (int, error) {
	id, ok := t.special[token]
	if !ok || id < 0 {
		return 0, fmt.Errorf("sentencepiece model has no %s token", token)
	}
	return id, nil
}

// specialTokenFields may hold AddedToken objects in tokenizer_config.json.
var specialTokenFields = []string{
	"bos_token", "eos_token", "pad_token", "unk_token",
	"cls_token", "sep_token", "mask_token",
}

// normalizeTokenizerConfig flattens AddedToken objects such as
// {"__type": "AddedToken", "content": "</s>"} to their content, which is what
// api.ParseConfigContent expects. Null tokens are dropped.
func normalizeTokenizerConfig(configPath string) ([]byte, error) {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("reading tokenizer config: %w", err)
	}

	var raw map[string]any
	if err := sonic.Unmarshal(content, &raw); err != nil {
		return nil, fmt.Errorf("parsing tokenizer config: %w", err)
	}
	for _, field := range specialTokenFields {
		switch v := raw[field].(type) {
		case map[string]any:
			if s, ok := v["content"].(string); ok {
				raw[field] = s
			} else {
				delete(raw, field)
			}
		case nil:
			delete(raw, field)
		}
	}
	return sonic.Marshal(raw)
}

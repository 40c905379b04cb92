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

// Package modelregistry resolves model references and pulls pretrained
// seq2seq models from the HuggingFace Hub into a local models directory.
package modelregistry

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ModelRef represents a parsed model reference
type ModelRef struct {
	// Owner is the namespace/organization (e.g., "google", "lmqg")
	Owner string
	// Name is the model name (e.g., "flan-t5-small")
	Name string
	// IsHuggingFace indicates if this was a hf: prefixed reference
	IsHuggingFace bool
}

// FullName returns "owner/name" format (e.g., "google/flan-t5-small")
func (r ModelRef) FullName() string {
	if r.Owner == "" {
		return r.Name
	}
	return r.Owner + "/" + r.Name
}

// DirPath returns the directory path relative to the models directory
func (r ModelRef) DirPath() string {
	if r.Owner == "" {
		return r.Name
	}
	return filepath.Join(r.Owner, r.Name)
}

// String returns a human-readable representation
func (r ModelRef) String() string {
	if r.IsHuggingFace {
		return "hf:" + r.FullName()
	}
	return r.FullName()
}

// ParseModelRef parses the supported model reference formats:
//
//	"google/flan-t5-small"     -> Owner: google, Name: flan-t5-small
//	"hf:google/flan-t5-small"  -> same, but IsHuggingFace: true
//	"t5-small"                 -> Owner: "", Name: t5-small
func ParseModelRef(ref string) (ModelRef, error) {
	if ref == "" {
		return ModelRef{}, fmt.Errorf("empty model reference")
	}

	result := ModelRef{}
	if after, ok := strings.CutPrefix(ref, "hf:"); ok {
		result.IsHuggingFace = true
		ref = after
	}

	parts := strings.SplitN(ref, "/", 2)
	if len(parts) == 2 {
		result.Owner = parts[0]
		result.Name = parts[1]
	} else {
		result.Name = parts[0]
	}

	if result.Name == "" || strings.Contains(result.Name, "/") {
		return ModelRef{}, fmt.Errorf("invalid model reference: %q", ref)
	}
	if result.IsHuggingFace && result.Owner == "" {
		return ModelRef{}, fmt.Errorf("huggingface reference needs owner/name: %q", ref)
	}
	return result, nil
}

// ResolvePath returns the local directory of ref inside modelsDir.
func ResolvePath(modelsDir string, ref ModelRef) string {
	return filepath.Join(modelsDir, ref.DirPath())
}

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

package modelregistry

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/bytedance/sonic"
)

// ManifestFilename is the name of the manifest written next to pulled files.
const ManifestFilename = "model_manifest.json"

// CurrentSchemaVersion is the manifest schema version.
const CurrentSchemaVersion = 1

// ModelManifest records where a local model came from and its files.
type ModelManifest struct {
	SchemaVersion int         `json:"schemaVersion"`
	Name          string      `json:"name"`
	Owner         string      `json:"owner,omitempty"`
	Source        string      `json:"source"`
	Files         []ModelFile `json:"files"`
	DownloadedAt  time.Time   `json:"downloadedAt"`
}

// ModelFile is one file of a model with its SHA-256 digest.
type ModelFile struct {
	Name   string `json:"name"`
	Digest string `json:"digest"`
	Size   int64  `json:"size"`
}

// ScanModelFiles digests the regular files of modelDir, skipping the manifest.
func ScanModelFiles(modelDir string) ([]ModelFile, error) {
	entries, err := os.ReadDir(modelDir)
	if err != nil {
		return nil, fmt.Errorf("reading model directory: %w", err)
	}

	var files []ModelFile
	for _, entry := range entries {
		if entry.IsDir() || entry.Name() == ManifestFilename {
			continue
		}
		path := filepath.Join(modelDir, entry.Name())
		digest, size, err := fileDigest(path)
		if err != nil {
			return nil, err
		}
		files = append(files, ModelFile{Name: entry.Name(), Digest: "sha256:" + digest, Size: size})
	}
	slices.SortFunc(files, func(a, b ModelFile) int {
		if a.Name < b.Name {
			return -1
		}
		if a.Name > b.Name {
			return 1
		}
		return 0
	})
	return files, nil
}

func fileDigest(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("opening %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, fmt.Errorf("hashing %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// WriteManifest scans modelDir and saves its manifest.
func WriteManifest(modelDir string, ref ModelRef, source string) error {
	files, err := ScanModelFiles(modelDir)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no files found in %s", modelDir)
	}
	m := ModelManifest{
		SchemaVersion: CurrentSchemaVersion,
		Name:          ref.Name,
		Owner:         ref.Owner,
		Source:        source + ":" + ref.FullName(),
		Files:         files,
		DownloadedAt:  time.Now().UTC(),
	}
	data, err := sonic.ConfigStd.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	return os.WriteFile(filepath.Join(modelDir, ManifestFilename), data, 0644)
}

// LoadManifest reads the manifest of modelDir.
func LoadManifest(modelDir string) (*ModelManifest, error) {
	data, err := os.ReadFile(filepath.Join(modelDir, ManifestFilename))
	if err != nil {
		return nil, err
	}
	var m ModelManifest
	if err := sonic.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	return &m, nil
}

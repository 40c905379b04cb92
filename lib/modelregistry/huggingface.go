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
	"context"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gomlx/go-huggingface/hub"
	"go.uber.org/zap"
)

// ProgressHandler is called to report download progress
type ProgressHandler func(downloaded, total int64, filename string)

// Repo lists and downloads the files of one Hub repository.
type Repo interface {
	IterFileNames() iter.Seq2[string, error]
	DownloadFile(fileName string) (string, error)
}

// HuggingFaceClient pulls seq2seq models from HuggingFace Hub
type HuggingFaceClient struct {
	token           string
	progressHandler ProgressHandler
	logger          *zap.Logger
	openRepo        func(repoID, token string) Repo
}

// HFClientOption configures the HuggingFace client
type HFClientOption func(*HuggingFaceClient)

// NewHuggingFaceClient creates a new HuggingFace client
func NewHuggingFaceClient(opts ...HFClientOption) *HuggingFaceClient {
	c := &HuggingFaceClient{
		logger:   zap.NewNop(),
		openRepo: openHubRepo,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func openHubRepo(repoID, token string) Repo {
	repo := hub.New(repoID)
	if token != "" {
		repo = repo.WithAuth(token)
	}
	return hubRepo{repo: repo}
}

// hubRepo adapts hub.Repo, which downloads into the local HuggingFace cache.
type hubRepo struct {
	repo *hub.Repo
}

func (r hubRepo) IterFileNames() iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for fileName, err := range r.repo.IterFileNames() {
			if !yield(fileName, err) {
				return
			}
		}
	}
}

func (r hubRepo) DownloadFile(fileName string) (string, error) {
	return r.repo.DownloadFile(fileName)
}

// WithHFToken sets the HuggingFace API token for gated models
func WithHFToken(token string) HFClientOption {
	return func(c *HuggingFaceClient) { c.token = token }
}

// WithHFProgressHandler sets the progress handler for downloads
func WithHFProgressHandler(h ProgressHandler) HFClientOption {
	return func(c *HuggingFaceClient) { c.progressHandler = h }
}

// WithHFLogger sets the logger
func WithHFLogger(logger *zap.Logger) HFClientOption {
	return func(c *HuggingFaceClient) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithRepoOpener replaces how repositories are opened.
func WithRepoOpener(open func(repoID, token string) Repo) HFClientOption {
	return func(c *HuggingFaceClient) { c.openRepo = open }
}

// ListRepoFiles returns all files in a HuggingFace repo
func (c *HuggingFaceClient) ListRepoFiles(ctx context.Context, repoID string) ([]string, error) {
	return listFiles(ctx, c.openRepo(repoID, c.token))
}

func listFiles(ctx context.Context, repo Repo) ([]string, error) {
	var files []string
	for fileName, err := range repo.IterFileNames() {
		if err != nil {
			return nil, fmt.Errorf("listing files: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		files = append(files, fileName)
	}
	return files, nil
}

// Pull downloads the tokenizer, configuration and ONNX files of ref into
// modelsDir/owner/name and writes a manifest. It returns the model directory.
func (c *HuggingFaceClient) Pull(ctx context.Context, ref ModelRef, modelsDir string) (string, error) {
	repoID := ref.FullName()
	repo := c.openRepo(repoID, c.token)

	files, err := listFiles(ctx, repo)
	if err != nil {
		return "", err
	}

	toDownload := SelectSeq2SeqFiles(files)
	if len(toDownload) == 0 {
		return "", fmt.Errorf("no model files found in %s", repoID)
	}

	modelDir := ResolvePath(modelsDir, ref)
	if err := os.MkdirAll(modelDir, 0755); err != nil {
		return "", fmt.Errorf("creating directory: %w", err)
	}

	c.logger.Info("Pulling model from HuggingFace",
		zap.String("repo", repoID),
		zap.String("dir", modelDir),
		zap.Int("files", len(toDownload)))

	for _, fileName := range toDownload {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		localPath, err := repo.DownloadFile(fileName)
		if err != nil {
			return "", fmt.Errorf("downloading %s: %w", fileName, err)
		}

		// Flatten path (e.g., "onnx/encoder.onnx" -> "encoder.onnx")
		destName := filepath.Base(fileName)
		destPath := filepath.Join(modelDir, destName)
		if c.progressHandler != nil {
			c.progressHandler(0, 0, destName)
		}
		if err := copyFile(localPath, destPath); err != nil {
			return "", fmt.Errorf("copying %s: %w", fileName, err)
		}
		if c.progressHandler != nil {
			if info, err := os.Stat(destPath); err == nil {
				c.progressHandler(info.Size(), info.Size(), destName)
			}
		}
	}

	if err := WriteManifest(modelDir, ref, "huggingface"); err != nil {
		c.logger.Warn("Failed to write model manifest", zap.Error(err))
	}
	return modelDir, nil
}

// seq2seqFiles are downloaded by exact base name.
var seq2seqFiles = []string{
	"tokenizer.json",
	"tokenizer.model",
	"spiece.model",
	"vocab.txt",
	"tokenizer_config.json",
	"special_tokens_map.json",
	"added_tokens.json",
	"config.json",
	"generation_config.json",
	"seq2seq_config.json",
	"encoder.onnx",
	"decoder-init.onnx",
	"decoder.onnx",
}

// SelectSeq2SeqFiles picks tokenizer, config and encoder/decoder ONNX files
// (with their external data files). When a base name occurs in several
// directories the shallowest path wins.
func SelectSeq2SeqFiles(files []string) []string {
	sorted := slices.Clone(files)
	slices.SortStableFunc(sorted, func(a, b string) int {
		return strings.Count(a, "/") - strings.Count(b, "/")
	})

	seen := make(map[string]bool)
	var result []string
	for _, f := range sorted {
		base := filepath.Base(f)
		if seen[base] {
			continue
		}
		wanted := slices.Contains(seq2seqFiles, base)
		for _, suffix := range []string{".onnx.data", ".onnx_data"} {
			if stem, ok := strings.CutSuffix(base, suffix); ok && slices.Contains(seq2seqFiles, stem+".onnx") {
				wanted = true
			}
		}
		if wanted {
			seen[base] = true
			result = append(result, f)
		}
	}
	return result
}

// copyFile copies a file from src to dst
func copyFile(src, dst string) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening source: %w", err)
	}
	defer func() { _ = srcFile.Close() }()

	dstFile, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("creating destination: %w", err)
	}

	if _, err := io.Copy(dstFile, srcFile); err != nil {
		_ = dstFile.Close()
		return fmt.Errorf("copying: %w", err)
	}

	return dstFile.Close()
}

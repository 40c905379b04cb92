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
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 200, cfg.Epochs)
	assert.Equal(t, "t5-small", cfg.Model)
	assert.InDelta(t, 1e-4, cfg.LearningRate, 0)
	assert.InDelta(t, 1e-8, cfg.AdamEpsilon, 0)
	assert.Equal(t, 0, cfg.WarmupSteps)
	assert.InDelta(t, 1.0, cfg.MaxGradNorm, 0)
	assert.Equal(t, -1, cfg.NumTrain)
	assert.Equal(t, -1, cfg.NumVal)
	assert.Equal(t, 16, cfg.BatchSize)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 1200, cfg.MaxSourceLen)
	assert.Equal(t, 120, cfg.MaxTargetLen)
	assert.EqualValues(t, 42, cfg.Seed)
	assert.False(t, cfg.UseMonitoring)
	assert.False(t, cfg.SkipSpecialTokens)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		want   string
	}{
		{"no model", func(c *Config) { c.Model = "" }, "model is required"},
		{"backend", func(c *Config) { c.Backend = "torch" }, "backend must be"},
		{"batch size", func(c *Config) { c.BatchSize = 0 }, "batch size"},
		{"lengths", func(c *Config) { c.MaxTargetLen = 0 }, "max lengths"},
		{"epsilon", func(c *Config) { c.AdamEpsilon = 0 }, "optimizer"},
		{"warmup", func(c *Config) { c.WarmupSteps = -1 }, "warmup"},
		{"workers", func(c *Config) { c.Workers = -2 }, "workers"},
		{"hidden", func(c *Config) { c.HiddenSize = 0 }, "hidden size"},
		{"name", func(c *Config) { c.Name = "a/b" }, "path separators"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	t.Run("errors are joined", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.BatchSize = 0
		cfg.Epochs = -1
		err := cfg.Validate()
		require.Error(t, err)
		assert.Len(t, strings.Split(err.Error(), "\n"), 2)
	})

	t.Run("only scratch needs a hidden size", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.HiddenSize = 0
		for _, backend := range []string{BackendGoMLX, BackendONNX} {
			cfg.Backend = backend
			assert.NoError(t, cfg.Validate(), backend)
		}
		cfg.Backend = BackendScratch
		assert.Error(t, cfg.Validate())
	})
}

func TestNewRecordDir(t *testing.T) {
	save := filepath.Join(t.TempDir(), "save")

	first, err := NewRecordDir(save, "run")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(save, "run-01"), first)
	assert.DirExists(t, first)

	second, err := NewRecordDir(save, "run")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(save, "run-02"), second)

	other, err := NewRecordDir(save, "other")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(save, "other-01"), other)
}

func TestNewRecordDir_Exhausted(t *testing.T) {
	save := t.TempDir()
	for uid := 1; uid <= maxRecordDirs; uid++ {
		require.NoError(t, os.Mkdir(filepath.Join(save, fmt.Sprintf("full-%02d", uid)), 0755))
	}
	_, err := NewRecordDir(save, "full")
	require.ErrorIs(t, err, ErrTooManyRecordDirs)
}
